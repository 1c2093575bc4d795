package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MonsieurNam/handwriting-recognition/internal/errors"
	"github.com/MonsieurNam/handwriting-recognition/internal/logging"
	"github.com/MonsieurNam/handwriting-recognition/internal/processor"
	"github.com/MonsieurNam/handwriting-recognition/internal/template"
)

type statusCall struct {
	jobID    string
	status   string
	metadata map[string]interface{}
}

type fakeProcessor struct {
	mu       sync.Mutex
	requests []*processor.ProcessRequest
	statuses []statusCall
	process  func(ctx context.Context, req *processor.ProcessRequest) (*processor.FormResult, error)
}

func (f *fakeProcessor) ProcessForm(ctx context.Context, req *processor.ProcessRequest) (*processor.FormResult, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	return f.process(ctx, req)
}

func (f *fakeProcessor) UpdateJobStatus(_ context.Context, jobID, status string, _ int, metadata map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, statusCall{jobID: jobID, status: status, metadata: metadata})
	return nil
}

func (f *fakeProcessor) lastStatus() statusCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statuses[len(f.statuses)-1]
}

func okResult(req *processor.ProcessRequest) *processor.FormResult {
	return &processor.FormResult{
		JobID:     req.JobID,
		ImageName: req.ImageName,
		Aligned:   true,
		Fields: []processor.FieldResult{
			{Name: "ho_ten", Kind: template.KindText, Value: "Nguyen Van An", Raw: "nguyen van an", Confidence: 0.8, Valid: true},
			{Name: "nam", Kind: template.KindCheckbox, Value: true, Confidence: 1, Valid: true},
		},
		ProcessingTimeMs: 42,
	}
}

func TestJobPayloadUnmarshal(t *testing.T) {
	var p JobPayload
	require.NoError(t, json.Unmarshal([]byte(`{"jobId":"j1","imageName":"a.jpg","imageBuffer":"aGVsbG8="}`), &p))
	assert.Equal(t, "j1", p.JobID)
	assert.Equal(t, "a.jpg", p.ImageName)
	assert.Equal(t, []byte("hello"), p.ImageBuffer)

	p = JobPayload{}
	require.NoError(t, json.Unmarshal([]byte(`{"jobId":"j2","imageBuffer":{"type":"Buffer","data":[104,105]}}`), &p))
	assert.Equal(t, []byte("hi"), p.ImageBuffer)

	p = JobPayload{}
	require.NoError(t, json.Unmarshal([]byte(`{"jobId":"j3","imagePath":"/data/a.jpg"}`), &p))
	assert.Nil(t, p.ImageBuffer)
	assert.NoError(t, p.Validate())

	bad := []string{
		`{"imageBuffer":"%%%"}`,
		`{"imageBuffer":{"type":"Blob","data":[1]}}`,
		`{"imageBuffer":{"type":"Buffer"}}`,
		`{"imageBuffer":{"type":"Buffer","data":[300]}}`,
		`{"imageBuffer":12}`,
	}
	for _, in := range bad {
		assert.Error(t, json.Unmarshal([]byte(in), &JobPayload{}), in)
	}
}

func TestJobPayloadRoundTripAndValidate(t *testing.T) {
	in := JobPayload{JobID: "j1", ImageName: "a.png", ImageBuffer: []byte{0x89, 'P', 'N', 'G'}}
	data, err := json.Marshal(in)
	require.NoError(t, err)

	var out JobPayload
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, in, out)

	assert.Error(t, (&JobPayload{JobID: "empty"}).Validate())

	req := out.Request()
	assert.Equal(t, "j1", req.JobID)
	assert.Equal(t, in.ImageBuffer, req.ImageBuffer)
}

func TestNewExtractFormTask(t *testing.T) {
	payload := &JobPayload{ImagePath: "/data/form.jpg", ImageName: "form.jpg"}
	task, err := NewExtractFormTask(payload)
	require.NoError(t, err)

	assert.Equal(t, TypeExtractForm, task.Type())
	assert.NotEmpty(t, payload.JobID, "a job ID is assigned")

	var decoded JobPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &decoded))
	assert.Equal(t, payload.JobID, decoded.JobID)

	_, err = NewExtractFormTask(&JobPayload{})
	assert.Error(t, err)
}

func TestResultSummary(t *testing.T) {
	res := okResult(&processor.ProcessRequest{JobID: "j1", ImageName: "a.jpg"})
	s := ResultSummary(res)

	assert.Equal(t, "a.jpg", s["imageName"])
	assert.Equal(t, true, s["aligned"])
	assert.Equal(t, map[string]interface{}{"ho_ten": "Nguyen Van An", "nam": true}, s["fields"])
	assert.Equal(t, 0.8, s["confidence"])
	assert.Equal(t, int64(42), s["processingTime"])
	assert.Empty(t, s["invalidFields"])
}

func newTestConsumer(p *fakeProcessor, timeoutMs int64) *Consumer {
	return &Consumer{
		processor: p,
		config:    &ConsumerConfig{QueueName: "forms", Concurrency: 1, ProcessingTimeout: timeoutMs},
		logger:    logging.NewNopLogger(),
	}
}

func TestHandleExtractFormSuccess(t *testing.T) {
	p := &fakeProcessor{process: func(_ context.Context, req *processor.ProcessRequest) (*processor.FormResult, error) {
		return okResult(req), nil
	}}
	c := newTestConsumer(p, 0)

	task, err := NewExtractFormTask(&JobPayload{JobID: "j1", ImageName: "a.jpg", ImageBuffer: []byte("img")})
	require.NoError(t, err)

	require.NoError(t, c.handleExtractForm(context.Background(), task))

	require.Len(t, p.requests, 1)
	assert.Equal(t, []byte("img"), p.requests[0].ImageBuffer)

	require.Len(t, p.statuses, 2)
	assert.Equal(t, "processing", p.statuses[0].status)
	last := p.lastStatus()
	assert.Equal(t, "completed", last.status)
	assert.Equal(t, 0.8, last.metadata["confidence"])
}

func TestHandleExtractFormFailures(t *testing.T) {
	decodeErr := errors.NewImageDecodeError("j1", "a.jpg", fmt.Errorf("bad jpeg"))

	t.Run("undecodable image is not retried", func(t *testing.T) {
		p := &fakeProcessor{process: func(context.Context, *processor.ProcessRequest) (*processor.FormResult, error) {
			return nil, decodeErr
		}}
		task, _ := NewExtractFormTask(&JobPayload{JobID: "j1", ImagePath: "a.jpg"})

		err := newTestConsumer(p, 0).handleExtractForm(context.Background(), task)
		require.Error(t, err)
		assert.True(t, IsPermanent(err))
		assert.Equal(t, "failed", p.lastStatus().status)
		assert.Equal(t, "IMAGE_DECODE_FAILED", p.lastStatus().metadata["error_code"])
	})

	t.Run("transient errors are retried", func(t *testing.T) {
		p := &fakeProcessor{process: func(context.Context, *processor.ProcessRequest) (*processor.FormResult, error) {
			return nil, fmt.Errorf("recognizer service unavailable")
		}}
		task, _ := NewExtractFormTask(&JobPayload{JobID: "j2", ImagePath: "a.jpg"})

		err := newTestConsumer(p, 0).handleExtractForm(context.Background(), task)
		require.Error(t, err)
		assert.False(t, IsPermanent(err))
	})

	t.Run("timeout", func(t *testing.T) {
		p := &fakeProcessor{process: func(ctx context.Context, _ *processor.ProcessRequest) (*processor.FormResult, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}}
		task, _ := NewExtractFormTask(&JobPayload{JobID: "j3", ImagePath: "a.jpg"})

		err := newTestConsumer(p, 20).handleExtractForm(context.Background(), task)
		require.Error(t, err)
		assert.Equal(t, errors.ErrorProcessingTimeout, errors.CodeOf(err))
		assert.Equal(t, "PROCESSING_TIMEOUT", p.lastStatus().metadata["error_code"])
	})

	t.Run("malformed payload", func(t *testing.T) {
		p := &fakeProcessor{}
		err := newTestConsumer(p, 0).handleExtractForm(context.Background(), asynq.NewTask(TypeExtractForm, []byte(`{"jobId":`)))
		require.Error(t, err)
		assert.True(t, IsPermanent(err))
		assert.Empty(t, p.requests)
	})
}

func TestRedisConsumerProcessJob(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer client.Close()

	p := &fakeProcessor{process: func(_ context.Context, req *processor.ProcessRequest) (*processor.FormResult, error) {
		return okResult(req), nil
	}}
	c := newRedisConsumer(client, &RedisConsumerConfig{Processor: p})
	assert.Equal(t, "forms:jobs", c.config.QueueName)
	assert.Equal(t, "forms:jobs:results", c.key("results"))

	summary, err := c.processJob(&RedisJobData{ID: "j1", Payload: JobPayload{JobID: "j1", ImageName: "a.jpg", ImagePath: "a.jpg"}})
	require.NoError(t, err)
	assert.Equal(t, "a.jpg", summary["imageName"])

	_, err = c.processJob(&RedisJobData{ID: "j2", Payload: JobPayload{JobID: "j2"}})
	require.Error(t, err)
	assert.True(t, IsPermanent(err), "jobs without an image are never retried")
}

func TestProcessingTimeout(t *testing.T) {
	assert.Equal(t, 2*time.Minute, processingTimeout(0))
	assert.Equal(t, 1500*time.Millisecond, processingTimeout(1500))
}
