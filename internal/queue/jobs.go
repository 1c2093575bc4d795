package queue

import (
	"encoding/base64"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/MonsieurNam/handwriting-recognition/internal/processor"
)

// TypeExtractForm is the asynq task type for one form image.
const TypeExtractForm = "extract-form"

// JobPayload describes one form image to extract. The image travels inline
// (imageBuffer) or by reference (imagePath, imageUrl).
type JobPayload struct {
	JobID       string                 `json:"jobId"`
	ImageName   string                 `json:"imageName,omitempty"`
	ImagePath   string                 `json:"imagePath,omitempty"`
	ImageURL    string                 `json:"imageUrl,omitempty"`
	ImageSize   int64                  `json:"imageSize,omitempty"`
	ImageBuffer []byte                 `json:"imageBuffer,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// UnmarshalJSON accepts imageBuffer as a base64 string or as a Node.js Buffer
// object ({"type":"Buffer","data":[...]}).
func (p *JobPayload) UnmarshalJSON(data []byte) error {
	type Alias JobPayload
	aux := &struct {
		ImageBuffer interface{} `json:"imageBuffer,omitempty"`
		*Alias
	}{
		Alias: (*Alias)(p),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return fmt.Errorf("failed to unmarshal JobPayload: %w", err)
	}

	p.ImageBuffer = nil
	if aux.ImageBuffer == nil {
		return nil
	}

	switch v := aux.ImageBuffer.(type) {
	case string:
		decoded, err := base64.StdEncoding.DecodeString(v)
		if err != nil {
			return fmt.Errorf("failed to decode base64 imageBuffer: %w", err)
		}
		p.ImageBuffer = decoded

	case map[string]interface{}:
		bufferType, ok := v["type"].(string)
		if !ok || bufferType != "Buffer" {
			return fmt.Errorf("invalid Buffer object format (missing or incorrect 'type' field)")
		}
		dataArray, ok := v["data"].([]interface{})
		if !ok {
			return fmt.Errorf("Buffer object missing 'data' array")
		}
		p.ImageBuffer = make([]byte, len(dataArray))
		for i, val := range dataArray {
			byteVal, ok := val.(float64)
			if !ok || byteVal < 0 || byteVal > 255 {
				return fmt.Errorf("invalid byte value in Buffer data array at index %d", i)
			}
			p.ImageBuffer[i] = byte(byteVal)
		}

	default:
		return fmt.Errorf("imageBuffer must be either base64 string or Buffer object, got %T", v)
	}

	return nil
}

// Validate checks that the payload names an image source.
func (p *JobPayload) Validate() error {
	if len(p.ImageBuffer) == 0 && p.ImagePath == "" && p.ImageURL == "" {
		return fmt.Errorf("job %s has no image (imageBuffer, imagePath or imageUrl)", p.JobID)
	}
	return nil
}

// Request converts the payload to a processor request.
func (p *JobPayload) Request() *processor.ProcessRequest {
	return &processor.ProcessRequest{
		JobID:       p.JobID,
		ImageName:   p.ImageName,
		ImagePath:   p.ImagePath,
		ImageURL:    p.ImageURL,
		ImageSize:   p.ImageSize,
		ImageBuffer: p.ImageBuffer,
		Metadata:    p.Metadata,
	}
}

// NewExtractFormTask builds an asynq task for payload, assigning a job ID when
// missing.
func NewExtractFormTask(payload *JobPayload, opts ...asynq.Option) (*asynq.Task, error) {
	if payload.JobID == "" {
		payload.JobID = uuid.NewString()
	}
	if err := payload.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job payload: %w", err)
	}
	opts = append([]asynq.Option{asynq.TaskID(payload.JobID)}, opts...)
	return asynq.NewTask(TypeExtractForm, data, opts...), nil
}

// ResultSummary is the job outcome published on the queue and stored with the
// job status.
func ResultSummary(res *processor.FormResult) map[string]interface{} {
	return map[string]interface{}{
		"imageName":      res.ImageName,
		"aligned":        res.Aligned,
		"fields":         res.Values(),
		"confidences":    res.Confidences(),
		"invalidFields":  res.InvalidFields(),
		"confidence":     res.MeanConfidence(),
		"processingTime": res.ProcessingTimeMs,
		"extractionId":   res.ExtractionID,
	}
}

// processingTimeout returns the per-job timeout for a millisecond setting.
func processingTimeout(ms int64) time.Duration {
	if ms <= 0 {
		return 2 * time.Minute
	}
	return time.Duration(ms) * time.Millisecond
}

// permanent marks err as not worth retrying.
func permanent(err error) error {
	return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
}

// IsPermanent reports whether err was marked as not worth retrying.
func IsPermanent(err error) bool {
	return stderrors.Is(err, asynq.SkipRetry)
}
