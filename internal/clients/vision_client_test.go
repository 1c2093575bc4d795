package clients

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecognizeSync(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/recognize", r.URL.Path)
		assert.Equal(t, "form-extraction-worker", r.Header.Get("X-Source"))

		var req RecognizeRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "base64", req.Format)
		assert.Equal(t, "ho_ten", req.Field)
		assert.True(t, req.Handwritten)

		_ = json.NewEncoder(w).Encode(RecognizeResponse{
			Success: true,
			Data:    RecognizeData{Text: "Nguyen Van A", Confidence: 0.93, ModelUsed: "vit5-base"},
		})
	}))
	defer srv.Close()

	c := NewVisionClient("vit5", srv.URL+"/", time.Second)
	data, err := c.RecognizePNG(context.Background(), []byte{0x89, 'P', 'N', 'G'}, "text", "ho_ten", true)
	require.NoError(t, err)
	assert.Equal(t, "Nguyen Van A", data.Text)
	assert.Equal(t, 0.93, data.Confidence)
	assert.Equal(t, "vit5", c.Name())
}

func TestRecognizeAcceptedIsPolled(t *testing.T) {
	var polls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/recognize", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"success":true,"data":{"taskId":"t-1"}}`))
	})
	mux.HandleFunc("/api/tasks/t-1", func(w http.ResponseWriter, r *http.Request) {
		if polls.Add(1) < 3 {
			_, _ = w.Write([]byte(`{"success":true,"data":{"task":{"id":"t-1","status":"processing","progress":50}}}`))
			return
		}
		_, _ = w.Write([]byte(`{"success":true,"data":{"task":{"id":"t-1","status":"completed","result":{"text":"6A1","confidence":0.8}}}}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewVisionClient("trocr", srv.URL, time.Second)
	c.SetPollInterval(5 * time.Millisecond)

	data, err := c.RecognizePNG(context.Background(), []byte("png"), "text", "lop", false)
	require.NoError(t, err)
	assert.Equal(t, "6A1", data.Text)
	assert.Equal(t, int32(3), polls.Load())
}

func TestRecognizeFailedTask(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/recognize", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"success":true,"data":{"taskId":"t-2"}}`))
	})
	mux.HandleFunc("/api/tasks/t-2", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":true,"data":{"task":{"id":"t-2","status":"failed","error":"model not loaded"}}}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewVisionClient("crnn", srv.URL, time.Second)
	c.SetPollInterval(5 * time.Millisecond)

	_, err := c.RecognizePNG(context.Background(), []byte("png"), "text", "ngay_sinh", false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model not loaded")
}

func TestRecognizeErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewVisionClient("vit5", srv.URL, time.Second)
	_, err := c.RecognizePNG(context.Background(), []byte("png"), "text", "ho_ten", true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestRecognizeUnsuccessful(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":false,"message":"empty crop"}`))
	}))
	defer srv.Close()

	_, err := NewVisionClient("vit5", srv.URL, time.Second).RecognizePNG(context.Background(), []byte("png"), "text", "", false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty crop")
}

func TestHealthCheck(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/health", r.URL.Path)
		if !healthy.Load() {
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	c := NewVisionClient("vit5", srv.URL, time.Second)
	assert.NoError(t, c.HealthCheck(context.Background()))
	healthy.Store(false)
	assert.Error(t, c.HealthCheck(context.Background()))
}
