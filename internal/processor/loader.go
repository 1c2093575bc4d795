package processor

import (
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"gocv.io/x/gocv"

	"github.com/MonsieurNam/handwriting-recognition/internal/vision"
)

const defaultMaxImageSize = 64 * 1024 * 1024

// downloadPolicy controls URL retries. Tests shorten the backoff.
var downloadPolicy = struct {
	maxRetries       int
	initialBackoffMs int
	maxBackoffMs     int
	timeout          time.Duration
}{
	maxRetries:       5,
	initialBackoffMs: 1000,
	maxBackoffMs:     32000,
	timeout:          2 * time.Minute,
}

// loadImage decodes the request's image from buffer, path or URL.
func (p *FormProcessor) loadImage(ctx context.Context, req *ProcessRequest) (gocv.Mat, error) {
	if len(req.ImageBuffer) > 0 {
		p.logger.Debug("Using image buffer", "jobId", req.JobID, "bytes", len(req.ImageBuffer))
		return vision.DecodeImage(req.ImageBuffer)
	}

	if req.ImagePath != "" {
		return vision.LoadImage(req.ImagePath)
	}

	if req.ImageURL != "" {
		p.logger.Info("Downloading image", "jobId", req.JobID, "url", req.ImageURL, "imageSize", req.ImageSize)
		data, err := p.downloadImageFromURL(ctx, req.JobID, req.ImageURL, req.ImageSize)
		if err != nil {
			return gocv.NewMat(), fmt.Errorf("failed to download image: %w", err)
		}
		return vision.DecodeImage(data)
	}

	return gocv.NewMat(), fmt.Errorf("no image source provided (buffer, path or URL)")
}

// downloadImageFromURL downloads an image with exponential backoff between attempts.
func (p *FormProcessor) downloadImageFromURL(ctx context.Context, jobID string, imageURL string, expectedSize int64) ([]byte, error) {
	client := &http.Client{Timeout: downloadPolicy.timeout}

	maxBytes := p.config.MaxImageSize
	if maxBytes <= 0 {
		maxBytes = defaultMaxImageSize
	}

	var lastErr error
	for attempt := 1; attempt <= downloadPolicy.maxRetries; attempt++ {
		data, retry, err := p.fetchOnce(ctx, client, imageURL, expectedSize, maxBytes)
		if err == nil {
			p.logger.Debug("Download successful", "jobId", jobID, "attempt", attempt, "bytes", len(data))
			return data, nil
		}
		lastErr = err
		if !retry {
			return nil, err
		}

		p.logger.Warn("Download attempt failed", "jobId", jobID, "attempt", attempt, "maxRetries", downloadPolicy.maxRetries, "error", err)
		if attempt == downloadPolicy.maxRetries {
			break
		}

		backoffMs := downloadPolicy.initialBackoffMs * int(math.Pow(2, float64(attempt-1)))
		if backoffMs > downloadPolicy.maxBackoffMs {
			backoffMs = downloadPolicy.maxBackoffMs
		}
		select {
		case <-time.After(time.Duration(backoffMs) * time.Millisecond):
		case <-ctx.Done():
			return nil, fmt.Errorf("context cancelled during retry backoff: %w", ctx.Err())
		}
	}

	return nil, fmt.Errorf("failed to download image after %d attempts: %w", downloadPolicy.maxRetries, lastErr)
}

// fetchOnce performs one GET. retry reports whether the failure is transient.
func (p *FormProcessor) fetchOnce(ctx context.Context, client *http.Client, imageURL string, expectedSize, maxBytes int64) ([]byte, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return nil, false, fmt.Errorf("invalid image URL: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, ctx.Err() == nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		retry := resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
		return nil, retry, fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Status)
	}

	if resp.ContentLength > maxBytes {
		return nil, false, fmt.Errorf("image size exceeds maximum: %d > %d bytes", resp.ContentLength, maxBytes)
	}
	if resp.ContentLength > 0 && expectedSize > 0 && resp.ContentLength != expectedSize {
		p.logger.Warn("Content-Length mismatch", "expected", expectedSize, "got", resp.ContentLength)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes+1))
	if err != nil {
		return nil, true, fmt.Errorf("failed to read response body: %w", err)
	}
	if int64(len(data)) > maxBytes {
		return nil, false, fmt.Errorf("image size exceeds maximum of %d bytes", maxBytes)
	}
	return data, false, nil
}
