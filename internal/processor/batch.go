package processor

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
)

// BatchItem pairs a request with its outcome.
type BatchItem struct {
	Request *ProcessRequest
	Result  *FormResult
	Err     error
}

// BatchSummary counts the outcomes of a batch.
type BatchSummary struct {
	Total    int
	Done     int
	Failed   int
	Aligned  int
	Duration time.Duration
}

// ProcessBatch processes reqs with at most workers images in flight. A failing
// image records its error on its item and never stops the others. Items come
// back in request order.
func (p *FormProcessor) ProcessBatch(ctx context.Context, reqs []*ProcessRequest, workers int) ([]BatchItem, BatchSummary) {
	start := time.Now()
	if workers <= 0 {
		workers = 1
	}

	items := make([]BatchItem, len(reqs))
	var g errgroup.Group
	g.SetLimit(workers)
	for i, req := range reqs {
		items[i].Request = req
		g.Go(func() error {
			imgCtx, cancel := ctx, context.CancelFunc(func() {})
			if p.config.BatchImageTimeout > 0 {
				imgCtx, cancel = context.WithTimeout(ctx, p.config.BatchImageTimeout)
			}
			defer cancel()

			res, err := p.ProcessForm(imgCtx, req)
			items[i].Result = res
			items[i].Err = err
			if err != nil {
				p.logger.Error("Image failed", "image", requestImageName(req), "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	summary := BatchSummary{Total: len(reqs), Duration: time.Since(start)}
	for _, it := range items {
		if it.Err != nil {
			summary.Failed++
			continue
		}
		summary.Done++
		if it.Result != nil && it.Result.Aligned {
			summary.Aligned++
		}
	}

	p.logger.Info("Batch finished",
		"total", summary.Total,
		"done", summary.Done,
		"failed", summary.Failed,
		"aligned", summary.Aligned,
		"durationMs", summary.Duration.Milliseconds())

	return items, summary
}
