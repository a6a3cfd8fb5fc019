// Package sweep runs "select due candidates, process each, keep going" batches.
package sweep

import (
	"context"
	"time"

	"tpia/internal/metrics"
	"tpia/pkg/errors"
	"tpia/pkg/logger"
)

// Result summarizes one batch. Skipped items were already handled by a
// concurrent run; Failed items are reported in Errors and retried next tick.
type Result struct {
	Name       string
	Candidates int
	Processed  int
	Skipped    int
	Failed     int
	Errors     []*errors.BatchItemError
	Elapsed    time.Duration
}

// Item is one candidate of a batch.
type Item struct {
	ID  string
	Run func(ctx context.Context) error
}

// Run processes every item sequentially. A conflict counts as skipped, any
// other error as failed; neither stops the batch.
func Run(ctx context.Context, name string, items []Item, log logger.Logger, m *metrics.Metrics) *Result {
	start := time.Now()
	res := &Result{Name: name, Candidates: len(items)}

	for _, it := range items {
		err := it.Run(ctx)
		switch {
		case err == nil:
			res.Processed++
		case errors.IsConflict(err):
			res.Skipped++
			log.Debug("Sweep item already handled", map[string]interface{}{
				"sweep":  name,
				"entity": it.ID,
				"reason": err.Error(),
			})
		default:
			res.Failed++
			itemErr := &errors.BatchItemError{Sweep: name, EntityID: it.ID, Err: err}
			res.Errors = append(res.Errors, itemErr)
			log.Error("Sweep item failed", map[string]interface{}{
				"sweep":  name,
				"entity": it.ID,
				"error":  err.Error(),
			})
		}
	}

	res.Elapsed = time.Since(start)
	m.ObserveSweep(name, res.Processed, res.Skipped, res.Failed, res.Elapsed, nil)
	if res.Candidates > 0 {
		log.Info("Sweep finished", map[string]interface{}{
			"sweep":      name,
			"candidates": res.Candidates,
			"processed":  res.Processed,
			"skipped":    res.Skipped,
			"failed":     res.Failed,
			"elapsed_ms": res.Elapsed.Milliseconds(),
		})
	}
	return res
}

// Merge folds other into r, keeping r's name.
func (r *Result) Merge(other *Result) {
	if other == nil {
		return
	}
	r.Candidates += other.Candidates
	r.Processed += other.Processed
	r.Skipped += other.Skipped
	r.Failed += other.Failed
	r.Errors = append(r.Errors, other.Errors...)
	r.Elapsed += other.Elapsed
}
