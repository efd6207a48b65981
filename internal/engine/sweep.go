package engine

import (
	"context"
	"errors"
	"time"
)

// RunSweeper periodically resolves requests whose voting deadline has
// passed. It may race the lazy resolve on the read path; the
// compare-and-set in Resolve makes that benign. Blocks until ctx is done.
func (e *Engine) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Sweep(ctx)
		}
	}
}

// Sweep resolves every due request once.
func (e *Engine) Sweep(ctx context.Context) {
	due, err := e.ledger.DueRequests(ctx, e.now())
	if err != nil {
		e.logger.Error("deadline sweep failed", "error", err)
		return
	}
	for _, req := range due {
		if _, err := e.Resolve(ctx, req.ID); err != nil && !errors.Is(err, ErrVotingOpen) {
			e.logger.Error("sweep resolve failed", "request_id", req.ID, "error", err)
		}
	}
}
