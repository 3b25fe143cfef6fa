package orchestrator

import (
	"context"
	"time"

	"billingsync/internal/types"
)

// CheckResult is delivered to Refresh callers.
type CheckResult struct {
	Snapshot *types.SubscriptionSnapshot
	Err      error
}

// Refresh schedules a forced check after the debounce window. Calls made
// within the window restart it and share the single check that finally
// runs; every caller's channel receives that check's result.
func (o *Orchestrator) Refresh(ctx context.Context) <-chan CheckResult {
	ch := make(chan CheckResult, 1)

	o.refreshMu.Lock()
	defer o.refreshMu.Unlock()

	o.refreshWaiters = append(o.refreshWaiters, ch)
	o.refreshCtx = context.WithoutCancel(ctx)
	if o.refreshTimer != nil {
		o.refreshTimer.Stop()
	}
	o.refreshTimer = time.AfterFunc(o.debounce, o.fireRefresh)
	return ch
}

func (o *Orchestrator) fireRefresh() {
	o.refreshMu.Lock()
	waiters := o.refreshWaiters
	ctx := o.refreshCtx
	o.refreshWaiters = nil
	o.refreshTimer = nil
	o.refreshMu.Unlock()

	if len(waiters) == 0 {
		return
	}

	snap, err := o.Check(ctx, CheckOptions{Force: true})
	for _, ch := range waiters {
		ch <- CheckResult{Snapshot: snap.Clone(), Err: err}
	}
}
