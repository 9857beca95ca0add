package keypool

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vietddude/keypool/internal/core/domain"
)

// awaitFanout caps the goroutines polling for one AwaitAll call.
const awaitFanout = 64

// SubmitBatch queues every payload and returns ids in input order.
func (p *Pool) SubmitBatch(payloads []domain.Payload) []domain.RequestID {
	ids := make([]domain.RequestID, len(payloads))
	for i, payload := range payloads {
		ids[i] = p.Submit(payload)
	}
	return ids
}

// AwaitAll waits for every id under one shared timeout. The output keeps the
// order of ids regardless of completion order; failures and wait timeouts are
// reported per slot and never abort the batch.
func (p *Pool) AwaitAll(ctx context.Context, ids []domain.RequestID, timeout time.Duration) []domain.Result {
	out := make([]domain.Result, len(ids))
	deadline := time.Now().Add(timeout)

	var g errgroup.Group
	g.SetLimit(awaitFanout)
	for i, id := range ids {
		g.Go(func() error {
			var remaining time.Duration
			if timeout > 0 {
				remaining = max(time.Until(deadline), time.Nanosecond)
			}
			out[i], _ = p.Await(ctx, id, remaining)
			return nil
		})
	}
	_ = g.Wait()

	return out
}

// RunBatch submits payloads and gathers their values in input order.
// Slots whose request failed or did not finish in time are nil.
func (p *Pool) RunBatch(ctx context.Context, payloads []domain.Payload, timeout time.Duration) []any {
	res := p.AwaitAll(ctx, p.SubmitBatch(payloads), timeout)

	values := make([]any, len(res))
	for i, r := range res {
		if r.OK() {
			values[i] = r.Value
		}
	}
	return values
}
