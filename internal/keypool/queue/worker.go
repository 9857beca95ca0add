package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/panjf2000/ants/v2"
)

var (
	ErrAlreadyRunning = errors.New("worker pool already running")
	ErrNotRunning     = errors.New("worker pool not running")
)

// Handler processes one dequeued item. The context it receives is not
// cancelled by Stop, so in-flight work runs to completion.
type Handler[T any] func(ctx context.Context, item T)

// WorkerPool runs a fixed number of loops that drain a Queue.
// Each loop handles one item at a time, so at most Size items are in flight.
type WorkerPool[T any] struct {
	queue   *Queue[T]
	handler Handler[T]
	size    int

	mu      sync.Mutex
	pool    *ants.Pool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool

	busy atomic.Int64
	log  *slog.Logger
}

// NewWorkerPool creates a pool of size workers over q.
func NewWorkerPool[T any](q *Queue[T], size int, handler Handler[T]) *WorkerPool[T] {
	if size < 1 {
		size = 1
	}
	return &WorkerPool[T]{
		queue:   q,
		handler: handler,
		size:    size,
		log:     slog.Default().With("component", "worker-pool"),
	}
}

// Start spawns the worker loops.
func (w *WorkerPool[T]) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return ErrAlreadyRunning
	}

	pool, err := ants.NewPool(w.size,
		ants.WithPreAlloc(true),
		ants.WithPanicHandler(func(p any) {
			w.log.Error("Worker panicked", "panic", p)
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to create worker pool: %w", err)
	}

	// Only Stop ends the loops; ctx carries values, not lifetime.
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	w.pool = pool
	w.cancel = cancel
	w.running = true

	for i := 0; i < w.size; i++ {
		w.wg.Add(1)
		id := i
		if err := pool.Submit(func() {
			defer w.wg.Done()
			w.loop(loopCtx, id)
		}); err != nil {
			w.wg.Done()
			cancel()
			w.wg.Wait()
			pool.Release()
			w.running = false
			return fmt.Errorf("failed to start worker %d: %w", id, err)
		}
	}

	w.log.Info("Worker pool started", "workers", w.size)
	return nil
}

// Stop stops dequeuing and waits for in-flight items to finish or ctx to end.
func (w *WorkerPool[T]) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return ErrNotRunning
	}
	w.running = false
	w.cancel()
	pool := w.pool
	w.mu.Unlock()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	if !waitDone(ctx, done) {
		pool.Release()
		return fmt.Errorf("workers still busy: %w", ctx.Err())
	}

	pool.Release()
	w.log.Info("Worker pool stopped")
	return nil
}

// Running reports whether the loops are active.
func (w *WorkerPool[T]) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// Busy returns the number of items currently being handled.
func (w *WorkerPool[T]) Busy() int {
	return int(w.busy.Load())
}

// Size returns the configured number of workers.
func (w *WorkerPool[T]) Size() int {
	return w.size
}

func (w *WorkerPool[T]) loop(ctx context.Context, id int) {
	log := w.log.With("worker", id)
	log.Debug("Worker started")

	for ctx.Err() == nil {
		item, err := w.queue.Dequeue(ctx)
		if err != nil {
			break
		}
		w.handle(context.WithoutCancel(ctx), item, log)
	}
	log.Debug("Worker stopped")
}

func (w *WorkerPool[T]) handle(ctx context.Context, item T, log *slog.Logger) {
	w.busy.Add(1)
	defer w.busy.Add(-1)
	defer func() {
		if r := recover(); r != nil {
			log.Error("Handler panicked", "panic", r)
		}
	}()

	w.handler(ctx, item)
}

// waitDone reports whether done closed before ctx ended. When both are
// ready, finished workers win.
func waitDone(ctx context.Context, done <-chan struct{}) bool {
	select {
	case <-done:
		return true
	case <-ctx.Done():
		select {
		case <-done:
			return true
		default:
			return false
		}
	}
}
