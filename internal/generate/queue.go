package generate

import (
	"context"
	"errors"
	"sync"

	"github.com/thejerf/suture/v4"

	"github.com/you/cheerfx/internal/core"
	"github.com/you/cheerfx/internal/logging"
)

var (
	ErrQueueFull   = errors.New("generate: queue full")
	ErrQueueClosed = errors.New("generate: queue closed")
)

type Runner interface {
	Generate(ctx context.Context, b core.Broadcaster, event core.CheerEvent, deliverLive bool) (core.Artifact, error)
}

type job struct {
	broadcaster core.Broadcaster
	event       core.CheerEvent
	deliverLive bool
}

type QueueOptions struct {
	Workers int
	Size    int
	// OnDepth reports the backlog after every enqueue and dequeue.
	OnDepth func(depth int)
	// OnReject runs when Dispatch refuses a job.
	OnReject func()
}

// Queue runs generation jobs on a fixed pool of workers. Dispatch never
// blocks the webhook path; jobs for different events run in no particular
// order.
type Queue struct {
	runner Runner
	opts   QueueOptions
	jobs   chan job

	mu     sync.RWMutex
	closed bool
}

func NewQueue(runner Runner, opts QueueOptions) *Queue {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Size <= 0 {
		opts.Size = 64
	}
	return &Queue{runner: runner, opts: opts, jobs: make(chan job, opts.Size)}
}

// Dispatch enqueues one job or fails immediately with ErrQueueFull.
func (q *Queue) Dispatch(b core.Broadcaster, event core.CheerEvent, deliverLive bool) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		q.reject()
		return ErrQueueClosed
	}
	select {
	case q.jobs <- job{broadcaster: b, event: event, deliverLive: deliverLive}:
		q.depth()
		return nil
	default:
		q.reject()
		return ErrQueueFull
	}
}

// Serve runs the workers until ctx is done. Cancelling ctx closes the queue
// and the workers drain the backlog before Serve returns; drained and
// in-flight jobs run on a context detached from ctx so a shutdown does not
// turn them into failed artifacts.
func (q *Queue) Serve(ctx context.Context) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			q.Close()
		case <-stop:
		}
	}()

	jobCtx := context.WithoutCancel(ctx)
	var wg sync.WaitGroup
	for i := 0; i < q.opts.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.work(jobCtx)
		}()
	}
	wg.Wait()
	logging.Info().Msg("generate: queue drained")
	if ctx.Err() == nil {
		// closed directly; the workers have nothing left to read
		return suture.ErrDoNotRestart
	}
	return ctx.Err()
}

func (q *Queue) work(ctx context.Context) {
	for j := range q.jobs {
		q.depth()
		q.run(ctx, j)
	}
}

func (q *Queue) run(ctx context.Context, j job) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error().
				Interface("panic", r).
				Str("event_id", j.event.ID).
				Msg("generate: job panicked")
		}
	}()
	if _, err := q.runner.Generate(ctx, j.broadcaster, j.event, j.deliverLive); err != nil {
		logging.Error().Err(err).
			Str("broadcaster_id", j.broadcaster.ID).
			Str("event_id", j.event.ID).
			Msg("generate: job failed")
	}
}

// Close stops accepting jobs. Workers exit once the backlog is drained.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.jobs)
}

func (q *Queue) String() string { return "generate-queue" }

func (q *Queue) depth() {
	if q.opts.OnDepth != nil {
		q.opts.OnDepth(len(q.jobs))
	}
}

func (q *Queue) reject() {
	if q.opts.OnReject != nil {
		q.opts.OnReject()
	}
}
