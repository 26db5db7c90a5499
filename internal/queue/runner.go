package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cryguy/offload"
	"github.com/cryguy/offload/internal/job"
)

const reportTimeout = 5 * time.Second

// reclaimer is implemented by queues that can redeliver jobs abandoned
// by crashed consumers.
type reclaimer interface {
	Reclaim(ctx context.Context, minIdle time.Duration, out chan<- Delivery) error
}

// Runner executes consumed jobs on a fixed number of goroutines, each
// job on its own controller.
type Runner struct {
	q       Queue
	eng     *offload.Engine
	workers int
	log     *slog.Logger

	// ReclaimInterval enables periodic reclaiming of stale jobs when the
	// queue supports it. ReclaimIdle is the minimum pending age.
	ReclaimInterval time.Duration
	ReclaimIdle     time.Duration
}

// NewRunner creates a runner with workers goroutines (at least one).
func NewRunner(q Queue, eng *offload.Engine, workers int, logger *slog.Logger) *Runner {
	if workers < 1 {
		workers = 1
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Runner{
		q:           q,
		eng:         eng,
		workers:     workers,
		log:         logger.With("component", "runner"),
		ReclaimIdle: time.Minute,
	}
}

// Run consumes jobs until ctx is done. Jobs already started are allowed
// to finish and are acknowledged before Run returns.
func (r *Runner) Run(ctx context.Context) error {
	deliveries, err := r.q.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("subscribing: %w", err)
	}
	r.log.Info("runner started", "workers", r.workers)

	work := make(chan Delivery)
	var wg sync.WaitGroup
	for i := 0; i < r.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.worker(ctx, i, work)
		}()
	}
	if rc, ok := r.q.(reclaimer); ok && r.ReclaimInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.reclaimLoop(ctx, rc, work)
		}()
	}

forward:
	for {
		select {
		case d, ok := <-deliveries:
			if !ok {
				break forward
			}
			select {
			case work <- d:
			case <-ctx.Done():
				break forward
			}
		case <-ctx.Done():
			break forward
		}
	}

	wg.Wait()
	r.log.Info("runner stopped")
	return nil
}

func (r *Runner) worker(ctx context.Context, id int, work <-chan Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case d := <-work:
			r.process(ctx, id, d)
		}
	}
}

func (r *Runner) reclaimLoop(ctx context.Context, rc reclaimer, work chan<- Delivery) {
	t := time.NewTicker(r.ReclaimInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := rc.Reclaim(ctx, r.ReclaimIdle, work); err != nil && ctx.Err() == nil {
				r.log.Error("reclaim failed", "error", err)
			}
		}
	}
}

func (r *Runner) process(ctx context.Context, worker int, d Delivery) {
	req := d.Request
	if req.ID == "" {
		req.ID = d.ID
	}
	start := time.Now()

	var resp job.Response
	if err := req.Validate(); err != nil {
		resp = job.Response{ID: req.ID, Status: offload.StatusError, Error: err.Error(), Kind: offload.KindGeneration.String()}
	} else {
		resp = job.Run(context.WithoutCancel(ctx), r.eng, req)
	}

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reportTimeout)
	defer cancel()
	if err := r.q.Broadcast(rctx, resp); err != nil {
		r.log.Error("broadcast failed", "job", req.ID, "error", err)
	}
	if err := r.q.Ack(rctx, d.ID); err != nil {
		r.log.Error("ack failed", "job", req.ID, "msg_id", d.ID, "error", err)
	}
	r.log.Info("job finished",
		"worker", worker,
		"job", req.ID,
		"status", resp.Status,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}
