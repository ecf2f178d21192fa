package consolidator

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"
)

// job runs one unit of work. It reports whether there was anything to do.
type job func(ctx context.Context) (bool, error)

// WorkerPool runs a fixed number of workers. Each worker finishes its
// current job before taking the next one.
type WorkerPool struct {
	workerCount int
	logger      *slog.Logger

	stats     workerPoolStats
	isStarted int32
}

type workerPoolStats struct {
	activeWorkers int32
	completedJobs int64
	idleJobs      int64
	failedJobs    int64
	totalJobTime  int64 // nanoseconds
}

// WorkerPoolStats is a snapshot of pool activity.
type WorkerPoolStats struct {
	ActiveWorkers  int
	CompletedJobs  int64
	IdleJobs       int64
	FailedJobs     int64
	AvgJobDuration time.Duration
}

func NewWorkerPool(workerCount int, logger *slog.Logger) *WorkerPool {
	if workerCount <= 0 {
		workerCount = 1
	}
	return &WorkerPool{workerCount: workerCount, logger: logger}
}

// Run starts the workers and blocks until ctx is done. Failed jobs are
// logged and retried after an exponential pause.
func (wp *WorkerPool) Run(ctx context.Context, fn job) error {
	if !atomic.CompareAndSwapInt32(&wp.isStarted, 0, 1) {
		return fmt.Errorf("worker pool is already started")
	}
	defer atomic.StoreInt32(&wp.isStarted, 0)

	wp.logger.Info("starting worker pool", "worker_count", wp.workerCount)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < wp.workerCount; i++ {
		id := i + 1
		g.Go(func() error {
			wp.loop(gctx, id, fn, false)
			return nil
		})
	}
	err := g.Wait()
	wp.logger.Info("worker pool stopped")
	return err
}

// Drain runs the workers until each one finds no work, and returns the
// first job error.
func (wp *WorkerPool) Drain(ctx context.Context, fn job) error {
	if !atomic.CompareAndSwapInt32(&wp.isStarted, 0, 1) {
		return fmt.Errorf("worker pool is already started")
	}
	defer atomic.StoreInt32(&wp.isStarted, 0)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < wp.workerCount; i++ {
		id := i + 1
		g.Go(func() error {
			return wp.loop(gctx, id, fn, true)
		})
	}
	return g.Wait()
}

func (wp *WorkerPool) loop(ctx context.Context, id int, fn job, untilIdle bool) error {
	atomic.AddInt32(&wp.stats.activeWorkers, 1)
	defer atomic.AddInt32(&wp.stats.activeWorkers, -1)

	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = 500 * time.Millisecond
	retry.MaxInterval = 30 * time.Second
	retry.MaxElapsedTime = 0
	retry.Reset()

	for ctx.Err() == nil {
		start := time.Now()
		did, err := fn(ctx)
		atomic.AddInt64(&wp.stats.totalJobTime, int64(time.Since(start)))

		switch {
		case err != nil && ctx.Err() != nil:
			return nil
		case err != nil:
			atomic.AddInt64(&wp.stats.failedJobs, 1)
			if untilIdle {
				return err
			}
			wait := retry.NextBackOff()
			wp.logger.Error("worker job failed", "worker_id", id, "error", err, "retry_in", wait)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(wait):
			}
		case did:
			atomic.AddInt64(&wp.stats.completedJobs, 1)
			retry.Reset()
		default:
			atomic.AddInt64(&wp.stats.idleJobs, 1)
			if untilIdle {
				return nil
			}
		}
	}
	return nil
}

func (wp *WorkerPool) Stats() WorkerPoolStats {
	completed := atomic.LoadInt64(&wp.stats.completedJobs)
	idle := atomic.LoadInt64(&wp.stats.idleJobs)
	failed := atomic.LoadInt64(&wp.stats.failedJobs)
	var avg time.Duration
	if n := completed + idle + failed; n > 0 {
		avg = time.Duration(atomic.LoadInt64(&wp.stats.totalJobTime) / n)
	}
	return WorkerPoolStats{
		ActiveWorkers:  int(atomic.LoadInt32(&wp.stats.activeWorkers)),
		CompletedJobs:  completed,
		IdleJobs:       idle,
		FailedJobs:     failed,
		AvgJobDuration: avg,
	}
}
