package rankbot

import (
	"context"
	"fmt"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sourcegraph/conc"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const workerIdleCheckInterval = 15 * time.Second

// memberJob is a unit of work for a single guild member: a rank command,
// or a member event to enforce.
type memberJob struct {
	name string
	run  func(ctx context.Context)
}

func memberWorkerKey(guildID, memberID string) string {
	return guildID + ":" + memberID
}

// memberWorker runs the jobs for one guild member, one at a time, in the
// order they were dispatched.
type memberWorker struct {
	key  string
	jobs chan memberJob

	// lastJobAt is the unix milli timestamp of the last job started
	lastJobAt atomic.Int64

	// signalStop is a channel for sending a stop signal to the worker
	signalStop chan struct{}

	pool *memberWorkerPool
}

func (w *memberWorker) idleSince(now time.Time) time.Duration {
	return now.Sub(time.UnixMilli(w.lastJobAt.Load()))
}

// Run processes jobs until a stop signal is received, or the worker has been idle for longer than the configured
// idle timeout with nothing queued.
func (w *memberWorker) Run(ctx context.Context) {
	log := contextLoggerOr(ctx, w.pool.logger).With("member_worker", w.key)
	ctx = WithLogger(ctx, log)

	startedAt := time.Now()
	w.lastJobAt.Store(startedAt.UnixMilli())
	log.DebugContext(ctx, "starting member worker")

	ticker := time.NewTicker(w.pool.idleCheckInterval)
	defer func() {
		ticker.Stop()
		log.DebugContext(ctx, "stopped member worker", "runtime", time.Since(startedAt))
	}()

	for {
		select {
		case <-w.signalStop:
			w.drain(ctx, log)
			return
		case <-ticker.C:
			if w.pool.retire(w) {
				log.DebugContext(ctx, "member worker idle, stopping")
				return
			}
		case job := <-w.jobs:
			w.runJob(ctx, log, job)
		}
	}
}

// drain runs any jobs already queued when a stop signal arrives, so
// acknowledged commands still get a reply.
func (w *memberWorker) drain(ctx context.Context, log *slog.Logger) {
	for {
		select {
		case job := <-w.jobs:
			w.runJob(ctx, log, job)
		default:
			return
		}
	}
}

func (w *memberWorker) runJob(ctx context.Context, log *slog.Logger, job memberJob) {
	w.lastJobAt.Store(time.Now().UnixMilli())
	defer func() {
		if r := recover(); r != nil {
			log.ErrorContext(
				ctx,
				"recovered from panic in member job",
				"job", job.name,
				tint.Err(fmt.Errorf("panic: %v", r)),
			)
		}
		w.lastJobAt.Store(time.Now().UnixMilli())
	}()

	jobCtx, cancel := context.WithTimeout(ctx, w.pool.commandTimeout)
	defer cancel()

	started := time.Now()
	job.run(jobCtx)
	log.DebugContext(ctx, "finished member job", "job", job.name, "duration", time.Since(started))
}

// memberWorkerPool owns the per-member workers. Jobs for the same member
// are serialized; jobs for different members run concurrently.
type memberWorkerPool struct {
	logger            *slog.Logger
	gauge             prometheus.Gauge
	queueSize         int
	idleTimeout       time.Duration
	commandTimeout    time.Duration
	idleCheckInterval time.Duration

	mu      sync.Mutex
	workers map[string]*memberWorker
	stopped bool
	wg      *conc.WaitGroup
}

func newMemberWorkerPool(
	config *WorkerConfig,
	logger *slog.Logger,
	gauge prometheus.Gauge,
) *memberWorkerPool {
	if config == nil {
		config = &WorkerConfig{
			IdleTimeout:    DefaultWorkerIdleTimeout,
			QueueSize:      DefaultWorkerQueueSize,
			CommandTimeout: DefaultWorkerCommandTimeout,
		}
	}
	if logger == nil {
		logger = slog.Default()
	}
	checkInterval := workerIdleCheckInterval
	if config.IdleTimeout < checkInterval {
		checkInterval = config.IdleTimeout
	}
	return &memberWorkerPool{
		logger:            logger.With(loggerNameKey, "member_workers"),
		gauge:             gauge,
		queueSize:         config.QueueSize,
		idleTimeout:       config.IdleTimeout,
		commandTimeout:    config.CommandTimeout,
		idleCheckInterval: checkInterval,
		workers:           map[string]*memberWorker{},
		wg:                conc.NewWaitGroup(),
	}
}

// Dispatch queues job on the member's worker, starting one if needed.
// It never blocks: if the member's queue is full, ErrMemberBusy is
// returned and the job is not run.
func (p *memberWorkerPool) Dispatch(
	ctx context.Context,
	guildID string,
	memberID string,
	job memberJob,
) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return fmt.Errorf("%w: shutting down", ErrMemberBusy)
	}

	key := memberWorkerKey(guildID, memberID)
	w, ok := p.workers[key]
	if !ok {
		w = &memberWorker{
			key:        key,
			jobs:       make(chan memberJob, p.queueSize),
			signalStop: make(chan struct{}, 1),
			pool:       p,
		}
		p.workers[key] = w
		if p.gauge != nil {
			p.gauge.Inc()
		}
		p.wg.Go(
			func() {
				defer func() {
					if p.gauge != nil {
						p.gauge.Dec()
					}
				}()
				w.Run(context.WithoutCancel(ctx))
			},
		)
	}

	select {
	case w.jobs <- job:
		return nil
	default:
		return ErrMemberBusy
	}
}

// Do queues job on the member's worker like Dispatch, then waits for it
// to finish or for ctx to be done.
func (p *memberWorkerPool) Do(
	ctx context.Context,
	guildID string,
	memberID string,
	job memberJob,
) error {
	done := make(chan struct{})
	run := job.run
	job.run = func(jobCtx context.Context) {
		defer close(done)
		run(jobCtx)
	}
	if err := p.Dispatch(ctx, guildID, memberID, job); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// retire removes w from the pool if it's idle and has nothing queued.
// Dispatch holds the same lock, so a job can't be queued on a worker
// that's about to exit.
func (p *memberWorkerPool) retire(w *memberWorker) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(w.jobs) > 0 || w.idleSince(time.Now()) < p.idleTimeout {
		return false
	}
	if p.workers[w.key] == w {
		delete(p.workers, w.key)
	}
	return true
}

// Len returns the number of running workers
func (p *memberWorkerPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// Stop rejects new jobs, signals every worker to finish its queue and
// exit, then waits for them or for ctx to be done.
func (p *memberWorkerPool) Stop(ctx context.Context) error {
	p.mu.Lock()
	p.stopped = true
	workers := make([]*memberWorker, 0, len(p.workers))
	for _, w := range p.workers {
		workers = append(workers, w)
	}
	p.workers = map[string]*memberWorker{}
	p.mu.Unlock()

	for _, w := range workers {
		select {
		case w.signalStop <- struct{}{}:
		default:
		}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		p.wg.Wait()
	}()

	select {
	case <-done:
		p.logger.InfoContext(ctx, "member workers stopped", "count", len(workers))
		return nil
	case <-ctx.Done():
		return fmt.Errorf("timed out waiting on %d member workers: %w", len(workers), ctx.Err())
	}
}
