package caseselect

import (
	"context"
	"sync"
	"time"
)

const (
	// DefaultPollInterval default delay between poller ticks
	DefaultPollInterval = 5 * time.Second
	// DefaultTimeBudget default per-invocation budget for RunBatches
	DefaultTimeBudget = 30 * time.Second
)

// Poller timer-driven scheduler for running jobs. Each tick it lists running
// jobs and drives each one on the shared job pool: observed cancellation
// requests finalize the job as cancelled, an emptied queue finalizes it as
// succeeded, invariant violations finalize it as failed. Invocations for the
// same job are serialized through the in-flight set; different jobs proceed
// concurrently.
type Poller struct {
	engine   Engine
	interval time.Duration
	budget   time.Duration

	mu       sync.Mutex
	inFlight map[int64]struct{}

	stop chan struct{}
	done chan struct{}
}

// NewPoller create a poller driving the given engine
func NewPoller(engine Engine, interval time.Duration, budget time.Duration) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if budget <= 0 {
		budget = DefaultTimeBudget
	}
	return &Poller{
		engine:   engine,
		interval: interval,
		budget:   budget,
		inFlight: map[int64]struct{}{},
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start run the poll loop in the background until Stop is called
func (p *Poller) Start() {
	go func() {
		defer close(p.done)
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		ctx := context.Background()
		for {
			select {
			case <-p.stop:
				return
			case <-ticker.C:
				p.Poll(ctx)
			}
		}
	}()
}

// Stop end the poll loop. Batches already submitted to the pool run to their
// next commit boundary; nothing is interrupted mid-batch.
func (p *Poller) Stop() {
	close(p.stop)
	<-p.done
}

// Poll one tick: submit every running job that is not already in flight
func (p *Poller) Poll(ctx context.Context) {
	jobs, err := p.engine.RunningJobs(ctx)
	if err != nil {
		DefaultLogger.Error(ctx, "list running jobs error:%v", err)
		return
	}
	for _, job := range jobs {
		job := job
		if !p.acquire(job.JobId) {
			continue
		}
		jobPool.Submit(ctx, func() (interface{}, error) {
			defer p.release(job.JobId)
			p.drive(ctx, job)
			return nil, nil
		})
	}
}

func (p *Poller) acquire(jobId int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.inFlight[jobId]; ok {
		return false
	}
	p.inFlight[jobId] = struct{}{}
	return true
}

func (p *Poller) release(jobId int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inFlight, jobId)
}

func (p *Poller) drive(ctx context.Context, job *SelectJob) {
	if job.RequestedCancellation {
		if err := p.engine.Finalize(ctx, job.JobId, false, true); err != nil {
			DefaultLogger.Error(ctx, "finalize cancelled job error, jobId:%v, err:%v", job.JobId, err)
		}
		return
	}

	if _, err := p.engine.RunBatches(ctx, job.JobId, p.budget); err != nil {
		if Retryable(err) {
			DefaultLogger.Warn(ctx, "batch not applied, will retry, jobId:%v, err:%v", job.JobId, err)
			return
		}
		if ErrorCode(err) == ErrCodeInvariant {
			DefaultLogger.Error(ctx, "job state invariant violated, failing job, jobId:%v, err:%v", job.JobId, err)
			if fe := p.engine.Fail(ctx, job.JobId, err.Message()); fe != nil {
				DefaultLogger.Error(ctx, "finalize failed job error, jobId:%v, err:%v", job.JobId, fe)
			}
			return
		}
		DefaultLogger.Error(ctx, "run batches error, jobId:%v, err:%v", job.JobId, err)
		return
	}

	current, err := p.engine.Job(ctx, job.JobId)
	if err != nil {
		DefaultLogger.Error(ctx, "reload job error, jobId:%v, err:%v", job.JobId, err)
		return
	}
	if current.Status != RUNNING {
		return
	}
	if current.RequestedCancellation {
		if err := p.engine.Finalize(ctx, job.JobId, false, true); err != nil {
			DefaultLogger.Error(ctx, "finalize cancelled job error, jobId:%v, err:%v", job.JobId, err)
		}
		return
	}
	if len(current.TodoQueue) == 0 {
		if err := p.engine.Finalize(ctx, job.JobId, true, false); err != nil {
			DefaultLogger.Error(ctx, "finalize succeeded job error, jobId:%v, err:%v", job.JobId, err)
		}
	}
}
