package queue

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Handler processes one claimed job. The context carries the job's lease
// deadline; a handler that observes cancellation should return promptly and
// let the retry machinery reschedule.
type Handler func(ctx context.Context, job *Job) error

type retryableError interface {
	Retryable() bool
}

// IsRetryable classifies a handler error. Errors that implement
// Retryable() decide for themselves; everything else is presumed transient
// and retried within the job's budget.
func IsRetryable(err error) bool {
	var r retryableError
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return true
}

type registration struct {
	queueName   string
	concurrency int
	fn          Handler
}

// Pool runs handlers against queues. Each registration gets its own claim
// loop(s); all loops stop when the run context is cancelled, and in-flight
// bookkeeping survives the cancellation so drained jobs settle cleanly.
type Pool struct {
	queue *Queue
	poll  time.Duration
	regs  []registration
}

// NewPool returns a pool polling each queue every poll interval (2s when
// zero), plus jitter.
func NewPool(q *Queue, poll time.Duration) *Pool {
	if poll <= 0 {
		poll = 2 * time.Second
	}
	return &Pool{queue: q, poll: poll}
}

// Handle registers a handler with its claim concurrency. Call before Run.
func (p *Pool) Handle(queueName string, concurrency int, fn Handler) {
	if concurrency <= 0 {
		concurrency = 1
	}
	p.regs = append(p.regs, registration{queueName: queueName, concurrency: concurrency, fn: fn})
}

// Run blocks until ctx is cancelled.
func (p *Pool) Run(ctx context.Context) error {
	var group, gctx = errgroup.WithContext(ctx)
	for _, reg := range p.regs {
		for i := 0; i != reg.concurrency; i++ {
			var reg = reg
			group.Go(func() error {
				p.work(gctx, reg)
				return nil
			})
		}
	}
	return group.Wait()
}

func (p *Pool) work(ctx context.Context, reg registration) {
	for {
		var job, err = p.queue.Claim(ctx, reg.queueName)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			log.WithFields(log.Fields{
				"queue": reg.queueName,
				"error": err,
			}).Warn("failed to claim job")
			if !sleepCtx(ctx, p.poll) {
				return
			}
			continue
		}
		if job == nil {
			if !sleepCtx(ctx, p.poll+jitter(p.poll)) {
				return
			}
			continue
		}
		p.process(ctx, reg, job)
	}
}

func (p *Pool) process(ctx context.Context, reg registration, job *Job) {
	var jctx, cancel = context.WithDeadline(ctx, job.ExpiresAt())
	defer cancel()

	// State transitions outlive a shutdown of the claim loops.
	var bctx = context.WithoutCancel(ctx)

	var started = time.Now()
	var err = invoke(jctx, reg.fn, job)
	var fields = log.Fields{
		"queue":   job.QueueName,
		"job":     job.ID,
		"attempt": job.RetryCount + 1,
		"took":    time.Since(started).Round(time.Millisecond),
	}

	if err == nil {
		if cerr := p.queue.Complete(bctx, job.ID); cerr != nil {
			log.WithFields(fields).WithField("error", cerr).Warn("failed to complete job")
			return
		}
		log.WithFields(fields).Debug("job completed")
		return
	}

	fields["error"] = err
	if IsRetryable(err) {
		var retried, ferr = p.queue.Fail(bctx, job.ID, err.Error())
		if ferr != nil {
			log.WithFields(fields).WithField("failError", ferr).Warn("failed to record job failure")
			return
		}
		if retried {
			log.WithFields(fields).Warn("job failed, will retry")
		} else {
			log.WithFields(fields).Error("job failed, retries exhausted")
		}
		return
	}

	if ferr := p.queue.FailPermanently(bctx, job.ID, err.Error()); ferr != nil {
		log.WithFields(fields).WithField("failError", ferr).Warn("failed to record job failure")
		return
	}
	log.WithFields(fields).Error("job failed permanently")
}

func invoke(ctx context.Context, fn Handler, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return fn(ctx, job)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// jitter spreads claim loops so they don't align on the poll interval.
func jitter(poll time.Duration) time.Duration {
	var max = poll / 4
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(max)))
}
