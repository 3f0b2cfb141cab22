// Package workflow runs agent workflows: generate a draft, wait for the
// caller to approve or revise it, then execute the approved side effects.
package workflow

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/semaphore"

	"hushh/internal/agents"
	"hushh/internal/consent"
	"hushh/internal/domain"
	"hushh/internal/events"
	"hushh/internal/repo"
	"hushh/internal/vault"
)

// Retry bounds the attempts of one retried step.
type Retry struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func (r Retry) options() []backoff.RetryOption {
	b := backoff.NewExponentialBackOff()
	if r.InitialInterval > 0 {
		b.InitialInterval = r.InitialInterval
	}
	if r.MaxInterval > 0 {
		b.MaxInterval = r.MaxInterval
	}
	tries := r.MaxAttempts
	if tries <= 0 {
		tries = 1
	}
	return []backoff.RetryOption{backoff.WithBackOff(b), backoff.WithMaxTries(uint(tries))}
}

type Config struct {
	Repo     repo.Repo
	Events   events.Writer
	Registry *agents.Registry
	Guard    consent.Guard
	// Cipher seals the consent tokens a run keeps for its later steps.
	Cipher *vault.Cipher
	Vault  agents.Vault
	Links  agents.Delegator

	Workers         int
	Generation      Retry
	Execution       Retry
	ApprovalTimeout time.Duration

	Now    func() time.Time
	Logger *slog.Logger
}

// Engine owns the run state machine. At most one job drives a given run at a
// time and at most Workers jobs run at once.
type Engine struct {
	Config

	sem  *semaphore.Weighted
	ctx  context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	mu   sync.Mutex
	jobs map[string]*job

	wmu      sync.Mutex
	watchers map[string][]chan struct{}
}

type job struct {
	cancel    context.CancelFunc
	again     bool
	cancelled bool
	drained   bool
}

func New(cfg Config) *Engine {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	ctx, stop := context.WithCancel(context.Background())
	return &Engine{
		Config:   cfg,
		sem:      semaphore.NewWeighted(int64(workers)),
		ctx:      ctx,
		stop:     stop,
		jobs:     map[string]*job{},
		watchers: map[string][]chan struct{}{},
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

// Close stops picking up work and waits for running jobs. Jobs in the middle
// of executing side effects finish their batch first.
func (e *Engine) Close() {
	e.stop()
	e.wg.Wait()
}

// schedule makes sure a job is driving runID.
func (e *Engine) schedule(runID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ctx.Err() != nil {
		return
	}
	if j, ok := e.jobs[runID]; ok {
		j.again = true
		return
	}
	ctx, cancel := context.WithCancel(e.ctx)
	j := &job{cancel: cancel}
	e.jobs[runID] = j
	e.wg.Add(1)
	go e.work(ctx, runID, j)
}

func (e *Engine) work(ctx context.Context, runID string, j *job) {
	defer e.wg.Done()
	for {
		e.runOnce(ctx, runID)
		e.mu.Lock()
		switch {
		case j.cancelled && !j.drained:
			// The cancel signal may have arrived after drive returned; make
			// sure the run reaches CANCELLED.
			j.drained = true
			ctx = context.WithoutCancel(ctx)
			e.mu.Unlock()
			continue
		case j.again && !j.cancelled && e.ctx.Err() == nil:
			j.again = false
			e.mu.Unlock()
			continue
		}
		delete(e.jobs, runID)
		e.mu.Unlock()
		j.cancel()
		e.notify(runID)
		return
	}
}

func (e *Engine) runOnce(ctx context.Context, runID string) {
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return
	}
	defer e.sem.Release(1)
	e.drive(ctx, runID)
}

func (e *Engine) cancelRequested(runID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	j, ok := e.jobs[runID]
	return ok && j.cancelled
}

func (e *Engine) watch(runID string) chan struct{} {
	ch := make(chan struct{})
	e.wmu.Lock()
	e.watchers[runID] = append(e.watchers[runID], ch)
	e.wmu.Unlock()
	return ch
}

func (e *Engine) unwatch(runID string, ch chan struct{}) {
	e.wmu.Lock()
	defer e.wmu.Unlock()
	list := e.watchers[runID]
	for i, c := range list {
		if c == ch {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(e.watchers, runID)
		return
	}
	e.watchers[runID] = list
}

func (e *Engine) notify(runID string) {
	e.wmu.Lock()
	list := e.watchers[runID]
	delete(e.watchers, runID)
	e.wmu.Unlock()
	for _, ch := range list {
		close(ch)
	}
}

// Wait blocks until the run awaits approval or is terminal, or ctx ends. On
// ctx expiry it returns the latest run alongside ctx's error.
func (e *Engine) Wait(ctx context.Context, runID string) (domain.WorkflowRun, error) {
	for {
		ch := e.watch(runID)
		run, err := e.Run(ctx, runID, "")
		if err != nil {
			e.unwatch(runID, ch)
			return run, err
		}
		if run.State.Terminal() || (run.State == domain.StateAwaitingApproval && !run.CancelRequested) {
			e.unwatch(runID, ch)
			return run, nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			e.unwatch(runID, ch)
			return run, ctx.Err()
		}
	}
}
