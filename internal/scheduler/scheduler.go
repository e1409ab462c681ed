// Package scheduler turns each job's window-opening instant into an
// execution trigger: a timer armed PreWarmLead before the window, a
// cancellable context per running job, and a startup reconcile of
// persisted jobs.
package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/example/permit-scheduler/internal/logging"
	"github.com/example/permit-scheduler/internal/permit"
	"github.com/example/permit-scheduler/internal/registry"
	"github.com/example/permit-scheduler/internal/snapshot"
)

// Runner executes a triggered job to completion. Implemented by the engine.
type Runner interface {
	Run(ctx context.Context, jobID string)
}

type Scheduler struct {
	registry *registry.Registry
	vault    *registry.Vault
	runner   Runner
	log      *zap.SugaredLogger

	preWarmLead      time.Duration
	maxWatchDuration time.Duration

	mu      sync.Mutex
	timers  map[string]*time.Timer
	cancels map[string]context.CancelCauseFunc
	closed  bool

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup
}

func New(reg *registry.Registry, vault *registry.Vault, runner Runner, log *zap.SugaredLogger, preWarmLead, maxWatchDuration time.Duration) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		registry:         reg,
		vault:            vault,
		runner:           runner,
		log:              log,
		preWarmLead:      preWarmLead,
		maxWatchDuration: maxWatchDuration,
		timers:           make(map[string]*time.Timer),
		cancels:          make(map[string]context.CancelCauseFunc),
		baseCtx:          ctx,
		baseCancel:       cancel,
	}
}

// Arm schedules the job's trigger for WindowOpensAt - PreWarmLead, firing
// immediately when that instant has already passed. Re-arming replaces any
// previously armed trigger (used when credentials arrive late).
func (s *Scheduler) Arm(j permit.Job) {
	if j.Status.Terminal() {
		return
	}
	delay := time.Until(j.WindowOpensAt.Add(-s.preWarmLead))
	if delay < 0 {
		delay = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if t, ok := s.timers[j.ID]; ok {
		t.Stop()
	}
	id := j.ID
	s.timers[id] = time.AfterFunc(delay, func() { s.fire(id) })
	s.log.Infow("trigger armed",
		logging.FieldJobID, id,
		"fires_in", delay.String(),
		"window_opens_at", j.WindowOpensAt,
	)
}

func (s *Scheduler) fire(id string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	delete(s.timers, id)
	if _, running := s.cancels[id]; running {
		// Exclusivity: never a second engine for the same job.
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancelCause(s.baseCtx)
	s.cancels[id] = cancel
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.cancels, id)
			s.mu.Unlock()
			cancel(nil)
		}()
		s.runner.Run(ctx, id)
	}()
}

// Cancel stops the job's trigger and interrupts its engine if one is
// running. A job with no active engine is finalized here directly.
func (s *Scheduler) Cancel(id string) {
	s.mu.Lock()
	if t, ok := s.timers[id]; ok {
		t.Stop()
		delete(s.timers, id)
	}
	cancel, running := s.cancels[id]
	s.mu.Unlock()

	if running {
		// The engine observes the cause and finalizes state itself.
		cancel(permit.ErrCancelled)
		return
	}

	st := permit.StatusCancelled
	msg := "cancelled by user"
	if _, err := s.registry.Mutate(id, registry.Patch{Status: &st, Message: &msg}); err != nil {
		// Already terminal or gone; nothing to finalize.
		return
	}
	s.vault.Delete(id)
}

// Reconcile reloads persisted jobs at startup. In-flight statuses are reset
// to pending (their sessions died with the old process), pending jobs whose
// whole watch window passed while offline become failed, and the rest wait
// for credential re-entry — or re-arm right away when credentials are
// already in the vault.
func (s *Scheduler) Reconcile(ctx context.Context, store snapshot.Store) error {
	jobs, err := store.LoadAll(ctx)
	if err != nil {
		return err
	}
	s.registry.Seed(jobs)

	now := time.Now()
	for _, j := range jobs {
		if j.Status.Terminal() {
			continue
		}

		if j.Status != permit.StatusPending {
			st := permit.StatusPending
			msg := "interrupted by restart, awaiting credential re-entry"
			if _, err := s.registry.Mutate(j.ID, registry.Patch{Status: &st, Message: &msg}); err != nil {
				continue
			}
			j.Status = st
		}

		if now.After(j.WindowOpensAt.Add(s.maxWatchDuration)) {
			st := permit.StatusFailed
			msg := "window passed while offline"
			_, _ = s.registry.Mutate(j.ID, registry.Patch{Status: &st, Message: &msg})
			s.log.Infow("expired while offline", logging.FieldJobID, j.ID)
			continue
		}

		if creds, ok := s.vault.Get(j.ID); ok && creds.Valid() {
			s.Arm(j)
			continue
		}
		s.log.Infow("reloaded pending job awaiting credentials", logging.FieldJobID, j.ID)
	}
	return nil
}

// Shutdown stops all triggers, cancels the active engines with a
// non-user cause, and waits for them to drain.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	s.closed = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()

	s.baseCancel()
	s.wg.Wait()
}
