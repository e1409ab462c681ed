// Package engine drives one job through its acquisition phases:
// pending -> pre-warming -> watching -> booking -> in-cart|failed|cancelled.
package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/example/permit-scheduler/internal/logging"
	"github.com/example/permit-scheduler/internal/permit"
	"github.com/example/permit-scheduler/internal/registry"
)

type Engine struct {
	Registry     *registry.Registry
	Vault        *registry.Vault
	Availability permit.AvailabilitySource
	Sessions     permit.SessionDialer
	Log          *zap.SugaredLogger

	PollInterval     time.Duration
	MaxWatchDuration time.Duration
}

// Run executes the full state machine for one job. It is the only control
// flow for that job while active; the scheduler guarantees at most one Run
// per job ID at a time. ctx carries the job's cancellation signal
// (cause permit.ErrCancelled for user cancellation).
func (e *Engine) Run(ctx context.Context, jobID string) {
	job, ok := e.Registry.Get(jobID)
	if !ok || job.Status.Terminal() {
		return
	}
	log := e.Log.With(
		logging.FieldJobID, jobID,
		logging.FieldPermitID, job.PermitID,
		logging.FieldDivision, job.DivisionID,
	)

	creds, ok := e.Vault.Get(jobID)
	if !ok || !creds.Valid() {
		// Credentials are volatile, so this happens after every restart.
		// The job stays pending; supplying credentials re-arms it.
		e.transition(jobID, permit.StatusPending, "waiting for credentials")
		log.Infow("trigger fired without credentials, staying pending")
		return
	}

	// Pre-warm: establish and prime the session before the window opens.
	// Failures here are structural (bad credentials, changed site
	// contract) and are not retried.
	if !e.transition(jobID, permit.StatusPreWarming, "establishing session") {
		return
	}
	sess, err := e.Sessions.Dial(ctx)
	if err != nil {
		if e.interrupted(ctx, jobID) {
			return
		}
		e.fail(jobID, log, "session open failed: %v", err)
		return
	}

	// The session is released in every terminal case except in-cart,
	// where it stays open for the human to finish checkout.
	keepOpen := false
	defer func() {
		if !keepOpen {
			_ = sess.Close()
		}
	}()

	if err := sess.SignIn(ctx, creds); err != nil {
		if e.interrupted(ctx, jobID) {
			return
		}
		e.fail(jobID, log, "sign-in failed: %v", err)
		return
	}
	if err := sess.SelectTarget(ctx, job.PermitID, job.DivisionID, job.Ranges[0].Start); err != nil {
		if e.interrupted(ctx, jobID) {
			return
		}
		e.fail(jobID, log, "target selection failed: %v", err)
		return
	}
	if err := sess.SetGroupSize(ctx, job.GroupSize); err != nil {
		if e.interrupted(ctx, jobID) {
			return
		}
		e.fail(jobID, log, "setting group size failed: %v", err)
		return
	}
	log.Infow("session primed, holding until window opens",
		"window_opens_at", job.WindowOpensAt)

	if !sleepUntil(ctx, job.WindowOpensAt) {
		e.interrupted(ctx, jobID)
		return
	}

	found, ok := e.watch(ctx, job, log)
	if !ok {
		return
	}

	e.book(ctx, job, sess, found, &keepOpen, log)
}

// watch polls availability once per PollInterval until a range is fully
// open or the watch deadline (measured from the window opening) passes.
// Individual poll errors are recorded and skipped; under opening-minute
// load they are expected.
func (e *Engine) watch(ctx context.Context, job permit.Job, log *zap.SugaredLogger) (permit.DateRange, bool) {
	if !e.transition(job.ID, permit.StatusWatching, "window open, polling availability") {
		return permit.DateRange{}, false
	}
	deadline := job.WindowOpensAt.Add(e.MaxWatchDuration)

	ticker := time.NewTicker(e.PollInterval)
	defer ticker.Stop()

	for {
		if !time.Now().Before(deadline) {
			snap, _ := e.Registry.Get(job.ID)
			e.fail(job.ID, log, "no acceptable range became available within %s (%d polls)",
				e.MaxWatchDuration, snap.Attempts)
			return permit.DateRange{}, false
		}

		e.mutate(job.ID, registry.Patch{AttemptsDelta: 1})
		r, err := e.Availability.Query(ctx, job.PermitID, job.DivisionID, job.Ranges)
		if e.interrupted(ctx, job.ID) {
			return permit.DateRange{}, false
		}
		switch {
		case err != nil:
			e.setMessage(job.ID, fmt.Sprintf("availability poll failed: %v", err))
		case r != nil:
			log.Infow("range available", logging.FieldRange, r.String())
			return *r, true
		}

		select {
		case <-ctx.Done():
			e.interrupted(ctx, job.ID)
			return permit.DateRange{}, false
		case <-ticker.C:
		}
	}
}

// book claims target, falling back through the remaining ranges in priority
// order when a claim is not confirmed. A claim counts only on the session's
// explicit positive confirmation.
func (e *Engine) book(ctx context.Context, job permit.Job, sess permit.Session, target permit.DateRange, keepOpen *bool, log *zap.SugaredLogger) {
	if !e.transition(job.ID, permit.StatusBooking, fmt.Sprintf("claiming %s", target)) {
		return
	}

	attempted := make(map[string]bool, len(job.Ranges))
	deadline := job.WindowOpensAt.Add(e.MaxWatchDuration)
	for {
		held, err := sess.Claim(ctx, target)
		if e.interrupted(ctx, job.ID) {
			return
		}
		if held {
			*keepOpen = true
			st := permit.StatusInCart
			msg := fmt.Sprintf("%s is in the cart; complete checkout on the site", target)
			br := target
			e.mutate(job.ID, registry.Patch{Status: &st, Message: &msg, BookedRange: &br})
			log.Infow("claim confirmed", logging.FieldRange, target.String())
			return
		}
		if err != nil {
			e.setMessage(job.ID, fmt.Sprintf("claim of %s failed: %v", target, err))
		} else {
			e.setMessage(job.ID, fmt.Sprintf("claim of %s not confirmed", target))
		}
		attempted[target.String()] = true

		var remaining []permit.DateRange
		for _, r := range job.Ranges {
			if !attempted[r.String()] {
				remaining = append(remaining, r)
			}
		}
		if len(remaining) == 0 {
			e.fail(job.ID, log, "all %d ranges exhausted without a confirmed claim", len(job.Ranges))
			return
		}

		next, ok := e.requery(ctx, job, remaining, deadline, log)
		if !ok {
			return
		}
		target = next
	}
}

// requery polls the remaining ranges after a failed claim, under the same
// deadline and interval as the watch phase. Errors are transient here too;
// only the deadline, cancellation, or an empty answer ends the loop.
func (e *Engine) requery(ctx context.Context, job permit.Job, remaining []permit.DateRange, deadline time.Time, log *zap.SugaredLogger) (permit.DateRange, bool) {
	for {
		if !time.Now().Before(deadline) {
			e.fail(job.ID, log, "no remaining range became available within %s", e.MaxWatchDuration)
			return permit.DateRange{}, false
		}

		next, err := e.Availability.Query(ctx, job.PermitID, job.DivisionID, remaining)
		if e.interrupted(ctx, job.ID) {
			return permit.DateRange{}, false
		}
		switch {
		case err != nil:
			e.setMessage(job.ID, fmt.Sprintf("availability re-check after failed claim: %v", err))
		case next != nil:
			return *next, true
		default:
			e.fail(job.ID, log, "no remaining range still available after failed claim")
			return permit.DateRange{}, false
		}

		if !sleepUntil(ctx, time.Now().Add(e.PollInterval)) {
			e.interrupted(ctx, job.ID)
			return permit.DateRange{}, false
		}
	}
}

// interrupted finalizes the job when its context is done. User cancellation
// becomes the cancelled terminal state and discards credentials; process
// shutdown leaves the job's state for the restart reconcile to resume.
func (e *Engine) interrupted(ctx context.Context, jobID string) bool {
	if ctx.Err() == nil {
		return false
	}
	if context.Cause(ctx) == permit.ErrCancelled {
		e.transition(jobID, permit.StatusCancelled, "cancelled by user")
		e.Vault.Delete(jobID)
	} else {
		e.setMessage(jobID, "interrupted by shutdown")
	}
	return true
}

func (e *Engine) fail(jobID string, log *zap.SugaredLogger, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	e.transition(jobID, permit.StatusFailed, msg)
	log.Warnw("job failed", "reason", msg)
}

// transition reports false when the job is already terminal or gone, which
// ends the run quietly (the competing terminal transition won).
func (e *Engine) transition(jobID string, st permit.Status, msg string) bool {
	_, err := e.Registry.Mutate(jobID, registry.Patch{Status: &st, Message: &msg})
	return err == nil
}

func (e *Engine) setMessage(jobID, msg string) {
	e.mutate(jobID, registry.Patch{Message: &msg})
}

func (e *Engine) mutate(jobID string, p registry.Patch) {
	_, _ = e.Registry.Mutate(jobID, p)
}

// sleepUntil blocks until t, returning false if ctx ended first.
func sleepUntil(ctx context.Context, t time.Time) bool {
	d := time.Until(t)
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
