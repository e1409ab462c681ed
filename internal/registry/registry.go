// Package registry is the authoritative in-memory table of job records.
// One mutex serializes all mutations, so readers always see a complete
// record and per-job mutations are totally ordered. Everything handed out
// is a deep copy.
package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/example/permit-scheduler/internal/hub"
	"github.com/example/permit-scheduler/internal/logging"
	"github.com/example/permit-scheduler/internal/permit"
	"github.com/example/permit-scheduler/internal/snapshot"
)

var (
	ErrNotFound = errors.New("job not found")
	ErrTerminal = errors.New("job already in a terminal state")
)

// Patch is a partial update applied under the registry lock. Nil fields are
// left untouched.
type Patch struct {
	Status        *permit.Status
	Message       *string
	AttemptsDelta int
	BookedRange   *permit.DateRange
}

type Registry struct {
	mu    sync.Mutex
	pubMu sync.Mutex
	jobs  map[string]*permit.Job
	hub   *hub.Hub
	store snapshot.Store
	log   *zap.SugaredLogger
}

func New(h *hub.Hub, store snapshot.Store, log *zap.SugaredLogger) *Registry {
	return &Registry{
		jobs:  make(map[string]*permit.Job),
		hub:   h,
		store: store,
		log:   log,
	}
}

// Create validates spec, fills in identity and initial state, persists and
// broadcasts the new record.
func (r *Registry) Create(spec permit.Job) (permit.Job, error) {
	if err := spec.Validate(); err != nil {
		return permit.Job{}, err
	}

	now := time.Now()
	j := spec.Clone()
	j.ID = permit.NewID()
	j.Status = permit.StatusPending
	j.Attempts = 0
	j.Message = "scheduled"
	j.BookedRange = nil
	j.CreatedAt = now
	j.UpdatedAt = now

	r.mu.Lock()
	r.jobs[j.ID] = &j
	r.persistLocked()
	snap := j.Clone()
	r.publishAndUnlock(snap)
	return snap, nil
}

// Seed installs previously persisted jobs verbatim (startup only): no
// broadcast, no re-persist.
func (r *Registry) Seed(jobs []permit.Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range jobs {
		j := jobs[i].Clone()
		if j.ID == "" {
			continue
		}
		r.jobs[j.ID] = &j
	}
}

func (r *Registry) Get(id string) (permit.Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return permit.Job{}, false
	}
	return j.Clone(), true
}

func (r *Registry) List() []permit.Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]permit.Job, 0, len(r.jobs))
	for _, j := range r.jobs {
		out = append(out, j.Clone())
	}
	sort.Slice(out, func(i, k int) bool {
		if out[i].CreatedAt.Equal(out[k].CreatedAt) {
			return out[i].ID < out[k].ID
		}
		return out[i].CreatedAt.Before(out[k].CreatedAt)
	})
	return out
}

// Mutate applies p, stamps UpdatedAt, broadcasts the resulting snapshot and
// persists the set when the status changed. Status changes out of a
// terminal state are rejected, which makes the first terminal transition
// win any race (e.g. cancel vs. a finishing engine).
func (r *Registry) Mutate(id string, p Patch) (permit.Job, error) {
	r.mu.Lock()

	j, ok := r.jobs[id]
	if !ok {
		r.mu.Unlock()
		return permit.Job{}, ErrNotFound
	}

	statusChanged := false
	if p.Status != nil && *p.Status != j.Status {
		if j.Status.Terminal() {
			r.mu.Unlock()
			return permit.Job{}, ErrTerminal
		}
		j.Status = *p.Status
		statusChanged = true
	}
	if p.Message != nil {
		j.Message = *p.Message
	}
	if p.AttemptsDelta != 0 {
		j.Attempts += p.AttemptsDelta
	}
	if p.BookedRange != nil {
		if !j.HasRange(*p.BookedRange) {
			r.mu.Unlock()
			return permit.Job{}, errors.Newf("booked range %s is not one of the job's desired ranges", p.BookedRange)
		}
		br := *p.BookedRange
		j.BookedRange = &br
	}
	j.UpdatedAt = time.Now()

	if statusChanged {
		r.persistLocked()
	}
	snap := j.Clone()
	r.publishAndUnlock(snap)
	return snap, nil
}

// publishAndUnlock hands the snapshot to the hub with r.mu released, so a
// subscriber may read back into the registry. pubMu is taken before r.mu is
// dropped, which keeps publish order identical to mutation order.
func (r *Registry) publishAndUnlock(snap permit.Job) {
	r.pubMu.Lock()
	r.mu.Unlock()
	r.hub.Publish(snap)
	r.pubMu.Unlock()
}

func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[id]; !ok {
		return ErrNotFound
	}
	delete(r.jobs, id)
	r.persistLocked()
	return nil
}

// persistLocked snapshots the whole set. Failure is logged, never fatal:
// the in-memory state stays authoritative for this process lifetime.
func (r *Registry) persistLocked() {
	jobs := make([]permit.Job, 0, len(r.jobs))
	for _, j := range r.jobs {
		jobs = append(jobs, j.Clone())
	}
	if err := r.store.SaveAll(context.Background(), jobs); err != nil {
		r.log.Warnw("job snapshot save failed",
			logging.FieldComponent, "registry",
			logging.FieldError, err.Error(),
		)
	}
}
