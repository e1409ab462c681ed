// Package audit keeps a durable trail of job status transitions in
// postgres. It subscribes to the broadcast hub through a buffered channel
// so slow inserts never stall a mutation.
package audit

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/example/permit-scheduler/internal/db"
	"github.com/example/permit-scheduler/internal/logging"
	"github.com/example/permit-scheduler/internal/permit"
)

const recorderBuffer = 256

// Execer is the slice of db.DB the recorder writes through.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) error
}

type Recorder struct {
	db  Execer
	log *zap.SugaredLogger

	ch   chan permit.Job
	done chan struct{}

	last map[string]permit.Status
}

func NewRecorder(d Execer, log *zap.SugaredLogger) *Recorder {
	r := &Recorder{
		db:   d,
		log:  log,
		ch:   make(chan permit.Job, recorderBuffer),
		done: make(chan struct{}),
		last: make(map[string]permit.Status),
	}
	go r.loop()
	return r
}

// Record is the hub subscriber. It never blocks: when the buffer is full
// the snapshot is dropped and the trail simply has a gap.
func (r *Recorder) Record(j permit.Job) {
	select {
	case r.ch <- j:
	default:
	}
}

// Close drains buffered snapshots and stops the writer.
func (r *Recorder) Close() {
	close(r.ch)
	<-r.done
}

func (r *Recorder) loop() {
	defer close(r.done)
	for j := range r.ch {
		// Only status transitions are worth a row; attempt counters and
		// message updates churn far too fast during the watch phase.
		if r.last[j.ID] == j.Status {
			continue
		}
		r.last[j.ID] = j.Status

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := r.db.Exec(ctx, `
INSERT INTO job_transitions(job_id, permit_id, division_id, status, attempts, message)
VALUES ($1,$2,$3,$4,$5,$6)`,
			j.ID, j.PermitID, j.DivisionID, string(j.Status), j.Attempts, j.Message)
		cancel()
		if err != nil {
			r.log.Warnw("audit insert failed",
				logging.FieldComponent, "audit",
				logging.FieldJobID, j.ID,
				logging.FieldError, err.Error(),
			)
		}
	}
}

type Transition struct {
	JobID      string
	Status     string
	Attempts   int
	Message    string
	RecordedAt time.Time
}

// History returns the recorded transitions for one job, oldest first.
func History(ctx context.Context, d *db.DB, jobID string) ([]Transition, error) {
	rows, err := d.Query(ctx, `
SELECT job_id, status, attempts, message, recorded_at
FROM job_transitions
WHERE job_id=$1
ORDER BY recorded_at ASC`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Transition
	for rows.Next() {
		var t Transition
		if err := rows.Scan(&t.JobID, &t.Status, &t.Attempts, &t.Message, &t.RecordedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
