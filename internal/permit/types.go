package permit

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

// DateFormat is the calendar-date wire format used throughout (availability
// responses, snapshots, API payloads).
const DateFormat = "2006-01-02"

type Status string

const (
	StatusPending    Status = "pending"
	StatusPreWarming Status = "pre-warming"
	StatusWatching   Status = "watching"
	StatusBooking    Status = "booking"
	StatusInCart     Status = "in-cart"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether no further transitions are possible from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusInCart, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// DateRange is an entry/exit pair. Both are calendar dates (UTC midnight);
// the exit date is not a night spent out.
type DateRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Nights expands the range to the individual nights [Start, End).
func (r DateRange) Nights() []time.Time {
	var out []time.Time
	for d := r.Start; d.Before(r.End); d = d.AddDate(0, 0, 1) {
		out = append(out, d)
	}
	return out
}

func (r DateRange) Equal(o DateRange) bool {
	return r.Start.Equal(o.Start) && r.End.Equal(o.End)
}

func (r DateRange) String() string {
	return r.Start.Format(DateFormat) + ".." + r.End.Format(DateFormat)
}

func (r DateRange) Validate() error {
	if r.Start.IsZero() || r.End.IsZero() {
		return errors.New("range start and end required")
	}
	if !r.End.After(r.Start) {
		return errors.Newf("range end %s must be after start %s",
			r.End.Format(DateFormat), r.Start.Format(DateFormat))
	}
	return nil
}

// Credentials authenticate a session against the reservation site. They are
// held in memory only, keyed by job ID, and are never persisted or broadcast.
type Credentials struct {
	Username string
	Password string
}

func (c Credentials) Valid() bool {
	return c.Username != "" && c.Password != ""
}

// Job is the unit of scheduling. The registry holds the authoritative copy;
// everything handed outward is a deep copy via Clone.
type Job struct {
	ID    string `json:"id"`
	Label string `json:"label"`

	PermitID   string `json:"permit_id"`
	DivisionID string `json:"division_id"`

	// Ranges in priority order, first is most preferred. A later range is
	// only attempted after every earlier one is unavailable or failed.
	Ranges    []DateRange `json:"ranges"`
	GroupSize int         `json:"group_size"`

	WindowOpensAt time.Time `json:"window_opens_at"`

	Status      Status     `json:"status"`
	Attempts    int        `json:"attempts"`
	Message     string     `json:"message"`
	BookedRange *DateRange `json:"booked_range,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func NewID() string { return uuid.New().String() }

func (j Job) Validate() error {
	if j.PermitID == "" {
		return errors.New("permit_id required")
	}
	if j.DivisionID == "" {
		return errors.New("division_id required")
	}
	if j.GroupSize < 1 {
		return errors.New("group_size must be >= 1")
	}
	if len(j.Ranges) == 0 {
		return errors.New("at least one date range required")
	}
	for i, r := range j.Ranges {
		if err := r.Validate(); err != nil {
			return errors.Wrapf(err, "range %d", i)
		}
	}
	if j.WindowOpensAt.IsZero() {
		return errors.New("window_opens_at required")
	}
	return nil
}

// Clone returns a deep copy safe to hand to observers.
func (j Job) Clone() Job {
	out := j
	out.Ranges = make([]DateRange, len(j.Ranges))
	copy(out.Ranges, j.Ranges)
	if j.BookedRange != nil {
		br := *j.BookedRange
		out.BookedRange = &br
	}
	return out
}

// HasRange reports whether r is one of the job's desired ranges.
func (j Job) HasRange(r DateRange) bool {
	for _, dr := range j.Ranges {
		if dr.Equal(r) {
			return true
		}
	}
	return false
}
