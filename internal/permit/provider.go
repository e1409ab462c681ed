package permit

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
)

// ErrCancelled is the cancellation cause attached to a job's context when the
// user cancels it, so the engine can tell user cancellation from shutdown.
var ErrCancelled = errors.New("job cancelled")

// AvailabilitySource answers "which of these ranges, if any, is fully open"
// for a division. Implementations query remaining capacity per night across
// the minimal spanning window of the given ranges. Errors are transient: the
// caller keeps polling.
type AvailabilitySource interface {
	Query(ctx context.Context, permitID, divisionID string, ranges []DateRange) (*DateRange, error)
}

// Session is one exclusive automation session against the reservation site.
// A session belongs to a single job's control flow and is never shared.
// Claim reports held=true only on an explicit positive confirmation from the
// site; anything less is not-claimed.
type Session interface {
	SignIn(ctx context.Context, creds Credentials) error
	SelectTarget(ctx context.Context, permitID, divisionID string, entryDate time.Time) error
	SetGroupSize(ctx context.Context, n int) error
	Claim(ctx context.Context, r DateRange) (held bool, err error)
	Close() error
}

// SessionDialer opens sessions. One Dial per job run.
type SessionDialer interface {
	Dial(ctx context.Context) (Session, error)
}
