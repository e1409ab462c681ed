package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/permit-scheduler/internal/hub"
	"github.com/example/permit-scheduler/internal/logging"
	"github.com/example/permit-scheduler/internal/permit"
	"github.com/example/permit-scheduler/internal/registry"
	"github.com/example/permit-scheduler/internal/snapshot"
)

type memStore struct {
	mu   sync.Mutex
	jobs []permit.Job
}

func (s *memStore) SaveAll(_ context.Context, jobs []permit.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = jobs
	return nil
}

func (s *memStore) LoadAll(context.Context) ([]permit.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs, nil
}

var _ snapshot.Store = (*memStore)(nil)

// fakeAvail answers queries from a static per-night capacity map, using the
// same selection policy as the real adapter.
type fakeAvail struct {
	mu        sync.Mutex
	remaining map[string]int
	err       error
	errs      []error // consumed one per call before err; a nil entry forces a normal answer
	calls     int
}

func (a *fakeAvail) Query(_ context.Context, _, _ string, ranges []permit.DateRange) (*permit.DateRange, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	if len(a.errs) > 0 {
		next := a.errs[0]
		a.errs = a.errs[1:]
		if next != nil {
			return nil, next
		}
	} else if a.err != nil {
		return nil, a.err
	}
	if r, ok := permit.FirstOpenRange(ranges, a.remaining); ok {
		return &r, nil
	}
	return nil, nil
}

func (a *fakeAvail) queries() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

type fakeSession struct {
	mu        sync.Mutex
	signInErr error
	heldFor   map[string]bool
	claimed   []permit.DateRange
	closes    atomic.Int32
}

func (s *fakeSession) SignIn(_ context.Context, creds permit.Credentials) error {
	if !creds.Valid() {
		return errors.New("empty credentials")
	}
	return s.signInErr
}

func (s *fakeSession) SelectTarget(context.Context, string, string, time.Time) error { return nil }

func (s *fakeSession) SetGroupSize(_ context.Context, n int) error {
	if n < 1 {
		return errors.New("bad group size")
	}
	return nil
}

func (s *fakeSession) Claim(ctx context.Context, r permit.DateRange) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.claimed = append(s.claimed, r)
	return s.heldFor[r.String()], nil
}

func (s *fakeSession) Close() error {
	s.closes.Add(1)
	return nil
}

func (s *fakeSession) claims() []permit.DateRange {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]permit.DateRange, len(s.claimed))
	copy(out, s.claimed)
	return out
}

type fakeDialer struct {
	sess  *fakeSession
	err   error
	dials atomic.Int32
}

func (d *fakeDialer) Dial(context.Context) (permit.Session, error) {
	d.dials.Add(1)
	if d.err != nil {
		return nil, d.err
	}
	return d.sess, nil
}

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

var (
	range1 = permit.DateRange{Start: date(2026, 7, 1), End: date(2026, 7, 3)}
	range2 = permit.DateRange{Start: date(2026, 7, 8), End: date(2026, 7, 10)}
)

// openNights marks every night of the given ranges as having capacity.
func openNights(ranges ...permit.DateRange) map[string]int {
	m := make(map[string]int)
	for _, r := range ranges {
		for _, n := range r.Nights() {
			m[n.Format(permit.DateFormat)] = 3
		}
	}
	return m
}

type fixture struct {
	eng   *Engine
	reg   *registry.Registry
	vault *registry.Vault
}

func newFixture(avail *fakeAvail, dialer *fakeDialer) fixture {
	reg := registry.New(hub.New(), &memStore{}, logging.Nop())
	vault := registry.NewVault()
	return fixture{
		eng: &Engine{
			Registry:         reg,
			Vault:            vault,
			Availability:     avail,
			Sessions:         dialer,
			Log:              logging.Nop(),
			PollInterval:     10 * time.Millisecond,
			MaxWatchDuration: 2 * time.Second,
		},
		reg:   reg,
		vault: vault,
	}
}

func (f fixture) createJob(t *testing.T, opensAt time.Time, withCreds bool) permit.Job {
	t.Helper()
	j, err := f.reg.Create(permit.Job{
		PermitID:      "233273",
		DivisionID:    "166",
		GroupSize:     2,
		Ranges:        []permit.DateRange{range1, range2},
		WindowOpensAt: opensAt,
	})
	require.NoError(t, err)
	if withCreds {
		f.vault.Put(j.ID, permit.Credentials{Username: "hiker", Password: "secret"})
	}
	return j
}

func waitForStatus(t *testing.T, reg *registry.Registry, id string, want permit.Status) permit.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if j, ok := reg.Get(id); ok && j.Status == want {
			return j
		}
		time.Sleep(5 * time.Millisecond)
	}
	j, _ := reg.Get(id)
	t.Fatalf("job never reached %s (stuck at %s: %q)", want, j.Status, j.Message)
	return permit.Job{}
}

func TestRunStaysPendingWithoutCredentials(t *testing.T) {
	dialer := &fakeDialer{sess: &fakeSession{}}
	f := newFixture(&fakeAvail{}, dialer)
	j := f.createJob(t, time.Now(), false)

	f.eng.Run(context.Background(), j.ID)

	got, _ := f.reg.Get(j.ID)
	assert.Equal(t, permit.StatusPending, got.Status)
	assert.Contains(t, got.Message, "credentials")
	assert.Zero(t, dialer.dials.Load())
}

func TestAcquiresFirstRange(t *testing.T) {
	sess := &fakeSession{heldFor: map[string]bool{range1.String(): true}}
	f := newFixture(&fakeAvail{remaining: openNights(range1, range2)}, &fakeDialer{sess: sess})
	j := f.createJob(t, time.Now().Add(30*time.Millisecond), true)

	f.eng.Run(context.Background(), j.ID)

	got, _ := f.reg.Get(j.ID)
	assert.Equal(t, permit.StatusInCart, got.Status)
	require.NotNil(t, got.BookedRange)
	assert.True(t, got.BookedRange.Equal(range1))
	assert.GreaterOrEqual(t, got.Attempts, 1)

	// Success keeps the session open for manual checkout.
	assert.Equal(t, int32(0), sess.closes.Load())
	require.Len(t, sess.claims(), 1)
	assert.True(t, sess.claims()[0].Equal(range1))
}

func TestSelectsSecondRangeWhenFirstIsPartial(t *testing.T) {
	remaining := openNights(range1, range2)
	remaining[range1.Start.Format(permit.DateFormat)] = 0 // one night gone

	sess := &fakeSession{heldFor: map[string]bool{range2.String(): true}}
	f := newFixture(&fakeAvail{remaining: remaining}, &fakeDialer{sess: sess})
	j := f.createJob(t, time.Now(), true)

	f.eng.Run(context.Background(), j.ID)

	got, _ := f.reg.Get(j.ID)
	assert.Equal(t, permit.StatusInCart, got.Status)
	require.NotNil(t, got.BookedRange)
	assert.True(t, got.BookedRange.Equal(range2))
}

func TestWatchDeadlineFails(t *testing.T) {
	avail := &fakeAvail{remaining: map[string]int{}}
	sess := &fakeSession{}
	f := newFixture(avail, &fakeDialer{sess: sess})
	f.eng.MaxWatchDuration = 100 * time.Millisecond
	f.eng.PollInterval = 20 * time.Millisecond
	j := f.createJob(t, time.Now(), true)

	f.eng.Run(context.Background(), j.ID)

	got, _ := f.reg.Get(j.ID)
	assert.Equal(t, permit.StatusFailed, got.Status)
	assert.Contains(t, got.Message, "polls")
	assert.Equal(t, avail.queries(), got.Attempts)
	assert.Equal(t, int32(1), sess.closes.Load())
}

func TestPollErrorsAreTransient(t *testing.T) {
	avail := &fakeAvail{err: errors.New("upstream 502")}
	sess := &fakeSession{}
	f := newFixture(avail, &fakeDialer{sess: sess})
	f.eng.MaxWatchDuration = 80 * time.Millisecond
	f.eng.PollInterval = 15 * time.Millisecond
	j := f.createJob(t, time.Now(), true)

	f.eng.Run(context.Background(), j.ID)

	got, _ := f.reg.Get(j.ID)
	// Errors never abort the watch; the deadline does.
	assert.Equal(t, permit.StatusFailed, got.Status)
	assert.Greater(t, avail.queries(), 1)
}

func TestClaimFallsBackToNextRange(t *testing.T) {
	sess := &fakeSession{heldFor: map[string]bool{range2.String(): true}}
	f := newFixture(&fakeAvail{remaining: openNights(range1, range2)}, &fakeDialer{sess: sess})
	j := f.createJob(t, time.Now(), true)

	f.eng.Run(context.Background(), j.ID)

	got, _ := f.reg.Get(j.ID)
	assert.Equal(t, permit.StatusInCart, got.Status)
	require.NotNil(t, got.BookedRange)
	assert.True(t, got.BookedRange.Equal(range2))

	claims := sess.claims()
	require.Len(t, claims, 2)
	assert.True(t, claims[0].Equal(range1))
	assert.True(t, claims[1].Equal(range2))
}

func TestBookingRetriesTransientRequeryError(t *testing.T) {
	// First query (watch) answers normally, the re-query after the failed
	// claim gets one 502, the retry answers normally again.
	avail := &fakeAvail{
		remaining: openNights(range1, range2),
		errs:      []error{nil, errors.New("upstream 502")},
	}
	sess := &fakeSession{heldFor: map[string]bool{range2.String(): true}}
	f := newFixture(avail, &fakeDialer{sess: sess})
	j := f.createJob(t, time.Now(), true)

	f.eng.Run(context.Background(), j.ID)

	got, _ := f.reg.Get(j.ID)
	assert.Equal(t, permit.StatusInCart, got.Status)
	require.NotNil(t, got.BookedRange)
	assert.True(t, got.BookedRange.Equal(range2))

	claims := sess.claims()
	require.Len(t, claims, 2)
	assert.True(t, claims[1].Equal(range2))
	assert.GreaterOrEqual(t, avail.queries(), 3)
}

func TestBookingRequeryStopsAtWatchDeadline(t *testing.T) {
	avail := &fakeAvail{
		remaining: openNights(range1),
		errs:      []error{nil},
		err:       errors.New("upstream 502"),
	}
	sess := &fakeSession{} // claim never confirms
	f := newFixture(avail, &fakeDialer{sess: sess})
	f.eng.MaxWatchDuration = 150 * time.Millisecond
	f.eng.PollInterval = 20 * time.Millisecond
	j := f.createJob(t, time.Now(), true)

	f.eng.Run(context.Background(), j.ID)

	got, _ := f.reg.Get(j.ID)
	assert.Equal(t, permit.StatusFailed, got.Status)
	assert.Contains(t, got.Message, "no remaining range")
	assert.Greater(t, avail.queries(), 2)
	assert.Equal(t, int32(1), sess.closes.Load())
}

func TestClaimExhaustionFails(t *testing.T) {
	sess := &fakeSession{} // nothing ever confirms
	f := newFixture(&fakeAvail{remaining: openNights(range1, range2)}, &fakeDialer{sess: sess})
	j := f.createJob(t, time.Now(), true)

	f.eng.Run(context.Background(), j.ID)

	got, _ := f.reg.Get(j.ID)
	assert.Equal(t, permit.StatusFailed, got.Status)
	assert.Contains(t, got.Message, "exhausted")
	assert.Len(t, sess.claims(), 2)
	assert.Equal(t, int32(1), sess.closes.Load())
}

func TestCancelDuringWatch(t *testing.T) {
	sess := &fakeSession{}
	f := newFixture(&fakeAvail{remaining: map[string]int{}}, &fakeDialer{sess: sess})
	f.eng.MaxWatchDuration = time.Minute
	j := f.createJob(t, time.Now(), true)

	ctx, cancel := context.WithCancelCause(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.eng.Run(ctx, j.ID)
	}()

	waitForStatus(t, f.reg, j.ID, permit.StatusWatching)
	cancel(permit.ErrCancelled)
	<-done

	got, _ := f.reg.Get(j.ID)
	assert.Equal(t, permit.StatusCancelled, got.Status)
	assert.Equal(t, int32(1), sess.closes.Load())
	_, hasCreds := f.vault.Get(j.ID)
	assert.False(t, hasCreds)
}

func TestShutdownLeavesJobResumable(t *testing.T) {
	sess := &fakeSession{}
	f := newFixture(&fakeAvail{remaining: map[string]int{}}, &fakeDialer{sess: sess})
	f.eng.MaxWatchDuration = time.Minute
	j := f.createJob(t, time.Now(), true)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.eng.Run(ctx, j.ID)
	}()

	waitForStatus(t, f.reg, j.ID, permit.StatusWatching)
	cancel() // shutdown, not user cancellation
	<-done

	got, _ := f.reg.Get(j.ID)
	assert.Equal(t, permit.StatusWatching, got.Status)
	assert.Contains(t, got.Message, "shutdown")
	assert.Equal(t, int32(1), sess.closes.Load())
}

func TestSignInFailureIsStructural(t *testing.T) {
	sess := &fakeSession{signInErr: errors.New("403 forbidden")}
	dialer := &fakeDialer{sess: sess}
	f := newFixture(&fakeAvail{remaining: openNights(range1)}, dialer)
	j := f.createJob(t, time.Now(), true)

	f.eng.Run(context.Background(), j.ID)

	got, _ := f.reg.Get(j.ID)
	assert.Equal(t, permit.StatusFailed, got.Status)
	assert.Contains(t, got.Message, "sign-in")
	// No retry of a structural failure.
	assert.Equal(t, int32(1), dialer.dials.Load())
	assert.Equal(t, int32(1), sess.closes.Load())
}

func TestDialFailureIsStructural(t *testing.T) {
	f := newFixture(&fakeAvail{}, &fakeDialer{err: errors.New("connection refused")})
	j := f.createJob(t, time.Now(), true)

	f.eng.Run(context.Background(), j.ID)

	got, _ := f.reg.Get(j.ID)
	assert.Equal(t, permit.StatusFailed, got.Status)
	assert.Contains(t, got.Message, "session open")
}
