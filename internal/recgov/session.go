package recgov

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/example/permit-scheduler/internal/permit"
)

// Dialer opens one Session per job run.
type Dialer struct {
	baseURL string
}

func NewDialer(baseURL string) *Dialer {
	return &Dialer{baseURL: strings.TrimRight(baseURL, "/")}
}

func (d *Dialer) Dial(ctx context.Context) (permit.Session, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	hc := newHTTPClient()
	hc.Jar = jar

	s := &Session{hc: hc, baseURL: d.baseURL}

	// Prime cookies so the sign-in that follows looks like a browser flow.
	status, _, err := do(ctx, hc, http.MethodGet, d.baseURL+"/api/session", "", "", nil, nil)
	if err != nil {
		return nil, errors.Wrap(err, "open session")
	}
	if status >= 500 {
		return nil, errors.Newf("open session failed (status=%d)", status)
	}
	return s, nil
}

// Session is one exclusive automation session. It accumulates the target
// context (permit, division, entry date, group size) during pre-warm and
// spends it in Claim.
type Session struct {
	hc      *http.Client
	baseURL string

	token string

	permitID   string
	divisionID string
	entryDate  time.Time
	groupSize  int
}

type loginResponse struct {
	AccessToken string `json:"access_token"`
	Message     string `json:"message"`
}

func (s *Session) SignIn(ctx context.Context, creds permit.Credentials) error {
	if !creds.Valid() {
		return errors.New("missing credentials")
	}
	body, _ := json.Marshal(map[string]string{
		"username": creds.Username,
		"password": creds.Password,
	})
	status, res, err := do(ctx, s.hc, http.MethodPost, s.baseURL+"/api/accounts/login", "application/json", "", nil, body)
	if err != nil {
		return err
	}
	var lr loginResponse
	_ = json.Unmarshal(res, &lr)
	if status != http.StatusOK || lr.AccessToken == "" {
		if lr.Message != "" {
			return errors.Newf("sign-in rejected: %s (status=%d)", lr.Message, status)
		}
		return errors.Newf("sign-in rejected (status=%d)", status)
	}
	s.token = lr.AccessToken
	return nil
}

// SelectTarget navigates to the permit's registration context so the claim
// in the critical window is a single request.
func (s *Session) SelectTarget(ctx context.Context, permitID, divisionID string, entryDate time.Time) error {
	if s.token == "" {
		return errors.New("not signed in")
	}
	status, _, err := do(ctx, s.hc, http.MethodGet, s.baseURL+"/api/permits/"+permitID, "", s.token, nil, nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return errors.Newf("permit %s not reachable (status=%d)", permitID, status)
	}
	s.permitID = permitID
	s.divisionID = divisionID
	s.entryDate = entryDate
	return nil
}

func (s *Session) SetGroupSize(_ context.Context, n int) error {
	if n < 1 {
		return errors.Newf("invalid group size %d", n)
	}
	// The site takes group size with the claim itself; hold it until then.
	s.groupSize = n
	return nil
}

type claimResponse struct {
	ReservationID string `json:"reservation_id"`
	Message       string `json:"message"`
}

// Claim posts the registration and reports held only on an explicit
// reservation ID in the response. A claim the site swallowed without
// confirmation is not a claim.
func (s *Session) Claim(ctx context.Context, r permit.DateRange) (bool, error) {
	if s.token == "" || s.permitID == "" {
		return false, errors.New("session not primed")
	}
	body, _ := json.Marshal(map[string]any{
		"division_id": s.divisionID,
		"start_date":  r.Start.Format(permit.DateFormat),
		"end_date":    r.End.Format(permit.DateFormat),
		"group_size":  s.groupSize,
	})
	status, res, err := do(ctx, s.hc, http.MethodPost, s.baseURL+"/api/permits/"+s.permitID+"/registrations", "application/json", s.token, nil, body)
	if err != nil {
		return false, err
	}

	switch {
	case status == http.StatusOK || status == http.StatusCreated:
		var cr claimResponse
		if err := json.Unmarshal(res, &cr); err != nil {
			return false, errors.Wrap(err, "decode claim response")
		}
		return cr.ReservationID != "", nil
	case status == http.StatusConflict || status == http.StatusGone:
		// Someone else got there first; not an error, just not claimed.
		return false, nil
	default:
		return false, errors.Newf("claim request failed (status=%d)", status)
	}
}

func (s *Session) Close() error {
	if s.token == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	_, _, err := do(ctx, s.hc, http.MethodPost, s.baseURL+"/api/accounts/logout", "", s.token, nil, nil)
	s.token = ""
	return err
}
