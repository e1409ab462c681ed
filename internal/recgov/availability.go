package recgov

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/example/permit-scheduler/internal/permit"
)

// AvailabilityClient implements permit.AvailabilitySource over the permit
// availability endpoint. One GET covers the minimal spanning window of all
// candidate ranges, so a full poll cycle costs a single request.
type AvailabilityClient struct {
	hc      *http.Client
	baseURL string
}

func NewAvailabilityClient(baseURL string) *AvailabilityClient {
	return &AvailabilityClient{
		hc:      newHTTPClient(),
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

type availabilityResponse struct {
	Payload struct {
		// Keyed by date, e.g. "2026-07-04T00:00:00Z" or "2026-07-04".
		DateAvailability map[string]struct {
			Remaining int `json:"remaining"`
			Total     int `json:"total"`
		} `json:"date_availability"`
	} `json:"payload"`
}

// Query returns the first range, in priority order, whose every night still
// has remaining capacity, or nil when none qualifies. All failures here are
// transient from the engine's point of view.
func (c *AvailabilityClient) Query(ctx context.Context, permitID, divisionID string, ranges []permit.DateRange) (*permit.DateRange, error) {
	if len(ranges) == 0 {
		return nil, nil
	}
	start, end := permit.SpanningWindow(ranges)

	url := fmt.Sprintf("%s/api/permits/%s/divisions/%s/availability", c.baseURL, permitID, divisionID)
	status, body, err := do(ctx, c.hc, http.MethodGet, url, "", "", map[string]string{
		"start_date": start.Format(permit.DateFormat),
		"end_date":   end.Format(permit.DateFormat),
	}, nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, errors.Newf("availability request failed (status=%d)", status)
	}

	var res availabilityResponse
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, errors.Wrap(err, "decode availability")
	}

	remaining := make(map[string]int, len(res.Payload.DateAvailability))
	for k, v := range res.Payload.DateAvailability {
		// Normalize timestamp-style keys down to the calendar date.
		if len(k) > len(permit.DateFormat) {
			k = k[:len(permit.DateFormat)]
		}
		remaining[k] = v.Remaining
	}

	if r, ok := permit.FirstOpenRange(ranges, remaining); ok {
		return &r, nil
	}
	return nil, nil
}
