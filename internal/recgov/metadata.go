package recgov

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
)

type Division struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type Facility struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Divisions []Division `json:"divisions"`
}

// MetadataClient is a read-through cache over the permit metadata endpoint.
// Metadata moves slowly; the TTL exists so a renamed entry point shows up
// eventually without hammering the site.
type MetadataClient struct {
	hc      *http.Client
	baseURL string
	ttl     time.Duration

	mu    sync.Mutex
	cache map[string]cachedFacility
}

type cachedFacility struct {
	f       Facility
	fetched time.Time
}

func NewMetadataClient(baseURL string, ttl time.Duration) *MetadataClient {
	return &MetadataClient{
		hc:      newHTTPClient(),
		baseURL: strings.TrimRight(baseURL, "/"),
		ttl:     ttl,
		cache:   make(map[string]cachedFacility),
	}
}

type facilityResponse struct {
	Payload struct {
		ID        string `json:"id"`
		Name      string `json:"name"`
		Divisions map[string]struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"divisions"`
	} `json:"payload"`
}

func (c *MetadataClient) Facility(ctx context.Context, permitID string) (Facility, error) {
	c.mu.Lock()
	if e, ok := c.cache[permitID]; ok && time.Since(e.fetched) < c.ttl {
		c.mu.Unlock()
		return e.f, nil
	}
	c.mu.Unlock()

	status, body, err := do(ctx, c.hc, http.MethodGet, c.baseURL+"/api/permits/"+permitID, "", "", nil, nil)
	if err != nil {
		return Facility{}, err
	}
	if status != http.StatusOK {
		return Facility{}, errors.Newf("permit metadata request failed (status=%d)", status)
	}

	var res facilityResponse
	if err := json.Unmarshal(body, &res); err != nil {
		return Facility{}, errors.Wrap(err, "decode permit metadata")
	}

	f := Facility{ID: res.Payload.ID, Name: res.Payload.Name}
	for _, d := range res.Payload.Divisions {
		f.Divisions = append(f.Divisions, Division{ID: d.ID, Name: d.Name})
	}

	c.mu.Lock()
	c.cache[permitID] = cachedFacility{f: f, fetched: time.Now()}
	c.mu.Unlock()
	return f, nil
}
