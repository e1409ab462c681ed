// Package recgov adapts the recreation.gov HTTP surface to the engine's
// availability-source and session capabilities. Everything here is
// deliberately thin: the site contract is volatile, and the scheduling core
// only ever sees the capability interfaces in internal/permit.
package recgov

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
)

const requestTimeout = 10 * time.Second

// The site rejects requests without browser-looking headers.
const userAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

func newHTTPClient() *http.Client {
	return &http.Client{Timeout: requestTimeout}
}

// do issues one request with the shared header set and returns status and
// body. An auth token, when present, rides in the Authorization header.
func do(ctx context.Context, hc *http.Client, method, rawURL, contentType, authToken string, query map[string]string, body []byte) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("user-agent", userAgent)
	req.Header.Set("accept", "application/json")
	req.Header.Set("cache-control", "no-cache")
	if contentType != "" {
		req.Header.Set("content-type", contentType)
	}
	if authToken != "" {
		req.Header.Set("authorization", "Bearer "+authToken)
	}

	if query != nil {
		q := req.URL.Query()
		for k, v := range query {
			q.Add(k, v)
		}
		req.URL.RawQuery = q.Encode()
	}

	res, err := hc.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer res.Body.Close()
	b, err := io.ReadAll(res.Body)
	if err != nil {
		return res.StatusCode, nil, errors.Wrap(err, "read response body")
	}
	return res.StatusCode, b, nil
}
