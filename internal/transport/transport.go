// Package transport provides the HTTP round tripper shared by every outbound client.
package transport

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// maxRetries bounds how many 429 responses a single request will wait out
const maxRetries = 5

// RateLimitedTransport paces outgoing requests with an optional client-side limiter and waits out 429 responses that
// carry a retry-after header
type RateLimitedTransport struct {
	base    http.RoundTripper
	limiter *rate.Limiter // nil means unlimited
}

func WithRateLimiting(base http.RoundTripper) *RateLimitedTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &RateLimitedTransport{base: base}
}

// WithRequestsPerSecond caps the steady request rate. A non-positive rate removes the cap
func (t *RateLimitedTransport) WithRequestsPerSecond(rps float64) *RateLimitedTransport {
	if rps <= 0 {
		t.limiter = nil
		return t
	}
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}
	t.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	return t
}

func (t *RateLimitedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	// Preserve the original request body for retries
	var bodyBytes []byte
	if req.Body != nil {
		var err error
		bodyBytes, err = io.ReadAll(req.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to read request body: %w", err)
		}
		err = req.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to close request body: %w", err)
		}
	}

	for attempt := 0; ; attempt++ {
		if t.limiter != nil {
			if err := t.limiter.Wait(req.Context()); err != nil {
				return nil, fmt.Errorf("rate limiter: %w", err)
			}
		}

		// Restore the request body for each attempt
		if bodyBytes != nil {
			req.Body = io.NopCloser(bytes.NewReader(bodyBytes))
		}

		resp, err := t.base.RoundTrip(req)
		if err != nil {
			return resp, err
		}

		if resp.StatusCode != http.StatusTooManyRequests || attempt >= maxRetries {
			return resp, nil
		}

		waitDuration := retryAfter(resp.Header.Get("retry-after"))
		if waitDuration <= 0 {
			return resp, nil
		}

		// Close the response body to free resources
		err = resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to close response body: %w", err)
		}

		zap.S().Infof("Rate limited by %s, waiting %s", req.URL.Host, waitDuration)
		select {
		case <-req.Context().Done():
			return nil, req.Context().Err()
		case <-time.After(waitDuration):
		}
	}
}

// retryAfter parses a retry-after header given either in seconds or as an HTTP date
func retryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(seconds) * time.Second
	}
	if retryTime, err := time.Parse(time.RFC1123, value); err == nil {
		return time.Until(retryTime)
	}
	return 0
}
