package resilience

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// ErrRateLimited is returned when the outbound budget for a provider is
// spent. It does not count as a provider failure.
var ErrRateLimited = errors.New("outbound rate limit exceeded")

// ResilientHTTPClient sends provider requests through the provider's breaker
// and an optional outbound rate limit.
type ResilientHTTPClient struct {
	client  *http.Client
	breaker *ProviderBreaker
	limiter *rate.Limiter
}

// NewResilientHTTPClient wraps client with breaker.
func NewResilientHTTPClient(client *http.Client, breaker *ProviderBreaker) *ResilientHTTPClient {
	return &ResilientHTTPClient{client: client, breaker: breaker}
}

// WithRateLimit caps outbound requests to perMinute, allowing bursts of the
// same size. Requests over budget fail fast with ErrRateLimited.
func (rc *ResilientHTTPClient) WithRateLimit(perMinute int) *ResilientHTTPClient {
	if perMinute <= 0 {
		rc.limiter = nil
		return rc
	}
	rc.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute)
	return rc
}

// Do executes req. Transport errors, 5xx and 429 responses count against
// the provider's breaker; other statuses are returned to the caller.
func (rc *ResilientHTTPClient) Do(req *http.Request) (*http.Response, error) {
	if rc.limiter != nil && !rc.limiter.Allow() {
		return nil, fmt.Errorf("%s: %w", rc.breaker.Provider(), ErrRateLimited)
	}

	var resp *http.Response
	err := rc.breaker.Call(func() error {
		var err error
		resp, err = rc.client.Do(req)
		if err != nil {
			return err
		}
		if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
			resp.Body.Close()
			return fmt.Errorf("%s answered HTTP %d", rc.breaker.Provider(), resp.StatusCode)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}
