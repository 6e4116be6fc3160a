package runtime

import (
	"context"
	"errors"
	"math/rand/v2"
	"net"
	"net/http"
	"time"

	"github.com/pubwiki/wikidesigner/pkg/model/provider"
)

const (
	retryBaseDelay = 200 * time.Millisecond
	retryMaxDelay  = 2 * time.Second
	retryFactor    = 2.0
	retryJitter    = 0.1

	// DefaultRetries is how many times a model step that failed before
	// producing any output is retried. 2 retries means 3 attempts.
	DefaultRetries = 2
)

// isRetryableModelError reports whether creating the stream again may succeed.
// Rate limits are not retried: the client is told to come back later.
func isRetryableModelError(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	switch provider.StatusCode(err) {
	case http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable,
		http.StatusGatewayTimeout, http.StatusRequestTimeout:
		return true
	case 0:
	default:
		return false
	}

	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// calculateBackoff returns the delay before retry attempt (0-indexed), growing
// exponentially up to retryMaxDelay with ±10% jitter.
func calculateBackoff(attempt int) time.Duration {
	delay := float64(retryBaseDelay)
	for range max(attempt, 0) {
		delay *= retryFactor
	}
	delay = min(delay, float64(retryMaxDelay))
	delay += delay * retryJitter * (2*rand.Float64() - 1)
	return time.Duration(delay)
}

// sleepWithContext returns false when ctx ends before d elapses.
func sleepWithContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
