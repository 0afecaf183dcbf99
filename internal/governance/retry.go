package governance

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net"
	"net/http"
	"syscall"
	"time"
)

// ErrMaxRetriesExceeded is returned when all retry attempts have been exhausted.
var ErrMaxRetriesExceeded = errors.New("max retries exceeded")

// RetryConfig defines retry behaviour for deliveries.
type RetryConfig struct {
	// MaxRetries is the maximum number of retry attempts (0 = no retries).
	MaxRetries int
	// InitialBackoff is the delay before the first retry.
	InitialBackoff time.Duration
	// MaxBackoff caps the delay between retries.
	MaxBackoff time.Duration
	// BackoffMultiplier is the factor by which backoff increases.
	BackoffMultiplier float64
	// Jitter adds up to 25% randomness to every backoff.
	Jitter bool
	// RetryableStatusCodes are HTTP answers worth another attempt.
	RetryableStatusCodes map[int]bool
}

// DefaultRetryConfig returns the retry behaviour of the push client.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:           2,
		InitialBackoff:       500 * time.Millisecond,
		MaxBackoff:           10 * time.Second,
		BackoffMultiplier:    2.0,
		Jitter:               true,
		RetryableStatusCodes: defaultRetryableStatusCodes(),
	}
}

func defaultRetryableStatusCodes() map[int]bool {
	return map[int]bool{
		http.StatusRequestTimeout:      true,
		http.StatusTooManyRequests:     true,
		http.StatusInternalServerError: true,
		http.StatusBadGateway:          true,
		http.StatusServiceUnavailable:  true,
		http.StatusGatewayTimeout:      true,
	}
}

// RetryPolicy determines if and when a delivery is retried.
type RetryPolicy struct {
	config RetryConfig
}

// NewRetryPolicy creates a retry policy, filling unset fields with defaults.
func NewRetryPolicy(config RetryConfig) *RetryPolicy {
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = 500 * time.Millisecond
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = 10 * time.Second
	}
	if config.BackoffMultiplier <= 0 {
		config.BackoffMultiplier = 2.0
	}
	if config.RetryableStatusCodes == nil {
		config.RetryableStatusCodes = defaultRetryableStatusCodes()
	}
	return &RetryPolicy{config: config}
}

// Config returns a copy of the retry configuration.
func (rp *RetryPolicy) Config() RetryConfig {
	return rp.config
}

// ShouldRetry decides whether attempt (zero based) is followed by another
// one. A received status code takes precedence over err.
func (rp *RetryPolicy) ShouldRetry(statusCode int, err error, attempt int) bool {
	if attempt >= rp.config.MaxRetries {
		return false
	}
	if statusCode > 0 {
		return rp.config.RetryableStatusCodes[statusCode]
	}
	return IsRetryableError(err)
}

// CalculateBackoff returns the delay before retry attempt+1.
func (rp *RetryPolicy) CalculateBackoff(attempt int) time.Duration {
	backoff := time.Duration(float64(rp.config.InitialBackoff) * math.Pow(rp.config.BackoffMultiplier, float64(attempt)))
	if backoff > rp.config.MaxBackoff || backoff <= 0 {
		backoff = rp.config.MaxBackoff
	}

	if rp.config.Jitter && backoff >= 4 {
		// #nosec G404 - non-cryptographic random is fine for jitter
		backoff += time.Duration(rand.Int63n(int64(backoff / 4)))
	}
	return backoff
}

// Execute calls fn until it succeeds, returns a non-retryable result or the
// retries are exhausted. fn reports the HTTP status it received, or 0.
func (rp *RetryPolicy) Execute(ctx context.Context, fn func(context.Context) (int, error)) (int, error) {
	var (
		statusCode int
		lastErr    error
	)

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return statusCode, err
		}

		statusCode, lastErr = fn(ctx)
		if lastErr == nil {
			return statusCode, nil
		}

		if !rp.ShouldRetry(statusCode, lastErr, attempt) {
			if attempt == 0 {
				return statusCode, lastErr
			}
			return statusCode, fmt.Errorf("%w after %d attempts: %w", ErrMaxRetriesExceeded, attempt+1, lastErr)
		}

		timer := time.NewTimer(rp.CalculateBackoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return statusCode, errors.Join(lastErr, ctx.Err())
		case <-timer.C:
		}
	}
}

// IsRetryableError reports whether err is a transient transport failure.
// Certificate and protocol failures are permanent until the registration
// changes.
func IsRetryableError(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}

	var (
		verifyErr  *tls.CertificateVerificationError
		unknownCA  x509.UnknownAuthorityError
		hostErr    x509.HostnameError
		invalidErr x509.CertificateInvalidError
		alertErr   tls.AlertError
	)
	if errors.As(err, &verifyErr) || errors.As(err, &unknownCA) || errors.As(err, &hostErr) ||
		errors.As(err, &invalidErr) || errors.As(err, &alertErr) {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.IsTemporary || dnsErr.IsTimeout
	}
	return false
}
