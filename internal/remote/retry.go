package remote

import (
	"context"
	"crypto/rand"
	"errors"
	"io"
	"math"
	"math/big"
	"net"
	"syscall"
	"time"

	"github.com/JakeFAU/drive-backup/internal/backup"
)

// Retry limits accepted from configuration.
const (
	MinAttempts     = 1
	MaxAttempts     = 10
	DefaultAttempts = 8
)

// RetryPolicy implements exponential backoff with jitter for remote calls.
type RetryPolicy struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
}

// NewRetryPolicy builds a policy. Attempts are clamped to [1, 10] and
// non-positive delays fall back to the defaults.
func NewRetryPolicy(attempts int, baseDelay, maxDelay time.Duration) *RetryPolicy {
	if attempts <= 0 {
		attempts = DefaultAttempts
	}
	attempts = min(max(attempts, MinAttempts), MaxAttempts)
	if baseDelay <= 0 {
		baseDelay = 500 * time.Millisecond
	}
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}
	if maxDelay < baseDelay {
		maxDelay = baseDelay
	}
	return &RetryPolicy{maxAttempts: attempts, baseDelay: baseDelay, maxDelay: maxDelay}
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() *RetryPolicy {
	return NewRetryPolicy(DefaultAttempts, 0, 0)
}

// MaxAttempts returns the total number of tries, including the first.
func (p *RetryPolicy) MaxAttempts() int {
	return p.maxAttempts
}

// ShouldRetry decides whether another try is allowed after attempt tries
// (1-based) ended in err.
func (p *RetryPolicy) ShouldRetry(err error, attempt int) bool {
	if attempt >= p.maxAttempts {
		return false
	}
	return Retryable(err)
}

// Backoff returns the wait before the try following attempt (1-based). The
// delay doubles per attempt up to maxDelay; half of it is jittered uniformly.
func (p *RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.baseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	half := time.Duration(delay / 2)
	return half + randomJitter(half)
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}

// retryableStatus lists remote statuses treated as transient. 403 is included
// because the remote store reports per-user rate limiting with it.
var retryableStatus = map[int]bool{
	403: true,
	429: true,
	500: true,
	502: true,
	503: true,
}

// Retryable classifies err as transient. Cancellation never is.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, backup.ErrCanceled) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if code := backup.StatusCode(err); code != 0 {
		return retryableStatus[code]
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNABORTED) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
