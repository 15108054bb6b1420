package throttle

import (
	"context"
	"errors"
	"io"
	"math/rand"
	"net"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/iota-uz/crm-ingest/pkg/logging"
)

// RetryPolicy retries an operation with exponential backoff and jitter.
// Only errors the predicate accepts are retried; anything else propagates
// on the first failure.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	JitterFrac  float64
	Retriable   func(error) bool
	Logger      *logrus.Entry
	Rand        *rand.Rand

	randMu sync.Mutex
}

func (p *RetryPolicy) setDefaults() {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 5
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 500 * time.Millisecond
	}
	if p.JitterFrac <= 0 {
		p.JitterFrac = 0.3
	}
	if p.Retriable == nil {
		p.Retriable = IsTransport
	}
	if p.Logger == nil {
		p.Logger = logging.Nop()
	}
	if p.Rand == nil {
		p.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
}

// Do runs op up to MaxAttempts times. The delay before attempt n+1 is
// BaseDelay * 2^(n-1), jittered by +/- JitterFrac.
func (p *RetryPolicy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	p.setDefaults()

	var lastErr error
	delay := p.BaseDelay
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if !p.Retriable(lastErr) {
			return lastErr
		}
		if attempt == p.MaxAttempts {
			break
		}

		p.Logger.WithError(lastErr).WithField("attempt", attempt).Warn("throttle: transient failure, retrying")

		p.randMu.Lock()
		jittered := delay + time.Duration((p.Rand.Float64()*2-1)*p.JitterFrac*float64(delay))
		p.randMu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jittered):
		}
		delay *= 2
	}
	return lastErr
}

// IsTransport reports whether err is a transport-class failure worth
// retrying: timeouts, connection resets, broken pipes.
func IsTransport(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ETIMEDOUT) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "connection reset") || strings.Contains(msg, "broken pipe")
}
