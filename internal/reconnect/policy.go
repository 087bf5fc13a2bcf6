package reconnect

import (
	"errors"
	"math/rand"
	"time"

	"github.com/ent0n29/rtbridge/internal/transport"
)

// ErrUnrecoverable reports that every reconnect attempt was spent. It is the
// only transport-level failure that surfaces to the application.
var ErrUnrecoverable = errors.New("reconnect: attempts exhausted")

// Policy bounds reconnection after a transport failure.
type Policy struct {
	Base        time.Duration
	Cap         time.Duration
	MaxAttempts int
	// JitterFrac spreads backoff by +/- this fraction; 0 means the 0.2
	// default. Rand may be injected for deterministic tests.
	JitterFrac float64
	Rand       *rand.Rand
}

func DefaultPolicy() Policy {
	return Policy{
		Base:        250 * time.Millisecond,
		Cap:         10 * time.Second,
		MaxAttempts: 5,
	}
}

// Backoff computes min(cap, base*2^attempt) with jitter applied.
func (p Policy) Backoff(attempt int) time.Duration {
	base := p.Base
	if base <= 0 {
		base = 250 * time.Millisecond
	}
	cap := p.Cap
	if cap <= 0 {
		cap = 10 * time.Second
	}

	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			d = cap
			break
		}
	}

	frac := p.JitterFrac
	if frac <= 0 {
		frac = 0.2
	}
	var r float64
	if p.Rand != nil {
		r = p.Rand.Float64()
	} else {
		r = rand.Float64()
	}
	// Spread across [1-frac, 1+frac].
	jittered := float64(d) * (1 - frac + 2*frac*r)
	return time.Duration(jittered)
}

// Retryable classifies whether a failure should go through the reconnect
// loop at all. Protocol-level errors (malformed frames, auth rejections)
// fail the session instead.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var connectErr *transport.ConnectError
	if errors.As(err, &connectErr) {
		return true
	}
	var sendErr *transport.SendError
	if errors.As(err, &sendErr) {
		return true
	}
	return errors.Is(err, transport.ErrClosed)
}

// RetryableUpstreamCode classifies upstream realtime error codes that are
// worth a reconnect rather than a terminal failure.
func RetryableUpstreamCode(code string) bool {
	switch code {
	case "rate_limited", "resource_exhausted", "queue_overflow", "server_error", "session_expired":
		return true
	default:
		return false
	}
}
