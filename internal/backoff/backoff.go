// Package backoff provides the exponential delay schedule shared by the
// mutation pusher and the live channel reconnector.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Delay returns the delay before attempt n (0-based): base*2^n plus up to
// half of base in jitter, capped at max. Jitter keeps a fleet of clients
// from retrying in lockstep after a server outage.
func Delay(attempt int, base, max time.Duration) time.Duration {
	jitter := time.Duration(rand.Float64() * float64(base) * 0.5)
	return time.Duration(math.Min(
		float64(base)*math.Pow(2, float64(attempt))+float64(jitter),
		float64(max),
	))
}

// Reconnector tracks consecutive connection attempts. A connection that
// stayed up past stableAfter resets the schedule, so a single drop after a
// long healthy stretch reconnects quickly.
type Reconnector struct {
	base        time.Duration
	max         time.Duration
	stableAfter time.Duration
	attempt     int
	connectedAt time.Time
}

func NewReconnector(base, max time.Duration) *Reconnector {
	return &Reconnector{base: base, max: max, stableAfter: 60 * time.Second}
}

func (r *Reconnector) MarkConnected() {
	r.connectedAt = time.Now()
}

func (r *Reconnector) NextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > r.stableAfter {
		r.attempt = 0
	}
	d := Delay(r.attempt, r.base, r.max)
	r.attempt++
	return d
}

func (r *Reconnector) Reset() {
	r.attempt = 0
	r.connectedAt = time.Time{}
}
