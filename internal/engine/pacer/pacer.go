// Package pacer implements an optional global speed limiter shared by
// every Segment Fetcher: a golang.org/x/time/rate token bucket gating
// bytes per read, with a zero-overhead fast path when disabled.
package pacer

import (
	"context"
	"sync/atomic"

	"golang.org/x/time/rate"
)

// Pacer throttles aggregate byte throughput across every Segment Fetcher
// sharing it. A nil *Pacer (or one built with limit<=0) is a no-op.
type Pacer struct {
	limiter *rate.Limiter
	enabled atomic.Bool
}

// New returns a Pacer enforcing kbPerSec kilobytes/sec. kbPerSec <= 0
// disables pacing entirely.
func New(kbPerSec int) *Pacer {
	p := &Pacer{limiter: rate.NewLimiter(rate.Inf, 0)}
	p.SetLimit(kbPerSec)
	return p
}

// SetLimit updates the limit at runtime. kbPerSec <= 0 disables pacing.
func (p *Pacer) SetLimit(kbPerSec int) {
	if kbPerSec <= 0 {
		p.enabled.Store(false)
		p.limiter.SetLimit(rate.Inf)
		return
	}
	bytesPerSec := kbPerSec * 1024
	p.enabled.Store(true)
	p.limiter.SetLimit(rate.Limit(bytesPerSec))
	p.limiter.SetBurst(bytesPerSec) // allow bursting up to one second's worth
}

// Wait blocks until n bytes may be sent, or returns ctx.Err() if the
// context is cancelled first. Returns immediately if pacing is disabled.
// n is consumed in burst-sized slices so a read buffer larger than the
// configured limit doesn't exceed rate.Limiter's per-call burst cap.
func (p *Pacer) Wait(ctx context.Context, n int) error {
	if p == nil || !p.enabled.Load() {
		return nil
	}
	burst := p.limiter.Burst()
	for n > 0 {
		chunk := n
		if burst > 0 && chunk > burst {
			chunk = burst
		}
		if err := p.limiter.WaitN(ctx, chunk); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}
