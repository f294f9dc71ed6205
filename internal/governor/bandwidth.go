package governor

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// BandwidthShaper applies outbound byte-rate limiting on event stream
// traffic, one limiter per key (the transports key it by connection id),
// independent of the command-count rate windows above. Connections
// receiving large bash/vterm output get smoothed rather than dropped.
type BandwidthShaper struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rateVal  rate.Limit
	burst    int
}

// NewBandwidthShaper creates a shaper with the given sustained rate
// (bytes/sec) and burst (bytes).
func NewBandwidthShaper(bytesPerSec, burst int) *BandwidthShaper {
	return &BandwidthShaper{
		limiters: make(map[string]*rate.Limiter),
		rateVal:  rate.Limit(bytesPerSec),
		burst:    burst,
	}
}

// Wait blocks until the key's limiter allows n bytes, or ctx is done.
func (b *BandwidthShaper) Wait(ctx context.Context, sessionID string, n int) error {
	lim := b.limiter(sessionID)
	if n <= b.burst {
		return lim.WaitN(ctx, n)
	}
	for n > 0 {
		chunk := n
		if chunk > b.burst {
			chunk = b.burst
		}
		if err := lim.WaitN(ctx, chunk); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}

func (b *BandwidthShaper) limiter(sessionID string) *rate.Limiter {
	b.mu.Lock()
	defer b.mu.Unlock()
	lim, ok := b.limiters[sessionID]
	if !ok {
		lim = rate.NewLimiter(b.rateVal, b.burst)
		b.limiters[sessionID] = lim
	}
	return lim
}

// Forget drops the limiter for a key; the transports call it when a
// connection closes.
func (b *BandwidthShaper) Forget(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.limiters, sessionID)
}
