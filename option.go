package pay402

import (
	"time"

	"github.com/vitwit/pay402/issuer"
	"github.com/vitwit/pay402/logger"
	"github.com/vitwit/pay402/metrics"
	"github.com/vitwit/pay402/settlement"
)

type Option func(*Pay402)

func WithLogger(l logger.Logger) Option {
	return func(p *Pay402) {
		p.logger = l
	}
}

func WithMetrics(r metrics.Recorder) Option {
	return func(p *Pay402) {
		p.metrics = r
	}
}

func WithTimeout(t time.Duration) Option {
	return func(p *Pay402) {
		if t > 0 {
			p.timeout = t
		}
	}
}

// WithClaimStore shares issued claims between instances.
func WithClaimStore(s issuer.ClaimStore) Option {
	return func(p *Pay402) {
		p.claims = s
	}
}

// WithDedupeStore shares settlement records between instances.
func WithDedupeStore(s settlement.DedupeStore) Option {
	return func(p *Pay402) {
		p.dedupe = s
	}
}

func WithLease(d time.Duration) Option {
	return func(p *Pay402) {
		p.lease = d
	}
}

func WithClock(now func() time.Time) Option {
	return func(p *Pay402) {
		p.now = now
	}
}
