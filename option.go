package x402

import (
	"time"

	"github.com/vitwit/x402-connector/facilitator"
	"github.com/vitwit/x402-connector/logger"
	"github.com/vitwit/x402-connector/metrics"
	"github.com/vitwit/x402-connector/settlement"
	"github.com/vitwit/x402-connector/store"
)

type Option func(*Processor)

func WithLogger(l logger.Logger) Option {
	return func(p *Processor) {
		if l != nil {
			p.logger = l
		}
	}
}

func WithMetrics(r metrics.Recorder) Option {
	return func(p *Processor) {
		if r != nil {
			p.metrics = r
		}
	}
}

// WithTimeout bounds each facilitator verify and settle call.
func WithTimeout(t time.Duration) Option {
	return func(p *Processor) {
		p.timeout = t
	}
}

// WithFacilitator replaces the facilitator New would derive from the config.
func WithFacilitator(f facilitator.Facilitator) Option {
	return func(p *Processor) {
		p.facilitator = f
	}
}

// WithSettlementCache replaces the in-memory replay cache. It has no effect
// when replay caching is disabled in the config.
func WithSettlementCache(c settlement.Cache) Option {
	return func(p *Processor) {
		p.cache = c
	}
}

// WithNonceStore replaces the in-memory nonce set of the local facilitator.
func WithNonceStore(s store.NonceStore) Option {
	return func(p *Processor) {
		p.nonces = s
	}
}
