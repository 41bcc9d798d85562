// Package facilitator verifies and settles x402 payments, either locally
// against a chain RPC endpoint, through a remote facilitator service, or as a
// hybrid of both.
package facilitator

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/vitwit/x402-connector/clients"
	"github.com/vitwit/x402-connector/logger"
	"github.com/vitwit/x402-connector/store"
	"github.com/vitwit/x402-connector/types"
)

// Facilitator verifies a payment against requirements and settles it on chain.
// Request-time problems are reported in the returned values; implementations
// return an error only when they could not produce a result at all.
type Facilitator interface {
	Verify(ctx context.Context, payload *types.PaymentPayload, reqs *types.PaymentRequirements) (*types.VerificationResult, error)
	Settle(ctx context.Context, payload *types.PaymentPayload, reqs *types.PaymentRequirements) (*types.SettleResponse, error)
	Capabilities() Capabilities
}

// Capabilities tells callers up front which checks a facilitator performs.
type Capabilities struct {
	SignatureVerification bool `json:"signatureVerification"`
	BalanceCheck          bool `json:"balanceCheck"`
	Settlement            bool `json:"settlement"`
}

// EVMDialer opens an EVM client for an RPC URL.
type EVMDialer func(ctx context.Context, rpcURL string) (*clients.EVMClient, error)

// SolanaDialer opens a Solana client for an RPC URL.
type SolanaDialer func(rpcURL string) *clients.SolanaClient

type options struct {
	logger     logger.Logger
	nonces     store.NonceStore
	now        func() time.Time
	getenv     func(string) string
	httpClient *http.Client
	evmDial    EVMDialer
	solDial    SolanaDialer
	pollEvery  time.Duration
}

func defaultOptions() options {
	return options{
		logger:  logger.NoopLogger{},
		now:     time.Now,
		getenv:  os.Getenv,
		evmDial: clients.NewEVMClient,
		solDial: clients.NewSolanaClient,
	}
}

func buildOptions(opts []Option) options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

type Option func(*options)

func WithLogger(l logger.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithNonceStore replaces the in-memory nonce set of a local facilitator.
func WithNonceStore(s store.NonceStore) Option {
	return func(o *options) {
		o.nonces = s
	}
}

// WithClock overrides the time source used for validAfter/validBefore checks.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithEnv overrides the environment lookup for signer keys and RPC URLs.
func WithEnv(getenv func(string) string) Option {
	return func(o *options) {
		if getenv != nil {
			o.getenv = getenv
		}
	}
}

// WithHTTPClient sets the client a remote facilitator uses.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) {
		o.httpClient = c
	}
}

func WithEVMDialer(d EVMDialer) Option {
	return func(o *options) {
		if d != nil {
			o.evmDial = d
		}
	}
}

func WithSolanaDialer(d SolanaDialer) Option {
	return func(o *options) {
		if d != nil {
			o.solDial = d
		}
	}
}

// WithPollInterval sets how often receipts and confirmations are polled.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) {
		o.pollEvery = d
	}
}
