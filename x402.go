// Package x402 gates protected resources behind x402 payments. A Processor
// decides per request whether to allow or deny, verifies the X-PAYMENT header
// through a facilitator and settles the payment once the handler succeeded.
package x402

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/vitwit/x402-connector/config"
	"github.com/vitwit/x402-connector/facilitator"
	"github.com/vitwit/x402-connector/logger"
	"github.com/vitwit/x402-connector/metrics"
	"github.com/vitwit/x402-connector/settlement"
	"github.com/vitwit/x402-connector/store"
	"github.com/vitwit/x402-connector/types"
	"github.com/vitwit/x402-connector/utils"
	"github.com/vitwit/x402-connector/verification"
)

// Version information
const (
	Version         = "1.0.0"
	ProtocolVersion = int(types.X402Version1)
)

const defaultTimeout = 30 * time.Second

// Deny messages returned to clients.
const (
	ErrMissingHeader   = "No X-PAYMENT header provided"
	ErrMalformedHeader = "Invalid payment header format"
	ErrNoMatch         = "No matching payment requirements found"
	ErrNoSettleMatch   = "No matching requirements for settlement"
	ErrSettleFailed    = "Payment settlement failed"
	invalidPaymentFmt  = "Invalid payment: %s"
)

// Processor is the framework-neutral payment engine. It is safe for
// concurrent use.
type Processor struct {
	config      *config.Config
	facilitator facilitator.Facilitator
	verifier    *verification.VerificationService
	settler     *settlement.SettlementService

	logger  logger.Logger
	metrics metrics.Recorder
	timeout time.Duration
	cache   settlement.Cache
	nonces  store.NonceStore

	amount string
	asset  string
	extra  map[string]any
}

// New validates cfg and builds a processor. The facilitator is derived from
// cfg unless WithFacilitator is given.
func New(cfg *config.Config, opts ...Option) (*Processor, error) {
	if cfg == nil {
		return nil, types.ConfigError("config is required")
	}

	c, err := config.New(*cfg)
	if err != nil {
		return nil, err
	}

	p := &Processor{
		config:  c,
		logger:  logger.NoopLogger{},
		metrics: metrics.NoopRecorder{},
		timeout: defaultTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = logger.WithFields(p.logger, map[string]any{"network": c.Network})

	if err := p.prepareRequirements(); err != nil {
		return nil, err
	}

	if p.facilitator == nil {
		fopts := []facilitator.Option{facilitator.WithLogger(p.logger)}
		if p.nonces != nil {
			fopts = append(fopts, facilitator.WithNonceStore(p.nonces))
		}
		p.facilitator, err = facilitator.New(c, fopts...)
		if err != nil {
			return nil, err
		}
	}

	sopts := []settlement.Option{
		settlement.WithLogger(p.logger),
		settlement.WithMetrics(p.metrics),
	}
	if c.ReplayCacheEnabled {
		if p.cache == nil {
			p.cache = settlement.NewMemoryCache(c.ReplayCacheTTL)
		}
		sopts = append(sopts, settlement.WithCache(p.cache))
	}

	p.verifier = verification.NewVerificationService(p.facilitator, p.timeout,
		verification.WithLogger(p.logger),
		verification.WithMetrics(p.metrics),
	)
	p.settler = settlement.NewSettlementService(p.facilitator, p.timeout, sopts...)

	p.logger.Info("x402 processor ready", map[string]any{
		"mode":     c.FacilitatorMode,
		"price":    c.Price,
		"amount":   p.amount,
		"asset":    p.asset,
		"paths":    c.ProtectedPaths,
		"settle":   c.SettlePolicy,
		"caching":  c.ReplayCacheEnabled,
		"features": p.facilitator.Capabilities(),
	})
	return p, nil
}

// Config returns a deep copy of the validated configuration.
func (p *Processor) Config() config.Config {
	return *p.config.Clone()
}

// SettlePolicy tells adapters what to do when settlement fails.
func (p *Processor) SettlePolicy() string {
	return p.config.SettlePolicy
}

// Logger is the logger the processor was built with.
func (p *Processor) Logger() logger.Logger {
	return p.logger
}

func (p *Processor) Capabilities() facilitator.Capabilities {
	return p.facilitator.Capabilities()
}

// ProcessRequest decides whether rc may reach the protected handler.
func (p *Processor) ProcessRequest(ctx context.Context, rc *types.RequestContext) (result *types.ProcessingResult) {
	if rc == nil {
		rc = &types.RequestContext{}
	}

	if !p.IsProtected(rc.Path) {
		return &types.ProcessingResult{Action: types.ActionAllow}
	}

	requirements := p.Requirements(rc)
	deny := func(msg string) *types.ProcessingResult {
		return &types.ProcessingResult{
			Action:       types.ActionDeny,
			Requirements: requirements,
			Error:        msg,
		}
	}

	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("payment processing panicked", map[string]any{"panic": fmt.Sprint(r), "path": rc.Path})
			result = deny(fmt.Sprintf(invalidPaymentFmt, types.ReasonUnexpectedVerify))
		}
	}()

	header := strings.TrimSpace(rc.PaymentHeader)
	if header == "" {
		return deny(ErrMissingHeader)
	}

	payload, err := utils.DecodePaymentHeader(header)
	if err != nil {
		p.logger.Warn("failed to parse payment header", map[string]any{"error": err, "path": rc.Path})
		return deny(ErrMalformedHeader)
	}

	selected, ok := MatchRequirements(requirements, payload)
	if !ok {
		return deny(ErrNoMatch)
	}

	res := p.verifier.Verify(ctx, payload, selected)
	if !res.IsValid {
		reason := res.InvalidReason
		if reason == "" {
			reason = "unknown_error"
		}
		p.logger.Info("payment verification failed", map[string]any{"reason": reason, "path": rc.Path})
		return deny(fmt.Sprintf(invalidPaymentFmt, types.ReasonCode(reason)))
	}

	p.logger.Info("payment verified", map[string]any{"payer": res.Payer, "path": rc.Path})
	return &types.ProcessingResult{
		Action:          types.ActionAllow,
		PaymentVerified: true,
		PayerAddress:    res.Payer,
	}
}

// SettlePayment settles the payment carried by rc. With replay caching on, a
// header that was settled before returns the stored outcome and the
// facilitator is not called again.
func (p *Processor) SettlePayment(ctx context.Context, rc *types.RequestContext) (result *types.SettlementResult) {
	if rc == nil {
		rc = &types.RequestContext{}
	}

	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("settlement panicked", map[string]any{"panic": fmt.Sprint(r)})
			result = &types.SettlementResult{Error: types.WithDetail(types.ReasonUnexpectedSettle, fmt.Sprint(r))}
		}
	}()

	// The cache is keyed by the header exactly as received.
	if cached, ok := p.settler.Cached(rc.PaymentHeader); ok {
		p.logger.Info("using cached settlement result", map[string]any{"success": cached.Success})
		return cached
	}

	header := strings.TrimSpace(rc.PaymentHeader)
	if header == "" {
		return &types.SettlementResult{Error: ErrMissingHeader}
	}

	payload, err := utils.DecodePaymentHeader(header)
	if err != nil {
		p.logger.Warn("failed to parse payment header", map[string]any{"error": err})
		return &types.SettlementResult{Error: ErrMalformedHeader}
	}

	selected, ok := MatchRequirements(p.Requirements(rc), payload)
	if !ok {
		return &types.SettlementResult{Error: ErrNoSettleMatch}
	}

	return p.settler.Settle(ctx, rc.PaymentHeader, payload, selected)
}

// SettlementRequired renders the 402 body sent when settlement of an
// otherwise served request fails under the block-on-failure policy.
func (p *Processor) SettlementRequired(rc *types.RequestContext) types.X402Response {
	return PaymentRequired(&types.ProcessingResult{
		Action:       types.ActionDeny,
		Requirements: p.Requirements(rc),
		Error:        ErrSettleFailed,
	})
}

// BlockOnSettleFailure reports whether a failed settlement replaces the
// handler's response.
func (p *Processor) BlockOnSettleFailure() bool {
	return p.config.SettlePolicy != config.PolicyLogAndContinue
}

// PaymentRequired builds the 402 response body for a denied request.
func PaymentRequired(result *types.ProcessingResult) types.X402Response {
	resp := types.X402Response{
		X402Version: ProtocolVersion,
		Accepts:     []types.PaymentRequirements{},
	}
	if result != nil {
		if len(result.Requirements) > 0 {
			resp.Accepts = result.Requirements
		}
		resp.Error = result.Error
	}
	return resp
}
