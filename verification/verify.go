// Package verification wraps a facilitator's Verify with the request-time
// guarantees the processor relies on.
package verification

import (
	"context"
	"fmt"
	"time"

	"github.com/vitwit/x402-connector/facilitator"
	"github.com/vitwit/x402-connector/logger"
	"github.com/vitwit/x402-connector/metrics"
	"github.com/vitwit/x402-connector/types"
)

// VerificationService bounds verification with a timeout and always produces
// a result: facilitator errors and panics become unexpected_verify_error.
type VerificationService struct {
	facilitator facilitator.Facilitator
	timeout     time.Duration
	logger      logger.Logger
	metrics     metrics.Recorder
}

type Option func(*VerificationService)

func WithLogger(l logger.Logger) Option {
	return func(s *VerificationService) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithMetrics(r metrics.Recorder) Option {
	return func(s *VerificationService) {
		if r != nil {
			s.metrics = r
		}
	}
}

// NewVerificationService creates a new verification service. A zero timeout
// leaves the caller's deadline in charge.
func NewVerificationService(f facilitator.Facilitator, timeout time.Duration, opts ...Option) *VerificationService {
	s := &VerificationService{
		facilitator: f,
		timeout:     timeout,
		logger:      logger.NoopLogger{},
		metrics:     metrics.NoopRecorder{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Verify verifies a payment against requirements.
func (s *VerificationService) Verify(
	ctx context.Context,
	payload *types.PaymentPayload,
	requirements *types.PaymentRequirements,
) *types.VerificationResult {
	verifyCtx := ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		verifyCtx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	labels := metrics.Network(requirements.Network)
	start := time.Now()

	result := s.call(verifyCtx, payload, requirements)

	s.metrics.ObserveLatency(metrics.OpVerify, time.Since(start), labels)
	if result.IsValid {
		s.metrics.IncCounter(metrics.EventVerifyValid, labels)
	} else {
		s.metrics.IncCounter(metrics.EventVerifyInvalid, labels)
	}
	return result
}

func (s *VerificationService) call(
	ctx context.Context,
	payload *types.PaymentPayload,
	requirements *types.PaymentRequirements,
) (result *types.VerificationResult) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("facilitator verify panicked", map[string]any{"panic": fmt.Sprint(r)})
			result = types.Invalid(types.WithDetail(types.ReasonUnexpectedVerify, fmt.Sprint(r)))
		}
	}()

	result, err := s.facilitator.Verify(ctx, payload, requirements)
	if err != nil {
		s.logger.Warn("facilitator verify failed", map[string]any{"error": err, "network": requirements.Network})
		return types.Invalid(types.WithDetail(types.ReasonUnexpectedVerify, err.Error()))
	}
	if result == nil {
		return types.Invalid(types.ReasonUnexpectedVerify)
	}
	return result
}
