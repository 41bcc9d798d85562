// Package settlement runs facilitator settlement once per payment header and
// keeps the outcome for replays.
package settlement

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/vitwit/x402-connector/facilitator"
	"github.com/vitwit/x402-connector/logger"
	"github.com/vitwit/x402-connector/metrics"
	"github.com/vitwit/x402-connector/types"
	"github.com/vitwit/x402-connector/utils"
)

const defaultFailure = "Settlement failed"

// SettlementService manages payment settlement for one processor.
type SettlementService struct {
	facilitator facilitator.Facilitator
	cache       Cache
	group       singleflight.Group
	timeout     time.Duration
	logger      logger.Logger
	metrics     metrics.Recorder
}

type Option func(*SettlementService)

// WithCache enables replay caching. Without a cache every call settles.
func WithCache(c Cache) Option {
	return func(s *SettlementService) {
		s.cache = c
	}
}

func WithLogger(l logger.Logger) Option {
	return func(s *SettlementService) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithMetrics(r metrics.Recorder) Option {
	return func(s *SettlementService) {
		if r != nil {
			s.metrics = r
		}
	}
}

// NewSettlementService creates a new settlement service
func NewSettlementService(f facilitator.Facilitator, timeout time.Duration, opts ...Option) *SettlementService {
	s := &SettlementService{
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

// Cached returns the stored outcome for key, if caching is enabled.
func (s *SettlementService) Cached(key string) (*types.SettlementResult, bool) {
	if s.cache == nil || key == "" {
		return nil, false
	}
	r, ok := s.cache.Get(key)
	if ok {
		s.metrics.IncCounter(metrics.EventSettleCacheHit, nil)
	}
	return r, ok
}

// Settle settles the payment identified by key. Concurrent calls for the same
// key share one facilitator call, and the outcome, success or failure, is
// cached when caching is enabled.
func (s *SettlementService) Settle(
	ctx context.Context,
	key string,
	payload *types.PaymentPayload,
	requirements *types.PaymentRequirements,
) *types.SettlementResult {
	if key == "" {
		return s.settle(ctx, payload, requirements)
	}

	v, _, _ := s.group.Do(key, func() (any, error) {
		if r, ok := s.Cached(key); ok {
			return r, nil
		}
		// A broadcast cannot be recalled, so a caller that stops waiting
		// does not abort the shared settlement.
		r := s.settle(context.WithoutCancel(ctx), payload, requirements)
		if s.cache != nil {
			s.cache.Set(key, r)
		}
		return r, nil
	})

	return cloneResult(v.(*types.SettlementResult))
}

func (s *SettlementService) settle(
	ctx context.Context,
	payload *types.PaymentPayload,
	requirements *types.PaymentRequirements,
) *types.SettlementResult {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	labels := metrics.Network(requirements.Network)
	start := time.Now()

	result := s.call(ctx, payload, requirements)

	s.metrics.ObserveLatency(metrics.OpSettle, time.Since(start), labels)
	if result.Success {
		s.metrics.IncCounter(metrics.EventSettleSuccess, labels)
		s.logger.Info("settlement successful", map[string]any{
			"transaction": result.TransactionHash,
			"network":     requirements.Network,
		})
	} else {
		s.metrics.IncCounter(metrics.EventSettleFailure, labels)
		s.logger.Error("settlement failed", map[string]any{
			"error":   result.Error,
			"network": requirements.Network,
		})
	}
	return result
}

func (s *SettlementService) call(
	ctx context.Context,
	payload *types.PaymentPayload,
	requirements *types.PaymentRequirements,
) (result *types.SettlementResult) {
	defer func() {
		if r := recover(); r != nil {
			result = &types.SettlementResult{
				Error: types.WithDetail(types.ReasonUnexpectedSettle, fmt.Sprint(r)),
			}
		}
	}()

	resp, err := s.facilitator.Settle(ctx, payload, requirements)
	if err != nil {
		return &types.SettlementResult{Error: types.WithDetail(types.ReasonUnexpectedSettle, err.Error())}
	}
	if resp == nil {
		return &types.SettlementResult{Error: types.ReasonUnexpectedSettle}
	}

	if !resp.Success {
		msg := resp.Error
		if msg == "" {
			msg = resp.ErrorReason
		}
		if msg == "" {
			msg = defaultFailure
		}
		return &types.SettlementResult{Error: msg}
	}

	encoded, err := utils.EncodeSettleResponse(resp)
	if err != nil {
		return &types.SettlementResult{Error: types.WithDetail(types.ReasonUnexpectedSettle, err.Error())}
	}

	return &types.SettlementResult{
		Success:         true,
		TransactionHash: resp.Transaction,
		Receipt:         resp.Receipt,
		EncodedResponse: encoded,
	}
}
