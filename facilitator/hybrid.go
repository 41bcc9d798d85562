package facilitator

import (
	"context"
	"fmt"

	"github.com/vitwit/x402-connector/logger"
	"github.com/vitwit/x402-connector/types"
)

// Hybrid verifies locally and settles remotely. With fallback enabled a local
// error or rejection is retried against the remote facilitator.
type Hybrid struct {
	local    Facilitator
	remote   Facilitator
	fallback bool
	log      logger.Logger
}

var _ Facilitator = (*Hybrid)(nil)

func NewHybrid(local, remote Facilitator, fallback bool, opts ...Option) *Hybrid {
	o := buildOptions(opts)
	return &Hybrid{
		local:    local,
		remote:   remote,
		fallback: fallback,
		log:      o.logger,
	}
}

func (h *Hybrid) Capabilities() Capabilities {
	c := h.local.Capabilities()
	c.Settlement = h.remote.Capabilities().Settlement
	return c
}

func (h *Hybrid) Verify(ctx context.Context, payload *types.PaymentPayload, reqs *types.PaymentRequirements) (*types.VerificationResult, error) {
	res, err := h.verifyLocal(ctx, payload, reqs)
	if err == nil && res != nil && res.IsValid {
		return res, nil
	}
	if !h.fallback {
		return res, err
	}

	fields := map[string]any{"error": err}
	if res != nil {
		fields["reason"] = res.InvalidReason
	}
	h.log.Info("local verification failed, falling back to remote", fields)

	return h.remote.Verify(ctx, payload, reqs)
}

func (h *Hybrid) verifyLocal(ctx context.Context, payload *types.PaymentPayload, reqs *types.PaymentRequirements) (res *types.VerificationResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			res, err = nil, fmt.Errorf("local verify panicked: %v", r)
		}
	}()
	return h.local.Verify(ctx, payload, reqs)
}

func (h *Hybrid) Settle(ctx context.Context, payload *types.PaymentPayload, reqs *types.PaymentRequirements) (*types.SettleResponse, error) {
	return h.remote.Settle(ctx, payload, reqs)
}
