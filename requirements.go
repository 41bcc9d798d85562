package x402

import (
	"maps"
	"strings"

	"github.com/vitwit/x402-connector/types"
	"github.com/vitwit/x402-connector/utils"
)

// prepareRequirements resolves the request-independent parts of the
// requirements once: atomic amount, asset and scheme extras.
func (p *Processor) prepareRequirements() error {
	c := p.config

	amount, err := utils.PriceToAtomic(c.Price, c.AssetDecimals)
	if err != nil {
		return types.ConfigError("%v", err)
	}
	p.amount = amount

	info, known := types.LookupNetwork(c.Network)
	p.asset = c.Asset
	if p.asset == "" {
		p.asset = info.Asset
	}

	switch c.Family() {
	case types.ChainEVM:
		// The EIP-712 domain only describes the registry asset.
		if known && info.EIP712Name != "" && (c.Asset == "" || strings.EqualFold(c.Asset, info.Asset)) {
			p.extra = map[string]any{
				"name":    info.EIP712Name,
				"version": info.EIP712Version,
			}
		}
	case types.ChainSolana:
		p.extra = map[string]any{"decimals": c.AssetDecimals}
	}
	return nil
}

// Requirements returns the payment requirements for rc. The configuration
// always yields exactly one entry.
func (p *Processor) Requirements(rc *types.RequestContext) []types.PaymentRequirements {
	if rc == nil {
		rc = &types.RequestContext{}
	}
	c := p.config

	return []types.PaymentRequirements{{
		Scheme:            types.SchemeExact,
		Network:           c.Network,
		MaxAmountRequired: p.amount,
		Resource:          rc.AbsoluteURL,
		Description:       c.Description,
		MimeType:          c.MimeType,
		OutputSchema: map[string]any{
			"input": map[string]any{
				"type":         "http",
				"method":       strings.ToUpper(rc.Method),
				"discoverable": c.Discoverable,
			},
			"output": map[string]any{"type": c.MimeType},
		},
		PayTo:             c.PayToAddress,
		MaxTimeoutSeconds: c.MaxTimeoutSeconds,
		Asset:             p.asset,
		Extra:             maps.Clone(p.extra),
	}}
}

// MatchRequirements selects the entry matching the payment's scheme and
// network.
func MatchRequirements(requirements []types.PaymentRequirements, payload *types.PaymentPayload) (*types.PaymentRequirements, bool) {
	if payload == nil {
		return nil, false
	}
	for i := range requirements {
		r := &requirements[i]
		if r.Scheme == payload.Scheme && strings.EqualFold(r.Network, strings.TrimSpace(payload.Network)) {
			return r, true
		}
	}
	return nil, false
}
