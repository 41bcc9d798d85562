package facilitator

import (
	"github.com/vitwit/x402-connector/config"
	"github.com/vitwit/x402-connector/types"
)

// NewChain returns the backend for a chain family.
func NewChain(family types.ChainFamily, opts ...Option) (Chain, error) {
	switch family {
	case types.ChainEVM:
		return NewEVMChain(opts...), nil
	case types.ChainSolana:
		return NewSolanaChain(opts...), nil
	default:
		return nil, &types.X402Error{
			Code:    types.ErrUnsupportedNetwork,
			Message: "unsupported chain family: " + string(family),
		}
	}
}

// New builds the facilitator selected by cfg.FacilitatorMode for the chain
// family of cfg.Network.
func New(cfg *config.Config, opts ...Option) (Facilitator, error) {
	if cfg == nil {
		return nil, types.ConfigError("config is required")
	}

	local := func() (Facilitator, error) {
		family, err := types.DetectChainFamily(cfg.Network)
		if err != nil {
			return nil, err
		}
		chain, err := NewChain(family, opts...)
		if err != nil {
			return nil, err
		}
		lc := config.DefaultLocalConfig()
		if cfg.Local != nil {
			lc = *cfg.Local
		}
		return NewLocal(chain, lc, opts...), nil
	}

	remote := func() (Facilitator, error) {
		if cfg.Remote == nil {
			return nil, types.ConfigError("remote facilitator config required when facilitator_mode='%s'", cfg.FacilitatorMode)
		}
		return NewRemote(*cfg.Remote, opts...), nil
	}

	switch cfg.FacilitatorMode {
	case config.ModeLocal, "":
		return local()
	case config.ModeRemote:
		return remote()
	case config.ModeHybrid:
		l, err := local()
		if err != nil {
			return nil, err
		}
		r, err := remote()
		if err != nil {
			return nil, err
		}
		return NewHybrid(l, r, !cfg.Remote.DisableFallback, opts...), nil
	default:
		return nil, types.ConfigError("facilitator_mode must be one of 'local', 'remote', 'hybrid', got '%s'", cfg.FacilitatorMode)
	}
}
