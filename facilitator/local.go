package facilitator

import (
	"context"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/vitwit/x402-connector/config"
	"github.com/vitwit/x402-connector/logger"
	"github.com/vitwit/x402-connector/store"
	"github.com/vitwit/x402-connector/types"
	"github.com/vitwit/x402-connector/utils"
)

// Chain is the chain-family specific part of local verification and
// settlement. The verification algorithm itself is shared by all families.
type Chain interface {
	Family() types.ChainFamily

	// SameAddress compares two addresses under the family's rules.
	SameAddress(a, b string) bool

	// NonceKey normalizes a nonce for the replay set.
	NonceKey(nonce string) string

	// VerifySignature checks the authorization signature. checked is false
	// when there is nothing to check (no signature or incomplete domain).
	VerifySignature(ctx context.Context, payload *types.PaymentPayload, reqs *types.PaymentRequirements) (checked bool, err error)

	// Balance returns the payer's balance of reqs.Asset.
	Balance(ctx context.Context, rpcURL, payer string, reqs *types.PaymentRequirements) (*big.Int, error)

	Settle(ctx context.Context, opts SettleOptions, payload *types.PaymentPayload, reqs *types.PaymentRequirements) *types.SettleResponse

	Capabilities() Capabilities
}

// SettleOptions carries the resolved credentials and settle behaviour.
type SettleOptions struct {
	PrivateKey     string
	RPCURL         string
	Simulate       bool
	WaitForReceipt bool
	ReceiptTimeout time.Duration
}

// Local is the self-hosted facilitator.
type Local struct {
	chain  Chain
	cfg    config.LocalConfig
	nonces store.NonceStore
	log    logger.Logger
	now    func() time.Time
	getenv func(string) string
}

var _ Facilitator = (*Local)(nil)

func NewLocal(chain Chain, cfg config.LocalConfig, opts ...Option) *Local {
	o := buildOptions(opts)

	nonces := o.nonces
	if nonces == nil {
		nonces = store.NewMemoryNonceStore(cfg.NonceTTL)
	}

	return &Local{
		chain:  chain,
		cfg:    cfg,
		nonces: nonces,
		log:    o.logger,
		now:    o.now,
		getenv: o.getenv,
	}
}

func (l *Local) Capabilities() Capabilities {
	c := l.chain.Capabilities()
	c.BalanceCheck = c.BalanceCheck && l.cfg.VerifyBalance
	return c
}

// Verify runs the local verification steps in order and stops at the first
// failure. It never returns an error.
func (l *Local) Verify(ctx context.Context, payload *types.PaymentPayload, reqs *types.PaymentRequirements) (res *types.VerificationResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("verification panicked", map[string]any{"panic": fmt.Sprint(r)})
			res = types.Invalid(types.WithDetail(types.ReasonUnexpectedVerify, fmt.Sprint(r)))
			err = nil
		}
	}()

	res = l.verify(ctx, payload, reqs)
	if !res.IsValid {
		l.log.Debug("payment invalid", map[string]any{"reason": res.InvalidReason})
	}
	return res, nil
}

func (l *Local) verify(ctx context.Context, payload *types.PaymentPayload, reqs *types.PaymentRequirements) *types.VerificationResult {
	if payload == nil || reqs == nil {
		return types.Invalid(types.ReasonInvalidPayload)
	}

	if payload.X402Version != int(types.X402Version1) {
		return types.Invalid(types.ReasonInvalidVersion)
	}

	if payload.Scheme != types.SchemeExact || reqs.Scheme != types.SchemeExact {
		return types.Invalid(types.ReasonInvalidScheme)
	}
	if !strings.EqualFold(strings.TrimSpace(payload.Network), strings.TrimSpace(reqs.Network)) {
		return types.Invalid(types.ReasonInvalidNetwork)
	}

	auth := payload.Payload.Authorization

	if !l.chain.SameAddress(auth.To, reqs.PayTo) {
		return types.Invalid(types.ReasonRecipientMismatch)
	}

	value, ok := new(big.Int).SetString(auth.Value.String(), 10)
	required, reqOK := new(big.Int).SetString(strings.TrimSpace(reqs.MaxAmountRequired), 10)
	// Amounts are compared as canonical decimal strings: "010000" or
	// "+10000" do not match "10000".
	if !ok || !reqOK || value.Cmp(required) != 0 || auth.Value.String() != value.String() {
		return types.Invalid(types.ReasonAmountMismatch)
	}

	validAfter, err := parseUnix(auth.ValidAfter)
	if err != nil {
		return types.Invalid(types.WithDetail(types.ReasonInvalidPayload, "validAfter: "+err.Error()))
	}
	validBefore, err := parseUnix(auth.ValidBefore)
	if err != nil {
		return types.Invalid(types.WithDetail(types.ReasonInvalidPayload, "validBefore: "+err.Error()))
	}

	now := l.now().Unix()
	if now < validAfter {
		return types.Invalid(types.ReasonNotYetValid)
	}
	if validBefore > 0 && now > validBefore {
		return types.Invalid(types.ReasonExpired)
	}

	nonce := auth.Nonce.String()
	if nonce == "" {
		return types.Invalid(types.WithDetail(types.ReasonInvalidPayload, "missing nonce"))
	}
	key := l.chain.NonceKey(nonce)

	claimed, err := l.nonces.Claim(ctx, key)
	if err != nil {
		return types.Invalid(types.WithDetail(types.ReasonUnexpectedVerify, err.Error()))
	}
	if !claimed {
		return types.Invalid(types.ReasonNonceUsed)
	}

	if res := l.checkChain(ctx, payload, reqs, value); res != nil {
		if err := l.nonces.Release(context.WithoutCancel(ctx), key); err != nil {
			l.log.Warn("failed to release nonce", map[string]any{"error": err})
		}
		return res
	}

	return &types.VerificationResult{IsValid: true, Payer: auth.From}
}

// checkChain runs the signature and balance steps. A nil result means both
// passed or were skipped.
func (l *Local) checkChain(ctx context.Context, payload *types.PaymentPayload, reqs *types.PaymentRequirements, value *big.Int) (res *types.VerificationResult) {
	defer func() {
		if r := recover(); r != nil {
			res = types.Invalid(types.WithDetail(types.ReasonUnexpectedVerify, fmt.Sprint(r)))
		}
	}()

	if payload.Payload.Signature != "" && payload.Payload.Authorization.From != "" {
		checked, err := l.chain.VerifySignature(ctx, payload, reqs)
		if err != nil {
			return types.Invalid(types.WithDetail(types.ReasonInvalidSignature, err.Error()))
		}
		if !checked {
			l.log.Debug("signature check skipped", map[string]any{"network": reqs.Network})
		}
	}

	if l.cfg.VerifyBalance && l.chain.Capabilities().BalanceCheck {
		rpcURL := l.getenv(l.cfg.RPCURLEnv)
		if rpcURL == "" {
			return types.Invalid(types.WithDetail(types.ReasonUnexpectedVerify, l.cfg.RPCURLEnv+" not set"))
		}

		balance, err := l.chain.Balance(ctx, rpcURL, payload.Payload.Authorization.From, reqs)
		if err != nil {
			l.log.Warn("balance check failed", map[string]any{"error": err, "network": reqs.Network})
			return types.Invalid(types.WithDetail(types.ReasonUnexpectedVerify, "balance check failed"))
		}
		if balance.Cmp(value) < 0 {
			if info, ok := types.LookupNetwork(reqs.Network); ok {
				l.log.Debug("insufficient balance", map[string]any{
					"balance":  utils.FormatAmountFromBigInt(balance, info.Decimals),
					"required": utils.FormatAmountFromBigInt(value, info.Decimals),
				})
			}
			return types.Invalid(types.ReasonInsufficientBalance)
		}
	}

	return nil
}

// Settle resolves the signer credentials from the environment and hands the
// transfer to the chain backend. Failures are reported in the response.
func (l *Local) Settle(ctx context.Context, payload *types.PaymentPayload, reqs *types.PaymentRequirements) (resp *types.SettleResponse, err error) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("settlement panicked", map[string]any{"panic": fmt.Sprint(r)})
			resp = types.SettleFailure(types.WithDetail(types.ReasonUnexpectedSettle, fmt.Sprint(r)))
			err = nil
		}
	}()

	if payload == nil || reqs == nil {
		return types.SettleFailure(types.ReasonInvalidPayload), nil
	}

	key := strings.TrimSpace(l.getenv(l.cfg.PrivateKeyEnv))
	if key == "" {
		return types.SettleFailure(l.cfg.PrivateKeyEnv + " not set"), nil
	}
	rpcURL := strings.TrimSpace(l.getenv(l.cfg.RPCURLEnv))
	if rpcURL == "" {
		return types.SettleFailure(l.cfg.RPCURLEnv + " not set"), nil
	}

	receiptTimeout := l.cfg.ReceiptTimeout
	if receiptTimeout <= 0 {
		receiptTimeout = config.DefaultReceiptTimeout
	}

	resp = l.chain.Settle(ctx, SettleOptions{
		PrivateKey:     key,
		RPCURL:         rpcURL,
		Simulate:       l.cfg.SimulateBeforeSend,
		WaitForReceipt: l.cfg.WaitForReceipt,
		ReceiptTimeout: receiptTimeout,
	}, payload, reqs)

	if resp == nil {
		resp = types.SettleFailure(types.ReasonUnexpectedSettle)
	}
	if resp.Network == "" {
		resp.Network = reqs.Network
	}
	if resp.Payer == "" {
		resp.Payer = payload.Payload.Authorization.From
	}

	if resp.Success {
		l.log.Info("payment settled", map[string]any{"transaction": resp.Transaction, "network": resp.Network})
	} else {
		l.log.Warn("settlement failed", map[string]any{"error": resp.Error, "network": resp.Network})
	}
	return resp, nil
}

func parseUnix(n types.NumericString) (int64, error) {
	s := n.String()
	if s == "" {
		return 0, nil
	}
	return strconv.ParseInt(s, 10, 64)
}
