package facilitator

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/vitwit/x402-connector/clients"
	"github.com/vitwit/x402-connector/logger"
	"github.com/vitwit/x402-connector/types"
)

// SolanaChain verifies Ed25519 signed authorizations and settles them as SPL
// TransferChecked instructions signed by an approved delegate of the payer's
// token account.
type SolanaChain struct {
	dial SolanaDialer
	log  logger.Logger
	poll time.Duration
}

var _ Chain = (*SolanaChain)(nil)

func NewSolanaChain(opts ...Option) *SolanaChain {
	o := buildOptions(opts)
	return &SolanaChain{dial: o.solDial, log: o.logger, poll: o.pollEvery}
}

func (c *SolanaChain) Family() types.ChainFamily { return types.ChainSolana }

func (c *SolanaChain) Capabilities() Capabilities {
	return Capabilities{SignatureVerification: true, BalanceCheck: true, Settlement: true}
}

// SameAddress compares base58 strings exactly.
func (c *SolanaChain) SameAddress(a, b string) bool {
	return strings.TrimSpace(a) == strings.TrimSpace(b)
}

func (c *SolanaChain) NonceKey(nonce string) string {
	return strings.TrimSpace(nonce)
}

// SigningMessage is the byte string a Solana payer signs:
// from|to|value|validAfter|validBefore|nonce.
func SigningMessage(auth types.Authorization) []byte {
	return []byte(strings.Join([]string{
		auth.From,
		auth.To,
		auth.Value.String(),
		orZero(auth.ValidAfter.String()),
		orZero(auth.ValidBefore.String()),
		auth.Nonce.String(),
	}, "|"))
}

// decodeSolanaSignature accepts 0x-hex, base58 and base64 encodings.
func decodeSolanaSignature(s string) (solana.Signature, error) {
	s = strings.TrimSpace(s)

	if rest, ok := strings.CutPrefix(s, "0x"); ok {
		b, err := hex.DecodeString(rest)
		if err != nil {
			return solana.Signature{}, fmt.Errorf("invalid hex signature: %w", err)
		}
		return signatureFromBytes(b)
	}

	if sig, err := solana.SignatureFromBase58(s); err == nil {
		return sig, nil
	}

	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return solana.Signature{}, errors.New("signature is neither base58 nor base64")
	}
	return signatureFromBytes(b)
}

func signatureFromBytes(b []byte) (solana.Signature, error) {
	if len(b) != 64 {
		return solana.Signature{}, fmt.Errorf("signature must be 64 bytes, got %d", len(b))
	}
	return solana.SignatureFromBytes(b), nil
}

func (c *SolanaChain) VerifySignature(_ context.Context, payload *types.PaymentPayload, _ *types.PaymentRequirements) (bool, error) {
	if payload.Payload.Signature == "" {
		return false, nil
	}

	auth := payload.Payload.Authorization
	pubkey, err := solana.PublicKeyFromBase58(auth.From)
	if err != nil {
		return true, fmt.Errorf("invalid from address: %w", err)
	}

	sig, err := decodeSolanaSignature(payload.Payload.Signature)
	if err != nil {
		return true, err
	}

	if !sig.Verify(pubkey, SigningMessage(auth)) {
		return true, errors.New("ed25519 verification failed")
	}
	return true, nil
}

func (c *SolanaChain) Balance(ctx context.Context, rpcURL, payer string, reqs *types.PaymentRequirements) (*big.Int, error) {
	owner, err := solana.PublicKeyFromBase58(payer)
	if err != nil {
		return nil, fmt.Errorf("invalid payer address: %w", err)
	}
	mint, err := solana.PublicKeyFromBase58(reqs.Asset)
	if err != nil {
		return nil, fmt.Errorf("invalid asset address: %w", err)
	}

	return c.dial(rpcURL).TokenBalance(ctx, owner, mint)
}

func (c *SolanaChain) Settle(ctx context.Context, opts SettleOptions, payload *types.PaymentPayload, reqs *types.PaymentRequirements) *types.SettleResponse {
	delegate, err := solana.PrivateKeyFromBase58(opts.PrivateKey)
	if err != nil {
		return types.SettleFailure("invalid signer key")
	}

	auth := payload.Payload.Authorization
	from, err := solana.PublicKeyFromBase58(auth.From)
	if err != nil {
		return types.SettleFailure(fmt.Sprintf("invalid from address: %v", err))
	}
	to, err := solana.PublicKeyFromBase58(auth.To)
	if err != nil {
		return types.SettleFailure(fmt.Sprintf("invalid to address: %v", err))
	}
	mint, err := solana.PublicKeyFromBase58(reqs.Asset)
	if err != nil {
		return types.SettleFailure(fmt.Sprintf("invalid asset address: %v", err))
	}
	amount, ok := new(big.Int).SetString(auth.Value.String(), 10)
	if !ok {
		return types.SettleFailure("invalid value")
	}

	transfer := &clients.DelegatedTransfer{
		Mint:      mint,
		Decimals:  tokenDecimals(reqs),
		From:      from,
		To:        to,
		Amount:    amount,
		Delegate:  delegate,
		CreateATA: true,
	}

	client := c.dial(opts.RPCURL)
	client.SetPollInterval(c.poll)

	if err := client.CheckDelegate(ctx, transfer); err != nil {
		return types.SettleFailure(err.Error())
	}

	tx, err := client.BuildTransfer(ctx, transfer)
	if err != nil {
		return types.SettleFailure(err.Error())
	}

	if opts.Simulate {
		if err := client.Simulate(ctx, tx); err != nil {
			return types.SettleFailure(err.Error())
		}
	}

	sig, err := client.Send(ctx, tx)
	if err != nil {
		return types.SettleFailure(err.Error())
	}

	resp := &types.SettleResponse{
		Success:     true,
		Transaction: sig.String(),
		Network:     reqs.Network,
		Payer:       auth.From,
	}

	if !opts.WaitForReceipt {
		return resp
	}

	waitCtx, cancel := context.WithTimeout(ctx, opts.ReceiptTimeout)
	defer cancel()

	status, err := client.WaitForConfirmation(waitCtx, sig)
	if status != nil {
		resp.Receipt = map[string]any{
			"slot":               status.Slot,
			"confirmationStatus": string(status.ConfirmationStatus),
		}
	}
	if err != nil {
		resp.Success = false
		resp.Error = err.Error()
	}
	return resp
}

// tokenDecimals prefers extra.decimals, then the network registry.
func tokenDecimals(reqs *types.PaymentRequirements) uint8 {
	if reqs.Extra != nil {
		switch d := reqs.Extra["decimals"].(type) {
		case float64:
			return uint8(d)
		case int:
			return uint8(d)
		case int32:
			return uint8(d)
		}
	}
	if info, ok := types.LookupNetwork(reqs.Network); ok {
		return uint8(info.Decimals)
	}
	return 6
}
