package facilitator

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/vitwit/x402-connector/clients"
	"github.com/vitwit/x402-connector/logger"
	"github.com/vitwit/x402-connector/types"
	"github.com/vitwit/x402-connector/utils"
	"github.com/vitwit/x402-connector/utils/eip712"
)

// EVMChain verifies EIP-712 signed EIP-3009 authorizations and relays them
// with transferWithAuthorization.
type EVMChain struct {
	dial EVMDialer
	log  logger.Logger
	poll time.Duration
}

var _ Chain = (*EVMChain)(nil)

func NewEVMChain(opts ...Option) *EVMChain {
	o := buildOptions(opts)
	return &EVMChain{dial: o.evmDial, log: o.logger, poll: o.pollEvery}
}

func (c *EVMChain) Family() types.ChainFamily { return types.ChainEVM }

func (c *EVMChain) Capabilities() Capabilities {
	return Capabilities{SignatureVerification: true, BalanceCheck: true, Settlement: true}
}

func (c *EVMChain) SameAddress(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

func (c *EVMChain) NonceKey(nonce string) string {
	return strings.ToLower(strings.TrimSpace(nonce))
}

// Domain builds the EIP-712 domain from the requirements: name and version
// from extra, chain id from the network registry, the asset as verifying
// contract.
func (c *EVMChain) Domain(reqs *types.PaymentRequirements) eip712.Domain {
	d := eip712.Domain{
		Name:              reqs.ExtraString("name"),
		Version:           reqs.ExtraString("version"),
		VerifyingContract: reqs.Asset,
	}
	if info, ok := types.LookupNetwork(reqs.Network); ok && info.ChainID > 0 {
		d.ChainID = big.NewInt(info.ChainID)
	}
	return d
}

func (c *EVMChain) message(auth types.Authorization) (*eip712.Message, error) {
	return eip712.ParseMessage(
		auth.From,
		auth.To,
		auth.Value.String(),
		orZero(auth.ValidAfter.String()),
		orZero(auth.ValidBefore.String()),
		auth.Nonce.String(),
	)
}

func (c *EVMChain) VerifySignature(_ context.Context, payload *types.PaymentPayload, reqs *types.PaymentRequirements) (bool, error) {
	domain := c.Domain(reqs)
	if payload.Payload.Signature == "" || !domain.Complete() {
		return false, nil
	}

	auth := payload.Payload.Authorization
	msg, err := c.message(auth)
	if err != nil {
		return true, err
	}

	digest, err := eip712.Digest(domain, msg)
	if err != nil {
		return true, err
	}

	sig, err := utils.DecodeSignature(payload.Payload.Signature)
	if err != nil {
		return true, err
	}

	signer, err := eip712.RecoverSigner(digest, sig)
	if err != nil {
		return true, err
	}

	if !c.SameAddress(signer.Hex(), auth.From) {
		return true, fmt.Errorf("signer %s does not match from", signer.Hex())
	}
	return true, nil
}

func (c *EVMChain) Balance(ctx context.Context, rpcURL, payer string, reqs *types.PaymentRequirements) (*big.Int, error) {
	if !common.IsHexAddress(payer) {
		return nil, fmt.Errorf("invalid payer address %q", payer)
	}
	if !common.IsHexAddress(reqs.Asset) {
		return nil, fmt.Errorf("invalid asset address %q", reqs.Asset)
	}

	client, err := c.dial(ctx, rpcURL)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	return client.BalanceOf(ctx, common.HexToAddress(reqs.Asset), common.HexToAddress(payer))
}

func (c *EVMChain) Settle(ctx context.Context, opts SettleOptions, payload *types.PaymentPayload, reqs *types.PaymentRequirements) *types.SettleResponse {
	key, err := utils.PrivateKeyFromHex(opts.PrivateKey)
	if err != nil {
		return types.SettleFailure("invalid signer key")
	}
	relayer := utils.AddressFromPrivateKey(key)

	if !common.IsHexAddress(reqs.Asset) {
		return types.SettleFailure(fmt.Sprintf("invalid asset address %q", reqs.Asset))
	}

	msg, err := c.message(payload.Payload.Authorization)
	if err != nil {
		return types.SettleFailure(fmt.Sprintf("invalid authorization: %v", err))
	}

	v, r, s, err := utils.SplitSignature(payload.Payload.Signature)
	if err != nil {
		return types.SettleFailure(fmt.Sprintf("invalid signature: %v", err))
	}

	transfer := &clients.TransferAuthorization{
		Token:   common.HexToAddress(reqs.Asset),
		Message: msg,
		V:       v,
		R:       r,
		S:       s,
	}

	client, err := c.dial(ctx, opts.RPCURL)
	if err != nil {
		c.log.Error("rpc dial failed", map[string]any{"error": err, "network": reqs.Network})
		return types.SettleFailure("rpc connection failed")
	}
	defer client.Close()
	client.SetPollInterval(c.poll)

	if opts.Simulate {
		if err := client.SimulateTransferWithAuthorization(ctx, relayer, transfer); err != nil {
			return types.SettleFailure(err.Error())
		}
	}

	hash, err := client.SendTransferWithAuthorization(ctx, key, transfer)
	if err != nil {
		return types.SettleFailure(err.Error())
	}

	resp := &types.SettleResponse{
		Success:     true,
		Transaction: hash.Hex(),
		Network:     reqs.Network,
		Payer:       payload.Payload.Authorization.From,
	}

	if !opts.WaitForReceipt {
		return resp
	}

	waitCtx, cancel := context.WithTimeout(ctx, opts.ReceiptTimeout)
	defer cancel()

	receipt, err := client.WaitForReceipt(waitCtx, hash)
	if receipt != nil {
		resp.Receipt = map[string]any{
			"status":      receipt.Status,
			"blockNumber": receipt.BlockNumber.String(),
			"gasUsed":     receipt.GasUsed,
		}
	}
	if err != nil {
		resp.Success = false
		resp.Error = err.Error()
	}
	return resp
}

func orZero(s string) string {
	if s == "" {
		return "0"
	}
	return s
}
