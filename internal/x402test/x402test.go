// Package x402test provides a scripted facilitator and request helpers for
// adapter tests.
package x402test

import (
	"context"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	x402 "github.com/vitwit/x402-connector"
	"github.com/vitwit/x402-connector/config"
	"github.com/vitwit/x402-connector/facilitator"
	"github.com/vitwit/x402-connector/types"
	"github.com/vitwit/x402-connector/utils"
)

const (
	Payer = "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"
	PayTo = "0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC"
	Tx    = "0xfeed"
)

// Facilitator returns canned results and counts calls.
type Facilitator struct {
	VerifyCalls atomic.Int32
	SettleCalls atomic.Int32

	VerifyResult *types.VerificationResult
	SettleResult *types.SettleResponse
}

// NewFacilitator accepts every payment and settles it as Tx.
func NewFacilitator() *Facilitator {
	return &Facilitator{
		VerifyResult: &types.VerificationResult{IsValid: true, Payer: Payer},
		SettleResult: &types.SettleResponse{Success: true, Transaction: Tx, Network: "base-sepolia", Payer: Payer},
	}
}

func (f *Facilitator) Verify(context.Context, *types.PaymentPayload, *types.PaymentRequirements) (*types.VerificationResult, error) {
	f.VerifyCalls.Add(1)
	return f.VerifyResult, nil
}

func (f *Facilitator) Settle(context.Context, *types.PaymentPayload, *types.PaymentRequirements) (*types.SettleResponse, error) {
	f.SettleCalls.Add(1)
	return f.SettleResult, nil
}

func (f *Facilitator) Capabilities() facilitator.Capabilities {
	return facilitator.Capabilities{SignatureVerification: true, Settlement: true}
}

// Processor protects the given paths on base-sepolia and routes every
// facilitator call to f.
func Processor(t testing.TB, f facilitator.Facilitator, mutate func(*config.Config), paths ...string) *x402.Processor {
	t.Helper()

	c := config.Default()
	c.Network = "base-sepolia"
	c.Price = "$0.01"
	c.PayToAddress = PayTo
	if len(paths) > 0 {
		c.ProtectedPaths = paths
	}
	if mutate != nil {
		mutate(&c)
	}

	p, err := x402.New(&c, x402.WithFacilitator(f))
	require.NoError(t, err)
	return p
}

// Header builds an X-PAYMENT header the processor can match.
func Header(t testing.TB) string {
	t.Helper()

	header, err := utils.EncodePaymentHeader(&types.PaymentPayload{
		X402Version: 1,
		Scheme:      types.SchemeExact,
		Network:     "base-sepolia",
		Payload: types.ExactPayload{
			Signature: "0x01",
			Authorization: types.Authorization{
				From:        Payer,
				To:          PayTo,
				Value:       "10000",
				ValidAfter:  "0",
				ValidBefore: types.NumericString(strconv.FormatInt(time.Now().Add(10*time.Minute).Unix(), 10)),
				Nonce:       "0x1111111111111111111111111111111111111111111111111111111111111111",
			},
		},
	})
	require.NoError(t, err)
	return header
}
