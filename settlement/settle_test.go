package settlement

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitwit/x402-connector/facilitator"
	"github.com/vitwit/x402-connector/types"
)

type stubFacilitator struct {
	calls  atomic.Int32
	delay  time.Duration
	settle func() (*types.SettleResponse, error)
}

func (s *stubFacilitator) Verify(context.Context, *types.PaymentPayload, *types.PaymentRequirements) (*types.VerificationResult, error) {
	return nil, errors.New("not used")
}

func (s *stubFacilitator) Settle(context.Context, *types.PaymentPayload, *types.PaymentRequirements) (*types.SettleResponse, error) {
	s.calls.Add(1)
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	return s.settle()
}

func (s *stubFacilitator) Capabilities() facilitator.Capabilities { return facilitator.Capabilities{} }

func succeed() (*types.SettleResponse, error) {
	return &types.SettleResponse{
		Success:     true,
		Transaction: "0xfeed",
		Network:     "base-sepolia",
		Payer:       "0xpayer",
		Receipt:     map[string]any{"status": uint64(1)},
	}, nil
}

var (
	payload = &types.PaymentPayload{X402Version: 1, Scheme: types.SchemeExact, Network: "base-sepolia"}
	reqs    = &types.PaymentRequirements{Scheme: types.SchemeExact, Network: "base-sepolia"}
)

func TestSettleEncodesResponse(t *testing.T) {
	svc := NewSettlementService(&stubFacilitator{settle: succeed}, time.Second)

	res := svc.Settle(context.Background(), "header", payload, reqs)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "0xfeed", res.TransactionHash)
	assert.Equal(t, uint64(1), res.Receipt["status"])

	raw, err := base64.StdEncoding.DecodeString(res.EncodedResponse)
	require.NoError(t, err)
	assert.JSONEq(t, `{"success":true,"transaction":"0xfeed","network":"base-sepolia","payer":"0xpayer","receipt":{"status":1}}`, string(raw))
}

func TestSettleUsesRawRemoteBody(t *testing.T) {
	raw := `{"success":true,"transaction":"0x1","vendorField":"x"}`
	svc := NewSettlementService(&stubFacilitator{settle: func() (*types.SettleResponse, error) {
		return &types.SettleResponse{Success: true, Transaction: "0x1", Raw: []byte(raw)}, nil
	}}, 0)

	res := svc.Settle(context.Background(), "header", payload, reqs)
	require.True(t, res.Success)
	decoded, err := base64.StdEncoding.DecodeString(res.EncodedResponse)
	require.NoError(t, err)
	assert.JSONEq(t, raw, string(decoded))
}

func TestSettleFailures(t *testing.T) {
	tests := []struct {
		name   string
		settle func() (*types.SettleResponse, error)
		want   string
	}{
		{
			name:   "reported failure",
			settle: func() (*types.SettleResponse, error) { return types.SettleFailure("X402_SIGNER_KEY not set"), nil },
			want:   "X402_SIGNER_KEY not set",
		},
		{
			name:   "failure without message",
			settle: func() (*types.SettleResponse, error) { return &types.SettleResponse{}, nil },
			want:   "Settlement failed",
		},
		{
			name:   "error",
			settle: func() (*types.SettleResponse, error) { return nil, errors.New("boom") },
			want:   "unexpected_settle_error: boom",
		},
		{
			name:   "panic",
			settle: func() (*types.SettleResponse, error) { panic("kaput") },
			want:   "unexpected_settle_error: kaput",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewSettlementService(&stubFacilitator{settle: tt.settle}, 0)
			res := svc.Settle(context.Background(), "header", payload, reqs)
			assert.False(t, res.Success)
			assert.Equal(t, tt.want, res.Error)
			assert.Empty(t, res.EncodedResponse)
		})
	}
}

func TestSettleCachesOutcome(t *testing.T) {
	f := &stubFacilitator{settle: succeed}
	svc := NewSettlementService(f, 0, WithCache(NewMemoryCache(0)))

	first := svc.Settle(context.Background(), "header", payload, reqs)
	second := svc.Settle(context.Background(), "header", payload, reqs)
	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), f.calls.Load())

	cached, ok := svc.Cached("header")
	require.True(t, ok)
	assert.Equal(t, first, cached)

	_, ok = svc.Cached("other")
	assert.False(t, ok)
}

func TestSettleCachesFailure(t *testing.T) {
	f := &stubFacilitator{settle: func() (*types.SettleResponse, error) {
		return types.SettleFailure("transaction reverted"), nil
	}}
	svc := NewSettlementService(f, 0, WithCache(NewMemoryCache(0)))

	svc.Settle(context.Background(), "header", payload, reqs)
	res := svc.Settle(context.Background(), "header", payload, reqs)
	assert.False(t, res.Success)
	assert.Equal(t, "transaction reverted", res.Error)
	assert.Equal(t, int32(1), f.calls.Load())
}

func TestSettleWithoutCacheSettlesEveryTime(t *testing.T) {
	f := &stubFacilitator{settle: succeed}
	svc := NewSettlementService(f, 0)

	svc.Settle(context.Background(), "header", payload, reqs)
	svc.Settle(context.Background(), "header", payload, reqs)
	assert.Equal(t, int32(2), f.calls.Load())

	_, ok := svc.Cached("header")
	assert.False(t, ok)
}

func TestSettleConcurrentCallsShareOneSettlement(t *testing.T) {
	f := &stubFacilitator{settle: succeed, delay: 50 * time.Millisecond}
	svc := NewSettlementService(f, 0, WithCache(NewMemoryCache(0)))

	const n = 16
	results := make([]*types.SettlementResult, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = svc.Settle(context.Background(), "header", payload, reqs)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), f.calls.Load())
	for _, r := range results {
		assert.Equal(t, results[0], r)
	}
}

func TestSettleReturnsCopies(t *testing.T) {
	svc := NewSettlementService(&stubFacilitator{settle: succeed}, 0, WithCache(NewMemoryCache(0)))

	first := svc.Settle(context.Background(), "header", payload, reqs)
	first.Receipt["status"] = uint64(0)
	first.TransactionHash = "mutated"

	second := svc.Settle(context.Background(), "header", payload, reqs)
	assert.Equal(t, "0xfeed", second.TransactionHash)
	assert.Equal(t, uint64(1), second.Receipt["status"])
}

func TestMemoryCacheTTL(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	c := NewMemoryCache(time.Minute)
	c.now = func() time.Time { return now }

	c.Set("a", &types.SettlementResult{Success: true})
	_, ok := c.Get("a")
	assert.True(t, ok)

	now = now.Add(time.Minute)
	_, ok = c.Get("a")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())

	c.Set("b", nil)
	assert.Equal(t, 0, c.Len())
}
