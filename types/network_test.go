package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectChainFamily(t *testing.T) {
	cases := []struct {
		network string
		want    ChainFamily
	}{
		{"base", ChainEVM},
		{"Base-Sepolia", ChainEVM},
		{"POLYGON-AMOY", ChainEVM},
		{"eip155:8453", ChainEVM},
		{"eip155:42161", ChainEVM},
		{"arbitrum-one", ChainEVM},
		{"solana", ChainSolana},
		{"solana-devnet", ChainSolana},
		{"Solana-Testnet", ChainSolana},
		{"solana:5eykt4UsFv8P8NJdTREpY1vzqKqZKvdp", ChainSolana},
	}

	for _, tc := range cases {
		t.Run(tc.network, func(t *testing.T) {
			got, err := DetectChainFamily(tc.network)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestDetectChainFamilyUnknown(t *testing.T) {
	for _, network := range []string{"unknown-chain", "", "cosmoshub-4"} {
		_, err := DetectChainFamily(network)
		require.Error(t, err)

		var xerr *X402Error
		require.ErrorAs(t, err, &xerr)
		assert.Equal(t, ErrUnsupportedNetwork, xerr.Code)
		assert.Contains(t, xerr.Message, "unknown network")
	}
}

func TestLookupNetwork(t *testing.T) {
	info, ok := LookupNetwork("eip155:84532")
	require.True(t, ok)
	assert.Equal(t, NetworkBaseSepolia, info.Name)
	assert.Equal(t, "USDC", info.EIP712Name)

	info, ok = LookupNetwork("solana:EtWTRABZaYq6iMfeYKouRu166VU2xqa1")
	require.True(t, ok)
	assert.Equal(t, NetworkSolanaDevnet, info.Name)

	_, ok = LookupNetwork("eip155:not-a-number")
	assert.False(t, ok)
}

func TestAuthorizationAcceptsNumbers(t *testing.T) {
	raw := `{"from":"0xa","to":"0xb","value":10000,"validAfter":"0","validBefore":1700000000,"nonce":"0x01"}`

	var auth Authorization
	require.NoError(t, json.Unmarshal([]byte(raw), &auth))
	assert.Equal(t, "10000", auth.Value.String())
	assert.Equal(t, "0", auth.ValidAfter.String())
	assert.Equal(t, "1700000000", auth.ValidBefore.String())

	err := json.Unmarshal([]byte(`{"value":{"x":1}}`), &auth)
	assert.Error(t, err)
}

func TestReasonCode(t *testing.T) {
	assert.Equal(t, ReasonRemoteError, ReasonCode(WithDetail(ReasonRemoteError, "dial tcp 10.0.0.1:443: refused")))
	assert.Equal(t, ReasonNonceUsed, ReasonCode(ReasonNonceUsed))
	assert.Equal(t, ReasonAmountMismatch, WithDetail(ReasonAmountMismatch, ""))
}

func TestNetworkIsEVM(t *testing.T) {
	assert.True(t, Network("base-sepolia").IsEVM())
	assert.True(t, Network("eip155:8453").IsEVM())
	assert.False(t, Network("solana-devnet").IsEVM())
	assert.False(t, Network("cosmoshub").IsEVM())
}
