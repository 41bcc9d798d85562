package eip712

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitwit/x402-connector/utils"
)

const (
	testKey   = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	recipient = "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"
	usdc      = "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
	nonceHex  = "0xf408d6d1f1d1bca7c6396ed30f00a46ca4e5b073fff983e42b348776a5aa651c"
)

func testDomain() Domain {
	return Domain{
		Name:              "USDC",
		Version:           "2",
		ChainID:           big.NewInt(84532),
		VerifyingContract: usdc,
	}
}

func testMessage(t *testing.T, from string) *Message {
	t.Helper()
	m, err := ParseMessage(from, recipient, "10000", "1763450282", "1763451182", nonceHex)
	require.NoError(t, err)
	return m
}

func TestDigestMatchesTypedData(t *testing.T) {
	key, err := crypto.HexToECDSA(testKey)
	require.NoError(t, err)
	from := crypto.PubkeyToAddress(key.PublicKey)

	m := testMessage(t, from.Hex())
	digest, err := Digest(testDomain(), m)
	require.NoError(t, err)

	td := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": []apitypes.Type{
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"TransferWithAuthorization": []apitypes.Type{
				{Name: "from", Type: "address"},
				{Name: "to", Type: "address"},
				{Name: "value", Type: "uint256"},
				{Name: "validAfter", Type: "uint256"},
				{Name: "validBefore", Type: "uint256"},
				{Name: "nonce", Type: "bytes32"},
			},
		},
		PrimaryType: "TransferWithAuthorization",
		Domain: apitypes.TypedDataDomain{
			Name:              "USDC",
			Version:           "2",
			ChainId:           (*math.HexOrDecimal256)(big.NewInt(84532)),
			VerifyingContract: usdc,
		},
		Message: apitypes.TypedDataMessage{
			"from":        from.Hex(),
			"to":          recipient,
			"value":       (*math.HexOrDecimal256)(big.NewInt(10000)),
			"validAfter":  (*math.HexOrDecimal256)(big.NewInt(1763450282)),
			"validBefore": (*math.HexOrDecimal256)(big.NewInt(1763451182)),
			"nonce":       nonceHex,
		},
	}

	expected, _, err := apitypes.TypedDataAndHash(td)
	require.NoError(t, err)
	assert.Equal(t, common.BytesToHash(expected), digest)
}

func TestSignAndRecover(t *testing.T) {
	key, err := crypto.HexToECDSA(testKey)
	require.NoError(t, err)
	from := crypto.PubkeyToAddress(key.PublicKey)

	m := testMessage(t, from.Hex())
	sigHex, err := Sign(testDomain(), m, key)
	require.NoError(t, err)

	sig, err := utils.DecodeSignature(sigHex)
	require.NoError(t, err)
	assert.Contains(t, []byte{27, 28}, sig[64])

	digest, err := Digest(testDomain(), m)
	require.NoError(t, err)

	signer, err := RecoverSigner(digest, sig)
	require.NoError(t, err)
	assert.Equal(t, from, signer)

	// 0/1 form recovers the same address
	sig[64] -= 27
	signer, err = RecoverSigner(digest, sig)
	require.NoError(t, err)
	assert.Equal(t, from, signer)
}

func TestRecoverWithDifferentDomain(t *testing.T) {
	key, err := crypto.HexToECDSA(testKey)
	require.NoError(t, err)
	from := crypto.PubkeyToAddress(key.PublicKey)

	m := testMessage(t, from.Hex())
	sigHex, err := Sign(testDomain(), m, key)
	require.NoError(t, err)
	sig, err := utils.DecodeSignature(sigHex)
	require.NoError(t, err)

	other := testDomain()
	other.Name = "USD Coin"
	digest, err := Digest(other, m)
	require.NoError(t, err)

	signer, err := RecoverSigner(digest, sig)
	require.NoError(t, err)
	assert.NotEqual(t, from, signer)
}

func TestIncompleteDomain(t *testing.T) {
	d := testDomain()
	d.Version = ""
	_, err := DomainSeparator(d)
	assert.Error(t, err)

	d = testDomain()
	d.ChainID = nil
	assert.False(t, d.Complete())
}

func TestParseMessageRejectsBadFields(t *testing.T) {
	_, err := ParseMessage("0xnot", recipient, "1", "0", "0", nonceHex)
	assert.Error(t, err)

	_, err = ParseMessage(recipient, recipient, "ten", "0", "0", nonceHex)
	assert.Error(t, err)

	_, err = ParseMessage(recipient, recipient, "1", "0", "0", "0x1234")
	assert.Error(t, err)
}
