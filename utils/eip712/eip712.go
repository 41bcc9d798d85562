// Package eip712 computes the EIP-712 digest of EIP-3009
// TransferWithAuthorization messages and recovers their signers.
package eip712

import (
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/vitwit/x402-connector/utils"
)

// Domain is the EIP-712 domain of an EIP-3009 token.
type Domain struct {
	Name              string   // e.g. "USD Coin"
	Version           string   // e.g. "2"
	ChainID           *big.Int // e.g. 8453
	VerifyingContract string   // token address "0x..."
}

// Complete reports whether every domain field needed for hashing is set.
func (d Domain) Complete() bool {
	return d.Name != "" && d.Version != "" && d.ChainID != nil && d.ChainID.Sign() > 0 &&
		common.IsHexAddress(d.VerifyingContract)
}

// TransferWithAuthorizationType is the EIP-3009 primary type.
const TransferWithAuthorizationType = "TransferWithAuthorization(address from,address to,uint256 value,uint256 validAfter,uint256 validBefore,bytes32 nonce)"

var (
	transferAuthTypeHash = crypto.Keccak256Hash([]byte(TransferWithAuthorizationType))

	// EIP712Domain type string - note ordering matters
	domainTypeHash = crypto.Keccak256Hash([]byte("EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"))
)

// Message holds the decoded fields of a TransferWithAuthorization.
type Message struct {
	From        common.Address
	To          common.Address
	Value       *big.Int
	ValidAfter  *big.Int
	ValidBefore *big.Int
	Nonce       [32]byte
}

// ParseMessage decodes the string form used on the wire.
func ParseMessage(from, to, value, validAfter, validBefore, nonce string) (*Message, error) {
	if !common.IsHexAddress(from) {
		return nil, fmt.Errorf("invalid from address %q", from)
	}
	if !common.IsHexAddress(to) {
		return nil, fmt.Errorf("invalid to address %q", to)
	}

	v, err := utils.ValidateBigInt(value)
	if err != nil {
		return nil, fmt.Errorf("value: %w", err)
	}
	after, err := utils.ValidateBigInt(validAfter)
	if err != nil {
		return nil, fmt.Errorf("validAfter: %w", err)
	}
	before, err := utils.ValidateBigInt(validBefore)
	if err != nil {
		return nil, fmt.Errorf("validBefore: %w", err)
	}
	n, err := utils.HexToBytes32(nonce)
	if err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}

	return &Message{
		From:        common.HexToAddress(from),
		To:          common.HexToAddress(to),
		Value:       v,
		ValidAfter:  after,
		ValidBefore: before,
		Nonce:       n,
	}, nil
}

// padLeft32 returns a 32-byte right-aligned representation of the given big.Int
func padLeft32(i *big.Int) []byte {
	return common.LeftPadBytes(i.Bytes(), 32)
}

// addressTo32 left-pads an address into a 32-byte word
func addressTo32(a common.Address) []byte {
	return common.LeftPadBytes(a.Bytes(), 32)
}

// DomainSeparator builds the domainSeparator hash per EIP-712:
// keccak256(abi.encode(domainTypeHash, keccak256(name), keccak256(version), chainId, verifyingContract))
func DomainSeparator(d Domain) (common.Hash, error) {
	if !d.Complete() {
		return common.Hash{}, errors.New("incomplete domain")
	}

	return crypto.Keccak256Hash(
		domainTypeHash.Bytes(),
		crypto.Keccak256([]byte(d.Name)),
		crypto.Keccak256([]byte(d.Version)),
		padLeft32(d.ChainID),
		addressTo32(common.HexToAddress(d.VerifyingContract)),
	), nil
}

// HashTransferWithAuthorization computes keccak256(
//
//	abi.encode(TRANSFER_WITH_AUTH_TYPEHASH, from, to, value, validAfter, validBefore, nonce)
//
// )
func HashTransferWithAuthorization(m *Message) common.Hash {
	return crypto.Keccak256Hash(
		transferAuthTypeHash.Bytes(),
		addressTo32(m.From),
		addressTo32(m.To),
		padLeft32(m.Value),
		padLeft32(m.ValidAfter),
		padLeft32(m.ValidBefore),
		m.Nonce[:],
	)
}

// TypedDataHash returns the final EIP-712 digest:
//
//	keccak256("\x19\x01", domainSeparator, structHash)
func TypedDataHash(domainSeparator, structHash common.Hash) common.Hash {
	return crypto.Keccak256Hash([]byte{0x19, 0x01}, domainSeparator.Bytes(), structHash.Bytes())
}

// Digest builds the EIP-712 digest for EIP-3009 transferWithAuthorization.
func Digest(domain Domain, m *Message) (common.Hash, error) {
	domainSep, err := DomainSeparator(domain)
	if err != nil {
		return common.Hash{}, err
	}
	return TypedDataHash(domainSep, HashTransferWithAuthorization(m)), nil
}

// RecoverSigner recovers the Ethereum address that signed the given digest.
// sig must be 65 bytes (R||S||V). V may be 0/1 or 27/28.
func RecoverSigner(digest common.Hash, sig []byte) (common.Address, error) {
	if len(sig) != 65 {
		return common.Address{}, errors.New("signature must be 65 bytes")
	}

	// SigToPub wants V as 0/1
	s := make([]byte, 65)
	copy(s, sig)
	if s[64] >= 27 {
		s[64] -= 27
	}

	pubKey, err := crypto.SigToPub(digest.Bytes(), s)
	if err != nil {
		return common.Address{}, fmt.Errorf("sig to pub failed: %w", err)
	}
	return crypto.PubkeyToAddress(*pubKey), nil
}

// Sign produces a 0x-prefixed R||S||V signature with V in 27/28 form, as
// wallets return it.
func Sign(domain Domain, m *Message, key *ecdsa.PrivateKey) (string, error) {
	digest, err := Digest(domain, m)
	if err != nil {
		return "", err
	}

	sig, err := crypto.Sign(digest.Bytes(), key)
	if err != nil {
		return "", fmt.Errorf("failed to sign authorization: %w", err)
	}
	sig[64] += 27

	return "0x" + hex.EncodeToString(sig), nil
}
