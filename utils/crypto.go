package utils

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// PrivateKeyFromHex creates a private key from hex string
func PrivateKeyFromHex(hexKey string) (*ecdsa.PrivateKey, error) {
	return crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
}

// AddressFromPrivateKey derives the Ethereum address from a private key
func AddressFromPrivateKey(privateKey *ecdsa.PrivateKey) common.Address {
	return crypto.PubkeyToAddress(privateKey.PublicKey)
}

// DecodeSignature decodes a 65-byte R||S||V hex signature.
func DecodeSignature(sigHex string) ([]byte, error) {
	sig, err := hex.DecodeString(strings.TrimPrefix(sigHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("failed to decode signature: %w", err)
	}
	if len(sig) != 65 {
		return nil, fmt.Errorf("signature must be 65 bytes, got %d", len(sig))
	}
	return sig, nil
}

// SplitSignature splits a hex signature into the v, r, s arguments of
// transferWithAuthorization. v is returned in the 27/28 form contracts expect.
func SplitSignature(sigHex string) (v uint8, r [32]byte, s [32]byte, err error) {
	sig, err := DecodeSignature(sigHex)
	if err != nil {
		return
	}

	copy(r[:], sig[0:32])
	copy(s[:], sig[32:64])
	v = sig[64]

	if v < 27 {
		v += 27
	}
	return
}

// HexToBytes32 converts an exactly 32-byte hex string (with or without 0x).
func HexToBytes32(hexStr string) ([32]byte, error) {
	var out [32]byte

	b, err := hex.DecodeString(strings.TrimPrefix(hexStr, "0x"))
	if err != nil {
		return out, err
	}
	if len(b) != 32 {
		return out, fmt.Errorf("invalid bytes32 length: %d", len(b))
	}

	copy(out[:], b)
	return out, nil
}
