package utils

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/vitwit/x402-connector/types"
)

var errEmptyHeader = errors.New("empty payment header")

// DecodeBase64 accepts standard and URL-safe alphabets, padded or not.
func DecodeBase64(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, errEmptyHeader
	}

	encodings := []*base64.Encoding{
		base64.StdEncoding,
		base64.RawStdEncoding,
		base64.URLEncoding,
		base64.RawURLEncoding,
	}

	var lastErr error
	for _, enc := range encodings {
		data, err := enc.DecodeString(s)
		if err == nil {
			return data, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// DecodePaymentHeader parses an X-PAYMENT header (base64 encoded JSON).
func DecodePaymentHeader(header string) (*types.PaymentPayload, error) {
	data, err := DecodeBase64(header)
	if err != nil {
		return nil, fmt.Errorf("invalid base64: %w", err)
	}

	var payload types.PaymentPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("invalid payment json: %w", err)
	}

	return &payload, nil
}

// EncodePaymentHeader is the client-side inverse of DecodePaymentHeader.
func EncodePaymentHeader(payload *types.PaymentPayload) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// EncodeSettleResponse base64-encodes a settlement for the X-PAYMENT-RESPONSE
// header. Bytes received from a remote facilitator are passed through untouched.
func EncodeSettleResponse(resp *types.SettleResponse) (string, error) {
	if resp == nil {
		return "", errors.New("nil settlement response")
	}

	data := []byte(resp.Raw)
	if len(data) == 0 {
		var err error
		if data, err = json.Marshal(resp); err != nil {
			return "", err
		}
	}

	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodeSettleResponse parses an X-PAYMENT-RESPONSE header.
func DecodeSettleResponse(header string) (*types.SettleResponse, error) {
	data, err := DecodeBase64(header)
	if err != nil {
		return nil, err
	}

	var resp types.SettleResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, err
	}
	resp.Raw = data
	return &resp, nil
}
