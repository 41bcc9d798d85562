package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// X402Version represents the version of the x402 protocol
type X402Version int

const (
	X402Version1 X402Version = 1
)

// SchemeExact is the only payment scheme this module settles.
const SchemeExact = "exact"

// Header names used by HTTP adapters.
const (
	HeaderPayment         = "X-PAYMENT"
	HeaderPaymentResponse = "X-PAYMENT-RESPONSE"
)

// PaymentRequirements defines the requirements a resource server accepts for payment.
type PaymentRequirements struct {
	// Scheme of the payment protocol to use. Always "exact".
	Scheme string `json:"scheme"`

	// Network of the blockchain to send payment on (e.g., "base-sepolia").
	Network string `json:"network"`

	// Maximum amount required to pay for the resource in atomic units of the asset.
	// Represented as a string because Go does not support uint256.
	MaxAmountRequired string `json:"maxAmountRequired"`

	// URL of the resource to pay for.
	Resource string `json:"resource"`

	// Description of the resource being purchased.
	Description string `json:"description"`

	// MIME type of the resource response (e.g., "application/json").
	MimeType string `json:"mimeType"`

	// Output schema of the resource response, if applicable.
	OutputSchema map[string]any `json:"outputSchema,omitempty"`

	// Address to which the payment must be sent.
	PayTo string `json:"payTo"`

	// Maximum time in seconds for the resource server to respond.
	MaxTimeoutSeconds int `json:"maxTimeoutSeconds"`

	// Token contract (EVM) or mint (Solana) address.
	Asset string `json:"asset"`

	// Extra information about payment details specific to the scheme.
	// For the `exact` scheme on EVM this carries the EIP-712 `name` and `version`.
	Extra map[string]any `json:"extra,omitempty"`
}

// ExtraString returns Extra[key] when it is a non-empty string.
func (pr *PaymentRequirements) ExtraString(key string) string {
	if pr.Extra == nil {
		return ""
	}
	s, _ := pr.Extra[key].(string)
	return s
}

// X402Response is the body of a 402 Payment Required response.
type X402Response struct {
	// Version of the x402 payment protocol.
	X402Version int `json:"x402Version"`

	// List of payment requirements that the resource server accepts.
	Accepts []PaymentRequirements `json:"accepts"`

	// Message from the resource server indicating any processing error.
	Error string `json:"error"`
}

// PaymentPayload is the decoded X-PAYMENT header. Every field is client supplied.
type PaymentPayload struct {
	X402Version int          `json:"x402Version"`
	Scheme      string       `json:"scheme"`
	Network     string       `json:"network"`
	Payload     ExactPayload `json:"payload"`
}

// ExactPayload carries the signed authorization of the "exact" scheme.
type ExactPayload struct {
	Signature     string        `json:"signature"`
	Authorization Authorization `json:"authorization"`
}

// Authorization is an EIP-3009 style transfer authorization.
type Authorization struct {
	From        string        `json:"from"`
	To          string        `json:"to"`
	Value       NumericString `json:"value"`       // uint256
	ValidAfter  NumericString `json:"validAfter"`  // unix seconds
	ValidBefore NumericString `json:"validBefore"` // unix seconds
	Nonce       NumericString `json:"nonce"`       // bytes32 hex on EVM
}

// NumericString holds a value that clients send either as a JSON string or a
// JSON number. It is always kept in its textual form.
type NumericString string

func (n *NumericString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*n = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*n = NumericString(s)
		return nil
	}

	var num json.Number
	if err := json.Unmarshal(data, &num); err != nil {
		return fmt.Errorf("expected string or number, got %s", data)
	}
	*n = NumericString(num.String())
	return nil
}

func (n NumericString) String() string {
	return strings.TrimSpace(string(n))
}

// VerifyRequest is the body sent to a remote facilitator's /verify and /settle.
type VerifyRequest struct {
	X402Version         int                  `json:"x402Version"`
	PaymentPayload      *PaymentPayload      `json:"paymentPayload"`
	PaymentRequirements *PaymentRequirements `json:"paymentRequirements"`
}

// VerificationResult contains the result of payment verification
type VerificationResult struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	Payer         string `json:"payer,omitempty"`
}

// Invalid builds a failed verification result.
func Invalid(reason string) *VerificationResult {
	return &VerificationResult{IsValid: false, InvalidReason: reason}
}

// SettleResponse is the settlement outcome reported by a facilitator.
type SettleResponse struct {
	Success     bool           `json:"success"`
	Transaction string         `json:"transaction,omitempty"`
	Network     string         `json:"network,omitempty"`
	Payer       string         `json:"payer,omitempty"`
	Error       string         `json:"error,omitempty"`
	ErrorReason string         `json:"errorReason,omitempty"`
	Receipt     map[string]any `json:"receipt,omitempty"`

	// Raw is the response body exactly as a remote facilitator returned it.
	Raw json.RawMessage `json:"-"`
}

// SettleFailure builds a failed settlement response.
func SettleFailure(msg string) *SettleResponse {
	return &SettleResponse{Success: false, Error: msg}
}

// SettlementResult contains the result of payment settlement
type SettlementResult struct {
	Success         bool           `json:"success"`
	TransactionHash string         `json:"transactionHash,omitempty"`
	Error           string         `json:"error,omitempty"`
	Receipt         map[string]any `json:"receipt,omitempty"`
	EncodedResponse string         `json:"encodedResponse,omitempty"`
}

// Action is the decision returned to an adapter.
type Action string

const (
	ActionAllow Action = "allow"
	ActionDeny  Action = "deny"
)

// RequestContext is the framework-neutral description of an inbound request.
type RequestContext struct {
	Path          string
	Method        string
	Headers       map[string]string
	PaymentHeader string
	AbsoluteURL   string
}

// ProcessingResult is the allow/deny decision for a request.
type ProcessingResult struct {
	Action          Action
	Requirements    []PaymentRequirements
	Error           string
	PaymentVerified bool
	PayerAddress    string
}

// Allowed reports whether the request may proceed to the handler.
func (r *ProcessingResult) Allowed() bool {
	return r != nil && r.Action == ActionAllow
}

// Error types
type X402Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *X402Error) Error() string {
	return e.Message
}

// Error codes of construction-time failures.
const (
	ErrUnsupportedNetwork = "UNSUPPORTED_NETWORK"
	ErrConfigError        = "CONFIG_ERROR"
)

// ConfigError returns an X402Error with the CONFIG_ERROR code.
func ConfigError(format string, args ...any) *X402Error {
	return &X402Error{
		Code:    ErrConfigError,
		Message: fmt.Sprintf(format, args...),
	}
}
