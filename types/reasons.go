package types

import "strings"

// Invalid reasons reported in VerificationResult.InvalidReason.
const (
	// -----------------------------
	// PROTOCOL
	// -----------------------------
	ReasonInvalidVersion = "invalid_x402_version"
	ReasonInvalidScheme  = "invalid_scheme"
	ReasonInvalidNetwork = "invalid_network"
	ReasonInvalidPayload = "invalid_payload"

	// -----------------------------
	// AUTHORIZATION
	// -----------------------------
	ReasonRecipientMismatch = "recipient_mismatch"
	ReasonAmountMismatch    = "amount_mismatch"
	ReasonNotYetValid       = "payment_not_yet_valid"
	ReasonExpired           = "payment_expired"
	ReasonNonceUsed         = "nonce_already_used"
	ReasonInvalidSignature  = "invalid_signature"

	// -----------------------------
	// CHAIN STATE
	// -----------------------------
	ReasonInsufficientBalance = "insufficient_balance"

	// -----------------------------
	// UNEXPECTED
	// -----------------------------
	ReasonUnexpectedVerify = "unexpected_verify_error"
	ReasonUnexpectedSettle = "unexpected_settle_error"
	ReasonRemoteError      = "remote_error"
)

// WithDetail appends a diagnostic detail to a reason code.
func WithDetail(reason, detail string) string {
	if detail == "" {
		return reason
	}
	return reason + ": " + detail
}

// ReasonCode strips any detail from a reason, leaving the machine-readable code.
func ReasonCode(reason string) string {
	code, _, _ := strings.Cut(reason, ":")
	return strings.TrimSpace(code)
}
