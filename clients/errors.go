package clients

import "errors"

var (
	// -----------------------------
	// SETTLEMENT
	// -----------------------------
	ErrSimulationFailed      = errors.New("simulation failed")
	ErrTransactionReverted   = errors.New("transaction reverted")
	ErrConfirmationTimedOut  = errors.New("transaction confirmation timed out")
	ErrTransactionFailed     = errors.New("transaction failed")
	ErrAmountOutOfRange      = errors.New("amount does not fit in u64")
	ErrDelegateNotAuthorized = errors.New("signer is not an approved delegate of the source account")

	// -----------------------------
	// RPC
	// -----------------------------
	ErrEmptyResult = errors.New("rpc returned an empty result")
)
