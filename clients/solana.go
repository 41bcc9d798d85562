package clients

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"
)

// SolanaRPC is the subset of *rpc.Client used for balance checks and
// delegate-based settlement.
type SolanaRPC interface {
	GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error)
	GetAccountInfo(ctx context.Context, account solana.PublicKey) (*rpc.GetAccountInfoResult, error)
	SimulateTransaction(ctx context.Context, tx *solana.Transaction) (*rpc.SimulateTransactionResponse, error)
	SendTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error)
	GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, transactionSignatures ...solana.Signature) (*rpc.GetSignatureStatusesResult, error)
}

var _ SolanaRPC = (*rpc.Client)(nil)

// SolanaClient provides the SPL token operations of the facilitator.
type SolanaClient struct {
	rpc          SolanaRPC
	pollInterval time.Duration
}

func NewSolanaClient(rpcURL string) *SolanaClient {
	return NewSolanaClientWithRPC(rpc.New(rpcURL))
}

func NewSolanaClientWithRPC(client SolanaRPC) *SolanaClient {
	return &SolanaClient{
		rpc:          client,
		pollInterval: 2 * time.Second,
	}
}

// SetPollInterval changes how often WaitForConfirmation polls.
func (s *SolanaClient) SetPollInterval(d time.Duration) {
	if d > 0 {
		s.pollInterval = d
	}
}

// TokenBalance returns the balance of owner's associated token account for
// mint. A missing account has a zero balance.
func (s *SolanaClient) TokenBalance(ctx context.Context, owner, mint solana.PublicKey) (*big.Int, error) {
	ata, _, err := solana.FindAssociatedTokenAddress(owner, mint)
	if err != nil {
		return nil, fmt.Errorf("failed to derive ATA: %w", err)
	}

	acc, err := s.TokenAccount(ctx, ata)
	if err != nil {
		if errors.Is(err, rpc.ErrNotFound) {
			return big.NewInt(0), nil
		}
		return nil, err
	}
	return new(big.Int).SetUint64(acc.Amount), nil
}

// TokenAccount fetches and decodes an SPL token account.
func (s *SolanaClient) TokenAccount(ctx context.Context, account solana.PublicKey) (*token.Account, error) {
	res, err := s.rpc.GetAccountInfo(ctx, account)
	if err != nil {
		return nil, fmt.Errorf("account info failed: %w", err)
	}
	if res == nil || res.Value == nil || res.Value.Data == nil {
		return nil, ErrEmptyResult
	}

	var acc token.Account
	if err := bin.NewBinDecoder(res.Value.Data.GetBinary()).Decode(&acc); err != nil {
		return nil, fmt.Errorf("decode token account: %w", err)
	}
	return &acc, nil
}

// DelegatedTransfer moves Amount of Mint from the payer's associated token
// account to the recipient's, signed by a delegate the payer approved.
type DelegatedTransfer struct {
	Mint      solana.PublicKey
	Decimals  uint8
	From      solana.PublicKey
	To        solana.PublicKey
	Amount    *big.Int
	Delegate  solana.PrivateKey
	CreateATA bool
}

// CheckDelegate verifies that the delegate may move the transfer amount out of
// the payer's token account.
func (s *SolanaClient) CheckDelegate(ctx context.Context, t *DelegatedTransfer) error {
	amount, err := toU64(t.Amount)
	if err != nil {
		return err
	}

	source, _, err := solana.FindAssociatedTokenAddress(t.From, t.Mint)
	if err != nil {
		return fmt.Errorf("failed to derive source ATA: %w", err)
	}

	acc, err := s.TokenAccount(ctx, source)
	if err != nil {
		return err
	}

	delegate := t.Delegate.PublicKey()
	if acc.Delegate == nil || !acc.Delegate.Equals(delegate) || acc.DelegatedAmount < amount {
		return ErrDelegateNotAuthorized
	}
	return nil
}

// BuildTransfer assembles and signs the TransferChecked transaction. The
// delegate pays the fee.
func (s *SolanaClient) BuildTransfer(ctx context.Context, t *DelegatedTransfer) (*solana.Transaction, error) {
	amount, err := toU64(t.Amount)
	if err != nil {
		return nil, err
	}

	source, _, err := solana.FindAssociatedTokenAddress(t.From, t.Mint)
	if err != nil {
		return nil, fmt.Errorf("failed to derive source ATA: %w", err)
	}
	dest, _, err := solana.FindAssociatedTokenAddress(t.To, t.Mint)
	if err != nil {
		return nil, fmt.Errorf("failed to derive destination ATA: %w", err)
	}

	delegate := t.Delegate.PublicKey()

	var instructions []solana.Instruction
	if t.CreateATA {
		instructions = append(instructions, createIdempotentATA(delegate, t.To, dest, t.Mint))
	}
	instructions = append(instructions, token.NewTransferCheckedInstructionBuilder().
		SetAmount(amount).
		SetDecimals(t.Decimals).
		SetSourceAccount(source).
		SetMintAccount(t.Mint).
		SetDestinationAccount(dest).
		SetOwnerAccount(delegate).
		Build())

	recent, err := s.rpc.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return nil, fmt.Errorf("failed to get blockhash: %w", err)
	}
	if recent == nil || recent.Value == nil {
		return nil, ErrEmptyResult
	}

	tx, err := solana.NewTransaction(instructions, recent.Value.Blockhash, solana.TransactionPayer(delegate))
	if err != nil {
		return nil, fmt.Errorf("failed to create transaction: %w", err)
	}

	_, err = tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(delegate) {
			return &t.Delegate
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}

	return tx, nil
}

// Simulate runs tx against the current bank. A program error is returned as
// ErrSimulationFailed.
func (s *SolanaClient) Simulate(ctx context.Context, tx *solana.Transaction) error {
	res, err := s.rpc.SimulateTransaction(ctx, tx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSimulationFailed, err)
	}
	if res != nil && res.Value != nil && res.Value.Err != nil {
		return fmt.Errorf("%w: %v", ErrSimulationFailed, res.Value.Err)
	}
	return nil
}

func (s *SolanaClient) Send(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	sig, err := s.rpc.SendTransaction(ctx, tx)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("broadcast failed: %w", err)
	}
	return sig, nil
}

// WaitForConfirmation polls the signature status until it is confirmed or
// finalized, the transaction fails, or ctx is done.
func (s *SolanaClient) WaitForConfirmation(ctx context.Context, sig solana.Signature) (*rpc.SignatureStatusesResult, error) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		res, err := s.rpc.GetSignatureStatuses(ctx, false, sig)
		if err == nil && res != nil && len(res.Value) > 0 && res.Value[0] != nil {
			status := res.Value[0]
			if status.Err != nil {
				return status, fmt.Errorf("%w: %v", ErrTransactionFailed, status.Err)
			}
			if status.ConfirmationStatus == rpc.ConfirmationStatusConfirmed ||
				status.ConfirmationStatus == rpc.ConfirmationStatusFinalized {
				return status, nil
			}
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrConfirmationTimedOut, ctx.Err())
		case <-ticker.C:
		}
	}
}

func toU64(amount *big.Int) (uint64, error) {
	if amount == nil || amount.Sign() < 0 || !amount.IsUint64() {
		return 0, ErrAmountOutOfRange
	}
	return amount.Uint64(), nil
}

// createIdempotentATA creates owner's associated token account if it does not
// exist yet; instruction index 1 of the associated token program.
func createIdempotentATA(payer, owner, ata, mint solana.PublicKey) solana.Instruction {
	accounts := solana.AccountMetaSlice{
		{PublicKey: payer, IsSigner: true, IsWritable: true},
		{PublicKey: ata, IsWritable: true},
		{PublicKey: owner},
		{PublicKey: mint},
		{PublicKey: solana.SystemProgramID},
		{PublicKey: solana.TokenProgramID},
	}
	return solana.NewInstruction(solana.SPLAssociatedTokenAccountProgramID, accounts, []byte{1})
}
