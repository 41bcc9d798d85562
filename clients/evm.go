package clients

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/vitwit/x402-connector/utils/eip712"
)

// ----------------- ERC-20 + EIP-3009 ABI -----------------
const tokenABI = `[
  {
    "name": "balanceOf",
    "type": "function",
    "stateMutability": "view",
    "inputs": [{"name": "account", "type": "address"}],
    "outputs": [{"name": "", "type": "uint256"}]
  },
  {
    "name": "transferWithAuthorization",
    "type": "function",
    "stateMutability": "nonpayable",
    "inputs": [
      {"name": "from", "type": "address"},
      {"name": "to", "type": "address"},
      {"name": "value", "type": "uint256"},
      {"name": "validAfter", "type": "uint256"},
      {"name": "validBefore", "type": "uint256"},
      {"name": "nonce", "type": "bytes32"},
      {"name": "v", "type": "uint8"},
      {"name": "r", "type": "bytes32"},
      {"name": "s", "type": "bytes32"}
    ],
    "outputs": []
  }
]`

var parsedTokenABI = func() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(tokenABI))
	if err != nil {
		panic(fmt.Sprintf("invalid token abi: %v", err))
	}
	return parsed
}()

// EVMBackend is the subset of *ethclient.Client the settlement path needs.
type EVMBackend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	Close()
}

var _ EVMBackend = (*ethclient.Client)(nil)

// TransferAuthorization is a signed EIP-3009 transfer ready to be relayed.
type TransferAuthorization struct {
	Token   common.Address
	Message *eip712.Message
	V       uint8
	R       [32]byte
	S       [32]byte
}

// EVMClient talks to an EVM JSON-RPC endpoint on behalf of the facilitator.
type EVMClient struct {
	backend      EVMBackend
	pollInterval time.Duration
}

func NewEVMClient(ctx context.Context, rpcURL string) (*EVMClient, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to EVM RPC: %w", err)
	}
	return NewEVMClientWithBackend(client), nil
}

func NewEVMClientWithBackend(backend EVMBackend) *EVMClient {
	return &EVMClient{
		backend:      backend,
		pollInterval: 2 * time.Second,
	}
}

// SetPollInterval changes how often WaitForReceipt polls.
func (e *EVMClient) SetPollInterval(d time.Duration) {
	if d > 0 {
		e.pollInterval = d
	}
}

func (e *EVMClient) Close() {
	e.backend.Close()
}

// BalanceOf calls ERC-20 balanceOf(owner) on token.
func (e *EVMClient) BalanceOf(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	data, err := parsedTokenABI.Pack("balanceOf", owner)
	if err != nil {
		return nil, err
	}

	out, err := e.backend.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("balanceOf call failed: %w", err)
	}

	values, err := parsedTokenABI.Unpack("balanceOf", out)
	if err != nil {
		return nil, fmt.Errorf("decode balanceOf: %w", err)
	}
	if len(values) == 0 {
		return nil, ErrEmptyResult
	}

	balance, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("decode balanceOf: unexpected type %T", values[0])
	}
	return balance, nil
}

// PackTransferWithAuthorization ABI-encodes the transferWithAuthorization call.
func PackTransferWithAuthorization(t *TransferAuthorization) ([]byte, error) {
	m := t.Message
	if m == nil {
		return nil, errors.New("missing authorization message")
	}
	return parsedTokenABI.Pack(
		"transferWithAuthorization",
		m.From,
		m.To,
		m.Value,
		m.ValidAfter,
		m.ValidBefore,
		m.Nonce,
		t.V,
		t.R,
		t.S,
	)
}

// SimulateTransferWithAuthorization runs the transfer as an eth_call from the
// relayer address. A revert is returned as ErrSimulationFailed.
func (e *EVMClient) SimulateTransferWithAuthorization(ctx context.Context, relayer common.Address, t *TransferAuthorization) error {
	data, err := PackTransferWithAuthorization(t)
	if err != nil {
		return err
	}

	msg := ethereum.CallMsg{
		From: relayer,
		To:   &t.Token,
		Data: data,
	}
	if _, err := e.backend.CallContract(ctx, msg, nil); err != nil {
		return fmt.Errorf("%w: %v", ErrSimulationFailed, err)
	}
	return nil
}

// SendTransferWithAuthorization signs the call with key and broadcasts it.
func (e *EVMClient) SendTransferWithAuthorization(ctx context.Context, key *ecdsa.PrivateKey, t *TransferAuthorization) (common.Hash, error) {
	data, err := PackTransferWithAuthorization(t)
	if err != nil {
		return common.Hash{}, err
	}

	relayer := crypto.PubkeyToAddress(key.PublicKey)

	chainID, err := e.backend.ChainID(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("chain id failed: %w", err)
	}

	gasLimit, err := e.backend.EstimateGas(ctx, ethereum.CallMsg{From: relayer, To: &t.Token, Data: data})
	if err != nil {
		return common.Hash{}, fmt.Errorf("estimate gas failed: %w", err)
	}

	gasPrice, err := e.backend.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("suggest gas price failed: %w", err)
	}

	nonce, err := e.backend.PendingNonceAt(ctx, relayer)
	if err != nil {
		return common.Hash{}, fmt.Errorf("pending nonce failed: %w", err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &t.Token,
		Value:    big.NewInt(0),
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})

	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), key)
	if err != nil {
		return common.Hash{}, fmt.Errorf("sign tx failed: %w", err)
	}

	if err := e.backend.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("send tx failed: %w", err)
	}

	return signed.Hash(), nil
}

// WaitForReceipt polls until the transaction is mined or ctx is done. A
// mined but reverted transaction returns the receipt and ErrTransactionReverted.
func (e *EVMClient) WaitForReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := e.backend.TransactionReceipt(ctx, hash)
		switch {
		case err == nil && receipt != nil:
			if receipt.Status != types.ReceiptStatusSuccessful {
				return receipt, ErrTransactionReverted
			}
			return receipt, nil
		case err != nil && !errors.Is(err, ethereum.NotFound):
			return nil, fmt.Errorf("receipt lookup failed: %w", err)
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrConfirmationTimedOut, ctx.Err())
		case <-ticker.C:
		}
	}
}
