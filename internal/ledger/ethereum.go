package ledger

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"biovote/pkg/platform/sentinel"
)

// electionABI is the subset of the election controller contract used here.
const electionABI = `[
	{"type":"function","name":"submitVote","stateMutability":"nonpayable",
	 "inputs":[{"name":"voterHash","type":"bytes32"},{"name":"candidateId","type":"uint256"},{"name":"constituencyId","type":"uint256"}],
	 "outputs":[]},
	{"type":"event","name":"VoteSubmitted","anonymous":false,
	 "inputs":[{"name":"voterHash","type":"bytes32","indexed":true},{"name":"constituencyId","type":"uint256","indexed":true},{"name":"timestamp","type":"uint256","indexed":false}]}
]`

// Backend is the JSON-RPC surface the client needs. *ethclient.Client and the
// go-ethereum simulated backend both satisfy it.
type Backend interface {
	bind.DeployBackend
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// EthereumClient submits votes to the election controller contract, signing
// with the operator key.
type EthereumClient struct {
	backend  Backend
	contract common.Address
	abi      abi.ABI
	key      *ecdsa.PrivateKey
	from     common.Address
	chainID  *big.Int
	logger   *slog.Logger

	// serialises nonce assignment across concurrent submissions
	sendMu sync.Mutex
}

type EthereumOption func(*EthereumClient)

func WithEthereumLogger(logger *slog.Logger) EthereumOption {
	return func(c *EthereumClient) {
		c.logger = logger
	}
}

// DialEthereum connects to rpcURL and builds a client for contractAddr.
func DialEthereum(ctx context.Context, rpcURL, contractAddr, operatorKeyHex string, chainID int64, opts ...EthereumOption) (*EthereumClient, error) {
	rpc, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial ledger rpc: %w", err)
	}
	c, err := NewEthereumClient(ctx, rpc, contractAddr, operatorKeyHex, chainID, opts...)
	if err != nil {
		rpc.Close()
		return nil, err
	}
	return c, nil
}

// NewEthereumClient wraps an existing backend. A zero chainID is read from
// the backend.
func NewEthereumClient(ctx context.Context, backend Backend, contractAddr, operatorKeyHex string, chainID int64, opts ...EthereumOption) (*EthereumClient, error) {
	if !common.IsHexAddress(contractAddr) {
		return nil, fmt.Errorf("invalid ledger contract address %q", contractAddr)
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(operatorKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse ledger operator key: %w", err)
	}
	parsed, err := abi.JSON(strings.NewReader(electionABI))
	if err != nil {
		return nil, fmt.Errorf("parse election abi: %w", err)
	}
	id := big.NewInt(chainID)
	if chainID == 0 {
		id, err = backend.ChainID(ctx)
		if err != nil {
			return nil, fmt.Errorf("read chain id: %w", err)
		}
	}
	c := &EthereumClient{
		backend:  backend,
		contract: common.HexToAddress(contractAddr),
		abi:      parsed,
		key:      key,
		from:     crypto.PubkeyToAddress(key.PublicKey),
		chainID:  id,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Operator is the address votes are sent from.
func (c *EthereumClient) Operator() common.Address { return c.from }

func (c *EthereumClient) SubmitVote(ctx context.Context, voter Commitment, candidateRef, constituencyRef int64) (*Receipt, error) {
	data, err := c.abi.Pack("submitVote", [32]byte(voter), big.NewInt(candidateRef), big.NewInt(constituencyRef))
	if err != nil {
		return nil, fmt.Errorf("pack submitVote: %w", err)
	}

	signed, err := c.send(ctx, data)
	if err != nil {
		return nil, unavailable(err, "ledger submission failed")
	}

	receipt, err := bind.WaitMined(ctx, c.backend, signed)
	if err != nil {
		return nil, unavailable(err, "waiting for ledger receipt failed")
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		c.logger.ErrorContext(ctx, "ledger vote transaction reverted",
			"tx_hash", signed.Hash().Hex(),
			"block_number", receipt.BlockNumber.Uint64(),
		)
		return nil, unavailable(ErrTransactionFailed, "ledger rejected the vote")
	}
	return toReceipt(receipt), nil
}

func (c *EthereumClient) send(ctx context.Context, data []byte) (*types.Transaction, error) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	nonce, err := c.backend.PendingNonceAt(ctx, c.from)
	if err != nil {
		return nil, fmt.Errorf("read nonce: %w", err)
	}
	gasPrice, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("suggest gas price: %w", err)
	}
	gas, err := c.backend.EstimateGas(ctx, ethereum.CallMsg{From: c.from, To: &c.contract, Data: data})
	if err != nil {
		return nil, fmt.Errorf("estimate gas: %w", err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &c.contract,
		Gas:      gas,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(c.chainID), c.key)
	if err != nil {
		return nil, fmt.Errorf("sign transaction: %w", err)
	}
	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("send transaction: %w", err)
	}
	return signed, nil
}

func (c *EthereumClient) LookupVote(ctx context.Context, voter Commitment) (*Receipt, error) {
	event := c.abi.Events["VoteSubmitted"]
	logs, err := c.backend.FilterLogs(ctx, ethereum.FilterQuery{
		Addresses: []common.Address{c.contract},
		Topics:    [][]common.Hash{{event.ID}, {common.Hash(voter)}},
	})
	if err != nil {
		return nil, unavailable(err, "ledger log query failed")
	}
	for i := len(logs) - 1; i >= 0; i-- {
		if logs[i].Removed {
			continue
		}
		receipt, err := c.backend.TransactionReceipt(ctx, logs[i].TxHash)
		if err != nil {
			return nil, unavailable(err, "ledger receipt lookup failed")
		}
		if receipt.Status == types.ReceiptStatusSuccessful {
			return toReceipt(receipt), nil
		}
	}
	return nil, fmt.Errorf("vote for %s: %w", voter.Hex(), sentinel.ErrNotFound)
}

func (c *EthereumClient) ConfirmTransaction(ctx context.Context, txHash string) (*Confirmation, error) {
	receipt, err := c.backend.TransactionReceipt(ctx, common.HexToHash(txHash))
	if errors.Is(err, ethereum.NotFound) {
		return &Confirmation{Status: StatusNotFound}, nil
	}
	if err != nil {
		return nil, unavailable(err, "ledger receipt lookup failed")
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return &Confirmation{Status: StatusFailed, BlockNumber: receipt.BlockNumber.Uint64()}, nil
	}
	conf := &Confirmation{Status: StatusConfirmed, BlockNumber: receipt.BlockNumber.Uint64()}
	if head, err := c.backend.BlockNumber(ctx); err == nil && head >= conf.BlockNumber {
		conf.Confirmations = head - conf.BlockNumber + 1
	}
	return conf, nil
}

func (c *EthereumClient) IsReachable(ctx context.Context) bool {
	_, err := c.backend.BlockNumber(ctx)
	return err == nil
}

func toReceipt(r *types.Receipt) *Receipt {
	hash, _ := NormalizeTxHash(r.TxHash.Hex())
	out := &Receipt{
		TxHash:    hash,
		BlockHash: strings.ToLower(r.BlockHash.Hex()),
		GasUsed:   r.GasUsed,
	}
	if r.BlockNumber != nil {
		out.BlockNumber = r.BlockNumber.Uint64()
	}
	return out
}
