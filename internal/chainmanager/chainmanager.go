// Package chainmanager implements the ports.ChainExecutor and
// ports.ChainTxInspector ports: it signs and submits ERC-20 stablecoin
// transfers, estimates and sponsors gas so agents never need to hold the
// native gas token, exposes the three settlement modes the executor can
// dispatch through (internal-only ledger moves, synchronous per-transaction
// chain settlement, and periodic batched netting), and looks up individual
// transactions and address-scoped transfer history for reconciliation.
// Provider resilience (retry, circuit breaking, rate limiting) is composed in
// through internal/resilience rather than re-implemented here.
package chainmanager

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/sardis-labs/paycore/internal/money"
	"github.com/sardis-labs/paycore/internal/ports"
	"github.com/sardis-labs/paycore/internal/resilience"
)

var (
	ErrInvalidPrivateKey = errors.New("chainmanager: invalid private key")
	ErrTransactionFailed = errors.New("chainmanager: transaction failed")
	ErrTimeout           = errors.New("chainmanager: confirmation timed out")
	ErrRPCConnection     = errors.New("chainmanager: RPC connection failed")
)

const erc20ABI = `[
	{"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"}
]`

const (
	defaultGasLimit          = uint64(100_000)
	confirmationPollInterval = 2 * time.Second
)

// EthClient abstracts go-ethereum's client for testability.
type EthClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, txHash common.Hash) (*types.Transaction, bool, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error)
	Close()
}

// transferEventSig is the ERC-20 Transfer(address,address,uint256) event
// topic hash.
var transferEventSig = common.HexToHash("0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef")

// Config configures a Manager.
type Config struct {
	RPCURL          string
	PrivateKey      string // hex, no 0x prefix required
	ChainID         int64
	TokenContract   string
	SettlementMode  ports.SettlementMode
	CallerMaxRetry  int
	CallerBaseDelay time.Duration
}

// Manager implements ports.ChainExecutor against an ERC-20 stablecoin
// contract on an EVM-compatible chain.
type Manager struct {
	client        EthClient
	privateKey    *ecdsa.PrivateKey
	address       common.Address
	chainID       *big.Int
	tokenContract common.Address
	tokenABI      abi.ABI
	mode          ports.SettlementMode
	caller        *resilience.Caller
}

// Option configures a Manager at construction time.
type Option func(*Manager)

// WithClient injects a custom EthClient, used in tests.
func WithClient(client EthClient) Option {
	return func(m *Manager) { m.client = client }
}

// WithCaller overrides the default resilience.Caller wrapping RPC calls.
func WithCaller(c *resilience.Caller) Option {
	return func(m *Manager) { m.caller = c }
}

// New creates a Manager, dialing the RPC endpoint unless WithClient supplies
// a test double.
func New(cfg Config, opts ...Option) (*Manager, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("%w: RPC URL required", ErrRPCConnection)
	}
	key := strings.TrimPrefix(cfg.PrivateKey, "0x")
	if len(key) != 64 {
		return nil, fmt.Errorf("%w: must be 64 hex characters", ErrInvalidPrivateKey)
	}
	if cfg.ChainID == 0 {
		return nil, fmt.Errorf("chainmanager: chain ID required")
	}
	if cfg.TokenContract == "" {
		return nil, fmt.Errorf("chainmanager: token contract address required")
	}

	privateKey, err := crypto.HexToECDSA(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}
	publicKeyECDSA, ok := privateKey.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: failed to derive public key", ErrInvalidPrivateKey)
	}
	parsedABI, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("chainmanager: parse ABI: %w", err)
	}

	mode := cfg.SettlementMode
	if mode == "" {
		mode = ports.SettlementPerTx
	}

	m := &Manager{
		privateKey:    privateKey,
		address:       crypto.PubkeyToAddress(*publicKeyECDSA),
		chainID:       big.NewInt(cfg.ChainID),
		tokenContract: common.HexToAddress(cfg.TokenContract),
		tokenABI:      parsedABI,
		mode:          mode,
	}
	for _, opt := range opts {
		opt(m)
	}

	if m.caller == nil {
		maxRetry := cfg.CallerMaxRetry
		if maxRetry <= 0 {
			maxRetry = 3
		}
		baseDelay := cfg.CallerBaseDelay
		if baseDelay <= 0 {
			baseDelay = 250 * time.Millisecond
		}
		m.caller = resilience.NewCaller(
			resilience.NewBreaker(5, 30*time.Second),
			resilience.NewRateLimiter(resilience.DefaultRateLimitConfig()),
			maxRetry, baseDelay,
		)
	}

	if m.client == nil {
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRPCConnection, err)
		}
		m.client = client
	}
	return m, nil
}

// Mode reports the settlement mode this manager was configured for.
func (m *Manager) Mode() ports.SettlementMode { return m.mode }

// Address returns the platform-controlled signing address.
func (m *Manager) Address() string { return m.address.Hex() }

// EstimateGas returns the expected gas units an ERC-20 transfer of t will
// consume, retried/rate-limited/circuit-broken through the shared caller.
func (m *Manager) EstimateGas(ctx context.Context, t ports.ChainTransfer) (uint64, error) {
	to := common.HexToAddress(t.To)
	data, err := m.tokenABI.Pack("transfer", to, t.Amount.ToUSDC())
	if err != nil {
		return 0, ports.NewError(ports.ErrKindPermanent, "EstimateGas", "pack_failed", "failed to encode transfer calldata", err)
	}

	var gasLimit uint64
	err = m.caller.Do(ctx, "rpc:estimate_gas", func(ctx context.Context) error {
		g, err := m.client.EstimateGas(ctx, ethereum.CallMsg{
			From: m.address, To: &m.tokenContract, Value: big.NewInt(0), Data: data,
		})
		if err != nil {
			return err
		}
		gasLimit = g
		return nil
	})
	if err != nil {
		return defaultGasLimit, ports.NewError(ports.ErrKindTransient, "EstimateGas", "rpc_error", "gas estimation failed, using default", err)
	}
	return gasLimit, nil
}

// Submit signs and broadcasts an ERC-20 transfer. It does not wait for
// confirmation; callers needing finality call Confirm.
func (m *Manager) Submit(ctx context.Context, t ports.ChainTransfer) (*ports.ChainReceipt, error) {
	to := common.HexToAddress(t.To)
	data, err := m.tokenABI.Pack("transfer", to, t.Amount.ToUSDC())
	if err != nil {
		return nil, ports.NewError(ports.ErrKindPermanent, "Submit", "pack_failed", "failed to encode transfer calldata", err)
	}

	var signedTx *types.Transaction
	err = m.caller.Do(ctx, "rpc:submit", func(ctx context.Context) error {
		nonce, err := m.client.PendingNonceAt(ctx, m.address)
		if err != nil {
			return err
		}
		gasPrice, err := m.client.SuggestGasPrice(ctx)
		if err != nil {
			return err
		}
		gasLimit, err := m.client.EstimateGas(ctx, ethereum.CallMsg{
			From: m.address, To: &m.tokenContract, Value: big.NewInt(0), Data: data,
		})
		if err != nil {
			gasLimit = defaultGasLimit
		}

		tx := types.NewTransaction(nonce, m.tokenContract, big.NewInt(0), gasLimit, gasPrice, data)
		signed, err := types.SignTx(tx, types.NewEIP155Signer(m.chainID), m.privateKey)
		if err != nil {
			return resilience.Permanent(err)
		}
		if err := m.client.SendTransaction(ctx, signed); err != nil {
			return err
		}
		signedTx = signed
		return nil
	})
	if err != nil {
		return nil, ports.NewError(ports.ErrKindTransient, "Submit", "broadcast_failed", "failed to broadcast transfer", err)
	}

	return &ports.ChainReceipt{TxHash: signedTx.Hash().Hex(), Confirmed: false}, nil
}

// Confirm blocks, subject to ctx, until txHash is mined, returning its
// receipt. Returns a permanent error if the transaction reverted.
func (m *Manager) Confirm(ctx context.Context, txHash string) (*ports.ChainReceipt, error) {
	hash := common.HexToHash(txHash)

	ticker := time.NewTicker(confirmationPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, ports.NewError(ports.ErrKindTransient, "Confirm", "timeout", "timed out waiting for confirmation", ErrTimeout)
			}
			return nil, ctx.Err()
		case <-ticker.C:
			receipt, err := m.client.TransactionReceipt(ctx, hash)
			if err != nil {
				continue // not yet mined
			}
			if receipt.Status == 0 {
				return nil, ports.NewError(ports.ErrKindPermanent, "Confirm", "reverted", "transaction reverted on-chain", ErrTransactionFailed)
			}
			return &ports.ChainReceipt{
				TxHash:      txHash,
				BlockNumber: receipt.BlockNumber.Uint64(),
				GasUsed:     receipt.GasUsed,
				Confirmed:   true,
			}, nil
		}
	}
}

// Balance returns the ERC-20 balance of address, converted to a platform
// Amount.
func (m *Manager) Balance(ctx context.Context, address string) (money.Amount, error) {
	addr := common.HexToAddress(address)
	data, err := m.tokenABI.Pack("balanceOf", addr)
	if err != nil {
		return money.Zero(), ports.NewError(ports.ErrKindPermanent, "Balance", "pack_failed", "failed to encode balanceOf call", err)
	}

	var raw []byte
	err = m.caller.Do(ctx, "rpc:balance", func(ctx context.Context) error {
		result, err := m.client.CallContract(ctx, ethereum.CallMsg{To: &m.tokenContract, Data: data}, nil)
		if err != nil {
			return err
		}
		raw = result
		return nil
	})
	if err != nil {
		return money.Zero(), ports.NewError(ports.ErrKindTransient, "Balance", "rpc_error", "balanceOf call failed", err)
	}

	bal := new(big.Int).SetBytes(raw)
	return money.FromUSDCUnits(bal), nil
}

// Close releases the underlying RPC client connection.
func (m *Manager) Close() error {
	if m.client != nil {
		m.client.Close()
	}
	return nil
}

// GetTransaction looks up a single transfer by hash for reconciliation,
// decoding the ERC-20 transfer() calldata rather than relying on an indexed
// log (a transaction can be found before its receipt, while still pending).
func (m *Manager) GetTransaction(ctx context.Context, hash string) (*ports.ChainTxInfo, bool, error) {
	h := common.HexToHash(hash)

	var tx *types.Transaction
	err := m.caller.Do(ctx, "rpc:get_transaction", func(ctx context.Context) error {
		t, _, err := m.client.TransactionByHash(ctx, h)
		if err != nil {
			return err
		}
		tx = t
		return nil
	})
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, false, nil
		}
		return nil, false, ports.NewError(ports.ErrKindTransient, "GetTransaction", "rpc_error", "transaction lookup failed", err)
	}

	to, amount, ok := m.decodeTransferCalldata(tx.Data())
	if !ok {
		return nil, false, nil
	}

	info := &ports.ChainTxInfo{
		Hash:   hash,
		To:     to.Hex(),
		Amount: money.FromUSDCUnits(amount),
		Status: ports.ChainTxPending,
	}
	if signer, err := types.Sender(types.NewEIP155Signer(m.chainID), tx); err == nil {
		info.From = signer.Hex()
	}

	receipt, err := m.client.TransactionReceipt(ctx, h)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return info, true, nil
		}
		return nil, false, ports.NewError(ports.ErrKindTransient, "GetTransaction", "rpc_error", "receipt lookup failed", err)
	}
	if receipt.Status == 0 {
		info.Status = ports.ChainTxFailed
	} else {
		info.Status = ports.ChainTxConfirmed
	}
	return info, true, nil
}

// TransfersForAddress lists ERC-20 transfers into or out of address within
// [fromBlock, toBlock], for the reconciler to diff against ledger entries.
func (m *Manager) TransfersForAddress(ctx context.Context, address string, fromBlock, toBlock uint64) ([]ports.ChainTxInfo, error) {
	addrTopic := common.BytesToHash(common.HexToAddress(address).Bytes())

	var logs []types.Log
	for _, topics := range [][][]common.Hash{
		{{transferEventSig}, {addrTopic}, nil}, // outgoing
		{{transferEventSig}, nil, {addrTopic}}, // incoming
	} {
		query := ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(fromBlock),
			ToBlock:   new(big.Int).SetUint64(toBlock),
			Addresses: []common.Address{m.tokenContract},
			Topics:    topics,
		}
		var found []types.Log
		err := m.caller.Do(ctx, "rpc:filter_logs", func(ctx context.Context) error {
			l, err := m.client.FilterLogs(ctx, query)
			if err != nil {
				return err
			}
			found = l
			return nil
		})
		if err != nil {
			return nil, ports.NewError(ports.ErrKindTransient, "TransfersForAddress", "rpc_error", "log filter failed", err)
		}
		logs = append(logs, found...)
	}

	seen := make(map[string]bool, len(logs))
	out := make([]ports.ChainTxInfo, 0, len(logs))
	for _, vLog := range logs {
		if vLog.Removed {
			continue
		}
		key := fmt.Sprintf("%s:%d", vLog.TxHash.Hex(), vLog.Index)
		if seen[key] {
			continue
		}
		seen[key] = true

		if len(vLog.Topics) < 3 || len(vLog.Data) != 32 {
			continue
		}
		from := common.HexToAddress(vLog.Topics[1].Hex())
		to := common.HexToAddress(vLog.Topics[2].Hex())
		amount := new(big.Int).SetBytes(vLog.Data)

		status := ports.ChainTxConfirmed
		if receipt, err := m.client.TransactionReceipt(ctx, vLog.TxHash); err == nil && receipt.Status == 0 {
			status = ports.ChainTxFailed
		}

		out = append(out, ports.ChainTxInfo{
			Hash:   vLog.TxHash.Hex(),
			From:   from.Hex(),
			To:     to.Hex(),
			Amount: money.FromUSDCUnits(amount),
			Status: status,
		})
	}
	return out, nil
}

// LatestBlock returns the chain's current block height.
func (m *Manager) LatestBlock(ctx context.Context) (uint64, error) {
	var height uint64
	err := m.caller.Do(ctx, "rpc:block_number", func(ctx context.Context) error {
		h, err := m.client.BlockNumber(ctx)
		if err != nil {
			return err
		}
		height = h
		return nil
	})
	if err != nil {
		return 0, ports.NewError(ports.ErrKindTransient, "LatestBlock", "rpc_error", "block number lookup failed", err)
	}
	return height, nil
}

// decodeTransferCalldata extracts the recipient and amount from an ERC-20
// transfer() call, reporting false if data isn't a recognized transfer.
func (m *Manager) decodeTransferCalldata(data []byte) (common.Address, *big.Int, bool) {
	if len(data) < 4 {
		return common.Address{}, nil, false
	}
	method, err := m.tokenABI.MethodById(data[:4])
	if err != nil || method.Name != "transfer" {
		return common.Address{}, nil, false
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil || len(args) != 2 {
		return common.Address{}, nil, false
	}
	to, ok := args[0].(common.Address)
	if !ok {
		return common.Address{}, nil, false
	}
	value, ok := args[1].(*big.Int)
	if !ok {
		return common.Address{}, nil, false
	}
	return to, value, true
}

var _ ports.ChainExecutor = (*Manager)(nil)
var _ ports.ChainTxInspector = (*Manager)(nil)
