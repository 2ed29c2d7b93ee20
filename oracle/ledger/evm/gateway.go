package evm

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/GPTx-global/flightsurety-oracle/oracle/ledger"
	"github.com/GPTx-global/flightsurety-oracle/oracle/log"
	"github.com/GPTx-global/flightsurety-oracle/oracle/retry"
)

const (
	DefaultGasLimit       = 1_000_000
	DefaultReceiptTimeout = 2 * time.Minute
	receiptPollPeriod     = 500 * time.Millisecond
)

type Config struct {
	Endpoint       string
	Contract       common.Address
	GasLimit       uint64
	ReceiptTimeout time.Duration
}

// Gateway talks to the registry contract over JSON-RPC. Transactions are signed by the node,
// so every sender must be an account unlocked on it.
type Gateway struct {
	rpc      *rpc.Client
	client   *ethclient.Client
	contract abi.ABI
	config   Config

	// transient RPC failures while polling for a receipt
	receiptRetry *retry.Config
}

var _ ledger.Gateway = (*Gateway)(nil)

// Dial connects to the node at config.Endpoint. Subscriptions need a websocket or IPC endpoint.
func Dial(ctx context.Context, config Config) (*Gateway, error) {
	if config.Contract == (common.Address{}) {
		return nil, errors.New("contract address is required")
	}

	client, err := rpc.DialContext(ctx, config.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", config.Endpoint, err)
	}

	return NewGateway(client, config), nil
}

// NewGateway wraps an existing RPC client.
func NewGateway(client *rpc.Client, config Config) *Gateway {
	if config.GasLimit == 0 {
		config.GasLimit = DefaultGasLimit
	}
	if config.ReceiptTimeout == 0 {
		config.ReceiptTimeout = DefaultReceiptTimeout
	}

	return &Gateway{
		rpc:      client,
		client:   ethclient.NewClient(client),
		contract: ParseABI(RegistryABI),
		config:   config,

		receiptRetry: retry.DefaultConfig(),
	}
}

func (g *Gateway) Accounts(ctx context.Context) ([]ledger.Account, error) {
	var accounts []common.Address
	if err := g.rpc.CallContext(ctx, &accounts, "eth_accounts"); err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	return accounts, nil
}

func (g *Gateway) BlockNumber(ctx context.Context) (uint64, error) {
	return g.client.BlockNumber(ctx)
}

func (g *Gateway) QueryFee(ctx context.Context) (*big.Int, error) {
	out, err := g.Call(ctx, ledger.MethodRegistrationFee, nil, common.Address{})
	if err != nil {
		return nil, err
	}
	return ledger.FeeFromCall(out)
}

func (g *Gateway) Call(ctx context.Context, method string, args []any, sender ledger.Account) ([]any, error) {
	data, err := g.contract.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s: %w", method, err)
	}

	to := g.config.Contract
	output, err := g.client.CallContract(ctx, ethereum.CallMsg{
		From: sender,
		To:   &to,
		Data: data,
	}, nil)
	if err != nil {
		return nil, &ledger.TxError{Method: method, Reason: revertReason(err, nil), Err: err}
	}

	out, err := g.contract.Unpack(method, output)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack %s: %w", method, err)
	}
	return out, nil
}

type sendArgs struct {
	From  common.Address `json:"from"`
	To    common.Address `json:"to"`
	Gas   hexutil.Uint64 `json:"gas"`
	Value *hexutil.Big   `json:"value,omitempty"`
	Data  hexutil.Bytes  `json:"data"`
}

// Send submits a transaction signed by the node and waits until it is mined. A reverted
// transaction is replayed as a call to recover its revert reason.
func (g *Gateway) Send(ctx context.Context, method string, args []any, opts ledger.SendOpts) (*ledger.Receipt, error) {
	data, err := g.contract.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s: %w", method, err)
	}

	gas := opts.GasLimit
	if gas == 0 {
		gas = g.config.GasLimit
	}
	tx := sendArgs{
		From: opts.From,
		To:   g.config.Contract,
		Gas:  hexutil.Uint64(gas),
		Data: data,
	}
	if opts.Value != nil && opts.Value.Sign() > 0 {
		tx.Value = (*hexutil.Big)(new(big.Int).Set(opts.Value))
	}

	var hash common.Hash
	if err := g.rpc.CallContext(ctx, &hash, "eth_sendTransaction", tx); err != nil {
		return nil, &ledger.TxError{Method: method, Reason: revertReason(err, nil), Err: err}
	}

	receipt, err := g.waitReceipt(ctx, hash)
	if err != nil {
		return nil, &ledger.TxError{Method: method, TxHash: hash, Err: err}
	}

	if receipt.Status != ethtypes.ReceiptStatusSuccessful {
		return nil, &ledger.TxError{
			Method: method,
			TxHash: hash,
			Reason: g.replay(ctx, tx, receipt.BlockNumber),
			Err:    errors.New("execution reverted"),
		}
	}

	return &ledger.Receipt{
		TxHash:      hash,
		BlockNumber: receipt.BlockNumber.Uint64(),
		GasUsed:     receipt.GasUsed,
	}, nil
}

func (g *Gateway) waitReceipt(ctx context.Context, hash common.Hash) (*ethtypes.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, g.config.ReceiptTimeout)
	defer cancel()

	ticker := time.NewTicker(receiptPollPeriod)
	defer ticker.Stop()

	for {
		var receipt *ethtypes.Receipt
		err := retry.Do(ctx, g.receiptRetry, func() error {
			var err error
			receipt, err = g.client.TransactionReceipt(ctx, hash)
			return err
		}, retry.DefaultIsRetryable)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return nil, fmt.Errorf("failed to get receipt of %s: %w", hash.Hex(), err)
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("receipt of %s not found: %w", hash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}

// replay re-executes a reverted transaction as a call at its block to recover the reason.
func (g *Gateway) replay(ctx context.Context, tx sendArgs, block *big.Int) string {
	msg := ethereum.CallMsg{
		From: tx.From,
		To:   &tx.To,
		Gas:  uint64(tx.Gas),
		Data: tx.Data,
	}
	if tx.Value != nil {
		msg.Value = tx.Value.ToInt()
	}

	output, err := g.client.CallContract(ctx, msg, block)
	if err != nil {
		return revertReason(err, nil)
	}
	return revertReason(nil, output)
}

// revertReason extracts the Error(string) reason from a failed call, or returns "" if there
// is none.
func revertReason(err error, output []byte) string {
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		if hexData, ok := dataErr.ErrorData().(string); ok {
			if data, decodeErr := hexutil.Decode(hexData); decodeErr == nil {
				output = data
			}
		}
	}

	if len(output) > 0 {
		if reason, unpackErr := abi.UnpackRevert(output); unpackErr == nil {
			return reason
		}
	}

	if err != nil {
		log.Debug("no revert reason in error", "err", err.Error())
	}
	return ""
}

// Subscribe streams decoded logs of eventName from fromBlock on. The live subscription only
// carries logs of new blocks, so logs already mined since fromBlock are fetched once it is open
// and delivered ahead of them. Logs mined in between may arrive twice.
func (g *Gateway) Subscribe(ctx context.Context, eventName string, fromBlock uint64) (ledger.Subscription, error) {
	ev, ok := g.contract.Events[eventName]
	if !ok {
		return nil, fmt.Errorf("unknown event %q", eventName)
	}

	query := ethereum.FilterQuery{
		Addresses: []common.Address{g.config.Contract},
		Topics:    [][]common.Hash{{ev.ID}},
	}

	logs := make(chan ethtypes.Log, 256)
	sub, err := g.client.SubscribeFilterLogs(ctx, query, logs)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", eventName, err)
	}

	past, err := g.pastLogs(ctx, query, fromBlock)
	if err != nil {
		sub.Unsubscribe()
		return nil, fmt.Errorf("failed to fetch past %s logs: %w", eventName, err)
	}
	if len(past) > 0 {
		log.Info("replaying past logs", "event", eventName, "fromBlock", fromBlock, "count", len(past))
	}

	return newSubscription(g.contract, sub, logs, past), nil
}

// pastLogs returns the logs matching query from fromBlock up to the current head.
func (g *Gateway) pastLogs(ctx context.Context, query ethereum.FilterQuery, fromBlock uint64) ([]ethtypes.Log, error) {
	head, err := g.client.BlockNumber(ctx)
	if err != nil {
		return nil, err
	}
	if fromBlock > head {
		return nil, nil
	}

	query.FromBlock = new(big.Int).SetUint64(fromBlock)
	query.ToBlock = new(big.Int).SetUint64(head)
	return g.client.FilterLogs(ctx, query)
}

func (g *Gateway) Close() {
	g.rpc.Close()
}
