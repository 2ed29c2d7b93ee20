package simulated

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"math/rand"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/params"

	"github.com/GPTx-global/flightsurety-oracle/oracle/ledger"
	"github.com/GPTx-global/flightsurety-oracle/oracle/types"
)

// Revert reasons of the flight surety registry.
const (
	ReasonFeeRequired       = "Registration fee is required"
	ReasonAlreadyRegistered = "Oracle is already registered"
	ReasonNotRegistered     = "Not registered as an oracle"
	ReasonIndexMismatch     = "Index does not match oracle request"
	ReasonRequestMismatch   = "Flight or timestamp do not match oracle request"
	ReasonInsufficientFunds = "insufficient funds for gas * price + value"
)

var ErrClosed = errors.New("simulated ledger closed")

type Config struct {
	Accounts        int
	Fee             *big.Int
	InitialBalance  *big.Int
	MinResponses    int
	IndexCategories uint8
	Seed            int64
}

func DefaultConfig() Config {
	return Config{
		Accounts:        50,
		Fee:             new(big.Int).Mul(big.NewInt(1), big.NewInt(params.Ether)),
		InitialBalance:  new(big.Int).Mul(big.NewInt(100), big.NewInt(params.Ether)),
		MinResponses:    3,
		IndexCategories: types.DefaultIndexCategories,
		Seed:            1,
	}
}

// SentTx records a transaction accepted or rejected by the ledger.
type SentTx struct {
	Method string
	Args   []any
	Opts   ledger.SendOpts
	Err    error
}

type request struct {
	requester common.Address
	open      bool
	responses map[uint8][]common.Address
}

// Ledger is an in-memory flight surety oracle registry implementing ledger.Gateway.
type Ledger struct {
	mu     sync.Mutex
	config Config
	rng    *rand.Rand

	accounts []common.Address
	balances map[common.Address]*big.Int
	oracles  map[common.Address]types.IndexSet
	requests map[common.Hash]*request
	resolved map[common.Hash]types.StatusCode

	block   uint64
	history []ledger.Event
	subs    map[*subscription]struct{}

	faults     map[string][]error
	sendDelays map[string]time.Duration
	sent       []SentTx
	closed     bool
}

var _ ledger.Gateway = (*Ledger)(nil)

func New(config Config) *Ledger {
	defaults := DefaultConfig()
	if config.Accounts == 0 {
		config.Accounts = defaults.Accounts
	}
	if config.Fee == nil {
		config.Fee = defaults.Fee
	}
	if config.InitialBalance == nil {
		config.InitialBalance = defaults.InitialBalance
	}
	if config.MinResponses == 0 {
		config.MinResponses = defaults.MinResponses
	}
	if config.IndexCategories == 0 {
		config.IndexCategories = defaults.IndexCategories
	}

	l := &Ledger{
		config:     config,
		rng:        rand.New(rand.NewSource(config.Seed)),
		balances:   make(map[common.Address]*big.Int),
		oracles:    make(map[common.Address]types.IndexSet),
		requests:   make(map[common.Hash]*request),
		resolved:   make(map[common.Hash]types.StatusCode),
		subs:       make(map[*subscription]struct{}),
		faults:     make(map[string][]error),
		sendDelays: make(map[string]time.Duration),
	}

	for i := 0; i < config.Accounts; i++ {
		account := AccountAt(i)
		l.accounts = append(l.accounts, account)
		l.balances[account] = new(big.Int).Set(config.InitialBalance)
	}

	return l
}

// AccountAt returns the deterministic i-th account of every simulated ledger.
func AccountAt(i int) common.Address {
	return common.BytesToAddress(crypto.Keccak256([]byte(fmt.Sprintf("flightsurety-account-%d", i))))
}

// RequestKey identifies an oracle request the same way the registry does.
func RequestKey(index uint8, airline common.Address, flight string, timestamp *big.Int) common.Hash {
	return crypto.Keccak256Hash(
		[]byte{index},
		airline.Bytes(),
		[]byte(flight),
		common.LeftPadBytes(timestamp.Bytes(), 32),
	)
}

func (l *Ledger) Accounts(ctx context.Context) ([]ledger.Account, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, ErrClosed
	}

	return append([]ledger.Account(nil), l.accounts...), nil
}

func (l *Ledger) BlockNumber(ctx context.Context) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return 0, ErrClosed
	}

	return l.block, nil
}

func (l *Ledger) QueryFee(ctx context.Context) (*big.Int, error) {
	out, err := l.Call(ctx, ledger.MethodRegistrationFee, nil, common.Address{})
	if err != nil {
		return nil, err
	}
	return ledger.FeeFromCall(out)
}

func (l *Ledger) Call(ctx context.Context, method string, args []any, sender ledger.Account) ([]any, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, ErrClosed
	}
	if err := l.takeFault(method); err != nil {
		return nil, err
	}

	switch method {
	case ledger.MethodRegistrationFee:
		return []any{new(big.Int).Set(l.config.Fee)}, nil

	case ledger.MethodGetMyIndexes:
		indexes, ok := l.oracles[sender]
		if !ok {
			return nil, &ledger.TxError{Method: method, Reason: ReasonNotRegistered}
		}
		return []any{[types.IndexSetSize]uint8(indexes)}, nil

	default:
		return nil, fmt.Errorf("unknown method %q", method)
	}
}

func (l *Ledger) Send(ctx context.Context, method string, args []any, opts ledger.SendOpts) (*ledger.Receipt, error) {
	l.mu.Lock()
	delay := l.sendDelays[method]
	l.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	receipt, err := l.execute(method, args, opts)
	l.sent = append(l.sent, SentTx{
		Method: method,
		Args:   append([]any(nil), args...),
		Opts:   copyOpts(opts),
		Err:    err,
	})

	return receipt, err
}

func (l *Ledger) execute(method string, args []any, opts ledger.SendOpts) (*ledger.Receipt, error) {
	if l.closed {
		return nil, ErrClosed
	}
	if err := l.takeFault(method); err != nil {
		return nil, err
	}

	value := opts.Value
	if value == nil {
		value = new(big.Int)
	}
	balance, ok := l.balances[opts.From]
	if !ok || balance.Cmp(value) < 0 {
		return nil, &ledger.TxError{Method: method, Err: errors.New(ReasonInsufficientFunds)}
	}

	var err error
	switch method {
	case ledger.MethodRegisterOracle:
		err = l.registerOracle(opts.From, value)
	case ledger.MethodFetchFlightStatus:
		err = l.fetchFlightStatus(opts.From, args)
	case ledger.MethodSubmitOracleResponse:
		err = l.submitOracleResponse(opts.From, args)
	default:
		err = fmt.Errorf("unknown method %q", method)
	}
	if err != nil {
		return nil, &ledger.TxError{Method: method, Reason: err.Error()}
	}

	balance.Sub(balance, value)
	l.block++

	return &ledger.Receipt{
		TxHash:      txHashAt(l.block),
		BlockNumber: l.block,
	}, nil
}

func (l *Ledger) registerOracle(from common.Address, value *big.Int) error {
	if value.Cmp(l.config.Fee) < 0 {
		return errors.New(ReasonFeeRequired)
	}
	if _, ok := l.oracles[from]; ok {
		return errors.New(ReasonAlreadyRegistered)
	}

	l.oracles[from] = l.generateIndexes()
	return nil
}

func (l *Ledger) fetchFlightStatus(from common.Address, args []any) error {
	airline, flight, timestamp, err := flightArgs(args)
	if err != nil {
		return err
	}

	index := uint8(l.rng.Intn(int(l.config.IndexCategories)))
	l.openRequest(from, index, airline, flight, timestamp)

	return nil
}

func (l *Ledger) openRequest(from common.Address, index uint8, airline common.Address, flight string, timestamp *big.Int) {
	key := RequestKey(index, airline, flight, timestamp)
	l.requests[key] = &request{
		requester: from,
		open:      true,
		responses: make(map[uint8][]common.Address),
	}

	l.emit(ledger.EventOracleRequest, map[string]any{
		ledger.FieldIndex:     index,
		ledger.FieldAirline:   airline,
		ledger.FieldFlight:    flight,
		ledger.FieldTimestamp: new(big.Int).Set(timestamp),
	})
}

func (l *Ledger) submitOracleResponse(from common.Address, args []any) error {
	if len(args) != 5 {
		return fmt.Errorf("expected 5 arguments, got %d", len(args))
	}
	index, ok := args[0].(uint8)
	if !ok {
		return fmt.Errorf("invalid index argument %T", args[0])
	}
	airline, flight, timestamp, err := flightArgs(args[1:4])
	if err != nil {
		return err
	}
	status, ok := args[4].(uint8)
	if !ok {
		return fmt.Errorf("invalid status argument %T", args[4])
	}

	indexes, registered := l.oracles[from]
	if !registered || !indexes.Contains(index) {
		return errors.New(ReasonIndexMismatch)
	}

	key := RequestKey(index, airline, flight, timestamp)
	req, ok := l.requests[key]
	if !ok || !req.open {
		return errors.New(ReasonRequestMismatch)
	}

	req.responses[status] = append(req.responses[status], from)
	fields := map[string]any{
		ledger.FieldAirline:   airline,
		ledger.FieldFlight:    flight,
		ledger.FieldTimestamp: new(big.Int).Set(timestamp),
		ledger.FieldStatus:    status,
	}
	l.emit(ledger.EventOracleReport, fields)

	if len(req.responses[status]) >= l.config.MinResponses {
		req.open = false
		l.resolved[key] = types.StatusCode(status)
		l.emit(ledger.EventFlightStatusInfo, fields)
	}

	return nil
}

func flightArgs(args []any) (common.Address, string, *big.Int, error) {
	if len(args) != 3 {
		return common.Address{}, "", nil, fmt.Errorf("expected 3 flight arguments, got %d", len(args))
	}
	airline, ok := args[0].(common.Address)
	if !ok {
		return common.Address{}, "", nil, fmt.Errorf("invalid airline argument %T", args[0])
	}
	flight, ok := args[1].(string)
	if !ok {
		return common.Address{}, "", nil, fmt.Errorf("invalid flight argument %T", args[1])
	}
	timestamp, ok := args[2].(*big.Int)
	if !ok || timestamp == nil {
		return common.Address{}, "", nil, fmt.Errorf("invalid timestamp argument %T", args[2])
	}
	return airline, flight, timestamp, nil
}

func (l *Ledger) generateIndexes() types.IndexSet {
	var set types.IndexSet
	n := int(l.config.IndexCategories)

	set[0] = uint8(l.rng.Intn(n))
	set[1] = set[0]
	for set[1] == set[0] {
		set[1] = uint8(l.rng.Intn(n))
	}
	set[2] = set[0]
	for set[2] == set[0] || set[2] == set[1] {
		set[2] = uint8(l.rng.Intn(n))
	}

	return set
}

func txHashAt(block uint64) common.Hash {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, block)
	return crypto.Keccak256Hash([]byte("tx"), buf)
}

func (l *Ledger) emit(name string, fields map[string]any) {
	l.publish(ledger.Event{
		Name:        name,
		BlockNumber: l.block + 1,
		TxHash:      txHashAt(l.block + 1),
		LogIndex:    uint(len(l.history)),
		Fields:      fields,
	})
}

func (l *Ledger) publish(event ledger.Event) {
	l.history = append(l.history, event)
	for sub := range l.subs {
		if sub.name == event.Name {
			sub.push(event)
		}
	}
}

func (l *Ledger) takeFault(method string) error {
	queue := l.faults[method]
	if len(queue) == 0 {
		return nil
	}
	l.faults[method] = queue[1:]
	return queue[0]
}

func copyOpts(opts ledger.SendOpts) ledger.SendOpts {
	if opts.Value != nil {
		opts.Value = new(big.Int).Set(opts.Value)
	}
	return opts
}

func (l *Ledger) Subscribe(ctx context.Context, eventName string, fromBlock uint64) (ledger.Subscription, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, ErrClosed
	}
	if err := l.takeFault("subscribe"); err != nil {
		return nil, err
	}

	sub := newSubscription(l, eventName)
	for _, event := range l.history {
		if event.Name == eventName && event.BlockNumber >= fromBlock {
			sub.push(event)
		}
	}
	l.subs[sub] = struct{}{}

	go func() {
		select {
		case <-ctx.Done():
			sub.Unsubscribe()
		case <-sub.quit:
		}
	}()

	return sub, nil
}

func (l *Ledger) removeSubscription(sub *subscription) {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.subs, sub)
}

// Close ends every subscription and rejects further calls.
func (l *Ledger) Close() {
	l.mu.Lock()
	l.closed = true
	subs := make([]*subscription, 0, len(l.subs))
	for sub := range l.subs {
		subs = append(subs, sub)
	}
	l.mu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
}
