package simulated

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/GPTx-global/flightsurety-oracle/oracle/ledger"
	"github.com/GPTx-global/flightsurety-oracle/oracle/types"
)

// FailNext makes the next call of method fail with err. Use "subscribe" to fail a Subscribe.
// Calls queue up.
func (l *Ledger) FailNext(method string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.faults[method] = append(l.faults[method], err)
}

// SetSendDelay delays every Send of method by d before it is executed.
func (l *Ledger) SetSendDelay(method string, d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.sendDelays[method] = d
}

// SetFee changes the registration fee.
func (l *Ledger) SetFee(fee *big.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.config.Fee = new(big.Int).Set(fee)
}

// Inject publishes event as is, without validation. The block number is assigned by the ledger
// when zero.
func (l *Ledger) Inject(event ledger.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.block++
	if event.BlockNumber == 0 {
		event.BlockNumber = l.block
	}
	if event.TxHash == (common.Hash{}) {
		event.TxHash = txHashAt(l.block)
	}
	event.LogIndex = uint(len(l.history))
	l.publish(event)
}

// OpenRequest opens an oracle request for a chosen index as if fetchFlightStatus picked it.
func (l *Ledger) OpenRequest(index uint8, airline common.Address, flight string, timestamp *big.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.openRequest(common.Address{}, index, airline, flight, timestamp)
	l.block++
}

// DropSubscriptions reports err on every live subscription and ends them.
func (l *Ledger) DropSubscriptions(err error) {
	l.mu.Lock()
	subs := make([]*subscription, 0, len(l.subs))
	for sub := range l.subs {
		subs = append(subs, sub)
	}
	l.subs = make(map[*subscription]struct{})
	l.mu.Unlock()

	for _, sub := range subs {
		sub.drop(err)
	}
}

// Subscriptions returns the number of live subscriptions.
func (l *Ledger) Subscriptions() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.subs)
}

// Register assigns indexes to account directly, skipping the fee.
func (l *Ledger) Register(account common.Address, indexes types.IndexSet) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.oracles[account] = indexes
	if _, ok := l.balances[account]; !ok {
		l.balances[account] = new(big.Int).Set(l.config.InitialBalance)
	}
}

// Indexes returns the index set of a registered oracle.
func (l *Ledger) Indexes(account common.Address) (types.IndexSet, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	indexes, ok := l.oracles[account]
	return indexes, ok
}

func (l *Ledger) Balance(account common.Address) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()

	balance, ok := l.balances[account]
	if !ok {
		return new(big.Int)
	}
	return new(big.Int).Set(balance)
}

// Resolved returns the status a request was closed with.
func (l *Ledger) Resolved(index uint8, airline common.Address, flight string, timestamp *big.Int) (types.StatusCode, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	status, ok := l.resolved[RequestKey(index, airline, flight, timestamp)]
	return status, ok
}

// Responses returns the number of accepted responses for a request, by status.
func (l *Ledger) Responses(index uint8, airline common.Address, flight string, timestamp *big.Int) map[types.StatusCode]int {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make(map[types.StatusCode]int)
	req, ok := l.requests[RequestKey(index, airline, flight, timestamp)]
	if !ok {
		return out
	}
	for status, oracles := range req.responses {
		out[types.StatusCode(status)] = len(oracles)
	}
	return out
}

// Sent returns every transaction submitted so far, including rejected ones.
func (l *Ledger) Sent() []SentTx {
	l.mu.Lock()
	defer l.mu.Unlock()

	return append([]SentTx(nil), l.sent...)
}

// SentOf returns the transactions of method.
func (l *Ledger) SentOf(method string) []SentTx {
	var out []SentTx
	for _, tx := range l.Sent() {
		if tx.Method == method {
			out = append(out, tx)
		}
	}
	return out
}

// History returns every published event named name.
func (l *Ledger) History(name string) []ledger.Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []ledger.Event
	for _, event := range l.history {
		if event.Name == name {
			out = append(out, event)
		}
	}
	return out
}
