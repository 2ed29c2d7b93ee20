package evm

import (
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	ethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/GPTx-global/flightsurety-oracle/oracle/ledger"
	"github.com/GPTx-global/flightsurety-oracle/oracle/log"
)

// subscription decodes raw logs into ledger events. Past logs are delivered first, then live
// ones. Logs that cannot be decoded are still delivered with partial fields so the consumer
// decides what to drop.
type subscription struct {
	contract abi.ABI
	sub      ethereum.Subscription
	logs     <-chan ethtypes.Log
	past     []ethtypes.Log

	events chan ledger.Event
	errs   chan error
	quit   chan struct{}
	once   sync.Once
}

func newSubscription(contract abi.ABI, sub ethereum.Subscription, logs <-chan ethtypes.Log, past []ethtypes.Log) *subscription {
	s := &subscription{
		contract: contract,
		sub:      sub,
		logs:     logs,
		past:     past,
		events:   make(chan ledger.Event),
		errs:     make(chan error, 1),
		quit:     make(chan struct{}),
	}
	go s.loop()
	return s
}

func (s *subscription) Events() <-chan ledger.Event {
	return s.events
}

func (s *subscription) Err() <-chan error {
	return s.errs
}

func (s *subscription) Unsubscribe() {
	s.once.Do(func() {
		close(s.quit)
		s.sub.Unsubscribe()
	})
}

func (s *subscription) loop() {
	defer close(s.events)

	for _, raw := range s.past {
		if !s.deliver(raw) {
			return
		}
	}
	s.past = nil

	for {
		select {
		case <-s.quit:
			return
		case err, ok := <-s.sub.Err():
			if ok && err != nil {
				s.errs <- err
			}
			return
		case raw := <-s.logs:
			if !s.deliver(raw) {
				return
			}
		}
	}
}

// deliver decodes raw and hands it to the consumer. It returns false once unsubscribed.
func (s *subscription) deliver(raw ethtypes.Log) bool {
	if raw.Removed {
		log.Debug("removed log skipped", "tx", raw.TxHash, "block", raw.BlockNumber)
		return true
	}

	event, err := DecodeLog(s.contract, raw)
	if err != nil {
		log.Error("failed to decode log", "tx", raw.TxHash, "block", raw.BlockNumber, "err", err.Error())
	}

	select {
	case s.events <- event:
		return true
	case <-s.quit:
		return false
	}
}
