package subscribe

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/GPTx-global/flightsurety-oracle/oracle/ledger"
	"github.com/GPTx-global/flightsurety-oracle/oracle/log"
	"github.com/GPTx-global/flightsurety-oracle/oracle/metrics"
	"github.com/GPTx-global/flightsurety-oracle/oracle/retry"
	"github.com/GPTx-global/flightsurety-oracle/oracle/types"
)

type SubscribeManager struct {
	gateway   ledger.Gateway
	eventName string
	metrics   *metrics.Metrics

	retryConfig *retry.Config
	breaker     *retry.CircuitBreaker
	channelSize int

	// resume point; events already forwarded from lastBlock are remembered so a resubscription
	// starting at lastBlock does not deliver them twice
	cursorLock sync.Mutex
	fromBlock  uint64
	lastBlock  uint64
	seen       map[string]struct{}

	subscribed atomic.Bool
}

// NewSubscribeManager creates a subscription manager streaming eventName from fromBlock on.
func NewSubscribeManager(gateway ledger.Gateway, eventName string, fromBlock uint64, m *metrics.Metrics) *SubscribeManager {
	if m == nil {
		m = metrics.NewUnregistered()
	}

	return &SubscribeManager{
		gateway:     gateway,
		eventName:   eventName,
		metrics:     m,
		retryConfig: retry.NetworkConfig(),
		breaker:     retry.NewCircuitBreaker(5, 30*time.Second),
		channelSize: 2 << 10,
		fromBlock:   fromBlock,
		seen:        make(map[string]struct{}),
	}
}

// SetRetryConfig replaces the backoff used when (re)subscribing. It must be called before Start.
func (sm *SubscribeManager) SetRetryConfig(config *retry.Config, breaker *retry.CircuitBreaker) {
	sm.retryConfig = config
	sm.breaker = breaker
}

// Subscribed reports whether a live subscription is currently open.
func (sm *SubscribeManager) Subscribed() bool {
	return sm.subscribed.Load()
}

// Cursor returns the block the next subscription would start from.
func (sm *SubscribeManager) Cursor() uint64 {
	sm.cursorLock.Lock()
	defer sm.cursorLock.Unlock()

	return sm.resumeBlock()
}

// Start subscribes in the background and returns the merged event stream. The stream survives
// transport failures and is closed only when ctx is done.
func (sm *SubscribeManager) Start(ctx context.Context) <-chan ledger.Event {
	out := make(chan ledger.Event, sm.channelSize)

	go func() {
		defer close(out)
		sm.run(ctx, out)
	}()

	return out
}

func (sm *SubscribeManager) run(ctx context.Context, out chan<- ledger.Event) {
	for {
		sub, err := sm.subscribe(ctx)
		if err != nil {
			log.Debugf("subscription loop stopped: %v", err)
			return
		}

		err = sm.forward(ctx, sub, out)
		sub.Unsubscribe()
		sm.subscribed.Store(false)

		if ctx.Err() != nil {
			return
		}

		sm.metrics.TransportFailures.Inc()
		sm.metrics.Resubscriptions.Inc()
		log.Error("event subscription lost, resubscribing", "event", sm.eventName, "cursor", sm.Cursor(), "err", err.Error())
	}
}

func (sm *SubscribeManager) subscribe(ctx context.Context) (ledger.Subscription, error) {
	var sub ledger.Subscription

	err := retry.Do(ctx, sm.retryConfig, func() error {
		return sm.breaker.Execute(func() error {
			from := sm.Cursor()

			s, err := sm.gateway.Subscribe(ctx, sm.eventName, from)
			if err != nil {
				return errors.Wrapf(types.ErrTransport, "subscribe to %s: %v", sm.eventName, err)
			}

			sub = s
			log.Info("subscribed to ledger events", "event", sm.eventName, "fromBlock", from)
			return nil
		})
	}, retry.Always)
	if err != nil {
		return nil, err
	}

	sm.subscribed.Store(true)
	return sub, nil
}

// forward copies events from sub to out until ctx is done or the subscription fails.
func (sm *SubscribeManager) forward(ctx context.Context, sub ledger.Subscription, out chan<- ledger.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-sub.Err():
			if err == nil {
				err = errors.New("subscription ended")
			}
			return errors.Wrap(types.ErrTransport, err.Error())
		case event, ok := <-sub.Events():
			if !ok {
				return errors.Wrap(types.ErrTransport, "event stream closed")
			}
			if !sm.advance(event) {
				log.Debug("duplicate event skipped", "event", event.Name, "block", event.BlockNumber)
				continue
			}

			select {
			case out <- event:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// advance moves the cursor past event and reports whether it has not been forwarded yet.
func (sm *SubscribeManager) advance(event ledger.Event) bool {
	sm.cursorLock.Lock()
	defer sm.cursorLock.Unlock()

	if event.BlockNumber < sm.lastBlock {
		return false
	}
	if event.BlockNumber > sm.lastBlock {
		sm.lastBlock = event.BlockNumber
		sm.seen = make(map[string]struct{})
	}

	key := event.Key()
	if _, ok := sm.seen[key]; ok {
		return false
	}
	sm.seen[key] = struct{}{}

	return true
}

func (sm *SubscribeManager) resumeBlock() uint64 {
	if sm.lastBlock > sm.fromBlock {
		return sm.lastBlock
	}
	return sm.fromBlock
}
