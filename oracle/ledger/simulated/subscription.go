package simulated

import (
	"sync"

	"github.com/GPTx-global/flightsurety-oracle/oracle/ledger"
)

// subscription buffers events in an unbounded queue so the ledger never blocks on a slow
// consumer. A pump goroutine delivers them in emission order.
type subscription struct {
	ledger *Ledger
	name   string

	mu      sync.Mutex
	queue   []ledger.Event
	dropped bool

	notify chan struct{}
	events chan ledger.Event
	errs   chan error
	quit   chan struct{}
	once   sync.Once
}

var _ ledger.Subscription = (*subscription)(nil)

func newSubscription(l *Ledger, name string) *subscription {
	sub := &subscription{
		ledger: l,
		name:   name,
		notify: make(chan struct{}, 1),
		events: make(chan ledger.Event),
		errs:   make(chan error, 1),
		quit:   make(chan struct{}),
	}
	go sub.pump()
	return sub
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
		s.ledger.removeSubscription(s)
	})
}

func (s *subscription) push(event ledger.Event) {
	s.mu.Lock()
	if s.dropped {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, event)
	s.mu.Unlock()

	s.wake()
}

// drop reports err and ends the stream once the queued events are delivered.
func (s *subscription) drop(err error) {
	s.mu.Lock()
	s.dropped = true
	s.mu.Unlock()

	select {
	case s.errs <- err:
	default:
	}
	s.wake()
}

func (s *subscription) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *subscription) pump() {
	defer close(s.events)

	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			event := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()

			select {
			case s.events <- event:
			case <-s.quit:
				return
			}
			continue
		}
		dropped := s.dropped
		s.mu.Unlock()

		if dropped {
			return
		}

		select {
		case <-s.notify:
		case <-s.quit:
			return
		}
	}
}
