package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/suite"

	"github.com/GPTx-global/flightsurety-oracle/oracle/ledger"
	"github.com/GPTx-global/flightsurety-oracle/oracle/ledger/simulated"
	"github.com/GPTx-global/flightsurety-oracle/oracle/log"
	"github.com/GPTx-global/flightsurety-oracle/oracle/metrics"
	"github.com/GPTx-global/flightsurety-oracle/oracle/pool"
	"github.com/GPTx-global/flightsurety-oracle/oracle/responder"
	"github.com/GPTx-global/flightsurety-oracle/oracle/types"
)

// recordingResponder records attempts and lets tests slow down or fail single oracles.
type recordingResponder struct {
	mu       sync.Mutex
	attempts []types.ResponseAttempt
	delay    map[common.Address]time.Duration
	fail     map[common.Address]error
	picker   responder.StatusPicker
}

func newRecordingResponder() *recordingResponder {
	return &recordingResponder{
		delay:  make(map[common.Address]time.Duration),
		fail:   make(map[common.Address]error),
		picker: responder.NewRandomPicker(11),
	}
}

func (r *recordingResponder) Respond(ctx context.Context, oracle types.OracleIdentity, req types.StatusRequestEvent) types.ResponseAttempt {
	r.mu.Lock()
	delay := r.delay[oracle.Account]
	err := r.fail[oracle.Account]
	r.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
		}
	}

	attempt := types.ResponseAttempt{Oracle: oracle, Request: req, StatusCode: r.picker.Pick(), Err: err}

	r.mu.Lock()
	r.attempts = append(r.attempts, attempt)
	r.mu.Unlock()

	return attempt
}

func (r *recordingResponder) Attempts() []types.ResponseAttempt {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]types.ResponseAttempt(nil), r.attempts...)
}

type DispatcherTestSuite struct {
	suite.Suite
	ctx     context.Context
	cancel  context.CancelFunc
	pool    *pool.Pool
	oracles []types.OracleIdentity
	airline common.Address
	logs    *bytes.Buffer
}

func TestDispatcherTestSuite(t *testing.T) {
	suite.Run(t, new(DispatcherTestSuite))
}

func (s *DispatcherTestSuite) SetupTest() {
	s.logs = new(bytes.Buffer)
	log.SetOutput(s.logs)

	s.ctx, s.cancel = context.WithTimeout(context.Background(), 10*time.Second)
	s.airline = simulated.AccountAt(0)

	s.pool = pool.NewPool()
	s.oracles = []types.OracleIdentity{
		{Account: simulated.AccountAt(1), Indexes: types.IndexSet{1, 2, 3}},
		{Account: simulated.AccountAt(2), Indexes: types.IndexSet{2, 3, 4}},
		{Account: simulated.AccountAt(3), Indexes: types.IndexSet{0, 1, 2}},
		{Account: simulated.AccountAt(4), Indexes: types.IndexSet{3, 4, 0}},
	}
	for _, oracle := range s.oracles {
		s.pool.Add(oracle)
	}
}

func (s *DispatcherTestSuite) TearDownTest() {
	s.cancel()
	log.InitLogger()
}

func (s *DispatcherTestSuite) requestEvent(index any, flight string) ledger.Event {
	return ledger.Event{
		Name:        ledger.EventOracleRequest,
		BlockNumber: 7,
		Fields: map[string]any{
			ledger.FieldIndex:     index,
			ledger.FieldAirline:   s.airline,
			ledger.FieldFlight:    flight,
			ledger.FieldTimestamp: big.NewInt(1700000000),
		},
	}
}

func accountsOf(attempts []types.ResponseAttempt) []common.Address {
	out := make([]common.Address, 0, len(attempts))
	for _, attempt := range attempts {
		out = append(out, attempt.Oracle.Account)
	}
	return out
}

func (s *DispatcherTestSuite) TestDispatch_MatchingOracles() {
	r := newRecordingResponder()
	d := New(s.pool, r, nil, 0)

	launched := d.Dispatch(s.ctx, s.requestEvent(uint8(2), "ND1309"))
	d.Wait()

	s.Equal(3, launched)
	attempts := r.Attempts()
	s.Require().Len(attempts, 3)
	s.ElementsMatch(
		[]common.Address{s.oracles[0].Account, s.oracles[1].Account, s.oracles[2].Account},
		accountsOf(attempts),
	)
	for _, attempt := range attempts {
		s.True(attempt.StatusCode.Valid())
		s.Equal(uint8(2), attempt.Request.Index)
		s.Equal("ND1309", attempt.Request.Flight)
	}
}

func (s *DispatcherTestSuite) TestDispatch_ExactlyTheMatchingOracles() {
	for index := uint8(0); index < types.DefaultIndexCategories; index++ {
		r := newRecordingResponder()
		d := New(s.pool, r, nil, 0)

		d.Dispatch(s.ctx, s.requestEvent(index, "ND1309"))
		d.Wait()

		responded := make(map[common.Address]int)
		for _, attempt := range r.Attempts() {
			responded[attempt.Oracle.Account]++
		}
		for _, oracle := range s.oracles {
			if oracle.Indexes.Contains(index) {
				s.Equal(1, responded[oracle.Account], "index %d", index)
			} else {
				s.Zero(responded[oracle.Account], "index %d", index)
			}
		}
	}
}

func (s *DispatcherTestSuite) TestDispatch_NoMatch() {
	r := newRecordingResponder()
	d := New(s.pool, r, nil, 0)

	s.Zero(d.Dispatch(s.ctx, s.requestEvent(uint8(9), "ND1309")))
	d.Wait()
	s.Empty(r.Attempts())
}

// entries returns the JSON log lines with message msg.
func (s *DispatcherTestSuite) entries(msg string) []map[string]any {
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(s.logs.String()), "\n") {
		entry := make(map[string]any)
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			continue
		}
		if entry["message"] == msg {
			out = append(out, entry)
		}
	}
	return out
}

func (s *DispatcherTestSuite) TestRun_SecondEventWithoutMatch() {
	r := newRecordingResponder()
	m := metrics.NewUnregistered()
	d := New(s.pool, r, m, 0)

	events := make(chan ledger.Event, 2)
	events <- s.requestEvent(uint8(2), "ND1309")
	events <- s.requestEvent(uint8(9), "ND1310")
	close(events)

	s.NoError(d.Run(s.ctx, events))
	d.Wait()

	attempts := r.Attempts()
	s.Len(attempts, 3)
	for _, attempt := range attempts {
		s.Equal("ND1309", attempt.Request.Flight)
	}
	s.Equal(2.0, testutil.ToFloat64(m.EventsReceived))
	s.Equal(0.0, testutil.ToFloat64(m.EventsDropped))
	s.Equal(3.0, testutil.ToFloat64(m.ResponsesSpawned))

	received := s.entries("status request received")
	s.Require().Len(received, 2)
	s.Equal("ND1309", received[0]["flight"])
	s.Equal("ND1310", received[1]["flight"])
	s.Equal(9.0, received[1]["index"])

	dispatched := s.entries("status request dispatched")
	s.Require().Len(dispatched, 2)
	s.Equal(3.0, dispatched[0]["matched"])
	s.Equal("ND1310", dispatched[1]["flight"])
	s.Equal(0.0, dispatched[1]["matched"])
}

func (s *DispatcherTestSuite) TestRun_SlowSubmissionDoesNotBlock() {
	r := newRecordingResponder()
	r.delay[s.oracles[0].Account] = time.Hour

	d := New(s.pool, r, nil, 0)
	events := make(chan ledger.Event, 2)
	events <- s.requestEvent(uint8(1), "SLOW1")
	events <- s.requestEvent(uint8(4), "FAST1")
	close(events)

	done := make(chan error, 1)
	go func() { done <- d.Run(s.ctx, events) }()

	s.Eventually(func() bool {
		for _, attempt := range r.Attempts() {
			if attempt.Request.Flight == "FAST1" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	s.NoError(<-done)
	s.cancel()
	d.Wait()
}

func (s *DispatcherTestSuite) TestDispatch_FailureIsolation() {
	r := newRecordingResponder()
	r.fail[s.oracles[1].Account] = errors.New("Index does not match oracle request")

	d := New(s.pool, r, nil, 0)
	d.Dispatch(s.ctx, s.requestEvent(uint8(2), "ND1309"))
	d.Wait()

	var succeeded, failed int
	for _, attempt := range r.Attempts() {
		if attempt.Succeeded() {
			succeeded++
		} else {
			failed++
		}
	}
	s.Equal(2, succeeded)
	s.Equal(1, failed)
}

func (s *DispatcherTestSuite) TestRun_DropsMalformedEvents() {
	r := newRecordingResponder()
	m := metrics.NewUnregistered()
	d := New(s.pool, r, m, 0)

	malformed := []ledger.Event{
		{Name: ledger.EventOracleRequest},
		{Name: ledger.EventOracleRequest, Fields: map[string]any{ledger.FieldIndex: "two"}},
		func() ledger.Event {
			ev := s.requestEvent(uint8(2), "ND1309")
			delete(ev.Fields, ledger.FieldTimestamp)
			return ev
		}(),
		s.requestEvent(big.NewInt(300), "ND1309"),
	}

	events := make(chan ledger.Event, len(malformed)+1)
	for _, ev := range malformed {
		events <- ev
	}
	events <- s.requestEvent(big.NewInt(2), "ND1309")
	close(events)

	s.NoError(d.Run(s.ctx, events))
	d.Wait()

	s.Len(r.Attempts(), 3)
	s.Equal(5.0, testutil.ToFloat64(m.EventsReceived))
	s.Equal(4.0, testutil.ToFloat64(m.EventsDropped))
	s.Contains(s.logs.String(), "status request dropped")
}

func (s *DispatcherTestSuite) TestDispatch_BoundedInflight() {
	r := newRecordingResponder()
	for _, oracle := range s.oracles {
		r.delay[oracle.Account] = 20 * time.Millisecond
	}

	var (
		mu      sync.Mutex
		current int
		peak    int
	)
	limited := &gatedResponder{
		next: r,
		before: func() {
			mu.Lock()
			current++
			if current > peak {
				peak = current
			}
			mu.Unlock()
		},
		after: func() {
			mu.Lock()
			current--
			mu.Unlock()
		},
	}

	d := New(s.pool, limited, nil, 1)
	s.Equal(3, d.Dispatch(s.ctx, s.requestEvent(uint8(2), "ND1309")))
	d.Wait()

	s.Len(r.Attempts(), 3)
	s.Equal(1, peak)
}

func (s *DispatcherTestSuite) TestRun_StopsOnCancel() {
	d := New(s.pool, newRecordingResponder(), nil, 0)
	events := make(chan ledger.Event)

	ctx, cancel := context.WithCancel(s.ctx)
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx, events) }()

	cancel()
	select {
	case err := <-done:
		s.NoError(err)
	case <-time.After(2 * time.Second):
		s.Fail("dispatcher did not stop")
	}
}

// TestDispatch_SimulatedLedger runs the dispatcher against the simulated registry so that three
// matching oracles agreeing on a status resolve the request.
func (s *DispatcherTestSuite) TestDispatch_SimulatedLedger() {
	l := simulated.New(simulated.Config{Accounts: 5})
	defer l.Close()

	for _, oracle := range s.oracles {
		l.Register(oracle.Account, oracle.Indexes)
	}
	l.Register(simulated.AccountAt(5), types.IndexSet{5, 6, 7})
	s.pool.Add(types.OracleIdentity{Account: simulated.AccountAt(5), Indexes: types.IndexSet{2, 6, 7}})

	timestamp := big.NewInt(1700000000)
	l.OpenRequest(2, s.airline, "ND1309", timestamp)

	sub, err := l.Subscribe(s.ctx, ledger.EventOracleRequest, 0)
	s.Require().NoError(err)
	defer sub.Unsubscribe()

	m := metrics.NewUnregistered()
	d := New(s.pool, responder.New(l, responder.FixedPicker(types.StatusOnTime), 0, m), m, 0)

	var (
		mu       sync.Mutex
		attempts []types.ResponseAttempt
	)
	d.Observe(func(attempt types.ResponseAttempt) {
		mu.Lock()
		attempts = append(attempts, attempt)
		mu.Unlock()
	})

	select {
	case event := <-sub.Events():
		s.Equal(4, d.Dispatch(s.ctx, event))
	case <-s.ctx.Done():
		s.FailNow("no request event")
	}
	d.Wait()

	s.Require().Len(attempts, 4)
	var rejected int
	for _, attempt := range attempts {
		if !attempt.Succeeded() {
			rejected++
			s.Equal(simulated.AccountAt(5), attempt.Oracle.Account)
			s.ErrorIs(attempt.Err, types.ErrSubmission)
		}
	}
	s.Equal(1, rejected)

	status, ok := l.Resolved(2, s.airline, "ND1309", timestamp)
	s.True(ok)
	s.Equal(types.StatusOnTime, status)

	s.Equal(3.0, testutil.ToFloat64(m.ResponsesSubmitted.WithLabelValues(metrics.OutcomeSuccess, "ON_TIME")))
	s.Equal(1.0, testutil.ToFloat64(m.ResponsesSubmitted.WithLabelValues(metrics.OutcomeFailure, "ON_TIME")))
	s.Equal(0.0, testutil.ToFloat64(m.ResponsesInflight))

	logs := s.logs.String()
	s.Contains(logs, "status request received")
	s.Contains(logs, `"flight":"ND1309"`)
	s.Contains(logs, `"timestamp":"1700000000"`)
	s.Contains(logs, `"matched":4`)
	s.Contains(logs, `"outcome":"failure"`)
	s.Contains(logs, simulated.ReasonIndexMismatch)
}

type gatedResponder struct {
	next   Responder
	before func()
	after  func()
}

func (g *gatedResponder) Respond(ctx context.Context, oracle types.OracleIdentity, req types.StatusRequestEvent) types.ResponseAttempt {
	g.before()
	defer g.after()
	return g.next.Respond(ctx, oracle, req)
}
