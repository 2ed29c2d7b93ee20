package simulator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/GPTx-global/flightsurety-oracle/oracle/ledger"
	"github.com/GPTx-global/flightsurety-oracle/oracle/ledger/simulated"
	"github.com/GPTx-global/flightsurety-oracle/oracle/types"
)

func TestRequest(t *testing.T) {
	l := simulated.New(simulated.Config{Accounts: 2})
	defer l.Close()

	airline := simulated.AccountAt(1)
	s := New(l, airline, []string{"ND1309"}, time.Second, 0)
	s.now = func() time.Time { return time.Unix(1700000000, 0) }

	require.NoError(t, s.Request(context.Background(), "ND1309"))

	requests := l.History(ledger.EventOracleRequest)
	require.Len(t, requests, 1)

	req, err := types.ParseStatusRequest(requests[0])
	require.NoError(t, err)
	require.Equal(t, airline, req.Airline)
	require.Equal(t, "ND1309", req.Flight)
	require.Equal(t, int64(1700000000), req.Timestamp.Int64())
}

func TestRun_CyclesFlights(t *testing.T) {
	l := simulated.New(simulated.Config{Accounts: 2})
	defer l.Close()

	l.FailNext(ledger.MethodFetchFlightStatus, errors.New("connection reset"))

	s := New(l, simulated.AccountAt(1), []string{"A1", "A2"}, 5*time.Millisecond, 0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(l.History(ledger.EventOracleRequest)) >= 3
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	requests := l.History(ledger.EventOracleRequest)
	// the first tick failed on A1, so the stream starts at A2
	require.Equal(t, "A2", requests[0].Fields[ledger.FieldFlight])
	require.Equal(t, "A1", requests[1].Fields[ledger.FieldFlight])
	require.Equal(t, "A2", requests[2].Fields[ledger.FieldFlight])
}

func TestRun_NoFlights(t *testing.T) {
	s := New(nil, simulated.AccountAt(1), nil, time.Millisecond, 0)
	require.NoError(t, s.Run(context.Background()))
}

func TestRun_InvalidInterval(t *testing.T) {
	l := simulated.New(simulated.Config{Accounts: 2})
	defer l.Close()

	for _, interval := range []time.Duration{0, -time.Second} {
		s := New(l, simulated.AccountAt(1), []string{"ND1309"}, interval, 0)
		require.Error(t, s.Run(context.Background()))
	}
	require.Empty(t, l.History(ledger.EventOracleRequest))
}
