package simulator

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/GPTx-global/flightsurety-oracle/oracle/ledger"
	"github.com/GPTx-global/flightsurety-oracle/oracle/log"
)

// Simulator plays the dapp: it periodically asks the registry for the status of a flight so
// that OracleRequest events keep flowing without user interaction.
type Simulator struct {
	gateway  ledger.Gateway
	airline  ledger.Account
	flights  []string
	interval time.Duration
	gasLimit uint64

	next int
	now  func() time.Time
}

func New(gateway ledger.Gateway, airline ledger.Account, flights []string, interval time.Duration, gasLimit uint64) *Simulator {
	return &Simulator{
		gateway:  gateway,
		airline:  airline,
		flights:  flights,
		interval: interval,
		gasLimit: gasLimit,
		now:      time.Now,
	}
}

// Request sends fetchFlightStatus for flight, timestamped now.
func (s *Simulator) Request(ctx context.Context, flight string) error {
	timestamp := big.NewInt(s.now().Unix())

	receipt, err := s.gateway.Send(ctx, ledger.MethodFetchFlightStatus, []any{s.airline, flight, timestamp}, ledger.SendOpts{
		From:     s.airline,
		GasLimit: s.gasLimit,
	})
	if err != nil {
		return fmt.Errorf("failed to request status of %s: %w", flight, err)
	}

	log.Info("flight status requested", "airline", s.airline, "flight", flight, "timestamp", timestamp.String(), "block", receipt.BlockNumber)
	return nil
}

// Run requests the configured flights in turn, one per interval, until ctx is done.
func (s *Simulator) Run(ctx context.Context) error {
	if len(s.flights) == 0 {
		return nil
	}
	if s.interval <= 0 {
		return fmt.Errorf("invalid request interval %s", s.interval)
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			flight := s.flights[s.next%len(s.flights)]
			s.next++

			if err := s.Request(ctx, flight); err != nil && ctx.Err() == nil {
				log.Error("simulated request failed", "flight", flight, "err", err.Error())
			}
		}
	}
}
