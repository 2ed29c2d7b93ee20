package dispatcher

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/GPTx-global/flightsurety-oracle/oracle/ledger"
	"github.com/GPTx-global/flightsurety-oracle/oracle/log"
	"github.com/GPTx-global/flightsurety-oracle/oracle/metrics"
	"github.com/GPTx-global/flightsurety-oracle/oracle/pool"
	"github.com/GPTx-global/flightsurety-oracle/oracle/types"
)

// Responder answers one status request for one oracle.
type Responder interface {
	Respond(ctx context.Context, oracle types.OracleIdentity, req types.StatusRequestEvent) types.ResponseAttempt
}

// Dispatcher fans status requests out to every matching oracle in the pool.
// Events are consumed in order by a single loop; each matching oracle responds from its own
// goroutine, so a slow or failing submission never holds up the next event.
type Dispatcher struct {
	pool      *pool.Pool
	responder Responder
	metrics   *metrics.Metrics
	inflight  *semaphore.Weighted

	observer func(types.ResponseAttempt)
	wg       sync.WaitGroup
}

// New creates a dispatcher. maxInflight bounds concurrent submissions; zero means unbounded.
func New(p *pool.Pool, responder Responder, m *metrics.Metrics, maxInflight int64) *Dispatcher {
	if m == nil {
		m = metrics.NewUnregistered()
	}

	d := &Dispatcher{
		pool:      p,
		responder: responder,
		metrics:   m,
	}
	if maxInflight > 0 {
		d.inflight = semaphore.NewWeighted(maxInflight)
	}

	return d
}

// Observe registers fn to be called with every finished attempt. It must be set before Run.
func (d *Dispatcher) Observe(fn func(types.ResponseAttempt)) {
	d.observer = fn
}

// Run dispatches events until events is closed or ctx is cancelled. It does not wait for
// in-flight responses; use Wait for that.
func (d *Dispatcher) Run(ctx context.Context, events <-chan ledger.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-events:
			if !ok {
				return nil
			}
			d.Dispatch(ctx, event)
		}
	}
}

// Dispatch decodes event and launches one response per matching oracle. It returns the number
// of responses launched. Malformed events are dropped.
func (d *Dispatcher) Dispatch(ctx context.Context, event ledger.Event) int {
	d.metrics.EventsReceived.Inc()

	req, err := types.ParseStatusRequest(event)
	if err != nil {
		d.metrics.EventsDropped.Inc()
		log.Error("status request dropped", "block", event.BlockNumber, "tx", event.TxHash, "err", err.Error())
		return 0
	}

	log.Info("status request received",
		"index", req.Index,
		"airline", req.Airline,
		"flight", req.Flight,
		"timestamp", req.Timestamp.String(),
		"block", req.BlockNumber,
	)

	matched := pool.Match(d.pool.Snapshot(), req.Index)
	for _, oracle := range matched {
		d.spawn(ctx, oracle, req)
	}

	log.Info("status request dispatched", "index", req.Index, "flight", req.Flight, "matched", len(matched))

	return len(matched)
}

func (d *Dispatcher) spawn(ctx context.Context, oracle types.OracleIdentity, req types.StatusRequestEvent) {
	d.wg.Add(1)
	d.metrics.ResponsesSpawned.Inc()
	d.metrics.ResponsesInflight.Inc()

	go func() {
		defer d.wg.Done()
		defer d.metrics.ResponsesInflight.Dec()

		if d.inflight != nil {
			if err := d.inflight.Acquire(ctx, 1); err != nil {
				log.Debug("oracle response abandoned", "oracle", oracle.Account, "err", err.Error())
				return
			}
			defer d.inflight.Release(1)
		}

		attempt := d.responder.Respond(ctx, oracle, req)
		if d.observer != nil {
			d.observer(attempt)
		}
	}()
}

// Wait blocks until every launched response has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
