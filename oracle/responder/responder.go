package responder

import (
	"context"
	"errors"

	pkgerrors "github.com/pkg/errors"

	"github.com/GPTx-global/flightsurety-oracle/oracle/ledger"
	"github.com/GPTx-global/flightsurety-oracle/oracle/log"
	"github.com/GPTx-global/flightsurety-oracle/oracle/metrics"
	"github.com/GPTx-global/flightsurety-oracle/oracle/types"
)

// Responder answers a status request on behalf of one oracle.
// It picks a status code and submits it to the ledger from the oracle's account.
type Responder struct {
	gateway  ledger.Gateway
	picker   StatusPicker
	source   StatusSource
	gasLimit uint64
	metrics  *metrics.Metrics
}

// New creates a Responder. A nil picker draws random codes and nil metrics are kept private.
func New(gateway ledger.Gateway, picker StatusPicker, gasLimit uint64, m *metrics.Metrics) *Responder {
	if picker == nil {
		picker = NewRandomPicker(0)
	}
	if m == nil {
		m = metrics.NewUnregistered()
	}

	return &Responder{
		gateway:  gateway,
		picker:   picker,
		gasLimit: gasLimit,
		metrics:  m,
	}
}

// SetSource makes the responder report the status found by source, falling back to its picker
// when the lookup fails.
func (r *Responder) SetSource(source StatusSource) {
	r.source = source
}

func (r *Responder) status(ctx context.Context, req types.StatusRequestEvent) types.StatusCode {
	if r.source == nil {
		return r.picker.Pick()
	}

	code, err := r.source.Status(ctx, req)
	if err != nil {
		log.Debug("status lookup failed, picking instead", "flight", req.Flight, "err", err.Error())
		return r.picker.Pick()
	}
	return code
}

// Respond submits one response for oracle to req and reports the outcome.
// A rejected submission is logged and returned in the attempt; it never affects other responses.
func (r *Responder) Respond(ctx context.Context, oracle types.OracleIdentity, req types.StatusRequestEvent) types.ResponseAttempt {
	code := r.status(ctx, req)
	attempt := types.ResponseAttempt{
		Oracle:     oracle,
		Request:    req,
		StatusCode: code,
	}

	receipt, err := r.gateway.Send(ctx, ledger.MethodSubmitOracleResponse, req.Args(code), ledger.SendOpts{
		From:     oracle.Account,
		GasLimit: r.gasLimit,
	})
	if err != nil {
		attempt.Err = pkgerrors.Wrapf(types.ErrSubmission, "%s: %v", oracle.Account.Hex(), err)
		r.metrics.ResponsesSubmitted.WithLabelValues(metrics.OutcomeFailure, code.String()).Inc()

		log.Error("oracle response rejected",
			"oracle", oracle.Account,
			"index", req.Index,
			"flight", req.Flight,
			"statusCode", uint8(code),
			"outcome", metrics.OutcomeFailure,
			"reason", reason(err),
		)
		return attempt
	}

	attempt.Receipt = receipt
	r.metrics.ResponsesSubmitted.WithLabelValues(metrics.OutcomeSuccess, code.String()).Inc()

	log.Info("oracle response submitted",
		"oracle", oracle.Account,
		"index", req.Index,
		"flight", req.Flight,
		"statusCode", uint8(code),
		"outcome", metrics.OutcomeSuccess,
		"tx", receipt.TxHash,
	)
	return attempt
}

func reason(err error) string {
	var txErr *ledger.TxError
	if errors.As(err, &txErr) && txErr.Reason != "" {
		return txErr.Reason
	}
	return err.Error()
}
