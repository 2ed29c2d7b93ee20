package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const Namespace = "oracled"

// Outcome label values of ResponsesSubmitted.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Metrics counts what the coordinator did. Every failure counted here is non-fatal.
type Metrics struct {
	OraclesRegistered    prometheus.Counter
	RegistrationFailures prometheus.Counter
	EventsReceived       prometheus.Counter
	EventsDropped        prometheus.Counter
	ResponsesSpawned     prometheus.Counter
	ResponsesSubmitted   *prometheus.CounterVec
	ResponsesInflight    prometheus.Gauge
	TransportFailures    prometheus.Counter
	Resubscriptions      prometheus.Counter
}

// New creates the coordinator metrics and registers them with registerer.
func New(namespace string, registerer prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		OraclesRegistered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "oracles_registered",
			Help:      "Number of oracles registered with the ledger",
		}),
		RegistrationFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "oracle_registration_failures",
			Help:      "Number of oracles skipped because registration failed",
		}),
		EventsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "status_requests_received",
			Help:      "Number of status request events received",
		}),
		EventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "status_requests_dropped",
			Help:      "Number of malformed status request events dropped",
		}),
		ResponsesSpawned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "responses_spawned",
			Help:      "Number of response tasks started",
		}),
		ResponsesSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "responses_submitted",
			Help:      "Number of response transactions by outcome and status code",
		}, []string{"outcome", "status"}),
		ResponsesInflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "responses_inflight",
			Help:      "Number of response tasks not yet finished",
		}),
		TransportFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transport_failures",
			Help:      "Number of subscription transport failures",
		}),
		Resubscriptions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resubscriptions",
			Help:      "Number of times the event subscription was restarted",
		}),
	}

	err := errors.Join(
		registerer.Register(m.OraclesRegistered),
		registerer.Register(m.RegistrationFailures),
		registerer.Register(m.EventsReceived),
		registerer.Register(m.EventsDropped),
		registerer.Register(m.ResponsesSpawned),
		registerer.Register(m.ResponsesSubmitted),
		registerer.Register(m.ResponsesInflight),
		registerer.Register(m.TransportFailures),
		registerer.Register(m.Resubscriptions),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// NewUnregistered returns metrics backed by a private registry. Used where no exporter is wired.
func NewUnregistered() *Metrics {
	m, err := New(Namespace, prometheus.NewRegistry())
	if err != nil {
		panic(err)
	}
	return m
}
