package daemon

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/GPTx-global/flightsurety-oracle/oracle/config"
	"github.com/GPTx-global/flightsurety-oracle/oracle/dispatcher"
	"github.com/GPTx-global/flightsurety-oracle/oracle/health"
	"github.com/GPTx-global/flightsurety-oracle/oracle/ledger"
	"github.com/GPTx-global/flightsurety-oracle/oracle/ledger/evm"
	"github.com/GPTx-global/flightsurety-oracle/oracle/ledger/simulated"
	"github.com/GPTx-global/flightsurety-oracle/oracle/log"
	"github.com/GPTx-global/flightsurety-oracle/oracle/metrics"
	"github.com/GPTx-global/flightsurety-oracle/oracle/pool"
	"github.com/GPTx-global/flightsurety-oracle/oracle/responder"
	"github.com/GPTx-global/flightsurety-oracle/oracle/simulator"
	"github.com/GPTx-global/flightsurety-oracle/oracle/subscribe"
)

const healthCheckInterval = 15 * time.Second

type Daemon struct {
	config  config.Config
	gateway ledger.Gateway

	registry *prometheus.Registry
	metrics  *metrics.Metrics

	poolManager      *pool.Manager
	dispatcher       *dispatcher.Dispatcher
	subscribeManager *subscribe.SubscribeManager
	checker          *health.HealthChecker
	server           *health.Server

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
}

// New creates a daemon for cfg, dialing the ledger it names.
func New(ctx context.Context, cfg config.Config) (*Daemon, error) {
	gateway, err := newGateway(ctx, cfg)
	if err != nil {
		return nil, err
	}

	d, err := NewWithGateway(ctx, cfg, gateway)
	if err != nil {
		gateway.Close()
		return nil, err
	}
	return d, nil
}

// NewWithGateway creates a daemon on an already connected gateway. The daemon closes it on Stop.
func NewWithGateway(ctx context.Context, cfg config.Config, gateway ledger.Gateway) (*Daemon, error) {
	d := &Daemon{
		config:   cfg,
		gateway:  gateway,
		registry: prometheus.NewRegistry(),
	}

	m, err := metrics.New(metrics.Namespace, d.registry)
	if err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}
	d.metrics = m

	d.poolManager = pool.NewManager(gateway, pool.NewPool(), pool.Config{
		IndexCategories: cfg.Ledger.IndexCategories,
		GasLimit:        cfg.Ledger.GasLimit,
		Parallelism:     cfg.Pool.Parallelism,
	}, m)

	r := responder.New(gateway, newPicker(cfg), cfg.Ledger.GasLimit, m)
	if cfg.Responder.FeedURL != "" {
		timeout := cfg.FeedTimeout()
		if timeout <= 0 {
			return nil, fmt.Errorf("invalid feed timeout %q", cfg.Responder.FeedTimeout)
		}
		log.Info("reading flight status from feed", "url", cfg.Responder.FeedURL, "path", cfg.Responder.FeedPath)
		r.SetSource(responder.NewFeedSource(cfg.Responder.FeedURL, cfg.Responder.FeedPath, timeout))
	}
	d.dispatcher = dispatcher.New(d.poolManager.Pool(), r, m, cfg.Responder.MaxInflight)
	d.subscribeManager = subscribe.NewSubscribeManager(gateway, ledger.EventOracleRequest, cfg.Ledger.FromBlock, m)

	d.checker = health.NewHealthChecker(healthCheckInterval)
	d.checker.AddCheck(health.NewCheckFunc("ledger", func(ctx context.Context) error {
		_, err := gateway.BlockNumber(ctx)
		return err
	}))
	d.checker.AddCheck(health.NewCheckFunc("subscription", func(ctx context.Context) error {
		if !d.subscribeManager.Subscribed() {
			return fmt.Errorf("not subscribed to %s", ledger.EventOracleRequest)
		}
		return nil
	}))

	if cfg.Server.Listen != "" {
		d.server = health.NewServer(cfg.Server.Listen, cfg.Server.AllowedOrigins, d.checker, d.registry)
	}

	d.ctx, d.cancel = context.WithCancel(ctx)
	return d, nil
}

func newGateway(ctx context.Context, cfg config.Config) (ledger.Gateway, error) {
	switch cfg.Ledger.Kind {
	case config.KindEVM:
		gateway, err := evm.Dial(ctx, evm.Config{
			Endpoint:       cfg.Ledger.Endpoint,
			Contract:       cfg.ContractAddress(),
			GasLimit:       cfg.Ledger.GasLimit,
			ReceiptTimeout: cfg.ReceiptTimeout(),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to dial ledger: %w", err)
		}
		return gateway, nil

	case config.KindSimulated:
		accounts := simulated.DefaultConfig().Accounts
		if need := cfg.Pool.AccountOffset + cfg.Pool.Size; need > accounts {
			accounts = need
		}
		seed := cfg.Responder.Seed
		if seed == 0 {
			seed = time.Now().UnixNano()
		}

		log.Info("using simulated ledger", "accounts", accounts)
		return simulated.New(simulated.Config{
			Accounts:        accounts,
			IndexCategories: cfg.Ledger.IndexCategories,
			Seed:            seed,
		}), nil

	default:
		return nil, fmt.Errorf("unknown ledger kind %q", cfg.Ledger.Kind)
	}
}

func newPicker(cfg config.Config) responder.StatusPicker {
	if code, ok := cfg.FixedStatus(); ok {
		log.Info("reporting a fixed status", "statusCode", uint8(code), "status", code.String())
		return responder.FixedPicker(code)
	}
	return responder.NewRandomPicker(cfg.Responder.Seed)
}

// Start registers the oracle pool and starts consuming OracleRequest events. Registration
// completes before the subscription opens, so every event sees the final pool.
func (d *Daemon) Start() error {
	accounts, err := d.gateway.Accounts(d.ctx)
	if err != nil {
		return fmt.Errorf("failed to list accounts: %w", err)
	}

	candidates := candidateAccounts(accounts, d.config.Pool.AccountOffset, d.config.Pool.Size)
	if len(candidates) == 0 {
		return fmt.Errorf("no oracle accounts in range %d..%d of %d node accounts",
			d.config.Pool.AccountOffset, d.config.Pool.AccountOffset+d.config.Pool.Size, len(accounts))
	}

	var sim *simulator.Simulator
	if d.config.Simulator.Enabled {
		interval := d.config.SimulatorInterval()
		if interval <= 0 {
			return fmt.Errorf("invalid simulator interval %q", d.config.Simulator.Interval)
		}
		// the first node account plays the airline
		sim = simulator.New(d.gateway, accounts[0], d.config.Simulator.Flights, interval, d.config.Ledger.GasLimit)
	}

	p := d.poolManager.RegisterAll(d.ctx, candidates)
	log.Info("oracle pool ready", "registered", p.Len(), "candidates", len(candidates))

	group, ctx := errgroup.WithContext(d.ctx)
	d.group = group

	events := d.subscribeManager.Start(ctx)
	group.Go(func() error {
		return d.dispatcher.Run(ctx, events)
	})

	group.Go(func() error {
		d.checker.Start(ctx)
		return nil
	})

	if d.server != nil {
		group.Go(func() error {
			log.Info("serving api", "listen", d.config.Server.Listen)
			return d.server.Serve()
		})
		group.Go(func() error {
			<-ctx.Done()
			return d.server.Shutdown()
		})
	}

	if sim != nil {
		group.Go(func() error {
			return sim.Run(ctx)
		})
	}

	return nil
}

// candidateAccounts returns up to size accounts starting at offset.
func candidateAccounts(accounts []ledger.Account, offset, size int) []ledger.Account {
	if offset >= len(accounts) {
		return nil
	}
	end := offset + size
	if end > len(accounts) {
		end = len(accounts)
	}
	return accounts[offset:end]
}

// Wait blocks until the daemon stops, either through Stop or because a component failed.
func (d *Daemon) Wait() error {
	if d.group == nil {
		return nil
	}
	err := d.group.Wait()
	d.dispatcher.Wait()
	return err
}

// Stop cancels every component, waits for in-flight responses and closes the gateway.
func (d *Daemon) Stop() error {
	d.cancel()
	err := d.Wait()
	d.gateway.Close()
	return err
}

func (d *Daemon) Pool() *pool.Pool {
	return d.poolManager.Pool()
}

func (d *Daemon) Dispatcher() *dispatcher.Dispatcher {
	return d.dispatcher
}

func (d *Daemon) Checker() *health.HealthChecker {
	return d.checker
}

func (d *Daemon) Registry() *prometheus.Registry {
	return d.registry
}
