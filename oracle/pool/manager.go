package pool

import (
	"context"
	"math/big"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/GPTx-global/flightsurety-oracle/oracle/ledger"
	"github.com/GPTx-global/flightsurety-oracle/oracle/log"
	"github.com/GPTx-global/flightsurety-oracle/oracle/metrics"
	"github.com/GPTx-global/flightsurety-oracle/oracle/types"
)

// Config controls oracle registration.
type Config struct {
	IndexCategories uint8
	GasLimit        uint64
	Parallelism     int
}

// Manager registers oracle accounts with the ledger and records them in its pool.
type Manager struct {
	gateway ledger.Gateway
	pool    *Pool
	config  Config
	metrics *metrics.Metrics
}

// NewManager creates a pool manager writing into pool. It is the pool's only writer.
func NewManager(gateway ledger.Gateway, pool *Pool, config Config, m *metrics.Metrics) *Manager {
	if config.IndexCategories == 0 {
		config.IndexCategories = types.DefaultIndexCategories
	}
	if config.Parallelism < 1 {
		config.Parallelism = 1
	}
	if m == nil {
		m = metrics.NewUnregistered()
	}

	return &Manager{
		gateway: gateway,
		pool:    pool,
		config:  config,
		metrics: m,
	}
}

func (m *Manager) Pool() *Pool {
	return m.pool
}

// RegisterAll registers every candidate account and returns the pool. A failed registration
// only skips that account; the pool may end up partially populated.
func (m *Manager) RegisterAll(ctx context.Context, accounts []ledger.Account) *Pool {
	log.Info("registering oracles", "candidates", len(accounts), "parallelism", m.config.Parallelism)

	var g errgroup.Group
	g.SetLimit(m.config.Parallelism)

	for _, account := range accounts {
		account := account
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}

			oracle, err := m.Register(ctx, account)
			if err != nil {
				m.metrics.RegistrationFailures.Inc()
				log.Error("oracle registration failed", "account", account, "err", err.Error())
				return nil
			}

			m.metrics.OraclesRegistered.Inc()
			log.Info("oracle registered", "account", oracle.Account, "indexes", oracle.Indexes)
			return nil
		})
	}
	_ = g.Wait()

	log.Info("oracle registration finished", "registered", m.pool.Len(), "candidates", len(accounts))

	return m.pool
}

// Register queries the current fee, registers account paying exactly that fee and records the
// index set the ledger assigned to it.
func (m *Manager) Register(ctx context.Context, account ledger.Account) (types.OracleIdentity, error) {
	if _, ok := m.pool.Get(account); ok {
		return types.OracleIdentity{}, errors.Wrapf(types.ErrRegistration, "%s already in pool", account.Hex())
	}

	fee, err := m.gateway.QueryFee(ctx)
	if err != nil {
		return types.OracleIdentity{}, errors.Wrapf(types.ErrRegistration, "query fee: %v", err)
	}

	_, err = m.gateway.Send(ctx, ledger.MethodRegisterOracle, nil, ledger.SendOpts{
		From:     account,
		Value:    new(big.Int).Set(fee),
		GasLimit: m.config.GasLimit,
	})
	if err != nil {
		return types.OracleIdentity{}, errors.Wrapf(types.ErrRegistration, "register: %v", err)
	}

	out, err := m.gateway.Call(ctx, ledger.MethodGetMyIndexes, nil, account)
	if err != nil {
		return types.OracleIdentity{}, errors.Wrapf(types.ErrRegistration, "get indexes: %v", err)
	}

	indexes, err := types.ParseIndexes(out, m.config.IndexCategories)
	if err != nil {
		return types.OracleIdentity{}, err
	}

	oracle := types.OracleIdentity{
		Account: account,
		Indexes: indexes,
	}
	if !m.pool.Add(oracle) {
		return types.OracleIdentity{}, errors.Wrapf(types.ErrRegistration, "%s already in pool", account.Hex())
	}

	return oracle, nil
}
