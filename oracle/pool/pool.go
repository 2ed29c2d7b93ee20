package pool

import (
	"sort"

	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/GPTx-global/flightsurety-oracle/oracle/ledger"
	"github.com/GPTx-global/flightsurety-oracle/oracle/types"
)

// Pool is the registry of registered oracles keyed by ledger account. Entries are only ever
// added; readers may iterate while the writer appends.
type Pool struct {
	oracles cmap.ConcurrentMap[string, types.OracleIdentity]
}

func NewPool() *Pool {
	return &Pool{
		oracles: cmap.New[types.OracleIdentity](),
	}
}

// Add records oracle. It returns false if the account is already in the pool, in which case
// the recorded identity is left untouched.
func (p *Pool) Add(oracle types.OracleIdentity) bool {
	return p.oracles.SetIfAbsent(key(oracle.Account), oracle)
}

func (p *Pool) Get(account ledger.Account) (types.OracleIdentity, bool) {
	return p.oracles.Get(key(account))
}

func (p *Pool) Len() int {
	return p.oracles.Count()
}

// Snapshot returns a point-in-time copy of the pool ordered by account.
func (p *Pool) Snapshot() []types.OracleIdentity {
	items := p.oracles.Items()

	oracles := make([]types.OracleIdentity, 0, len(items))
	for _, oracle := range items {
		oracles = append(oracles, oracle)
	}
	sort.Slice(oracles, func(i, j int) bool {
		return oracles[i].Account.Hex() < oracles[j].Account.Hex()
	})

	return oracles
}

// Match returns the oracles of snapshot whose index set contains index.
func Match(snapshot []types.OracleIdentity, index uint8) []types.OracleIdentity {
	matched := make([]types.OracleIdentity, 0)
	for _, oracle := range snapshot {
		if oracle.Indexes.Contains(index) {
			matched = append(matched, oracle)
		}
	}
	return matched
}

func key(account ledger.Account) string {
	return account.Hex()
}
