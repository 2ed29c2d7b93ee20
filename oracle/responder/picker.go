package responder

import (
	"math/rand"
	"sync"
	"time"

	"github.com/GPTx-global/flightsurety-oracle/oracle/types"
)

// StatusPicker chooses the status code an oracle reports. Implementations must be safe for
// concurrent use since every response task calls Pick from its own goroutine.
type StatusPicker interface {
	Pick() types.StatusCode
}

// RandomPicker draws uniformly from types.AllStatusCodes.
type RandomPicker struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewRandomPicker creates a picker seeded with seed. A zero seed uses the current time.
func NewRandomPicker(seed int64) *RandomPicker {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &RandomPicker{rng: rand.New(rand.NewSource(seed))}
}

func (p *RandomPicker) Pick() types.StatusCode {
	p.mu.Lock()
	defer p.mu.Unlock()

	return types.AllStatusCodes[p.rng.Intn(len(types.AllStatusCodes))]
}

// FixedPicker always reports the same status.
type FixedPicker types.StatusCode

func (p FixedPicker) Pick() types.StatusCode {
	return types.StatusCode(p)
}

// SequencePicker cycles through codes in order.
type SequencePicker struct {
	mu    sync.Mutex
	codes []types.StatusCode
	next  int
}

func NewSequencePicker(codes ...types.StatusCode) *SequencePicker {
	if len(codes) == 0 {
		codes = types.AllStatusCodes
	}
	return &SequencePicker{codes: codes}
}

func (p *SequencePicker) Pick() types.StatusCode {
	p.mu.Lock()
	defer p.mu.Unlock()

	code := p.codes[p.next%len(p.codes)]
	p.next++
	return code
}
