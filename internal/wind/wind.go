package wind

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/saviobatista/regatta/internal/types"
)

// DefaultTau is the time constant used when none is configured
const DefaultTau = 100.0

// Model is a gusting wind: a discretized mean-reverting process around a base vector.
// Successive samples are correlated.
type Model struct {
	base  [2]float64
	v     [2]float64
	sigma float64
	psi   float64
	rng   *rand.Rand
	mu    sync.Mutex
}

// New creates a wind model around (vx, vy) with the given standard deviation and
// normalized time constant. A nil source seeds from the clock.
func New(vx, vy, variance, tau float64, src rand.Source) *Model {
	if tau <= 0 {
		tau = DefaultTau
	}
	if src == nil {
		src = rand.NewSource(time.Now().UnixNano())
	}
	return &Model{
		base:  [2]float64{vx, vy},
		v:     [2]float64{vx, vy},
		sigma: variance / math.Sqrt(0.5/tau),
		psi:   1.0 - math.Exp(-1.0/tau),
		rng:   rand.New(src),
	}
}

// Sample advances the process one step and returns the new wind
func (m *Model) Sample() (float32, float32) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.v {
		draw := m.base[i] + m.sigma*m.rng.NormFloat64()
		m.v[i] += -m.psi*m.v[i] + m.psi*draw
	}
	return float32(m.v[0]), float32(m.v[1])
}

// Current returns the latest wind without advancing the process
func (m *Model) Current() types.Wind {
	m.mu.Lock()
	defer m.mu.Unlock()
	return types.Wind{North: float32(m.v[0]), East: float32(m.v[1])}
}
