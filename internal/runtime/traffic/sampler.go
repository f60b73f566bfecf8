package traffic

import (
	"math/rand/v2"
	"sync"
	"time"
)

// Sampler returns uniform draws in [0, 1).
type Sampler interface {
	Float64() float64
}

// SamplerFunc adapts a function to Sampler.
type SamplerFunc func() float64

func (f SamplerFunc) Float64() float64 { return f() }

type lockedSampler struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

// NewSeededSampler returns a goroutine-safe PCG sampler. The same seed
// yields the same sequence of draws.
func NewSeededSampler(seed uint64) Sampler {
	return &lockedSampler{rnd: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

// NewSampler returns a sampler seeded from the clock.
func NewSampler() Sampler {
	return NewSeededSampler(uint64(time.Now().UnixNano()))
}

func (s *lockedSampler) Float64() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rnd.Float64()
}
