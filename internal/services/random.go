package services

import (
	cryptorand "crypto/rand"
	"encoding/binary"
	"math/rand/v2"
	"sync"
)

// RandomSource yields uniform floats in [0,1). Both the win roll and prize
// selection read from it.
type RandomSource interface {
	Float64() float64
}

type cryptoRandom struct{}

// NewCryptoRandom returns the production RandomSource backed by crypto/rand.
func NewCryptoRandom() RandomSource { return cryptoRandom{} }

func (cryptoRandom) Float64() float64 {
	var buf [8]byte
	if _, err := cryptorand.Read(buf[:]); err != nil {
		return rand.Float64()
	}
	// 53 random bits fill the float64 mantissa exactly.
	return float64(binary.BigEndian.Uint64(buf[:])>>11) / (1 << 53)
}

type seededRandom struct {
	mu sync.Mutex
	r  *rand.Rand
}

// NewSeededRandom returns a reproducible RandomSource safe for concurrent use.
func NewSeededRandom(seed uint64) RandomSource {
	return &seededRandom{r: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

func (s *seededRandom) Float64() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.r.Float64()
}

// FixedRandom always returns the same value. Useful to pin outcomes in tests.
type FixedRandom float64

func (f FixedRandom) Float64() float64 { return float64(f) }
