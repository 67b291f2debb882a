package orchestrator

import (
	"math/rand"
	"time"
)

// Stream names an independent sequence of random values.
type Stream int

const (
	// StreamItems drives extra-item sampling and shuffling.
	StreamItems Stream = iota + 1

	// StreamNice drives niceness sampling in the deprioritizer.
	StreamNice
)

// RandSource hands out deterministic per-stream generators. The same seed
// always yields the same item lists and niceness choices, so a session can
// be replayed with --seed.
type RandSource struct {
	seed int64
}

// NewRandSource creates a source for the given session seed.
func NewRandSource(seed int64) *RandSource {
	return &RandSource{seed: seed}
}

// NewRandSourceFromTime creates a source seeded from the current time.
func NewRandSourceFromTime() *RandSource {
	return NewRandSource(time.Now().UnixNano())
}

// Seed returns the session seed, for logging.
func (s *RandSource) Seed() int64 {
	return s.seed
}

// For returns a generator for one stream. Each call starts the stream from
// its beginning.
func (s *RandSource) For(stream Stream) *rand.Rand {
	seed := int64(stream) ^ s.seed
	return rand.New(rand.NewSource(seed))
}
