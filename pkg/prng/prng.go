// Package prng supplies seeded randomness for reproducible tests, in the
// shape of a crypto/rand reader so libraries such as faker can draw from it.
package prng

import (
	"encoding/binary"
	"math/rand/v2"
)

// Source is a deterministic io.Reader. It is not safe for concurrent use.
type Source struct {
	r *rand.Rand
}

// New returns a source seeded by seed. Equal seeds yield equal streams.
func New(seed uint64) *Source {
	return &Source{r: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

// Rand exposes the generator behind the byte stream.
func (s *Source) Rand() *rand.Rand { return s.r }

// Read fills p with pseudorandom bytes. It never fails.
func (s *Source) Read(p []byte) (int, error) {
	var buf [8]byte
	for i := 0; i < len(p); i += 8 {
		binary.LittleEndian.PutUint64(buf[:], s.r.Uint64())
		copy(p[i:], buf[:])
	}
	return len(p), nil
}
