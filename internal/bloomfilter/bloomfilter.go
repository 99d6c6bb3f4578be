// Package bloomfilter implements a probabilistic set with tunable
// false-positive rate, used by the sync engine to summarize a peer's
// commit collection without transmitting every ID.
//
// Hash seeds are chosen at random per instance (crypto/rand), never
// derived from size or fpr: two peers building filters over the same ID
// set must produce filters with different false-positive surfaces, or
// anti-entropy convergence stalls after the first round (see
// internal/syncengine).
package bloomfilter

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"math"
)

// Filter is a probabilistic set: Has never false-negatives for an added
// ID, and returns true for a never-added ID with probability bounded by
// the target fpr the filter was constructed with.
type Filter struct {
	bits  []uint64
	nbits uint64
	k     uint64
	seed1 uint64
	seed2 uint64
	n     uint64  // expected cardinality hint the filter was sized for
	fpr   float64 // target false-positive rate
}

// New constructs a Filter sized for n expected elements at the given
// target false-positive rate fpr, which must be in (0, 0.5].
func New(n uint64, fpr float64) (*Filter, error) {
	if fpr <= 0 || fpr > 0.5 {
		return nil, fmt.Errorf("bloomfilter: fpr must be in (0, 0.5], got %v", fpr)
	}
	if n == 0 {
		n = 1
	}

	m := optimalBits(n, fpr)
	k := optimalHashCount(m, n)
	if k < 1 {
		k = 1
	}

	seed1, err := randomUint64()
	if err != nil {
		return nil, fmt.Errorf("bloomfilter: generating seed: %w", err)
	}
	seed2, err := randomUint64()
	if err != nil {
		return nil, fmt.Errorf("bloomfilter: generating seed: %w", err)
	}

	words := (m + 63) / 64
	return &Filter{
		bits:  make([]uint64, words),
		nbits: m,
		k:     k,
		seed1: seed1,
		seed2: seed2,
		n:     n,
		fpr:   fpr,
	}, nil
}

// optimalBits returns m = ceil(-n*ln(fpr) / (ln 2)^2), but never fewer
// than 8 bits.
func optimalBits(n uint64, fpr float64) uint64 {
	m := -float64(n) * math.Log(fpr) / (math.Ln2 * math.Ln2)
	rounded := uint64(math.Ceil(m))
	if rounded < 8 {
		rounded = 8
	}
	return rounded
}

// optimalHashCount returns k = round((m/n) * ln 2).
func optimalHashCount(m, n uint64) uint64 {
	k := (float64(m) / float64(n)) * math.Ln2
	return uint64(math.Round(k))
}

func randomUint64() (uint64, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(buf[:]), nil
}

// indices returns the k bit positions for id using double hashing
// (Kirsch-Mitzenmacher): position_i = (h1 + i*h2) mod nbits.
func (f *Filter) indices(id string) []uint64 {
	h1 := fnv1a64(id, f.seed1)
	h2 := fnv1a64(id, f.seed2)
	if h2 == 0 {
		h2 = 1 // avoid degenerating to a single slot when h2 is zero
	}
	out := make([]uint64, f.k)
	for i := uint64(0); i < f.k; i++ {
		out[i] = (h1 + i*h2) % f.nbits
	}
	return out
}

// fnv1a64 computes an FNV-1a hash of id seeded with seed, giving each
// Filter instance an independent hash family without needing k distinct
// hash functions.
func fnv1a64(id string, seed uint64) uint64 {
	const (
		offset = 14695981039346656037
		prime  = 1099511628211
	)
	h := uint64(offset) ^ seed
	for i := 0; i < len(id); i++ {
		h ^= uint64(id[i])
		h *= prime
	}
	return h
}

// Add inserts id into the filter. Atomic from the caller's perspective:
// no suspension may occur mid-insertion (see internal/yield).
func (f *Filter) Add(id string) {
	for _, idx := range f.indices(id) {
		f.bits[idx/64] |= 1 << (idx % 64)
	}
}

// Has reports whether id may be a member. Never false for an id that was
// Added; may be true for an id that was never added, with probability
// bounded by the filter's target fpr.
func (f *Filter) Has(id string) bool {
	for _, idx := range f.indices(id) {
		if f.bits[idx/64]&(1<<(idx%64)) == 0 {
			return false
		}
	}
	return true
}

// N returns the cardinality hint the filter was sized for.
func (f *Filter) N() uint64 { return f.n }

// FPR returns the target false-positive rate the filter was sized for.
func (f *Filter) FPR() float64 { return f.fpr }

// Encoded is the serializable, wire-nestable representation of a Filter.
// Bit-compatible across implementations is not required; semantic
// round-trip (identical Has answers) is.
type Encoded struct {
	NBits uint64   `json:"nbits"`
	K     uint64   `json:"k"`
	Seed1 uint64   `json:"seed1"`
	Seed2 uint64   `json:"seed2"`
	N     uint64   `json:"n"`
	FPR   float64  `json:"fpr"`
	Words []uint64 `json:"words"`
}

// Encode produces the serializable form of f.
func (f *Filter) Encode() Encoded {
	words := make([]uint64, len(f.bits))
	copy(words, f.bits)
	return Encoded{
		NBits: f.nbits,
		K:     f.k,
		Seed1: f.seed1,
		Seed2: f.seed2,
		N:     f.n,
		FPR:   f.fpr,
		Words: words,
	}
}

// Decode reconstructs a Filter from its Encoded form. The result answers
// Has identically to the filter that produced e.
func Decode(e Encoded) (*Filter, error) {
	if e.NBits == 0 || e.K == 0 {
		return nil, fmt.Errorf("bloomfilter: decode: invalid encoding (nbits=%d k=%d)", e.NBits, e.K)
	}
	words := (e.NBits + 63) / 64
	if uint64(len(e.Words)) != words {
		return nil, fmt.Errorf("bloomfilter: decode: expected %d words, got %d", words, len(e.Words))
	}
	bits := make([]uint64, len(e.Words))
	copy(bits, e.Words)
	return &Filter{
		bits:  bits,
		nbits: e.NBits,
		k:     e.K,
		seed1: e.Seed1,
		seed2: e.Seed2,
		n:     e.N,
		fpr:   e.FPR,
	}, nil
}
