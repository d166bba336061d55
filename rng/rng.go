// Package rng implements the keyed, stream-tagged deterministic PRNG that
// seeds every pseudorandom choice in the watermarking core (spec.md §4.1).
// It is a cryptographically-flavored stream cipher: AES-128 in CTR mode over
// the 128-bit key, with the nonce encoding the stream tag and an integer
// seed so that independent streams of the same key are statistically
// independent from each other.
package rng

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/binary"
	"math"

	"audiowmark/key"
	"audiowmark/wmerrors"
)

// Stream identifies which pseudorandom subsequence is being drawn. Distinct
// streams of the same key must not produce correlated sequences.
type Stream int

const (
	DataUpDown Stream = iota
	SyncUpDown
	Mix
	BitOrder
	FramePosition
	SpeedClip
)

// Generator is a keyed deterministic 64-bit stream. It is seeded from
// (key, stream, seed) and reads AES-CTR keystream bytes 8 at a time.
type Generator struct {
	block   cipher.Block
	stream  cipher.Stream
	nonce   [aes.BlockSize]byte
	scratch [8]byte
}

// New creates a Generator for the given key, stream tag, and integer seed.
func New(k key.Key, stream Stream, seed uint64) (*Generator, error) {
	block, err := aes.NewCipher(k.Bytes[:])
	if err != nil {
		return nil, wmerrors.Wrap(wmerrors.Internal, err, "failed to initialize AES cipher for PRNG")
	}
	g := &Generator{block: block}
	g.Reseed(stream, seed)
	return g, nil
}

// Reseed deterministically resets the generator's state for a new
// (stream, seed) pair, keeping the same underlying key.
func (g *Generator) Reseed(stream Stream, seed uint64) {
	// The CTR nonce/counter is a 16-byte block; we encode the stream tag in
	// the high bytes and the seed in the low bytes so that every distinct
	// (stream, seed) pair starts at a distinct point in the keystream.
	var nonce [aes.BlockSize]byte
	binary.BigEndian.PutUint32(nonce[0:4], uint32(stream))
	binary.BigEndian.PutUint64(nonce[8:16], seed)
	g.nonce = nonce
	g.stream = cipher.NewCTR(g.block, g.nonce[:])
}

// Next returns the next 64-bit value in the stream.
func (g *Generator) Next() uint64 {
	var zero [8]byte
	g.stream.XORKeyStream(g.scratch[:], zero[:])
	return binary.BigEndian.Uint64(g.scratch[:])
}

// RandomDouble returns the next value in [0, 1).
func (g *Generator) RandomDouble() float64 {
	// 53 bits of mantissa precision, matching typical double-uniform PRNGs.
	const mantissaBits = 53
	v := g.Next() >> (64 - mantissaBits)
	return float64(v) / float64(uint64(1)<<mantissaBits)
}

// Intn returns a uniform value in [0, n) for n > 0, using rejection sampling
// to avoid modulo bias.
func (g *Generator) Intn(n int) int {
	if n <= 0 {
		return 0
	}
	limit := (math.MaxUint64 / uint64(n)) * uint64(n)
	for {
		v := g.Next()
		if v < limit {
			return int(v % uint64(n))
		}
	}
}

// GenKey produces a fresh 128-bit key using an OS-grade entropy source.
func GenKey(name string) (key.Key, error) {
	return key.Generate(name)
}

// SeedFromHash derives a deterministic 64-bit digest from sample content,
// used to seed sub-PRNGs (e.g. speed-detection clip-location selection) from
// signal content rather than from a fixed integer.
func SeedFromHash(samples []float32) uint64 {
	h := sha256.New()
	buf := make([]byte, 4)
	for _, s := range samples {
		binary.BigEndian.PutUint32(buf, math.Float32bits(s))
		h.Write(buf)
	}
	sum := h.Sum(nil)
	return binary.BigEndian.Uint64(sum[:8])
}
