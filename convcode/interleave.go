package convcode

import (
	"audiowmark/key"
	"audiowmark/rng"
)

// Interleaver permutes the coded bit stream deterministically from
// (key, BitOrder stream, length), so that burst errors — e.g. a few
// consecutive frames lost to clipping — are spread across the convolutional
// decoder's trellis instead of clustering in one place.
type Interleaver struct {
	perm []int
}

// NewInterleaver builds the permutation for a coded stream of the given
// length.
func NewInterleaver(k key.Key, length int) (*Interleaver, error) {
	gen, err := rng.New(k, rng.BitOrder, uint64(length))
	if err != nil {
		return nil, err
	}
	perm := make([]int, length)
	for i := range perm {
		perm[i] = i
	}
	for i := 0; i < length-1; i++ {
		j := i + gen.Intn(length-i)
		perm[i], perm[j] = perm[j], perm[i]
	}
	return &Interleaver{perm: perm}, nil
}

// Interleave reorders coded into its interleaved transmission order.
func (il *Interleaver) Interleave(coded []byte) []byte {
	out := make([]byte, len(coded))
	for i, p := range il.perm {
		out[p] = coded[i]
	}
	return out
}

// Deinterleave undoes Interleave on soft bit values, restoring the logical
// (pre-interleave) order on the extract side.
func (il *Interleaver) Deinterleave(received []float64) []float64 {
	out := make([]float64, len(received))
	for i, p := range il.perm {
		out[i] = received[p]
	}
	return out
}
