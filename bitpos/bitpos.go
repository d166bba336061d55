// Package bitpos implements the keyed pseudorandom band and frame position
// generators that spec.md §4.5 requires: the same key must produce the same
// selection on both the embed and extract side.
package bitpos

import (
	"sort"

	"audiowmark/key"
	"audiowmark/rng"
	"audiowmark/wmcommon"
	"audiowmark/wmerrors"
)

// UpDownGen produces, per (bit-index-within-block, frame-within-bit), a
// disjoint, equal-size pair of bin index lists drawn without replacement
// from [MinBand, MaxBand].
//
// Each call reseeds its generator from (key, stream, index) rather than
// advancing a shared cursor, so that any index can be queried directly and
// reproducibly regardless of what was queried before — this is the
// restartable-by-seeking behavior spec.md §4.1 requires of PRNG streams.
type UpDownGen struct {
	k      key.Key
	stream rng.Stream
	params wmcommon.Params
	gen    *rng.Generator
}

// NewUpDownGen builds a generator for the given key and stream tag.
func NewUpDownGen(k key.Key, stream rng.Stream, params wmcommon.Params) (*UpDownGen, error) {
	gen, err := rng.New(k, stream, 0)
	if err != nil {
		return nil, err
	}
	if params.BandsPerFrame < 2 || params.BandsPerFrame%2 != 0 {
		return nil, wmerrors.New(wmerrors.Internal, "BandsPerFrame must be a positive even number, got %d", params.BandsPerFrame)
	}
	if params.BandsPerFrame > params.NBands() {
		return nil, wmerrors.New(wmerrors.Internal, "BandsPerFrame (%d) exceeds available bands (%d)", params.BandsPerFrame, params.NBands())
	}
	return &UpDownGen{k: k, stream: stream, params: params, gen: gen}, nil
}

// Get returns the up and down bin index lists (absolute FFT bin indices,
// sorted ascending) for the given index.
func (u *UpDownGen) Get(index int) (up, down []int) {
	u.gen.Reseed(u.stream, uint64(index))

	n := u.params.NBands()
	pool := make([]int, n)
	for i := range pool {
		pool[i] = u.params.MinBand + i
	}
	// Partial Fisher-Yates: shuffle only as many elements as we need.
	need := u.params.BandsPerFrame
	for i := 0; i < need; i++ {
		j := i + u.gen.Intn(n-i)
		pool[i], pool[j] = pool[j], pool[i]
	}
	half := need / 2
	up = append([]int(nil), pool[:half]...)
	down = append([]int(nil), pool[half:need]...)
	sort.Ints(up)
	sort.Ints(down)
	return up, down
}

// BitPosGen is a permutation over the frames of one block that places sync
// frames and data frames at pseudorandom, non-colliding positions.
type BitPosGen struct {
	perm      []int
	syncCount int
}

// NewBitPosGen builds the permutation for a block with the given sync frame
// count and total data frame count (post convolutional coding).
func NewBitPosGen(k key.Key, syncFrameCount, dataFrameCount int) (*BitPosGen, error) {
	total := syncFrameCount + dataFrameCount
	gen, err := rng.New(k, rng.FramePosition, 0)
	if err != nil {
		return nil, err
	}
	perm := make([]int, total)
	for i := range perm {
		perm[i] = i
	}
	for i := 0; i < total-1; i++ {
		j := i + gen.Intn(total-i)
		perm[i], perm[j] = perm[j], perm[i]
	}
	return &BitPosGen{perm: perm, syncCount: syncFrameCount}, nil
}

// SyncFrame returns the block-relative frame index carrying sync bit f.
func (b *BitPosGen) SyncFrame(f int) int {
	return b.perm[f]
}

// DataFrame returns the block-relative frame index carrying data bit f.
func (b *BitPosGen) DataFrame(f int) int {
	return b.perm[b.syncCount+f]
}
