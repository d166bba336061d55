// Package wmcommon holds the configuration and small shared helpers used by
// every watermarking component. Instead of the global mutable Params struct
// the original implementation relies on, an immutable Params value is built
// once (CLI parsing, or an HTTP request) and threaded explicitly through
// every operation — see SPEC_FULL.md's "Global mutable state" entry.
package wmcommon

import "math"

// ConvBlockType is the polarity of a block's sync pattern: A and B blocks
// alternate so that clip-mode search can match AB/BA pairs.
type ConvBlockType int

const (
	BlockA ConvBlockType = iota
	BlockB
)

func (t ConvBlockType) Other() ConvBlockType {
	if t == BlockA {
		return BlockB
	}
	return BlockA
}

func (t ConvBlockType) String() string {
	if t == BlockA {
		return "A"
	}
	return "B"
}

// Params is the immutable configuration shared by embed, extract, and speed
// detection. Every field has the default from spec.md §6.
type Params struct {
	WaterDelta         float64 // per-bin magnitude scale, default 0.005
	FrameSize          int     // FFT frame length in samples, default 1024
	FramesPerBit       int     // frames each data bit participates in, default 2
	SyncFramesPerBit   int     // frames each sync bit participates in, default 85
	SyncBits           int     // length of the sync pattern, default 6
	MinBand            int     // usable FFT bin range, low
	MaxBand            int     // usable FFT bin range, high
	MarkSampleRate     int     // internal processing rate, default 44100
	SyncSearchStep     int     // coarse sync offset stride, default 256
	SyncSearchFine     int     // refine stride, default 8
	SyncThreshold2     float64 // final sync acceptance threshold, default 0.7
	GetNBest           int     // minimum peaks kept per pass, default 5
	PayloadSize        int     // payload bits, default 128
	PayloadShort       bool    // short mode enabled
	FramesPadStart     int     // padding frames before the first block
	FramesPadEnd       int     // padding frames after the last block
	Mix                bool    // cross-fade watermarked vs original in FFT domain, default true
	Strict             bool    // treat marginal results as errors
	DetectSpeed        bool
	DetectSpeedPatient bool
	TrySpeed           float64 // 0 means unset
	TestNoSync         bool    // fake_sync debug path
	Threads            int     // worker pool size, 0 => runtime.NumCPU()
	BandsPerFrame      int     // bins drawn per frame for up/down selection, default 30
	DisableLimiter     bool    // skip the peak limiter, for tests that need the raw embed delta
	MixAlpha           float64 // FFT-domain cross-fade weight applied when Mix is set, default 0.8
}

// DefaultParams returns the reference defaults from spec.md §6.
func DefaultParams() Params {
	return Params{
		WaterDelta:       0.005,
		FrameSize:        1024,
		FramesPerBit:     2,
		SyncFramesPerBit: 85,
		SyncBits:         6,
		MinBand:          30,
		MaxBand:          210,
		MarkSampleRate:   44100,
		SyncSearchStep:   256,
		SyncSearchFine:   8,
		SyncThreshold2:   0.7,
		GetNBest:         5,
		PayloadSize:      128,
		FramesPadStart:   250,
		FramesPadEnd:     250,
		Mix:              true,
		MixAlpha:         0.8,
		Threads:          0,
		BandsPerFrame:    30,
	}
}

// NBands is the number of usable FFT bins per frame.
func (p Params) NBands() int {
	return p.MaxBand - p.MinBand + 1
}

// MarkSyncFrameCount is the number of frames used by the sync pattern within
// one block.
func (p Params) MarkSyncFrameCount() int {
	return p.SyncBits * p.SyncFramesPerBit
}

// MarkDataFrameCount is the number of frames used by the data payload within
// one block. The convolutional code expands payload bits roughly 6x; the
// caller (watermark/decode) picks the concrete coded length, this just
// multiplies it out by FramesPerBit.
func (p Params) MarkDataFrameCount(codedBits int) int {
	return codedBits * p.FramesPerBit
}

// BlockFrameCount is the number of frames in one block given a coded bit
// count for the data portion.
func (p Params) BlockFrameCount(codedBits int) int {
	return p.MarkSyncFrameCount() + p.MarkDataFrameCount(codedBits)
}

// FrameCount returns how many complete, non-overlapping frames fit in
// nSamples mono-frame-units (i.e. samples already divided by channel count).
func (p Params) FrameCount(nFrameSamples int) int {
	return nFrameSamples / p.FrameSize
}

// SyncThreshold1 is a hard-coded ratio relative to SyncThreshold2 (see
// spec.md §9 Open Question: kept as a documented tuning constant, not a
// separately configurable parameter).
const SyncThreshold1Ratio = 0.75

func (p Params) SyncThreshold1() float64 {
	return p.SyncThreshold2 * SyncThreshold1Ratio
}

// MinDb is the magnitude floor used whenever a complex FFT bin is converted
// to decibels.
const MinDb = -96.0

// DbFromComplex converts a magnitude to dB, clipped below at MinDb.
func DbFromComplex(re, im float64) float64 {
	mag := math.Hypot(re, im)
	if mag <= 0 {
		return MinDb
	}
	db := 20 * math.Log10(mag)
	if db < MinDb {
		return MinDb
	}
	return db
}
