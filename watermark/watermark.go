// Package watermark implements the embed side of spec.md §4.6: turning a
// coded bit stream into a per-frame magnitude delta and synthesizing the
// watermarked time-domain signal.
package watermark

import (
	"math"

	"audiowmark/bitpos"
	"audiowmark/key"
	"audiowmark/rng"
	"audiowmark/spectral"
	"audiowmark/wmcommon"
	"audiowmark/wmerrors"
)

// Report carries the measurable side effects of an Embed call.
type Report struct {
	SNRDb      float64 // signal-to-watermark ratio in dB
	NumBlocks  int
	Clipped    int // number of output samples the limiter had to pull back
}

// Generator embeds a coded, interleaved bit stream into PCM samples.
type Generator struct {
	key    key.Key
	params wmcommon.Params
}

// NewGenerator builds a Generator for the given key and configuration.
func NewGenerator(k key.Key, params wmcommon.Params) *Generator {
	return &Generator{key: k, params: params}
}

// MinFrames is the minimum number of frames an input must contain to embed
// two full blocks with padding, per spec.md §4.6's InputTooShort contract.
func (g *Generator) MinFrames(codedBits int) int {
	block := g.params.BlockFrameCount(codedBits)
	return g.params.FramesPadStart + 2*block + g.params.FramesPadEnd
}

// Embed writes codedBits (already convolutionally encoded/interleaved, or a
// short-code codeword) repeatedly as alternating A/B blocks into samples,
// starting at FramesPadStart frames and stopping FramesPadEnd frames before
// the end. samples is interleaved PCM of the given channel count; Embed
// returns a new slice and does not modify its input.
func (g *Generator) Embed(samples []float32, channels int, codedBits []byte) ([]float32, Report, error) {
	if channels <= 0 {
		return nil, Report{}, wmerrors.New(wmerrors.Internal, "watermark: channels must be positive, got %d", channels)
	}
	nFrameSamples := len(samples) / channels
	totalFrames := g.params.FrameCount(nFrameSamples)
	blockLen := g.params.BlockFrameCount(len(codedBits))
	needed := g.MinFrames(len(codedBits))
	if totalFrames < needed {
		return nil, Report{}, wmerrors.New(wmerrors.InputTooShort,
			"watermark: input has %d frames, need at least %d (frames_pad_start + 2*block_len + frames_pad_end)", totalFrames, needed)
	}

	out := make([]float32, len(samples))
	copy(out, samples)

	analyzer := spectral.NewAnalyzer(g.params.FrameSize, channels)

	syncCount := g.params.MarkSyncFrameCount()
	dataCount := g.params.MarkDataFrameCount(len(codedBits))

	bitPos, err := bitpos.NewBitPosGen(g.key, syncCount, dataCount)
	if err != nil {
		return nil, Report{}, err
	}
	syncUD, err := bitpos.NewUpDownGen(g.key, rng.SyncUpDown, g.params)
	if err != nil {
		return nil, Report{}, err
	}
	dataUD, err := bitpos.NewUpDownGen(g.key, rng.DataUpDown, g.params)
	if err != nil {
		return nil, Report{}, err
	}

	usableFrames := totalFrames - g.params.FramesPadStart - g.params.FramesPadEnd
	nBlocks := usableFrames / blockLen

	var sumSq, sumDiffSq float64
	clipped := 0

	for b := 0; b < nBlocks; b++ {
		polarity := wmcommon.BlockA
		if b%2 == 1 {
			polarity = wmcommon.BlockB
		}
		startFrame := g.params.FramesPadStart + b*blockLen

		for idx := 0; idx < syncCount; idx++ {
			framePos := bitPos.SyncFrame(idx)
			bitIdx := idx / g.params.SyncFramesPerBit
			syncBit := bitIdx % 2
			effective := syncBit
			if polarity == wmcommon.BlockB {
				effective ^= 1
			}
			s := signOf(effective)
			up, down := syncUD.Get(idx)
			d, err := g.applyFrame(out, channels, analyzer, startFrame+framePos, up, down, s)
			if err != nil {
				return nil, Report{}, err
			}
			sumDiffSq += d
		}
		for idx := 0; idx < dataCount; idx++ {
			framePos := bitPos.DataFrame(idx)
			bitIdx := idx / g.params.FramesPerBit
			s := signOf(int(codedBits[bitIdx]))
			up, down := dataUD.Get(idx)
			d, err := g.applyFrame(out, channels, analyzer, startFrame+framePos, up, down, s)
			if err != nil {
				return nil, Report{}, err
			}
			sumDiffSq += d
		}
	}

	for _, s := range samples {
		sumSq += float64(s) * float64(s)
	}

	if !g.params.DisableLimiter {
		clipped = limitPeaks(out)
	}

	report := Report{
		SNRDb:     snrDb(sumSq, sumDiffSq),
		NumBlocks: nBlocks,
		Clipped:   clipped,
	}
	return out, report, nil
}

// applyFrame recomputes one frame's spectrum, applies the up/down magnitude
// shaping, and adds the resulting time-domain delta back into samples
// in-place. Working with the difference between the modified and original
// inverse transforms (rather than overwriting the frame outright) means the
// window taper at frame edges attenuates the correction smoothly instead of
// discontinuously replacing samples, which is what spec.md calls
// "overlap-add to output stream" for contiguous, non-overlapping frames.
func (g *Generator) applyFrame(samples []float32, channels int, analyzer *spectral.Analyzer, frameIdx int, up, down []int, s float64) (float64, error) {
	offset := frameIdx * g.params.FrameSize
	spectra, err := analyzer.RunFFT(samples, offset)
	if err != nil {
		return 0, err
	}
	delta := g.params.WaterDelta
	var sumDiffSq float64
	for ch, orig := range spectra {
		mod := make([]complex128, len(orig))
		copy(mod, orig)
		for _, bin := range up {
			mod[bin] *= complex(1+delta*s, 0)
		}
		for _, bin := range down {
			mod[bin] *= complex(1-delta*s, 0)
		}
		if g.params.Mix {
			alpha := g.params.MixAlpha
			for i := range mod {
				mod[i] = orig[i]*complex(1-alpha, 0) + mod[i]*complex(alpha, 0)
			}
		}
		origTime := spectral.InverseFFT(orig)
		modTime := spectral.InverseFFT(mod)
		for i := 0; i < g.params.FrameSize; i++ {
			d := modTime[i] - origTime[i]
			idx := (offset+i)*channels + ch
			samples[idx] = float32(float64(samples[idx]) + d)
			sumDiffSq += d * d
		}
	}
	return sumDiffSq, nil
}

func signOf(bit int) float64 {
	if bit != 0 {
		return 1
	}
	return -1
}

func snrDb(signal, noise float64) float64 {
	if noise <= 0 {
		return math.Inf(1)
	}
	if signal <= 0 {
		return math.Inf(-1)
	}
	return 10 * math.Log10(signal/noise)
}

// limitPeaks clamps any sample outside [-1, 1] and reports how many samples
// were affected. spec.md §4.6 calls this optional peak limiting "to prevent
// clipping, unless disabled for testing".
func limitPeaks(samples []float32) int {
	n := 0
	for i, s := range samples {
		if s > 1 {
			samples[i] = 1
			n++
		} else if s < -1 {
			samples[i] = -1
			n++
		}
	}
	return n
}
