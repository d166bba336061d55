// Package spectral wraps the FFT primitive spec.md §6 treats as an external
// collaborator ("real-to-complex forward and complex-to-real inverse of
// fixed size frame_size") with the per-channel dispatch and normalized
// window that spec.md §4.4's frame FFT analyzer owns.
//
// The forward/inverse transform itself is provided by
// github.com/mjibson/go-dsp/fft, the FFT library used across this pack's
// retrieved audio-DSP examples (spectrogram and STFT code in
// himanishpuri/AcousticDNA, RyanBlaney/sonido-sonar, and others).
package spectral

import (
	"math"
	"math/cmplx"

	"github.com/mjibson/go-dsp/fft"

	"audiowmark/wmcommon"
	"audiowmark/wmerrors"
)

// Analyzer owns the precomputed window and dispatches per-channel FFTs of a
// fixed frame size.
type Analyzer struct {
	frameSize int
	channels  int
	window    []float64
}

// NewAnalyzer builds an Analyzer for the given frame size and channel count.
func NewAnalyzer(frameSize, channels int) *Analyzer {
	return &Analyzer{
		frameSize: frameSize,
		channels:  channels,
		window:    GenNormalizedWindow(frameSize),
	}
}

// GenNormalizedWindow returns a Hann window scaled to unit power, i.e.
// sum(window[i]^2) == frameSize, so windowed-frame energy is comparable
// across different signals.
func GenNormalizedWindow(frameSize int) []float64 {
	w := make([]float64, frameSize)
	var sumSq float64
	for i := range w {
		w[i] = 0.5 - 0.5*math.Cos(2*math.Pi*float64(i)/float64(frameSize))
		sumSq += w[i] * w[i]
	}
	if sumSq == 0 {
		return w
	}
	scale := math.Sqrt(float64(frameSize) / sumSq)
	for i := range w {
		w[i] *= scale
	}
	return w
}

// RunFFT computes the windowed forward FFT of one frame of interleaved
// samples starting at offset (in samples, not frame-samples), for every
// channel. The result for each channel has frameSize complex bins, of which
// bins [0, frameSize/2] carry the non-redundant spectrum for a real input.
func (a *Analyzer) RunFFT(samples []float32, offset int) ([][]complex128, error) {
	if offset < 0 || (offset+a.frameSize)*a.channels > len(samples) {
		return nil, wmerrors.New(wmerrors.Internal, "spectral: RunFFT frame out of range: offset=%d frameSize=%d channels=%d len=%d",
			offset, a.frameSize, a.channels, len(samples))
	}

	result := make([][]complex128, a.channels)
	in := make([]complex128, a.frameSize)
	for ch := 0; ch < a.channels; ch++ {
		for i := 0; i < a.frameSize; i++ {
			s := samples[(offset+i)*a.channels+ch]
			in[i] = complex(float64(s)*a.window[i], 0)
		}
		result[ch] = fft.FFT(in)
	}
	return result, nil
}

// InverseFFT reconstructs a real-valued windowed frame from its complex
// spectrum (as produced by RunFFT, possibly modified in the non-redundant
// half by the watermark generator). Conjugate symmetry is restored for the
// upper half before the inverse transform.
func InverseFFT(spectrum []complex128) []float64 {
	n := len(spectrum)
	full := make([]complex128, n)
	copy(full, spectrum)
	for i := 1; i < n-i; i++ {
		full[n-i] = cmplx.Conj(spectrum[i])
	}
	out := fft.IFFT(full)
	result := make([]float64, n)
	for i, c := range out {
		result[i] = real(c)
	}
	return result
}

// DbBins converts one channel's complex spectrum to dB magnitudes for the
// usable band range [params.MinBand, params.MaxBand], accumulating across
// channels into dst (dst must have length params.NBands()).
func DbBins(dst []float64, spectrum []complex128, params wmcommon.Params) {
	for i := params.MinBand; i <= params.MaxBand; i++ {
		dst[i-params.MinBand] += wmcommon.DbFromComplex(real(spectrum[i]), imag(spectrum[i]))
	}
}
