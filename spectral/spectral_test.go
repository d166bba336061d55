package spectral

import (
	"math"
	"testing"

	"audiowmark/wmcommon"
)

func TestGenNormalizedWindowHasUnitPower(t *testing.T) {
	w := GenNormalizedWindow(64)
	var sumSq float64
	for _, v := range w {
		sumSq += v * v
	}
	if math.Abs(sumSq-64) > 1e-6 {
		t.Fatalf("sum(window^2) = %v, want 64", sumSq)
	}
}

func TestRunFFTRejectsOutOfRangeOffset(t *testing.T) {
	a := NewAnalyzer(64, 1)
	samples := make([]float32, 64)
	if _, err := a.RunFFT(samples, 1); err == nil {
		t.Fatalf("expected an error when the frame runs past the end of samples")
	}
}

func TestInverseFFTRoundTripsConstantSignal(t *testing.T) {
	a := NewAnalyzer(64, 1)
	samples := make([]float32, 64)
	for i := range samples {
		samples[i] = 1
	}
	spectra, err := a.RunFFT(samples, 0)
	if err != nil {
		t.Fatalf("RunFFT: %v", err)
	}
	out := InverseFFT(spectra[0])
	if len(out) != 64 {
		t.Fatalf("got %d samples back, want 64", len(out))
	}
	// a constant signal concentrates all energy in bin 0; the windowed,
	// reconstructed frame should not be flat but should stay bounded.
	for i, v := range out {
		if math.IsNaN(v) || math.Abs(v) > 1000 {
			t.Fatalf("sample %d = %v, looks unbounded", i, v)
		}
	}
}

func TestDbBinsAccumulatesAcrossChannels(t *testing.T) {
	params := wmcommon.DefaultParams()
	params.MinBand = 0
	params.MaxBand = 2
	spectrum := []complex128{1, 2, 3}

	dst := make([]float64, params.NBands())
	DbBins(dst, spectrum, params)
	once := make([]float64, params.NBands())
	copy(once, dst)

	DbBins(dst, spectrum, params)
	for i := range dst {
		if math.Abs(dst[i]-2*once[i]) > 1e-9 {
			t.Fatalf("bin %d did not accumulate: got %v, want %v", i, dst[i], 2*once[i])
		}
	}
}
