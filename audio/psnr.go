// Package audio is the sample source/sink collaborator; this file holds a
// standalone PSNR helper used by handlers/tests to report watermark quality
// independently of watermark.Report's own SNR figure.
package audio

import (
	"math"
)

// CalculatePSNR computes the peak signal-to-noise ratio in dB between two
// equal-length normalized (-1..1) float32 PCM signals.
func CalculatePSNR(original, stego []float32) float64 {
	if len(original) != len(stego) || len(original) == 0 {
		return 0.0
	}

	var mse float64
	for i := range original {
		diff := float64(original[i]) - float64(stego[i])
		mse += diff * diff
	}
	mse /= float64(len(original))

	if mse == 0 {
		return math.Inf(1)
	}

	const maxSignalValue = 1.0
	return 20 * math.Log10(maxSignalValue/math.Sqrt(mse))
}

func ValidatePSNR(psnr float64, threshold float64) bool {
	if math.IsInf(psnr, 1) {
		return true // Infinite PSNR is always good
	}
	return psnr >= threshold
}
