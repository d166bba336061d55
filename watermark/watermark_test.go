package watermark

import (
	"math"
	"testing"

	"audiowmark/key"
	"audiowmark/wmcommon"
	"audiowmark/wmerrors"
)

func testKey() key.Key {
	var k key.Key
	for i := range k.Bytes {
		k.Bytes[i] = byte(i*17 + 3)
	}
	return k
}

func testParams() wmcommon.Params {
	p := wmcommon.DefaultParams()
	// Shrink the sync pattern so unit tests don't need minutes of audio.
	p.SyncFramesPerBit = 4
	p.FramesPerBit = 2
	p.FramesPadStart = 8
	p.FramesPadEnd = 8
	return p
}

func sineSamples(nFrames, frameSize, channels int) []float32 {
	n := nFrames * frameSize * channels
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(0.2 * math.Sin(float64(i)*0.01))
	}
	return out
}

func TestEmbedRejectsShortInput(t *testing.T) {
	params := testParams()
	gen := NewGenerator(testKey(), params)
	coded := make([]byte, 48) // small short-code-sized codeword
	samples := sineSamples(4, params.FrameSize, 1)
	if _, _, err := gen.Embed(samples, 1, coded); !wmerrors.Is(err, wmerrors.InputTooShort) {
		t.Fatalf("Embed on short input: got %v, want InputTooShort", err)
	}
}

func TestEmbedIsDeterministic(t *testing.T) {
	params := testParams()
	gen := NewGenerator(testKey(), params)
	coded := make([]byte, 48)
	for i := range coded {
		coded[i] = byte(i % 2)
	}
	needed := gen.MinFrames(len(coded)) + 4
	samples := sineSamples(needed, params.FrameSize, 1)

	out1, report1, err := gen.Embed(samples, 1, coded)
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	out2, report2, err := gen.Embed(samples, 1, coded)
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(out1) != len(out2) {
		t.Fatalf("output length differs across runs")
	}
	for i := range out1 {
		if out1[i] != out2[i] {
			t.Fatalf("sample %d differs across identical Embed calls: %v vs %v", i, out1[i], out2[i])
		}
	}
	if report1.NumBlocks != report2.NumBlocks || report1.SNRDb != report2.SNRDb {
		t.Fatalf("reports differ across identical Embed calls")
	}
	if report1.NumBlocks < 2 {
		t.Fatalf("expected at least 2 embedded blocks, got %d", report1.NumBlocks)
	}
}

func TestEmbedProducesAudibleDifference(t *testing.T) {
	params := testParams()
	gen := NewGenerator(testKey(), params)
	coded := make([]byte, 48)
	for i := range coded {
		coded[i] = byte((i * 3) % 2)
	}
	needed := gen.MinFrames(len(coded)) + 4
	samples := sineSamples(needed, params.FrameSize, 1)

	out, report, err := gen.Embed(samples, 1, coded)
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if math.IsInf(report.SNRDb, 1) {
		t.Fatalf("SNR reported as infinite, expected a finite watermark-induced difference")
	}
	identical := true
	for i := range samples {
		if out[i] != samples[i] {
			identical = false
			break
		}
	}
	if identical {
		t.Fatalf("Embed output is byte-identical to input; no watermark was written")
	}
}

func TestEmbedStaysWithinSampleRange(t *testing.T) {
	params := testParams()
	gen := NewGenerator(testKey(), params)
	coded := make([]byte, 48)
	needed := gen.MinFrames(len(coded)) + 4
	samples := sineSamples(needed, params.FrameSize, 1)
	for i := range samples {
		samples[i] *= 4 // push well outside [-1, 1] pre-limiter
	}
	out, _, err := gen.Embed(samples, 1, coded)
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	for i, s := range out {
		if s > 1 || s < -1 {
			t.Fatalf("sample %d = %v escaped the limiter's [-1, 1] range", i, s)
		}
	}
}
