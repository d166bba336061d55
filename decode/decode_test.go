package decode

import (
	"math"
	"testing"

	"audiowmark/convcode"
	"audiowmark/key"
	"audiowmark/shortcode"
	"audiowmark/syncfinder"
	"audiowmark/watermark"
	"audiowmark/wmcommon"
)

func testKey(seed byte) key.Key {
	var k key.Key
	for i := range k.Bytes {
		k.Bytes[i] = seed + byte(i*11)
	}
	return k
}

func sineSamples(nFrames, frameSize, channels int) []float32 {
	n := nFrames * frameSize * channels
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(0.2 * math.Sin(float64(i)*0.013))
	}
	return out
}

// shrunkParams builds a Params with a small sync pattern and padding aligned
// to exactly nBlocks fake-sync candidates, so tests run in milliseconds and
// TestNoSync's alignment assertion is satisfied.
func shrunkParams(codedBits, nBlocks int) (wmcommon.Params, int) {
	p := wmcommon.DefaultParams()
	p.SyncFramesPerBit = 4
	p.SyncBits = 6
	p.FramesPerBit = 2
	p.TestNoSync = true
	blockFrames := p.MarkSyncFrameCount() + p.MarkDataFrameCount(codedBits)
	p.FramesPadStart = blockFrames
	p.FramesPadEnd = blockFrames
	totalFrames := p.FramesPadStart + nBlocks*blockFrames + p.FramesPadEnd
	return p, totalFrames
}

func TestDecodeConvolutionalRoundTrip(t *testing.T) {
	k := testKey(1)
	payload := []byte{1, 0, 1, 1, 0, 0, 1, 0}
	coded := convcode.Encode(payload)

	il, err := convcode.NewInterleaver(k, len(coded))
	if err != nil {
		t.Fatalf("NewInterleaver: %v", err)
	}
	interleaved := il.Interleave(coded)

	params, totalFrames := shrunkParams(len(coded), 4)
	gen := watermark.NewGenerator(k, params)
	samples := sineSamples(totalFrames, params.FrameSize, 1)
	out, report, err := gen.Embed(samples, 1, interleaved)
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if report.NumBlocks != 4 {
		t.Fatalf("expected 4 embedded blocks, got %d", report.NumBlocks)
	}

	dec := New(k, params)
	results, err := dec.Decode(out, 1, []key.Key{k}, syncfinder.Block, len(payload), false)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	best, err := Best(results[0])
	if err != nil {
		t.Fatalf("Best: %v", err)
	}
	if best.BitErrors != 0 {
		t.Fatalf("expected 0 bit errors on a noiseless round trip, got %d", best.BitErrors)
	}
	if len(best.Bits) != len(payload) {
		t.Fatalf("got %d payload bits, want %d", len(best.Bits), len(payload))
	}
	for i := range payload {
		if best.Bits[i] != payload[i] {
			t.Fatalf("bit %d: got %d, want %d", i, best.Bits[i], payload[i])
		}
	}
}

func TestDecodeWrongKeyProducesErrors(t *testing.T) {
	k := testKey(1)
	wrong := testKey(200)
	payload := []byte{1, 0, 1, 1, 0, 0, 1, 0}
	coded := convcode.Encode(payload)

	il, err := convcode.NewInterleaver(k, len(coded))
	if err != nil {
		t.Fatalf("NewInterleaver: %v", err)
	}
	interleaved := il.Interleave(coded)

	params, totalFrames := shrunkParams(len(coded), 4)
	gen := watermark.NewGenerator(k, params)
	samples := sineSamples(totalFrames, params.FrameSize, 1)
	out, _, err := gen.Embed(samples, 1, interleaved)
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}

	dec := New(wrong, params)
	results, err := dec.Decode(out, 1, []key.Key{wrong}, syncfinder.Block, len(payload), false)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	best, err := Best(results[0])
	if err != nil {
		t.Fatalf("Best: %v", err)
	}
	if best.BitErrors == 0 {
		t.Fatalf("expected decoding with the wrong key to show bit errors")
	}
}

func TestDecodeShortModeRoundTrip(t *testing.T) {
	k := testKey(3)
	payloadSize := 8
	value := uint64(0xA5)
	coded, err := shortcode.Encode(payloadSize, value)
	if err != nil {
		t.Fatalf("shortcode.Encode: %v", err)
	}

	params, totalFrames := shrunkParams(len(coded), 3)
	gen := watermark.NewGenerator(k, params)
	samples := sineSamples(totalFrames, params.FrameSize, 1)
	out, _, err := gen.Embed(samples, 1, coded)
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}

	dec := New(k, params)
	results, err := dec.Decode(out, 1, []key.Key{k}, syncfinder.Block, payloadSize, true)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	best, err := Best(results[0])
	if err != nil {
		t.Fatalf("Best: %v", err)
	}
	if best.BitErrors != 0 {
		t.Fatalf("expected 0 bit errors on a noiseless short-mode round trip, got %d", best.BitErrors)
	}
	if got := BitsToValue(best.Bits); got != value {
		t.Fatalf("decoded value %#x, want %#x", got, value)
	}
}

func TestBitsToValueRoundTrip(t *testing.T) {
	bits := valueToBits(0x2D, 8)
	if got := BitsToValue(bits); got != 0x2D {
		t.Fatalf("BitsToValue(valueToBits(0x2D)) = %#x, want 0x2D", got)
	}
}

func TestRawBitValueSign(t *testing.T) {
	if v := rawBitValue(10, 1); v <= 0 {
		t.Errorf("rawBitValue(10,1) = %v, want positive (up dominates)", v)
	}
	if v := rawBitValue(1, 10); v >= 0 {
		t.Errorf("rawBitValue(1,10) = %v, want negative (down dominates)", v)
	}
	if v := rawBitValue(0, 5); v != 0 {
		t.Errorf("rawBitValue(0,5) = %v, want 0", v)
	}
}

func TestRankCandidatesOrdersByErrorsThenQuality(t *testing.T) {
	cands := []Candidate{
		{SyncIndex: 0, BitErrors: 2, SyncQuality: 0.9},
		{SyncIndex: 1, BitErrors: 0, SyncQuality: 0.5},
		{SyncIndex: 2, BitErrors: 0, SyncQuality: 0.8},
	}
	ranked := RankCandidates(cands)
	if ranked[0].SyncIndex != 2 || ranked[1].SyncIndex != 1 || ranked[2].SyncIndex != 0 {
		t.Fatalf("unexpected order: %+v", ranked)
	}
}

func TestGetDataBitsDisjointAndInBand(t *testing.T) {
	params := wmcommon.DefaultParams()
	params.FramesPerBit = 2
	k := testKey(5)
	codedBits := 12
	dataBits, err := getDataBits(k, params, codedBits)
	if err != nil {
		t.Fatalf("getDataBits: %v", err)
	}
	if len(dataBits) != codedBits {
		t.Fatalf("got %d data-bit groups, want %d", len(dataBits), codedBits)
	}
	nBands := params.NBands()
	for _, frameBits := range dataBits {
		for _, fb := range frameBits {
			seen := make(map[int]bool)
			for _, b := range fb.Up {
				if b < 0 || b >= nBands {
					t.Fatalf("up bin %d out of range", b)
				}
				seen[b] = true
			}
			for _, b := range fb.Down {
				if seen[b] {
					t.Fatalf("bin %d present in both up and down", b)
				}
			}
		}
	}
}
