package syncfinder

import (
	"testing"

	"audiowmark/key"
	"audiowmark/wmcommon"
)

func testKey(seed byte) key.Key {
	var k key.Key
	for i := range k.Bytes {
		k.Bytes[i] = seed + byte(i*5)
	}
	return k
}

func TestGetSyncBitsDisjointAndInBand(t *testing.T) {
	params := wmcommon.DefaultParams()
	params.SyncFramesPerBit = 4
	params.SyncBits = 6
	params.FramesPerBit = 2

	syncBits, err := GetSyncBits(testKey(1), Block, params, 64)
	if err != nil {
		t.Fatalf("GetSyncBits: %v", err)
	}
	if len(syncBits) != params.SyncBits {
		t.Fatalf("got %d sync bits, want %d", len(syncBits), params.SyncBits)
	}
	nBands := params.NBands()
	seenFrames := make(map[int]bool)
	for _, frameBits := range syncBits {
		for _, fb := range frameBits {
			if seenFrames[fb.Frame] {
				t.Fatalf("frame %d claimed by more than one FrameBit", fb.Frame)
			}
			seenFrames[fb.Frame] = true
			if len(fb.Up) != len(fb.Down) {
				t.Fatalf("frame %d: up/down length mismatch (%d vs %d)", fb.Frame, len(fb.Up), len(fb.Down))
			}
			seen := make(map[int]bool)
			for _, b := range fb.Up {
				if b < 0 || b >= nBands {
					t.Fatalf("up bin %d out of band range", b)
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

func TestBitQualitySignMatchesExpectedPattern(t *testing.T) {
	// bit 0 expects a 0 (expect_data_bit = 0), so a clean "1" observation
	// (umag >> dmag) should read as negative quality.
	q0 := BitQuality(10, 1, 0)
	if q0 >= 0 {
		t.Errorf("BitQuality(10,1,bit=0) = %v, want negative", q0)
	}
	// bit 1 expects a 1, so the same observation should read positive.
	q1 := BitQuality(10, 1, 1)
	if q1 <= 0 {
		t.Errorf("BitQuality(10,1,bit=1) = %v, want positive", q1)
	}
}

func TestNormalizeSyncQualityClampsWaterDelta(t *testing.T) {
	a := NormalizeSyncQuality(1.0, 0.005)
	b := NormalizeSyncQuality(1.0, 0.5) // above the 0.08 clamp
	if a == b {
		t.Fatalf("expected different normalization for different water_delta below/above the clamp")
	}
	bClamped := NormalizeSyncQuality(1.0, 0.08)
	if b != bClamped {
		t.Errorf("water_delta above 0.08 should normalize identically to 0.08")
	}
}

func TestFakeSyncRejectsMisalignedPadding(t *testing.T) {
	params := wmcommon.DefaultParams()
	params.TestNoSync = true
	params.FramesPadStart = 7 // not a multiple of the block length
	params.SyncFramesPerBit = 4
	params.FramesPerBit = 2
	sf := New(params, 64)
	samples := make([]float32, params.FrameSize*10000)
	if _, err := sf.Search(samples, 1, []key.Key{testKey(1)}, Block); err == nil {
		t.Fatalf("expected fakeSync to reject misaligned frames_pad_start")
	}
}

func TestFakeSyncProducesAlternatingBlockTypes(t *testing.T) {
	params := wmcommon.DefaultParams()
	params.TestNoSync = true
	params.SyncFramesPerBit = 4
	params.SyncBits = 6
	params.FramesPerBit = 2
	block := params.MarkSyncFrameCount() + params.MarkDataFrameCount(64)
	params.FramesPadStart = block * 2
	params.FramesPadEnd = block * 2

	sf := New(params, 64)
	samples := make([]float32, params.FrameSize*block*10)
	results, err := sf.Search(samples, 1, []key.Key{testKey(1)}, Block)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 || len(results[0]) < 2 {
		t.Fatalf("expected at least 2 fake sync candidates, got %+v", results)
	}
	for i, s := range results[0] {
		wantType := wmcommon.BlockA
		if i%2 == 1 {
			wantType = wmcommon.BlockB
		}
		if s.BlockType != wantType {
			t.Errorf("candidate %d: block type = %v, want %v", i, s.BlockType, wantType)
		}
	}
}
