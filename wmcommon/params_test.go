package wmcommon

import "testing"

func TestNBands(t *testing.T) {
	p := DefaultParams()
	if got, want := p.NBands(), p.MaxBand-p.MinBand+1; got != want {
		t.Fatalf("NBands() = %d, want %d", got, want)
	}
}

func TestBlockFrameCount(t *testing.T) {
	p := DefaultParams()
	codedBits := 64
	want := p.MarkSyncFrameCount() + p.MarkDataFrameCount(codedBits)
	if got := p.BlockFrameCount(codedBits); got != want {
		t.Fatalf("BlockFrameCount(%d) = %d, want %d", codedBits, got, want)
	}
}

func TestSyncThreshold1IsBelowThreshold2(t *testing.T) {
	p := DefaultParams()
	if p.SyncThreshold1() >= p.SyncThreshold2 {
		t.Fatalf("SyncThreshold1 (%v) should be below SyncThreshold2 (%v)", p.SyncThreshold1(), p.SyncThreshold2)
	}
}

func TestConvBlockTypeOther(t *testing.T) {
	if BlockA.Other() != BlockB || BlockB.Other() != BlockA {
		t.Fatalf("ConvBlockType.Other() did not flip correctly")
	}
	if BlockA.String() != "A" || BlockB.String() != "B" {
		t.Fatalf("ConvBlockType.String() = %q/%q, want A/B", BlockA.String(), BlockB.String())
	}
}

func TestDbFromComplexFloorsAtMinDb(t *testing.T) {
	if got := DbFromComplex(0, 0); got != MinDb {
		t.Fatalf("DbFromComplex(0,0) = %v, want %v", got, MinDb)
	}
	if got := DbFromComplex(1, 0); got != 0 {
		t.Fatalf("DbFromComplex(1,0) = %v, want 0", got)
	}
}

func TestFrameCount(t *testing.T) {
	p := DefaultParams()
	if got := p.FrameCount(p.FrameSize * 3); got != 3 {
		t.Fatalf("FrameCount(3*FrameSize) = %d, want 3", got)
	}
	if got := p.FrameCount(p.FrameSize + 1); got != 1 {
		t.Fatalf("FrameCount(FrameSize+1) = %d, want 1 (remainder dropped)", got)
	}
}
