package rng

import (
	"testing"

	"audiowmark/key"
)

func testKey(seed byte) key.Key {
	var k key.Key
	for i := range k.Bytes {
		k.Bytes[i] = seed + byte(i*11)
	}
	return k
}

func TestDeterministic(t *testing.T) {
	k := testKey(1)
	g1, err := New(k, DataUpDown, 42)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	g2, err := New(k, DataUpDown, 42)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for i := 0; i < 10; i++ {
		if g1.Next() != g2.Next() {
			t.Fatalf("generators with identical (key, stream, seed) diverged at step %d", i)
		}
	}
}

func TestStreamsAreIndependent(t *testing.T) {
	k := testKey(2)
	g1, _ := New(k, DataUpDown, 0)
	g2, _ := New(k, SyncUpDown, 0)
	same := true
	for i := 0; i < 8; i++ {
		if g1.Next() != g2.Next() {
			same = false
		}
	}
	if same {
		t.Errorf("distinct streams of the same key produced identical sequences")
	}
}

func TestReseedMatchesFreshGenerator(t *testing.T) {
	k := testKey(3)
	g, err := New(k, FramePosition, 1)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	g.Next()
	g.Next()
	g.Reseed(FramePosition, 7)

	fresh, err := New(k, FramePosition, 7)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for i := 0; i < 5; i++ {
		if g.Next() != fresh.Next() {
			t.Fatalf("Reseed(stream, 7) did not match a fresh generator seeded with 7 at step %d", i)
		}
	}
}

func TestIntnRange(t *testing.T) {
	k := testKey(4)
	g, _ := New(k, Mix, 0)
	for i := 0; i < 1000; i++ {
		v := g.Intn(7)
		if v < 0 || v >= 7 {
			t.Fatalf("Intn(7) = %d, out of range", v)
		}
	}
}

func TestRandomDoubleRange(t *testing.T) {
	k := testKey(5)
	g, _ := New(k, Mix, 0)
	for i := 0; i < 1000; i++ {
		v := g.RandomDouble()
		if v < 0 || v >= 1 {
			t.Fatalf("RandomDouble() = %v, out of [0,1)", v)
		}
	}
}

func TestSeedFromHashDeterministic(t *testing.T) {
	samples := []float32{0.1, -0.2, 0.3, 0.4, -0.5}
	if SeedFromHash(samples) != SeedFromHash(samples) {
		t.Fatalf("SeedFromHash is not deterministic")
	}
	other := []float32{0.1, -0.2, 0.3, 0.4, -0.6}
	if SeedFromHash(samples) == SeedFromHash(other) {
		t.Errorf("SeedFromHash collided on different inputs (allowed in principle, suspicious in a small test)")
	}
}
