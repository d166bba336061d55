package bitpos

import (
	"testing"

	"audiowmark/key"
	"audiowmark/rng"
	"audiowmark/wmcommon"
)

func testKey(seed byte) key.Key {
	var k key.Key
	for i := range k.Bytes {
		k.Bytes[i] = seed + byte(i*3)
	}
	return k
}

func TestUpDownGenDisjointAndStable(t *testing.T) {
	params := wmcommon.DefaultParams()
	u, err := NewUpDownGen(testKey(1), rng.DataUpDown, params)
	if err != nil {
		t.Fatalf("NewUpDownGen: %v", err)
	}

	up1, down1 := u.Get(5)
	up2, down2 := u.Get(5)
	if len(up1) != params.BandsPerFrame/2 || len(down1) != params.BandsPerFrame/2 {
		t.Fatalf("Get returned up=%d down=%d, want %d each", len(up1), len(down1), params.BandsPerFrame/2)
	}
	seen := make(map[int]bool)
	for _, b := range up1 {
		seen[b] = true
	}
	for _, b := range down1 {
		if seen[b] {
			t.Fatalf("bin %d appears in both up and down", b)
		}
	}
	for i := range up1 {
		if up1[i] != up2[i] || down1[i] != down2[i] {
			t.Fatalf("Get(5) is not reproducible across calls")
		}
	}

	upOther, _ := u.Get(6)
	if len(upOther) == len(up1) {
		identical := true
		for i := range upOther {
			if upOther[i] != up1[i] {
				identical = false
				break
			}
		}
		if identical {
			t.Errorf("Get(5) and Get(6) produced identical up sets; expected different selections")
		}
	}
}

func TestUpDownGenRejectsBadBandsPerFrame(t *testing.T) {
	params := wmcommon.DefaultParams()
	params.BandsPerFrame = 3
	if _, err := NewUpDownGen(testKey(1), rng.DataUpDown, params); err == nil {
		t.Fatalf("expected error for odd BandsPerFrame")
	}
}

func TestBitPosGenPermutationIsBijective(t *testing.T) {
	b, err := NewBitPosGen(testKey(2), 6, 40)
	if err != nil {
		t.Fatalf("NewBitPosGen: %v", err)
	}
	seen := make(map[int]bool)
	for f := 0; f < 6; f++ {
		seen[b.SyncFrame(f)] = true
	}
	for f := 0; f < 40; f++ {
		seen[b.DataFrame(f)] = true
	}
	if len(seen) != 46 {
		t.Fatalf("frame positions are not a bijection over [0,46): got %d distinct values", len(seen))
	}
}
