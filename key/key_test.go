package key

import "testing"

func TestGenerateProducesValidKey(t *testing.T) {
	k, err := Generate("studio-master")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(k.Hex()) != Size*2 {
		t.Fatalf("Hex() length = %d, want %d", len(k.Hex()), Size*2)
	}
}

func TestFormatParseRoundTrip(t *testing.T) {
	k, err := Generate(`studio "master" key`)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	text, err := Format(k)
	if err != nil {
		t.Fatalf("Format: %v", err)
	}
	parsed, err := Parse(text)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if parsed.Bytes != k.Bytes {
		t.Errorf("round-tripped key bytes differ")
	}
	if parsed.Name != k.Name {
		t.Errorf("round-tripped name = %q, want %q", parsed.Name, k.Name)
	}
}

func TestFormatParseNoName(t *testing.T) {
	k, err := Generate("")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	text, err := Format(k)
	if err != nil {
		t.Fatalf("Format: %v", err)
	}
	parsed, err := Parse(text)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if parsed.Name != "" {
		t.Errorf("parsed.Name = %q, want empty", parsed.Name)
	}
}

func TestValidateNameRejectsControlChars(t *testing.T) {
	if err := ValidateName("bad\nname"); err == nil {
		t.Fatalf("expected error for control character in key name")
	}
}

func TestParseHexRejectsBadLength(t *testing.T) {
	if _, err := ParseHex("deadbeef"); err == nil {
		t.Fatalf("expected error for short hex key")
	}
}

func TestParseRejectsMissingKeyLine(t *testing.T) {
	if _, err := Parse("name \"no key here\"\n"); err == nil {
		t.Fatalf("expected error for key file missing the key line")
	}
}

func TestIDIsStableForSameKey(t *testing.T) {
	k, err := Generate("x")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if k.ID() != k.ID() {
		t.Fatalf("ID() is not stable for the same key")
	}
}
