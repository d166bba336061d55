// Package key implements the watermarking secret key: a 128-bit value plus
// an optional human-readable name, and the persisted key-file format from
// spec.md §6.
package key

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"audiowmark/wmerrors"
)

// Size is the key length in bytes (128 bits).
const Size = 16

// Key is a 128-bit secret plus an optional name. The same key and input
// always produce the same watermark (spec.md §3 "Key").
type Key struct {
	Bytes [Size]byte
	Name  string
}

// Hex returns the lowercase 32-hex-character representation of the key.
func (k Key) Hex() string {
	return hex.EncodeToString(k.Bytes[:])
}

// ID returns a stable, deterministic UUID derived from the key bytes,
// suitable for tagging generated key files or watermark reports without
// leaking the key itself. google/uuid's namespace-based v5 UUID is used so
// the identifier is reproducible for a given key.
func (k Key) ID() uuid.UUID {
	return uuid.NewSHA1(uuid.NameSpaceOID, k.Bytes[:])
}

// Generate produces a fresh key using an OS-grade entropy source
// (spec.md §4.1 gen_key).
func Generate(name string) (Key, error) {
	var k Key
	if _, err := rand.Read(k.Bytes[:]); err != nil {
		return Key{}, wmerrors.Wrap(wmerrors.Internal, err, "failed to read entropy for key generation")
	}
	if name != "" {
		if err := ValidateName(name); err != nil {
			return Key{}, err
		}
	}
	k.Name = name
	return k, nil
}

// ParseHex parses a 32-hex-character key string.
func ParseHex(s string) (Key, error) {
	var k Key
	s = strings.TrimSpace(s)
	if len(s) != Size*2 {
		return Key{}, wmerrors.New(wmerrors.BadKey, "key must be %d hex characters, got %d", Size*2, len(s))
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return Key{}, wmerrors.Wrap(wmerrors.BadKey, err, "malformed hex key")
	}
	copy(k.Bytes[:], b)
	return k, nil
}

// ValidateName rejects control characters (< 0x20), as required by spec.md §6.
func ValidateName(name string) error {
	for _, r := range name {
		if r < 0x20 {
			return wmerrors.New(wmerrors.BadKey, "key name contains forbidden control character %U", r)
		}
	}
	return nil
}

// Format renders the key in the bit-exact key-file format from spec.md §6:
//
//	# watermarking key for audiowmark
//
//	key <32 hex chars>
//	name "<escaped name>"
//
// Quoting/escaping is delegated to strconv's Go-string quoting, which
// backslash-escapes '"' and '\\' exactly as spec.md requires. Control
// characters below 0x20 are rejected up front by ValidateName; any other
// non-printable rune (such as 0x7f) is still written with %q's \xNN /
// \uNNNN escapes, which Parse's strconv.Unquote reads back.
func Format(k Key) (string, error) {
	if err := ValidateName(k.Name); err != nil {
		return "", err
	}
	var b strings.Builder
	b.WriteString("# watermarking key for audiowmark\n\n")
	fmt.Fprintf(&b, "key %s\n", k.Hex())
	if k.Name != "" {
		fmt.Fprintf(&b, "name %q\n", k.Name)
	}
	return b.String(), nil
}

// Parse reads the key-file format produced by Format.
func Parse(data string) (Key, error) {
	var k Key
	haveKey := false
	for _, line := range strings.Split(data, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.SplitN(line, " ", 2)
		if len(fields) != 2 {
			return Key{}, wmerrors.New(wmerrors.BadKey, "malformed key file line %q", line)
		}
		switch fields[0] {
		case "key":
			parsed, err := ParseHex(fields[1])
			if err != nil {
				return Key{}, err
			}
			k.Bytes = parsed.Bytes
			haveKey = true
		case "name":
			name, err := strconv.Unquote(fields[1])
			if err != nil {
				return Key{}, wmerrors.Wrap(wmerrors.BadKey, err, "malformed key name %q", fields[1])
			}
			if err := ValidateName(name); err != nil {
				return Key{}, err
			}
			k.Name = name
		default:
			return Key{}, wmerrors.New(wmerrors.BadKey, "unknown key file directive %q", fields[0])
		}
	}
	if !haveKey {
		return Key{}, wmerrors.New(wmerrors.BadKey, "key file is missing the \"key\" line")
	}
	return k, nil
}
