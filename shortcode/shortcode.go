// Package shortcode implements the injective map between small integer
// payloads (spec.md §4.3, "short mode") and fixed-length codewords with
// large mutual Hamming distance, used instead of the full convolutional
// code when payload_size is small enough that the convolutional code's
// overhead would dominate.
//
// Codewords are generated on demand rather than stored in a literal table:
// each codeword is the output of the same keyed AES-CTR stream generator
// used elsewhere in this package tree (package rng), seeded with a fixed,
// non-secret constant key reserved for this purpose. Because the generator
// is a cryptographic stream cipher, codewords for distinct payload values
// are statistically independent of each other, which gives the table the
// large-mutual-Hamming-distance property spec.md asks for without needing
// to store or search a literal precomputed table in memory.
package shortcode

import (
	"math/bits"

	"audiowmark/key"
	"audiowmark/rng"
	"audiowmark/wmerrors"
)

// CodeLen is the fixed codeword length in bits, shared by every supported
// payload size.
const CodeLen = 128

// MaxBits is the largest payload size this package supports; spec.md caps
// short mode at "≤ ~20 bits" because the brute-force nearest-codeword search
// is O(2^payloadSize).
const MaxBits = 20

// tableKey is a fixed, non-secret key: the codeword table must be the same
// for every watermarking key, since it maps payload values to codewords
// independently of the embedding secret.
var tableKey = key.Key{Bytes: [key.Size]byte{
	0x73, 0x68, 0x6f, 0x72, 0x74, 0x63, 0x6f, 0x64,
	0x65, 0x2d, 0x74, 0x61, 0x62, 0x6c, 0x65, 0x00,
}}

// Supported reports whether payloadSize bits is a supported short-code size.
func Supported(payloadSize int) bool {
	return payloadSize >= 1 && payloadSize <= MaxBits
}

func checkSupported(payloadSize int) error {
	if !Supported(payloadSize) {
		return wmerrors.New(wmerrors.ShortCodeUnsupported, "short code unsupported for payload size %d bits (supported: 1..%d)", payloadSize, MaxBits)
	}
	return nil
}

// codeword computes the fixed-length codeword for a given payload value.
func codeword(value uint64) ([]byte, error) {
	gen, err := rng.New(tableKey, rng.DataUpDown, value)
	if err != nil {
		return nil, err
	}
	bitsOut := make([]byte, CodeLen)
	for i := range bitsOut {
		bitsOut[i] = byte(gen.Next() & 1)
	}
	return bitsOut, nil
}

// Encode maps a payload value to its fixed-length codeword.
func Encode(payloadSize int, value uint64) ([]byte, error) {
	if err := checkSupported(payloadSize); err != nil {
		return nil, err
	}
	if value >= (uint64(1) << payloadSize) {
		return nil, wmerrors.New(wmerrors.Internal, "shortcode: value %d does not fit in %d bits", value, payloadSize)
	}
	return codeword(value)
}

// Decode finds the table entry minimizing Hamming distance to a received
// hard-bit vector, ties resolved by lowest payload value, and returns the
// recovered value together with its Hamming distance (the candidate's
// implied bit-error count).
func Decode(payloadSize int, received []byte) (value uint64, hamming int, err error) {
	if err := checkSupported(payloadSize); err != nil {
		return 0, 0, err
	}
	if len(received) != CodeLen {
		return 0, 0, wmerrors.New(wmerrors.Internal, "shortcode: Decode expected %d bits, got %d", CodeLen, len(received))
	}

	bestHamming := CodeLen + 1
	var bestValue uint64
	n := uint64(1) << payloadSize
	for v := uint64(0); v < n; v++ {
		cw, err := codeword(v)
		if err != nil {
			return 0, 0, err
		}
		d := hammingDistance(cw, received)
		if d < bestHamming {
			bestHamming = d
			bestValue = v
		}
	}
	return bestValue, bestHamming, nil
}

func hammingDistance(a, b []byte) int {
	d := 0
	for i := range a {
		d += int(a[i] ^ b[i])
	}
	return d
}

// popcountBytes counts the set bits of a packed bitset (eight bits per
// byte) rather than one-byte-per-bit. It is unexported and nothing in this
// package calls it.
func popcountBytes(packed []byte) int {
	n := 0
	for _, b := range packed {
		n += bits.OnesCount8(b)
	}
	return n
}
