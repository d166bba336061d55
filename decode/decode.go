// Package decode implements spec.md §4.8: once a SyncFinder offset is known,
// extract soft bits from the frames of one block, undo interleaving, and run
// the convolutional or short-code decoder to recover candidate payloads.
package decode

import (
	"sort"

	"audiowmark/bitpos"
	"audiowmark/convcode"
	"audiowmark/key"
	"audiowmark/rng"
	"audiowmark/shortcode"
	"audiowmark/spectral"
	"audiowmark/syncfinder"
	"audiowmark/wmcommon"
	"audiowmark/wmerrors"
)

// Candidate is one decoded payload from one sync offset.
type Candidate struct {
	Bits        []byte // payload bits, MSB first, length == payloadSize
	BitErrors   int
	SyncIndex   int
	SyncQuality float64
	BlockType   wmcommon.ConvBlockType
}

// Decoder recovers payloads for a single key.
type Decoder struct {
	key    key.Key
	params wmcommon.Params
}

// New builds a Decoder for the given key and configuration.
func New(k key.Key, params wmcommon.Params) *Decoder {
	return &Decoder{key: k, params: params}
}

// CodedLenFor returns the coded bit-stream length for a payload of the given
// size, in either short-code or convolutional-code mode. Shared with package
// speed, which needs the same block geometry to build its sync bit table.
func CodedLenFor(payloadSize int, short bool) int {
	if short {
		return shortcode.CodeLen
	}
	return convcode.CodedLen(payloadSize)
}

// getDataBits builds the per-data-bit FrameBit list, analogous to
// syncfinder.GetSyncBits but for the data portion of one block (data bits
// are never swapped by block polarity — only the sync pattern is).
func getDataBits(k key.Key, params wmcommon.Params, codedBits int) ([][]syncfinder.FrameBit, error) {
	dataUD, err := bitpos.NewUpDownGen(k, rng.DataUpDown, params)
	if err != nil {
		return nil, err
	}
	bitPosGen, err := bitpos.NewBitPosGen(k, params.MarkSyncFrameCount(), params.MarkDataFrameCount(codedBits))
	if err != nil {
		return nil, err
	}

	dataBits := make([][]syncfinder.FrameBit, codedBits)
	for bitIdx := 0; bitIdx < codedBits; bitIdx++ {
		frameBits := make([]syncfinder.FrameBit, 0, params.FramesPerBit)
		for f := 0; f < params.FramesPerBit; f++ {
			idx := f + bitIdx*params.FramesPerBit
			up, down := dataUD.Get(idx)
			frameBits = append(frameBits, syncfinder.FrameBit{
				Frame: bitPosGen.DataFrame(idx),
				Up:    relative(up, params.MinBand),
				Down:  relative(down, params.MinBand),
			})
		}
		dataBits[bitIdx] = frameBits
	}
	return dataBits, nil
}

func relative(bins []int, minBand int) []int {
	out := make([]int, len(bins))
	for i, b := range bins {
		out[i] = b - minBand
	}
	return out
}

// frameDbBins computes one frame's per-band dB magnitude, summed across
// channels, or ok=false if the frame falls outside the available samples
// (the Clip-mode partial-overlap case).
func frameDbBins(analyzer *spectral.Analyzer, samples []float32, channels int, params wmcommon.Params, frameSampleOffset int) ([]float64, bool) {
	monoLen := len(samples) / channels
	if frameSampleOffset < 0 || frameSampleOffset+params.FrameSize > monoLen {
		return nil, false
	}
	spectra, err := analyzer.RunFFT(samples, frameSampleOffset)
	if err != nil {
		return nil, false
	}
	dst := make([]float64, params.NBands())
	for _, spec := range spectra {
		spectral.DbBins(dst, spec, params)
	}
	return dst, true
}

// rawBitValue turns an up/down dB-magnitude pair into a signed soft bit:
// positive means "1 was likely transmitted", matching the sign convention
// this package's watermark.Generator counterpart uses (up bins scaled up for
// bit 1). Unlike syncfinder.BitQuality, which correlates against a known
// expected pattern, this has no "expected" side — it is the raw observation.
func rawBitValue(umag, dmag float64) float64 {
	switch {
	case umag == 0 || dmag == 0:
		return 0
	case umag > dmag:
		return 1 - dmag/umag
	default:
		return umag/dmag - 1
	}
}

func hardBits(soft []float64) []byte {
	out := make([]byte, len(soft))
	for i, s := range soft {
		if s > 0 {
			out[i] = 1
		}
	}
	return out
}

func valueToBits(value uint64, n int) []byte {
	bits := make([]byte, n)
	for i := 0; i < n; i++ {
		bits[n-1-i] = byte((value >> uint(i)) & 1)
	}
	return bits
}

// BitsToValue packs an MSB-first bit array (as produced in Candidate.Bits)
// back into an integer, the inverse of valueToBits. Exported for callers
// (CLI/HTTP layer) that display short-mode payloads as a number.
func BitsToValue(bits []byte) uint64 {
	var v uint64
	for _, b := range bits {
		v = v<<1 | uint64(b)
	}
	return v
}

// DecodeBlock extracts and decodes the payload carried by one block starting
// at score.Index (a raw sample offset, as returned by syncfinder.Search).
func (d *Decoder) DecodeBlock(samples []float32, channels int, score syncfinder.Score, payloadSize int, short bool) (Candidate, error) {
	codedBits := CodedLenFor(payloadSize, short)
	dataBits, err := getDataBits(d.key, d.params, codedBits)
	if err != nil {
		return Candidate{}, err
	}

	analyzer := spectral.NewAnalyzer(d.params.FrameSize, channels)
	soft := make([]float64, codedBits)
	for bitIdx, frameBits := range dataBits {
		var umag, dmag float64
		count := 0
		for _, fb := range frameBits {
			dbBins, ok := frameDbBins(analyzer, samples, channels, d.params, score.Index+fb.Frame*d.params.FrameSize)
			if !ok {
				continue
			}
			for _, u := range fb.Up {
				umag += dbBins[u]
			}
			for _, dn := range fb.Down {
				dmag += dbBins[dn]
			}
			count++
		}
		if count == 0 {
			continue
		}
		soft[bitIdx] = rawBitValue(umag/float64(count), dmag/float64(count))
	}

	var payload []byte
	var bitErrors int
	if short {
		value, hamming, err := shortcode.Decode(payloadSize, hardBits(soft))
		if err != nil {
			return Candidate{}, err
		}
		payload = valueToBits(value, payloadSize)
		bitErrors = hamming
	} else {
		il, err := convcode.NewInterleaver(d.key, codedBits)
		if err != nil {
			return Candidate{}, err
		}
		deinterleaved := il.Deinterleave(soft)
		bits, errs, err := convcode.DecodeSoft(deinterleaved, payloadSize)
		if err != nil {
			return Candidate{}, err
		}
		payload = bits
		bitErrors = errs
	}

	return Candidate{
		Bits:        payload,
		BitErrors:   bitErrors,
		SyncIndex:   score.Index,
		SyncQuality: score.Quality,
		BlockType:   score.BlockType,
	}, nil
}

// RankCandidates sorts candidates by fewest bit errors, ties broken by
// largest sync quality (spec.md §4.8).
func RankCandidates(cands []Candidate) []Candidate {
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].BitErrors != cands[j].BitErrors {
			return cands[i].BitErrors < cands[j].BitErrors
		}
		return cands[i].SyncQuality > cands[j].SyncQuality
	})
	return cands
}

// Decode runs sync search across all keys and decodes every surviving
// candidate, returning one ranked candidate list per key (best first).
func (d *Decoder) Decode(samples []float32, channels int, keys []key.Key, mode syncfinder.Mode, payloadSize int, short bool) ([][]Candidate, error) {
	codedBits := CodedLenFor(payloadSize, short)
	finder := syncfinder.New(d.params, codedBits)
	scoresPerKey, err := finder.Search(samples, channels, keys, mode)
	if err != nil {
		return nil, err
	}

	results := make([][]Candidate, len(keys))
	anyCandidate := false
	for ki, k := range keys {
		keyDecoder := &Decoder{key: k, params: d.params}
		var cands []Candidate
		for _, score := range scoresPerKey[ki] {
			c, err := keyDecoder.DecodeBlock(samples, channels, score, payloadSize, short)
			if err != nil {
				continue
			}
			cands = append(cands, c)
		}
		results[ki] = RankCandidates(cands)
		if len(cands) > 0 {
			anyCandidate = true
		}
	}
	if !anyCandidate {
		return results, wmerrors.New(wmerrors.DecodeFail, "decode: no sync match survived thresholds for any key")
	}
	return results, nil
}

// Best returns the best-ranked candidate for a single key's Decode result, or
// a DecodeFail error if none survived.
func Best(candidates []Candidate) (Candidate, error) {
	if len(candidates) == 0 {
		return Candidate{}, wmerrors.New(wmerrors.DecodeFail, "decode: no candidates")
	}
	return candidates[0], nil
}
