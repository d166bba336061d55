// Package syncfinder implements spec.md §4.7, the two-pass coarse/fine
// search for sync-pattern time offsets. It is used by both the block and
// clip decoders to find where decoding should start.
package syncfinder

import (
	"fmt"
	"math"
	"sort"
	"sync"

	"audiowmark/bitpos"
	"audiowmark/key"
	"audiowmark/rng"
	"audiowmark/spectral"
	"audiowmark/wmcommon"
	"audiowmark/wmerrors"
	"audiowmark/workerpool"
)

// Mode selects whether the search looks for full blocks (Block) or
// partially-overlapping AB/BA pairs at the edges of a short clip (Clip).
type Mode int

const (
	Block Mode = iota
	Clip
)

const (
	localMeanDistance = 20
	maskDistance      = localMeanDistance + 3
	maskFactor        = 3.0
)

// FrameBit is one participation of one sync bit in one block-relative frame,
// with its up/down bin sets already made relative to MinBand.
type FrameBit struct {
	Frame int
	Up    []int
	Down  []int
}

// Score is one accepted sync candidate.
type Score struct {
	Index     int
	Quality   float64
	BlockType wmcommon.ConvBlockType
}

// SyncFinder searches one signal for sync offsets under a fixed set of
// candidate keys. codedBits is the coded/data bit-stream length of the
// payload being sought (convcode.CodedLen(payloadSize) or shortcode.CodeLen),
// which fixes the frame layout of one block.
type SyncFinder struct {
	params    wmcommon.Params
	codedBits int
}

// New builds a SyncFinder for the given configuration and coded payload
// length.
func New(params wmcommon.Params, codedBits int) *SyncFinder {
	return &SyncFinder{params: params, codedBits: codedBits}
}

func (sf *SyncFinder) blockFrameCount() int {
	return sf.params.MarkSyncFrameCount() + sf.params.MarkDataFrameCount(sf.codedBits)
}

// GetSyncBits builds the per-sync-bit FrameBit lists for a key and mode. In
// Clip mode the pattern is duplicated for a second, immediately following
// block with its up/down sets swapped, so an AB or BA pair can be matched as
// a single unit.
func GetSyncBits(k key.Key, mode Mode, params wmcommon.Params, codedBits int) ([][]FrameBit, error) {
	syncFrameCount := params.MarkSyncFrameCount()
	dataFrameCount := params.MarkDataFrameCount(codedBits)
	firstBlockEnd := syncFrameCount + dataFrameCount

	blockCount := 1
	if mode == Clip {
		blockCount = 2
	}

	upDownGen, err := bitpos.NewUpDownGen(k, rng.SyncUpDown, params)
	if err != nil {
		return nil, err
	}
	bitPosGen, err := bitpos.NewBitPosGen(k, syncFrameCount, dataFrameCount)
	if err != nil {
		return nil, err
	}

	syncBits := make([][]FrameBit, params.SyncBits)
	for bit := 0; bit < params.SyncBits; bit++ {
		var frameBits []FrameBit
		for f := 0; f < params.SyncFramesPerBit; f++ {
			idx := f + bit*params.SyncFramesPerBit
			up, down := upDownGen.Get(idx)
			frame := bitPosGen.SyncFrame(idx)
			for block := 0; block < blockCount; block++ {
				fb := FrameBit{Frame: frame + block*firstBlockEnd}
				if block == 0 {
					fb.Up = relativeToMinBand(up, params.MinBand)
					fb.Down = relativeToMinBand(down, params.MinBand)
				} else {
					// The second block of an AB/BA pair carries the opposite
					// polarity, so its up/down role is swapped.
					fb.Up = relativeToMinBand(down, params.MinBand)
					fb.Down = relativeToMinBand(up, params.MinBand)
				}
				frameBits = append(frameBits, fb)
			}
		}
		sort.Slice(frameBits, func(i, j int) bool { return frameBits[i].Frame < frameBits[j].Frame })
		syncBits[bit] = frameBits
	}
	return syncBits, nil
}

func relativeToMinBand(bins []int, minBand int) []int {
	out := make([]int, len(bins))
	for i, b := range bins {
		out[i] = b - minBand
	}
	return out
}

// BitQuality converts an up/down dB-magnitude pair for one sync bit
// occurrence into a signed raw-bit estimate, biased against the sync
// pattern's expected alternating value (spec.md §4.7).
func BitQuality(umag, dmag float64, bit int) float64 {
	expectDataBit := bit & 1
	var rawBit float64
	switch {
	case umag == 0 || dmag == 0:
		rawBit = 0
	case umag > dmag:
		rawBit = 1 - dmag/umag
	default:
		rawBit = umag/dmag - 1
	}
	if expectDataBit != 0 {
		return rawBit
	}
	return -rawBit
}

// NormalizeSyncQuality scales a raw sync quality so that a well-matched sync
// block reads around 1.0 regardless of water_delta.
func NormalizeSyncQuality(raw, waterDelta float64) float64 {
	d := waterDelta
	if d > 0.08 {
		d = 0.08
	}
	return raw / d / 2.9
}

func syncDecode(syncBits [][]FrameBit, startFrame int, fftDB []float64, haveFrames []bool, nBands int, waterDelta float64) float64 {
	var syncQuality float64
	bitCount := 0
	for bit, frameBits := range syncBits {
		var umag, dmag float64
		frameBitCount := 0
		for _, fb := range frameBits {
			fi := startFrame + fb.Frame
			if fi >= 0 && fi < len(haveFrames) && haveFrames[fi] {
				index := fi * nBands
				for i := range fb.Up {
					umag += fftDB[index+fb.Up[i]]
					dmag += fftDB[index+fb.Down[i]]
				}
				frameBitCount++
			}
		}
		syncQuality += BitQuality(umag, dmag, bit) * float64(frameBitCount)
		bitCount += frameBitCount
	}
	if bitCount > 0 {
		syncQuality /= float64(bitCount)
	}
	return NormalizeSyncQuality(syncQuality, waterDelta)
}

// searchScore is the internal, pre-local-mean-subtraction candidate record.
type searchScore struct {
	index      int
	rawQuality float64
	localMean  float64
}

func (s searchScore) absQuality() float64 { return math.Abs(s.rawQuality - s.localMean) }

func scanSilence(samples []float32) (first, last int) {
	n := len(samples)
	for first < n && samples[first] == 0 {
		first++
	}
	last = n
	for last > first && samples[last-1] == 0 {
		last--
	}
	return first, last
}

// syncFFT computes dB-magnitude bins for frameCount frames starting at
// sample offset index. Frames not in wantFrames (when non-nil), or entirely
// outside [wavFirst, wavLast), are skipped without running an FFT. It fails
// outright (ok=false) if the requested range would read past the end of
// samples — callers that must not fail (the full-track approximate pass) use
// syncFFTClipped instead.
func syncFFT(analyzer *spectral.Analyzer, samples []float32, channels int, params wmcommon.Params, index int, frameCount int, wantFrames []bool, wavFirst, wavLast int) ([]float64, []bool, bool) {
	if index < 0 || frameCount <= 0 {
		return nil, nil, false
	}
	monoLen := len(samples) / channels
	if monoLen < index+frameCount*params.FrameSize {
		return nil, nil, false
	}
	fftDB, haveFrames := runSyncFFT(analyzer, samples, channels, params, index, frameCount, wantFrames, wavFirst, wavLast)
	return fftDB, haveFrames, true
}

// syncFFTClipped behaves like syncFFT but truncates frameCount to whatever
// fits in samples instead of failing, used by the full-track approximate
// pass which must always produce usable results near the end of the file.
func syncFFTClipped(analyzer *spectral.Analyzer, samples []float32, channels int, params wmcommon.Params, index int, frameCount int, wavFirst, wavLast int) ([]float64, []bool, bool) {
	monoLen := len(samples) / channels
	maxFrames := (monoLen - index) / params.FrameSize
	if maxFrames <= 0 {
		return nil, nil, false
	}
	if frameCount > maxFrames {
		frameCount = maxFrames
	}
	fftDB, haveFrames := runSyncFFT(analyzer, samples, channels, params, index, frameCount, nil, wavFirst, wavLast)
	return fftDB, haveFrames, true
}

func runSyncFFT(analyzer *spectral.Analyzer, samples []float32, channels int, params wmcommon.Params, index int, frameCount int, wantFrames []bool, wavFirst, wavLast int) ([]float64, []bool) {
	nBands := params.NBands()
	fftDB := make([]float64, nBands*frameCount)
	haveFrames := make([]bool, frameCount)
	outPos := 0
	for f := 0; f < frameCount; f++ {
		frameStart := index + f*params.FrameSize
		fFirstSample := frameStart * channels
		fLastSample := (frameStart + params.FrameSize) * channels
		skip := (len(wantFrames) > 0 && !wantFrames[f]) || fLastSample < wavFirst || fFirstSample > wavLast
		if skip {
			outPos += nBands
			continue
		}
		spectra, err := analyzer.RunFFT(samples, frameStart)
		if err != nil {
			outPos += nBands
			continue
		}
		for _, spec := range spectra {
			for i := params.MinBand; i <= params.MaxBand; i++ {
				fftDB[outPos+i-params.MinBand] += wmcommon.DbFromComplex(real(spec[i]), imag(spec[i]))
			}
		}
		haveFrames[f] = true
		outPos += nBands
	}
	return fftDB, haveFrames
}

func absInt(x int) int {
	if x < 0 {
		return -x
	}
	return x
}

// searchApprox runs the coarse sync_search_step sweep over the whole track
// and returns, per key, every candidate's raw quality and local mean.
func (sf *SyncFinder) searchApprox(pool *workerpool.Pool, samples []float32, channels int, keys []key.Key, syncBitsPerKey [][][]FrameBit, mode Mode, wavFirst, wavLast int) [][]searchScore {
	nBands := sf.params.NBands()
	totalFrameCount := sf.blockFrameCount()
	if mode == Clip {
		totalFrameCount *= 2
	}
	frameCountTotal := sf.params.FrameCount(len(samples) / channels)
	analyzer := spectral.NewAnalyzer(sf.params.FrameSize, channels)

	results := make([][]searchScore, len(keys))
	var mu sync.Mutex

	for syncShift := 0; syncShift < sf.params.FrameSize; syncShift += sf.params.SyncSearchStep {
		fftDB, haveFrames, ok := syncFFTClipped(analyzer, samples, channels, sf.params, syncShift, frameCountTotal, wavFirst, wavLast)
		if !ok {
			continue
		}

		var startFrames []int
		for startFrame := 0; startFrame < frameCountTotal; startFrame++ {
			if (startFrame+totalFrameCount)*nBands < len(fftDB) {
				startFrames = append(startFrames, startFrame)
			}
		}

		for k := range keys {
			k := k
			for _, chunk := range workerpool.SplitVector(startFrames, 256) {
				chunk := chunk
				pool.AddJob(func() {
					local := make([]searchScore, 0, len(chunk))
					for _, startFrame := range chunk {
						q := syncDecode(syncBitsPerKey[k], startFrame, fftDB, haveFrames, nBands, sf.params.WaterDelta)
						local = append(local, searchScore{
							index:      startFrame*sf.params.FrameSize + syncShift,
							rawQuality: q,
						})
					}
					mu.Lock()
					results[k] = append(results[k], local...)
					mu.Unlock()
				})
			}
		}
		pool.WaitAll()
	}

	for k := range results {
		sort.Slice(results[k], func(i, j int) bool { return results[k][i].index < results[k][j].index })
		computeLocalMean(results[k])
	}
	return results
}

// computeLocalMean fills in localMean for every score, as the average raw
// quality of neighbors within [-local_mean_distance, local_mean_distance]
// excluding the nearest three on either side (spec.md §4.7).
func computeLocalMean(scores []searchScore) {
	n := len(scores)
	for i := 0; i < n; i++ {
		var avg float64
		count := 0
		for j := -localMeanDistance; j <= localMeanDistance; j++ {
			if absInt(j) >= 4 {
				idx := i + j
				if idx >= 0 && idx < n {
					avg += scores[idx].rawQuality
					count++
				}
			}
		}
		if count > 0 {
			avg /= float64(count)
		}
		scores[i].localMean = avg
	}
}

func syncSelectLocalMaxima(scores []searchScore) []searchScore {
	var out []searchScore
	for i := 0; i < len(scores); i++ {
		q := scores[i].absQuality()
		var qLast, qNext float64
		if i > 0 {
			qLast = scores[i-1].absQuality()
		}
		if i+1 < len(scores) {
			qNext = scores[i+1].absQuality()
		}
		if q >= qLast && q >= qNext {
			out = append(out, scores[i])
			i++ // the next score cannot also be a local maximum
		}
	}
	return out
}

// syncMaskAvgFalsePositives drops peaks that are the opposite-sign shadow of
// a much stronger nearby peak, a side effect of local-mean subtraction
// (spec.md §9 "Bias removal in sync scoring").
func syncMaskAvgFalsePositives(scores []searchScore, syncSearchStep int) []searchScore {
	sign := func(s searchScore) int {
		if s.rawQuality-s.localMean < 0 {
			return -1
		}
		return 1
	}
	var out []searchScore
	for i := range scores {
		masked := false
		for d := -maskDistance; d <= maskDistance; d++ {
			j := i + d
			if i == j || j < 0 || j >= len(scores) {
				continue
			}
			distance := absInt(scores[i].index-scores[j].index) / syncSearchStep
			if distance <= maskDistance &&
				scores[j].absQuality() > scores[i].absQuality()*maskFactor &&
				sign(scores[j]) != sign(scores[i]) {
				masked = true
				break
			}
		}
		if !masked {
			out = append(out, scores[i])
		}
	}
	return out
}

func syncSelectThresholdAndNBest(scores []searchScore, threshold float64, nBest int) []searchScore {
	sort.Slice(scores, func(i, j int) bool { return scores[i].absQuality() > scores[j].absQuality() })
	i := 0
	for i < len(scores) && scores[i].absQuality() > threshold {
		i++
	}
	switch {
	case i >= nBest:
		return scores[:i]
	case len(scores) > nBest:
		return scores[:nBest]
	default:
		return scores
	}
}

func syncSelectTruncateN(scores []searchScore, n int) []searchScore {
	sort.Slice(scores, func(i, j int) bool { return scores[i].absQuality() > scores[j].absQuality() })
	if len(scores) > n {
		return scores[:n]
	}
	return scores
}

// searchRefine sweeps ±sync_search_step around each approximate candidate in
// sync_search_fine steps, recomputing only the sync-relevant frames (via
// want_frames) instead of the whole block.
func (sf *SyncFinder) searchRefine(pool *workerpool.Pool, samples []float32, channels int, k key.Key, scores []searchScore, syncBits [][]FrameBit, mode Mode, wavFirst, wavLast int) ([]searchScore, error) {
	syncFrameCount := sf.params.MarkSyncFrameCount()
	dataFrameCount := sf.params.MarkDataFrameCount(sf.codedBits)
	bitPosGen, err := bitpos.NewBitPosGen(k, syncFrameCount, dataFrameCount)
	if err != nil {
		return nil, err
	}

	firstBlockEnd := syncFrameCount + dataFrameCount
	totalFrameCount := firstBlockEnd
	if mode == Clip {
		totalFrameCount *= 2
	}

	wantFrames := make([]bool, totalFrameCount)
	for f := 0; f < syncFrameCount; f++ {
		wantFrames[bitPosGen.SyncFrame(f)] = true
		if mode == Clip {
			wantFrames[firstBlockEnd+bitPosGen.SyncFrame(f)] = true
		}
	}

	analyzer := spectral.NewAnalyzer(sf.params.FrameSize, channels)
	nBands := sf.params.NBands()
	result := make([]searchScore, len(scores))
	var mu sync.Mutex

	for si, score := range scores {
		si, score := si, score
		pool.AddJob(func() {
			bestQuality := score.rawQuality
			bestIndex := score.index

			start := score.index - sf.params.SyncSearchStep
			if start < 0 {
				start = 0
			}
			end := score.index + sf.params.SyncSearchStep
			for fineIndex := start; fineIndex <= end; fineIndex += sf.params.SyncSearchFine {
				fftDB, haveFrames, ok := syncFFT(analyzer, samples, channels, sf.params, fineIndex, totalFrameCount, wantFrames, wavFirst, wavLast)
				if !ok {
					continue
				}
				q := syncDecode(syncBits, 0, fftDB, haveFrames, nBands, sf.params.WaterDelta)
				if math.Abs(q-score.localMean) > math.Abs(bestQuality-score.localMean) {
					bestQuality = q
					bestIndex = fineIndex
				}
			}

			mu.Lock()
			result[si] = searchScore{index: bestIndex, rawQuality: bestQuality, localMean: score.localMean}
			mu.Unlock()
		})
	}
	pool.WaitAll()

	sort.Slice(result, func(i, j int) bool { return result[i].index < result[j].index })
	return result, nil
}

// Search finds sync candidates for every key in keys, returning one Score
// slice per key, sorted by sample index.
func (sf *SyncFinder) Search(samples []float32, channels int, keys []key.Key, mode Mode) ([][]Score, error) {
	if sf.params.TestNoSync {
		return sf.fakeSync(samples, channels, keys, mode)
	}

	wavFirst, wavLast := 0, len(samples)
	if mode == Clip {
		wavFirst, wavLast = scanSilence(samples)
	}

	syncBitsPerKey := make([][][]FrameBit, len(keys))
	for i, k := range keys {
		sb, err := GetSyncBits(k, mode, sf.params, sf.codedBits)
		if err != nil {
			return nil, err
		}
		syncBitsPerKey[i] = sb
	}

	pool := workerpool.New(sf.params.Threads)
	defer pool.Close()

	scoresPerKey := sf.searchApprox(pool, samples, channels, keys, syncBitsPerKey, mode, wavFirst, wavLast)

	results := make([][]Score, len(keys))
	for k := range keys {
		scores := scoresPerKey[k]
		scores = syncSelectLocalMaxima(scores)
		scores = syncMaskAvgFalsePositives(scores, sf.params.SyncSearchStep)
		scores = syncSelectThresholdAndNBest(scores, sf.params.SyncThreshold1(), sf.params.GetNBest)

		if mode == Clip {
			nMax := sf.params.GetNBest
			if nMax < 5 {
				nMax = 5
			}
			scores = syncSelectTruncateN(scores, nMax)
		}

		refined, err := sf.searchRefine(pool, samples, channels, keys[k], scores, syncBitsPerKey[k], mode, wavFirst, wavLast)
		if err != nil {
			return nil, err
		}
		scores = syncSelectThresholdAndNBest(refined, sf.params.SyncThreshold2, sf.params.GetNBest)
		sort.Slice(scores, func(i, j int) bool { return scores[i].index < scores[j].index })

		out := make([]Score, 0, len(scores))
		for _, s := range scores {
			q := s.rawQuality - s.localMean
			blockType := wmcommon.BlockA
			if q <= 0 {
				blockType = wmcommon.BlockB
			}
			out = append(out, Score{Index: s.index, Quality: math.Abs(q), BlockType: blockType})
		}
		results[k] = out
	}
	return results, nil
}

// fakeSync synthesizes "perfect" sync positions for tests that want a
// deterministic decode path without running the real search. It only
// produces candidates in Block mode, matching the reference behavior that
// gave rise to it.
func (sf *SyncFinder) fakeSync(samples []float32, channels int, keys []key.Key, mode Mode) ([][]Score, error) {
	results := make([][]Score, len(keys))
	if mode != Block {
		return results, nil
	}

	blockFrames := sf.blockFrameCount()
	if blockFrames <= 0 {
		return nil, wmerrors.New(wmerrors.Internal, "syncfinder: fakeSync computed a non-positive block length")
	}
	if sf.params.FramesPadStart%blockFrames != 0 {
		return nil, wmerrors.New(wmerrors.Internal,
			"syncfinder: frames_pad_start (%d frames) is not aligned to the block length (%d frames)", sf.params.FramesPadStart, blockFrames)
	}

	expect0 := sf.params.FramesPadStart * sf.params.FrameSize
	expectStep := blockFrames * sf.params.FrameSize
	frameCount := sf.params.FrameCount(len(samples) / channels)
	expectEnd := frameCount * sf.params.FrameSize

	var scores []Score
	ab := 0
	for expectIndex := expect0; expectIndex+expectStep < expectEnd; expectIndex += expectStep {
		blockType := wmcommon.BlockA
		if ab&1 == 1 {
			blockType = wmcommon.BlockB
		}
		ab++
		scores = append(scores, Score{Index: expectIndex, Quality: 1.0, BlockType: blockType})
	}

	for i := range keys {
		results[i] = append([]Score(nil), scores...)
	}
	return results, nil
}

// findClosestSync is a debug helper that describes a sample index in terms
// of the nearest expected (unmodified) block start. Nothing in the package
// calls it.
func (sf *SyncFinder) findClosestSync(index int) string {
	wmLength := sf.blockFrameCount() * sf.params.FrameSize
	wmOffset := sf.params.FramesPadStart * sf.params.FrameSize
	bestError := wmLength * 2
	best := 0
	for i := 0; i < 100; i++ {
		e := absInt(index - (wmOffset + i*wmLength))
		if e < bestError {
			bestError = e
			best = i
		}
	}
	return fmt.Sprintf("n:%d offset:%d", best, index-(wmOffset+best*wmLength))
}
