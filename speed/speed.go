// Package speed implements spec.md §4.9: detecting a constant playback-speed
// change applied to a watermarked file by scanning a grid of candidate
// speeds and scoring how well the sync pattern correlates at each one,
// refining the estimate across three passes of decreasing step size.
//
// Grounded on wmspeed.cc: the same three-pass scan-parameter table, the same
// fixed-point (1<<16) frame-offset arithmetic in compareBits, the same
// local-maxima/threshold candidate selection, and the same job-batching
// pattern (workerpool.SplitJobs) for keeping the worker pool busy across the
// prepare/compare phases of many candidate speeds. Keys are processed one
// after another; only one key's candidate speeds are batched at a time.
package speed

import (
	"math"
	"sort"

	"audiowmark/decode"
	"audiowmark/key"
	"audiowmark/rng"
	"audiowmark/spectral"
	"audiowmark/syncfinder"
	"audiowmark/wmcommon"
	"audiowmark/workerpool"
)

// ScanParams controls one pass of the speed grid search: n_steps points on
// either side of a center speed, spaced by step, times n_center_steps
// coarser groups when generating the initial grid.
type ScanParams struct {
	Seconds      float64
	Step         float64
	NSteps       int
	NCenterSteps int
}

// The exact scan tables from wmspeed.cc's detect_speed.
var (
	Scan1Normal  = ScanParams{Seconds: 25, Step: 1.0007, NSteps: 5, NCenterSteps: 28}
	Scan1Patient = ScanParams{Seconds: 50, Step: 1.00035, NSteps: 11, NCenterSteps: 28}
	Scan2Normal  = ScanParams{Seconds: 50, Step: 1.00035, NSteps: 1}
	Scan2Patient = ScanParams{Seconds: 50, Step: 1.000175, NSteps: 1}
	Scan3        = ScanParams{Seconds: 50, Step: 1.00005, NSteps: 40}
)

const (
	scan3SmoothDistance = 20.0
	speedSyncThreshold  = 0.4
	clipCandidates      = 5
	offsetShift         = 16 // fixed-point scale for compareBits' frame offsets
)

// Result is one key's detected speed change.
type Result struct {
	Key     key.Key
	Speed   float64
	Quality float64
}

// Score is one (relative speed, correlation quality) sample.
type Score struct {
	Speed   float64
	Quality float64
}

type syncBit struct {
	bit      int
	frame    int
	up, down []int
}

// magMatrix holds, for each (row, sync bit column), the summed up/down dB
// magnitude at that sub-sampled analysis position.
type magMatrix struct {
	rows, cols int
	umag, dmag []float64
}

func newMagMatrix(rows, cols int) *magMatrix {
	return &magMatrix{rows: rows, cols: cols, umag: make([]float64, rows*cols), dmag: make([]float64, rows*cols)}
}

func (m *magMatrix) at(row, col int) (umag, dmag float64) {
	i := col*m.rows + row
	return m.umag[i], m.dmag[i]
}

func (m *magMatrix) set(row, col int, umag, dmag float64) {
	i := col*m.rows + row
	m.umag[i] = umag
	m.dmag[i] = dmag
}

// sync is one candidate center speed's analysis state for one key: its sync
// bit table (frame positions in the unmodified block) and a magnitude matrix
// built by prepareMags, later scanned by compare at several relative speeds
// around the center.
type sync struct {
	params         wmcommon.Params
	center         float64
	framesPerBlock int
	syncBits       []syncBit
	matrix         *magMatrix
}

func newSync(k key.Key, params wmcommon.Params, center float64, codedBits int) (*sync, error) {
	groups, err := syncfinder.GetSyncBits(k, syncfinder.Block, params, codedBits)
	if err != nil {
		return nil, err
	}
	var bits []syncBit
	for bitIdx, frameBits := range groups {
		for _, fb := range frameBits {
			bits = append(bits, syncBit{bit: bitIdx, frame: fb.Frame, up: fb.Up, down: fb.Down})
		}
	}
	sort.Slice(bits, func(i, j int) bool { return bits[i].frame < bits[j].frame })

	block := params.MarkSyncFrameCount() + params.MarkDataFrameCount(codedBits)
	return &sync{params: params, center: center, framesPerBlock: block, syncBits: bits}, nil
}

// prepareMags resamples samples to run at the candidate center speed (so
// that a relative speed of 1.0 in compare corresponds to "no additional
// change" around this center), then fills the magnitude matrix by sliding a
// half-size analysis frame across it at half the normal search step —
// exactly wmspeed.cc's "downsample by factor 2 to improve performance".
func (s *sync) prepareMags(scanParams ScanParams, samples []float32, channels int, sampleRate int) {
	targetRate := float64(s.params.MarkSampleRate) / 2 * s.center
	sub := resampleLinear(samples, channels, sampleRate, targetRate, scanParams.Seconds/s.center)

	subFrameSize := s.params.FrameSize / 2
	subStep := s.params.SyncSearchStep / 2
	if subFrameSize <= 0 || subStep <= 0 {
		s.matrix = newMagMatrix(0, len(s.syncBits))
		return
	}

	analyzer := spectral.NewAnalyzer(subFrameSize, channels)
	monoLen := len(sub) / channels

	nRows := 0
	for pos := 0; pos+subFrameSize < monoLen; pos += subStep {
		nRows++
	}
	s.matrix = newMagMatrix(nRows, len(s.syncBits))

	nBands := s.params.NBands()
	row := 0
	for pos := 0; pos+subFrameSize < monoLen; pos += subStep {
		spectra, err := analyzer.RunFFT(sub, pos)
		if err != nil {
			break
		}
		dbBins := make([]float64, nBands)
		for _, spec := range spectra {
			spectral.DbBins(dbBins, spec, s.params)
		}
		for col, sb := range s.syncBits {
			var umag, dmag float64
			for _, u := range sb.up {
				umag += dbBins[u-s.params.MinBand]
			}
			for _, d := range sb.down {
				dmag += dbBins[d-s.params.MinBand]
			}
			s.matrix.set(row, col, umag, dmag)
		}
		row++
	}
}

func (s *sync) freeMags() {
	s.matrix = nil
}

type bitValue struct {
	umag, dmag float64
	count      int
}

type cmpState struct {
	offset    int
	bitValues []bitValue
}

// compareBits accumulates the block-th block's sync-bit magnitudes into
// cmp_states, using fixed-point frame-offset arithmetic identical to
// wmspeed.cc's compare_bits<BLOCK>. Odd blocks (B polarity) swap up/down,
// matching the sync pattern's inverted polarity.
func (s *sync) compareBits(block int, cmpStates []cmpState, relativeSpeed float64) {
	if s.matrix.rows == 0 {
		return
	}
	stepsPerFrame := s.params.FrameSize / s.params.SyncSearchStep
	relativeSpeedInv := 1 / relativeSpeed

	begin, end := 0, len(cmpStates)
	for mi, sb := range s.syncBits {
		frameOffset := int((float64((block*s.framesPerBlock+sb.frame)*stepsPerFrame)*relativeSpeedInv + 0.5) * float64(int(1)<<offsetShift))

		for begin > 0 {
			prev := begin - 1
			index := cmpStates[prev].offset + frameOffset
			if index < 0 {
				break
			}
			begin = prev
		}
		for end > 0 {
			prev := end - 1
			index := (cmpStates[prev].offset + frameOffset) >> offsetShift
			if index < s.matrix.rows {
				break
			}
			end = prev
		}

		for it := begin; it < end; it++ {
			index := (cmpStates[it].offset + frameOffset) >> offsetShift
			bv := &cmpStates[it].bitValues[sb.bit]
			umag, dmag := s.matrix.at(index, mi)
			if block&1 != 0 {
				bv.umag += dmag
				bv.dmag += umag
			} else {
				bv.umag += umag
				bv.dmag += dmag
			}
			bv.count++
		}
	}
}

// compare scans one relative speed and appends the best-scoring offset's
// quality to out.
func (s *sync) compare(relativeSpeed float64, out *[]Score) {
	stepsPerFrame := s.params.FrameSize / s.params.SyncSearchStep
	padStart := s.framesPerBlock*stepsPerFrame + stepsPerFrame

	cmpStates := make([]cmpState, padStart)
	for i := range cmpStates {
		offset := i - padStart
		cmpStates[i] = cmpState{
			offset:    int(float64(offset) * (float64(int(1)<<offsetShift) / relativeSpeed)),
			bitValues: make([]bitValue, s.params.SyncBits),
		}
	}

	// three blocks: one to cover the negative offset range, two more so that
	// even a long (short-payload) block is fully represented in the scan.
	s.compareBits(0, cmpStates, relativeSpeed)
	s.compareBits(1, cmpStates, relativeSpeed)
	s.compareBits(2, cmpStates, relativeSpeed)

	var best Score
	for _, cs := range cmpStates {
		var syncQuality float64
		bitCount := 0
		for bit := 0; bit < s.params.SyncBits; bit++ {
			bv := cs.bitValues[bit]
			syncQuality += syncfinder.BitQuality(bv.umag, bv.dmag, bit) * float64(bv.count)
			bitCount += bv.count
		}
		if bitCount == 0 {
			continue
		}
		syncQuality /= float64(bitCount)
		syncQuality = math.Abs(syncfinder.NormalizeSyncQuality(syncQuality, s.params.WaterDelta))
		if syncQuality > best.Quality {
			best.Quality = syncQuality
			best.Speed = relativeSpeed * s.center
		}
	}
	*out = append(*out, best)
}

// resampleLinear resamples interleaved PCM from sampleRate to targetRate
// with linear interpolation, truncated to at most truncateSeconds worth of
// output. No resampling library appears anywhere in the retrieved example
// corpus (the audio libraries there cover WAV/MP3 container and codec I/O,
// not sample-rate conversion), so this is a small hand-written resampler;
// speed detection only needs it to preserve the sync correlation's relative
// timing, not audio fidelity, so linear interpolation is enough.
func resampleLinear(samples []float32, channels, sampleRate int, targetRate float64, truncateSeconds float64) []float32 {
	monoLen := len(samples) / channels
	if monoLen == 0 || targetRate <= 0 {
		return nil
	}
	ratio := targetRate / float64(sampleRate)
	outLen := int(float64(monoLen) * ratio)
	if truncateSeconds > 0 {
		maxOut := int(truncateSeconds * targetRate)
		if maxOut < outLen {
			outLen = maxOut
		}
	}
	if outLen <= 0 {
		return nil
	}
	out := make([]float32, outLen*channels)
	for i := 0; i < outLen; i++ {
		srcPos := float64(i) / ratio
		i0 := int(srcPos)
		frac := srcPos - float64(i0)
		i1 := i0 + 1
		if i1 >= monoLen {
			i1 = monoLen - 1
		}
		if i0 >= monoLen {
			i0 = monoLen - 1
		}
		for ch := 0; ch < channels; ch++ {
			a := float64(samples[i0*channels+ch])
			b := float64(samples[i1*channels+ch])
			out[i*channels+ch] = float32(a + (b-a)*frac)
		}
	}
	return out
}

// windowCos is a raised-cosine window over [-1, 1], zero outside.
func windowCos(x float64) float64 {
	if x < -1 || x > 1 {
		return 0
	}
	return 0.5 * (1 + math.Cos(x*math.Pi))
}

// scoreSmoothFindBest smooths a noisy score cloud with a raised-cosine
// kernel of the given width and returns the speed of its maximum, matching
// wmspeed.cc's score_smooth_find_best (used to pick a stable final speed out
// of pass 3's many close-together candidate scores).
func scoreSmoothFindBest(scores []Score, step, distance float64) float64 {
	if len(scores) == 0 {
		return 0
	}
	sorted := append([]Score(nil), scores...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Speed < sorted[j].Speed })

	bestSpeed, bestQuality := 0.0, 0.0
	lo, hi := sorted[0].Speed, sorted[len(sorted)-1].Speed
	for speed := lo; speed < hi; speed += 0.000001 {
		var sum, div float64
		for _, s := range sorted {
			w := windowCos((s.Speed - speed) / (step * distance))
			sum += s.Quality * w
			div += w
		}
		if div == 0 {
			continue
		}
		sum /= div
		if sum > bestQuality {
			bestQuality = sum
			bestSpeed = speed
		}
	}
	return bestSpeed
}

// selectNBestScores keeps at most n local-maxima scores, ranked by quality,
// matching wmspeed.cc's peak-picking (a "double peak" of two equal-quality
// neighbors both survive as one local maximum via the x++ skip).
func selectNBestScores(scores []Score, n int) []Score {
	sorted := append([]Score(nil), scores...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Speed < sorted[j].Speed })

	quality := func(pos int) float64 {
		if pos >= 0 && pos < len(sorted) {
			return sorted[pos].Quality
		}
		return 0
	}

	var maxima []Score
	for x := 0; x < len(sorted); x++ {
		q1, q2, q3 := quality(x-1), quality(x), quality(x+1)
		if q1 <= q2 && q2 >= q3 {
			maxima = append(maxima, sorted[x])
			x++
		}
	}
	sort.Slice(maxima, func(i, j int) bool { return maxima[i].Quality > maxima[j].Quality })
	if len(maxima) > n {
		maxima = maxima[:n]
	}
	return maxima
}

// getClipLocations derives n candidate normalized clip locations from a key
// and the signal's content hash, matching wmspeed.cc's get_clip_locations:
// a first seed samples the signal sparsely to build a content digest, then a
// second, content-seeded generator produces the actual candidate locations,
// so the same audio always picks the same clip windows.
func getClipLocations(k key.Key, samples []float32, channels int, n int) ([]float64, error) {
	gen, err := rng.New(k, rng.SpeedClip, 0)
	if err != nil {
		return nil, err
	}
	var sampled []float32
	for p := 0; p < len(samples); {
		sampled = append(sampled, samples[p])
		step := gen.Intn(1000)
		if step == 0 {
			step = 1
		}
		p += step
	}
	gen.Reseed(rng.SpeedClip, rng.SeedFromHash(sampled))

	out := make([]float64, n)
	for i := range out {
		out[i] = gen.RandomDouble()
	}
	return out, nil
}

// clipRange returns the [start, end) mono-sample bounds of a clip_seconds
// window at the given normalized location within a track of monoLen frames.
func clipRange(location float64, monoLen, sampleRate int, clipSeconds float64) (int, int) {
	endSec := float64(monoLen) / float64(sampleRate)
	startSec := location * (endSec - clipSeconds)
	if startSec < 0 {
		startSec = 0
	}
	start := int(startSec * float64(sampleRate))
	end := start + int(clipSeconds*float64(sampleRate))
	if end > monoLen {
		end = monoLen
	}
	return start, end
}

func extractClip(samples []float32, channels int, start, end int) []float32 {
	return append([]float32(nil), samples[start*channels:end*channels]...)
}

// getBestClipLocation tries a few candidate clip windows and keeps the one
// with the highest signal energy, since a silent window carries no sync
// correlation signal at all.
func getBestClipLocation(k key.Key, samples []float32, channels, sampleRate int, seconds float64, candidates int) (float64, error) {
	locations, err := getClipLocations(k, samples, channels, candidates)
	if err != nil {
		return 0, err
	}
	monoLen := len(samples) / channels
	best, bestEnergy := 0.0, 0.0
	for _, loc := range locations {
		start, end := clipRange(loc, monoLen, sampleRate, seconds)
		var energy float64
		for i := start * channels; i < end*channels; i++ {
			energy += float64(samples[i]) * float64(samples[i])
		}
		if energy > bestEnergy {
			bestEnergy = energy
			best = loc
		}
	}
	return best, nil
}

// keySearch tracks one key's running state across the three scan passes.
type keySearch struct {
	key    key.Key
	clip   []float32
	scores []Score
}

// relativeSpeeds expands one nominal speed into the 2*n_steps+1 grid points
// scanned around it within one sync's center.
func relativeSpeeds(scan ScanParams, speed, center float64) []float64 {
	out := make([]float64, 0, 2*scan.NSteps+1)
	for p := -scan.NSteps; p <= scan.NSteps; p++ {
		out = append(out, math.Pow(scan.Step, float64(p))*speed/center)
	}
	return out
}

// runPass builds one *sync per (speed, center-offset) grid point for the
// given scan, runs each through prepareMags then compare in SplitJobs-sized
// waves on pool, and leaves the concatenated scores in ks.scores.
func runPass(pool *workerpool.Pool, threads int, ks *keySearch, params wmcommon.Params, channels, sampleRate, codedBits int, scan ScanParams, speeds []float64) error {
	type job struct {
		s   *sync
		rel []float64
		out []Score
	}
	var jobs []*job
	for _, speed := range speeds {
		for c := -scan.NCenterSteps; c <= scan.NCenterSteps; c++ {
			center := speed * math.Pow(scan.Step, float64(c*(scan.NSteps*2+1)))
			s, err := newSync(ks.key, params, center, codedBits)
			if err != nil {
				return err
			}
			jobs = append(jobs, &job{s: s, rel: relativeSpeeds(scan, speed, center)})
		}
	}

	batches := workerpool.SplitJobs(len(jobs), threads)
	start := 0
	for _, count := range batches {
		for i := 0; i < count; i++ {
			jb := jobs[start+i]
			pool.AddJob(func() { jb.s.prepareMags(scan, ks.clip, channels, sampleRate) })
		}
		pool.WaitAll()
		for i := 0; i < count; i++ {
			jb := jobs[start+i]
			pool.AddJob(func() {
				for _, rel := range jb.rel {
					jb.s.compare(rel, &jb.out)
				}
			})
		}
		pool.WaitAll()
		for i := 0; i < count; i++ {
			jobs[start+i].s.freeMags()
		}
		start += count
	}

	ks.scores = ks.scores[:0]
	for _, jb := range jobs {
		ks.scores = append(ks.scores, jb.out...)
	}
	return nil
}

// Detect runs the full three-pass speed detection grid for every key and
// reports, for each key whose confirmed speed differs from 1.0 beyond the
// no-op tolerance, its estimated playback speed. Silent or very short input
// (< 0.25s) yields no results, matching wmspeed.cc's detect_speed early-out.
func Detect(keys []key.Key, samples []float32, channels, sampleRate int, params wmcommon.Params) ([]Result, error) {
	monoLen := len(samples) / channels
	if float64(monoLen)/float64(sampleRate) < 0.25 {
		return nil, nil
	}

	scan1, scan2 := Scan1Normal, Scan2Normal
	nBest := 5
	if params.DetectSpeedPatient {
		scan1, scan2 = Scan1Patient, Scan2Patient
		nBest = 15
	}
	codedBits := decode.CodedLenFor(params.PayloadSize, params.PayloadShort)

	pool := workerpool.New(params.Threads)
	defer pool.Close()

	var results []Result
	for _, k := range keys {
		loc, err := getBestClipLocation(k, samples, channels, sampleRate, scan1.Seconds, clipCandidates)
		if err != nil {
			return nil, err
		}
		start, end := clipRange(loc, monoLen, sampleRate, scan1.Seconds*1.3)
		ks := &keySearch{key: k, clip: extractClip(samples, channels, start, end)}

		if err := runPass(pool, params.Threads, ks, params, channels, sampleRate, codedBits, scan1, []float64{1.0}); err != nil {
			return nil, err
		}

		best := selectNBestScores(ks.scores, nBest)
		speeds := make([]float64, len(best))
		for i, s := range best {
			speeds[i] = s.Speed
		}
		ks.scores = best
		if err := runPass(pool, params.Threads, ks, params, channels, sampleRate, codedBits, scan2, speeds); err != nil {
			return nil, err
		}

		ks.scores = selectNBestScores(ks.scores, 1)
		if len(ks.scores) == 0 {
			continue
		}
		if err := runPass(pool, params.Threads, ks, params, channels, sampleRate, codedBits, Scan3, []float64{ks.scores[0].Speed}); err != nil {
			return nil, err
		}

		bestSpeed := scoreSmoothFindBest(ks.scores, 1-Scan3.Step, scan3SmoothDistance)
		bestQuality := 0.0
		for _, s := range ks.scores {
			if s.Quality > bestQuality {
				bestQuality = s.Quality
			}
		}
		if bestQuality > speedSyncThreshold && (bestSpeed < 0.9999 || bestSpeed > 1.0001) {
			results = append(results, Result{Key: k, Speed: bestSpeed, Quality: bestQuality})
		}
	}
	return results, nil
}
