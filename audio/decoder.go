// Package audio is the sample source/sink collaborator spec.md §6 treats as
// a black box: load PCM audio (WAV or MP3) into interleaved float32
// samples in [-1, 1], and save interleaved float32 samples back out to WAV
// or a recompressed MP3, preserving ID3 metadata across the round trip.
// Nothing in this package participates in the watermarking math itself.
package audio

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/bogem/id3v2"
	gaaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/tosone/minimp3"

	"audiowmark/models"
)

// Decoder loads and saves PCM audio for the watermarking pipeline.
type Decoder struct{}

// NewDecoder builds a Decoder. It holds no state; the zero value works too.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// LoadMP3 decodes MP3 data into interleaved float32 PCM samples normalized
// to [-1, 1], 16-bit source precision (minimp3 always produces 16-bit PCM).
func (d *Decoder) LoadMP3(mp3Data []byte) ([]float32, models.SampleMetadata, error) {
	decoder, data, err := minimp3.DecodeFull(mp3Data)
	if err != nil {
		return nil, models.SampleMetadata{}, fmt.Errorf("failed to decode MP3: %v", err)
	}
	defer decoder.Close()

	samples := pcm16ToFloat32(data)
	nFrames := len(samples) / decoder.Channels
	meta := models.SampleMetadata{
		SampleRate: decoder.SampleRate,
		Channels:   decoder.Channels,
		BitDepth:   16,
		Duration:   float64(nFrames) / float64(decoder.SampleRate),
	}
	return samples, meta, nil
}

// LoadWAV decodes WAV data into interleaved float32 PCM samples normalized
// to [-1, 1].
func (d *Decoder) LoadWAV(wavData []byte) ([]float32, models.SampleMetadata, error) {
	decoder := wav.NewDecoder(bytes.NewReader(wavData))
	buf, err := decoder.FullPCMBuffer()
	if err != nil {
		return nil, models.SampleMetadata{}, fmt.Errorf("failed to decode WAV: %v", err)
	}
	if buf.Format == nil || buf.Format.NumChannels == 0 {
		return nil, models.SampleMetadata{}, fmt.Errorf("WAV file carried no usable PCM data")
	}

	bitDepth := int(decoder.BitDepth)
	if bitDepth == 0 {
		bitDepth = buf.SourceBitDepth
	}
	samples := make([]float32, len(buf.Data))
	maxVal := float64(int64(1) << (bitDepth - 1))
	for i, s := range buf.Data {
		samples[i] = float32(float64(s) / maxVal)
	}

	meta := models.SampleMetadata{
		SampleRate: buf.Format.SampleRate,
		Channels:   buf.Format.NumChannels,
		BitDepth:   bitDepth,
		Duration:   float64(len(samples)/buf.Format.NumChannels) / float64(buf.Format.SampleRate),
	}
	return samples, meta, nil
}

// SaveWAV encodes interleaved float32 PCM samples (in [-1, 1]) to WAV bytes
// at the given bit depth (16 or 24).
func (d *Decoder) SaveWAV(samples []float32, meta models.SampleMetadata) ([]byte, error) {
	bitDepth := meta.BitDepth
	if bitDepth == 0 {
		bitDepth = 16
	}
	maxVal := float64(int64(1)<<(bitDepth-1)) - 1

	ints := make([]int, len(samples))
	for i, s := range samples {
		v := int(float64(s) * maxVal)
		if v > int(maxVal) {
			v = int(maxVal)
		}
		if v < -int(maxVal)-1 {
			v = -int(maxVal) - 1
		}
		ints[i] = v
	}

	buf := &gaaudio.IntBuffer{
		Format: &gaaudio.Format{NumChannels: meta.Channels, SampleRate: meta.SampleRate},
		Data:   ints,
	}

	var out bytes.Buffer
	encoder := wav.NewEncoder(&out, meta.SampleRate, bitDepth, meta.Channels, 1)
	if err := encoder.Write(buf); err != nil {
		return nil, fmt.Errorf("failed to encode WAV: %v", err)
	}
	if err := encoder.Close(); err != nil {
		return nil, fmt.Errorf("failed to close WAV encoder: %v", err)
	}
	return out.Bytes(), nil
}

// RecompressMP3 re-encodes samples through an external MP3 encoder and
// restores the original file's ID3 metadata — the recompression leg of the
// AAC/MP3 round-trip test scenario (spec.md §8 scenario 2; this repository
// exercises the lossy-recompression-survival invariant with the encoder
// actually available, MP3 via `lame`, standing in for the AAC path since no
// AAC encoder library appears anywhere in the retrieved corpus).
func (d *Decoder) RecompressMP3(samples []float32, meta models.SampleMetadata, originalMP3Data []byte) ([]byte, error) {
	wavData, err := d.SaveWAV(samples, meta)
	if err != nil {
		return nil, fmt.Errorf("failed to encode intermediate WAV: %v", err)
	}

	tempWAV, err := os.CreateTemp("", "watermark_*.wav")
	if err != nil {
		return nil, fmt.Errorf("failed to create temporary WAV file: %v", err)
	}
	defer os.Remove(tempWAV.Name())
	if _, err := tempWAV.Write(wavData); err != nil {
		tempWAV.Close()
		return nil, fmt.Errorf("failed to write WAV data: %v", err)
	}
	tempWAV.Close()

	tempMP3, err := os.CreateTemp("", "watermark_*.mp3")
	if err != nil {
		return nil, fmt.Errorf("failed to create temporary MP3 file: %v", err)
	}
	defer os.Remove(tempMP3.Name())
	tempMP3.Close()

	cmd := exec.Command("lame", "--preset", "standard", "-h", "-q", "0", tempWAV.Name(), tempMP3.Name())
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("failed to encode MP3 (lame not installed?): %v", err)
	}

	mp3Data, err := os.ReadFile(tempMP3.Name())
	if err != nil {
		return nil, fmt.Errorf("failed to read MP3 file: %v", err)
	}

	withMeta, err := d.preserveID3(originalMP3Data, mp3Data)
	if err != nil {
		return mp3Data, nil
	}
	return withMeta, nil
}

func (d *Decoder) preserveID3(originalMP3Data, newMP3Data []byte) ([]byte, error) {
	tempOriginal, err := os.CreateTemp("", "original_*.mp3")
	if err != nil {
		return nil, err
	}
	defer func() {
		tempOriginal.Close()
		os.Remove(tempOriginal.Name())
	}()

	tempNew, err := os.CreateTemp("", "new_*.mp3")
	if err != nil {
		return nil, err
	}
	defer func() {
		tempNew.Close()
		os.Remove(tempNew.Name())
	}()

	if _, err := tempOriginal.Write(originalMP3Data); err != nil {
		return nil, err
	}
	if _, err := tempNew.Write(newMP3Data); err != nil {
		return nil, err
	}
	tempOriginal.Close()
	tempNew.Close()

	originalTag, err := id3v2.Open(tempOriginal.Name(), id3v2.Options{Parse: true})
	if err != nil {
		return nil, err
	}
	defer originalTag.Close()

	newTag, err := id3v2.Open(tempNew.Name(), id3v2.Options{Parse: true})
	if err != nil {
		return nil, err
	}
	defer newTag.Close()

	newTag.SetTitle(originalTag.Title())
	newTag.SetArtist(originalTag.Artist())
	newTag.SetAlbum(originalTag.Album())
	newTag.SetGenre(originalTag.Genre())
	newTag.SetYear(originalTag.Year())

	if err := newTag.Save(); err != nil {
		return nil, err
	}

	return os.ReadFile(tempNew.Name())
}

func pcm16ToFloat32(data []byte) []float32 {
	n := len(data) / 2
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		v := int16(uint16(data[i*2]) | uint16(data[i*2+1])<<8)
		out[i] = float32(v) / 32768.0
	}
	return out
}

// ReadAll is a small convenience wrapper so handlers don't import io
// directly just to drain a multipart file.
func ReadAll(r io.Reader) ([]byte, error) {
	return io.ReadAll(r)
}
