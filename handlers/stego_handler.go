// Package handlers exposes the watermarking core over HTTP: embed,
// extract, and speed detection, each taking a multipart-uploaded audio
// file and returning either a streamed audio body or a JSON report.
package handlers

import (
	"encoding/hex"
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"audiowmark/audio"
	"audiowmark/convcode"
	"audiowmark/decode"
	"audiowmark/key"
	"audiowmark/models"
	"audiowmark/shortcode"
	"audiowmark/speed"
	"audiowmark/syncfinder"
	"audiowmark/watermark"
	"audiowmark/wmcommon"
)

// WatermarkHandler serves the embed/extract/detect-speed/health endpoints.
type WatermarkHandler struct {
	decoder *audio.Decoder
	params  wmcommon.Params
}

// NewWatermarkHandler builds a handler using the given base parameters;
// per-request fields (payload size, short mode) are overlaid from form
// values on each call.
func NewWatermarkHandler(params wmcommon.Params) *WatermarkHandler {
	return &WatermarkHandler{decoder: audio.NewDecoder(), params: params}
}

// HealthCheck reports liveness.
func (h *WatermarkHandler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"message": "watermarking API is running",
		"version": "1.0.0",
	})
}

// loadUploadedAudio reads the named multipart field and decodes it as MP3
// or WAV, chosen by the uploaded file's extension.
func (h *WatermarkHandler) loadUploadedAudio(c *gin.Context, field string) ([]float32, models.SampleMetadata, []byte, error) {
	file, header, err := c.Request.FormFile(field)
	if err != nil {
		return nil, models.SampleMetadata{}, nil, fmt.Errorf("%s file is required", field)
	}
	defer file.Close()

	data, err := audio.ReadAll(file)
	if err != nil {
		return nil, models.SampleMetadata{}, nil, fmt.Errorf("failed to read %s: %v", field, err)
	}

	ext := strings.ToLower(filepath.Ext(header.Filename))
	switch ext {
	case ".mp3":
		samples, meta, err := h.decoder.LoadMP3(data)
		return samples, meta, data, err
	case ".wav":
		samples, meta, err := h.decoder.LoadWAV(data)
		return samples, meta, data, err
	default:
		return nil, models.SampleMetadata{}, nil, fmt.Errorf("unsupported audio format %q, expected .mp3 or .wav", ext)
	}
}

// EmbedAudio embeds a payload into an uploaded audio file and streams back
// the watermarked WAV.
func (h *WatermarkHandler) EmbedAudio(c *gin.Context) {
	if err := c.Request.ParseMultipartForm(64 << 20); err != nil {
		c.JSON(http.StatusBadRequest, models.EmbedResponse{Success: false, Message: fmt.Sprintf("failed to parse form: %v", err)})
		return
	}

	k, err := key.ParseHex(c.PostForm("key"))
	if err != nil {
		c.JSON(http.StatusBadRequest, models.EmbedResponse{Success: false, Message: fmt.Sprintf("invalid key: %v", err)})
		return
	}

	payloadHex := c.PostForm("payload_hex")
	payload, err := hex.DecodeString(payloadHex)
	if err != nil {
		c.JSON(http.StatusBadRequest, models.EmbedResponse{Success: false, Message: fmt.Sprintf("invalid payload_hex: %v", err)})
		return
	}
	payloadBits := bytesToBits(payload)

	short := c.PostForm("short") == "true"

	samples, meta, _, err := h.loadUploadedAudio(c, "audio_file")
	if err != nil {
		c.JSON(http.StatusBadRequest, models.EmbedResponse{Success: false, Message: err.Error()})
		return
	}

	params := h.params
	params.PayloadSize = len(payloadBits)
	params.PayloadShort = short

	var coded []byte
	if short {
		value := decode.BitsToValue(payloadBits)
		coded, err = shortEncode(params.PayloadSize, value)
	} else {
		coded, err = convEncodeInterleaved(k, payloadBits)
	}
	if err != nil {
		c.JSON(http.StatusBadRequest, models.EmbedResponse{Success: false, Message: err.Error()})
		return
	}

	gen := watermark.NewGenerator(k, params)
	out, report, err := gen.Embed(samples, meta.Channels, coded)
	if err != nil {
		c.JSON(http.StatusBadRequest, models.EmbedResponse{Success: false, Message: err.Error()})
		return
	}

	wavData, err := h.decoder.SaveWAV(out, meta)
	if err != nil {
		c.JSON(http.StatusInternalServerError, models.EmbedResponse{Success: false, Message: err.Error()})
		return
	}

	c.Header("Content-Description", "File Transfer")
	c.Header("Content-Disposition", "attachment; filename=watermarked.wav")
	c.Header("X-Watermark-SNR-Db", fmt.Sprintf("%.2f", report.SNRDb))
	c.Header("X-Watermark-Num-Blocks", strconv.Itoa(report.NumBlocks))
	c.Header("X-Watermark-Clipped", strconv.Itoa(report.Clipped))
	c.Data(http.StatusOK, "audio/wav", wavData)
}

// ExtractAudio decodes an uploaded audio file's payload and returns it as
// JSON.
func (h *WatermarkHandler) ExtractAudio(c *gin.Context) {
	if err := c.Request.ParseMultipartForm(64 << 20); err != nil {
		c.JSON(http.StatusBadRequest, models.ExtractResponse{Success: false, Message: fmt.Sprintf("failed to parse form: %v", err)})
		return
	}

	k, err := key.ParseHex(c.PostForm("key"))
	if err != nil {
		c.JSON(http.StatusBadRequest, models.ExtractResponse{Success: false, Message: fmt.Sprintf("invalid key: %v", err)})
		return
	}

	payloadBits, err := strconv.Atoi(c.PostForm("payload_bits"))
	if err != nil || payloadBits < 1 || payloadBits > 128 {
		c.JSON(http.StatusBadRequest, models.ExtractResponse{Success: false, Message: "payload_bits must be between 1 and 128"})
		return
	}
	short := c.PostForm("short") == "true"
	mode := syncfinder.Block
	if c.PostForm("clip") == "true" {
		mode = syncfinder.Clip
	}

	samples, meta, _, err := h.loadUploadedAudio(c, "audio_file")
	if err != nil {
		c.JSON(http.StatusBadRequest, models.ExtractResponse{Success: false, Message: err.Error()})
		return
	}

	dec := decode.New(k, h.params)
	results, err := dec.Decode(samples, meta.Channels, []key.Key{k}, mode, payloadBits, short)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, models.ExtractResponse{Success: false, Message: err.Error()})
		return
	}
	best, err := decode.Best(results[0])
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, models.ExtractResponse{Success: false, Message: err.Error()})
		return
	}

	c.JSON(http.StatusOK, models.ExtractResponse{
		Success:     true,
		Message:     "payload recovered",
		PayloadHex:  hex.EncodeToString(bitsToBytes(best.Bits)),
		BitErrors:   best.BitErrors,
		SyncQuality: best.SyncQuality,
		BlockType:   best.BlockType.String(),
	})
}

// DetectSpeed reports the estimated playback-speed drift for an uploaded
// audio file under the given key.
func (h *WatermarkHandler) DetectSpeed(c *gin.Context) {
	if err := c.Request.ParseMultipartForm(64 << 20); err != nil {
		c.JSON(http.StatusBadRequest, models.DetectSpeedResponse{Success: false, Message: fmt.Sprintf("failed to parse form: %v", err)})
		return
	}

	k, err := key.ParseHex(c.PostForm("key"))
	if err != nil {
		c.JSON(http.StatusBadRequest, models.DetectSpeedResponse{Success: false, Message: fmt.Sprintf("invalid key: %v", err)})
		return
	}
	patient := c.PostForm("patient") == "true"

	samples, meta, _, err := h.loadUploadedAudio(c, "audio_file")
	if err != nil {
		c.JSON(http.StatusBadRequest, models.DetectSpeedResponse{Success: false, Message: err.Error()})
		return
	}

	params := h.params
	params.DetectSpeedPatient = patient

	results, err := speed.Detect([]key.Key{k}, samples, meta.Channels, meta.SampleRate, params)
	if err != nil {
		c.JSON(http.StatusInternalServerError, models.DetectSpeedResponse{Success: false, Message: err.Error()})
		return
	}

	resp := models.DetectSpeedResponse{Success: true, Message: "speed detection complete"}
	for _, r := range results {
		resp.Results = append(resp.Results, models.DetectSpeedResult{Speed: r.Speed, Quality: r.Quality})
	}
	c.JSON(http.StatusOK, resp)
}

// shortEncode maps a short-mode payload value to its fixed-length codeword.
func shortEncode(payloadSize int, value uint64) ([]byte, error) {
	return shortcode.Encode(payloadSize, value)
}

// convEncodeInterleaved runs the full-mode payload through the
// convolutional encoder and the key-derived interleaver in one step, since
// every caller of the encoder needs both.
func convEncodeInterleaved(k key.Key, payloadBits []byte) ([]byte, error) {
	coded := convcode.Encode(payloadBits)
	il, err := convcode.NewInterleaver(k, len(coded))
	if err != nil {
		return nil, err
	}
	return il.Interleave(coded), nil
}

func bytesToBits(b []byte) []byte {
	bits := make([]byte, len(b)*8)
	for i, by := range b {
		for bit := 0; bit < 8; bit++ {
			bits[i*8+bit] = (by >> uint(7-bit)) & 1
		}
	}
	return bits
}

func bitsToBytes(bits []byte) []byte {
	out := make([]byte, (len(bits)+7)/8)
	for i, b := range bits {
		if b != 0 {
			out[i/8] |= 1 << uint(7-(i%8))
		}
	}
	return out
}
