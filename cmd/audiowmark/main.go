// Command audiowmark is a thin CLI shell over the watermarking library
// packages, mirroring audiowmark.cc's subcommand surface
// (embed/extract/gen-key/set-key/detect-speed). CLI parsing is explicitly
// out of core scope, so this stays minimal: stdlib flag, no config files,
// no interactive prompts.
package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

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

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "gen-key":
		err = genKeyCmd(os.Args[2:])
	case "set-key":
		err = setKeyCmd(os.Args[2:])
	case "embed":
		err = embedCmd(os.Args[2:])
	case "extract":
		err = extractCmd(os.Args[2:])
	case "detect-speed":
		err = detectSpeedCmd(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "audiowmark: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: audiowmark <command> [arguments]

commands:
  gen-key [--name NAME] <output-file>
  set-key --name NAME <key-file>
  embed --key FILE --payload HEX [--short BITS] <input> <output>
  extract --key FILE [--short BITS] [--clip] [--detect-speed] [--patient] <input>
  detect-speed --key FILE [--patient] <input>`)
}

func genKeyCmd(args []string) error {
	fs := flag.NewFlagSet("gen-key", flag.ExitOnError)
	name := fs.String("name", "", "optional human-readable key name")
	fs.Parse(args)
	rest := fs.Args()
	if len(rest) != 1 {
		return fmt.Errorf("gen-key: expected <output-file>")
	}

	k, err := key.Generate(*name)
	if err != nil {
		return err
	}
	formatted, err := key.Format(k)
	if err != nil {
		return err
	}
	if err := os.WriteFile(rest[0], []byte(formatted), 0600); err != nil {
		return fmt.Errorf("failed to write key file: %v", err)
	}
	fmt.Printf("wrote new key to %s (id %s)\n", rest[0], k.ID())
	return nil
}

func setKeyCmd(args []string) error {
	fs := flag.NewFlagSet("set-key", flag.ExitOnError)
	name := fs.String("name", "", "new key name")
	fs.Parse(args)
	rest := fs.Args()
	if len(rest) != 1 {
		return fmt.Errorf("set-key: expected <key-file>")
	}

	data, err := os.ReadFile(rest[0])
	if err != nil {
		return fmt.Errorf("failed to read key file: %v", err)
	}
	k, err := key.Parse(string(data))
	if err != nil {
		return err
	}
	k.Name = *name
	formatted, err := key.Format(k)
	if err != nil {
		return err
	}
	return os.WriteFile(rest[0], []byte(formatted), 0600)
}

func loadKeyFile(path string) (key.Key, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return key.Key{}, fmt.Errorf("failed to read key file: %v", err)
	}
	return key.Parse(string(data))
}

func loadAudioFile(dec *audio.Decoder, path string) ([]float32, models.SampleMetadata, []byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, models.SampleMetadata{}, nil, fmt.Errorf("failed to read %s: %v", path, err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mp3":
		samples, meta, err := dec.LoadMP3(data)
		return samples, meta, data, err
	case ".wav":
		samples, meta, err := dec.LoadWAV(data)
		return samples, meta, data, err
	default:
		return nil, models.SampleMetadata{}, nil, fmt.Errorf("unsupported audio format %q", filepath.Ext(path))
	}
}

func embedCmd(args []string) error {
	fs := flag.NewFlagSet("embed", flag.ExitOnError)
	keyPath := fs.String("key", "", "key file")
	payloadHex := fs.String("payload", "", "payload as hex")
	shortBits := fs.Int("short", 0, "short-mode payload size in bits (0 disables short mode)")
	fs.Parse(args)
	rest := fs.Args()
	if len(rest) != 2 || *keyPath == "" || *payloadHex == "" {
		return fmt.Errorf("embed: expected --key, --payload, <input> <output>")
	}

	k, err := loadKeyFile(*keyPath)
	if err != nil {
		return err
	}
	payload, err := hex.DecodeString(*payloadHex)
	if err != nil {
		return fmt.Errorf("invalid --payload hex: %v", err)
	}
	payloadBits := bytesToBits(payload)
	short := *shortBits > 0

	dec := audio.NewDecoder()
	samples, meta, _, err := loadAudioFile(dec, rest[0])
	if err != nil {
		return err
	}

	params := wmcommon.DefaultParams()
	params.PayloadSize = len(payloadBits)
	if short {
		params.PayloadSize = *shortBits
	}
	params.PayloadShort = short

	var coded []byte
	if short {
		coded, err = shortcode.Encode(params.PayloadSize, decode.BitsToValue(payloadBits))
		if err != nil {
			return err
		}
	} else {
		c := convcode.Encode(payloadBits)
		il, ierr := convcode.NewInterleaver(k, len(c))
		if ierr != nil {
			return ierr
		}
		coded = il.Interleave(c)
	}

	gen := watermark.NewGenerator(k, params)
	out, report, err := gen.Embed(samples, meta.Channels, coded)
	if err != nil {
		return err
	}

	wavData, err := dec.SaveWAV(out, meta)
	if err != nil {
		return err
	}
	if err := os.WriteFile(rest[1], wavData, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %v", rest[1], err)
	}

	fmt.Printf("embedded %d bits into %s (snr %.2f dB, %d blocks, %d clipped samples)\n",
		params.PayloadSize, rest[1], report.SNRDb, report.NumBlocks, report.Clipped)
	return nil
}

func extractCmd(args []string) error {
	fs := flag.NewFlagSet("extract", flag.ExitOnError)
	keyPath := fs.String("key", "", "key file")
	shortBits := fs.Int("short", 0, "short-mode payload size in bits (0 disables short mode)")
	clip := fs.Bool("clip", false, "decode in clip mode (input may be a short excerpt)")
	detectSpeed := fs.Bool("detect-speed", false, "run speed detection before decoding")
	patient := fs.Bool("patient", false, "use the slower, wider speed-detection search")
	payloadBits := fs.Int("payload-bits", 128, "full-mode payload size in bits")
	fs.Parse(args)
	rest := fs.Args()
	if len(rest) != 1 || *keyPath == "" {
		return fmt.Errorf("extract: expected --key, <input>")
	}

	k, err := loadKeyFile(*keyPath)
	if err != nil {
		return err
	}
	short := *shortBits > 0
	size := *payloadBits
	if short {
		size = *shortBits
	}

	dec := audio.NewDecoder()
	samples, meta, _, err := loadAudioFile(dec, rest[0])
	if err != nil {
		return err
	}

	params := wmcommon.DefaultParams()

	if *detectSpeed {
		params.DetectSpeedPatient = *patient
		results, err := speed.Detect([]key.Key{k}, samples, meta.Channels, meta.SampleRate, params)
		if err != nil {
			return err
		}
		for _, r := range results {
			fmt.Printf("speed %.5f quality %.3f\n", r.Speed, r.Quality)
		}
	}

	mode := syncfinder.Block
	if *clip {
		mode = syncfinder.Clip
	}

	d := decode.New(k, params)
	results, err := d.Decode(samples, meta.Channels, []key.Key{k}, mode, size, short)
	if err != nil {
		return err
	}
	best, err := decode.Best(results[0])
	if err != nil {
		return err
	}

	fmt.Printf("payload %s (bit errors %d, sync quality %.3f, block %s)\n",
		hex.EncodeToString(bitsToBytes(best.Bits)), best.BitErrors, best.SyncQuality, best.BlockType)
	return nil
}

func detectSpeedCmd(args []string) error {
	fs := flag.NewFlagSet("detect-speed", flag.ExitOnError)
	keyPath := fs.String("key", "", "key file")
	patient := fs.Bool("patient", false, "use the slower, wider search")
	fs.Parse(args)
	rest := fs.Args()
	if len(rest) != 1 || *keyPath == "" {
		return fmt.Errorf("detect-speed: expected --key, <input>")
	}

	k, err := loadKeyFile(*keyPath)
	if err != nil {
		return err
	}
	dec := audio.NewDecoder()
	samples, meta, _, err := loadAudioFile(dec, rest[0])
	if err != nil {
		return err
	}

	params := wmcommon.DefaultParams()
	params.DetectSpeedPatient = *patient
	results, err := speed.Detect([]key.Key{k}, samples, meta.Channels, meta.SampleRate, params)
	if err != nil {
		return err
	}
	if len(results) == 0 {
		fmt.Println("no speed change detected")
		return nil
	}
	for _, r := range results {
		fmt.Printf("speed %.5f quality %.3f\n", r.Speed, r.Quality)
	}
	return nil
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
