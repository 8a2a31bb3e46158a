// Package ffmpeg wraps the ffmpeg binary for loudness normalization,
// transcoding and metadata/artwork embedding.
package ffmpeg

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"dropcrate/internal/model"
	"dropcrate/internal/util"
)

const (
	sampleRate     = "44100"
	processTimeout = 10 * time.Minute
)

// Processor shells out to ffmpeg.
type Processor struct {
	path   string
	runner util.CmdRunner
	log    zerolog.Logger
}

// Option configures a Processor.
type Option func(*Processor)

// WithRunner injects a custom command runner (useful for testing).
func WithRunner(r util.CmdRunner) Option {
	return func(p *Processor) { p.runner = r }
}

// WithLogger attaches a logger.
func WithLogger(log zerolog.Logger) Option {
	return func(p *Processor) { p.log = log }
}

// New constructs a Processor for the ffmpeg at path.
func New(path string, opts ...Option) *Processor {
	p := &Processor{path: path, log: zerolog.Nop()}
	for _, o := range opts {
		o(p)
	}
	if p.runner == nil {
		p.runner = util.NewDefaultRunner()
	}
	return p
}

// measurement is the first-pass loudnorm analysis printed as JSON on
// stderr.
type measurement struct {
	InputI      string `json:"input_i"`
	InputTP     string `json:"input_tp"`
	InputLRA    string `json:"input_lra"`
	InputThresh string `json:"input_thresh"`
	Offset      string `json:"target_offset"`
}

// Normalize runs two-pass loudnorm from in to out, re-encoding to the
// codec for format at 44.1 kHz. format must be lossless.
func (p *Processor) Normalize(ctx context.Context, in, out string, target model.LoudnessTarget, format model.AudioFormat) error {
	m, err := p.measure(ctx, in, target)
	if err != nil {
		return err
	}

	filter := fmt.Sprintf(
		"loudnorm=I=%g:TP=%g:LRA=%g:measured_I=%s:measured_TP=%s:measured_LRA=%s:measured_thresh=%s:offset=%s:linear=true:print_format=summary",
		target.I, target.TP, target.LRA,
		m.InputI, m.InputTP, m.InputLRA, m.InputThresh, m.Offset)

	args := []string{
		"-hide_banner", "-nostdin", "-y",
		"-i", in,
		"-af", filter,
		"-ar", sampleRate,
		"-vn",
	}
	args = append(args, codecArgs(format)...)
	args = append(args, out)

	if err := p.run(ctx, "normalize", args, out); err != nil {
		return err
	}
	return nil
}

// measure runs the analysis pass and parses the trailing JSON block
// from stderr.
func (p *Processor) measure(ctx context.Context, in string, target model.LoudnessTarget) (measurement, error) {
	args := []string{
		"-hide_banner", "-nostdin",
		"-i", in,
		"-af", fmt.Sprintf("loudnorm=I=%g:TP=%g:LRA=%g:print_format=json", target.I, target.TP, target.LRA),
		"-f", "null", "-",
	}
	res, err := p.runner.Run(ctx, util.CmdSpec{
		Path:    p.path,
		Args:    args,
		Timeout: processTimeout,
	})
	if err != nil {
		if ctx.Err() != nil {
			return measurement{}, model.NewCancelled("loudness analysis interrupted")
		}
		return measurement{}, model.NewProcessingError("normalize",
			fmt.Errorf("loudness analysis failed: %w: %s", err, lastLine(res.Stderr)))
	}

	m, ok := parseMeasurement(string(res.Stderr))
	if !ok {
		return measurement{}, model.NewProcessingError("normalize",
			fmt.Errorf("no loudnorm measurement in ffmpeg output"))
	}
	return m, nil
}

// parseMeasurement extracts the last JSON object from ffmpeg stderr.
// loudnorm prints it after all progress noise, pretty-printed over
// multiple lines.
func parseMeasurement(stderr string) (measurement, bool) {
	for start := strings.LastIndex(stderr, "{"); start >= 0; start = strings.LastIndex(stderr[:start], "{") {
		end := strings.Index(stderr[start:], "}")
		if end < 0 {
			continue
		}
		var m measurement
		if err := json.Unmarshal([]byte(stderr[start:start+end+1]), &m); err == nil && m.InputI != "" {
			return m, true
		}
	}
	return measurement{}, false
}

// Transcode converts in to out at 44.1 kHz without loudness
// processing.
func (p *Processor) Transcode(ctx context.Context, in, out string, format model.AudioFormat) error {
	args := []string{
		"-hide_banner", "-nostdin", "-y",
		"-i", in,
		"-ar", sampleRate,
		"-vn",
	}
	args = append(args, codecArgs(format)...)
	args = append(args, out)
	return p.run(ctx, "transcode", args, out)
}

// TagSet is the metadata written into the output container. Empty
// fields are skipped.
type TagSet struct {
	Artist  string
	Title   string
	Album   string
	Genre   string
	Year    string
	Label   string
	Comment string
}

// ApplyTags remuxes audioPath in place, embedding tags and optional
// artwork. The remux writes to a sibling temp file which replaces the
// original on success.
func (p *Processor) ApplyTags(ctx context.Context, audioPath string, format model.AudioFormat, tags TagSet, artworkPath string) error {
	ext := filepath.Ext(audioPath)
	tmp := strings.TrimSuffix(audioPath, ext) + ".tagged" + ext

	args := []string{
		"-hide_banner", "-nostdin", "-y",
		"-i", audioPath,
	}
	embedArt := artworkPath != "" && artworkSupported(format)
	if embedArt {
		args = append(args, "-i", artworkPath,
			"-map", "0:a", "-map", "1:v",
			"-c:a", "copy", "-c:v", "mjpeg",
			"-disposition:v", "attached_pic",
			"-metadata:s:v", "title=Album cover",
			"-metadata:s:v", "comment=Cover (front)",
		)
	} else {
		args = append(args, "-map", "0:a", "-c:a", "copy")
	}

	switch format {
	case model.FormatMP3:
		args = append(args, "-id3v2_version", "3")
	case model.FormatAIFF, model.FormatWAV:
		args = append(args, "-write_id3v2", "1")
	}

	for k, v := range tagPairs(tags) {
		if v != "" {
			// Some players read the audio stream's tags rather than the
			// container's; write both scopes.
			args = append(args, "-metadata", k+"="+v, "-metadata:s:a", k+"="+v)
		}
	}
	args = append(args, tmp)

	if err := p.run(ctx, "tag", args, tmp); err != nil {
		return err
	}
	if err := os.Rename(tmp, audioPath); err != nil {
		os.Remove(tmp)
		return model.NewProcessingError("tag", fmt.Errorf("replace tagged file: %w", err))
	}
	return nil
}

func tagPairs(tags TagSet) map[string]string {
	return map[string]string{
		"artist":    tags.Artist,
		"title":     tags.Title,
		"album":     tags.Album,
		"genre":     tags.Genre,
		"date":      tags.Year,
		"publisher": tags.Label,
		"comment":   tags.Comment,
	}
}

// artworkSupported reports whether ffmpeg can attach cover art to the
// container. WAV has no workable picture story.
func artworkSupported(format model.AudioFormat) bool {
	switch format {
	case model.FormatMP3, model.FormatM4A, model.FormatFLAC, model.FormatAIFF:
		return true
	}
	return false
}

// Ext returns the file extension (without dot) for format.
func Ext(format model.AudioFormat) string {
	return string(format)
}

func codecArgs(format model.AudioFormat) []string {
	switch format {
	case model.FormatAIFF:
		return []string{"-c:a", "pcm_s16be"}
	case model.FormatWAV:
		return []string{"-c:a", "pcm_s16le"}
	case model.FormatFLAC:
		return []string{"-c:a", "flac"}
	case model.FormatMP3:
		return []string{"-c:a", "libmp3lame", "-q:a", "0"}
	case model.FormatM4A:
		return []string{"-c:a", "aac", "-b:a", "256k"}
	}
	return []string{"-c:a", "pcm_s16be"}
}

func (p *Processor) run(ctx context.Context, step string, args []string, produced string) error {
	res, err := p.runner.Run(ctx, util.CmdSpec{
		Path:    p.path,
		Args:    args,
		Timeout: processTimeout,
	})
	if err != nil {
		os.Remove(produced)
		if ctx.Err() != nil {
			return model.NewCancelled(step + " interrupted")
		}
		p.log.Debug().Str("step", step).Int("exit", res.Code).Msg("ffmpeg failed")
		return model.NewProcessingError(step,
			fmt.Errorf("ffmpeg failed: %w: %s", err, lastLine(res.Stderr)))
	}
	return nil
}

// lastLine returns the final non-empty stderr line, which is where
// ffmpeg puts its actual complaint.
func lastLine(stderr []byte) string {
	lines := strings.Split(strings.TrimSpace(string(stderr)), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			return l
		}
	}
	return ""
}
