// Package extractor drives the external URL extractor (yt-dlp) for
// metadata fetches and media downloads, and classifies its stderr into
// the error taxonomy.
package extractor

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"dropcrate/internal/model"
	"dropcrate/internal/util"
)

const (
	maxTitleLen       = 220
	maxDescriptionLen = 800
)

// DownloadMode selects the format expression for DownloadMedia.
type DownloadMode string

const (
	ModeAudio DownloadMode = "audio" // best audio stream only
	ModeVideo DownloadMode = "video" // best video+audio merged into one container
	ModeBoth  DownloadMode = "both"  // audio and video as separate files
)

// Media are the files a download produced inside the working
// directory.
type Media struct {
	AudioPath string
	VideoPath string
}

// Driver invokes the extractor binary.
type Driver struct {
	path               string
	runner             util.CmdRunner
	log                zerolog.Logger
	cookiesFromBrowser string
	cookiesPath        string
}

// Option configures a Driver.
type Option func(*Driver)

// WithRunner injects a custom command runner (useful for testing).
func WithRunner(r util.CmdRunner) Option {
	return func(d *Driver) { d.runner = r }
}

// WithCookies sets cookie options passed through to the extractor.
// browser takes precedence over the cookie file when both are set.
func WithCookies(browser, file string) Option {
	return func(d *Driver) {
		d.cookiesFromBrowser = browser
		d.cookiesPath = file
	}
}

// WithLogger attaches a logger.
func WithLogger(log zerolog.Logger) Option {
	return func(d *Driver) { d.log = log }
}

// New constructs a Driver for the extractor at path.
func New(path string, opts ...Option) *Driver {
	d := &Driver{path: path, log: zerolog.Nop()}
	for _, o := range opts {
		o(d)
	}
	if d.runner == nil {
		d.runner = util.NewDefaultRunner()
	}
	return d
}

// rawInfo mirrors the extractor's --dump-single-json fields used
// downstream.
type rawInfo struct {
	ID          string            `json:"id"`
	Title       string            `json:"title"`
	Uploader    string            `json:"uploader"`
	Channel     string            `json:"channel"`
	Duration    float64           `json:"duration"`
	WebpageURL  string            `json:"webpage_url"`
	Description string            `json:"description"`
	Thumbnail   string            `json:"thumbnail"`
	Thumbnails  []model.Thumbnail `json:"thumbnails"`
	Categories  []string          `json:"categories"`
	Tags        []string          `json:"tags"`
}

// FetchInfo requests single-JSON metadata for url without downloading
// media. Long strings are truncated before they travel further.
func (d *Driver) FetchInfo(ctx context.Context, url string, timeout time.Duration) (model.ExtractedInfo, error) {
	args := []string{
		"--dump-single-json",
		"--no-playlist",
		"--no-warnings",
		"--socket-timeout", "10",
		"--retries", "1",
	}
	args = append(args, d.cookieArgs()...)
	args = append(args, url)

	res, runErr := d.runner.Run(ctx, util.CmdSpec{
		Path:          d.path,
		Args:          args,
		Timeout:       timeout,
		CaptureStdout: true,
	})
	if runErr != nil && len(res.Stdout) == 0 {
		return model.ExtractedInfo{}, d.classifyRunError(ctx, res, runErr)
	}

	info, err := parseInfo(res.Stdout)
	if err != nil {
		return model.ExtractedInfo{}, model.NewError(model.ErrUnknown,
			fmt.Errorf("parse metadata JSON: %w", err))
	}
	return info, nil
}

// DownloadMedia downloads url into workDir. sourceID is the extractor
// id from a prior FetchInfo and anchors the output template so the
// produced files can be located deterministically.
func (d *Driver) DownloadMedia(ctx context.Context, url string, mode DownloadMode, workDir, sourceID string, timeout time.Duration) (Media, error) {
	var media Media
	if mode == ModeAudio || mode == ModeBoth {
		path, err := d.downloadOne(ctx, url, workDir, sourceID, "audio", "bestaudio/best", nil, timeout)
		if err != nil {
			return media, err
		}
		media.AudioPath = path
	}
	if mode == ModeVideo || mode == ModeBoth {
		extra := []string{"--merge-output-format", "mp4"}
		path, err := d.downloadOne(ctx, url, workDir, sourceID, "video", "bestvideo*+bestaudio/best", extra, timeout)
		if err != nil {
			return media, err
		}
		media.VideoPath = path
	}
	return media, nil
}

func (d *Driver) downloadOne(ctx context.Context, url, workDir, sourceID, tag, format string, extra []string, timeout time.Duration) (string, error) {
	template := filepath.Join(workDir, "%(id)s."+tag+".%(ext)s")
	args := []string{
		"-f", format,
		"-o", template,
		"--no-playlist",
		"--no-warnings",
	}
	args = append(args, extra...)
	args = append(args, d.cookieArgs()...)
	args = append(args, url)

	res, runErr := d.runner.Run(ctx, util.CmdSpec{
		Path:    d.path,
		Args:    args,
		Dir:     workDir,
		Timeout: timeout,
	})
	if runErr != nil {
		return "", d.classifyRunError(ctx, res, runErr)
	}

	candidates, err := filepath.Glob(filepath.Join(workDir, sourceID+"."+tag+".*"))
	if err != nil {
		return "", model.NewError(model.ErrInternal, fmt.Errorf("resolve download: %w", err))
	}
	if len(candidates) == 0 {
		return "", model.NewError(model.ErrUnknown,
			fmt.Errorf("download succeeded but no output file found in %s", workDir))
	}
	// Prefer the shortest name; yt-dlp leaves .part/.ytdl droppings on
	// interrupted runs.
	sort.Slice(candidates, func(i, j int) bool {
		return len(candidates[i]) < len(candidates[j])
	})
	for _, c := range candidates {
		ext := strings.ToLower(filepath.Ext(c))
		if ext != ".part" && ext != ".ytdl" && ext != ".tmp" {
			return c, nil
		}
	}
	return candidates[0], nil
}

func (d *Driver) cookieArgs() []string {
	switch {
	case d.cookiesFromBrowser != "":
		return []string{"--cookies-from-browser", d.cookiesFromBrowser}
	case d.cookiesPath != "":
		return []string{"--cookies", d.cookiesPath}
	}
	return nil
}

func (d *Driver) classifyRunError(ctx context.Context, res util.CmdResult, runErr error) error {
	if ctx.Err() != nil {
		return model.NewCancelled("extractor interrupted")
	}
	perr := Classify(string(res.Stderr), runErr)
	d.log.Debug().Str("kind", string(perr.Kind)).Int("exit", res.Code).Msg("extractor failed")
	return perr
}

// parseInfo decodes extractor JSON output, recovering the last JSON
// object when progress noise precedes it on stdout.
func parseInfo(stdout []byte) (model.ExtractedInfo, error) {
	data := strings.TrimSpace(string(stdout))
	var raw rawInfo
	if err := json.Unmarshal([]byte(data), &raw); err != nil {
		lines := strings.Split(data, "\n")
		recovered := false
		for i := len(lines) - 1; i >= 0; i-- {
			line := strings.TrimSpace(lines[i])
			if line == "" {
				continue
			}
			var tmp rawInfo
			if json.Unmarshal([]byte(line), &tmp) == nil && tmp.ID != "" {
				raw = tmp
				recovered = true
				break
			}
		}
		if !recovered {
			return model.ExtractedInfo{}, err
		}
	}

	uploader := raw.Uploader
	if uploader == "" {
		uploader = raw.Channel
	}
	return model.ExtractedInfo{
		SourceID:    raw.ID,
		Title:       truncate(raw.Title, maxTitleLen),
		Uploader:    uploader,
		Duration:    raw.Duration,
		WebpageURL:  raw.WebpageURL,
		Description: truncate(raw.Description, maxDescriptionLen),
		Thumbnail:   raw.Thumbnail,
		Thumbnails:  raw.Thumbnails,
		Categories:  raw.Categories,
		Tags:        raw.Tags,
	}, nil
}

func truncate(s string, n int) string {
	rs := []rune(s)
	if len(rs) <= n {
		return s
	}
	return string(rs[:n])
}
