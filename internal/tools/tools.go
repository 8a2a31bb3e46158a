// Package tools locates or provisions the external binaries the
// pipeline shells out to: the yt-dlp extractor, ffmpeg, and the
// optional Chromaprint fpcalc fingerprint calculator.
package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"dropcrate/internal/model"
	"dropcrate/internal/util"
)

const (
	releaseBase     = "https://github.com/yt-dlp/yt-dlp/releases/latest/download/"
	portableAsset   = "yt-dlp" // python zipapp, runs anywhere with python3
	versionTimeout  = 15 * time.Second
	downloadTimeout = 120 * time.Second

	// Minimum python3 minor version the portable zipapp supports.
	minPythonMinor = 9
)

// Paths are the resolved tool locations.
type Paths struct {
	Extractor string
	FFmpeg    string
	Fpcalc    string // empty when fpcalc is unavailable
}

// Provisioner resolves tool paths once per process, downloading the
// extractor when it is missing or broken.
type Provisioner struct {
	runner util.CmdRunner
	client *http.Client
	log    zerolog.Logger
	binDir string

	extractorOverride string
	ffmpegOverride    string
	fpcalcOverride    string

	mu       sync.Mutex
	resolved *Paths
}

// Option configures a Provisioner.
type Option func(*Provisioner)

// WithRunner injects a custom command runner (useful for testing).
func WithRunner(r util.CmdRunner) Option {
	return func(p *Provisioner) { p.runner = r }
}

// WithBinDir overrides the directory provisioned binaries are cached
// in.
func WithBinDir(dir string) Option {
	return func(p *Provisioner) { p.binDir = dir }
}

// WithOverrides sets explicit tool paths from the environment. Empty
// strings are ignored.
func WithOverrides(extractor, ffmpeg, fpcalc string) Option {
	return func(p *Provisioner) {
		p.extractorOverride = extractor
		p.ffmpegOverride = ffmpeg
		p.fpcalcOverride = fpcalc
	}
}

// WithLogger attaches a logger.
func WithLogger(log zerolog.Logger) Option {
	return func(p *Provisioner) { p.log = log }
}

// WithHTTPClient injects the client used for release downloads.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provisioner) { p.client = c }
}

// New constructs a Provisioner with defaults for missing components.
func New(opts ...Option) *Provisioner {
	p := &Provisioner{log: zerolog.Nop()}
	for _, o := range opts {
		o(p)
	}
	if p.runner == nil {
		p.runner = util.NewDefaultRunner()
	}
	if p.client == nil {
		p.client = &http.Client{Timeout: downloadTimeout}
	}
	return p
}

// Resolve returns tool paths, provisioning the extractor on first call
// if necessary. The result is cached for the process lifetime. Fails
// with ToolUnavailable when no working extractor can be produced.
func (p *Provisioner) Resolve(ctx context.Context) (Paths, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.resolved != nil {
		return *p.resolved, nil
	}

	extractor, err := p.resolveExtractor(ctx)
	if err != nil {
		return Paths{}, err
	}

	paths := Paths{
		Extractor: extractor,
		FFmpeg:    p.resolveFFmpeg(),
		Fpcalc:    p.resolveFpcalc(),
	}
	p.resolved = &paths
	p.log.Debug().
		Str("extractor", paths.Extractor).
		Str("ffmpeg", paths.FFmpeg).
		Str("fpcalc", paths.Fpcalc).
		Msg("tools resolved")
	return paths, nil
}

func (p *Provisioner) resolveExtractor(ctx context.Context) (string, error) {
	// 1. Explicit override.
	if p.extractorOverride != "" {
		if p.works(ctx, p.extractorOverride) {
			return p.extractorOverride, nil
		}
		return "", model.NewError(model.ErrToolUnavailable,
			fmt.Errorf("extractor override %q is not executable", p.extractorOverride))
	}

	// 2. Previously provisioned binary or launcher.
	if p.binDir != "" {
		for _, name := range []string{extractorBinaryName(), "yt-dlp-launcher"} {
			cached := filepath.Join(p.binDir, name)
			if _, err := os.Stat(cached); err == nil && p.works(ctx, cached) {
				return cached, nil
			}
		}
	}

	// 3. PATH lookup.
	for _, name := range []string{"yt-dlp", "youtube-dl"} {
		if path, err := exec.LookPath(name); err == nil && p.works(ctx, path) {
			return path, nil
		}
	}

	// 4. Download the platform release asset.
	if p.binDir == "" {
		return "", model.NewError(model.ErrToolUnavailable,
			fmt.Errorf("yt-dlp not found and no bin directory configured for download"))
	}
	if err := os.MkdirAll(p.binDir, 0o755); err != nil {
		return "", model.NewError(model.ErrToolUnavailable, err)
	}
	native := filepath.Join(p.binDir, extractorBinaryName())
	if err := p.download(ctx, releaseBase+releaseAsset(), native); err != nil {
		p.log.Warn().Err(err).Msg("native extractor download failed")
	} else if p.works(ctx, native) {
		return native, nil
	}

	// 5. Portable zipapp behind a python3 launcher.
	launcher, err := p.provisionPortable(ctx)
	if err != nil {
		return "", model.NewError(model.ErrToolUnavailable,
			fmt.Errorf("could not provision yt-dlp: %w", err))
	}
	if !p.works(ctx, launcher) {
		return "", model.NewError(model.ErrToolUnavailable,
			fmt.Errorf("provisioned launcher %q does not run", launcher))
	}
	return launcher, nil
}

// works probes the binary with --version.
func (p *Provisioner) works(ctx context.Context, path string) bool {
	res, err := p.runner.Run(ctx, util.CmdSpec{
		Path:    path,
		Args:    []string{"--version"},
		Timeout: versionTimeout,
	})
	return err == nil && res.Code == 0
}

func (p *Provisioner) resolveFFmpeg() string {
	if p.ffmpegOverride != "" {
		return p.ffmpegOverride
	}
	if path, err := exec.LookPath("ffmpeg"); err == nil {
		return path
	}
	// ffmpeg is assumed present; callers surface the exec error if not.
	return "ffmpeg"
}

func (p *Provisioner) resolveFpcalc() string {
	if p.fpcalcOverride != "" {
		return p.fpcalcOverride
	}
	if path, err := exec.LookPath("fpcalc"); err == nil {
		return path
	}
	return ""
}

// download fetches url to dest via a temp file and atomic rename,
// setting the executable bit.
func (p *Provisioner) download(ctx context.Context, url, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download %s: status %d", url, resp.StatusCode)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".download-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o755); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dest)
}

// provisionPortable downloads the python zipapp and writes a launcher
// script delegating to a detected python3 >= 3.9.
func (p *Provisioner) provisionPortable(ctx context.Context) (string, error) {
	python, err := p.findPython(ctx)
	if err != nil {
		return "", err
	}

	zipapp := filepath.Join(p.binDir, "yt-dlp.pyz")
	if err := p.download(ctx, releaseBase+portableAsset, zipapp); err != nil {
		return "", err
	}

	launcher := filepath.Join(p.binDir, "yt-dlp-launcher")
	script := fmt.Sprintf("#!/bin/sh\nexec %q %q \"$@\"\n", python, zipapp)
	tmp := launcher + ".tmp"
	if err := os.WriteFile(tmp, []byte(script), 0o755); err != nil {
		return "", err
	}
	if err := os.Rename(tmp, launcher); err != nil {
		return "", err
	}
	return launcher, nil
}

func (p *Provisioner) findPython(ctx context.Context) (string, error) {
	for _, name := range []string{"python3", "python"} {
		path, err := exec.LookPath(name)
		if err != nil {
			continue
		}
		res, err := p.runner.Run(ctx, util.CmdSpec{
			Path:          path,
			Args:          []string{"-c", "import sys; print('%d.%d' % sys.version_info[:2])"},
			Timeout:       versionTimeout,
			CaptureStdout: true,
		})
		if err != nil || res.Code != 0 {
			continue
		}
		if pythonVersionOK(strings.TrimSpace(string(res.Stdout))) {
			return path, nil
		}
	}
	return "", fmt.Errorf("no python3 >= 3.%d found", minPythonMinor)
}

func pythonVersionOK(v string) bool {
	parts := strings.SplitN(v, ".", 2)
	if len(parts) != 2 {
		return false
	}
	major, err1 := strconv.Atoi(parts[0])
	minor, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil {
		return false
	}
	return major > 3 || (major == 3 && minor >= minPythonMinor)
}

func extractorBinaryName() string {
	if runtime.GOOS == "windows" {
		return "yt-dlp.exe"
	}
	return "yt-dlp"
}

func releaseAsset() string {
	switch runtime.GOOS {
	case "darwin":
		return "yt-dlp_macos"
	case "windows":
		return "yt-dlp.exe"
	default:
		if runtime.GOARCH == "arm64" {
			return "yt-dlp_linux_aarch64"
		}
		return "yt-dlp_linux"
	}
}
