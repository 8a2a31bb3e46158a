// Package pipeline orchestrates the per-item workflow: metadata,
// classification, download, fingerprint, loudness processing, tagging
// and atomic publication into the inbox.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"dropcrate/internal/classify"
	"dropcrate/internal/events"
	"dropcrate/internal/extractor"
	"dropcrate/internal/ffmpeg"
	"dropcrate/internal/fingerprint"
	"dropcrate/internal/model"
	"dropcrate/internal/sidecar"
	"dropcrate/internal/titlenorm"
	"dropcrate/internal/util"
)

const (
	metadataTimeout = 45 * time.Second
	downloadTimeout = 15 * time.Minute
	artworkTimeout  = 20 * time.Second

	tempDirPrefix = ".dropcrate_tmp_"
)

// Progress receives per-stage updates while an item is processed.
type Progress func(stage events.Stage, message string)

// Service runs the full pipeline for one item at a time. It is safe
// for concurrent use; the scheduler runs one call per worker.
type Service struct {
	extractor *extractor.Driver
	proc      *ffmpeg.Processor
	matcher   *fingerprint.Matcher
	llm       *classify.LLM
	inboxDir  string
	client    *http.Client
	log       zerolog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithExtractor sets the metadata/download driver.
func WithExtractor(d *extractor.Driver) Option {
	return func(s *Service) { s.extractor = d }
}

// WithProcessor sets the audio processor.
func WithProcessor(p *ffmpeg.Processor) Option {
	return func(s *Service) { s.proc = p }
}

// WithMatcher sets the fingerprint matcher. Nil disables the stage.
func WithMatcher(m *fingerprint.Matcher) Option {
	return func(s *Service) { s.matcher = m }
}

// WithLLM sets the LLM classifier. Nil keeps the heuristic only.
func WithLLM(l *classify.LLM) Option {
	return func(s *Service) { s.llm = l }
}

// WithInboxDir sets the publication directory.
func WithInboxDir(dir string) Option {
	return func(s *Service) { s.inboxDir = dir }
}

// WithHTTPClient injects the client used for artwork downloads.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Service) { s.client = c }
}

// WithLogger attaches a logger.
func WithLogger(log zerolog.Logger) Option {
	return func(s *Service) { s.log = log }
}

// NewService constructs a Service with defaults for missing
// components.
func NewService(opts ...Option) *Service {
	s := &Service{log: zerolog.Nop()}
	for _, o := range opts {
		o(s)
	}
	if s.client == nil {
		s.client = &http.Client{Timeout: artworkTimeout}
	}
	return s
}

// ItemResult is the outcome of a successful Process call.
type ItemResult struct {
	Outputs model.Outputs
	Meta    model.NormalizedMeta
	Message string
}

// Process runs the whole pipeline for one request. progress may be
// nil. The temp working directory is removed on every path out.
func (s *Service) Process(ctx context.Context, req model.TrackRequest, preset model.ProcessingPreset, progress Progress) (ItemResult, error) {
	if progress == nil {
		progress = func(events.Stage, string) {}
	}
	preset = preset.Normalize()
	if err := preset.Validate(); err != nil {
		return ItemResult{}, err
	}
	if s.extractor == nil || s.proc == nil {
		return ItemResult{}, model.NewError(model.ErrInternal,
			fmt.Errorf("pipeline missing extractor or processor"))
	}

	// Stage 1: metadata.
	progress(events.StageMetadata, "Fetching metadata")
	info, err := s.extractor.FetchInfo(ctx, req.URL, metadataTimeout)
	if err != nil {
		return ItemResult{}, err
	}
	if info.SourceID == "" {
		return ItemResult{}, model.NewError(model.ErrUnknown,
			fmt.Errorf("metadata has no source id"))
	}

	// Stage 2: classification and tag merge.
	progress(events.StageClassify, "Classifying")
	cls := s.llm.ClassifyBatch(ctx, []model.ExtractedInfo{info})[0]
	tags := classify.Merge(preset.Tags, cls)
	s.log.Debug().
		Str("kind", string(cls.Kind)).
		Str("genre", tags.Genre).
		Float64("confidence", cls.Confidence).
		Msg("classified")

	// Stage 3: download into a per-item temp dir under the inbox so the
	// final rename never crosses filesystems.
	if err := util.EnsureDir(s.inboxDir); err != nil {
		return ItemResult{}, model.NewError(model.ErrInternal, err)
	}
	workDir := filepath.Join(s.inboxDir, tempDirPrefix+info.SourceID)
	if err := util.EnsureDir(workDir); err != nil {
		return ItemResult{}, model.NewError(model.ErrInternal, err)
	}
	defer os.RemoveAll(workDir)

	mode := extractor.ModeAudio
	if cls.Kind == model.KindVideo {
		mode = extractor.ModeVideo
	}
	progress(events.StageDownload, "Downloading media")
	media, err := s.extractor.DownloadMedia(ctx, req.URL, mode, workDir, info.SourceID, downloadTimeout)
	if err != nil {
		return ItemResult{}, err
	}

	meta := titlenorm.Normalize(info.Title, info.Uploader)

	if cls.Kind == model.KindVideo {
		return s.publishVideo(ctx, info, meta, cls, preset, tags, media.VideoPath, progress)
	}
	return s.publishAudio(ctx, req, info, meta, cls, preset, tags, media.AudioPath, workDir, progress)
}

func (s *Service) publishAudio(ctx context.Context, req model.TrackRequest, info model.ExtractedInfo, meta model.NormalizedMeta, cls model.Classification, preset model.ProcessingPreset, tags model.DJTags, audioPath, workDir string, progress Progress) (ItemResult, error) {
	// Stage 4: fingerprint lookup, best-effort.
	var match *model.FingerprintMatch
	if s.matcher != nil && (cls.Kind == model.KindTrack || cls.Kind == model.KindSet) {
		progress(events.StageFingerprint, "Looking up fingerprint")
		m, err := s.matcher.Lookup(ctx, audioPath, titlenorm.HadSeparator(info.Title))
		if err != nil {
			if ctx.Err() != nil {
				return ItemResult{}, model.NewCancelled("fingerprint interrupted")
			}
			s.log.Warn().Err(err).Msg("fingerprint lookup unavailable")
			progress(events.StageFingerprint, "Fingerprint unavailable, continuing")
		} else {
			match = m
		}
	}

	normalized := sidecar.Normalized{Artist: meta.Artist, Title: meta.Title, Version: meta.Version}
	if match != nil {
		meta, normalized = applyCanonical(meta, match)
	}

	// Stage 5/6: loudness normalization or plain transcode.
	format := resolveFormat(preset, audioPath)
	processed := audioPath
	switch {
	case preset.NormalizeEnabled:
		progress(events.StageNormalize, fmt.Sprintf("Normalizing loudness to %g LUFS", preset.Loudness.I))
		out := filepath.Join(workDir, "processed."+ffmpeg.Ext(format))
		if err := s.proc.Normalize(ctx, audioPath, out, preset.Loudness, format); err != nil {
			return ItemResult{}, err
		}
		processed = out
	case needsTranscode(audioPath, format):
		progress(events.StageTranscode, "Transcoding to "+string(format))
		out := filepath.Join(workDir, "processed."+ffmpeg.Ext(format))
		if err := s.proc.Transcode(ctx, audioPath, out, format); err != nil {
			return ItemResult{}, err
		}
		processed = out
	}

	// Stage 7: tags and artwork.
	progress(events.StageTag, "Embedding tags")
	artwork := s.fetchArtwork(ctx, info, workDir)
	tagSet := ffmpeg.TagSet{
		Artist:  meta.Artist,
		Title:   titlenorm.DisplayTitle(meta),
		Genre:   tags.Genre,
		Comment: buildComment(tags, info),
	}
	if match != nil {
		tagSet.Album = match.Album
		tagSet.Year = match.Year
		tagSet.Label = match.Label
	}
	if err := s.proc.ApplyTags(ctx, processed, format, tagSet, artwork); err != nil {
		return ItemResult{}, err
	}

	// Stage 8: atomic publication plus sidecar.
	progress(events.StageFinalize, "Publishing")
	base := util.SanitizeFilename(meta.Artist + " - " + titlenorm.DisplayTitle(meta))
	finalPath := uniquePath(filepath.Join(s.inboxDir, base+"."+ffmpeg.Ext(format)))
	if err := os.Rename(processed, finalPath); err != nil {
		return ItemResult{}, model.NewError(model.ErrInternal,
			fmt.Errorf("publish output: %w", err))
	}

	procRecord := sidecar.ProcessingFor(preset)
	procRecord.AudioFormat = format

	outputs := model.Outputs{AudioPath: finalPath}
	sc := sidecar.Sidecar{
		SourceURL:        info.WebpageURL,
		SourceID:         info.SourceID,
		Title:            info.Title,
		Uploader:         info.Uploader,
		Duration:         info.Duration,
		DownloadedAt:     time.Now().UTC(),
		Normalized:       normalized,
		Classification:   &cls,
		FingerprintMatch: match,
		DJTags:           tags,
		Processing:       procRecord,
		Outputs:          outputs,
	}
	if err := sidecar.Write(sidecar.PathFor(finalPath), sc); err != nil {
		// Published files must always have a sidecar; roll the file back
		// rather than leave an orphan in the inbox.
		os.Remove(finalPath)
		return ItemResult{}, model.NewProcessingError("finalize",
			fmt.Errorf("write sidecar: %w", err))
	}

	return ItemResult{
		Outputs: outputs,
		Meta:    meta,
		Message: "Published " + filepath.Base(finalPath),
	}, nil
}

// publishVideo finalizes video-kind items: no fingerprint, loudness or
// tag stages, just a rename and a sidecar.
func (s *Service) publishVideo(ctx context.Context, info model.ExtractedInfo, meta model.NormalizedMeta, cls model.Classification, preset model.ProcessingPreset, tags model.DJTags, videoPath string, progress Progress) (ItemResult, error) {
	progress(events.StageFinalize, "Publishing video")
	if ctx.Err() != nil {
		return ItemResult{}, model.NewCancelled("publish interrupted")
	}

	base := util.SanitizeFilename(meta.Artist + " - " + titlenorm.DisplayTitle(meta))
	finalPath := uniquePath(filepath.Join(s.inboxDir, base+filepath.Ext(videoPath)))
	if err := os.Rename(videoPath, finalPath); err != nil {
		return ItemResult{}, model.NewError(model.ErrInternal,
			fmt.Errorf("publish output: %w", err))
	}

	outputs := model.Outputs{VideoPath: finalPath}
	sc := sidecar.Sidecar{
		SourceURL:      info.WebpageURL,
		SourceID:       info.SourceID,
		Title:          info.Title,
		Uploader:       info.Uploader,
		Duration:       info.Duration,
		DownloadedAt:   time.Now().UTC(),
		Normalized:     sidecar.Normalized{Artist: meta.Artist, Title: meta.Title, Version: meta.Version},
		Classification: &cls,
		DJTags:         tags,
		Processing:     sidecar.ProcessingFor(preset),
		Outputs:        outputs,
	}
	if err := sidecar.Write(sidecar.PathFor(finalPath), sc); err != nil {
		os.Remove(finalPath)
		return ItemResult{}, model.NewProcessingError("finalize",
			fmt.Errorf("write sidecar: %w", err))
	}

	return ItemResult{
		Outputs: outputs,
		Meta:    meta,
		Message: "Published " + filepath.Base(finalPath),
	}, nil
}

// applyCanonical overrides the parsed names with a threshold-clearing
// match and records in Applied whether anything actually changed. A
// canonical title carrying its own parenthetical suffix replaces the
// parsed version suffix outright; re-appending it would double it up.
func applyCanonical(meta model.NormalizedMeta, match *model.FingerprintMatch) (model.NormalizedMeta, sidecar.Normalized) {
	match.Applied = match.Artist != meta.Artist || match.Title != meta.Title
	meta.Artist = match.Artist
	meta.Title = match.Title
	if strings.Contains(match.Title, "(") {
		meta.Version = ""
	}
	return meta, sidecar.Normalized{
		Artist:  match.Artist,
		Title:   match.Title,
		Version: meta.Version,
		Album:   match.Album,
		Year:    match.Year,
		Label:   match.Label,
	}
}

// fetchArtwork downloads the best thumbnail into workDir. Best-effort:
// any failure returns "" and the item ships without cover art.
func (s *Service) fetchArtwork(ctx context.Context, info model.ExtractedInfo, workDir string) string {
	url := bestThumbnail(info)
	if url == "" {
		return ""
	}
	ctx, cancel := context.WithTimeout(ctx, artworkTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return ""
	}
	resp, err := s.client.Do(req)
	if err != nil {
		s.log.Debug().Err(err).Msg("artwork download failed")
		return ""
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return ""
	}

	path := filepath.Join(workDir, "cover.jpg")
	f, err := os.Create(path)
	if err != nil {
		return ""
	}
	defer f.Close()
	if _, err := io.Copy(f, resp.Body); err != nil {
		os.Remove(path)
		return ""
	}
	return path
}
