package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dropcrate/internal/events"
	"dropcrate/internal/extractor"
	"dropcrate/internal/ffmpeg"
	"dropcrate/internal/model"
	"dropcrate/internal/sidecar"
	"dropcrate/internal/util"
)

const measureStderr = `{
	"input_i" : "-8.34",
	"input_tp" : "0.10",
	"input_lra" : "4.20",
	"input_thresh" : "-18.51",
	"target_offset" : "0.32"
}`

// toolRunner fakes yt-dlp and ffmpeg behavior well enough to drive the
// whole pipeline without processes.
type toolRunner struct {
	t        *testing.T
	info     map[string]any
	failDL   bool
	ffmpeg   []string // recorded ffmpeg arg strings
	download int
}

func (f *toolRunner) Run(_ context.Context, spec util.CmdSpec) (util.CmdResult, error) {
	args := strings.Join(spec.Args, " ")
	switch {
	case strings.Contains(args, "--dump-single-json"):
		data, err := json.Marshal(f.info)
		require.NoError(f.t, err)
		return util.CmdResult{Stdout: data, Code: 0}, nil

	case strings.Contains(args, "-f bestaudio") || strings.Contains(args, "-f bestvideo"):
		if f.failDL {
			err := fmt.Errorf("command failed (exit 1)")
			return util.CmdResult{Stderr: []byte("ERROR: Video unavailable"), Code: 1, Err: err}, err
		}
		f.download++
		template := spec.Args[indexOf(spec.Args, "-o")+1]
		ext := "m4a"
		if strings.Contains(args, "bestvideo") {
			ext = "mp4"
		}
		out := strings.NewReplacer("%(id)s", f.info["id"].(string), "%(ext)s", ext).Replace(template)
		require.NoError(f.t, os.WriteFile(out, []byte("media"), 0o644))
		return util.CmdResult{Code: 0}, nil

	case strings.Contains(args, "print_format=json"):
		f.ffmpeg = append(f.ffmpeg, args)
		return util.CmdResult{Stderr: []byte(measureStderr), Code: 0}, nil

	default: // remaining ffmpeg passes produce their last arg
		f.ffmpeg = append(f.ffmpeg, args)
		out := spec.Args[len(spec.Args)-1]
		require.NoError(f.t, os.WriteFile(out, []byte("processed"), 0o644))
		return util.CmdResult{Code: 0}, nil
	}
}

func indexOf(args []string, want string) int {
	for i, a := range args {
		if a == want {
			return i
		}
	}
	return -1
}

func trackInfo() map[string]any {
	return map[string]any{
		"id":          "abc123",
		"title":       "FISHER - Losing It (Extended Mix)",
		"uploader":    "Catch & Release",
		"duration":    248.0,
		"webpage_url": "https://youtube.com/watch?v=abc123",
		"categories":  []string{"Music"},
		"tags":        []string{"tech house"},
	}
}

func newTestService(t *testing.T, runner util.CmdRunner, inbox string) *Service {
	t.Helper()
	return NewService(
		WithExtractor(extractor.New("yt-dlp", extractor.WithRunner(runner))),
		WithProcessor(ffmpeg.New("ffmpeg", ffmpeg.WithRunner(runner))),
		WithInboxDir(inbox),
	)
}

func TestProcessTrackDJSafe(t *testing.T) {
	inbox := t.TempDir()
	runner := &toolRunner{t: t, info: trackInfo()}
	svc := newTestService(t, runner, inbox)

	var stages []events.Stage
	res, err := svc.Process(context.Background(),
		model.TrackRequest{ID: "item-1", URL: "https://youtube.com/watch?v=abc123"},
		model.DefaultPreset(),
		func(st events.Stage, _ string) { stages = append(stages, st) })
	require.NoError(t, err)

	wantPath := filepath.Join(inbox, "Fisher - Losing It (Extended Mix).aiff")
	assert.Equal(t, wantPath, res.Outputs.AudioPath)
	assert.FileExists(t, wantPath)
	assert.Contains(t, res.Message, "Published")

	// Stage order: metadata through finalize, no transcode when
	// normalization runs.
	assert.Equal(t, []events.Stage{
		events.StageMetadata, events.StageClassify, events.StageDownload,
		events.StageNormalize, events.StageTag, events.StageFinalize,
	}, stages)

	// Sidecar published next to the audio.
	sc, err := sidecar.Read(sidecar.PathFor(wantPath))
	require.NoError(t, err)
	assert.Equal(t, "abc123", sc.SourceID)
	assert.Equal(t, "Tech House", sc.DJTags.Genre)
	assert.Equal(t, model.KindTrack, sc.Classification.Kind)
	assert.Equal(t, "Fisher", sc.Normalized.Artist)
	assert.Equal(t, "Extended Mix", sc.Normalized.Version)
	assert.Equal(t, wantPath, sc.Outputs.AudioPath)

	// Temp dir cleaned up.
	_, statErr := os.Stat(filepath.Join(inbox, tempDirPrefix+"abc123"))
	assert.True(t, os.IsNotExist(statErr))

	// The loudnorm second pass fed the measurement back.
	joined := strings.Join(runner.ffmpeg, "\n")
	assert.Contains(t, joined, "measured_I=-8.34")
	assert.Contains(t, joined, "linear=true")
}

func TestProcessFastModeKeepsContainer(t *testing.T) {
	inbox := t.TempDir()
	runner := &toolRunner{t: t, info: trackInfo()}
	svc := newTestService(t, runner, inbox)

	preset := model.ProcessingPreset{Mode: model.ModeFast, AudioFormat: model.FormatAuto}
	res, err := svc.Process(context.Background(),
		model.TrackRequest{ID: "item-1", URL: "u"}, preset, nil)
	require.NoError(t, err)

	assert.True(t, strings.HasSuffix(res.Outputs.AudioPath, ".m4a"),
		"fast+auto keeps the downloaded container: %s", res.Outputs.AudioPath)
	for _, args := range runner.ffmpeg {
		assert.NotContains(t, args, "loudnorm", "fast mode never normalizes")
	}
}

func TestProcessVideoKind(t *testing.T) {
	inbox := t.TempDir()
	info := trackInfo()
	info["title"] = "How to DJ - Rekordbox Tutorial"
	info["categories"] = []string{}
	info["tags"] = []string{}
	runner := &toolRunner{t: t, info: info}
	svc := newTestService(t, runner, inbox)

	res, err := svc.Process(context.Background(),
		model.TrackRequest{ID: "item-1", URL: "u"}, model.DefaultPreset(), nil)
	require.NoError(t, err)

	assert.Empty(t, res.Outputs.AudioPath)
	assert.True(t, strings.HasSuffix(res.Outputs.VideoPath, ".mp4"))
	assert.Empty(t, runner.ffmpeg, "video items skip all audio processing")

	sc, err := sidecar.Read(sidecar.PathFor(res.Outputs.VideoPath))
	require.NoError(t, err)
	assert.Equal(t, model.KindVideo, sc.Classification.Kind)
	assert.Equal(t, "Other", sc.DJTags.Genre)
}

func TestProcessDownloadFailureCleansTemp(t *testing.T) {
	inbox := t.TempDir()
	runner := &toolRunner{t: t, info: trackInfo(), failDL: true}
	svc := newTestService(t, runner, inbox)

	_, err := svc.Process(context.Background(),
		model.TrackRequest{ID: "item-1", URL: "u"}, model.DefaultPreset(), nil)
	require.Error(t, err)
	assert.Equal(t, model.ErrUnavailable, model.KindOf(err))

	_, statErr := os.Stat(filepath.Join(inbox, tempDirPrefix+"abc123"))
	assert.True(t, os.IsNotExist(statErr), "temp dir removed on failure")
}

func TestProcessInvalidPreset(t *testing.T) {
	svc := newTestService(t, &toolRunner{t: t, info: trackInfo()}, t.TempDir())

	preset := model.DefaultPreset()
	preset.Loudness = model.LoudnessTarget{I: -40, TP: -1, LRA: 11}
	_, err := svc.Process(context.Background(), model.TrackRequest{ID: "i", URL: "u"}, preset, nil)
	require.Error(t, err)
	assert.Equal(t, model.ErrInputInvalid, model.KindOf(err))
}

func TestProcessSidecarWriteFailureRollsBack(t *testing.T) {
	inbox := t.TempDir()
	// Occupy the sidecar path with a directory so the atomic write
	// cannot land.
	blocked := filepath.Join(inbox, "Fisher - Losing It (Extended Mix)"+sidecar.Suffix)
	require.NoError(t, os.Mkdir(blocked, 0o755))

	runner := &toolRunner{t: t, info: trackInfo()}
	svc := newTestService(t, runner, inbox)

	_, err := svc.Process(context.Background(),
		model.TrackRequest{ID: "item-1", URL: "u"}, model.DefaultPreset(), nil)
	require.Error(t, err)
	assert.Equal(t, model.ErrProcessingError, model.KindOf(err))

	// No published file without its sidecar.
	_, statErr := os.Stat(filepath.Join(inbox, "Fisher - Losing It (Extended Mix).aiff"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestApplyCanonicalMatch(t *testing.T) {
	meta := model.NormalizedMeta{Artist: "Fisher", Title: "Losing It", Version: "Extended Mix"}
	match := &model.FingerprintMatch{Artist: "FISHER", Title: "Losing It", Album: "Losing It"}

	got, norm := applyCanonical(meta, match)
	assert.True(t, match.Applied, "artist spelling changed")
	assert.Equal(t, "FISHER", got.Artist)
	assert.Equal(t, "Extended Mix", got.Version, "plain canonical title keeps the parsed version")
	assert.Equal(t, "Losing It", norm.Album)
}

func TestApplyCanonicalIdenticalNamesNotApplied(t *testing.T) {
	meta := model.NormalizedMeta{Artist: "Fisher", Title: "Losing It"}
	match := &model.FingerprintMatch{Artist: "Fisher", Title: "Losing It", Score: 0.98}

	applyCanonical(meta, match)
	assert.False(t, match.Applied, "nothing changed, whatever the score")
}

func TestApplyCanonicalParentheticalTitleDropsVersion(t *testing.T) {
	meta := model.NormalizedMeta{Artist: "Fisher", Title: "Losing It", Version: "Extended Mix"}
	match := &model.FingerprintMatch{Artist: "Fisher", Title: "Losing It (Extended Mix)"}

	got, norm := applyCanonical(meta, match)
	assert.Empty(t, got.Version)
	assert.Empty(t, norm.Version)
	assert.Equal(t, "Losing It (Extended Mix)", got.Title)
}

func TestProcessCollisionGetsSuffix(t *testing.T) {
	inbox := t.TempDir()
	existing := filepath.Join(inbox, "Fisher - Losing It (Extended Mix).aiff")
	require.NoError(t, os.WriteFile(existing, []byte("prior"), 0o644))

	runner := &toolRunner{t: t, info: trackInfo()}
	svc := newTestService(t, runner, inbox)

	res, err := svc.Process(context.Background(),
		model.TrackRequest{ID: "item-1", URL: "u"}, model.DefaultPreset(), nil)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(inbox, "Fisher - Losing It (Extended Mix) (2).aiff"),
		res.Outputs.AudioPath)
}
