package ffmpeg

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dropcrate/internal/model"
	"dropcrate/internal/util"
)

const measureStderr = `
[Parsed_loudnorm_0 @ 0x55] summary noise
{
	"input_i" : "-8.34",
	"input_tp" : "0.10",
	"input_lra" : "4.20",
	"input_thresh" : "-18.51",
	"output_i" : "-14.02",
	"target_offset" : "0.32"
}
`

// fakeRunner records invocations and optionally touches the output
// file the real ffmpeg would have produced.
type fakeRunner struct {
	specs  []util.CmdSpec
	stderr []string // per call, cycled
	err    error
	touch  bool
}

func (f *fakeRunner) Run(_ context.Context, spec util.CmdSpec) (util.CmdResult, error) {
	f.specs = append(f.specs, spec)
	var stderr string
	if len(f.stderr) > 0 {
		stderr = f.stderr[(len(f.specs)-1)%len(f.stderr)]
	}
	if f.err != nil {
		return util.CmdResult{Stderr: []byte(stderr), Code: 1, Err: f.err}, f.err
	}
	if f.touch && len(spec.Args) > 0 {
		out := spec.Args[len(spec.Args)-1]
		if out != "-" {
			os.WriteFile(out, []byte("audio"), 0o644)
		}
	}
	return util.CmdResult{Stderr: []byte(stderr), Code: 0}, nil
}

func TestParseMeasurement(t *testing.T) {
	m, ok := parseMeasurement(measureStderr)
	require.True(t, ok)
	assert.Equal(t, "-8.34", m.InputI)
	assert.Equal(t, "0.10", m.InputTP)
	assert.Equal(t, "4.20", m.InputLRA)
	assert.Equal(t, "-18.51", m.InputThresh)
	assert.Equal(t, "0.32", m.Offset)
}

func TestParseMeasurementPicksLastJSON(t *testing.T) {
	noisy := `{"unrelated": true}` + measureStderr
	m, ok := parseMeasurement(noisy)
	require.True(t, ok)
	assert.Equal(t, "-8.34", m.InputI)

	_, ok = parseMeasurement("frame=100 no json here")
	assert.False(t, ok)
}

func TestNormalizeTwoPass(t *testing.T) {
	runner := &fakeRunner{stderr: []string{measureStderr, ""}, touch: true}
	p := New("ffmpeg", WithRunner(runner))

	out := filepath.Join(t.TempDir(), "out.aiff")
	err := p.Normalize(context.Background(), "in.m4a", out,
		model.LoudnessTarget{I: -14, TP: -1, LRA: 11}, model.FormatAIFF)
	require.NoError(t, err)
	require.Len(t, runner.specs, 2)

	pass1 := strings.Join(runner.specs[0].Args, " ")
	assert.Contains(t, pass1, "loudnorm=I=-14:TP=-1:LRA=11:print_format=json")
	assert.Contains(t, pass1, "-f null -")

	pass2 := strings.Join(runner.specs[1].Args, " ")
	assert.Contains(t, pass2, "measured_I=-8.34")
	assert.Contains(t, pass2, "measured_TP=0.10")
	assert.Contains(t, pass2, "offset=0.32")
	assert.Contains(t, pass2, "linear=true")
	assert.Contains(t, pass2, "-ar 44100")
	assert.Contains(t, pass2, "-c:a pcm_s16be")
	assert.Contains(t, pass2, out)
}

func TestNormalizeFailsWithoutMeasurement(t *testing.T) {
	runner := &fakeRunner{stderr: []string{"no json"}}
	p := New("ffmpeg", WithRunner(runner))

	err := p.Normalize(context.Background(), "in.m4a", "out.aiff",
		model.DefaultLoudness, model.FormatAIFF)
	require.Error(t, err)
	assert.Equal(t, model.ErrProcessingError, model.KindOf(err))
}

func TestTranscodeCodecs(t *testing.T) {
	tests := []struct {
		format model.AudioFormat
		want   string
	}{
		{model.FormatAIFF, "-c:a pcm_s16be"},
		{model.FormatWAV, "-c:a pcm_s16le"},
		{model.FormatFLAC, "-c:a flac"},
		{model.FormatMP3, "-c:a libmp3lame -q:a 0"},
		{model.FormatM4A, "-c:a aac -b:a 256k"},
	}
	for _, tt := range tests {
		t.Run(string(tt.format), func(t *testing.T) {
			runner := &fakeRunner{touch: true}
			p := New("ffmpeg", WithRunner(runner))
			out := filepath.Join(t.TempDir(), "out."+string(tt.format))

			require.NoError(t, p.Transcode(context.Background(), "in.m4a", out, tt.format))
			args := strings.Join(runner.specs[0].Args, " ")
			assert.Contains(t, args, tt.want)
			assert.Contains(t, args, "-vn")
		})
	}
}

func TestApplyTagsMP3(t *testing.T) {
	dir := t.TempDir()
	audio := filepath.Join(dir, "track.mp3")
	require.NoError(t, os.WriteFile(audio, []byte("orig"), 0o644))

	runner := &fakeRunner{touch: true}
	p := New("ffmpeg", WithRunner(runner))

	tags := TagSet{
		Artist:  "FISHER",
		Title:   "Losing It",
		Genre:   "Tech House",
		Comment: "ENERGY: 4/5",
	}
	require.NoError(t, p.ApplyTags(context.Background(), audio, model.FormatMP3, tags, filepath.Join(dir, "art.jpg")))

	args := strings.Join(runner.specs[0].Args, " ")
	assert.Contains(t, args, "-id3v2_version 3")
	assert.Contains(t, args, "-disposition:v attached_pic")
	assert.Contains(t, args, "-metadata artist=FISHER")
	assert.Contains(t, args, "-metadata:s:a artist=FISHER", "tags written at stream scope too")
	assert.Contains(t, args, "-metadata:s:a title=Losing It")
	assert.Contains(t, args, "comment=ENERGY: 4/5")
	assert.NotContains(t, args, "date=", "empty tags are skipped")

	// The tagged temp replaced the original.
	_, err := os.Stat(audio)
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "track.tagged.mp3"))
	assert.True(t, os.IsNotExist(err))
}

func TestApplyTagsWAVSkipsArtwork(t *testing.T) {
	dir := t.TempDir()
	audio := filepath.Join(dir, "track.wav")
	require.NoError(t, os.WriteFile(audio, []byte("orig"), 0o644))

	runner := &fakeRunner{touch: true}
	p := New("ffmpeg", WithRunner(runner))

	require.NoError(t, p.ApplyTags(context.Background(), audio, model.FormatWAV, TagSet{Title: "x"}, "art.jpg"))
	args := strings.Join(runner.specs[0].Args, " ")
	assert.NotContains(t, args, "attached_pic")
	assert.Contains(t, args, "-write_id3v2 1")
}

func TestRunCleansUpOnFailure(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out.aiff")
	require.NoError(t, os.WriteFile(out, []byte("partial"), 0o644))

	runner := &fakeRunner{err: fmt.Errorf("boom"), stderr: []string{"x\nActual error line"}}
	p := New("ffmpeg", WithRunner(runner))

	err := p.Transcode(context.Background(), "in.m4a", out, model.FormatAIFF)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Actual error line")
	_, statErr := os.Stat(out)
	assert.True(t, os.IsNotExist(statErr), "partial output removed")
}
