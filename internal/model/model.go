// Package model holds the core data types shared across the dropcrate
// pipeline: requests, presets, classifications, extractor output and
// per-item outcomes.
package model

import "fmt"

// TrackRequest is a single URL to acquire. ID is caller-chosen and must
// be unique within a job.
type TrackRequest struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// Kind is the media kind produced by classification.
type Kind string

const (
	KindTrack   Kind = "track"
	KindSet     Kind = "set"
	KindPodcast Kind = "podcast"
	KindVideo   Kind = "video"
	KindUnknown Kind = "unknown"
)

// DJTags is the four-field classification used by downstream DJ
// tooling. Empty strings mean "unspecified".
type DJTags struct {
	Genre  string `json:"genre"`
	Energy string `json:"energy"` // "1/5".."5/5" or ""
	Time   string `json:"time"`   // "Warmup", "Peak", "Closing" or ""
	Vibe   string `json:"vibe"`   // comma-joined vibe set or ""
}

// ClassificationSource records which classifier produced a result.
type ClassificationSource string

const (
	SourceHeuristic ClassificationSource = "heuristic"
	SourceLLM       ClassificationSource = "llm"
)

// Classification is the outcome of the heuristic or LLM classifier for
// one item.
type Classification struct {
	Kind       Kind                 `json:"kind"`
	Tags       DJTags               `json:"tags"`
	Confidence float64              `json:"confidence"`
	Notes      string               `json:"notes,omitempty"`
	Source     ClassificationSource `json:"source"`
}

// Thumbnail is one entry of the extractor's thumbnail list.
type Thumbnail struct {
	URL        string `json:"url"`
	Width      int    `json:"width,omitempty"`
	Height     int    `json:"height,omitempty"`
	Preference int    `json:"preference,omitempty"`
}

// ExtractedInfo is the subset of extractor metadata used downstream.
type ExtractedInfo struct {
	SourceID    string      `json:"sourceId"`
	Title       string      `json:"title"`
	Uploader    string      `json:"uploader"`
	Duration    float64     `json:"duration"`
	WebpageURL  string      `json:"webpage_url,omitempty"`
	Description string      `json:"description,omitempty"`
	Thumbnail   string      `json:"thumbnail,omitempty"`
	Thumbnails  []Thumbnail `json:"thumbnails,omitempty"`
	Categories  []string    `json:"categories,omitempty"`
	Tags        []string    `json:"tags,omitempty"`
}

// LoudnessTarget is the target for two-pass loudness normalization.
type LoudnessTarget struct {
	I   float64 `json:"i"`   // integrated loudness, LUFS
	TP  float64 `json:"tp"`  // true peak, dBTP
	LRA float64 `json:"lra"` // loudness range, LU
}

// DefaultLoudness is the shipping default for dj-safe processing.
var DefaultLoudness = LoudnessTarget{I: -14, TP: -1, LRA: 11}

// Validate rejects out-of-range loudness targets.
func (t LoudnessTarget) Validate() error {
	if t.I < -23 || t.I > -8 {
		return NewError(ErrInputInvalid, fmt.Errorf("loudness target I=%.1f outside [-23,-8] LUFS", t.I))
	}
	if t.TP < -5 || t.TP > 0 {
		return NewError(ErrInputInvalid, fmt.Errorf("loudness target TP=%.1f outside [-5,0] dBTP", t.TP))
	}
	if t.LRA < 5 || t.LRA > 20 {
		return NewError(ErrInputInvalid, fmt.Errorf("loudness target LRA=%.1f outside [5,20] LU", t.LRA))
	}
	return nil
}

// Mode selects the processing profile.
type Mode string

const (
	ModeDJSafe Mode = "dj-safe"
	ModeFast   Mode = "fast"
)

// AudioFormat is the requested output container/codec.
type AudioFormat string

const (
	FormatAIFF AudioFormat = "aiff"
	FormatWAV  AudioFormat = "wav"
	FormatFLAC AudioFormat = "flac"
	FormatMP3  AudioFormat = "mp3"
	FormatM4A  AudioFormat = "m4a"
	FormatAuto AudioFormat = "auto"
)

// Lossless reports whether the format is DJ-safe (uncompressed or
// losslessly compressed).
func (f AudioFormat) Lossless() bool {
	switch f {
	case FormatAIFF, FormatWAV, FormatFLAC:
		return true
	}
	return false
}

// ProcessingPreset controls per-item processing. Tags are
// caller-supplied DJ tag defaults; the classifier merge policy treats
// empty values (and "Other" for genre) as unset sentinels.
type ProcessingPreset struct {
	Mode             Mode           `json:"mode"`
	AudioFormat      AudioFormat    `json:"audio_format"`
	NormalizeEnabled bool           `json:"normalize_enabled"`
	Loudness         LoudnessTarget `json:"loudness"`
	Tags             DJTags         `json:"tags"`
}

// DefaultPreset is the dj-safe default used by both CLI and server.
func DefaultPreset() ProcessingPreset {
	return ProcessingPreset{
		Mode:             ModeDJSafe,
		AudioFormat:      FormatAIFF,
		NormalizeEnabled: true,
		Loudness:         DefaultLoudness,
	}
}

// Normalize enforces the preset invariants: fast mode never
// normalizes, dj-safe mode only emits lossless formats.
func (p ProcessingPreset) Normalize() ProcessingPreset {
	switch p.Mode {
	case ModeFast:
		p.NormalizeEnabled = false
	default:
		p.Mode = ModeDJSafe
		if !p.AudioFormat.Lossless() {
			p.AudioFormat = FormatAIFF
		}
	}
	if p.AudioFormat == "" {
		p.AudioFormat = FormatAuto
	}
	// Normalization re-encodes to PCM/FLAC, so a lossy target makes no
	// sense while it is on.
	if p.NormalizeEnabled && !p.AudioFormat.Lossless() {
		p.AudioFormat = FormatAIFF
	}
	if (p.Loudness == LoudnessTarget{}) {
		p.Loudness = DefaultLoudness
	}
	return p
}

// Validate checks the preset against the allowed enums and loudness
// ranges.
func (p ProcessingPreset) Validate() error {
	switch p.Mode {
	case ModeDJSafe, ModeFast, "":
	default:
		return NewError(ErrInputInvalid, fmt.Errorf("invalid mode %q", p.Mode))
	}
	switch p.AudioFormat {
	case FormatAIFF, FormatWAV, FormatFLAC, FormatMP3, FormatM4A, FormatAuto, "":
	default:
		return NewError(ErrInputInvalid, fmt.Errorf("invalid audio format %q", p.AudioFormat))
	}
	return p.Loudness.Validate()
}

// NormalizedMeta is the title normalizer's output: display-ready
// artist/title plus an optional version suffix ("Extended Mix", ...).
type NormalizedMeta struct {
	Artist  string `json:"artist"`
	Title   string `json:"title"`
	Version string `json:"version,omitempty"`
}

// FingerprintMatch is a canonical-metadata hit from the acoustic
// fingerprint lookup.
type FingerprintMatch struct {
	Provider    string  `json:"provider"`
	Score       float64 `json:"score"`
	RecordingID string  `json:"recordingId"`
	Artist      string  `json:"artist"`
	Title       string  `json:"title"`
	Album       string  `json:"album,omitempty"`
	Year        string  `json:"year,omitempty"`
	Label       string  `json:"label,omitempty"`
	Applied     bool    `json:"applied"`
}

// ItemStatus is the lifecycle state of a single item. Transitions are
// monotonic: queued -> running -> (done | error).
type ItemStatus string

const (
	StatusQueued  ItemStatus = "queued"
	StatusRunning ItemStatus = "running"
	StatusDone    ItemStatus = "done"
	StatusError   ItemStatus = "error"
)

// Outputs are the files published for one item.
type Outputs struct {
	AudioPath string `json:"audioPath,omitempty"`
	VideoPath string `json:"videoPath,omitempty"`
}

// ItemOutcome is the externally visible state of one item.
type ItemOutcome struct {
	ID        string     `json:"id"`
	Status    ItemStatus `json:"status"`
	Stage     string     `json:"stage,omitempty"`
	ErrorKind ErrorKind  `json:"errorKind,omitempty"`
	Outputs   *Outputs   `json:"outputs,omitempty"`
	Message   string     `json:"message,omitempty"`
}
