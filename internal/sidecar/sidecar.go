// Package sidecar reads and writes the per-track JSON metadata files
// published next to finished audio, and scans a library directory for
// them.
package sidecar

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"

	"dropcrate/internal/model"
)

// Suffix marks sidecar files in the inbox.
const Suffix = ".dropcrate.json"

// Normalized is the display metadata block, enriched with canonical
// release info when a fingerprint match was applied.
type Normalized struct {
	Artist  string `json:"artist"`
	Title   string `json:"title"`
	Version string `json:"version,omitempty"`
	Album   string `json:"album,omitempty"`
	Year    string `json:"year,omitempty"`
	Label   string `json:"label,omitempty"`
}

// Normalization is the loudness block of the processing record.
type Normalization struct {
	Enabled   bool    `json:"enabled"`
	TargetI   float64 `json:"targetI"`
	TargetTP  float64 `json:"targetTP"`
	TargetLRA float64 `json:"targetLRA"`
}

// Processing records how the published file was produced.
type Processing struct {
	Mode        model.Mode        `json:"mode"`
	AudioFormat model.AudioFormat `json:"audioFormat"`
	Normalize   Normalization     `json:"normalize"`
}

// ProcessingFor converts a preset into the sidecar's processing
// record. Callers overwrite AudioFormat with the resolved format when
// the preset said "auto".
func ProcessingFor(p model.ProcessingPreset) Processing {
	return Processing{
		Mode:        p.Mode,
		AudioFormat: p.AudioFormat,
		Normalize: Normalization{
			Enabled:   p.NormalizeEnabled,
			TargetI:   p.Loudness.I,
			TargetTP:  p.Loudness.TP,
			TargetLRA: p.Loudness.LRA,
		},
	}
}

// Sidecar is the JSON document published alongside each output file.
type Sidecar struct {
	SourceURL        string                  `json:"sourceUrl"`
	SourceID         string                  `json:"sourceId"`
	Title            string                  `json:"title"` // raw source title
	Uploader         string                  `json:"uploader,omitempty"`
	Duration         float64                 `json:"duration,omitempty"`
	DownloadedAt     time.Time               `json:"downloadedAt"`
	Normalized       Normalized              `json:"normalized"`
	Classification   *model.Classification   `json:"classification,omitempty"`
	FingerprintMatch *model.FingerprintMatch `json:"fingerprintMatch,omitempty"`
	DJTags           model.DJTags            `json:"djDefaults"`
	Processing       Processing              `json:"processing"`
	Outputs          model.Outputs           `json:"outputs"`
}

// PathFor returns the sidecar path for a published audio file: the
// audio path with its extension swapped for the sidecar suffix.
func PathFor(audioPath string) string {
	ext := filepath.Ext(audioPath)
	return strings.TrimSuffix(audioPath, ext) + Suffix
}

// Write persists sc at path through a temp file and atomic rename.
func Write(path string, sc Sidecar) error {
	data, err := json.MarshalIndent(sc, "", "  ")
	if err != nil {
		return err
	}
	return renameio.WriteFile(path, append(data, '\n'), 0o644)
}

// Read loads one sidecar file.
func Read(path string) (Sidecar, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Sidecar{}, err
	}
	var sc Sidecar
	if err := json.Unmarshal(data, &sc); err != nil {
		return Sidecar{}, err
	}
	return sc, nil
}

// Entry is one library listing: a sidecar plus where it was found.
type Entry struct {
	Sidecar
	SidecarPath string `json:"sidecarPath"`
}

// Scan walks dir for sidecar files and returns entries with a
// published audio output, newest first. Unparsable files are logged
// and skipped rather than failing the scan.
func Scan(dir string, log zerolog.Logger) ([]Entry, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*"+Suffix))
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(matches))
	for _, path := range matches {
		sc, err := Read(path)
		if err != nil {
			log.Warn().Err(err).Str("path", path).Msg("skipping unreadable sidecar")
			continue
		}
		if sc.Outputs.AudioPath == "" {
			continue
		}
		entries = append(entries, Entry{Sidecar: sc, SidecarPath: path})
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].DownloadedAt.After(entries[j].DownloadedAt)
	})
	return entries, nil
}
