package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"dropcrate/internal/model"
)

// extFormats maps downloaded file extensions to output formats the
// fast path can keep as-is.
var extFormats = map[string]model.AudioFormat{
	".aiff": model.FormatAIFF,
	".aif":  model.FormatAIFF,
	".wav":  model.FormatWAV,
	".flac": model.FormatFLAC,
	".mp3":  model.FormatMP3,
	".m4a":  model.FormatM4A,
}

// resolveFormat turns an "auto" preset format into a concrete one.
// Normalization always re-encodes, so auto resolves to AIFF there; the
// fast path keeps the downloaded container when it is one we know,
// falling back to M4A otherwise.
func resolveFormat(preset model.ProcessingPreset, downloadedPath string) model.AudioFormat {
	if preset.AudioFormat != model.FormatAuto && preset.AudioFormat != "" {
		return preset.AudioFormat
	}
	if preset.NormalizeEnabled || preset.Mode == model.ModeDJSafe {
		return model.FormatAIFF
	}
	if f, ok := extFormats[strings.ToLower(filepath.Ext(downloadedPath))]; ok {
		return f
	}
	return model.FormatM4A
}

// needsTranscode reports whether the downloaded file already matches
// the target format.
func needsTranscode(downloadedPath string, format model.AudioFormat) bool {
	f, ok := extFormats[strings.ToLower(filepath.Ext(downloadedPath))]
	return !ok || f != format
}

// bestThumbnail picks the artwork candidate with the largest area,
// breaking ties by the extractor's own preference ranking. Falls back
// to the single thumbnail URL when the list is empty.
func bestThumbnail(info model.ExtractedInfo) string {
	best := ""
	bestScore := -1 << 62
	for _, t := range info.Thumbnails {
		if t.URL == "" {
			continue
		}
		score := t.Width*t.Height + t.Preference
		if score > bestScore {
			bestScore = score
			best = t.URL
		}
	}
	if best == "" {
		return info.Thumbnail
	}
	return best
}

// buildComment renders the DJ tag comment block embedded in the output
// file. Empty fields are omitted; the source lines are always present.
func buildComment(tags model.DJTags, info model.ExtractedInfo) string {
	var b strings.Builder
	line := func(key, val string) {
		if val == "" {
			return
		}
		fmt.Fprintf(&b, "%s: %s\n", key, val)
	}
	line("ENERGY", tags.Energy)
	line("TIME", tags.Time)
	line("VIBE", tags.Vibe)
	line("SOURCE", "YouTube")
	line("URL", info.WebpageURL)
	line("YOUTUBE_ID", info.SourceID)
	return strings.TrimRight(b.String(), "\n")
}

// uniquePath returns path, or the first "name (n).ext" variant that
// does not exist yet.
func uniquePath(path string) string {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return path
	}
	ext := filepath.Ext(path)
	base := strings.TrimSuffix(path, ext)
	for n := 2; ; n++ {
		candidate := fmt.Sprintf("%s (%d)%s", base, n, ext)
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
	}
}
