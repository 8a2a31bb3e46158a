// Package titlenorm turns raw source titles into display-ready
// {artist, title, version} metadata. Everything in here is pure string
// processing with no I/O.
package titlenorm

import (
	"regexp"
	"strings"

	"dropcrate/internal/model"
)

const (
	UnknownArtist = "Unknown Artist"
	UnknownTitle  = "Unknown Title"
)

// Ordered: the first separator found wins.
var separators = []string{" - ", " – ", " — ", " | "}

var (
	bracketRe    = regexp.MustCompile(`\[[^\]]*\]`)
	emptyParenRe = regexp.MustCompile(`\(\s*\)`)
	spaceRe      = regexp.MustCompile(`\s+`)
	trailParenRe = regexp.MustCompile(`\(([^)]*)\)\s*$`)
)

// junkRes match noise suffixes sources append to titles. Longer
// phrases first so shorter ones don't leave fragments behind.
var junkRes = func() []*regexp.Regexp {
	phrases := []string{
		"official music video",
		"official video",
		"official audio",
		"official visualiser",
		"official visualizer",
		"lyric video",
		"lyrics",
		"lyric",
		"visualiser",
		"visualizer",
		"full album",
		"8k",
		"4k",
		"hd",
	}
	res := make([]*regexp.Regexp, 0, len(phrases))
	for _, p := range phrases {
		res = append(res, regexp.MustCompile(`(?i)\b`+regexp.QuoteMeta(p)+`\b`))
	}
	return res
}()

// versionKeywords mark a trailing parenthetical as a mix/version tag.
var versionKeywords = []string{
	"original mix",
	"extended mix",
	"radio edit",
	"club mix",
	"vip mix",
	"bootleg",
	"rework",
	"remix",
	"dub",
	"edit",
	"vip",
	"mix",
}

// fixedForms are artist spellings title-casing must not touch, keyed by
// lowercase.
var fixedForms = map[string]string{
	"jay-z":        "JAY-Z",
	"the weeknd":   "The Weeknd",
	"j. cole":      "J. Cole",
	"a$ap":         "A$AP",
	"t-pain":       "T-Pain",
	"6lack":        "6LACK",
	"xxxtentacion": "XXXTentacion",
}

// connectors stay lowercase unless they open the name.
var connectors = map[string]bool{
	"the": true, "a": true, "feat.": true, "ft.": true,
	"x": true, "vs.": true, "and": true, "or": true, "of": true,
}

// Normalize converts a raw source title plus uploader into
// {artist, title, version}. Re-running it on its own rendering
// ("Artist - Title (Version)") is stable within title-case
// equivalence.
func Normalize(rawTitle, uploader string) model.NormalizedMeta {
	cleaned := clean(rawTitle)

	artist, title, found := splitArtistTitle(cleaned)
	if !found {
		artist = strings.TrimSpace(uploader)
		if artist == "" {
			artist = UnknownArtist
		}
		title = cleaned
	}

	title, version := extractVersion(title)

	artist = titleCaseArtist(artist)
	title = strings.TrimSpace(title)
	if title == "" {
		title = UnknownTitle
	}
	if artist == "" {
		artist = UnknownArtist
	}

	return model.NormalizedMeta{Artist: artist, Title: title, Version: version}
}

// DisplayTitle renders the canonical "Title (Version)" form.
func DisplayTitle(meta model.NormalizedMeta) string {
	if meta.Version == "" {
		return meta.Title
	}
	return meta.Title + " (" + meta.Version + ")"
}

func clean(s string) string {
	s = bracketRe.ReplaceAllString(s, " ")
	for _, re := range junkRes {
		s = re.ReplaceAllString(s, " ")
	}
	s = emptyParenRe.ReplaceAllString(s, " ")
	return strings.TrimSpace(spaceRe.ReplaceAllString(s, " "))
}

func splitArtistTitle(s string) (artist, title string, found bool) {
	bestIdx := -1
	bestSep := ""
	for _, sep := range separators {
		if i := strings.Index(s, sep); i >= 0 && (bestIdx < 0 || i < bestIdx) {
			bestIdx = i
			bestSep = sep
		}
	}
	if bestIdx < 0 {
		return "", s, false
	}
	return strings.TrimSpace(s[:bestIdx]), strings.TrimSpace(s[bestIdx+len(bestSep):]), true
}

// HadSeparator reports whether the raw title carries a clear
// "artist - title" separator. The fingerprint matcher raises its score
// threshold when it does.
func HadSeparator(rawTitle string) bool {
	_, _, found := splitArtistTitle(clean(rawTitle))
	return found
}

func extractVersion(title string) (string, string) {
	m := trailParenRe.FindStringSubmatchIndex(title)
	if m == nil {
		return title, ""
	}
	content := strings.TrimSpace(title[m[2]:m[3]])
	lower := strings.ToLower(content)
	for _, kw := range versionKeywords {
		if strings.Contains(lower, kw) {
			rest := strings.TrimSpace(title[:m[0]])
			return rest, titleCaseWords(content)
		}
	}
	return title, ""
}

func titleCaseArtist(artist string) string {
	artist = strings.TrimSpace(artist)
	if artist == "" {
		return ""
	}
	if fixed, ok := fixedForms[strings.ToLower(artist)]; ok {
		return fixed
	}

	words := strings.Fields(artist)
	for i, w := range words {
		lower := strings.ToLower(w)
		switch {
		case fixedForms[lower] != "":
			words[i] = fixedForms[lower]
		case isShortAllCaps(w):
			// "DJ", "MC", "ATB" stay as written.
		case i > 0 && connectors[lower]:
			words[i] = lower
		default:
			words[i] = capitalize(lower)
		}
	}
	return strings.Join(words, " ")
}

func titleCaseWords(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		lower := strings.ToLower(w)
		if i > 0 && connectors[lower] {
			words[i] = lower
			continue
		}
		if isShortAllCaps(w) {
			continue
		}
		words[i] = capitalize(lower)
	}
	return strings.Join(words, " ")
}

// isShortAllCaps detects initialisms worth preserving. Longer all-caps
// runs are treated as shouting and folded to title case.
func isShortAllCaps(w string) bool {
	if len(w) < 2 || len(w) > 3 {
		return false
	}
	for _, r := range w {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}

func capitalize(lower string) string {
	for i, r := range lower {
		if r >= 'a' && r <= 'z' {
			return lower[:i] + strings.ToUpper(string(r)) + lower[i+len(string(r)):]
		}
		if r >= '0' && r <= '9' {
			// Leading digits keep the word as-is ("24hrs").
			return lower
		}
	}
	return lower
}
