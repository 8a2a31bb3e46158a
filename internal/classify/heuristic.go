// Package classify produces DJ tags for extracted media metadata.
// The heuristic classifier is a deterministic total function; the LLM
// classifier is optional and falls back to it on any failure.
package classify

import (
	"fmt"
	"regexp"
	"strings"

	"dropcrate/internal/model"
)

// Genres is the closed DJ genre taxonomy, shared with the LLM schema.
var Genres = []string{
	"Afro House", "Amapiano",
	"Hard Techno", "Minimal Techno", "Acid Techno", "Peak Time Techno",
	"Melodic House & Techno", "Techno",
	"Tech House", "Progressive House", "Deep House", "Funky House",
	"Soulful House", "Jackin House", "Bass House", "House",
	"Drum & Bass", "Dubstep", "UK Garage", "Breaks",
	"Psytrance", "Uplifting Trance", "Trance",
	"Nu-Disco", "Disco", "Electro", "Downtempo",
	"Other",
}

// Energies and Times are the allowed slot values.
var (
	Energies = []string{"1/5", "2/5", "3/5", "4/5", "5/5"}
	Times    = []string{"Warmup", "Peak", "Closing"}
	Vibes    = []string{
		"Organic", "Tribal", "Latin", "Minimal", "Dark",
		"Vocal", "Instrumental", "Driving", "Hypnotic",
	}
)

type genreRule struct {
	genre string
	re    *regexp.Regexp
}

// genreRules is ordered: more specific entries must precede the
// generic "techno"/"house"/"trance" catch-alls.
var genreRules = []genreRule{
	mkGenre("Afro House", `afro[ -]?house`),
	mkGenre("Amapiano", `amapiano`),
	mkGenre("Melodic House & Techno", `melodic (house|techno)`),
	mkGenre("Hard Techno", `hard[ -]?techno`),
	mkGenre("Minimal Techno", `minimal techno`),
	mkGenre("Acid Techno", `acid techno`),
	mkGenre("Peak Time Techno", `peak[ -]?time techno`),
	mkGenre("Tech House", `tech[ -]?house`),
	mkGenre("Progressive House", `progressive house`),
	mkGenre("Deep House", `deep house`),
	mkGenre("Funky House", `funky house`),
	mkGenre("Soulful House", `soulful house`),
	mkGenre("Jackin House", `jackin'? house`),
	mkGenre("Bass House", `bass house`),
	mkGenre("Drum & Bass", `drum (&|and) bass|\bdnb\b|\bd&b\b`),
	mkGenre("Dubstep", `dubstep`),
	mkGenre("UK Garage", `uk garage|\bukg\b|2[ -]?step`),
	mkGenre("Breaks", `break(s|beat)`),
	mkGenre("Psytrance", `psy[ -]?trance|\bgoa\b`),
	mkGenre("Uplifting Trance", `uplifting trance`),
	mkGenre("Nu-Disco", `nu[ -]?disco`),
	mkGenre("Disco", `\bdisco\b`),
	mkGenre("Electro", `\belectro\b`),
	mkGenre("Downtempo", `downtempo|chill[ -]?out|\bambient\b`),
	mkGenre("Trance", `\btrance\b`),
	mkGenre("Techno", `\btechno\b`),
	mkGenre("House", `\bhouse\b`),
}

func mkGenre(genre, pattern string) genreRule {
	return genreRule{genre: genre, re: regexp.MustCompile(`(?i)` + pattern)}
}

var tutorialCues = []string{
	"how to dj", "tutorial", "lesson", "masterclass",
	"rekordbox", "serato", "traktor", "cdj", "beatmatch",
}

var setCues = []string{
	"dj set", "live set", "dj mix", "boiler room",
	"essential mix", "session", "radio show", "b2b",
}

var podcastCues = []string{"podcast", "episode", "interview"}

var musicCues = []string{
	"official audio", "premiere", "out now", "records", "remix",
	"original mix", "extended mix",
}

var vibeRules = []struct {
	vibe string
	keys []string
}{
	{"Organic", []string{"organic", "earthy", "nature"}},
	{"Tribal", []string{"tribal", "percussive"}},
	{"Latin", []string{"latin", "latino"}},
	{"Minimal", []string{"minimal", "stripped"}},
	{"Dark", []string{"dark", "brooding", "industrial"}},
	{"Vocal", []string{"vocal", "acapella"}},
	{"Instrumental", []string{"instrumental"}},
	{"Driving", []string{"driving", "pumping", "relentless"}},
	{"Hypnotic", []string{"hypnotic", "trippy", "looping"}},
}

const (
	minSetDuration     = 20 * 60 // seconds
	minPodcastDuration = 15 * 60
)

// Heuristic classifies extracted metadata without any external calls.
// It is a total function: every input yields a classification.
func Heuristic(info model.ExtractedInfo) model.Classification {
	haystack := strings.ToLower(info.Title + "\n" + info.Uploader + "\n" + info.Description)
	for _, t := range info.Tags {
		haystack += "\n" + strings.ToLower(t)
	}
	for _, c := range info.Categories {
		haystack += "\n" + strings.ToLower(c)
	}

	genre := matchGenre(haystack)
	musicSignal := genre != "" || hasMusicCategory(info) || containsAny(haystack, musicCues)

	kind := decideKind(haystack, info, musicSignal)

	energy, timeSlot := matchEnergyTime(haystack)
	vibe := matchVibes(haystack)

	confidence := 0.0
	if kind != model.KindUnknown {
		confidence += 0.25
	}
	if musicSignal {
		confidence += 0.15
	}
	if genre != "" {
		confidence += 0.4
	}
	if energy != "" || timeSlot != "" {
		confidence += 0.15
	}
	if vibe != "" {
		confidence += 0.1
	}
	if confidence > 1 {
		confidence = 1
	}

	cls := model.Classification{
		Kind:       kind,
		Confidence: confidence,
		Source:     model.SourceHeuristic,
	}

	switch kind {
	case model.KindVideo:
		cls.Notes = "Looks like a video (tutorial or non-music content); DJ tags not applicable."
	case model.KindPodcast:
		cls.Notes = "Looks like a podcast episode; DJ tags not applicable."
	case model.KindUnknown:
		cls.Notes = "Not enough metadata to classify."
	default:
		if genre == "" {
			genre = "Other"
		}
		cls.Tags = model.DJTags{Genre: genre, Energy: energy, Time: timeSlot, Vibe: vibe}
		if genre != "Other" {
			cls.Notes = fmt.Sprintf("Matched %q from title/description keywords.", genre)
		}
	}
	return cls
}

func decideKind(haystack string, info model.ExtractedInfo, musicSignal bool) model.Kind {
	longEnough := func(min float64) bool {
		return info.Duration <= 0 || info.Duration >= min
	}
	switch {
	case containsAny(haystack, tutorialCues):
		return model.KindVideo
	case containsAny(haystack, setCues) && longEnough(minSetDuration):
		return model.KindSet
	case containsAny(haystack, podcastCues) && info.Duration >= minPodcastDuration:
		return model.KindPodcast
	case musicSignal:
		return model.KindTrack
	case strings.TrimSpace(info.Title) != "":
		return model.KindVideo
	default:
		return model.KindUnknown
	}
}

func matchGenre(haystack string) string {
	for _, r := range genreRules {
		if r.re.MatchString(haystack) {
			return r.genre
		}
	}
	return ""
}

func matchEnergyTime(haystack string) (energy, timeSlot string) {
	switch {
	case containsAny(haystack, []string{"warmup", "warm-up", "warm up", "opening"}):
		return "2/5", "Warmup"
	case containsAny(haystack, []string{"peak time", "peaktime", "festival", "main stage", "mainstage", "peak"}):
		return "4/5", "Peak"
	case containsAny(haystack, []string{"closing", "afterhours", "after hours"}):
		return "3/5", "Closing"
	}
	return "", ""
}

func matchVibes(haystack string) string {
	var hits []string
	for _, r := range vibeRules {
		if containsAny(haystack, r.keys) {
			hits = append(hits, r.vibe)
		}
	}
	return strings.Join(hits, ", ")
}

func hasMusicCategory(info model.ExtractedInfo) bool {
	for _, c := range info.Categories {
		if strings.EqualFold(c, "music") {
			return true
		}
	}
	return false
}

func containsAny(s string, keys []string) bool {
	for _, k := range keys {
		if strings.Contains(s, k) {
			return true
		}
	}
	return false
}
