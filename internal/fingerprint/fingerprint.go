// Package fingerprint identifies downloaded audio through Chromaprint
// fingerprints, the AcoustID lookup service and MusicBrainz canonical
// metadata. The whole stage is best-effort: every failure maps to
// FingerprintUnavailable and the pipeline continues without a match.
package fingerprint

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"dropcrate/internal/model"
	"dropcrate/internal/util"
)

const (
	acoustidEndpoint    = "https://api.acoustid.org/v2/lookup"
	musicbrainzEndpoint = "https://musicbrainz.org/ws/2/recording/"

	fpcalcTimeout = 60 * time.Second
	lookupTimeout = 25 * time.Second

	// Score thresholds for applying canonical metadata. Titles that
	// already carried an "artist - title" separator get the stricter
	// bar; their heuristic parse is usually right, so only a very
	// confident match may override it.
	strictThreshold  = 0.95
	relaxedThreshold = 0.85
)

// Matcher runs the fingerprint lookup chain. A zero API key or fpcalc
// path disables it.
type Matcher struct {
	fpcalcPath string
	apiKey     string
	userAgent  string

	acoustidURL    string
	musicbrainzURL string

	runner util.CmdRunner
	client *http.Client
	cache  *Cache
	log    zerolog.Logger
}

// Option configures a Matcher.
type Option func(*Matcher)

// WithRunner injects a custom command runner (useful for testing).
func WithRunner(r util.CmdRunner) Option {
	return func(m *Matcher) { m.runner = r }
}

// WithHTTPClient injects the client used for lookup requests.
func WithHTTPClient(c *http.Client) Option {
	return func(m *Matcher) { m.client = c }
}

// WithCache attaches a persistent lookup cache.
func WithCache(c *Cache) Option {
	return func(m *Matcher) { m.cache = c }
}

// WithLogger attaches a logger.
func WithLogger(log zerolog.Logger) Option {
	return func(m *Matcher) { m.log = log }
}

// New constructs a Matcher. fpcalcPath or apiKey may be empty, in which
// case Lookup reports the stage as unavailable.
func New(fpcalcPath, apiKey, userAgent string, opts ...Option) *Matcher {
	m := &Matcher{
		fpcalcPath:     fpcalcPath,
		apiKey:         apiKey,
		userAgent:      userAgent,
		acoustidURL:    acoustidEndpoint,
		musicbrainzURL: musicbrainzEndpoint,
		log:            zerolog.Nop(),
	}
	for _, o := range opts {
		o(m)
	}
	if m.runner == nil {
		m.runner = util.NewDefaultRunner()
	}
	if m.client == nil {
		m.client = &http.Client{Timeout: lookupTimeout}
	}
	return m
}

// Available reports whether the lookup chain is configured.
func (m *Matcher) Available() bool {
	return m.fpcalcPath != "" && m.apiKey != ""
}

// Lookup fingerprints audioPath and resolves canonical metadata.
// strictTitle selects the higher score threshold. Returns (nil, nil)
// when the matcher is unconfigured or no result clears the per-call
// threshold; MusicBrainz is only consulted for results that do. A
// non-nil error always carries FingerprintUnavailable.
func (m *Matcher) Lookup(ctx context.Context, audioPath string, strictTitle bool) (*model.FingerprintMatch, error) {
	if !m.Available() {
		return nil, nil
	}

	duration, fp, err := m.fingerprint(ctx, audioPath)
	if err != nil {
		return nil, unavailable(err)
	}

	threshold := relaxedThreshold
	if strictTitle {
		threshold = strictThreshold
	}

	key := cacheKey(duration, fp)
	if m.cache != nil {
		if match, ok := m.cache.Get(key); ok {
			m.log.Debug().Str("key", key[:8]).Bool("hit", match != nil).Msg("fingerprint cache hit")
			if match == nil || match.Score < threshold {
				return nil, nil
			}
			return match, nil
		}
	}

	score, recordingID, err := m.lookupAcoustID(ctx, duration, fp)
	if err != nil {
		return nil, unavailable(err)
	}
	if recordingID == "" || score < threshold {
		// A score under the relaxed bar is a miss for every future
		// call; scores between the two bars stay uncached so a later
		// relaxed lookup can still resolve them.
		if m.cache != nil && score < relaxedThreshold {
			m.cachePut(key, nil)
		}
		return nil, nil
	}

	match, err := m.lookupMusicBrainz(ctx, recordingID)
	if err != nil {
		return nil, unavailable(err)
	}
	if match == nil {
		return nil, nil
	}
	match.Provider = "acoustid"
	match.Score = score
	match.RecordingID = recordingID
	if m.cache != nil {
		m.cachePut(key, match)
	}
	return match, nil
}

func (m *Matcher) cachePut(key string, match *model.FingerprintMatch) {
	if err := m.cache.Put(key, match); err != nil {
		m.log.Warn().Err(err).Msg("fingerprint cache write failed")
	}
}

type fpcalcOutput struct {
	Duration    float64 `json:"duration"`
	Fingerprint string  `json:"fingerprint"`
}

func (m *Matcher) fingerprint(ctx context.Context, audioPath string) (int, string, error) {
	res, err := m.runner.Run(ctx, util.CmdSpec{
		Path:          m.fpcalcPath,
		Args:          []string{"-json", audioPath},
		Timeout:       fpcalcTimeout,
		CaptureStdout: true,
	})
	if err != nil {
		return 0, "", fmt.Errorf("fpcalc: %w", err)
	}
	var out fpcalcOutput
	if err := json.Unmarshal(res.Stdout, &out); err != nil {
		return 0, "", fmt.Errorf("parse fpcalc output: %w", err)
	}
	if out.Fingerprint == "" {
		return 0, "", fmt.Errorf("fpcalc produced no fingerprint")
	}
	return int(out.Duration + 0.5), out.Fingerprint, nil
}

func cacheKey(duration int, fp string) string {
	sum := sha1.Sum([]byte(fmt.Sprintf("%d:%s", duration, fp)))
	return hex.EncodeToString(sum[:])
}

type acoustidResponse struct {
	Status  string `json:"status"`
	Results []struct {
		Score      float64 `json:"score"`
		Recordings []struct {
			ID string `json:"id"`
		} `json:"recordings"`
	} `json:"results"`
}

// lookupAcoustID posts the fingerprint and returns the best-scoring
// recording. An empty recording id means no usable result.
func (m *Matcher) lookupAcoustID(ctx context.Context, duration int, fp string) (float64, string, error) {
	ctx, cancel := context.WithTimeout(ctx, lookupTimeout)
	defer cancel()

	form := url.Values{
		"client":      {m.apiKey},
		"duration":    {strconv.Itoa(duration)},
		"fingerprint": {fp},
		"meta":        {"recordingids"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.acoustidURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", m.userAgent)

	resp, err := m.client.Do(req)
	if err != nil {
		return 0, "", fmt.Errorf("acoustid request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, "", fmt.Errorf("acoustid status %d", resp.StatusCode)
	}

	var parsed acoustidResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&parsed); err != nil {
		return 0, "", fmt.Errorf("decode acoustid response: %w", err)
	}
	if parsed.Status != "ok" {
		return 0, "", fmt.Errorf("acoustid status %q", parsed.Status)
	}

	bestScore := 0.0
	bestRecording := ""
	for _, r := range parsed.Results {
		if r.Score > bestScore && len(r.Recordings) > 0 {
			bestScore = r.Score
			bestRecording = r.Recordings[0].ID
		}
	}
	return bestScore, bestRecording, nil
}

type mbRecording struct {
	Title        string `json:"title"`
	ArtistCredit []struct {
		Name string `json:"name"`
	} `json:"artist-credit"`
	Releases []struct {
		Title     string `json:"title"`
		Status    string `json:"status"`
		Date      string `json:"date"`
		LabelInfo []struct {
			Label struct {
				Name string `json:"name"`
			} `json:"label"`
		} `json:"label-info"`
	} `json:"releases"`
}

// lookupMusicBrainz resolves a recording id to canonical metadata.
// Official releases are preferred when picking album/year/label.
func (m *Matcher) lookupMusicBrainz(ctx context.Context, recordingID string) (*model.FingerprintMatch, error) {
	ctx, cancel := context.WithTimeout(ctx, lookupTimeout)
	defer cancel()

	u := m.musicbrainzURL + url.PathEscape(recordingID) + "?inc=artists+releases+labels&fmt=json"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", m.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("musicbrainz request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("musicbrainz status %d", resp.StatusCode)
	}

	var rec mbRecording
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&rec); err != nil {
		return nil, fmt.Errorf("decode musicbrainz response: %w", err)
	}
	if rec.Title == "" {
		return nil, nil
	}

	names := make([]string, 0, len(rec.ArtistCredit))
	for _, a := range rec.ArtistCredit {
		if a.Name != "" {
			names = append(names, a.Name)
		}
	}

	match := &model.FingerprintMatch{
		Title:  rec.Title,
		Artist: strings.Join(names, " & "),
	}

	release := pickRelease(rec)
	if release >= 0 {
		r := rec.Releases[release]
		match.Album = r.Title
		if len(r.Date) >= 4 {
			match.Year = r.Date[:4]
		}
		if len(r.LabelInfo) > 0 {
			match.Label = r.LabelInfo[0].Label.Name
		}
	}
	return match, nil
}

func pickRelease(rec mbRecording) int {
	for i, r := range rec.Releases {
		if strings.EqualFold(r.Status, "Official") {
			return i
		}
	}
	if len(rec.Releases) > 0 {
		return 0
	}
	return -1
}

func unavailable(err error) error {
	return model.NewError(model.ErrFingerprintUnavailable, err)
}
