package fingerprint

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dropcrate/internal/model"
	"dropcrate/internal/util"
)

// fakeRunner returns canned fpcalc output.
type fakeRunner struct {
	stdout string
	err    error
	calls  int
}

func (f *fakeRunner) Run(_ context.Context, spec util.CmdSpec) (util.CmdResult, error) {
	f.calls++
	if f.err != nil {
		return util.CmdResult{Code: 1, Err: f.err}, f.err
	}
	return util.CmdResult{Stdout: []byte(f.stdout), Code: 0}, nil
}

const fpcalcJSON = `{"duration": 247.5, "fingerprint": "AQADtEqkRIl"}`

func newTestMatcher(t *testing.T, runner util.CmdRunner, acoustid, musicbrainz http.Handler, opts ...Option) *Matcher {
	t.Helper()
	m := New("/usr/bin/fpcalc", "test-key", "dropcrate-test/1.0",
		append([]Option{WithRunner(runner)}, opts...)...)
	if acoustid != nil {
		srv := httptest.NewServer(acoustid)
		t.Cleanup(srv.Close)
		m.acoustidURL = srv.URL
	}
	if musicbrainz != nil {
		srv := httptest.NewServer(musicbrainz)
		t.Cleanup(srv.Close)
		m.musicbrainzURL = srv.URL + "/"
	}
	return m
}

func acoustidOK(score float64, recordingID string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"status": "ok",
			"results": []map[string]any{{
				"score":      score,
				"recordings": []map[string]any{{"id": recordingID}},
			}},
		})
	})
}

func musicbrainzOK() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"title":         "Losing It",
			"artist-credit": []map[string]any{{"name": "FISHER"}},
			"releases": []map[string]any{
				{"title": "Bootleg Comp", "status": "Bootleg", "date": "2019-01-01"},
				{
					"title":      "Losing It",
					"status":     "Official",
					"date":       "2018-07-27",
					"label-info": []map[string]any{{"label": map[string]any{"name": "Catch & Release"}}},
				},
			},
		})
	})
}

func TestLookupUnconfigured(t *testing.T) {
	m := New("", "", "ua")
	match, err := m.Lookup(context.Background(), "x.wav", false)
	assert.NoError(t, err)
	assert.Nil(t, match)
}

func TestLookupFullChain(t *testing.T) {
	runner := &fakeRunner{stdout: fpcalcJSON}
	m := newTestMatcher(t, runner, acoustidOK(0.97, "rec-123"), musicbrainzOK())

	match, err := m.Lookup(context.Background(), "x.wav", true)
	require.NoError(t, err)
	require.NotNil(t, match)

	assert.Equal(t, "acoustid", match.Provider)
	assert.Equal(t, "rec-123", match.RecordingID)
	assert.Equal(t, "FISHER", match.Artist)
	assert.Equal(t, "Losing It", match.Title)
	assert.Equal(t, "Losing It", match.Album, "official release preferred over bootleg")
	assert.Equal(t, "2018", match.Year)
	assert.Equal(t, "Catch & Release", match.Label)
	assert.False(t, match.Applied, "applied is decided against the parsed metadata, not here")
}

func TestLookupThresholds(t *testing.T) {
	tests := []struct {
		name        string
		score       float64
		strictTitle bool
		matched     bool
	}{
		{"strict title needs 0.95", 0.90, true, false},
		{"strict title clears at 0.95", 0.95, true, true},
		{"loose title clears at 0.85", 0.90, false, true},
		{"loose title below 0.85", 0.80, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &fakeRunner{stdout: fpcalcJSON}
			mbCalls := 0
			mb := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				mbCalls++
				musicbrainzOK().ServeHTTP(w, r)
			})
			m := newTestMatcher(t, runner, acoustidOK(tt.score, "rec-1"), mb)

			match, err := m.Lookup(context.Background(), "x.wav", tt.strictTitle)
			require.NoError(t, err)
			if tt.matched {
				require.NotNil(t, match)
				assert.Equal(t, 1, mbCalls)
			} else {
				assert.Nil(t, match)
				assert.Zero(t, mbCalls, "below-threshold scores must not hit MusicBrainz")
			}
		})
	}
}

func TestLookupBorderlineScoreNotCachedNegative(t *testing.T) {
	// 0.90 misses the strict bar but clears the relaxed one; a failed
	// strict lookup must not poison a later relaxed lookup.
	runner := &fakeRunner{stdout: fpcalcJSON}
	cache := NewCache(filepath.Join(t.TempDir(), "acoustid.json"))
	m := newTestMatcher(t, runner, acoustidOK(0.90, "rec-2"), musicbrainzOK(), WithCache(cache))

	match, err := m.Lookup(context.Background(), "x.wav", true)
	require.NoError(t, err)
	assert.Nil(t, match)

	match, err = m.Lookup(context.Background(), "x.wav", false)
	require.NoError(t, err)
	require.NotNil(t, match)
	assert.Equal(t, "rec-2", match.RecordingID)
}

func TestLookupNoResultsCachesNegative(t *testing.T) {
	empty := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"status":"ok","results":[]}`)
	})
	runner := &fakeRunner{stdout: fpcalcJSON}
	cache := NewCache(filepath.Join(t.TempDir(), "acoustid.json"))
	m := newTestMatcher(t, runner, empty, nil, WithCache(cache))

	match, err := m.Lookup(context.Background(), "x.wav", false)
	require.NoError(t, err)
	assert.Nil(t, match)

	// Second call is served from the cache; same fingerprint, no new
	// network round trip needed.
	m.acoustidURL = "http://127.0.0.1:1" // would fail if contacted
	match, err = m.Lookup(context.Background(), "x.wav", false)
	require.NoError(t, err)
	assert.Nil(t, match)
}

func TestLookupCacheServesMatch(t *testing.T) {
	runner := &fakeRunner{stdout: fpcalcJSON}
	cache := NewCache(filepath.Join(t.TempDir(), "acoustid.json"))
	m := newTestMatcher(t, runner, acoustidOK(0.97, "rec-9"), musicbrainzOK(), WithCache(cache))

	first, err := m.Lookup(context.Background(), "x.wav", false)
	require.NoError(t, err)
	require.NotNil(t, first)

	// Caller mutation of the first result must not leak into the cache.
	first.Artist = "mangled"

	m.acoustidURL = "http://127.0.0.1:1"
	second, err := m.Lookup(context.Background(), "x.wav", true)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, first.RecordingID, second.RecordingID)
	assert.Equal(t, "FISHER", second.Artist)
}

func TestLookupFpcalcFailure(t *testing.T) {
	runner := &fakeRunner{err: fmt.Errorf("boom")}
	m := newTestMatcher(t, runner, nil, nil)

	match, err := m.Lookup(context.Background(), "x.wav", false)
	assert.Nil(t, match)
	require.Error(t, err)
	assert.Equal(t, model.ErrFingerprintUnavailable, model.KindOf(err))
}

func TestLookupAcoustIDErrorIsUnavailable(t *testing.T) {
	bad := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	runner := &fakeRunner{stdout: fpcalcJSON}
	m := newTestMatcher(t, runner, bad, nil)

	_, err := m.Lookup(context.Background(), "x.wav", false)
	require.Error(t, err)
	assert.Equal(t, model.ErrFingerprintUnavailable, model.KindOf(err))
}
