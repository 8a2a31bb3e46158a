// Package config wires Viper to the environment variables and optional
// config file recognized by dropcrate.
package config

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"dropcrate/internal/dirs"
)

// Version is the application version reported in User-Agent strings
// and `--version`.
const Version = "0.4.0"

// Recognized environment variables. These are exact names, not
// prefix-derived, because several of them are shared conventions
// (FFMPEG_PATH, OPENAI_API_KEY).
const (
	EnvCookiesFromBrowser = "YTDLP_COOKIES_FROM_BROWSER"
	EnvCookiesPath        = "YTDLP_COOKIES_PATH"
	EnvExtractorPath      = "YTDLP_PATH"
	EnvFFmpegPath         = "FFMPEG_PATH"
	EnvFpcalcPath         = "FPCALC_PATH"
	EnvAcoustIDKey        = "ACOUSTID_KEY"
	EnvMusicBrainzUA      = "MUSICBRAINZ_UA"
	EnvOpenAIKey          = "OPENAI_API_KEY"
	EnvLLMModel           = "LLM_MODEL"
	EnvInboxDir           = "INBOX_DIR"
	EnvBridgePort         = "BRIDGE_PORT"
)

// Init sets up config search paths, env bindings, defaults, and flag
// bindings. Non-fatal: errors are returned for optional handling.
func Init(root *cobra.Command) error {
	if cfgDir, err := dirs.ConfigDir(); err == nil {
		_ = dirs.Ensure(cfgDir)
		viper.AddConfigPath(cfgDir)
	}
	viper.SetConfigName("config") // supports config.{yaml|yml|json|toml}

	for key, env := range map[string]string{
		"cookies_from_browser": EnvCookiesFromBrowser,
		"cookies_path":         EnvCookiesPath,
		"ytdlp_path":           EnvExtractorPath,
		"ffmpeg_path":          EnvFFmpegPath,
		"fpcalc_path":          EnvFpcalcPath,
		"acoustid_key":         EnvAcoustIDKey,
		"musicbrainz_ua":       EnvMusicBrainzUA,
		"openai_api_key":       EnvOpenAIKey,
		"llm_model":            EnvLLMModel,
		"inbox_dir":            EnvInboxDir,
		"bridge_port":          EnvBridgePort,
	} {
		_ = viper.BindEnv(key, env)
	}

	viper.SetDefault("llm_model", "gpt-4o-mini")
	viper.SetDefault("bridge_port", 8787)
	viper.SetDefault("musicbrainz_ua", "dropcrate/"+Version+" (https://github.com/dropcrate/dropcrate)")

	if root != nil {
		_ = viper.BindPFlag("inbox_dir", root.PersistentFlags().Lookup("inbox"))
	}

	// Read config file if present (ignore not found).
	_ = viper.ReadInConfig()

	return nil
}

func CookiesFromBrowser() string { return viper.GetString("cookies_from_browser") }
func CookiesPath() string        { return viper.GetString("cookies_path") }
func ExtractorPath() string      { return viper.GetString("ytdlp_path") }
func FFmpegPath() string         { return viper.GetString("ffmpeg_path") }
func FpcalcPath() string         { return viper.GetString("fpcalc_path") }
func AcoustIDKey() string        { return viper.GetString("acoustid_key") }
func MusicBrainzUA() string      { return viper.GetString("musicbrainz_ua") }
func OpenAIKey() string          { return viper.GetString("openai_api_key") }
func LLMModel() string           { return viper.GetString("llm_model") }
func BridgePort() int            { return viper.GetInt("bridge_port") }

// InboxDir resolves the output directory: flag/env first, then the
// per-user default.
func InboxDir() (string, error) {
	if dir := viper.GetString("inbox_dir"); dir != "" {
		return dir, nil
	}
	return dirs.DefaultInboxDir()
}
