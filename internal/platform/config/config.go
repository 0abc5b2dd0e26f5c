package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Load reads the .env file from the current working directory and sets
// environment variables. If .env does not exist, Load returns an error but
// callers can ignore it and use system env or defaults. Pass one or more paths
// to load from specific files (e.g. ".env"); with no paths, ".env" is used.
func Load(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	return godotenv.Load(paths...)
}

// GetEnv returns the value of the environment variable named by key, or fallback
// if the variable is unset or empty.
func GetEnv(key, fallback string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return fallback
}

// GetEnvInt returns the integer value of the environment variable named by key,
// or fallback if the variable is unset, empty, or not a valid integer.
func GetEnvInt(key string, fallback int) int {
	if s := os.Getenv(key); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	}
	return fallback
}

// GetEnvBool returns the boolean value of the environment variable named by key,
// or fallback if the variable is unset, empty, or not parseable.
func GetEnvBool(key string, fallback bool) bool {
	if s := os.Getenv(key); s != "" {
		if b, err := strconv.ParseBool(s); err == nil {
			return b
		}
	}
	return fallback
}

// GetEnvFloat returns the float value of the environment variable named by key,
// or fallback if the variable is unset, empty, or not parseable.
func GetEnvFloat(key string, fallback float64) float64 {
	if s := os.Getenv(key); s != "" {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
	}
	return fallback
}

// GetEnvDuration returns the duration value of the environment variable named by
// key (Go duration syntax, e.g. "90s"), or fallback if unset or not parseable.
func GetEnvDuration(key string, fallback time.Duration) time.Duration {
	if s := os.Getenv(key); s != "" {
		if d, err := time.ParseDuration(s); err == nil {
			return d
		}
	}
	return fallback
}

// GetEnvList returns the comma-separated list value of the environment variable
// named by key, or fallback if unset or empty. Items are trimmed of whitespace.
func GetEnvList(key string, fallback []string) []string {
	s := os.Getenv(key)
	if s == "" {
		return fallback
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

// Config aggregates all daemon tunables. Values come from an optional YAML file
// (PRINTCAST_CONFIG) with environment variables always taking precedence.
type Config struct {
	Port      string `yaml:"port"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Audio pipeline.
	AudioEnabled bool   `yaml:"audio_enabled"`
	AudioDir     string `yaml:"audio_dir"`
	FeedPort     int    `yaml:"feed_port"`
	AudioBitrate string `yaml:"audio_bitrate"`

	// Video pipeline.
	VideoSourceURL string `yaml:"video_source_url"`
	AudioStreamURL string `yaml:"audio_stream_url"`
	PreviewURL     string `yaml:"preview_url"`
	FPS            int    `yaml:"fps"`
	VideoBitrate   string `yaml:"video_bitrate"`
	OverlayText    string `yaml:"overlay_text"`

	// Broadcast lifecycle.
	AutoBroadcast        bool   `yaml:"auto_broadcast"`
	EndStreamAfterPrint  bool   `yaml:"end_stream_after_print"`
	IngestionWaitSeconds int    `yaml:"ingestion_wait_seconds"`
	RetrySeconds         int    `yaml:"retry_seconds"`
	MaxTransitionRetries int    `yaml:"max_transition_retries"`
	BroadcastTitle       string `yaml:"broadcast_title"`
	BroadcastPrivacy     string `yaml:"broadcast_privacy"`
	BroadcastCategoryID  string `yaml:"broadcast_category_id"`
	PlaylistName         string `yaml:"playlist_name"`

	// Broadcast reuse.
	ReuseEnabled          bool   `yaml:"reuse_enabled"`
	ReuseContextKey       string `yaml:"reuse_context_key"`
	ReuseTTLMinutes       int    `yaml:"reuse_ttl_minutes"`
	OnlyUnlistedOrPrivate bool   `yaml:"only_unlisted_or_private"`
	RecordPath            string `yaml:"record_path"`

	// Provider (YouTube) credentials and behavior.
	ClientID           string `yaml:"client_id"`
	ClientSecret       string `yaml:"client_secret"`
	TokenPath          string `yaml:"token_path"`
	AllowTokenFallback bool   `yaml:"allow_token_fallback"`
	UploadTimelapse    bool   `yaml:"upload_timelapse"`

	// Printer controller.
	PrinterURL  string `yaml:"printer_url"`
	SnapshotURL string `yaml:"snapshot_url"`

	// Print orchestration.
	LastLayerRemainingSeconds int           `yaml:"last_layer_remaining_seconds"`
	LastLayerProgressPercent  float64       `yaml:"last_layer_progress_percent"`
	LastLayerOffset           int           `yaml:"last_layer_offset"`
	IdleFinalizeDelay         time.Duration `yaml:"idle_finalize_delay"`
	OfflineGrace              time.Duration `yaml:"offline_grace"`

	// Printer command queue.
	CommandInterval    time.Duration `yaml:"command_interval"`
	DisallowedPrefixes []string      `yaml:"disallowed_prefixes"`
	ConfirmPrefixes    []string      `yaml:"confirm_prefixes"`
	MaxBedTemp         float64       `yaml:"max_bed_temp"`
	MaxToolTemp        float64       `yaml:"max_tool_temp"`

	// Time-lapse.
	TimelapseDir string `yaml:"timelapse_dir"`
	TimelapseFPS int    `yaml:"timelapse_fps"`
}

// Default returns the built-in configuration defaults.
func Default() Config {
	return Config{
		Port:      "8080",
		LogLevel:  "info",
		LogFormat: "json",

		AudioEnabled: true,
		AudioDir:     "music",
		FeedPort:     53333,
		AudioBitrate: "128k",

		VideoSourceURL: "http://127.0.0.1:8081/stream",
		FPS:            30,
		VideoBitrate:   "2500k",

		AutoBroadcast:        true,
		EndStreamAfterPrint:  true,
		IngestionWaitSeconds: 90,
		RetrySeconds:         30,
		MaxTransitionRetries: 5,
		BroadcastTitle:       "3D print live",
		BroadcastPrivacy:     "unlisted",
		BroadcastCategoryID:  "28",

		ReuseEnabled:          true,
		ReuseContextKey:       "default",
		ReuseTTLMinutes:       720,
		OnlyUnlistedOrPrivate: true,
		RecordPath:            "state/broadcasts.json",

		TokenPath:       "state/token.json",
		UploadTimelapse: true,

		PrinterURL:  "ws://127.0.0.1:7125/websocket",
		SnapshotURL: "http://127.0.0.1:8081/snapshot",

		LastLayerRemainingSeconds: 60,
		LastLayerProgressPercent:  99.0,
		LastLayerOffset:           1,
		IdleFinalizeDelay:         2 * time.Minute,
		OfflineGrace:              5 * time.Minute,

		CommandInterval:    100 * time.Millisecond,
		DisallowedPrefixes: []string{"M112"},
		ConfirmPrefixes:    []string{"M104", "M140", "M109", "M190"},
		MaxBedTemp:         120,
		MaxToolTemp:        350,

		TimelapseDir: "timelapse",
		TimelapseFPS: 30,
	}
}

// FromEnv builds a Config from defaults, an optional YAML file named by
// PRINTCAST_CONFIG, and environment variable overrides, in that order.
func FromEnv() (Config, error) {
	_ = Load()

	cfg := Default()

	if path := os.Getenv("PRINTCAST_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, err
		}
	}

	cfg.Port = GetEnv("PORT", cfg.Port)
	cfg.LogLevel = GetEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = GetEnv("LOG_FORMAT", cfg.LogFormat)

	cfg.AudioEnabled = GetEnvBool("AUDIO_ENABLED", cfg.AudioEnabled)
	cfg.AudioDir = GetEnv("AUDIO_DIR", cfg.AudioDir)
	cfg.FeedPort = GetEnvInt("FEED_PORT", cfg.FeedPort)
	cfg.AudioBitrate = GetEnv("AUDIO_BITRATE", cfg.AudioBitrate)

	cfg.VideoSourceURL = GetEnv("VIDEO_SOURCE_URL", cfg.VideoSourceURL)
	cfg.AudioStreamURL = GetEnv("AUDIO_STREAM_URL", cfg.AudioStreamURL)
	cfg.PreviewURL = GetEnv("PREVIEW_URL", cfg.PreviewURL)
	cfg.FPS = GetEnvInt("FPS", cfg.FPS)
	cfg.VideoBitrate = GetEnv("VIDEO_BITRATE", cfg.VideoBitrate)
	cfg.OverlayText = GetEnv("OVERLAY_TEXT", cfg.OverlayText)

	cfg.AutoBroadcast = GetEnvBool("AUTO_BROADCAST", cfg.AutoBroadcast)
	cfg.EndStreamAfterPrint = GetEnvBool("END_STREAM_AFTER_PRINT", cfg.EndStreamAfterPrint)
	cfg.IngestionWaitSeconds = GetEnvInt("INGESTION_WAIT_SECONDS", cfg.IngestionWaitSeconds)
	cfg.RetrySeconds = GetEnvInt("RETRY_SECONDS", cfg.RetrySeconds)
	cfg.MaxTransitionRetries = GetEnvInt("MAX_TRANSITION_RETRIES", cfg.MaxTransitionRetries)
	cfg.BroadcastTitle = GetEnv("BROADCAST_TITLE", cfg.BroadcastTitle)
	cfg.BroadcastPrivacy = GetEnv("BROADCAST_PRIVACY", cfg.BroadcastPrivacy)
	cfg.BroadcastCategoryID = GetEnv("BROADCAST_CATEGORY_ID", cfg.BroadcastCategoryID)
	cfg.PlaylistName = GetEnv("PLAYLIST_NAME", cfg.PlaylistName)

	cfg.ReuseEnabled = GetEnvBool("REUSE_ENABLED", cfg.ReuseEnabled)
	cfg.ReuseContextKey = GetEnv("BROADCAST_CONTEXT_KEY", cfg.ReuseContextKey)
	cfg.ReuseTTLMinutes = GetEnvInt("REUSE_TTL_MINUTES", cfg.ReuseTTLMinutes)
	cfg.OnlyUnlistedOrPrivate = GetEnvBool("ONLY_UNLISTED_OR_PRIVATE", cfg.OnlyUnlistedOrPrivate)
	cfg.RecordPath = GetEnv("RECORD_PATH", cfg.RecordPath)

	cfg.ClientID = GetEnv("YT_CLIENT_ID", cfg.ClientID)
	cfg.ClientSecret = GetEnv("YT_CLIENT_SECRET", cfg.ClientSecret)
	cfg.TokenPath = GetEnv("YT_TOKEN_PATH", cfg.TokenPath)
	cfg.AllowTokenFallback = GetEnvBool("YT_ALLOW_TOKEN_FALLBACK", cfg.AllowTokenFallback)
	cfg.UploadTimelapse = GetEnvBool("UPLOAD_TIMELAPSE", cfg.UploadTimelapse)

	cfg.PrinterURL = GetEnv("PRINTER_URL", cfg.PrinterURL)
	cfg.SnapshotURL = GetEnv("SNAPSHOT_URL", cfg.SnapshotURL)

	cfg.LastLayerRemainingSeconds = GetEnvInt("LAST_LAYER_REMAINING_SECONDS", cfg.LastLayerRemainingSeconds)
	cfg.LastLayerProgressPercent = GetEnvFloat("LAST_LAYER_PROGRESS_PERCENT", cfg.LastLayerProgressPercent)
	cfg.LastLayerOffset = GetEnvInt("LAST_LAYER_OFFSET", cfg.LastLayerOffset)
	cfg.IdleFinalizeDelay = GetEnvDuration("IDLE_FINALIZE_DELAY", cfg.IdleFinalizeDelay)
	cfg.OfflineGrace = GetEnvDuration("OFFLINE_GRACE", cfg.OfflineGrace)

	cfg.CommandInterval = GetEnvDuration("COMMAND_INTERVAL", cfg.CommandInterval)
	cfg.DisallowedPrefixes = GetEnvList("DISALLOWED_PREFIXES", cfg.DisallowedPrefixes)
	cfg.ConfirmPrefixes = GetEnvList("CONFIRM_PREFIXES", cfg.ConfirmPrefixes)
	cfg.MaxBedTemp = GetEnvFloat("MAX_BED_TEMP", cfg.MaxBedTemp)
	cfg.MaxToolTemp = GetEnvFloat("MAX_TOOL_TEMP", cfg.MaxToolTemp)

	cfg.TimelapseDir = GetEnv("TIMELAPSE_DIR", cfg.TimelapseDir)
	cfg.TimelapseFPS = GetEnvInt("TIMELAPSE_FPS", cfg.TimelapseFPS)

	return cfg, nil
}
