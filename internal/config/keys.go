package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kDuration
	kList
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.host", typ: kString, env: "STREAMDL_SERVER_HOST",
		apply:   func(cfg *Config, v any) { cfg.Server.Host = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Host },
	},
	{
		key: "server.port", typ: kInt, env: "STREAMDL_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "cors.allowed_origins", typ: kList, env: "STREAMDL_CORS_ALLOWED_ORIGINS",
		apply:   func(cfg *Config, v any) { cfg.CORS.AllowedOrigins = v.([]string) },
		extract: func(cfg Config) any { return strings.Join(cfg.CORS.AllowedOrigins, ",") },
	},
	{
		key: "storage.downloads_dir", typ: kString, env: "STREAMDL_STORAGE_DOWNLOADS_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DownloadsDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DownloadsDir },
	},
	{
		key: "storage.stale_after", typ: kDuration, env: "STREAMDL_STORAGE_STALE_AFTER",
		apply:   func(cfg *Config, v any) { cfg.Storage.StaleAfter = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Storage.StaleAfter },
	},
	{
		key: "toolchain.ytdlp_path", typ: kString, env: "STREAMDL_TOOLCHAIN_YTDLP_PATH",
		apply:   func(cfg *Config, v any) { cfg.Toolchain.YtDlpPath = v.(string) },
		extract: func(cfg Config) any { return cfg.Toolchain.YtDlpPath },
	},
	{
		key: "toolchain.ffmpeg_path", typ: kString, env: "STREAMDL_TOOLCHAIN_FFMPEG_PATH",
		apply:   func(cfg *Config, v any) { cfg.Toolchain.FFmpegPath = v.(string) },
		extract: func(cfg Config) any { return cfg.Toolchain.FFmpegPath },
	},
	{
		key: "extract.audio_format", typ: kString, env: "STREAMDL_EXTRACT_AUDIO_FORMAT",
		apply:   func(cfg *Config, v any) { cfg.Extract.AudioFormat = v.(string) },
		extract: func(cfg Config) any { return cfg.Extract.AudioFormat },
	},
	{
		key: "extract.audio_quality", typ: kString, env: "STREAMDL_EXTRACT_AUDIO_QUALITY",
		apply:   func(cfg *Config, v any) { cfg.Extract.AudioQuality = v.(string) },
		extract: func(cfg Config) any { return cfg.Extract.AudioQuality },
	},
	{
		key: "jobs.max_concurrent", typ: kInt, env: "STREAMDL_JOBS_MAX_CONCURRENT",
		apply:   func(cfg *Config, v any) { cfg.Jobs.MaxConcurrent = v.(int) },
		extract: func(cfg Config) any { return cfg.Jobs.MaxConcurrent },
	},
	{
		key: "log.level", typ: kString, env: "STREAMDL_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "log.format", typ: kString, env: "STREAMDL_LOG_FORMAT",
		apply:   func(cfg *Config, v any) { cfg.Log.Format = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Format },
	},
}

func lookupSpec(key string) (keySpec, bool) {
	for _, s := range specs {
		if s.key == key {
			return s, true
		}
	}
	return keySpec{}, false
}

// parse converts a raw string into the Go value a spec's apply expects.
func (s keySpec) parse(raw string) (any, error) {
	switch s.typ {
	case kInt:
		return strconv.Atoi(raw)
	case kDuration:
		return time.ParseDuration(raw)
	case kList:
		return splitList(raw), nil
	default:
		return raw, nil
	}
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		switch s.typ {
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		default:
			raw, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if !ok {
				continue
			}
			v, err := s.parse(raw)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			s.apply(cfg, v)
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := s.parse(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}
