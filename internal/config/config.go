package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Server    ServerConfig
	CORS      CORSConfig
	Storage   StorageConfig
	Toolchain ToolchainConfig
	Extract   ExtractConfig
	Jobs      JobsConfig
	Log       LogConfig
}

type ServerConfig struct {
	Host string
	Port int
}

type CORSConfig struct {
	AllowedOrigins []string
}

type StorageConfig struct {
	DownloadsDir string
	StaleAfter   time.Duration
}

type ToolchainConfig struct {
	YtDlpPath  string
	FFmpegPath string
}

type ExtractConfig struct {
	AudioFormat  string
	AudioQuality string
}

type JobsConfig struct {
	// MaxConcurrent bounds in-flight extraction jobs. Zero means unbounded.
	MaxConcurrent int
}

type LogConfig struct {
	Level  string
	Format string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8000,
		},
		CORS: CORSConfig{
			AllowedOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
		},
		Storage: StorageConfig{
			DownloadsDir: "downloads",
			StaleAfter:   time.Hour,
		},
		Toolchain: ToolchainConfig{
			YtDlpPath:  "yt-dlp",
			FFmpegPath: "ffmpeg",
		},
		Extract: ExtractConfig{
			AudioFormat:  "mp3",
			AudioQuality: "192K",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "auto",
		},
	}
}

// Addr returns the host:port the HTTP server listens on.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}

// Load reads configuration from the TOML file at
// $XDG_CONFIG_HOME/streamdl/config.toml (when present) and applies
// STREAMDL_* environment overrides on top.
func Load() (Config, error) {
	return loadFromPath(configFilePath())
}

func loadFromPath(path string) (Config, error) {
	b, err := openFileBackend(path)
	if err != nil {
		return Config{}, err
	}
	return loadWith(b)
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port: %d out of range", c.Server.Port))
	}
	if strings.TrimSpace(c.Storage.DownloadsDir) == "" {
		errs = append(errs, errors.New("storage.downloads_dir is required"))
	}
	if strings.TrimSpace(c.Extract.AudioFormat) == "" {
		errs = append(errs, errors.New("extract.audio_format is required"))
	}
	if c.Jobs.MaxConcurrent < 0 {
		errs = append(errs, fmt.Errorf("jobs.max_concurrent: %d must not be negative", c.Jobs.MaxConcurrent))
	}
	switch strings.ToLower(c.Log.Format) {
	case "auto", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format: unsupported value %q", c.Log.Format))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
