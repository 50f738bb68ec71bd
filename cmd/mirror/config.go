package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"channel-mirror/internal/feed"
	"channel-mirror/internal/imaging"
	"channel-mirror/internal/syncer"
)

const (
	envConfigFile           = "MIRROR_CONFIG_FILE"
	defaultConfigFilePath   = "config/mirror.json"
	alternateConfigFilePath = "bin/config/mirror.json"
	defaultStorePath        = "data/mirror.db"
	defaultHTTPHost         = "127.0.0.1"
	defaultHTTPPort         = 3000
	defaultShutdownTimeout  = 10 * time.Second
	defaultLogMaxSizeMB     = 100
	defaultLogMaxBackups    = 5
	defaultLogMaxAgeDays    = 30
)

type appConfig struct {
	logLevel slog.Level
	logFile  logFileConfig

	channel   string
	telegram  json.RawMessage
	store     storeConfig
	backfill  backfillConfig
	http      httpConfig
	image     imaging.Options
	shutdown  time.Duration
}

type logFileConfig struct {
	path       string
	maxSizeMB  int
	maxBackups int
	maxAgeDays int
	compress   bool
}

type storeConfig struct {
	path             string
	compressionLevel int
	busyTimeout      time.Duration
}

type backfillConfig struct {
	enabled   bool
	batchSize int
}

type httpConfig struct {
	host          string
	port          int
	pageSize      int
	corsWhitelist []string
	staticDir     string
}

type fileConfig struct {
	LogLevel string           `json:"log_level"`
	LogFile  *fileLogConfig   `json:"log_file"`
	Channel  string           `json:"channel"`
	Telegram json.RawMessage  `json:"telegram"`
	Store    fileStoreConfig  `json:"store"`
	Backfill fileBackfill     `json:"backfill"`
	HTTP     fileHTTPConfig   `json:"http"`
	Image    *fileImageConfig `json:"image"`
}

type fileLogConfig struct {
	Path       string `json:"path"`
	MaxSizeMB  *int   `json:"max_size_mb"`
	MaxBackups *int   `json:"max_backups"`
	MaxAgeDays *int   `json:"max_age_days"`
	Compress   *bool  `json:"compress"`
}

type fileStoreConfig struct {
	Path             string `json:"path"`
	CompressionLevel *int   `json:"compression_level"`
	BusyTimeout      string `json:"busy_timeout"`
}

type fileBackfill struct {
	Enabled   *bool `json:"enabled"`
	BatchSize *int  `json:"batch_size"`
}

type fileHTTPConfig struct {
	Host            string   `json:"host"`
	Port            *int     `json:"port"`
	PageSize        *int     `json:"page_size"`
	CORSWhitelist   []string `json:"cors_whitelist"`
	StaticDir       string   `json:"static_dir"`
	ShutdownTimeout string   `json:"shutdown_timeout"`
}

type fileImageConfig struct {
	Format       string `json:"format"`
	Quality      *int   `json:"quality"`
	Effort       *int   `json:"effort"`
	Lossless     bool   `json:"lossless"`
	MaxDimension *int   `json:"max_dimension"`
}

func loadConfig() (appConfig, error) {
	cfg := defaultAppConfig()
	configFile, err := resolveConfigFilePath()
	if err != nil {
		return appConfig{}, err
	}

	if err := applyConfigFile(&cfg, configFile); err != nil {
		return appConfig{}, err
	}
	if err := validateAppConfig(&cfg); err != nil {
		return appConfig{}, fmt.Errorf("validate config file %s: %w", configFile, err)
	}

	return cfg, nil
}

func resolveConfigFilePath() (string, error) {
	if configFile := strings.TrimSpace(os.Getenv(envConfigFile)); configFile != "" {
		return configFile, nil
	}

	candidates := []string{defaultConfigFilePath, alternateConfigFilePath}
	for _, candidate := range candidates {
		info, err := os.Stat(candidate)
		if err == nil {
			if info.IsDir() {
				return "", fmt.Errorf("config file %s is a directory", candidate)
			}
			return candidate, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("stat config file %s: %w", candidate, err)
		}
	}

	return "", fmt.Errorf(
		"config file not found; create %s or %s, or set %s",
		defaultConfigFilePath,
		alternateConfigFilePath,
		envConfigFile,
	)
}

func defaultAppConfig() appConfig {
	return appConfig{
		logLevel: slog.LevelInfo,
		logFile: logFileConfig{
			maxSizeMB:  defaultLogMaxSizeMB,
			maxBackups: defaultLogMaxBackups,
			maxAgeDays: defaultLogMaxAgeDays,
			compress:   true,
		},
		store: storeConfig{
			path: defaultStorePath,
		},
		backfill: backfillConfig{
			enabled:   true,
			batchSize: syncer.DefaultBatchSize,
		},
		http: httpConfig{
			host:     defaultHTTPHost,
			port:     defaultHTTPPort,
			pageSize: feed.DefaultPageSize,
		},
		image:    imaging.Options{}.Normalize(),
		shutdown: defaultShutdownTimeout,
	}
}

func applyConfigFile(cfg *appConfig, path string) error {
	if cfg == nil {
		return fmt.Errorf("apply config file: nil config")
	}
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("config file path is required")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}

	var parsed fileConfig
	if err := json.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	if rawLevel := strings.TrimSpace(parsed.LogLevel); rawLevel != "" {
		level, err := parseLogLevel(rawLevel)
		if err != nil {
			return fmt.Errorf("parse log_level: %w", err)
		}
		cfg.logLevel = level
	}
	if err := applyLogFileConfig(cfg, parsed.LogFile); err != nil {
		return err
	}

	cfg.channel = strings.TrimPrefix(strings.TrimSpace(parsed.Channel), "@")
	cfg.telegram = append(json.RawMessage(nil), parsed.Telegram...)

	if rawPath := strings.TrimSpace(parsed.Store.Path); rawPath != "" {
		cfg.store.path = rawPath
	}
	if parsed.Store.CompressionLevel != nil {
		if *parsed.Store.CompressionLevel < 1 || *parsed.Store.CompressionLevel > 22 {
			return fmt.Errorf("parse store.compression_level: must be within [1, 22]")
		}
		cfg.store.compressionLevel = *parsed.Store.CompressionLevel
	}
	if cfg.store.busyTimeout, err = parseDuration("store.busy_timeout", parsed.Store.BusyTimeout, cfg.store.busyTimeout); err != nil {
		return err
	}

	if parsed.Backfill.Enabled != nil {
		cfg.backfill.enabled = *parsed.Backfill.Enabled
	}
	if parsed.Backfill.BatchSize != nil {
		if *parsed.Backfill.BatchSize <= 0 {
			return fmt.Errorf("parse backfill.batch_size: must be > 0")
		}
		cfg.backfill.batchSize = *parsed.Backfill.BatchSize
	}

	if err := applyHTTPConfig(cfg, parsed.HTTP); err != nil {
		return err
	}
	applyImageConfig(cfg, parsed.Image)

	return nil
}

func applyLogFileConfig(cfg *appConfig, parsed *fileLogConfig) error {
	if parsed == nil {
		return nil
	}

	cfg.logFile.path = strings.TrimSpace(parsed.Path)
	if parsed.MaxSizeMB != nil {
		if *parsed.MaxSizeMB <= 0 {
			return fmt.Errorf("parse log_file.max_size_mb: must be > 0")
		}
		cfg.logFile.maxSizeMB = *parsed.MaxSizeMB
	}
	if parsed.MaxBackups != nil {
		if *parsed.MaxBackups < 0 {
			return fmt.Errorf("parse log_file.max_backups: must be >= 0")
		}
		cfg.logFile.maxBackups = *parsed.MaxBackups
	}
	if parsed.MaxAgeDays != nil {
		if *parsed.MaxAgeDays < 0 {
			return fmt.Errorf("parse log_file.max_age_days: must be >= 0")
		}
		cfg.logFile.maxAgeDays = *parsed.MaxAgeDays
	}
	if parsed.Compress != nil {
		cfg.logFile.compress = *parsed.Compress
	}

	return nil
}

func applyHTTPConfig(cfg *appConfig, parsed fileHTTPConfig) error {
	if host := strings.TrimSpace(parsed.Host); host != "" {
		cfg.http.host = host
	}
	if parsed.Port != nil {
		if *parsed.Port <= 0 || *parsed.Port > 65535 {
			return fmt.Errorf("parse http.port: must be within [1, 65535]")
		}
		cfg.http.port = *parsed.Port
	}
	if parsed.PageSize != nil {
		if *parsed.PageSize <= 0 {
			return fmt.Errorf("parse http.page_size: must be > 0")
		}
		cfg.http.pageSize = *parsed.PageSize
	}
	cfg.http.corsWhitelist = append([]string(nil), parsed.CORSWhitelist...)
	cfg.http.staticDir = strings.TrimSpace(parsed.StaticDir)

	var err error
	if cfg.shutdown, err = parseDuration("http.shutdown_timeout", parsed.ShutdownTimeout, cfg.shutdown); err != nil {
		return err
	}

	return nil
}

func applyImageConfig(cfg *appConfig, parsed *fileImageConfig) {
	if parsed == nil {
		return
	}

	options := cfg.image
	if format := strings.TrimSpace(parsed.Format); format != "" {
		options.Format = imaging.Format(format)
	}
	if parsed.Quality != nil {
		options.Quality = *parsed.Quality
	}
	if parsed.Effort != nil {
		options.Effort = *parsed.Effort
	}
	if parsed.MaxDimension != nil {
		options.MaxDimension = *parsed.MaxDimension
	}
	options.Lossless = parsed.Lossless
	cfg.image = options.Normalize()
}

func validateAppConfig(cfg *appConfig) error {
	if cfg == nil {
		return fmt.Errorf("nil config")
	}
	if cfg.channel == "" {
		return fmt.Errorf("channel is required")
	}
	if len(cfg.telegram) == 0 {
		return fmt.Errorf("telegram section is required")
	}

	return nil
}

func (c appConfig) httpAddr() string {
	return net.JoinHostPort(c.http.host, strconv.Itoa(c.http.port))
}

func parseDuration(field string, raw string, fallback time.Duration) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, nil
	}

	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", field, err)
	}
	if parsed <= 0 {
		return 0, fmt.Errorf("parse %s: must be > 0", field)
	}

	return parsed, nil
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unsupported level %q", raw)
	}
}
