// Package config loads the host configuration from an optional YAML file
// and environment overrides.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kdimtricp/raqa/internal/assets"
	"github.com/kdimtricp/raqa/internal/database"
	"github.com/kdimtricp/raqa/internal/payload"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Storage  StorageConfig  `yaml:"storage"`
	Database DatabaseConfig `yaml:"database"`
	Analysis AnalysisConfig `yaml:"analysis"`
	Browser  BrowserConfig  `yaml:"browser"`
	Auth     AuthConfig     `yaml:"auth"`
	LogLevel string         `yaml:"log_level"`
}

type ServerConfig struct {
	Port          string `yaml:"port"`
	MaxUploadSize int64  `yaml:"max_upload_size"`
}

type StorageConfig struct {
	// DataDir is the private directory videos and the page are staged in.
	DataDir   string `yaml:"data_dir"`
	UploadDir string `yaml:"upload_dir"`
	// SourceRoots limits which host directories a session may read a
	// video from. Defaults to the upload directory.
	SourceRoots []string `yaml:"source_roots"`
}

type DatabaseConfig struct {
	Type     string `yaml:"type"` // sqlite | postgres
	Path     string `yaml:"path"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
}

type AnalysisConfig struct {
	DeliveryMode     string        `yaml:"delivery_mode"` // chunked | url
	Mode             payload.Mode  `yaml:"-"`             // parsed DeliveryMode, set by Validate
	MaxVideoBytes    int64         `yaml:"max_video_bytes"`
	ChunkSize        int           `yaml:"chunk_size"`
	SessionTimeout   time.Duration `yaml:"session_timeout"`
	Retention        time.Duration `yaml:"retention"`
	AssetFallbackURL string        `yaml:"asset_fallback_url"`
	Transcode        bool          `yaml:"transcode"`
	// PageDir replaces the bundled analysis page with a directory holding
	// the page and the scripts it loads.
	PageDir string `yaml:"page_dir"`
	// PublicURL is how the browser reaches this host in url mode.
	PublicURL string `yaml:"public_url"`
}

type BrowserConfig struct {
	Remote      string        `yaml:"remote"`
	Bin         string        `yaml:"bin"`
	LoadTimeout time.Duration `yaml:"load_timeout"`
}

type AuthConfig struct {
	APIURL          string `yaml:"api_url"`
	TokenSecret     string `yaml:"token_secret"`
	CredentialsPath string `yaml:"credentials_path"`
}

// Load reads path (skipped when empty), fills defaults, applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyDefaults()
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if len(cfg.Storage.SourceRoots) == 0 {
		cfg.Storage.SourceRoots = []string{cfg.Storage.UploadDir}
	}
	if cfg.Auth.CredentialsPath == "" {
		cfg.Auth.CredentialsPath = filepath.Join(cfg.Storage.DataDir, "credentials.json")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Server.MaxUploadSize <= 0 {
		c.Server.MaxUploadSize = 100 << 20
	}
	if c.Storage.DataDir == "" {
		c.Storage.DataDir = "./data"
	}
	if c.Storage.UploadDir == "" {
		c.Storage.UploadDir = "./uploads"
	}
	if c.Database.Type == "" {
		c.Database.Type = database.TypeSQLite
	}
	if c.Database.Path == "" {
		c.Database.Path = "./raqa.db"
	}
	if c.Database.Host == "" {
		c.Database.Host = "localhost"
	}
	if c.Database.Port == 0 {
		c.Database.Port = 5432
	}
	if c.Database.User == "" {
		c.Database.User = "raqa"
	}
	if c.Database.Name == "" {
		c.Database.Name = "raqa"
	}
	if c.Analysis.DeliveryMode == "" {
		c.Analysis.DeliveryMode = string(payload.ModeChunked)
	}
	if c.Analysis.MaxVideoBytes == 0 {
		c.Analysis.MaxVideoBytes = payload.DefaultMaxVideoBytes
	}
	if c.Analysis.ChunkSize == 0 {
		c.Analysis.ChunkSize = payload.DefaultChunkSize
	}
	if c.Analysis.SessionTimeout == 0 {
		c.Analysis.SessionTimeout = 5 * time.Minute
	}
	if c.Analysis.Retention == 0 {
		c.Analysis.Retention = 30 * time.Minute
	}
	if c.Browser.LoadTimeout == 0 {
		c.Browser.LoadTimeout = 30 * time.Second
	}
	if c.Auth.APIURL == "" {
		c.Auth.APIURL = "http://localhost:8000"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

func (c *Config) applyEnv() error {
	c.Server.Port = getEnv("PORT", c.Server.Port)
	c.Storage.DataDir = getEnv("DATA_DIR", c.Storage.DataDir)
	c.Storage.UploadDir = getEnv("UPLOAD_DIR", c.Storage.UploadDir)

	c.Database.Type = getEnv("DB_TYPE", c.Database.Type)
	c.Database.Path = getEnv("DB_PATH", c.Database.Path)
	c.Database.Host = getEnv("DB_HOST", c.Database.Host)
	c.Database.User = getEnv("DB_USER", c.Database.User)
	c.Database.Password = getEnv("DB_PASSWORD", c.Database.Password)
	c.Database.Name = getEnv("DB_NAME", c.Database.Name)

	c.Analysis.DeliveryMode = getEnv("DELIVERY_MODE", c.Analysis.DeliveryMode)
	c.Analysis.AssetFallbackURL = getEnv("ASSET_FALLBACK_URL", c.Analysis.AssetFallbackURL)
	c.Analysis.PublicURL = getEnv("PUBLIC_URL", c.Analysis.PublicURL)
	c.Analysis.PageDir = getEnv("PAGE_DIR", c.Analysis.PageDir)
	if v := os.Getenv("SOURCE_ROOTS"); v != "" {
		c.Storage.SourceRoots = filepath.SplitList(v)
	}
	c.Browser.Remote = getEnv("CHROME_URL", c.Browser.Remote)
	c.Auth.APIURL = getEnv("AUTH_API_URL", c.Auth.APIURL)
	c.Auth.TokenSecret = getEnv("TOKEN_SECRET", c.Auth.TokenSecret)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)

	var err error
	if c.Database.Port, err = getEnvInt("DB_PORT", c.Database.Port); err != nil {
		return err
	}
	if c.Server.MaxUploadSize, err = getEnvInt64("MAX_UPLOAD_SIZE", c.Server.MaxUploadSize); err != nil {
		return err
	}
	if c.Analysis.MaxVideoBytes, err = getEnvInt64("MAX_VIDEO_SIZE", c.Analysis.MaxVideoBytes); err != nil {
		return err
	}
	if c.Analysis.SessionTimeout, err = getEnvDuration("SESSION_TIMEOUT", c.Analysis.SessionTimeout); err != nil {
		return err
	}
	if v := os.Getenv("TRANSCODE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid TRANSCODE: %w", err)
		}
		c.Analysis.Transcode = b
	}
	return nil
}

func (c *Config) Validate() error {
	var errs []error

	switch c.Database.Type {
	case database.TypeSQLite, database.TypePostgres:
	default:
		errs = append(errs, fmt.Errorf("unsupported database type %q", c.Database.Type))
	}
	if mode, err := payload.ParseMode(c.Analysis.DeliveryMode); err != nil {
		errs = append(errs, err)
	} else {
		c.Analysis.Mode = mode
	}
	if c.Analysis.PageDir != "" {
		if _, err := os.Stat(filepath.Join(c.Analysis.PageDir, assets.PageName)); err != nil {
			errs = append(errs, fmt.Errorf("page dir: %w", err))
		}
	}
	if c.Analysis.MaxVideoBytes < 0 {
		errs = append(errs, errors.New("max video size must not be negative"))
	}
	if c.Analysis.ChunkSize < 0 {
		errs = append(errs, errors.New("chunk size must not be negative"))
	}
	if c.Analysis.SessionTimeout < 0 {
		errs = append(errs, errors.New("session timeout must not be negative"))
	}
	if c.Server.MaxUploadSize <= 0 {
		errs = append(errs, errors.New("max upload size must be positive"))
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (c *Config) DB() database.Config {
	return database.Config{
		Type:       c.Database.Type,
		Host:       c.Database.Host,
		Port:       c.Database.Port,
		User:       c.Database.User,
		Password:   c.Database.Password,
		Name:       c.Database.Name,
		SQLitePath: c.Database.Path,
	}
}

// Level returns the slog level for LogLevel; Validate has already rejected
// unknown names.
func (c *Config) Level() slog.Level {
	l, _ := parseLevel(c.LogLevel)
	return l
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getEnvInt64(key string, def int64) (int64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getEnvDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
