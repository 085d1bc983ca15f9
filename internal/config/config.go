package config

import (
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
)

const (
	defaultListenAddr         = ":8080"
	defaultDBPath             = "hermes.db"
	defaultAssignmentDuration = 30 * time.Minute
	defaultPollInterval       = 300 * time.Millisecond
	defaultS3Endpoint         = "s3.amazonaws.com"
	defaultS3Region           = "us-east-1"
	defaultPresignExpiry      = time.Hour

	envListenAddr         = "HERMES_LISTEN_ADDR"
	envDBPath             = "HERMES_DB_PATH"
	envLogLevel           = "HERMES_LOG_LEVEL"
	envTaskFile           = "HERMES_TASK_FILE"
	envAssignmentDuration = "HERMES_ASSIGNMENT_DURATION_S"
	envAdmitNoPrior       = "HERMES_ADMIT_NO_PRIOR_QUALIFICATION"
	envPollInterval       = "HERMES_POLL_INTERVAL_MS"
	envS3Endpoint         = "HERMES_S3_ENDPOINT"
	envS3Region           = "HERMES_S3_REGION"
	envS3AccessKey        = "HERMES_S3_ACCESS_KEY"
	envS3SecretKey        = "HERMES_S3_SECRET_KEY"
	envS3UseSSL           = "HERMES_S3_USE_SSL"
	envPresignExpiry      = "HERMES_PRESIGN_EXPIRY_S"
)

// Config holds application configuration loaded from environment variables
// and, optionally, command-line flags.
type Config struct {
	ListenAddr string
	DBPath     string
	LogLevel   slog.Level
	TaskFile   string

	AssignmentDuration            time.Duration
	AdmitWithNoPriorQualification bool
	PollInterval                  time.Duration

	S3Endpoint    string
	S3Region      string
	S3AccessKey   string
	S3SecretKey   string
	S3UseSSL      bool
	PresignExpiry time.Duration
}

// Load reads configuration from environment variables with sensible defaults.
// Unparseable numeric or boolean values fall back to the default.
func Load() Config {
	cfg := Config{
		ListenAddr:         defaultListenAddr,
		DBPath:             defaultDBPath,
		LogLevel:           slog.LevelInfo,
		AssignmentDuration: defaultAssignmentDuration,
		PollInterval:       defaultPollInterval,
		S3Endpoint:         defaultS3Endpoint,
		S3Region:           defaultS3Region,
		S3UseSSL:           true,
		PresignExpiry:      defaultPresignExpiry,
	}

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
	cfg.TaskFile = os.Getenv(envTaskFile)

	if n, ok := envInt(envAssignmentDuration); ok {
		cfg.AssignmentDuration = time.Duration(n) * time.Second
	}
	if b, ok := envBool(envAdmitNoPrior); ok {
		cfg.AdmitWithNoPriorQualification = b
	}
	if n, ok := envInt(envPollInterval); ok {
		cfg.PollInterval = time.Duration(n) * time.Millisecond
	}

	if v := os.Getenv(envS3Endpoint); v != "" {
		cfg.S3Endpoint = v
	}
	if v := os.Getenv(envS3Region); v != "" {
		cfg.S3Region = v
	}
	cfg.S3AccessKey = os.Getenv(envS3AccessKey)
	cfg.S3SecretKey = os.Getenv(envS3SecretKey)
	if b, ok := envBool(envS3UseSSL); ok {
		cfg.S3UseSSL = b
	}
	if n, ok := envInt(envPresignExpiry); ok {
		cfg.PresignExpiry = time.Duration(n) * time.Second
	}

	return cfg
}

// BindFlags registers flags that override cfg. Defaults shown in help are
// the values already in cfg, so call it after Load.
func BindFlags(fs *pflag.FlagSet, cfg *Config) {
	fs.StringVar(&cfg.ListenAddr, "listen-addr", cfg.ListenAddr, "HTTP listen address")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "SQLite database path")
	fs.StringVar(&cfg.TaskFile, "task-file", cfg.TaskFile, "YAML task file describing the run")
	fs.DurationVar(&cfg.AssignmentDuration, "assignment-duration", cfg.AssignmentDuration, "maximum time an agent may work on one assignment")
	fs.BoolVar(&cfg.AdmitWithNoPriorQualification, "admit-no-prior-qualification", cfg.AdmitWithNoPriorQualification, "admit workers who hold no qualification at all")
	fs.DurationVar(&cfg.PollInterval, "poll-interval", cfg.PollInterval, "pause between dispatch steps")
	fs.StringVar(&cfg.S3Endpoint, "s3-endpoint", cfg.S3Endpoint, "S3 endpoint used for presigning")
	fs.StringVar(&cfg.S3Region, "s3-region", cfg.S3Region, "S3 region used for presigning")
	fs.BoolVar(&cfg.S3UseSSL, "s3-use-ssl", cfg.S3UseSSL, "use HTTPS for presigned URLs")
	fs.DurationVar(&cfg.PresignExpiry, "presign-expiry", cfg.PresignExpiry, "lifetime of presigned URLs")
	fs.Var(&levelValue{level: &cfg.LogLevel}, "log-level", "log level (debug, info, warn, error)")
}

// levelValue adapts slog.Level to pflag.Value.
type levelValue struct {
	level *slog.Level
}

func (v *levelValue) String() string {
	if v.level == nil {
		return slog.LevelInfo.String()
	}
	return strings.ToLower(v.level.String())
}

func (v *levelValue) Set(s string) error {
	*v.level = parseLogLevel(s)
	return nil
}

func (v *levelValue) Type() string { return "level" }

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

func envBool(key string) (bool, bool) {
	v := os.Getenv(key)
	if v == "" {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}
	return b, true
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
