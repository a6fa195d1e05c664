package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable, e.g. VESPER_LISTEN_ADDR.
const EnvPrefix = "VESPER"

// Configuration keys. Each maps to the environment variable
// VESPER_<KEY> and the flag with underscores replaced by dashes.
const (
	KeyConfigFile      = "config"
	KeyListenAddr      = "listen_addr"
	KeyLogLevel        = "log_level"
	KeySettingsDriver  = "settings_driver"
	KeySettingsPath    = "settings_path"
	KeyLauncher        = "launcher"
	KeyEngineBinary    = "engine_binary"
	KeyFetchInterval   = "fetch_interval"
	KeyRefreshDelay    = "refresh_delay"
	KeyTaskBudget      = "task_budget"
	KeyTeardownTimeout = "teardown_timeout"
)

// Launcher kinds.
const (
	LauncherProcess = "process"
	LauncherInProc  = "inproc"
)

const (
	defaultListenAddr      = ":8080"
	defaultSettingsDriver  = "sqlite"
	defaultSettingsPath    = "vesper.db"
	defaultLauncher        = LauncherProcess
	defaultFetchInterval   = 15 * time.Minute
	defaultRefreshDelay    = 15 * time.Minute
	defaultTaskBudget      = 30 * time.Second
	defaultTeardownTimeout = 10 * time.Second
)

// ErrInvalid is returned for configuration values outside their allowed set.
var ErrInvalid = errors.New("invalid configuration")

// Config holds application configuration.
type Config struct {
	ListenAddr     string
	LogLevel       slog.Level
	SettingsDriver string
	SettingsPath   string
	// Launcher selects how engines run: as child processes of EngineBinary
	// or in-process.
	Launcher string
	// EngineBinary is the executable started for process engines. Empty
	// means the running executable.
	EngineBinary    string
	FetchInterval   time.Duration
	RefreshDelay    time.Duration
	TaskBudget      time.Duration
	TeardownTimeout time.Duration
}

// BindFlags registers the configuration flags on fs.
func BindFlags(fs *pflag.FlagSet) {
	fs.String(flagName(KeyConfigFile), "", "path to a config file (yaml, toml or json)")
	fs.String(flagName(KeyListenAddr), defaultListenAddr, "HTTP listen address")
	fs.String(flagName(KeyLogLevel), "info", "log level: debug, info, warn or error")
	fs.String(flagName(KeySettingsDriver), defaultSettingsDriver, "settings store driver: sqlite or bolt")
	fs.String(flagName(KeySettingsPath), defaultSettingsPath, "settings store path")
	fs.String(flagName(KeyLauncher), defaultLauncher, "engine launcher: process or inproc")
	fs.String(flagName(KeyEngineBinary), "", "engine executable for the process launcher (default: this binary)")
	fs.Duration(flagName(KeyFetchInterval), defaultFetchInterval, "interval between fetch opportunities, 0 to disable")
	fs.Duration(flagName(KeyRefreshDelay), defaultRefreshDelay, "delay before a requested refresh task may run")
	fs.Duration(flagName(KeyTaskBudget), defaultTaskBudget, "time a refresh task may run before it expires")
	fs.Duration(flagName(KeyTeardownTimeout), defaultTeardownTimeout, "time allowed for engine teardown")
}

// Load reads configuration from, in increasing precedence: defaults, the
// optional config file, VESPER_* environment variables and flags set on fs.
// fs may be nil.
func Load(fs *pflag.FlagSet) (Config, error) {
	v := viper.New()
	v.SetDefault(KeyListenAddr, defaultListenAddr)
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeySettingsDriver, defaultSettingsDriver)
	v.SetDefault(KeySettingsPath, defaultSettingsPath)
	v.SetDefault(KeyLauncher, defaultLauncher)
	v.SetDefault(KeyEngineBinary, "")
	v.SetDefault(KeyFetchInterval, defaultFetchInterval)
	v.SetDefault(KeyRefreshDelay, defaultRefreshDelay)
	v.SetDefault(KeyTaskBudget, defaultTaskBudget)
	v.SetDefault(KeyTeardownTimeout, defaultTeardownTimeout)

	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()

	if fs != nil {
		var bindErr error
		fs.VisitAll(func(f *pflag.Flag) {
			if err := v.BindPFlag(strings.ReplaceAll(f.Name, "-", "_"), f); err != nil && bindErr == nil {
				bindErr = err
			}
		})
		if bindErr != nil {
			return Config{}, fmt.Errorf("bind flags: %w", bindErr)
		}
	}

	if path := v.GetString(KeyConfigFile); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := Config{
		ListenAddr:      v.GetString(KeyListenAddr),
		LogLevel:        parseLogLevel(v.GetString(KeyLogLevel)),
		SettingsDriver:  strings.ToLower(v.GetString(KeySettingsDriver)),
		SettingsPath:    v.GetString(KeySettingsPath),
		Launcher:        strings.ToLower(v.GetString(KeyLauncher)),
		EngineBinary:    v.GetString(KeyEngineBinary),
		FetchInterval:   v.GetDuration(KeyFetchInterval),
		RefreshDelay:    v.GetDuration(KeyRefreshDelay),
		TaskBudget:      v.GetDuration(KeyTaskBudget),
		TeardownTimeout: v.GetDuration(KeyTeardownTimeout),
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.SettingsDriver {
	case "sqlite", "bolt":
	default:
		return fmt.Errorf("%s %q: %w", KeySettingsDriver, c.SettingsDriver, ErrInvalid)
	}
	switch c.Launcher {
	case LauncherProcess, LauncherInProc:
	default:
		return fmt.Errorf("%s %q: %w", KeyLauncher, c.Launcher, ErrInvalid)
	}
	if c.FetchInterval < 0 {
		return fmt.Errorf("%s must not be negative: %w", KeyFetchInterval, ErrInvalid)
	}
	if c.RefreshDelay <= 0 || c.TaskBudget <= 0 || c.TeardownTimeout <= 0 {
		return fmt.Errorf("%s, %s and %s must be positive: %w", KeyRefreshDelay, KeyTaskBudget, KeyTeardownTimeout, ErrInvalid)
	}
	return nil
}

func flagName(key string) string {
	return strings.ReplaceAll(key, "_", "-")
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
