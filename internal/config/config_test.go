package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

// clearEnv blanks every VESPER_* variable for the duration of the test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		KeyConfigFile, KeyListenAddr, KeyLogLevel, KeySettingsDriver, KeySettingsPath,
		KeyLauncher, KeyEngineBinary, KeyFetchInterval, KeyRefreshDelay, KeyTaskBudget,
		KeyTeardownTimeout,
	} {
		t.Setenv(envName(key), "")
		os.Unsetenv(envName(key))
	}
}

func envName(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(key)
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.ListenAddr != defaultListenAddr {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, defaultListenAddr)
	}
	if cfg.SettingsDriver != defaultSettingsDriver || cfg.SettingsPath != defaultSettingsPath {
		t.Errorf("settings = %s:%s, want %s:%s", cfg.SettingsDriver, cfg.SettingsPath, defaultSettingsDriver, defaultSettingsPath)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Errorf("LogLevel = %v, want %v", cfg.LogLevel, slog.LevelInfo)
	}
	if cfg.Launcher != LauncherProcess {
		t.Errorf("Launcher = %q, want %q", cfg.Launcher, LauncherProcess)
	}
	if cfg.RefreshDelay != 15*time.Minute || cfg.FetchInterval != 15*time.Minute {
		t.Errorf("RefreshDelay = %v, FetchInterval = %v, want 15m each", cfg.RefreshDelay, cfg.FetchInterval)
	}
	if cfg.TaskBudget != defaultTaskBudget || cfg.TeardownTimeout != defaultTeardownTimeout {
		t.Errorf("TaskBudget = %v, TeardownTimeout = %v", cfg.TaskBudget, cfg.TeardownTimeout)
	}
}

func TestLoadFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("VESPER_LISTEN_ADDR", ":9090")
	t.Setenv("VESPER_SETTINGS_DRIVER", "bolt")
	t.Setenv("VESPER_SETTINGS_PATH", "/tmp/test.db")
	t.Setenv("VESPER_LOG_LEVEL", "debug")
	t.Setenv("VESPER_LAUNCHER", "inproc")
	t.Setenv("VESPER_FETCH_INTERVAL", "0s")
	t.Setenv("VESPER_TASK_BUDGET", "45s")

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.ListenAddr != ":9090" {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, ":9090")
	}
	if cfg.SettingsDriver != "bolt" || cfg.SettingsPath != "/tmp/test.db" {
		t.Errorf("settings = %s:%s, want bolt:/tmp/test.db", cfg.SettingsDriver, cfg.SettingsPath)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Errorf("LogLevel = %v, want %v", cfg.LogLevel, slog.LevelDebug)
	}
	if cfg.Launcher != LauncherInProc {
		t.Errorf("Launcher = %q, want %q", cfg.Launcher, LauncherInProc)
	}
	if cfg.FetchInterval != 0 {
		t.Errorf("FetchInterval = %v, want 0", cfg.FetchInterval)
	}
	if cfg.TaskBudget != 45*time.Second {
		t.Errorf("TaskBudget = %v, want 45s", cfg.TaskBudget)
	}
}

func TestLoadFlagsOverrideEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("VESPER_LISTEN_ADDR", ":9090")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	BindFlags(fs)
	if err := fs.Parse([]string{"--listen-addr=:7070", "--refresh-delay=1m"}); err != nil {
		t.Fatalf("Parse: %v", err)
	}

	cfg, err := Load(fs)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":7070" {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, ":7070")
	}
	if cfg.RefreshDelay != time.Minute {
		t.Errorf("RefreshDelay = %v, want 1m", cfg.RefreshDelay)
	}
}

func TestLoadConfigFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "vesper.yaml")
	content := "listen_addr: \":6060\"\nsettings_driver: bolt\nteardown_timeout: 2s\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("VESPER_CONFIG", path)

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":6060" || cfg.SettingsDriver != "bolt" || cfg.TeardownTimeout != 2*time.Second {
		t.Errorf("cfg = %+v, want values from file", cfg)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		env  string
		val  string
	}{
		{"driver", "VESPER_SETTINGS_DRIVER", "etcd"},
		{"launcher", "VESPER_LAUNCHER", "vm"},
		{"negative interval", "VESPER_FETCH_INTERVAL", "-1s"},
		{"zero budget", "VESPER_TASK_BUDGET", "0s"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tt.env, tt.val)
			if _, err := Load(nil); !errors.Is(err, ErrInvalid) {
				t.Errorf("Load error = %v, want ErrInvalid", err)
			}
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"invalid", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		got := parseLogLevel(tt.input)
		if got != tt.want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestNewLoggerOutputsJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, slog.LevelInfo)
	if logger == nil {
		t.Fatal("NewLogger returned nil")
	}

	logger.Info("test message", "key", "value")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("logger output is not valid JSON: %v\noutput: %s", err, buf.String())
	}

	for _, key := range []string{"time", "level", "msg"} {
		if _, ok := entry[key]; !ok {
			t.Errorf("JSON output missing expected key %q", key)
		}
	}
	if entry["msg"] != "test message" {
		t.Errorf("msg = %v, want %q", entry["msg"], "test message")
	}
	if entry["key"] != "value" {
		t.Errorf("key = %v, want %q", entry["key"], "value")
	}
}
