package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/skobkin/gpu-monitor/internal/logging"
)

// Config represents runtime configuration resolved once at startup.
type Config struct {
	SampleInterval time.Duration
	AcquireTimeout time.Duration
	AppendTimeout  time.Duration
	PendingLimit   int

	Retention           time.Duration
	CompactInterval     time.Duration
	ReclaimMinGap       time.Duration
	ReclaimMinFreeBytes int64
	ExportEvery         int

	DataDir         string
	StorePath       string
	SnapshotPath    string
	StatusPath      string
	MetricsTextfile string
	SocketPath      string
	SMIPath         string
	SysfsRoot       string
	StatusGrace     time.Duration

	Log LogConfig
	WS  WebsocketConfig
}

// LogConfig selects the logging context handler.
type LogConfig struct {
	Level  slog.Level
	Format string
	Output string
}

// WebsocketConfig captures tunables for the live sample stream on the control socket.
type WebsocketConfig struct {
	MaxClients   int
	WriteTimeout time.Duration
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		SampleInterval:      4 * time.Second,
		AcquireTimeout:      5 * time.Second,
		AppendTimeout:       2 * time.Second,
		PendingLimit:        64,
		Retention:           24*time.Hour + 10*time.Minute,
		CompactInterval:     time.Hour,
		ReclaimMinGap:       6 * time.Hour,
		ReclaimMinFreeBytes: 1 << 20,
		ExportEvery:         1,
		DataDir:             "history",
		SysfsRoot:           "/sys",
		StatusGrace:         30 * time.Second,
		Log: LogConfig{
			Level:  slog.LevelInfo,
			Format: "text",
			Output: "stderr",
		},
		WS: WebsocketConfig{
			MaxClients:   16,
			WriteTimeout: 3 * time.Second,
		},
	}
}

// Load resolves configuration from defaults, the optional YAML file named by
// APP_CONFIG_FILE and APP_* environment variables, in that order.
func Load() (Config, error) {
	return LoadFile(strings.TrimSpace(os.Getenv("APP_CONFIG_FILE")))
}

// LoadFile is Load with an explicit YAML file path. An empty path skips the file.
func LoadFile(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		if err := applyFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	cfg.resolvePaths()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadDotEnv loads KEY=VALUE pairs from a .env file without overriding
// variables already present in the environment. A missing file is not an error.
func LoadDotEnv(path string) (bool, error) {
	if path == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err := godotenv.Load(path); err != nil {
		return false, fmt.Errorf("load %s: %w", path, err)
	}
	return true, nil
}

// Validate checks invariants between settings.
func (c Config) Validate() error {
	switch {
	case c.SampleInterval <= 0:
		return fmt.Errorf("sample interval must be > 0")
	case c.AcquireTimeout <= 0:
		return fmt.Errorf("acquire timeout must be > 0")
	case c.AppendTimeout <= 0:
		return fmt.Errorf("append timeout must be > 0")
	case c.PendingLimit < 0:
		return fmt.Errorf("pending limit must be >= 0")
	case c.Retention <= 0:
		return fmt.Errorf("retention must be > 0")
	case c.CompactInterval < c.SampleInterval:
		return fmt.Errorf("compact interval %s must not be shorter than sample interval %s", c.CompactInterval, c.SampleInterval)
	case c.ReclaimMinGap < 0:
		return fmt.Errorf("reclaim min gap must be >= 0")
	case c.ReclaimMinFreeBytes < 0:
		return fmt.Errorf("reclaim min free bytes must be >= 0")
	case c.ExportEvery <= 0:
		return fmt.Errorf("export every must be > 0")
	case c.StatusGrace <= 0:
		return fmt.Errorf("status grace must be > 0")
	case c.WS.MaxClients <= 0:
		return fmt.Errorf("ws max clients must be > 0")
	case c.WS.WriteTimeout <= 0:
		return fmt.Errorf("ws write timeout must be > 0")
	case c.StorePath == "" || c.SnapshotPath == "" || c.StatusPath == "":
		return fmt.Errorf("store, snapshot and status paths must be set")
	}
	return nil
}

// LoggingOptions converts the log section into logging.Options.
func (c Config) LoggingOptions() logging.Options {
	return logging.Options{
		Level:  c.Log.Level,
		Format: c.Log.Format,
		Output: c.Log.Output,
	}
}

func (c *Config) resolvePaths() {
	if c.StorePath == "" {
		c.StorePath = filepath.Join(c.DataDir, "gpu_metrics.db")
	}
	if c.SnapshotPath == "" {
		c.SnapshotPath = filepath.Join(c.DataDir, "history.json")
	}
	if c.StatusPath == "" {
		c.StatusPath = filepath.Join(c.DataDir, "gpu_current_stats.json")
	}
}

// fileConfig mirrors Config in YAML. Durations are Go duration strings.
type fileConfig struct {
	SampleInterval      string `yaml:"sample_interval"`
	AcquireTimeout      string `yaml:"acquire_timeout"`
	AppendTimeout       string `yaml:"append_timeout"`
	PendingLimit        *int   `yaml:"pending_limit"`
	Retention           string `yaml:"retention"`
	CompactInterval     string `yaml:"compact_interval"`
	ReclaimMinGap       string `yaml:"reclaim_min_gap"`
	ReclaimMinFreeBytes *int64 `yaml:"reclaim_min_free_bytes"`
	ExportEvery         *int   `yaml:"export_every"`
	DataDir             string `yaml:"data_dir"`
	StorePath           string `yaml:"store_path"`
	SnapshotPath        string `yaml:"snapshot_path"`
	StatusPath          string `yaml:"status_path"`
	MetricsTextfile     string `yaml:"metrics_textfile"`
	SocketPath          string `yaml:"socket_path"`
	SMIPath             string `yaml:"smi_path"`
	SysfsRoot           string `yaml:"sysfs_root"`
	StatusGrace         string `yaml:"status_grace"`
	Log                 struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
		Output string `yaml:"output"`
	} `yaml:"log"`
	WS struct {
		MaxClients   *int   `yaml:"max_clients"`
		WriteTimeout string `yaml:"write_timeout"`
	} `yaml:"ws"`
}

func applyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&fc); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	durations := []struct {
		key   string
		value string
		dst   *time.Duration
	}{
		{"sample_interval", fc.SampleInterval, &cfg.SampleInterval},
		{"acquire_timeout", fc.AcquireTimeout, &cfg.AcquireTimeout},
		{"append_timeout", fc.AppendTimeout, &cfg.AppendTimeout},
		{"retention", fc.Retention, &cfg.Retention},
		{"compact_interval", fc.CompactInterval, &cfg.CompactInterval},
		{"reclaim_min_gap", fc.ReclaimMinGap, &cfg.ReclaimMinGap},
		{"status_grace", fc.StatusGrace, &cfg.StatusGrace},
		{"ws.write_timeout", fc.WS.WriteTimeout, &cfg.WS.WriteTimeout},
	}
	for _, d := range durations {
		if d.value == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.value)
		if err != nil {
			return fmt.Errorf("parse %s: %w", d.key, err)
		}
		*d.dst = parsed
	}

	if fc.PendingLimit != nil {
		cfg.PendingLimit = *fc.PendingLimit
	}
	if fc.ReclaimMinFreeBytes != nil {
		cfg.ReclaimMinFreeBytes = *fc.ReclaimMinFreeBytes
	}
	if fc.ExportEvery != nil {
		cfg.ExportEvery = *fc.ExportEvery
	}
	if fc.WS.MaxClients != nil {
		cfg.WS.MaxClients = *fc.WS.MaxClients
	}

	setString(&cfg.DataDir, fc.DataDir)
	setString(&cfg.StorePath, fc.StorePath)
	setString(&cfg.SnapshotPath, fc.SnapshotPath)
	setString(&cfg.StatusPath, fc.StatusPath)
	setString(&cfg.MetricsTextfile, fc.MetricsTextfile)
	setString(&cfg.SocketPath, fc.SocketPath)
	setString(&cfg.SMIPath, fc.SMIPath)
	setString(&cfg.SysfsRoot, fc.SysfsRoot)
	setString(&cfg.Log.Format, fc.Log.Format)
	setString(&cfg.Log.Output, fc.Log.Output)

	if fc.Log.Level != "" {
		level, err := logging.ParseLevel(fc.Log.Level)
		if err != nil {
			return fmt.Errorf("parse log.level: %w", err)
		}
		cfg.Log.Level = level
	}
	return nil
}

func applyEnv(cfg *Config) error {
	durations := []struct {
		name string
		dst  *time.Duration
	}{
		{"APP_SAMPLE_INTERVAL", &cfg.SampleInterval},
		{"APP_ACQUIRE_TIMEOUT", &cfg.AcquireTimeout},
		{"APP_APPEND_TIMEOUT", &cfg.AppendTimeout},
		{"APP_RETENTION", &cfg.Retention},
		{"APP_COMPACT_INTERVAL", &cfg.CompactInterval},
		{"APP_RECLAIM_MIN_GAP", &cfg.ReclaimMinGap},
		{"APP_STATUS_GRACE", &cfg.StatusGrace},
		{"APP_WS_WRITE_TIMEOUT", &cfg.WS.WriteTimeout},
	}
	for _, d := range durations {
		value := strings.TrimSpace(os.Getenv(d.name))
		if value == "" {
			continue
		}
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("parse %s: %w", d.name, err)
		}
		if parsed <= 0 && d.name != "APP_RECLAIM_MIN_GAP" {
			return fmt.Errorf("%s must be > 0", d.name)
		}
		*d.dst = parsed
	}

	ints := []struct {
		name string
		dst  *int
	}{
		{"APP_PENDING_LIMIT", &cfg.PendingLimit},
		{"APP_EXPORT_EVERY", &cfg.ExportEvery},
		{"APP_WS_MAX_CLIENTS", &cfg.WS.MaxClients},
	}
	for _, i := range ints {
		value := strings.TrimSpace(os.Getenv(i.name))
		if value == "" {
			continue
		}
		parsed, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("parse %s: %w", i.name, err)
		}
		*i.dst = parsed
	}

	if value := strings.TrimSpace(os.Getenv("APP_RECLAIM_MIN_FREE_BYTES")); value != "" {
		parsed, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("parse APP_RECLAIM_MIN_FREE_BYTES: %w", err)
		}
		cfg.ReclaimMinFreeBytes = parsed
	}

	setString(&cfg.DataDir, os.Getenv("APP_DATA_DIR"))
	setString(&cfg.StorePath, os.Getenv("APP_STORE_PATH"))
	setString(&cfg.SnapshotPath, os.Getenv("APP_SNAPSHOT_PATH"))
	setString(&cfg.StatusPath, os.Getenv("APP_STATUS_PATH"))
	setString(&cfg.MetricsTextfile, os.Getenv("APP_METRICS_TEXTFILE"))
	setString(&cfg.SocketPath, os.Getenv("APP_SOCKET_PATH"))
	setString(&cfg.SMIPath, os.Getenv("APP_SMI_PATH"))
	setString(&cfg.SysfsRoot, os.Getenv("APP_SYSFS_ROOT"))
	setString(&cfg.Log.Format, os.Getenv("APP_LOG_FORMAT"))
	setString(&cfg.Log.Output, os.Getenv("APP_LOG_OUTPUT"))

	if value := strings.TrimSpace(os.Getenv("APP_LOG_LEVEL")); value != "" {
		level, err := logging.ParseLevel(value)
		if err != nil {
			return fmt.Errorf("parse APP_LOG_LEVEL: %w", err)
		}
		cfg.Log.Level = level
	}
	return nil
}

func setString(dst *string, value string) {
	if value = strings.TrimSpace(value); value != "" {
		*dst = value
	}
}
