package fresh0

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

const (
	defaultPort          = 8080
	defaultTTL           = 15 * time.Minute
	defaultProbeCooldown = 60 * time.Second
	defaultProbeTimeout  = 3 * time.Second
	defaultFetchTimeout  = 8 * time.Second
	defaultMaxBody       = ByteSize(2 << 20)
	defaultMaxRecord     = ByteSize(1 << 20)
)

type Config struct {
	Server  ServerConfig   `yaml:"server"`
	Storage StorageConfig  `yaml:"storage"`
	Logging LoggingConfig  `yaml:"logging"`
	Widgets []WidgetConfig `yaml:"widgets"`
}

type ServerConfig struct {
	Port int `yaml:"port" env:"FRESH0_PORT"`
}

type StorageConfig struct {
	Backend   string   `yaml:"backend" env:"FRESH0_STORAGE_BACKEND"`
	Path      string   `yaml:"path" env:"FRESH0_STORAGE_PATH"`
	MaxRecord ByteSize `yaml:"maxRecord"`
}

type LoggingConfig struct {
	Level         string `yaml:"level" env:"FRESH0_LOG_LEVEL"`
	LogStatsEvery string `yaml:"logStatsEvery"`

	logStatsEveryDur time.Duration
}

// WidgetConfig describes one widget dataset and its freshness policy.
type WidgetConfig struct {
	Name          string   `yaml:"name"`
	Endpoint      string   `yaml:"endpoint"`
	Key           string   `yaml:"key"`
	TTL           string   `yaml:"ttl"`
	ProbeCooldown string   `yaml:"probeCooldown"`
	ProbeTimeout  string   `yaml:"probeTimeout"`
	FetchTimeout  string   `yaml:"fetchTimeout"`
	MaxBody       ByteSize `yaml:"maxBody"`
	WarmUp        string   `yaml:"warmUp"`

	// compiled
	ttlDur          time.Duration
	cooldownDur     time.Duration
	probeTimeoutDur time.Duration
	fetchTimeoutDur time.Duration
	warmDur         time.Duration
}

var widgetNameRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*$`)

func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return ParseConfig(b)
}

// ParseConfig decodes YAML, applies FRESH0_* environment overrides and
// defaults, and compiles every widget.
func ParseConfig(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaultPort
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "leveldb"
	}
	if cfg.Storage.Path == "" {
		switch cfg.Storage.Backend {
		case "sqlite":
			cfg.Storage.Path = "./data/fresh0.sqlite"
		default:
			cfg.Storage.Path = "./data/leveldb"
		}
	}
	switch cfg.Storage.Backend {
	case "leveldb", "sqlite", "memory":
	default:
		return Config{}, fmt.Errorf("storage.backend: unknown backend %q", cfg.Storage.Backend)
	}
	if cfg.Storage.MaxRecord == 0 {
		cfg.Storage.MaxRecord = defaultMaxRecord
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.LogStatsEvery != "" {
		d, err := time.ParseDuration(cfg.Logging.LogStatsEvery)
		if err != nil {
			return Config{}, fmt.Errorf("logging.logStatsEvery: %w", err)
		}
		cfg.Logging.logStatsEveryDur = d
	}

	if len(cfg.Widgets) == 0 {
		return Config{}, fmt.Errorf("widgets: at least one widget is required")
	}
	names := map[string]int{}
	keys := map[string]int{}
	for i := range cfg.Widgets {
		w := &cfg.Widgets[i]
		if err := w.compile(); err != nil {
			return Config{}, fmt.Errorf("widgets[%d].%w", i, err)
		}
		if j, dup := names[w.Name]; dup {
			return Config{}, fmt.Errorf("widgets[%d].name: %q already used by widgets[%d]", i, w.Name, j)
		}
		if j, dup := keys[w.Key]; dup {
			return Config{}, fmt.Errorf("widgets[%d].key: %q already used by widgets[%d]", i, w.Key, j)
		}
		names[w.Name] = i
		keys[w.Key] = i
	}
	return cfg, nil
}

func (w *WidgetConfig) compile() error {
	w.Name = strings.TrimSpace(w.Name)
	if !widgetNameRe.MatchString(w.Name) {
		return fmt.Errorf("name: invalid widget name %q", w.Name)
	}
	u, err := url.Parse(strings.TrimSpace(w.Endpoint))
	if err != nil {
		return fmt.Errorf("endpoint: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("endpoint: absolute http(s) URL required, got %q", w.Endpoint)
	}
	w.Endpoint = u.String()
	if w.Key == "" {
		w.Key = w.Name
	}

	// Origin calls must always be bounded, so timeouts cannot be zero.
	durs := []struct {
		field    string
		raw      string
		def      time.Duration
		dst      *time.Duration
		positive bool
	}{
		{"ttl", w.TTL, defaultTTL, &w.ttlDur, false},
		{"probeCooldown", w.ProbeCooldown, defaultProbeCooldown, &w.cooldownDur, false},
		{"probeTimeout", w.ProbeTimeout, defaultProbeTimeout, &w.probeTimeoutDur, true},
		{"fetchTimeout", w.FetchTimeout, defaultFetchTimeout, &w.fetchTimeoutDur, true},
		{"warmUp", w.WarmUp, 0, &w.warmDur, false},
	}
	for _, d := range durs {
		if d.raw == "" {
			*d.dst = d.def
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("%s: %w", d.field, err)
		}
		if v < 0 {
			return fmt.Errorf("%s: negative duration %s", d.field, d.raw)
		}
		if d.positive && v == 0 {
			return fmt.Errorf("%s: must be greater than zero", d.field)
		}
		*d.dst = v
	}

	if w.MaxBody == 0 {
		w.MaxBody = defaultMaxBody
	}
	return nil
}
