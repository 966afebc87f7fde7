package core

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Environment overrides.
const (
	EnvConfigPath = "SLIPS_CONFIG"
	EnvNATSURL    = "SLIPS_NATS_URL"
)

// Config holds the entire configuration shared by the coordinator and every
// worker process.
type Config struct {
	Server   ServerConfig            `yaml:"server"`
	Bus      BusConfig               `yaml:"bus"`
	Store    StoreConfig             `yaml:"store"`
	Worker   WorkerConfig            `yaml:"worker"`
	Evidence EvidenceConfig          `yaml:"evidence"`
	Shutdown ShutdownConfig          `yaml:"shutdown"`
	Modules  map[string]ModuleConfig `yaml:"modules"`
	Logging  LoggingConfig           `yaml:"logging"`
}

// ServerConfig holds status API settings. Port 0 disables the API.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port" validate:"gte=0,lte=65535"`
}

// BusConfig holds NATS broker settings.
type BusConfig struct {
	URL           string `yaml:"url" validate:"required_if=Embedded false"`
	Embedded      bool   `yaml:"embedded"`
	Host          string `yaml:"host"`
	Port          int    `yaml:"port" validate:"gte=-1,lte=65535"`
	ClientName    string `yaml:"client_name"`
	MaxReconnects int    `yaml:"max_reconnects"`
}

// StoreConfig selects the aggregate store backend.
type StoreConfig struct {
	Driver           string           `yaml:"driver" validate:"oneof=memory clickhouse"`
	ProfileSeparator string           `yaml:"profile_separator" validate:"required"`
	ClickHouse       ClickHouseConfig `yaml:"clickhouse"`
}

// ClickHouseConfig holds connection settings for the ClickHouse backend.
type ClickHouseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port" validate:"gte=0,lte=65535"`
	Database string `yaml:"database"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// Addr returns host:port.
func (c ClickHouseConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// WorkerConfig holds settings for the subscriber loop inside worker processes.
type WorkerConfig struct {
	PollTimeout time.Duration `yaml:"poll_timeout" validate:"gt=0"`
}

// EvidenceConfig selects where evidence goes besides the broker.
type EvidenceConfig struct {
	Console    bool `yaml:"console"`
	ClickHouse bool `yaml:"clickhouse"`
	BatchSize  int  `yaml:"batch_size" validate:"gt=0"`
	QueueSize  int  `yaml:"queue_size" validate:"gt=0"`
}

// ShutdownConfig bounds the coordinated shutdown.
type ShutdownConfig struct {
	MaxPolls          int           `yaml:"max_polls" validate:"gt=0"`
	PollTimeout       time.Duration `yaml:"poll_timeout" validate:"gt=0"`
	IdleStopIntervals int           `yaml:"idle_stop_intervals" validate:"gte=0"`
	IdleCheckInterval time.Duration `yaml:"idle_check_interval"`
}

// DrainBudget is the wall-clock equivalent of the poll budget.
func (s ShutdownConfig) DrainBudget() time.Duration {
	return time.Duration(s.MaxPolls) * s.PollTimeout
}

// ModuleConfig holds per-module configuration.
type ModuleConfig struct {
	Enabled  bool                   `yaml:"enabled"`
	Settings map[string]interface{} `yaml:"settings"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `yaml:"format" validate:"omitempty,oneof=console json"`
}

// DefaultConfig returns a Config that runs everything locally with an
// embedded broker and the in-memory store.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 1790,
		},
		Bus: BusConfig{
			URL:           "nats://127.0.0.1:4222",
			Embedded:      true,
			Host:          "127.0.0.1",
			Port:          4222,
			ClientName:    "slips",
			MaxReconnects: 60,
		},
		Store: StoreConfig{
			Driver:           "memory",
			ProfileSeparator: "_",
			ClickHouse: ClickHouseConfig{
				Host:     "127.0.0.1",
				Port:     9000,
				Database: "slips",
				Username: "default",
			},
		},
		Worker: WorkerConfig{
			PollTimeout: 10 * time.Millisecond,
		},
		Evidence: EvidenceConfig{
			Console:   true,
			BatchSize: 100,
			QueueSize: 1024,
		},
		Shutdown: ShutdownConfig{
			MaxPolls:          130,
			PollTimeout:       10 * time.Millisecond,
			IdleStopIntervals: 0,
			IdleCheckInterval: 5 * time.Second,
		},
		Modules: map[string]ModuleConfig{
			"portscan": {Enabled: true, Settings: map[string]interface{}{
				"threshold": 6,
				"protocols": []interface{}{"tcp", "udp"},
			}},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// LoadConfig overlays the YAML file at path on DefaultConfig. A missing file
// is not an error. An empty path means $SLIPS_CONFIG.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}

	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(raw, cfg); err != nil {
				return nil, fmt.Errorf("parsing %s: %w", path, err)
			}
		case !errors.Is(err, fs.ErrNotExist):
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
	}

	// Workers are told where the coordinator's broker lives through the
	// environment; they never run their own embedded server.
	if url := os.Getenv(EnvNATSURL); url != "" {
		cfg.Bus.URL = url
		cfg.Bus.Embedded = false
	}

	return cfg, nil
}

// SaveConfig writes cfg to path as YAML.
func SaveConfig(cfg *Config, path string) error {
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	return os.WriteFile(path, out, 0o644)
}

var configValidator = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the configuration. Errors make the configuration unusable;
// warnings describe settings that work but are probably not intended.
func (c *Config) Validate() (warnings []string, errs []error) {
	if err := configValidator.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				errs = append(errs, fmt.Errorf("%s: failed %q check (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
			}
		} else {
			errs = append(errs, err)
		}
	}

	if c.Shutdown.IdleStopIntervals > 0 && c.Shutdown.IdleCheckInterval <= 0 {
		errs = append(errs, fmt.Errorf("shutdown.idle_check_interval must be positive when idle_stop_intervals is set"))
	}

	for name, mod := range c.Modules {
		if !mod.Enabled {
			continue
		}
		if t := c.GetModuleInt(name, "threshold", 0); t < 0 {
			errs = append(errs, fmt.Errorf("modules.%s.settings.threshold must not be negative", name))
		}
	}

	if c.Shutdown.DrainBudget() > 30*time.Second {
		warnings = append(warnings, fmt.Sprintf("shutdown drain budget is %s; stuck workers will delay exit that long", c.Shutdown.DrainBudget()))
	}
	if c.Evidence.ClickHouse && c.Store.Driver != "clickhouse" && c.Store.ClickHouse.Host == "" {
		warnings = append(warnings, "evidence.clickhouse is enabled but store.clickhouse.host is empty")
	}
	if len(c.EnabledModules()) == 0 {
		warnings = append(warnings, "no modules enabled; the coordinator will have nothing to run")
	}
	if c.Server.Port != 0 && c.Server.Host != "127.0.0.1" && c.Server.Host != "localhost" {
		warnings = append(warnings, fmt.Sprintf("status API listens on %s and has no authentication", c.Server.Host))
	}

	return warnings, errs
}

func (c *Config) IsModuleEnabled(name string) bool {
	return c.Modules[name].Enabled
}

// EnabledModules returns the names of enabled modules, sorted.
func (c *Config) EnabledModules() []string {
	var names []string
	for name, mod := range c.Modules {
		if mod.Enabled {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// GetModuleSetting returns modules.<module>.settings.<key>, or defaultVal
// when the module or the key is absent.
func (c *Config) GetModuleSetting(module, key string, defaultVal interface{}) interface{} {
	if v, ok := c.Modules[module].Settings[key]; ok {
		return v
	}
	return defaultVal
}

// GetModuleInt returns an integer setting. YAML numbers decode as int, JSON
// numbers as float64; both are accepted.
func (c *Config) GetModuleInt(module, key string, defaultVal int) int {
	switch v := c.GetModuleSetting(module, key, nil).(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return defaultVal
	}
}

// GetModuleStrings returns a string list setting. Non-string items of a
// decoded list are dropped.
func (c *Config) GetModuleStrings(module, key string, defaultVal []string) []string {
	raw := c.GetModuleSetting(module, key, nil)
	if list, ok := raw.([]string); ok {
		return list
	}
	items, ok := raw.([]interface{})
	if !ok {
		return defaultVal
	}
	var out []string
	for _, it := range items {
		if str, isStr := it.(string); isStr {
			out = append(out, str)
		}
	}
	return out
}
