package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/adhocore/gronx"
	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// DefaultPath is used when TL1_CONFIG_PATH is unset.
const DefaultPath = "data/config.yaml"

// Config represents the complete assistant configuration
type Config struct {
	Device    DeviceConfig   `yaml:"device" envPrefix:"DEVICE_"`
	Timeouts  TimeoutConfig  `yaml:"timeouts" envPrefix:"TIMEOUT_"`
	Catalog   CatalogConfig  `yaml:"catalog" envPrefix:"CATALOG_"`
	Playbooks PlaybookConfig `yaml:"playbooks" envPrefix:"PLAYBOOK_"`
	Audit     AuditConfig    `yaml:"audit" envPrefix:"AUDIT_"`
	Notify    NotifyConfig   `yaml:"notify" envPrefix:"NOTIFY_"`
	Logging   LoggingConfig  `yaml:"logging" envPrefix:"LOG_"`
	Console   ConsoleConfig  `yaml:"console" envPrefix:"CONSOLE_"`
}

// DeviceConfig is the default network element the console talks to.
type DeviceConfig struct {
	Host         string `yaml:"host" env:"HOST"`
	Port         int    `yaml:"port" env:"PORT"`
	TID          string `yaml:"tid" env:"TID"`
	Telnet       bool   `yaml:"telnet" env:"TELNET"`
	Transport    string `yaml:"transport" env:"TRANSPORT"` // "native" or "ziutek"
	StartCTAG    int    `yaml:"start_ctag" env:"START_CTAG"`
	MaxLineBytes int    `yaml:"max_line_bytes" env:"MAX_LINE_BYTES"`
}

// TimeoutConfig holds the distinct per-command bounds, in milliseconds.
type TimeoutConfig struct {
	ConnectMS   int `yaml:"connect_ms" env:"CONNECT_MS"`
	ReadMS      int `yaml:"read_ms" env:"READ_MS"`
	CommandMS   int `yaml:"command_ms" env:"COMMAND_MS"`
	WriteMS     int `yaml:"write_ms" env:"WRITE_MS"`
	StepDelayMS int `yaml:"step_delay_ms" env:"STEP_DELAY_MS"`
}

func (t TimeoutConfig) Connect() time.Duration   { return ms(t.ConnectMS) }
func (t TimeoutConfig) Read() time.Duration      { return ms(t.ReadMS) }
func (t TimeoutConfig) Command() time.Duration   { return ms(t.CommandMS) }
func (t TimeoutConfig) Write() time.Duration     { return ms(t.WriteMS) }
func (t TimeoutConfig) StepDelay() time.Duration { return ms(t.StepDelayMS) }

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

// CatalogConfig points at the command catalog file.
type CatalogConfig struct {
	Path   string `yaml:"path" env:"PATH"`
	Strict bool   `yaml:"strict" env:"STRICT"`
}

// PlaybookConfig points at the playbook library and optional cron runs.
type PlaybookConfig struct {
	Path      string           `yaml:"path" env:"PATH"`
	Schedules []ScheduleConfig `yaml:"schedules"`
}

// ScheduleConfig runs one playbook on a cron expression.
type ScheduleConfig struct {
	Name     string            `yaml:"name"`
	Cron     string            `yaml:"cron"`
	Playbook string            `yaml:"playbook"`
	Host     string            `yaml:"host"`
	Port     int               `yaml:"port"`
	Vars     map[string]string `yaml:"vars"`
}

// AuditConfig selects where command exchanges are recorded.
type AuditConfig struct {
	Backend       string `yaml:"backend" env:"BACKEND"` // jsonl, sqlite, pebble, none
	Dir           string `yaml:"dir" env:"DIR"`
	DBPath        string `yaml:"db_path" env:"DB_PATH"`
	RetentionDays int    `yaml:"retention_days" env:"RETENTION_DAYS"`
	QueueSize     int    `yaml:"queue_size" env:"QUEUE_SIZE"`
	BusyTimeoutMS int    `yaml:"busy_timeout_ms" env:"BUSY_TIMEOUT_MS"`
}

// NotifyConfig contains MQTT publishing settings
type NotifyConfig struct {
	Enabled  bool   `yaml:"enabled" env:"ENABLED"`
	Broker   string `yaml:"broker" env:"BROKER"`
	Port     int    `yaml:"port" env:"PORT"`
	Topic    string `yaml:"topic" env:"TOPIC"`
	ClientID string `yaml:"client_id" env:"CLIENT_ID"`
	Username string `yaml:"username" env:"USERNAME"`
	Password string `yaml:"password" env:"PASSWORD"`
	QoS      int    `yaml:"qos" env:"QOS"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Enabled       bool   `yaml:"enabled" env:"ENABLED"`
	Dir           string `yaml:"dir" env:"DIR"`
	RetentionDays int    `yaml:"retention_days" env:"RETENTION_DAYS"`
}

// ConsoleConfig tunes the interactive operator prompt.
type ConsoleConfig struct {
	Prompt      string `yaml:"prompt" env:"PROMPT"`
	HistoryFile string `yaml:"history_file" env:"HISTORY_FILE"`
}

// Path returns the config file location from TL1_CONFIG_PATH or DefaultPath.
func Path() string {
	if p := strings.TrimSpace(os.Getenv("TL1_CONFIG_PATH")); p != "" {
		return p
	}
	return DefaultPath
}

// Purpose: Load configuration from YAML, then defaults and env overrides.
// Key aspects: TL1_* environment variables win over the file; the merged
// result is validated before it is returned.
// Upstream: main startup, cmd/tl1sim.
// Downstream: yaml.Unmarshal, env.ParseWithOptions, Validate.
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	cfg.applyDefaults()
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: "TL1_"}); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a validated configuration with no file behind it.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.Device.Host) == "" {
		c.Device.Host = "127.0.0.1"
	}
	if c.Device.Port == 0 {
		c.Device.Port = 3083
	}
	if c.Device.Transport == "" {
		c.Device.Transport = "native"
	}
	if c.Device.StartCTAG <= 0 {
		c.Device.StartCTAG = 1
	}
	if c.Device.MaxLineBytes <= 0 {
		c.Device.MaxLineBytes = 8192
	}
	if c.Timeouts.ConnectMS <= 0 {
		c.Timeouts.ConnectMS = 10000
	}
	if c.Timeouts.ReadMS <= 0 {
		c.Timeouts.ReadMS = 5000
	}
	if c.Timeouts.CommandMS <= 0 {
		c.Timeouts.CommandMS = 30000
	}
	if c.Timeouts.WriteMS <= 0 {
		c.Timeouts.WriteMS = 5000
	}
	if c.Timeouts.StepDelayMS < 0 {
		c.Timeouts.StepDelayMS = 0
	} else if c.Timeouts.StepDelayMS == 0 {
		c.Timeouts.StepDelayMS = 500
	}
	if c.Catalog.Path == "" {
		c.Catalog.Path = "data/catalog.yaml"
	}
	if c.Playbooks.Path == "" {
		c.Playbooks.Path = "data/playbooks.yaml"
	}
	if c.Audit.Backend == "" {
		c.Audit.Backend = "jsonl"
	}
	if c.Audit.Dir == "" {
		c.Audit.Dir = "data/audit"
	}
	if c.Audit.DBPath == "" {
		switch strings.ToLower(c.Audit.Backend) {
		case "pebble":
			c.Audit.DBPath = "data/audit/pebble"
		default:
			c.Audit.DBPath = "data/audit/audit.db"
		}
	}
	if c.Audit.RetentionDays <= 0 {
		c.Audit.RetentionDays = 30
	}
	if c.Audit.QueueSize <= 0 {
		c.Audit.QueueSize = 1024
	}
	if c.Audit.BusyTimeoutMS <= 0 {
		c.Audit.BusyTimeoutMS = 1000
	}
	if c.Notify.Port == 0 {
		c.Notify.Port = 1883
	}
	if c.Notify.Topic == "" {
		c.Notify.Topic = "tl1assist"
	}
	if c.Logging.Dir == "" {
		c.Logging.Dir = "data/logs"
	}
	if c.Logging.RetentionDays <= 0 {
		c.Logging.RetentionDays = 7
	}
	if c.Console.Prompt == "" {
		c.Console.Prompt = "tl1> "
	}
}

// Validate checks enums, ports and cron expressions.
func (c *Config) Validate() error {
	var errs []error
	switch strings.ToLower(c.Device.Transport) {
	case "native", "ziutek":
	default:
		errs = append(errs, fmt.Errorf("device.transport must be native or ziutek, got %q", c.Device.Transport))
	}
	if c.Device.Port <= 0 || c.Device.Port > 65535 {
		errs = append(errs, fmt.Errorf("device.port out of range: %d", c.Device.Port))
	}
	switch strings.ToLower(c.Audit.Backend) {
	case "jsonl", "sqlite", "pebble", "none":
	default:
		errs = append(errs, fmt.Errorf("audit.backend must be jsonl, sqlite, pebble or none, got %q", c.Audit.Backend))
	}
	if c.Notify.Enabled && strings.TrimSpace(c.Notify.Broker) == "" {
		errs = append(errs, errors.New("notify.broker is required when notify is enabled"))
	}
	if c.Notify.QoS < 0 || c.Notify.QoS > 2 {
		errs = append(errs, fmt.Errorf("notify.qos must be 0, 1 or 2, got %d", c.Notify.QoS))
	}
	cron := gronx.New()
	for i, s := range c.Playbooks.Schedules {
		if strings.TrimSpace(s.Playbook) == "" {
			errs = append(errs, fmt.Errorf("playbooks.schedules[%d]: playbook is required", i))
		}
		if !cron.IsValid(s.Cron) {
			errs = append(errs, fmt.Errorf("playbooks.schedules[%d]: invalid cron expression %q", i, s.Cron))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// Print displays the configuration
func (c *Config) Print() {
	mode := "raw TCP"
	if c.Device.Telnet {
		mode = "telnet/" + c.Device.Transport
	}
	fmt.Printf("Device: %s:%d (%s, tid=%q)\n", c.Device.Host, c.Device.Port, mode, c.Device.TID)
	fmt.Printf("Timeouts: connect=%s read=%s command=%s\n", c.Timeouts.Connect(), c.Timeouts.Read(), c.Timeouts.Command())
	fmt.Printf("Catalog: %s (strict=%v)\n", c.Catalog.Path, c.Catalog.Strict)
	fmt.Printf("Playbooks: %s (%d schedules)\n", c.Playbooks.Path, len(c.Playbooks.Schedules))
	fmt.Printf("Audit: %s\n", c.Audit.Backend)
	if c.Notify.Enabled {
		fmt.Printf("Notify: %s:%d (topic: %s)\n", c.Notify.Broker, c.Notify.Port, c.Notify.Topic)
	}
}
