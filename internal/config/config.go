package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config models lockbridge.yml.
type Config struct {
	Interpreter Interpreter `yaml:"interpreter"`
	Execution   Execution   `yaml:"execution"`
	Modules     struct {
		Allowed []string `yaml:"allowed" validate:"dive,required"`
	} `yaml:"modules"`
	Paths struct {
		AllowedPrefixes []string `yaml:"allowed_prefixes" validate:"dive,required"`
	} `yaml:"paths"`
	Channels map[string]ChannelOverride `yaml:"channels" validate:"dive"`
	Server   Server                     `yaml:"server"`
	Log      Log                        `yaml:"log"`
	Webhooks []Webhook                  `yaml:"webhooks" validate:"dive"`
}

type Interpreter struct {
	Path string   `yaml:"path" validate:"required"`
	Args []string `yaml:"args"`
}

type Execution struct {
	DefaultTimeoutMs int   `yaml:"default_timeout_ms" validate:"gte=0"`
	MaxTimeoutMs     int   `yaml:"max_timeout_ms" validate:"gte=0"`
	MaxOutputBytes   int64 `yaml:"max_output_bytes" validate:"gte=0"`
	MaxConcurrent    int64 `yaml:"max_concurrent" validate:"gte=0"`
	KillGraceMs      int   `yaml:"kill_grace_ms" validate:"gte=0"`
}

type ChannelOverride struct {
	TimeoutMs int  `yaml:"timeout_ms" validate:"gte=0"`
	Disabled  bool `yaml:"disabled"`
}

type Server struct {
	Addr               string  `yaml:"addr" validate:"required,hostname_port"`
	BasePath           string  `yaml:"base_path" validate:"required,startswith=/"`
	RateLimitPerSecond float64 `yaml:"rate_limit_per_second" validate:"gte=0"`
	RateBurst          int     `yaml:"rate_burst" validate:"gte=0"`
}

type Log struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `yaml:"format" validate:"omitempty,oneof=json console"`
}

// Webhook receives ledger events as JSON POSTs.
type Webhook struct {
	ID          string   `yaml:"id" validate:"required"`
	URL         string   `yaml:"url" validate:"required,url"`
	Secret      string   `yaml:"secret"`
	Events      []string `yaml:"events"`
	Enabled     *bool    `yaml:"enabled"`
	TimeoutMs   int      `yaml:"timeout_ms" validate:"gte=0"`
	MaxAttempts int      `yaml:"max_attempts" validate:"gte=0"`
}

func (w Webhook) IsEnabled() bool { return w.Enabled == nil || *w.Enabled }

var (
	validate       = validator.New(validator.WithRequiredStructEnabled())
	channelPattern = regexp.MustCompile(`^[a-z][a-zA-Z0-9]*:[a-z][a-zA-Z0-9]*$`)
)

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with lb config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate checks struct tags first, then cross-field rules.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %s", strings.ToLower(fe.Namespace()), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return err
	}
	if c.Execution.MaxTimeoutMs > 0 && c.Execution.DefaultTimeoutMs > c.Execution.MaxTimeoutMs {
		return fmt.Errorf("execution.default_timeout_ms exceeds execution.max_timeout_ms")
	}
	for name, o := range c.Channels {
		if !channelPattern.MatchString(name) {
			return fmt.Errorf("channels: %q is not a <domain>:<operation> name", name)
		}
		if c.Execution.MaxTimeoutMs > 0 && o.TimeoutMs > c.Execution.MaxTimeoutMs {
			return fmt.Errorf("channels.%s.timeout_ms exceeds execution.max_timeout_ms", name)
		}
	}
	for _, p := range c.Paths.AllowedPrefixes {
		if !isAbsolute(p) {
			return fmt.Errorf("paths.allowed_prefixes: %q is not absolute", p)
		}
	}
	seen := map[string]bool{}
	for _, w := range c.Webhooks {
		if seen[w.ID] {
			return fmt.Errorf("webhooks: duplicate id %s", w.ID)
		}
		seen[w.ID] = true
	}
	return nil
}

func isAbsolute(p string) bool {
	if strings.HasPrefix(p, "/") || strings.HasPrefix(p, `\\`) {
		return true
	}
	return len(p) >= 3 && p[1] == ':' && (p[2] == '\\' || p[2] == '/')
}

// DefaultTimeout returns the timeout for a channel whose own default is
// entryDefault: a per-channel override wins, then entryDefault, then the
// global default. The result is clamped to the maximum.
func (c *Config) DefaultTimeout(channel string, entryDefault time.Duration) time.Duration {
	d := entryDefault
	if o, ok := c.Channels[channel]; ok && o.TimeoutMs > 0 {
		d = time.Duration(o.TimeoutMs) * time.Millisecond
	}
	if d <= 0 {
		d = time.Duration(c.Execution.DefaultTimeoutMs) * time.Millisecond
	}
	return c.ClampTimeout(d)
}

// ClampTimeout caps d at execution.max_timeout_ms when one is set.
func (c *Config) ClampTimeout(d time.Duration) time.Duration {
	if limit := time.Duration(c.Execution.MaxTimeoutMs) * time.Millisecond; limit > 0 && d > limit {
		return limit
	}
	return d
}

func (c *Config) ChannelDisabled(channel string) bool {
	return c.Channels[channel].Disabled
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "lockbridge.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses config on top of the defaults and validates it.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `interpreter:
  path: powershell.exe
  args: [-NoProfile, -NonInteractive, -ExecutionPolicy, Bypass]

execution:
  default_timeout_ms: 60000
  max_timeout_ms: 600000
  max_output_bytes: 52428800
  max_concurrent: 0
  kill_grace_ms: 500

modules:
  allowed: [ActiveDirectory, GroupPolicy, AppLocker]

paths:
  allowed_prefixes:
    - 'C:\AppLocker'
    - 'C:\ProgramData\Lockbridge'
    - 'C:\Program Files'
    - 'C:\Program Files (x86)'

server:
  addr: 127.0.0.1:8765
  base_path: /v0
  rate_limit_per_second: 20
  rate_burst: 40

log:
  level: info
  format: console
`
