package muxshare

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config is the root configuration of a connmux server
type Config struct {
	// Listen is the host:port the HTTP server binds to
	Listen string `mapstructure:"listen"`

	// BasePath is the route prefix the dispatcher is mounted under
	BasePath string `mapstructure:"base_path"`

	// Mode is the connection mode of the hosted endpoint: "streaming" or "messaging"
	Mode string `mapstructure:"mode"`

	// Endpoint selects the application endpoint: "echo" or "socks5"
	Endpoint string `mapstructure:"endpoint"`

	// PollTimeout bounds how long a single poll request waits for output
	PollTimeout time.Duration `mapstructure:"poll_timeout"`

	// IdleTimeout is how long an inactive connection survives before it is swept.
	// Zero disables sweeping.
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`

	// SweepInterval is how often idle connections are looked for
	SweepInterval time.Duration `mapstructure:"sweep_interval"`

	// SubFormatDefault is used when a request carries no formatType
	SubFormatDefault string `mapstructure:"sub_format_default"`

	// DrainTimeout bounds how long a persistent transport keeps delivering output
	// after the endpoint has returned
	DrainTimeout time.Duration `mapstructure:"drain_timeout"`

	WS  WebSocketConfig `mapstructure:"ws"`
	Log LogConfig       `mapstructure:"log"`
}

// WebSocketConfig tunes the websocket upgrader
type WebSocketConfig struct {
	ReadBufferSize  int  `mapstructure:"read_buffer_size"`
	WriteBufferSize int  `mapstructure:"write_buffer_size"`
	CheckOrigin     bool `mapstructure:"check_origin"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: trace, debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format: console or json
	Format string `mapstructure:"format"`
	// Outputs: stdout, stderr, or file paths
	Outputs []string `mapstructure:"outputs"`

	Rotation    RotationConfig `mapstructure:"rotation"`
	Development bool           `mapstructure:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
	Enable     bool `mapstructure:"enable"`
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxBackups int  `mapstructure:"max_backups"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	Compress   bool `mapstructure:"compress"`
}

// DefaultConfig returns a Config populated with defaults.
func DefaultConfig() *Config {
	return &Config{
		Listen:           "0.0.0.0:8080",
		BasePath:         "/connmux",
		Mode:             "streaming",
		Endpoint:         "echo",
		PollTimeout:      90 * time.Second,
		IdleTimeout:      2 * time.Minute,
		SweepInterval:    30 * time.Second,
		SubFormatDefault: "json",
		DrainTimeout:     5 * time.Second,
		WS: WebSocketConfig{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		Log: LogConfig{
			Level:   "info",
			Format:  "console",
			Outputs: []string{"stderr"},
			Rotation: RotationConfig{
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
	}
}

// ConfigLoader reads a Config with viper and can watch the file for changes.
type ConfigLoader struct {
	v *viper.Viper
}

// NewConfigLoader prepares a loader for path. If path is empty, CONNMUX_CONFIG is consulted,
// then "connmux.yaml" is searched for in the working directory and ./configs.
// Environment variables use the prefix CONNMUX, with "." replaced by "_"
// (e.g., CONNMUX_LOG_LEVEL=debug).
func NewConfigLoader(path string) *ConfigLoader {
	def := DefaultConfig()
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("CONNMUX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault("listen", def.Listen)
	v.SetDefault("base_path", def.BasePath)
	v.SetDefault("mode", def.Mode)
	v.SetDefault("endpoint", def.Endpoint)
	v.SetDefault("poll_timeout", def.PollTimeout)
	v.SetDefault("idle_timeout", def.IdleTimeout)
	v.SetDefault("sweep_interval", def.SweepInterval)
	v.SetDefault("sub_format_default", def.SubFormatDefault)
	v.SetDefault("drain_timeout", def.DrainTimeout)
	v.SetDefault("ws.read_buffer_size", def.WS.ReadBufferSize)
	v.SetDefault("ws.write_buffer_size", def.WS.WriteBufferSize)
	v.SetDefault("ws.check_origin", def.WS.CheckOrigin)
	v.SetDefault("log.level", def.Log.Level)
	v.SetDefault("log.format", def.Log.Format)
	v.SetDefault("log.outputs", def.Log.Outputs)
	v.SetDefault("log.development", def.Log.Development)
	v.SetDefault("log.rotation.enable", def.Log.Rotation.Enable)
	v.SetDefault("log.rotation.max_size_mb", def.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", def.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", def.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", def.Log.Rotation.Compress)

	if path == "" {
		path = os.Getenv("CONNMUX_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("connmux")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
	}
	return &ConfigLoader{v: v}
}

// Load reads the config file if present and decodes it over the defaults.
// A missing config file is not an error.
func (l *ConfigLoader) Load() (*Config, error) {
	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return l.decode()
}

func (l *ConfigLoader) decode() (*Config, error) {
	cfg := DefaultConfig()
	if err := l.v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Watch invokes onChange with the re-decoded Config each time the config file changes.
// Decoding failures are reported to onError and the previous config stays in effect.
func (l *ConfigLoader) Watch(onChange func(*Config), onError func(error)) {
	l.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := l.decode()
		if err != nil {
			onError(fmt.Errorf("reload %s: %w", e.Name, err))
			return
		}
		onChange(cfg)
	})
	l.v.WatchConfig()
}

// Validate normalizes the config and rejects values the server can't run with
func (c *Config) Validate() error {
	if StringToLogLevel(c.Log.Level) == LogLevelUnknown {
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}
	c.Mode = strings.ToLower(strings.TrimSpace(c.Mode))
	switch c.Mode {
	case "streaming", "messaging":
	default:
		return fmt.Errorf("invalid mode: %q", c.Mode)
	}
	c.Endpoint = strings.ToLower(strings.TrimSpace(c.Endpoint))
	switch c.Endpoint {
	case "echo", "socks5":
	default:
		return fmt.Errorf("invalid endpoint: %q", c.Endpoint)
	}
	c.BasePath = "/" + strings.Trim(c.BasePath, "/")
	if c.BasePath == "/" {
		c.BasePath = ""
	}
	if c.PollTimeout <= 0 {
		return fmt.Errorf("poll_timeout must be positive, got %s", c.PollTimeout)
	}
	if c.IdleTimeout > 0 && c.SweepInterval <= 0 {
		return fmt.Errorf("sweep_interval must be positive when idle_timeout is set")
	}
	if c.SubFormatDefault == "" {
		c.SubFormatDefault = "json"
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	return nil
}
