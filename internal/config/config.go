package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

var (
	ErrNoCredentialURL = errors.New("credential base url is not set")
	ErrNoMediaURL      = errors.New("media endpoint url is not set")
	ErrNoSecret        = errors.New("session secret is required in release mode")
)

type Config struct {
	Mode     string `mapstructure:"mode"`
	Port     int    `mapstructure:"port"`
	Secret   string `mapstructure:"secret"`
	LogLevel string `mapstructure:"log_level"`

	Credential CredentialConfig `mapstructure:"credential"`
	Media      MediaConfig      `mapstructure:"media"`
	Events     EventsConfig     `mapstructure:"events"`
	Limits     LimitsConfig     `mapstructure:"limits"`
}

// CredentialConfig points at the token service that mints session credentials.
type CredentialConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Path    string        `mapstructure:"path"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type MediaConfig struct {
	Endpoint       string        `mapstructure:"endpoint"`
	ICEServers     []string      `mapstructure:"ice_servers"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	MicrophoneFile string        `mapstructure:"microphone_file"`
	RecordDir      string        `mapstructure:"record_dir"`
}

type EventsConfig struct {
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	Buffer     int           `mapstructure:"buffer"`
}

// LimitsConfig caps how often one client may start a call.
type LimitsConfig struct {
	StartCalls int           `mapstructure:"start_calls"`
	Interval   time.Duration `mapstructure:"interval"`
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")

	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("log_level", "info")
	v.SetDefault("credential.path", "/api/token/loan")
	v.SetDefault("credential.timeout", "10s")
	v.SetDefault("media.ice_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("media.connect_timeout", "15s")
	v.SetDefault("events.read_limit", 32768)
	v.SetDefault("events.ping_period", "54s")
	v.SetDefault("events.buffer", 64)
	v.SetDefault("limits.start_calls", 5)
	v.SetDefault("limits.interval", "1m")

	v.SetEnvPrefix("voicecall")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Names used by the browser client deployment.
	_ = v.BindEnv("credential.base_url", "VOICECALL_CREDENTIAL_BASE_URL", "TOKEN_SERVER_URL")
	_ = v.BindEnv("media.endpoint", "VOICECALL_MEDIA_ENDPOINT", "MEDIA_WS_URL")
	_ = v.BindEnv("secret", "VOICECALL_SECRET")
	return v
}

// Load reads config/config.<CONFIG_ENV>.yaml (dev by default), applies
// environment overrides and validates the two external endpoints.
func Load() (*Config, error) {
	return LoadFile(FileName())
}

func FileName() string {
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return fmt.Sprintf("config/config.%s.yaml", env)
}

func LoadFile(fileName string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(fileName)

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	cfg, err := unmarshal(v)
	if err != nil {
		return nil, err
	}
	log.Info().
		Str("module", "config").
		Str("mode", cfg.Mode).
		Int("port", cfg.Port).
		Str("media", cfg.Media.Endpoint).
		Msg("config ready")
	return cfg, nil
}

func unmarshal(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Credential.BaseURL == "" {
		return ErrNoCredentialURL
	}
	if _, err := url.ParseRequestURI(c.Credential.BaseURL); err != nil {
		return fmt.Errorf("credential base url: %w", err)
	}
	if c.Media.Endpoint == "" {
		return ErrNoMediaURL
	}
	u, err := url.Parse(c.Media.Endpoint)
	if err != nil {
		return fmt.Errorf("media endpoint: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("media endpoint: unsupported scheme %q", u.Scheme)
	}
	// the cookie session store cannot sign without a key
	if c.Mode == "release" && c.Secret == "" {
		return ErrNoSecret
	}
	return nil
}

// Level parses LogLevel, falling back to info.
func (c *Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil || c.LogLevel == "" {
		return zerolog.InfoLevel
	}
	return lvl
}

// WatchLogLevel re-applies log_level whenever the config file changes.
// Other settings are resolved once at startup.
func WatchLogLevel(fileName string) {
	v := newViper()
	v.SetConfigFile(fileName)
	if err := v.ReadInConfig(); err != nil {
		return
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		lvl, err := zerolog.ParseLevel(v.GetString("log_level"))
		if err != nil {
			log.Warn().Err(err).Str("module", "config").Msg("bad log_level on reload")
			return
		}
		zerolog.SetGlobalLevel(lvl)
		log.Info().Str("module", "config").Str("file", e.Name).Str("level", lvl.String()).Msg("log level reloaded")
	})
	v.WatchConfig()
}
