// Package config loads the sessiond TOML configuration.
package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/cyberinferno/sessionkit/frame"
	"github.com/cyberinferno/sessionkit/logger"
	"github.com/cyberinferno/sessionkit/server"
	"github.com/cyberinferno/sessionkit/userstore"
)

// Protocol names accepted in server.protocol.
const (
	ProtocolChat = "chat"
	ProtocolEcho = "echo"
	ProtocolTime = "time"
)

// Backend names.
const (
	BackendNone   = "none"
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

var ErrInvalid = errors.New("config: invalid")

// Duration is a time.Duration written as a string such as "5s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}

	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Config is the whole sessiond configuration.
type Config struct {
	Server ServerConfig `toml:"server"`
	Log    LogConfig    `toml:"log"`
	Admin  AdminConfig  `toml:"admin"`
	Users  UsersConfig  `toml:"users"`
	Cache  CacheConfig  `toml:"cache"`
	Alerts AlertsConfig `toml:"alerts"`
}

type ServerConfig struct {
	Name          string   `toml:"name"`
	Addr          string   `toml:"addr"`
	Protocol      string   `toml:"protocol"`
	MaxSessions   int      `toml:"max_sessions"`
	MaxFrameBytes uint32   `toml:"max_frame_bytes"`
	WriteTimeout  Duration `toml:"write_timeout"`
}

type LogConfig struct {
	Level string `toml:"level"`
	Dir   string `toml:"dir"`
}

type AdminConfig struct {
	// Addr is the HTTP listen address; empty disables the admin server.
	Addr      string `toml:"addr"`
	WebSocket bool   `toml:"websocket"`
}

type UsersConfig struct {
	Backend string     `toml:"backend"`
	Path    string     `toml:"path"`
	Seed    []SeedUser `toml:"seed"`
}

type SeedUser struct {
	Name         string `toml:"name"`
	PasswordHash string `toml:"password_hash"`
	Banned       bool   `toml:"banned"`
}

type CacheConfig struct {
	Backend       string   `toml:"backend"`
	TTL           Duration `toml:"ttl"`
	RedisAddr     string   `toml:"redis_addr"`
	RedisPassword string   `toml:"redis_password"`
	RedisDB       int      `toml:"redis_db"`
}

type AlertsConfig struct {
	// DiscordWebhook receives handler failures; empty disables alerts.
	DiscordWebhook string   `toml:"discord_webhook"`
	Interval       Duration `toml:"interval"`
}

// Default returns the configuration used for keys a file leaves out.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Name:          "sessiond",
			Protocol:      ProtocolChat,
			MaxFrameBytes: frame.DefaultLimits().MaxBodyBytes,
			WriteTimeout:  Duration{10 * time.Second},
		},
		Log: LogConfig{Level: "info"},
		Admin: AdminConfig{
			Addr:      "127.0.0.1:8080",
			WebSocket: true,
		},
		Users: UsersConfig{Backend: BackendMemory},
		Cache: CacheConfig{
			Backend:   BackendNone,
			TTL:       Duration{5 * time.Minute},
			RedisAddr: "127.0.0.1:6379",
		},
		Alerts: AlertsConfig{Interval: Duration{time.Minute}},
	}
}

// Load reads path over Default and validates the result. Unknown keys are
// rejected.
//
// Parameters:
//   - path: TOML file path
//
// Returns:
//   - The merged configuration
//   - An error if the file cannot be decoded or the result is invalid
func Load(path string) (Config, error) {
	cfg := Default()

	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("config: load %s: %w", path, err)
	}

	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return Config{}, fmt.Errorf("%w: unknown keys %s", ErrInvalid, strings.Join(keys, ", "))
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if !slices.Contains([]string{ProtocolChat, ProtocolEcho, ProtocolTime}, c.Server.Protocol) {
		return fmt.Errorf("%w: server.protocol %q", ErrInvalid, c.Server.Protocol)
	}

	if c.Server.MaxSessions < 0 {
		return fmt.Errorf("%w: server.max_sessions must not be negative", ErrInvalid)
	}

	if c.Server.MaxFrameBytes == 0 {
		return fmt.Errorf("%w: server.max_frame_bytes must be positive", ErrInvalid)
	}

	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("%w: log.level: %w", ErrInvalid, err)
	}

	switch c.Users.Backend {
	case BackendMemory:
	case BackendSQLite:
		if c.Users.Path == "" {
			return fmt.Errorf("%w: users.path is required for the sqlite backend", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: users.backend %q", ErrInvalid, c.Users.Backend)
	}

	for _, u := range c.Users.Seed {
		if strings.TrimSpace(u.Name) == "" {
			return fmt.Errorf("%w: users.seed entry without name", ErrInvalid)
		}
	}

	switch c.Cache.Backend {
	case BackendNone, BackendMemory:
	case BackendRedis:
		if c.Cache.RedisAddr == "" {
			return fmt.Errorf("%w: cache.redis_addr is required for the redis backend", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: cache.backend %q", ErrInvalid, c.Cache.Backend)
	}

	if c.Alerts.Interval.Duration < 0 {
		return fmt.Errorf("%w: alerts.interval must not be negative", ErrInvalid)
	}

	return nil
}

// ServerConfig converts the [server] section for server.New.
func (c Config) ServerConfig() server.Config {
	cfg := server.DefaultConfig()
	cfg.Name = c.Server.Name
	cfg.Addr = c.Server.Addr
	cfg.MaxSessions = c.Server.MaxSessions
	cfg.Limits = frame.Limits{MaxBodyBytes: c.Server.MaxFrameBytes}
	cfg.WriteTimeout = c.Server.WriteTimeout.Duration
	return cfg
}

// LoggerConfig converts the [log] section for logger.New.
func (c Config) LoggerConfig() logger.Config {
	return logger.Config{
		Service: c.Server.Name,
		Level:   c.Log.Level,
		Dir:     c.Log.Dir,
	}
}

// SeedUsers converts [[users.seed]] entries.
func (c Config) SeedUsers() []userstore.User {
	users := make([]userstore.User, 0, len(c.Users.Seed))
	for _, u := range c.Users.Seed {
		users = append(users, userstore.User{
			Name:         strings.TrimSpace(u.Name),
			PasswordHash: u.PasswordHash,
			Banned:       u.Banned,
		})
	}
	return users
}
