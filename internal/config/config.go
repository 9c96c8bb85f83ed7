package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvVar names the environment variable holding the config file path.
const EnvVar = "STEWARD_CONFIG"

// Config holds the application configuration.
type Config struct {
	RPC      RPCConfig      `yaml:"rpc"`
	Database DatabaseConfig `yaml:"database"`
	Race     RaceConfig     `yaml:"race"`
	HTTP     HTTPConfig     `yaml:"http"`
	Auth     AuthConfig     `yaml:"auth"`

	// AdminLogins lists player logins allowed to issue admin commands.
	AdminLogins []string `yaml:"admin_logins"`
}

// RPCConfig locates the game server's XML-RPC port. A server listens
// on port 5000 by default; each additional instance uses 5001, 5002,
// and so on.
type RPCConfig struct {
	Address  string `yaml:"address"`
	Login    string `yaml:"login"`
	Password string `yaml:"password"`
}

// DatabaseConfig holds SQLite settings.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// RaceConfig tunes the match lifecycle.
type RaceConfig struct {
	// TimeLimitFactor is applied to the reference time (author time
	// or top record) to compute each map's time limit.
	TimeLimitFactor int `yaml:"time_limit_factor"`

	// TimeLimitMinSecs and TimeLimitMaxSecs clamp the computed limit.
	TimeLimitMinSecs int `yaml:"time_limit_min_secs"`
	TimeLimitMaxSecs int `yaml:"time_limit_max_secs"`

	// OutroDurationSecs is the time spent on a map after the race
	// ends. Restart votes are open for two thirds of it.
	OutroDurationSecs int `yaml:"outro_duration_secs"`
}

// HTTPConfig holds settings for the read-only status API.
type HTTPConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	Port       int    `yaml:"port"`
}

// AuthConfig holds authentication settings for the status API.
type AuthConfig struct {
	JWTSecret     string        `yaml:"jwt_secret"`
	TokenDuration time.Duration `yaml:"token_duration"`
}

// voteDurationRatio is the share of the outro during which players
// can still vote for a restart. The next map is decided afterwards.
const voteDurationRatio = 2.0 / 3.0

// OutroDuration returns the configured outro length.
func (c *Config) OutroDuration() time.Duration {
	return time.Duration(c.Race.OutroDurationSecs) * time.Second
}

// VoteDuration returns how long the restart vote stays open after a
// race ends.
func (c *Config) VoteDuration() time.Duration {
	return time.Duration(float64(c.OutroDuration()) * voteDurationRatio)
}

// IsAdmin reports whether a login is on the admin whitelist.
func (c *Config) IsAdmin(login string) bool {
	for _, admin := range c.AdminLogins {
		if admin == login {
			return true
		}
	}
	return false
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Set defaults
	if cfg.RPC.Address == "" {
		cfg.RPC.Address = "127.0.0.1:5000"
	}
	if cfg.RPC.Login == "" {
		cfg.RPC.Login = "SuperAdmin"
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "/var/lib/steward/steward.db"
	}
	if cfg.Race.TimeLimitFactor == 0 {
		cfg.Race.TimeLimitFactor = 10
	}
	if cfg.Race.TimeLimitMinSecs == 0 {
		cfg.Race.TimeLimitMinSecs = 120
	}
	if cfg.Race.TimeLimitMaxSecs == 0 {
		cfg.Race.TimeLimitMaxSecs = 600
	}
	if cfg.Race.OutroDurationSecs == 0 {
		cfg.Race.OutroDurationSecs = 30
	}
	if cfg.HTTP.ListenAddr == "" {
		cfg.HTTP.ListenAddr = "127.0.0.1"
	}
	if cfg.HTTP.Port == 0 {
		cfg.HTTP.Port = 8080
	}
	if cfg.Auth.TokenDuration == 0 {
		cfg.Auth.TokenDuration = 24 * time.Hour
	}

	return &cfg, nil
}

// Save writes the configuration back to a YAML file.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("composing config file: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// Locate resolves the config file path: an explicit flag value wins,
// then the STEWARD_CONFIG environment variable.
func Locate(flagValue string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	if path := os.Getenv(EnvVar); path != "" {
		return path, nil
	}
	return "", fmt.Errorf("cannot locate config: pass --config or set %s", EnvVar)
}
