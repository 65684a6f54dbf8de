package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration accepts "30s"-style YAML values (plain nanosecond integers
// also work), which yaml.v3 does not do for time.Duration itself.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err != nil {
		return fmt.Errorf("invalid duration value: %w", err)
	}
	*d = Duration(n)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Server holds all configuration for the chess server.
type Server struct {
	// Network
	BindAddress string `yaml:"bind_address"`
	Port        int    `yaml:"port"`
	TLS         bool   `yaml:"tls"` // adds Secure to session cookies

	// Optional directory for the static frontend; empty disables page serving.
	StaticDir string `yaml:"static_dir"`

	LogLevel string `yaml:"log_level"`

	Database    DatabaseConfig    `yaml:"database"`
	Sessions    SessionConfig     `yaml:"sessions"`
	Engine      EngineConfig      `yaml:"engine"`
	Matchmaking MatchmakingConfig `yaml:"matchmaking"`
	Game        GameConfig        `yaml:"game"`
}

// DatabaseConfig holds the embedded SQLite parameters.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// DSN returns the SQLite connection string with the pragmas the server
// relies on (WAL and a busy timeout for the shared connection).
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)",
		d.Path,
	)
}

// SessionConfig holds session store tunables.
type SessionConfig struct {
	Timeout         Duration `yaml:"timeout"`
	CacheSize       int      `yaml:"cache_size"`
	UserCacheSize   int      `yaml:"user_cache_size"`
	CleanupInterval Duration `yaml:"cleanup_interval"`
	CookieMaxAge    int      `yaml:"cookie_max_age"` // seconds
}

// EngineConfig holds engine pool tunables.
type EngineConfig struct {
	Command       string   `yaml:"command"` // engine executable plus args
	MinInstances  int      `yaml:"min_instances"`
	MaxInstances  int      `yaml:"max_instances"`
	QueueSize     int      `yaml:"queue_size"`
	ScaleInterval Duration `yaml:"scale_interval"`
	FullFor       Duration `yaml:"full_for"`  // sustained pressure before scale-up
	EmptyFor      Duration `yaml:"empty_for"` // sustained idleness before scale-down
	ReadTimeout   Duration `yaml:"read_timeout"`
	SubmitTimeout Duration `yaml:"submit_timeout"`
}

// MatchmakingConfig holds pairing loop tunables.
type MatchmakingConfig struct {
	TickInterval Duration `yaml:"tick_interval"`
	StaleAfter   Duration `yaml:"stale_after"`
}

// GameConfig holds per-game tunables.
type GameConfig struct {
	MoveTimeout       Duration `yaml:"move_timeout"` // inactivity before the sweeper reaps
	HeartbeatInterval Duration `yaml:"heartbeat_interval"`
}

// Default returns a Server config with the documented defaults.
func Default() Server {
	return Server{
		BindAddress: "0.0.0.0",
		Port:        5000,
		LogLevel:    "info",
		Database: DatabaseConfig{
			Path: "chessd.db",
		},
		Sessions: SessionConfig{
			Timeout:         Duration(10 * time.Minute),
			CacheSize:       1000,
			UserCacheSize:   250,
			CleanupInterval: Duration(time.Minute),
			CookieMaxAge:    3600,
		},
		Engine: EngineConfig{
			Command:       "chess-engine",
			MinInstances:  1,
			MaxInstances:  10,
			QueueSize:     100,
			ScaleInterval: Duration(5 * time.Second),
			FullFor:       Duration(5 * time.Second),
			EmptyFor:      Duration(10 * time.Second),
			ReadTimeout:   Duration(2 * time.Second),
			SubmitTimeout: Duration(5 * time.Second),
		},
		Matchmaking: MatchmakingConfig{
			TickInterval: Duration(500 * time.Millisecond),
			StaleAfter:   Duration(5 * time.Minute),
		},
		Game: GameConfig{
			MoveTimeout:       Duration(30 * time.Minute),
			HeartbeatInterval: Duration(30 * time.Second),
		},
	}
}

// Load loads server config from a YAML file.
// If the file doesn't exist, returns defaults.
func Load(path string) (Server, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}

	return cfg, nil
}
