package configs

import (
	"fmt"
	"time"

	"github.com/hilthontt/metrelay/internal/infrastructure/env"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Listener  ListenerConfig  `koanf:"listener"`
	Admin     AdminConfig     `koanf:"admin"`
	Backends  []BackendConfig `koanf:"backends"`
	Rebalance RebalanceConfig `koanf:"rebalance"`
	Pool      PoolConfig      `koanf:"pool"`
	Health    HealthConfig    `koanf:"health"`
}

type ListenerConfig struct {
	Host string `koanf:"host"`
	Port uint16 `koanf:"port"`
}

type AdminConfig struct {
	Host            string        `koanf:"host"`
	Port            uint16        `koanf:"port"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	RateLimit       int           `koanf:"rate_limit"`
	RateLimitWindow time.Duration `koanf:"rate_limit_window"`
}

type BackendConfig struct {
	Host    string `koanf:"host"`
	TCPPort uint16 `koanf:"tcp_port"`
}

type RebalanceConfig struct {
	AssignmentsPath string        `koanf:"assignments_path"`
	FullDelay       time.Duration `koanf:"full_delay"`
	BalanceDelay    time.Duration `koanf:"balance_delay"`
	BalancePeriod   time.Duration `koanf:"balance_period"`
	BalanceWindow   time.Duration `koanf:"balance_window"`
	PersistDelay    time.Duration `koanf:"persist_delay"`
	PersistPeriod   time.Duration `koanf:"persist_period"`
}

type PoolConfig struct {
	DialTimeout    time.Duration `koanf:"dial_timeout"`
	IdlePerBackend int           `koanf:"idle_per_backend"`
}

type HealthConfig struct {
	Interval time.Duration `koanf:"interval"`
	Timeout  time.Duration `koanf:"timeout"`
}

func Load(path string) (*Config, error) {
	k := koanf.New(".")

	// Load from the YAML file when a path is given; a missing file is an error
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	applyDefaults(k)
	applyEnvOverrides(k)

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

func applyDefaults(k *koanf.Koanf) {
	setDefault(k, "listener.host", "0.0.0.0")
	setDefault(k, "listener.port", 4242)

	setDefault(k, "admin.host", "0.0.0.0")
	setDefault(k, "admin.port", 8080)
	setDefault(k, "admin.read_timeout", 10*time.Second)
	setDefault(k, "admin.write_timeout", 30*time.Second)
	setDefault(k, "admin.rate_limit", 120)
	setDefault(k, "admin.rate_limit_window", time.Minute)

	setDefault(k, "rebalance.assignments_path", "./assignments.csv")
	setDefault(k, "rebalance.full_delay", 5*time.Minute)
	setDefault(k, "rebalance.balance_delay", 10*time.Minute)
	setDefault(k, "rebalance.balance_period", 2*time.Minute)
	setDefault(k, "rebalance.balance_window", 30*time.Minute)
	setDefault(k, "rebalance.persist_delay", 10*time.Minute)
	setDefault(k, "rebalance.persist_period", 60*time.Minute)

	setDefault(k, "pool.dial_timeout", 2*time.Second)
	setDefault(k, "pool.idle_per_backend", 8)

	setDefault(k, "health.interval", 10*time.Second)
	setDefault(k, "health.timeout", 2*time.Second)
}

func applyEnvOverrides(k *koanf.Koanf) {
	if host := env.GetString("LISTENER_HOST", ""); host != "" {
		k.Set("listener.host", host)
	}
	if port := env.GetInt("LISTENER_PORT", 0); port > 0 {
		k.Set("listener.port", port)
	}

	if host := env.GetString("ADMIN_HOST", ""); host != "" {
		k.Set("admin.host", host)
	}
	if port := env.GetInt("ADMIN_PORT", 0); port > 0 {
		k.Set("admin.port", port)
	}

	if path := env.GetString("ASSIGNMENTS_PATH", ""); path != "" {
		k.Set("rebalance.assignments_path", path)
	}
	if window := env.GetDuration("BALANCE_WINDOW", 0); window > 0 {
		k.Set("rebalance.balance_window", window)
	}

	if timeout := env.GetDuration("POOL_DIAL_TIMEOUT", 0); timeout > 0 {
		k.Set("pool.dial_timeout", timeout)
	}
	if idle := env.GetInt("POOL_IDLE_PER_BACKEND", 0); idle > 0 {
		k.Set("pool.idle_per_backend", idle)
	}

	if interval := env.GetDuration("HEALTH_INTERVAL", 0); interval > 0 {
		k.Set("health.interval", interval)
	}
}

// setDefault only sets the value if the key doesn't already exist
func setDefault(k *koanf.Koanf, key string, value interface{}) {
	if !k.Exists(key) {
		k.Set(key, value)
	}
}
