package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults for every tunable. Environment variables override the config
// file, which overrides these.
const (
	DefaultMaxWorkers            = 2
	DefaultDailyBudget           = 200
	DefaultCooldownSeconds       = 60
	DefaultStaleThresholdSeconds = 300
	DefaultVerificationRetries   = 3
	DefaultMaxIterations         = 10
	DefaultTickInterval          = 5 * time.Second
	DefaultListenAddr            = ":8420"
	DefaultDataDir               = "/var/lib/whim"
	DefaultWorkerImage           = "ghcr.io/skylarbarrera/whim-agent:latest"
	DefaultOrchestratorURL       = "http://localhost:8420"
	DefaultContainerdSocket      = "/run/containerd/containerd.sock"
	DefaultMemoryLimitBytes      = 4 << 30
	DefaultCPUCores              = 2.0
	DefaultPidsLimit             = 256
)

// ExecutionBackoff is the ordered retry delay schedule for execution items.
// The n-th failure waits ExecutionBackoff[min(n, len)-1]; the schedule
// saturates at its last entry.
var ExecutionBackoff = []time.Duration{
	1 * time.Minute,
	5 * time.Minute,
	30 * time.Minute,
}

// Config holds the full orchestrator configuration.
type Config struct {
	ListenAddr string `yaml:"listenAddr"`
	DataDir    string `yaml:"dataDir"`

	// RedisAddr selects the Redis fast store when non-empty; otherwise the
	// embedded bbolt fast store under DataDir is used.
	RedisAddr string `yaml:"redisAddr"`

	MaxWorkers            int `yaml:"maxWorkers"`
	DailyBudget           int `yaml:"dailyBudget"`
	CooldownSeconds       int `yaml:"cooldownSeconds"`
	StaleThresholdSeconds int `yaml:"staleThresholdSeconds"`
	VerificationRetries   int `yaml:"verificationMaxRetries"`
	MaxIterations         int `yaml:"maxIterations"`

	TickInterval time.Duration `yaml:"tickInterval"`

	WorkerImage     string `yaml:"workerImage"`
	OrchestratorURL string `yaml:"orchestratorUrl"`

	ContainerdSocket string `yaml:"containerdSocket"`
	ContainerNetwork string `yaml:"containerNetwork"`

	MemoryLimitBytes int64   `yaml:"memoryLimitBytes"`
	CPUCores         float64 `yaml:"cpuCores"`
	PidsLimit        int64   `yaml:"pidsLimit"`

	LogLevel string `yaml:"logLevel"`
	LogJSON  bool   `yaml:"logJson"`
}

// Load builds a Config from defaults, an optional YAML file named by
// WHIM_CONFIG, and WHIM_* environment variables, in increasing precedence.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:            DefaultListenAddr,
		DataDir:               DefaultDataDir,
		MaxWorkers:            DefaultMaxWorkers,
		DailyBudget:           DefaultDailyBudget,
		CooldownSeconds:       DefaultCooldownSeconds,
		StaleThresholdSeconds: DefaultStaleThresholdSeconds,
		VerificationRetries:   DefaultVerificationRetries,
		MaxIterations:         DefaultMaxIterations,
		TickInterval:          DefaultTickInterval,
		WorkerImage:           DefaultWorkerImage,
		OrchestratorURL:       DefaultOrchestratorURL,
		ContainerdSocket:      DefaultContainerdSocket,
		ContainerNetwork:      "whim",
		MemoryLimitBytes:      DefaultMemoryLimitBytes,
		CPUCores:              DefaultCPUCores,
		PidsLimit:             DefaultPidsLimit,
		LogLevel:              "info",
	}

	if path := os.Getenv("WHIM_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the orchestrator cannot run with.
func (c *Config) Validate() error {
	if c.MaxWorkers <= 0 {
		return fmt.Errorf("maxWorkers must be positive, got %d", c.MaxWorkers)
	}
	if c.DailyBudget < 0 {
		return fmt.Errorf("dailyBudget must be non-negative, got %d", c.DailyBudget)
	}
	if c.CooldownSeconds < 0 {
		return fmt.Errorf("cooldownSeconds must be non-negative, got %d", c.CooldownSeconds)
	}
	if c.StaleThresholdSeconds <= 0 {
		return fmt.Errorf("staleThresholdSeconds must be positive, got %d", c.StaleThresholdSeconds)
	}
	if c.MaxIterations <= 0 {
		return fmt.Errorf("maxIterations must be positive, got %d", c.MaxIterations)
	}
	if c.WorkerImage == "" {
		return fmt.Errorf("workerImage must not be empty")
	}
	return nil
}

// Cooldown returns the spawn cooldown as a duration.
func (c *Config) Cooldown() time.Duration {
	return time.Duration(c.CooldownSeconds) * time.Second
}

// StaleThreshold returns the heartbeat liveness threshold as a duration.
func (c *Config) StaleThreshold() time.Duration {
	return time.Duration(c.StaleThresholdSeconds) * time.Second
}

func applyEnv(cfg *Config) error {
	var err error
	setStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		v := os.Getenv(key)
		if v == "" || err != nil {
			return
		}
		n, perr := strconv.Atoi(v)
		if perr != nil {
			err = fmt.Errorf("invalid value for %s=%q: %w", key, v, perr)
			return
		}
		*dst = n
	}

	setStr("WHIM_LISTEN_ADDR", &cfg.ListenAddr)
	setStr("WHIM_DATA_DIR", &cfg.DataDir)
	setStr("WHIM_REDIS_ADDR", &cfg.RedisAddr)
	setInt("WHIM_MAX_WORKERS", &cfg.MaxWorkers)
	setInt("WHIM_DAILY_BUDGET", &cfg.DailyBudget)
	setInt("WHIM_COOLDOWN_SECONDS", &cfg.CooldownSeconds)
	setInt("WHIM_STALE_THRESHOLD_SECONDS", &cfg.StaleThresholdSeconds)
	setInt("WHIM_VERIFICATION_MAX_RETRIES", &cfg.VerificationRetries)
	setInt("WHIM_MAX_ITERATIONS", &cfg.MaxIterations)
	setStr("WHIM_WORKER_IMAGE", &cfg.WorkerImage)
	setStr("WHIM_ORCHESTRATOR_URL", &cfg.OrchestratorURL)
	setStr("WHIM_CONTAINERD_SOCKET", &cfg.ContainerdSocket)
	setStr("WHIM_CONTAINER_NETWORK", &cfg.ContainerNetwork)
	setStr("WHIM_LOG_LEVEL", &cfg.LogLevel)

	if v := os.Getenv("WHIM_TICK_INTERVAL"); v != "" && err == nil {
		d, perr := time.ParseDuration(v)
		if perr != nil {
			return fmt.Errorf("invalid value for WHIM_TICK_INTERVAL=%q: %w", v, perr)
		}
		cfg.TickInterval = d
	}
	if v := os.Getenv("WHIM_LOG_JSON"); v != "" && err == nil {
		b, perr := strconv.ParseBool(v)
		if perr != nil {
			return fmt.Errorf("invalid value for WHIM_LOG_JSON=%q: %w", v, perr)
		}
		cfg.LogJSON = b
	}
	return err
}
