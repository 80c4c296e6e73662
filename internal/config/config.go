package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server        ServerConfig     `yaml:"server"`
	Auth          AuthConfig       `yaml:"auth"`
	RateLimit     RateLimitConfig  `yaml:"rate_limit"`
	Storage       StorageConfig    `yaml:"storage"`
	Hypervisor    HypervisorConfig `yaml:"hypervisor"`
	Network       NetworkConfig    `yaml:"network"`
	Injection     InjectionConfig  `yaml:"injection"`
	VPN           VPNConfig        `yaml:"vpn"`
	Session       SessionConfig    `yaml:"session"`
	Cleanup       CleanupConfig    `yaml:"cleanup"`
	Scoring       ScoringConfig    `yaml:"scoring"`
	Observability ObsConfig        `yaml:"observability"`
}

type ServerConfig struct {
	ListenAddr          string `yaml:"listen_addr"`
	Version             string `yaml:"version"`
	ReadTimeoutSeconds  int    `yaml:"read_timeout_seconds"`
	WriteTimeoutSeconds int    `yaml:"write_timeout_seconds"`
	IdleTimeoutSeconds  int    `yaml:"idle_timeout_seconds"`
	HealthPublic        bool   `yaml:"health_public"`
}

type AuthConfig struct {
	Mode            string `yaml:"mode"`
	BearerToken     string `yaml:"bearer_token"`
	HMACSecret      string `yaml:"hmac_secret"`
	HMACSkewSeconds int    `yaml:"hmac_skew_seconds"`
	NonceTTLSeconds int    `yaml:"nonce_ttl_seconds"`
}

type RateLimitConfig struct {
	Enabled     bool    `yaml:"enabled"`
	GlobalRPS   float64 `yaml:"global_rps"`
	GlobalBurst int     `yaml:"global_burst"`
	PerIPRPS    float64 `yaml:"per_ip_rps"`
	PerIPBurst  int     `yaml:"per_ip_burst"`
}

type StorageConfig struct {
	DatabaseFile string `yaml:"database_file"`
}

type HypervisorConfig struct {
	Binary               string `yaml:"binary"`
	TemplateDir          string `yaml:"template_dir"`
	CommandTimeoutSecs   int    `yaml:"command_timeout_seconds"`
	TransientMaxRetries  int    `yaml:"transient_max_retries"`
	BootWaitMaxSeconds   int    `yaml:"boot_wait_max_seconds"`
	BootPollIntervalSecs int    `yaml:"boot_poll_interval_seconds"`
}

type NetworkConfig struct {
	Mode         string `yaml:"mode"` // "nat" or "bridge"
	SSHPortBase  int    `yaml:"ssh_port_base"`
	WebPortBase  int    `yaml:"web_port_base"`
	PortPoolSize int    `yaml:"port_pool_size"`
	SubnetBase   string `yaml:"subnet_base"` // first two octets, e.g. "10.77"
	SubnetPool   int    `yaml:"subnet_pool"`
}

type InjectionConfig struct {
	SSHPort            int `yaml:"ssh_port"`
	DialTimeoutSeconds int `yaml:"dial_timeout_seconds"`
	MaxAttempts        int `yaml:"max_attempts"`
	BackoffBaseSeconds int `yaml:"backoff_base_seconds"`
}

type VPNConfig struct {
	ProfileDir     string `yaml:"profile_dir"`
	ServerEndpoint string `yaml:"server_endpoint"`
	DNS            string `yaml:"dns"`
	TTLMinutes     int    `yaml:"ttl_minutes"`
}

type SessionConfig struct {
	DurationMinutes  int `yaml:"duration_minutes"`
	MaxExtensions    int `yaml:"max_extensions"`
	ExtensionMinutes int `yaml:"extension_minutes"`
	MaxActive        int `yaml:"max_active"`
}

type CleanupConfig struct {
	IntervalSeconds      int `yaml:"interval_seconds"`
	StoppingGraceSeconds int `yaml:"stopping_grace_seconds"`
}

type ScoringConfig struct {
	WebhookURL     string `yaml:"webhook_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

type ObsConfig struct {
	LogLevel    string `yaml:"log_level"`
	MetricsPath string `yaml:"metrics_path"`
}

func Default() Config {
	return Config{
		Server: ServerConfig{
			ListenAddr:          ":9100",
			Version:             "dev",
			ReadTimeoutSeconds:  10,
			WriteTimeoutSeconds: 30,
			IdleTimeoutSeconds:  60,
			HealthPublic:        true,
		},
		Auth: AuthConfig{
			Mode:            "bearer",
			HMACSkewSeconds: 300,
			NonceTTLSeconds: 360,
		},
		RateLimit: RateLimitConfig{
			Enabled:     true,
			GlobalRPS:   100,
			GlobalBurst: 200,
			PerIPRPS:    20,
			PerIPBurst:  40,
		},
		Storage: StorageConfig{
			DatabaseFile: "/var/lib/range-controller/range.db",
		},
		Hypervisor: HypervisorConfig{
			Binary:               "vboxmanage",
			TemplateDir:          "/var/lib/range-controller/templates",
			CommandTimeoutSecs:   60,
			TransientMaxRetries:  3,
			BootWaitMaxSeconds:   180,
			BootPollIntervalSecs: 5,
		},
		Network: NetworkConfig{
			Mode:         "nat",
			SSHPortBase:  42000,
			WebPortBase:  43000,
			PortPoolSize: 100,
			SubnetBase:   "10.77",
			SubnetPool:   200,
		},
		Injection: InjectionConfig{
			SSHPort:            22,
			DialTimeoutSeconds: 10,
			MaxAttempts:        5,
			BackoffBaseSeconds: 2,
		},
		VPN: VPNConfig{
			ProfileDir:     "/var/lib/range-controller/profiles",
			ServerEndpoint: "vpn.range.local:1194",
			DNS:            "10.77.0.1",
			TTLMinutes:     240,
		},
		Session: SessionConfig{
			DurationMinutes:  120,
			MaxExtensions:    3,
			ExtensionMinutes: 60,
			MaxActive:        50,
		},
		Cleanup: CleanupConfig{
			IntervalSeconds:      30,
			StoppingGraceSeconds: 300,
		},
		Scoring:       ScoringConfig{TimeoutSeconds: 5},
		Observability: ObsConfig{LogLevel: "info", MetricsPath: "/metrics"},
	}
}

func Load() (Config, error) {
	cfg := Default()

	configFile := os.Getenv("RANGE_CONFIG_FILE")
	if configFile != "" {
		if err := loadYAML(&cfg, configFile); err != nil {
			return cfg, err
		}
	}
	applyEnv(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadFile reads configuration from an explicit path, still applying env
// overrides and validation. Used by the CLI's --config flag.
func LoadFile(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := loadYAML(&cfg, path); err != nil {
			return cfg, err
		}
	}
	applyEnv(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func loadYAML(cfg *Config, file string) error {
	b, err := os.ReadFile(file)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.Server.ListenAddr, "RANGE_LISTEN_ADDR")
	setString(&cfg.Server.Version, "RANGE_VERSION")
	setInt(&cfg.Server.ReadTimeoutSeconds, "RANGE_READ_TIMEOUT_SECONDS")
	setInt(&cfg.Server.WriteTimeoutSeconds, "RANGE_WRITE_TIMEOUT_SECONDS")
	setInt(&cfg.Server.IdleTimeoutSeconds, "RANGE_IDLE_TIMEOUT_SECONDS")
	setBool(&cfg.Server.HealthPublic, "RANGE_HEALTH_PUBLIC")

	setString(&cfg.Auth.Mode, "RANGE_AUTH_MODE")
	setString(&cfg.Auth.BearerToken, "RANGE_TOKEN")
	setString(&cfg.Auth.HMACSecret, "RANGE_HMAC_SECRET")
	setInt(&cfg.Auth.HMACSkewSeconds, "RANGE_HMAC_SKEW_SECONDS")
	setInt(&cfg.Auth.NonceTTLSeconds, "RANGE_NONCE_TTL_SECONDS")

	setBool(&cfg.RateLimit.Enabled, "RANGE_RATE_LIMIT_ENABLED")
	setFloat64(&cfg.RateLimit.GlobalRPS, "RANGE_RATE_LIMIT_GLOBAL_RPS")
	setInt(&cfg.RateLimit.GlobalBurst, "RANGE_RATE_LIMIT_GLOBAL_BURST")
	setFloat64(&cfg.RateLimit.PerIPRPS, "RANGE_RATE_LIMIT_PER_IP_RPS")
	setInt(&cfg.RateLimit.PerIPBurst, "RANGE_RATE_LIMIT_PER_IP_BURST")

	setString(&cfg.Storage.DatabaseFile, "RANGE_DATABASE_FILE")

	setString(&cfg.Hypervisor.Binary, "RANGE_HV_BINARY")
	setString(&cfg.Hypervisor.TemplateDir, "RANGE_HV_TEMPLATE_DIR")
	setInt(&cfg.Hypervisor.CommandTimeoutSecs, "RANGE_HV_COMMAND_TIMEOUT_SECONDS")
	setInt(&cfg.Hypervisor.TransientMaxRetries, "RANGE_HV_TRANSIENT_MAX_RETRIES")
	setInt(&cfg.Hypervisor.BootWaitMaxSeconds, "RANGE_HV_BOOT_WAIT_MAX_SECONDS")
	setInt(&cfg.Hypervisor.BootPollIntervalSecs, "RANGE_HV_BOOT_POLL_INTERVAL_SECONDS")

	setString(&cfg.Network.Mode, "RANGE_NETWORK_MODE")
	setInt(&cfg.Network.SSHPortBase, "RANGE_SSH_PORT_BASE")
	setInt(&cfg.Network.WebPortBase, "RANGE_WEB_PORT_BASE")
	setInt(&cfg.Network.PortPoolSize, "RANGE_PORT_POOL_SIZE")
	setString(&cfg.Network.SubnetBase, "RANGE_SUBNET_BASE")
	setInt(&cfg.Network.SubnetPool, "RANGE_SUBNET_POOL")

	setInt(&cfg.Injection.SSHPort, "RANGE_INJECT_SSH_PORT")
	setInt(&cfg.Injection.DialTimeoutSeconds, "RANGE_INJECT_DIAL_TIMEOUT_SECONDS")
	setInt(&cfg.Injection.MaxAttempts, "RANGE_INJECT_MAX_ATTEMPTS")
	setInt(&cfg.Injection.BackoffBaseSeconds, "RANGE_INJECT_BACKOFF_BASE_SECONDS")

	setString(&cfg.VPN.ProfileDir, "RANGE_VPN_PROFILE_DIR")
	setString(&cfg.VPN.ServerEndpoint, "RANGE_VPN_SERVER_ENDPOINT")
	setString(&cfg.VPN.DNS, "RANGE_VPN_DNS")
	setInt(&cfg.VPN.TTLMinutes, "RANGE_VPN_TTL_MINUTES")

	setInt(&cfg.Session.DurationMinutes, "RANGE_SESSION_DURATION_MINUTES")
	setInt(&cfg.Session.MaxExtensions, "RANGE_SESSION_MAX_EXTENSIONS")
	setInt(&cfg.Session.ExtensionMinutes, "RANGE_SESSION_EXTENSION_MINUTES")
	setInt(&cfg.Session.MaxActive, "RANGE_SESSION_MAX_ACTIVE")

	setInt(&cfg.Cleanup.IntervalSeconds, "RANGE_CLEANUP_INTERVAL_SECONDS")
	setInt(&cfg.Cleanup.StoppingGraceSeconds, "RANGE_CLEANUP_STOPPING_GRACE_SECONDS")

	setString(&cfg.Scoring.WebhookURL, "RANGE_SCORING_WEBHOOK_URL")
	setInt(&cfg.Scoring.TimeoutSeconds, "RANGE_SCORING_TIMEOUT_SECONDS")

	setString(&cfg.Observability.LogLevel, "RANGE_LOG_LEVEL")
	setString(&cfg.Observability.MetricsPath, "RANGE_METRICS_PATH")
}

func validate(cfg Config) error {
	if cfg.Server.ListenAddr == "" {
		return errors.New("listen addr is required")
	}
	if cfg.Session.DurationMinutes <= 0 {
		return errors.New("session duration must be > 0")
	}
	if cfg.Session.MaxExtensions < 0 {
		return errors.New("max extensions cannot be negative")
	}
	if cfg.Session.ExtensionMinutes <= 0 {
		return errors.New("extension minutes must be > 0")
	}
	if cfg.Session.MaxActive <= 0 {
		return errors.New("max active sessions must be > 0")
	}
	switch strings.ToLower(cfg.Network.Mode) {
	case "nat", "bridge":
	default:
		return fmt.Errorf("invalid network mode: %s", cfg.Network.Mode)
	}
	if cfg.Network.PortPoolSize <= 0 || cfg.Network.SubnetPool <= 0 {
		return errors.New("network pool sizes must be > 0")
	}
	if cfg.Network.SubnetPool > 254 {
		return errors.New("subnet pool cannot exceed 254")
	}
	if cfg.Hypervisor.Binary == "" {
		return errors.New("hypervisor binary is required")
	}
	if cfg.Hypervisor.CommandTimeoutSecs <= 0 || cfg.Hypervisor.BootWaitMaxSeconds <= 0 {
		return errors.New("hypervisor timeouts must be > 0")
	}
	if cfg.Injection.MaxAttempts <= 0 {
		return errors.New("injection max attempts must be > 0")
	}
	if cfg.Cleanup.IntervalSeconds <= 0 {
		return errors.New("cleanup interval must be > 0")
	}
	mode := strings.ToLower(cfg.Auth.Mode)
	switch mode {
	case "bearer", "hmac", "either", "none":
	default:
		return fmt.Errorf("invalid auth mode: %s", cfg.Auth.Mode)
	}
	if mode == "bearer" && cfg.Auth.BearerToken == "" {
		return errors.New("RANGE_TOKEN is required in bearer mode")
	}
	if mode == "hmac" && cfg.Auth.HMACSecret == "" {
		return errors.New("RANGE_HMAC_SECRET is required in hmac mode")
	}
	if cfg.Auth.HMACSkewSeconds <= 0 {
		return errors.New("hmac skew must be > 0")
	}
	if cfg.RateLimit.Enabled {
		if cfg.RateLimit.GlobalRPS <= 0 || cfg.RateLimit.GlobalBurst <= 0 {
			return errors.New("global rate limit values must be > 0")
		}
		if cfg.RateLimit.PerIPRPS <= 0 || cfg.RateLimit.PerIPBurst <= 0 {
			return errors.New("per-ip rate limit values must be > 0")
		}
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}
func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if p, err := strconv.ParseBool(v); err == nil {
			*dst = p
		}
	}
}
func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			*dst = p
		}
	}
}
func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if p, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = p
		}
	}
}
