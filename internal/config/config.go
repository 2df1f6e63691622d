package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config application configuration structure
type Config struct {
	Server     ServerConfig           `yaml:"server"`
	Database   DatabaseConfig         `yaml:"database"`
	NATS       NATSConfig             `yaml:"nats"`
	Chains     map[string]ChainConfig `yaml:"chains"`
	Cirx       CirxConfig             `yaml:"cirx"`
	Worker     WorkerConfig           `yaml:"worker"`
	Monitoring MonitoringConfig       `yaml:"monitoring"`
	Prices     map[string]float64     `yaml:"prices"`
	Admin      AdminConfig            `yaml:"admin"`
	CORS       CORSConfig             `yaml:"cors"`
}

// ServerConfig HTTP server configuration
type ServerConfig struct {
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	TrustedProxies []string `yaml:"trustedProxies"`
}

// DatabaseConfig database configuration
type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

// NATSConfig NATS message server configuration. URL empty = NATS disabled.
type NATSConfig struct {
	URL           string `yaml:"url"`
	Timeout       int    `yaml:"timeout"`
	ReconnectWait int    `yaml:"reconnect_wait"`
	MaxReconnects int    `yaml:"max_reconnects"`
	StreamName    string `yaml:"stream_name"`
}

// TokenConfig describes one payable token on a payment chain.
// Address is empty for the chain's native asset.
type TokenConfig struct {
	Address  string `yaml:"address"`
	Decimals int    `yaml:"decimals"`
}

// ChainConfig configuration for one supported payment chain
type ChainConfig struct {
	Name                  string                 `yaml:"name"`
	RPCEndpoints          []string               `yaml:"rpcEndpoints"`
	ReceivingAddress      string                 `yaml:"receivingAddress"`
	RequiredConfirmations uint64                 `yaml:"requiredConfirmations"`
	Tokens                map[string]TokenConfig `yaml:"tokens"`
	Enabled               bool                   `yaml:"enabled"`
}

// CirxConfig Circular Protocol (CIRX) side configuration
type CirxConfig struct {
	NAGURL                string  `yaml:"nagUrl"`
	RequiredConfirmations uint64  `yaml:"requiredConfirmations"`
	BaseRateUSD           float64 `yaml:"baseRateUsd"`           // USD per CIRX
	WalletEncryptionKey   string  `yaml:"walletEncryptionKey"`   // hex, 32 bytes
	OTCDiscountMinimumUSD float64 `yaml:"otcDiscountMinimumUsd"` // below this the swap is liquid, no discount
}

// WorkerConfig settlement worker tuning
type WorkerConfig struct {
	TickInterval     int `yaml:"tickInterval"`     // seconds between scheduling passes
	BatchSize        int `yaml:"batchSize"`        // max transactions claimed per tick
	PoolSize         int `yaml:"poolSize"`         // max concurrent transactions in flight
	MaxRetries       int `yaml:"maxRetries"`       // retry budget per transaction
	RetryBaseDelay   int `yaml:"retryBaseDelay"`   // seconds, doubles per retry
	RetryMaxDelay    int `yaml:"retryMaxDelay"`    // seconds, backoff cap
	LeaseTTL         int `yaml:"leaseTtl"`         // seconds a claim is held before it expires
	RPCTimeout       int `yaml:"rpcTimeout"`       // seconds, per chain call
	StuckResetAfter  int `yaml:"stuckResetAfter"`  // minutes before a pending transfer is recovered
	ShutdownDeadline int `yaml:"shutdownDeadline"` // seconds to wait for in-flight work on Stop
}

// MonitoringConfig alerting thresholds and windows
type MonitoringConfig struct {
	StuckThresholdMinutes       int     `yaml:"stuckThresholdMinutes"`
	FailureRateThresholdPercent float64 `yaml:"failureRateThresholdPercent"`
	FailureRateWindowHours      int     `yaml:"failureRateWindowHours"`
	SummaryWindowHours          int     `yaml:"summaryWindowHours"`
	MetricsInterval             int     `yaml:"metricsInterval"` // seconds between prometheus gauge refreshes
}

// AdminConfig admin API access control configuration
type AdminConfig struct {
	JWTSecret  string   `yaml:"jwtSecret"`
	TOTPSecret string   `yaml:"totpSecret"` // empty disables the TOTP step-up
	AllowedIPs []string `yaml:"allowedIPs"`
}

// CORSConfig CORS configuration
type CORSConfig struct {
	AllowedOrigins   []string `yaml:"allowedOrigins"`
	AllowCredentials bool     `yaml:"allowCredentials"`
	MaxAge           int      `yaml:"maxAge"`
}

// AppConfig global application configuration instance
var AppConfig *Config

// LoadConfig loads configuration from the given YAML file and applies
// environment variable overrides on top.
func LoadConfig(configPath string) error {
	config := defaultConfig()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return fmt.Errorf("failed to parse config file %s: %w", configPath, err)
		}
		log.Printf("✅ Loaded configuration from %s", configPath)
	} else {
		log.Println("⚠️ No config file provided, using defaults + environment")
	}

	overrideFromEnv(config)

	if err := validate(config); err != nil {
		return err
	}

	AppConfig = config
	return nil
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: 18423},
		NATS: NATSConfig{
			Timeout:       10,
			ReconnectWait: 5,
			MaxReconnects: -1,
			StreamName:    "CIRX_SWAPS",
		},
		Cirx: CirxConfig{
			RequiredConfirmations: 1,
			BaseRateUSD:           2.5,
			OTCDiscountMinimumUSD: 1000,
		},
		Worker: WorkerConfig{
			TickInterval:     15,
			BatchSize:        50,
			PoolSize:         5,
			MaxRetries:       10,
			RetryBaseDelay:   10,
			RetryMaxDelay:    600,
			LeaseTTL:         120,
			RPCTimeout:       30,
			StuckResetAfter:  10,
			ShutdownDeadline: 30,
		},
		Monitoring: MonitoringConfig{
			StuckThresholdMinutes:       30,
			FailureRateThresholdPercent: 25.0,
			FailureRateWindowHours:      1,
			SummaryWindowHours:          24,
			MetricsInterval:             60,
		},
		Prices: map[string]float64{
			"ETH":   2700.0,
			"USDC":  1.0,
			"USDT":  1.0,
			"BNB":   300.0,
			"MATIC": 0.80,
			"SOL":   150.0,
		},
	}
}

// overrideFromEnv applies environment variable overrides.
// Priority: environment > YAML > defaults.
func overrideFromEnv(config *Config) {
	if v := os.Getenv("SERVER_HOST"); v != "" {
		config.Server.Host = v
	}
	if v := os.Getenv("SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			config.Server.Port = port
		}
	}
	if v := os.Getenv("DATABASE_DSN"); v != "" {
		config.Database.DSN = v
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		config.NATS.URL = v
	}
	if v := os.Getenv("CIRX_NAG_URL"); v != "" {
		config.Cirx.NAGURL = v
	}
	if v := os.Getenv("CIRX_WALLET_ENCRYPTION_KEY"); v != "" {
		config.Cirx.WalletEncryptionKey = v
	}
	if v := os.Getenv("ADMIN_JWT_SECRET"); v != "" {
		config.Admin.JWTSecret = v
	}
	if v := os.Getenv("ADMIN_TOTP_SECRET"); v != "" {
		config.Admin.TOTPSecret = v
	}
	if v := os.Getenv("WORKER_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Worker.MaxRetries = n
		}
	}
	if v := os.Getenv("ALERT_STUCK_MINUTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Monitoring.StuckThresholdMinutes = n
		}
	}
	if v := os.Getenv("ALERT_FAILURE_RATE_PERCENT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			config.Monitoring.FailureRateThresholdPercent = f
		}
	}
	if v := os.Getenv("CORS_ALLOWED_ORIGINS"); v != "" {
		origins := strings.Split(v, ",")
		config.CORS.AllowedOrigins = nil
		for _, o := range origins {
			if trimmed := strings.TrimSpace(o); trimmed != "" {
				config.CORS.AllowedOrigins = append(config.CORS.AllowedOrigins, trimmed)
			}
		}
	}
}

func validate(config *Config) error {
	if config.Worker.MaxRetries < 0 {
		return fmt.Errorf("worker.maxRetries must be >= 0")
	}
	if config.Worker.PoolSize <= 0 {
		return fmt.Errorf("worker.poolSize must be > 0")
	}
	if config.Worker.BatchSize <= 0 {
		return fmt.Errorf("worker.batchSize must be > 0")
	}
	return nil
}

// GetChainConfig returns configuration for a named payment chain.
func GetChainConfig(chain string) (*ChainConfig, error) {
	if AppConfig == nil {
		return nil, fmt.Errorf("configuration not loaded")
	}
	cfg, ok := AppConfig.Chains[chain]
	if !ok {
		return nil, fmt.Errorf("chain %s not configured", chain)
	}
	return &cfg, nil
}

// TickIntervalDuration returns the worker scheduling interval as a Duration.
func (w WorkerConfig) TickIntervalDuration() time.Duration {
	return time.Duration(w.TickInterval) * time.Second
}

// RPCTimeoutDuration returns the per-call RPC timeout as a Duration.
func (w WorkerConfig) RPCTimeoutDuration() time.Duration {
	return time.Duration(w.RPCTimeout) * time.Second
}

// LeaseTTLDuration returns the claim lease lifetime as a Duration.
func (w WorkerConfig) LeaseTTLDuration() time.Duration {
	return time.Duration(w.LeaseTTL) * time.Second
}
