package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/viper"
)

// Gateway modes.
const (
	GatewayLog      = "log"
	GatewayIPTables = "iptables"
	GatewayHTTP     = "http"
	GatewayGRPC     = "grpc"
)

type Config struct {
	Server   ServerConfig
	Redis    RedisConfig
	Ledger   LedgerConfig
	Voucher  VoucherConfig
	Earn     EarnConfig
	Gateway  GatewayConfig
	Enforcer EnforcerConfig
	Kiosk    KioskConfig
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
	// TrustedProxies decides which X-Forwarded-For hops gin believes when
	// it derives the client address. Empty trusts none.
	TrustedProxies []string `mapstructure:"trusted_proxies"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
}

type LedgerConfig struct {
	EvictOnExpiry bool  `mapstructure:"evict_on_expiry"`
	MaxBalanceSec int64 `mapstructure:"max_balance_sec"`
}

type VoucherConfig struct {
	CodeLength       int   `mapstructure:"code_length"`
	MaxIssueAttempts int   `mapstructure:"max_issue_attempts"`
	TTLSec           int64 `mapstructure:"ttl_sec"`
	PurgeIntervalSec int   `mapstructure:"purge_interval_sec"`
}

func (v VoucherConfig) TTL() time.Duration { return time.Duration(v.TTLSec) * time.Second }

type EarnConfig struct {
	SecondsPerBottle   int64 `mapstructure:"seconds_per_bottle"`
	MaxBottlesPerEvent int   `mapstructure:"max_bottles_per_event"`
	AutoClaim          bool  `mapstructure:"auto_claim"`
}

type GatewayConfig struct {
	Mode          string `mapstructure:"mode"`
	APIURL        string `mapstructure:"api_url"`
	AdminKey      string `mapstructure:"admin_key"`
	GRPCTarget    string `mapstructure:"grpc_target"`
	IPTablesTable string `mapstructure:"iptables_table"`
	IPTablesChain string `mapstructure:"iptables_chain"`
	FlushOnStart  bool   `mapstructure:"flush_on_start"`
	DenyUnpaid    bool   `mapstructure:"deny_unpaid"`
	TimeoutSec    int    `mapstructure:"timeout_sec"`
}

func (g GatewayConfig) Timeout() time.Duration { return time.Duration(g.TimeoutSec) * time.Second }

type EnforcerConfig struct {
	QueueSize          int `mapstructure:"queue_size"`
	RecoverIntervalSec int `mapstructure:"recover_interval_sec"`
}

type KioskConfig struct {
	Addresses []string `mapstructure:"addresses"`
}

// Load reads config.yaml from . or /app when present, then the environment.
func Load() (*Config, error) {
	v := newViper()

	// Config file (optional)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/app")
	_ = v.ReadInConfig()

	return load(v)
}

// LoadFile is Load with an explicit config file, which must exist.
func LoadFile(path string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return load(v)
}

func newViper() *viper.Viper {
	v := viper.New()

	// Defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("redis.addr", "redis:6379")
	v.SetDefault("ledger.evict_on_expiry", true)
	v.SetDefault("ledger.max_balance_sec", 0)
	v.SetDefault("voucher.code_length", 6)
	v.SetDefault("voucher.max_issue_attempts", 32)
	v.SetDefault("voucher.ttl_sec", 0)
	v.SetDefault("voucher.purge_interval_sec", 60)
	v.SetDefault("earn.seconds_per_bottle", 300)
	v.SetDefault("earn.max_bottles_per_event", 20)
	v.SetDefault("earn.auto_claim", false)
	v.SetDefault("gateway.mode", GatewayLog)
	v.SetDefault("gateway.iptables_table", "filter")
	v.SetDefault("gateway.iptables_chain", "FORWARD")
	v.SetDefault("gateway.timeout_sec", 10)
	v.SetDefault("gateway.deny_unpaid", true)
	v.SetDefault("enforcer.queue_size", 100)
	v.SetDefault("enforcer.recover_interval_sec", 30)
	return v
}

func load(v *viper.Viper) (*Config, error) {
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit env bindings
	bindings := map[string]string{
		"server.port":                   "PORT",
		"server.trusted_proxies":        "TRUSTED_PROXIES",
		"redis.addr":                    "REDIS_ADDR",
		"redis.password":                "REDIS_PASSWORD",
		"ledger.evict_on_expiry":        "EVICT_ON_EXPIRY",
		"ledger.max_balance_sec":        "MAX_BALANCE_SEC",
		"voucher.code_length":           "VOUCHER_CODE_LENGTH",
		"voucher.max_issue_attempts":    "VOUCHER_MAX_ISSUE_ATTEMPTS",
		"voucher.ttl_sec":               "VOUCHER_TTL_SEC",
		"voucher.purge_interval_sec":    "VOUCHER_PURGE_INTERVAL_SEC",
		"earn.seconds_per_bottle":       "SECONDS_PER_BOTTLE",
		"earn.max_bottles_per_event":    "MAX_BOTTLES_PER_EVENT",
		"earn.auto_claim":               "AUTO_CLAIM",
		"gateway.mode":                  "GATEWAY_MODE",
		"gateway.api_url":               "ACCESS_CONTROLLER_URL",
		"gateway.admin_key":             "ACCESS_CONTROLLER_KEY",
		"gateway.grpc_target":           "GATEWAY_GRPC_TARGET",
		"gateway.iptables_table":        "IPTABLES_TABLE",
		"gateway.iptables_chain":        "IPTABLES_CHAIN",
		"gateway.flush_on_start":        "IPTABLES_FLUSH_ON_START",
		"gateway.timeout_sec":           "GATEWAY_TIMEOUT_SEC",
		"gateway.deny_unpaid":           "DENY_UNPAID",
		"enforcer.queue_size":           "REVOKE_QUEUE_SIZE",
		"enforcer.recover_interval_sec": "REVOKE_RECOVER_INTERVAL_SEC",
		"kiosk.addresses":               "KIOSK_ADDRESSES",
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	switch c.Gateway.Mode {
	case GatewayLog, GatewayIPTables:
	case GatewayHTTP:
		if c.Gateway.APIURL == "" {
			return fmt.Errorf("required config missing: ACCESS_CONTROLLER_URL")
		}
		if c.Gateway.AdminKey == "" {
			return fmt.Errorf("required config missing: ACCESS_CONTROLLER_KEY")
		}
	case GatewayGRPC:
		if c.Gateway.GRPCTarget == "" {
			return fmt.Errorf("required config missing: GATEWAY_GRPC_TARGET")
		}
	default:
		return fmt.Errorf("unknown GATEWAY_MODE %q", c.Gateway.Mode)
	}

	if c.Voucher.CodeLength < 4 || c.Voucher.CodeLength > 18 {
		return fmt.Errorf("VOUCHER_CODE_LENGTH must be within 4..18, got %d", c.Voucher.CodeLength)
	}
	if c.Voucher.TTLSec < 0 {
		return fmt.Errorf("VOUCHER_TTL_SEC must not be negative")
	}
	if c.Earn.SecondsPerBottle <= 0 {
		return fmt.Errorf("SECONDS_PER_BOTTLE must be positive")
	}
	if c.Ledger.MaxBalanceSec < 0 {
		return fmt.Errorf("MAX_BALANCE_SEC must not be negative")
	}
	for _, a := range c.Kiosk.Addresses {
		if !common.IsHexAddress(a) {
			return fmt.Errorf("KIOSK_ADDRESSES: invalid address %q", a)
		}
	}
	return nil
}
