// Package config loads the proxy manager and discovery settings from an optional
// YAML file, a .env file and the environment, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"socks-fleet/pkg/api"
	"socks-fleet/pkg/discovery"
	"socks-fleet/pkg/fleet"
	"socks-fleet/pkg/registry"
)

type Config struct {
	Listen    string          `yaml:"listen"`
	Log       LogConfig       `yaml:"log"`
	Catalog   CatalogConfig   `yaml:"catalog"`
	Fleet     FleetConfig     `yaml:"fleet"`
	API       APIConfig       `yaml:"api"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
	Consul    ConsulConfig    `yaml:"consul"`
	Discovery DiscoveryConfig `yaml:"discovery"`
}

type LogConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

type CatalogConfig struct {
	Driver string `yaml:"driver"` // sqlite, mysql, memory
	DSN    string `yaml:"dsn"`    // sqlite file path or mysql DSN
}

type FleetConfig struct {
	Image        string        `yaml:"image"`
	SocksPort    int           `yaml:"socks_port"`
	ConfigDir    string        `yaml:"config_dir"`
	MountSource  string        `yaml:"mount_source"`
	MountTarget  string        `yaml:"mount_target"`
	ConfigPrefix string        `yaml:"config_prefix"`
	NamePrefix   string        `yaml:"name_prefix"`
	SettleDelay  time.Duration `yaml:"settle_delay"`
	LogTail      int           `yaml:"log_tail"`
	LogExcerpt   int           `yaml:"log_excerpt"`
}

type APIConfig struct {
	Token             string         `yaml:"token"`
	AdminUser         string         `yaml:"admin_user"`
	AdminPasswordHash string         `yaml:"admin_password_hash"`
	JWTSecret         string         `yaml:"jwt_secret"`
	TokenTTL          time.Duration  `yaml:"token_ttl"`
	CreateRateLimit   int            `yaml:"create_rate_limit"` // per client IP per minute, 0 disables
	RecentEvents      int            `yaml:"recent_events"`
	TLS               api.TLSOptions `yaml:"tls"`
}

type ReconcileConfig struct {
	Interval time.Duration `yaml:"interval"` // 0 disables the periodic reconcile
}

type ConsulConfig struct {
	Enabled          bool `yaml:"enabled"`
	registry.Options `yaml:",inline"`
}

type DiscoveryConfig struct {
	discovery.Options `yaml:",inline"`
	Interval          time.Duration `yaml:"interval"` // 0 runs once
}

// Load reads path if it exists, then applies defaults and environment overrides.
// A missing file is not an error: every setting has a default or an env var.
func Load(path string) (*Config, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}
	var c Config
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, &c); err != nil {
				return nil, fmt.Errorf("parse config file: %w", err)
			}
		}
	}
	c.SetDefaults()
	if err := c.ApplyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) SetDefaults() {
	def := fleet.DefaultConfig()
	if c.Listen == "" {
		c.Listen = ":8000"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Catalog.Driver == "" {
		c.Catalog.Driver = "sqlite"
	}
	if c.Catalog.DSN == "" && c.Catalog.Driver == "sqlite" {
		c.Catalog.DSN = "db/tor_nodes.db"
	}
	f := &c.Fleet
	if f.Image == "" {
		f.Image = def.Image
	}
	if f.SocksPort == 0 {
		f.SocksPort = def.SocksPort
	}
	if f.ConfigDir == "" {
		f.ConfigDir = def.ConfigDir
	}
	if f.MountSource == "" {
		f.MountSource = def.MountSource
	}
	if f.MountTarget == "" {
		f.MountTarget = def.MountTarget
	}
	if f.ConfigPrefix == "" {
		f.ConfigPrefix = def.ConfigPrefix
	}
	if f.NamePrefix == "" {
		f.NamePrefix = def.NamePrefix
	}
	if f.SettleDelay == 0 {
		f.SettleDelay = def.SettleDelay
	}
	if f.LogTail == 0 {
		f.LogTail = def.LogTail
	}
	if f.LogExcerpt == 0 {
		f.LogExcerpt = def.LogExcerpt
	}
	if c.API.AdminUser == "" {
		c.API.AdminUser = "admin"
	}
	if c.API.TokenTTL == 0 {
		c.API.TokenTTL = 24 * time.Hour
	}
	if c.API.RecentEvents == 0 {
		c.API.RecentEvents = api.DefaultRecentEvents
	}
	if c.Consul.Service == "" {
		c.Consul.Service = "tor-proxy"
	}
	if c.Discovery.URL == "" {
		c.Discovery.URL = discovery.DefaultURL
	}
	if c.Discovery.Timeout == 0 {
		c.Discovery.Timeout = discovery.DefaultTimeout
	}
}

// ApplyEnvOverrides lets the environment win over the file.
func (c *Config) ApplyEnvOverrides() error {
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	str("SOCKS_FLEET_LISTEN", &c.Listen)
	str("SOCKS_FLEET_LOG_LEVEL", &c.Log.Level)
	str("SOCKS_FLEET_CATALOG_DRIVER", &c.Catalog.Driver)
	str("SOCKS_FLEET_CATALOG_DSN", &c.Catalog.DSN)
	if v := os.Getenv("MYSQL_DSN"); v != "" {
		c.Catalog.Driver = "mysql"
		c.Catalog.DSN = v
	}
	str("SOCKS_FLEET_IMAGE", &c.Fleet.Image)
	str("SOCKS_FLEET_CONFIG_DIR", &c.Fleet.ConfigDir)
	str("SOCKS_FLEET_MOUNT_SOURCE", &c.Fleet.MountSource)
	str("SOCKS_FLEET_MOUNT_TARGET", &c.Fleet.MountTarget)
	str("SOCKS_FLEET_API_TOKEN", &c.API.Token)
	str("SOCKS_FLEET_ADMIN_USER", &c.API.AdminUser)
	str("SOCKS_FLEET_ADMIN_PASSWORD_HASH", &c.API.AdminPasswordHash)
	str("JWT_SECRET", &c.API.JWTSecret)
	str("SOCKS_FLEET_CONSUL_ADDR", &c.Consul.Address)
	str("CONSUL_HTTP_TOKEN", &c.Consul.Token)
	str("SOCKS_FLEET_ADVERTISE_ADDR", &c.Consul.AdvertiseAddr)
	str("SOCKS_FLEET_DISCOVERY_SOCKS", &c.Discovery.SocksProxy)

	if v := os.Getenv("SOCKS_FLEET_CONSUL_ADDR"); v != "" {
		c.Consul.Enabled = true
	}
	if v := os.Getenv("SOCKS_FLEET_SOCKS_PORT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("SOCKS_FLEET_SOCKS_PORT: %w", err)
		}
		c.Fleet.SocksPort = n
	}
	if v := os.Getenv("SOCKS_FLEET_CREATE_RATE_LIMIT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("SOCKS_FLEET_CREATE_RATE_LIMIT: %w", err)
		}
		c.API.CreateRateLimit = n
	}
	for key, dst := range map[string]*time.Duration{
		"SOCKS_FLEET_SETTLE_DELAY":       &c.Fleet.SettleDelay,
		"SOCKS_FLEET_RECONCILE_INTERVAL": &c.Reconcile.Interval,
		"SOCKS_FLEET_DISCOVERY_INTERVAL": &c.Discovery.Interval,
	} {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = d
		}
	}
	return nil
}

func (c *Config) Validate() error {
	switch c.Catalog.Driver {
	case "sqlite", "memory":
	case "mysql":
		if c.Catalog.DSN == "" {
			return errors.New("catalog.dsn is required for the mysql driver")
		}
	default:
		return fmt.Errorf("unsupported catalog driver: %s", c.Catalog.Driver)
	}
	if c.Fleet.SocksPort <= 0 || c.Fleet.SocksPort > 65535 {
		return fmt.Errorf("fleet.socks_port out of range: %d", c.Fleet.SocksPort)
	}
	if c.Fleet.SettleDelay < 0 || c.Reconcile.Interval < 0 || c.Discovery.Interval < 0 {
		return errors.New("durations must not be negative")
	}
	if c.API.CreateRateLimit < 0 {
		return errors.New("api.create_rate_limit must not be negative")
	}
	if _, ok := levels[c.Log.Level]; !ok {
		return fmt.Errorf("unknown log level: %s", c.Log.Level)
	}
	if (c.API.TLS.CertFile == "") != (c.API.TLS.KeyFile == "") {
		return errors.New("api.tls needs both cert_file and key_file")
	}
	if c.API.AdminPasswordHash != "" && c.API.JWTSecret == "" {
		return errors.New("api.admin_password_hash requires api.jwt_secret")
	}
	return nil
}

// FleetConfig returns the manager settings.
func (c *Config) FleetConfig() fleet.Config {
	f := c.Fleet
	return fleet.Config{
		Image:        f.Image,
		SocksPort:    f.SocksPort,
		ConfigDir:    f.ConfigDir,
		MountSource:  f.MountSource,
		MountTarget:  f.MountTarget,
		ConfigPrefix: f.ConfigPrefix,
		NamePrefix:   f.NamePrefix,
		SettleDelay:  f.SettleDelay,
		LogTail:      f.LogTail,
		LogExcerpt:   f.LogExcerpt,
	}
}

func (c *Config) APIOptions() api.Options {
	return api.Options{
		Token:             c.API.Token,
		AdminUser:         c.API.AdminUser,
		AdminPasswordHash: c.API.AdminPasswordHash,
		CreateRateLimit:   c.API.CreateRateLimit,
	}
}

func loadDotEnv() error {
	if _, err := os.Stat(".env"); err == nil {
		return godotenv.Load(".env")
	}
	return nil
}
