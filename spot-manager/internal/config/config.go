package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to environment overrides, e.g. SPOT_MANAGER_BUDGET
const EnvPrefix = "SPOT_MANAGER"

// Config represents the complete spot manager configuration
type Config struct {
	Fleet FleetConfig `mapstructure:"fleet"`
	// Budget is the most the fleet may cost, in dollars per hour
	Budget float64 `mapstructure:"budget" validate:"gt=0"`
	// MaxUtilityPrice is the most paid for one unit of utility per hour
	MaxUtilityPrice float64 `mapstructure:"max_utility_price" validate:"gt=0"`
	// AllowedOverage is the fraction of required utility tolerated as surplus
	AllowedOverage float64 `mapstructure:"allowed_overage" validate:"gte=0,lt=1"`
	// MaxNewUtility caps the utility requested in one cycle
	MaxNewUtility float64 `mapstructure:"max_new_utility" validate:"gt=0"`
	// MaxPercentPerType caps the share of one type in a zone (1 = no cap)
	MaxPercentPerType float64 `mapstructure:"max_percent_per_type" validate:"gt=0,lte=1"`
	// MaxRequestsPerType caps the requests for one (type, zone) per cycle
	MaxRequestsPerType int `mapstructure:"max_requests_per_type" validate:"gte=1"`
	// RunInterval is how often the manager is scheduled
	RunInterval time.Duration `mapstructure:"run_interval"`
	// AvailabilityZones limits bidding to these zones (empty = all)
	AvailabilityZones []string `mapstructure:"availability_zones"`

	Pricing     PricingConfig     `mapstructure:"pricing"`
	Watcher     WatcherConfig     `mapstructure:"watcher"`
	Removal     RemovalConfig     `mapstructure:"removal"`
	Utility     []UtilitySpec     `mapstructure:"utility" validate:"required,min=1,dive"`
	Launch      LaunchConfig      `mapstructure:"launch"`
	Store       StoreConfig       `mapstructure:"store"`
	Demand      DemandConfig      `mapstructure:"demand"`
	Provisioner ProvisionerConfig `mapstructure:"provisioner"`
	Provider    ProviderConfig    `mapstructure:"provider"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Serve       ServeConfig       `mapstructure:"serve"`
}

// FleetConfig names the fleet. Managed resources carry a Name tag that
// starts with the fleet name.
type FleetConfig struct {
	Name string `mapstructure:"name" validate:"required"`
}

// PricingConfig controls how quotes are computed
type PricingConfig struct {
	// Percentile of hourly prices used as the bid floor
	Percentile float64 `mapstructure:"percentile" validate:"gt=0,lte=1"`
	// History is how far back the hourly grid reaches
	History time.Duration `mapstructure:"history"`
	// Smoothing spreads each price back in time
	Smoothing time.Duration `mapstructure:"smoothing"`
	// FetchWindow bounds history fetched from the provider when nothing is cached
	FetchWindow time.Duration `mapstructure:"fetch_window"`
	// RetainWindow is how much history before today stays cached
	RetainWindow time.Duration `mapstructure:"retain_window"`
	// Product is the provider product description
	Product string `mapstructure:"product"`
}

// WatcherConfig controls the lifecycle watcher
type WatcherConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// CacheTTL bounds how long a spot request listing is reused
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
	// SetupDelay is how long after launch setup starts
	SetupDelay time.Duration `mapstructure:"setup_delay"`
	// SetupTimeout is how long an instance may take to be set up before it is terminated
	SetupTimeout time.Duration `mapstructure:"setup_timeout"`
	// MaxSetupFailures is how many failures are tolerated quietly
	MaxSetupFailures int `mapstructure:"max_setup_failures" validate:"gte=0"`
	// NoCapacityRetry is how long a rejected type is skipped
	NoCapacityRetry time.Duration `mapstructure:"no_capacity_retry"`
	// SettleDelay is how long new requests are left before tagging
	SettleDelay time.Duration `mapstructure:"settle_delay"`
}

// RemovalConfig controls instance selection on scale-down
type RemovalConfig struct {
	// MaxOvershoot is the largest surplus utility removal may accept
	MaxOvershoot int `mapstructure:"max_overshoot" validate:"gte=0"`
}

// LaunchConfig is the template for every spot request
type LaunchConfig struct {
	ImageID        string   `mapstructure:"image_id"`
	KeyName        string   `mapstructure:"key_name"`
	SecurityGroups []string `mapstructure:"security_groups"`
	// Subnets maps an availability zone to its subnet ids
	Subnets         map[string][]string `mapstructure:"subnets"`
	PlacementGroup  string              `mapstructure:"placement_group"`
	InstanceProfile string              `mapstructure:"instance_profile"`
	// Expiration bounds how long an unfulfilled request stays open
	Expiration time.Duration `mapstructure:"expiration"`
	UserData   string        `mapstructure:"user_data"`
}

// RedisConfig locates a redis server
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db" validate:"gte=0"`
	Prefix   string `mapstructure:"prefix"`
}

// StoreConfig selects where prices and the backoff table persist
type StoreConfig struct {
	// Kind is "redis" or "file"
	Kind        string      `mapstructure:"kind"`
	Redis       RedisConfig `mapstructure:"redis"`
	PriceFile   string      `mapstructure:"price_file"`
	BackoffFile string      `mapstructure:"backoff_file"`
}

// KubeDemandConfig sizes demand from pod CPU requests
type KubeDemandConfig struct {
	Kubeconfig string `mapstructure:"kubeconfig"`
	Namespace  string `mapstructure:"namespace"`
	Selector   string `mapstructure:"selector"`
	// Headroom is extra utility kept above the pods' requests, as a fraction
	Headroom float64 `mapstructure:"headroom" validate:"gte=0"`
}

// DemandConfig selects how required utility is decided
type DemandConfig struct {
	// Kind is "static", "redis" or "kube"
	Kind          string      `mapstructure:"kind"`
	StaticUtility float64     `mapstructure:"static_utility" validate:"gte=0"`
	MinUtility    float64     `mapstructure:"min_utility" validate:"gte=0"`
	MaxUtility    float64     `mapstructure:"max_utility" validate:"gte=0"`
	Redis         RedisConfig `mapstructure:"redis"`
	// Queue is a redis list whose length adds demand
	Queue         string           `mapstructure:"queue"`
	UtilityPerJob float64          `mapstructure:"utility_per_job" validate:"gte=0"`
	Kube          KubeDemandConfig `mapstructure:"kube"`
}

// SSHConfig controls the ssh provisioner
type SSHConfig struct {
	User             string        `mapstructure:"user"`
	Port             int           `mapstructure:"port" validate:"gte=0,lte=65535"`
	KeyFile          string        `mapstructure:"key_file"`
	Timeout          time.Duration `mapstructure:"timeout"`
	SetupCommands    []string      `mapstructure:"setup_commands"`
	TeardownCommands []string      `mapstructure:"teardown_commands"`
}

// ProvisionerConfig selects how instances are set up
type ProvisionerConfig struct {
	// Kind is "none" or "ssh"
	Kind string    `mapstructure:"kind"`
	SSH  SSHConfig `mapstructure:"ssh"`
}

// ProviderConfig selects the cloud provider
type ProviderConfig struct {
	// Kind is "ec2" or "simulate"
	Kind   string `mapstructure:"kind"`
	Region string `mapstructure:"region"`
	// SeedFile holds price samples for the simulated provider
	SeedFile string `mapstructure:"seed_file"`
}

// MetricsConfig controls the prometheus push after a cycle
type MetricsConfig struct {
	Pushgateway string `mapstructure:"pushgateway"`
	Job         string `mapstructure:"job"`
}

// ServeConfig controls the demand ingest API
type ServeConfig struct {
	Addr string `mapstructure:"addr"`
}

// Default returns the default configuration. It has no utility table and
// no fleet name, so it does not validate on its own.
func Default() *Config {
	return &Config{
		MaxUtilityPrice:    1,
		AllowedOverage:     0,
		MaxNewUtility:      1000,
		MaxPercentPerType:  1,
		MaxRequestsPerType: 10,
		RunInterval:        10 * time.Minute,
		Pricing: PricingConfig{
			Percentile:   0.8,
			History:      24 * time.Hour,
			Smoothing:    5 * time.Minute,
			FetchWindow:  7 * 24 * time.Hour,
			RetainWindow: 2 * 24 * time.Hour,
			Product:      "Linux/UNIX (Amazon VPC)",
		},
		Watcher: WatcherConfig{
			PollInterval:     10 * time.Second,
			CacheTTL:         5 * time.Second,
			SetupDelay:       time.Minute,
			SetupTimeout:     7 * time.Minute,
			MaxSetupFailures: 2,
			NoCapacityRetry:  24 * time.Hour,
			SettleDelay:      3 * time.Second,
		},
		Removal: RemovalConfig{MaxOvershoot: 7},
		Store: StoreConfig{
			Kind:        "file",
			Redis:       RedisConfig{Addr: "localhost:6379", Prefix: "spot"},
			PriceFile:   filepath.Join(StateDir(), "prices.json"),
			BackoffFile: filepath.Join(StateDir(), "no_capacity.json"),
		},
		Demand: DemandConfig{
			Kind:          "static",
			Redis:         RedisConfig{Addr: "localhost:6379"},
			Queue:         "queue:agent:jobs",
			UtilityPerJob: 1,
			Kube:          KubeDemandConfig{Namespace: "default"},
		},
		Provisioner: ProvisionerConfig{
			Kind: "none",
			SSH:  SSHConfig{User: "ubuntu", Port: 22, Timeout: 30 * time.Second},
		},
		Provider: ProviderConfig{Kind: "ec2", Region: "us-east-1"},
		Metrics:  MetricsConfig{Job: "spot-manager"},
		Serve:    ServeConfig{Addr: ":8008"},
	}
}

// SetDefaults registers default values with v
func SetDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("max_utility_price", d.MaxUtilityPrice)
	v.SetDefault("allowed_overage", d.AllowedOverage)
	v.SetDefault("max_new_utility", d.MaxNewUtility)
	v.SetDefault("max_percent_per_type", d.MaxPercentPerType)
	v.SetDefault("max_requests_per_type", d.MaxRequestsPerType)
	v.SetDefault("run_interval", d.RunInterval)

	// Pricing defaults
	v.SetDefault("pricing.percentile", d.Pricing.Percentile)
	v.SetDefault("pricing.history", d.Pricing.History)
	v.SetDefault("pricing.smoothing", d.Pricing.Smoothing)
	v.SetDefault("pricing.fetch_window", d.Pricing.FetchWindow)
	v.SetDefault("pricing.retain_window", d.Pricing.RetainWindow)
	v.SetDefault("pricing.product", d.Pricing.Product)

	// Watcher defaults
	v.SetDefault("watcher.poll_interval", d.Watcher.PollInterval)
	v.SetDefault("watcher.cache_ttl", d.Watcher.CacheTTL)
	v.SetDefault("watcher.setup_delay", d.Watcher.SetupDelay)
	v.SetDefault("watcher.setup_timeout", d.Watcher.SetupTimeout)
	v.SetDefault("watcher.max_setup_failures", d.Watcher.MaxSetupFailures)
	v.SetDefault("watcher.no_capacity_retry", d.Watcher.NoCapacityRetry)
	v.SetDefault("watcher.settle_delay", d.Watcher.SettleDelay)

	v.SetDefault("removal.max_overshoot", d.Removal.MaxOvershoot)

	// Store defaults
	v.SetDefault("store.kind", d.Store.Kind)
	v.SetDefault("store.redis.addr", d.Store.Redis.Addr)
	v.SetDefault("store.redis.db", d.Store.Redis.DB)
	v.SetDefault("store.redis.prefix", d.Store.Redis.Prefix)
	v.SetDefault("store.price_file", d.Store.PriceFile)
	v.SetDefault("store.backoff_file", d.Store.BackoffFile)

	// Demand defaults
	v.SetDefault("demand.kind", d.Demand.Kind)
	v.SetDefault("demand.redis.addr", d.Demand.Redis.Addr)
	v.SetDefault("demand.redis.db", d.Demand.Redis.DB)
	v.SetDefault("demand.queue", d.Demand.Queue)
	v.SetDefault("demand.utility_per_job", d.Demand.UtilityPerJob)
	v.SetDefault("demand.kube.namespace", d.Demand.Kube.Namespace)

	// Provisioner defaults
	v.SetDefault("provisioner.kind", d.Provisioner.Kind)
	v.SetDefault("provisioner.ssh.user", d.Provisioner.SSH.User)
	v.SetDefault("provisioner.ssh.port", d.Provisioner.SSH.Port)
	v.SetDefault("provisioner.ssh.timeout", d.Provisioner.SSH.Timeout)

	v.SetDefault("provider.kind", d.Provider.Kind)
	v.SetDefault("provider.region", d.Provider.Region)
	v.SetDefault("metrics.job", d.Metrics.Job)
	v.SetDefault("serve.addr", d.Serve.Addr)
}

// BindEnv makes every key overridable from SPOT_MANAGER_* variables
func BindEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// Load reads the configuration from v into a Config struct and validates it
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}
	return &cfg, nil
}

// StateDir returns the directory used for local state files
func StateDir() string {
	if xdg := os.Getenv("XDG_STATE_HOME"); xdg != "" {
		return filepath.Join(xdg, "spot-manager")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".spot-manager"
	}
	return filepath.Join(home, ".local", "state", "spot-manager")
}

// WatcherStop returns how long the lifecycle watcher may run in one cycle
func (c *Config) WatcherStop() time.Duration {
	return c.RunInterval - time.Minute
}

// NetNewExpiry returns how long the watcher waits for a new spot request to
// show up in the listing. It is always shorter than WatcherStop.
func (c *Config) NetNewExpiry() time.Duration {
	if d := c.RunInterval - 2*time.Minute; d > 0 {
		return d
	}
	return c.WatcherStop() / 2
}
