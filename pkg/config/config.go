package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/decloudhq/decloud/pkg/types"
)

// Config is the full orchestrator configuration, loadable from YAML.
// Zero values are filled in by Default(), so a partial file is fine.
type Config struct {
	DataDir    string `yaml:"data_dir"`
	ListenAddr string `yaml:"listen_addr"`

	Log LogConfig `yaml:"log"`

	Auth      AuthConfig      `yaml:"auth"`
	Registry  RegistryConfig  `yaml:"registry"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Delivery  DeliveryConfig  `yaml:"delivery"`
	Ingress   IngressConfig   `yaml:"ingress"`
	Mesh      MeshConfig      `yaml:"mesh"`
	Latency   LatencyConfig   `yaml:"latency"`
	Metering  MeteringConfig  `yaml:"metering"`
	SystemVms SystemVmsConfig `yaml:"system_vms"`
}

// LogConfig controls structured logging output
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// AuthConfig controls wallet login and API credentials
type AuthConfig struct {
	JwtSecret       string        `yaml:"jwt_secret"`
	AccessTokenTTL  time.Duration `yaml:"access_token_ttl"`
	RefreshTokenTTL time.Duration `yaml:"refresh_token_ttl"`
	TimestampSkew   time.Duration `yaml:"timestamp_skew"`
	DefaultQuotaVms int           `yaml:"default_quota_vms"`
}

// RegistryConfig controls node admission and liveness
type RegistryConfig struct {
	HeartbeatInterval          time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTimeout           time.Duration `yaml:"heartbeat_timeout"`
	HealthScanInterval         time.Duration `yaml:"health_scan_interval"`
	TokenLifetime              time.Duration `yaml:"token_lifetime"`
	ExpirationWarningThreshold time.Duration `yaml:"expiration_warning_threshold"`
	TokenSweepInterval         time.Duration `yaml:"token_sweep_interval"`
}

// TierPolicy is the per-tier overcommit and pricing policy
type TierPolicy struct {
	MinimumBenchmark       float64 `yaml:"minimum_benchmark"`
	CPUOvercommitRatio     float64 `yaml:"cpu_overcommit_ratio"`
	StorageOvercommitRatio float64 `yaml:"storage_overcommit_ratio"`
	PriceMultiplier        float64 `yaml:"price_multiplier"`
}

// ScoringWeights are the scheduler's multi-factor scoring weights
type ScoringWeights struct {
	Capacity   float64 `yaml:"capacity"`
	Load       float64 `yaml:"load"`
	Reputation float64 `yaml:"reputation"`
	Locality   float64 `yaml:"locality"`
}

// SchedulerConfig controls placement
type SchedulerConfig struct {
	BaselineBenchmark        float64                          `yaml:"baseline_benchmark"`
	MaxPerformanceMultiplier float64                          `yaml:"max_performance_multiplier"`
	Tiers                    map[types.QualityTier]TierPolicy `yaml:"tiers"`
	Weights                  ScoringWeights                   `yaml:"weights"`
	MaxUtilizationPercent    float64                          `yaml:"max_utilization_percent"`
	MinFreeMemoryMb          int64                            `yaml:"min_free_memory_mb"`
	PreferLocalRegion        bool                             `yaml:"prefer_local_region"`
	SweepInterval            time.Duration                    `yaml:"sweep_interval"`
}

// DeliveryConfig controls hybrid command push
type DeliveryConfig struct {
	PushTimeout          time.Duration `yaml:"push_timeout"`
	MaxPushFailures      int           `yaml:"max_push_failures"`
	StaleCommandTTL      time.Duration `yaml:"stale_command_ttl"`
	StaleCleanupInterval time.Duration `yaml:"stale_cleanup_interval"`
}

// IngressConfig controls the central ingress registry
type IngressConfig struct {
	BaseDomain            string `yaml:"base_domain"`
	AutoRegisterOnStart   bool   `yaml:"auto_register_on_start"`
	AutoRemoveOnStop      bool   `yaml:"auto_remove_on_stop"`
	MaxCustomDomainsPerVm int    `yaml:"max_custom_domains_per_vm"`
	// PublicIPs, when set, is the set of addresses a verified custom domain
	// must resolve to. Empty keeps the legacy any-A-record behavior.
	PublicIPs  []string      `yaml:"public_ips"`
	DNSTimeout time.Duration `yaml:"dns_timeout"`
	HTTPAddr   string        `yaml:"http_addr"`
	HTTPSAddr  string        `yaml:"https_addr"`

	// ACME issuance for custom domains. Disabled unless an email is set.
	AcmeEmail     string `yaml:"acme_email"`
	AcmeDirectory string `yaml:"acme_directory"`
	CertDir       string `yaml:"cert_dir"`
}

// MeshConfig controls the WireGuard overlay
type MeshConfig struct {
	RelayHealthInterval        time.Duration `yaml:"relay_health_interval"`
	RelayInitializationTimeout time.Duration `yaml:"relay_initialization_timeout"`
	RelayHealthTimeout         time.Duration `yaml:"relay_health_timeout"`
	HandshakeFreshness         time.Duration `yaml:"handshake_freshness"`
}

// LatencyConfig controls RTT calibration and tracking
type LatencyConfig struct {
	MeasureInterval    time.Duration `yaml:"measure_interval"`
	ProbeTimeout       time.Duration `yaml:"probe_timeout"`
	CalibrationSamples int           `yaml:"calibration_samples"`
	CalibrationSpacing time.Duration `yaml:"calibration_spacing"`
	SampleWindow       int           `yaml:"sample_window"`
	SmoothingAlpha     float64       `yaml:"smoothing_alpha"`
	VmProbePort        int           `yaml:"vm_probe_port"`
}

// MeteringConfig controls billing and settlement
type MeteringConfig struct {
	BillingInterval        time.Duration `yaml:"billing_interval"`
	MinBillingPeriod       time.Duration `yaml:"min_billing_period"`
	MinChargeUsdc          float64       `yaml:"min_charge_usdc"`
	SettlementInterval     time.Duration `yaml:"settlement_interval"`
	MinSettlementAmount    float64       `yaml:"min_settlement_amount"`
	MaxSettlementsPerBatch int           `yaml:"max_settlements_per_batch"`
	NodeFeeShare           float64       `yaml:"node_fee_share"`

	// Base pricing, multiplied by the tier's price multiplier
	RatePerVCpuHour     float64 `yaml:"rate_per_vcpu_hour"`
	RatePerGbMemoryHour float64 `yaml:"rate_per_gb_memory_hour"`
	RatePerGbDiskHour   float64 `yaml:"rate_per_gb_disk_hour"`

	// On-chain settlement. Empty RpcURL disables real submissions.
	RpcURL             string `yaml:"rpc_url"`
	SettlementContract string `yaml:"settlement_contract"`
	OperatorKey        string `yaml:"operator_key"`
}

// SystemVmsConfig controls system-VM deployment
type SystemVmsConfig struct {
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
	DhtBinaryAmd64    string        `yaml:"dht_binary_amd64"`
	DhtBinaryArm64    string        `yaml:"dht_binary_arm64"`
}

// Default returns the configuration used when no file overrides it
func Default() *Config {
	return &Config{
		DataDir:    "/var/lib/decloud",
		ListenAddr: ":7420",
		Log: LogConfig{
			Level: "info",
		},
		Auth: AuthConfig{
			AccessTokenTTL:  time.Hour,
			RefreshTokenTTL: 7 * 24 * time.Hour,
			TimestampSkew:   5 * time.Minute,
			DefaultQuotaVms: 5,
		},
		Registry: RegistryConfig{
			HeartbeatInterval:          15 * time.Second,
			HeartbeatTimeout:           2 * time.Minute,
			HealthScanInterval:         30 * time.Second,
			TokenLifetime:              90 * 24 * time.Hour,
			ExpirationWarningThreshold: 7 * 24 * time.Hour,
			TokenSweepInterval:         time.Hour,
		},
		Scheduler: SchedulerConfig{
			BaselineBenchmark:        1000,
			MaxPerformanceMultiplier: 3.0,
			Tiers: map[types.QualityTier]TierPolicy{
				types.TierGuaranteed: {MinimumBenchmark: 2000, CPUOvercommitRatio: 1.0, StorageOvercommitRatio: 1.0, PriceMultiplier: 2.0},
				types.TierStandard:   {MinimumBenchmark: 1500, CPUOvercommitRatio: 2.0, StorageOvercommitRatio: 1.2, PriceMultiplier: 1.5},
				types.TierBalanced:   {MinimumBenchmark: 1000, CPUOvercommitRatio: 3.0, StorageOvercommitRatio: 1.5, PriceMultiplier: 1.0},
				types.TierBurstable:  {MinimumBenchmark: 500, CPUOvercommitRatio: 5.0, StorageOvercommitRatio: 2.0, PriceMultiplier: 0.5},
			},
			Weights: ScoringWeights{
				Capacity:   0.40,
				Load:       0.25,
				Reputation: 0.20,
				Locality:   0.15,
			},
			MaxUtilizationPercent: 90,
			MinFreeMemoryMb:       512,
			PreferLocalRegion:     true,
			SweepInterval:         5 * time.Second,
		},
		Delivery: DeliveryConfig{
			PushTimeout:          3 * time.Second,
			MaxPushFailures:      5,
			StaleCommandTTL:      30 * time.Minute,
			StaleCleanupInterval: 5 * time.Minute,
		},
		Ingress: IngressConfig{
			BaseDomain:            "vms.decloud.host",
			AutoRegisterOnStart:   true,
			AutoRemoveOnStop:      false,
			MaxCustomDomainsPerVm: 5,
			DNSTimeout:            5 * time.Second,
			HTTPAddr:              ":8000",
			HTTPSAddr:             ":8443",
			CertDir:               "/var/lib/decloud/certs",
		},
		Mesh: MeshConfig{
			RelayHealthInterval:        60 * time.Second,
			RelayInitializationTimeout: 10 * time.Minute,
			RelayHealthTimeout:         10 * time.Second,
			HandshakeFreshness:         5 * time.Minute,
		},
		Latency: LatencyConfig{
			MeasureInterval:    30 * time.Second,
			ProbeTimeout:       5 * time.Second,
			CalibrationSamples: 5,
			CalibrationSpacing: time.Second,
			SampleWindow:       10,
			SmoothingAlpha:     0.3,
			VmProbePort:        9999,
		},
		Metering: MeteringConfig{
			BillingInterval:        5 * time.Minute,
			MinBillingPeriod:       time.Minute,
			MinChargeUsdc:          0.01,
			SettlementInterval:     time.Hour,
			MinSettlementAmount:    1.0,
			MaxSettlementsPerBatch: 10,
			NodeFeeShare:           0.85,
			RatePerVCpuHour:        0.01,
			RatePerGbMemoryHour:    0.005,
			RatePerGbDiskHour:      0.0002,
		},
		SystemVms: SystemVmsConfig{
			ReconcileInterval: 30 * time.Second,
			DhtBinaryAmd64:    "/usr/share/decloud/dht-linux-amd64",
			DhtBinaryArm64:    "/usr/share/decloud/dht-linux-arm64",
		},
	}
}

// Load reads a YAML file over the defaults. A missing path returns defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate rejects configurations the control plane cannot run with
func (c *Config) Validate() error {
	if c.Scheduler.BaselineBenchmark <= 0 {
		return fmt.Errorf("scheduler.baseline_benchmark must be positive")
	}
	if c.Scheduler.MaxPerformanceMultiplier < 1 {
		return fmt.Errorf("scheduler.max_performance_multiplier must be >= 1")
	}
	w := c.Scheduler.Weights
	sum := w.Capacity + w.Load + w.Reputation + w.Locality
	if sum < 0.99 || sum > 1.01 {
		return fmt.Errorf("scheduler.weights must sum to 1.0, got %.2f", sum)
	}
	if c.Ingress.BaseDomain == "" {
		return fmt.Errorf("ingress.base_domain is required")
	}
	if c.Ingress.MaxCustomDomainsPerVm <= 0 {
		return fmt.Errorf("ingress.max_custom_domains_per_vm must be positive")
	}
	if c.Metering.MaxSettlementsPerBatch <= 0 {
		return fmt.Errorf("metering.max_settlements_per_batch must be positive")
	}
	if c.Metering.NodeFeeShare <= 0 || c.Metering.NodeFeeShare > 1 {
		return fmt.Errorf("metering.node_fee_share must be in (0,1]")
	}
	for tier, p := range c.Scheduler.Tiers {
		if p.CPUOvercommitRatio < 1 {
			return fmt.Errorf("tier %s: cpu_overcommit_ratio must be >= 1", tier)
		}
		if p.StorageOvercommitRatio < 1 {
			return fmt.Errorf("tier %s: storage_overcommit_ratio must be >= 1", tier)
		}
	}
	return nil
}
