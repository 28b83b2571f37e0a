package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Config holds the application configuration for the GPU lifecycle controller.
// It includes settings for its own HTTP server, Consul, NATS, the marketplace
// offer service, the snapshot store, and the race/standby/failover defaults.
type Config struct {
	Port           string        `yaml:"port"`
	LogLevel       string        `yaml:"log_level"`
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// Consul Configuration
	ConsulAddress       string        `yaml:"consul_address"`
	ServiceName         string        `yaml:"service_name"`
	ServiceIDPrefix     string        `yaml:"service_id_prefix"`
	ServiceTags         []string      `yaml:"service_tags"`
	HealthCheckPath     string        `yaml:"health_check_path"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	HealthCheckTimeout  time.Duration `yaml:"health_check_timeout"`

	// NATS Configuration
	NatsAddress                   string `yaml:"nats_address"`
	NatsRaceProgressSubjectPrefix string `yaml:"nats_race_progress_subject_prefix"`
	NatsFailoverSubjectPrefix     string `yaml:"nats_failover_subject_prefix"`
	NatsInstanceStartedSubject    string `yaml:"nats_instance_started_subject"`
	NatsInstanceLostSubject       string `yaml:"nats_instance_lost_subject"`
	NatsQueueGroup                string `yaml:"nats_queue_group"`

	// Marketplace offer service (discovered via Consul)
	MarketplaceServiceName string        `yaml:"marketplace_service_name"`
	OfferQueryTimeout      time.Duration `yaml:"offer_query_timeout"`

	// Provisioning race defaults
	RacePoolSize      int           `yaml:"race_pool_size"`
	RaceMaxRounds     int           `yaml:"race_max_rounds"`
	ProbeTimeout      time.Duration `yaml:"probe_timeout"` // per-round candidate timeout
	ProbePollInterval time.Duration `yaml:"probe_poll_interval"`

	// Standby configuration
	StandbyEnabled                bool          `yaml:"standby_enabled"`
	StandbyMachineType            string        `yaml:"standby_machine_type"`
	StandbySyncInterval           time.Duration `yaml:"standby_sync_interval"`
	StandbyProvisionerServiceName string        `yaml:"standby_provisioner_service_name"`

	// Failover configuration
	FallbackRegions []string `yaml:"fallback_regions"`

	// Failover history storage. When PostgresDSN is empty the in-memory
	// store is used (history is lost on restart).
	PostgresDSN string `yaml:"postgres_dsn"`

	// Snapshot store (MinIO)
	Minio MinioConfig `yaml:"minio"`

	// Retry policy for external calls (offer queries, snapshot store).
	RetryMaxAttempts  int           `yaml:"retry_max_attempts"`
	RetryInitialDelay time.Duration `yaml:"retry_initial_delay"`
	RetryMaxDelay     time.Duration `yaml:"retry_max_delay"`
}

// MinioConfig holds connection settings for the MinIO snapshot backend.
type MinioConfig struct {
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	UseSSL          bool   `yaml:"use_ssl"`
	Region          string `yaml:"region"`
	SnapshotBucket  string `yaml:"snapshot_bucket"`
}

// LoadConfig reads configuration from the given YAML file path.
// It creates a default config file if it doesn't exist.
func LoadConfig(path string) (*Config, error) {
	defaultConfig := &Config{
		Port:           ":8007",
		LogLevel:       "info",
		RequestTimeout: 30 * time.Second,

		ConsulAddress:       "localhost:8500",
		ServiceName:         "gpu-lifecycle-controller",
		ServiceIDPrefix:     "gpu-lifecycle-controller-",
		ServiceTags:         []string{"gpufleet", "lifecycle"},
		HealthCheckPath:     "/health",
		HealthCheckInterval: 10 * time.Second,
		HealthCheckTimeout:  2 * time.Second,

		NatsAddress:                   "nats://localhost:4222",
		NatsRaceProgressSubjectPrefix: "lifecycle.race.progress",
		NatsFailoverSubjectPrefix:     "lifecycle.failover.phase",
		NatsInstanceStartedSubject:    "lifecycle.instance.started",
		NatsInstanceLostSubject:       "lifecycle.instance.lost",
		NatsQueueGroup:                "lifecycle-controller",

		MarketplaceServiceName: "gpu-marketplace",
		OfferQueryTimeout:      5 * time.Second,

		RacePoolSize:      3,
		RaceMaxRounds:     3,
		ProbeTimeout:      90 * time.Second,
		ProbePollInterval: 2 * time.Second,

		StandbyEnabled:                true,
		StandbyMachineType:            "e2-small",
		StandbySyncInterval:           30 * time.Second,
		StandbyProvisionerServiceName: "standby-provisioner",

		FallbackRegions: []string{},

		Minio: MinioConfig{
			Endpoint:       "localhost:9000",
			UseSSL:         false,
			SnapshotBucket: "workspace-snapshots",
		},

		RetryMaxAttempts:  3,
		RetryInitialDelay: 100 * time.Millisecond,
		RetryMaxDelay:     2 * time.Second,
	}

	_, err := os.Stat(path)
	if os.IsNotExist(err) {
		data, marshalErr := yaml.Marshal(defaultConfig)
		if marshalErr != nil {
			return nil, fmt.Errorf("failed to marshal default config: %w", marshalErr)
		}
		if mkdirErr := os.MkdirAll(filepath.Dir(path), 0755); mkdirErr != nil {
			return nil, fmt.Errorf("failed to create config directory: %w", mkdirErr)
		}
		if writeErr := os.WriteFile(path, data, 0644); writeErr != nil {
			return nil, fmt.Errorf("failed to write default config file: %w", writeErr)
		}
		return defaultConfig, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to check config file: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config data: %w", err)
	}

	applyDefaultsIfNotSet(&cfg, defaultConfig)

	return &cfg, nil
}

func applyDefaultsIfNotSet(cfg *Config, defaults *Config) {
	if cfg.Port == "" {
		cfg.Port = defaults.Port
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaults.LogLevel
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = defaults.RequestTimeout
	}
	if cfg.ConsulAddress == "" {
		cfg.ConsulAddress = defaults.ConsulAddress
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = defaults.ServiceName
	}
	if cfg.ServiceIDPrefix == "" {
		cfg.ServiceIDPrefix = defaults.ServiceIDPrefix
	}
	if len(cfg.ServiceTags) == 0 {
		cfg.ServiceTags = defaults.ServiceTags
	}
	if cfg.HealthCheckPath == "" {
		cfg.HealthCheckPath = defaults.HealthCheckPath
	}
	if cfg.HealthCheckInterval == 0 {
		cfg.HealthCheckInterval = defaults.HealthCheckInterval
	}
	if cfg.HealthCheckTimeout == 0 {
		cfg.HealthCheckTimeout = defaults.HealthCheckTimeout
	}
	if cfg.NatsAddress == "" {
		cfg.NatsAddress = defaults.NatsAddress
	}
	if cfg.NatsRaceProgressSubjectPrefix == "" {
		cfg.NatsRaceProgressSubjectPrefix = defaults.NatsRaceProgressSubjectPrefix
	}
	if cfg.NatsFailoverSubjectPrefix == "" {
		cfg.NatsFailoverSubjectPrefix = defaults.NatsFailoverSubjectPrefix
	}
	if cfg.NatsInstanceStartedSubject == "" {
		cfg.NatsInstanceStartedSubject = defaults.NatsInstanceStartedSubject
	}
	if cfg.NatsInstanceLostSubject == "" {
		cfg.NatsInstanceLostSubject = defaults.NatsInstanceLostSubject
	}
	if cfg.NatsQueueGroup == "" {
		cfg.NatsQueueGroup = defaults.NatsQueueGroup
	}
	if cfg.MarketplaceServiceName == "" {
		cfg.MarketplaceServiceName = defaults.MarketplaceServiceName
	}
	if cfg.OfferQueryTimeout == 0 {
		cfg.OfferQueryTimeout = defaults.OfferQueryTimeout
	}
	if cfg.RacePoolSize == 0 {
		cfg.RacePoolSize = defaults.RacePoolSize
	}
	if cfg.RaceMaxRounds == 0 {
		cfg.RaceMaxRounds = defaults.RaceMaxRounds
	}
	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = defaults.ProbeTimeout
	}
	if cfg.ProbePollInterval == 0 {
		cfg.ProbePollInterval = defaults.ProbePollInterval
	}
	if cfg.StandbyMachineType == "" {
		cfg.StandbyMachineType = defaults.StandbyMachineType
	}
	if cfg.StandbySyncInterval == 0 {
		cfg.StandbySyncInterval = defaults.StandbySyncInterval
	}
	if cfg.StandbyProvisionerServiceName == "" {
		cfg.StandbyProvisionerServiceName = defaults.StandbyProvisionerServiceName
	}
	if cfg.Minio.Endpoint == "" {
		cfg.Minio.Endpoint = defaults.Minio.Endpoint
	}
	if cfg.Minio.SnapshotBucket == "" {
		cfg.Minio.SnapshotBucket = defaults.Minio.SnapshotBucket
	}
	if cfg.RetryMaxAttempts == 0 {
		cfg.RetryMaxAttempts = defaults.RetryMaxAttempts
	}
	if cfg.RetryInitialDelay == 0 {
		cfg.RetryInitialDelay = defaults.RetryInitialDelay
	}
	if cfg.RetryMaxDelay == 0 {
		cfg.RetryMaxDelay = defaults.RetryMaxDelay
	}
}

func GenerateServiceID(prefix string) string {
	return prefix + uuid.New().String()
}
