package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	apperrors "github.com/acme/failover-dialer/pkg/errors"
)

// Backend names accepted by the campaign source selectors.
const (
	BackendFile     = "file"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"

	DriverFreeswitch = "freeswitch"
	DriverMock       = "mock"
)

// Config captures the full configuration surface for the application.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Campaign  CampaignConfig  `mapstructure:"campaign"`
	Chain     ChainConfig     `mapstructure:"chain"`
	Switch    SwitchConfig    `mapstructure:"switch"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Postgres  PostgresConfig  `mapstructure:"postgres"`
	Scylla    ScyllaConfig    `mapstructure:"scylla"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

type AppConfig struct {
	Name     string `mapstructure:"name"`
	Env      string `mapstructure:"env"`
	Version  string `mapstructure:"version"`
	LogLevel string `mapstructure:"log_level"`
}

type HTTPConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// CampaignConfig describes where campaign inputs live and how the loop is paced.
type CampaignConfig struct {
	Name            string        `mapstructure:"name"`
	Destinations    SourceConfig  `mapstructure:"destinations"`
	Identities      SourceConfig  `mapstructure:"identities"`
	Ledger          SourceConfig  `mapstructure:"ledger"`
	Pause           SourceConfig  `mapstructure:"pause"`
	PausedPoll      time.Duration `mapstructure:"paused_poll"`
	IdleInterval    time.Duration `mapstructure:"idle_interval"`
	Pacing          PacingConfig  `mapstructure:"pacing"`
	SubmitTimeout   time.Duration `mapstructure:"submit_timeout"`
	ObserverTimeout time.Duration `mapstructure:"observer_timeout"`
	Lease           LeaseConfig   `mapstructure:"lease"`
}

// LeaseConfig guards the campaign with a redis lease so only one dispatcher
// appends to its ledger.
type LeaseConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Key     string        `mapstructure:"key"`
	TTL     time.Duration `mapstructure:"ttl"`
}

// SourceConfig selects a backend for one campaign input. Path is used by the
// file backend, Key by the redis backend.
type SourceConfig struct {
	Backend string `mapstructure:"backend"`
	Path    string `mapstructure:"path"`
	Key     string `mapstructure:"key"`
}

type PacingConfig struct {
	Min time.Duration `mapstructure:"min"`
	Max time.Duration `mapstructure:"max"`
}

// ChainConfig is the static carrier configuration fed to the dial chain builder.
type ChainConfig struct {
	Carriers       []CarrierConfig   `mapstructure:"carriers"`
	LegTimeout     time.Duration     `mapstructure:"leg_timeout"`
	CountryCode    string            `mapstructure:"country_code"`
	Codec          string            `mapstructure:"codec"`
	TransferTarget string            `mapstructure:"transfer_target"`
	AuthIdentity   string            `mapstructure:"auth_identity"`
	AuthVariable   string            `mapstructure:"auth_variable"`
	ExtraVariables map[string]string `mapstructure:"extra_variables"`
	Application    string            `mapstructure:"application"`
}

// CarrierConfig is one failover leg. Address may reference {e164} and {digits}.
type CarrierConfig struct {
	Name    string `mapstructure:"name"`
	Address string `mapstructure:"address"`
}

type SwitchConfig struct {
	Driver      string        `mapstructure:"driver"`
	Address     string        `mapstructure:"address"`
	Password    string        `mapstructure:"password"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

// RetryConfig bounds the recovery loops of the dispatcher.
type RetryConfig struct {
	CycleBaseDelay    time.Duration `mapstructure:"cycle_base_delay"`
	CycleMaxDelay     time.Duration `mapstructure:"cycle_max_delay"`
	DegradedThreshold int           `mapstructure:"degraded_threshold"`
	LedgerAttempts    int           `mapstructure:"ledger_attempts"`
	LedgerBaseDelay   time.Duration `mapstructure:"ledger_base_delay"`
}

type PostgresConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
}

type ScyllaConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Hosts       []string      `mapstructure:"hosts"`
	Port        int           `mapstructure:"port"`
	Keyspace    string        `mapstructure:"keyspace"`
	Consistency string        `mapstructure:"consistency"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// KafkaConfig enables the submission event stream and the optional control
// topic carrying pause and resume commands.
type KafkaConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	Brokers           []string      `mapstructure:"brokers"`
	ClientID          string        `mapstructure:"client_id"`
	SubmissionTopic   string        `mapstructure:"submission_topic"`
	ControlTopic      string        `mapstructure:"control_topic"`
	ControlGroup      string        `mapstructure:"control_group"`
	CommitInterval    time.Duration `mapstructure:"commit_interval"`
	Partitions        int           `mapstructure:"partitions"`
	ReplicationFactor int           `mapstructure:"replication_factor"`
}

type RedisConfig struct {
	Address      string        `mapstructure:"address"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	MaxRetries   int           `mapstructure:"max_retries"`
}

type TelemetryConfig struct {
	Endpoint        string        `mapstructure:"endpoint"`
	ServiceName     string        `mapstructure:"service_name"`
	SampleRatio     float64       `mapstructure:"sample_ratio"`
	TracingEnabled  bool          `mapstructure:"tracing_enabled"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Load reads configuration from file and environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	v.SetEnvPrefix("DIALER")
	v.SetEnvKeyReplacer(NewEnvReplacer())
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: failed to read config file: %w", err)
	}

	cfg := new(Config)
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// NewEnvReplacer standardizes environment variable names.
func NewEnvReplacer() *strings.Replacer {
	return strings.NewReplacer(".", "_", "-", "_")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "failover-dialer")
	v.SetDefault("app.env", "development")
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.read_timeout", 5*time.Second)
	v.SetDefault("http.write_timeout", 5*time.Second)
	v.SetDefault("http.idle_timeout", 30*time.Second)

	v.SetDefault("campaign.name", "default")
	v.SetDefault("campaign.destinations.backend", BackendFile)
	v.SetDefault("campaign.destinations.path", "data/destinations.txt")
	v.SetDefault("campaign.identities.backend", BackendFile)
	v.SetDefault("campaign.identities.path", "data/identities.json")
	v.SetDefault("campaign.identities.key", "dialer:identities")
	v.SetDefault("campaign.ledger.backend", BackendFile)
	v.SetDefault("campaign.ledger.path", "data/already_called.log")
	v.SetDefault("campaign.pause.backend", BackendFile)
	v.SetDefault("campaign.pause.path", "data/pause.flag")
	v.SetDefault("campaign.pause.key", "dialer:pause")
	v.SetDefault("campaign.paused_poll", 10*time.Second)
	v.SetDefault("campaign.idle_interval", 60*time.Second)
	v.SetDefault("campaign.pacing.min", 10*time.Second)
	v.SetDefault("campaign.pacing.max", 18*time.Second)
	v.SetDefault("campaign.submit_timeout", 10*time.Second)
	v.SetDefault("campaign.observer_timeout", 5*time.Second)
	v.SetDefault("campaign.lease.key", "dialer:lease")
	v.SetDefault("campaign.lease.ttl", 30*time.Second)

	v.SetDefault("chain.leg_timeout", 6*time.Second)
	v.SetDefault("chain.country_code", "1")
	v.SetDefault("chain.codec", "PCMU")

	v.SetDefault("switch.driver", DriverFreeswitch)
	v.SetDefault("switch.address", "127.0.0.1:8021")
	v.SetDefault("switch.password", "ClueCon")
	v.SetDefault("switch.dial_timeout", 5*time.Second)

	v.SetDefault("retry.cycle_base_delay", 10*time.Second)
	v.SetDefault("retry.cycle_max_delay", 5*time.Minute)
	v.SetDefault("retry.degraded_threshold", 5)
	v.SetDefault("retry.ledger_attempts", 5)
	v.SetDefault("retry.ledger_base_delay", 200*time.Millisecond)

	v.SetDefault("kafka.submission_topic", "dialer.submissions")
	v.SetDefault("kafka.control_group", "failover-dialer-control")
	v.SetDefault("kafka.commit_interval", time.Second)
	v.SetDefault("kafka.partitions", 6)
	v.SetDefault("kafka.replication_factor", 1)

	v.SetDefault("telemetry.service_name", "failover-dialer")
	v.SetDefault("telemetry.sample_ratio", 1.0)
	v.SetDefault("telemetry.shutdown_timeout", 5*time.Second)
}

// Validate checks the parts of the configuration the dispatcher depends on.
func (c *Config) Validate() error {
	if len(c.Chain.Carriers) == 0 {
		return fmt.Errorf("%w: chain.carriers must list at least one carrier", apperrors.ErrValidation)
	}
	for i, carrier := range c.Chain.Carriers {
		if carrier.Name == "" {
			return fmt.Errorf("%w: chain.carriers[%d].name is required", apperrors.ErrValidation, i)
		}
		if !strings.Contains(carrier.Address, "{e164}") && !strings.Contains(carrier.Address, "{digits}") {
			return fmt.Errorf("%w: chain.carriers[%d].address must reference {e164} or {digits}", apperrors.ErrValidation, i)
		}
	}
	if c.Chain.LegTimeout <= 0 {
		return fmt.Errorf("%w: chain.leg_timeout must be positive", apperrors.ErrValidation)
	}
	if c.Campaign.Pacing.Min < 0 || c.Campaign.Pacing.Max < c.Campaign.Pacing.Min {
		return fmt.Errorf("%w: campaign.pacing requires 0 <= min <= max", apperrors.ErrValidation)
	}

	if c.Campaign.Lease.Enabled && c.Campaign.Lease.TTL <= 0 {
		return fmt.Errorf("%w: campaign.lease.ttl must be positive", apperrors.ErrValidation)
	}

	checks := []struct {
		field   string
		value   string
		allowed []string
	}{
		{"campaign.destinations.backend", c.Campaign.Destinations.Backend, []string{BackendFile, BackendPostgres}},
		{"campaign.identities.backend", c.Campaign.Identities.Backend, []string{BackendFile, BackendRedis}},
		{"campaign.ledger.backend", c.Campaign.Ledger.Backend, []string{BackendFile, BackendPostgres}},
		{"campaign.pause.backend", c.Campaign.Pause.Backend, []string{BackendFile, BackendRedis}},
		{"switch.driver", c.Switch.Driver, []string{DriverFreeswitch, DriverMock}},
	}
	for _, chk := range checks {
		if !contains(chk.allowed, chk.value) {
			return fmt.Errorf("%w: %s %q not one of %v", apperrors.ErrValidation, chk.field, chk.value, chk.allowed)
		}
	}
	return nil
}

// UsesPostgres reports whether any campaign input is stored in Postgres.
func (c *Config) UsesPostgres() bool {
	return c.Campaign.Destinations.Backend == BackendPostgres || c.Campaign.Ledger.Backend == BackendPostgres
}

// UsesRedis reports whether a campaign input or the lease lives in Redis.
func (c *Config) UsesRedis() bool {
	return c.Campaign.Identities.Backend == BackendRedis ||
		c.Campaign.Pause.Backend == BackendRedis ||
		c.Campaign.Lease.Enabled
}

func contains(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}
