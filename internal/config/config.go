package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures the full configuration surface for the application.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Postgres  PostgresConfig  `mapstructure:"postgres"`
	Scylla    ScyllaConfig    `mapstructure:"scylla"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	RabbitMQ  RabbitMQConfig  `mapstructure:"rabbitmq"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Pacing    PacingConfig    `mapstructure:"pacing"`
	Gateway   GatewayConfig   `mapstructure:"gateway"`
	Webhook   WebhookConfig   `mapstructure:"webhook"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Lease     LeaseConfig     `mapstructure:"lease"`
}

type AppConfig struct {
	Name    string `mapstructure:"name"`
	Env     string `mapstructure:"env"`
	Version string `mapstructure:"version"`
}

type HTTPConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
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

// DSN renders the connection string used by pgx and golang-migrate.
func (c PostgresConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode,
	)
}

type ScyllaConfig struct {
	Hosts       []string      `mapstructure:"hosts"`
	Port        int           `mapstructure:"port"`
	Keyspace    string        `mapstructure:"keyspace"`
	Consistency string        `mapstructure:"consistency"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

type KafkaConfig struct {
	Brokers         []string      `mapstructure:"brokers"`
	ClientID        string        `mapstructure:"client_id"`
	JobTopic        string        `mapstructure:"job_topic"`
	StatusTopic     string        `mapstructure:"status_topic"`
	DeadLetterTopic string        `mapstructure:"dead_letter_topic"`
	ConsumerGroupID string        `mapstructure:"consumer_group_id"`
	CommitInterval  time.Duration `mapstructure:"commit_interval"`
	Partitions      int           `mapstructure:"partitions"`
}

type RabbitMQConfig struct {
	URL        string `mapstructure:"url"`
	Exchange   string `mapstructure:"exchange"`
	Queue      string `mapstructure:"queue"`
	DeadLetter string `mapstructure:"dead_letter"`
	Prefetch   int    `mapstructure:"prefetch"`
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
	KeyPrefix    string        `mapstructure:"key_prefix"`
}

type TelemetryConfig struct {
	Endpoint       string  `mapstructure:"endpoint"`
	ServiceName    string  `mapstructure:"service_name"`
	SampleRatio    float64 `mapstructure:"sample_ratio"`
	TracingEnabled bool    `mapstructure:"tracing_enabled"`
}

// QueueConfig selects the job transport and its retry policy.
type QueueConfig struct {
	Driver          string        `mapstructure:"driver"`
	MaxAttempts     int           `mapstructure:"max_attempts"`
	BackoffBase     time.Duration `mapstructure:"backoff_base"`
	PromoteInterval time.Duration `mapstructure:"promote_interval"`
	PromoteBatch    int           `mapstructure:"promote_batch"`
	ProgressTTL     time.Duration `mapstructure:"progress_ttl"`
}

// PacingConfig bounds the randomized delay between two sends of one campaign.
type PacingConfig struct {
	MinDelay time.Duration `mapstructure:"min_delay"`
	MaxDelay time.Duration `mapstructure:"max_delay"`
	Workers  int           `mapstructure:"workers"`
}

type GatewayConfig struct {
	Provider       string        `mapstructure:"provider"`
	BaseURL        string        `mapstructure:"base_url"`
	APIKey         string        `mapstructure:"api_key"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	SuccessRate    float64       `mapstructure:"success_rate"`
}

type WebhookConfig struct {
	Secret string `mapstructure:"secret"`
	Async  bool   `mapstructure:"async"`
}

type SchedulerConfig struct {
	TickInterval time.Duration `mapstructure:"tick_interval"`
	MaxBatchSize int           `mapstructure:"max_batch_size"`
}

type LeaseConfig struct {
	TTL time.Duration `mapstructure:"ttl"`
}

// Load reads configuration from file and environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	v.SetEnvPrefix("DISPATCH")
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

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "whatsapp-dispatch")
	v.SetDefault("app.env", "development")
	v.SetDefault("http.port", 8080)
	v.SetDefault("queue.driver", "kafka")
	v.SetDefault("queue.max_attempts", 3)
	v.SetDefault("queue.backoff_base", 5*time.Second)
	v.SetDefault("queue.promote_interval", time.Second)
	v.SetDefault("queue.promote_batch", 100)
	v.SetDefault("queue.progress_ttl", 24*time.Hour)
	v.SetDefault("pacing.min_delay", 2*time.Second)
	v.SetDefault("pacing.max_delay", 5*time.Second)
	v.SetDefault("pacing.workers", 8)
	v.SetDefault("gateway.provider", "http")
	v.SetDefault("gateway.request_timeout", 15*time.Second)
	v.SetDefault("gateway.success_rate", 0.9)
	v.SetDefault("scheduler.tick_interval", time.Minute)
	v.SetDefault("scheduler.max_batch_size", 100)
	v.SetDefault("lease.ttl", 2*time.Minute)
	v.SetDefault("redis.key_prefix", "dispatch")
	v.SetDefault("kafka.partitions", 12)
}

// LeaseSlack covers the time a due cursor may wait for a free pacer worker
// before it refreshes its campaign lease.
const LeaseSlack = 10 * time.Second

// Validate rejects configurations the dispatcher cannot run with.
func (c *Config) Validate() error {
	if c.Pacing.MinDelay < 0 || c.Pacing.MaxDelay < c.Pacing.MinDelay {
		return fmt.Errorf("config: pacing delays must satisfy 0 <= min_delay <= max_delay")
	}
	if floor := c.Pacing.MaxDelay + c.Gateway.RequestTimeout + LeaseSlack; c.Lease.TTL < floor {
		return fmt.Errorf("config: lease.ttl %s must be at least pacing.max_delay + gateway.request_timeout + %s (%s)",
			c.Lease.TTL, LeaseSlack, floor)
	}
	if c.Queue.MaxAttempts <= 0 {
		return fmt.Errorf("config: queue.max_attempts must be positive")
	}
	switch c.Queue.Driver {
	case "kafka", "rabbitmq", "memory":
	default:
		return fmt.Errorf("config: unknown queue driver %q", c.Queue.Driver)
	}
	switch c.Gateway.Provider {
	case "http", "mock":
	default:
		return fmt.Errorf("config: unknown gateway provider %q", c.Gateway.Provider)
	}
	return nil
}

// NewEnvReplacer standardizes environment variable names.
func NewEnvReplacer() *strings.Replacer {
	return strings.NewReplacer(".", "_", "-", "_")
}
