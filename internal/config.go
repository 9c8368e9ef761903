package internal

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Env           string              `mapstructure:"env"`
	Server        ServerConfig        `mapstructure:"http_server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Gateways      GatewaysConfig      `mapstructure:"gateways"`
	Stripe        StripeConfig        `mapstructure:"stripe"`
	AWS           AWSConfig           `mapstructure:"aws"`
	Queues        QueuesConfig        `mapstructure:"queues"`
	Events        EventsConfig        `mapstructure:"events"`
	ChargeSweep   ChargeSweepConfig   `mapstructure:"charge_sweep"`
	Observability ObservabilityConfig `mapstructure:"observability"`
}

type ServerConfig struct {
	Port              int           `mapstructure:"port"`
	BaseURL           string        `mapstructure:"base_url"`
	AllowedOrigins    string        `mapstructure:"allowed_origins"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
}

type DatabaseConfig struct {
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	Source          string        `mapstructure:"source"`
}

// GatewayConfig holds the endpoints of one acquirer. Test and live accounts
// talk to different hosts.
type GatewayConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	TestURL string        `mapstructure:"test_url"`
	LiveURL string        `mapstructure:"live_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

func (g GatewayConfig) URLFor(live bool) string {
	if live {
		return g.LiveURL
	}
	return g.TestURL
}

type GatewaysConfig struct {
	Worldpay WorldpayConfig `mapstructure:"worldpay"`
	Smartpay GatewayConfig  `mapstructure:"smartpay"`
	Epdq     EpdqConfig     `mapstructure:"epdq"`
	Stripe   GatewayConfig  `mapstructure:"stripe"`
	Sandbox  GatewayConfig  `mapstructure:"sandbox"`
}

type WorldpayConfig struct {
	GatewayConfig     `mapstructure:",squash"`
	DDCTokenTTL       time.Duration `mapstructure:"ddc_token_ttl"`
	ThreeDSFlexDDCURL string        `mapstructure:"three_ds_flex_ddc_url"`
}

type EpdqConfig struct {
	GatewayConfig `mapstructure:",squash"`
	FrontendURL   string `mapstructure:"frontend_url"`
}

type StripeConfig struct {
	TestAuthToken           string  `mapstructure:"test_auth_token"`
	LiveAuthToken           string  `mapstructure:"live_auth_token"`
	TestWebhookSecret       string  `mapstructure:"test_webhook_secret"`
	LiveWebhookSecret       string  `mapstructure:"live_webhook_secret"`
	PlatformAccountID       string  `mapstructure:"platform_account_id"`
	FeePercentage           float64 `mapstructure:"fee_percentage"`
	RadarFeeInPence         int64   `mapstructure:"radar_fee_in_pence"`
	ThreeDsFeeInPence       int64   `mapstructure:"three_ds_fee_in_pence"`
	CollectFailedPaymentFee bool    `mapstructure:"collect_failed_payment_fee"`
}

func (c StripeConfig) AuthTokenFor(live bool) string {
	if live {
		return c.LiveAuthToken
	}
	return c.TestAuthToken
}

type AWSConfig struct {
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
}

type QueuesConfig struct {
	PayoutReconcileURL string        `mapstructure:"payout_reconcile_url"`
	TaskURL            string        `mapstructure:"task_url"`
	EventURL           string        `mapstructure:"event_url"`
	DeadLetterURL      string        `mapstructure:"dead_letter_url"`
	BatchSize          int32         `mapstructure:"batch_size"`
	WaitTimeSeconds    int32         `mapstructure:"wait_time_seconds"`
	VisibilityTimeout  int32         `mapstructure:"visibility_timeout"`
	MaxReceiveCount    int           `mapstructure:"max_receive_count"`
	PollInterval       time.Duration `mapstructure:"poll_interval"`
}

type EventsConfig struct {
	Sink             string        `mapstructure:"sink"`
	Partitions       int           `mapstructure:"partitions"`
	BufferSize       int           `mapstructure:"buffer_size"`
	PublishTimeout   time.Duration `mapstructure:"publish_timeout"`
	BoltPath         string        `mapstructure:"bolt_path"`
	DedupeTable      string        `mapstructure:"dedupe_table"`
	DedupeTTL        time.Duration `mapstructure:"dedupe_ttl"`
	EmitPayoutEvents bool          `mapstructure:"emit_payout_events"`
}

type ChargeSweepConfig struct {
	Interval                       time.Duration `mapstructure:"interval"`
	BatchSize                      int           `mapstructure:"batch_size"`
	DefaultExpiryThreshold         time.Duration `mapstructure:"default_expiry_threshold"`
	AwaitingCaptureExpiryThreshold time.Duration `mapstructure:"awaiting_capture_expiry_threshold"`
}

type ObservabilityConfig struct {
	Logging LoggingConfig `mapstructure:"logging"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ----------------- ENV -----------------

// LoadConfigFromEnv builds the configuration for container deployments where no
// config.yml is mounted.
func LoadConfigFromEnv() *Config {
	gateway := func(prefix string) GatewayConfig {
		return GatewayConfig{
			Enabled: getEnvAsBool(prefix+"_ENABLED", false),
			TestURL: getEnv(prefix+"_TEST_URL", ""),
			LiveURL: getEnv(prefix+"_LIVE_URL", ""),
			Timeout: getEnvAsDuration(prefix+"_TIMEOUT", 30*time.Second),
		}
	}

	return &Config{
		Env: getEnv("APP_ENV", "production"),
		Server: ServerConfig{
			Port:              getEnvAsInt("PORT", 8080),
			BaseURL:           getEnv("BASE_URL", ""),
			AllowedOrigins:    getEnv("ALLOWED_ORIGINS", ""),
			ReadHeaderTimeout: getEnvAsDuration("READ_HEADER_TIMEOUT", 5*time.Second),
			ReadTimeout:       getEnvAsDuration("READ_TIMEOUT", 15*time.Second),
			IdleTimeout:       getEnvAsDuration("IDLE_TIMEOUT", 60*time.Second),
			WriteTimeout:      getEnvAsDuration("WRITE_TIMEOUT", 45*time.Second),
		},
		Database: DatabaseConfig{
			MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", 30*time.Minute),
			ConnMaxIdleTime: getEnvAsDuration("DB_CONN_MAX_IDLE_TIME", 5*time.Minute),
			Source:          getEnv("DATABASE_URL", ""),
		},
		Gateways: GatewaysConfig{
			Worldpay: WorldpayConfig{
				GatewayConfig:     gateway("WORLDPAY"),
				DDCTokenTTL:       getEnvAsDuration("WORLDPAY_DDC_TOKEN_TTL", 90*time.Minute),
				ThreeDSFlexDDCURL: getEnv("WORLDPAY_3DS_FLEX_DDC_URL", ""),
			},
			Smartpay: gateway("SMARTPAY"),
			Epdq: EpdqConfig{
				GatewayConfig: gateway("EPDQ"),
				FrontendURL:   getEnv("EPDQ_FRONTEND_URL", ""),
			},
			Stripe:  gateway("STRIPE"),
			Sandbox: GatewayConfig{Enabled: getEnvAsBool("SANDBOX_ENABLED", true)},
		},
		Stripe: StripeConfig{
			TestAuthToken:           getEnv("STRIPE_TEST_AUTH_TOKEN", ""),
			LiveAuthToken:           getEnv("STRIPE_LIVE_AUTH_TOKEN", ""),
			TestWebhookSecret:       getEnv("STRIPE_TEST_WEBHOOK_SECRET", ""),
			LiveWebhookSecret:       getEnv("STRIPE_LIVE_WEBHOOK_SECRET", ""),
			PlatformAccountID:       getEnv("STRIPE_PLATFORM_ACCOUNT_ID", ""),
			FeePercentage:           getEnvAsFloat("STRIPE_FEE_PERCENTAGE", 0.08),
			RadarFeeInPence:         int64(getEnvAsInt("STRIPE_RADAR_FEE_IN_PENCE", 5)),
			ThreeDsFeeInPence:       int64(getEnvAsInt("STRIPE_THREE_DS_FEE_IN_PENCE", 6)),
			CollectFailedPaymentFee: getEnvAsBool("STRIPE_COLLECT_FAILED_PAYMENT_FEE", true),
		},
		AWS: AWSConfig{
			Region:          getEnv("AWS_REGION", "eu-west-1"),
			Endpoint:        getEnv("AWS_ENDPOINT", ""),
			AccessKeyID:     getEnv("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnv("AWS_SECRET_ACCESS_KEY", ""),
		},
		Queues: QueuesConfig{
			PayoutReconcileURL: getEnv("PAYOUT_RECONCILE_QUEUE_URL", ""),
			TaskURL:            getEnv("TASK_QUEUE_URL", ""),
			EventURL:           getEnv("EVENT_QUEUE_URL", ""),
			DeadLetterURL:      getEnv("DEAD_LETTER_QUEUE_URL", ""),
			BatchSize:          int32(getEnvAsInt("QUEUE_BATCH_SIZE", 10)),
			WaitTimeSeconds:    int32(getEnvAsInt("QUEUE_WAIT_TIME_SECONDS", 20)),
			VisibilityTimeout:  int32(getEnvAsInt("QUEUE_VISIBILITY_TIMEOUT", 300)),
			MaxReceiveCount:    getEnvAsInt("QUEUE_MAX_RECEIVE_COUNT", 5),
			PollInterval:       getEnvAsDuration("QUEUE_POLL_INTERVAL", time.Second),
		},
		Events: EventsConfig{
			Sink:             getEnv("EVENT_SINK", "sqs"),
			Partitions:       getEnvAsInt("EVENT_PARTITIONS", 8),
			BufferSize:       getEnvAsInt("EVENT_BUFFER_SIZE", 256),
			PublishTimeout:   getEnvAsDuration("EVENT_PUBLISH_TIMEOUT", 5*time.Second),
			BoltPath:         getEnv("EVENT_BOLT_PATH", "events.db"),
			DedupeTable:      getEnv("EVENT_DEDUPE_TABLE", ""),
			DedupeTTL:        getEnvAsDuration("EVENT_DEDUPE_TTL", 7*24*time.Hour),
			EmitPayoutEvents: getEnvAsBool("EMIT_PAYOUT_EVENTS", true),
		},
		ChargeSweep: ChargeSweepConfig{
			Interval:                       getEnvAsDuration("CHARGE_SWEEP_INTERVAL", time.Minute),
			BatchSize:                      getEnvAsInt("CHARGE_SWEEP_BATCH_SIZE", 100),
			DefaultExpiryThreshold:         getEnvAsDuration("CHARGE_EXPIRY_WINDOW", 90*time.Minute),
			AwaitingCaptureExpiryThreshold: getEnvAsDuration("AWAITING_CAPTURE_EXPIRY_WINDOW", 120*time.Hour),
		},
		Observability: ObservabilityConfig{
			Logging: LoggingConfig{
				Level:  getEnv("LOG_LEVEL", "info"),
				Format: getEnv("LOG_FORMAT", "json"),
			},
		},
	}
}

// ----------------- HELPERS -----------------

func getEnv(key, defaultVal string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsBool(key string, defaultVal bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvAsFloat(key string, defaultVal float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultVal
}

// ----------------- VALIDATION -----------------

func (c *Config) Validate() error {
	var errs []string

	if err := c.Server.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("server config: %v", err))
	}

	if err := c.Database.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("database config: %v", err))
	}

	if err := c.Gateways.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("gateways config: %v", err))
	}

	if err := c.Stripe.Validate(c.Gateways.Stripe.Enabled); err != nil {
		errs = append(errs, fmt.Sprintf("stripe config: %v", err))
	}

	if err := c.Queues.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("queues config: %v", err))
	}

	if err := c.Events.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("events config: %v", err))
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}

	return nil
}

func (c *ServerConfig) Validate() error {
	if c.AllowedOrigins != "" {
		origins := strings.Split(c.AllowedOrigins, ",")
		for _, origin := range origins {
			origin = strings.TrimSpace(origin)
			if origin == "*" {
				continue
			}
			if _, err := url.Parse(origin); err != nil {
				return fmt.Errorf("invalid allowed origin %s: %w", origin, err)
			}
		}
	}
	if c.ReadTimeout < c.ReadHeaderTimeout {
		return errors.New("read_timeout must be >= read_header_timeout")
	}
	return nil
}

func (c *DatabaseConfig) Validate() error {
	if c.MaxIdleConns > c.MaxOpenConns {
		return errors.New("max_idle_conns cannot be greater than max_open_conns")
	}
	return nil
}

func (c *DatabaseConfig) GetDSN() string {
	return c.Source
}

func (c *GatewaysConfig) Validate() error {
	gateways := map[string]GatewayConfig{
		"worldpay": c.Worldpay.GatewayConfig,
		"smartpay": c.Smartpay,
		"epdq":     c.Epdq.GatewayConfig,
		"stripe":   c.Stripe,
	}
	for name, g := range gateways {
		if !g.Enabled {
			continue
		}
		if g.TestURL == "" && g.LiveURL == "" {
			return fmt.Errorf("%s: at least one of test_url or live_url is required", name)
		}
		if g.Timeout <= 0 {
			return fmt.Errorf("%s: timeout must be positive", name)
		}
	}
	return nil
}

func (c *StripeConfig) Validate(enabled bool) error {
	if !enabled {
		return nil
	}
	if c.TestAuthToken == "" && c.LiveAuthToken == "" {
		return errors.New("an auth token is required when stripe is enabled")
	}
	if c.PlatformAccountID == "" {
		return errors.New("platform_account_id is required when stripe is enabled")
	}
	if c.FeePercentage < 0 || c.RadarFeeInPence < 0 || c.ThreeDsFeeInPence < 0 {
		return errors.New("fees cannot be negative")
	}
	return nil
}

func (c *QueuesConfig) Validate() error {
	if c.BatchSize < 0 || c.BatchSize > 10 {
		return errors.New("batch_size must be between 1 and 10")
	}
	if c.WaitTimeSeconds < 0 || c.WaitTimeSeconds > 20 {
		return errors.New("wait_time_seconds must be between 0 and 20")
	}
	if c.MaxReceiveCount < 0 {
		return errors.New("max_receive_count cannot be negative")
	}
	return nil
}

func (c *EventsConfig) Validate() error {
	switch c.Sink {
	case "", "sqs", "bolt", "bus":
	default:
		return fmt.Errorf("unknown sink %q", c.Sink)
	}
	if c.Sink == "bolt" && c.BoltPath == "" {
		return errors.New("bolt_path is required for the bolt sink")
	}
	if c.Partitions < 0 || c.BufferSize < 0 {
		return errors.New("partitions and buffer_size cannot be negative")
	}
	return nil
}
