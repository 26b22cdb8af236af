package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix is the envconfig prefix shared by every binary.
const EnvPrefix = "relaykit"

const (
	AppEnvDev  = "dev"
	AppEnvProd = "prod"
)

// Transport driver selectors. Unknown values are rejected at startup.
const (
	TransportDriverHTTP   = "http"
	TransportDriverPubSub = "pubsub"
	TransportDriverKafka  = "kafka"
)

type Config struct {
	App          AppConfig
	Service      ServiceConfig
	DB           DBConfig
	Redis        RedisConfig
	Transport    TransportConfig
	Ingress      IngressConfig
	Processing   ProcessingConfig
	Retention    RetentionConfig
	FeatureFlags FeatureFlagsConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate enforces cross-field constraints that envconfig cannot express.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}
	switch c.Transport.Driver {
	case TransportDriverHTTP:
	case TransportDriverPubSub:
		if strings.TrimSpace(c.Transport.PubSubProjectID) == "" {
			return fmt.Errorf("pubsub transport requires RELAYKIT_TRANSPORT_PUBSUB_PROJECT_ID")
		}
	case TransportDriverKafka:
		if len(c.Transport.KafkaBrokers) == 0 {
			return fmt.Errorf("kafka transport requires RELAYKIT_TRANSPORT_KAFKA_BROKERS")
		}
	default:
		return fmt.Errorf("unknown transport driver %q", c.Transport.Driver)
	}
	return nil
}

type AppConfig struct {
	Env          string `envconfig:"RELAYKIT_APP_ENV" default:"dev"`
	Port         string `envconfig:"RELAYKIT_APP_PORT" default:"8080"`
	LogLevel     string `envconfig:"RELAYKIT_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"RELAYKIT_LOG_WARN_STACK" default:"false"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

// ServiceConfig identifies this service on the wire. Name becomes the
// X-Source-Service header on every outbound message.
type ServiceConfig struct {
	Name string `envconfig:"RELAYKIT_SERVICE_NAME" required:"true"`
	Kind string `envconfig:"RELAYKIT_SERVICE_KIND" default:"api"`
}

type DBConfig struct {
	DSN    string `envconfig:"RELAYKIT_DB_DSN"`
	Driver string `envconfig:"RELAYKIT_DB_DRIVER" default:"postgres"`

	Host     string `envconfig:"RELAYKIT_DB_HOST"`
	Port     int    `envconfig:"RELAYKIT_DB_PORT" default:"5432"`
	User     string `envconfig:"RELAYKIT_DB_USER"`
	Password string `envconfig:"RELAYKIT_DB_PASSWORD"`
	Name     string `envconfig:"RELAYKIT_DB_NAME"`
	SSLMode  string `envconfig:"RELAYKIT_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"RELAYKIT_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"RELAYKIT_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"RELAYKIT_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"RELAYKIT_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

func (db *DBConfig) ensureDSN() error {
	if db.DSN != "" {
		return nil
	}
	if db.Host == "" || db.Name == "" {
		return fmt.Errorf("either RELAYKIT_DB_DSN or RELAYKIT_DB_HOST/RELAYKIT_DB_NAME must be set")
	}

	var userInfo *url.Userinfo
	if db.User != "" {
		userInfo = url.UserPassword(db.User, db.Password)
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   userInfo,
		Host:   fmt.Sprintf("%s:%d", db.Host, db.Port),
		Path:   db.Name,
	}

	if db.SSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.SSLMode)
		u.RawQuery = q.Encode()
	}

	db.DSN = u.String()
	return nil
}

// RedisConfig is optional: the admitter and the cron lock degrade gracefully
// when no redis is configured.
type RedisConfig struct {
	URL          string        `envconfig:"RELAYKIT_REDIS_URL"`
	Address      string        `envconfig:"RELAYKIT_REDIS_ADDR"`
	Password     string        `envconfig:"RELAYKIT_REDIS_PASSWORD"`
	DB           int           `envconfig:"RELAYKIT_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"RELAYKIT_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"RELAYKIT_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"RELAYKIT_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"RELAYKIT_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"RELAYKIT_REDIS_WRITE_TIMEOUT" default:"5s"`
}

// Enabled reports whether a redis endpoint was configured at all.
func (r RedisConfig) Enabled() bool {
	return r.URL != "" || r.Address != ""
}

type TransportConfig struct {
	Driver string `envconfig:"RELAYKIT_TRANSPORT_DRIVER" default:"http" validate:"oneof=http pubsub kafka"`

	// Services maps logical destination names to base URLs for the http
	// driver, or to topic names for the pubsub and kafka drivers,
	// e.g. RELAYKIT_TRANSPORT_SERVICES="billing:https://billing.internal,crm:https://crm.internal".
	Services map[string]string `envconfig:"RELAYKIT_TRANSPORT_SERVICES"`

	HTTPTimeout time.Duration `envconfig:"RELAYKIT_TRANSPORT_HTTP_TIMEOUT" default:"30s"`

	PubSubProjectID string `envconfig:"RELAYKIT_TRANSPORT_PUBSUB_PROJECT_ID"`

	KafkaBrokers []string `envconfig:"RELAYKIT_TRANSPORT_KAFKA_BROKERS"`
}

// BaseURL resolves a logical destination service to its configured base URL.
func (t TransportConfig) BaseURL(service string) (string, bool) {
	base, ok := t.Services[service]
	return base, ok
}

// IngressConfig controls the inbound webhook contract.
type IngressConfig struct {
	MessageIDHeader     string `envconfig:"RELAYKIT_INGRESS_MESSAGE_ID_HEADER" default:"X-Message-Id"`
	SourceServiceHeader string `envconfig:"RELAYKIT_INGRESS_SOURCE_SERVICE_HEADER" default:"X-Source-Service"`
	EventTypeHeader     string `envconfig:"RELAYKIT_INGRESS_EVENT_TYPE_HEADER" default:"X-Event-Type"`
	CustomHeaderPrefix  string `envconfig:"RELAYKIT_INGRESS_CUSTOM_HEADER_PREFIX" default:"X-"`
	APIKey              string `envconfig:"RELAYKIT_INGRESS_API_KEY"`
}

type ProcessingConfig struct {
	BatchSize         int           `envconfig:"RELAYKIT_PROCESSING_BATCH_SIZE" default:"50" validate:"gt=0"`
	MaxRetries        int           `envconfig:"RELAYKIT_PROCESSING_MAX_RETRIES" default:"5" validate:"gt=0"`
	RetryDelay        time.Duration `envconfig:"RELAYKIT_PROCESSING_RETRY_DELAY" default:"1m"`
	PollInterval      time.Duration `envconfig:"RELAYKIT_PROCESSING_POLL_INTERVAL" default:"500ms"`
	DispatchTimeout   time.Duration `envconfig:"RELAYKIT_PROCESSING_DISPATCH_TIMEOUT" default:"30s"`
	VisibilityTimeout time.Duration `envconfig:"RELAYKIT_PROCESSING_VISIBILITY_TIMEOUT" default:"10m"`
}

type RetentionConfig struct {
	Days     int           `envconfig:"RELAYKIT_RETENTION_DAYS" default:"30" validate:"gt=0"`
	Interval time.Duration `envconfig:"RELAYKIT_RETENTION_INTERVAL" default:"24h"`
}

type FeatureFlagsConfig struct {
	AutoMigrate bool `envconfig:"RELAYKIT_AUTO_MIGRATE" default:"false"`
}
