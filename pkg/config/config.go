package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	App     AppConfig
	Service ServiceConfig
	DB      DBConfig
	Redis   RedisConfig
	GCP     GCPConfig
	PubSub  PubSubConfig
	Outbox  OutboxConfig
	Saga    SagaConfig
	Ops     OpsConfig

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
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"FRAUDFLOW_APP_ENV" required:"true"`
	LogLevel     string `envconfig:"FRAUDFLOW_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"FRAUDFLOW_LOG_WARN_STACK" default:"false"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type ServiceConfig struct {
	Kind string `envconfig:"FRAUDFLOW_SERVICE_KIND" default:"saga-worker"`
}

type DBConfig struct {
	DSN    string `envconfig:"FRAUDFLOW_DB_DSN"`
	Driver string `envconfig:"FRAUDFLOW_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"FRAUDFLOW_DB_HOST"`
	LegacyPort     int    `envconfig:"FRAUDFLOW_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"FRAUDFLOW_DB_USER"`
	LegacyPassword string `envconfig:"FRAUDFLOW_DB_PASSWORD"`
	LegacyName     string `envconfig:"FRAUDFLOW_DB_NAME"`
	LegacySSLMode  string `envconfig:"FRAUDFLOW_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"FRAUDFLOW_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"FRAUDFLOW_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"FRAUDFLOW_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"FRAUDFLOW_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

type RedisConfig struct {
	URL          string        `envconfig:"FRAUDFLOW_REDIS_URL" required:"true"`
	Address      string        `envconfig:"FRAUDFLOW_REDIS_ADDR"`
	Password     string        `envconfig:"FRAUDFLOW_REDIS_PASSWORD"`
	DB           int           `envconfig:"FRAUDFLOW_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"FRAUDFLOW_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"FRAUDFLOW_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"FRAUDFLOW_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"FRAUDFLOW_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"FRAUDFLOW_REDIS_WRITE_TIMEOUT" default:"5s"`
}

type GCPConfig struct {
	ProjectID              string `envconfig:"FRAUDFLOW_GCP_PROJECT_ID" required:"true"`
	CredentialsJSON        string `envconfig:"FRAUDFLOW_GCP_CREDENTIALS_JSON"`
	ApplicationCredentials string `envconfig:"FRAUDFLOW_GOOGLE_APPLICATION_CREDENTIALS"`
}

type PubSubConfig struct {
	TransactionsTopic        string `envconfig:"FRAUDFLOW_PUBSUB_TRANSACTIONS_TOPIC" required:"true"`
	TransactionsSubscription string `envconfig:"FRAUDFLOW_PUBSUB_TRANSACTIONS_SUBSCRIPTION" required:"true"`
	FraudRequestsTopic       string `envconfig:"FRAUDFLOW_PUBSUB_FRAUD_REQUESTS_TOPIC" required:"true"`
	FraudResultsSubscription string `envconfig:"FRAUDFLOW_PUBSUB_FRAUD_RESULTS_SUBSCRIPTION" required:"true"`
	OutcomesTopic            string `envconfig:"FRAUDFLOW_PUBSUB_OUTCOMES_TOPIC" required:"true"`
	OutcomesSubscription     string `envconfig:"FRAUDFLOW_PUBSUB_OUTCOMES_SUBSCRIPTION" required:"true"`
}

type OutboxConfig struct {
	BatchSize      int           `envconfig:"FRAUDFLOW_OUTBOX_PUBLISH_BATCH_SIZE" default:"20"`
	PollIntervalMS int           `envconfig:"FRAUDFLOW_OUTBOX_PUBLISH_POLL_MS" default:"1000"`
	MaxAttempts    int           `envconfig:"FRAUDFLOW_OUTBOX_MAX_ATTEMPTS" default:"10"`
	LockLease      time.Duration `envconfig:"FRAUDFLOW_OUTBOX_LOCK_LEASE" default:"30s"`
	RetryBaseDelay time.Duration `envconfig:"FRAUDFLOW_OUTBOX_RETRY_BASE_DELAY" default:"2s"`
	RetryMaxDelay  time.Duration `envconfig:"FRAUDFLOW_OUTBOX_RETRY_MAX_DELAY" default:"5m"`
}

type SagaConfig struct {
	FraudCheckTimeout time.Duration `envconfig:"FRAUDFLOW_SAGA_FRAUD_CHECK_TIMEOUT" default:"30s"`
	MaxRetry          int           `envconfig:"FRAUDFLOW_SAGA_MAX_RETRY" default:"3"`
	TimeoutQueue      string        `envconfig:"FRAUDFLOW_SAGA_TIMEOUT_QUEUE" default:"fraud-timeouts"`
}

type OpsConfig struct {
	Port string `envconfig:"FRAUDFLOW_OPS_PORT" default:"9090"`
}

type FeatureFlagsConfig struct {
	AutoMigrate bool `envconfig:"FRAUDFLOW_AUTO_MIGRATE" default:"false"`
}

func (db *DBConfig) ensureDSN() error {
	if db.DSN != "" {
		return nil
	}

	missing := []string{}
	legacyValues := map[string]string{
		EnvDBHost: db.LegacyHost,
		EnvDBUser: db.LegacyUser,
		EnvDBName: db.LegacyName,
	}
	for _, env := range legacyDBEnvVars {
		if legacyValues[env] == "" {
			missing = append(missing, env)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("either %s or %s are required", EnvDBDSN, strings.Join(missing, ", "))
	}

	userInfo := url.User(db.LegacyUser)
	if db.LegacyPassword != "" {
		userInfo = url.UserPassword(db.LegacyUser, db.LegacyPassword)
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   userInfo,
		Host:   fmt.Sprintf("%s:%d", db.LegacyHost, db.LegacyPort),
		Path:   db.LegacyName,
	}

	if db.LegacySSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.LegacySSLMode)
		u.RawQuery = q.Encode()
	}

	db.DSN = u.String()
	return nil
}
