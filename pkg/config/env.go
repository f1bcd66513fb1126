package config

// EnvPrefix scopes every envconfig lookup.
const EnvPrefix = "FRAUDFLOW"

const (
	AppEnvDev  = "dev"
	AppEnvProd = "prod"
)

// Environment variable names referenced directly in code and tests.
const (
	EnvAppEnv = "FRAUDFLOW_APP_ENV"

	EnvDBDSN  = "FRAUDFLOW_DB_DSN"
	EnvDBHost = "FRAUDFLOW_DB_HOST"
	EnvDBUser = "FRAUDFLOW_DB_USER"
	EnvDBName = "FRAUDFLOW_DB_NAME"

	EnvRedisURL = "FRAUDFLOW_REDIS_URL"

	EnvGCPProjectID = "FRAUDFLOW_GCP_PROJECT_ID"

	EnvPubSubTransactionsTopic = "FRAUDFLOW_PUBSUB_TRANSACTIONS_TOPIC"
	EnvPubSubTransactionsSub   = "FRAUDFLOW_PUBSUB_TRANSACTIONS_SUBSCRIPTION"
	EnvPubSubFraudRequestsTop  = "FRAUDFLOW_PUBSUB_FRAUD_REQUESTS_TOPIC"
	EnvPubSubFraudResultsSub   = "FRAUDFLOW_PUBSUB_FRAUD_RESULTS_SUBSCRIPTION"
	EnvPubSubOutcomesTopic     = "FRAUDFLOW_PUBSUB_OUTCOMES_TOPIC"
	EnvPubSubOutcomesSub       = "FRAUDFLOW_PUBSUB_OUTCOMES_SUBSCRIPTION"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
