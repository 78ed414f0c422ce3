// Package config provides application configuration management from environment variables.
//
// All settings have sensible defaults; a local development server starts with
// nothing but STRATA_POSTGRES_URL set.
//
// Server settings:
//
//	STRATA_HOST="0.0.0.0"
//	STRATA_PORT="8080"
//	STRATA_HEALTH_PORT="9090"
//	STRATA_READ_TIMEOUT="15s"
//	STRATA_WRITE_TIMEOUT="15s"
//	STRATA_SHUTDOWN_TIMEOUT="30s"
//
// Store settings:
//
//	STRATA_POSTGRES_URL="postgres://localhost/strata"
//	STRATA_POSTGRES_MAX_CONNS="50"
//	STRATA_REDIS_URL="redis://localhost:6379"
//	STRATA_DOCUMENT_PATH="/var/strata/documents.db"
//	STRATA_BRANCH_DIR="/var/strata/branches"
//
// Snapshot settings:
//
//	STRATA_S3_BUCKET="strata-snapshots"
//	STRATA_S3_REGION="us-east-1"
//	STRATA_S3_ENDPOINT=""          # set for MinIO / localstack
//	STRATA_SNAPSHOT_PREFIX="snapshots"
//
// Tier settings:
//
//	STRATA_TIER_CACHE_TTL="5m"
//	STRATA_TIER_CACHE_SIZE="10000"
//	STRATA_LIMITS_FILE=""          # optional limit table override, hot reloaded
//
// Usage settings:
//
//	STRATA_USAGE_BUFFER="4096"
//	STRATA_USAGE_BATCH="128"
//	STRATA_USAGE_FLUSH_INTERVAL="5s"
//	STRATA_CALIBRATION_SCHEDULE="0 * * * *"
//	STRATA_DRIFT_THRESHOLD="0.2"
//
// Observability settings:
//
//	STRATA_LOG_LEVEL="info"  # debug, info, warn, error
//	STRATA_METRICS_ENABLED="true"
//	STRATA_WEBHOOK_URLS=""   # comma separated admission event receivers
package config
