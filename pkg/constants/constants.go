package constants

import "time"

// Application constants
const (
	// Application metadata
	AppName        = "modelops"
	AppDescription = "Model lifecycle and deployment orchestration engine"
	AppVersion     = "0.1.0"

	// API constants
	APIVersion = "v1"
	APIPrefix  = "/api/v1"

	// Default server values
	DefaultAddr            = ":8080"
	DefaultMetricsPath     = "/metrics"
	DefaultLogLevel        = "info"
	DefaultLogFormat       = "json"
	DefaultReadTimeout     = 15 * time.Second
	DefaultWriteTimeout    = 15 * time.Second
	DefaultIdleTimeout     = 60 * time.Second
	DefaultShutdownTimeout = 30 * time.Second

	// Artifact defaults
	DefaultArtifactBasePath  = "./data/artifacts"
	DefaultRetentionDays     = 90
	DefaultCleanupInterval   = 24 * time.Hour
	ArtifactFileName         = "model.bin"
	ArtifactMetadataFileName = "metadata.json"
	ModelsDir                = "models"
	BackupsDir               = "backups"
	HashBufferSize           = 4096

	// Record store defaults
	DefaultStoreDriver = "sqlite"
	DefaultStoreDSN    = "./data/modelops.db"

	// Versioning
	InitialSemanticVersion = "1.0.0"

	// Experiment defaults
	DefaultTrafficSplit       = 0.1
	DefaultMinimumSampleSize  = 1000
	DefaultMaximumDuration    = 14 * 24 * time.Hour
	DefaultSignificanceLevel  = 0.05
	DefaultPracticalThreshold = 0.01
	DefaultEvaluationInterval = 24 * time.Hour
	DefaultEvaluatorTick      = time.Minute
	DefaultDecisionBuffer     = 64
	EffectSizeBaselineFloor   = 0.001

	// Decision policy
	StrongPromoteShare      = 0.8
	StrongPromoteConfidence = 0.9
	WeakPromoteShare        = 0.6
	WeakPromoteConfidence   = 0.7
	RejectConfidence        = 0.8
	TimeoutRejectConfidence = 0.6
	ExtendConfidenceScale   = 0.5

	// Deployment defaults
	DefaultEnvironment           = "production"
	DefaultCanaryStepInterval    = 5 * time.Minute
	DefaultCanaryMaxErrorRate    = 0.05
	DefaultCanaryMinRequests     = 0
	DefaultDecisionSweepInterval = time.Minute
	DefaultHealthCheckTimeout    = 30 * time.Second
	DefaultMinimumAccuracy       = 0.7
	DefaultMinimumPrecision      = 0.6
	DefaultMinimumRecall         = 0.6
)

// DefaultCanarySteps is the canary traffic schedule in percent
var DefaultCanarySteps = []int{5, 10, 25, 50, 100}

// DefaultSuccessMetrics are compared when an experiment names none
var DefaultSuccessMetrics = []string{"accuracy", "auc_score"}

// Environment names
const (
	EnvDevelopment = "development"
	EnvStaging     = "staging"
	EnvProduction  = "production"
)

// Log levels
const (
	LogLevelDebug = "debug"
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"
)

// Log formats
const (
	LogFormatJSON = "json"
	LogFormatText = "text"
)

// Record store drivers
const (
	StoreDriverMemory   = "memory"
	StoreDriverSQLite   = "sqlite"
	StoreDriverPostgres = "postgres"
)

// Artifact backends
const (
	ArtifactBackendLocal = "local"
	ArtifactBackendS3    = "s3"
)

// Event channel
const (
	DefaultEventChannel = "modelops:events"
)

// Content types
const (
	ContentTypeJSON        = "application/json"
	ContentTypeOctetStream = "application/octet-stream"
	HeaderContentType      = "Content-Type"
	HeaderRequestID        = "X-Request-ID"
)
