// Package config loads the modelops configuration from a YAML file and
// MODELOPS_* environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/inferloop/modelops/internal/artifacts"
	"github.com/inferloop/modelops/internal/deployment"
	"github.com/inferloop/modelops/internal/events"
	"github.com/inferloop/modelops/internal/experiments"
	"github.com/inferloop/modelops/internal/observability/metrics"
	"github.com/inferloop/modelops/internal/observability/trends"
	"github.com/inferloop/modelops/internal/registry"
	"github.com/inferloop/modelops/internal/storage"
	"github.com/inferloop/modelops/pkg/constants"
	"github.com/inferloop/modelops/pkg/errors"
)

// Event publisher backends
const (
	EventsBackendLog   = "log"
	EventsBackendRedis = "redis"
)

const envPrefix = "MODELOPS"

type Config struct {
	Log         LogConfig                `mapstructure:"log"`
	Server      ServerConfig             `mapstructure:"server"`
	Metrics     metrics.PrometheusConfig `mapstructure:"metrics"`
	Store       storage.SQLConfig        `mapstructure:"store"`
	Artifacts   artifacts.Config         `mapstructure:"artifacts"`
	Registry    registry.Config          `mapstructure:"registry"`
	Experiments experiments.Config       `mapstructure:"experiments"`
	Deployment  deployment.Config        `mapstructure:"deployment"`
	Events      EventsConfig             `mapstructure:"events"`
	Trends      TrendsConfig             `mapstructure:"trends"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// EventsConfig selects where lifecycle events go
type EventsConfig struct {
	Backend string             `mapstructure:"backend"`
	Redis   events.RedisConfig `mapstructure:"redis"`
}

// TrendsConfig enables the experiment history sink
type TrendsConfig struct {
	Enabled  bool                  `mapstructure:"enabled"`
	InfluxDB trends.InfluxDBConfig `mapstructure:"influxdb"`
}

// Load reads cfgFile, or modelops.yaml from the working directory and
// $HOME/.modelops, and overlays MODELOPS_* environment variables
func Load(cfgFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("modelops")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".modelops"))
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || cfgFile != "" {
			return nil, errors.WrapError(err, errors.ErrorTypeValidation, errors.CodeInvalidConfig, "error reading config file")
		}
	}

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeValidation, errors.CodeInvalidConfig, "error unmarshaling config")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Default returns the configuration used when nothing is overridden
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		panic(fmt.Sprintf("config defaults do not decode: %v", err))
	}
	return config
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", constants.DefaultLogLevel)
	v.SetDefault("log.format", constants.DefaultLogFormat)

	v.SetDefault("server.addr", constants.DefaultAddr)
	v.SetDefault("server.read_timeout", constants.DefaultReadTimeout)
	v.SetDefault("server.write_timeout", constants.DefaultWriteTimeout)
	v.SetDefault("server.idle_timeout", constants.DefaultIdleTimeout)
	v.SetDefault("server.shutdown_timeout", constants.DefaultShutdownTimeout)

	pm := metrics.DefaultPrometheusConfig()
	v.SetDefault("metrics.enabled", pm.Enabled)
	v.SetDefault("metrics.port", pm.Port)
	v.SetDefault("metrics.path", pm.Path)
	v.SetDefault("metrics.namespace", pm.Namespace)

	v.SetDefault("store.driver", constants.DefaultStoreDriver)
	v.SetDefault("store.dsn", constants.DefaultStoreDSN)
	v.SetDefault("store.max_connections", 10)
	v.SetDefault("store.max_idle_conns", 5)
	v.SetDefault("store.conn_max_lifetime", time.Hour)
	v.SetDefault("store.connect_timeout", 10*time.Second)

	v.SetDefault("artifacts.backend", constants.ArtifactBackendLocal)
	v.SetDefault("artifacts.base_path", constants.DefaultArtifactBasePath)
	v.SetDefault("artifacts.s3.region", "us-east-1")
	v.SetDefault("artifacts.s3.bucket", "")
	v.SetDefault("artifacts.s3.access_key_id", "")
	v.SetDefault("artifacts.s3.secret_access_key", "")
	v.SetDefault("artifacts.s3.endpoint", "")
	v.SetDefault("artifacts.s3.prefix", "")
	v.SetDefault("artifacts.s3.force_path_style", false)
	v.SetDefault("artifacts.s3.max_retries", 3)
	v.SetDefault("artifacts.s3.verify_after_write", true)

	rc := registry.DefaultConfig()
	v.SetDefault("registry.retention_days", rc.RetentionDays)
	v.SetDefault("registry.cleanup_interval", rc.CleanupInterval)

	ec := experiments.DefaultConfig()
	v.SetDefault("experiments.evaluator_interval", ec.EvaluatorInterval)
	v.SetDefault("experiments.decision_buffer", ec.DecisionBuffer)

	dc := deployment.DefaultConfig()
	v.SetDefault("deployment.canary_steps", dc.CanarySteps)
	v.SetDefault("deployment.canary_step_interval", dc.CanaryStepInterval)
	v.SetDefault("deployment.canary_max_error_rate", dc.CanaryMaxErrorRate)
	v.SetDefault("deployment.canary_min_requests", dc.CanaryMinRequests)
	v.SetDefault("deployment.decision_sweep_interval", dc.DecisionSweepInterval)
	v.SetDefault("deployment.health.timeout", dc.Health.Timeout)
	v.SetDefault("deployment.health.minimum_accuracy", dc.Health.MinimumAccuracy)
	v.SetDefault("deployment.health.minimum_precision", dc.Health.MinimumPrecision)
	v.SetDefault("deployment.health.minimum_recall", dc.Health.MinimumRecall)
	v.SetDefault("deployment.require_approval", dc.RequireApproval)
	v.SetDefault("deployment.default_environment", dc.DefaultEnvironment)

	rd := events.DefaultRedisConfig()
	v.SetDefault("events.backend", EventsBackendLog)
	v.SetDefault("events.redis.addr", rd.Addr)
	v.SetDefault("events.redis.password", "")
	v.SetDefault("events.redis.db", rd.DB)
	v.SetDefault("events.redis.dial_timeout", rd.DialTimeout)
	v.SetDefault("events.redis.write_timeout", rd.WriteTimeout)
	v.SetDefault("events.redis.pool_size", rd.PoolSize)
	v.SetDefault("events.redis.max_retries", rd.MaxRetries)
	v.SetDefault("events.redis.channel", rd.Channel)
	v.SetDefault("events.redis.stream", "")
	v.SetDefault("events.redis.stream_max_len", rd.StreamMaxLen)

	v.SetDefault("trends.enabled", false)
	v.SetDefault("trends.influxdb.url", "http://localhost:8086")
	v.SetDefault("trends.influxdb.token", "")
	v.SetDefault("trends.influxdb.organization", constants.AppName)
	v.SetDefault("trends.influxdb.bucket", "experiments")
	v.SetDefault("trends.influxdb.batch_size", 100)
	v.SetDefault("trends.influxdb.flush_interval", time.Second)
}

// Validate collects every configuration problem into one error
func (c *Config) Validate() error {
	ve := errors.NewValidationErrors()

	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		ve.Add("log.level", errors.CodeInvalidConfig, "unknown log level", c.Log.Level)
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		ve.Add("log.format", errors.CodeInvalidConfig, "log format must be json or text", c.Log.Format)
	}
	if c.Server.Addr == "" {
		ve.Add("server.addr", errors.CodeMissingField, "server address is required", nil)
	}
	if c.Metrics.Port < 0 || c.Metrics.Port > 65535 {
		ve.Add("metrics.port", errors.CodeOutOfRange, "metrics port must be within 0-65535", c.Metrics.Port)
	}

	switch c.Store.Driver {
	case constants.StoreDriverMemory:
	case constants.StoreDriverSQLite, constants.StoreDriverPostgres:
		if c.Store.DSN == "" {
			ve.Add("store.dsn", errors.CodeMissingField, "dsn is required for SQL stores", nil)
		}
	default:
		ve.Add("store.driver", errors.CodeInvalidConfig,
			fmt.Sprintf("driver must be one of %s", strings.Join(storage.SupportedDrivers(), ", ")), c.Store.Driver)
	}

	switch c.Artifacts.Backend {
	case constants.ArtifactBackendLocal:
		if c.Artifacts.BasePath == "" {
			ve.Add("artifacts.base_path", errors.CodeMissingField, "base path is required for local artifacts", nil)
		}
	case constants.ArtifactBackendS3:
		if c.Artifacts.S3.Bucket == "" {
			ve.Add("artifacts.s3.bucket", errors.CodeMissingField, "bucket is required for S3 artifacts", nil)
		}
	default:
		ve.Add("artifacts.backend", errors.CodeInvalidConfig, "backend must be local or s3", c.Artifacts.Backend)
	}

	if c.Registry.RetentionDays <= 0 {
		ve.Add("registry.retention_days", errors.CodeOutOfRange, "retention days must be positive", c.Registry.RetentionDays)
	}
	if c.Experiments.EvaluatorInterval <= 0 {
		ve.Add("experiments.evaluator_interval", errors.CodeOutOfRange, "evaluator interval must be positive", c.Experiments.EvaluatorInterval.String())
	}

	if err := deployment.ValidateCanarySteps(c.Deployment.CanarySteps); err != nil {
		ve.Add("deployment.canary_steps", errors.CodeOutOfRange, err.Error(), c.Deployment.CanarySteps)
	}
	if c.Deployment.CanaryMaxErrorRate < 0 || c.Deployment.CanaryMaxErrorRate > 1 {
		ve.Add("deployment.canary_max_error_rate", errors.CodeOutOfRange, "error rate must be within 0-1", c.Deployment.CanaryMaxErrorRate)
	}
	for field, floor := range map[string]float64{
		"deployment.health.minimum_accuracy":  c.Deployment.Health.MinimumAccuracy,
		"deployment.health.minimum_precision": c.Deployment.Health.MinimumPrecision,
		"deployment.health.minimum_recall":    c.Deployment.Health.MinimumRecall,
	} {
		if floor < 0 || floor > 1 {
			ve.Add(field, errors.CodeOutOfRange, "threshold must be within 0-1", floor)
		}
	}

	switch c.Events.Backend {
	case EventsBackendLog:
	case EventsBackendRedis:
		if c.Events.Redis.Addr == "" {
			ve.Add("events.redis.addr", errors.CodeMissingField, "redis address is required", nil)
		}
	default:
		ve.Add("events.backend", errors.CodeInvalidConfig, "backend must be log or redis", c.Events.Backend)
	}

	if c.Trends.Enabled && (c.Trends.InfluxDB.URL == "" || c.Trends.InfluxDB.Bucket == "") {
		ve.Add("trends.influxdb", errors.CodeMissingField, "url and bucket are required when trends are enabled", nil)
	}

	if ve.HasErrors() {
		return ve.AsAppError()
	}
	return nil
}
