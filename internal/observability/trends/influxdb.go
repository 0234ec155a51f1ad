// Package trends records the evaluation history of A/B experiments as
// time series so that effect sizes and p-values can be charted over time.
package trends

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/sirupsen/logrus"

	"github.com/inferloop/modelops/pkg/errors"
	"github.com/inferloop/modelops/pkg/interfaces"
	"github.com/inferloop/modelops/pkg/models"
)

const (
	measurementEvaluation = "experiment_evaluation"
	measurementMetric     = "experiment_metric"
)

var _ interfaces.SnapshotSink = (*InfluxDBSink)(nil)

// InfluxDBConfig contains InfluxDB connection settings
type InfluxDBConfig struct {
	URL           string        `json:"url" mapstructure:"url"`
	Token         string        `json:"token" mapstructure:"token"`
	Organization  string        `json:"organization" mapstructure:"organization"`
	Bucket        string        `json:"bucket" mapstructure:"bucket"`
	BatchSize     int           `json:"batch_size" mapstructure:"batch_size"`
	FlushInterval time.Duration `json:"flush_interval" mapstructure:"flush_interval"`
	MaxRetries    int           `json:"max_retries" mapstructure:"max_retries"`
	UseGZip       bool          `json:"use_gzip" mapstructure:"use_gzip"`
}

// TrendPoint is one stored value of an experiment metric
type TrendPoint struct {
	Time   time.Time `json:"time"`
	Metric string    `json:"metric"`
	Field  string    `json:"field"`
	Value  float64   `json:"value"`
}

// InfluxDBSink writes experiment snapshots to InfluxDB
type InfluxDBSink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	queryAPI api.QueryAPI
	config   *InfluxDBConfig
	logger   *logrus.Logger
}

// NewInfluxDBSink creates a sink. Writes are batched and flushed in the background.
func NewInfluxDBSink(config *InfluxDBConfig, logger *logrus.Logger) (*InfluxDBSink, error) {
	if config == nil {
		return nil, errors.NewStorageError(errors.CodeInvalidConfig, "InfluxDB configuration is required")
	}
	if config.URL == "" || config.Bucket == "" {
		return nil, errors.NewStorageError(errors.CodeInvalidConfig, "InfluxDB url and bucket are required")
	}
	if logger == nil {
		logger = logrus.New()
	}

	if config.BatchSize == 0 {
		config.BatchSize = 100
	}
	if config.FlushInterval == 0 {
		config.FlushInterval = time.Second
	}

	client := influxdb2.NewClientWithOptions(
		config.URL,
		config.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(uint(config.BatchSize)).
			SetFlushInterval(uint(config.FlushInterval.Milliseconds())).
			SetMaxRetries(uint(config.MaxRetries)).
			SetUseGZip(config.UseGZip).
			SetPrecision(time.Millisecond),
	)

	s := &InfluxDBSink{
		client:   client,
		writeAPI: client.WriteAPI(config.Organization, config.Bucket),
		queryAPI: client.QueryAPI(config.Organization),
		config:   config,
		logger:   logger,
	}
	go s.handleWriteErrors()
	return s, nil
}

// Connect verifies that the server is healthy
func (s *InfluxDBSink) Connect(ctx context.Context) error {
	if err := s.Ping(ctx); err != nil {
		return err
	}
	s.logger.WithField("url", s.config.URL).Info("Connected to InfluxDB")
	return nil
}

// Ping asks the server for its health status
func (s *InfluxDBSink) Ping(ctx context.Context) error {
	health, err := s.client.Health(ctx)
	if err != nil {
		return errors.NewStorageIOError("influxdb", "connect", s.config.URL, err)
	}
	if health.Status != "pass" {
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		return errors.NewStorageError(errors.CodeStorageError, fmt.Sprintf("InfluxDB health check failed: %s", msg))
	}
	return nil
}

// WriteSnapshot queues one evaluation and its per-metric results
func (s *InfluxDBSink) WriteSnapshot(ctx context.Context, experiment *models.ABTestExperiment, snapshot models.ExperimentSnapshot) error {
	for _, p := range snapshotPoints(experiment, snapshot) {
		s.writeAPI.WritePoint(p)
	}
	return nil
}

// History returns the stored per-metric results of an experiment
func (s *InfluxDBSink) History(ctx context.Context, experimentID string, since time.Duration) ([]TrendPoint, error) {
	result, err := s.queryAPI.Query(ctx, historyQuery(s.config.Bucket, experimentID, since))
	if err != nil {
		return nil, errors.NewStorageIOError("influxdb", "read", experimentID, err)
	}
	defer result.Close()

	var points []TrendPoint
	for result.Next() {
		record := result.Record()
		value, ok := record.Value().(float64)
		if !ok {
			continue
		}
		metric, _ := record.ValueByKey("metric").(string)
		points = append(points, TrendPoint{
			Time:   record.Time(),
			Metric: metric,
			Field:  record.Field(),
			Value:  value,
		})
	}
	if result.Err() != nil {
		return nil, errors.NewStorageIOError("influxdb", "read", experimentID, result.Err())
	}
	return points, nil
}

// Close flushes pending writes and closes the client
func (s *InfluxDBSink) Close() error {
	s.writeAPI.Flush()
	s.client.Close()
	s.logger.Info("InfluxDB connection closed")
	return nil
}

func (s *InfluxDBSink) handleWriteErrors() {
	for err := range s.writeAPI.Errors() {
		s.logger.WithError(err).Error("InfluxDB write error")
	}
}

func snapshotPoints(experiment *models.ABTestExperiment, snapshot models.ExperimentSnapshot) []*write.Point {
	tags := func(p *write.Point) *write.Point {
		return p.
			AddTag("experiment_id", experiment.ExperimentID).
			AddTag("model_type", string(experiment.ModelType)).
			AddTag("champion_version_id", experiment.ChampionVersionID).
			AddTag("challenger_version_id", experiment.ChallengerVersionID)
	}

	points := []*write.Point{
		tags(influxdb2.NewPointWithMeasurement(measurementEvaluation)).
			AddTag("decision", string(snapshot.Decision)).
			AddField("confidence", snapshot.Confidence).
			AddField("champion_samples", snapshot.ChampionSamples).
			AddField("challenger_samples", snapshot.ChallengerSamples).
			SetTime(snapshot.Timestamp),
	}

	names := make([]string, 0, len(snapshot.Results))
	for name := range snapshot.Results {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		r := snapshot.Results[name]
		if r.Error != "" {
			continue
		}
		points = append(points, tags(influxdb2.NewPointWithMeasurement(measurementMetric)).
			AddTag("metric", name).
			AddTag("test", r.TestName).
			AddField("champion_mean", r.ChampionMean).
			AddField("challenger_mean", r.ChallengerMean).
			AddField("effect_size", r.EffectSize).
			AddField("statistic", r.Statistic).
			AddField("p_value", r.PValue).
			AddField("significant", r.IsStatisticallySignificant).
			SetTime(snapshot.Timestamp))
	}
	return points
}

func historyQuery(bucket, experimentID string, since time.Duration) string {
	if since <= 0 {
		since = 30 * 24 * time.Hour
	}
	return fmt.Sprintf(`from(bucket: %s)
  |> range(start: -%ds)
  |> filter(fn: (r) => r._measurement == %s and r.experiment_id == %s)
  |> filter(fn: (r) => r._field == "effect_size" or r._field == "p_value")`,
		strconv.Quote(bucket), int64(since.Seconds()), strconv.Quote(measurementMetric), strconv.Quote(experimentID))
}
