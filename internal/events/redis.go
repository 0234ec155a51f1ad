package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"github.com/inferloop/modelops/pkg/constants"
	"github.com/inferloop/modelops/pkg/errors"
	"github.com/inferloop/modelops/pkg/models"
)

// RedisConfig holds configuration for the Redis event publisher
type RedisConfig struct {
	Addr         string        `json:"addr" mapstructure:"addr"`
	Password     string        `json:"password" mapstructure:"password"`
	DB           int           `json:"db" mapstructure:"db"`
	DialTimeout  time.Duration `json:"dial_timeout" mapstructure:"dial_timeout"`
	WriteTimeout time.Duration `json:"write_timeout" mapstructure:"write_timeout"`
	PoolSize     int           `json:"pool_size" mapstructure:"pool_size"`
	MaxRetries   int           `json:"max_retries" mapstructure:"max_retries"`
	Channel      string        `json:"channel" mapstructure:"channel"`
	// Stream, when set, also appends every event to a capped Redis stream
	Stream       string `json:"stream" mapstructure:"stream"`
	StreamMaxLen int64  `json:"stream_max_len" mapstructure:"stream_max_len"`
}

// DefaultRedisConfig returns a local single-node configuration
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		Addr:         "localhost:6379",
		DialTimeout:  5 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MaxRetries:   3,
		Channel:      constants.DefaultEventChannel,
		StreamMaxLen: 10000,
	}
}

// RedisPublisher publishes lifecycle events on a Redis pub/sub channel
type RedisPublisher struct {
	config *RedisConfig
	client redis.UniversalClient
	logger *logrus.Logger
	mu     sync.RWMutex
	closed bool
}

// NewRedisPublisher creates a publisher; call Connect before publishing
func NewRedisPublisher(config *RedisConfig, logger *logrus.Logger) (*RedisPublisher, error) {
	if config == nil {
		return nil, errors.NewStorageError(errors.CodeInvalidConfig, "Redis config cannot be nil")
	}
	if config.Addr == "" {
		return nil, errors.NewStorageError(errors.CodeInvalidConfig, "Redis address is required")
	}
	if config.Channel == "" {
		config.Channel = constants.DefaultEventChannel
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &RedisPublisher{config: config, logger: logger}, nil
}

// Connect establishes the connection to Redis
func (p *RedisPublisher) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.client != nil {
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:         p.config.Addr,
		Password:     p.config.Password,
		DB:           p.config.DB,
		DialTimeout:  p.config.DialTimeout,
		WriteTimeout: p.config.WriteTimeout,
		PoolSize:     p.config.PoolSize,
		MaxRetries:   p.config.MaxRetries,
	})

	if _, err := client.Ping(ctx).Result(); err != nil {
		client.Close()
		return errors.NewStorageIOError("redis", "connect", p.config.Addr, err)
	}

	p.client = client
	p.closed = false
	p.logger.WithFields(logrus.Fields{
		"addr":    p.config.Addr,
		"db":      p.config.DB,
		"channel": p.config.Channel,
	}).Info("Connected to Redis")
	return nil
}

// Publish sends the event to the channel and, if configured, the stream
func (p *RedisPublisher) Publish(ctx context.Context, event *models.Event) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed || p.client == nil {
		return errors.NewStorageError(errors.CodeStorageError, "Redis not connected")
	}

	payload, err := encodeEvent(event)
	if err != nil {
		return err
	}

	if err := p.client.Publish(ctx, p.config.Channel, payload).Err(); err != nil {
		return errors.NewStorageIOError("redis", "write", p.config.Channel, err)
	}

	if p.config.Stream != "" {
		err := p.client.XAdd(ctx, &redis.XAddArgs{
			Stream: p.config.Stream,
			MaxLen: p.config.StreamMaxLen,
			Approx: true,
			Values: map[string]interface{}{
				"type":    string(event.Type),
				"payload": payload,
			},
		}).Err()
		if err != nil {
			return errors.NewStorageIOError("redis", "write", p.config.Stream, err)
		}
	}
	return nil
}

// Ping checks the connection to Redis
func (p *RedisPublisher) Ping(ctx context.Context) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed || p.client == nil {
		return errors.NewStorageError(errors.CodeStorageError, "Redis not connected")
	}
	if err := p.client.Ping(ctx).Err(); err != nil {
		return errors.NewStorageIOError("redis", "ping", p.config.Addr, err)
	}
	return nil
}

// Close closes the Redis connection
func (p *RedisPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed || p.client == nil {
		p.closed = true
		return nil
	}

	err := p.client.Close()
	p.client = nil
	p.closed = true
	if err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeStorageError, "failed to close Redis connection")
	}

	p.logger.Info("Redis connection closed")
	return nil
}

func encodeEvent(event *models.Event) ([]byte, error) {
	if event == nil {
		return nil, errors.NewValidationError(errors.CodeMissingField, "event cannot be nil")
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(event)
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeValidation, errors.CodeInvalidInput, "failed to encode event")
	}
	return data, nil
}
