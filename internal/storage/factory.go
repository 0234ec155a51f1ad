package storage

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/inferloop/modelops/pkg/constants"
	"github.com/inferloop/modelops/pkg/errors"
	"github.com/inferloop/modelops/pkg/interfaces"
)

// NewRecordStore creates and connects the record store named by config.Driver
func NewRecordStore(ctx context.Context, config SQLConfig, logger *logrus.Logger) (interfaces.RecordStore, error) {
	if logger == nil {
		logger = logrus.New()
	}

	switch config.Driver {
	case constants.StoreDriverMemory:
		logger.Warn("Using in-memory record store; records are lost on exit")
		return NewMemoryStore(), nil
	case constants.StoreDriverSQLite, constants.StoreDriverPostgres:
		cfg := config
		store, err := NewSQLStore(&cfg, logger)
		if err != nil {
			return nil, err
		}
		if err := store.Connect(ctx); err != nil {
			return nil, err
		}

		logger.WithFields(logrus.Fields{
			"driver": config.Driver,
		}).Info("Created record store")

		return store, nil
	default:
		return nil, errors.NewStorageError(errors.CodeInvalidConfig,
			fmt.Sprintf("Record store driver '%s' is not supported", config.Driver))
	}
}

// SupportedDrivers lists the accepted driver names
func SupportedDrivers() []string {
	return []string{constants.StoreDriverMemory, constants.StoreDriverSQLite, constants.StoreDriverPostgres}
}
