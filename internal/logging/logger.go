package logging

import (
	"go.uber.org/zap"
)

// NewLogger creates a new structured logger
func NewLogger(serviceName, level string) (*zap.Logger, error) {
	config := zap.NewProductionConfig()
	config.InitialFields = map[string]interface{}{
		"service": serviceName,
	}

	if level != "" {
		parsed, err := zap.ParseAtomicLevel(level)
		if err != nil {
			return nil, err
		}
		config.Level = parsed
	}

	logger, err := config.Build()
	if err != nil {
		return nil, err
	}

	return logger, nil
}

// WithSweep returns a logger with sweep_id and mode fields
func WithSweep(logger *zap.Logger, sweepID, mode string) *zap.Logger {
	return logger.With(zap.String("sweep_id", sweepID), zap.String("mode", mode))
}

// WithMeter returns a logger with meter_number field
func WithMeter(logger *zap.Logger, meterNumber string) *zap.Logger {
	return logger.With(zap.String("meter_number", meterNumber))
}
