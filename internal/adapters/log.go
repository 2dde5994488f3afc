package adapters

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// LogAdapter writes a structured log line, exposed under custom-action
// steps that target "log" (custom-action fallback).
type LogAdapter struct {
	logger *zap.Logger
}

func NewLogAdapter(logger *zap.Logger) *LogAdapter {
	return &LogAdapter{logger: logger}
}

func (l *LogAdapter) Execute(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
	message, ok := input["message"].(string)
	if !ok || message == "" {
		return nil, fmt.Errorf("adapters: log requires \"message\"")
	}
	level := "info"
	if lvl, ok := input["level"].(string); ok {
		level = lvl
	}

	fields := make([]zap.Field, 0)
	if extra, ok := input["fields"].(map[string]interface{}); ok {
		for k, v := range extra {
			fields = append(fields, zap.Any(k, v))
		}
	}

	switch level {
	case "debug":
		l.logger.Debug(message, fields...)
	case "warn", "warning":
		l.logger.Warn(message, fields...)
	case "error":
		l.logger.Error(message, fields...)
	default:
		l.logger.Info(message, fields...)
	}

	return map[string]interface{}{"message": message, "level": level, "success": true}, nil
}
