package adapters

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// SmsAdapter mirrors EmailAdapter's stand-in role for send_sms steps.
type SmsAdapter struct {
	logger *zap.Logger
}

func NewSmsAdapter(logger *zap.Logger) *SmsAdapter {
	return &SmsAdapter{logger: logger}
}

func (s *SmsAdapter) Execute(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
	to, _ := input["to"].(string)
	if to == "" {
		return nil, fmt.Errorf("adapters: send_sms requires \"to\"")
	}
	body, _ := input["body"].(string)

	s.logger.Info("sms dispatched", zap.String("to", to))

	return map[string]interface{}{
		"to":        to,
		"body":      body,
		"delivered": true,
	}, nil
}
