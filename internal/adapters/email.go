package adapters

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// EmailAdapter stands in for a real transactional-email provider. Wiring
// a concrete provider SDK is out of scope (action steps are
// "opaque to the orchestrator" — only the adapter needs to know how to
// send); this implementation logs the enriched {templateId, subject, to}
// payload the compiler produces for send_email/send_mail steps and
// returns a deterministic result.
type EmailAdapter struct {
	logger *zap.Logger
}

func NewEmailAdapter(logger *zap.Logger) *EmailAdapter {
	return &EmailAdapter{logger: logger}
}

func (e *EmailAdapter) Execute(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
	to, _ := input["to"].(string)
	if to == "" {
		return nil, fmt.Errorf("adapters: send_email requires \"to\"")
	}
	templateID, _ := input["templateId"].(string)
	subject, _ := input["subject"].(string)

	e.logger.Info("email dispatched",
		zap.String("to", to),
		zap.String("templateId", templateID),
		zap.String("subject", subject))

	return map[string]interface{}{
		"to":         to,
		"templateId": templateID,
		"subject":    subject,
		"delivered":  true,
	}, nil
}
