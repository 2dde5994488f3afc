// Package triggerregistry is the trigger-type -> poller table:
// a database/sql + timestamp-column WHERE-clause polling idiom,
// normalized to the per-workflow cursor contract.
package triggerregistry

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// TriggerContext is a poller's normalized yield.
type TriggerContext struct {
	WorkflowID  string
	UserID      string
	TriggerType string
	TriggerID   string
	EntityData  map[string]interface{}
	OccurredAt  int64
}

// Poller implements one trigger type's polling contract.
type Poller interface {
	TriggerType() string
	Poll(ctx context.Context, workflowID string, cursor int64) ([]TriggerContext, error)
	Validate(raw map[string]interface{}) (TriggerContext, error)
	GetWorkflowID(tc TriggerContext) string
	ShouldExecute(tc TriggerContext) bool
}

// Registry is the trigger-type -> Poller table, registered once at boot.
type Registry struct {
	logger  *zap.Logger
	pollers map[string]Poller
}

func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{logger: logger, pollers: make(map[string]Poller)}
}

func (r *Registry) Register(p Poller) {
	r.pollers[p.TriggerType()] = p
	r.logger.Info("trigger poller registered", zap.String("triggerType", p.TriggerType()))
}

func (r *Registry) Get(triggerType string) (Poller, error) {
	p, ok := r.pollers[triggerType]
	if !ok {
		return nil, fmt.Errorf("triggerregistry: no poller for trigger type %q", triggerType)
	}
	return p, nil
}

func (r *Registry) All() []Poller {
	out := make([]Poller, 0, len(r.pollers))
	for _, p := range r.pollers {
		out = append(out, p)
	}
	return out
}
