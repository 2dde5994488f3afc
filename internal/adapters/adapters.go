// Package adapters implements the side-effecting action kinds a compiled
// action step can target (send_email/send_sms/send_mail/
// "Send Mail"/custom-action): a narrow Adapter interface, one struct per
// kind, and a name-keyed registry the noderegistry package looks actions
// up in.
package adapters

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Adapter executes one concrete side effect and returns result data, which
// the orchestrator records on the step's history entry. The result is not
// merged into the execution's context.
type Adapter interface {
	Execute(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error)
}

// Registry is a name-keyed Adapter lookup, used by noderegistry's action
// executor to dispatch a step's action type to its adapter.
type Registry struct {
	logger   *zap.Logger
	adapters map[string]Adapter
}

func NewRegistry(logger *zap.Logger) *Registry {
	r := &Registry{logger: logger, adapters: make(map[string]Adapter)}
	r.Register("send_email", NewEmailAdapter(logger))
	r.Register("send_sms", NewSmsAdapter(logger))
	r.Register("send_mail", NewEmailAdapter(logger)) // rule-dialect alias for send_email
	r.Register("webhook", NewWebhookAdapter(logger))
	r.Register("log", NewLogAdapter(logger))
	return r
}

func (r *Registry) Register(name string, a Adapter) {
	r.adapters[name] = a
	r.logger.Info("adapter registered", zap.String("name", name))
}

func (r *Registry) Get(name string) (Adapter, error) {
	a, ok := r.adapters[name]
	if !ok {
		return nil, fmt.Errorf("adapters: unknown action %q", name)
	}
	return a, nil
}

func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		out = append(out, name)
	}
	return out
}
