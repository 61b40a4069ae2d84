package nodes

import (
	"context"

	"connectflow/pkg/step"
	"connectflow/services/workflow"
)

// passThrough serves trigger nodes whose data was already seeded into the
// context by the trigger event.
type passThrough struct{}

func (passThrough) Execute(ctx context.Context, req workflow.Request) (workflow.Context, error) {
	return withStatus(ctx, req, func() (workflow.Context, error) {
		return req.Context, nil
	})
}

const defaultAPIVariable = "api"

// apiTrigger exposes the inbound API payload under the node's variableName,
// "api" by default.
type apiTrigger struct{}

func (apiTrigger) Execute(ctx context.Context, req workflow.Request) (workflow.Context, error) {
	return withStatus(ctx, req, func() (workflow.Context, error) {
		name := configOf(req).str("variableName")
		if name == "" {
			name = defaultAPIVariable
		}

		payload, err := step.Do(ctx, req.Steps, "process-api-payload", func(context.Context) (map[string]any, error) {
			if p, ok := req.Context.Get(defaultAPIVariable); ok {
				if m, ok := p.(map[string]any); ok {
					return m, nil
				}
			}
			return map[string]any{}, nil
		})
		if err != nil {
			return workflow.Context{}, err
		}
		return req.Context.With(name, payload), nil
	})
}
