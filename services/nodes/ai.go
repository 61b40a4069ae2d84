package nodes

import (
	"context"
	"strings"

	"connectflow/pkg/step"
	"connectflow/services/workflow"
)

const defaultSystemPrompt = "You are a helpful assistant."

// Prompt is one text generation request.
type Prompt struct {
	Model  string
	System string
	User   string
}

// Generator produces text with an AI provider.
type Generator interface {
	Generate(ctx context.Context, apiKey string, p Prompt) (string, error)
}

var defaultModels = map[workflow.NodeType]string{
	workflow.NodeOpenAI:     "gpt-3.5-turbo",
	workflow.NodeGemini:     "gemini-2.0-flash",
	workflow.NodeAnthropic:  "claude-3-5-sonnet-latest",
	workflow.NodeDeepSeek:   "deepseek-chat",
	workflow.NodePerplexity: "sonar",
}

// aiGeneration serves the AI node family and stores {text}.
type aiGeneration struct {
	nodeType  workflow.NodeType
	model     string
	generator Generator
	creds     CredentialStore
}

func (e *aiGeneration) Execute(ctx context.Context, req workflow.Request) (workflow.Context, error) {
	return withStatus(ctx, req, func() (workflow.Context, error) {
		cfg := configOf(req)

		name, err := cfg.variableName()
		if err != nil {
			return workflow.Context{}, err
		}
		if _, err := cfg.require("credentialId"); err != nil {
			return workflow.Context{}, err
		}
		user, err := cfg.renderRequired("userPrompt")
		if err != nil {
			return workflow.Context{}, err
		}
		system, err := cfg.renderOptional("systemPrompt")
		if err != nil {
			return workflow.Context{}, err
		}
		if strings.TrimSpace(system) == "" {
			system = defaultSystemPrompt
		}
		model := cfg.str("model")
		if model == "" {
			model = e.model
		}

		cred, err := cfg.credential(ctx, e.creds)
		if err != nil {
			return workflow.Context{}, err
		}
		if cred.Value == "" {
			return workflow.Context{}, workflow.Invalid(req.NodeID, req.NodeType, "credentialId", "has no API key")
		}

		stepName := strings.ToLower(string(e.nodeType)) + "-generate-text"
		text, err := step.Do(ctx, req.Steps, stepName, func(ctx context.Context) (string, error) {
			return e.generator.Generate(ctx, cred.Value, Prompt{Model: model, System: system, User: user})
		})
		if err != nil {
			return workflow.Context{}, err
		}
		return req.Context.With(name, map[string]any{"text": text}), nil
	})
}
