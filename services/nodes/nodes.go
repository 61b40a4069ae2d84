// Package nodes implements one executor per workflow node type.
//
// Every executor follows the same protocol: publish loading, validate the
// node's configuration, resolve templated fields against the run context,
// perform its side effect inside a durable step, then publish success and
// return the context extended with the node's result under its variableName.
// Any failure after loading publishes error before it is returned.
package nodes

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"connectflow/pkg/realtime"
	"connectflow/pkg/template"
	"connectflow/services/workflow"
)

// CredentialStore looks up credentials scoped to their owner.
type CredentialStore interface {
	GetCredential(ctx context.Context, id, userID string) (*workflow.Credential, error)
}

// Deps are the collaborators the executors need.
type Deps struct {
	Credentials CredentialStore
	HTTPClient  *http.Client
	Mailer      Mailer

	// Generators overrides the AI provider client per node type.
	Generators map[workflow.NodeType]Generator

	// InstagramBaseURL overrides the Graph API root.
	InstagramBaseURL string
}

// NewRegistry builds the registry with an executor for every node type.
func NewRegistry(deps Deps) (*workflow.Registry, error) {
	if deps.HTTPClient == nil {
		deps.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if deps.Mailer == nil {
		deps.Mailer = NewSMTPMailer()
	}
	if deps.InstagramBaseURL == "" {
		deps.InstagramBaseURL = instagramGraphURL
	}
	generators := defaultGenerators(deps.HTTPClient)
	for t, g := range deps.Generators {
		generators[t] = g
	}

	executors := map[workflow.NodeType]workflow.NodeExecutor{
		workflow.NodeInitial:           passThrough{},
		workflow.NodeManualTrigger:     passThrough{},
		workflow.NodeGoogleFormTrigger: passThrough{},
		workflow.NodeStripeTrigger:     passThrough{},
		workflow.NodeAPI:               apiTrigger{},
		workflow.NodeHTTPRequest:       &httpRequest{client: deps.HTTPClient},
		workflow.NodeDiscord:           &discordWebhook{client: deps.HTTPClient},
		workflow.NodeGmail:             &gmail{creds: deps.Credentials, mailer: deps.Mailer},
		workflow.NodeCustomMail:        &customMail{creds: deps.Credentials, mailer: deps.Mailer},
		workflow.NodeInstagram:         &instagram{creds: deps.Credentials, client: deps.HTTPClient, baseURL: deps.InstagramBaseURL},
	}
	for t, model := range defaultModels {
		executors[t] = &aiGeneration{
			nodeType:  t,
			model:     model,
			generator: generators[t],
			creds:     deps.Credentials,
		}
	}
	return workflow.NewRegistry(executors)
}

// withStatus runs body between a loading and a success or error status.
func withStatus(ctx context.Context, req workflow.Request, body func() (workflow.Context, error)) (workflow.Context, error) {
	req.Status.Report(ctx, realtime.StatusLoading)
	out, err := body()
	if err != nil {
		req.Status.Report(ctx, realtime.StatusError)
		return workflow.Context{}, err
	}
	req.Status.Report(ctx, realtime.StatusSuccess)
	return out, nil
}

// config reads a node's data.
type config struct {
	req workflow.Request
}

func configOf(req workflow.Request) config { return config{req: req} }

// str returns the trimmed string value of key; non-string scalars are
// formatted.
func (c config) str(key string) string {
	switch v := c.req.Data[key].(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(v)
	case float64, int, bool:
		return fmt.Sprint(v)
	default:
		return ""
	}
}

func (c config) flag(key string) bool {
	switch v := c.req.Data[key].(type) {
	case bool:
		return v
	case string:
		return v == "true"
	}
	return false
}

func (c config) require(key string) (string, error) {
	v := c.str(key)
	if v == "" {
		return "", workflow.Required(c.req.NodeID, c.req.NodeType, key)
	}
	return v, nil
}

func (c config) variableName() (string, error) {
	return c.require("variableName")
}

// render resolves a templated field against the run context. An empty result
// is returned as is.
func (c config) render(field, source string) (string, error) {
	tmpl, err := template.Compile(source)
	if err != nil {
		return "", workflow.Invalid(c.req.NodeID, c.req.NodeType, field, "has an invalid template: %v", err)
	}
	out, err := tmpl.Render(c.req.Context)
	if err != nil {
		return "", workflow.Invalid(c.req.NodeID, c.req.NodeType, field, "could not be resolved: %v", err)
	}
	return out, nil
}

// renderRequired requires key and rejects a template that resolves to an
// empty string.
func (c config) renderRequired(key string) (string, error) {
	source, err := c.require(key)
	if err != nil {
		return "", err
	}
	out, err := c.render(key, source)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(out) == "" {
		return "", workflow.Invalid(c.req.NodeID, c.req.NodeType, key, "resolved to an empty value")
	}
	return out, nil
}

// renderOptional resolves key when present.
func (c config) renderOptional(key string) (string, error) {
	source := c.str(key)
	if source == "" {
		return "", nil
	}
	return c.render(key, source)
}

// credential loads the node's credential for the workflow owner. Credentials
// are read directly on every attempt and never memoized, so secrets are never
// written to the step store.
func (c config) credential(ctx context.Context, store CredentialStore) (*workflow.Credential, error) {
	id, err := c.require("credentialId")
	if err != nil {
		return nil, err
	}
	cred, err := store.GetCredential(ctx, id, c.req.UserID)
	if err != nil {
		return nil, fmt.Errorf("load credential: %w", err)
	}
	if cred == nil {
		return nil, workflow.Invalid(c.req.NodeID, c.req.NodeType, "credentialId", "does not name a credential of the workflow owner")
	}
	if cred.Type != c.req.NodeType {
		return nil, workflow.Invalid(c.req.NodeID, c.req.NodeType, "credentialId", "names a %s credential", cred.Type.DisplayName())
	}
	return cred, nil
}
