package nodes

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"connectflow/pkg/step"
	"connectflow/services/workflow"
)

const maxResponseBytes = 10 << 20

var (
	httpMethods     = []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete}
	httpBodyMethods = []string{http.MethodPost, http.MethodPut, http.MethodPatch}
)

// httpRequest calls an arbitrary HTTP endpoint and stores
// {httpResponse: {status, statusText, data}}.
type httpRequest struct {
	client *http.Client
}

func (e *httpRequest) Execute(ctx context.Context, req workflow.Request) (workflow.Context, error) {
	return withStatus(ctx, req, func() (workflow.Context, error) {
		cfg := configOf(req)

		if _, err := cfg.require("endpoint"); err != nil {
			return workflow.Context{}, err
		}
		name, err := cfg.variableName()
		if err != nil {
			return workflow.Context{}, err
		}
		method := strings.ToUpper(cfg.str("method"))
		if method == "" {
			return workflow.Context{}, workflow.Required(req.NodeID, req.NodeType, "method")
		}
		if !slices.Contains(httpMethods, method) {
			return workflow.Context{}, workflow.Invalid(req.NodeID, req.NodeType, "method", "%q is not supported", method)
		}

		endpoint, err := cfg.renderRequired("endpoint")
		if err != nil {
			return workflow.Context{}, err
		}
		u, err := url.Parse(endpoint)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return workflow.Context{}, workflow.Invalid(req.NodeID, req.NodeType, "endpoint", "%q is not an http(s) URL", endpoint)
		}

		var body string
		if slices.Contains(httpBodyMethods, method) {
			body, err = cfg.renderOptional("body")
			if err != nil {
				return workflow.Context{}, err
			}
			if body != "" && !json.Valid([]byte(body)) {
				return workflow.Context{}, workflow.Invalid(req.NodeID, req.NodeType, "body", "is not valid JSON")
			}
		}

		resp, err := step.Do(ctx, req.Steps, "http-request", func(ctx context.Context) (map[string]any, error) {
			return e.do(ctx, method, endpoint, body)
		})
		if err != nil {
			return workflow.Context{}, err
		}
		return req.Context.With(name, map[string]any{"httpResponse": resp}), nil
	})
}

func (e *httpRequest) do(ctx context.Context, method, endpoint, body string) (map[string]any, error) {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, step.NonRetriable(fmt.Errorf("create request: %w", err))
	}
	if body != "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, statusError("http request", resp.StatusCode, truncate(string(raw), 200))
	}

	var data any = string(raw)
	if strings.Contains(resp.Header.Get("Content-Type"), "application/json") {
		var decoded any
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return nil, step.NonRetriable(fmt.Errorf("decode json response: %w", err))
		}
		data = decoded
	}

	return map[string]any{
		"status":     resp.StatusCode,
		"statusText": http.StatusText(resp.StatusCode),
		"data":       data,
	}, nil
}
