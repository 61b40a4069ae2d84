package nodes

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/bwmarrin/discordgo"

	"connectflow/pkg/step"
	"connectflow/services/workflow"
)

const (
	discordMaxContent = 2000
	discordTimeout    = 10 * time.Second
)

// discordWebhook posts a message to a Discord webhook and stores
// {messageContent}. Discord answers 204 No Content on success; anything else
// is a failure.
type discordWebhook struct {
	client *http.Client
}

func (e *discordWebhook) Execute(ctx context.Context, req workflow.Request) (workflow.Context, error) {
	return withStatus(ctx, req, func() (workflow.Context, error) {
		cfg := configOf(req)

		name, err := cfg.variableName()
		if err != nil {
			return workflow.Context{}, err
		}
		webhookURL, err := cfg.renderRequired("webhookUrl")
		if err != nil {
			return workflow.Context{}, err
		}
		if u, perr := url.Parse(webhookURL); perr != nil || u.Scheme != "https" || u.Host == "" {
			return workflow.Context{}, workflow.Invalid(req.NodeID, req.NodeType, "webhookUrl", "is not an https URL")
		}
		content, err := cfg.renderRequired("content")
		if err != nil {
			return workflow.Context{}, err
		}
		username, err := cfg.renderOptional("username")
		if err != nil {
			return workflow.Context{}, err
		}

		params := discordgo.WebhookParams{
			Content:  truncate(content, discordMaxContent),
			Username: username,
		}
		sent, err := step.Do(ctx, req.Steps, "discord-webhook", func(ctx context.Context) (string, error) {
			if err := e.post(ctx, webhookURL, &params); err != nil {
				return "", err
			}
			return params.Content, nil
		})
		if err != nil {
			return workflow.Context{}, err
		}
		return req.Context.With(name, map[string]any{"messageContent": sent}), nil
	})
}

func (e *discordWebhook) post(ctx context.Context, webhookURL string, params *discordgo.WebhookParams) error {
	body, err := json.Marshal(params)
	if err != nil {
		return step.NonRetriable(fmt.Errorf("marshal webhook payload: %w", err))
	}

	ctx, cancel := context.WithTimeout(ctx, discordTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(body))
	if err != nil {
		return step.NonRetriable(fmt.Errorf("create webhook request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("discord webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		perr := statusError("discord", resp.StatusCode, truncate(string(raw), 200))
		if resp.StatusCode < 400 {
			// A 2xx other than 204 means the URL is not a Discord webhook.
			perr.Permanent = true
		}
		return perr
	}
	return nil
}
