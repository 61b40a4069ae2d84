package nodes

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"connectflow/pkg/step"
	"connectflow/services/workflow"
)

const (
	instagramGraphURL = "https://graph.facebook.com/v16.0"
	instagramTimeout  = 20 * time.Second
)

// instagram publishes an image post with the Graph API in two phases, create
// a media container then publish it, and stores {success, creationId, postId}.
// Each phase is its own step so a retry of the publish never creates a second
// container.
type instagram struct {
	creds   CredentialStore
	client  *http.Client
	baseURL string
}

type graphResponse struct {
	ID    string `json:"id"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    int    `json:"code"`
	} `json:"error,omitempty"`
}

func (e *instagram) Execute(ctx context.Context, req workflow.Request) (workflow.Context, error) {
	return withStatus(ctx, req, func() (workflow.Context, error) {
		cfg := configOf(req)

		name, err := cfg.variableName()
		if err != nil {
			return workflow.Context{}, err
		}
		if _, err := cfg.require("credentialId"); err != nil {
			return workflow.Context{}, err
		}
		imageURL, err := cfg.renderRequired("imageUrl")
		if err != nil {
			return workflow.Context{}, err
		}
		caption, err := cfg.renderOptional("caption")
		if err != nil {
			return workflow.Context{}, err
		}

		cred, err := cfg.credential(ctx, e.creds)
		if err != nil {
			return workflow.Context{}, err
		}
		token, businessID := instagramAccount(cred)
		if token == "" || businessID == "" {
			return workflow.Context{}, workflow.Invalid(req.NodeID, req.NodeType, "credentialId", "is missing the access token or instagramBusinessId")
		}

		creationID, err := step.Do(ctx, req.Steps, "instagram-create-media", func(ctx context.Context) (string, error) {
			return e.post(ctx, businessID+"/media", url.Values{
				"image_url":    {imageURL},
				"caption":      {caption},
				"access_token": {token},
			})
		})
		if err != nil {
			return workflow.Context{}, err
		}

		postID, err := step.Do(ctx, req.Steps, "instagram-publish-media", func(ctx context.Context) (string, error) {
			return e.post(ctx, businessID+"/media_publish", url.Values{
				"creation_id":  {creationID},
				"access_token": {token},
			})
		})
		if err != nil {
			return workflow.Context{}, err
		}

		return req.Context.With(name, map[string]any{
			"success":    true,
			"creationId": creationID,
			"postId":     postID,
		}), nil
	})
}

// instagramAccount reads the access token and business account id. Older
// credentials keep both as a JSON object in the value.
func instagramAccount(cred *workflow.Credential) (token, businessID string) {
	token, businessID = cred.Value, cred.String("instagramBusinessId")
	if businessID != "" {
		return token, businessID
	}
	var legacy struct {
		AccessToken         string `json:"accessToken"`
		InstagramBusinessID string `json:"instagramBusinessId"`
	}
	if err := json.Unmarshal([]byte(cred.Value), &legacy); err == nil {
		return legacy.AccessToken, legacy.InstagramBusinessID
	}
	return token, ""
}

func (e *instagram) post(ctx context.Context, path string, params url.Values) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, instagramTimeout)
	defer cancel()

	endpoint := strings.TrimSuffix(e.baseURL, "/") + "/" + path + "?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return "", step.NonRetriable(fmt.Errorf("create instagram request: %w", err))
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("instagram request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read instagram response: %w", err)
	}
	var out graphResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", statusError("instagram", resp.StatusCode, truncate(string(raw), 200))
	}
	if resp.StatusCode >= 400 || out.ID == "" {
		msg := "no id returned"
		if out.Error != nil {
			msg = out.Error.Message
		}
		status := resp.StatusCode
		if status < 400 {
			return "", &ProviderError{Provider: "instagram", Status: status, Msg: msg, Permanent: true}
		}
		return "", statusError("instagram", status, msg)
	}
	return out.ID, nil
}
