package nodes

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/sashabaranov/go-openai"
	"google.golang.org/genai"

	"connectflow/services/workflow"
)

const (
	deepSeekBaseURL   = "https://api.deepseek.com/v1"
	perplexityBaseURL = "https://api.perplexity.ai"
	anthropicBaseURL  = "https://api.anthropic.com/v1"
	anthropicVersion  = "2023-06-01"
	anthropicMaxToken = 4096
)

func defaultGenerators(httpClient *http.Client) map[workflow.NodeType]Generator {
	return map[workflow.NodeType]Generator{
		workflow.NodeOpenAI:     &OpenAICompatible{Provider: "openai", HTTPClient: httpClient},
		workflow.NodeDeepSeek:   &OpenAICompatible{Provider: "deepseek", BaseURL: deepSeekBaseURL, HTTPClient: httpClient},
		workflow.NodePerplexity: &OpenAICompatible{Provider: "perplexity", BaseURL: perplexityBaseURL, HTTPClient: httpClient},
		workflow.NodeGemini:     &Gemini{HTTPClient: httpClient},
		workflow.NodeAnthropic:  &Anthropic{HTTPClient: httpClient},
	}
}

// OpenAICompatible generates text through any OpenAI compatible chat
// completions API.
type OpenAICompatible struct {
	Provider   string
	BaseURL    string // empty means api.openai.com
	HTTPClient *http.Client
}

func (g *OpenAICompatible) Generate(ctx context.Context, apiKey string, p Prompt) (string, error) {
	cfg := openai.DefaultConfig(apiKey)
	if g.BaseURL != "" {
		cfg.BaseURL = g.BaseURL
	}
	if g.HTTPClient != nil {
		cfg.HTTPClient = g.HTTPClient
	}
	client := openai.NewClientWithConfig(cfg)

	resp, err := client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: p.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: p.System},
			{Role: openai.ChatMessageRoleUser, Content: p.User},
		},
	})
	if err != nil {
		return "", g.classify(err)
	}
	if len(resp.Choices) == 0 {
		return "", &ProviderError{Provider: g.Provider, Msg: "no choices returned"}
	}
	return resp.Choices[0].Message.Content, nil
}

func (g *OpenAICompatible) classify(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return statusError(g.Provider, apiErr.HTTPStatusCode, apiErr.Message)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return statusError(g.Provider, reqErr.HTTPStatusCode, reqErr.Error())
	}
	return fmt.Errorf("%s request failed: %w", g.Provider, err)
}

// Gemini generates text with the Gemini API.
type Gemini struct {
	BaseURL    string // empty means generativelanguage.googleapis.com
	HTTPClient *http.Client
}

func (g *Gemini) Generate(ctx context.Context, apiKey string, p Prompt) (text string, err error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      apiKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPClient:  g.HTTPClient,
		HTTPOptions: genai.HTTPOptions{BaseURL: g.BaseURL},
	})
	if err != nil {
		return "", fmt.Errorf("create gemini client: %w", err)
	}

	// genai dereferences a missing error object when a failed response
	// carries a JSON body without one.
	defer func() {
		if r := recover(); r != nil {
			text, err = "", &ProviderError{Provider: "gemini", Msg: fmt.Sprintf("unreadable error response: %v", r)}
		}
	}()

	contents := []*genai.Content{{
		Role:  genai.RoleUser,
		Parts: []*genai.Part{{Text: p.User}},
	}}
	resp, err := client.Models.GenerateContent(ctx, p.Model, contents, &genai.GenerateContentConfig{
		SystemInstruction: &genai.Content{Parts: []*genai.Part{{Text: p.System}}},
	})
	if err != nil {
		var apiErr genai.APIError
		if errors.As(err, &apiErr) {
			return "", statusError("gemini", apiErr.Code, apiErr.Message)
		}
		return "", fmt.Errorf("gemini request failed: %w", err)
	}
	text = resp.Text()
	if text == "" {
		return "", statusError("gemini", http.StatusOK, "response has no text content")
	}
	return text, nil
}

// Anthropic generates text with the Anthropic messages API.
type Anthropic struct {
	BaseURL    string
	HTTPClient *http.Client
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	System    string             `json:"system,omitempty"`
	Messages  []anthropicMessage `json:"messages"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (g *Anthropic) Generate(ctx context.Context, apiKey string, p Prompt) (string, error) {
	body, err := json.Marshal(anthropicRequest{
		Model:     p.Model,
		MaxTokens: anthropicMaxToken,
		System:    p.System,
		Messages:  []anthropicMessage{{Role: "user", Content: p.User}},
	})
	if err != nil {
		return "", fmt.Errorf("marshal anthropic request: %w", err)
	}

	base := g.BaseURL
	if base == "" {
		base = anthropicBaseURL
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimSuffix(base, "/")+"/messages", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create anthropic request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", apiKey)
	req.Header.Set("anthropic-version", anthropicVersion)

	client := g.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("anthropic request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", fmt.Errorf("read anthropic response: %w", err)
	}
	var out anthropicResponse
	decodeErr := json.Unmarshal(raw, &out)

	if resp.StatusCode != http.StatusOK {
		msg := truncate(string(raw), 200)
		if decodeErr == nil && out.Error != nil {
			msg = out.Error.Message
		}
		return "", statusError("anthropic", resp.StatusCode, msg)
	}
	if decodeErr != nil {
		return "", statusError("anthropic", resp.StatusCode, "malformed response: "+truncate(string(raw), 200))
	}

	var sb strings.Builder
	var found bool
	for _, block := range out.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
			found = true
		}
	}
	if !found {
		return "", statusError("anthropic", resp.StatusCode, "response has no text content")
	}
	return sb.String(), nil
}
