package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"dealpilot/apps/backend/internal/settings"
)

const defaultModel = "gemini-2.0-flash"

// SettingsService resolves the API key at call time, so a key rotated through
// the settings surface takes effect without a restart.
type SettingsService interface {
	Get(ctx context.Context) (*settings.Settings, error)
}

// DynamicClient is the language-model boundary. CompleteJSON asks the model
// for a JSON object; callers supply their own fallback when it errors.
type DynamicClient struct {
	settingsSvc SettingsService
	client      *genai.Client
	currentKey  string
	mu          sync.RWMutex
	clientOpts  []option.ClientOption
	model       string
}

func NewDynamicClient(svc SettingsService, opts ...option.ClientOption) *DynamicClient {
	return &DynamicClient{
		settingsSvc: svc,
		clientOpts:  opts,
		model:       defaultModel,
	}
}

// CompleteJSON sends the prompt and parses the response as a JSON object.
func (c *DynamicClient) CompleteJSON(ctx context.Context, prompt string) (map[string]any, error) {
	s, err := c.settingsSvc.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get settings: %w", err)
	}
	if s.GeminiAPIKey == "" {
		return nil, fmt.Errorf("gemini api key not configured")
	}

	client, err := c.getClient(ctx, s.GeminiAPIKey)
	if err != nil {
		return nil, err
	}

	model := client.GenerativeModel(c.model)
	model.ResponseMIMEType = "application/json"

	res, err := model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return nil, fmt.Errorf("generate content: %w", err)
	}
	if len(res.Candidates) == 0 || res.Candidates[0].Content == nil || len(res.Candidates[0].Content.Parts) == 0 {
		return nil, fmt.Errorf("empty completion received")
	}

	text, ok := res.Candidates[0].Content.Parts[0].(genai.Text)
	if !ok {
		return nil, fmt.Errorf("unexpected completion part type %T", res.Candidates[0].Content.Parts[0])
	}

	return parseJSONObject(string(text))
}

// parseJSONObject tolerates markdown code fences around the object, which
// some model versions emit despite the JSON response type.
func parseJSONObject(text string) (map[string]any, error) {
	trimmed := strings.TrimSpace(text)
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(trimmed, "```")
	trimmed = strings.TrimSpace(trimmed)

	var out map[string]any
	if err := json.Unmarshal([]byte(trimmed), &out); err != nil {
		return nil, fmt.Errorf("completion is not a JSON object: %w", err)
	}
	return out, nil
}

func (c *DynamicClient) getClient(ctx context.Context, key string) (*genai.Client, error) {
	c.mu.RLock()
	if c.client != nil && c.currentKey == key {
		defer c.mu.RUnlock()
		return c.client, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil && c.currentKey == key {
		return c.client, nil
	}

	if c.client != nil {
		_ = c.client.Close()
	}

	opts := append([]option.ClientOption{option.WithAPIKey(key)}, c.clientOpts...)
	client, err := genai.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	c.client = client
	c.currentKey = key
	return client, nil
}
