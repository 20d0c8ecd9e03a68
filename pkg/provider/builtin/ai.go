package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/smilemakc/checkwave/pkg/models"
	"github.com/smilemakc/checkwave/pkg/provider"
)

// AIProvider runs a chat completion against an OpenAI-compatible API.
//
// Params:
//   - prompt: user prompt (required)
//   - system: optional system prompt
//   - model: defaults to gpt-4o-mini
//   - base_url: alternate endpoint
//   - max_tokens, temperature
//
// When ExecContext.ReuseSessionID is set, the provider continues the prior
// step's conversation instead of starting a fresh one.
type AIProvider struct {
	mu       sync.Mutex
	client   *openai.Client
	sessions map[string][]openai.ChatCompletionMessage
}

// NewAIProvider creates a new ai provider. The API key is read from the
// OPENAI_API_KEY environment variable.
func NewAIProvider() *AIProvider {
	return &AIProvider{
		sessions: make(map[string][]openai.ChatCompletionMessage),
	}
}

// Validate checks the static params.
func (p *AIProvider) Validate(params provider.Params) error {
	return params.Require("prompt")
}

func (p *AIProvider) getClient(params provider.Params) *openai.Client {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.client != nil {
		return p.client
	}

	cfg := openai.DefaultConfig(os.Getenv("OPENAI_API_KEY"))
	if baseURL := params.StringOr("base_url", ""); baseURL != "" {
		cfg.BaseURL = baseURL
	}
	p.client = openai.NewClientWithConfig(cfg)
	return p.client
}

// Execute renders the prompt with dependency outputs and runs the completion.
func (p *AIProvider) Execute(ctx context.Context, input *provider.StepInput, deps provider.DepView, execCtx *provider.ExecContext) (*models.StepResult, error) {
	prompt, err := input.Params.String("prompt")
	if err != nil {
		return nil, err
	}
	prompt = expandOutputRefs(prompt, deps.Outputs())

	sessionKey := execCtx.SessionID + "/" + input.CheckID
	var history []openai.ChatCompletionMessage
	if execCtx.ReuseSessionID != "" {
		p.mu.Lock()
		history = append(history, p.sessions[execCtx.SessionID+"/"+execCtx.ReuseSessionID]...)
		p.mu.Unlock()
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(history)+2)
	if system := input.Params.StringOr("system", ""); system != "" && len(history) == 0 {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}
	messages = append(messages, history...)
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: prompt,
	})

	req := openai.ChatCompletionRequest{
		Model:       input.Params.StringOr("model", "gpt-4o-mini"),
		Messages:    messages,
		MaxTokens:   input.Params.IntOr("max_tokens", 0),
		Temperature: float32(input.Params.IntOr("temperature", 0)),
	}

	started := time.Now()
	resp, err := p.getClient(input.Params).CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("chat completion returned no choices")
	}

	content := resp.Choices[0].Message.Content

	p.mu.Lock()
	p.sessions[sessionKey] = append(messages, resp.Choices[0].Message)
	p.mu.Unlock()

	result := &models.StepResult{Issues: []models.Issue{}, Output: parseAIOutput(content)}
	if execCtx.Debug {
		result.Debug = map[string]any{
			"model":       resp.Model,
			"tokens":      resp.Usage.TotalTokens,
			"duration_ms": time.Since(started).Milliseconds(),
		}
	}
	return result, nil
}

// parseAIOutput decodes a JSON response when the model returned one,
// stripping markdown fences first.
func parseAIOutput(content string) any {
	trimmed := strings.TrimSpace(content)
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimPrefix(trimmed, "```")
		trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
		trimmed = strings.TrimSpace(trimmed)
	}
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		var decoded any
		if err := json.Unmarshal([]byte(trimmed), &decoded); err == nil {
			return decoded
		}
	}
	return content
}

// expandOutputRefs substitutes {{outputs.<id>}} references in the prompt.
func expandOutputRefs(prompt string, outputs map[string]any) string {
	if !strings.Contains(prompt, "{{") {
		return prompt
	}
	for id, output := range outputs {
		ref := "{{outputs." + id + "}}"
		if !strings.Contains(prompt, ref) {
			continue
		}
		encoded, err := json.Marshal(output)
		if err != nil {
			continue
		}
		prompt = strings.ReplaceAll(prompt, ref, string(encoded))
	}
	return prompt
}
