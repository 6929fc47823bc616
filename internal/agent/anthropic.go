package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/amurg-ai/scenegate/pkg/protocol"
)

const (
	defaultModel       = "claude-3-5-sonnet-20241022"
	defaultMaxTokens   = 1024
	defaultHistoryTurn = 20
)

// AnthropicConfig configures the Anthropic agent.
type AnthropicConfig struct {
	APIKey       string
	BaseURL      string // optional API endpoint override
	Model        string
	MaxTokens    int
	SystemPrompt string
	MaxHistory   int // messages kept per session; 0 uses 20
}

// Anthropic streams replies from the Anthropic Messages API and keeps a short
// per-session conversation history.
type Anthropic struct {
	client     anthropic.Client
	model      string
	maxTokens  int
	system     string
	maxHistory int
	scenes     SceneReader
	logger     *slog.Logger

	mu      sync.Mutex
	history map[string][]anthropic.MessageParam
}

// NewAnthropic creates an Anthropic agent. scenes may be nil. Extra request
// options are passed to the SDK client.
func NewAnthropic(cfg AnthropicConfig, scenes SceneReader, logger *slog.Logger, opts ...option.RequestOption) (*Anthropic, error) {
	key := strings.TrimSpace(cfg.APIKey)
	if key == "" {
		return nil, errors.New("anthropic agent requires an API key")
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	maxHistory := cfg.MaxHistory
	if maxHistory <= 0 {
		maxHistory = defaultHistoryTurn
	}

	base := []option.RequestOption{option.WithAPIKey(key)}
	if cfg.BaseURL != "" {
		base = append(base, option.WithBaseURL(cfg.BaseURL))
	}
	opts = append(base, opts...)
	return &Anthropic{
		client:     anthropic.NewClient(opts...),
		model:      model,
		maxTokens:  maxTokens,
		system:     cfg.SystemPrompt,
		maxHistory: maxHistory,
		scenes:     scenes,
		logger:     logger.With("component", "agent", "model", model),
		history:    make(map[string][]anthropic.MessageParam),
	}, nil
}

// Respond implements Agent. Each text delta is emitted as an
// unrelated_response token.
func (a *Anthropic) Respond(ctx context.Context, input, sessionKey string, emit EmitFunc) error {
	user := anthropic.NewUserMessage(anthropic.NewTextBlock(input))
	messages := append(a.conversation(sessionKey), user)

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: int64(a.maxTokens),
		Messages:  messages,
	}
	if system := a.systemPrompt(ctx, sessionKey); system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	stream := a.client.Messages.NewStreaming(ctx, params)
	if stream == nil {
		return errors.New("anthropic stream failed: no stream returned")
	}
	defer func() { _ = stream.Close() }()

	var reply strings.Builder
	for stream.Next() {
		event := stream.Current()

		deltaEvent, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent)
		if !ok {
			continue
		}
		textDelta, ok := deltaEvent.Delta.AsAny().(anthropic.TextDelta)
		if !ok || textDelta.Text == "" {
			continue
		}

		reply.WriteString(textDelta.Text)
		if err := emit(Token{Type: protocol.TypeUnrelatedResponse, Text: textDelta.Text}); err != nil {
			return err
		}
	}
	if err := stream.Err(); err != nil {
		return fmt.Errorf("anthropic stream failed: %w", err)
	}

	if reply.Len() > 0 {
		a.remember(sessionKey, user, anthropic.NewAssistantMessage(anthropic.NewTextBlock(reply.String())))
	}
	a.logger.Debug("reply complete", "session_id", sessionKey, "chars", reply.Len())
	return nil
}

// Forget drops the conversation history of a session.
func (a *Anthropic) Forget(sessionKey string) {
	a.mu.Lock()
	delete(a.history, sessionKey)
	a.mu.Unlock()
}

func (a *Anthropic) conversation(sessionKey string) []anthropic.MessageParam {
	a.mu.Lock()
	defer a.mu.Unlock()
	h := a.history[sessionKey]
	out := make([]anthropic.MessageParam, len(h), len(h)+1)
	copy(out, h)
	return out
}

func (a *Anthropic) remember(sessionKey string, msgs ...anthropic.MessageParam) {
	a.mu.Lock()
	defer a.mu.Unlock()
	h := append(a.history[sessionKey], msgs...)
	if over := len(h) - a.maxHistory; over > 0 {
		// Trim in user/assistant pairs so history always starts with a user turn.
		if over%2 == 1 {
			over++
		}
		h = h[over:]
	}
	a.history[sessionKey] = h
}

func (a *Anthropic) systemPrompt(ctx context.Context, sessionKey string) string {
	if a.scenes == nil {
		return a.system
	}
	scene, ok, err := a.scenes.GetScene(ctx, sessionKey)
	if err != nil {
		a.logger.Warn("scene lookup failed", "session_id", sessionKey, "error", err)
		return a.system
	}
	if !ok {
		return a.system
	}
	if a.system == "" {
		return "Current scene:\n" + scene
	}
	return a.system + "\n\nCurrent scene:\n" + scene
}
