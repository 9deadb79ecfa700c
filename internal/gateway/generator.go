package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cexll/agentsdk-go/pkg/model"

	"github.com/qooode/solbot/internal/config"
	"github.com/qooode/solbot/internal/history"
)

// Generator writes the bot's reply from the conversation so far.
type Generator interface {
	Generate(ctx context.Context, system string, entries []history.Entry) (string, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, system string, entries []history.Entry) (string, error)

func (f GeneratorFunc) Generate(ctx context.Context, system string, entries []history.Entry) (string, error) {
	return f(ctx, system, entries)
}

// ModelGenerator generates replies through an agentsdk model provider.
type ModelGenerator struct {
	provider  model.Provider
	modelName string
	maxTokens int
}

// NewModelGenerator picks the provider from cfg.Provider.Type; anything other
// than "openai" uses Anthropic.
func NewModelGenerator(cfg *config.Config) *ModelGenerator {
	var provider model.Provider
	switch cfg.Provider.Type {
	case "openai":
		provider = &model.OpenAIProvider{
			APIKey:    cfg.Provider.APIKey,
			BaseURL:   cfg.Provider.BaseURL,
			ModelName: cfg.Agent.Model,
			MaxTokens: cfg.Agent.MaxTokens,
		}
	default:
		provider = &model.AnthropicProvider{
			APIKey:    cfg.Provider.APIKey,
			BaseURL:   cfg.Provider.BaseURL,
			ModelName: cfg.Agent.Model,
			MaxTokens: cfg.Agent.MaxTokens,
		}
	}
	return &ModelGenerator{provider: provider, modelName: cfg.Agent.Model, maxTokens: cfg.Agent.MaxTokens}
}

func (g *ModelGenerator) Generate(ctx context.Context, system string, entries []history.Entry) (string, error) {
	if len(entries) == 0 {
		return "", errors.New("generate reply: empty conversation")
	}
	mdl, err := g.provider.Model(ctx)
	if err != nil {
		return "", fmt.Errorf("create model: %w", err)
	}

	msgs := make([]model.Message, 0, len(entries))
	for _, e := range entries {
		msgs = append(msgs, model.Message{Role: string(e.Role), Content: e.Content})
	}
	resp, err := mdl.Complete(ctx, model.Request{
		Messages:  msgs,
		System:    system,
		Model:     g.modelName,
		MaxTokens: g.maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("generate reply: %w", err)
	}
	if resp == nil {
		return "", nil
	}
	return strings.TrimSpace(resp.Message.Content), nil
}

// systemPrompt returns the configured prompt or a default persona for name.
func systemPrompt(cfg *config.Config) string {
	if p := strings.TrimSpace(cfg.Bot.SystemPrompt); p != "" {
		return p
	}
	name := cfg.Bot.Name
	if name == "" {
		name = config.DefaultName
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "You are %s, a regular member of a community group chat. ", name)
	sb.WriteString("You chime in when you have something useful or fun to add, you keep replies conversational, ")
	sb.WriteString("and you never mention that you are a bot deciding whether to answer. ")
	switch f := cfg.Personality.Formality; {
	case f <= 3:
		sb.WriteString("Write casually, lowercase is fine, skip greetings.")
	case f >= 8:
		sb.WriteString("Write in a polite, well-structured way.")
	default:
		sb.WriteString("Write in a friendly, natural tone.")
	}
	return sb.String()
}
