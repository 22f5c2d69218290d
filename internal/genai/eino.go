package genai

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

// DefaultArkBaseURL is the Volcengine Ark endpoint used when none is configured.
const DefaultArkBaseURL = "https://ark.cn-beijing.volces.com/api/v3"

// EinoGenerator adapts an eino chat model to the Generator interface.
type EinoGenerator struct {
	chatModel model.BaseChatModel
}

var _ Generator = (*EinoGenerator)(nil)

// NewEinoGenerator wraps an existing eino chat model.
func NewEinoGenerator(chatModel model.BaseChatModel) *EinoGenerator {
	return &EinoGenerator{chatModel: chatModel}
}

// ArkConfig configures an Ark-hosted chat model.
type ArkConfig struct {
	APIKey  string
	Model   string
	BaseURL string
	Region  string
}

// NewArkGenerator builds an eino Ark chat model. The API key falls back to ARK_API_KEY.
func NewArkGenerator(ctx context.Context, cfg ArkConfig) (*EinoGenerator, error) {
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("ARK_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("ark API key not set")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("ark model not set")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultArkBaseURL
	}
	if cfg.Region == "" {
		cfg.Region = "cn-beijing"
	}
	slog.Debug("genai.NewArkGenerator: creating ark chat model", "model", cfg.Model, "baseURL", cfg.BaseURL)

	cm, err := ark.NewChatModel(ctx, &ark.ChatModelConfig{
		APIKey:  cfg.APIKey,
		Model:   cfg.Model,
		BaseURL: cfg.BaseURL,
		Region:  cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create ark chat model: %w", err)
	}
	return NewEinoGenerator(cm), nil
}

// Generate converts the prompt into eino schema messages and returns the reply content.
func (e *EinoGenerator) Generate(ctx context.Context, prompt Prompt) (string, error) {
	msgs := make([]*schema.Message, 0, len(prompt.Messages)+1)
	if prompt.System != "" {
		msgs = append(msgs, schema.SystemMessage(prompt.System))
	}
	for _, m := range prompt.Messages {
		switch m.Role {
		case "assistant":
			msgs = append(msgs, schema.AssistantMessage(m.Content, nil))
		case "system":
			msgs = append(msgs, schema.SystemMessage(m.Content))
		default:
			msgs = append(msgs, schema.UserMessage(m.Content))
		}
	}

	out, err := e.chatModel.Generate(ctx, msgs)
	if err != nil {
		return "", err
	}
	if out == nil {
		return "", ErrNoChoicesReturned
	}
	return out.Content, nil
}
