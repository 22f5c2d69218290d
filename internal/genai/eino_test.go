package genai

import (
	"context"
	"errors"
	"testing"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

type fakeChatModel struct {
	got   []*schema.Message
	reply *schema.Message
	err   error
}

func (f *fakeChatModel) Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	f.got = input
	return f.reply, f.err
}

func (f *fakeChatModel) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, errors.New("not implemented")
}

func TestEinoGenerator_ConvertsRoles(t *testing.T) {
	cm := &fakeChatModel{reply: schema.AssistantMessage("hi there", nil)}
	gen := NewEinoGenerator(cm)

	out, err := gen.Generate(context.Background(), Prompt{
		System:   "be kind",
		Messages: []Message{{Role: "user", Content: "hello"}, {Role: "assistant", Content: "hey"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != "hi there" {
		t.Errorf("expected 'hi there', got %q", out)
	}
	if len(cm.got) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(cm.got))
	}
	if cm.got[0].Role != schema.System || cm.got[1].Role != schema.User || cm.got[2].Role != schema.Assistant {
		t.Errorf("unexpected roles: %s %s %s", cm.got[0].Role, cm.got[1].Role, cm.got[2].Role)
	}
}

func TestEinoGenerator_NilReply(t *testing.T) {
	gen := NewEinoGenerator(&fakeChatModel{})
	if _, err := gen.Generate(context.Background(), UserPrompt("s", "u")); !errors.Is(err, ErrNoChoicesReturned) {
		t.Errorf("expected ErrNoChoicesReturned, got %v", err)
	}
}

func TestNewArkGenerator_RequiresKeyAndModel(t *testing.T) {
	t.Setenv("ARK_API_KEY", "")
	if _, err := NewArkGenerator(context.Background(), ArkConfig{Model: "m"}); err == nil {
		t.Error("expected error without API key")
	}
	if _, err := NewArkGenerator(context.Background(), ArkConfig{APIKey: "k"}); err == nil {
		t.Error("expected error without model")
	}
}
