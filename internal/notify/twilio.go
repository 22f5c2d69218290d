package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// messageCreator is the slice of the Twilio REST API the notifier uses.
type messageCreator interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
}

// TwilioOpts holds configuration options for the Twilio SMS notifier.
type TwilioOpts struct {
	AccountSID string
	AuthToken  string
	From       string
	OnCall     []string
}

// TwilioOption configures a TwilioNotifier.
type TwilioOption func(*TwilioOpts)

func WithAccountSID(sid string) TwilioOption {
	return func(o *TwilioOpts) { o.AccountSID = sid }
}

func WithAuthToken(token string) TwilioOption {
	return func(o *TwilioOpts) { o.AuthToken = token }
}

// WithFrom sets the sending number in E.164 format.
func WithFrom(from string) TwilioOption {
	return func(o *TwilioOpts) { o.From = from }
}

// WithOnCall sets the responder numbers that receive every alert.
func WithOnCall(numbers ...string) TwilioOption {
	return func(o *TwilioOpts) { o.OnCall = append(o.OnCall, numbers...) }
}

// TwilioNotifier sends alerts as SMS to each on-call number.
type TwilioNotifier struct {
	api    messageCreator
	from   string
	onCall []string
}

// NewTwilioNotifier creates a notifier. Unset options fall back to
// TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN, TWILIO_FROM_NUMBER and the
// comma-separated CRISIS_ALERT_TO.
func NewTwilioNotifier(opts ...TwilioOption) (*TwilioNotifier, error) {
	var cfg TwilioOpts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.From == "" {
		cfg.From = os.Getenv("TWILIO_FROM_NUMBER")
	}
	if len(cfg.OnCall) == 0 {
		cfg.OnCall = splitNumbers(os.Getenv("CRISIS_ALERT_TO"))
	}
	slog.Debug("Twilio notifier config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "",
		"From_set", cfg.From != "",
		"onCall", len(cfg.OnCall))

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	if cfg.From == "" {
		return nil, fmt.Errorf("from number must be provided")
	}
	if len(cfg.OnCall) == 0 {
		return nil, fmt.Errorf("at least one on-call number must be provided")
	}

	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return &TwilioNotifier{api: client.Api, from: cfg.From, onCall: cfg.OnCall}, nil
}

// Notify implements Notifier. Every on-call number is attempted; the joined
// error is returned if any delivery fails so the outbox retries the alert.
func (n *TwilioNotifier) Notify(ctx context.Context, a Alert) error {
	body := a.Body()
	var errs []error
	for _, to := range n.onCall {
		if err := ctx.Err(); err != nil {
			return err
		}
		params := &twilioApi.CreateMessageParams{}
		params.SetTo(to)
		params.SetFrom(n.from)
		params.SetBody(body)
		if _, err := n.api.CreateMessage(params); err != nil {
			slog.Error("TwilioNotifier.Notify: send failed", "to", to, "conversationID", a.ConversationID, "error", err)
			errs = append(errs, fmt.Errorf("failed to alert %s: %w", to, err))
			continue
		}
		slog.Debug("TwilioNotifier.Notify: alert sent", "to", to, "conversationID", a.ConversationID)
	}
	return errors.Join(errs...)
}

func splitNumbers(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
