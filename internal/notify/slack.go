package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/KafClaw/KafGenome/internal/bus"
	"github.com/slack-go/slack"
)

// SlackNotifier posts operator-relevant events, such as proposals awaiting
// approval, to one channel.
type SlackNotifier struct {
	api     *slack.Client
	channel string
}

// NewSlackNotifier creates a notifier. apiBase may be empty for slack.com.
func NewSlackNotifier(token, channel, apiBase string) (*SlackNotifier, error) {
	token = strings.TrimSpace(token)
	channel = strings.TrimSpace(channel)
	if token == "" {
		return nil, errors.New("slack token is required")
	}
	if channel == "" {
		return nil, errors.New("slack channel is required")
	}
	opts := []slack.Option{}
	if base := strings.TrimSpace(apiBase); base != "" {
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		opts = append(opts, slack.OptionAPIURL(base))
	}
	return &SlackNotifier{api: slack.New(token, opts...), channel: channel}, nil
}

func (n *SlackNotifier) Name() string { return "slack" }

// Send posts the formatted event. Events without a message are ignored. A
// rate-limited post is retried once after the advertised delay.
func (n *SlackNotifier) Send(ctx context.Context, evt *bus.Event) error {
	text := Format(evt)
	if text == "" {
		return nil
	}
	for attempt := 0; ; attempt++ {
		_, _, err := n.api.PostMessageContext(ctx, n.channel, slack.MsgOptionText(text, false))
		if err == nil {
			return nil
		}
		var rle *slack.RateLimitedError
		if attempt > 0 || !errors.As(err, &rle) {
			return fmt.Errorf("post to %s: %w", n.channel, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(rle.RetryAfter):
		}
	}
}
