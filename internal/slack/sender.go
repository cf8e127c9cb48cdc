// Package slack delivers notifications to Slack and serves the slash commands.
package slack

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/slack-go/slack"
	"github.com/user/pullis/internal/notifier"
)

// Slack error codes that no retry can fix.
var permanentErrors = map[string]bool{
	"channel_not_found": true,
	"not_in_channel":    true,
	"is_archived":       true,
	"invalid_auth":      true,
	"not_authed":        true,
	"account_inactive":  true,
	"token_revoked":     true,
	"invalid_blocks":    true,
	"msg_too_long":      true,
}

// NewClient creates a Slack Web API client. apiURL overrides the default
// endpoint and may be empty.
func NewClient(token, apiURL string) *slack.Client {
	var opts []slack.Option
	if apiURL != "" {
		if !strings.HasSuffix(apiURL, "/") {
			apiURL += "/"
		}
		opts = append(opts, slack.OptionAPIURL(apiURL))
	}
	return slack.New(token, opts...)
}

// Sender posts channel messages with chat.postMessage.
type Sender struct {
	api *slack.Client
}

// NewSender creates a new Slack sender.
func NewSender(api *slack.Client) *Sender {
	return &Sender{api: api}
}

// Send posts msg to its channel.
func (s *Sender) Send(ctx context.Context, msg notifier.ChannelMessage) error {
	_, _, err := s.api.PostMessageContext(ctx, msg.ChannelID,
		slack.MsgOptionText(msg.Text, false),
		slack.MsgOptionBlocks(msg.Blocks...),
	)
	if err != nil {
		return classify(err)
	}
	return nil
}

// classify marks rate limits and unfixable API errors for the dispatcher.
func classify(err error) error {
	var rateErr *slack.RateLimitedError
	if errors.As(err, &rateErr) {
		return notifier.Throttled(err, rateErr.RetryAfter)
	}

	var apiErr slack.SlackErrorResponse
	if errors.As(err, &apiErr) {
		if permanentErrors[apiErr.Err] {
			return notifier.Permanent(fmt.Errorf("slack: %w", err))
		}
		return fmt.Errorf("slack: %w", err)
	}
	return err
}
