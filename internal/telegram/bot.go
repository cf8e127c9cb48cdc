// Package telegram delivers notifications through a Telegram bot.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/slack-go/slack"
	"github.com/user/pullis/internal/notifier"
	"github.com/user/pullis/internal/storage"
	"github.com/user/pullis/pkg/logger"
)

// UserDirectory resolves chat user ids to display names for mentions.
type UserDirectory interface {
	FindBySlackID(ctx context.Context, userID string) (*storage.User, error)
}

// Sender posts channel messages to Telegram chats. A channel id is either a
// numeric chat id or a public channel username such as "@releases".
type Sender struct {
	api   *tgbotapi.BotAPI
	users UserDirectory
}

// NewSender authorizes the bot token and creates a sender. users may be nil.
func NewSender(token string, debug bool, users UserDirectory) (*Sender, error) {
	return newSender(token, tgbotapi.APIEndpoint, &http.Client{Timeout: 30 * time.Second}, debug, users)
}

func newSender(token, endpoint string, client tgbotapi.HTTPClient, debug bool, users UserDirectory) (*Sender, error) {
	api, err := tgbotapi.NewBotAPIWithClient(token, endpoint, client)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}

	api.Debug = debug

	logger.Info().Str("username", api.Self.UserName).Msg("Telegram bot authorized")

	return &Sender{api: api, users: users}, nil
}

// Send renders msg as HTML and posts it to its chat.
func (s *Sender) Send(ctx context.Context, msg notifier.ChannelMessage) error {
	cfg, err := messageConfig(msg.ChannelID, Render(msg, s.mention(ctx)))
	if err != nil {
		return notifier.Permanent(err)
	}
	return s.send(ctx, cfg)
}

// Reply answers a chat command.
func (s *Sender) Reply(ctx context.Context, chatID int64, reply *slack.WebhookMessage) error {
	cfg, err := messageConfig(strconv.FormatInt(chatID, 10), renderReply(reply, s.mention(ctx)))
	if err != nil {
		return err
	}
	return s.send(ctx, cfg)
}

func (s *Sender) send(ctx context.Context, cfg tgbotapi.MessageConfig) error {
	// the bot API client has no context support
	done := make(chan error, 1)
	go func() {
		_, err := s.api.Send(cfg)
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			logger.Debug().Err(err).Int64("chat_id", cfg.ChatID).Str("channel", cfg.ChannelUsername).Msg("Telegram send failed")
			return classify(err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// mention names mapped users by their stored username, falling back to the id.
func (s *Sender) mention(ctx context.Context) MentionFunc {
	return func(userID string) string {
		name := userID
		if s.users != nil {
			user, err := s.users.FindBySlackID(ctx, userID)
			if err != nil {
				logger.Warn().Err(err).Str("user_id", userID).Msg("Failed to look up mentioned user")
			} else if user != nil && user.SlackUsername != "" {
				name = user.SlackUsername
			}
		}
		return userMention(userID, name)
	}
}

func messageConfig(channelID, text string) (tgbotapi.MessageConfig, error) {
	var cfg tgbotapi.MessageConfig
	switch {
	case strings.HasPrefix(channelID, "@"):
		cfg = tgbotapi.NewMessageToChannel(channelID, text)
	default:
		chatID, err := strconv.ParseInt(channelID, 10, 64)
		if err != nil {
			return cfg, fmt.Errorf("invalid telegram chat id %q", channelID)
		}
		cfg = tgbotapi.NewMessage(chatID, text)
	}
	cfg.ParseMode = tgbotapi.ModeHTML
	cfg.DisableWebPagePreview = true
	return cfg, nil
}

// classify marks flood limits and unreachable chats for the dispatcher.
func classify(err error) error {
	var apiErr *tgbotapi.Error
	if !errors.As(err, &apiErr) {
		return err
	}

	switch {
	case apiErr.RetryAfter > 0:
		return notifier.Throttled(err, time.Duration(apiErr.RetryAfter)*time.Second)
	case apiErr.Code == http.StatusBadRequest, apiErr.Code == http.StatusUnauthorized,
		apiErr.Code == http.StatusForbidden, apiErr.Code == http.StatusNotFound:
		return notifier.Permanent(err)
	}
	return err
}
