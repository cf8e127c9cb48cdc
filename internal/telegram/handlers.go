package telegram

import (
	"context"
	"strconv"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/slack-go/slack"
	"github.com/user/pullis/pkg/logger"
)

// Executor runs a parsed chat command.
type Executor interface {
	Execute(ctx context.Context, cmd slack.SlashCommand) (*slack.WebhookMessage, error)
}

// TaskSubmitter schedules background work.
type TaskSubmitter interface {
	Submit(name string, task func(ctx context.Context) error) error
}

// Handlers answers bot commands with the shared command executor. The chat
// id takes the place of the channel id, so subscriptions made in a chat are
// delivered back to it.
type Handlers struct {
	sender   *Sender
	commands Executor
	tasks    TaskSubmitter

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// NewHandlers creates a new handlers instance.
func NewHandlers(sender *Sender, commands Executor, tasks TaskSubmitter) *Handlers {
	return &Handlers{
		sender:   sender,
		commands: commands,
		tasks:    tasks,
		done:     make(chan struct{}),
	}
}

// Start begins listening for updates.
func (h *Handlers) Start(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := h.sender.api.GetUpdatesChan(u)

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-h.done:
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				h.handleUpdate(ctx, update)
			}
		}
	}()

	logger.Info().Str("username", h.sender.api.Self.UserName).Msg("Telegram bot started, listening for updates")
}

// Stop gracefully stops the update loop.
func (h *Handlers) Stop() {
	h.once.Do(func() {
		logger.Info().Msg("Stopping Telegram bot")
		close(h.done)
		h.sender.api.StopReceivingUpdates()
	})
	h.wg.Wait()
}

// handleUpdate queues commands from chats and channels; other updates are ignored.
func (h *Handlers) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	msg := update.Message
	if msg == nil {
		msg = update.ChannelPost
	}
	if msg == nil || msg.Chat == nil || !msg.IsCommand() {
		return
	}

	err := h.tasks.Submit("telegram /"+msg.Command(), func(ctx context.Context) error {
		return h.HandleCommand(ctx, msg)
	})
	if err != nil {
		logger.Warn().Err(err).Int64("chat_id", msg.Chat.ID).Msg("Command queue unavailable")
		busy := &slack.WebhookMessage{Text: ":hourglass: Too busy right now, please try again in a moment."}
		if err := h.sender.Reply(ctx, msg.Chat.ID, busy); err != nil {
			logger.Error().Err(err).Int64("chat_id", msg.Chat.ID).Msg("Failed to send reply")
		}
	}
}

// HandleCommand executes one bot command and replies in its chat. Failures
// are reported to the chat with a generic message and returned for logging.
func (h *Handlers) HandleCommand(ctx context.Context, msg *tgbotapi.Message) error {
	cmd := slashCommand(msg)
	log := logger.With("chat_id", cmd.ChannelID)

	log.Debug().
		Str("command", cmd.Command).
		Str("args", cmd.Text).
		Str("user_id", cmd.UserID).
		Msg("Received command")

	reply, err := h.commands.Execute(ctx, cmd)
	if err != nil {
		log.Error().Err(err).Str("command", cmd.Command).Msg("Command failed")
		reply = &slack.WebhookMessage{Text: ":warning: Something went wrong, please try again later."}
	}

	if sendErr := h.sender.Reply(ctx, msg.Chat.ID, reply); sendErr != nil {
		log.Error().Err(sendErr).Msg("Failed to send reply")
		if err == nil {
			err = sendErr
		}
	}
	return err
}

// slashCommand maps a bot command to the executor's command shape. Channel
// posts have no author, so the channel acts as its own user.
func slashCommand(msg *tgbotapi.Message) slack.SlashCommand {
	chatID := strconv.FormatInt(msg.Chat.ID, 10)
	cmd := slack.SlashCommand{
		Command:     "/" + msg.Command(),
		Text:        msg.CommandArguments(),
		ChannelID:   chatID,
		ChannelName: msg.Chat.Title,
		UserID:      chatID,
		UserName:    msg.Chat.Title,
	}

	if msg.From != nil {
		cmd.UserID = strconv.FormatInt(msg.From.ID, 10)
		cmd.UserName = msg.From.UserName
		if cmd.UserName == "" {
			cmd.UserName = strings.TrimSpace(msg.From.FirstName + " " + msg.From.LastName)
		}
	}
	return cmd
}
