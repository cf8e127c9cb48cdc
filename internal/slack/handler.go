package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/slack-go/slack"
	"github.com/user/pullis/pkg/logger"
)

// Slack allows at most this much form data for a slash command.
const maxCommandSize = 1 << 20

// TaskSubmitter schedules background work.
type TaskSubmitter interface {
	Submit(name string, task func(ctx context.Context) error) error
}

// Executor runs a parsed slash command.
type Executor interface {
	Execute(ctx context.Context, cmd slack.SlashCommand) (*slack.WebhookMessage, error)
}

// CommandHandler verifies slash command requests, acknowledges them and
// answers through the command's response_url from a background task.
type CommandHandler struct {
	signingSecret string
	commands      Executor
	tasks         TaskSubmitter
}

// NewCommandHandler creates a new slash command handler.
func NewCommandHandler(signingSecret string, commands Executor, tasks TaskSubmitter) *CommandHandler {
	return &CommandHandler{
		signingSecret: signingSecret,
		commands:      commands,
		tasks:         tasks,
	}
}

// ServeHTTP handles a slash command request.
func (h *CommandHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	verifier, err := slack.NewSecretsVerifier(r.Header, h.signingSecret)
	if err != nil {
		logger.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Msg("Invalid slash command headers")
		http.Error(w, "Invalid signature", http.StatusUnauthorized)
		return
	}

	body, err := io.ReadAll(io.TeeReader(http.MaxBytesReader(w, r.Body, maxCommandSize), &verifier))
	if err != nil {
		http.Error(w, "Failed to read request", http.StatusBadRequest)
		return
	}
	if err := verifier.Ensure(); err != nil {
		logger.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Msg("Invalid slash command signature")
		http.Error(w, "Invalid signature", http.StatusUnauthorized)
		return
	}

	r.Body = io.NopCloser(bytes.NewReader(body))
	cmd, err := slack.SlashCommandParse(r)
	if err != nil {
		http.Error(w, "Failed to parse command", http.StatusBadRequest)
		return
	}

	err = h.tasks.Submit("command "+cmd.Command, func(ctx context.Context) error {
		return h.run(ctx, cmd)
	})
	if err != nil {
		logger.Warn().Err(err).Str("command", cmd.Command).Msg("Command queue unavailable")
		respond(w, textMessage(":hourglass: Too busy right now, please try again in a moment."))
		return
	}

	w.WriteHeader(http.StatusOK)
}

// run executes cmd and posts the reply. Failures are reported to the user
// with a generic message and returned for logging.
func (h *CommandHandler) run(ctx context.Context, cmd slack.SlashCommand) error {
	reply, err := h.commands.Execute(ctx, cmd)
	if err != nil {
		logger.Error().Err(err).Str("command", cmd.Command).Str("user_id", cmd.UserID).Msg("Command failed")
		reply = textMessage(":warning: Something went wrong, please try again later.")
	}

	if cmd.ResponseURL == "" {
		return err
	}
	if postErr := slack.PostWebhookContext(ctx, cmd.ResponseURL, reply); postErr != nil {
		logger.Error().Err(postErr).Str("command", cmd.Command).Msg("Failed to post command reply")
		if err == nil {
			err = postErr
		}
	}
	return err
}

func respond(w http.ResponseWriter, msg *slack.WebhookMessage) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(msg); err != nil {
		logger.Warn().Err(err).Msg("Failed to write command response")
	}
}
