package notifier

import (
	"context"
	"fmt"
	"strings"

	"github.com/slack-go/slack"
	"github.com/user/pullis/internal/storage"
	"github.com/user/pullis/pkg/logger"
)

// maxBodyRunes is how much of a pull request description is quoted.
const maxBodyRunes = 200

// actionPhrases maps pull request actions to headline phrases.
var actionPhrases = map[string]string{
	"opened":                 "New pull request",
	"closed":                 "Pull request closed",
	"reopened":               "Pull request reopened",
	"merged":                 "Pull request merged",
	"review_requested":       "Review requested",
	"review_request_removed": "Review request removed",
	"ready_for_review":       "Ready for review",
	"converted_to_draft":     "Converted to draft",
	"labeled":                "Label added",
	"unlabeled":              "Label removed",
	"assigned":               "Assigned",
	"unassigned":             "Unassigned",
	"synchronize":            "New commits pushed",
}

// UserMappingStore resolves GitHub usernames to Slack users.
type UserMappingStore interface {
	FindByExternalUsername(ctx context.Context, githubUsername string) (*storage.UserMapping, error)
}

// ChannelMessage is a notification addressed to one channel.
type ChannelMessage struct {
	ChannelID string        `json:"channel"`
	Text      string        `json:"text"`
	Blocks    []slack.Block `json:"blocks"`
}

// Formatter renders events as Slack Block Kit messages.
type Formatter struct {
	mappings UserMappingStore
}

// NewFormatter creates a new formatter. mappings may be nil.
func NewFormatter(mappings UserMappingStore) *Formatter {
	return &Formatter{mappings: mappings}
}

// ActionPhrase returns the headline for a pull request action.
func ActionPhrase(action string) string {
	if phrase, ok := actionPhrases[action]; ok {
		return phrase
	}
	return "Pull request " + action
}

// Format builds the message for one subscription.
func (f *Formatter) Format(ctx context.Context, event InboundEvent, sub storage.Subscription, repo storage.Repository) ChannelMessage {
	return f.Build(event, sub, repo, f.Mention(ctx, event.ActorUsername))
}

// Mention renders the actor as a Slack mention when a mapping exists, and as
// emphasized text otherwise. Lookup failures are logged, never returned.
func (f *Formatter) Mention(ctx context.Context, githubUsername string) string {
	plain := "*" + escapeMrkdwn(githubUsername) + "*"
	if f.mappings == nil || githubUsername == "" {
		return plain
	}

	mapping, err := f.mappings.FindByExternalUsername(ctx, githubUsername)
	if err != nil {
		logger.Error().Err(err).Str("github_username", githubUsername).Msg("Failed to look up user mapping")
		return plain
	}
	if mapping == nil || mapping.SlackUserID == "" {
		return plain
	}
	return fmt.Sprintf("<@%s>", mapping.SlackUserID)
}

// Build assembles the message from an already resolved mention.
func (f *Formatter) Build(event InboundEvent, sub storage.Subscription, repo storage.Repository, mention string) ChannelMessage {
	p := event.Payload
	phrase := ActionPhrase(event.Action)
	repoName := escapeMrkdwn(repo.FullName)

	headline := slack.NewTextBlockObject(slack.MarkdownType,
		fmt.Sprintf("*<%s|%s#%d: %s>*", p.URL, repoName, p.Number, escapeMrkdwn(p.Title)), false, false)
	button := slack.NewButtonBlockElement("view_pr", "", slack.NewTextBlockObject(slack.PlainTextType, "View PR", true, false))
	button.URL = p.URL

	blocks := []slack.Block{
		slack.NewSectionBlock(headline, nil, slack.NewAccessory(button)),
		slack.NewContextBlock("", slack.NewTextBlockObject(slack.MarkdownType,
			fmt.Sprintf(":git-pull-request: *%s* by %s in *%s*", phrase, mention, repoName), false, false)),
	}

	if p.Body != "" {
		blocks = append(blocks, slack.NewSectionBlock(
			slack.NewTextBlockObject(slack.MarkdownType, escapeMrkdwn(truncateRunes(p.Body, maxBodyRunes)), false, false),
			nil, nil))
	}

	if p.Additions != nil && p.Deletions != nil && p.ChangedFiles != nil {
		blocks = append(blocks, slack.NewContextBlock("", slack.NewTextBlockObject(slack.MarkdownType,
			fmt.Sprintf(":heavy_plus_sign: %d | :heavy_minus_sign: %d | :file_folder: %d files",
				*p.Additions, *p.Deletions, *p.ChangedFiles), false, false)))
	}

	return ChannelMessage{
		ChannelID: sub.SlackChannelID,
		Text:      fmt.Sprintf("%s: %s#%d by %s - %s", phrase, repo.FullName, p.Number, event.ActorUsername, p.Title),
		Blocks:    blocks,
	}
}

// truncateRunes keeps the first n code points of s and marks the cut with "...".
func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}

var mrkdwnEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

// escapeMrkdwn escapes the control characters of Slack mrkdwn.
func escapeMrkdwn(s string) string {
	return mrkdwnEscaper.Replace(s)
}
