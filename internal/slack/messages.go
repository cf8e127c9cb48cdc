package slack

import (
	"fmt"
	"strings"

	"github.com/slack-go/slack"
	"github.com/user/pullis/internal/storage"
)

const helpText = `*Pull request notifications*

*Subscriptions:*
• ` + "`/subscribe owner/repo [event ...]`" + ` - subscribe this channel
• ` + "`/unsubscribe owner/repo`" + ` - remove your subscription
• ` + "`/list`" + ` - show this channel's subscriptions
• ` + "`/events owner/repo event ...`" + ` - choose which events notify
• ` + "`/pause owner/repo`" + ` / ` + "`/resume owner/repo`" + ` - mute or unmute

*Mentions:*
• ` + "`/map-user github-username`" + ` - get mentioned for your pull requests

*Events:* opened, closed, reopened, merged, ready_for_review, review_requested,
converted_to_draft, synchronize, labeled, assigned and the other pull request actions.`

func textMessage(text string) *slack.WebhookMessage {
	return &slack.WebhookMessage{
		Text:         text,
		ResponseType: "ephemeral",
	}
}

func helpMessage() *slack.WebhookMessage {
	section := slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, helpText, false, false), nil, nil)
	msg := textMessage("Available commands: /subscribe, /unsubscribe, /list, /events, /pause, /resume, /map-user")
	msg.Blocks = &slack.Blocks{BlockSet: []slack.Block{section}}
	return msg
}

// listMessage renders a channel's subscriptions, one section per repository.
func listMessage(subs []storage.ChannelSubscription) *slack.WebhookMessage {
	if len(subs) == 0 {
		return textMessage(":mailbox_with_no_mail: This channel has no subscriptions yet. Use `/subscribe owner/repo` to add one.")
	}

	header := fmt.Sprintf(":clipboard: *Subscriptions in this channel (%d)*", len(subs))
	blocks := []slack.Block{
		slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, header, false, false), nil, nil),
		slack.NewDividerBlock(),
	}

	var lines []string
	for i, sub := range subs {
		state := ""
		if !sub.IsActive {
			state = " _(paused)_"
		}
		line := fmt.Sprintf("%d. <https://github.com/%s|%s>%s\n%s",
			i+1, sub.RepositoryFullName, sub.RepositoryFullName, state, formatEvents(sub.Events))
		lines = append(lines, line)
		blocks = append(blocks, slack.NewSectionBlock(
			slack.NewTextBlockObject(slack.MarkdownType, line, false, false), nil, nil))
	}

	msg := textMessage(header + "\n" + strings.Join(lines, "\n"))
	msg.Blocks = &slack.Blocks{BlockSet: blocks}
	return msg
}

// formatEvents lists events without the default category prefix.
func formatEvents(events storage.EventSet) string {
	if len(events) == 0 {
		return "_no events_"
	}
	names := make([]string, 0, len(events))
	for _, e := range events {
		names = append(names, "`"+strings.TrimPrefix(e, "pull_request.")+"`")
	}
	return strings.Join(names, ", ")
}
