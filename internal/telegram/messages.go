package telegram

import (
	"html"
	"regexp"
	"strconv"
	"strings"

	"github.com/slack-go/slack"
	"github.com/user/pullis/internal/notifier"
)

var (
	linkPattern    = regexp.MustCompile(`<([^|<>@][^|<>]*)\|([^<>]+)>`)
	mentionPattern = regexp.MustCompile(`<@([A-Za-z0-9-]+)>`)
	markupPattern  = regexp.MustCompile(`<(?:@[A-Za-z0-9-]+|[^|<>@][^|<>]*\|[^<>]+)>`)
	boldPattern    = regexp.MustCompile(`\*([^*\n]+)\*`)
	italicPattern  = regexp.MustCompile(`(^|\s)_([^_\n]+)_`)
	codePattern    = regexp.MustCompile("`([^`\n]+)`")
)

var emoji = strings.NewReplacer(
	":git-pull-request:", "🔀",
	":heavy_plus_sign:", "➕",
	":heavy_minus_sign:", "➖",
	":file_folder:", "📁",
	":white_check_mark:", "✅",
	":x:", "❌",
	":warning:", "⚠️",
	":link:", "🔗",
	":hourglass:", "⏳",
	":clipboard:", "📋",
	":mailbox_with_no_mail:", "📭",
	":arrow_forward:", "▶️",
	":double_vertical_bar:", "⏸️",
)

// MentionFunc renders a chat user id as Telegram HTML.
type MentionFunc func(userID string) string

// userMention links numeric Telegram user ids; other ids are shown as text.
func userMention(userID, name string) string {
	label := "@" + html.EscapeString(name)
	if _, err := strconv.ParseInt(userID, 10, 64); err != nil {
		return label
	}
	return `<a href="tg://user?id=` + userID + `">` + label + `</a>`
}

func plainMention(userID string) string {
	return userMention(userID, userID)
}

// Render converts a Block Kit message to Telegram HTML. Messages without
// renderable blocks fall back to their plain text. mention may be nil.
func Render(msg notifier.ChannelMessage, mention MentionFunc) string {
	if text := renderBlocks(msg.Blocks, mention); text != "" {
		return text
	}
	return html.EscapeString(msg.Text)
}

// renderReply converts a command reply. Reply text is raw mrkdwn, so
// everything outside link and mention markup is escaped first.
func renderReply(reply *slack.WebhookMessage, mention MentionFunc) string {
	if reply.Blocks != nil {
		if text := renderBlocks(reply.Blocks.BlockSet, mention); text != "" {
			return text
		}
	}
	return mrkdwnToHTML(escapeOutsideMarkup(reply.Text), mention)
}

func renderBlocks(blocks []slack.Block, mention MentionFunc) string {
	var lines []string
	for _, block := range blocks {
		switch b := block.(type) {
		case *slack.SectionBlock:
			if b.Text != nil {
				lines = append(lines, mrkdwnToHTML(b.Text.Text, mention))
			}
		case *slack.ContextBlock:
			var parts []string
			for _, el := range b.ContextElements.Elements {
				if txt, ok := el.(*slack.TextBlockObject); ok {
					parts = append(parts, mrkdwnToHTML(txt.Text, mention))
				}
			}
			if len(parts) > 0 {
				lines = append(lines, strings.Join(parts, " "))
			}
		}
	}
	return strings.Join(lines, "\n\n")
}

// mrkdwnToHTML rewrites entity-escaped Slack mrkdwn: links, mentions, bold,
// italics, code spans and emoji shortcodes.
func mrkdwnToHTML(s string, mention MentionFunc) string {
	if mention == nil {
		mention = plainMention
	}
	s = linkPattern.ReplaceAllStringFunc(s, func(m string) string {
		parts := linkPattern.FindStringSubmatch(m)
		return `<a href="` + strings.ReplaceAll(parts[1], `"`, "&quot;") + `">` + parts[2] + `</a>`
	})
	s = mentionPattern.ReplaceAllStringFunc(s, func(m string) string {
		return mention(mentionPattern.FindStringSubmatch(m)[1])
	})
	s = boldPattern.ReplaceAllString(s, "<b>$1</b>")
	s = italicPattern.ReplaceAllString(s, "$1<i>$2</i>")
	s = codePattern.ReplaceAllString(s, "<code>$1</code>")
	return emoji.Replace(s)
}

func escapeOutsideMarkup(s string) string {
	var b strings.Builder
	last := 0
	for _, loc := range markupPattern.FindAllStringIndex(s, -1) {
		b.WriteString(html.EscapeString(s[last:loc[0]]))
		b.WriteString(s[loc[0]:loc[1]])
		last = loc[1]
	}
	b.WriteString(html.EscapeString(s[last:]))
	return b.String()
}
