package slack

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/slack-go/slack"
	"github.com/user/pullis/internal/github"
	"github.com/user/pullis/internal/notifier"
	"github.com/user/pullis/internal/storage"
	"github.com/user/pullis/pkg/logger"
)

// UserStore tracks Slack users issuing commands.
type UserStore interface {
	UpsertBySlackID(ctx context.Context, slackUserID, slackUsername string) (*storage.User, error)
	SetGitHubUsername(ctx context.Context, userID, githubUsername string) error
}

// RepositoryStore resolves and records repositories.
type RepositoryStore interface {
	FindByFullName(ctx context.Context, fullName string) (*storage.Repository, error)
	UpsertByExternalID(ctx context.Context, repo storage.Repository) (*storage.Repository, error)
}

// SubscriptionStore manages channel subscriptions.
type SubscriptionStore interface {
	FindByChannel(ctx context.Context, channelID string) ([]storage.ChannelSubscription, error)
	FindForUserRepositoryAndChannel(ctx context.Context, userID, repositoryID, channelID string) (*storage.Subscription, error)
	Subscribe(ctx context.Context, userID, repositoryID, channelID string, events storage.EventSet) (*storage.Subscription, error)
	Unsubscribe(ctx context.Context, userID, repositoryID, channelID string) error
	UpdateEvents(ctx context.Context, subscriptionID string, events storage.EventSet) error
	SetActive(ctx context.Context, subscriptionID string, active bool) error
}

// UserMappingStore links GitHub usernames to Slack users.
type UserMappingStore interface {
	FindBySlackUserID(ctx context.Context, slackUserID string) ([]storage.UserMapping, error)
	UpsertByExternalUsername(ctx context.Context, githubUsername, slackUserID, slackUsername string) (*storage.UserMapping, error)
}

// RepositoryLookup fetches repositories unknown to the store.
type RepositoryLookup interface {
	LookupRepository(ctx context.Context, owner, repo string) (*storage.Repository, error)
}

// UserProfiles resolves Slack user profiles.
type UserProfiles interface {
	GetUserInfoContext(ctx context.Context, user string) (*slack.User, error)
}

// Commands executes slash commands against the stores.
type Commands struct {
	users    UserStore
	repos    RepositoryStore
	subs     SubscriptionStore
	mappings UserMappingStore
	lookup   RepositoryLookup
	profiles UserProfiles
}

// NewCommands creates a command executor. lookup and profiles may be nil.
func NewCommands(users UserStore, repos RepositoryStore, subs SubscriptionStore, mappings UserMappingStore, lookup RepositoryLookup, profiles UserProfiles) *Commands {
	return &Commands{
		users:    users,
		repos:    repos,
		subs:     subs,
		mappings: mappings,
		lookup:   lookup,
		profiles: profiles,
	}
}

// errUsage marks replies caused by bad input rather than failures.
var errUsage = errors.New("usage")

type usageError struct{ msg string }

func (e *usageError) Error() string { return e.msg }
func (e *usageError) Is(target error) bool {
	return target == errUsage
}

func usagef(format string, args ...any) error {
	return &usageError{msg: fmt.Sprintf(format, args...)}
}

// Execute runs one slash command and returns the reply for its issuer.
// Input problems are answered in the reply; only store and API failures are
// returned as errors.
func (c *Commands) Execute(ctx context.Context, cmd slack.SlashCommand) (*slack.WebhookMessage, error) {
	name, args := commandName(cmd)

	logger.Debug().
		Str("command", name).
		Strs("args", args).
		Str("channel_id", cmd.ChannelID).
		Str("user_id", cmd.UserID).
		Msg("Received command")

	user, err := c.users.UpsertBySlackID(ctx, cmd.UserID, cmd.UserName)
	if err != nil {
		return nil, fmt.Errorf("failed to track user: %w", err)
	}

	var reply *slack.WebhookMessage
	switch name {
	case "subscribe", "sub":
		reply, err = c.subscribe(ctx, user, cmd.ChannelID, args)
	case "unsubscribe", "unsub":
		reply, err = c.unsubscribe(ctx, user, cmd.ChannelID, args)
	case "list":
		reply, err = c.list(ctx, cmd.ChannelID)
	case "events":
		reply, err = c.events(ctx, user, cmd.ChannelID, args)
	case "pause":
		reply, err = c.setActive(ctx, user, cmd.ChannelID, args, false)
	case "resume":
		reply, err = c.setActive(ctx, user, cmd.ChannelID, args, true)
	case "map-user":
		reply, err = c.mapUser(ctx, user, cmd, args)
	default:
		return helpMessage(), nil
	}

	if errors.Is(err, errUsage) {
		return textMessage(":x: " + err.Error()), nil
	}
	return reply, err
}

// commandName supports both dedicated commands ("/subscribe acme/widgets")
// and a single umbrella command ("/pullis subscribe acme/widgets").
func commandName(cmd slack.SlashCommand) (string, []string) {
	name := strings.ToLower(strings.TrimPrefix(cmd.Command, "/"))
	args := strings.Fields(cmd.Text)
	if name == "pullis" || name == "pr" {
		if len(args) == 0 {
			return "help", nil
		}
		return strings.ToLower(args[0]), args[1:]
	}
	return name, args
}

func (c *Commands) subscribe(ctx context.Context, user *storage.User, channelID string, args []string) (*slack.WebhookMessage, error) {
	if len(args) == 0 {
		return nil, usagef("Please specify a repository: `/subscribe owner/repo [event ...]`")
	}

	repo, err := c.resolveRepository(ctx, args[0])
	if err != nil {
		return nil, err
	}

	events, err := eventArgs(args[1:])
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		events = storage.DefaultEvents()
	}

	if _, err := c.subs.Subscribe(ctx, user.ID, repo.ID, channelID, events); err != nil {
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	logger.Info().
		Str("repo", repo.FullName).
		Str("channel_id", channelID).
		Str("user_id", user.ID).
		Strs("events", events).
		Msg("Channel subscribed")

	return textMessage(fmt.Sprintf(":white_check_mark: This channel is now subscribed to *%s* for: %s",
		repo.FullName, formatEvents(events))), nil
}

func (c *Commands) unsubscribe(ctx context.Context, user *storage.User, channelID string, args []string) (*slack.WebhookMessage, error) {
	repo, err := c.knownRepository(ctx, args, "/unsubscribe owner/repo")
	if err != nil {
		return nil, err
	}

	err = c.subs.Unsubscribe(ctx, user.ID, repo.ID, channelID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, usagef("You have no subscription to `%s` in this channel", repo.FullName)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to unsubscribe: %w", err)
	}
	return textMessage(fmt.Sprintf(":white_check_mark: Unsubscribed from *%s*", repo.FullName)), nil
}

func (c *Commands) list(ctx context.Context, channelID string) (*slack.WebhookMessage, error) {
	subs, err := c.subs.FindByChannel(ctx, channelID)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	return listMessage(subs), nil
}

func (c *Commands) events(ctx context.Context, user *storage.User, channelID string, args []string) (*slack.WebhookMessage, error) {
	if len(args) < 2 {
		return nil, usagef("Please specify a repository and events: `/events owner/repo event ...`")
	}
	sub, repo, err := c.ownSubscription(ctx, user, channelID, args[:1], "/events owner/repo event ...")
	if err != nil {
		return nil, err
	}

	events, err := eventArgs(args[1:])
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, usagef("Please specify at least one event")
	}
	if err := c.subs.UpdateEvents(ctx, sub.ID, events); err != nil {
		return nil, fmt.Errorf("failed to update events: %w", err)
	}
	return textMessage(fmt.Sprintf(":white_check_mark: *%s* events set to: %s", repo.FullName, formatEvents(events))), nil
}

func (c *Commands) setActive(ctx context.Context, user *storage.User, channelID string, args []string, active bool) (*slack.WebhookMessage, error) {
	usage := "/pause owner/repo"
	if active {
		usage = "/resume owner/repo"
	}
	sub, repo, err := c.ownSubscription(ctx, user, channelID, args, usage)
	if err != nil {
		return nil, err
	}

	if err := c.subs.SetActive(ctx, sub.ID, active); err != nil {
		return nil, fmt.Errorf("failed to update subscription: %w", err)
	}
	if active {
		return textMessage(fmt.Sprintf(":arrow_forward: Notifications for *%s* resumed", repo.FullName)), nil
	}
	return textMessage(fmt.Sprintf(":double_vertical_bar: Notifications for *%s* paused", repo.FullName)), nil
}

func (c *Commands) mapUser(ctx context.Context, user *storage.User, cmd slack.SlashCommand, args []string) (*slack.WebhookMessage, error) {
	if len(args) == 0 {
		return c.listMappings(ctx, cmd.UserID)
	}
	if len(args) != 1 {
		return nil, usagef("Please specify your GitHub username: `/map-user github-username`")
	}
	githubUsername := strings.TrimPrefix(args[0], "@")

	slackUsername := cmd.UserName
	if c.profiles != nil {
		profile, err := c.profiles.GetUserInfoContext(ctx, cmd.UserID)
		if err != nil {
			logger.Warn().Err(err).Str("user_id", cmd.UserID).Msg("Failed to fetch Slack profile, using command username")
		} else if profile.Name != "" {
			slackUsername = profile.Name
		}
	}

	if _, err := c.mappings.UpsertByExternalUsername(ctx, githubUsername, cmd.UserID, slackUsername); err != nil {
		return nil, fmt.Errorf("failed to map user: %w", err)
	}
	if err := c.users.SetGitHubUsername(ctx, user.ID, githubUsername); err != nil {
		return nil, fmt.Errorf("failed to record github username: %w", err)
	}

	return textMessage(fmt.Sprintf(":link: GitHub user *%s* is now linked to <@%s>", githubUsername, cmd.UserID)), nil
}

func (c *Commands) listMappings(ctx context.Context, slackUserID string) (*slack.WebhookMessage, error) {
	mappings, err := c.mappings.FindBySlackUserID(ctx, slackUserID)
	if err != nil {
		return nil, fmt.Errorf("failed to list mappings: %w", err)
	}
	if len(mappings) == 0 {
		return nil, usagef("You are not linked to a GitHub user yet: `/map-user github-username`")
	}

	names := make([]string, 0, len(mappings))
	for _, m := range mappings {
		names = append(names, "*"+m.GitHubUsername+"*")
	}
	return textMessage(":link: You are linked to GitHub user " + strings.Join(names, ", ")), nil
}

// resolveRepository finds owner/repo in the store, falling back to the
// GitHub API and recording the result.
func (c *Commands) resolveRepository(ctx context.Context, arg string) (*storage.Repository, error) {
	owner, name, err := parseRepoArg(arg)
	if err != nil {
		return nil, usagef("Invalid repository `%s`, expected `owner/repo`", arg)
	}

	repo, err := c.repos.FindByFullName(ctx, owner+"/"+name)
	if err != nil {
		return nil, fmt.Errorf("failed to find repository: %w", err)
	}
	if repo != nil {
		return repo, nil
	}
	if c.lookup == nil {
		return nil, usagef("Repository `%s/%s` is not tracked. Install the GitHub App on it first", owner, name)
	}

	found, err := c.lookup.LookupRepository(ctx, owner, name)
	if errors.Is(err, github.ErrRepositoryNotFound) {
		return nil, usagef("Repository `%s/%s` does not exist or is not accessible", owner, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up repository: %w", err)
	}

	repo, err = c.repos.UpsertByExternalID(ctx, *found)
	if err != nil {
		return nil, fmt.Errorf("failed to record repository: %w", err)
	}
	return repo, nil
}

// knownRepository resolves a repository argument without consulting GitHub.
func (c *Commands) knownRepository(ctx context.Context, args []string, usage string) (*storage.Repository, error) {
	if len(args) == 0 {
		return nil, usagef("Please specify a repository: `%s`", usage)
	}
	owner, name, err := parseRepoArg(args[0])
	if err != nil {
		return nil, usagef("Invalid repository `%s`, expected `owner/repo`", args[0])
	}

	repo, err := c.repos.FindByFullName(ctx, owner+"/"+name)
	if err != nil {
		return nil, fmt.Errorf("failed to find repository: %w", err)
	}
	if repo == nil {
		return nil, usagef("Repository `%s/%s` is not tracked", owner, name)
	}
	return repo, nil
}

// ownSubscription returns the caller's subscription to a repository in channelID.
func (c *Commands) ownSubscription(ctx context.Context, user *storage.User, channelID string, args []string, usage string) (*storage.Subscription, *storage.Repository, error) {
	repo, err := c.knownRepository(ctx, args, usage)
	if err != nil {
		return nil, nil, err
	}

	sub, err := c.subs.FindForUserRepositoryAndChannel(ctx, user.ID, repo.ID, channelID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to find subscription: %w", err)
	}
	if sub == nil {
		return nil, nil, usagef("You have no subscription to `%s` in this channel", repo.FullName)
	}
	return sub, repo, nil
}

// parseRepoArg parses "owner/repo", tolerating a github.com URL.
func parseRepoArg(arg string) (owner, repo string, err error) {
	arg = strings.TrimSpace(arg)
	arg = strings.TrimPrefix(arg, "https://")
	arg = strings.TrimPrefix(arg, "github.com/")
	arg = strings.TrimSuffix(arg, "/")

	parts := strings.Split(arg, "/")
	if len(parts) != 2 {
		return "", "", fmt.Errorf("invalid format")
	}

	owner = strings.TrimSpace(parts[0])
	repo = strings.TrimSpace(parts[1])

	if owner == "" || repo == "" {
		return "", "", fmt.Errorf("empty owner or repo")
	}

	return owner, repo, nil
}

// parseEvents qualifies bare action names with the pull_request category and
// drops duplicates, keeping the given order. Names that can never match are
// returned separately.
func parseEvents(tokens []string) (events storage.EventSet, unknown []string) {
	events = storage.EventSet{}
	for _, token := range tokens {
		for _, part := range strings.Split(token, ",") {
			part = strings.ToLower(strings.TrimSpace(part))
			if part == "" {
				continue
			}
			name := part
			if !strings.Contains(name, ".") {
				name = notifier.CategoryPullRequest + "." + name
			}
			if !notifier.KnownEvent(name) {
				unknown = append(unknown, part)
				continue
			}
			if !events.Contains(name) {
				events = append(events, name)
			}
		}
	}
	return events, unknown
}

// eventArgs parses event arguments, rejecting unknown names.
func eventArgs(tokens []string) (storage.EventSet, error) {
	events, unknown := parseEvents(tokens)
	if len(unknown) > 0 {
		return nil, usagef("Unknown events: `%s`. Try `opened`, `closed`, `merged`, `reopened`, `ready_for_review`, `review_requested`, `synchronize`",
			strings.Join(unknown, "`, `"))
	}
	return events, nil
}
