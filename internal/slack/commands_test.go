package slack

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/user/pullis/internal/github"
	"github.com/user/pullis/internal/storage"
)

type fakeLookup struct {
	repos map[string]storage.Repository
	err   error
	calls int
}

func (f *fakeLookup) LookupRepository(_ context.Context, owner, repo string) (*storage.Repository, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	r, ok := f.repos[owner+"/"+repo]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", github.ErrRepositoryNotFound, owner, repo)
	}
	return &r, nil
}

type fakeProfiles struct {
	name string
	err  error
}

func (f fakeProfiles) GetUserInfoContext(context.Context, string) (*slack.User, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &slack.User{Name: f.name}, nil
}

type commandFixture struct {
	commands *Commands
	repos    *storage.RepositoryStore
	subs     *storage.SubscriptionStore
	users    *storage.UserStore
	mappings *storage.UserMappingStore
	lookup   *fakeLookup
}

func newCommandFixture(t *testing.T, profiles UserProfiles) *commandFixture {
	t.Helper()
	db, err := storage.NewDatabase(filepath.Join(t.TempDir(), "pullis.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	f := &commandFixture{
		repos:    storage.NewRepositoryStore(db),
		subs:     storage.NewSubscriptionStore(db),
		users:    storage.NewUserStore(db),
		mappings: storage.NewUserMappingStore(db),
		lookup: &fakeLookup{repos: map[string]storage.Repository{
			"acme/widgets": {GitHubID: 42, Name: "widgets", FullName: "acme/widgets", OwnerID: "500", OwnerType: storage.OwnerTypeOrganization},
		}},
	}
	f.commands = NewCommands(f.users, f.repos, f.subs, f.mappings, f.lookup, profiles)
	return f
}

func (f *commandFixture) run(t *testing.T, command, text string) string {
	t.Helper()
	reply, err := f.commands.Execute(context.Background(), slack.SlashCommand{
		Command:   command,
		Text:      text,
		UserID:    "U1",
		UserName:  "alice",
		ChannelID: "C1",
	})
	require.NoError(t, err)
	require.NotNil(t, reply)
	assert.Equal(t, "ephemeral", reply.ResponseType)
	return reply.Text
}

func (f *commandFixture) channelSubs(t *testing.T) []storage.ChannelSubscription {
	t.Helper()
	subs, err := f.subs.FindByChannel(context.Background(), "C1")
	require.NoError(t, err)
	return subs
}

func TestSubscribeLooksUpUnknownRepository(t *testing.T) {
	f := newCommandFixture(t, nil)

	text := f.run(t, "/subscribe", "acme/widgets")
	assert.Contains(t, text, "subscribed to *acme/widgets*")

	subs := f.channelSubs(t)
	require.Len(t, subs, 1)
	assert.Equal(t, "acme/widgets", subs[0].RepositoryFullName)
	assert.Equal(t, storage.DefaultEvents(), subs[0].Events)
	assert.True(t, subs[0].IsActive)

	// the second subscribe resolves from the store
	f.run(t, "/subscribe", "ACME/Widgets opened")
	assert.Equal(t, 1, f.lookup.calls)
	subs = f.channelSubs(t)
	require.Len(t, subs, 1)
	assert.Equal(t, storage.EventSet{"pull_request.opened"}, subs[0].Events)
}

func TestSubscribeWithEvents(t *testing.T) {
	f := newCommandFixture(t, nil)

	f.run(t, "/subscribe", "https://github.com/acme/widgets merged,opened Opened pull_request.labeled")
	subs := f.channelSubs(t)
	require.Len(t, subs, 1)
	assert.Equal(t, storage.EventSet{"pull_request.merged", "pull_request.opened", "pull_request.labeled"}, subs[0].Events)
}

func TestSubscribeErrors(t *testing.T) {
	f := newCommandFixture(t, nil)

	assert.Contains(t, f.run(t, "/subscribe", ""), "Please specify a repository")
	assert.Contains(t, f.run(t, "/subscribe", "not-a-repo"), "Invalid repository")
	assert.Contains(t, f.run(t, "/subscribe", "acme/missing"), "does not exist")
	assert.Empty(t, f.channelSubs(t))

	f.lookup.err = errors.New("connection refused")
	_, err := f.commands.Execute(context.Background(), slack.SlashCommand{
		Command: "/subscribe", Text: "acme/other", UserID: "U1", ChannelID: "C1",
	})
	assert.Error(t, err)
}

func TestUnsubscribe(t *testing.T) {
	f := newCommandFixture(t, nil)

	assert.Contains(t, f.run(t, "/unsubscribe", "acme/widgets"), "not tracked")

	f.run(t, "/subscribe", "acme/widgets")
	assert.Contains(t, f.run(t, "/unsubscribe", "acme/widgets"), "Unsubscribed")
	assert.Empty(t, f.channelSubs(t))

	assert.Contains(t, f.run(t, "/unsubscribe", "acme/widgets"), "no subscription")
}

func TestEventsPauseResume(t *testing.T) {
	f := newCommandFixture(t, nil)
	f.run(t, "/subscribe", "acme/widgets")

	assert.Contains(t, f.run(t, "/events", "acme/widgets synchronize"), "`synchronize`")
	assert.Equal(t, storage.EventSet{"pull_request.synchronize"}, f.channelSubs(t)[0].Events)
	assert.Contains(t, f.run(t, "/events", "acme/widgets"), "Please specify a repository and events")

	assert.Contains(t, f.run(t, "/pause", "acme/widgets"), "paused")
	assert.False(t, f.channelSubs(t)[0].IsActive)

	assert.Contains(t, f.run(t, "/list", ""), "(paused)")

	assert.Contains(t, f.run(t, "/resume", "acme/widgets"), "resumed")
	assert.True(t, f.channelSubs(t)[0].IsActive)
}

func TestCommandsOnlyTouchOwnSubscription(t *testing.T) {
	f := newCommandFixture(t, nil)
	f.run(t, "/subscribe", "acme/widgets")

	reply, err := f.commands.Execute(context.Background(), slack.SlashCommand{
		Command: "/pause", Text: "acme/widgets", UserID: "U2", UserName: "bob", ChannelID: "C1",
	})
	require.NoError(t, err)
	assert.Contains(t, reply.Text, "no subscription")
	assert.True(t, f.channelSubs(t)[0].IsActive)
}

func TestList(t *testing.T) {
	f := newCommandFixture(t, nil)
	assert.Contains(t, f.run(t, "/list", ""), "no subscriptions")

	f.run(t, "/subscribe", "acme/widgets opened merged")
	text := f.run(t, "/list", "")
	assert.Contains(t, text, "(1)")
	assert.Contains(t, text, "<https://github.com/acme/widgets|acme/widgets>")
	assert.Contains(t, text, "`opened`, `merged`")
}

func TestMapUser(t *testing.T) {
	f := newCommandFixture(t, fakeProfiles{name: "alice.slack"})

	assert.Contains(t, f.run(t, "/map-user", "@alice-gh"), "*alice-gh* is now linked to <@U1>")

	mapping, err := f.mappings.FindByExternalUsername(context.Background(), "alice-gh")
	require.NoError(t, err)
	require.NotNil(t, mapping)
	assert.Equal(t, "U1", mapping.SlackUserID)
	assert.Equal(t, "alice.slack", mapping.SlackUsername)

	user, err := f.users.FindBySlackID(context.Background(), "U1")
	require.NoError(t, err)
	require.NotNil(t, user.GitHubUsername)
	assert.Equal(t, "alice-gh", *user.GitHubUsername)

	assert.Contains(t, f.run(t, "/map-user", ""), "linked to GitHub user *alice-gh*")
	assert.Contains(t, f.run(t, "/map-user", "a b"), "Please specify your GitHub username")
}

func TestMapUserWithoutMapping(t *testing.T) {
	f := newCommandFixture(t, nil)
	assert.Contains(t, f.run(t, "/map-user", ""), "not linked to a GitHub user yet")
}

func TestMapUserProfileFailureFallsBack(t *testing.T) {
	f := newCommandFixture(t, fakeProfiles{err: errors.New("missing_scope")})

	f.run(t, "/map-user", "alice-gh")
	mapping, err := f.mappings.FindByExternalUsername(context.Background(), "alice-gh")
	require.NoError(t, err)
	require.NotNil(t, mapping)
	assert.Equal(t, "alice", mapping.SlackUsername)
}

func TestUmbrellaCommandAndHelp(t *testing.T) {
	f := newCommandFixture(t, nil)

	assert.Contains(t, f.run(t, "/pullis", "subscribe acme/widgets"), "subscribed")
	assert.Len(t, f.channelSubs(t), 1)

	assert.Contains(t, f.run(t, "/pullis", ""), "Available commands")
	assert.Contains(t, f.run(t, "/unknown", ""), "Available commands")

	user, err := f.users.FindBySlackID(context.Background(), "U1")
	require.NoError(t, err)
	require.NotNil(t, user, "every command tracks its user")
}

func TestParseEvents(t *testing.T) {
	events, unknown := parseEvents(nil)
	assert.Equal(t, storage.EventSet{}, events)
	assert.Empty(t, unknown)

	events, unknown = parseEvents([]string{"opened,", "pull_request.merged", "OPENED", "opend", "issues.opened"})
	assert.Equal(t, storage.EventSet{"pull_request.opened", "pull_request.merged"}, events)
	assert.Equal(t, []string{"opend", "issues.opened"}, unknown)
}

func TestUnknownEventsAreRejected(t *testing.T) {
	f := newCommandFixture(t, nil)

	assert.Contains(t, f.run(t, "/subscribe", "acme/widgets opend"), "Unknown events: `opend`")
	assert.Empty(t, f.channelSubs(t))

	f.run(t, "/subscribe", "acme/widgets opened")
	assert.Contains(t, f.run(t, "/events", "acme/widgets merged mergd"), "Unknown events: `mergd`")
	assert.Equal(t, storage.EventSet{"pull_request.opened"}, f.channelSubs(t)[0].Events)
}

func TestParseRepoArg(t *testing.T) {
	owner, repo, err := parseRepoArg(" acme/widgets ")
	require.NoError(t, err)
	assert.Equal(t, "acme", owner)
	assert.Equal(t, "widgets", repo)

	for _, bad := range []string{"", "acme", "acme/", "/widgets", "a/b/c"} {
		_, _, err := parseRepoArg(bad)
		assert.Error(t, err, bad)
	}
}
