package notifier

import (
	"context"
	"fmt"

	"github.com/user/pullis/internal/storage"
	"github.com/user/pullis/pkg/logger"
)

// SubscriptionStore is the read side of subscription storage used for matching.
type SubscriptionStore interface {
	FindRepositoryByExternalID(ctx context.Context, githubID int64) (*storage.Repository, error)
	FindSubscriptionsByRepositoryID(ctx context.Context, repositoryID string) ([]storage.Subscription, error)
}

// Match is a subscription that wants an event, with its repository.
type Match struct {
	Subscription storage.Subscription
	Repository   storage.Repository
}

// Matcher finds the subscriptions interested in an event.
type Matcher struct {
	store SubscriptionStore
}

// NewMatcher creates a new matcher.
func NewMatcher(store SubscriptionStore) *Matcher {
	return &Matcher{store: store}
}

// Match returns the active subscriptions whose event set contains the event's
// qualified name. An unknown repository yields no matches and no error.
// The result has no defined order.
func (m *Matcher) Match(ctx context.Context, event InboundEvent) ([]Match, error) {
	if err := event.Validate(); err != nil {
		return nil, err
	}

	repo, err := m.store.FindRepositoryByExternalID(ctx, event.RepositoryExternalID)
	if err != nil {
		return nil, fmt.Errorf("failed to find repository %d: %w", event.RepositoryExternalID, err)
	}
	if repo == nil {
		logger.Debug().
			Int64("github_id", event.RepositoryExternalID).
			Str("event", event.QualifiedName()).
			Msg("Repository not tracked, skipping")
		return nil, nil
	}

	subs, err := m.store.FindSubscriptionsByRepositoryID(ctx, repo.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to get subscriptions for %s: %w", repo.FullName, err)
	}

	name := event.QualifiedName()
	var matches []Match
	for _, sub := range subs {
		if !sub.IsActive || !sub.Events.Contains(name) {
			continue
		}
		matches = append(matches, Match{Subscription: sub, Repository: *repo})
	}

	if len(matches) == 0 {
		logger.Debug().
			Str("repo", repo.FullName).
			Str("event", name).
			Int("subscriptions", len(subs)).
			Msg("No subscribers for this event")
	}
	return matches, nil
}
