package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// SubscriptionStore handles subscription-related database operations.
type SubscriptionStore struct {
	table[Subscription]
	repos *RepositoryStore
}

// NewSubscriptionStore creates a new subscription store.
func NewSubscriptionStore(db *Database) *SubscriptionStore {
	return &SubscriptionStore{
		table: newTable[Subscription](db, "subscriptions"),
		repos: NewRepositoryStore(db),
	}
}

// FindRepositoryByExternalID resolves a GitHub repository id to its internal record.
func (s *SubscriptionStore) FindRepositoryByExternalID(ctx context.Context, githubID int64) (*Repository, error) {
	return s.repos.FindByExternalID(ctx, githubID)
}

// FindSubscriptionsByRepositoryID returns every subscription on a repository.
func (s *SubscriptionStore) FindSubscriptionsByRepositoryID(ctx context.Context, repositoryID string) ([]Subscription, error) {
	return s.findMany(ctx, `SELECT * FROM subscriptions WHERE repository_id = ?`, repositoryID)
}

// FindByUser returns all subscriptions created by a user.
func (s *SubscriptionStore) FindByUser(ctx context.Context, userID string) ([]Subscription, error) {
	return s.findMany(ctx, `SELECT * FROM subscriptions WHERE user_id = ? ORDER BY created_at`, userID)
}

// FindByChannel returns all subscriptions delivering to a Slack channel.
func (s *SubscriptionStore) FindByChannel(ctx context.Context, channelID string) ([]ChannelSubscription, error) {
	var subs []ChannelSubscription
	query := `
		SELECT s.*, r.full_name AS repository_full_name
		FROM subscriptions s
		JOIN repositories r ON r.id = s.repository_id
		WHERE s.slack_channel_id = ?
		ORDER BY r.full_name
	`
	err := s.db.SelectContext(ctx, &subs, query, channelID)
	return subs, err
}

// FindForUserRepositoryAndChannel returns the subscription for the unique triple, or nil.
func (s *SubscriptionStore) FindForUserRepositoryAndChannel(ctx context.Context, userID, repositoryID, channelID string) (*Subscription, error) {
	return s.findOne(ctx,
		`SELECT * FROM subscriptions WHERE user_id = ? AND repository_id = ? AND slack_channel_id = ?`,
		userID, repositoryID, channelID)
}

// Subscribe creates the subscription for the triple, or replaces its event set
// and re-activates it.
func (s *SubscriptionStore) Subscribe(ctx context.Context, userID, repositoryID, channelID string, events EventSet) (*Subscription, error) {
	query := `
		INSERT INTO subscriptions (id, user_id, repository_id, slack_channel_id, events, is_active)
		VALUES (?, ?, ?, ?, ?, 1)
		ON CONFLICT(user_id, repository_id, slack_channel_id) DO UPDATE SET
			events = excluded.events,
			is_active = 1,
			updated_at = CURRENT_TIMESTAMP
	`
	if _, err := s.db.ExecContext(ctx, query, uuid.NewString(), userID, repositoryID, channelID, events); err != nil {
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	sub, err := s.FindForUserRepositoryAndChannel(ctx, userID, repositoryID, channelID)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, fmt.Errorf("subscription vanished after upsert")
	}
	return sub, nil
}

// Unsubscribe removes the subscription for the triple.
func (s *SubscriptionStore) Unsubscribe(ctx context.Context, userID, repositoryID, channelID string) error {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM subscriptions WHERE user_id = ? AND repository_id = ? AND slack_channel_id = ?`,
		userID, repositoryID, channelID)
	if err != nil {
		return err
	}
	return mustAffect(result)
}

// UpdateEvents replaces the event set of a subscription.
func (s *SubscriptionStore) UpdateEvents(ctx context.Context, subscriptionID string, events EventSet) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE subscriptions SET events = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		events, subscriptionID)
	if err != nil {
		return err
	}
	return mustAffect(result)
}

// SetActive pauses or resumes a subscription.
func (s *SubscriptionStore) SetActive(ctx context.Context, subscriptionID string, active bool) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE subscriptions SET is_active = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		active, subscriptionID)
	if err != nil {
		return err
	}
	return mustAffect(result)
}
