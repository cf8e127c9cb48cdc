package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// UserStore tracks the Slack users issuing commands.
type UserStore struct {
	table[User]
}

// NewUserStore creates a new user store.
func NewUserStore(db *Database) *UserStore {
	return &UserStore{table: newTable[User](db, "users")}
}

// FindBySlackID returns the user with the given Slack id, or nil.
func (s *UserStore) FindBySlackID(ctx context.Context, slackUserID string) (*User, error) {
	return s.findOne(ctx, `SELECT * FROM users WHERE slack_user_id = ?`, slackUserID)
}

// UpsertBySlackID creates or refreshes a user record.
func (s *UserStore) UpsertBySlackID(ctx context.Context, slackUserID, slackUsername string) (*User, error) {
	query := `
		INSERT INTO users (id, slack_user_id, slack_username)
		VALUES (?, ?, ?)
		ON CONFLICT(slack_user_id) DO UPDATE SET
			slack_username = CASE WHEN excluded.slack_username = '' THEN users.slack_username ELSE excluded.slack_username END,
			updated_at = CURRENT_TIMESTAMP
	`
	if _, err := s.db.ExecContext(ctx, query, uuid.NewString(), slackUserID, slackUsername); err != nil {
		return nil, fmt.Errorf("failed to upsert user %s: %w", slackUserID, err)
	}

	user, err := s.FindBySlackID(ctx, slackUserID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, fmt.Errorf("user %s vanished after upsert", slackUserID)
	}
	return user, nil
}

// SetGitHubUsername records which GitHub account a Slack user claims.
func (s *UserStore) SetGitHubUsername(ctx context.Context, userID, githubUsername string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE users SET github_username = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		githubUsername, userID)
	if err != nil {
		return err
	}
	return mustAffect(result)
}
