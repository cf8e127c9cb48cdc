package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// UserMappingStore maps GitHub usernames to Slack identities.
type UserMappingStore struct {
	table[UserMapping]
}

// NewUserMappingStore creates a new user mapping store.
func NewUserMappingStore(db *Database) *UserMappingStore {
	return &UserMappingStore{table: newTable[UserMapping](db, "user_mappings")}
}

// FindByExternalUsername returns the mapping for a GitHub username, or nil.
// GitHub logins are case-insensitive.
func (s *UserMappingStore) FindByExternalUsername(ctx context.Context, githubUsername string) (*UserMapping, error) {
	return s.findOne(ctx, `SELECT * FROM user_mappings WHERE github_username = ? COLLATE NOCASE`, githubUsername)
}

// FindBySlackUserID returns every GitHub username mapped to a Slack user.
func (s *UserMappingStore) FindBySlackUserID(ctx context.Context, slackUserID string) ([]UserMapping, error) {
	return s.findMany(ctx,
		`SELECT * FROM user_mappings WHERE slack_user_id = ? ORDER BY github_username`, slackUserID)
}

// UpsertByExternalUsername stores a mapping; the latest write wins.
func (s *UserMappingStore) UpsertByExternalUsername(ctx context.Context, githubUsername, slackUserID, slackUsername string) (*UserMapping, error) {
	query := `
		INSERT INTO user_mappings (id, github_username, slack_user_id, slack_username)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(github_username) DO UPDATE SET
			slack_user_id = excluded.slack_user_id,
			slack_username = excluded.slack_username,
			updated_at = CURRENT_TIMESTAMP
	`
	if _, err := s.db.ExecContext(ctx, query, uuid.NewString(), githubUsername, slackUserID, slackUsername); err != nil {
		return nil, fmt.Errorf("failed to upsert user mapping %s: %w", githubUsername, err)
	}

	mapping, err := s.FindByExternalUsername(ctx, githubUsername)
	if err != nil {
		return nil, err
	}
	if mapping == nil {
		return nil, fmt.Errorf("user mapping %s vanished after upsert", githubUsername)
	}
	return mapping, nil
}
