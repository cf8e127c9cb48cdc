// Package storage provides database operations and data models.
package storage

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"
)

// ErrNotFound is returned by mutations that target a row which does not exist.
var ErrNotFound = errors.New("not found")

// OwnerType is the kind of account owning a repository.
type OwnerType string

const (
	OwnerTypeUser         OwnerType = "user"
	OwnerTypeOrganization OwnerType = "organization"
)

// ParseOwnerType maps a GitHub account type ("User", "Organization") to an OwnerType.
func ParseOwnerType(accountType string) OwnerType {
	if accountType == "Organization" || accountType == string(OwnerTypeOrganization) {
		return OwnerTypeOrganization
	}
	return OwnerTypeUser
}

// User is a Slack user who has issued at least one command.
type User struct {
	ID             string    `db:"id"`
	SlackUserID    string    `db:"slack_user_id"`
	SlackUsername  string    `db:"slack_username"`
	GitHubUsername *string   `db:"github_username"`
	CreatedAt      time.Time `db:"created_at"`
	UpdatedAt      time.Time `db:"updated_at"`
}

// Repository is the internal record of a tracked GitHub repository.
type Repository struct {
	ID        string    `db:"id"`
	GitHubID  int64     `db:"github_id"`
	Name      string    `db:"name"`
	FullName  string    `db:"full_name"`
	Private   bool      `db:"private"`
	OwnerID   string    `db:"owner_id"`
	OwnerType OwnerType `db:"owner_type"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// Subscription binds a user, a repository and a Slack channel to a set of
// qualified event names.
type Subscription struct {
	ID             string    `db:"id"`
	UserID         string    `db:"user_id"`
	RepositoryID   string    `db:"repository_id"`
	SlackChannelID string    `db:"slack_channel_id"`
	Events         EventSet  `db:"events"`
	IsActive       bool      `db:"is_active"`
	CreatedAt      time.Time `db:"created_at"`
	UpdatedAt      time.Time `db:"updated_at"`
}

// ChannelSubscription is a subscription joined with its repository name.
type ChannelSubscription struct {
	Subscription
	RepositoryFullName string `db:"repository_full_name"`
}

// UserMapping links a GitHub username to a Slack identity.
type UserMapping struct {
	ID             string    `db:"id"`
	GitHubUsername string    `db:"github_username"`
	SlackUserID    string    `db:"slack_user_id"`
	SlackUsername  string    `db:"slack_username"`
	CreatedAt      time.Time `db:"created_at"`
	UpdatedAt      time.Time `db:"updated_at"`
}

// EventSet is a set of qualified event names such as "pull_request.opened",
// stored as a JSON array.
type EventSet []string

// Contains reports exact membership of a qualified event name.
func (s EventSet) Contains(name string) bool {
	return slices.Contains(s, name)
}

// Value implements driver.Valuer.
func (s EventSet) Value() (driver.Value, error) {
	if s == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]string(s))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal events: %w", err)
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (s *EventSet) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*s = EventSet{}
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("unsupported events column type %T", src)
	}

	var events []string
	if err := json.Unmarshal(raw, &events); err != nil {
		return fmt.Errorf("failed to unmarshal events: %w", err)
	}
	*s = events
	return nil
}

// DefaultEvents returns the event set given to new subscriptions.
func DefaultEvents() EventSet {
	return EventSet{
		"pull_request.opened",
		"pull_request.closed",
		"pull_request.reopened",
		"pull_request.merged",
		"pull_request.ready_for_review",
		"pull_request.review_requested",
	}
}
