package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// RepositoryStore handles repository-related database operations.
type RepositoryStore struct {
	table[Repository]
}

// NewRepositoryStore creates a new repository store.
func NewRepositoryStore(db *Database) *RepositoryStore {
	return &RepositoryStore{table: newTable[Repository](db, "repositories")}
}

// FindByExternalID returns the repository with the given GitHub id, or nil.
func (s *RepositoryStore) FindByExternalID(ctx context.Context, githubID int64) (*Repository, error) {
	return s.findOne(ctx, `SELECT * FROM repositories WHERE github_id = ?`, githubID)
}

// FindByFullName returns the repository named owner/name, or nil.
func (s *RepositoryStore) FindByFullName(ctx context.Context, fullName string) (*Repository, error) {
	return s.findOne(ctx, `SELECT * FROM repositories WHERE full_name = ? COLLATE NOCASE`, fullName)
}

// FindByOwner returns all repositories owned by the given account.
func (s *RepositoryStore) FindByOwner(ctx context.Context, ownerID string, ownerType OwnerType) ([]Repository, error) {
	return s.findMany(ctx,
		`SELECT * FROM repositories WHERE owner_id = ? AND owner_type = ? ORDER BY full_name`,
		ownerID, ownerType)
}

// List returns every tracked repository.
func (s *RepositoryStore) List(ctx context.Context) ([]Repository, error) {
	return s.findMany(ctx, `SELECT * FROM repositories ORDER BY full_name`)
}

// UpsertByExternalID inserts a repository or refreshes its name, visibility
// and owner. The owner changes when a repository is transferred.
func (s *RepositoryStore) UpsertByExternalID(ctx context.Context, repo Repository) (*Repository, error) {
	if repo.GitHubID <= 0 {
		return nil, fmt.Errorf("invalid github id %d", repo.GitHubID)
	}
	if repo.OwnerType == "" {
		repo.OwnerType = OwnerTypeUser
	}

	query := `
		INSERT INTO repositories (id, github_id, name, full_name, private, owner_id, owner_type)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(github_id) DO UPDATE SET
			name = excluded.name,
			full_name = excluded.full_name,
			private = excluded.private,
			owner_id = excluded.owner_id,
			owner_type = excluded.owner_type,
			updated_at = CURRENT_TIMESTAMP
	`
	_, err := s.db.ExecContext(ctx, query,
		uuid.NewString(), repo.GitHubID, repo.Name, repo.FullName, repo.Private, repo.OwnerID, repo.OwnerType)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert repository %s: %w", repo.FullName, err)
	}

	saved, err := s.FindByExternalID(ctx, repo.GitHubID)
	if err != nil {
		return nil, err
	}
	if saved == nil {
		return nil, fmt.Errorf("repository %d vanished after upsert", repo.GitHubID)
	}
	return saved, nil
}
