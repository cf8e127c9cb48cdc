package storage

import (
	"context"
	"database/sql"
	"errors"
)

// table provides the lookups every entity table shares.
type table[T any] struct {
	db   *Database
	name string
}

func newTable[T any](db *Database, name string) table[T] {
	return table[T]{db: db, name: name}
}

// FindByID returns the row with the given id, or nil if absent.
func (t table[T]) FindByID(ctx context.Context, id string) (*T, error) {
	return t.findOne(ctx, "SELECT * FROM "+t.name+" WHERE id = ?", id)
}

// Delete removes the row with the given id and reports how many rows went away.
func (t table[T]) Delete(ctx context.Context, id string) (int64, error) {
	result, err := t.db.ExecContext(ctx, "DELETE FROM "+t.name+" WHERE id = ?", id)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// Count returns the number of rows in the table.
func (t table[T]) Count(ctx context.Context) (int, error) {
	var n int
	err := t.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM "+t.name)
	return n, err
}

func (t table[T]) findOne(ctx context.Context, query string, args ...any) (*T, error) {
	var row T
	err := t.db.GetContext(ctx, &row, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (t table[T]) findMany(ctx context.Context, query string, args ...any) ([]T, error) {
	var rows []T
	err := t.db.SelectContext(ctx, &rows, query, args...)
	return rows, err
}

func mustAffect(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
