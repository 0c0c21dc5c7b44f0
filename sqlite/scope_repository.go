package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	esi "go.pilab.hu/esi"
)

// ScopeRepository implements esi.ScopeRepository on database/sql.
type ScopeRepository struct {
	db *sql.DB
}

// NewScopeRepository creates a scope catalog over an opened database.
func NewScopeRepository(db *sql.DB) *ScopeRepository {
	return &ScopeRepository{db: db}
}

// GetOrCreate inserts the scope if unseen; INSERT OR IGNORE on the name
// primary key gives first-writer-wins without a read-modify-write race.
func (r *ScopeRepository) GetOrCreate(ctx context.Context, name, description string) (*esi.Scope, error) {
	if _, err := r.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO esi_scope (name, description) VALUES (?, ?);`,
		name, description,
	); err != nil {
		return nil, fmt.Errorf("GetOrCreate %s: %w", name, err)
	}
	return r.Get(ctx, name)
}

func (r *ScopeRepository) Get(ctx context.Context, name string) (*esi.Scope, error) {
	var s esi.Scope
	row := r.db.QueryRowContext(ctx, `SELECT name, description FROM esi_scope WHERE name = ?;`, name)
	if err := row.Scan(&s.Name, &s.Description); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, esi.ErrScopeNotFound
		}
		return nil, fmt.Errorf("Get %s: %w", name, err)
	}
	return &s, nil
}

func (r *ScopeRepository) List(ctx context.Context) ([]*esi.Scope, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT name, description FROM esi_scope ORDER BY name;`)
	if err != nil {
		return nil, fmt.Errorf("List: %w", err)
	}
	defer rows.Close()

	var out []*esi.Scope
	for rows.Next() {
		var s esi.Scope
		if err := rows.Scan(&s.Name, &s.Description); err != nil {
			return nil, fmt.Errorf("List: %w", err)
		}
		out = append(out, &s)
	}
	return out, rows.Err()
}
