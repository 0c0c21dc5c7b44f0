package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	esi "go.pilab.hu/esi"
)

// TokenRepository implements esi.TokenRepository on database/sql.
type TokenRepository struct {
	db *sql.DB
}

// NewTokenRepository creates a token repository over an opened database.
func NewTokenRepository(db *sql.DB) *TokenRepository {
	return &TokenRepository{db: db}
}

const tokenColumns = `id, owner_id, character_id, character_name, owner_hash, token_type, refresh_token, datasource, created_at, updated_at`

func (r *TokenRepository) Create(ctx context.Context, token *esi.Token) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("Create: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO esi_token (`+tokenColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		token.ID, token.OwnerID, token.CharacterID, token.CharacterName, token.OwnerHash,
		string(token.TokenType), token.RefreshToken, token.Datasource, token.CreatedAt, token.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("Create token %s: %w", token.ID, err)
	}

	for _, scope := range token.Scopes {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO esi_scope (name, description) VALUES (?, ?);`,
			scope.Name, scope.Description,
		); err != nil {
			return fmt.Errorf("Create scope %s: %w", scope.Name, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO esi_token_scope (token_id, scope_name) VALUES (?, ?);`,
			token.ID, scope.Name,
		); err != nil {
			return fmt.Errorf("Create grant %s/%s: %w", token.ID, scope.Name, err)
		}
	}

	return tx.Commit()
}

func (r *TokenRepository) GetByID(ctx context.Context, id string) (*esi.Token, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+tokenColumns+` FROM esi_token WHERE id = ?;`, id)
	token, err := scanToken(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, esi.ErrTokenNotFound
		}
		return nil, fmt.Errorf("GetByID %s: %w", id, err)
	}
	if err := r.loadScopes(ctx, token); err != nil {
		return nil, err
	}
	return token, nil
}

func (r *TokenRepository) ListAll(ctx context.Context) ([]*esi.Token, error) {
	return r.list(ctx, `SELECT `+tokenColumns+` FROM esi_token ORDER BY id;`)
}

func (r *TokenRepository) ListByOwner(ctx context.Context, ownerID string) ([]*esi.Token, error) {
	return r.list(ctx, `SELECT `+tokenColumns+` FROM esi_token WHERE owner_id = ? ORDER BY id;`, ownerID)
}

func (r *TokenRepository) ListByCharacter(ctx context.Context, characterID int64) ([]*esi.Token, error) {
	return r.list(ctx, `SELECT `+tokenColumns+` FROM esi_token WHERE character_id = ? ORDER BY id;`, characterID)
}

func (r *TokenRepository) UpdateIdentity(ctx context.Context, token *esi.Token) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE esi_token SET character_id = ?, character_name = ?, owner_hash = ?, token_type = ? WHERE id = ?;`,
		token.CharacterID, token.CharacterName, token.OwnerHash, string(token.TokenType), token.ID,
	)
	if err != nil {
		return fmt.Errorf("UpdateIdentity %s: %w", token.ID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return esi.ErrTokenNotFound
	}
	return nil
}

// UpdateCredentials rotates the refresh token with a guarded update: the
// WHERE clause on the previous refresh token is the compare-and-swap
// that catches concurrent rotations.
func (r *TokenRepository) UpdateCredentials(ctx context.Context, id, expectedRefreshToken, newRefreshToken string, issuedAt time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE esi_token SET refresh_token = ?, updated_at = ? WHERE id = ? AND refresh_token = ?;`,
		newRefreshToken, issuedAt, id, expectedRefreshToken,
	)
	if err != nil {
		return false, fmt.Errorf("UpdateCredentials %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("UpdateCredentials %s: %w", id, err)
	}
	if n > 0 {
		return true, nil
	}

	// Distinguish a lost CAS from a missing record.
	var exists int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM esi_token WHERE id = ?;`, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("UpdateCredentials %s: %w", id, err)
	}
	if exists == 0 {
		return false, esi.ErrTokenNotFound
	}
	return false, nil
}

func (r *TokenRepository) Delete(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM esi_token WHERE id = ?;`, id); err != nil {
		return fmt.Errorf("Delete %s: %w", id, err)
	}
	return nil
}

func (r *TokenRepository) list(ctx context.Context, query string, args ...any) ([]*esi.Token, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tokens: %w", err)
	}
	defer rows.Close()

	var tokens []*esi.Token
	for rows.Next() {
		token, err := scanToken(rows)
		if err != nil {
			return nil, fmt.Errorf("list tokens: %w", err)
		}
		tokens = append(tokens, token)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list tokens: %w", err)
	}

	for _, token := range tokens {
		if err := r.loadScopes(ctx, token); err != nil {
			return nil, err
		}
	}
	return tokens, nil
}

func (r *TokenRepository) loadScopes(ctx context.Context, token *esi.Token) error {
	rows, err := r.db.QueryContext(ctx,
		`SELECT s.name, s.description
		 FROM esi_scope s JOIN esi_token_scope ts ON ts.scope_name = s.name
		 WHERE ts.token_id = ? ORDER BY s.name;`, token.ID)
	if err != nil {
		return fmt.Errorf("loadScopes %s: %w", token.ID, err)
	}
	defer rows.Close()

	token.Scopes = nil
	for rows.Next() {
		var s esi.Scope
		if err := rows.Scan(&s.Name, &s.Description); err != nil {
			return fmt.Errorf("loadScopes %s: %w", token.ID, err)
		}
		token.Scopes = append(token.Scopes, s)
	}
	return rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanToken(row rowScanner) (*esi.Token, error) {
	var (
		t         esi.Token
		tokenType string
	)
	err := row.Scan(
		&t.ID, &t.OwnerID, &t.CharacterID, &t.CharacterName, &t.OwnerHash,
		&tokenType, &t.RefreshToken, &t.Datasource, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.TokenType = esi.TokenType(tokenType)
	return &t, nil
}
