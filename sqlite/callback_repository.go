package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	esi "go.pilab.hu/esi"
)

// CallbackRepository implements esi.CallbackRepository on database/sql.
type CallbackRepository struct {
	db *sql.DB
}

// NewCallbackRepository creates a callback store over an opened
// database.
func NewCallbackRepository(db *sql.DB) *CallbackRepository {
	return &CallbackRepository{db: db}
}

func (r *CallbackRepository) Save(ctx context.Context, state *esi.CallbackState) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO esi_callback_state (state, session_key, url, token_id, created_at) VALUES (?, ?, ?, ?, ?);`,
		state.State, state.SessionKey, state.URL, state.TokenID, state.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("Save %s: %w", state.State, err)
	}
	return nil
}

func (r *CallbackRepository) GetByState(ctx context.Context, state string) (*esi.CallbackState, error) {
	return r.get(ctx, `SELECT state, session_key, url, token_id, created_at FROM esi_callback_state WHERE state = ?;`, state)
}

func (r *CallbackRepository) GetBySession(ctx context.Context, sessionKey string) (*esi.CallbackState, error) {
	return r.get(ctx, `SELECT state, session_key, url, token_id, created_at FROM esi_callback_state WHERE session_key = ?;`, sessionKey)
}

func (r *CallbackRepository) SetToken(ctx context.Context, state, tokenID string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE esi_callback_state SET token_id = ? WHERE state = ?;`, tokenID, state)
	if err != nil {
		return fmt.Errorf("SetToken %s: %w", state, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return esi.ErrCallbackNotFound
	}
	return nil
}

func (r *CallbackRepository) Delete(ctx context.Context, state string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM esi_callback_state WHERE state = ?;`, state); err != nil {
		return fmt.Errorf("Delete %s: %w", state, err)
	}
	return nil
}

func (r *CallbackRepository) DeleteBySession(ctx context.Context, sessionKey string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM esi_callback_state WHERE session_key = ?;`, sessionKey); err != nil {
		return fmt.Errorf("DeleteBySession: %w", err)
	}
	return nil
}

func (r *CallbackRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM esi_callback_state WHERE created_at < ?;`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("DeleteOlderThan: %w", err)
	}
	return res.RowsAffected()
}

func (r *CallbackRepository) get(ctx context.Context, query string, arg any) (*esi.CallbackState, error) {
	var cb esi.CallbackState
	row := r.db.QueryRowContext(ctx, query, arg)
	if err := row.Scan(&cb.State, &cb.SessionKey, &cb.URL, &cb.TokenID, &cb.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, esi.ErrCallbackNotFound
		}
		return nil, fmt.Errorf("get callback state: %w", err)
	}
	return &cb, nil
}
