package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"

	esi "go.pilab.hu/esi"
)

// CallbackRepository implements esi.CallbackRepository on MongoDB.
type CallbackRepository struct {
	callbacks *mongo.Collection
}

// NewCallbackRepository creates a callback store over a database handle.
func NewCallbackRepository(db *mongo.Database) *CallbackRepository {
	return &CallbackRepository{callbacks: db.Collection(CallbacksCollection)}
}

func (r *CallbackRepository) Save(ctx context.Context, state *esi.CallbackState) error {
	if state.State == "" {
		return errors.New("callback state nonce cannot be empty")
	}
	if _, err := r.callbacks.InsertOne(ctx, state); err != nil {
		return fmt.Errorf("failed to save callback state: %w", err)
	}
	log.Debug().Str("state", state.State).Msg("Callback state saved")
	return nil
}

func (r *CallbackRepository) GetByState(ctx context.Context, state string) (*esi.CallbackState, error) {
	return r.get(ctx, bson.M{"_id": state})
}

func (r *CallbackRepository) GetBySession(ctx context.Context, sessionKey string) (*esi.CallbackState, error) {
	return r.get(ctx, bson.M{"session_key": sessionKey})
}

func (r *CallbackRepository) SetToken(ctx context.Context, state, tokenID string) error {
	result, err := r.callbacks.UpdateOne(ctx,
		bson.M{"_id": state},
		bson.M{"$set": bson.M{"token_id": tokenID}},
	)
	if err != nil {
		return fmt.Errorf("failed to link token to callback state: %w", err)
	}
	if result.MatchedCount == 0 {
		return esi.ErrCallbackNotFound
	}
	return nil
}

func (r *CallbackRepository) Delete(ctx context.Context, state string) error {
	if _, err := r.callbacks.DeleteOne(ctx, bson.M{"_id": state}); err != nil {
		return fmt.Errorf("failed to delete callback state: %w", err)
	}
	return nil
}

func (r *CallbackRepository) DeleteBySession(ctx context.Context, sessionKey string) error {
	if _, err := r.callbacks.DeleteMany(ctx, bson.M{"session_key": sessionKey}); err != nil {
		return fmt.Errorf("failed to delete callback states for session: %w", err)
	}
	return nil
}

func (r *CallbackRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.callbacks.DeleteMany(ctx, bson.M{"created_at": bson.M{"$lt": cutoff}})
	if err != nil {
		return 0, fmt.Errorf("failed to sweep callback states: %w", err)
	}
	return result.DeletedCount, nil
}

func (r *CallbackRepository) get(ctx context.Context, filter bson.M) (*esi.CallbackState, error) {
	var cb esi.CallbackState
	err := r.callbacks.FindOne(ctx, filter).Decode(&cb)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, esi.ErrCallbackNotFound
		}
		return nil, fmt.Errorf("failed to retrieve callback state: %w", err)
	}
	return &cb, nil
}
