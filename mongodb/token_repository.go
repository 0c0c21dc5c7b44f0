package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	esi "go.pilab.hu/esi"
)

// TokenRepository implements esi.TokenRepository on MongoDB.
type TokenRepository struct {
	tokens *mongo.Collection
}

// NewTokenRepository creates a token repository over a database handle.
func NewTokenRepository(db *mongo.Database) *TokenRepository {
	return &TokenRepository{tokens: db.Collection(TokensCollection)}
}

func (r *TokenRepository) Create(ctx context.Context, token *esi.Token) error {
	if token.ID == "" {
		return errors.New("token id cannot be empty")
	}
	if _, err := r.tokens.InsertOne(ctx, token); err != nil {
		log.Error().Err(err).Str("token_id", token.ID).Msg("Error saving token")
		return fmt.Errorf("failed to save token: %w", err)
	}
	log.Debug().Str("token_id", token.ID).Int64("character_id", token.CharacterID).Msg("Token saved")
	return nil
}

func (r *TokenRepository) GetByID(ctx context.Context, id string) (*esi.Token, error) {
	var token esi.Token
	err := r.tokens.FindOne(ctx, bson.M{"_id": id}).Decode(&token)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, esi.ErrTokenNotFound
		}
		return nil, fmt.Errorf("failed to retrieve token: %w", err)
	}
	return &token, nil
}

func (r *TokenRepository) ListAll(ctx context.Context) ([]*esi.Token, error) {
	return r.list(ctx, bson.M{})
}

func (r *TokenRepository) ListByOwner(ctx context.Context, ownerID string) ([]*esi.Token, error) {
	return r.list(ctx, bson.M{"owner_id": ownerID})
}

func (r *TokenRepository) ListByCharacter(ctx context.Context, characterID int64) ([]*esi.Token, error) {
	return r.list(ctx, bson.M{"character_id": characterID})
}

func (r *TokenRepository) UpdateIdentity(ctx context.Context, token *esi.Token) error {
	update := bson.M{"$set": bson.M{
		"character_id":   token.CharacterID,
		"character_name": token.CharacterName,
		"owner_hash":     token.OwnerHash,
		"token_type":     token.TokenType,
	}}
	result, err := r.tokens.UpdateOne(ctx, bson.M{"_id": token.ID}, update)
	if err != nil {
		return fmt.Errorf("failed to update token identity: %w", err)
	}
	if result.MatchedCount == 0 {
		return esi.ErrTokenNotFound
	}
	return nil
}

// UpdateCredentials filters on the previous refresh token so the update
// is a compare-and-swap; a zero match with an existing document means a
// concurrent rotation won.
func (r *TokenRepository) UpdateCredentials(ctx context.Context, id, expectedRefreshToken, newRefreshToken string, issuedAt time.Time) (bool, error) {
	filter := bson.M{"_id": id, "refresh_token": expectedRefreshToken}
	update := bson.M{"$set": bson.M{
		"refresh_token": newRefreshToken,
		"updated_at":    issuedAt,
	}}
	result, err := r.tokens.UpdateOne(ctx, filter, update)
	if err != nil {
		return false, fmt.Errorf("failed to update token credentials: %w", err)
	}
	if result.MatchedCount > 0 {
		return true, nil
	}

	n, err := r.tokens.CountDocuments(ctx, bson.M{"_id": id})
	if err != nil {
		return false, fmt.Errorf("failed to update token credentials: %w", err)
	}
	if n == 0 {
		return false, esi.ErrTokenNotFound
	}
	return false, nil
}

func (r *TokenRepository) Delete(ctx context.Context, id string) error {
	if _, err := r.tokens.DeleteOne(ctx, bson.M{"_id": id}); err != nil {
		return fmt.Errorf("failed to delete token: %w", err)
	}
	log.Debug().Str("token_id", id).Msg("Token deleted")
	return nil
}

func (r *TokenRepository) list(ctx context.Context, filter bson.M) ([]*esi.Token, error) {
	cursor, err := r.tokens.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to list tokens: %w", err)
	}
	defer cursor.Close(ctx)

	var tokens []*esi.Token
	if err := cursor.All(ctx, &tokens); err != nil {
		return nil, fmt.Errorf("failed to decode tokens: %w", err)
	}
	return tokens, nil
}
