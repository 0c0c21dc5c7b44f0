// Package mongodb provides a document-store persistence backend for
// deployments already running MongoDB. The relational sqlite backend is
// the default; both implement the same repository interfaces.
package mongodb

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
)

const (
	TokensCollection    = "esi_tokens"
	ScopesCollection    = "esi_scopes"
	CallbacksCollection = "esi_callback_states"
)

// Connect opens a client, verifies the connection and ensures the
// indexes the repositories rely on.
func Connect(ctx context.Context, uri, dbName string) (*mongo.Database, error) {
	clientOptions := options.Client().ApplyURI(uri)
	clientOptions.SetConnectTimeout(10 * time.Second)

	client, err := mongo.Connect(clientOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		return nil, fmt.Errorf("failed to ping MongoDB primary: %w", err)
	}

	db := client.Database(dbName)
	if err := ensureIndexes(ctx, db); err != nil {
		return nil, err
	}

	log.Info().Str("database", dbName).Msg("MongoDB backend initialized")
	return db, nil
}

func ensureIndexes(ctx context.Context, db *mongo.Database) error {
	tokenIdx := []mongo.IndexModel{
		{Keys: bson.D{{Key: "owner_id", Value: 1}}},
		{Keys: bson.D{{Key: "character_id", Value: 1}}},
	}
	if _, err := db.Collection(TokensCollection).Indexes().CreateMany(ctx, tokenIdx); err != nil {
		return fmt.Errorf("failed to create token indexes: %w", err)
	}

	cbIdx := []mongo.IndexModel{
		{Keys: bson.D{{Key: "session_key", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "created_at", Value: 1}}},
	}
	if _, err := db.Collection(CallbacksCollection).Indexes().CreateMany(ctx, cbIdx); err != nil {
		return fmt.Errorf("failed to create callback indexes: %w", err)
	}

	return nil
}
