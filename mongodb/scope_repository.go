package mongodb

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	esi "go.pilab.hu/esi"
)

// ScopeRepository implements esi.ScopeRepository on MongoDB. The scope
// name is the document id, so duplicate creation degrades to a no-op.
type ScopeRepository struct {
	scopes *mongo.Collection
}

// NewScopeRepository creates a scope catalog over a database handle.
func NewScopeRepository(db *mongo.Database) *ScopeRepository {
	return &ScopeRepository{scopes: db.Collection(ScopesCollection)}
}

// GetOrCreate upserts with $setOnInsert: the first writer wins and a
// concurrent creation never overwrites an existing description.
func (r *ScopeRepository) GetOrCreate(ctx context.Context, name, description string) (*esi.Scope, error) {
	filter := bson.M{"_id": name}
	update := bson.M{"$setOnInsert": bson.M{"description": description}}
	if _, err := r.scopes.UpdateOne(ctx, filter, update, options.UpdateOne().SetUpsert(true)); err != nil {
		return nil, fmt.Errorf("failed to upsert scope %s: %w", name, err)
	}
	return r.Get(ctx, name)
}

func (r *ScopeRepository) Get(ctx context.Context, name string) (*esi.Scope, error) {
	var scope esi.Scope
	err := r.scopes.FindOne(ctx, bson.M{"_id": name}).Decode(&scope)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, esi.ErrScopeNotFound
		}
		return nil, fmt.Errorf("failed to retrieve scope %s: %w", name, err)
	}
	return &scope, nil
}

func (r *ScopeRepository) List(ctx context.Context) ([]*esi.Scope, error) {
	cursor, err := r.scopes.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to list scopes: %w", err)
	}
	defer cursor.Close(ctx)

	var scopes []*esi.Scope
	if err := cursor.All(ctx, &scopes); err != nil {
		return nil, fmt.Errorf("failed to decode scopes: %w", err)
	}
	return scopes, nil
}
