// Package repo implements the data persistence layer for domain entities,
// backed by MongoDB. This file contains connection bootstrapping and index
// management; the per-entity files expose free functions over a database
// handle so services stay decoupled from driver details.
package repo

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/convoops/go-callback-backend/internal/domain"
)

// Connect opens a MongoDB client and verifies the connection with a ping.
func Connect(ctx context.Context, uri string) (*mongo.Client, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		return nil, err
	}
	return client, nil
}

// EnsureIndexes creates the unique and lookup indexes the callback and
// broadcast paths rely on. Safe to call on every boot.
func EnsureIndexes(ctx context.Context, db *mongo.Database) error {
	unique := options.Index().SetUnique(true)

	_, err := db.Collection(domain.CallbackConfig{}.CollectionName()).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "bot", Value: 1}, {Key: "name", Value: 1}}, Options: unique},
		{Keys: bson.D{{Key: "token_hash", Value: 1}}, Options: options.Index().SetSparse(true)},
	})
	if err != nil {
		return err
	}

	_, err = db.Collection(domain.CallbackRecord{}.CollectionName()).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "bot", Value: 1}, {Key: "identifier", Value: 1}}, Options: unique,
	})
	if err != nil {
		return err
	}

	_, err = db.Collection(domain.CallbackLog{}.CollectionName()).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "bot", Value: 1}, {Key: "identifier", Value: 1}},
	})
	if err != nil {
		return err
	}

	_, err = db.Collection(domain.MessageBroadcastSettings{}.CollectionName()).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "bot", Value: 1}, {Key: "name", Value: 1}, {Key: "status", Value: 1}},
	})
	if err != nil {
		return err
	}

	_, err = db.Collection(domain.BroadcastLog{}.CollectionName()).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "bot", Value: 1}, {Key: "reference_id", Value: 1}, {Key: "log_type", Value: 1}}},
		{Keys: bson.D{{Key: "message_id", Value: 1}}, Options: options.Index().SetSparse(true)},
	})
	if err != nil {
		return err
	}

	_, err = db.Collection(domain.Secret{}.CollectionName()).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "bot", Value: 1}, {Key: "key", Value: 1}}, Options: options.Index().SetUnique(true),
	})
	return err
}
