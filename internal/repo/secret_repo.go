// Bot-scoped secret vault persistence. Values arrive here already encrypted;
// the service layer owns the cipher.

package repo

import (
	"context"
	"errors"
	"regexp"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/convoops/go-callback-backend/internal/domain"
)

func secrets(db *mongo.Database) *mongo.Collection {
	return db.Collection(domain.Secret{}.CollectionName())
}

// UpsertSecret creates or replaces the value for (bot, key).
func UpsertSecret(ctx context.Context, db *mongo.Database, bot, key, encryptedValue string) error {
	now := time.Now().UTC()
	_, err := secrets(db).UpdateOne(ctx,
		bson.M{"bot": bot, "key": key},
		bson.M{
			"$set":         bson.M{"value": encryptedValue, "updated_at": now},
			"$setOnInsert": bson.M{"created_at": now},
		},
		options.Update().SetUpsert(true))
	return err
}

// GetSecret fetches the encrypted value for (bot, key).
func GetSecret(ctx context.Context, db *mongo.Database, bot, key string) (string, error) {
	var s domain.Secret
	err := secrets(db).FindOne(ctx, bson.M{"bot": bot, "key": key}).Decode(&s)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return s.Value, nil
}

// DeleteSecret removes (bot, key). Reference checks happen in the service.
func DeleteSecret(ctx context.Context, db *mongo.Database, bot, key string) error {
	res, err := secrets(db).DeleteOne(ctx, bson.M{"bot": bot, "key": key})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// SecretKeyReferenced reports whether any callback config or broadcast
// script for the bot mentions the secret key. Used as the reference check
// before a secret is deleted.
func SecretKeyReferenced(ctx context.Context, db *mongo.Database, bot, key string) (bool, error) {
	pattern := bson.M{"$regex": regexp.QuoteMeta(key)}

	n, err := callbackConfigs(db).CountDocuments(ctx,
		bson.M{"bot": bot, "pyscript_code": pattern})
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}

	n, err = broadcastSettings(db).CountDocuments(ctx,
		bson.M{"bot": bot, "pyscript": pattern})
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
