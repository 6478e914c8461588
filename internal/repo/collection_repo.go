// Generic bot-scoped collection store backing the add_data/get_data script
// helpers. Documents live in one shared collection, partitioned by bot and
// a user-chosen collection name; fields flagged is_secure are encrypted by
// the service before they reach this layer.

package repo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
)

const collectionDataName = "collection_data"

// CollectionEntry is one user document in the generic store.
type CollectionEntry struct {
	ID             primitive.ObjectID `json:"_id"             bson:"_id,omitempty"`
	Bot            string             `json:"bot"             bson:"bot"`
	CollectionName string             `json:"collection_name" bson:"collection_name"`
	IsSecure       []string           `json:"is_secure"       bson:"is_secure"` // field names stored encrypted
	Data           map[string]any     `json:"data"            bson:"data"`
	Timestamp      time.Time          `json:"timestamp"       bson:"timestamp"`
}

func collectionData(db *mongo.Database) *mongo.Collection {
	return db.Collection(collectionDataName)
}

// InsertCollectionEntry adds one document and returns its id.
func InsertCollectionEntry(ctx context.Context, db *mongo.Database, entry *CollectionEntry) (string, error) {
	entry.Timestamp = time.Now().UTC()
	res, err := collectionData(db).InsertOne(ctx, entry)
	if err != nil {
		return "", err
	}
	return res.InsertedID.(primitive.ObjectID).Hex(), nil
}

// FindCollectionEntries returns documents of one bot-scoped collection
// matching the given data filters (exact match per field).
func FindCollectionEntries(ctx context.Context, db *mongo.Database, bot, collection string, filters map[string]any) ([]CollectionEntry, error) {
	query := bson.M{"bot": bot, "collection_name": collection}
	for k, v := range filters {
		query["data."+k] = v
	}
	cur, err := collectionData(db).Find(ctx, query)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var out []CollectionEntry
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateCollectionEntry replaces the data of one document by id.
func UpdateCollectionEntry(ctx context.Context, db *mongo.Database, bot, id string, data map[string]any, isSecure []string) error {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return errors.New("invalid collection entry id")
	}
	res, err := collectionData(db).UpdateOne(ctx,
		bson.M{"_id": oid, "bot": bot},
		bson.M{"$set": bson.M{"data": data, "is_secure": isSecure, "timestamp": time.Now().UTC()}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteCollectionEntry removes one document by id.
func DeleteCollectionEntry(ctx context.Context, db *mongo.Database, bot, id string) error {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return errors.New("invalid collection entry id")
	}
	res, err := collectionData(db).DeleteOne(ctx, bson.M{"_id": oid, "bot": bot})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}
