// Broadcast settings and log persistence.

package repo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/convoops/go-callback-backend/internal/domain"
)

func broadcastSettings(db *mongo.Database) *mongo.Collection {
	return db.Collection(domain.MessageBroadcastSettings{}.CollectionName())
}

func broadcastLogs(db *mongo.Database) *mongo.Collection {
	return db.Collection(domain.BroadcastLog{}.CollectionName())
}

// InsertBroadcastSettings stores a new settings document and returns its id.
func InsertBroadcastSettings(ctx context.Context, db *mongo.Database, s *domain.MessageBroadcastSettings) (string, error) {
	s.Timestamp = time.Now().UTC()
	res, err := broadcastSettings(db).InsertOne(ctx, s)
	if err != nil {
		return "", err
	}
	oid := res.InsertedID.(primitive.ObjectID)
	s.ID = oid
	return oid.Hex(), nil
}

// GetBroadcastSettings fetches settings by id within a bot.
func GetBroadcastSettings(ctx context.Context, db *mongo.Database, bot, id string) (*domain.MessageBroadcastSettings, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, ErrNotFound
	}
	var s domain.MessageBroadcastSettings
	err = broadcastSettings(db).FindOne(ctx, bson.M{"_id": oid, "bot": bot}).Decode(&s)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// ActiveBroadcastExists reports whether an active settings document with the
// same (bot, name) already exists, excluding the given id when updating.
func ActiveBroadcastExists(ctx context.Context, db *mongo.Database, bot, name, excludeID string) (bool, error) {
	filter := bson.M{"bot": bot, "name": name, "status": true}
	if excludeID != "" {
		if oid, err := primitive.ObjectIDFromHex(excludeID); err == nil {
			filter["_id"] = bson.M{"$ne": oid}
		}
	}
	n, err := broadcastSettings(db).CountDocuments(ctx, filter)
	return n > 0, err
}

// ReplaceBroadcastSettings updates a settings document in place.
func ReplaceBroadcastSettings(ctx context.Context, db *mongo.Database, s *domain.MessageBroadcastSettings) error {
	s.Timestamp = time.Now().UTC()
	res, err := broadcastSettings(db).ReplaceOne(ctx, bson.M{"_id": s.ID, "bot": s.Bot}, s)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// SoftDeleteBroadcastSettings flips status to false, keeping the document.
func SoftDeleteBroadcastSettings(ctx context.Context, db *mongo.Database, bot, id string) error {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return ErrNotFound
	}
	res, err := broadcastSettings(db).UpdateOne(ctx,
		bson.M{"_id": oid, "bot": bot},
		bson.M{"$set": bson.M{"status": false}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// HardDeleteBroadcastSettings removes the document permanently.
func HardDeleteBroadcastSettings(ctx context.Context, db *mongo.Database, bot, id string) error {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return ErrNotFound
	}
	res, err := broadcastSettings(db).DeleteOne(ctx, bson.M{"_id": oid, "bot": bot})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// InsertBroadcastLog appends one log row (common, send, or otherwise).
func InsertBroadcastLog(ctx context.Context, db *mongo.Database, entry *domain.BroadcastLog) error {
	entry.Timestamp = time.Now().UTC()
	_, err := broadcastLogs(db).InsertOne(ctx, entry)
	return err
}

// ListSendLogs returns all send rows for one execution reference.
func ListSendLogs(ctx context.Context, db *mongo.Database, bot, referenceID string) ([]domain.BroadcastLog, error) {
	cur, err := broadcastLogs(db).Find(ctx, bson.M{
		"bot":          bot,
		"reference_id": referenceID,
		"log_type":     domain.LogTypeSend,
	})
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var out []domain.BroadcastLog
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListFailedSendLogs returns send rows with errors whose error code is not
// in the excluded set; resend candidates.
func ListFailedSendLogs(ctx context.Context, db *mongo.Database, bot, referenceID string, excludedCodes []string) ([]domain.BroadcastLog, error) {
	filter := bson.M{
		"bot":          bot,
		"reference_id": referenceID,
		"log_type":     domain.LogTypeSend,
		"errors":       bson.M{"$exists": true, "$ne": nil},
	}
	if len(excludedCodes) > 0 {
		filter["errors.code"] = bson.M{"$nin": excludedCodes}
	}
	cur, err := broadcastLogs(db).Find(ctx, filter)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var out []domain.BroadcastLog
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateSendLogByMessageID stamps delivery status and errors onto the send
// row matching a provider message id. Idempotent per message id.
func UpdateSendLogByMessageID(ctx context.Context, db *mongo.Database, messageID, status string, errs any) error {
	set := bson.M{"status": status}
	if errs != nil {
		set["errors"] = errs
	}
	res, err := broadcastLogs(db).UpdateOne(ctx,
		bson.M{"message_id": messageID, "log_type": domain.LogTypeSend},
		bson.M{"$set": set})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// GetSendLogByMessageID fetches the send row for one provider message id.
func GetSendLogByMessageID(ctx context.Context, db *mongo.Database, messageID string) (*domain.BroadcastLog, error) {
	var entry domain.BroadcastLog
	err := broadcastLogs(db).FindOne(ctx, bson.M{
		"message_id": messageID,
		"log_type":   domain.LogTypeSend,
	}).Decode(&entry)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// ListBroadcastLogs returns a page of log rows for a bot, newest first.
func ListBroadcastLogs(ctx context.Context, db *mongo.Database, bot string, logType domain.LogType, offset, limit int64) ([]domain.BroadcastLog, int64, error) {
	filter := bson.M{"bot": bot}
	if logType != "" {
		filter["log_type"] = logType
	}
	total, err := broadcastLogs(db).CountDocuments(ctx, filter)
	if err != nil {
		return nil, 0, err
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "timestamp", Value: -1}}).
		SetSkip(offset).
		SetLimit(limit)
	cur, err := broadcastLogs(db).Find(ctx, filter, opts)
	if err != nil {
		return nil, 0, err
	}
	defer cur.Close(ctx)
	var out []domain.BroadcastLog
	if err := cur.All(ctx, &out); err != nil {
		return nil, 0, err
	}
	return out, total, nil
}
