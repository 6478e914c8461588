// Callback configuration, ticket, and log persistence.

package repo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/convoops/go-callback-backend/internal/domain"
)

// ErrNotFound is returned when a lookup matches no document.
var ErrNotFound = errors.New("document not found")

func callbackConfigs(db *mongo.Database) *mongo.Collection {
	return db.Collection(domain.CallbackConfig{}.CollectionName())
}

func callbackRecords(db *mongo.Database) *mongo.Collection {
	return db.Collection(domain.CallbackRecord{}.CollectionName())
}

func callbackLogs(db *mongo.Database) *mongo.Collection {
	return db.Collection(domain.CallbackLog{}.CollectionName())
}

// InsertCallbackConfig stores a new config; the unique (bot, name) index
// rejects duplicates.
func InsertCallbackConfig(ctx context.Context, db *mongo.Database, cfg *domain.CallbackConfig) error {
	cfg.CreatedAt = time.Now().UTC()
	cfg.UpdatedAt = cfg.CreatedAt
	_, err := callbackConfigs(db).InsertOne(ctx, cfg)
	return err
}

// GetCallbackConfig fetches a config by (bot, name).
func GetCallbackConfig(ctx context.Context, db *mongo.Database, bot, name string) (*domain.CallbackConfig, error) {
	var cfg domain.CallbackConfig
	err := callbackConfigs(db).FindOne(ctx, bson.M{"bot": bot, "name": name}).Decode(&cfg)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// GetCallbackConfigByHash fetches a config by its short-token hash.
func GetCallbackConfigByHash(ctx context.Context, db *mongo.Database, tokenHash string) (*domain.CallbackConfig, error) {
	var cfg domain.CallbackConfig
	err := callbackConfigs(db).FindOne(ctx, bson.M{"token_hash": tokenHash}).Decode(&cfg)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// UpdateCallbackConfig replaces mutable fields of an existing config.
func UpdateCallbackConfig(ctx context.Context, db *mongo.Database, cfg *domain.CallbackConfig) error {
	cfg.UpdatedAt = time.Now().UTC()
	res, err := callbackConfigs(db).UpdateOne(ctx,
		bson.M{"bot": cfg.Bot, "name": cfg.Name},
		bson.M{"$set": bson.M{
			"pyscript_code":      cfg.ScriptCode,
			"execution_mode":     cfg.ExecutionMode,
			"expire_in":          cfg.ExpireIn,
			"shorten_token":      cfg.ShortenToken,
			"token_hash":         cfg.TokenHash,
			"token_value":        cfg.TokenValue,
			"standalone":         cfg.Standalone,
			"standalone_id_path": cfg.StandaloneIDPath,
			"updated_at":         cfg.UpdatedAt,
		}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// CacheTokenValue stores the encrypted long token next to its hash.
func CacheTokenValue(ctx context.Context, db *mongo.Database, bot, name, encrypted string) error {
	_, err := callbackConfigs(db).UpdateOne(ctx,
		bson.M{"bot": bot, "name": name},
		bson.M{"$set": bson.M{"token_value": encrypted, "updated_at": time.Now().UTC()}})
	return err
}

// DeleteCallbackConfig removes a config by (bot, name).
func DeleteCallbackConfig(ctx context.Context, db *mongo.Database, bot, name string) error {
	res, err := callbackConfigs(db).DeleteOne(ctx, bson.M{"bot": bot, "name": name})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// InsertCallbackRecord stores a new ticket.
func InsertCallbackRecord(ctx context.Context, db *mongo.Database, rec *domain.CallbackRecord) error {
	_, err := callbackRecords(db).InsertOne(ctx, rec)
	return err
}

// GetCallbackRecord fetches a ticket by (bot, identifier).
func GetCallbackRecord(ctx context.Context, db *mongo.Database, bot, identifier string) (*domain.CallbackRecord, error) {
	var rec domain.CallbackRecord
	err := callbackRecords(db).FindOne(ctx, bson.M{"bot": bot, "identifier": identifier}).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// UpdateCallbackRecordState replaces the opaque state and validity flag.
// Last write wins; the is_valid=false transition is monotonic because no
// caller ever sets it back to true through this path once invalidated.
func UpdateCallbackRecordState(ctx context.Context, db *mongo.Database, bot, identifier string, state any, isValid bool) error {
	res, err := callbackRecords(db).UpdateOne(ctx,
		bson.M{"bot": bot, "identifier": identifier},
		bson.M{"$set": bson.M{"state": state, "is_valid": isValid}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// SetCallbackRecordURL stamps the issued callback URL onto the ticket.
func SetCallbackRecordURL(ctx context.Context, db *mongo.Database, bot, identifier, url string) error {
	res, err := callbackRecords(db).UpdateOne(ctx,
		bson.M{"bot": bot, "identifier": identifier},
		bson.M{"$set": bson.M{"callback_url": url}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteCallbackRecord removes a ticket; used only as the compensating
// action when URL issuance fails mid-way.
func DeleteCallbackRecord(ctx context.Context, db *mongo.Database, bot, identifier string) error {
	_, err := callbackRecords(db).DeleteOne(ctx, bson.M{"bot": bot, "identifier": identifier})
	return err
}

// InsertCallbackLog appends one invocation outcome row.
func InsertCallbackLog(ctx context.Context, db *mongo.Database, entry *domain.CallbackLog) error {
	entry.Timestamp = time.Now().UTC()
	_, err := callbackLogs(db).InsertOne(ctx, entry)
	return err
}

// ListCallbackLogs returns a page of log rows for a bot, newest first,
// along with the total count for pagination.
func ListCallbackLogs(ctx context.Context, db *mongo.Database, bot string, offset, limit int64) ([]domain.CallbackLog, int64, error) {
	filter := bson.M{"bot": bot}
	total, err := callbackLogs(db).CountDocuments(ctx, filter)
	if err != nil {
		return nil, 0, err
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "timestamp", Value: -1}}).
		SetSkip(offset).
		SetLimit(limit)
	cur, err := callbackLogs(db).Find(ctx, filter, opts)
	if err != nil {
		return nil, 0, err
	}
	defer cur.Close(ctx)

	var out []domain.CallbackLog
	if err := cur.All(ctx, &out); err != nil {
		return nil, 0, err
	}
	return out, total, nil
}
