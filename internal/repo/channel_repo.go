// Channel connector configuration and conversation-history persistence.

package repo

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/convoops/go-callback-backend/internal/domain"
)

// GetChannelConfig fetches the connector configuration for (bot, connector).
func GetChannelConfig(ctx context.Context, db *mongo.Database, bot, connectorType string) (*domain.ChannelConfig, error) {
	var cfg domain.ChannelConfig
	err := db.Collection(domain.ChannelConfig{}.CollectionName()).
		FindOne(ctx, bson.M{"bot": bot, "connector_type": connectorType}).Decode(&cfg)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// StampChannelCampaign records the campaign id and resend count on the
// channel's config document during webhook reconciliation.
func StampChannelCampaign(ctx context.Context, db *mongo.Database, bot, connectorType, campaignID string, resendCount int) error {
	_, err := db.Collection(domain.ChannelConfig{}.CollectionName()).UpdateOne(ctx,
		bson.M{"bot": bot, "connector_type": connectorType},
		bson.M{"$set": bson.M{"campaign_id": campaignID, "resend_count": resendCount}})
	return err
}

// InsertHistoryRecord appends one record to the per-bot conversation
// history; the dispatcher's fallback sink and the reconciliation pass both
// write here.
func InsertHistoryRecord(ctx context.Context, db *mongo.Database, rec *domain.HistoryRecord) error {
	_, err := db.Collection(domain.HistoryRecord{}.CollectionName()).InsertOne(ctx, rec)
	return err
}
