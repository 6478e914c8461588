// Scheduler job-record persistence. The collection layout is the contract
// with the external event server: one document per job id with the next
// fire time and an opaque serialized descriptor.

package repo

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/convoops/go-callback-backend/internal/domain"
)

// InsertSchedulerJob writes one job record into the scheduler collection.
func InsertSchedulerJob(ctx context.Context, db *mongo.Database, collection string, job *domain.SchedulerJob) error {
	_, err := db.Collection(collection).InsertOne(ctx, job)
	return err
}

// GetSchedulerJob fetches a job record by id.
func GetSchedulerJob(ctx context.Context, db *mongo.Database, collection, id string) (*domain.SchedulerJob, error) {
	var job domain.SchedulerJob
	err := db.Collection(collection).FindOne(ctx, bson.M{"_id": id}).Decode(&job)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// DeleteSchedulerJob removes a job record; the compensating action when the
// event server refuses a dispatch reload.
func DeleteSchedulerJob(ctx context.Context, db *mongo.Database, collection, id string) error {
	_, err := db.Collection(collection).DeleteOne(ctx, bson.M{"_id": id})
	return err
}
