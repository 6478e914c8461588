package repo

import (
	"context"
	"errors"
	"testing"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/integration/mtest"
)

func TestUpdateSendLogByMessageID(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("unknown message id is not found", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateSuccessResponse(
			bson.E{Key: "n", Value: 0},
			bson.E{Key: "nModified", Value: 0},
		))
		err := UpdateSendLogByMessageID(context.Background(), mt.DB, "wamid.missing", "Failed", nil)
		if !errors.Is(err, ErrNotFound) {
			mt.Fatalf("err = %v, want ErrNotFound", err)
		}
	})

	mt.Run("matched row updates cleanly", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateSuccessResponse(
			bson.E{Key: "n", Value: 1},
			bson.E{Key: "nModified", Value: 1},
		))
		if err := UpdateSendLogByMessageID(context.Background(), mt.DB, "wamid.known", "Success", nil); err != nil {
			mt.Fatalf("UpdateSendLogByMessageID: %v", err)
		}
	})

	mt.Run("errors are only set when present", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateSuccessResponse(
			bson.E{Key: "n", Value: 1},
			bson.E{Key: "nModified", Value: 1},
		))
		errs := []any{map[string]any{"code": "131047"}}
		if err := UpdateSendLogByMessageID(context.Background(), mt.DB, "wamid.known", "Failed", errs); err != nil {
			mt.Fatalf("UpdateSendLogByMessageID: %v", err)
		}
		evt := mt.GetStartedEvent()
		if evt == nil || evt.CommandName != "update" {
			mt.Fatalf("started event = %+v", evt)
		}
		var cmd struct {
			Updates []struct {
				U struct {
					Set bson.M `bson:"$set"`
				} `bson:"u"`
			} `bson:"updates"`
		}
		if err := bson.Unmarshal(evt.Command, &cmd); err != nil {
			mt.Fatalf("decode update command: %v", err)
		}
		if len(cmd.Updates) != 1 {
			mt.Fatalf("updates = %+v", cmd.Updates)
		}
		set := cmd.Updates[0].U.Set
		if set["status"] != "Failed" {
			mt.Fatalf("$set.status = %v", set["status"])
		}
		if _, ok := set["errors"]; !ok {
			mt.Fatal("$set.errors missing")
		}
	})
}
