package services

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/integration/mtest"

	"github.com/convoops/go-callback-backend/internal/apperr"
	"github.com/convoops/go-callback-backend/internal/domain"
)

type rejectingRegistry struct{ err error }

func (r *rejectingRegistry) Validate(ctx context.Context, token, identifier string, requestBody any) (*domain.CallbackRecord, *domain.CallbackConfig, error) {
	return nil, nil, r.err
}

func (r *rejectingRegistry) UpdateState(ctx context.Context, bot, identifier string, state any, invalidate bool) error {
	return nil
}

func TestProcess_RejectedInvocationLeavesLogRow(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("validation failure writes a failed audit row", func(mt *mtest.T) {
		reg := &rejectingRegistry{err: apperr.New(apperr.KindAuth, "callback ticket has expired")}
		p := NewProcessor(mt.DB, reg, nil, nil, nil, time.Second, 1, zerolog.Nop())

		mt.AddMockResponses(mtest.CreateSuccessResponse())

		request := map[string]any{"type": "POST", "body": map[string]any{"k": "v"}}
		_, err := p.Process(context.Background(), "tok", "id-1", request, "198.51.100.7")
		if apperr.KindOf(err) != apperr.KindAuth {
			mt.Fatalf("err = %v, want auth failure", err)
		}

		evt := mt.GetStartedEvent()
		if evt == nil || evt.CommandName != "insert" {
			mt.Fatalf("started event = %+v", evt)
		}
		var cmd struct {
			Documents []domain.CallbackLog `bson:"documents"`
		}
		if err := bson.Unmarshal(evt.Command, &cmd); err != nil {
			mt.Fatalf("decode insert command: %v", err)
		}
		if len(cmd.Documents) != 1 {
			mt.Fatalf("documents = %+v", cmd.Documents)
		}
		row := cmd.Documents[0]
		if row.Status != domain.CallbackStatusFailed {
			mt.Fatalf("status = %q", row.Status)
		}
		if row.ErrorLog != "callback ticket has expired" {
			mt.Fatalf("error_log = %q", row.ErrorLog)
		}
		if row.Identifier != "id-1" || row.CallbackSource != "198.51.100.7" {
			mt.Fatalf("row identity = %+v", row)
		}
	})
}
