package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/convoops/go-callback-backend/internal/apperr"
	"github.com/convoops/go-callback-backend/internal/services"
)

type fakeEngine struct {
	executed     []string
	executeErr   error
	gotStatuses  []services.WebhookStatus
	reconcileErr error
	gotReference string
	resendErr    error
}

func (f *fakeEngine) Execute(ctx context.Context, bot, eventID string) error {
	f.executed = append(f.executed, bot+"/"+eventID)
	return f.executeErr
}

func (f *fakeEngine) Reconcile(ctx context.Context, bot string, statuses []services.WebhookStatus) error {
	f.gotStatuses = statuses
	return f.reconcileErr
}

func (f *fakeEngine) Resend(ctx context.Context, bot, eventID, referenceID string) error {
	f.gotReference = referenceID
	return f.resendErr
}

func broadcastRouter(engine *fakeEngine) *gin.Engine {
	h := NewBroadcastHandlers(engine, nil)
	r := gin.New()
	g := r.Group("/broadcast/:bot")
	{
		g.POST("/:event_id/execute", h.Execute)
		g.POST("/:event_id/resend", h.Resend)
		g.POST("/status", h.Status)
	}
	return r
}

func TestExecute(t *testing.T) {
	engine := &fakeEngine{}
	r := broadcastRouter(engine)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/broadcast/bot1/evt-1/execute", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	if len(engine.executed) != 1 || engine.executed[0] != "bot1/evt-1" {
		t.Fatalf("executed = %v", engine.executed)
	}
}

func TestExecute_ErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"in flight", services.ErrBroadcastInFlight, http.StatusConflict},
		{"not found", services.ErrBroadcastNotFound, http.StatusNotFound},
		{"validation", apperr.New(apperr.KindValidation, "channel not configured"), http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := broadcastRouter(&fakeEngine{executeErr: tc.err})

			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/broadcast/bot1/evt-1/execute", nil))

			if w.Code != tc.want {
				t.Fatalf("status = %d, want %d", w.Code, tc.want)
			}
			body := decodeEnvelope(t, w)
			if body["success"] != false || body["error_code"] != float64(tc.want) {
				t.Fatalf("envelope = %v", body)
			}
		})
	}
}

func TestStatus(t *testing.T) {
	engine := &fakeEngine{}
	r := broadcastRouter(engine)

	payload := `{"statuses":[{"id":"wamid.1","status":"delivered","recipient_id":"4915","connector_type":"whatsapp"}]}`
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/broadcast/bot1/status", strings.NewReader(payload)))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	if len(engine.gotStatuses) != 1 || engine.gotStatuses[0].MessageID != "wamid.1" {
		t.Fatalf("statuses = %v", engine.gotStatuses)
	}
}

func TestStatus_RequiresStatuses(t *testing.T) {
	r := broadcastRouter(&fakeEngine{})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/broadcast/bot1/status", strings.NewReader(`{}`)))

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestResend(t *testing.T) {
	engine := &fakeEngine{}
	r := broadcastRouter(engine)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/broadcast/bot1/evt-1/resend",
		strings.NewReader(`{"reference_id":"ref-9"}`)))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	if engine.gotReference != "ref-9" {
		t.Fatalf("reference = %q", engine.gotReference)
	}
}

func TestResend_RequiresReference(t *testing.T) {
	r := broadcastRouter(&fakeEngine{})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/broadcast/bot1/evt-1/resend",
		strings.NewReader(`{}`)))

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestResend_NotFound(t *testing.T) {
	r := broadcastRouter(&fakeEngine{resendErr: services.ErrBroadcastNotFound})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/broadcast/bot1/evt-1/resend",
		strings.NewReader(`{"reference_id":"ref-9"}`)))

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d", w.Code)
	}
}
