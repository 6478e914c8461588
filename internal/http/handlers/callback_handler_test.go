package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/convoops/go-callback-backend/internal/apperr"
	"github.com/convoops/go-callback-backend/internal/sandbox"
)

func init() { gin.SetMode(gin.TestMode) }

type fakeProcessor struct {
	gotToken      string
	gotIdentifier string
	gotRequest    map[string]any
	gotBot        string
	gotScript     string
	processOut    any
	processErr    error
	runOut        map[string]any
	runErr        error
}

func (f *fakeProcessor) Process(ctx context.Context, token, identifier string, request map[string]any, sourceIP string) (any, error) {
	f.gotToken, f.gotIdentifier, f.gotRequest = token, identifier, request
	return f.processOut, f.processErr
}

func (f *fakeProcessor) RunScript(ctx context.Context, bot, source string, predefined map[string]any) (map[string]any, error) {
	f.gotBot, f.gotScript = bot, source
	return f.runOut, f.runErr
}

type fakeOpener struct {
	plain string
	err   error
}

func (f *fakeOpener) Decrypt(sealed string) (string, error) { return f.plain, f.err }

func callbackRouter(p *fakeProcessor, opener TokenOpener) *gin.Engine {
	h := NewCallbackHandlers(p, opener, "jwt-secret", "HS256")
	r := gin.New()
	for _, method := range []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete} {
		r.Handle(method, "/callback/d/:identifier/:token", h.Dialog)
	}
	for _, method := range []string{http.MethodPost, http.MethodPut, http.MethodPatch} {
		r.Handle(method, "/callback/s/:token", h.Standalone)
	}
	r.POST("/callback/handle_event", h.HandleEvent)
	r.POST("/main_pyscript", h.ExecutePython)
	return r
}

func decodeEnvelope(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("response is not JSON: %v: %s", err, w.Body.String())
	}
	for _, key := range []string{"message", "data", "error_code", "success"} {
		if _, present := body[key]; !present {
			t.Fatalf("envelope missing %q: %v", key, body)
		}
	}
	return body
}

func TestDialog_Success(t *testing.T) {
	p := &fakeProcessor{processOut: map[string]any{"reply": "done"}}
	r := callbackRouter(p, &fakeOpener{})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/callback/d/id-1/tok-1?step=2",
		strings.NewReader(`{"choice":"a"}`))
	req.Header.Set("X-Source", "widget")
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	body := decodeEnvelope(t, w)
	if body["success"] != true || body["error_code"] != float64(0) {
		t.Fatalf("envelope = %v", body)
	}
	if p.gotToken != "tok-1" || p.gotIdentifier != "id-1" {
		t.Fatalf("processor got (%q, %q)", p.gotToken, p.gotIdentifier)
	}

	if p.gotRequest["type"] != http.MethodPost {
		t.Fatalf("request type = %v", p.gotRequest["type"])
	}
	reqBody, _ := p.gotRequest["body"].(map[string]any)
	if reqBody["choice"] != "a" {
		t.Fatalf("request body = %v", p.gotRequest["body"])
	}
	params, _ := p.gotRequest["params"].(map[string]any)
	if params["step"] != "2" {
		t.Fatalf("params = %v", params)
	}
	headers, _ := p.gotRequest["headers"].(map[string]any)
	if headers["x-source"] != "widget" {
		t.Fatalf("headers not lower-cased: %v", headers)
	}
}

func TestDialog_NonJSONBodyKeptAsString(t *testing.T) {
	p := &fakeProcessor{}
	r := callbackRouter(p, &fakeOpener{})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/callback/d/i/t", strings.NewReader("plain text")))

	if p.gotRequest["body"] != "plain text" {
		t.Fatalf("body = %v", p.gotRequest["body"])
	}
}

func TestDialog_EmptyBodyIsNull(t *testing.T) {
	p := &fakeProcessor{}
	r := callbackRouter(p, &fakeOpener{})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/callback/d/i/t", nil))

	if p.gotRequest["body"] != nil {
		t.Fatalf("body = %v", p.gotRequest["body"])
	}
}

func TestStandalone_BlankIdentifier(t *testing.T) {
	p := &fakeProcessor{}
	r := callbackRouter(p, &fakeOpener{})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/callback/s/tok-2", strings.NewReader(`{}`)))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if p.gotToken != "tok-2" || p.gotIdentifier != "" {
		t.Fatalf("processor got (%q, %q)", p.gotToken, p.gotIdentifier)
	}
}

func TestDialog_ErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"auth", apperr.New(apperr.KindAuth, "callback ticket has expired"), http.StatusBadRequest},
		{"validation", apperr.New(apperr.KindValidation, "bad input"), http.StatusBadRequest},
		{"script", &sandbox.ScriptError{Message: "boom at line 3"}, http.StatusBadRequest},
		{"unknown", errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := &fakeProcessor{processErr: tc.err}
			r := callbackRouter(p, &fakeOpener{})

			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/callback/d/i/t", nil))

			if w.Code != tc.want {
				t.Fatalf("status = %d, want %d", w.Code, tc.want)
			}
			body := decodeEnvelope(t, w)
			if body["success"] != false || body["error_code"] != float64(tc.want) {
				t.Fatalf("envelope = %v", body)
			}
			if body["data"] != nil {
				t.Fatalf("failure data must be null: %v", body)
			}
		})
	}
}

func signedEventToken(t *testing.T, secret, sub string) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": sub}).
		SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return tok
}

func TestHandleEvent_Success(t *testing.T) {
	p := &fakeProcessor{runOut: map[string]any{"result": "ok"}}
	opener := &fakeOpener{plain: `{"type":"DYNAMIC","bot":"bot1"}`}
	r := callbackRouter(p, opener)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/callback/handle_event",
		strings.NewReader(`{"pyscript_code":"result = 1","predefined_objects":{"k":"v"}}`))
	req.Header.Set("Authorization", "Bearer "+signedEventToken(t, "jwt-secret", "sealed-claims"))
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	if p.gotBot != "bot1" || p.gotScript != "result = 1" {
		t.Fatalf("RunScript got (%q, %q)", p.gotBot, p.gotScript)
	}
}

func TestHandleEvent_AuthFailures(t *testing.T) {
	goodClaims := &fakeOpener{plain: `{"type":"DYNAMIC","bot":"bot1"}`}
	cases := []struct {
		name   string
		header string
		opener TokenOpener
	}{
		{"missing header", "", goodClaims},
		{"not bearer", "Basic abc", goodClaims},
		{"bad signature", "Bearer " + mustSign(jwt.MapClaims{"sub": "x"}, "wrong-secret"), goodClaims},
		{"no subject", "Bearer " + mustSign(jwt.MapClaims{}, "jwt-secret"), goodClaims},
		{"undecryptable subject", "Bearer " + mustSign(jwt.MapClaims{"sub": "x"}, "jwt-secret"), &fakeOpener{err: errors.New("bad token")}},
		{"wrong claims type", "Bearer " + mustSign(jwt.MapClaims{"sub": "x"}, "jwt-secret"), &fakeOpener{plain: `{"type":"STATIC","bot":"b"}`}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := &fakeProcessor{}
			r := callbackRouter(p, tc.opener)

			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/callback/handle_event",
				strings.NewReader(`{"pyscript_code":"result = 1"}`))
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			r.ServeHTTP(w, req)

			if w.Code != http.StatusUnauthorized {
				t.Fatalf("status = %d: %s", w.Code, w.Body.String())
			}
			if p.gotScript != "" {
				t.Fatal("script ran despite failed authorization")
			}
		})
	}
}

func TestHandleEvent_MissingScript(t *testing.T) {
	opener := &fakeOpener{plain: `{"type":"DYNAMIC","bot":"bot1"}`}
	r := callbackRouter(&fakeProcessor{}, opener)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/callback/handle_event", strings.NewReader(`{}`))
	req.Header.Set("Authorization", "Bearer "+signedEventToken(t, "jwt-secret", "sealed"))
	r.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestExecutePython(t *testing.T) {
	p := &fakeProcessor{runOut: map[string]any{"v": int64(2)}}
	r := callbackRouter(p, &fakeOpener{})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/main_pyscript",
		strings.NewReader(`{"bot":"b1","pyscript_code":"v = 2"}`)))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	if p.gotBot != "b1" || p.gotScript != "v = 2" {
		t.Fatalf("RunScript got (%q, %q)", p.gotBot, p.gotScript)
	}
}

func mustSign(claims jwt.MapClaims, secret string) string {
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		panic(err)
	}
	return tok
}
