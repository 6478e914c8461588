// Callback HTTP handlers.
//
// Two URL shapes accept inbound callback traffic:
//   - GET|POST|PUT|PATCH|DELETE /callback/d/{identifier}/{token}  (dialog)
//   - POST|PUT|PATCH            /callback/s/{token}               (standalone)
//
// Every call is normalized into the canonical request record
// {type, body, params, headers} before the processor runs: the body is
// JSON-decoded when parseable, the raw UTF-8 string otherwise, null when
// absent; query params and lower-cased headers are carried verbatim; the
// peer IP is captured from the connection.
//
// POST /callback/handle_event runs a one-off script under a Bearer JWT
// whose sub claim decrypts to a claims document of type DYNAMIC.
package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/convoops/go-callback-backend/internal/apperr"
)

// maxCallbackBody caps inbound callback payloads.
const maxCallbackBody = 1 << 20

// CallbackProcessor is the processing surface consumed by the callback
// handlers.
type CallbackProcessor interface {
	// Process validates the ticket and runs its script; the returned value
	// is the bot_response for sync mode and nil for async mode.
	Process(ctx context.Context, token, identifier string, request map[string]any, sourceIP string) (any, error)
	// RunScript executes a one-off script outside the ticket lifecycle.
	RunScript(ctx context.Context, bot, source string, predefined map[string]any) (map[string]any, error)
}

// TokenOpener decrypts the JWT sub claim into the claims document.
type TokenOpener interface {
	Decrypt(sealed string) (string, error)
}

// CallbackHandlers groups the callback HTTP endpoints.
type CallbackHandlers struct {
	processor CallbackProcessor
	opener    TokenOpener
	jwtSecret []byte
	jwtMethod string
}

// NewCallbackHandlers constructs the callback endpoint group.
func NewCallbackHandlers(processor CallbackProcessor, opener TokenOpener, jwtSecret, jwtMethod string) *CallbackHandlers {
	if jwtMethod == "" {
		jwtMethod = "HS256"
	}
	return &CallbackHandlers{
		processor: processor,
		opener:    opener,
		jwtSecret: []byte(jwtSecret),
		jwtMethod: jwtMethod,
	}
}

// Dialog handles /callback/d/:identifier/:token on all five verbs.
func (h *CallbackHandlers) Dialog(c *gin.Context) {
	h.invoke(c, c.Param("token"), c.Param("identifier"))
}

// Standalone handles /callback/s/:token; the real identifier is extracted
// from the body during validation.
func (h *CallbackHandlers) Standalone(c *gin.Context) {
	h.invoke(c, c.Param("token"), "")
}

func (h *CallbackHandlers) invoke(c *gin.Context, token, identifier string) {
	request := normalizeRequest(c)
	data, err := h.processor.Process(c.Request.Context(), token, identifier, request, c.ClientIP())
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, "callback processed", data)
}

// eventClaims is the decrypted shape of the JWT sub claim.
type eventClaims struct {
	Type string `json:"type"`
	Bot  string `json:"bot"`
}

// handleEventRequest is the body of POST /callback/handle_event.
type handleEventRequest struct {
	Script     string         `json:"pyscript_code" binding:"required"`
	Predefined map[string]any `json:"predefined_objects"`
}

// HandleEvent executes a one-off script for event-server deliveries. The
// Bearer token's sub claim must decrypt to a claims document whose type is
// DYNAMIC.
func (h *CallbackHandlers) HandleEvent(c *gin.Context) {
	claims, err := h.authorize(c)
	if err != nil {
		fail(c, http.StatusUnauthorized, err.Error())
		return
	}

	var req handleEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "pyscript_code is required")
		return
	}

	out, err := h.processor.RunScript(c.Request.Context(), claims.Bot, req.Script, req.Predefined)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, "script executed", out)
}

// executeScriptRequest is the body of the trusted inline exec endpoint.
type executeScriptRequest struct {
	Bot        string         `json:"bot"`
	Script     string         `json:"pyscript_code" binding:"required"`
	Predefined map[string]any `json:"predefined_objects"`
	Timeout    float64        `json:"timeout,omitempty"`
}

// ExecutePython runs an inline script without ticket validation. The route
// is mounted only when trusted execution is enabled; the deployment
// perimeter owns access control.
func (h *CallbackHandlers) ExecutePython(c *gin.Context) {
	var req executeScriptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "pyscript_code is required")
		return
	}
	out, err := h.processor.RunScript(c.Request.Context(), req.Bot, req.Script, req.Predefined)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, "script executed", out)
}

// authorize verifies the Bearer JWT and decrypts its sub claim.
func (h *CallbackHandlers) authorize(c *gin.Context) (*eventClaims, error) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return nil, apperr.New(apperr.KindAuth, "missing bearer token")
	}
	raw := strings.TrimPrefix(header, "Bearer ")

	parsed, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		if t.Method.Alg() != h.jwtMethod {
			return nil, apperr.New(apperr.KindAuth, "unexpected signing method %s", t.Method.Alg())
		}
		return h.jwtSecret, nil
	})
	if err != nil || !parsed.Valid {
		return nil, apperr.New(apperr.KindAuth, "invalid token")
	}
	sub, err := parsed.Claims.GetSubject()
	if err != nil || sub == "" {
		return nil, apperr.New(apperr.KindAuth, "token has no subject")
	}

	plain, err := h.opener.Decrypt(sub)
	if err != nil {
		return nil, apperr.New(apperr.KindAuth, "invalid token subject")
	}
	var claims eventClaims
	if err := json.Unmarshal([]byte(plain), &claims); err != nil {
		return nil, apperr.New(apperr.KindAuth, "invalid token claims")
	}
	if claims.Type != "DYNAMIC" {
		return nil, apperr.New(apperr.KindAuth, "wrong token type")
	}
	return &claims, nil
}

// normalizeRequest builds the canonical {type, body, params, headers}
// record from the inbound call.
func normalizeRequest(c *gin.Context) map[string]any {
	var body any
	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, maxCallbackBody))
	if err == nil && len(raw) > 0 {
		var decoded any
		if jsonErr := json.Unmarshal(raw, &decoded); jsonErr == nil {
			body = decoded
		} else {
			body = string(raw)
		}
	}

	params := map[string]any{}
	for k, vs := range c.Request.URL.Query() {
		if len(vs) == 1 {
			params[k] = vs[0]
		} else {
			params[k] = vs
		}
	}

	headers := map[string]any{}
	for k, vs := range c.Request.Header {
		key := strings.ToLower(k)
		if len(vs) == 1 {
			headers[key] = vs[0]
		} else {
			headers[key] = vs
		}
	}

	return map[string]any{
		"type":    c.Request.Method,
		"body":    body,
		"params":  params,
		"headers": headers,
	}
}
