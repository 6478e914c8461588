// Package handlers implements the HTTP surface of the callback and
// broadcast subsystem.
//
// This file defines the stable response envelope shared by every endpoint:
//
//	{ "message": string, "data": any, "error_code": 0|400|500, "success": bool }
//
// Application-level failures (validation, auth, script errors) surface as
// HTTP 400 with success=false; unexpected failures as HTTP 500. On failure
// data is always null and the message carries one short human-readable
// line. Server-side errors are logged with the request-scoped logger.
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/convoops/go-callback-backend/internal/apperr"
	"github.com/convoops/go-callback-backend/internal/http/middleware"
	"github.com/convoops/go-callback-backend/internal/sandbox"
)

// Envelope is the response shape returned by every endpoint.
type Envelope struct {
	// Message is a short human-readable status line.
	Message string `json:"message"`
	// Data carries the payload; null on failure.
	Data any `json:"data"`
	// ErrorCode is 0 on success, 400 on application failure, 500 otherwise.
	ErrorCode int `json:"error_code"`
	// Success mirrors ErrorCode == 0.
	Success bool `json:"success"`
}

// ok writes a success envelope.
func ok(c *gin.Context, message string, data any) {
	c.JSON(http.StatusOK, Envelope{
		Message:   message,
		Data:      data,
		ErrorCode: 0,
		Success:   true,
	})
}

// fail writes a failure envelope with matching HTTP status and logs 5xx
// responses with request context.
func fail(c *gin.Context, status int, msg string) {
	if status >= http.StatusInternalServerError {
		lg := middleware.LoggerFrom(c)
		lg.Error().
			Int("status", status).
			Str("message", msg).
			Msg("api error")
	}
	c.AbortWithStatusJSON(status, Envelope{
		Message:   msg,
		Data:      nil,
		ErrorCode: status,
		Success:   false,
	})
}

// Fail is the exported variant of fail(), used by router fallbacks.
func Fail(c *gin.Context, status int, msg string) { fail(c, status, msg) }

// failErr maps an error to the envelope: known application kinds become
// 400, everything else 500.
func failErr(c *gin.Context, err error) {
	var scriptErr *sandbox.ScriptError
	if errors.As(err, &scriptErr) {
		fail(c, http.StatusBadRequest, scriptErr.Message)
		return
	}
	switch apperr.KindOf(err) {
	case apperr.KindValidation, apperr.KindAuth, apperr.KindScript, apperr.KindDispatch, apperr.KindProvider, apperr.KindScheduler:
		fail(c, http.StatusBadRequest, err.Error())
	default:
		fail(c, http.StatusInternalServerError, err.Error())
	}
}
