// Package services – sentinel errors
//
// Service-level sentinel errors returned for predictable cases so handlers
// can map them to HTTP results consistently. Structured failures carry an
// apperr kind instead; sentinels cover the plain not-found / conflict
// cases the repositories surface.
package services

import "errors"

var (
	// ErrConfigNotFound indicates the callback configuration does not exist.
	ErrConfigNotFound = errors.New("callback config not found")

	// ErrConfigExists indicates a (bot, name) collision on config creation.
	ErrConfigExists = errors.New("callback config already exists")

	// ErrTicketNotFound indicates the callback ticket does not exist.
	ErrTicketNotFound = errors.New("callback ticket not found")

	// ErrSecretNotFound indicates the bot-scoped secret does not exist.
	ErrSecretNotFound = errors.New("secret not found")

	// ErrSecretInUse indicates a secret is still referenced and may not be
	// deleted.
	ErrSecretInUse = errors.New("secret is referenced and cannot be deleted")

	// ErrBroadcastNotFound indicates the broadcast settings do not exist.
	ErrBroadcastNotFound = errors.New("broadcast settings not found")

	// ErrBroadcastExists indicates an active (bot, name) collision.
	ErrBroadcastExists = errors.New("active broadcast with this name already exists")

	// ErrBroadcastInFlight indicates an execution for the event id is
	// already running.
	ErrBroadcastInFlight = errors.New("broadcast execution already in flight")
)
