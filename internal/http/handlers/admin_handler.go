// Management HTTP handlers.
//
// The surrounding platform provisions callback configs, issues tickets,
// manages broadcast definitions, and maintains the per-bot secret vault
// through these endpoints. They are mounted behind the platform's private
// network; the public surface is the callback group only.
package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/convoops/go-callback-backend/internal/domain"
	"github.com/convoops/go-callback-backend/internal/services"
)

// ConfigRegistry is the callback-registry surface consumed by the admin
// endpoints.
type ConfigRegistry interface {
	CreateConfig(ctx context.Context, in services.ConfigInput) (*domain.CallbackConfig, error)
	GetAuthToken(ctx context.Context, bot, name string) (string, bool, error)
	CreateTicket(ctx context.Context, actionName, configName, bot, senderID, channel string, metadata map[string]any) (string, string, bool, error)
}

// SettingsStore is the broadcast-definition surface consumed here.
type SettingsStore interface {
	Create(ctx context.Context, settings *domain.MessageBroadcastSettings) (string, error)
	Update(ctx context.Context, settings *domain.MessageBroadcastSettings) error
	Get(ctx context.Context, bot, id string) (*domain.MessageBroadcastSettings, error)
	SoftDelete(ctx context.Context, bot, id string) error
	HardDelete(ctx context.Context, bot, id string) error
}

// SecretVault is the secret-store surface consumed here.
type SecretVault interface {
	Upsert(ctx context.Context, bot, key, value string) error
	Get(ctx context.Context, bot, key string) (string, error)
	Delete(ctx context.Context, bot, key string, inUse services.ReferenceChecker) error
}

// AdminHandlers groups the management endpoints.
type AdminHandlers struct {
	registry ConfigRegistry
	settings SettingsStore
	secrets  SecretVault
	// secretInUse guards secret deletion; nil skips the reference check.
	secretInUse services.ReferenceChecker
}

// NewAdminHandlers constructs the management endpoint group.
func NewAdminHandlers(registry ConfigRegistry, settings SettingsStore, secrets SecretVault, secretInUse services.ReferenceChecker) *AdminHandlers {
	return &AdminHandlers{
		registry:    registry,
		settings:    settings,
		secrets:     secrets,
		secretInUse: secretInUse,
	}
}

// CreateConfig registers a callback configuration for the bot in the path.
func (h *AdminHandlers) CreateConfig(c *gin.Context) {
	var in services.ConfigInput
	if err := c.ShouldBindJSON(&in); err != nil {
		fail(c, http.StatusBadRequest, "invalid request body")
		return
	}
	in.Bot = c.Param("bot")

	cfg, err := h.registry.CreateConfig(c.Request.Context(), in)
	if err != nil {
		if errors.Is(err, services.ErrConfigExists) {
			fail(c, http.StatusConflict, err.Error())
			return
		}
		failErr(c, err)
		return
	}
	ok(c, "callback config created", cfg)
}

// AuthToken issues the auth token for a named config.
func (h *AdminHandlers) AuthToken(c *gin.Context) {
	token, standalone, err := h.registry.GetAuthToken(c.Request.Context(), c.Param("bot"), c.Param("name"))
	if err != nil {
		if errors.Is(err, services.ErrConfigNotFound) {
			fail(c, http.StatusNotFound, err.Error())
			return
		}
		failErr(c, err)
		return
	}
	ok(c, "auth token issued", gin.H{"token": token, "standalone": standalone})
}

// ticketRequest carries the fields of a new callback ticket.
type ticketRequest struct {
	ActionName string         `json:"action_name" binding:"required"`
	SenderID   string         `json:"sender_id"`
	Channel    string         `json:"channel"`
	Metadata   map[string]any `json:"metadata"`
}

// CreateTicket mints a single-conversation callback URL for a named config.
func (h *AdminHandlers) CreateTicket(c *gin.Context) {
	var req ticketRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid request body")
		return
	}

	url, identifier, standalone, err := h.registry.CreateTicket(c.Request.Context(),
		req.ActionName, c.Param("name"), c.Param("bot"), req.SenderID, req.Channel, req.Metadata)
	if err != nil {
		if errors.Is(err, services.ErrConfigNotFound) {
			fail(c, http.StatusNotFound, err.Error())
			return
		}
		failErr(c, err)
		return
	}
	ok(c, "callback ticket created", gin.H{
		"callback_url": url,
		"identifier":   identifier,
		"standalone":   standalone,
	})
}

// CreateBroadcast registers a broadcast definition and its schedule.
func (h *AdminHandlers) CreateBroadcast(c *gin.Context) {
	var settings domain.MessageBroadcastSettings
	if err := c.ShouldBindJSON(&settings); err != nil {
		fail(c, http.StatusBadRequest, "invalid request body")
		return
	}
	settings.Bot = c.Param("bot")

	id, err := h.settings.Create(c.Request.Context(), &settings)
	if err != nil {
		if errors.Is(err, services.ErrBroadcastExists) {
			fail(c, http.StatusConflict, err.Error())
			return
		}
		failErr(c, err)
		return
	}
	ok(c, "broadcast created", gin.H{"event_id": id})
}

// UpdateBroadcast replaces a broadcast definition in place and re-registers
// its schedule.
func (h *AdminHandlers) UpdateBroadcast(c *gin.Context) {
	id, err := primitive.ObjectIDFromHex(c.Param("event_id"))
	if err != nil {
		fail(c, http.StatusBadRequest, "invalid event id")
		return
	}

	var settings domain.MessageBroadcastSettings
	if err := c.ShouldBindJSON(&settings); err != nil {
		fail(c, http.StatusBadRequest, "invalid request body")
		return
	}
	settings.ID = id
	settings.Bot = c.Param("bot")

	if err := h.settings.Update(c.Request.Context(), &settings); err != nil {
		if errors.Is(err, services.ErrBroadcastNotFound) {
			fail(c, http.StatusNotFound, err.Error())
			return
		}
		if errors.Is(err, services.ErrBroadcastExists) {
			fail(c, http.StatusConflict, err.Error())
			return
		}
		failErr(c, err)
		return
	}
	ok(c, "broadcast updated", nil)
}

// GetBroadcast fetches one broadcast definition.
func (h *AdminHandlers) GetBroadcast(c *gin.Context) {
	settings, err := h.settings.Get(c.Request.Context(), c.Param("bot"), c.Param("event_id"))
	if err != nil {
		if errors.Is(err, services.ErrBroadcastNotFound) {
			fail(c, http.StatusNotFound, err.Error())
			return
		}
		failErr(c, err)
		return
	}
	ok(c, "broadcast", settings)
}

// DeleteBroadcast deactivates a broadcast definition (soft delete) and
// cancels its schedule. ?purge=true removes the record entirely.
func (h *AdminHandlers) DeleteBroadcast(c *gin.Context) {
	bot, id := c.Param("bot"), c.Param("event_id")

	var err error
	if c.Query("purge") == "true" {
		err = h.settings.HardDelete(c.Request.Context(), bot, id)
	} else {
		err = h.settings.SoftDelete(c.Request.Context(), bot, id)
	}
	if err != nil {
		if errors.Is(err, services.ErrBroadcastNotFound) {
			fail(c, http.StatusNotFound, err.Error())
			return
		}
		failErr(c, err)
		return
	}
	ok(c, "broadcast deleted", nil)
}

// secretRequest carries a secret value to store.
type secretRequest struct {
	Value string `json:"value" binding:"required"`
}

// PutSecret creates or replaces a vault entry.
func (h *AdminHandlers) PutSecret(c *gin.Context) {
	var req secretRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.secrets.Upsert(c.Request.Context(), c.Param("bot"), c.Param("key"), req.Value); err != nil {
		failErr(c, err)
		return
	}
	ok(c, "secret stored", nil)
}

// GetSecret returns the decrypted vault entry.
func (h *AdminHandlers) GetSecret(c *gin.Context) {
	value, err := h.secrets.Get(c.Request.Context(), c.Param("bot"), c.Param("key"))
	if err != nil {
		if errors.Is(err, services.ErrSecretNotFound) {
			fail(c, http.StatusNotFound, err.Error())
			return
		}
		failErr(c, err)
		return
	}
	ok(c, "secret", gin.H{"value": value})
}

// DeleteSecret removes a vault entry unless scripts still reference it.
func (h *AdminHandlers) DeleteSecret(c *gin.Context) {
	err := h.secrets.Delete(c.Request.Context(), c.Param("bot"), c.Param("key"), h.secretInUse)
	if err != nil {
		if errors.Is(err, services.ErrSecretNotFound) {
			fail(c, http.StatusNotFound, err.Error())
			return
		}
		if errors.Is(err, services.ErrSecretInUse) {
			fail(c, http.StatusConflict, err.Error())
			return
		}
		failErr(c, err)
		return
	}
	ok(c, "secret deleted", nil)
}
