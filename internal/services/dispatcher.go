// Package services – Dispatcher
//
// Routes outbound messages produced by callback scripts to the channel the
// conversation lives on: WhatsApp, Telegram, Facebook, Instagram, or the
// per-bot conversation-history sink for anything else. A missing channel
// config never crashes a dispatch; the message lands in the history sink
// and the error is logged.
package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/convoops/go-callback-backend/internal/apperr"
	"github.com/convoops/go-callback-backend/internal/channels/meta"
	"github.com/convoops/go-callback-backend/internal/channels/telegram"
	"github.com/convoops/go-callback-backend/internal/channels/whatsapp"
	"github.com/convoops/go-callback-backend/internal/domain"
	"github.com/convoops/go-callback-backend/internal/repo"
	"github.com/convoops/go-callback-backend/internal/sandbox"
)

// Media types a WhatsApp dict message may carry.
var whatsappMediaTypes = map[string]struct{}{
	"image": {}, "video": {}, "audio": {}, "document": {},
}

// TelegramSender is the slice of the Telegram client the dispatcher uses.
type TelegramSender interface {
	SendMessage(ctx context.Context, chatID, text string) (bool, int, map[string]any)
	SendRaw(ctx context.Context, chatID string, payload map[string]any) (bool, int, map[string]any)
}

// MetaSender is the slice of the Graph API client the dispatcher uses.
type MetaSender interface {
	SendText(ctx context.Context, recipientID, text string) (bool, int, map[string]any)
}

// Dispatcher fans callback responses out to channel clients.
type Dispatcher struct {
	// DB is the MongoDB database handle.
	DB *mongo.Database
	// Policy is the WhatsApp transport retry policy.
	Policy whatsapp.RetryPolicy
	// Log is the structured logger.
	Log zerolog.Logger

	// Client factories, overridable in tests.
	newWhatsApp func(cfg map[string]any) (whatsapp.Client, error)
	newTelegram func(cfg map[string]any) (TelegramSender, error)
	newMeta     func(cfg map[string]any) (MetaSender, error)
}

// NewDispatcher constructs a Dispatcher with the real channel clients.
func NewDispatcher(db *mongo.Database, policy whatsapp.RetryPolicy, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		DB:     db,
		Policy: policy,
		Log:    log,
		newWhatsApp: func(cfg map[string]any) (whatsapp.Client, error) {
			return whatsapp.FromChannelConfig(cfg, policy)
		},
		newTelegram: func(cfg map[string]any) (TelegramSender, error) {
			token, _ := cfg["bot_token"].(string)
			if token == "" {
				return nil, apperr.New(apperr.KindValidation, "telegram channel config missing bot_token")
			}
			return telegram.New(token, policy.RequestTimeout), nil
		},
		newMeta: func(cfg map[string]any) (MetaSender, error) {
			accessToken, _ := cfg["access_token"].(string)
			if accessToken == "" {
				return nil, apperr.New(apperr.KindValidation, "channel config missing access_token")
			}
			apiVersion, _ := cfg["api_version"].(string)
			appSecret, _ := cfg["app_secret"].(string)
			return meta.New(apiVersion, accessToken, appSecret, policy.RequestTimeout), nil
		},
	}
}

// Dispatch routes one message to the named channel for (bot, sender).
func (d *Dispatcher) Dispatch(ctx context.Context, bot, sender string, message any, channel string) error {
	switch channel {
	case "whatsapp":
		return d.dispatchWhatsApp(ctx, bot, sender, message, channel)
	case "telegram":
		return d.dispatchTelegram(ctx, bot, sender, message, channel)
	case "facebook", "instagram":
		return d.dispatchMeta(ctx, bot, sender, message, channel)
	default:
		return d.historySink(ctx, bot, sender, message)
	}
}

func (d *Dispatcher) dispatchWhatsApp(ctx context.Context, bot, sender string, message any, channel string) error {
	client, err := d.whatsappClient(ctx, bot, channel)
	if err != nil {
		return d.fallback(ctx, bot, sender, message, channel, err)
	}

	var result *whatsapp.SendResult
	switch m := message.(type) {
	case string:
		result, err = client.Send(ctx, sender, "text", map[string]any{"body": m})
	case map[string]any:
		mediaType, _ := m["type"].(string)
		if _, ok := whatsappMediaTypes[mediaType]; !ok {
			return apperr.New(apperr.KindValidation, "whatsapp message dict requires a media type")
		}
		payload := make(map[string]any, len(m))
		for k, v := range m {
			if k != "type" {
				payload[k] = v
			}
		}
		result, err = client.Send(ctx, sender, mediaType, payload)
	default:
		result, err = client.Send(ctx, sender, "text", map[string]any{"body": stringify(message)})
	}
	if err != nil {
		return err
	}
	if !result.Success {
		return apperr.New(apperr.KindProvider, "whatsapp send failed with status %d", result.StatusCode)
	}
	return nil
}

func (d *Dispatcher) dispatchTelegram(ctx context.Context, bot, sender string, message any, channel string) error {
	cfg, err := repo.GetChannelConfig(ctx, d.DB, bot, channel)
	if err != nil {
		return d.fallback(ctx, bot, sender, message, channel, err)
	}
	client, err := d.newTelegram(cfg.Config)
	if err != nil {
		return d.fallback(ctx, bot, sender, message, channel, err)
	}

	var ok bool
	var status int
	switch m := message.(type) {
	case map[string]any:
		ok, status, _ = client.SendRaw(ctx, sender, m)
	default:
		ok, status, _ = client.SendMessage(ctx, sender, stringify(message))
	}
	if !ok {
		return apperr.New(apperr.KindProvider, "telegram send failed with status %d", status)
	}
	return nil
}

func (d *Dispatcher) dispatchMeta(ctx context.Context, bot, sender string, message any, channel string) error {
	cfg, err := repo.GetChannelConfig(ctx, d.DB, bot, channel)
	if err != nil {
		return d.fallback(ctx, bot, sender, message, channel, err)
	}
	client, err := d.newMeta(cfg.Config)
	if err != nil {
		return d.fallback(ctx, bot, sender, message, channel, err)
	}
	ok, status, _ := client.SendText(ctx, sender, stringify(message))
	if !ok {
		return apperr.New(apperr.KindProvider, "%s send failed with status %d", channel, status)
	}
	return nil
}

// whatsappClient resolves the channel config and builds the right provider
// variant.
func (d *Dispatcher) whatsappClient(ctx context.Context, bot, channel string) (whatsapp.Client, error) {
	cfg, err := repo.GetChannelConfig(ctx, d.DB, bot, channel)
	if err != nil {
		return nil, err
	}
	return d.newWhatsApp(cfg.Config)
}

// fallback logs the routing failure and diverts the message to the history
// sink so the response is not lost.
func (d *Dispatcher) fallback(ctx context.Context, bot, sender string, message any, channel string, cause error) error {
	d.Log.Error().Err(cause).
		Str("bot", bot).
		Str("channel", channel).
		Msg("channel unavailable; writing to history sink")
	return d.historySink(ctx, bot, sender, message)
}

// historySink writes a broadcast-typed record into the per-bot conversation
// history collection.
func (d *Dispatcher) historySink(ctx context.Context, bot, sender string, message any) error {
	now := time.Now().UTC()
	return repo.InsertHistoryRecord(ctx, d.DB, &domain.HistoryRecord{
		Type:           "broadcast",
		Bot:            bot,
		SenderID:       sender,
		ConversationID: sandbox.GenerateID(),
		Data:           message,
		Timestamp:      float64(now.Unix()) + float64(now.Nanosecond()/1e3)/1e6,
	})
}

// stringify renders non-string script output for text-only channels.
func stringify(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(raw)
}
