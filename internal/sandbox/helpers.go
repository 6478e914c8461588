// Curated capability set injected into scripts. Every helper that mutates
// bot data is partially applied with the current bot id so scripts cannot
// forge identity; all helpers fail closed when the bot id is missing.

package sandbox

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/convoops/go-callback-backend/internal/crypto"
)

// JobScheduler persists scheduler jobs and pokes the event server.
type JobScheduler interface {
	// AddJob resolves the callback config for (bot, actionName), persists a
	// job record firing at runAt in the given timezone, and requests a
	// dispatch reload by id.
	AddJob(ctx context.Context, bot, actionName string, runAt time.Time, data map[string]any, timezone, id string, kwargs map[string]any) error
	// DeleteJob cancels a schedule on the event server.
	DeleteJob(ctx context.Context, eventID string) error
}

// DataStore is the bot-scoped generic collection CRUD surface.
type DataStore interface {
	AddData(ctx context.Context, bot, collection string, data map[string]any, isSecure []string) (string, error)
	GetData(ctx context.Context, bot, collection string, filters map[string]any) ([]map[string]any, error)
	UpdateData(ctx context.Context, bot, id string, data map[string]any, isSecure []string) error
	DeleteData(ctx context.Context, bot, id string) error
}

// Mailer transmits bot-scoped email through the configured SMTP relay.
type Mailer interface {
	SendEmail(ctx context.Context, bot, emailAction, fromEmail, toEmail, subject, body string) error
}

// Capabilities bundles everything a script execution may touch.
type Capabilities struct {
	Bot       string
	Scheduler JobScheduler
	Data      DataStore
	Mailer    Mailer
	HTTP      *HTTPClient
}

// GenerateID returns a 128-bit time-ordered identifier as 32 hex chars.
func GenerateID() string {
	id := ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader)
	return hex.EncodeToString(id[:])
}

// DatetimeToUTCTimestamp converts a timestamp value (RFC3339 string or
// time.Time) to float seconds since epoch, microsecond-preserving.
func DatetimeToUTCTimestamp(v any) (float64, error) {
	t, err := coerceTime(v)
	if err != nil {
		return 0, err
	}
	u := t.UTC()
	return float64(u.Unix()) + float64(u.Nanosecond()/1e3)/1e6, nil
}

// Bindings builds the injected binding map for one execution. The context
// is captured per call so cancellation reaches every helper.
func (c *Capabilities) Bindings(ctx context.Context) map[string]any {
	bot := c.Bot

	requireBot := func() error {
		if bot == "" {
			return errors.New("bot id is missing")
		}
		return nil
	}

	b := map[string]any{
		"generate_id":               GenerateID,
		"datetime_to_utc_timestamp": DatetimeToUTCTimestamp,

		"datetime": map[string]any{
			"now":    func() string { return time.Now().Format(time.RFC3339Nano) },
			"utcnow": func() string { return time.Now().UTC().Format(time.RFC3339Nano) },
			"parse": func(value string) (string, error) {
				t, err := coerceTime(value)
				if err != nil {
					return "", err
				}
				return t.Format(time.RFC3339Nano), nil
			},
		},

		"decrypt_request": func(body map[string]any, pemKey string) (map[string]any, error) {
			req := crypto.FlowRequest{}
			if v, ok := body["encrypted_flow_data"].(string); ok {
				req.EncryptedFlowData = v
			}
			if v, ok := body["encrypted_aes_key"].(string); ok {
				req.EncryptedAESKey = v
			}
			if v, ok := body["initial_vector"].(string); ok {
				req.InitialVector = v
			}
			payload, err := crypto.DecryptFlowRequest(req, pemKey)
			if err != nil {
				return nil, err
			}
			return map[string]any{
				"body":    payload.Body,
				"aes_key": hex.EncodeToString(payload.AESKey),
				"iv":      hex.EncodeToString(payload.IV),
			}, nil
		},
		"encrypt_response": func(body any, keyHex, ivHex string) (string, error) {
			key, err := hex.DecodeString(keyHex)
			if err != nil {
				return "", errors.New("key must be hex")
			}
			iv, err := hex.DecodeString(ivHex)
			if err != nil {
				return "", errors.New("iv must be hex")
			}
			return crypto.EncryptFlowResponse(body, key, iv)
		},
	}

	if c.HTTP != nil {
		b["httpc"] = map[string]any{
			"get":    c.HTTP.Get,
			"post":   c.HTTP.Post,
			"put":    c.HTTP.Put,
			"delete": c.HTTP.Delete,
		}
	}

	if c.Scheduler != nil {
		b["add_schedule_job"] = func(actionName string, runAt any, data map[string]any, timezone, id string, kwargs map[string]any) (string, error) {
			if err := requireBot(); err != nil {
				return "", err
			}
			t, err := coerceTime(runAt)
			if err != nil {
				return "", fmt.Errorf("invalid run_at: %w", err)
			}
			if id == "" {
				id = GenerateID()
			}
			if err := c.Scheduler.AddJob(ctx, bot, actionName, t, data, timezone, id, kwargs); err != nil {
				return "", err
			}
			return id, nil
		}
		b["delete_schedule_job"] = func(eventID string) error {
			if err := requireBot(); err != nil {
				return err
			}
			return c.Scheduler.DeleteJob(ctx, eventID)
		}
	}

	if c.Mailer != nil {
		b["send_email"] = func(emailAction, fromEmail, toEmail, subject, body string) error {
			if err := requireBot(); err != nil {
				return err
			}
			return c.Mailer.SendEmail(ctx, bot, emailAction, fromEmail, toEmail, subject, body)
		}
	}

	if c.Data != nil {
		b["add_data"] = func(collection string, data map[string]any, isSecure []string) (string, error) {
			if err := requireBot(); err != nil {
				return "", err
			}
			return c.Data.AddData(ctx, bot, collection, data, isSecure)
		}
		b["get_data"] = func(collection string, filters map[string]any) ([]map[string]any, error) {
			if err := requireBot(); err != nil {
				return nil, err
			}
			return c.Data.GetData(ctx, bot, collection, filters)
		}
		b["update_data"] = func(id string, data map[string]any, isSecure []string) error {
			if err := requireBot(); err != nil {
				return err
			}
			return c.Data.UpdateData(ctx, bot, id, data, isSecure)
		}
		b["delete_data"] = func(id string) error {
			if err := requireBot(); err != nil {
				return err
			}
			return c.Data.DeleteData(ctx, bot, id)
		}
	}

	return b
}

// coerceTime accepts time.Time, RFC3339 strings, a few fallback layouts,
// and numeric epoch seconds.
func coerceTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t, nil
	case string:
		for _, layout := range []string{
			time.RFC3339Nano,
			time.RFC3339,
			"2006-01-02 15:04:05",
			"2006-01-02T15:04:05",
			"2006-01-02",
		} {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed, nil
			}
		}
		return time.Time{}, fmt.Errorf("unparseable timestamp %q", t)
	case int64:
		return time.Unix(t, 0), nil
	case float64:
		sec := int64(t)
		return time.Unix(sec, int64((t-float64(sec))*1e9)), nil
	default:
		return time.Time{}, fmt.Errorf("unsupported timestamp type %T", v)
	}
}
