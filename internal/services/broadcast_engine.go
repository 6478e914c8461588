// Package services – BroadcastEngine
//
// Executes one broadcast for an event id: resolves recipients (static list
// or dynamic script), fans templates out through the WhatsApp client,
// writes one send log per recipient attempt, aggregates totals into a
// common log, reconciles provider status webhooks by message id, and
// resends failures whose error codes are not excluded.
//
// A Redis in-flight set keyed by event id prevents two workers from
// executing the same broadcast concurrently. Totals are computed by
// querying the send logs after the loop, never from script return values.
package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/convoops/go-callback-backend/internal/apperr"
	"github.com/convoops/go-callback-backend/internal/channels/whatsapp"
	"github.com/convoops/go-callback-backend/internal/domain"
	"github.com/convoops/go-callback-backend/internal/repo"
	"github.com/convoops/go-callback-backend/internal/sandbox"
)

// inflightTTL bounds how long a stuck execution can block its event id.
const inflightTTL = 30 * time.Minute

// WebhookStatus is one entry of a provider delivery-status webhook.
type WebhookStatus struct {
	MessageID     string `json:"id"`
	Status        string `json:"status"`
	RecipientID   string `json:"recipient_id"`
	ConnectorType string `json:"connector_type"`
	Errors        any    `json:"errors,omitempty"`
}

// BroadcastEngine runs broadcast executions end to end.
type BroadcastEngine struct {
	// DB is the MongoDB database handle.
	DB *mongo.Database
	// Engine runs dynamic broadcast scripts.
	Engine *sandbox.Engine
	// Caps builds the per-bot helper bindings for dynamic scripts.
	Caps CapabilityBuilder
	// Redis tracks in-flight event ids.
	Redis *redis.Client
	// Policy is the WhatsApp transport retry policy.
	Policy whatsapp.RetryPolicy
	// ExcludedErrorCodes never qualify for resend.
	ExcludedErrorCodes []string
	// RetryLimit caps resend rounds when settings carry no retry count.
	RetryLimit int
	// ScriptTimeout bounds one dynamic script execution.
	ScriptTimeout time.Duration
	// Log is the structured logger.
	Log zerolog.Logger

	// newClient is overridable in tests.
	newClient func(cfg map[string]any) (whatsapp.Client, error)
}

// NewBroadcastEngine constructs a BroadcastEngine with the real provider
// clients.
func NewBroadcastEngine(db *mongo.Database, engine *sandbox.Engine, caps CapabilityBuilder, rdb *redis.Client, policy whatsapp.RetryPolicy, excluded []string, retryLimit int, scriptTimeout time.Duration, log zerolog.Logger) *BroadcastEngine {
	return &BroadcastEngine{
		DB:                 db,
		Engine:             engine,
		Caps:               caps,
		Redis:              rdb,
		Policy:             policy,
		ExcludedErrorCodes: excluded,
		RetryLimit:         retryLimit,
		ScriptTimeout:      scriptTimeout,
		Log:                log,
		newClient: func(cfg map[string]any) (whatsapp.Client, error) {
			return whatsapp.FromChannelConfig(cfg, policy)
		},
	}
}

// Execute runs the broadcast identified by eventID for the bot. Each
// execution is correlated by a fresh reference id.
func (e *BroadcastEngine) Execute(ctx context.Context, bot, eventID string) error {
	release, err := e.acquire(ctx, eventID)
	if err != nil {
		return err
	}
	defer release()

	settings, err := repo.GetBroadcastSettings(ctx, e.DB, bot, eventID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ErrBroadcastNotFound
		}
		return err
	}

	client, err := e.client(ctx, settings)
	if err != nil {
		return err
	}

	referenceID := sandbox.GenerateID()
	switch settings.BroadcastType {
	case domain.BroadcastTypeDynamic:
		err = e.runDynamic(ctx, settings, client, referenceID, eventID)
	default:
		err = e.runStatic(ctx, settings, client, referenceID, eventID)
	}
	if err != nil {
		return err
	}

	if err := e.aggregate(ctx, settings, referenceID, eventID); err != nil {
		return err
	}

	// One-shot broadcasts are deactivated after their single execution;
	// cron recurrences stay active.
	if settings.SchedulerConfig == nil || settings.SchedulerConfig.ExpressionType != "cron" {
		if err := repo.SoftDeleteBroadcastSettings(ctx, e.DB, bot, eventID); err != nil && !errors.Is(err, repo.ErrNotFound) {
			e.Log.Error().Err(err).Str("event_id", eventID).Msg("broadcast deactivation failed")
		}
	}
	return nil
}

// runStatic fans every template entry out to the parsed recipient list.
// With parameter sets present, recipients and sets are zipped; the
// effective count per entry is min(|recipients|, |params|).
func (e *BroadcastEngine) runStatic(ctx context.Context, settings *domain.MessageBroadcastSettings, client whatsapp.Client, referenceID, eventID string) error {
	if settings.RecipientsConfig == nil {
		return apperr.New(apperr.KindValidation, "broadcast has no recipients")
	}
	recipients := parseRecipients(settings.RecipientsConfig.Recipients)
	if len(recipients) == 0 {
		return apperr.New(apperr.KindValidation, "broadcast recipient list is empty")
	}

	for _, tpl := range settings.TemplateConfig {
		params, err := parseTemplateParams(tpl.Data)
		if err != nil {
			return err
		}
		count := len(recipients)
		if len(params) > 0 && len(params) < count {
			count = len(params)
		}
		for i := 0; i < count; i++ {
			var components any
			if len(params) > 0 {
				components = params[i]
			}
			e.sendOne(ctx, client, settings.Bot, referenceID, eventID, recipients[i], tpl.TemplateID, tpl.Language, tpl.Namespace, components, 0)
		}
	}
	return nil
}

// runDynamic executes the broadcast script with send_msg and log callables
// injected; every send_msg call records a send log.
func (e *BroadcastEngine) runDynamic(ctx context.Context, settings *domain.MessageBroadcastSettings, client whatsapp.Client, referenceID, eventID string) error {
	bindings := e.Caps(settings.Bot).Bindings(ctx)

	bindings["send_msg"] = func(templateID, recipient, lang string, components any, namespace string) map[string]any {
		result := e.sendOne(ctx, client, settings.Bot, referenceID, eventID, recipient, templateID, lang, namespace, components, 0)
		return result.Body
	}
	bindings["log"] = func(kwargs map[string]any) {
		entry := &domain.BroadcastLog{
			ReferenceID: referenceID,
			LogType:     domain.LogTypeSelf,
			Bot:         settings.Bot,
			EventID:     eventID,
			Extra:       kwargs,
		}
		if err := repo.InsertBroadcastLog(ctx, e.DB, entry); err != nil {
			e.Log.Error().Err(err).Str("event_id", eventID).Msg("script log write failed")
		}
	}

	timeout := e.ScriptTimeout
	if _, err := e.Engine.Execute(ctx, settings.Pyscript, bindings, timeout); err != nil {
		return err
	}
	return nil
}

// sendOne performs one template send and writes its send log. The result
// is always returned; failures are recorded, never raised.
func (e *BroadcastEngine) sendOne(ctx context.Context, client whatsapp.Client, bot, referenceID, eventID, recipient, templateID, language, namespace string, components any, resendCount int) *whatsapp.SendResult {
	result, err := client.SendTemplate(ctx, recipient, templateID, language, components, namespace)
	if err != nil {
		result = &whatsapp.SendResult{Success: false, StatusCode: 400, Body: map[string]any{"error": err.Error()}}
	}

	status := domain.SendStatusSuccess
	if result.HasErrors() {
		status = domain.SendStatusFailed
	}
	entry := &domain.BroadcastLog{
		ReferenceID:    referenceID,
		LogType:        domain.LogTypeSend,
		Bot:            bot,
		EventID:        eventID,
		Status:         status,
		Recipient:      recipient,
		TemplateName:   templateID,
		LanguageCode:   language,
		Namespace:      namespace,
		TemplateParams: components,
		APIResponse:    result.Body,
		MessageID:      result.MessageID(),
		ResendCount:    resendCount,
	}
	if errs, ok := result.Body["errors"]; ok {
		entry.Errors = errs
	} else if errVal, ok := result.Body["error"]; ok {
		entry.Errors = errVal
	}
	if err := repo.InsertBroadcastLog(ctx, e.DB, entry); err != nil {
		e.Log.Error().Err(err).Str("event_id", eventID).Str("recipient", recipient).Msg("send log write failed")
	}
	return result
}

// aggregate queries the send logs of this execution and appends the
// common log with total and failure count.
func (e *BroadcastEngine) aggregate(ctx context.Context, settings *domain.MessageBroadcastSettings, referenceID, eventID string) error {
	sends, err := repo.ListSendLogs(ctx, e.DB, settings.Bot, referenceID)
	if err != nil {
		return err
	}
	failures := 0
	for _, s := range sends {
		if s.Status == domain.SendStatusFailed {
			failures++
		}
	}
	return repo.InsertBroadcastLog(ctx, e.DB, &domain.BroadcastLog{
		ReferenceID:  referenceID,
		LogType:      domain.LogTypeCommon,
		Bot:          settings.Bot,
		EventID:      eventID,
		Total:        len(sends),
		FailureCount: failures,
	})
}

// Reconcile applies provider status webhooks to existing send logs. It is
// idempotent per message id: rows are updated in place, one history record
// is written per unique message id, and the campaign stamp lands on the
// channel config.
func (e *BroadcastEngine) Reconcile(ctx context.Context, bot string, statuses []WebhookStatus) error {
	seen := make(map[string]struct{}, len(statuses))
	for _, st := range statuses {
		if st.MessageID == "" {
			continue
		}
		if _, dup := seen[st.MessageID]; dup {
			continue
		}
		seen[st.MessageID] = struct{}{}

		status := domain.SendStatusSuccess
		if st.Errors != nil || strings.EqualFold(st.Status, "failed") {
			status = domain.SendStatusFailed
		}
		if err := repo.UpdateSendLogByMessageID(ctx, e.DB, st.MessageID, status, st.Errors); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				e.Log.Warn().Str("message_id", st.MessageID).Msg("webhook status for unknown message")
				continue
			}
			return err
		}

		entry, err := repo.GetSendLogByMessageID(ctx, e.DB, st.MessageID)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		rec := &domain.HistoryRecord{
			Type:           "broadcast",
			Bot:            bot,
			SenderID:       entry.Recipient,
			ConversationID: sandbox.GenerateID(),
			Data: map[string]any{
				"message_id": st.MessageID,
				"status":     status,
				"template":   entry.TemplateName,
			},
			Timestamp: float64(now.Unix()) + float64(now.Nanosecond()/1e3)/1e6,
		}
		if err := repo.InsertHistoryRecord(ctx, e.DB, rec); err != nil {
			return err
		}
		if st.ConnectorType != "" {
			if err := repo.StampChannelCampaign(ctx, e.DB, bot, st.ConnectorType, entry.ReferenceID, entry.ResendCount); err != nil && !errors.Is(err, repo.ErrNotFound) {
				return err
			}
		}
	}
	return nil
}

// Resend re-sends the failed sends of a prior execution whose error codes
// are not excluded. Each resend writes a new send log with an incremented
// resend count; the original rows are never mutated. Recovery is derived
// from the newest attempt per recipient, so a recipient whose earlier
// resend already succeeded is not delivered to again.
func (e *BroadcastEngine) Resend(ctx context.Context, bot, eventID, referenceID string) error {
	settings, err := repo.GetBroadcastSettings(ctx, e.DB, bot, eventID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ErrBroadcastNotFound
		}
		return err
	}
	client, err := e.client(ctx, settings)
	if err != nil {
		return err
	}

	limit := settings.RetryCount
	if limit <= 0 {
		limit = e.RetryLimit
	}

	failed, err := repo.ListFailedSendLogs(ctx, e.DB, bot, referenceID, e.ExcludedErrorCodes)
	if err != nil {
		return err
	}
	all, err := repo.ListSendLogs(ctx, e.DB, bot, referenceID)
	if err != nil {
		return err
	}
	for _, entry := range resendCandidates(failed, all) {
		if entry.ResendCount >= limit {
			continue
		}
		e.sendOne(ctx, client, bot, referenceID, eventID, entry.Recipient,
			entry.TemplateName, entry.LanguageCode, entry.Namespace,
			entry.TemplateParams, entry.ResendCount+1)
	}
	return nil
}

// acquire marks eventID in flight; a second acquisition while the first is
// live fails with ErrBroadcastInFlight.
func (e *BroadcastEngine) acquire(ctx context.Context, eventID string) (func(), error) {
	key := "broadcast:inflight:" + eventID
	ok, err := e.Redis.SetNX(ctx, key, 1, inflightTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("inflight check: %w", err)
	}
	if !ok {
		return nil, ErrBroadcastInFlight
	}
	return func() {
		if err := e.Redis.Del(context.Background(), key).Err(); err != nil {
			e.Log.Error().Err(err).Str("event_id", eventID).Msg("inflight release failed")
		}
	}, nil
}

// client builds the provider client from the broadcast's channel config.
func (e *BroadcastEngine) client(ctx context.Context, settings *domain.MessageBroadcastSettings) (whatsapp.Client, error) {
	cfg, err := repo.GetChannelConfig(ctx, e.DB, settings.Bot, settings.ConnectorType)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, apperr.New(apperr.KindValidation, "channel %q is not configured for this bot", settings.ConnectorType)
		}
		return nil, err
	}
	return e.newClient(cfg.Config)
}

// resendCandidates reduces the failed rows to the newest attempt per
// (recipient, template). A pair whose newest attempt succeeded has
// recovered and is dropped; a pair whose attempts all failed yields only
// the latest row, so its resend count keeps advancing toward the limit.
func resendCandidates(failed, all []domain.BroadcastLog) []domain.BroadcastLog {
	key := func(row domain.BroadcastLog) string {
		return row.Recipient + "\x00" + row.TemplateName
	}
	latest := make(map[string]domain.BroadcastLog, len(all))
	for _, row := range all {
		if cur, ok := latest[key(row)]; !ok || row.ResendCount > cur.ResendCount {
			latest[key(row)] = row
		}
	}
	seen := make(map[string]struct{}, len(failed))
	var out []domain.BroadcastLog
	for _, row := range failed {
		k := key(row)
		top := latest[k]
		if top.Status != domain.SendStatusFailed || top.ResendCount != row.ResendCount {
			continue
		}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, row)
	}
	return out
}

// parseRecipients splits the comma-separated list, trims entries, and
// drops duplicates preserving order.
func parseRecipients(raw string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, part := range strings.Split(raw, ",") {
		r := strings.TrimSpace(part)
		if r == "" {
			continue
		}
		if _, dup := seen[r]; dup {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	return out
}

// parseTemplateParams decodes the per-recipient parameter sets from the
// template entry's JSON array literal.
func parseTemplateParams(raw string) ([]any, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var params []any
	if err := json.Unmarshal([]byte(raw), &params); err != nil {
		return nil, apperr.New(apperr.KindValidation, "template data must be a JSON array")
	}
	return params, nil
}
