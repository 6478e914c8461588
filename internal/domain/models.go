// Package domain defines the persistence models for the async callback and
// broadcast subsystem: callback configurations, per-invocation tickets,
// invocation logs, broadcast settings and logs, scheduler job records,
// channel connector configs, and bot-scoped secrets. All types are mapped
// with BSON tags and stored in MongoDB collections.
package domain

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// ExecutionMode controls whether a callback script runs inline with the HTTP
// request (sync) or on the background worker pool (async).
type ExecutionMode string

const (
	ExecutionModeSync  ExecutionMode = "sync"
	ExecutionModeAsync ExecutionMode = "async"
)

// CallbackStatus is the terminal outcome recorded in a CallbackLog entry.
type CallbackStatus string

const (
	CallbackStatusSuccess CallbackStatus = "SUCCESS"
	CallbackStatusFailed  CallbackStatus = "FAILED"
)

// BroadcastType selects how a broadcast resolves its recipients and content.
type BroadcastType string

const (
	BroadcastTypeStatic  BroadcastType = "static"
	BroadcastTypeDynamic BroadcastType = "dynamic"
	BroadcastTypeFlow    BroadcastType = "flow"
)

// LogType labels rows in the broadcast log collection.
type LogType string

const (
	LogTypeCommon          LogType = "common"
	LogTypeSend            LogType = "send"
	LogTypeSelf            LogType = "self"
	LogTypeScriptVariables LogType = "script_variables"
)

// CallbackConfig binds a named, bot-scoped script to an invocation policy.
// The validation secret and the cached long token are always stored
// encrypted; the plaintext never reaches the collection.
//
// Invariants:
//   - (bot, name) is unique.
//   - ScriptCode is non-empty.
//   - Standalone configs carry a non-empty StandaloneIDPath.
//   - TokenHash is present iff ShortenToken is set.
type CallbackConfig struct {
	ID               primitive.ObjectID `json:"-"                  bson:"_id,omitempty"`
	Name             string             `json:"name"               bson:"name"`
	Bot              string             `json:"bot"                bson:"bot"`
	ScriptCode       string             `json:"pyscript_code"      bson:"pyscript_code"`
	ValidationSecret string             `json:"-"                  bson:"validation_secret"`
	ExecutionMode    ExecutionMode      `json:"execution_mode"     bson:"execution_mode"`
	ExpireIn         int64              `json:"expire_in"          bson:"expire_in"` // seconds; 0 disables expiry
	ShortenToken     bool               `json:"shorten_token"      bson:"shorten_token"`
	TokenHash        string             `json:"-"                  bson:"token_hash,omitempty"`
	TokenValue       string             `json:"-"                  bson:"token_value,omitempty"` // encrypted long token, cached when shortened
	Standalone       bool               `json:"standalone"         bson:"standalone"`
	StandaloneIDPath string             `json:"standalone_id_path" bson:"standalone_id_path,omitempty"`
	CreatedAt        time.Time          `json:"created_at"         bson:"created_at"`
	UpdatedAt        time.Time          `json:"updated_at"         bson:"updated_at"`
}

// CollectionName returns the MongoDB collection for CallbackConfig.
func (CallbackConfig) CollectionName() string { return "callback_configs" }

// CallbackRecord is a per-invocation ticket binding a callback URL to one
// conversation (bot, sender, channel). Tickets are never deleted by the
// callback path itself; expiry and invalidation only make them unusable.
//
// Invariants:
//   - (bot, identifier) is unique.
//   - IsValid=false permanently rejects further invocations.
//   - With ExpireIn > 0 on the config, now > Timestamp+ExpireIn rejects.
type CallbackRecord struct {
	ID            primitive.ObjectID `json:"-"              bson:"_id,omitempty"`
	Identifier    string             `json:"identifier"     bson:"identifier"` // 128-bit time-ordered hex
	ActionName    string             `json:"action_name"    bson:"action_name"`
	CallbackName  string             `json:"callback_name"  bson:"callback_name"`
	Bot           string             `json:"bot"            bson:"bot"`
	SenderID      string             `json:"sender_id"      bson:"sender_id"`
	Channel       string             `json:"channel"        bson:"channel"`
	Metadata      map[string]any     `json:"metadata"       bson:"metadata"`
	CallbackURL   string             `json:"callback_url"   bson:"callback_url"`
	ExecutionMode ExecutionMode      `json:"execution_mode" bson:"execution_mode"`
	Timestamp     float64            `json:"timestamp"      bson:"timestamp"` // epoch seconds
	State         any                `json:"state"          bson:"state"`     // opaque, default 0
	IsValid       bool               `json:"is_valid"       bson:"is_valid"`
}

// CollectionName returns the MongoDB collection for CallbackRecord.
func (CallbackRecord) CollectionName() string { return "callback_data" }

// AsLocals flattens the ticket into the binding set handed to its script.
func (r *CallbackRecord) AsLocals() map[string]any {
	return map[string]any{
		"identifier":     r.Identifier,
		"action_name":    r.ActionName,
		"callback_name":  r.CallbackName,
		"bot":            r.Bot,
		"sender_id":      r.SenderID,
		"channel":        r.Channel,
		"metadata":       r.Metadata,
		"callback_url":   r.CallbackURL,
		"execution_mode": string(r.ExecutionMode),
		"state":          r.State,
	}
}

// CallbackLog is the append-only record of a single callback invocation
// outcome. Exactly one row is written per invocation; Status reflects the
// terminal outcome of that invocation only. Logs reference tickets by
// identifier and survive ticket deletion.
type CallbackLog struct {
	ID             primitive.ObjectID `json:"-"               bson:"_id,omitempty"`
	CallbackName   string             `json:"callback_name"   bson:"callback_name"`
	Bot            string             `json:"bot"             bson:"bot"`
	Channel        string             `json:"channel"         bson:"channel"`
	Identifier     string             `json:"identifier"      bson:"identifier"`
	ScriptCode     string             `json:"pyscript_code"   bson:"pyscript_code"` // snapshot at invocation time
	SenderID       string             `json:"sender_id"       bson:"sender_id"`
	Log            any                `json:"log,omitempty"       bson:"log,omitempty"`
	ErrorLog       string             `json:"error_log,omitempty" bson:"error_log,omitempty"`
	RequestData    any                `json:"request_data"    bson:"request_data"`
	Metadata       map[string]any     `json:"metadata"        bson:"metadata"`
	CallbackURL    string             `json:"callback_url"    bson:"callback_url"`
	CallbackSource string             `json:"callback_source" bson:"callback_source"` // peer IP of the inbound call
	Location       map[string]any     `json:"location,omitempty" bson:"location,omitempty"`
	Status         CallbackStatus     `json:"status"          bson:"status"`
	Timestamp      time.Time          `json:"timestamp"       bson:"timestamp"`
}

// CollectionName returns the MongoDB collection for CallbackLog.
func (CallbackLog) CollectionName() string { return "callback_logs" }

// SchedulerConfiguration is the schedule fragment embedded in broadcast
// settings. ExpressionType "cron" carries a standard cron expression whose
// recurrence must not be tighter than the configured minimum trigger
// interval; "epoch" carries a parseable integer run-at.
type SchedulerConfiguration struct {
	ExpressionType string `json:"expression_type" bson:"expression_type"` // cron | epoch
	Schedule       string `json:"schedule"        bson:"schedule"`
	Timezone       string `json:"timezone"        bson:"timezone"` // IANA zone, non-empty
}

// RecipientsConfig holds the static recipient list as a comma-separated
// string; the engine splits, trims, and de-duplicates at execution time.
type RecipientsConfig struct {
	Recipients string `json:"recipients" bson:"recipients"`
}

// TemplateConfig describes one template entry of a static broadcast.
// Data carries the per-recipient parameter sets as a JSON array literal.
type TemplateConfig struct {
	TemplateID string `json:"template_id"         bson:"template_id"`
	Language   string `json:"language"            bson:"language"`
	Namespace  string `json:"namespace,omitempty" bson:"namespace,omitempty"`
	Data       string `json:"data,omitempty"      bson:"data,omitempty"`
}

// MessageBroadcastSettings is a broadcast definition owned by a bot.
//
// Invariants:
//   - (bot, name) unique among active (status=true) entries.
//   - static requires recipients and templates; dynamic requires a script.
//   - the connector type must already be configured for the bot.
type MessageBroadcastSettings struct {
	ID               primitive.ObjectID      `json:"_id"            bson:"_id,omitempty"`
	Name             string                  `json:"name"           bson:"name"`
	BroadcastType    BroadcastType           `json:"broadcast_type" bson:"broadcast_type"`
	ConnectorType    string                  `json:"connector_type" bson:"connector_type"`
	SchedulerConfig  *SchedulerConfiguration `json:"scheduler_config,omitempty"  bson:"scheduler_config,omitempty"`
	RecipientsConfig *RecipientsConfig       `json:"recipients_config,omitempty" bson:"recipients_config,omitempty"`
	TemplateConfig   []TemplateConfig        `json:"template_config,omitempty"   bson:"template_config,omitempty"`
	Pyscript         string                  `json:"pyscript,omitempty"          bson:"pyscript,omitempty"`
	RetryCount       int                     `json:"retry_count"    bson:"retry_count"`
	Bot              string                  `json:"bot"            bson:"bot"`
	User             string                  `json:"user"           bson:"user"`
	Status           bool                    `json:"status"         bson:"status"`
	Timestamp        time.Time               `json:"timestamp"      bson:"timestamp"`
}

// CollectionName returns the MongoDB collection for MessageBroadcastSettings.
func (MessageBroadcastSettings) CollectionName() string { return "message_broadcast_settings" }

// BroadcastLog is one row of the broadcast log collection. A single common
// row tracks overall progress of an execution; one send row is written per
// recipient attempt, and resends append new send rows with an incremented
// resend count. Webhook reconciliation updates send rows in place by
// message id.
type BroadcastLog struct {
	ID             primitive.ObjectID `json:"-"            bson:"_id,omitempty"`
	ReferenceID    string             `json:"reference_id" bson:"reference_id"`
	LogType        LogType            `json:"log_type"     bson:"log_type"`
	Bot            string             `json:"bot"          bson:"bot"`
	EventID        string             `json:"event_id,omitempty"        bson:"event_id,omitempty"`
	Status         string             `json:"status,omitempty"          bson:"status,omitempty"`
	Recipient      string             `json:"recipient,omitempty"       bson:"recipient,omitempty"`
	TemplateName   string             `json:"template_name,omitempty"   bson:"template_name,omitempty"`
	LanguageCode   string             `json:"language_code,omitempty"   bson:"language_code,omitempty"`
	Namespace      string             `json:"namespace,omitempty"       bson:"namespace,omitempty"`
	Template       any                `json:"template,omitempty"        bson:"template,omitempty"`
	TemplateParams any                `json:"template_params,omitempty" bson:"template_params,omitempty"`
	APIResponse    any                `json:"api_response,omitempty"    bson:"api_response,omitempty"`
	MessageID      string             `json:"message_id,omitempty"      bson:"message_id,omitempty"`
	Errors         any                `json:"errors,omitempty"          bson:"errors,omitempty"`
	ResendCount    int                `json:"resend_count"              bson:"resend_count"`
	Total          int                `json:"total,omitempty"           bson:"total,omitempty"`
	FailureCount   int                `json:"failure_cnt,omitempty"     bson:"failure_cnt,omitempty"`
	CampaignID     string             `json:"campaign_id,omitempty"     bson:"campaign_id,omitempty"`
	Extra          map[string]any     `json:"extra,omitempty"           bson:"extra,omitempty"`
	Timestamp      time.Time          `json:"timestamp"                 bson:"timestamp"`
}

// CollectionName returns the MongoDB collection for BroadcastLog.
func (BroadcastLog) CollectionName() string { return "message_broadcast_logs" }

// Send statuses recorded on BroadcastLog rows of type "send".
const (
	SendStatusSuccess = "Success"
	SendStatusFailed  = "Failed"
)

// SchedulerJob is the persisted job record the external event server
// consumes. JobState is an opaque serialized descriptor; this core writes
// it and never interprets it again.
//
// Invariants:
//   - ID unique.
//   - NextRunTime strictly reflects the first fire after now() in the
//     stored timezone, expressed as UTC epoch seconds with microseconds.
type SchedulerJob struct {
	ID          string  `json:"_id"           bson:"_id"`
	NextRunTime float64 `json:"next_run_time" bson:"next_run_time"`
	JobState    []byte  `json:"job_state"     bson:"job_state"`
}

// Secret is a bot-scoped key/value vault entry; Value is stored encrypted.
type Secret struct {
	ID        primitive.ObjectID `json:"-"          bson:"_id,omitempty"`
	Bot       string             `json:"bot"        bson:"bot"`
	Key       string             `json:"key"        bson:"key"`
	Value     string             `json:"-"          bson:"value"` // encrypted
	CreatedAt time.Time          `json:"created_at" bson:"created_at"`
	UpdatedAt time.Time          `json:"updated_at" bson:"updated_at"`
}

// CollectionName returns the MongoDB collection for Secret.
func (Secret) CollectionName() string { return "secrets" }

// ChannelConfig is a per-bot channel connector configuration consulted by
// the dispatcher, the broadcast settings store, and the broadcast engine.
type ChannelConfig struct {
	ID            primitive.ObjectID `json:"-"              bson:"_id,omitempty"`
	Bot           string             `json:"bot"            bson:"bot"`
	ConnectorType string             `json:"connector_type" bson:"connector_type"`
	Config        map[string]any     `json:"config"         bson:"config"`
	CampaignID    string             `json:"campaign_id,omitempty" bson:"campaign_id,omitempty"`
}

// CollectionName returns the MongoDB collection for ChannelConfig.
func (ChannelConfig) CollectionName() string { return "channel_configs" }

// HistoryRecord is the fallback conversation-history sink entry written by
// the dispatcher for unroutable channels and by webhook reconciliation.
type HistoryRecord struct {
	ID             primitive.ObjectID `json:"-"               bson:"_id,omitempty"`
	Type           string             `json:"type"            bson:"type"`
	Bot            string             `json:"bot"             bson:"bot"`
	SenderID       string             `json:"sender_id"       bson:"sender_id"`
	ConversationID string             `json:"conversation_id" bson:"conversation_id"`
	Data           any                `json:"data"            bson:"data"`
	Timestamp      float64            `json:"timestamp"       bson:"timestamp"`
}

// CollectionName returns the MongoDB collection for HistoryRecord.
func (HistoryRecord) CollectionName() string { return "conversation_history" }
