// Package services – BroadcastSettingsService
//
// Persists and validates broadcast definitions. Cron schedules must be
// valid and fire no closer than the configured minimum trigger interval;
// one-time schedules need a parseable epoch run-at and an IANA timezone.
// Scheduling registration goes through the event server; when the server
// refuses a freshly created definition the insert is compensated by a
// hard delete so no half-registered broadcast remains active.
package services

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/convoops/go-callback-backend/internal/apperr"
	"github.com/convoops/go-callback-backend/internal/domain"
	"github.com/convoops/go-callback-backend/internal/events"
	"github.com/convoops/go-callback-backend/internal/repo"
)

// broadcastEventClass is the event-server class under which broadcast
// schedules are registered.
const broadcastEventClass = "message_broadcast"

// EventRegistrar is the event-server slice the settings store uses.
type EventRegistrar interface {
	Enqueue(ctx context.Context, eventClass string, req events.EnqueueRequest) error
	Cancel(ctx context.Context, id string) error
}

// BroadcastSettingsService manages broadcast definitions.
type BroadcastSettingsService struct {
	// DB is the MongoDB database handle.
	DB *mongo.Database
	// Events registers and cancels schedules on the event server.
	Events EventRegistrar
	// MinTriggerInterval is the tightest allowed cron recurrence.
	MinTriggerInterval time.Duration

	parser cron.Parser
}

// NewBroadcastSettingsService constructs a BroadcastSettingsService.
func NewBroadcastSettingsService(db *mongo.Database, registrar EventRegistrar, minTriggerInterval time.Duration) *BroadcastSettingsService {
	return &BroadcastSettingsService{
		DB:                 db,
		Events:             registrar,
		MinTriggerInterval: minTriggerInterval,
		parser:             cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
	}
}

// Create validates, persists, and registers a new broadcast definition.
func (s *BroadcastSettingsService) Create(ctx context.Context, settings *domain.MessageBroadcastSettings) (string, error) {
	if err := s.validate(ctx, settings, ""); err != nil {
		return "", err
	}
	settings.Status = true
	settings.Timestamp = time.Now().UTC()

	id, err := repo.InsertBroadcastSettings(ctx, s.DB, settings)
	if err != nil {
		return "", err
	}
	if err := s.register(ctx, settings, id, ""); err != nil {
		if delErr := repo.HardDeleteBroadcastSettings(ctx, s.DB, settings.Bot, id); delErr != nil {
			return "", apperr.Wrap(apperr.KindScheduler,
				errors.Join(err, delErr))
		}
		return "", err
	}
	return id, nil
}

// Update re-validates the whole definition, replaces it in place, resets
// timestamp and user, and re-registers the schedule with the event server.
func (s *BroadcastSettingsService) Update(ctx context.Context, settings *domain.MessageBroadcastSettings) error {
	id := settings.ID.Hex()
	if err := s.validate(ctx, settings, id); err != nil {
		return err
	}
	settings.Timestamp = time.Now().UTC()

	if err := repo.ReplaceBroadcastSettings(ctx, s.DB, settings); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ErrBroadcastNotFound
		}
		return err
	}
	return s.register(ctx, settings, id, "PUT")
}

// Get fetches one definition scoped by bot.
func (s *BroadcastSettingsService) Get(ctx context.Context, bot, id string) (*domain.MessageBroadcastSettings, error) {
	settings, err := repo.GetBroadcastSettings(ctx, s.DB, bot, id)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrBroadcastNotFound
	}
	return settings, err
}

// SoftDelete deactivates the definition and cancels its schedule.
func (s *BroadcastSettingsService) SoftDelete(ctx context.Context, bot, id string) error {
	if err := repo.SoftDeleteBroadcastSettings(ctx, s.DB, bot, id); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ErrBroadcastNotFound
		}
		return err
	}
	return s.Events.Cancel(ctx, id)
}

// HardDelete removes the definition permanently and cancels its schedule.
func (s *BroadcastSettingsService) HardDelete(ctx context.Context, bot, id string) error {
	if err := repo.HardDeleteBroadcastSettings(ctx, s.DB, bot, id); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ErrBroadcastNotFound
		}
		return err
	}
	return s.Events.Cancel(ctx, id)
}

// validate checks the full definition; excludeID skips the definition
// itself in the active-name uniqueness probe on updates.
func (s *BroadcastSettingsService) validate(ctx context.Context, settings *domain.MessageBroadcastSettings, excludeID string) error {
	if settings.Bot == "" || settings.Name == "" {
		return apperr.New(apperr.KindValidation, "bot and name are required")
	}
	switch settings.BroadcastType {
	case domain.BroadcastTypeStatic:
		if settings.RecipientsConfig == nil || strings.TrimSpace(settings.RecipientsConfig.Recipients) == "" {
			return apperr.New(apperr.KindValidation, "static broadcasts require recipients")
		}
		if len(settings.TemplateConfig) == 0 {
			return apperr.New(apperr.KindValidation, "static broadcasts require at least one template")
		}
	case domain.BroadcastTypeDynamic:
		if strings.TrimSpace(settings.Pyscript) == "" {
			return apperr.New(apperr.KindValidation, "dynamic broadcasts require a script")
		}
	case domain.BroadcastTypeFlow:
	default:
		return apperr.New(apperr.KindValidation, "broadcast type must be static, dynamic, or flow")
	}

	if _, err := repo.GetChannelConfig(ctx, s.DB, settings.Bot, settings.ConnectorType); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return apperr.New(apperr.KindValidation, "channel %q is not configured for this bot", settings.ConnectorType)
		}
		return err
	}

	exists, err := repo.ActiveBroadcastExists(ctx, s.DB, settings.Bot, settings.Name, excludeID)
	if err != nil {
		return err
	}
	if exists {
		return ErrBroadcastExists
	}

	if settings.SchedulerConfig != nil {
		if err := s.validateSchedule(settings.SchedulerConfig); err != nil {
			return err
		}
	}
	return nil
}

func (s *BroadcastSettingsService) validateSchedule(sc *domain.SchedulerConfiguration) error {
	tz := sc.Timezone
	if tz == "" {
		tz = "UTC"
	}
	if _, err := time.LoadLocation(tz); err != nil {
		return apperr.New(apperr.KindValidation, "invalid timezone %q", tz)
	}

	switch sc.ExpressionType {
	case "cron":
		sched, err := s.parser.Parse(sc.Schedule)
		if err != nil {
			return apperr.New(apperr.KindValidation, "invalid cron expression %q", sc.Schedule)
		}
		first := sched.Next(time.Now())
		second := sched.Next(first)
		if second.Sub(first) < s.MinTriggerInterval {
			return apperr.New(apperr.KindValidation,
				"cron recurrence tighter than the minimum trigger interval of %s", s.MinTriggerInterval)
		}
	case "epoch":
		if _, err := strconv.ParseInt(strings.TrimSpace(sc.Schedule), 10, 64); err != nil {
			return apperr.New(apperr.KindValidation, "invalid epoch run-at %q", sc.Schedule)
		}
	default:
		return apperr.New(apperr.KindValidation, "expression type must be cron or epoch")
	}
	return nil
}

// register announces the definition to the event server. method is "PUT"
// on updates and empty on creation.
func (s *BroadcastSettingsService) register(ctx context.Context, settings *domain.MessageBroadcastSettings, id, method string) error {
	req := events.EnqueueRequest{
		Data: map[string]any{
			"event_id": id,
			"bot":      settings.Bot,
			"name":     settings.Name,
		},
		Method: method,
	}
	if sc := settings.SchedulerConfig; sc != nil {
		req.IsScheduled = true
		req.Timezone = sc.Timezone
		if sc.ExpressionType == "cron" {
			req.CronExp = sc.Schedule
		} else {
			req.RunAt = sc.Schedule
		}
	}
	return s.Events.Enqueue(ctx, broadcastEventClass, req)
}
