// Package scheduler serializes job descriptors into the scheduler
// collection and notifies the external event server to (re)load them. The
// bridge owns the job record; the event server owns dispatch semantics.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/convoops/go-callback-backend/internal/apperr"
	"github.com/convoops/go-callback-backend/internal/domain"
	"github.com/convoops/go-callback-backend/internal/repo"
)

const (
	// misfireGraceSeconds is how long after the fire time a missed job may
	// still run.
	misfireGraceSeconds = 7200
	// executorName is the event-server executor jobs are pinned to.
	executorName = "default"
	// jobName labels every record for the event server's task runner.
	jobName = "execute_task"
	// evaluatorRef is the dotted target function reference the event server
	// resolves when firing the job.
	evaluatorRef = "callback.pyscript_handler"
)

// descriptor is the serialized job state consumed by the event server. The
// record format is versioned so the paired event-server release can reject
// descriptors it does not understand instead of misfiring.
type descriptor struct {
	Version          int            `json:"version"`
	Trigger          trigger        `json:"trigger"`
	Executor         string         `json:"executor"`
	FuncRef          string         `json:"func_ref"`
	Args             []any          `json:"args"`
	Kwargs           map[string]any `json:"kwargs"`
	ID               string         `json:"id"`
	Name             string         `json:"name"`
	MisfireGraceTime int            `json:"misfire_grace_time"`
	Coalesce         bool           `json:"coalesce"`
	NextRunTime      float64        `json:"next_run_time"`
	MaxInstances     int            `json:"max_instances"`
}

type trigger struct {
	Type     string `json:"type"` // date
	RunDate  string `json:"run_date"`
	Timezone string `json:"timezone"`
}

// ConfigResolver resolves a callback configuration by (bot, name).
type ConfigResolver interface {
	GetConfig(ctx context.Context, bot, name string) (*domain.CallbackConfig, error)
}

// JobStore persists and removes job records in the scheduler collection.
type JobStore interface {
	InsertJob(ctx context.Context, job *domain.SchedulerJob) error
	DeleteJob(ctx context.Context, id string) error
}

// Notifier is the event-server surface the bridge depends on.
type Notifier interface {
	Dispatch(ctx context.Context, id string) error
	Cancel(ctx context.Context, id string) error
}

// Bridge wires config resolution, job persistence, and server notification.
type Bridge struct {
	configs ConfigResolver
	jobs    JobStore
	server  Notifier
}

// NewBridge constructs a Bridge.
func NewBridge(configs ConfigResolver, jobs JobStore, server Notifier) *Bridge {
	return &Bridge{configs: configs, jobs: jobs, server: server}
}

// AddJob resolves the script for (bot, actionName), persists a date-trigger
// job record firing at runAt in the given timezone, and requests a dispatch
// reload. A refused reload triggers a compensating delete of the record.
func (b *Bridge) AddJob(ctx context.Context, bot, actionName string, runAt time.Time, data map[string]any, timezone, id string, kwargs map[string]any) error {
	if bot == "" {
		return apperr.New(apperr.KindValidation, "bot id is missing")
	}
	cfg, err := b.configs.GetConfig(ctx, bot, actionName)
	if errors.Is(err, repo.ErrNotFound) {
		return apperr.New(apperr.KindValidation, "unknown callback action %q for bot", actionName)
	}
	if err != nil {
		return fmt.Errorf("resolve callback action %q: %w", actionName, err)
	}

	loc := time.Local
	if timezone != "" {
		loc, err = time.LoadLocation(timezone)
		if err != nil {
			return apperr.New(apperr.KindValidation, "invalid timezone %q", timezone)
		}
	}
	fireAt := rebase(runAt, loc)
	if !fireAt.After(time.Now().In(loc)) {
		return apperr.New(apperr.KindValidation, "run_at must be in the future")
	}

	predefined := map[string]any{
		"bot":         bot,
		"event_id":    id,
		"action_name": actionName,
		"data":        data,
	}
	mergedKwargs := map[string]any{"task_type": "Callback"}
	for k, v := range kwargs {
		mergedKwargs[k] = v
	}

	next := utcEpochSeconds(fireAt)
	state, err := json.Marshal(descriptor{
		Version:  1,
		Trigger:  trigger{Type: "date", RunDate: fireAt.Format(time.RFC3339Nano), Timezone: loc.String()},
		Executor: executorName,
		FuncRef:  evaluatorRef,
		Args: []any{evaluatorRef, "scheduler_evaluator", map[string]any{
			"source_code":        cfg.ScriptCode,
			"predefined_objects": predefined,
		}},
		Kwargs:           mergedKwargs,
		ID:               id,
		Name:             jobName,
		MisfireGraceTime: misfireGraceSeconds,
		Coalesce:         true,
		NextRunTime:      next,
		MaxInstances:     1,
	})
	if err != nil {
		return err
	}

	job := &domain.SchedulerJob{ID: id, NextRunTime: next, JobState: state}
	if err := b.jobs.InsertJob(ctx, job); err != nil {
		return fmt.Errorf("persist scheduler job: %w", err)
	}

	if err := b.server.Dispatch(ctx, id); err != nil {
		// Half-created schedule: remove the record so the collection never
		// advertises a job the server will not fire.
		if delErr := b.jobs.DeleteJob(ctx, id); delErr != nil {
			log.Error().Err(delErr).Str("job_id", id).Msg("compensating job delete failed")
		}
		return err
	}
	return nil
}

// DeleteJob cancels a live schedule; the event server is the single
// authority, so no local record is touched here.
func (b *Bridge) DeleteJob(ctx context.Context, eventID string) error {
	if eventID == "" {
		return apperr.New(apperr.KindValidation, "event id is missing")
	}
	return b.server.Cancel(ctx, eventID)
}

// rebase reinterprets a wall-clock instant in the target zone when the
// parsed value carried no zone of its own.
func rebase(t time.Time, loc *time.Location) time.Time {
	if t.Location() == time.UTC {
		return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), loc)
	}
	return t.In(loc)
}

// utcEpochSeconds converts to UTC epoch seconds with microsecond precision.
func utcEpochSeconds(t time.Time) float64 {
	u := t.UTC()
	return float64(u.Unix()) + float64(u.Nanosecond()/1e3)/1e6
}
