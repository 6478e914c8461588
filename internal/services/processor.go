// Package services – Processor
//
// Orchestrates callback invocations: validates the ticket, runs the script
// in the sandbox with the ticket's fields as locals, parses the
// (bot_response, state, invalidate) outcome, persists the state
// transition, dispatches the response to the channel, and writes exactly
// one CallbackLog row per invocation outcome.
//
// Sync mode runs inline with the HTTP request. Async mode submits to a
// bounded worker pool and the request returns immediately; success and
// failure both land in the log on completion.
package services

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/convoops/go-callback-backend/internal/apperr"
	"github.com/convoops/go-callback-backend/internal/domain"
	"github.com/convoops/go-callback-backend/internal/repo"
	"github.com/convoops/go-callback-backend/internal/sandbox"
)

// TicketValidator is the registry slice the processor depends on.
type TicketValidator interface {
	Validate(ctx context.Context, token, identifier string, requestBody any) (*domain.CallbackRecord, *domain.CallbackConfig, error)
	UpdateState(ctx context.Context, bot, identifier string, state any, invalidate bool) error
}

// MessageDispatcher routes a script's bot_response to its channel.
type MessageDispatcher interface {
	Dispatch(ctx context.Context, bot, sender string, message any, channel string) error
}

// CapabilityBuilder assembles the injected helper set for one bot.
type CapabilityBuilder func(bot string) *sandbox.Capabilities

// LocationResolver maps a peer IP to geolocation data; implementations
// return nil when nothing is known.
type LocationResolver interface {
	Lookup(ctx context.Context, ip string) map[string]any
}

// Processor executes validated callback invocations.
type Processor struct {
	// DB is the MongoDB database handle (log writes).
	DB *mongo.Database
	// Registry validates tickets and persists state transitions.
	Registry TicketValidator
	// Engine is the script sandbox.
	Engine *sandbox.Engine
	// Dispatcher routes bot responses to channels.
	Dispatcher MessageDispatcher
	// Caps builds the per-bot helper bindings.
	Caps CapabilityBuilder
	// Timeout bounds one script execution.
	Timeout time.Duration
	// Location optionally enriches log rows with peer geolocation.
	Location LocationResolver
	// Log is the structured logger.
	Log zerolog.Logger

	pool chan struct{}
	wg   sync.WaitGroup
}

// NewProcessor constructs a Processor with a worker pool of size poolSize.
func NewProcessor(db *mongo.Database, registry TicketValidator, engine *sandbox.Engine, dispatcher MessageDispatcher, caps CapabilityBuilder, timeout time.Duration, poolSize int, log zerolog.Logger) *Processor {
	if poolSize <= 0 {
		poolSize = 64
	}
	return &Processor{
		DB:         db,
		Registry:   registry,
		Engine:     engine,
		Dispatcher: dispatcher,
		Caps:       caps,
		Timeout:    timeout,
		Log:        log,
		pool:       make(chan struct{}, poolSize),
	}
}

// Process handles one inbound callback invocation. The returned value is
// the script's bot_response for sync mode and nil for async mode, where
// the request has already been answered when the script runs.
func (p *Processor) Process(ctx context.Context, token, identifier string, request map[string]any, sourceIP string) (any, error) {
	rec, cfg, err := p.Registry.Validate(ctx, token, identifier, request["body"])
	if err != nil {
		p.appendRejectLog(ctx, identifier, request, sourceIP, err)
		return nil, err
	}

	if cfg.ExecutionMode == domain.ExecutionModeAsync {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.pool <- struct{}{}
			defer func() { <-p.pool }()

			runCtx, cancel := context.WithTimeout(context.Background(), p.Timeout+5*time.Second)
			defer cancel()
			if _, err := p.run(runCtx, rec, cfg, request, sourceIP); err != nil {
				p.Log.Error().Err(err).
					Str("bot", rec.Bot).
					Str("callback", cfg.Name).
					Str("identifier", rec.Identifier).
					Msg("async callback failed")
			}
		}()
		return nil, nil
	}

	return p.run(ctx, rec, cfg, request, sourceIP)
}

// run executes the script and walks the terminal outcome path. Exactly one
// CallbackLog row is written before it returns.
func (p *Processor) run(ctx context.Context, rec *domain.CallbackRecord, cfg *domain.CallbackConfig, request map[string]any, sourceIP string) (any, error) {
	locals := p.Caps(rec.Bot).Bindings(ctx)
	for k, v := range rec.AsLocals() {
		locals[k] = v
	}
	locals["req"] = request
	locals["req_host"] = sourceIP

	fail := func(err error) (any, error) {
		p.appendLog(ctx, rec, cfg, request, sourceIP, nil, err)
		return nil, err
	}

	out, err := p.Engine.Execute(ctx, cfg.ScriptCode, locals, p.Timeout)
	if err != nil {
		return fail(err)
	}

	botResponse := out["bot_response"] // nil means no dispatch
	state, ok := out["state"]
	if !ok {
		state = 0
	}
	invalidate, _ := out["invalidate"].(bool)

	if err := p.Registry.UpdateState(ctx, rec.Bot, rec.Identifier, state, invalidate); err != nil {
		return fail(err)
	}
	if botResponse != nil {
		if err := p.Dispatcher.Dispatch(ctx, rec.Bot, rec.SenderID, botResponse, rec.Channel); err != nil {
			return fail(apperr.Wrap(apperr.KindDispatch, err))
		}
	}

	p.appendLog(ctx, rec, cfg, request, sourceIP, botResponse, nil)
	return botResponse, nil
}

// RunScript executes a one-off script outside the ticket lifecycle; used
// by the JWT-protected event handler and the trusted exec endpoint. No
// CallbackLog row is written.
func (p *Processor) RunScript(ctx context.Context, bot, source string, predefined map[string]any) (map[string]any, error) {
	locals := p.Caps(bot).Bindings(ctx)
	for k, v := range predefined {
		locals[k] = v
	}
	return p.Engine.Execute(ctx, source, locals, p.Timeout)
}

// Drain blocks until all in-flight async invocations have completed.
func (p *Processor) Drain() { p.wg.Wait() }

// appendRejectLog records an invocation that never passed validation.
// Rejected calls leave an audit row too; only the fields known before
// validation are available at this point.
func (p *Processor) appendRejectLog(ctx context.Context, identifier string, request map[string]any, sourceIP string, cause error) {
	entry := &domain.CallbackLog{
		Identifier:     identifier,
		RequestData:    request,
		CallbackSource: sourceIP,
		Status:         domain.CallbackStatusFailed,
		ErrorLog:       cause.Error(),
	}
	if p.Location != nil {
		entry.Location = p.Location.Lookup(ctx, sourceIP)
	}
	if err := repo.InsertCallbackLog(ctx, p.DB, entry); err != nil {
		p.Log.Error().Err(err).
			Str("identifier", identifier).
			Msg("callback log write failed")
	}
}

func (p *Processor) appendLog(ctx context.Context, rec *domain.CallbackRecord, cfg *domain.CallbackConfig, request map[string]any, sourceIP string, logged any, cause error) {
	entry := &domain.CallbackLog{
		CallbackName:   cfg.Name,
		Bot:            rec.Bot,
		Channel:        rec.Channel,
		Identifier:     rec.Identifier,
		ScriptCode:     cfg.ScriptCode,
		SenderID:       rec.SenderID,
		RequestData:    request,
		Metadata:       rec.Metadata,
		CallbackURL:    rec.CallbackURL,
		CallbackSource: sourceIP,
		Status:         domain.CallbackStatusSuccess,
	}
	if p.Location != nil {
		entry.Location = p.Location.Lookup(ctx, sourceIP)
	}
	if cause != nil {
		entry.Status = domain.CallbackStatusFailed
		entry.ErrorLog = cause.Error()
	} else {
		entry.Log = logged
	}
	if err := repo.InsertCallbackLog(ctx, p.DB, entry); err != nil {
		p.Log.Error().Err(err).
			Str("bot", rec.Bot).
			Str("identifier", rec.Identifier).
			Msg("callback log write failed")
	}
}
