// Package services – CallbackService
//
// The callback registry: persists CallbackConfig (script + invocation
// policy), issues per-conversation tickets with signed URLs, validates
// inbound tokens, and tracks per-ticket state.
//
// Token scheme: the long token is Fernet over {bot, callback_name,
// validation_secret, expire_in}; when shortening is enabled the long token
// is cached encrypted on the config and the wire token is the AES-CTR
// encrypted token hash. Token length (< 64) discriminates the two forms.
package services

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/mongo"

	"github.com/convoops/go-callback-backend/internal/apperr"
	"github.com/convoops/go-callback-backend/internal/crypto"
	"github.com/convoops/go-callback-backend/internal/domain"
	"github.com/convoops/go-callback-backend/internal/repo"
	"github.com/convoops/go-callback-backend/internal/sandbox"
)

// CallbackService is the registry through which callback configs, tokens,
// and tickets are managed.
type CallbackService struct {
	// DB is the MongoDB database handle.
	DB *mongo.Database
	// Codec seals tokens and validation secrets.
	Codec *crypto.TokenCodec
	// BaseURL is the public prefix of issued callback URLs.
	BaseURL string
}

// NewCallbackService constructs a CallbackService.
func NewCallbackService(db *mongo.Database, codec *crypto.TokenCodec, baseURL string) *CallbackService {
	return &CallbackService{DB: db, Codec: codec, BaseURL: strings.TrimRight(baseURL, "/")}
}

// ConfigInput carries the admin-supplied fields of a new callback config.
type ConfigInput struct {
	Bot              string               `json:"bot"`
	Name             string               `json:"name"`
	ScriptCode       string               `json:"pyscript_code"`
	ExecutionMode    domain.ExecutionMode `json:"execution_mode"`
	ExpireIn         int64                `json:"expire_in"`
	ShortenToken     bool                 `json:"shorten_token"`
	Standalone       bool                 `json:"standalone"`
	StandaloneIDPath string               `json:"standalone_id_path"`
}

// CreateConfig validates and persists a callback configuration. The
// validation secret is generated here and stored encrypted; configs with
// token shortening also receive an opaque token hash.
func (s *CallbackService) CreateConfig(ctx context.Context, in ConfigInput) (*domain.CallbackConfig, error) {
	if in.Bot == "" || in.Name == "" {
		return nil, apperr.New(apperr.KindValidation, "bot and name are required")
	}
	if strings.TrimSpace(in.ScriptCode) == "" {
		return nil, apperr.New(apperr.KindValidation, "script code must not be empty")
	}
	if in.Standalone && strings.TrimSpace(in.StandaloneIDPath) == "" {
		return nil, apperr.New(apperr.KindValidation, "standalone callbacks require an identifier path")
	}
	switch in.ExecutionMode {
	case domain.ExecutionModeSync, domain.ExecutionModeAsync:
	case "":
		in.ExecutionMode = domain.ExecutionModeSync
	default:
		return nil, apperr.New(apperr.KindValidation, "execution mode must be sync or async")
	}

	if _, err := repo.GetCallbackConfig(ctx, s.DB, in.Bot, in.Name); err == nil {
		return nil, ErrConfigExists
	} else if !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}

	secret := randHex(32)
	sealed, err := s.Codec.Encrypt(secret)
	if err != nil {
		return nil, err
	}

	cfg := &domain.CallbackConfig{
		Name:             in.Name,
		Bot:              in.Bot,
		ScriptCode:       in.ScriptCode,
		ValidationSecret: sealed,
		ExecutionMode:    in.ExecutionMode,
		ExpireIn:         in.ExpireIn,
		ShortenToken:     in.ShortenToken,
		Standalone:       in.Standalone,
		StandaloneIDPath: in.StandaloneIDPath,
	}
	if in.ShortenToken {
		cfg.TokenHash = randHex(16)
	}
	if err := repo.InsertCallbackConfig(ctx, s.DB, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// GetAuthToken issues the wire token for (bot, name) and reports whether
// the config is standalone. Shortened configs cache the encrypted long
// token before the short form is handed out.
func (s *CallbackService) GetAuthToken(ctx context.Context, bot, name string) (string, bool, error) {
	cfg, err := repo.GetCallbackConfig(ctx, s.DB, bot, name)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return "", false, ErrConfigNotFound
		}
		return "", false, err
	}

	secret, err := s.Codec.Decrypt(cfg.ValidationSecret)
	if err != nil {
		return "", false, err
	}
	long, err := s.Codec.SealAuth(crypto.AuthPayload{
		Bot:              cfg.Bot,
		CallbackName:     cfg.Name,
		ValidationSecret: secret,
		ExpireIn:         cfg.ExpireIn,
	})
	if err != nil {
		return "", false, err
	}

	if !cfg.ShortenToken {
		return long, cfg.Standalone, nil
	}

	sealed, err := s.Codec.Encrypt(long)
	if err != nil {
		return "", false, err
	}
	if err := repo.CacheTokenValue(ctx, s.DB, cfg.Bot, cfg.Name, sealed); err != nil {
		return "", false, err
	}
	short, err := s.Codec.ShortenHash(cfg.TokenHash)
	if err != nil {
		return "", false, err
	}
	return short, cfg.Standalone, nil
}

// CreateTicket binds a callback URL to one conversation and returns
// (callbackURL, identifier, standalone). The ticket is inserted before the
// token is issued; a token failure compensates by deleting the ticket so
// no dangling record remains.
func (s *CallbackService) CreateTicket(ctx context.Context, actionName, configName, bot, senderID, channel string, metadata map[string]any) (string, string, bool, error) {
	cfg, err := repo.GetCallbackConfig(ctx, s.DB, bot, configName)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return "", "", false, ErrConfigNotFound
		}
		return "", "", false, err
	}

	identifier := sandbox.GenerateID()
	now := time.Now().UTC()
	rec := &domain.CallbackRecord{
		Identifier:    identifier,
		ActionName:    actionName,
		CallbackName:  configName,
		Bot:           bot,
		SenderID:      senderID,
		Channel:       channel,
		Metadata:      metadata,
		ExecutionMode: cfg.ExecutionMode,
		Timestamp:     float64(now.Unix()) + float64(now.Nanosecond()/1e3)/1e6,
		State:         0,
		IsValid:       true,
	}
	if err := repo.InsertCallbackRecord(ctx, s.DB, rec); err != nil {
		return "", "", false, err
	}

	token, standalone, err := s.GetAuthToken(ctx, bot, configName)
	if err != nil {
		if delErr := repo.DeleteCallbackRecord(ctx, s.DB, bot, identifier); delErr != nil {
			return "", "", false, fmt.Errorf("issue token: %w (ticket cleanup also failed: %v)", err, delErr)
		}
		return "", "", false, err
	}

	var url string
	if standalone {
		url = fmt.Sprintf("%s/s/%s", s.BaseURL, token)
	} else {
		url = fmt.Sprintf("%s/d/%s/%s", s.BaseURL, identifier, token)
	}
	if err := repo.SetCallbackRecordURL(ctx, s.DB, bot, identifier, url); err != nil {
		if delErr := repo.DeleteCallbackRecord(ctx, s.DB, bot, identifier); delErr != nil {
			return "", "", false, fmt.Errorf("stamp url: %w (ticket cleanup also failed: %v)", err, delErr)
		}
		return "", "", false, err
	}
	rec.CallbackURL = url
	return url, identifier, standalone, nil
}

// Validate verifies a wire token, resolves the ticket it points at, and
// returns the ticket and config snapshots.
//
// Short tokens resolve through the token-hash lookup to the cached long
// token; long tokens are Fernet-opened directly. Standalone configs ignore
// the URL-carried identifier and extract the real one from the request
// body via the configured dotted path.
func (s *CallbackService) Validate(ctx context.Context, token, identifier string, requestBody any) (*domain.CallbackRecord, *domain.CallbackConfig, error) {
	var payload crypto.AuthPayload
	if crypto.IsShort(token) {
		hash, err := s.Codec.ResolveShort(token)
		if err != nil {
			return nil, nil, err
		}
		byHash, err := repo.GetCallbackConfigByHash(ctx, s.DB, hash)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return nil, nil, apperr.New(apperr.KindAuth, "unknown token")
			}
			return nil, nil, err
		}
		if byHash.TokenValue == "" {
			return nil, nil, apperr.New(apperr.KindAuth, "no token issued for this callback")
		}
		long, err := s.Codec.Decrypt(byHash.TokenValue)
		if err != nil {
			return nil, nil, err
		}
		payload, err = s.Codec.OpenAuth(long)
		if err != nil {
			return nil, nil, err
		}
	} else {
		var err error
		payload, err = s.Codec.OpenAuth(token)
		if err != nil {
			return nil, nil, err
		}
	}

	cfg, err := repo.GetCallbackConfig(ctx, s.DB, payload.Bot, payload.CallbackName)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, nil, apperr.New(apperr.KindAuth, "unknown callback")
		}
		return nil, nil, err
	}
	secret, err := s.Codec.Decrypt(cfg.ValidationSecret)
	if err != nil {
		return nil, nil, err
	}
	if secret != payload.ValidationSecret {
		return nil, nil, apperr.New(apperr.KindAuth, "validation secret mismatch")
	}

	if cfg.Standalone {
		identifier, err = extractIdentifier(requestBody, cfg.StandaloneIDPath)
		if err != nil {
			return nil, nil, err
		}
	}

	rec, err := repo.GetCallbackRecord(ctx, s.DB, cfg.Bot, identifier)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, nil, apperr.New(apperr.KindAuth, "unknown callback ticket")
		}
		return nil, nil, err
	}
	if !rec.IsValid {
		return nil, nil, apperr.New(apperr.KindAuth, "callback ticket is invalidated")
	}
	if cfg.ExpireIn > 0 {
		deadline := rec.Timestamp + float64(cfg.ExpireIn)
		if float64(time.Now().UTC().Unix()) > deadline {
			return nil, nil, apperr.New(apperr.KindAuth, "callback ticket has expired")
		}
	}
	return rec, cfg, nil
}

// UpdateState replaces the ticket state and sets is_valid = !invalidate.
func (s *CallbackService) UpdateState(ctx context.Context, bot, identifier string, state any, invalidate bool) error {
	err := repo.UpdateCallbackRecordState(ctx, s.DB, bot, identifier, state, !invalidate)
	if errors.Is(err, repo.ErrNotFound) {
		return ErrTicketNotFound
	}
	return err
}

// extractIdentifier walks a dotted path through the request body. Map
// segments are looked up by key; list segments by integer index.
func extractIdentifier(body any, path string) (string, error) {
	notFound := func() error {
		return apperr.New(apperr.KindAuth, "Cannot find identifier at path '%s' in request data!", path)
	}
	cur := body
	for _, seg := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[seg]
			if !ok {
				return "", notFound()
			}
			cur = v
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return "", notFound()
			}
			cur = node[idx]
		default:
			return "", notFound()
		}
	}
	id, ok := cur.(string)
	if !ok || id == "" {
		return "", notFound()
	}
	return id, nil
}

// randHex returns n random bytes hex-encoded.
func randHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic(err) // crypto/rand failure is unrecoverable
	}
	return hex.EncodeToString(buf)
}
