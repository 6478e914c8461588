// Package services – SecretService
//
// Bot-scoped key/value vault. Values are encrypted before they reach the
// collection and decrypted on read; the plaintext never touches storage.
// Deletion refuses while the key is still referenced, which callers signal
// through a ReferenceChecker.
package services

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/mongo"

	"github.com/convoops/go-callback-backend/internal/crypto"
	"github.com/convoops/go-callback-backend/internal/repo"
)

// ReferenceChecker reports whether a secret key is still referenced by a
// widget or action and therefore must not be deleted.
type ReferenceChecker func(ctx context.Context, bot, key string) (bool, error)

// SecretService provides the admin CRUD surface and the read path used by
// the data access helpers at script execution time.
type SecretService struct {
	// DB is the MongoDB database handle.
	DB *mongo.Database
	// Codec seals and opens stored values.
	Codec *crypto.TokenCodec
}

// NewSecretService constructs a SecretService.
func NewSecretService(db *mongo.Database, codec *crypto.TokenCodec) *SecretService {
	return &SecretService{DB: db, Codec: codec}
}

// Upsert stores value under (bot, key), encrypting it at rest.
func (s *SecretService) Upsert(ctx context.Context, bot, key, value string) error {
	sealed, err := s.Codec.Encrypt(value)
	if err != nil {
		return err
	}
	return repo.UpsertSecret(ctx, s.DB, bot, key, sealed)
}

// Get returns the decrypted value for (bot, key).
func (s *SecretService) Get(ctx context.Context, bot, key string) (string, error) {
	sealed, err := repo.GetSecret(ctx, s.DB, bot, key)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return "", ErrSecretNotFound
		}
		return "", err
	}
	return s.Codec.Decrypt(sealed)
}

// Delete removes (bot, key) unless the checker reports it referenced.
// A nil checker skips the reference check.
func (s *SecretService) Delete(ctx context.Context, bot, key string, inUse ReferenceChecker) error {
	if inUse != nil {
		used, err := inUse(ctx, bot, key)
		if err != nil {
			return err
		}
		if used {
			return ErrSecretInUse
		}
	}
	if err := repo.DeleteSecret(ctx, s.DB, bot, key); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ErrSecretNotFound
		}
		return err
	}
	return nil
}
