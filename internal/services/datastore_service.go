// Package services – DataStoreService
//
// Bot-scoped generic collection CRUD behind the add_data/get_data script
// helpers. Fields named in is_secure are encrypted before persistence and
// decrypted transparently on read; non-string secure values are rejected
// so ciphertext round-trips stay lossless.
package services

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/mongo"

	"github.com/convoops/go-callback-backend/internal/apperr"
	"github.com/convoops/go-callback-backend/internal/crypto"
	"github.com/convoops/go-callback-backend/internal/repo"
)

// DataStoreService implements the sandbox DataStore contract.
type DataStoreService struct {
	// DB is the MongoDB database handle.
	DB *mongo.Database
	// Codec encrypts fields flagged is_secure.
	Codec *crypto.TokenCodec
}

// NewDataStoreService constructs a DataStoreService.
func NewDataStoreService(db *mongo.Database, codec *crypto.TokenCodec) *DataStoreService {
	return &DataStoreService{DB: db, Codec: codec}
}

// AddData inserts one document into the bot-scoped collection and returns
// its id. Secure fields are encrypted in place before the write.
func (s *DataStoreService) AddData(ctx context.Context, bot, collection string, data map[string]any, isSecure []string) (string, error) {
	if bot == "" || collection == "" {
		return "", apperr.New(apperr.KindValidation, "bot and collection are required")
	}
	sealed, err := s.sealFields(data, isSecure)
	if err != nil {
		return "", err
	}
	return repo.InsertCollectionEntry(ctx, s.DB, &repo.CollectionEntry{
		Bot:            bot,
		CollectionName: collection,
		IsSecure:       isSecure,
		Data:           sealed,
	})
}

// GetData returns matching documents with secure fields decrypted. Each
// result carries its id under "_id" alongside the data fields.
func (s *DataStoreService) GetData(ctx context.Context, bot, collection string, filters map[string]any) ([]map[string]any, error) {
	if bot == "" || collection == "" {
		return nil, apperr.New(apperr.KindValidation, "bot and collection are required")
	}
	entries, err := repo.FindCollectionEntries(ctx, s.DB, bot, collection, filters)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		doc := make(map[string]any, len(e.Data)+1)
		doc["_id"] = e.ID.Hex()
		for k, v := range e.Data {
			doc[k] = v
		}
		for _, field := range e.IsSecure {
			sealed, ok := doc[field].(string)
			if !ok {
				continue
			}
			plain, err := s.Codec.Decrypt(sealed)
			if err != nil {
				return nil, fmt.Errorf("decrypt field %q: %w", field, err)
			}
			doc[field] = plain
		}
		out = append(out, doc)
	}
	return out, nil
}

// UpdateData replaces the data of one document by id.
func (s *DataStoreService) UpdateData(ctx context.Context, bot, id string, data map[string]any, isSecure []string) error {
	if bot == "" {
		return apperr.New(apperr.KindValidation, "bot is required")
	}
	sealed, err := s.sealFields(data, isSecure)
	if err != nil {
		return err
	}
	return repo.UpdateCollectionEntry(ctx, s.DB, bot, id, sealed, isSecure)
}

// DeleteData removes one document by id.
func (s *DataStoreService) DeleteData(ctx context.Context, bot, id string) error {
	if bot == "" {
		return apperr.New(apperr.KindValidation, "bot is required")
	}
	return repo.DeleteCollectionEntry(ctx, s.DB, bot, id)
}

// sealFields returns a copy of data with every is_secure field encrypted.
func (s *DataStoreService) sealFields(data map[string]any, isSecure []string) (map[string]any, error) {
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = v
	}
	for _, field := range isSecure {
		v, present := out[field]
		if !present {
			continue
		}
		plain, ok := v.(string)
		if !ok {
			return nil, apperr.New(apperr.KindValidation, "secure field %q must be a string", field)
		}
		sealed, err := s.Codec.Encrypt(plain)
		if err != nil {
			return nil, err
		}
		out[field] = sealed
	}
	return out, nil
}
