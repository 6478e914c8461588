// Package crypto implements the token scheme and payload encryption used by
// the callback registry and the script helpers.
//
// Two token forms travel on the wire:
//   - the long form is a Fernet token over the JSON auth payload
//     {bot, callback_name, validation_secret, expire_in};
//   - the short form is the AES-CTR encryption of a stored token hash,
//     base64url-encoded. Token length is the on-the-wire discriminator:
//     anything shorter than 64 characters resolves through the hash lookup.
//
// The Fernet key and the AES-CTR material are process-wide, read once at
// boot from configuration.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"encoding/json"
	"errors"

	"github.com/fernet/fernet-go"

	"github.com/convoops/go-callback-backend/internal/apperr"
)

// ShortTokenMax is the strict length bound below which a token is treated
// as the short form. Kept at 64 for compatibility with existing links.
const ShortTokenMax = 64

// AuthPayload is the JSON document sealed inside a long token.
type AuthPayload struct {
	Bot              string `json:"bot"`
	CallbackName     string `json:"callback_name"`
	ValidationSecret string `json:"validation_secret"`
	ExpireIn         int64  `json:"expire_in"`
}

// TokenCodec seals and opens both token forms and encrypts stored payloads
// (validation secrets, vault values) with the same Fernet key.
type TokenCodec struct {
	fernetKey *fernet.Key
	aesKey    []byte
	aesIV     []byte
}

// NewTokenCodec builds a codec from the base64 Fernet key and the AES-CTR
// key/IV material. The AES material may be empty when token shortening is
// not used.
func NewTokenCodec(fernetKey string, aesKey, aesIV []byte) (*TokenCodec, error) {
	keys, err := fernet.DecodeKeys(fernetKey)
	if err != nil || len(keys) == 0 {
		return nil, errors.New("invalid fernet key")
	}
	if len(aesKey) > 0 && len(aesIV) != aes.BlockSize {
		return nil, errors.New("aes iv must be one block")
	}
	return &TokenCodec{fernetKey: keys[0], aesKey: aesKey, aesIV: aesIV}, nil
}

// SealAuth produces the long token for the given payload.
func (c *TokenCodec) SealAuth(p AuthPayload) (string, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	tok, err := fernet.EncryptAndSign(raw, c.fernetKey)
	if err != nil {
		return "", err
	}
	return string(tok), nil
}

// OpenAuth verifies and decrypts a long token. Expiry is not enforced at the
// token layer; tickets carry their own clock.
func (c *TokenCodec) OpenAuth(token string) (AuthPayload, error) {
	var p AuthPayload
	raw := fernet.VerifyAndDecrypt([]byte(token), 0, []*fernet.Key{c.fernetKey})
	if raw == nil {
		return p, apperr.New(apperr.KindAuth, "invalid token")
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, apperr.New(apperr.KindAuth, "invalid token payload")
	}
	return p, nil
}

// Encrypt seals an arbitrary secret string with the Fernet key. Used for
// validation secrets, cached long tokens, and vault values at rest.
func (c *TokenCodec) Encrypt(plain string) (string, error) {
	tok, err := fernet.EncryptAndSign([]byte(plain), c.fernetKey)
	if err != nil {
		return "", err
	}
	return string(tok), nil
}

// Decrypt opens a value sealed by Encrypt.
func (c *TokenCodec) Decrypt(sealed string) (string, error) {
	raw := fernet.VerifyAndDecrypt([]byte(sealed), 0, []*fernet.Key{c.fernetKey})
	if raw == nil {
		return "", apperr.New(apperr.KindAuth, "decryption failed")
	}
	return string(raw), nil
}

// ShortenHash encrypts a token hash with AES-CTR and base64url-encodes it,
// producing the short on-the-wire token.
func (c *TokenCodec) ShortenHash(hash string) (string, error) {
	if len(c.aesKey) == 0 {
		return "", errors.New("token shortening not configured")
	}
	block, err := aes.NewCipher(c.aesKey)
	if err != nil {
		return "", err
	}
	out := make([]byte, len(hash))
	cipher.NewCTR(block, c.aesIV).XORKeyStream(out, []byte(hash))
	return base64.RawURLEncoding.EncodeToString(out), nil
}

// ResolveShort reverses ShortenHash, recovering the stored token hash.
func (c *TokenCodec) ResolveShort(token string) (string, error) {
	if len(c.aesKey) == 0 {
		return "", apperr.New(apperr.KindAuth, "token shortening not configured")
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		// Padded variants of existing links remain resolvable.
		raw, err = base64.URLEncoding.DecodeString(token)
		if err != nil {
			return "", apperr.New(apperr.KindAuth, "invalid token")
		}
	}
	block, err := aes.NewCipher(c.aesKey)
	if err != nil {
		return "", err
	}
	out := make([]byte, len(raw))
	cipher.NewCTR(block, c.aesIV).XORKeyStream(out, raw)
	return string(out), nil
}

// IsShort reports whether a wire token should resolve through the token
// hash lookup. The bound is strict to avoid false shortening.
func IsShort(token string) bool { return len(token) < ShortTokenMax }
