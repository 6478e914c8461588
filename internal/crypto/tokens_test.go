package crypto

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/convoops/go-callback-backend/internal/apperr"
)

func testFernetKey() string {
	return base64.StdEncoding.EncodeToString([]byte("0123456789abcdef0123456789abcdef"))
}

func newTestCodec(t *testing.T) *TokenCodec {
	t.Helper()
	codec, err := NewTokenCodec(testFernetKey(),
		[]byte("0123456789abcdef"), []byte("fedcba9876543210"))
	if err != nil {
		t.Fatalf("NewTokenCodec: %v", err)
	}
	return codec
}

func TestNewTokenCodec_Validation(t *testing.T) {
	if _, err := NewTokenCodec("not-a-key", nil, nil); err == nil {
		t.Fatalf("expected error for invalid fernet key")
	}
	// AES key present but IV is not one block
	if _, err := NewTokenCodec(testFernetKey(), []byte("0123456789abcdef"), []byte("short")); err == nil {
		t.Fatalf("expected error for bad IV length")
	}
	// No AES material is fine (shortening unused)
	if _, err := NewTokenCodec(testFernetKey(), nil, nil); err != nil {
		t.Fatalf("codec without AES material: %v", err)
	}
}

func TestSealAuth_OpenAuth_RoundTrip(t *testing.T) {
	codec := newTestCodec(t)

	in := AuthPayload{
		Bot:              "acme",
		CallbackName:     "order_status",
		ValidationSecret: "s3cr3t",
		ExpireIn:         3600,
	}
	token, err := codec.SealAuth(in)
	if err != nil {
		t.Fatalf("SealAuth: %v", err)
	}
	// Long tokens must never fall under the short-token bound.
	if IsShort(token) {
		t.Fatalf("long token length %d is below the short bound", len(token))
	}

	out, err := codec.OpenAuth(token)
	if err != nil {
		t.Fatalf("OpenAuth: %v", err)
	}
	if out != in {
		t.Fatalf("round trip mismatch: %+v != %+v", out, in)
	}
}

func TestOpenAuth_RejectsGarbage(t *testing.T) {
	codec := newTestCodec(t)
	_, err := codec.OpenAuth("gAAAAABnot-a-real-token")
	if err == nil {
		t.Fatalf("expected error")
	}
	if apperr.KindOf(err) != apperr.KindAuth {
		t.Fatalf("expected auth kind, got %v", apperr.KindOf(err))
	}
}

func TestEncrypt_Decrypt_RoundTrip(t *testing.T) {
	codec := newTestCodec(t)
	sealed, err := codec.Encrypt("vault value")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if sealed == "vault value" {
		t.Fatalf("value not encrypted")
	}
	plain, err := codec.Decrypt(sealed)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if plain != "vault value" {
		t.Fatalf("got %q", plain)
	}
	if _, err := codec.Decrypt("garbage"); apperr.KindOf(err) != apperr.KindAuth {
		t.Fatalf("expected auth kind for bad ciphertext")
	}
}

func TestShortenHash_ResolveShort_RoundTrip(t *testing.T) {
	codec := newTestCodec(t)

	hash := "a1b2c3d4e5f60718" // 16-char opaque hash as stored on a config
	short, err := codec.ShortenHash(hash)
	if err != nil {
		t.Fatalf("ShortenHash: %v", err)
	}
	if !IsShort(short) {
		t.Fatalf("short token length %d is not below the bound", len(short))
	}

	got, err := codec.ResolveShort(short)
	if err != nil {
		t.Fatalf("ResolveShort: %v", err)
	}
	if got != hash {
		t.Fatalf("round trip mismatch: %q != %q", got, hash)
	}
}

func TestResolveShort_AcceptsPaddedBase64(t *testing.T) {
	codec := newTestCodec(t)

	hash := "deadbeefcafe0123"
	short, err := codec.ShortenHash(hash)
	if err != nil {
		t.Fatalf("ShortenHash: %v", err)
	}
	// Re-encode with padding, as older links carried it.
	raw, err := base64.RawURLEncoding.DecodeString(short)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	padded := base64.URLEncoding.EncodeToString(raw)
	if !strings.HasSuffix(padded, "=") && len(raw)%3 == 0 {
		// No padding applies to this length; the round trip still must work.
		padded = short
	}

	got, err := codec.ResolveShort(padded)
	if err != nil {
		t.Fatalf("ResolveShort(padded): %v", err)
	}
	if got != hash {
		t.Fatalf("got %q; want %q", got, hash)
	}
}

func TestResolveShort_Unconfigured(t *testing.T) {
	codec, err := NewTokenCodec(testFernetKey(), nil, nil)
	if err != nil {
		t.Fatalf("NewTokenCodec: %v", err)
	}
	if _, err := codec.ShortenHash("abc"); err == nil {
		t.Fatalf("expected error without AES material")
	}
	if _, err := codec.ResolveShort("abc"); apperr.KindOf(err) != apperr.KindAuth {
		t.Fatalf("expected auth kind without AES material")
	}
}

func TestIsShort_Boundary(t *testing.T) {
	if !IsShort(strings.Repeat("x", ShortTokenMax-1)) {
		t.Fatalf("len %d should be short", ShortTokenMax-1)
	}
	if IsShort(strings.Repeat("x", ShortTokenMax)) {
		t.Fatalf("len %d should be long", ShortTokenMax)
	}
}
