package crypto

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"testing"

	"github.com/convoops/go-callback-backend/internal/apperr"
)

// buildFlowRequest seals a body the way WhatsApp does on the wire: AES-GCM
// under a fresh data key, the key wrapped with RSA-OAEP-SHA256.
func buildFlowRequest(t *testing.T, pub *rsa.PublicKey, body map[string]any, aesKey, iv []byte) FlowRequest {
	t.Helper()

	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	sealed, err := gcmSeal(aesKey, iv, raw)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, aesKey, nil)
	if err != nil {
		t.Fatalf("wrap key: %v", err)
	}

	return FlowRequest{
		EncryptedFlowData: base64.StdEncoding.EncodeToString(sealed),
		EncryptedAESKey:   base64.StdEncoding.EncodeToString(wrapped),
		InitialVector:     base64.StdEncoding.EncodeToString(iv),
	}
}

func testRSAKey(t *testing.T) (*rsa.PrivateKey, string) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	pemKey := string(pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(priv),
	}))
	return priv, pemKey
}

func TestDecryptFlowRequest_RoundTrip(t *testing.T) {
	priv, pemKey := testRSAKey(t)

	aesKey := []byte("0123456789abcdef") // AES-128 data key
	iv := []byte("abcdefgh01234567")
	body := map[string]any{"screen": "SURVEY", "data": map[string]any{"answer": "yes"}}

	req := buildFlowRequest(t, &priv.PublicKey, body, aesKey, iv)

	payload, err := DecryptFlowRequest(req, pemKey)
	if err != nil {
		t.Fatalf("DecryptFlowRequest: %v", err)
	}
	if payload.Body["screen"] != "SURVEY" {
		t.Fatalf("unexpected body: %v", payload.Body)
	}
	if !bytes.Equal(payload.AESKey, aesKey) || !bytes.Equal(payload.IV, iv) {
		t.Fatalf("key material not preserved")
	}
}

func TestEncryptFlowResponse_FlipsIV(t *testing.T) {
	aesKey := []byte("0123456789abcdef")
	iv := []byte("abcdefgh01234567")

	out, err := EncryptFlowResponse(map[string]any{"ok": true}, aesKey, iv)
	if err != nil {
		t.Fatalf("EncryptFlowResponse: %v", err)
	}
	sealed, err := base64.StdEncoding.DecodeString(out)
	if err != nil {
		t.Fatalf("response is not base64: %v", err)
	}

	// Decrypting with the flipped IV must succeed; the request IV must fail.
	flipped := make([]byte, len(iv))
	for i, b := range iv {
		flipped[i] = b ^ 0xFF
	}
	plain, err := gcmOpen(aesKey, flipped, sealed)
	if err != nil {
		t.Fatalf("open with flipped IV: %v", err)
	}
	var body map[string]any
	if err := json.Unmarshal(plain, &body); err != nil || body["ok"] != true {
		t.Fatalf("unexpected response body: %s (%v)", plain, err)
	}
	if _, err := gcmOpen(aesKey, iv, sealed); err == nil {
		t.Fatalf("request IV must not open the response")
	}
}

func TestDecryptFlowRequest_Failures(t *testing.T) {
	_, pemKey := testRSAKey(t)

	// Bad base64 in any field is a validation error.
	bad := FlowRequest{EncryptedFlowData: "!!", EncryptedAESKey: "!!", InitialVector: "!!"}
	if _, err := DecryptFlowRequest(bad, pemKey); apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("expected validation kind, got %v", apperr.KindOf(err))
	}

	// A key wrapped for a different RSA key cannot be unwrapped.
	other, _ := testRSAKey(t)
	req := buildFlowRequest(t, &other.PublicKey,
		map[string]any{"x": 1}, []byte("0123456789abcdef"), []byte("abcdefgh01234567"))
	if _, err := DecryptFlowRequest(req, pemKey); apperr.KindOf(err) != apperr.KindAuth {
		t.Fatalf("expected auth kind, got %v", apperr.KindOf(err))
	}

	// An invalid PEM is a validation error.
	req2 := buildFlowRequest(t, &other.PublicKey,
		map[string]any{"x": 1}, []byte("0123456789abcdef"), []byte("abcdefgh01234567"))
	if _, err := DecryptFlowRequest(req2, "not a key"); apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("expected validation kind for bad PEM, got %v", apperr.KindOf(err))
	}
}
