// WhatsApp Flow envelope encryption.
//
// Requests arrive with an RSA-OAEP-SHA256 wrapped AES key, a base64 IV, and
// an AES-GCM ciphertext whose authentication tag is the trailing 16 bytes.
// Responses are sealed with the same AES key but the IV flipped byte-wise
// (XOR 0xFF). The IV inversion is a wire contract and must not change.

package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"

	"github.com/convoops/go-callback-backend/internal/apperr"
)

// FlowRequest is the encrypted envelope a WhatsApp Flow endpoint receives.
type FlowRequest struct {
	EncryptedFlowData string `json:"encrypted_flow_data"`
	EncryptedAESKey   string `json:"encrypted_aes_key"`
	InitialVector     string `json:"initial_vector"`
}

// FlowPayload is the decrypted request body plus the material needed to
// seal the response.
type FlowPayload struct {
	Body   map[string]any
	AESKey []byte
	IV     []byte
}

// DecryptFlowRequest unwraps the AES key with the bot's RSA private key and
// decrypts the flow data.
func DecryptFlowRequest(req FlowRequest, pemKey string) (*FlowPayload, error) {
	priv, err := parseRSAPrivateKey(pemKey)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, err)
	}

	wrapped, err := base64.StdEncoding.DecodeString(req.EncryptedAESKey)
	if err != nil {
		return nil, apperr.New(apperr.KindValidation, "encrypted_aes_key is not base64")
	}
	iv, err := base64.StdEncoding.DecodeString(req.InitialVector)
	if err != nil {
		return nil, apperr.New(apperr.KindValidation, "initial_vector is not base64")
	}
	data, err := base64.StdEncoding.DecodeString(req.EncryptedFlowData)
	if err != nil {
		return nil, apperr.New(apperr.KindValidation, "encrypted_flow_data is not base64")
	}

	aesKey, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, wrapped, nil)
	if err != nil {
		return nil, apperr.New(apperr.KindAuth, "cannot unwrap flow key")
	}

	plain, err := gcmOpen(aesKey, iv, data)
	if err != nil {
		return nil, apperr.New(apperr.KindAuth, "cannot decrypt flow data")
	}

	var body map[string]any
	if err := json.Unmarshal(plain, &body); err != nil {
		return nil, apperr.New(apperr.KindValidation, "flow data is not JSON")
	}
	return &FlowPayload{Body: body, AESKey: aesKey, IV: iv}, nil
}

// EncryptFlowResponse seals the response body with AES-GCM under the flipped
// request IV and returns the base64 ciphertext (tag trailing).
func EncryptFlowResponse(body any, aesKey, requestIV []byte) (string, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return "", err
	}
	flipped := make([]byte, len(requestIV))
	for i, b := range requestIV {
		flipped[i] = b ^ 0xFF
	}
	sealed, err := gcmSeal(aesKey, flipped, raw)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func gcmOpen(key, iv, data []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, len(iv))
	if err != nil {
		return nil, err
	}
	// The GCM tag is the trailing 16 bytes of data; Open expects that layout.
	return gcm.Open(nil, iv, data, nil)
}

func gcmSeal(key, iv, plain []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, len(iv))
	if err != nil {
		return nil, err
	}
	return gcm.Seal(nil, iv, plain, nil), nil
}

func parseRSAPrivateKey(pemKey string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemKey))
	if block == nil {
		return nil, errors.New("invalid PEM private key")
	}
	if k, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return k, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, errors.New("unsupported private key encoding")
	}
	rsaKey, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("private key is not RSA")
	}
	return rsaKey, nil
}
