package federation

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

// envelope wraps a serialized FederatedMessage on the wire when
// compression or encryption is applied. Plain messages travel as bare
// JSON.
type envelope struct {
	Encrypted  bool   `json:"encrypted"`
	Compressed bool   `json:"compressed"`
	Payload    string `json:"payload"`
}

// Cipher encrypts federation payloads with AES-256-GCM under a key
// derived from the pre-shared secret.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher derives the AES key from the pre-shared secret.
func NewCipher(presharedKey string) (*Cipher, error) {
	key := sha256.Sum256([]byte(presharedKey))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// Seal encrypts plaintext, prefixing the random nonce.
func (c *Cipher) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return c.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts a nonce-prefixed ciphertext.
func (c *Cipher) Open(sealed []byte) ([]byte, error) {
	if len(sealed) < c.aead.NonceSize() {
		return nil, fmt.Errorf("ciphertext shorter than nonce")
	}
	nonce, ciphertext := sealed[:c.aead.NonceSize()], sealed[c.aead.NonceSize():]
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt payload: %w", err)
	}
	return plaintext, nil
}

// encodeBody wraps the serialized message for transmission: optional zstd
// compression, then optional encryption. Without either, the message is
// sent as-is.
func encodeBody(message []byte, cphr *Cipher, compress bool) ([]byte, error) {
	if cphr == nil && !compress {
		return message, nil
	}

	payload := message
	if compress {
		encoder, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd writer: %w", err)
		}
		payload = encoder.EncodeAll(payload, nil)
		encoder.Close()
	}

	if cphr != nil {
		sealed, err := cphr.Seal(payload)
		if err != nil {
			return nil, err
		}
		payload = sealed
	}

	return json.Marshal(envelope{
		Encrypted:  cphr != nil,
		Compressed: compress,
		Payload:    base64.StdEncoding.EncodeToString(payload),
	})
}

// decodeBody unwraps a received body into the serialized message. Bodies
// that are not envelopes pass through untouched.
func decodeBody(body []byte, cphr *Cipher) ([]byte, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil || env.Payload == "" {
		return body, nil
	}

	payload, err := base64.StdEncoding.DecodeString(env.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: bad payload encoding: %v", ErrMalformedMessage, err)
	}

	if env.Encrypted {
		if cphr == nil {
			return nil, fmt.Errorf("%w: encrypted payload but no shared key configured", ErrMalformedMessage)
		}
		payload, err = cphr.Open(payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
		}
	}

	if env.Compressed {
		decoder, err := zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd reader: %w", err)
		}
		defer decoder.Close()
		payload, err = decoder.DecodeAll(payload, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: bad compressed payload: %v", ErrMalformedMessage, err)
		}
	}

	return payload, nil
}
