package offline

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"os"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

// ChaChaCipher seals card blobs with XChaCha20-Poly1305, random nonce
// prepended to the ciphertext.
type ChaChaCipher struct {
	key []byte
}

// NewChaChaCipher requires a 32-byte key.
func NewChaChaCipher(key []byte) (*ChaChaCipher, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, errors.New("card cipher key must be 32 bytes")
	}
	return &ChaChaCipher{key: key}, nil
}

// CipherFromEnv builds the card cipher from POS_CARD_KEY (64 hex chars).
// Without the env var a random ephemeral key is generated: captures still
// work, but queued card payments cannot be decrypted after a restart, so
// production terminals must configure a provisioned key.
func CipherFromEnv() (*ChaChaCipher, error) {
	if v := strings.TrimSpace(os.Getenv("POS_CARD_KEY")); v != "" {
		key, err := hex.DecodeString(v)
		if err != nil {
			return nil, errors.New("POS_CARD_KEY is not valid hex")
		}
		return NewChaChaCipher(key)
	}
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	return NewChaChaCipher(key)
}

func (c *ChaChaCipher) Encrypt(plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, nonce...)
	out = append(out, aead.Seal(nil, nonce, plaintext, nil)...)
	return out, nil
}

func (c *ChaChaCipher) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < chacha20poly1305.NonceSizeX {
		return nil, errors.New("ciphertext too short")
	}
	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return nil, err
	}
	nonce := ciphertext[:chacha20poly1305.NonceSizeX]
	ct := ciphertext[chacha20poly1305.NonceSizeX:]
	return aead.Open(nil, nonce, ct, nil)
}

// Zero overwrites sensitive bytes after use.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
