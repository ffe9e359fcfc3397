package util

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/scrypt"
)

const (
	scryptN = 32768
	scryptR = 8
	scryptP = 1
)

// KeySealer encrypts key codes before they reach the database.
type KeySealer struct {
	key []byte
}

func NewKeySealer(secret, salt string) (*KeySealer, error) {
	if secret == "" || salt == "" {
		return nil, errors.New("key encryption secret and salt are required")
	}

	key, err := scrypt.Key([]byte(secret), []byte(salt), scryptN, scryptR, scryptP, chacha20poly1305.KeySize)
	if err != nil {
		return nil, fmt.Errorf("derive key encryption key: %w", err)
	}
	return &KeySealer{key: key}, nil
}

// Seal returns nonce||ciphertext.
func (s *KeySealer) Seal(code string) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(code)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, []byte(code), nil), nil
}

func (s *KeySealer) Open(sealed []byte) (string, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return "", err
	}
	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return "", errors.New("sealed key code too short")
	}

	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("open sealed key code: %w", err)
	}
	return string(plain), nil
}

// HashKeyCode is the fingerprint used for duplicate detection. Codes are compared
// case-insensitively with surrounding whitespace ignored.
func HashKeyCode(code string) string {
	sum := sha256.Sum256([]byte(NormalizeKeyCode(code)))
	return hex.EncodeToString(sum[:])
}

func NormalizeKeyCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// MaskKeyCode keeps the last four characters, which is all that may appear in logs.
func MaskKeyCode(code string) string {
	const visible = 4
	if len(code) <= visible {
		return strings.Repeat("*", len(code))
	}
	return strings.Repeat("*", len(code)-visible) + code[len(code)-visible:]
}
