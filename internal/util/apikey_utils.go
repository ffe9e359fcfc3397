package util

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/makkenzo/key-fulfillment-service/internal/domain/apikey"
)

var stripURLSafe = strings.NewReplacer("-", "", "_", "")

func randomString(length int) (string, error) {
	var sb strings.Builder
	for sb.Len() < length {
		b := make([]byte, length)
		if _, err := rand.Read(b); err != nil {
			return "", err
		}
		sb.WriteString(stripURLSafe.Replace(base64.RawURLEncoding.EncodeToString(b)))
	}
	return sb.String()[:length], nil
}

// GenerateAPIKey returns the full key shown once to the operator, its lookup prefix and
// the hash that is stored.
func GenerateAPIKey() (fullKey string, prefix string, keyHash string, err error) {
	prefix, err = randomString(apikey.APIKeyPrefixLength)
	if err != nil {
		return "", "", "", fmt.Errorf("failed to generate prefix: %w", err)
	}

	secret, err := randomString(apikey.APIKeySecretLength)
	if err != nil {
		return "", "", "", fmt.Errorf("failed to generate secret: %w", err)
	}

	fullKey = fmt.Sprintf(apikey.APIKeyFormat, prefix, secret)
	return fullKey, prefix, HashAPIKey(fullKey), nil
}

func HashAPIKey(fullKey string) string {
	sum := sha256.Sum256([]byte(fullKey))
	return hex.EncodeToString(sum[:])
}

// ParseAPIKeyPrefix extracts the lookup prefix from "kf_<prefix>_<secret>".
func ParseAPIKeyPrefix(fullKey string) (string, bool) {
	parts := strings.SplitN(fullKey, "_", 3)
	if len(parts) < 3 || parts[0] != apikey.APIKeyScheme || parts[1] == "" || parts[2] == "" {
		return "", false
	}
	return parts[1], true
}
