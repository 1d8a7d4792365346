// Package auth implements API key credentials for the public API. Keys are
// random secrets hashed with bcrypt; only the prefix is stored in clear for
// lookup, so a database leak never exposes a usable key.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"duepoint/internal/core"
	"duepoint/internal/types"
)

const (
	// keyTag prefixes every issued key so keys are recognizable in logs
	// and secret scanners.
	keyTag = "dpk_"

	// keySecretLength is the number of random bytes in a key. 32 bytes of
	// base64 plus the tag stays well under bcrypt's 72-byte input limit.
	keySecretLength = 32

	// keyPrefixLength is the number of encoded characters kept in clear
	// for lookup.
	keyPrefixLength = 8

	bcryptCost = 12
)

// GenerateKey creates a new API key for the account. The returned plaintext
// is shown to the caller exactly once; only the prefix and bcrypt hash are
// persisted.
func GenerateKey(accountID string) (plaintext string, key *types.APIKey, err error) {
	raw := make([]byte, keySecretLength)
	if _, err := rand.Read(raw); err != nil {
		return "", nil, fmt.Errorf("auth: crypto/rand read failed: %w", err)
	}

	encoded := base64.RawURLEncoding.EncodeToString(raw)
	plaintext = keyTag + encoded

	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcryptCost)
	if err != nil {
		return "", nil, fmt.Errorf("auth: bcrypt hash failed: %w", err)
	}

	return plaintext, &types.APIKey{
		AccountID: accountID,
		Prefix:    keyTag + encoded[:keyPrefixLength],
		Hash:      hash,
	}, nil
}

// PrefixOf returns the lookup prefix for a presented plaintext key, or an
// empty string when the key is malformed.
func PrefixOf(plaintext string) string {
	if !strings.HasPrefix(plaintext, keyTag) {
		return ""
	}
	if len(plaintext) < len(keyTag)+keyPrefixLength {
		return ""
	}
	return plaintext[:len(keyTag)+keyPrefixLength]
}

// Verify compares a presented plaintext key against the stored hash.
func Verify(key *types.APIKey, plaintext string) bool {
	return bcrypt.CompareHashAndPassword(key.Hash, []byte(plaintext)) == nil
}

// KeyLookup is the data access the middleware needs.
type KeyLookup interface {
	GetByPrefix(ctx context.Context, prefix string) (*types.APIKey, error)
	TouchLastUsed(ctx context.Context, id string, now time.Time) error
}

// Middleware authenticates requests via "Authorization: Bearer dpk_...".
// On success the account id is stored in the request context; the last-used
// timestamp is updated best-effort.
func Middleware(keys KeyLookup, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				core.Error(w, r, types.NewAppError(types.ErrCodeAuthKeyMissing,
					"authorization header required", nil))
				return
			}

			plaintext := strings.TrimPrefix(header, "Bearer ")
			prefix := PrefixOf(plaintext)
			if prefix == "" {
				core.Error(w, r, types.NewAppError(types.ErrCodeAuthKeyInvalid,
					"malformed api key", nil))
				return
			}

			key, err := keys.GetByPrefix(r.Context(), prefix)
			if err != nil {
				core.Error(w, r, err)
				return
			}
			if key == nil || !Verify(key, plaintext) {
				core.Error(w, r, types.NewAppError(types.ErrCodeAuthKeyInvalid,
					"invalid api key", nil))
				return
			}

			if err := keys.TouchLastUsed(r.Context(), key.ID, time.Now().UTC()); err != nil {
				logger.WarnContext(r.Context(), "failed to update api key last_used_at",
					"key_id", key.ID, "error", err)
			}

			ctx := types.WithAccountID(r.Context(), key.AccountID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
