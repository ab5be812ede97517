// Package apikey issues, verifies and revokes caller API keys.
//
// A key has the shape apv_{env}_{43 chars of base64url}. Its first
// PrefixLength characters are stored in clear as a lookup index; the full
// key is stored only as an argon2id hash.
package apikey

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dgraph-io/ristretto/v2"

	"github.com/apiverse/apiverse/internal/config"
	"github.com/apiverse/apiverse/internal/store"
)

// PrefixLength is the number of leading key characters used for lookup.
const PrefixLength = 20

// minPrefixRandom is the number of random characters every prefix carries
// after "apv_{env}_".
const minPrefixRandom = 7

const (
	keyScheme     = "apv"
	randomBytes   = 32
	maxEnvLen     = PrefixLength - len(keyScheme) - 2 - minPrefixRandom
	issueAttempts = 5
	touchTimeout  = 2 * time.Second

	// verifiedTTL bounds how long a successful hash comparison is reused.
	// Active and expiry checks still run on every call.
	verifiedTTL = 5 * time.Minute
)

var (
	ErrInvalidKey     = errors.New("invalid api key")
	ErrExpiredKey     = errors.New("api key expired")
	ErrRevokedKey     = errors.New("api key revoked")
	ErrInvalidEnv     = errors.New("invalid key environment")
	ErrPrefixConflict = errors.New("could not allocate a unique key prefix")
)

// KeyStore is the persistence the validator needs.
type KeyStore interface {
	CreateAPIKey(ctx context.Context, k *store.APIKey) error
	APIKeyByPrefix(ctx context.Context, prefix string) (*store.APIKey, error)
	TouchAPIKey(ctx context.Context, id uint, at time.Time) error
	RevokeAPIKey(ctx context.Context, ownerID, keyID uint) (*store.APIKey, bool, error)
}

// Identity is the verified caller behind a key.
type Identity struct {
	KeyID       uint
	OwnerID     uint
	Environment string
	Prefix      string
}

// Issued is a newly created key. Key is the only copy of the plaintext.
type Issued struct {
	Key    string
	Record store.APIKey
}

// Validator verifies and manages API keys.
type Validator struct {
	store    KeyStore
	params   HashParams
	logger   *slog.Logger
	verified *ristretto.Cache[string, uint]
	now      func() time.Time
}

// NewValidator creates a validator using the argon2 parameters from cfg.
func NewValidator(s KeyStore, cfg config.KeysConfig, logger *slog.Logger) *Validator {
	verified, err := ristretto.NewCache(&ristretto.Config[string, uint]{
		NumCounters: 100_000,
		MaxCost:     10_000,
		BufferItems: 64,
	})
	if err != nil {
		panic("ristretto: " + err.Error())
	}
	return &Validator{
		store: s,
		params: HashParams{
			Time:      cfg.Argon2Time,
			MemoryKiB: cfg.Argon2MemoryKiB,
			Threads:   cfg.Argon2Threads,
		},
		logger:   logger.With("component", "apikey"),
		verified: verified,
		now:      time.Now,
	}
}

// Verify resolves rawKey to its identity.
func (v *Validator) Verify(ctx context.Context, rawKey string) (Identity, error) {
	if !wellFormed(rawKey) {
		return Identity{}, ErrInvalidKey
	}
	prefix := rawKey[:PrefixLength]

	rec, err := v.store.APIKeyByPrefix(ctx, prefix)
	if errors.Is(err, store.ErrNotFound) {
		return Identity{}, ErrInvalidKey
	}
	if err != nil {
		return Identity{}, fmt.Errorf("lookup key: %w", err)
	}

	if !rec.Active {
		return Identity{}, ErrRevokedKey
	}
	now := v.now()
	if rec.ExpiresAt != nil && !now.Before(*rec.ExpiresAt) {
		return Identity{}, ErrExpiredKey
	}

	if err := v.checkSecret(rawKey, rec); err != nil {
		return Identity{}, err
	}

	v.touch(ctx, rec.ID, now)

	return Identity{
		KeyID:       rec.ID,
		OwnerID:     rec.OwnerID,
		Environment: rec.Environment,
		Prefix:      rec.Prefix,
	}, nil
}

func (v *Validator) checkSecret(rawKey string, rec *store.APIKey) error {
	digest := sha256.Sum256([]byte(rawKey))
	cacheKey := string(digest[:])
	if id, ok := v.verified.Get(cacheKey); ok && id == rec.ID {
		return nil
	}

	ok, err := verify(rawKey, rec.KeyHash)
	if err != nil {
		v.logger.Error("stored key hash unreadable", "key_id", rec.ID, "error", err)
		return ErrInvalidKey
	}
	if !ok {
		return ErrInvalidKey
	}
	v.verified.SetWithTTL(cacheKey, rec.ID, 1, verifiedTTL)
	return nil
}

// touch records last use. Failures never fail verification.
func (v *Validator) touch(ctx context.Context, id uint, at time.Time) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), touchTimeout)
	defer cancel()
	if err := v.store.TouchAPIKey(ctx, id, at.UTC()); err != nil {
		v.logger.Warn("failed to update key last-used", "key_id", id, "error", err)
	}
}

// Issue generates, hashes and stores a new key for ownerID. An empty env
// is rejected; a nil expiresAt never expires.
func (v *Validator) Issue(ctx context.Context, ownerID uint, env string, expiresAt *time.Time) (Issued, error) {
	if !ValidEnvironment(env) {
		return Issued{}, fmt.Errorf("%w: %q", ErrInvalidEnv, env)
	}

	for range issueAttempts {
		raw, err := generate(env)
		if err != nil {
			return Issued{}, err
		}
		digest, err := hash(raw, v.params)
		if err != nil {
			return Issued{}, err
		}

		rec := store.APIKey{
			OwnerID:     ownerID,
			KeyHash:     digest,
			Prefix:      raw[:PrefixLength],
			Environment: env,
			Active:      true,
			ExpiresAt:   expiresAt,
		}
		err = v.store.CreateAPIKey(ctx, &rec)
		if errors.Is(err, store.ErrDuplicatePrefix) {
			v.logger.Debug("key prefix collision, regenerating", "prefix", rec.Prefix)
			continue
		}
		if err != nil {
			return Issued{}, fmt.Errorf("store key: %w", err)
		}
		return Issued{Key: raw, Record: rec}, nil
	}
	return Issued{}, ErrPrefixConflict
}

// Revoke deactivates a key. revoked is false when the key was already
// inactive. It returns store.ErrNotFound when ownerID does not own keyID.
func (v *Validator) Revoke(ctx context.Context, ownerID, keyID uint) (*store.APIKey, bool, error) {
	return v.store.RevokeAPIKey(ctx, ownerID, keyID)
}

// Close releases the verification cache.
func (v *Validator) Close() {
	v.verified.Close()
}

func generate(env string) (string, error) {
	buf := make([]byte, randomBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("reading random bytes: %w", err)
	}
	return keyScheme + "_" + env + "_" + base64.RawURLEncoding.EncodeToString(buf), nil
}

// wellFormed checks the key shape without touching the store.
func wellFormed(raw string) bool {
	scheme, rest, ok := strings.Cut(raw, "_")
	if !ok || scheme != keyScheme {
		return false
	}
	env, secret, ok := strings.Cut(rest, "_")
	if !ok || !ValidEnvironment(env) {
		return false
	}
	if len(secret) != base64.RawURLEncoding.EncodedLen(randomBytes) {
		return false
	}
	_, err := base64.RawURLEncoding.DecodeString(secret)
	return err == nil && len(raw) > PrefixLength
}

// ValidEnvironment reports whether env is 1 to 8 lowercase letters or
// digits, which keeps at least minPrefixRandom random characters in the
// prefix.
func ValidEnvironment(env string) bool {
	if env == "" || len(env) > maxEnvLen {
		return false
	}
	for i := 0; i < len(env); i++ {
		c := env[i]
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') {
			return false
		}
	}
	return true
}
