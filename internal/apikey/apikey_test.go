package apikey

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apiverse/apiverse/internal/config"
	"github.com/apiverse/apiverse/internal/store"
	"github.com/apiverse/apiverse/internal/store/storetest"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// cheapKeys keeps argon2 fast in tests.
var cheapKeys = config.KeysConfig{
	DefaultEnvironment: "test",
	Argon2Time:         1,
	Argon2MemoryKiB:    8,
	Argon2Threads:      1,
}

func newValidator(t *testing.T) (*Validator, *store.Store) {
	t.Helper()
	s := storetest.New(t)
	v := NewValidator(s, cheapKeys, testLogger())
	t.Cleanup(v.Close)
	return v, s
}

func TestPrefixKeepsRandomCharacters(t *testing.T) {
	v, _ := newValidator(t)

	assert.True(t, ValidEnvironment("abcdefgh"))
	assert.False(t, ValidEnvironment("abcdefghi"))

	issued, err := v.Issue(context.Background(), 1, "abcdefgh", nil)
	require.NoError(t, err)
	random := strings.TrimPrefix(issued.Record.Prefix, "apv_abcdefgh_")
	assert.Len(t, random, minPrefixRandom)
	assert.Equal(t, issued.Key[:PrefixLength], issued.Record.Prefix)
}

func TestIssueAndVerify(t *testing.T) {
	v, s := newValidator(t)
	ctx := context.Background()

	issued, err := v.Issue(ctx, 42, "live", nil)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(issued.Key, "apv_live_"))
	assert.Len(t, issued.Key, len("apv_live_")+43)
	assert.Equal(t, issued.Key[:PrefixLength], issued.Record.Prefix)
	assert.NotContains(t, issued.Record.KeyHash, issued.Key)
	assert.True(t, strings.HasPrefix(issued.Record.KeyHash, "$argon2id$v=19$m=8,t=1,p=1$"))

	id, err := v.Verify(ctx, issued.Key)
	require.NoError(t, err)
	assert.Equal(t, Identity{
		KeyID:       issued.Record.ID,
		OwnerID:     42,
		Environment: "live",
		Prefix:      issued.Record.Prefix,
	}, id)

	rec, err := s.APIKeyByPrefix(ctx, issued.Record.Prefix)
	require.NoError(t, err)
	require.NotNil(t, rec.LastUsedAt, "verification touches last-used")

	t.Run("second verify uses cached comparison", func(t *testing.T) {
		v.verified.Wait()
		_, err := v.Verify(ctx, issued.Key)
		require.NoError(t, err)
	})
}

func TestVerifyRejections(t *testing.T) {
	v, s := newValidator(t)
	ctx := context.Background()

	issued, err := v.Issue(ctx, 1, "test", nil)
	require.NoError(t, err)

	t.Run("malformed keys fail before lookup", func(t *testing.T) {
		for _, raw := range []string{
			"",
			"short",
			"sk_live_" + strings.Repeat("a", 43),
			"apv_LIVE_" + strings.Repeat("a", 43),
			"apv_live_" + strings.Repeat("a", 10),
			"apv_live_" + strings.Repeat("!", 43),
		} {
			_, err := v.Verify(ctx, raw)
			assert.ErrorIs(t, err, ErrInvalidKey, raw)
		}
	})

	t.Run("unknown prefix", func(t *testing.T) {
		other, err := generate("test")
		require.NoError(t, err)
		_, err = v.Verify(ctx, other)
		assert.ErrorIs(t, err, ErrInvalidKey)
	})

	t.Run("right prefix wrong secret", func(t *testing.T) {
		forged := issued.Key[:len(issued.Key)-4] + flip(issued.Key[len(issued.Key)-4:])
		_, err := v.Verify(ctx, forged)
		assert.ErrorIs(t, err, ErrInvalidKey)
	})

	t.Run("expired", func(t *testing.T) {
		past := time.Now().Add(-time.Minute)
		exp, err := v.Issue(ctx, 1, "test", &past)
		require.NoError(t, err)
		_, err = v.Verify(ctx, exp.Key)
		assert.ErrorIs(t, err, ErrExpiredKey)
	})

	t.Run("revoked", func(t *testing.T) {
		_, _, err := v.Revoke(ctx, 2, issued.Record.ID)
		assert.ErrorIs(t, err, store.ErrNotFound, "not owned")

		rec, revoked, err := v.Revoke(ctx, 1, issued.Record.ID)
		require.NoError(t, err)
		assert.True(t, revoked)
		assert.False(t, rec.Active)

		_, err = v.Verify(ctx, issued.Key)
		assert.ErrorIs(t, err, ErrRevokedKey)

		stored, err := s.APIKeyByPrefix(ctx, issued.Record.Prefix)
		require.NoError(t, err)
		assert.False(t, stored.Active, "revocation never deletes the row")
	})
}

func flip(s string) string {
	b := []byte(s)
	for i := range b {
		if b[i] == 'A' {
			b[i] = 'B'
		} else {
			b[i] = 'A'
		}
	}
	return string(b)
}

func TestIssueRejectsBadEnvironment(t *testing.T) {
	v, _ := newValidator(t)
	for _, env := range []string{"", "has_underscore", "UPPER", "waytoolongenv"} {
		_, err := v.Issue(context.Background(), 1, env, nil)
		assert.ErrorIs(t, err, ErrInvalidEnv, env)
	}
}

// collidingStore reports a prefix collision a fixed number of times.
type collidingStore struct {
	KeyStore
	collisions int
	calls      int
}

func (c *collidingStore) CreateAPIKey(ctx context.Context, k *store.APIKey) error {
	c.calls++
	if c.calls <= c.collisions {
		return store.ErrDuplicatePrefix
	}
	return c.KeyStore.CreateAPIKey(ctx, k)
}

func TestIssueRetriesPrefixCollisions(t *testing.T) {
	base := storetest.New(t)

	cs := &collidingStore{KeyStore: base, collisions: 2}
	v := NewValidator(cs, cheapKeys, testLogger())
	defer v.Close()
	_, err := v.Issue(context.Background(), 1, "test", nil)
	require.NoError(t, err)
	assert.Equal(t, 3, cs.calls)

	always := &collidingStore{KeyStore: base, collisions: 100}
	v2 := NewValidator(always, cheapKeys, testLogger())
	defer v2.Close()
	_, err = v2.Issue(context.Background(), 1, "test", nil)
	assert.ErrorIs(t, err, ErrPrefixConflict)
	assert.Equal(t, issueAttempts, always.calls)
}

// failingTouch makes last-used updates fail.
type failingTouch struct{ KeyStore }

func (failingTouch) TouchAPIKey(context.Context, uint, time.Time) error {
	return errors.New("db unavailable")
}

func TestVerifyIgnoresTouchFailure(t *testing.T) {
	base := storetest.New(t)
	v := NewValidator(failingTouch{base}, cheapKeys, testLogger())
	defer v.Close()

	issued, err := v.Issue(context.Background(), 1, "test", nil)
	require.NoError(t, err)
	_, err = v.Verify(context.Background(), issued.Key)
	assert.NoError(t, err)
}

func TestHashVerify(t *testing.T) {
	p := HashParams{Time: 1, MemoryKiB: 8, Threads: 1}
	h, err := hash("secret", p)
	require.NoError(t, err)

	ok, err := verify("secret", h)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = verify("other", h)
	require.NoError(t, err)
	assert.False(t, ok)

	h2, err := hash("secret", p)
	require.NoError(t, err)
	assert.NotEqual(t, h, h2, "salted")

	for _, bad := range []string{"", "plain", "$argon2i$v=19$m=8,t=1,p=1$c2FsdA$aGFzaA", "$argon2id$v=19$m=x$a$b"} {
		_, err := verify("secret", bad)
		assert.ErrorIs(t, err, errMalformedHash, bad)
	}
}
