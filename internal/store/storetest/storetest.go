// Package storetest opens an in-memory store for tests.
package storetest

import (
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/apiverse/apiverse/internal/proxy"
	"github.com/apiverse/apiverse/internal/store"
)

// PermissivePolicy accepts loopback URLs such as httptest servers.
var PermissivePolicy = proxy.URLPolicy{AllowedSchemes: []string{"http", "https"}}

// New returns a migrated store backed by a private in-memory SQLite
// database. Upstream and callback URLs are validated with PermissivePolicy.
func New(t testing.TB) *store.Store {
	t.Helper()
	return NewWithOptions(t, store.Options{
		UpstreamURLs: PermissivePolicy,
		CallbackURLs: PermissivePolicy,
	})
}

func NewWithOptions(t testing.TB, opts store.Options) *store.Store {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         gormlogger.Discard,
		TranslateError: true,
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	// Every connection to ":memory:" is a separate database.
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	s := store.New(db, opts)
	require.NoError(t, s.Migrate())
	return s
}
