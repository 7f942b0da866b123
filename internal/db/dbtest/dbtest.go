// Package dbtest opens throwaway in-memory sqlite databases carrying the
// production schema.
package dbtest

import (
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"dispatch-engine-go/internal/config"
	"dispatch-engine-go/internal/db"
)

// Open returns a migrated database private to the test
func Open(t testing.TB) *gorm.DB {
	t.Helper()
	// a shared-cache memory database lives as long as one connection does
	gdb, err := db.Init(config.DatabaseConfig{
		Driver:       "sqlite",
		DBName:       fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()),
		MaxOpenConns: 1,
		MaxIdleConns: 1,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close(gdb) })
	return gdb
}
