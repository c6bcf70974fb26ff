package database

import (
	"testing"

	"github.com/whizbang-io/whizbang/pkg/database"
	"github.com/whizbang-io/whizbang/test/util"
)

// NewTestClient creates a *database.Client backed by a freshly migrated,
// uniquely named Postgres schema. The schema and connection pool are
// cleaned up automatically when the test ends.
func NewTestClient(t *testing.T) *database.Client {
	t.Helper()
	db := util.SetupTestDatabase(t)
	client := database.NewClientFromDB(db)
	t.Cleanup(func() {
		_ = client.Close()
	})
	return client
}
