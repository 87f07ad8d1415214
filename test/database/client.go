package database

import (
	"testing"

	"github.com/parley-ai/parley/pkg/database"
	"github.com/parley-ai/parley/test/util"
)

// NewTestClient creates a test database client backed by an isolated,
// migrated schema.
// In CI (when CI_DATABASE_URL is set): connects to the external PostgreSQL
// service container. In local dev: spins up a shared testcontainer.
// The schema and connections are cleaned up when the test ends.
func NewTestClient(t *testing.T) *database.Client {
	db := util.SetupTestDatabase(t)
	return database.NewClientFromDB(db)
}
