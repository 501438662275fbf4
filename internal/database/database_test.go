package database

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgeward/edgeward/internal/models"
)

func TestConnect(t *testing.T) {
	// Test with memory DB
	db, err := Connect("file:" + t.Name() + "?mode=memory&cache=shared")
	require.NoError(t, err)
	assert.NotNil(t, db)
	assert.True(t, db.Migrator().HasTable(&models.FirewallRule{}))
	assert.True(t, db.Migrator().HasTable(&models.DailyProxyStats{}))

	// Test with file DB
	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err = Connect(dbPath)
	require.NoError(t, err)
	assert.FileExists(t, dbPath)
	assert.True(t, db.Migrator().HasTable(&models.IPReputation{}))
}
