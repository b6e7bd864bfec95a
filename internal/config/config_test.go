package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/mailroom")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store)
	assert.Equal(t, 5*time.Second, cfg.PollInterval)
	assert.Equal(t, 25, cfg.BatchLimit)
	assert.Equal(t, 5, cfg.MaxConcurrent)
	assert.Equal(t, 5*time.Minute, cfg.LeaseTimeout)
	assert.Equal(t, 5, cfg.PoolSize)
	assert.Equal(t, 30*time.Second, cfg.SendTimeout)
	assert.Equal(t, time.Minute, cfg.RetryBaseDelay)
	assert.Equal(t, 30*time.Minute, cfg.RetryMaxDelay)
}

func TestLoadMemoryStoreNeedsNoDatabase(t *testing.T) {
	t.Setenv("STORE", "memory")
	t.Setenv("DATABASE_URL", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Store)
}

func TestLoadRejectsBadStore(t *testing.T) {
	t.Setenv("STORE", "bogus")
	_, err := Load()
	assert.Error(t, err)
}

func TestLoadRequiresDatabaseURLForPostgres(t *testing.T) {
	t.Setenv("STORE", "postgres")
	t.Setenv("DATABASE_URL", "")
	_, err := Load()
	assert.Error(t, err)
}
