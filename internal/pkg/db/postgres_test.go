package db

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bizsim/internal/config"
)

func TestPoolConfig(t *testing.T) {
	cfg := &config.DatabaseConfig{
		Host:     "db.internal",
		Port:     5433,
		User:     "bizsim",
		Password: "secret",
		Name:     "matches",
		PoolSize: 20,
	}
	pc, err := PoolConfig(cfg)
	require.NoError(t, err)

	assert.Equal(t, int32(20), pc.MaxConns)
	assert.Equal(t, int32(5), pc.MinConns)
	assert.Equal(t, "db.internal", pc.ConnConfig.Host)
	assert.Equal(t, uint16(5433), pc.ConnConfig.Port)
	assert.Equal(t, "matches", pc.ConnConfig.Database)
	assert.Equal(t, 10*time.Second, pc.ConnConfig.ConnectTimeout)
	assert.Equal(t, time.Hour, pc.MaxConnLifetime)
	assert.Equal(t, 30*time.Minute, pc.MaxConnIdleTime)
}

func TestPoolConfigKeepsOneWarmConnection(t *testing.T) {
	pc, err := PoolConfig(&config.DatabaseConfig{
		Host:            "localhost",
		Port:            5432,
		User:            "u",
		Name:            "d",
		PoolSize:        2,
		MaxConnLifetime: 5 * time.Minute,
	})
	require.NoError(t, err)
	assert.Equal(t, int32(1), pc.MinConns)
	assert.Equal(t, 5*time.Minute, pc.MaxConnLifetime)
}
