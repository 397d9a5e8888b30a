package config

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsPopulated(t *testing.T) {
	cfg := Default()
	assert.NotEmpty(t, cfg.FIFODir)
	assert.NotEmpty(t, cfg.CgroupRoot)
	assert.Equal(t, 1, cfg.MinRecipeVersion)
	assert.Equal(t, 200*time.Millisecond, cfg.SchedulerTick)
	assert.Equal(t, 50*time.Millisecond, cfg.SyncSlack)
}

func TestConfigRoundTripsThroughJSON(t *testing.T) {
	cfg := Default()
	cfg.FIFODir = "/tmp/rtrmd-test"

	data, err := json.Marshal(cfg)
	require.NoError(t, err)

	var decoded Config
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, cfg, decoded)
}
