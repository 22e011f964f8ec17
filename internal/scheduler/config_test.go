package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()

	assert.Equal(t, 24*time.Hour, cfg.ReconcileInterval)
	assert.Equal(t, 30*time.Minute, cfg.ReconcileTimeout)
	assert.Equal(t, 15*time.Minute, cfg.SweepInterval)
	assert.Equal(t, 5*time.Minute, cfg.SweepTimeout)
	assert.Equal(t, 10*time.Minute, cfg.SweepOlderThan)
	assert.Equal(t, 100, cfg.SweepBatchSize)
}

func TestConfigDefaults_ExplicitValuesKept(t *testing.T) {
	cfg := Config{
		ReconcileInterval: time.Hour,
		SweepBatchSize:    10,
	}.withDefaults()

	assert.Equal(t, time.Hour, cfg.ReconcileInterval)
	assert.Equal(t, 10, cfg.SweepBatchSize)
	assert.Equal(t, 15*time.Minute, cfg.SweepInterval)
}
