package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadYAMLAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "cfg.yaml", `
log_level: debug
detection:
  conflict_retries: 8
  dedupe_window: 30s
storage:
  driver: memory
dispatch:
  transport: log
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 8, cfg.Detection.ConflictRetries)
	assert.Equal(t, 3, cfg.Detection.StoreRetries)
	assert.Equal(t, 30*time.Second, cfg.Detection.DedupeWindow)
	assert.Equal(t, DefaultEventTopic, cfg.Dispatch.Topic)
	assert.Equal(t, DefaultInboundTopic, cfg.Ingest.MQTT.Topic)
	assert.Equal(t, 1000, cfg.Events.StoreLimit)
}

func TestLoadJSON(t *testing.T) {
	path := writeConfig(t, "cfg.json", `{"dispatch":{"transport":"log","topic":"custom/pred"},"storage":{"driver":"memory"}}`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "custom/pred", cfg.Dispatch.Topic)
}

func TestLoadRejects(t *testing.T) {
	cases := map[string]string{
		"empty":         "   ",
		"bad transport": "dispatch:\n  transport: carrier-pigeon\n",
		"bad driver":    "storage:\n  driver: dynamo\n",
		"kafka ingest":  "ingest:\n  kafka:\n    enabled: true\n",
		"kafka out":     "dispatch:\n  transport: kafka\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, "cfg.yaml", body))
			require.Error(t, err)
		})
	}
}

func TestManagerReloadPicksUpChanges(t *testing.T) {
	path := writeConfig(t, "cfg.yaml", "dispatch:\n  transport: log\n")
	m, err := NewManager(path)
	require.NoError(t, err)
	assert.False(t, m.Get().Detection.LogRanking)

	require.NoError(t, os.WriteFile(path, []byte("dispatch:\n  transport: log\ndetection:\n  log_ranking: true\n"), 0o644))
	future := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(path, future, future))

	needs, err := m.NeedsReload()
	require.NoError(t, err)
	require.True(t, needs)
	cfg, err := m.Reload()
	require.NoError(t, err)
	assert.True(t, cfg.Detection.LogRanking)
	assert.True(t, m.Get().Detection.LogRanking)
}

func TestStaticManager(t *testing.T) {
	m := NewStaticManager(nil)
	assert.Equal(t, DefaultEventTopic, m.Get().Dispatch.Topic)
	needs, err := m.NeedsReload()
	require.NoError(t, err)
	assert.False(t, needs)
}
