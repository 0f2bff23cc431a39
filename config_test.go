package coordinate

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "coordinate.toml")
	err := os.WriteFile(path, []byte(`
[store]
warn_slow_notify_millis = 250

[persist]
default_debounce_millis = 750
test_mode = true

[hierarchy]
max_walk_depth = 64

[backend]
path = "doc.db"

[sync]
url = "wss://relay.example.com/sync"
reconnect_seconds = 10
`), 0644)
	assert.Equal(t, nil, err)

	config, err := LoadConfig(path)
	assert.Equal(t, nil, err)
	assert.Equal(t, "doc.db", config.Backend.Path)
	assert.Equal(t, "wss://relay.example.com/sync", config.Sync.Url)

	settings := config.CoordinationSettings()
	assert.Equal(t, 250*time.Millisecond, settings.StoreSettings.WarnSlowNotifyDuration)
	assert.Equal(t, 750*time.Millisecond, settings.PersistSettings.DefaultDebounceTimeout)
	assert.Equal(t, true, settings.PersistSettings.TestMode)
	assert.Equal(t, 64, settings.HierarchySettings.MaxWalkDepth)
	// unset values keep the defaults
	assert.Equal(t, DefaultPersistenceSettings().WaitGracePeriod, settings.PersistSettings.WaitGracePeriod)

	relaySettings := config.AgentRelaySettings()
	assert.Equal(t, 10*time.Second, relaySettings.ReconnectTimeout)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.toml"))
	assert.NotEqual(t, nil, err)
}

func TestConfigDefaults(t *testing.T) {
	config := &Config{}
	settings := config.CoordinationSettings()
	assert.Equal(t, DefaultPersistenceSettings().DefaultDebounceTimeout, settings.PersistSettings.DefaultDebounceTimeout)
	assert.Equal(t, DefaultHierarchyCacheSettings().MaxWalkDepth, settings.HierarchySettings.MaxWalkDepth)
	assert.Equal(t, DefaultAgentRelaySettings().ReconnectTimeout, config.AgentRelaySettings().ReconnectTimeout)
}
