package coordinate

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

// file configuration for the ctl tool and embedders.
// values overlay the component defaults; zero values keep the default.

type Config struct {
	Store     StoreConfig     `toml:"store"`
	Persist   PersistConfig   `toml:"persist"`
	Hierarchy HierarchyConfig `toml:"hierarchy"`
	Backend   BackendConfig   `toml:"backend"`
	Sync      SyncConfig      `toml:"sync"`
}

type StoreConfig struct {
	WarnSlowNotifyMillis int `toml:"warn_slow_notify_millis"`
}

type PersistConfig struct {
	DefaultDebounceMillis int  `toml:"default_debounce_millis"`
	WaitGraceMillis       int  `toml:"wait_grace_millis"`
	TestMode              bool `toml:"test_mode"`
}

type HierarchyConfig struct {
	MaxWalkDepth int `toml:"max_walk_depth"`
}

type BackendConfig struct {
	// path to the sqlite database. empty means in-memory only.
	Path string `toml:"path"`
}

type SyncConfig struct {
	Url string `toml:"url"`
	// the agent jwt. prefer passing interactively over storing it here.
	AgentJwt         string `toml:"agent_jwt"`
	ReconnectSeconds int    `toml:"reconnect_seconds"`
}

func LoadConfig(path string) (*Config, error) {
	config := &Config{}
	if _, err := toml.DecodeFile(path, config); err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	return config, nil
}

// the component settings implied by the file, overlaid on defaults
func (self *Config) CoordinationSettings() *CoordinationSettings {
	settings := DefaultCoordinationSettings()
	if 0 < self.Store.WarnSlowNotifyMillis {
		settings.StoreSettings.WarnSlowNotifyDuration = time.Duration(self.Store.WarnSlowNotifyMillis) * time.Millisecond
	}
	if 0 < self.Persist.DefaultDebounceMillis {
		settings.PersistSettings.DefaultDebounceTimeout = time.Duration(self.Persist.DefaultDebounceMillis) * time.Millisecond
	}
	if 0 < self.Persist.WaitGraceMillis {
		settings.PersistSettings.WaitGracePeriod = time.Duration(self.Persist.WaitGraceMillis) * time.Millisecond
	}
	settings.PersistSettings.TestMode = self.Persist.TestMode
	if 0 < self.Hierarchy.MaxWalkDepth {
		settings.HierarchySettings.MaxWalkDepth = self.Hierarchy.MaxWalkDepth
	}
	return settings
}

func (self *Config) AgentRelaySettings() *AgentRelaySettings {
	settings := DefaultAgentRelaySettings()
	if 0 < self.Sync.ReconnectSeconds {
		settings.ReconnectTimeout = time.Duration(self.Sync.ReconnectSeconds) * time.Second
	}
	return settings
}
