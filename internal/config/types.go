package config

import (
	"bytes"
	"encoding/json"
)

type Config struct {
	Logging   LoggingConfig              `json:"logging"`
	Storage   *StorageConfig             `json:"storage,omitempty"`
	Scheduler SchedulerConfig            `json:"scheduler"`
	Plugins   map[string]PluginConfigRaw `json:"plugins"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls token persistence.
//
//	"storage": { "driver": "sqlite", "path": "./data/feishubot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
}

// SchedulerConfig controls background triggers (token prewarm).
type SchedulerConfig struct {
	Enabled  bool   `json:"enabled"`
	Timezone string `json:"timezone,omitempty"`
	// DefaultTimeout is a Go duration string; empty means 1m.
	DefaultTimeout string `json:"default_timeout,omitempty"`
}

type PluginConfigRaw struct {
	Enabled bool            `json:"enabled"`
	Config  json.RawMessage `json:"config,omitempty"`
}

// UnmarshalJSON rejects unknown keys so typos fail at load time, not silently.
func (p *PluginConfigRaw) UnmarshalJSON(b []byte) error {
	type plain PluginConfigRaw
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var t plain
	if err := dec.Decode(&t); err != nil {
		return err
	}
	*p = PluginConfigRaw(t)
	return nil
}
