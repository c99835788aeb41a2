package config

import (
	"sort"
	"strings"

	logx "feishubot/pkg/logx"
)

// SummarizeConfigChange returns the changed top-level sections, safe log
// fields for them, and the names of plugins whose enable flag or config changed.
// Plugin configs are compared by canonical hash only; their content (which may
// hold secrets) never reaches the log.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	var (
		changed []string
		attrs   []logx.Field
	)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	oSt, nSt := derefStorage(oldCfg.Storage), derefStorage(newCfg.Storage)
	if oSt != nSt {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nSt.Driver)),
			logx.String("storage.path", strings.TrimSpace(nSt.Path)),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
		)
	}

	plugins := diffPlugins(oldCfg.Plugins, newCfg.Plugins)
	if len(plugins) > 0 {
		changed = append(changed, "plugins")
		attrs = append(attrs,
			logx.Int("plugins.enabled", countEnabled(newCfg.Plugins)),
			logx.String("plugins.changed", strings.Join(plugins, ",")),
		)
	}
	return changed, attrs, plugins
}

func derefStorage(s *StorageConfig) StorageConfig {
	if s == nil {
		return StorageConfig{}
	}
	return *s
}

func countEnabled(m map[string]PluginConfigRaw) int {
	n := 0
	for _, v := range m {
		if v.Enabled {
			n++
		}
	}
	return n
}

func diffPlugins(oldM, newM map[string]PluginConfigRaw) []string {
	set := map[string]struct{}{}
	for k := range oldM {
		set[k] = struct{}{}
	}
	for k := range newM {
		set[k] = struct{}{}
	}

	var out []string
	for name := range set {
		o, n := oldM[name], newM[name]
		if o.Enabled != n.Enabled || CanonicalHash(o.Config) != CanonicalHash(n.Config) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
