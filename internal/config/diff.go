package config

import "gopkg.in/yaml.v3"

// ConfigDiff describes the hot-reloadable changes between two configs.
// Everything else needs a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// PolicyChanged is set when policy.file points elsewhere. Edits to the
	// file itself are reported by the [Watcher] as a change with an
	// otherwise empty diff.
	PolicyChanged bool
	NewPolicyFile string

	// RestartRequired lists top-level sections that changed but are only
	// read at startup.
	RestartRequired []string
}

// Diff compares old and new.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Policy.File != new.Policy.File {
		d.PolicyChanged = true
		d.NewPolicyFile = new.Policy.File
	}

	oldServer, newServer := old.Server, new.Server
	oldServer.LogLevel, newServer.LogLevel = "", ""
	if !sameYAML(oldServer, newServer) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	for _, s := range []struct {
		name     string
		old, new any
	}{
		{"providers", old.Providers, new.Providers},
		{"assistant", old.Assistant, new.Assistant},
		{"headless", old.Headless, new.Headless},
		{"ledger", old.Ledger, new.Ledger},
		{"gateway", old.Gateway, new.Gateway},
	} {
		if !sameYAML(s.old, s.new) {
			d.RestartRequired = append(d.RestartRequired, s.name)
		}
	}
	return d
}

// sameYAML compares two sections by their YAML encoding, which handles the
// maps and slices a plain == cannot.
func sameYAML(a, b any) bool {
	ea, errA := yaml.Marshal(a)
	eb, errB := yaml.Marshal(b)
	return errA == nil && errB == nil && string(ea) == string(eb)
}
