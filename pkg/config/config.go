// Package config defines the daemon's runtime configuration as a plain
// struct, independent of any one file format: parsing a config file (TOML,
// JSON, or otherwise) is left to the caller, matching the reference
// daemon's split between a manager.Config value and the CLI code that
// builds one from flags or a file.
package config

import "time"

// Config carries every knob the daemon's long-running components need at
// startup. Struct tags are json so a thin encoding/json loader can
// populate it from a file; the core stays importable as a library without
// pulling in a config-file parser.
type Config struct {
	// FIFODir is the directory the RPC listener's well-known server FIFO
	// and every paired application's private FIFOs live in.
	FIFODir string `json:"fifo_dir"`

	// CgroupRoot is the control-group mount point the Host platform proxy
	// actuates resource assignments under (e.g. "/sys/fs/cgroup/rtrm").
	CgroupRoot string `json:"cgroup_root"`

	// MinRecipeVersion is the lowest recipe version the application
	// manager accepts at registration; recipes tagged below it are
	// rejected with ErrRecipeVersionMismatch. Defaults to
	// types.MinRecipeVersion when zero.
	MinRecipeVersion int `json:"min_recipe_version"`

	// SchedulerTick bounds how long a policy-relevant change can wait
	// before the scheduler invoker notices it even with no event arriving.
	SchedulerTick time.Duration `json:"scheduler_tick"`

	// SyncSlack is added to a recipe's declared configuration-time
	// estimate to derive each phase's per-participant deadline in a
	// synchronization round.
	SyncSlack time.Duration `json:"sync_slack"`

	// PluginsDir is where auxiliary platform.Proxy plugins (accelerator
	// runtime backends) would be discovered from. No concrete loader
	// ships yet; see pkg/platform.Remote and DESIGN.md.
	PluginsDir string `json:"plugins_dir"`

	// MetricsAddr is the listen address for the /metrics, /health,
	// /ready, and /live HTTP endpoints.
	MetricsAddr string `json:"metrics_addr"`
}

// Default returns a Config with every field set to the value the daemon
// uses when no configuration file is supplied.
func Default() Config {
	return Config{
		FIFODir:          "/var/run/rtrmd",
		CgroupRoot:       "/sys/fs/cgroup/rtrm",
		MinRecipeVersion: 1,
		SchedulerTick:    200 * time.Millisecond,
		SyncSlack:        50 * time.Millisecond,
		PluginsDir:       "/etc/rtrmd/plugins",
		MetricsAddr:      "127.0.0.1:9090",
	}
}
