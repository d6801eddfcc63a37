package guest

import (
	"log/slog"
	"os"
	"syscall"
)

// mountEntry describes a filesystem mount for init mode.
type mountEntry struct {
	source string
	target string
	fstype string
	flags  uintptr
}

var initMounts = []mountEntry{
	{source: "proc", target: "/proc", fstype: "proc"},
	{source: "sysfs", target: "/sys", fstype: "sysfs"},
	{source: "devtmpfs", target: "/dev", fstype: "devtmpfs"},
	{source: "tmpfs", target: "/tmp", fstype: "tmpfs"},
}

// initEnv is the environment the worker interpreter needs when the agent is
// the only process in the VM.
var initEnv = map[string]string{
	"HOME":       "/root",
	"PATH":       "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin",
	"MPLBACKEND": "Agg",
}

// SetupInit mounts essential filesystems and sets up the minimal environment
// required when running as PID 1 inside a microVM. It reports whether init
// mode was entered.
func SetupInit(logger *slog.Logger) bool {
	if os.Getpid() != 1 {
		return false
	}

	logger.Info("running as PID 1, mounting essential filesystems")

	for _, m := range initMounts {
		if err := os.MkdirAll(m.target, 0o755); err != nil {
			logger.Warn("mkdir", "target", m.target, "error", err)
			continue
		}
		if err := syscall.Mount(m.source, m.target, m.fstype, m.flags, ""); err != nil {
			logger.Warn("mount", "target", m.target, "error", err)
		}
	}

	for k, v := range initEnv {
		os.Setenv(k, v)
	}
	return true
}
