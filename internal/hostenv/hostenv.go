// Package hostenv exposes the handful of host environment facts the
// orchestrator branches on: which worker runtime (if any) is configured,
// whether placeholder pre-warming is enabled, and which OS family the
// host runs on.  It also owns the app-offline marker check.
package hostenv

import (
	"os"
	"path/filepath"
	goruntime "runtime"
	"strings"
)

// Environment variables read by FromEnv.
const (
	// RuntimeVar names the worker runtime the host should provision
	// (e.g. "python", "java", "node").  Unset means no runtime is pinned.
	RuntimeVar = "WORKERHOST_RUNTIME"

	// PlaceholderVar enables placeholder pre-warming when set to "1" or
	// "true".
	PlaceholderVar = "WORKERHOST_PLACEHOLDER_MODE"
)

// AppOfflineMarker is the well-known file name that, when present under
// the script root, signals the app is taken offline and the host must
// not start workers.
const AppOfflineMarker = "app_offline.htm"

// Platform is the OS family the host runs on.  Only the Windows/Linux
// split matters for runtime selection; everything non-Windows is
// treated as Linux-family.
type Platform string

const (
	PlatformLinux   Platform = "linux"
	PlatformWindows Platform = "windows"
)

// Probe is the read-only environment contract the orchestrator consumes.
type Probe interface {
	// WorkerRuntime returns the configured worker runtime identifier.
	// ok is false when no runtime is configured.
	WorkerRuntime() (runtime string, ok bool)

	// PlaceholderModeEnabled reports whether placeholder pre-warming is on.
	PlaceholderModeEnabled() bool

	// Platform returns the OS family of the host.
	Platform() Platform
}

// Static is a Probe backed by plain fields.  It is what FromEnv returns
// and what tests construct directly.
type Static struct {
	Runtime     string
	Placeholder bool
	OS          Platform
}

// Compile-time check.
var _ Probe = Static{}

func (s Static) WorkerRuntime() (string, bool) {
	rt := strings.TrimSpace(s.Runtime)
	return rt, rt != ""
}

func (s Static) PlaceholderModeEnabled() bool { return s.Placeholder }

func (s Static) Platform() Platform {
	if s.OS == "" {
		return PlatformLinux
	}
	return s.OS
}

// FromEnv snapshots the process environment into a Static probe.  The
// values are read once; later environment changes are not observed.
func FromEnv() Static {
	return Static{
		Runtime:     os.Getenv(RuntimeVar),
		Placeholder: parseBool(os.Getenv(PlaceholderVar)),
		OS:          currentPlatform(),
	}
}

func currentPlatform() Platform {
	if goruntime.GOOS == "windows" {
		return PlatformWindows
	}
	return PlatformLinux
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes":
		return true
	default:
		return false
	}
}

// AppOffline reports whether the app-offline marker exists under
// scriptRoot.  An empty scriptRoot disables the check.
func AppOffline(scriptRoot string) bool {
	if scriptRoot == "" {
		return false
	}
	_, err := os.Stat(filepath.Join(scriptRoot, AppOfflineMarker))
	return err == nil
}
