// Package diagnostics implements the liveness probe of spec.md §4.5: bus
// availability, daemon-process presence, network reachability, fallback
// transport health, and autostart capability, summarized in a single
// Results value the connection agent (C4) can act on.
package diagnostics

import (
	"context"
	"net"
	"os"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/adred-codev/controlplane/internal/bus"
)

// Request parameterizes one diagnostics run.
type Request struct {
	// DaemonProcessName is matched (case-insensitively, substring) against
	// running process executable names to decide DaemonRunning.
	DaemonProcessName string
	// NetworkProbeAddr is dialed with a short timeout for NetworkOk.
	NetworkProbeAddr string
	// StateDir is checked for write permission for HasPermissions.
	StateDir string
	// CanAutoStartDaemon reports whether this host is configured to be
	// allowed to spawn the daemon itself (a deployment-time capability,
	// not something the probe can discover on its own).
	CanAutoStartDaemon bool
}

// Results is the structured diagnostics report of spec.md §4.5. Field
// names follow the spec's own external-interface vocabulary verbatim.
type Results struct {
	RedisAvailable     bool
	DaemonRunning      bool
	NetworkOk          bool
	HasPermissions     bool
	CanUseFallback     bool
	CanAutoStartDaemon bool
	Message            string
	RecommendedActions []string
}

// FallbackProbe is the subset of the fallback transport capability (§6)
// the diagnostics probe needs: a cheap connectivity check.
type FallbackProbe interface {
	TestConnection(ctx context.Context) bool
}

// Run executes every check and returns a combined report. The bus and
// fallback probes share one 5s deadline (spec.md §5 probe timeout); the
// network dial uses its own 2s timeout.
func Run(ctx context.Context, b bus.Bus, fallback FallbackProbe, req Request) Results {
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	res := Results{CanAutoStartDaemon: req.CanAutoStartDaemon}
	var actions []string

	res.RedisAvailable = b != nil && b.IsAvailable(probeCtx)
	if !res.RedisAvailable {
		actions = append(actions, "check that the bus broker is reachable")
	}

	res.DaemonRunning = daemonRunning(req.DaemonProcessName)
	if !res.DaemonRunning {
		if req.CanAutoStartDaemon {
			actions = append(actions, "auto-start the daemon process")
		} else {
			actions = append(actions, "start the daemon process")
		}
	}

	res.NetworkOk = networkOk(req.NetworkProbeAddr)
	if !res.NetworkOk {
		actions = append(actions, "check host network connectivity")
	}

	res.HasPermissions = hasPermissions(req.StateDir)
	if !res.HasPermissions {
		actions = append(actions, "check filesystem permissions for the agent state directory")
	}

	if fallback != nil {
		res.CanUseFallback = fallback.TestConnection(probeCtx)
	}
	if !res.RedisAvailable && res.CanUseFallback {
		actions = append(actions, "switch to the fallback transport")
	}

	res.RecommendedActions = actions
	switch {
	case res.RedisAvailable && res.DaemonRunning && res.NetworkOk:
		res.Message = "all systems nominal"
	case !res.RedisAvailable && res.CanUseFallback:
		res.Message = "bus unavailable, fallback transport usable"
	default:
		res.Message = "degraded: see recommendedActions"
	}
	return res
}

// daemonRunning scans running processes for one whose executable name
// contains name (case-insensitive). A trivial TCP/process check like this
// has no natural ecosystem library beyond gopsutil, which already supplies
// process.Processes(); see DESIGN.md.
func daemonRunning(name string) bool {
	if name == "" {
		return true // nothing configured to look for; assume co-located
	}
	procs, err := process.Processes()
	if err != nil {
		return false
	}
	want := strings.ToLower(name)
	for _, p := range procs {
		exe, err := p.Name()
		if err != nil {
			continue
		}
		if strings.Contains(strings.ToLower(exe), want) {
			return true
		}
	}
	return false
}

// networkOk performs a bare TCP dial-and-close. No ecosystem library in
// the retrieved pack wraps a plain reachability check more idiomatically
// than net.DialTimeout; see DESIGN.md.
func networkOk(addr string) bool {
	if addr == "" {
		return true
	}
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// hasPermissions verifies the agent can create and remove a file in
// stateDir.
func hasPermissions(stateDir string) bool {
	if stateDir == "" {
		return true
	}
	if err := os.MkdirAll(stateDir, 0o750); err != nil {
		return false
	}
	probe := stateDir + "/.permcheck"
	f, err := os.Create(probe)
	if err != nil {
		return false
	}
	_ = f.Close()
	_ = os.Remove(probe)
	return true
}
