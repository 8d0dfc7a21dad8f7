// Package agent implements the connection agent of spec.md §4.4: the
// per-process component embedded in every managed app that registers with
// the daemon, reports heartbeats/metrics/health on a timer, and relays
// supervisor commands over the bus (or the fallback transport).
//
// The state machine and timer/backoff shape are grounded on
// adred-codev-ws_poc/go-server/pkg/websocket/client.go (connect/read-pump/
// write-pump/reconnect) and go-server/internal/metrics/system.go's
// gopsutil-based CPU/memory sampling; reconnection uses
// cenkalti/backoff/v4 rather than the teacher's hand-rolled linear
// backoff, since the pack's beads and jeeves-core repos both standardize
// on that library for exactly this purpose.
package agent

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/cpu"
	gopsproc "github.com/shirou/gopsutil/v3/process"

	"github.com/adred-codev/controlplane/internal/bus"
	"github.com/adred-codev/controlplane/internal/config"
	"github.com/adred-codev/controlplane/internal/ctlerrors"
	"github.com/adred-codev/controlplane/internal/diagnostics"
	"github.com/adred-codev/controlplane/internal/fallback"
	"github.com/adred-codev/controlplane/internal/logging"
	"github.com/adred-codev/controlplane/internal/metrics"
	"github.com/adred-codev/controlplane/internal/model"
	"github.com/adred-codev/controlplane/internal/queue"
	"github.com/adred-codev/controlplane/internal/wire"
)

// State is the connection agent's lifecycle state (spec.md §4.4).
type State string

const (
	StateCreated      State = "Created"
	StateConnecting   State = "Connecting"
	StateConnected    State = "Connected"
	StateDegraded     State = "Degraded"
	StateDisconnected State = "Disconnected"
	StateStopped      State = "Stopped"
)

// Agent manages one app's connection lifecycle: registration, periodic
// reporting, command RPC, and transport failover.
type Agent struct {
	id        string
	processID string
	info      model.ProcessInfo
	cfg       config.AgentConfig
	bus       bus.Bus
	fb        fallback.Transport // nil unless UseFallback installs one
	log       *logging.Logger
	q         *queue.Queue
	metrics   *metrics.Metrics // optional; nil-safe

	stateMu sync.RWMutex
	state   State

	statsMu sync.Mutex
	stats   model.Statistics

	pendingMu sync.Mutex
	pending   map[string]chan model.Response

	cpuPct lastCPU

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type lastCPU struct {
	mu    sync.Mutex
	value float64
}

// New constructs an Agent for info, not yet started.
func New(cfg config.AgentConfig, b bus.Bus, log *logging.Logger, info model.ProcessInfo) *Agent {
	id := uuid.NewString()
	return &Agent{
		id:        id,
		processID: info.ID,
		info:      info,
		cfg:       cfg,
		bus:       b,
		log:       log.With("connectionId", id),
		q:         queue.New(cfg.QueueCapacity),
		state:     StateCreated,
		pending:   make(map[string]chan model.Response),
	}
}

// UseFallback installs a fallback transport, promoted by diagnostics (C5)
// when the bus is unavailable.
func (a *Agent) UseFallback(fb fallback.Transport) {
	a.fb = fb
}

// UseMetrics attaches a Prometheus instrumentation sink. Optional: an
// agent with no metrics attached behaves identically, just unobserved.
func (a *Agent) UseMetrics(m *metrics.Metrics) {
	a.metrics = m
}

// State returns the current lifecycle state.
func (a *Agent) State() State {
	a.stateMu.RLock()
	defer a.stateMu.RUnlock()
	return a.state
}

func (a *Agent) setState(s State) {
	a.stateMu.Lock()
	prev := a.state
	a.state = s
	a.stateMu.Unlock()
	if prev != s {
		a.log.Info("state transition", "from", string(prev), "to", string(s))
	}
}

// Stats returns a snapshot of the agent's counters. TotalMessagesDropped
// covers both retry-budget drops and outbound-queue overflow drops.
func (a *Agent) Stats() model.Statistics {
	a.statsMu.Lock()
	defer a.statsMu.Unlock()
	s := a.stats
	s.TotalMessagesDropped += a.q.Dropped()
	return s
}

// Start brings the agent from Created to Connected (or Degraded on
// fallback), subscribes to its response channel, registers the managed
// process, and launches the reporting timers and send loop. It blocks
// until the first connection attempt resolves, then returns; ongoing
// reconnection happens in the background.
func (a *Agent) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	// The send loop drains the outbound queue regardless of connection
	// state (dispatch() itself handles degraded/failed publishes), so it
	// starts once here and is never restarted by reconnectLoop.
	a.wg.Add(1)
	go a.sendLoop(runCtx)

	if a.cfg.IsDaemonSelf {
		// The daemon's own embedded agent represents the daemon to
		// itself: it never dials out to register, never reconnects, and
		// never runs the external diagnostics probe (spec.md §4.4's
		// daemon-self exception).
		a.setState(StateConnected)
		a.statsMu.Lock()
		a.stats.TotalConnections++
		a.stats.LastConnectionTime = time.Now().UTC()
		a.statsMu.Unlock()
		a.wg.Add(1)
		go a.timerLoop(runCtx)
		return nil
	}

	if err := a.connect(runCtx); err != nil {
		a.setState(StateDisconnected)
		a.wg.Add(1)
		go a.reconnectLoop(runCtx)
		return err
	}

	a.wg.Add(1)
	go a.timerLoop(runCtx)
	return nil
}

// connect performs one registration attempt: subscribe to this
// connection's response channel, publish a register command, and wait for
// the daemon's acknowledgement.
func (a *Agent) connect(ctx context.Context) error {
	a.setState(StateConnecting)

	sub, err := a.bus.Subscribe(ctx, fmt.Sprintf("responses:%s:*", a.id))
	if err != nil {
		a.recordError()
		if a.fb != nil {
			return a.connectViaFallback(ctx)
		}
		return fmt.Errorf("agent: subscribe to response channel: %w", err)
	}
	a.wg.Add(1)
	go a.responseDemux(ctx, sub)

	payload, err := wire.Encode(a.info)
	if err != nil {
		return err
	}
	cmd := model.Command{
		CommandID:  uuid.NewString(),
		Type:       "register",
		Parameters: map[string]string{"responseChannel": fmt.Sprintf("responses:%s:%s", a.id, uuid.NewString())},
		Data:       payload,
		Timestamp:  time.Now().UTC(),
	}

	resp, err := a.sendCommand(ctx, cmd, 30*time.Second)
	if err != nil {
		a.recordError()
		if a.fb != nil {
			return a.connectViaFallback(ctx)
		}
		return fmt.Errorf("agent: registration: %w", err)
	}
	if !resp.Success {
		a.recordError()
		return fmt.Errorf("agent: registration rejected: %s", resp.Error)
	}

	a.setState(StateConnected)
	a.statsMu.Lock()
	a.stats.TotalConnections++
	a.stats.LastConnectionTime = time.Now().UTC()
	a.stats.LastRegistrationTime = time.Now().UTC()
	a.statsMu.Unlock()

	a.publishEvent(ctx, model.EventProcessRegistered, model.PriorityNormal)
	a.publishEvent(ctx, model.EventProcessStarted, model.PriorityNormal)
	return nil
}

// connectViaFallback registers directly over the fallback transport when the
// bus itself is unreachable, per spec.md §4.4's Degraded-mode registration
// path: registerProcess(...) rather than a queued "register" command that
// would never reach a daemon it can't otherwise talk to.
func (a *Agent) connectViaFallback(ctx context.Context) error {
	if err := a.fb.RegisterProcess(ctx, a.info); err != nil {
		return fmt.Errorf("agent: fallback registration: %w", err)
	}
	a.setState(StateDegraded)
	a.statsMu.Lock()
	a.stats.TotalConnections++
	a.stats.LastConnectionTime = time.Now().UTC()
	a.stats.LastRegistrationTime = time.Now().UTC()
	a.statsMu.Unlock()
	return nil
}

func (a *Agent) recordError() {
	a.statsMu.Lock()
	a.stats.TotalErrors++
	a.stats.ConsecutiveFailures++
	a.stats.LastErrorTime = time.Now().UTC()
	a.statsMu.Unlock()
}

// reconnectLoop retries connect with exponential backoff (base 5s, max
// 120s, jitter) until runCtx is cancelled or connect succeeds, matching
// spec.md §4.4's reconnect policy.
func (a *Agent) reconnectLoop(ctx context.Context) {
	defer a.wg.Done()
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = a.cfg.ReconnectBaseDelay
	bo.MaxInterval = a.cfg.ReconnectMaxDelay
	bo.RandomizationFactor = 0.15
	bo.Multiplier = 1.5 // spec.md §4.4: delay = min(max, base * 1.5^attempt * jitter)
	bo.MaxElapsedTime = 0 // retry indefinitely; attempts counted separately

	attempts := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(bo.NextBackOff()):
		}

		attempts++
		a.statsMu.Lock()
		a.stats.TotalReconnects++
		a.statsMu.Unlock()

		if err := a.connect(ctx); err != nil {
			a.log.Warn("reconnect attempt failed", "attempt", attempts, "err", err.Error())
			if attempts >= a.cfg.MaxReconnectAttempts {
				bo.MaxInterval = 60 * time.Second
			}
			continue
		}

		a.statsMu.Lock()
		a.stats.ConsecutiveFailures = 0
		a.statsMu.Unlock()
		// sendLoop is already running (started once in Start); only the
		// reporting timers need to come back up.
		a.wg.Add(1)
		go a.timerLoop(ctx)
		return
	}
}

// responseDemux routes inbound Response frames (decoded from the wire
// codec) to whichever sendCommand call is waiting on that CommandID.
func (a *Agent) responseDemux(ctx context.Context, sub *bus.Subscription) {
	defer a.wg.Done()
	defer sub.Cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.C:
			if !ok {
				return
			}
			resp, err := wire.Decode[model.Response](msg.Data)
			if err != nil {
				a.log.Warn("malformed response frame", "err", err.Error())
				continue
			}
			a.pendingMu.Lock()
			waiter, ok := a.pending[resp.CommandID]
			a.pendingMu.Unlock()
			if ok {
				select {
				case waiter <- resp:
				default:
				}
			}
		}
	}
}

// commandPriority chooses the outbound priority for an RPC command per
// spec.md §4.4's "sendCommand" operation: ping/register/stop run High,
// everything else runs Normal. Priority only sets the retry budget; the
// queue still dispatches in enqueue order, so a High command does not
// overtake telemetry queued before it.
func commandPriority(cmdType string) model.Priority {
	switch cmdType {
	case "ping", "register", "stop":
		return model.PriorityHigh
	default:
		return model.PriorityNormal
	}
}

// sendCommand enqueues cmd onto the outbound queue at its RPC priority and
// blocks for a correlated Response, up to timeout. Routing through the
// queue (rather than publishing directly) gives RPC commands the same
// retry-budget and drop-oldest contract as any other outbound message (spec.md
// §4.4's "sendCommand" steps 2 and 4).
func (a *Agent) sendCommand(ctx context.Context, cmd model.Command, timeout time.Duration) (model.Response, error) {
	wait := make(chan model.Response, 1)
	a.pendingMu.Lock()
	a.pending[cmd.CommandID] = wait
	a.pendingMu.Unlock()
	defer func() {
		a.pendingMu.Lock()
		delete(a.pending, cmd.CommandID)
		a.pendingMu.Unlock()
	}()

	priority := commandPriority(cmd.Type)
	a.q.Enqueue(model.Envelope{
		Channel: "commands", Payload: cmd, Kind: model.KindCommand, Priority: priority,
		CreatedAt: time.Now().UTC(), MaxRetries: priority.MaxRetries(),
	})

	a.statsMu.Lock()
	a.stats.TotalCommands++
	a.statsMu.Unlock()

	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	select {
	case resp := <-wait:
		return resp, nil
	case <-timeoutCtx.Done():
		a.statsMu.Lock()
		a.stats.TotalCommandTimeouts++
		a.statsMu.Unlock()
		return model.Response{}, fmt.Errorf("%w: command %s", ctlerrors.ErrTimeout, cmd.CommandID)
	}
}

// SendCommand is the public RPC entry point used by callers embedding the
// agent (e.g. a supervisor-adjacent component issuing a ping).
func (a *Agent) SendCommand(ctx context.Context, cmdType string, params map[string]string) (model.Response, error) {
	cmd := model.Command{
		CommandID:       uuid.NewString(),
		Type:            cmdType,
		TargetProcessID: a.processID,
		Parameters:      params,
		Timestamp:       time.Now().UTC(),
	}
	return a.sendCommand(ctx, cmd, a.cfg.CommandTimeout)
}

// timerLoop drives the three periodic operations of spec.md §4.4:
// heartbeat, metrics sampling, and (far less frequently) diagnostics.
func (a *Agent) timerLoop(ctx context.Context) {
	defer a.wg.Done()
	hbTicker := time.NewTicker(a.cfg.HeartbeatInterval)
	metricsTicker := time.NewTicker(a.cfg.MetricsInterval)
	defer hbTicker.Stop()
	defer metricsTicker.Stop()

	// DiagnosticsInterval defaults to zero in hand-built configs (e.g.
	// tests); a nil channel there simply never fires rather than
	// panicking NewTicker with a non-positive duration. A daemon-self
	// agent never runs the external diagnostics probe at all (spec.md
	// §4.4): it has no bus/network reachability of its own to question.
	var diagC <-chan time.Time
	if !a.cfg.IsDaemonSelf && a.cfg.DiagnosticsInterval > 0 {
		diagTicker := time.NewTicker(a.cfg.DiagnosticsInterval)
		defer diagTicker.Stop()
		diagC = diagTicker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-hbTicker.C:
			a.enqueueHeartbeat()
		case <-metricsTicker.C:
			a.enqueueMetrics(ctx)
		case <-diagC:
			a.enqueueDiagnostics(ctx)
		}
	}
}

// enqueueDiagnostics re-runs the startup diagnostics probe on a slow
// timer and reports the outcome as a HealthStatus, so the daemon (and
// any dashboard watching the observer feed) learns about a degraded
// link without waiting for the agent to notice on its own publish path.
func (a *Agent) enqueueDiagnostics(ctx context.Context) {
	res := diagnostics.Run(ctx, a.bus, a.fb, diagnostics.Request{
		DaemonProcessName:  a.cfg.DaemonProcessName,
		NetworkProbeAddr:   a.cfg.NetworkProbeAddr,
		StateDir:           os.TempDir(),
		CanAutoStartDaemon: a.cfg.CanAutoStartDaemon,
	})
	status := "ok"
	if !res.RedisAvailable && !res.CanUseFallback {
		status = "critical"
	} else if !res.RedisAvailable || !res.NetworkOk {
		status = "degraded"
	}

	// spec.md §4.5 e2e scenario 6: a diagnostics run that finds the bus
	// unavailable but the fallback usable drives the agent itself into
	// Degraded within one diagnostics interval, not just the reported
	// HealthStatus string.
	if !res.RedisAvailable && res.CanUseFallback && a.State() != StateDegraded {
		a.setState(StateDegraded)
	}

	if !res.DaemonRunning && res.CanAutoStartDaemon {
		a.tryStartDaemon()
	}

	hs := model.HealthStatus{ID: a.processID, Status: status, Message: res.Message, AppType: a.info.Type, Timestamp: time.Now().UTC()}
	a.q.Enqueue(model.Envelope{
		Channel: fmt.Sprintf("health:%s", a.processID), Payload: hs, Kind: model.KindHealth,
		Priority: model.PriorityForStatus(status), CreatedAt: time.Now().UTC(), MaxRetries: model.PriorityForStatus(status).MaxRetries(),
	})
}

// tryStartDaemon spawns the daemon executable when diagnostics reports it
// isn't running and this host is configured to be allowed to autostart it
// (spec.md §4.5). Grounded on the same os/exec usage the supervisor (C7)
// uses for managed child processes; the daemon is launched detached and
// not itself supervised, since nothing here is the daemon yet to hand it
// off to.
func (a *Agent) tryStartDaemon() {
	if a.cfg.DaemonExecutablePath == "" {
		a.log.Warn("diagnostics: daemon not running and no autostart path configured")
		return
	}
	cmd := exec.Command(a.cfg.DaemonExecutablePath)
	if err := cmd.Start(); err != nil {
		a.log.Warn("diagnostics: failed to autostart daemon", "path", a.cfg.DaemonExecutablePath, "err", err.Error())
		return
	}
	a.log.Info("diagnostics: autostarted daemon", "path", a.cfg.DaemonExecutablePath)
	go func() { _ = cmd.Wait() }()
}

func (a *Agent) enqueueHeartbeat() {
	hb := model.Heartbeat{ID: a.processID, Status: "ok", Timestamp: time.Now().UTC(), AppType: a.info.Type}
	a.statsMu.Lock()
	a.stats.TotalHeartbeats++
	a.statsMu.Unlock()
	a.q.Enqueue(model.Envelope{
		Channel: fmt.Sprintf("health:%s", a.processID), Payload: hb, Kind: model.KindHeartbeat,
		Priority: model.PriorityNormal, CreatedAt: time.Now().UTC(), MaxRetries: model.PriorityNormal.MaxRetries(),
	})
}

func (a *Agent) enqueueMetrics(ctx context.Context) {
	sample := a.sampleMetrics(ctx)
	a.statsMu.Lock()
	a.stats.TotalMetricsReported++
	a.statsMu.Unlock()
	a.q.Enqueue(model.Envelope{
		Channel: fmt.Sprintf("metrics:%s", a.processID), Payload: sample, Kind: model.KindMetrics,
		Priority: model.PriorityLow, CreatedAt: time.Now().UTC(), MaxRetries: model.PriorityLow.MaxRetries(),
	})
}

// sampleMetrics reads process CPU/memory/thread stats via gopsutil,
// smoothing CPU with the teacher's EMA (alpha=0.3) to avoid single-sample
// spikes dominating the reported value.
func (a *Agent) sampleMetrics(ctx context.Context) model.Metrics {
	const alpha = 0.3
	m := model.Metrics{ProcessID: a.processID, Timestamp: time.Now().UTC()}

	if pcts, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pcts) > 0 {
		a.cpuPct.mu.Lock()
		if a.cpuPct.value == 0 {
			a.cpuPct.value = pcts[0]
		} else {
			a.cpuPct.value = alpha*pcts[0] + (1-alpha)*a.cpuPct.value
		}
		m.CPUPercent = a.cpuPct.value
		a.cpuPct.mu.Unlock()
	}

	if proc, err := gopsproc.NewProcess(int32(os.Getpid())); err == nil {
		if mi, err := proc.MemoryInfoWithContext(ctx); err == nil && mi != nil {
			m.MemoryBytes = mi.RSS
		}
		if threads, err := proc.NumThreadsWithContext(ctx); err == nil {
			m.ThreadCount = threads
		}
		if fds, err := proc.NumFDsWithContext(ctx); err == nil {
			m.HandleCount = fds
		}
	}
	return m
}

// sendLoop drains the outbound queue, publishing via the bus or (if
// degraded) the fallback transport, retrying failed sends up to the
// envelope's priority-scaled budget before dropping it.
func (a *Agent) sendLoop(ctx context.Context) {
	defer a.wg.Done()
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	var overflowSeen uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if a.metrics != nil {
				a.metrics.QueueDepth.Set(float64(a.q.Len()))
				if d := a.q.Dropped(); d > overflowSeen {
					a.metrics.QueueDropped.Add(float64(d - overflowSeen))
					overflowSeen = d
				}
			}
			env, ok := a.q.Dequeue()
			if !ok {
				continue
			}
			if err := a.dispatch(ctx, env); err != nil {
				env.RetryCount++
				if env.RetryCount > env.MaxRetries {
					a.statsMu.Lock()
					a.stats.TotalMessagesDropped++
					a.statsMu.Unlock()
					if a.metrics != nil {
						a.metrics.QueueDropped.Inc()
					}
					a.log.Warn("envelope exceeded retry budget, dropping", "channel", env.Channel)
					continue
				}
				a.statsMu.Lock()
				a.stats.TotalMessagesRequeued++
				a.statsMu.Unlock()
				if a.metrics != nil {
					a.metrics.QueueRequeued.Inc()
				}
				a.q.EnqueueFront(env)
				continue
			}
			a.statsMu.Lock()
			a.stats.TotalMessagesSent++
			a.statsMu.Unlock()
		}
	}
}

func (a *Agent) dispatch(ctx context.Context, env model.Envelope) error {
	if a.State() == StateDegraded && a.fb != nil {
		return a.sendViaFallback(ctx, env)
	}
	// Command/Response are the homogeneous RPC channels: commserver
	// decodes them with plain wire.Decode, not DecodeTagged, so they must
	// not carry the Kind-tag wrapper that multiplexed channels like
	// health:{id} need.
	var data []byte
	var err error
	switch env.Kind {
	case model.KindCommand, model.KindResponse:
		data, err = wire.Encode(env.Payload)
	default:
		data, err = wire.EncodeTagged(env.Kind, env.Payload)
	}
	if err != nil {
		return err
	}
	start := time.Now()
	err = a.bus.Publish(ctx, env.Channel, data, 0)
	if a.metrics != nil {
		d := a.metrics.ObservePublish(string(env.Kind), start, err)
		if err == nil && d > metrics.SlowOpThreshold {
			a.log.Warn("slow bus publish", "channel", env.Channel, "durationMs", d.Milliseconds())
		}
	}
	if err != nil {
		if a.fb != nil {
			a.setState(StateDegraded)
			return a.sendViaFallback(ctx, env)
		}
		return err
	}
	return nil
}

// sendViaFallback routes one envelope over the fallback transport. A
// model.Command is an RPC call, not a one-way telemetry send: it uses
// SendCommandWithResponse and delivers the Response to whichever
// sendCommand call is waiting on it, the same way responseDemux would for
// a bus-delivered response.
func (a *Agent) sendViaFallback(ctx context.Context, env model.Envelope) error {
	switch p := env.Payload.(type) {
	case model.Heartbeat:
		return a.fb.SendHeartbeat(ctx, p)
	case model.Metrics:
		return a.fb.SendMetrics(ctx, p)
	case model.HealthStatus:
		return a.fb.SendHealthStatus(ctx, p)
	case model.SystemEvent:
		return a.fb.SendEvent(ctx, p)
	case model.Command:
		resp, err := a.fb.SendCommandWithResponse(ctx, p)
		if err != nil {
			return err
		}
		a.pendingMu.Lock()
		waiter, ok := a.pending[p.CommandID]
		a.pendingMu.Unlock()
		if ok {
			select {
			case waiter <- resp:
			default:
			}
		}
		return nil
	default:
		return fmt.Errorf("agent: no fallback mapping for payload type %T", p)
	}
}

// publishEvent enqueues ev on both the shared "events" channel and its
// per-process mirror "events:{id}" (spec.md §6 channel table), so a
// listener subscribed to just one process doesn't have to filter the
// shared firehose.
func (a *Agent) publishEvent(ctx context.Context, eventType string, priority model.Priority) {
	ev := model.SystemEvent{Type: eventType, ProcessID: a.processID, Timestamp: time.Now().UTC()}
	now := time.Now().UTC()
	a.q.Enqueue(model.Envelope{
		Channel: "events", Payload: ev, Kind: model.KindEvent, Priority: priority,
		CreatedAt: now, MaxRetries: priority.MaxRetries(),
	})
	a.q.Enqueue(model.Envelope{
		Channel: fmt.Sprintf("events:%s", a.processID), Payload: ev, Kind: model.KindEvent, Priority: priority,
		CreatedAt: now, MaxRetries: priority.MaxRetries(),
	})
}

// Stop gracefully disposes the agent: emits a stopped event, cancels all
// background goroutines, and waits for them to exit.
func (a *Agent) Stop(ctx context.Context) error {
	a.publishEvent(ctx, model.EventConnectionStopped, model.PriorityHigh)
	time.Sleep(50 * time.Millisecond) // best-effort flush window for the final event
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
	a.setState(StateStopped)
	return nil
}
