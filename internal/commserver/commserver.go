// Package commserver implements the daemon-side communication server of
// spec.md §4.6: the peer registry, auto-registration, staleness scan, and
// the single health:* dispatcher that answers this spec's Open Question
// #3 (one handler decoding by kind, not two racing listeners).
//
// Grounded on go-server/internal/server/server.go's single struct wiring
// bus subscriptions to a registry, generalized from a WebSocket hub's
// client map to a bus-subscriber peer registry.
package commserver

import (
	"context"
	"sync"
	"time"

	"github.com/adred-codev/controlplane/internal/bus"
	"github.com/adred-codev/controlplane/internal/logging"
	"github.com/adred-codev/controlplane/internal/model"
	"github.com/adred-codev/controlplane/internal/supervisor"
	"github.com/adred-codev/controlplane/internal/wire"
)

// selfPeerID is exempted from staleness eviction: the daemon's own
// connection agent (when IsDaemonSelf is set) bookkeeps itself but is
// never "stale" in the sense a disconnected child app would be.
const selfPeerID = "ghost-daemon"

// Registry is the daemon's in-memory view of every peer that has ever
// registered or sent telemetry.
type Registry struct {
	mu    sync.RWMutex
	peers map[string]*model.PeerRecord
	log   *logging.Logger
}

func newRegistry(log *logging.Logger) *Registry {
	return &Registry{peers: make(map[string]*model.PeerRecord), log: log}
}

// upsert finds or creates the peer record for id, auto-registering it with
// minimal metadata on first contact (spec.md §4.6 point 4: name = id,
// type/appType = the reporting payload's appType or "unknown") before
// handing the record to fn for the caller's own field updates.
func (r *Registry) upsert(id, appType string, fn func(*model.PeerRecord)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.peers[id]
	if !ok {
		if appType == "" {
			appType = "unknown"
		}
		rec = &model.PeerRecord{
			ID:       id,
			Status:   model.PeerRegistered,
			Metadata: model.ProcessInfo{ID: id, Name: id, Type: appType},
		}
		r.peers[id] = rec
		if r.log != nil {
			r.log.Info("auto-registered peer", "id", id, "appType", appType)
		}
	}
	fn(rec)
}

// Snapshot returns a copy of every known peer record.
func (r *Registry) Snapshot() []model.PeerRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.PeerRecord, 0, len(r.peers))
	for _, rec := range r.peers {
		out = append(out, *rec)
	}
	return out
}

// Get returns one peer record.
func (r *Registry) Get(id string) (model.PeerRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.peers[id]
	if !ok {
		return model.PeerRecord{}, false
	}
	return *rec, true
}

// Server wires bus subscriptions to the peer registry and the supervisor.
type Server struct {
	bus                 bus.Bus
	sup                 *supervisor.Supervisor
	log                 *logging.Logger
	registry            *Registry
	stalenessThreshold  time.Duration
	stalenessScanPeriod time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Server.
func New(b bus.Bus, sup *supervisor.Supervisor, log *logging.Logger, stalenessThreshold, scanPeriod time.Duration) *Server {
	return &Server{
		bus:                 b,
		sup:                 sup,
		log:                 log,
		registry:            newRegistry(log),
		stalenessThreshold:  stalenessThreshold,
		stalenessScanPeriod: scanPeriod,
	}
}

// Registry exposes the peer registry for read-only consumers (the
// observer feed, the HTTP /healthz handler).
func (s *Server) Registry() *Registry { return s.registry }

// Start subscribes to every inbound channel and launches the staleness
// scanner. It returns once subscriptions are established; delivery runs
// in background goroutines until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	healthSub, err := s.bus.Subscribe(runCtx, "health:*")
	if err != nil {
		return err
	}
	metricsSub, err := s.bus.Subscribe(runCtx, "metrics:*")
	if err != nil {
		return err
	}
	eventsSub, err := s.bus.Subscribe(runCtx, "events")
	if err != nil {
		return err
	}
	commandsSub, err := s.bus.Subscribe(runCtx, "commands")
	if err != nil {
		return err
	}

	s.wg.Add(4)
	go s.runHealthDispatch(runCtx, healthSub)
	go s.runMetrics(runCtx, metricsSub)
	go s.runEvents(runCtx, eventsSub)
	go s.runCommands(runCtx, commandsSub)

	s.wg.Add(1)
	go s.runStalenessScan(runCtx)

	return nil
}

// runHealthDispatch is the single listener on health:* named in the Open
// Question #3 resolution: it decodes the Kind tag once and dispatches,
// instead of two overlapping subscriptions independently re-decoding the
// same message.
func (s *Server) runHealthDispatch(ctx context.Context, sub *bus.Subscription) {
	defer s.wg.Done()
	defer sub.Cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.C:
			if !ok {
				return
			}
			frame, err := wire.DecodeTagged(msg.Data)
			if err != nil {
				s.log.Warn("malformed health frame", "channel", msg.Channel, "err", err.Error())
				continue
			}
			switch frame.Kind {
			case model.KindHeartbeat:
				hb, err := wire.Decode[model.Heartbeat](frame.Data)
				if err != nil {
					s.log.Warn("malformed heartbeat", "err", err.Error())
					continue
				}
				s.recordHeartbeat(ctx, hb)
			case model.KindHealth:
				hs, err := wire.Decode[model.HealthStatus](frame.Data)
				if err != nil {
					s.log.Warn("malformed health status", "err", err.Error())
					continue
				}
				s.recordHealthStatus(ctx, hs)
			default:
				s.log.Warn("unexpected kind on health channel", "kind", string(frame.Kind))
			}
		}
	}
}

func (s *Server) recordHeartbeat(ctx context.Context, hb model.Heartbeat) {
	reconnected := false
	s.registry.upsert(hb.ID, hb.AppType, func(rec *model.PeerRecord) {
		reconnected = rec.Status == model.PeerDisconnected
		rec.LastSeen = time.Now().UTC()
		rec.LastMessage = &hb
		if rec.Status != model.PeerCrashed {
			rec.Status = model.PeerRunning
		}
	})
	if reconnected {
		s.publishEvent(ctx, model.EventConnectionConnected, hb.ID)
	}
}

func (s *Server) recordHealthStatus(ctx context.Context, hs model.HealthStatus) {
	reconnected := false
	s.registry.upsert(hs.ID, hs.AppType, func(rec *model.PeerRecord) {
		reconnected = rec.Status == model.PeerDisconnected
		rec.LastSeen = time.Now().UTC()
		switch hs.Status {
		case "crashed":
			rec.Status = model.PeerCrashed
		case "stopped":
			rec.Status = model.PeerStopped
		default:
			rec.Status = model.PeerRunning
		}
	})
	if reconnected {
		s.publishEvent(ctx, model.EventConnectionConnected, hs.ID)
	}
}

func (s *Server) runMetrics(ctx context.Context, sub *bus.Subscription) {
	defer s.wg.Done()
	defer sub.Cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.C:
			if !ok {
				return
			}
			frame, err := wire.DecodeTagged(msg.Data)
			if err != nil || frame.Kind != model.KindMetrics {
				continue
			}
			m, err := wire.Decode[model.Metrics](frame.Data)
			if err != nil {
				s.log.Warn("malformed metrics frame", "err", err.Error())
				continue
			}
			reconnected := false
			s.registry.upsert(m.ProcessID, "", func(rec *model.PeerRecord) {
				reconnected = rec.Status == model.PeerDisconnected
				rec.LastSeen = time.Now().UTC()
				rec.LastMetrics = &m
			})
			if reconnected {
				s.publishEvent(ctx, model.EventConnectionConnected, m.ProcessID)
			}
		}
	}
}

func (s *Server) runEvents(ctx context.Context, sub *bus.Subscription) {
	defer s.wg.Done()
	defer sub.Cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.C:
			if !ok {
				return
			}
			frame, err := wire.DecodeTagged(msg.Data)
			if err != nil || frame.Kind != model.KindEvent {
				continue
			}
			ev, err := wire.Decode[model.SystemEvent](frame.Data)
			if err != nil {
				continue
			}
			s.applyEvent(ev)
		}
	}
}

func (s *Server) applyEvent(ev model.SystemEvent) {
	s.registry.upsert(ev.ProcessID, "", func(rec *model.PeerRecord) {
		rec.LastSeen = time.Now().UTC()
		switch ev.Type {
		case model.EventProcessRegistered:
			rec.Status = model.PeerRegistered
		case model.EventProcessStarted:
			rec.Status = model.PeerRunning
		case model.EventProcessStopped, model.EventConnectionStopped:
			rec.Status = model.PeerStopped
		case model.EventProcessCrashed:
			rec.Status = model.PeerCrashed
		case model.EventConnectionConnected:
			rec.Status = model.PeerConnected
		case model.EventConnectionDisconnected:
			rec.Status = model.PeerDisconnected
		}
	})
}

// publishEvent wraps ev in a Kind-tagged frame (matching runEvents's own
// decode expectations) and publishes it on "events", mirroring
// supervisor.Supervisor's process-lifecycle publishEvent but for
// connection-lifecycle events the registry itself detects.
func (s *Server) publishEvent(ctx context.Context, eventType, processID string) {
	ev := model.SystemEvent{Type: eventType, ProcessID: processID, Timestamp: time.Now().UTC()}
	data, err := wire.EncodeTagged(model.KindEvent, ev)
	if err != nil {
		s.log.Warn("failed to encode connection event", "err", err.Error())
		return
	}
	if err := s.bus.Publish(ctx, "events", data, 0); err != nil {
		s.log.Warn("failed to publish connection event", "type", eventType, "processId", processID, "err", err.Error())
	}
}

// runCommands answers RPC commands with the supervisor's dispatch,
// auto-registering unknown peers on their first "register" command.
func (s *Server) runCommands(ctx context.Context, sub *bus.Subscription) {
	defer s.wg.Done()
	defer sub.Cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.C:
			if !ok {
				return
			}
			cmd, err := wire.Decode[model.Command](msg.Data)
			if err != nil {
				s.log.Warn("malformed command frame", "err", err.Error())
				continue
			}
			resp := s.sup.HandleCommand(ctx, cmd)
			if ch := cmd.ResponseChannel(); ch != "" {
				data, err := wire.Encode(resp)
				if err != nil {
					continue
				}
				if err := s.bus.Publish(ctx, ch, data, 0); err != nil {
					s.log.Warn("failed to publish command response", "err", err.Error())
				}
			}
		}
	}
}

// runStalenessScan periodically marks peers Disconnected if no heartbeat,
// metrics, or event has been seen within stalenessThreshold (spec.md
// §4.6 default 2m, scanned every 30s).
func (s *Server) runStalenessScan(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.stalenessScanPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.scanOnce(ctx)
		}
	}
}

func (s *Server) scanOnce(ctx context.Context) {
	cutoff := time.Now().Add(-s.stalenessThreshold)
	var disconnected []string
	s.registry.mu.Lock()
	for id, rec := range s.registry.peers {
		if id == selfPeerID {
			continue
		}
		if rec.Status == model.PeerStopped || rec.Status == model.PeerCrashed {
			continue
		}
		if rec.LastSeen.Before(cutoff) {
			rec.Status = model.PeerDisconnected
			disconnected = append(disconnected, id)
		}
	}
	s.registry.mu.Unlock()

	// Events are published after releasing the registry lock so a slow or
	// unavailable bus never holds up the next scan tick.
	for _, id := range disconnected {
		s.publishEvent(ctx, model.EventConnectionDisconnected, id)
	}
}

// Stop cancels every background goroutine and waits for them to exit.
func (s *Server) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}
