// Package model holds the wire-level value types shared by every component
// of the control plane: envelopes, heartbeats, metrics samples, commands,
// responses, system events and process metadata (spec.md §3).
package model

import "time"

// Kind identifies the payload carried by an Envelope.
type Kind string

const (
	KindEvent     Kind = "event"
	KindCommand   Kind = "command"
	KindResponse  Kind = "response"
	KindHeartbeat Kind = "heartbeat"
	KindHealth    Kind = "health"
	KindMetrics   Kind = "metrics"
	KindGeneric   Kind = "generic"
)

// Priority controls retry budget and retention, never dispatch order
// (spec.md §4.3 Ordering).
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// String renders the priority for logs and metric labels.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// MaxRetries returns the per-priority retry budget from spec.md §4.3.
func (p Priority) MaxRetries() int {
	switch p {
	case PriorityLow:
		return 2
	case PriorityNormal:
		return 5
	case PriorityHigh:
		return 10
	case PriorityCritical:
		return 20
	default:
		return 2
	}
}

// ProcessInfo describes a managed child app. Immutable after registration.
type ProcessInfo struct {
	ID             string            `json:"id"`
	Name           string            `json:"name"`
	Type           string            `json:"type"`
	Version        string            `json:"version"`
	ExecutablePath string            `json:"executablePath"`
	Args           []string          `json:"args"`
	WorkingDir     string            `json:"workingDir"`
	Environment    map[string]string `json:"environment"`
	Configuration  map[string]string `json:"configuration"`
}

// Envelope is the outbound-queue unit: a payload plus routing/retry
// metadata (spec.md §3). It lives in exactly one of queue, in-flight, or
// terminal state.
type Envelope struct {
	Channel    string
	Payload    any
	Kind       Kind
	Priority   Priority
	CreatedAt  time.Time
	RetryCount int
	MaxRetries int
}

// Heartbeat is published periodically on health:{id}.
type Heartbeat struct {
	ID        string    `json:"id"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	AppType   string    `json:"appType"`
}

// Metrics is a single resource-usage sample published on metrics:{id}.
type Metrics struct {
	ProcessID    string    `json:"processId"`
	CPUPercent   float64   `json:"cpuPercent"`
	MemoryBytes  uint64    `json:"memoryBytes"`
	ThreadCount  int32     `json:"threadCount"`
	HandleCount  int32     `json:"handleCount"`
	GCTotalBytes uint64    `json:"gcTotalBytes"`
	Gen0         uint32    `json:"gen0"`
	Gen1         uint32    `json:"gen1"`
	Gen2         uint32    `json:"gen2"`
	Timestamp    time.Time `json:"timestamp"`
}

// HealthStatus is published on health:{id} alongside, or instead of, a
// Heartbeat; Status drives the publish priority (spec.md §3).
type HealthStatus struct {
	ID        string    `json:"id"`
	Status    string    `json:"status"`
	Message   string    `json:"message"`
	AppType   string    `json:"appType"`
	Timestamp time.Time `json:"timestamp"`
}

// PriorityForStatus maps a HealthStatus.Status to the priority its
// envelope should be published at (spec.md §3).
func PriorityForStatus(status string) Priority {
	switch status {
	case "critical":
		return PriorityCritical
	case "error", "crashed":
		return PriorityHigh
	default:
		return PriorityNormal
	}
}

// Command is an RPC request carried over the bus. ResponseChannel, when
// set, is parameters["responseChannel"] and MUST be unique across a
// caller's concurrent in-flight commands.
type Command struct {
	CommandID       string            `json:"commandId"`
	Type            string            `json:"type"`
	TargetProcessID string            `json:"targetProcessId,omitempty"`
	Parameters      map[string]string `json:"parameters"`
	Data            []byte            `json:"data,omitempty"`
	Timestamp       time.Time         `json:"timestamp"`
}

// ResponseChannel returns parameters["responseChannel"], or "" if unset.
func (c Command) ResponseChannel() string {
	if c.Parameters == nil {
		return ""
	}
	return c.Parameters["responseChannel"]
}

// Response answers a Command, correlated by CommandID.
type Response struct {
	CommandID string    `json:"commandId"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
	Data      []byte    `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// SystemEvent types (spec.md §3).
const (
	EventProcessRegistered      = "process.registered"
	EventProcessStarted         = "process_started"
	EventProcessStopped         = "process.stopped"
	EventProcessCrashed         = "process.crashed"
	EventConnectionConnected    = "connection.connected"
	EventConnectionDisconnected = "connection.disconnected"
	EventConnectionStopped      = "connection.stopped"
)

// SystemEvent is published on `events` and `events:{id}`.
type SystemEvent struct {
	Type      string    `json:"type"`
	ProcessID string    `json:"processId"`
	Data      []byte    `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// PeerStatus is the daemon-side view of a peer's connection state.
type PeerStatus string

const (
	PeerRegistered   PeerStatus = "Registered"
	PeerConnected    PeerStatus = "Connected"
	PeerRunning      PeerStatus = "Running"
	PeerStopped      PeerStatus = "Stopped"
	PeerCrashed      PeerStatus = "Crashed"
	PeerDisconnected PeerStatus = "Disconnected"
)

// PeerRecord is the daemon's registry entry for one peer app.
type PeerRecord struct {
	ID          string
	Metadata    ProcessInfo
	Status      PeerStatus
	LastSeen    time.Time
	LastMessage *Heartbeat
	LastMetrics *Metrics
}

// TaggedFrame discriminates the concrete payload type carried on a
// channel that accepts more than one, e.g. health:{id} carrying either a
// Heartbeat or a HealthStatus. See wire.EncodeTagged/DecodeTagged.
type TaggedFrame struct {
	Kind Kind
	Data []byte
}

// Statistics holds the agent-side counters of spec.md §3.
type Statistics struct {
	TotalConnections       uint64
	TotalErrors            uint64
	TotalReconnects        uint64
	TotalMessagesSent      uint64
	TotalMessagesDropped   uint64
	TotalMessagesRequeued  uint64
	TotalHeartbeats        uint64
	TotalMetricsReported   uint64
	TotalHealthReports     uint64
	TotalCommands          uint64
	TotalCommandTimeouts   uint64
	ConsecutiveFailures    int
	LastConnectionTime     time.Time
	LastRegistrationTime   time.Time
	LastErrorTime          time.Time
}
