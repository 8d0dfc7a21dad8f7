package bus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/adred-codev/controlplane/internal/ctlerrors"
	"github.com/adred-codev/controlplane/internal/logging"
)

// subjectPrefix namespaces every control-plane subject inside the shared
// NATS account, mirroring adred-codev-ws_poc/go-server/pkg/nats's single
// client wrapping one *nats.Conn for the whole process.
const subjectPrefix = "ctl."

// NATSConfig mirrors adred-codev-ws_poc/go-server/pkg/nats.Config plus the
// JetStream retention knobs from adred-codev-ws_poc/old_ws/config.go.
type NATSConfig struct {
	URL             string
	MaxReconnects   int
	ReconnectWait   time.Duration
	ReconnectJitter time.Duration
	StreamName      string
	StreamMaxAge    time.Duration
	StreamMaxMsgs   int64
	StreamMaxBytes  int64
}

// DefaultNATSConfig returns sane defaults matching old_ws's JSStream* fields.
func DefaultNATSConfig(url string) NATSConfig {
	return NATSConfig{
		URL:             url,
		MaxReconnects:   -1, // the connection agent owns reconnection; let the driver keep trying
		ReconnectWait:   time.Second,
		ReconnectJitter: 200 * time.Millisecond,
		StreamName:      "CTLPLANE",
		StreamMaxAge:    DefaultRetention,
		StreamMaxMsgs:   1_000_000,
		StreamMaxBytes:  512 << 20,
	}
}

type natsSubEntry struct {
	sub     *nats.Subscription
	pattern string
}

// NATSBus publishes into a JetStream stream whose MaxAge bounds how long
// messages are retained. Each subscription is an ordered consumer that
// starts at new messages only (DeliverNew): a subscriber does not replay
// messages published before it subscribed.
type NATSBus struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	cfg    NATSConfig
	log    *logging.Logger
	mu     sync.Mutex
	subs   map[string]*natsSubEntry // subscription id -> entry
	closed atomic.Bool
}

// NewNATSBus connects to NATS, ensures the shared JetStream stream exists,
// and returns a ready Bus.
func NewNATSBus(cfg NATSConfig, log *logging.Logger) (*NATSBus, error) {
	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(cfg.ReconnectJitter, cfg.ReconnectJitter),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", "error", err.Error())
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			log.Warn("nats error", "error", err.Error())
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("bus: connect: %w", err)
	}
	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("bus: jetstream context: %w", err)
	}
	b := &NATSBus{conn: conn, js: js, cfg: cfg, log: log, subs: make(map[string]*natsSubEntry)}
	if err := b.ensureStream(); err != nil {
		conn.Close()
		return nil, err
	}
	return b, nil
}

func (b *NATSBus) ensureStream() error {
	_, err := b.js.StreamInfo(b.cfg.StreamName)
	if err == nil {
		return nil
	}
	_, err = b.js.AddStream(&nats.StreamConfig{
		Name:     b.cfg.StreamName,
		Subjects: []string{subjectPrefix + ">"},
		MaxAge:   b.cfg.StreamMaxAge,
		MaxMsgs:  b.cfg.StreamMaxMsgs,
		MaxBytes: b.cfg.StreamMaxBytes,
		Storage:  nats.FileStorage,
		Discard:  nats.DiscardOld,
	})
	if err != nil {
		return fmt.Errorf("bus: ensure stream %s: %w", b.cfg.StreamName, err)
	}
	return nil
}

func (b *NATSBus) subject(channel string) string {
	return subjectPrefix + channel
}

func (b *NATSBus) channelOf(subject string) string {
	return subject[len(subjectPrefix):]
}

// Publish publishes to the JetStream stream. expiry is accepted for
// interface symmetry with MemoryBus; per-message TTL is approximated by
// the stream's MaxAge (expiry finer than that cannot outlive the stream,
// expiry longer than that is capped by it — JetStream has no per-message
// TTL in the client API version this repo targets).
func (b *NATSBus) Publish(ctx context.Context, channel string, data []byte, expiry time.Duration) error {
	if b.closed.Load() {
		return ctlerrors.ErrTransportUnavailable
	}
	_, err := b.js.Publish(b.subject(channel), data, nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("%w: %v", ctlerrors.ErrTransportUnavailable, err)
	}
	return nil
}

// Subscribe creates an ordered, ephemeral JetStream consumer over the
// whole stream and filters messages against pattern in-process using the
// spec's own regex semantics (bus.Matches), rather than relying on NATS's
// token-based wildcarding, which does not implement spec.md §4.1's
// arbitrary-sequence "*" rule.
func (b *NATSBus) Subscribe(ctx context.Context, pattern string) (*Subscription, error) {
	if b.closed.Load() {
		return nil, ctlerrors.ErrTransportUnavailable
	}
	out := make(chan Message, 256)
	subID := uuid.NewString()

	natsSub, err := b.js.Subscribe(subjectPrefix+">", func(msg *nats.Msg) {
		channel := b.channelOf(msg.Subject)
		if !Matches(channel, pattern) {
			return
		}
		select {
		case out <- Message{Channel: channel, Data: msg.Data}:
		default:
			b.log.Warn("subscriber backlog full, dropping message", "pattern", pattern, "channel", channel)
		}
	}, nats.OrderedConsumer(), nats.DeliverNew())
	if err != nil {
		return nil, fmt.Errorf("%w: subscribe %s: %v", ctlerrors.ErrTransportUnavailable, pattern, err)
	}

	b.mu.Lock()
	b.subs[subID] = &natsSubEntry{sub: natsSub, pattern: pattern}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		entry, ok := b.subs[subID]
		delete(b.subs, subID)
		b.mu.Unlock()
		if ok {
			_ = entry.sub.Unsubscribe()
		}
	}
	go func() {
		<-ctx.Done()
		cancel()
	}()
	return &Subscription{Pattern: pattern, C: out, cancel: cancel}, nil
}

// Unsubscribe cancels every active subscription matching pattern, mirroring
// MemoryBus.Unsubscribe; it leaves subscriptions on other patterns intact
// (spec.md §4.1).
func (b *NATSBus) Unsubscribe(pattern string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, entry := range b.subs {
		if entry.pattern == pattern {
			_ = entry.sub.Unsubscribe()
			delete(b.subs, id)
		}
	}
	return nil
}

// IsAvailable writes a unique probe key and confirms it round-trips within
// 5s, per spec.md §4.1 and the RPC/probe timeout table in §5.
func (b *NATSBus) IsAvailable(ctx context.Context) bool {
	if b.closed.Load() || !b.conn.IsConnected() {
		return false
	}
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	subject := subjectPrefix + "__probe__." + uuid.NewString()
	ch := make(chan struct{}, 1)
	sub, err := b.conn.Subscribe(subject, func(*nats.Msg) {
		select {
		case ch <- struct{}{}:
		default:
		}
	})
	if err != nil {
		return false
	}
	defer sub.Unsubscribe()

	if err := b.conn.Publish(subject, []byte("probe")); err != nil {
		return false
	}
	select {
	case <-ch:
		return true
	case <-probeCtx.Done():
		return false
	}
}

func (b *NATSBus) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	b.mu.Lock()
	for id, entry := range b.subs {
		_ = entry.sub.Unsubscribe()
		delete(b.subs, id)
	}
	b.mu.Unlock()
	b.conn.Close()
	return nil
}
