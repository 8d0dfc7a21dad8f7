// Package bus implements the pub/sub message bus of spec.md §4.1: channel-
// pattern routing, ordered per-channel delivery, and an availability probe.
//
// Two implementations satisfy Bus: NATSBus (backed by NATS JetStream, for
// real deployments — grounded on adred-codev-ws_poc/go-server/pkg/nats and
// the JetStream retention knobs in adred-codev-ws_poc/old_ws/config.go) and
// MemoryBus (an in-process fan-out bus grounded on jeeves-core/commbus's
// InMemoryCommBus, used by tests and by diagnostics when no broker is
// configured).
package bus

import (
	"context"
	"regexp"
	"strings"
	"time"
)

// DefaultRetention is the per-message retention window callers may override
// per-publish (spec.md §4.1).
const DefaultRetention = time.Hour

// Message is one delivered bus message together with the concrete channel
// it arrived on, so a subscriber to a wildcard pattern can recover e.g. the
// peer id suffix of "health:{id}" (spec.md §4.1).
type Message struct {
	Channel string
	Data    []byte
}

// Subscription is a restartable, cancellable stream of Messages matching
// one pattern.
type Subscription struct {
	Pattern string
	C       <-chan Message
	cancel  func()
}

// Cancel stops delivery to this subscription. Safe to call more than once.
func (s *Subscription) Cancel() {
	if s.cancel != nil {
		s.cancel()
	}
}

// Bus is the contract every component programs against; see NATSBus and
// MemoryBus for the two concrete transports.
type Bus interface {
	// Publish sends message on channel with the default retention, or the
	// given expiry if non-zero.
	Publish(ctx context.Context, channel string, data []byte, expiry time.Duration) error
	// Subscribe returns a lazy, cancellable stream of messages whose
	// channel matches pattern (spec.md §4.1 pattern syntax).
	Subscribe(ctx context.Context, pattern string) (*Subscription, error)
	// Unsubscribe cancels every active subscription matching pattern.
	Unsubscribe(pattern string) error
	// IsAvailable performs an end-to-end probe: write a unique key, read
	// it back within a short deadline.
	IsAvailable(ctx context.Context) bool
	// Close releases all resources. Idempotent.
	Close() error
}

// CompilePattern builds the regex spec.md §4.1 defines for pattern
// matching: literal-escape every character except '*', which becomes
// ".*", anchored at both ends. Matching is case-sensitive.
func CompilePattern(pattern string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString("^")
	for _, r := range pattern {
		if r == '*' {
			b.WriteString(".*")
			continue
		}
		b.WriteString(regexp.QuoteMeta(string(r)))
	}
	b.WriteString("$")
	return regexp.Compile(b.String())
}

// Matches reports whether channel satisfies pattern per spec.md §8
// Testable Property 1. Exact-equal channels always match directly,
// independent of regex metacharacters channel itself might contain.
func Matches(channel, pattern string) bool {
	if channel == pattern {
		return true
	}
	re, err := CompilePattern(pattern)
	if err != nil {
		return false
	}
	return re.MatchString(channel)
}
