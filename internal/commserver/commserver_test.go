package commserver

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/controlplane/internal/bus"
	"github.com/adred-codev/controlplane/internal/logging"
	"github.com/adred-codev/controlplane/internal/model"
	"github.com/adred-codev/controlplane/internal/supervisor"
	"github.com/adred-codev/controlplane/internal/wire"
)

func testServer(t *testing.T) (*Server, bus.Bus) {
	t.Helper()
	b := bus.NewMemoryBus()
	t.Cleanup(func() { b.Close() })
	log := logging.New(logging.Options{Level: "error", Source: "commserver_test"})
	sup := supervisor.New(b, log, time.Second)
	s := New(b, sup, log, 200*time.Millisecond, 20*time.Millisecond)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(s.Stop)
	return s, b
}

func publishTagged(t *testing.T, b bus.Bus, channel string, kind model.Kind, v any) {
	t.Helper()
	data, err := wire.EncodeTagged(kind, v)
	require.NoError(t, err)
	require.NoError(t, b.Publish(context.Background(), channel, data, 0))
}

func TestHealthDispatchRecordsHeartbeat(t *testing.T) {
	s, b := testServer(t)
	publishTagged(t, b, "health:app-1", model.KindHeartbeat, model.Heartbeat{ID: "app-1", Status: "ok", Timestamp: time.Now().UTC()})

	require.Eventually(t, func() bool {
		rec, ok := s.Registry().Get("app-1")
		return ok && rec.LastMessage != nil
	}, time.Second, 10*time.Millisecond)
}

func TestHealthDispatchRecordsHealthStatus(t *testing.T) {
	s, b := testServer(t)
	publishTagged(t, b, "health:app-2", model.KindHealth, model.HealthStatus{ID: "app-2", Status: "crashed", Timestamp: time.Now().UTC()})

	require.Eventually(t, func() bool {
		rec, ok := s.Registry().Get("app-2")
		return ok && rec.Status == model.PeerCrashed
	}, time.Second, 10*time.Millisecond)
}

func TestStalenessScanMarksDisconnected(t *testing.T) {
	s, b := testServer(t)

	eventsSub, err := b.Subscribe(context.Background(), "events")
	require.NoError(t, err)
	defer eventsSub.Cancel()

	publishTagged(t, b, "health:app-3", model.KindHeartbeat, model.Heartbeat{ID: "app-3", Status: "ok", Timestamp: time.Now().UTC()})

	require.Eventually(t, func() bool {
		_, ok := s.Registry().Get("app-3")
		return ok
	}, time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		rec, _ := s.Registry().Get("app-3")
		return rec.Status == model.PeerDisconnected
	}, time.Second, 10*time.Millisecond)

	select {
	case msg := <-eventsSub.C:
		frame, err := wire.DecodeTagged(msg.Data)
		require.NoError(t, err)
		require.Equal(t, model.KindEvent, frame.Kind)
		ev, err := wire.Decode[model.SystemEvent](frame.Data)
		require.NoError(t, err)
		assert.Equal(t, model.EventConnectionDisconnected, ev.Type)
		assert.Equal(t, "app-3", ev.ProcessID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for connection.disconnected event")
	}
}

func TestCommandRoundTripViaBus(t *testing.T) {
	s, b := testServer(t)
	_ = s

	respCh := "responses:test:1"
	sub, err := b.Subscribe(context.Background(), respCh)
	require.NoError(t, err)
	defer sub.Cancel()

	cmd := model.Command{CommandID: "c1", Type: "ping", Parameters: map[string]string{"responseChannel": respCh}, Timestamp: time.Now().UTC()}
	data, err := wire.Encode(cmd)
	require.NoError(t, err)
	require.NoError(t, b.Publish(context.Background(), "commands", data, 0))

	select {
	case msg := <-sub.C:
		resp, err := wire.Decode[model.Response](msg.Data)
		require.NoError(t, err)
		assert.True(t, resp.Success)
		assert.Equal(t, "c1", resp.CommandID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for response")
	}
}
