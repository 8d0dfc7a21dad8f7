package agent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/adred-codev/controlplane/internal/bus"
	"github.com/adred-codev/controlplane/internal/config"
	"github.com/adred-codev/controlplane/internal/logging"
	"github.com/adred-codev/controlplane/internal/model"
	"github.com/adred-codev/controlplane/internal/wire"
)

func testLogger() *logging.Logger {
	return logging.New(logging.Options{Level: "error", Source: "agent_test"})
}

// fakeDaemon answers every register/ping command published on "commands"
// with a success Response on the caller's responseChannel, standing in
// for the supervisor/commserver side of the RPC exchange.
func fakeDaemon(ctx context.Context, b bus.Bus) {
	sub, err := b.Subscribe(ctx, "commands")
	if err != nil {
		return
	}
	go func() {
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
					continue
				}
				resp := model.Response{CommandID: cmd.CommandID, Success: true, Timestamp: time.Now().UTC()}
				data, err := wire.Encode(resp)
				if err != nil {
					continue
				}
				_ = b.Publish(ctx, cmd.ResponseChannel(), data, 0)
			}
		}
	}()
}

func TestAgentConnectReachesConnectedState(t *testing.T) {
	b := bus.NewMemoryBus()
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fakeDaemon(ctx, b)

	cfg := config.AgentConfig{
		HeartbeatInterval: time.Hour, MetricsInterval: time.Hour,
		ReconnectBaseDelay: time.Second, ReconnectMaxDelay: time.Second,
		MaxReconnectAttempts: 5, QueueCapacity: 10, CommandTimeout: 2 * time.Second,
	}
	info := model.ProcessInfo{ID: "app-1", Name: "demo", Type: "worker"}
	a := New(cfg, b, testLogger(), info)

	require.NoError(t, a.Start(ctx))
	require.Equal(t, StateConnected, a.State())
	require.Equal(t, uint64(1), a.Stats().TotalConnections)

	require.NoError(t, a.Stop(context.Background()))
	require.Equal(t, StateStopped, a.State())
}

func TestAgentSendCommandRoundTrip(t *testing.T) {
	b := bus.NewMemoryBus()
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fakeDaemon(ctx, b)

	cfg := config.AgentConfig{
		HeartbeatInterval: time.Hour, MetricsInterval: time.Hour,
		ReconnectBaseDelay: time.Second, ReconnectMaxDelay: time.Second,
		MaxReconnectAttempts: 5, QueueCapacity: 10, CommandTimeout: 2 * time.Second,
	}
	info := model.ProcessInfo{ID: "app-2", Name: "demo", Type: "worker"}
	a := New(cfg, b, testLogger(), info)
	require.NoError(t, a.Start(ctx))
	defer a.Stop(context.Background())

	resp, err := a.SendCommand(ctx, "ping", nil)
	require.NoError(t, err)
	require.True(t, resp.Success)
}

func TestAgentConnectFailsWithoutDaemonAndReconnects(t *testing.T) {
	b := bus.NewMemoryBus()
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := config.AgentConfig{
		HeartbeatInterval: time.Hour, MetricsInterval: time.Hour,
		ReconnectBaseDelay: 10 * time.Millisecond, ReconnectMaxDelay: 20 * time.Millisecond,
		MaxReconnectAttempts: 5, QueueCapacity: 10, CommandTimeout: 50 * time.Millisecond,
	}
	info := model.ProcessInfo{ID: "app-3", Name: "demo", Type: "worker"}
	a := New(cfg, b, testLogger(), info)

	err := a.Start(ctx)
	require.Error(t, err)
	require.Equal(t, StateDisconnected, a.State())

	// Bring the daemon up after the fact; the reconnect loop should pick it
	// up on its own without any call back into Start.
	fakeDaemon(ctx, b)
	require.Eventually(t, func() bool {
		return a.State() == StateConnected
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, a.Stop(context.Background()))
}
