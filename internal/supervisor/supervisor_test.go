package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/controlplane/internal/bus"
	"github.com/adred-codev/controlplane/internal/logging"
	"github.com/adred-codev/controlplane/internal/model"
)

func testSupervisor(t *testing.T) (*Supervisor, bus.Bus) {
	t.Helper()
	b := bus.NewMemoryBus()
	t.Cleanup(func() { b.Close() })
	log := logging.New(logging.Options{Level: "error", Source: "supervisor_test"})
	return New(b, log, 2*time.Second), b
}

func TestRegisterStartStopLifecycle(t *testing.T) {
	s, _ := testSupervisor(t)
	info := model.ProcessInfo{ID: "p1", Name: "sleeper", ExecutablePath: "sh", Args: []string{"-c", "sleep 5"}}

	require.NoError(t, s.Register(info))
	state, err := s.Status("p1")
	require.NoError(t, err)
	assert.Equal(t, StateRegistered, state)

	require.NoError(t, s.Start(context.Background(), "p1"))
	state, err = s.Status("p1")
	require.NoError(t, err)
	assert.Equal(t, StateRunning, state)

	require.NoError(t, s.Stop(context.Background(), "p1"))
	assert.Eventually(t, func() bool {
		state, _ := s.Status("p1")
		return state == StateStopped
	}, time.Second, 10*time.Millisecond)
}

func TestStartUnknownProcessErrors(t *testing.T) {
	s, _ := testSupervisor(t)
	err := s.Start(context.Background(), "nope")
	assert.Error(t, err)
}

func TestStartWhileStartingIsConflicting(t *testing.T) {
	s, _ := testSupervisor(t)
	info := model.ProcessInfo{ID: "p2", ExecutablePath: "sh", Args: []string{"-c", "sleep 1"}}
	require.NoError(t, s.Register(info))

	s.mu.RLock()
	mp := s.processes["p2"]
	s.mu.RUnlock()
	mp.mu.Lock()
	mp.state = StateStarting
	mp.mu.Unlock()

	err := s.Start(context.Background(), "p2")
	assert.Error(t, err)
}

func TestHandleCommandPing(t *testing.T) {
	s, _ := testSupervisor(t)
	resp := s.HandleCommand(context.Background(), model.Command{CommandID: "c1", Type: "ping"})
	assert.True(t, resp.Success)
	assert.Equal(t, "c1", resp.CommandID)
}

func TestHandleCommandUnknownType(t *testing.T) {
	s, _ := testSupervisor(t)
	resp := s.HandleCommand(context.Background(), model.Command{CommandID: "c2", Type: "bogus"})
	assert.False(t, resp.Success)
	assert.NotEmpty(t, resp.Error)
}
