package scheduler

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/CyberMesh/defense-agent/internal/control"
	"github.com/CyberMesh/defense-agent/internal/ledger"
	"github.com/CyberMesh/defense-agent/internal/state"
)

func TestRunOncePersistsSnapshot(t *testing.T) {
	led := ledger.New(ledger.Options{ChallengeThreshold: 3, BlockThreshold: 5})
	led.Record("203.0.113.5", 2)

	store := state.NewStore(state.Options{
		PersistPath:    filepath.Join(t.TempDir(), "agent-state.json"),
		EnableChecksum: true,
	})
	kill := control.NewKillSwitch(true)

	sched, err := New(Options{
		Ledger:     led,
		Store:      store,
		Overrides:  func() map[string]bool { return map[string]bool{"sqli-comment": false} },
		KillSwitch: kill,
		Logger:     zap.NewNop(),
	})
	require.NoError(t, err)

	sched.RunOnce(context.Background())

	snap, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, 2, snap.Ledger["203.0.113.5"].Count)
	assert.Equal(t, map[string]bool{"sqli-comment": false}, snap.RuleOverrides)
	assert.True(t, snap.WAFDisabled)
}

func TestRunOnceEvictsIdleEntries(t *testing.T) {
	current := time.Now()
	led := ledger.New(ledger.Options{
		DecayWindow: time.Minute,
		Clock:       func() time.Time { return current },
	})
	led.Record("198.51.100.1", 1)
	current = current.Add(10 * time.Minute) // past the idle TTL of 4 decay windows

	sched, err := New(Options{
		Ledger: led,
		Store:  state.NewStore(state.Options{}),
		Logger: zap.NewNop(),
	})
	require.NoError(t, err)

	sched.RunOnce(context.Background())
	assert.Zero(t, led.Len())
}

func TestRunStopsOnCancel(t *testing.T) {
	sched, err := New(Options{
		Ledger:   ledger.New(ledger.Options{}),
		Store:    state.NewStore(state.Options{}),
		Interval: 5 * time.Millisecond,
		Logger:   zap.NewNop(),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sched.Run(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop after cancellation")
	}
}

func TestNewRequiresLedgerAndStore(t *testing.T) {
	_, err := New(Options{Store: state.NewStore(state.Options{})})
	require.Error(t, err)
	_, err = New(Options{Ledger: ledger.New(ledger.Options{})})
	require.Error(t, err)
}
