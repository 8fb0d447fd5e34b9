package event

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeSink struct {
	mu      sync.Mutex
	saved   []Event
	failing bool
	calls   int
}

func (f *fakeSink) SaveEvents(_ context.Context, batch []Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failing {
		return errors.New("storage down")
	}
	f.saved = append(f.saved, batch...)
	return nil
}

func (f *fakeSink) setFailing(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failing = v
}

func (f *fakeSink) savedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.saved)
}

func testEvent(t Type, sev Severity, ip string) Event {
	evt := New(t, sev, "test")
	evt.IP = ip
	return evt
}

func TestLogIsNonBlockingAndFlushPersists(t *testing.T) {
	sink := &fakeSink{}
	s := NewStore(StoreOptions{Sink: sink, FlushSize: 10})

	for i := 0; i < 3; i++ {
		s.Log(testEvent(TypeWAFViolation, SeverityHigh, "1.1.1.1"))
	}
	require.Equal(t, 0, sink.savedCount(), "nothing persists before a flush")
	require.Equal(t, 3, s.Pending())

	require.NoError(t, s.Flush(context.Background()))
	require.Equal(t, 3, sink.savedCount())
	require.Equal(t, 0, s.Pending())
}

func TestFlushFailureRetainsEvents(t *testing.T) {
	sink := &fakeSink{failing: true}
	s := NewStore(StoreOptions{Sink: sink, FlushSize: 10})

	s.Log(testEvent(TypeWAFViolation, SeverityLow, "1.1.1.1"))
	require.Error(t, s.Flush(context.Background()))
	require.Equal(t, 1, s.Pending(), "failed flush must not drop events")

	sink.setFailing(false)
	require.NoError(t, s.Flush(context.Background()))
	require.Equal(t, 1, sink.savedCount())
	require.Equal(t, 0, s.Pending())
	require.EqualValues(t, 0, s.Dropped())
}

func TestHardCapSpillsThenPersistsOnce(t *testing.T) {
	spill, err := OpenSpill(SpillOptions{Path: filepath.Join(t.TempDir(), "spill.db")})
	require.NoError(t, err)
	defer spill.Close()

	sink := &fakeSink{failing: true}
	s := NewStore(StoreOptions{Sink: sink, Spill: spill, FlushSize: 5, HardCap: 10})

	for i := 0; i < 25; i++ {
		s.Log(testEvent(TypeWAFViolation, SeverityLow, "1.1.1.1"))
	}
	require.Equal(t, 10, s.Pending())
	spilled, err := spill.Len()
	require.NoError(t, err)
	require.Equal(t, 15, spilled)
	require.EqualValues(t, 0, s.Dropped())

	sink.setFailing(false)
	require.NoError(t, s.Flush(context.Background()))
	require.Equal(t, 25, sink.savedCount(), "every event persists exactly once after recovery")

	remaining, err := spill.Len()
	require.NoError(t, err)
	require.Equal(t, 0, remaining)
}

func TestHardCapDropsOldestWithoutSpill(t *testing.T) {
	sink := &fakeSink{failing: true}
	s := NewStore(StoreOptions{Sink: sink, FlushSize: 5, HardCap: 10})

	for i := 0; i < 13; i++ {
		s.Log(testEvent(TypeWAFViolation, SeverityLow, "1.1.1.1"))
	}
	require.Equal(t, 10, s.Pending())
	require.EqualValues(t, 3, s.Dropped())
}

type gateSink struct {
	fakeSink
	entered chan struct{}
	release chan struct{}
}

func (g *gateSink) SaveEvents(ctx context.Context, batch []Event) error {
	g.entered <- struct{}{}
	<-g.release
	return g.fakeSink.SaveEvents(ctx, batch)
}

func (f *fakeSink) savedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.saved))
	for _, evt := range f.saved {
		ids = append(ids, evt.ID)
	}
	return ids
}

func TestCapEnforcementSparesInFlightBatch(t *testing.T) {
	sink := &gateSink{entered: make(chan struct{}, 4), release: make(chan struct{})}
	s := NewStore(StoreOptions{Sink: sink, FlushSize: 2, HardCap: 3})

	a := testEvent(TypeWAFViolation, SeverityLow, "1.1.1.1")
	b := testEvent(TypeWAFViolation, SeverityLow, "1.1.1.1")
	s.Log(a)
	s.Log(b)

	flushDone := make(chan error, 1)
	go func() { flushDone <- s.Flush(context.Background()) }()
	<-sink.entered

	// Overflow while [a b] is in flight: the cap must evict c, never a
	// or b, or the positional trim after the save removes the wrong
	// events.
	c := testEvent(TypeWAFViolation, SeverityLow, "2.2.2.2")
	d := testEvent(TypeWAFViolation, SeverityLow, "3.3.3.3")
	s.Log(c)
	s.Log(d)

	close(sink.release)
	require.NoError(t, <-flushDone)
	require.NoError(t, s.Flush(context.Background()))

	require.Equal(t, []string{a.ID, b.ID, d.ID}, sink.savedIDs(),
		"in-flight events persist once, the overflow victim is the oldest evictable")
	require.EqualValues(t, 1, s.Dropped())
	require.Equal(t, 0, s.Pending())
}

func TestRunFlushesOnBufferFull(t *testing.T) {
	sink := &fakeSink{}
	s := NewStore(StoreOptions{Sink: sink, FlushSize: 5, FlushInterval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	for i := 0; i < 5; i++ {
		s.Log(testEvent(TypeWAFViolation, SeverityLow, "1.1.1.1"))
	}

	require.Eventually(t, func() bool { return sink.savedCount() == 5 },
		2*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

func TestResolve(t *testing.T) {
	s := NewStore(StoreOptions{Sink: &fakeSink{}})
	evt := testEvent(TypeThreatDetected, SeverityHigh, "2.2.2.2")
	s.Log(evt)

	require.True(t, s.Resolve(evt.ID, "operator@example.com"))
	require.False(t, s.Resolve(evt.ID, "again"), "resolution is a one-way transition")
	require.False(t, s.Resolve("missing", "nobody"))

	recent := s.Recent(time.Hour)
	require.Len(t, recent, 1)
	require.True(t, recent[0].Resolved)
	require.Equal(t, "operator@example.com", recent[0].ResolvedBy)
	require.NotNil(t, recent[0].ResolvedAt)
}

func TestMetricsSummary(t *testing.T) {
	s := NewStore(StoreOptions{Sink: &fakeSink{}})

	s.Log(testEvent(TypeWAFViolation, SeverityCritical, "1.1.1.1"))
	s.Log(testEvent(TypeWAFViolation, SeverityHigh, "1.1.1.1"))
	s.Log(testEvent(TypeRateLimitExceeded, SeverityMedium, "2.2.2.2"))
	s.Log(testEvent(TypeIPBlocked, SeverityLow, "3.3.3.3"))

	sum := s.Metrics(time.Hour)
	require.Equal(t, 4, sum.TotalEvents)
	require.Equal(t, 1, sum.BySeverity[SeverityCritical])
	require.Equal(t, 2, sum.ByType[TypeWAFViolation])
	// 100 - 20 - 10 - 5 - 1
	require.Equal(t, 64, sum.SecurityScore)
	require.Equal(t, "1.1.1.1", sum.TopThreats[0].IP)
	require.Equal(t, 2, sum.TopThreats[0].Count)
	require.Len(t, sum.TopThreats, 3)
}

func TestMetricsScoreClampedAtZero(t *testing.T) {
	s := NewStore(StoreOptions{Sink: &fakeSink{}})
	for i := 0; i < 10; i++ {
		s.Log(testEvent(TypeWAFViolation, SeverityCritical, "1.1.1.1"))
	}
	require.Equal(t, 0, s.Metrics(time.Hour).SecurityScore)
}

func TestMetricsTopThreatsCappedAtFive(t *testing.T) {
	s := NewStore(StoreOptions{Sink: &fakeSink{}})
	ips := []string{"1.1.1.1", "2.2.2.2", "3.3.3.3", "4.4.4.4", "5.5.5.5", "6.6.6.6"}
	for _, ip := range ips {
		s.Log(testEvent(TypeWAFViolation, SeverityLow, ip))
	}
	require.Len(t, s.Metrics(time.Hour).TopThreats, 5)
}
