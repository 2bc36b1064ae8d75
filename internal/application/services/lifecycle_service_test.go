package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencom/opencom-go/internal/domain/events"
	"github.com/opencom/opencom-go/internal/infrastructure/messaging"
)

func newLifecycleFixture(t *testing.T) (*fixture, *LifecycleService, *eventRecorder) {
	t.Helper()
	f := newFixture(time.Hour)
	bus := messaging.NewBus(testLogger())
	recorder := &eventRecorder{}
	bus.AddListener(recorder.listen)
	svc := NewLifecycleService(bus, f.sessions, f.backend, testWorkspace, testLogger())
	return f, svc, recorder
}

func TestNotifyBootedEmitsSessionStartOnce(t *testing.T) {
	f, svc, recorder := newLifecycleFixture(t)
	_, err := f.sessions.Boot(context.Background())
	require.NoError(t, err)

	svc.NotifyBooted()
	svc.NotifyBooted()

	starts := recorder.ofType(events.TypeSessionStart)
	require.Len(t, starts, 1)
	assert.Equal(t, "visitor-1", starts[0].SessionStart.VisitorID)
	assert.False(t, starts[0].SessionStart.ResumedFromBackground)
}

func TestForegroundResumeEmitsResumedStart(t *testing.T) {
	f, svc, recorder := newLifecycleFixture(t)
	_, err := f.sessions.Boot(context.Background())
	require.NoError(t, err)
	svc.NotifyBooted()

	svc.SetAppState(AppStateBackground)
	ends := recorder.ofType(events.TypeSessionEnd)
	require.Len(t, ends, 1)
	assert.Equal(t, "session-1", ends[0].SessionEnd.SessionID)

	svc.SetAppState(AppStateActive)
	starts := recorder.ofType(events.TypeSessionStart)
	require.Len(t, starts, 2)
	assert.True(t, starts[1].SessionStart.ResumedFromBackground)
}

func TestRepeatedStateIsNoOp(t *testing.T) {
	f, svc, recorder := newLifecycleFixture(t)
	_, err := f.sessions.Boot(context.Background())
	require.NoError(t, err)
	svc.NotifyBooted()

	svc.SetAppState(AppStateActive)
	svc.SetAppState(AppStateActive)
	assert.Len(t, recorder.ofType(events.TypeSessionStart), 1)
}

func TestInactiveCountsAsNotForeground(t *testing.T) {
	f, svc, recorder := newLifecycleFixture(t)
	_, err := f.sessions.Boot(context.Background())
	require.NoError(t, err)
	svc.NotifyBooted()

	// active -> inactive ends the telemetry session; inactive -> background
	// is a transition between two non-foreground states and emits nothing.
	svc.SetAppState(AppStateInactive)
	svc.SetAppState(AppStateBackground)
	assert.Len(t, recorder.ofType(events.TypeSessionEnd), 1)

	svc.SetAppState(AppStateActive)
	assert.Len(t, recorder.ofType(events.TypeSessionStart), 2)
}

func TestTransitionsBeforeBootLatchEmitNothing(t *testing.T) {
	_, svc, recorder := newLifecycleFixture(t)

	svc.SetAppState(AppStateBackground)
	svc.SetAppState(AppStateActive)
	assert.Empty(t, recorder.events)
}

func TestResetClearsLatch(t *testing.T) {
	f, svc, recorder := newLifecycleFixture(t)
	_, err := f.sessions.Boot(context.Background())
	require.NoError(t, err)
	svc.NotifyBooted()

	svc.Reset()
	assert.Equal(t, AppStateActive, svc.State())

	// After a reset the next boot may latch again.
	svc.NotifyBooted()
	assert.Len(t, recorder.ofType(events.TypeSessionStart), 2)
}
