package services

import (
	"context"
	"sync"

	"github.com/opencom/opencom-go/internal/domain/events"
	"github.com/opencom/opencom-go/internal/infrastructure/messaging"
	"github.com/opencom/opencom-go/internal/infrastructure/observability/logging"
	"github.com/opencom/opencom-go/internal/infrastructure/transport"
	"github.com/opencom/opencom-go/pkg/config"
)

// AppState is the host application's foreground state as reported to the
// runtime.
type AppState string

const (
	AppStateActive     AppState = "active"
	AppStateInactive   AppState = "inactive"
	AppStateBackground AppState = "background"
)

// LifecycleService observes foreground/background transitions, emits
// session start/end telemetry and guarantees exactly one session_start
// for the initial successful boot regardless of foreground state at boot
// time.
type LifecycleService struct {
	bus         *messaging.Bus
	sessions    *SessionService
	backend     transport.Backend
	logger      *logging.ChanneledLogger
	workspaceID string

	mu           sync.Mutex
	state        AppState
	startLatched bool
}

// NewLifecycleService creates a new app lifecycle bridge.
func NewLifecycleService(bus *messaging.Bus, sessions *SessionService, backend transport.Backend, workspaceID string, logger *logging.ChanneledLogger) *LifecycleService {
	return &LifecycleService{
		bus:         bus,
		sessions:    sessions,
		backend:     backend,
		logger:      logger,
		workspaceID: workspaceID,
		state:       AppStateActive,
	}
}

// NotifyBooted latches the initial session_start. The latch is never
// cleared except by Reset, so repeated foreground flaps during boot can
// not double-emit it.
func (l *LifecycleService) NotifyBooted() {
	l.mu.Lock()
	if l.startLatched {
		l.mu.Unlock()
		return
	}
	l.startLatched = true
	l.mu.Unlock()

	l.emitSessionStart(false)
}

// SetAppState feeds a host-observed foreground transition into the
// runtime. background->active emits session_start tagged as resumed;
// active->background emits session_end.
func (l *LifecycleService) SetAppState(next AppState) {
	l.mu.Lock()
	prev := l.state
	l.state = next
	latched := l.startLatched
	l.mu.Unlock()

	if prev == next || !latched {
		return
	}

	wasForeground := prev == AppStateActive
	isForeground := next == AppStateActive

	switch {
	case !wasForeground && isForeground:
		l.emitSessionStart(true)
	case wasForeground && !isForeground:
		l.emitSessionEnd()
	}
}

// State returns the last reported app state.
func (l *LifecycleService) State() AppState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *LifecycleService) emitSessionStart(resumed bool) {
	identity := l.sessions.Identity()
	l.bus.Emit(events.Event{
		Type: events.TypeSessionStart,
		SessionStart: &events.SessionStartPayload{
			VisitorID:             identity.VisitorID,
			SessionID:             identity.SessionID,
			ResumedFromBackground: resumed,
		},
	})
	l.trackAuto("session_start", map[string]string{"resumedFromBackground": boolString(resumed)})
	l.logger.Lifecycle().Debug("session_start emitted", "resumedFromBackground", resumed)
}

func (l *LifecycleService) emitSessionEnd() {
	identity := l.sessions.Identity()
	l.bus.Emit(events.Event{
		Type:       events.TypeSessionEnd,
		SessionEnd: &events.SessionEndPayload{SessionID: identity.SessionID},
	})
	l.trackAuto("session_end", nil)
	l.logger.Lifecycle().Debug("session_end emitted")
}

// trackAuto reports the auto-event to the backend, fire and forget.
func (l *LifecycleService) trackAuto(name string, props map[string]string) {
	identity, ok := l.sessions.ActiveIdentity()
	if !ok {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), config.HTTPTimeout)
		defer cancel()
		if err := l.backend.TrackAutoEvent(ctx, identity.SessionToken, transport.TrackEventRequest{
			WorkspaceID: l.workspaceID,
			VisitorID:   identity.VisitorID,
			SessionID:   identity.SessionID,
			Name:        name,
			Properties:  props,
		}); err != nil {
			l.logger.Lifecycle().Warn("Auto-event dispatch failed", "event", name, "error", err.Error())
		}
	}()
}

// Reset clears the start latch and returns the bridge to its initial
// state.
func (l *LifecycleService) Reset() {
	l.mu.Lock()
	l.startLatched = false
	l.state = AppStateActive
	l.mu.Unlock()
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
