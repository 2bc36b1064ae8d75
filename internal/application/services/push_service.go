package services

import (
	"context"
	"sync"

	"github.com/opencom/opencom-go/internal/domain/entities/push"
	"github.com/opencom/opencom-go/internal/domain/events"
	"github.com/opencom/opencom-go/internal/infrastructure/messaging"
	"github.com/opencom/opencom-go/internal/infrastructure/observability/logging"
	"github.com/opencom/opencom-go/internal/infrastructure/security"
	"github.com/opencom/opencom-go/internal/infrastructure/transport"
)

// TokenSource resolves the platform push token, requesting notification
// permission from the OS if it has not been granted yet. A permission
// denial surfaces as an error.
type TokenSource interface {
	RequestToken(ctx context.Context) (push.Registration, error)
}

// PushService idempotently reconciles the platform push token against the
// backend. At most one token is ever registered; a changed token is
// unregistered server-side before its successor is registered.
type PushService struct {
	backend     transport.Backend
	sessions    *SessionService
	source      TokenSource
	bus         *messaging.Bus
	logger      *logging.ChanneledLogger
	workspaceID string

	mu         sync.Mutex
	registered *push.Registration
}

// NewPushService creates a new push token reconciler.
func NewPushService(backend transport.Backend, sessions *SessionService, source TokenSource, bus *messaging.Bus, workspaceID string, logger *logging.ChanneledLogger) *PushService {
	return &PushService{
		backend:     backend,
		sessions:    sessions,
		source:      source,
		bus:         bus,
		logger:      logger,
		workspaceID: workspaceID,
	}
}

// Registered returns the current registration, if any.
func (p *PushService) Registered() *push.Registration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.registered == nil {
		return nil
	}
	reg := *p.registered
	return &reg
}

// Register resolves the platform token and registers it with the backend.
// Missing session context and permission denials are soft failures: a nil
// return with a logged warning, never an error the caller must handle.
func (p *PushService) Register(ctx context.Context) *push.Registration {
	if p.workspaceID == "" {
		p.logger.Push().Warn("Push registration skipped; no workspace id")
		return nil
	}
	identity, ok := p.sessions.ActiveIdentity()
	if !ok {
		p.logger.Push().Warn("Push registration skipped; no active session")
		return nil
	}
	if p.source == nil {
		p.logger.Push().Warn("Push registration skipped; no token source configured")
		return nil
	}

	resolved, err := p.source.RequestToken(ctx)
	if err != nil {
		p.logger.Push().Warn("Push token unavailable", "error", err.Error())
		return nil
	}
	if resolved.Token == "" {
		p.logger.Push().Warn("Push token source returned empty token")
		return nil
	}

	p.mu.Lock()
	stale := p.registered
	p.mu.Unlock()

	if stale != nil && security.TokensEqual(stale.Token, resolved.Token) {
		// Unchanged token: nothing to reconcile.
		reg := *stale
		return &reg
	}

	if stale != nil {
		if err := p.backend.UnregisterPushToken(ctx, identity.SessionToken, transport.PushTokenRequest{
			WorkspaceID: p.workspaceID,
			VisitorID:   identity.VisitorID,
			Token:       stale.Token,
			Platform:    string(stale.Platform),
		}); err != nil {
			p.logger.Push().Warn("Failed to unregister stale push token; aborting", "error", err.Error())
			return nil
		}
		p.mu.Lock()
		p.registered = nil
		p.mu.Unlock()
		p.bus.Emit(events.Event{
			Type: events.TypePushUnregistered,
			Push: &events.PushPayload{Token: stale.Token, Platform: string(stale.Platform)},
		})
	}

	if err := p.backend.RegisterPushToken(ctx, identity.SessionToken, transport.PushTokenRequest{
		WorkspaceID: p.workspaceID,
		VisitorID:   identity.VisitorID,
		Token:       resolved.Token,
		Platform:    string(resolved.Platform),
	}); err != nil {
		p.logger.Push().Warn("Push registration failed", "error", err.Error())
		return nil
	}

	p.mu.Lock()
	p.registered = &resolved
	p.mu.Unlock()

	p.bus.Emit(events.Event{
		Type: events.TypePushRegistered,
		Push: &events.PushPayload{Token: resolved.Token, Platform: string(resolved.Platform)},
	})
	p.logger.Push().Info("Push token registered", "platform", string(resolved.Platform))

	reg := resolved
	return &reg
}

// Unregister removes the currently registered token. A no-op when none is
// registered, still reporting success with zero backend calls.
func (p *PushService) Unregister(ctx context.Context) bool {
	p.mu.Lock()
	current := p.registered
	p.mu.Unlock()

	if current == nil {
		return true
	}

	identity, ok := p.sessions.ActiveIdentity()
	if !ok {
		p.logger.Push().Warn("Push unregister skipped; no active session")
		return false
	}

	if err := p.backend.UnregisterPushToken(ctx, identity.SessionToken, transport.PushTokenRequest{
		WorkspaceID: p.workspaceID,
		VisitorID:   identity.VisitorID,
		Token:       current.Token,
		Platform:    string(current.Platform),
	}); err != nil {
		p.logger.Push().Warn("Push unregister failed", "error", err.Error())
		return false
	}

	p.mu.Lock()
	p.registered = nil
	p.mu.Unlock()

	p.bus.Emit(events.Event{
		Type: events.TypePushUnregistered,
		Push: &events.PushPayload{Token: current.Token, Platform: string(current.Platform)},
	})
	return true
}

// Reset forgets the in-memory registration without a backend call.
func (p *PushService) Reset() {
	p.mu.Lock()
	p.registered = nil
	p.mu.Unlock()
}
