// Package services provides application-level orchestration services
package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/opencom/opencom-go/internal/domain/entities/session"
	"github.com/opencom/opencom-go/internal/infrastructure/observability/logging"
	"github.com/opencom/opencom-go/internal/infrastructure/persistence/credentials"
	"github.com/opencom/opencom-go/internal/infrastructure/scheduling"
	"github.com/opencom/opencom-go/internal/infrastructure/security"
	"github.com/opencom/opencom-go/internal/infrastructure/transport"
	"github.com/opencom/opencom-go/pkg/config"
)

const (
	timerSessionRefresh   = "session.refresh"
	timerSessionHeartbeat = "session.heartbeat"
)

var (
	// ErrBootInFlight rejects a boot while another boot is in flight.
	ErrBootInFlight = errors.New("session boot already in flight")
	// ErrAlreadyBooted rejects a second boot on the same runtime instance.
	ErrAlreadyBooted = errors.New("session already booted; reset first")
	// ErrSessionRevoked rejects operations on a revoked session.
	ErrSessionRevoked = errors.New("session revoked; reset first")
)

// SessionService owns the visitor session lifecycle: boot, scheduled
// refresh, revoke and heartbeat. It moves through
// UNINITIALIZED -> BOOTING -> ACTIVE <-> REFRESHING -> REVOKED, and only
// Reset returns it to UNINITIALIZED.
type SessionService struct {
	backend     transport.Backend
	store       *credentials.Store
	scheduler   scheduling.Scheduler
	clock       scheduling.Clock
	logger      *logging.ChanneledLogger
	workspaceID string

	mu         sync.Mutex
	state      session.State
	identity   session.VisitorIdentity
	generation uint64
	booting    bool
}

// NewSessionService creates a new session service.
func NewSessionService(backend transport.Backend, store *credentials.Store, scheduler scheduling.Scheduler, clock scheduling.Clock, workspaceID string, logger *logging.ChanneledLogger) *SessionService {
	return &SessionService{
		backend:     backend,
		store:       store,
		scheduler:   scheduler,
		clock:       clock,
		logger:      logger,
		workspaceID: workspaceID,
		state:       session.StateUninitialized,
	}
}

// State returns the current lifecycle state.
func (s *SessionService) State() session.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Identity returns a copy of the current visitor identity.
func (s *SessionService) Identity() session.VisitorIdentity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

// ActiveIdentity returns the identity when the session holds a
// non-expired token, or false otherwise.
func (s *SessionService) ActiveIdentity() (session.VisitorIdentity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != session.StateActive && s.state != session.StateRefreshing {
		return session.VisitorIdentity{}, false
	}
	if !s.identity.HasToken(s.clock.Now()) {
		return session.VisitorIdentity{}, false
	}
	return s.identity, true
}

// Boot obtains a visitor id and signed token from the backend using a
// generated-or-persisted session id. Idempotent across restarts via
// persisted identifiers. Concurrent calls after the first in-flight one
// are rejected with a warning.
func (s *SessionService) Boot(ctx context.Context) (session.VisitorIdentity, error) {
	s.mu.Lock()
	if s.booting {
		s.mu.Unlock()
		s.logger.Session().Warn("Rejecting concurrent boot; another boot is in flight")
		return session.VisitorIdentity{}, ErrBootInFlight
	}
	switch s.state {
	case session.StateRevoked:
		s.mu.Unlock()
		return session.VisitorIdentity{}, ErrSessionRevoked
	case session.StateBooting, session.StateActive, session.StateRefreshing:
		s.mu.Unlock()
		s.logger.Session().Warn("Rejecting boot; session already booted", "state", string(s.state))
		return session.VisitorIdentity{}, ErrAlreadyBooted
	}
	s.booting = true
	s.state = session.StateBooting
	gen := s.generation
	s.mu.Unlock()

	identity, err := s.performBoot(ctx, gen)

	s.mu.Lock()
	s.booting = false
	if err != nil && s.generation == gen && s.state == session.StateBooting {
		s.state = session.StateUninitialized
	}
	s.mu.Unlock()
	return identity, err
}

func (s *SessionService) performBoot(ctx context.Context, gen uint64) (session.VisitorIdentity, error) {
	persisted, err := s.store.LoadIdentity(ctx)
	if err != nil {
		s.logger.Session().Warn("Failed to load persisted identity; booting fresh", "error", err.Error())
	}

	sessionID := persisted.SessionID
	if sessionID == "" {
		sessionID = security.GenerateULID()
	}

	resp, err := s.backend.BootSession(ctx, transport.BootRequest{
		WorkspaceID: s.workspaceID,
		SessionID:   sessionID,
		VisitorID:   persisted.VisitorID,
	})
	if err != nil {
		return session.VisitorIdentity{}, fmt.Errorf("boot session: %w", err)
	}

	identity := session.VisitorIdentity{
		VisitorID:        resp.VisitorID,
		SessionID:        resp.SessionID,
		SessionToken:     resp.Token,
		SessionExpiresAt: s.resolveExpiry(resp.Token, resp.ExpiresAt),
	}

	s.mu.Lock()
	if s.generation != gen {
		// A reset happened while the boot call was in flight.
		s.mu.Unlock()
		s.logger.Session().Warn("Discarding stale boot response", "sessionId", identity.SessionID)
		return session.VisitorIdentity{}, errors.New("boot superseded by reset")
	}
	s.identity = identity
	s.state = session.StateActive
	s.mu.Unlock()

	if err := s.store.SaveIdentity(ctx, identity); err != nil {
		s.logger.Session().Warn("Failed to persist identity", "error", err.Error())
	}

	s.scheduleRefresh(identity, gen)
	s.startHeartbeat(gen)

	s.logger.Session().Info("Session booted", "visitorId", identity.VisitorID, "sessionId", identity.SessionID, "expiresAt", identity.SessionExpiresAt)
	return identity, nil
}

// resolveExpiry prefers the wire expiresAt; a backend that omits it still
// carries the expiry inside the signed token's exp claim.
func (s *SessionService) resolveExpiry(token string, wire time.Time) time.Time {
	if !wire.IsZero() {
		return wire
	}
	expiry, err := security.TokenExpiry(token)
	if err != nil {
		s.logger.Session().Warn("Token carries no readable expiry; deferring refresh by one heartbeat interval", "error", err.Error())
		return s.clock.Now().Add(config.RefreshMargin + config.HeartbeatInterval)
	}
	return expiry
}

// scheduleRefresh arms the refresh timer to fire RefreshMargin before the
// token expires. Arming always cancels any pending refresh timer first; a
// computed delay below zero is clamped to zero and fires immediately.
func (s *SessionService) scheduleRefresh(identity session.VisitorIdentity, gen uint64) {
	delay := identity.SessionExpiresAt.Sub(s.clock.Now()) - config.RefreshMargin
	if delay < 0 {
		delay = 0
	}
	s.armRefresh(delay, gen)
}

// armRefresh arms the refresh timer while holding the mutex, re-checking
// the generation so a Reset that landed after the caller's own check
// cannot be followed by a fresh timer it can no longer cancel.
func (s *SessionService) armRefresh(delay time.Duration, gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.generation != gen {
		return
	}
	s.scheduler.Schedule(timerSessionRefresh, delay, func() {
		s.refreshTick(gen)
	})
}

func (s *SessionService) startHeartbeat(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.generation != gen {
		return
	}
	s.scheduler.Repeat(timerSessionHeartbeat, config.HeartbeatInterval, func() {
		s.heartbeatTick(gen)
	})
}

// refreshTick exchanges the current token for a new one and re-arms the
// timer. Failures are logged and retried at the next tick; no immediate
// backoff, avoiding retry storms.
func (s *SessionService) refreshTick(gen uint64) {
	s.mu.Lock()
	if s.generation != gen || (s.state != session.StateActive && s.state != session.StateRefreshing) {
		s.mu.Unlock()
		return
	}
	s.state = session.StateRefreshing
	identity := s.identity
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), config.HTTPTimeout)
	defer cancel()

	resp, err := s.backend.RefreshSession(ctx, identity.SessionID, identity.SessionToken)
	if err != nil {
		s.logger.Session().Warn("Session refresh failed; retrying at next tick", "error", err.Error())
		s.mu.Lock()
		if s.generation == gen && s.state == session.StateRefreshing {
			s.state = session.StateActive
		}
		s.mu.Unlock()
		s.armRefresh(config.HeartbeatInterval, gen)
		return
	}

	s.mu.Lock()
	if s.generation != gen {
		s.mu.Unlock()
		s.logger.Session().Warn("Discarding stale refresh response")
		return
	}
	s.identity.SessionToken = resp.Token
	s.identity.SessionExpiresAt = s.resolveExpiry(resp.Token, resp.ExpiresAt)
	s.state = session.StateActive
	refreshed := s.identity
	s.mu.Unlock()

	if err := s.store.SaveIdentity(context.Background(), refreshed); err != nil {
		s.logger.Session().Warn("Failed to persist refreshed identity", "error", err.Error())
	}

	s.scheduleRefresh(refreshed, gen)
	s.logger.Session().Debug("Session refreshed", "expiresAt", resp.ExpiresAt)
}

// heartbeatTick pings the backend to mark the visitor online. Runs at a
// fixed interval independent of app foreground state; failures are logged
// and retried at the next interval.
func (s *SessionService) heartbeatTick(gen uint64) {
	s.mu.Lock()
	if s.generation != gen {
		s.mu.Unlock()
		return
	}
	identity := s.identity
	state := s.state
	s.mu.Unlock()

	if state != session.StateActive && state != session.StateRefreshing {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), config.HTTPTimeout)
	defer cancel()

	if err := s.backend.Heartbeat(ctx, identity.SessionID, identity.SessionToken); err != nil {
		s.logger.Session().Warn("Heartbeat failed; retrying at next tick", "error", err.Error())
	}
}

// Revoke invalidates the session server-side on a best-effort basis;
// failures are swallowed and local session state is destroyed regardless.
// Stops the refresh timer and heartbeat. REVOKED is terminal until Reset.
func (s *SessionService) Revoke(ctx context.Context) {
	s.mu.Lock()
	identity := s.identity
	hadSession := s.state == session.StateActive || s.state == session.StateRefreshing
	s.identity = session.VisitorIdentity{}
	s.state = session.StateRevoked
	s.mu.Unlock()

	s.scheduler.Cancel(timerSessionRefresh)
	s.scheduler.Cancel(timerSessionHeartbeat)

	if hadSession {
		if err := s.backend.RevokeSession(ctx, identity.SessionID, identity.SessionToken); err != nil {
			s.logger.Session().Warn("Server-side revoke failed; local state destroyed anyway", "error", err.Error())
		}
	}

	if err := s.store.Clear(ctx); err != nil {
		s.logger.Session().Warn("Failed to clear persisted credentials", "error", err.Error())
	}

	s.logger.Session().Info("Session revoked")
}

// Reset cancels outstanding timers, clears persisted credentials and
// returns the service to UNINITIALIZED. Idempotent under repeated calls;
// responses from calls in flight before the reset are detected by
// generation and discarded rather than applied.
func (s *SessionService) Reset(ctx context.Context) {
	s.mu.Lock()
	s.generation++
	s.identity = session.VisitorIdentity{}
	s.state = session.StateUninitialized
	s.booting = false
	s.mu.Unlock()

	s.scheduler.Cancel(timerSessionRefresh)
	s.scheduler.Cancel(timerSessionHeartbeat)

	if err := s.store.Clear(ctx); err != nil {
		s.logger.Session().Warn("Failed to clear persisted credentials on reset", "error", err.Error())
	}
}
