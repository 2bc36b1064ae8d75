// Package credentials provides durable key-value persistence for visitor
// identifiers and session tokens. Plain values (visitor id, session id)
// and secure values (session token, expiry) are both namespaced per
// backend endpoint; secure values are AES-GCM encrypted at rest under a
// key derived per endpoint.
package credentials

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/opencom/opencom-go/internal/domain/entities/session"
	"github.com/opencom/opencom-go/internal/infrastructure/observability/logging"
	"github.com/opencom/opencom-go/internal/infrastructure/security"
)

// KV is the durable key-value backend. Implementations must be safe for
// concurrent use.
type KV interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

const (
	keyVisitorID        = "visitorId"
	keySessionID        = "sessionId"
	keySessionToken     = "sessionToken"
	keySessionExpiresAt = "sessionExpiresAt"
	keyCompletedSurveys = "completedSurveys"

	// keyInstallSecret is install-global, not endpoint-namespaced: one
	// installation keeps one secret across every backend it talks to.
	keyInstallSecret = "opencom:installSecret"
)

// LoadOrCreateInstallSecret returns the persisted install secret, minting
// and persisting a fresh random one on first run. Hosts that supply their
// own secret through the configuration never hit this path.
func LoadOrCreateInstallSecret(ctx context.Context, kv KV) (string, error) {
	existing, ok, err := kv.Get(ctx, keyInstallSecret)
	if err != nil {
		return "", fmt.Errorf("load install secret: %w", err)
	}
	if ok && existing != "" {
		return existing, nil
	}
	secret, err := security.GenerateSecureToken(32)
	if err != nil {
		return "", fmt.Errorf("mint install secret: %w", err)
	}
	if err := kv.Set(ctx, keyInstallSecret, secret); err != nil {
		return "", fmt.Errorf("persist install secret: %w", err)
	}
	return secret, nil
}

// Store persists visitor credentials for one backend endpoint.
type Store struct {
	kv        KV
	namespace string
	secureKey []byte
	logger    *logging.ChanneledLogger
}

// NewStore creates a credential store namespaced to endpoint. The secure
// tier key is derived from installSecret and the endpoint, so multiple
// concurrent backend connections from one installation never share keys.
func NewStore(kv KV, endpoint, installSecret string, logger *logging.ChanneledLogger) (*Store, error) {
	secureKey, err := security.DeriveKey(installSecret, endpoint)
	if err != nil {
		return nil, fmt.Errorf("credential store key derivation: %w", err)
	}
	return &Store{
		kv:        kv,
		namespace: "opencom:" + endpoint,
		secureKey: secureKey,
		logger:    logger,
	}, nil
}

func (s *Store) key(name string) string {
	return s.namespace + ":" + name
}

// LoadIdentity reads the persisted visitor identity. Missing fields come
// back zero-valued; a corrupt secure value is treated as absent so a
// fresh boot can recover.
func (s *Store) LoadIdentity(ctx context.Context) (session.VisitorIdentity, error) {
	var identity session.VisitorIdentity

	visitorID, _, err := s.kv.Get(ctx, s.key(keyVisitorID))
	if err != nil {
		return identity, fmt.Errorf("load visitor id: %w", err)
	}
	sessionID, _, err := s.kv.Get(ctx, s.key(keySessionID))
	if err != nil {
		return identity, fmt.Errorf("load session id: %w", err)
	}
	identity.VisitorID = visitorID
	identity.SessionID = sessionID

	token, ok, err := s.getSecure(ctx, keySessionToken)
	if err != nil {
		return identity, err
	}
	if ok {
		identity.SessionToken = token
	}

	expiresAt, ok, err := s.getSecure(ctx, keySessionExpiresAt)
	if err != nil {
		return identity, err
	}
	if ok {
		if t, err := time.Parse(time.RFC3339, expiresAt); err == nil {
			identity.SessionExpiresAt = t
		} else if s.logger != nil {
			s.logger.Storage().Warn("Discarding unparseable session expiry", "value", expiresAt)
		}
	}

	return identity, nil
}

// SaveIdentity persists the visitor identity across both tiers.
func (s *Store) SaveIdentity(ctx context.Context, identity session.VisitorIdentity) error {
	if err := s.kv.Set(ctx, s.key(keyVisitorID), identity.VisitorID); err != nil {
		return fmt.Errorf("save visitor id: %w", err)
	}
	if err := s.kv.Set(ctx, s.key(keySessionID), identity.SessionID); err != nil {
		return fmt.Errorf("save session id: %w", err)
	}
	if err := s.setSecure(ctx, keySessionToken, identity.SessionToken); err != nil {
		return err
	}
	return s.setSecure(ctx, keySessionExpiresAt, identity.SessionExpiresAt.UTC().Format(time.RFC3339))
}

// Clear removes every persisted credential for this endpoint.
func (s *Store) Clear(ctx context.Context) error {
	var firstErr error
	for _, name := range []string{keyVisitorID, keySessionID, keySessionToken, keySessionExpiresAt, keyCompletedSurveys} {
		if err := s.kv.Delete(ctx, s.key(name)); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("clear %s: %w", name, err)
		}
	}
	return firstErr
}

// LoadCompletedSurveys reads the persisted visitor-scoped completed
// survey ids.
func (s *Store) LoadCompletedSurveys(ctx context.Context) ([]string, error) {
	raw, ok, err := s.kv.Get(ctx, s.key(keyCompletedSurveys))
	if err != nil {
		return nil, fmt.Errorf("load completed surveys: %w", err)
	}
	if !ok || raw == "" {
		return nil, nil
	}
	return strings.Split(raw, ","), nil
}

// SaveCompletedSurveys persists the visitor-scoped completed survey ids.
func (s *Store) SaveCompletedSurveys(ctx context.Context, ids []string) error {
	return s.kv.Set(ctx, s.key(keyCompletedSurveys), strings.Join(ids, ","))
}

// ClearCompletedSurveys removes the persisted completed survey ids. Used
// when the visitor changes so the next visitor does not inherit the
// previous visitor's exclusions.
func (s *Store) ClearCompletedSurveys(ctx context.Context) error {
	return s.kv.Delete(ctx, s.key(keyCompletedSurveys))
}

func (s *Store) getSecure(ctx context.Context, name string) (string, bool, error) {
	encrypted, ok, err := s.kv.Get(ctx, s.key(name))
	if err != nil {
		return "", false, fmt.Errorf("load %s: %w", name, err)
	}
	if !ok || encrypted == "" {
		return "", false, nil
	}
	plain, err := security.Decrypt(encrypted, s.secureKey)
	if err != nil {
		if s.logger != nil {
			s.logger.Storage().Warn("Discarding undecryptable secure value", "key", name, "error", err.Error())
		}
		return "", false, nil
	}
	return plain, true, nil
}

func (s *Store) setSecure(ctx context.Context, name, value string) error {
	if value == "" {
		return s.kv.Delete(ctx, s.key(name))
	}
	encrypted, err := security.Encrypt(value, s.secureKey)
	if err != nil {
		return fmt.Errorf("encrypt %s: %w", name, err)
	}
	return s.kv.Set(ctx, s.key(name), encrypted)
}
