// Package transport provides the backend API client and the websocket
// eligibility feed. It owns every network call the runtime makes; the
// backend implementation itself lives elsewhere.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/opencom/opencom-go/internal/domain/entities/session"
	"github.com/opencom/opencom-go/internal/infrastructure/observability/logging"
	"github.com/opencom/opencom-go/pkg/config"
)

// BootRequest asks the backend for a visitor session. SessionID is
// generated or restored locally before boot.
type BootRequest struct {
	WorkspaceID string `json:"workspaceId"`
	SessionID   string `json:"sessionId"`
	VisitorID   string `json:"visitorId,omitempty"`
}

// BootResponse carries the signed session credentials.
type BootResponse struct {
	VisitorID string    `json:"visitorId"`
	SessionID string    `json:"sessionId"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// RefreshResponse carries a renewed token and expiry.
type RefreshResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// IdentifyRequest attaches host-supplied user attributes to the visitor.
type IdentifyRequest struct {
	WorkspaceID string       `json:"workspaceId"`
	VisitorID   string       `json:"visitorId"`
	User        session.User `json:"user"`
}

// TrackEventRequest records a custom or auto event against the visitor.
type TrackEventRequest struct {
	WorkspaceID string            `json:"workspaceId"`
	VisitorID   string            `json:"visitorId"`
	SessionID   string            `json:"sessionId"`
	Name        string            `json:"name"`
	Properties  map[string]string `json:"properties,omitempty"`
}

// PushTokenRequest registers or unregisters a platform push token.
type PushTokenRequest struct {
	WorkspaceID string `json:"workspaceId"`
	VisitorID   string `json:"visitorId"`
	Token       string `json:"token"`
	Platform    string `json:"platform"`
}

// Backend is the contract the runtime relies on. All methods honor ctx.
type Backend interface {
	BootSession(ctx context.Context, req BootRequest) (*BootResponse, error)
	RefreshSession(ctx context.Context, sessionID, token string) (*RefreshResponse, error)
	RevokeSession(ctx context.Context, sessionID, token string) error
	Heartbeat(ctx context.Context, sessionID, token string) error
	IdentifyVisitor(ctx context.Context, token string, req IdentifyRequest) error
	TrackEvent(ctx context.Context, token string, req TrackEventRequest) error
	TrackAutoEvent(ctx context.Context, token string, req TrackEventRequest) error
	GetConversations(ctx context.Context, token string) ([]session.Conversation, error)
	RegisterPushToken(ctx context.Context, token string, req PushTokenRequest) error
	UnregisterPushToken(ctx context.Context, token string, req PushTokenRequest) error
}

// HTTPBackend implements Backend over HTTP JSON.
type HTTPBackend struct {
	baseURL string
	client  *http.Client
	logger  *logging.ChanneledLogger
}

// NewHTTPBackend creates a backend client for the given endpoint.
func NewHTTPBackend(baseURL string, logger *logging.ChanneledLogger) *HTTPBackend {
	return &HTTPBackend{
		baseURL: baseURL,
		client:  &http.Client{Timeout: config.HTTPTimeout},
		logger:  logger,
	}
}

func (b *HTTPBackend) BootSession(ctx context.Context, req BootRequest) (*BootResponse, error) {
	var resp BootResponse
	if err := b.post(ctx, "/api/v1/session/boot", "", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (b *HTTPBackend) RefreshSession(ctx context.Context, sessionID, token string) (*RefreshResponse, error) {
	var resp RefreshResponse
	req := map[string]string{"sessionId": sessionID}
	if err := b.post(ctx, "/api/v1/session/refresh", token, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (b *HTTPBackend) RevokeSession(ctx context.Context, sessionID, token string) error {
	req := map[string]string{"sessionId": sessionID}
	return b.post(ctx, "/api/v1/session/revoke", token, req, nil)
}

func (b *HTTPBackend) Heartbeat(ctx context.Context, sessionID, token string) error {
	req := map[string]string{"sessionId": sessionID}
	return b.post(ctx, "/api/v1/session/heartbeat", token, req, nil)
}

func (b *HTTPBackend) IdentifyVisitor(ctx context.Context, token string, req IdentifyRequest) error {
	return b.post(ctx, "/api/v1/visitor/identify", token, req, nil)
}

func (b *HTTPBackend) TrackEvent(ctx context.Context, token string, req TrackEventRequest) error {
	return b.post(ctx, "/api/v1/events/track", token, req, nil)
}

func (b *HTTPBackend) TrackAutoEvent(ctx context.Context, token string, req TrackEventRequest) error {
	return b.post(ctx, "/api/v1/events/track-auto", token, req, nil)
}

func (b *HTTPBackend) GetConversations(ctx context.Context, token string) ([]session.Conversation, error) {
	var resp struct {
		Conversations []session.Conversation `json:"conversations"`
	}
	if err := b.get(ctx, "/api/v1/conversations", token, &resp); err != nil {
		return nil, err
	}
	return resp.Conversations, nil
}

func (b *HTTPBackend) RegisterPushToken(ctx context.Context, token string, req PushTokenRequest) error {
	return b.post(ctx, "/api/v1/push/register", token, req, nil)
}

func (b *HTTPBackend) UnregisterPushToken(ctx context.Context, token string, req PushTokenRequest) error {
	return b.post(ctx, "/api/v1/push/unregister", token, req, nil)
}

func (b *HTTPBackend) post(ctx context.Context, path, token string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	return b.do(req, path, out)
}

func (b *HTTPBackend) get(ctx context.Context, path, token string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build %s request: %w", path, err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return b.do(req, path, out)
}

func (b *HTTPBackend) do(req *http.Request, path string, out any) error {
	start := time.Now()
	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	defer resp.Body.Close()

	if b.logger != nil {
		b.logger.Transport().Debug("Backend call", "path", path, "status", resp.StatusCode, "duration", time.Since(start))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s: backend returned %d: %s", path, resp.StatusCode, string(snippet))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
