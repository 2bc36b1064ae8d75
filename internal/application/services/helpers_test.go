package services

import (
	"context"
	"sync"
	"time"

	"github.com/opencom/opencom-go/internal/domain/entities/push"
	"github.com/opencom/opencom-go/internal/domain/entities/session"
	"github.com/opencom/opencom-go/internal/infrastructure/observability/logging"
	"github.com/opencom/opencom-go/internal/infrastructure/persistence/credentials"
	"github.com/opencom/opencom-go/internal/infrastructure/scheduling"
	"github.com/opencom/opencom-go/internal/infrastructure/transport"
)

const testWorkspace = "ws-test"

// fakeBackend records every backend call and serves canned responses.
type fakeBackend struct {
	mu    sync.Mutex
	calls []string

	bootResp    *transport.BootResponse
	bootErr     error
	bootGate    chan struct{} // when set, BootSession blocks until closed
	refresh     *transport.RefreshResponse
	refreshErr  error
	refreshGate chan struct{} // when set, RefreshSession blocks until closed

	pushRegisterErr   error
	pushUnregisterErr error
	pushRequests      []transport.PushTokenRequest
}

func newFakeBackend(expiresAt time.Time) *fakeBackend {
	return &fakeBackend{
		bootResp: &transport.BootResponse{
			VisitorID: "visitor-1",
			SessionID: "session-1",
			Token:     "token-1",
			ExpiresAt: expiresAt,
		},
	}
}

func (f *fakeBackend) record(name string) {
	f.mu.Lock()
	f.calls = append(f.calls, name)
	f.mu.Unlock()
}

func (f *fakeBackend) callCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == name {
			n++
		}
	}
	return n
}

func (f *fakeBackend) BootSession(ctx context.Context, req transport.BootRequest) (*transport.BootResponse, error) {
	f.record("boot")
	if f.bootGate != nil {
		<-f.bootGate
	}
	if f.bootErr != nil {
		return nil, f.bootErr
	}
	resp := *f.bootResp
	if req.SessionID != "" {
		resp.SessionID = req.SessionID
	}
	return &resp, nil
}

func (f *fakeBackend) RefreshSession(ctx context.Context, sessionID, token string) (*transport.RefreshResponse, error) {
	f.record("refresh")
	if f.refreshGate != nil {
		<-f.refreshGate
	}
	if f.refreshErr != nil {
		return nil, f.refreshErr
	}
	if f.refresh != nil {
		resp := *f.refresh
		return &resp, nil
	}
	return &transport.RefreshResponse{Token: "token-refreshed", ExpiresAt: time.Now().UTC().Add(time.Hour)}, nil
}

func (f *fakeBackend) RevokeSession(ctx context.Context, sessionID, token string) error {
	f.record("revoke")
	return nil
}

func (f *fakeBackend) Heartbeat(ctx context.Context, sessionID, token string) error {
	f.record("heartbeat")
	return nil
}

func (f *fakeBackend) IdentifyVisitor(ctx context.Context, token string, req transport.IdentifyRequest) error {
	f.record("identify")
	return nil
}

func (f *fakeBackend) TrackEvent(ctx context.Context, token string, req transport.TrackEventRequest) error {
	f.record("track:" + req.Name)
	return nil
}

func (f *fakeBackend) TrackAutoEvent(ctx context.Context, token string, req transport.TrackEventRequest) error {
	f.record("track-auto:" + req.Name)
	return nil
}

func (f *fakeBackend) GetConversations(ctx context.Context, token string) ([]session.Conversation, error) {
	f.record("conversations")
	return []session.Conversation{{ID: "conv-1"}}, nil
}

func (f *fakeBackend) RegisterPushToken(ctx context.Context, token string, req transport.PushTokenRequest) error {
	f.record("push-register:" + req.Token)
	f.mu.Lock()
	f.pushRequests = append(f.pushRequests, req)
	f.mu.Unlock()
	return f.pushRegisterErr
}

func (f *fakeBackend) UnregisterPushToken(ctx context.Context, token string, req transport.PushTokenRequest) error {
	f.record("push-unregister:" + req.Token)
	f.mu.Lock()
	f.pushRequests = append(f.pushRequests, req)
	f.mu.Unlock()
	return f.pushUnregisterErr
}

// fakeTokenSource serves a scripted sequence of push tokens.
type fakeTokenSource struct {
	mu     sync.Mutex
	tokens []push.Registration
	err    error
}

func (f *fakeTokenSource) RequestToken(context.Context) (push.Registration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return push.Registration{}, f.err
	}
	reg := f.tokens[0]
	if len(f.tokens) > 1 {
		f.tokens = f.tokens[1:]
	}
	return reg, nil
}

func testLogger() *logging.ChanneledLogger {
	logger, err := logging.NewChanneledLogger(&logging.LoggerConfig{
		OutputToConsole: false,
		DefaultLevel:    100, // silence everything
	})
	if err != nil {
		panic(err)
	}
	return logger
}

type fixture struct {
	backend   *fakeBackend
	store     *credentials.Store
	scheduler *scheduling.ManualScheduler
	clock     *scheduling.ManualClock
	sessions  *SessionService
}

func newFixture(expiresIn time.Duration) *fixture {
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	clock := scheduling.NewManualClock(now)
	backend := newFakeBackend(now.Add(expiresIn))
	store, err := credentials.NewStore(credentials.NewMemoryStore(), "https://api.opencom.test", "secret", testLogger())
	if err != nil {
		panic(err)
	}
	scheduler := scheduling.NewManualScheduler()
	sessions := NewSessionService(backend, store, scheduler, clock, testWorkspace, testLogger())
	return &fixture{
		backend:   backend,
		store:     store,
		scheduler: scheduler,
		clock:     clock,
		sessions:  sessions,
	}
}
