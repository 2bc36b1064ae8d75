// Package opencom is the embeddable OpenCom client runtime. It
// establishes an anonymous-then-identified visitor session with an
// OpenCom backend, keeps that session alive and renewed, and decides
// which outbound messages and surveys to present to the visitor without
// duplicate or conflicting presentations.
//
// Hosts construct one runtime per application with Initialize, feed it
// navigation and lifecycle signals, and observe it through
// AddEventListener.
package opencom

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/opencom/opencom-go/internal/application/container"
	"github.com/opencom/opencom-go/internal/application/services"
	"github.com/opencom/opencom-go/internal/domain/deeplink"
	"github.com/opencom/opencom-go/internal/domain/entities/delivery"
	"github.com/opencom/opencom-go/internal/domain/entities/push"
	"github.com/opencom/opencom-go/internal/domain/entities/session"
	"github.com/opencom/opencom-go/internal/domain/events"
	"github.com/opencom/opencom-go/internal/infrastructure/transport"
	"github.com/opencom/opencom-go/pkg/config"
)

// Re-exported types forming the public surface.
type (
	// Event is a runtime event delivered to listeners.
	Event = events.Event
	// EventType names a runtime event.
	EventType = events.Type
	// User carries host-supplied visitor attributes for Identify.
	User = session.User
	// Conversation is a backend conversation summary.
	Conversation = session.Conversation
	// PushRegistration is the currently registered push token.
	PushRegistration = push.Registration
	// TokenSource resolves platform push tokens.
	TokenSource = services.TokenSource
	// AppState is the host's foreground state.
	AppState = services.AppState
	// Intent is a parsed deep link.
	Intent = deeplink.Intent
	// Candidate is an outbound message or survey candidate.
	Candidate = delivery.Candidate
)

// Event types observable by hosts.
const (
	EventSessionStart           = events.TypeSessionStart
	EventSessionEnd             = events.TypeSessionEnd
	EventVisitorIdentified      = events.TypeVisitorIdentified
	EventMessageShown           = events.TypeMessageShown
	EventSurveyShown            = events.TypeSurveyShown
	EventSurveyCompleted        = events.TypeSurveyCompleted
	EventPushRegistered         = events.TypePushRegistered
	EventPushUnregistered       = events.TypePushUnregistered
	EventDeepLink               = events.TypeDeepLink
	EventPresent                = events.TypePresent
	EventEligibilityUnavailable = events.TypeEligibilityUnavailable
)

// App states reportable through SetAppState.
const (
	AppStateActive     = services.AppStateActive
	AppStateInactive   = services.AppStateInactive
	AppStateBackground = services.AppStateBackground
)

// Config configures the runtime. WorkspaceID and BackendURL are
// mandatory; everything else has working defaults.
type Config struct {
	WorkspaceID string
	BackendURL  string

	// InstallSecret keys the secure credential tier. When empty, a
	// random secret is minted on first run and persisted with the
	// credentials.
	InstallSecret string
	// CredentialDSN selects the credential database: a local SQLite
	// path or a libsql:// URL. Defaults to the configured local path.
	CredentialDSN string
	// TokenSource resolves platform push tokens. Push registration is
	// soft-disabled when nil.
	TokenSource TokenSource
}

// ErrMissingConfig is returned by Initialize for a missing workspace id
// or backend URL. Configuration errors are fatal and never retried.
var ErrMissingConfig = errors.New("opencom: workspace id and backend url are required")

// VisitorState is the externally observable session state.
type VisitorState struct {
	State     string `json:"state"`
	VisitorID string `json:"visitorId"`
	SessionID string `json:"sessionId"`
}

// Client is the runtime instance. One per host application process; all
// mutable runtime state lives here, entered through Initialize and left
// through Reset.
type Client struct {
	cfg  Config
	c    *container.Container
	feed *transport.EligibilityFeed

	mu          sync.Mutex
	initialized bool
	lastUserID  string
}

// Initialize validates the configuration, wires the runtime, boots the
// visitor session and starts delivery selection. Configuration errors
// are returned synchronously; they are fatal and never retried.
func Initialize(cfg Config) (*Client, error) {
	return initializeWith(cfg, container.Options{})
}

// initializeWith is the seam tests use to inject fakes.
func initializeWith(cfg Config, opts container.Options) (*Client, error) {
	if cfg.WorkspaceID == "" || cfg.BackendURL == "" {
		return nil, ErrMissingConfig
	}
	if cfg.CredentialDSN == "" {
		cfg.CredentialDSN = config.CredentialDBPath
	}

	opts.BackendURL = cfg.BackendURL
	opts.WorkspaceID = cfg.WorkspaceID
	opts.InstallSecret = cfg.InstallSecret
	opts.CredentialDSN = cfg.CredentialDSN
	if opts.TokenSource == nil {
		opts.TokenSource = cfg.TokenSource
	}

	c, err := container.NewContainer(opts)
	if err != nil {
		return nil, fmt.Errorf("opencom: %w", err)
	}

	client := &Client{cfg: cfg, c: c}
	if err := client.start(context.Background()); err != nil {
		c.Close()
		return nil, err
	}
	return client, nil
}

// start boots the session and brings delivery online. Reused after Reset
// to reproduce the fresh-start boot sequence.
func (cl *Client) start(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, config.HTTPTimeout)
	defer cancel()

	identity, err := cl.c.Sessions.Boot(ctx)
	if err != nil {
		return fmt.Errorf("opencom: boot failed: %w", err)
	}

	cl.c.Lifecycle.NotifyBooted()
	cl.c.Delivery.Start(ctx)
	cl.subscribeEligibility(identity.SessionToken)

	cl.mu.Lock()
	cl.initialized = true
	cl.mu.Unlock()
	return nil
}

// subscribeEligibility connects the websocket eligibility feed. Failures
// are logged; the delivery selector's timeout flag covers the gap.
func (cl *Client) subscribeEligibility(token string) {
	feed := transport.NewEligibilityFeed(cl.cfg.BackendURL, cl.c.Delivery.SetCandidates, cl.c.Logger)
	cl.mu.Lock()
	cl.feed = feed
	cl.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), config.EligibilityTimeout)
		defer cancel()
		if err := feed.Subscribe(ctx, token); err != nil {
			cl.c.Logger.Transport().Warn("Eligibility feed subscription failed", "error", err.Error())
		}
	}()
}

// IsInitialized reports whether the runtime has completed a boot and has
// not been reset.
func (cl *Client) IsInitialized() bool {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.initialized
}

// GetVisitorState returns the externally observable session state.
func (cl *Client) GetVisitorState() VisitorState {
	identity := cl.c.Sessions.Identity()
	return VisitorState{
		State:     string(cl.c.Sessions.State()),
		VisitorID: identity.VisitorID,
		SessionID: identity.SessionID,
	}
}

// AddEventListener registers a listener for runtime events and returns
// its unsubscribe function.
func (cl *Client) AddEventListener(fn func(Event)) func() {
	return cl.c.Bus.AddListener(fn)
}

// Identify attaches host-supplied user attributes to the visitor. A
// missing session is a soft failure: false with a logged warning.
func (cl *Client) Identify(ctx context.Context, user User) bool {
	identity, ok := cl.c.Sessions.ActiveIdentity()
	if !ok {
		cl.c.Logger.Session().Warn("Identify skipped; no active session")
		return false
	}

	if err := cl.c.Backend.IdentifyVisitor(ctx, identity.SessionToken, transport.IdentifyRequest{
		WorkspaceID: cl.cfg.WorkspaceID,
		VisitorID:   identity.VisitorID,
		User:        user,
	}); err != nil {
		cl.c.Logger.Session().Warn("Identify failed", "error", err.Error())
		return false
	}

	cl.mu.Lock()
	visitorChanged := cl.lastUserID != "" && cl.lastUserID != user.UserID
	cl.lastUserID = user.UserID
	cl.mu.Unlock()

	if visitorChanged {
		cl.c.Delivery.OnSessionStarted(ctx, true)
	}

	cl.c.Bus.Emit(Event{
		Type:              EventVisitorIdentified,
		VisitorIdentified: &events.VisitorIdentifiedPayload{VisitorID: identity.VisitorID, UserID: user.UserID},
	})
	return true
}

// TrackEvent records a custom event. The event name also feeds the
// delivery context so event-triggered candidates can match. A missing
// session is a soft failure.
func (cl *Client) TrackEvent(ctx context.Context, name string, props map[string]string) bool {
	cl.c.Delivery.FireEvent(name)

	identity, ok := cl.c.Sessions.ActiveIdentity()
	if !ok {
		cl.c.Logger.Session().Warn("TrackEvent skipped; no active session", "event", name)
		return false
	}
	if err := cl.c.Backend.TrackEvent(ctx, identity.SessionToken, transport.TrackEventRequest{
		WorkspaceID: cl.cfg.WorkspaceID,
		VisitorID:   identity.VisitorID,
		SessionID:   identity.SessionID,
		Name:        name,
		Properties:  props,
	}); err != nil {
		cl.c.Logger.Session().Warn("TrackEvent failed", "event", name, "error", err.Error())
		return false
	}
	return true
}

// TrackScreenView records a screen/page view, updating the delivery
// navigation context (which resets dwell time and fired-event context).
func (cl *Client) TrackScreenView(ctx context.Context, name string, props map[string]string) bool {
	cl.c.Delivery.SetURL(name)

	identity, ok := cl.c.Sessions.ActiveIdentity()
	if !ok {
		cl.c.Logger.Session().Warn("TrackScreenView skipped; no active session", "screen", name)
		return false
	}
	if props == nil {
		props = map[string]string{}
	}
	props["screen"] = name
	if err := cl.c.Backend.TrackAutoEvent(ctx, identity.SessionToken, transport.TrackEventRequest{
		WorkspaceID: cl.cfg.WorkspaceID,
		VisitorID:   identity.VisitorID,
		SessionID:   identity.SessionID,
		Name:        "screen_view",
		Properties:  props,
	}); err != nil {
		cl.c.Logger.Session().Warn("TrackScreenView failed", "screen", name, "error", err.Error())
		return false
	}
	return true
}

// SetScreen updates the current navigation URL without recording a
// backend event.
func (cl *Client) SetScreen(url string) {
	cl.c.Delivery.SetURL(url)
}

// ReportScrollDepth feeds the reported scroll ratio into the delivery
// context.
func (cl *Client) ReportScrollDepth(ratio float64) {
	cl.c.Delivery.ReportScrollDepth(ratio)
}

// CompleteSurvey marks a survey completed for this visitor. The
// exclusion persists across sessions.
func (cl *Client) CompleteSurvey(ctx context.Context, id string) {
	cl.c.Delivery.CompleteSurvey(ctx, id)
}

// SetAppState feeds a foreground/background transition into the runtime.
func (cl *Client) SetAppState(state AppState) {
	cl.c.Lifecycle.SetAppState(state)
}

// GetConversations lists the visitor's conversations. Called before any
// session boot it logs a warning and returns an empty slice.
func (cl *Client) GetConversations(ctx context.Context) []Conversation {
	identity, ok := cl.c.Sessions.ActiveIdentity()
	if !ok {
		cl.c.Logger.Session().Warn("GetConversations skipped; no active session")
		return []Conversation{}
	}
	conversations, err := cl.c.Backend.GetConversations(ctx, identity.SessionToken)
	if err != nil {
		cl.c.Logger.Session().Warn("GetConversations failed", "error", err.Error())
		return []Conversation{}
	}
	if conversations == nil {
		conversations = []Conversation{}
	}
	return conversations
}

// RegisterForPush registers the platform push token with the backend.
// Returns nil on any soft failure (missing session, permission denied).
func (cl *Client) RegisterForPush(ctx context.Context) *PushRegistration {
	return cl.c.Push.Register(ctx)
}

// UnregisterFromPush removes the currently registered push token. A
// no-op returning true when none is registered.
func (cl *Client) UnregisterFromPush(ctx context.Context) bool {
	return cl.c.Push.Unregister(ctx)
}

// Logout revokes the session best-effort, destroys local session state
// and clears both delivery dedup sets for the next visitor.
func (cl *Client) Logout(ctx context.Context) {
	cl.c.Sessions.Revoke(ctx)
	cl.c.Push.Reset()
	cl.c.Delivery.OnSessionStarted(ctx, true)

	cl.mu.Lock()
	cl.lastUserID = ""
	cl.mu.Unlock()
}

// Reset is the single total-teardown path: cancels every outstanding
// timer, closes the eligibility feed, clears dedup sets and persisted
// credentials, and returns the instance to its uninitialized state.
// Idempotent under repeated calls.
func (cl *Client) Reset(ctx context.Context) {
	cl.mu.Lock()
	feed := cl.feed
	cl.feed = nil
	cl.initialized = false
	cl.lastUserID = ""
	cl.mu.Unlock()

	if feed != nil {
		feed.Close()
	}
	cl.c.Delivery.Reset()
	cl.c.Push.Reset()
	cl.c.Lifecycle.Reset()
	cl.c.Sessions.Reset(ctx)
	cl.c.Scheduler.CancelAll()
}

// Close releases infrastructure owned by the runtime. Call after Reset
// when the host is shutting down.
func (cl *Client) Close() error {
	return cl.c.Close()
}
