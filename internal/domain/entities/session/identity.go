// Package session provides domain entities for visitor session lifecycle
// management. It defines the visitor identity held by the runtime and the
// session state machine it moves through.
package session

import "time"

// State represents the session lifecycle state of the runtime instance.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateBooting       State = "booting"
	StateActive        State = "active"
	StateRefreshing    State = "refreshing"
	StateRevoked       State = "revoked"
)

// VisitorIdentity holds the credentials identifying a visitor session.
// visitorID and sessionID live in plain storage; sessionToken and its
// expiry live in the secure store. The runtime holds at most one
// non-revoked token at a time.
type VisitorIdentity struct {
	VisitorID        string    `json:"visitorId"`
	SessionID        string    `json:"sessionId"`
	SessionToken     string    `json:"sessionToken"`
	SessionExpiresAt time.Time `json:"sessionExpiresAt"`
}

// HasToken reports whether the identity carries a session token that has
// not yet expired as of now.
func (v VisitorIdentity) HasToken(now time.Time) bool {
	return v.SessionToken != "" && now.Before(v.SessionExpiresAt)
}

// User carries the attributes supplied by the host when a visitor
// identifies (logs in) within the host application.
type User struct {
	UserID string            `json:"userId"`
	Email  string            `json:"email,omitempty"`
	Name   string            `json:"name,omitempty"`
	Traits map[string]string `json:"traits,omitempty"`
}

// Conversation is the summary shape returned by the backend conversation
// listing, surfaced unchanged to host UI layers.
type Conversation struct {
	ID          string    `json:"id"`
	LastMessage string    `json:"lastMessage"`
	UnreadCount int       `json:"unreadCount"`
	UpdatedAt   time.Time `json:"updatedAt"`
}
