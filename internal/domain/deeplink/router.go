// Package deeplink provides the pure parser mapping inbound URIs to typed
// navigation intents. Emitting the corresponding runtime event is the
// calling facade's job, never the parser's.
package deeplink

import (
	"net/url"
	"strings"
)

// IntentKind is the navigation surface a deep link resolves to.
type IntentKind string

const (
	IntentConversation IntentKind = "conversation"
	IntentArticle      IntentKind = "article"
	IntentTickets      IntentKind = "tickets"
	IntentTicket       IntentKind = "ticket"
	IntentMessenger    IntentKind = "messenger"
	IntentHelpCenter   IntentKind = "help-center"
)

// Intent is a parsed navigation intent. ID is empty for surfaces that
// take no identifier.
type Intent struct {
	Kind IntentKind `json:"kind"`
	ID   string     `json:"id,omitempty"`
}

const webHost = "opencom.app"

// Parse maps a URI of the form opencom://type[/id] or
// https://opencom.app/type[/id] to an Intent. Unrecognized or malformed
// links yield nil.
func Parse(raw string) *Intent {
	u, err := url.Parse(raw)
	if err != nil {
		return nil
	}

	var segments []string
	switch u.Scheme {
	case "opencom":
		// opencom://conversation/123 parses with Host "conversation"
		// and Path "/123".
		segments = append([]string{u.Host}, splitPath(u.Path)...)
	case "https":
		if !strings.EqualFold(u.Host, webHost) {
			return nil
		}
		segments = splitPath(u.Path)
	default:
		return nil
	}

	if len(segments) == 0 || segments[0] == "" {
		return nil
	}

	kind, id := segments[0], ""
	if len(segments) > 1 {
		id = segments[1]
	}
	if len(segments) > 2 {
		return nil
	}

	switch strings.ToLower(kind) {
	case "conversation":
		return requireID(IntentConversation, id)
	case "article":
		return requireID(IntentArticle, id)
	case "ticket":
		return requireID(IntentTicket, id)
	case "tickets":
		return &Intent{Kind: IntentTickets}
	case "messenger":
		return &Intent{Kind: IntentMessenger}
	case "help-center", "helpcenter":
		return &Intent{Kind: IntentHelpCenter}
	default:
		return nil
	}
}

func requireID(kind IntentKind, id string) *Intent {
	if id == "" {
		return nil
	}
	return &Intent{Kind: kind, ID: id}
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}
