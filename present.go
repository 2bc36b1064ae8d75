package opencom

import (
	"github.com/opencom/opencom-go/internal/domain/deeplink"
	"github.com/opencom/opencom-go/internal/domain/events"
)

// PresentMessenger asks the host UI to open the messenger surface.
func (cl *Client) PresentMessenger() {
	cl.present(deeplink.IntentMessenger, "")
}

// PresentHelpCenter asks the host UI to open the help center.
func (cl *Client) PresentHelpCenter() {
	cl.present(deeplink.IntentHelpCenter, "")
}

// PresentConversation asks the host UI to open a conversation.
func (cl *Client) PresentConversation(id string) {
	cl.present(deeplink.IntentConversation, id)
}

// PresentArticle asks the host UI to open an article.
func (cl *Client) PresentArticle(id string) {
	cl.present(deeplink.IntentArticle, id)
}

// PresentTickets asks the host UI to open the ticket list.
func (cl *Client) PresentTickets() {
	cl.present(deeplink.IntentTickets, "")
}

// PresentTicket asks the host UI to open a ticket.
func (cl *Client) PresentTicket(id string) {
	cl.present(deeplink.IntentTicket, id)
}

func (cl *Client) present(surface deeplink.IntentKind, id string) {
	cl.c.Bus.Emit(Event{
		Type:    EventPresent,
		Present: &events.PresentPayload{Surface: surface, ID: id},
	})
}

// HandleDeepLink parses an inbound URI and, when it maps to a known
// surface, emits the corresponding deep_link event. Returns false for
// unrecognized or malformed links. Parsing itself is side-effect free;
// the event emission happens here, never inside the parser.
func (cl *Client) HandleDeepLink(url string) bool {
	intent := deeplink.Parse(url)
	if intent == nil {
		cl.c.Logger.Events().Warn("Ignoring unrecognized deep link", "url", url)
		return false
	}
	cl.c.Bus.Emit(Event{
		Type:     EventDeepLink,
		DeepLink: &events.DeepLinkPayload{Intent: *intent},
	})
	return true
}

// ParseDeepLink exposes the pure deep link parser: it maps a URI to its
// navigation intent without emitting anything.
func ParseDeepLink(url string) *Intent {
	return deeplink.Parse(url)
}
