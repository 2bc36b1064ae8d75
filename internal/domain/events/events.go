// Package events provides the tagged-union event types distributed over
// the runtime's event bus. Each event name carries exactly one payload
// type, validated once where payloads enter the runtime and never
// re-validated downstream.
package events

import (
	"fmt"
	"time"

	"github.com/opencom/opencom-go/internal/domain/deeplink"
	"github.com/opencom/opencom-go/internal/domain/entities/delivery"
)

// Type names a runtime event.
type Type string

const (
	TypeSessionStart           Type = "session_start"
	TypeSessionEnd             Type = "session_end"
	TypeVisitorIdentified      Type = "visitor_identified"
	TypeMessageShown           Type = "message_shown"
	TypeSurveyShown            Type = "survey_shown"
	TypeSurveyCompleted        Type = "survey_completed"
	TypePushRegistered         Type = "push_registered"
	TypePushUnregistered       Type = "push_unregistered"
	TypeDeepLink               Type = "deep_link"
	TypePresent                Type = "present"
	TypeEligibilityUnavailable Type = "eligibility_unavailable"
)

// SessionStartPayload accompanies session_start.
type SessionStartPayload struct {
	VisitorID             string `json:"visitorId"`
	SessionID             string `json:"sessionId"`
	ResumedFromBackground bool   `json:"resumedFromBackground"`
}

// SessionEndPayload accompanies session_end.
type SessionEndPayload struct {
	SessionID string `json:"sessionId"`
}

// VisitorIdentifiedPayload accompanies visitor_identified.
type VisitorIdentifiedPayload struct {
	VisitorID string `json:"visitorId"`
	UserID    string `json:"userId"`
}

// DeliveryPayload accompanies message_shown, survey_shown and
// survey_completed.
type DeliveryPayload struct {
	CandidateID   string                 `json:"candidateId"`
	CandidateType delivery.CandidateType `json:"candidateType"`
	Content       string                 `json:"content,omitempty"`
	StaggerOffset time.Duration          `json:"staggerOffset"`
}

// PushPayload accompanies push_registered and push_unregistered.
type PushPayload struct {
	Token    string `json:"token"`
	Platform string `json:"platform"`
}

// DeepLinkPayload accompanies deep_link.
type DeepLinkPayload struct {
	Intent deeplink.Intent `json:"intent"`
}

// PresentPayload accompanies present: a host-initiated UI intent.
type PresentPayload struct {
	Surface deeplink.IntentKind `json:"surface"`
	ID      string              `json:"id,omitempty"`
}

// Event is the tagged union distributed to listeners. Exactly one payload
// field matching Type is non-nil.
type Event struct {
	Type Type `json:"type"`

	SessionStart      *SessionStartPayload      `json:"sessionStart,omitempty"`
	SessionEnd        *SessionEndPayload        `json:"sessionEnd,omitempty"`
	VisitorIdentified *VisitorIdentifiedPayload `json:"visitorIdentified,omitempty"`
	Delivery          *DeliveryPayload          `json:"delivery,omitempty"`
	Push              *PushPayload              `json:"push,omitempty"`
	DeepLink          *DeepLinkPayload          `json:"deepLink,omitempty"`
	Present           *PresentPayload           `json:"present,omitempty"`
}

// Validate checks that the payload matching the event type is present.
// Called at the boundary where events are constructed.
func (e Event) Validate() error {
	var ok bool
	switch e.Type {
	case TypeSessionStart:
		ok = e.SessionStart != nil
	case TypeSessionEnd:
		ok = e.SessionEnd != nil
	case TypeVisitorIdentified:
		ok = e.VisitorIdentified != nil
	case TypeMessageShown, TypeSurveyShown, TypeSurveyCompleted:
		ok = e.Delivery != nil
	case TypePushRegistered, TypePushUnregistered:
		ok = e.Push != nil
	case TypeDeepLink:
		ok = e.DeepLink != nil
	case TypePresent:
		ok = e.Present != nil
	case TypeEligibilityUnavailable:
		ok = true
	default:
		return fmt.Errorf("unknown event type %q", e.Type)
	}
	if !ok {
		return fmt.Errorf("event %q missing payload", e.Type)
	}
	return nil
}
