// Package delivery provides domain entities for outbound message and
// survey delivery. Candidates arrive from the backend eligibility feed;
// the runtime only attaches ephemeral shown/completed membership.
package delivery

// CandidateType classifies a delivery candidate.
type CandidateType string

const (
	TypeBanner CandidateType = "banner"
	TypePost   CandidateType = "post"
	TypeChat   CandidateType = "chat"
	TypeSurvey CandidateType = "survey"
)

// OutboundTypes lists the outbound-message types in presentation order.
// Stagger offsets are assigned in this order when several types become
// eligible in the same evaluation.
var OutboundTypes = []CandidateType{TypeBanner, TypePost, TypeChat}

// TriggerKind identifies the rule under which a candidate becomes eligible.
type TriggerKind string

const (
	TriggerImmediate   TriggerKind = "immediate"
	TriggerPageVisit   TriggerKind = "page_visit"
	TriggerTimeOnPage  TriggerKind = "time_on_page"
	TriggerEvent       TriggerKind = "event"
	TriggerScrollDepth TriggerKind = "scroll_depth"
)

// TriggerRule describes when a candidate may be presented. Only the
// fields relevant to Kind are populated.
type TriggerRule struct {
	Kind             TriggerKind `json:"kind"`
	URL              string      `json:"url,omitempty"`
	ThresholdSeconds int         `json:"thresholdSeconds,omitempty"`
	EventName        string      `json:"eventName,omitempty"`
	ScrollRatio      float64     `json:"scrollRatio,omitempty"`
}

// Candidate is an outbound message or survey supplied by the backend.
// Immutable from the runtime's perspective.
type Candidate struct {
	ID       string        `json:"id"`
	Type     CandidateType `json:"type"`
	Content  string        `json:"content"`
	Trigger  TriggerRule   `json:"trigger"`
	Priority int           `json:"priority"`
}

// Context is the navigation context a candidate is evaluated against.
// TimeOnPageSeconds, FiredEventName and ScrollRatio reset whenever
// CurrentURL changes.
type Context struct {
	CurrentURL        string  `json:"currentUrl"`
	TimeOnPageSeconds int     `json:"timeOnPageSeconds"`
	FiredEventName    string  `json:"firedEventName"`
	ScrollRatio       float64 `json:"scrollRatio"`
}

// Matches reports whether the candidate's trigger rule is satisfied by
// the given context.
func (c Candidate) Matches(ctx Context) bool {
	switch c.Trigger.Kind {
	case TriggerImmediate:
		return true
	case TriggerPageVisit:
		return ctx.CurrentURL != "" && ctx.CurrentURL == c.Trigger.URL
	case TriggerTimeOnPage:
		return ctx.TimeOnPageSeconds >= c.Trigger.ThresholdSeconds
	case TriggerEvent:
		return ctx.FiredEventName != "" && ctx.FiredEventName == c.Trigger.EventName
	case TriggerScrollDepth:
		return ctx.ScrollRatio >= c.Trigger.ScrollRatio && c.Trigger.ScrollRatio > 0
	default:
		return false
	}
}
