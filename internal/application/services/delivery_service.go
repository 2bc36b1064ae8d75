package services

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/opencom/opencom-go/internal/domain/entities/delivery"
	"github.com/opencom/opencom-go/internal/domain/events"
	"github.com/opencom/opencom-go/internal/infrastructure/messaging"
	"github.com/opencom/opencom-go/internal/infrastructure/observability/logging"
	"github.com/opencom/opencom-go/internal/infrastructure/persistence/credentials"
	"github.com/opencom/opencom-go/internal/infrastructure/scheduling"
	"github.com/opencom/opencom-go/pkg/config"
)

const (
	timerDwellTick          = "delivery.dwell"
	timerEligibilityTimeout = "delivery.eligibility-timeout"
	timerStaggerPrefix      = "delivery.stagger."
)

// DeliveryService selects which eligible outbound messages and survey to
// present given the current navigation context, dwell time and fired
// custom events, respecting per-session and per-visitor deduplication.
type DeliveryService struct {
	bus       *messaging.Bus
	store     *credentials.Store
	scheduler scheduling.Scheduler
	logger    *logging.ChanneledLogger

	mu          sync.Mutex
	candidates  []delivery.Candidate
	context     delivery.Context
	shown       map[string]bool // session-scoped
	completed   map[string]bool // visitor-scoped, persisted
	surveySlot  string          // id of the currently presented survey
	unavailable bool
	resolved    bool // first eligibility snapshot arrived
	staggerKeys []string
	started     bool
}

// NewDeliveryService creates a new delivery selector.
func NewDeliveryService(bus *messaging.Bus, store *credentials.Store, scheduler scheduling.Scheduler, logger *logging.ChanneledLogger) *DeliveryService {
	return &DeliveryService{
		bus:       bus,
		store:     store,
		scheduler: scheduler,
		logger:    logger,
		shown:     make(map[string]bool),
		completed: make(map[string]bool),
	}
}

// Start loads the persisted completed-survey set, arms the eligibility
// timeout and begins the dwell ticker.
func (d *DeliveryService) Start(ctx context.Context) {
	ids, err := d.store.LoadCompletedSurveys(ctx)
	if err != nil {
		d.logger.Delivery().Warn("Failed to load completed surveys", "error", err.Error())
	}

	d.mu.Lock()
	d.started = true
	for _, id := range ids {
		d.completed[id] = true
	}
	d.mu.Unlock()

	d.scheduler.Schedule(timerEligibilityTimeout, config.EligibilityTimeout, d.eligibilityTimedOut)
	d.scheduler.Repeat(timerDwellTick, config.DwellTickInterval, d.dwellTick)
}

// eligibilityTimedOut flips the unavailable flag when the eligibility
// query has not resolved within the bounded timeout. Delivery is
// suppressed rather than blocked.
func (d *DeliveryService) eligibilityTimedOut() {
	d.mu.Lock()
	if d.resolved {
		d.mu.Unlock()
		return
	}
	d.unavailable = true
	d.mu.Unlock()

	d.logger.Delivery().Warn("Eligibility query did not resolve in time; suppressing delivery")
	d.bus.Emit(events.Event{Type: events.TypeEligibilityUnavailable})
}

// EligibilityUnavailable reports whether delivery is currently suppressed
// because the eligibility query has not resolved.
func (d *DeliveryService) EligibilityUnavailable() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.unavailable
}

// SetCandidates replaces the eligible candidate set. Called from the
// eligibility feed on every snapshot; selection is recomputed reactively.
func (d *DeliveryService) SetCandidates(candidates []delivery.Candidate) {
	d.scheduler.Cancel(timerEligibilityTimeout)

	d.mu.Lock()
	d.resolved = true
	d.unavailable = false
	d.candidates = candidates
	d.mu.Unlock()

	d.evaluate()
}

// SetURL updates the current navigation URL. A URL change resets dwell
// time, fired-event context and scroll depth, but not the session-shown
// set.
func (d *DeliveryService) SetURL(url string) {
	d.mu.Lock()
	if d.context.CurrentURL == url {
		d.mu.Unlock()
		return
	}
	d.context = delivery.Context{CurrentURL: url}
	d.mu.Unlock()

	d.evaluate()
}

// FireEvent records a custom event name in the delivery context.
func (d *DeliveryService) FireEvent(name string) {
	d.mu.Lock()
	d.context.FiredEventName = name
	d.mu.Unlock()

	d.evaluate()
}

// ReportScrollDepth records the reported scroll ratio for the current page.
func (d *DeliveryService) ReportScrollDepth(ratio float64) {
	d.mu.Lock()
	if ratio > d.context.ScrollRatio {
		d.context.ScrollRatio = ratio
	}
	d.mu.Unlock()

	d.evaluate()
}

// dwellTick advances time-on-page and recomputes selection.
func (d *DeliveryService) dwellTick() {
	d.mu.Lock()
	if d.context.CurrentURL == "" {
		d.mu.Unlock()
		return
	}
	d.context.TimeOnPageSeconds++
	d.mu.Unlock()

	d.evaluate()
}

// CompleteSurvey marks a survey completed for this visitor, persists the
// exclusion and frees the survey slot.
func (d *DeliveryService) CompleteSurvey(ctx context.Context, id string) {
	d.mu.Lock()
	d.completed[id] = true
	if d.surveySlot == id {
		d.surveySlot = ""
	}
	ids := make([]string, 0, len(d.completed))
	for completedID := range d.completed {
		ids = append(ids, completedID)
	}
	sort.Strings(ids)
	d.mu.Unlock()

	if err := d.store.SaveCompletedSurveys(ctx, ids); err != nil {
		d.logger.Delivery().Warn("Failed to persist completed surveys", "error", err.Error())
	}

	d.bus.Emit(events.Event{
		Type:     events.TypeSurveyCompleted,
		Delivery: &events.DeliveryPayload{CandidateID: id, CandidateType: delivery.TypeSurvey},
	})

	d.evaluate()
}

// OnSessionStarted clears the session-shown set for a new session. When
// the visitor changed as well, the completed set is cleared in memory and
// in the store so the exclusions cannot resurface after a restart.
func (d *DeliveryService) OnSessionStarted(ctx context.Context, visitorChanged bool) {
	d.mu.Lock()
	d.shown = make(map[string]bool)
	d.surveySlot = ""
	if visitorChanged {
		d.completed = make(map[string]bool)
	}
	d.mu.Unlock()

	if visitorChanged {
		if err := d.store.ClearCompletedSurveys(ctx); err != nil {
			d.logger.Delivery().Warn("Failed to clear persisted completed surveys", "error", err.Error())
		}
	}

	d.evaluate()
}

// evaluate recomputes the selection: up to one candidate per
// outbound-message type plus at most one survey. Simultaneously eligible
// outbound types are revealed with incremental stagger offsets.
func (d *DeliveryService) evaluate() {
	d.mu.Lock()
	if !d.started || d.unavailable {
		d.mu.Unlock()
		return
	}

	type selection struct {
		candidate delivery.Candidate
		offset    time.Duration
	}
	var outbound []selection

	slot := 0
	for _, candidateType := range delivery.OutboundTypes {
		if best, ok := d.bestEligible(candidateType); ok {
			d.shown[best.ID] = true
			outbound = append(outbound, selection{
				candidate: best,
				offset:    time.Duration(slot) * config.StaggerDelay,
			})
			slot++
		}
	}

	var survey *delivery.Candidate
	if d.surveySlot == "" {
		if best, ok := d.bestEligible(delivery.TypeSurvey); ok {
			d.shown[best.ID] = true
			d.surveySlot = best.ID
			survey = &best
		}
	}
	d.mu.Unlock()

	for _, sel := range outbound {
		d.scheduleReveal(sel.candidate, sel.offset)
	}
	if survey != nil {
		d.bus.Emit(events.Event{
			Type: events.TypeSurveyShown,
			Delivery: &events.DeliveryPayload{
				CandidateID:   survey.ID,
				CandidateType: delivery.TypeSurvey,
				Content:       survey.Content,
			},
		})
		d.logger.Delivery().Info("Survey selected", "surveyId", survey.ID)
	}
}

// bestEligible returns the highest-priority candidate of the given type
// whose trigger matches the current context and which is not deduplicated.
// Caller holds d.mu.
func (d *DeliveryService) bestEligible(candidateType delivery.CandidateType) (delivery.Candidate, bool) {
	var best delivery.Candidate
	found := false
	for _, c := range d.candidates {
		if c.Type != candidateType || d.shown[c.ID] {
			continue
		}
		if candidateType == delivery.TypeSurvey && d.completed[c.ID] {
			continue
		}
		if !c.Matches(d.context) {
			continue
		}
		if !found || c.Priority > best.Priority {
			best = c
			found = true
		}
	}
	return best, found
}

func (d *DeliveryService) scheduleReveal(candidate delivery.Candidate, offset time.Duration) {
	key := timerStaggerPrefix + candidate.ID

	d.mu.Lock()
	d.staggerKeys = append(d.staggerKeys, key)
	d.mu.Unlock()

	d.scheduler.Schedule(key, offset, func() {
		d.dropStaggerKey(key)
		d.bus.Emit(events.Event{
			Type: events.TypeMessageShown,
			Delivery: &events.DeliveryPayload{
				CandidateID:   candidate.ID,
				CandidateType: candidate.Type,
				Content:       candidate.Content,
				StaggerOffset: offset,
			},
		})
		d.logger.Delivery().Info("Outbound message shown", "candidateId", candidate.ID, "type", string(candidate.Type), "offset", offset)
	})
}

// dropStaggerKey forgets a fired reveal timer so the pending-key list
// stays bounded over a long session.
func (d *DeliveryService) dropStaggerKey(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, k := range d.staggerKeys {
		if k == key {
			d.staggerKeys = append(d.staggerKeys[:i], d.staggerKeys[i+1:]...)
			return
		}
	}
}

// Reset cancels delivery timers and clears all in-memory state, including
// both dedup sets.
func (d *DeliveryService) Reset() {
	d.mu.Lock()
	staggerKeys := d.staggerKeys
	d.staggerKeys = nil
	d.candidates = nil
	d.context = delivery.Context{}
	d.shown = make(map[string]bool)
	d.completed = make(map[string]bool)
	d.surveySlot = ""
	d.unavailable = false
	d.resolved = false
	d.started = false
	d.mu.Unlock()

	d.scheduler.Cancel(timerDwellTick)
	d.scheduler.Cancel(timerEligibilityTimeout)
	for _, key := range staggerKeys {
		d.scheduler.Cancel(key)
	}
}
