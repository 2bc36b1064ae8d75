package services

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencom/opencom-go/internal/domain/entities/delivery"
	"github.com/opencom/opencom-go/internal/domain/events"
	"github.com/opencom/opencom-go/internal/infrastructure/messaging"
	"github.com/opencom/opencom-go/internal/infrastructure/persistence/credentials"
	"github.com/opencom/opencom-go/internal/infrastructure/scheduling"
	"github.com/opencom/opencom-go/pkg/config"
)

type eventRecorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *eventRecorder) listen(ev events.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *eventRecorder) ofType(t events.Type) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, ev := range r.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

type deliveryFixture struct {
	service   *DeliveryService
	store     *credentials.Store
	scheduler *scheduling.ManualScheduler
	recorder  *eventRecorder
}

func newDeliveryFixture(t *testing.T) *deliveryFixture {
	t.Helper()
	logger := testLogger()
	bus := messaging.NewBus(logger)
	recorder := &eventRecorder{}
	bus.AddListener(recorder.listen)
	store, err := credentials.NewStore(credentials.NewMemoryStore(), "https://api.opencom.test", "secret", logger)
	require.NoError(t, err)
	scheduler := scheduling.NewManualScheduler()
	service := NewDeliveryService(bus, store, scheduler, logger)
	service.Start(context.Background())
	return &deliveryFixture{service: service, store: store, scheduler: scheduler, recorder: recorder}
}

// fireStaggers releases every armed reveal timer in delay order.
func (f *deliveryFixture) fireStaggers() {
	for _, key := range f.scheduler.Keys() {
		if strings.HasPrefix(key, timerStaggerPrefix) {
			f.scheduler.Fire(key)
		}
	}
}

func banner(id string, priority int) delivery.Candidate {
	return delivery.Candidate{ID: id, Type: delivery.TypeBanner, Content: "b", Trigger: delivery.TriggerRule{Kind: delivery.TriggerImmediate}, Priority: priority}
}

func TestImmediateCandidatesStaggeredByType(t *testing.T) {
	f := newDeliveryFixture(t)

	f.service.SetCandidates([]delivery.Candidate{
		{ID: "chat-1", Type: delivery.TypeChat, Trigger: delivery.TriggerRule{Kind: delivery.TriggerImmediate}},
		banner("banner-1", 1),
		{ID: "post-1", Type: delivery.TypePost, Trigger: delivery.TriggerRule{Kind: delivery.TriggerImmediate}},
	})

	bannerDelay, ok := f.scheduler.Delay(timerStaggerPrefix + "banner-1")
	require.True(t, ok)
	assert.Equal(t, time.Duration(0), bannerDelay, "first type reveals immediately")

	postDelay, ok := f.scheduler.Delay(timerStaggerPrefix + "post-1")
	require.True(t, ok)
	assert.Equal(t, config.StaggerDelay, postDelay)

	chatDelay, ok := f.scheduler.Delay(timerStaggerPrefix + "chat-1")
	require.True(t, ok)
	assert.Equal(t, 2*config.StaggerDelay, chatDelay)

	f.fireStaggers()
	shown := f.recorder.ofType(events.TypeMessageShown)
	require.Len(t, shown, 3)
	assert.Equal(t, "banner-1", shown[0].Delivery.CandidateID)
	assert.Equal(t, "post-1", shown[1].Delivery.CandidateID)
	assert.Equal(t, "chat-1", shown[2].Delivery.CandidateID)
	assert.Equal(t, time.Duration(0), shown[0].Delivery.StaggerOffset)
	assert.Equal(t, 2*config.StaggerDelay, shown[2].Delivery.StaggerOffset)
}

func TestHighestPriorityWinsWithinType(t *testing.T) {
	f := newDeliveryFixture(t)

	f.service.SetCandidates([]delivery.Candidate{
		banner("banner-low", 1),
		banner("banner-high", 9),
	})
	f.fireStaggers()

	shown := f.recorder.ofType(events.TypeMessageShown)
	require.Len(t, shown, 1, "only one candidate per type may be selected")
	assert.Equal(t, "banner-high", shown[0].Delivery.CandidateID)
}

func TestShownDedupPersistsAcrossReevaluation(t *testing.T) {
	f := newDeliveryFixture(t)

	f.service.SetCandidates([]delivery.Candidate{banner("banner-1", 1)})
	f.fireStaggers()

	// Same snapshot again: already shown this session, must not reselect.
	f.service.SetCandidates([]delivery.Candidate{banner("banner-1", 1)})
	f.fireStaggers()
	assert.Len(t, f.recorder.ofType(events.TypeMessageShown), 1)

	// A new session clears the shown set.
	f.service.OnSessionStarted(context.Background(), false)
	f.fireStaggers()
	assert.Len(t, f.recorder.ofType(events.TypeMessageShown), 2)
}

func TestPageVisitTrigger(t *testing.T) {
	f := newDeliveryFixture(t)

	f.service.SetCandidates([]delivery.Candidate{{
		ID: "banner-pricing", Type: delivery.TypeBanner,
		Trigger: delivery.TriggerRule{Kind: delivery.TriggerPageVisit, URL: "/pricing"},
	}})
	assert.False(t, f.scheduler.Pending(timerStaggerPrefix+"banner-pricing"))

	f.service.SetURL("/home")
	assert.False(t, f.scheduler.Pending(timerStaggerPrefix+"banner-pricing"))

	f.service.SetURL("/pricing")
	f.fireStaggers()
	require.Len(t, f.recorder.ofType(events.TypeMessageShown), 1)
}

func TestTimeOnPageTriggerAdvancesWithDwellTicks(t *testing.T) {
	f := newDeliveryFixture(t)

	f.service.SetCandidates([]delivery.Candidate{{
		ID: "post-dwell", Type: delivery.TypePost,
		Trigger: delivery.TriggerRule{Kind: delivery.TriggerTimeOnPage, ThresholdSeconds: 3},
	}})
	f.service.SetURL("/docs")

	for i := 0; i < 2; i++ {
		f.scheduler.Fire(timerDwellTick)
	}
	assert.False(t, f.scheduler.Pending(timerStaggerPrefix+"post-dwell"), "below threshold")

	f.scheduler.Fire(timerDwellTick)
	assert.True(t, f.scheduler.Pending(timerStaggerPrefix+"post-dwell"))
}

func TestDwellResetsOnNavigation(t *testing.T) {
	f := newDeliveryFixture(t)

	f.service.SetCandidates([]delivery.Candidate{{
		ID: "post-dwell", Type: delivery.TypePost,
		Trigger: delivery.TriggerRule{Kind: delivery.TriggerTimeOnPage, ThresholdSeconds: 2},
	}})
	f.service.SetURL("/a")
	f.scheduler.Fire(timerDwellTick)

	f.service.SetURL("/b") // dwell starts over
	f.scheduler.Fire(timerDwellTick)
	assert.False(t, f.scheduler.Pending(timerStaggerPrefix+"post-dwell"))

	f.scheduler.Fire(timerDwellTick)
	assert.True(t, f.scheduler.Pending(timerStaggerPrefix+"post-dwell"))
}

func TestEventAndScrollTriggers(t *testing.T) {
	f := newDeliveryFixture(t)

	f.service.SetCandidates([]delivery.Candidate{
		{ID: "chat-upgrade", Type: delivery.TypeChat, Trigger: delivery.TriggerRule{Kind: delivery.TriggerEvent, EventName: "clicked_upgrade"}},
		{ID: "banner-scroll", Type: delivery.TypeBanner, Trigger: delivery.TriggerRule{Kind: delivery.TriggerScrollDepth, ScrollRatio: 0.5}},
	})

	f.service.FireEvent("unrelated")
	f.service.ReportScrollDepth(0.3)
	assert.False(t, f.scheduler.Pending(timerStaggerPrefix+"chat-upgrade"))
	assert.False(t, f.scheduler.Pending(timerStaggerPrefix+"banner-scroll"))

	f.service.FireEvent("clicked_upgrade")
	f.service.ReportScrollDepth(0.75)
	assert.True(t, f.scheduler.Pending(timerStaggerPrefix+"chat-upgrade"))
	assert.True(t, f.scheduler.Pending(timerStaggerPrefix+"banner-scroll"))
}

func TestSingleSurveySlot(t *testing.T) {
	f := newDeliveryFixture(t)

	f.service.SetCandidates([]delivery.Candidate{
		{ID: "survey-a", Type: delivery.TypeSurvey, Trigger: delivery.TriggerRule{Kind: delivery.TriggerImmediate}, Priority: 5},
		{ID: "survey-b", Type: delivery.TypeSurvey, Trigger: delivery.TriggerRule{Kind: delivery.TriggerImmediate}, Priority: 1},
	})

	shown := f.recorder.ofType(events.TypeSurveyShown)
	require.Len(t, shown, 1, "at most one survey at a time")
	assert.Equal(t, "survey-a", shown[0].Delivery.CandidateID)

	// Completing the slotted survey frees the slot for the next one.
	f.service.CompleteSurvey(context.Background(), "survey-a")
	shown = f.recorder.ofType(events.TypeSurveyShown)
	require.Len(t, shown, 2)
	assert.Equal(t, "survey-b", shown[1].Delivery.CandidateID)
}

func TestCompletedSurveyExcludedForVisitor(t *testing.T) {
	f := newDeliveryFixture(t)

	f.service.SetCandidates([]delivery.Candidate{
		{ID: "survey-nps", Type: delivery.TypeSurvey, Trigger: delivery.TriggerRule{Kind: delivery.TriggerImmediate}},
	})
	f.service.CompleteSurvey(context.Background(), "survey-nps")

	// New session, same visitor: still excluded.
	f.service.OnSessionStarted(context.Background(), false)
	assert.Len(t, f.recorder.ofType(events.TypeSurveyShown), 1)

	// Visitor change wipes the completed set.
	f.service.OnSessionStarted(context.Background(), true)
	assert.Len(t, f.recorder.ofType(events.TypeSurveyShown), 2)
}

func TestVisitorChangeClearsPersistedCompletedSurveys(t *testing.T) {
	f := newDeliveryFixture(t)
	f.service.SetCandidates([]delivery.Candidate{
		{ID: "survey-nps", Type: delivery.TypeSurvey, Trigger: delivery.TriggerRule{Kind: delivery.TriggerImmediate}},
	})
	f.service.CompleteSurvey(context.Background(), "survey-nps")

	f.service.OnSessionStarted(context.Background(), true)

	ids, err := f.store.LoadCompletedSurveys(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ids)

	// A restart over the same store must not resurrect the exclusion.
	logger := testLogger()
	bus := messaging.NewBus(logger)
	recorder := &eventRecorder{}
	bus.AddListener(recorder.listen)
	restarted := NewDeliveryService(bus, f.store, scheduling.NewManualScheduler(), logger)
	restarted.Start(context.Background())
	restarted.SetCandidates([]delivery.Candidate{
		{ID: "survey-nps", Type: delivery.TypeSurvey, Trigger: delivery.TriggerRule{Kind: delivery.TriggerImmediate}},
	})

	assert.Len(t, recorder.ofType(events.TypeSurveyShown), 1)
}

func TestCompletedSurveysSurviveRestart(t *testing.T) {
	f := newDeliveryFixture(t)
	f.service.SetCandidates([]delivery.Candidate{
		{ID: "survey-nps", Type: delivery.TypeSurvey, Trigger: delivery.TriggerRule{Kind: delivery.TriggerImmediate}},
	})
	f.service.CompleteSurvey(context.Background(), "survey-nps")

	// Fresh service over the same store, as after an app restart.
	logger := testLogger()
	bus := messaging.NewBus(logger)
	recorder := &eventRecorder{}
	bus.AddListener(recorder.listen)
	restarted := NewDeliveryService(bus, f.store, scheduling.NewManualScheduler(), logger)
	restarted.Start(context.Background())
	restarted.SetCandidates([]delivery.Candidate{
		{ID: "survey-nps", Type: delivery.TypeSurvey, Trigger: delivery.TriggerRule{Kind: delivery.TriggerImmediate}},
	})

	assert.Empty(t, recorder.ofType(events.TypeSurveyShown), "completed survey must stay excluded across restarts")
}

func TestEligibilityTimeoutSuppressesDelivery(t *testing.T) {
	f := newDeliveryFixture(t)

	f.scheduler.Fire(timerEligibilityTimeout)
	assert.True(t, f.service.EligibilityUnavailable())
	require.Len(t, f.recorder.ofType(events.TypeEligibilityUnavailable), 1)

	// A late snapshot recovers delivery.
	f.service.SetCandidates([]delivery.Candidate{banner("banner-late", 1)})
	assert.False(t, f.service.EligibilityUnavailable())
	f.fireStaggers()
	assert.Len(t, f.recorder.ofType(events.TypeMessageShown), 1)
}

func TestSnapshotBeforeTimeoutDisarmsIt(t *testing.T) {
	f := newDeliveryFixture(t)

	require.True(t, f.scheduler.Pending(timerEligibilityTimeout))
	f.service.SetCandidates(nil)
	assert.False(t, f.scheduler.Pending(timerEligibilityTimeout))
	assert.False(t, f.service.EligibilityUnavailable())
}

func TestFiredRevealTimersAreForgotten(t *testing.T) {
	f := newDeliveryFixture(t)

	f.service.SetCandidates([]delivery.Candidate{banner("banner-1", 1)})
	f.fireStaggers()

	f.service.mu.Lock()
	remaining := len(f.service.staggerKeys)
	f.service.mu.Unlock()
	assert.Zero(t, remaining, "fired reveals must not accumulate keys")
}

func TestResetCancelsTimersAndClearsState(t *testing.T) {
	f := newDeliveryFixture(t)
	f.service.SetCandidates([]delivery.Candidate{banner("banner-1", 1)})

	f.service.Reset()

	assert.False(t, f.scheduler.Pending(timerDwellTick))
	assert.False(t, f.scheduler.Pending(timerStaggerPrefix+"banner-1"))

	// Nothing is selected until Start runs again.
	f.service.SetCandidates([]delivery.Candidate{banner("banner-2", 1)})
	assert.False(t, f.scheduler.Pending(timerStaggerPrefix+"banner-2"))
}
