package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stitchworks/floorlink/event"
	"github.com/stitchworks/floorlink/registry"
	"github.com/stitchworks/floorlink/tracking"
)

type publishRecord struct {
	topic   string
	payload string
}

type fakePublisher struct {
	mu    sync.Mutex
	pubs  []publishRecord
	block chan struct{} // when set, Publish waits until closed
}

func (p *fakePublisher) Publish(ctx context.Context, topic string, _ byte, _ bool, payload []byte) error {
	if p.block != nil {
		select {
		case <-p.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pubs = append(p.pubs, publishRecord{topic: topic, payload: string(payload)})
	return nil
}

func (p *fakePublisher) published() []publishRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]publishRecord(nil), p.pubs...)
}

// memStore is a minimal in-memory tracking.Store.
type memStore struct {
	mu        sync.Mutex
	employees map[string]bool
	bundles   map[string]string // card -> bundle id
	logins    map[string]string // card -> terminal
	tracks    map[string]map[string]tracking.BundleState
	openedBy  map[string]string // bundle -> opening card
	statuses  map[string]string
	events    []*event.ErrorEvent
}

func newMemStore() *memStore {
	return &memStore{
		employees: make(map[string]bool),
		bundles:   make(map[string]string),
		logins:    make(map[string]string),
		tracks:    make(map[string]map[string]tracking.BundleState),
		openedBy:  make(map[string]string),
		statuses:  make(map[string]string),
	}
}

func (s *memStore) FindEmployeeCard(_ context.Context, card string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.employees[card], nil
}

func (s *memStore) FindBundleCard(_ context.Context, card string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.bundles[card]
	return ok, nil
}

func (s *memStore) IsLoggedIn(_ context.Context, card string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.logins[card]
	return ok, nil
}

func (s *memStore) HasActiveLogin(_ context.Context, terminal string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.logins {
		if t == terminal {
			return true, nil
		}
	}
	return false, nil
}

func (s *memStore) CreateLogin(_ context.Context, card, terminal string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logins[card] = terminal
	return nil
}

func (s *memStore) ResolveBundleID(_ context.Context, card string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.bundles[card]
	return id, ok, nil
}

func (s *memStore) ActiveBundleElsewhere(_ context.Context, card, terminal string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for bundleID, terms := range s.tracks {
		if s.openedBy[bundleID] != card {
			continue
		}
		for t, state := range terms {
			if t != terminal && state == tracking.BundleActive {
				return t, true, nil
			}
		}
	}
	return "", false, nil
}

func (s *memStore) OtherBundleActiveAt(_ context.Context, terminal, card string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for bundleID, terms := range s.tracks {
		if s.openedBy[bundleID] != card && terms[terminal] == tracking.BundleActive {
			return true, nil
		}
	}
	return false, nil
}

func (s *memStore) BundleStateAt(_ context.Context, bundleID, terminal string) (tracking.BundleState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tracks[bundleID][terminal], nil
}

func (s *memStore) OpenBundle(_ context.Context, bundleID, card, terminal string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tracks[bundleID] == nil {
		s.tracks[bundleID] = make(map[string]tracking.BundleState)
	}
	s.tracks[bundleID][terminal] = tracking.BundleActive
	s.openedBy[bundleID] = card
	return nil
}

func (s *memStore) CloseBundle(_ context.Context, bundleID, terminal string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracks[bundleID][terminal] = tracking.BundleCompleted
	return nil
}

func (s *memStore) WorkstationStatus(_ context.Context, terminal string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statuses[terminal], nil
}

func (s *memStore) AppendError(_ context.Context, ev *event.ErrorEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *memStore) eventTypes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	types := make([]string, len(s.events))
	for i, ev := range s.events {
		types[i] = ev.Type
	}
	return types
}

type fixture struct {
	dispatcher *Dispatcher
	publisher  *fakePublisher
	store      *memStore
	registry   *registry.Registry
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()

	store := newMemStore()
	publisher := &fakePublisher{}

	reg, err := registry.New(registry.Config{Timeout: 5 * time.Minute, SweepInterval: time.Hour},
		registry.Deps{Auditor: store})
	require.NoError(t, err)

	engine, err := tracking.NewEngine(store, tracking.Deps{})
	require.NoError(t, err)

	d, err := New(cfg, Deps{
		Publisher: publisher,
		Registry:  reg,
		Engine:    engine,
		Auditor:   store,
	})
	require.NoError(t, err)

	require.NoError(t, d.Start(context.Background()))
	t.Cleanup(func() { _ = d.Stop(time.Second) })

	return &fixture{dispatcher: d, publisher: publisher, store: store, registry: reg}
}

func waitForPublished(t *testing.T, p *fakePublisher, n int) []publishRecord {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(p.published()) >= n
	}, 2*time.Second, 5*time.Millisecond)
	return p.published()
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{}, Deps{})
	require.Error(t, err)
}

func TestTopics(t *testing.T) {
	f := newFixture(t, Config{Namespace: "shop"})
	assert.Equal(t, []string{"shop/rfid", "shop/+/heartbeat", "shop/+/status"}, f.dispatcher.Topics())
}

func TestRoute_HeartbeatInline(t *testing.T) {
	f := newFixture(t, Config{})

	f.dispatcher.Route("nodemcu/AA:BB/heartbeat", []byte(`{"timestamp": 1724800000}`), "10.0.0.9")

	assert.True(t, f.registry.IsLive("AA:BB"))
	assert.Equal(t, uint64(1), f.dispatcher.MessagesSeen())
	// Structured heartbeats pass silently
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, f.store.eventTypes())
}

func TestRoute_MalformedHeartbeatStillCounts(t *testing.T) {
	f := newFixture(t, Config{})

	f.dispatcher.Route("nodemcu/AA:BB/heartbeat", []byte("alive"), "")

	assert.True(t, f.registry.IsLive("AA:BB"), "liveness never depends on payload quality")
	require.Eventually(t, func() bool {
		types := f.store.eventTypes()
		return len(types) == 1 && types[0] == event.TypeHeartbeatFormat
	}, time.Second, 5*time.Millisecond)
}

func TestRoute_EmployeeScanScenario(t *testing.T) {
	f := newFixture(t, Config{})
	f.store.employees["1234"] = true

	f.dispatcher.Route("nodemcu/AA:BB/heartbeat", []byte(`{"timestamp": 1}`), "")
	f.dispatcher.Route("nodemcu/rfid", []byte("ID: 1234 Mac ID: AA:BB"), "")

	pubs := waitForPublished(t, f.publisher, 2)
	require.Len(t, pubs, 2)
	assert.Equal(t, "nodemcu/AA:BB/response", pubs[0].topic)
	assert.Equal(t, "LOW", pubs[0].payload)
	assert.Equal(t, "LOGIN_SUCCESS", pubs[1].payload)
}

func TestRoute_BundleLifecycleScenario(t *testing.T) {
	// One worker keeps the three scans strictly ordered
	f := newFixture(t, Config{Workers: 1, WorkerFloor: 1})
	f.store.employees["1234"] = true
	f.store.bundles["9999"] = "B-1"

	scan := func(payload string) {
		f.dispatcher.Route("nodemcu/rfid", []byte(payload), "")
	}

	scan("ID: 1234 Mac ID: AA:BB") // login
	waitForPublished(t, f.publisher, 2)

	scan("ID: 9999 Mac ID: AA:BB")
	scan("ID: 9999 Mac ID: AA:BB")
	scan("ID: 9999 Mac ID: AA:BB")

	pubs := waitForPublished(t, f.publisher, 5)
	codes := make([]string, 0, 3)
	for _, p := range pubs[2:] {
		codes = append(codes, p.payload)
	}
	assert.Equal(t, []string{"BUNDLE_STARTED", "BUNDLE_ENDED", "BUNDLE_COMPLETED"}, codes)
}

func TestRoute_UnparseableScan(t *testing.T) {
	f := newFixture(t, Config{})

	f.dispatcher.Route("nodemcu/rfid", []byte("garbage with no ids"), "")

	require.Eventually(t, func() bool {
		types := f.store.eventTypes()
		return len(types) == 1 && types[0] == event.TypeMessageFormat
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, f.publisher.published(), "no response for unparseable payloads")
}

func TestRoute_LoginStatusQuery(t *testing.T) {
	f := newFixture(t, Config{})
	f.store.employees["1234"] = true
	f.store.logins["1234"] = "AA:BB"

	f.dispatcher.Route("nodemcu/AA:BB/status", []byte("loginstatus AA:BB"), "")

	pubs := waitForPublished(t, f.publisher, 1)
	assert.Equal(t, "nodemcu/AA:BB/response", pubs[0].topic)
	assert.Equal(t, "LOW", pubs[0].payload)

	f.dispatcher.Route("nodemcu/CC:DD/status", []byte("loginstatus CC:DD"), "")
	pubs = waitForPublished(t, f.publisher, 2)
	assert.Equal(t, "HIGH", pubs[1].payload)
}

func TestRoute_WorkstationStatusQuery(t *testing.T) {
	f := newFixture(t, Config{})
	f.store.logins["1234"] = "AA:BB"
	f.store.statuses["AA:BB"] = "STATUS_GREEN"

	f.dispatcher.Route("nodemcu/AA:BB/status", []byte("workstationstatus AA:BB"), "")

	pubs := waitForPublished(t, f.publisher, 1)
	assert.Equal(t, "STATUS_GREEN", pubs[0].payload)
}

func TestRoute_OfflineStatus(t *testing.T) {
	f := newFixture(t, Config{})

	f.dispatcher.Route("nodemcu/AA:BB/heartbeat", []byte(`{"timestamp": 1}`), "")
	require.True(t, f.registry.IsLive("AA:BB"))

	f.dispatcher.Route("nodemcu/AA:BB/status", []byte("offline"), "")
	assert.False(t, f.registry.IsLive("AA:BB"))
}

func TestRoute_UnknownTopic(t *testing.T) {
	f := newFixture(t, Config{})

	f.dispatcher.Route("nodemcu/AA:BB/other/deep", []byte("x"), "")
	f.dispatcher.Route("elsewhere/rfid", []byte("x"), "")

	require.Eventually(t, func() bool {
		return len(f.store.eventTypes()) == 2
	}, time.Second, 5*time.Millisecond)
}

func TestRoute_QueueOverflowDropsButHeartbeatsSurvive(t *testing.T) {
	store := newMemStore()
	store.employees["1234"] = true
	publisher := &fakePublisher{block: make(chan struct{})}

	reg, err := registry.New(registry.Config{Timeout: 5 * time.Minute, SweepInterval: time.Hour},
		registry.Deps{Auditor: store})
	require.NoError(t, err)
	engine, err := tracking.NewEngine(store, tracking.Deps{})
	require.NoError(t, err)

	d, err := New(Config{Workers: 1, WorkerFloor: 1, QueueSize: 2}, Deps{
		Publisher: publisher,
		Registry:  reg,
		Engine:    engine,
		Auditor:   store,
	})
	require.NoError(t, err)
	require.NoError(t, d.Start(context.Background()))
	defer func() {
		close(publisher.block)
		_ = d.Stop(2 * time.Second)
	}()

	// Saturate: one in flight blocked on publish, two queued, the rest dropped
	for range 20 {
		d.Route("nodemcu/rfid", []byte("ID: 1234 Mac ID: AA:BB"), "")
	}

	require.Eventually(t, func() bool {
		for _, typ := range store.eventTypes() {
			if typ == event.TypeMessageDropped {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	// Heartbeats stay on the fast path regardless of pool saturation
	d.Route("nodemcu/FF:EE/heartbeat", []byte(`{"timestamp": 1}`), "")
	assert.True(t, reg.IsLive("FF:EE"))
	assert.Greater(t, d.PoolStats().Dropped, int64(0))
}
