package tracking

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stitchworks/floorlink/errors"
	"github.com/stitchworks/floorlink/event"
)

// fakeStore is an in-memory Store with per-method failure injection.
type fakeStore struct {
	mu           sync.Mutex
	employees    map[string]bool
	bundleCards  map[string]string                 // card -> bundle id
	logins       map[string]string                 // card -> terminal
	tracks       map[string]map[string]BundleState // bundle -> terminal -> state
	openedBy     map[string]string                 // bundle -> opening card
	statuses     map[string]string                 // terminal -> workstation code
	unresolvable map[string]bool                   // roster hit, no bundle record
	events       []*event.ErrorEvent
	failOn       map[string]error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		employees:    make(map[string]bool),
		bundleCards:  make(map[string]string),
		logins:       make(map[string]string),
		tracks:       make(map[string]map[string]BundleState),
		openedBy:     make(map[string]string),
		statuses:     make(map[string]string),
		unresolvable: make(map[string]bool),
		failOn:       make(map[string]error),
	}
}

func (s *fakeStore) fail(method string) error {
	if err, ok := s.failOn[method]; ok {
		return err
	}
	return nil
}

func (s *fakeStore) FindEmployeeCard(_ context.Context, cardID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("FindEmployeeCard"); err != nil {
		return false, err
	}
	return s.employees[cardID], nil
}

func (s *fakeStore) FindBundleCard(_ context.Context, cardID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("FindBundleCard"); err != nil {
		return false, err
	}
	_, ok := s.bundleCards[cardID]
	return ok, nil
}

func (s *fakeStore) IsLoggedIn(_ context.Context, cardID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("IsLoggedIn"); err != nil {
		return false, err
	}
	_, ok := s.logins[cardID]
	return ok, nil
}

func (s *fakeStore) HasActiveLogin(_ context.Context, terminalID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("HasActiveLogin"); err != nil {
		return false, err
	}
	for _, term := range s.logins {
		if term == terminalID {
			return true, nil
		}
	}
	return false, nil
}

func (s *fakeStore) CreateLogin(_ context.Context, cardID, terminalID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("CreateLogin"); err != nil {
		return err
	}
	s.logins[cardID] = terminalID
	return nil
}

func (s *fakeStore) ResolveBundleID(_ context.Context, cardID string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("ResolveBundleID"); err != nil {
		return "", false, err
	}
	if s.unresolvable[cardID] {
		return "", false, nil
	}
	id, ok := s.bundleCards[cardID]
	return id, ok, nil
}

func (s *fakeStore) ActiveBundleElsewhere(_ context.Context, cardID, terminalID string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("ActiveBundleElsewhere"); err != nil {
		return "", false, err
	}
	for bundleID, terms := range s.tracks {
		if s.openedBy[bundleID] != cardID {
			continue
		}
		for term, state := range terms {
			if term != terminalID && state == BundleActive {
				return term, true, nil
			}
		}
	}
	return "", false, nil
}

func (s *fakeStore) OtherBundleActiveAt(_ context.Context, terminalID, cardID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("OtherBundleActiveAt"); err != nil {
		return false, err
	}
	for bundleID, terms := range s.tracks {
		if s.openedBy[bundleID] != cardID && terms[terminalID] == BundleActive {
			return true, nil
		}
	}
	return false, nil
}

func (s *fakeStore) BundleStateAt(_ context.Context, bundleID, terminalID string) (BundleState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("BundleStateAt"); err != nil {
		return BundleAbsent, err
	}
	return s.tracks[bundleID][terminalID], nil
}

func (s *fakeStore) OpenBundle(_ context.Context, bundleID, cardID, terminalID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("OpenBundle"); err != nil {
		return err
	}
	if s.tracks[bundleID] == nil {
		s.tracks[bundleID] = make(map[string]BundleState)
	}
	s.tracks[bundleID][terminalID] = BundleActive
	s.openedBy[bundleID] = cardID
	return nil
}

func (s *fakeStore) CloseBundle(_ context.Context, bundleID, terminalID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("CloseBundle"); err != nil {
		return err
	}
	if s.tracks[bundleID][terminalID] != BundleActive {
		return errors.ErrNoRowsAffected
	}
	s.tracks[bundleID][terminalID] = BundleCompleted
	return nil
}

func (s *fakeStore) WorkstationStatus(_ context.Context, terminalID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("WorkstationStatus"); err != nil {
		return "", err
	}
	return s.statuses[terminalID], nil
}

func (s *fakeStore) AppendError(_ context.Context, ev *event.ErrorEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("AppendError"); err != nil {
		return err
	}
	s.events = append(s.events, ev)
	return nil
}

func (s *fakeStore) eventTypes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	types := make([]string, len(s.events))
	for i, ev := range s.events {
		types[i] = ev.Type
	}
	return types
}

func (s *fakeStore) stateAt(bundleID, terminalID string) BundleState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tracks[bundleID][terminalID]
}

func newEngine(t *testing.T, store Store) *Engine {
	t.Helper()
	engine, err := NewEngine(store, Deps{})
	require.NoError(t, err)
	return engine
}

func TestNewEngine_NilStore(t *testing.T) {
	_, err := NewEngine(nil, Deps{})
	require.Error(t, err)
}

func TestClassify_MutualExclusion(t *testing.T) {
	store := newFakeStore()
	store.employees["1234"] = true
	store.bundleCards["9999"] = "B-1"
	// A card on both rosters classifies as employee: roster precedence
	store.employees["both"] = true
	store.bundleCards["both"] = "B-2"

	engine := newEngine(t, store)
	ctx := context.Background()

	tests := []struct {
		card string
		want CardClass
	}{
		{"1234", CardEmployee},
		{"9999", CardBundle},
		{"both", CardEmployee},
		{"0000", CardUnauthorized},
	}
	for _, tt := range tests {
		class, err := engine.Classify(ctx, tt.card)
		require.NoError(t, err)
		assert.Equal(t, tt.want, class, "card %s", tt.card)
	}
}

func TestScan_UnauthorizedCard(t *testing.T) {
	store := newFakeStore()
	engine := newEngine(t, store)

	codes := engine.Scan(context.Background(), "0000", "AA:BB")
	assert.Equal(t, []string{CodeUnauthorized}, codes)
	assert.Equal(t, []string{event.TypeAuthorization}, store.eventTypes())
}

func TestEmployeeScan_Success(t *testing.T) {
	store := newFakeStore()
	store.employees["1234"] = true
	engine := newEngine(t, store)

	codes := engine.Scan(context.Background(), "1234", "AA:BB")
	assert.Equal(t, []string{CodeLow, CodeLoginSuccess}, codes, "handshake signal precedes the semantic code")
	assert.Empty(t, store.eventTypes())
}

func TestEmployeeScan_DuplicateLogin(t *testing.T) {
	store := newFakeStore()
	store.employees["1234"] = true
	engine := newEngine(t, store)
	ctx := context.Background()

	assert.Equal(t, []string{CodeLow, CodeLoginSuccess}, engine.Scan(ctx, "1234", "AA:BB"))
	// Every subsequent attempt is a duplicate, from any terminal
	assert.Equal(t, []string{CodeLoginExists}, engine.Scan(ctx, "1234", "AA:BB"))
	assert.Equal(t, []string{CodeLoginExists}, engine.Scan(ctx, "1234", "CC:DD"))
	assert.Equal(t, []string{event.TypeDuplicateLogin, event.TypeDuplicateLogin}, store.eventTypes())
}

func TestEmployeeScan_PersistenceFailure(t *testing.T) {
	store := newFakeStore()
	store.employees["1234"] = true
	store.failOn["CreateLogin"] = assert.AnError
	engine := newEngine(t, store)

	codes := engine.Scan(context.Background(), "1234", "AA:BB")
	assert.Equal(t, []string{CodeSystemError}, codes)
	assert.Equal(t, []string{event.TypeLoginFailure}, store.eventTypes())
}

// loginAt gives the terminal an operator so bundle scans pass the login gate.
func loginAt(t *testing.T, engine *Engine, store *fakeStore, card, terminal string) {
	t.Helper()
	store.mu.Lock()
	store.employees[card] = true
	store.mu.Unlock()
	require.Equal(t, []string{CodeLow, CodeLoginSuccess},
		engine.EmployeeScan(context.Background(), card, terminal))
}

func TestBundleScan_ToggleLaw(t *testing.T) {
	store := newFakeStore()
	store.bundleCards["9999"] = "B-1"
	engine := newEngine(t, store)
	ctx := context.Background()
	loginAt(t, engine, store, "1234", "AA:BB")

	assert.Equal(t, []string{CodeBundleStarted}, engine.Scan(ctx, "9999", "AA:BB"))
	assert.Equal(t, BundleActive, store.stateAt("B-1", "AA:BB"))

	assert.Equal(t, []string{CodeBundleEnded}, engine.Scan(ctx, "9999", "AA:BB"))
	assert.Equal(t, BundleCompleted, store.stateAt("B-1", "AA:BB"))

	// Completed re-scan is idempotent, any number of times
	for range 3 {
		assert.Equal(t, []string{CodeBundleCompleted}, engine.Scan(ctx, "9999", "AA:BB"))
	}
	assert.Equal(t, BundleCompleted, store.stateAt("B-1", "AA:BB"))
}

func TestBundleScan_RequiresLogin(t *testing.T) {
	store := newFakeStore()
	store.bundleCards["9999"] = "B-1"
	engine := newEngine(t, store)

	codes := engine.Scan(context.Background(), "9999", "AA:BB")
	assert.Equal(t, []string{CodeLoginRequired}, codes)
	assert.Equal(t, BundleAbsent, store.stateAt("B-1", "AA:BB"))
}

func TestBundleScan_ActiveElsewhere(t *testing.T) {
	store := newFakeStore()
	store.bundleCards["9999"] = "B-1"
	engine := newEngine(t, store)
	ctx := context.Background()
	loginAt(t, engine, store, "1234", "A")
	loginAt(t, engine, store, "5678", "B")

	require.Equal(t, []string{CodeBundleStarted}, engine.Scan(ctx, "9999", "A"))

	codes := engine.Scan(ctx, "9999", "B")
	assert.Equal(t, []string{"BUNDLE_ACTIVE_AT_A"}, codes)
	// Terminal A's state is untouched by the rejected scan
	assert.Equal(t, BundleActive, store.stateAt("B-1", "A"))
	assert.Equal(t, BundleAbsent, store.stateAt("B-1", "B"))
	assert.Contains(t, store.eventTypes(), event.TypeBundleConflict)
}

func TestBundleScan_PreviousBundleActive(t *testing.T) {
	store := newFakeStore()
	store.bundleCards["9999"] = "B-1"
	store.bundleCards["8888"] = "B-2"
	engine := newEngine(t, store)
	ctx := context.Background()
	loginAt(t, engine, store, "1234", "AA:BB")

	require.Equal(t, []string{CodeBundleStarted}, engine.Scan(ctx, "9999", "AA:BB"))

	codes := engine.Scan(ctx, "8888", "AA:BB")
	assert.Equal(t, []string{CodePrevBundleActive}, codes)
	assert.Equal(t, BundleAbsent, store.stateAt("B-2", "AA:BB"))
}

func TestBundleScan_UnknownBundle(t *testing.T) {
	// The card is on the bundle roster but resolves to no bundle record
	store := newFakeStore()
	store.bundleCards["9999"] = "B-1"
	store.unresolvable["9999"] = true
	engine := newEngine(t, store)
	ctx := context.Background()
	loginAt(t, engine, store, "1234", "AA:BB")

	codes := engine.Scan(ctx, "9999", "AA:BB")
	assert.Equal(t, []string{CodeSystemError}, codes)
	assert.Contains(t, store.eventTypes(), event.TypeBundleError)
	assert.Equal(t, BundleAbsent, store.stateAt("B-1", "AA:BB"))
}

func TestBundleScan_ActiveElsewhereBeatsResolutionFailure(t *testing.T) {
	// The bundle is opened at A, then the roster view drops the card's row.
	// A scan at B must still report the cross-terminal conflict: the
	// conflict checks read the scan records by card and run before
	// bundle-id resolution.
	store := newFakeStore()
	store.bundleCards["9999"] = "B-1"
	engine := newEngine(t, store)
	ctx := context.Background()
	loginAt(t, engine, store, "1234", "A")
	loginAt(t, engine, store, "5678", "B")

	require.Equal(t, []string{CodeBundleStarted}, engine.Scan(ctx, "9999", "A"))

	store.mu.Lock()
	store.unresolvable["9999"] = true
	store.mu.Unlock()

	codes := engine.Scan(ctx, "9999", "B")
	assert.Equal(t, []string{"BUNDLE_ACTIVE_AT_A"}, codes)
	assert.Equal(t, BundleActive, store.stateAt("B-1", "A"))
	assert.Contains(t, store.eventTypes(), event.TypeBundleConflict)
}

func TestBundleScan_CloseRace(t *testing.T) {
	store := newFakeStore()
	store.bundleCards["9999"] = "B-1"
	engine := newEngine(t, store)
	ctx := context.Background()
	loginAt(t, engine, store, "1234", "AA:BB")

	require.Equal(t, []string{CodeBundleStarted}, engine.Scan(ctx, "9999", "AA:BB"))

	// Another writer closes the bundle between the state read and the
	// conditional update
	store.mu.Lock()
	store.failOn["CloseBundle"] = errors.ErrNoRowsAffected
	store.mu.Unlock()

	assert.Equal(t, []string{CodeBundleCompleted}, engine.Scan(ctx, "9999", "AA:BB"))
}

func TestBundleScan_OpenFailure(t *testing.T) {
	store := newFakeStore()
	store.bundleCards["9999"] = "B-1"
	store.failOn["OpenBundle"] = assert.AnError
	engine := newEngine(t, store)
	ctx := context.Background()
	loginAt(t, engine, store, "1234", "AA:BB")

	codes := engine.Scan(ctx, "9999", "AA:BB")
	assert.Equal(t, []string{CodeSystemError}, codes)
	assert.Contains(t, store.eventTypes(), event.TypeBundleError)
}

func TestLoginStatus(t *testing.T) {
	store := newFakeStore()
	engine := newEngine(t, store)
	ctx := context.Background()

	assert.Equal(t, CodeHigh, engine.LoginStatus(ctx, "AA:BB"))

	loginAt(t, engine, store, "1234", "AA:BB")
	assert.Equal(t, CodeLow, engine.LoginStatus(ctx, "AA:BB"))
	assert.Equal(t, CodeHigh, engine.LoginStatus(ctx, "CC:DD"))

	store.mu.Lock()
	store.failOn["HasActiveLogin"] = assert.AnError
	store.mu.Unlock()
	assert.Equal(t, CodeHigh, engine.LoginStatus(ctx, "AA:BB"), "store failure answers the safe default")
}

func TestWorkstationStatus(t *testing.T) {
	store := newFakeStore()
	store.statuses["AA:BB"] = "STATUS_GREEN"
	engine := newEngine(t, store)
	ctx := context.Background()

	assert.Equal(t, CodeNoOperator, engine.WorkstationStatus(ctx, "AA:BB"))

	loginAt(t, engine, store, "1234", "AA:BB")
	assert.Equal(t, "STATUS_GREEN", engine.WorkstationStatus(ctx, "AA:BB"))

	store.mu.Lock()
	store.failOn["WorkstationStatus"] = assert.AnError
	store.mu.Unlock()
	assert.Equal(t, CodeSystemError, engine.WorkstationStatus(ctx, "AA:BB"))
	assert.Contains(t, store.eventTypes(), event.TypeWorkstation)
}

func TestBundleScan_ConcurrentSameBundle(t *testing.T) {
	store := newFakeStore()
	store.bundleCards["9999"] = "B-1"
	engine := newEngine(t, store)
	ctx := context.Background()
	loginAt(t, engine, store, "1234", "AA:BB")

	// Many concurrent scans of one bundle at one terminal: the keyed lock
	// serializes them, so outcomes alternate started/ended and then report
	// completed, never a torn state.
	const n = 8
	results := make(chan string, n)
	var wg sync.WaitGroup
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			codes := engine.Scan(ctx, "9999", "AA:BB")
			results <- codes[0]
		}()
	}
	wg.Wait()
	close(results)

	counts := make(map[string]int)
	for code := range results {
		counts[code]++
	}
	assert.Equal(t, 1, counts[CodeBundleStarted])
	assert.Equal(t, 1, counts[CodeBundleEnded])
	assert.Equal(t, n-2, counts[CodeBundleCompleted])
	assert.Equal(t, BundleCompleted, store.stateAt("B-1", "AA:BB"))
}
