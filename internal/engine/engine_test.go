package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"wfstatus_bot/internal/config"
	"wfstatus_bot/internal/gateway"
	"wfstatus_bot/internal/model"
	"wfstatus_bot/internal/state"
)

var testNow = time.Unix(1700003700, 0)

type fakeFetcher struct {
	textBody    string
	textMeta    model.CacheMeta
	textErr     error
	notModified bool
	jsonDocs    map[string]string
	document    string
	serverNow   time.Time
	docErr      error

	// varyDocument makes every FetchWithBackoff call return a distinct
	// invasion roster so the fingerprint gate never short-circuits.
	varyDocument bool
	mu           sync.Mutex
	fetchCount   int
}

func (f *fakeFetcher) FetchText(_ context.Context, _ string, meta model.CacheMeta) (string, model.CacheMeta, bool, error) {
	if f.textErr != nil {
		return "", meta, false, f.textErr
	}
	if f.notModified && !meta.IsZero() {
		return "", meta, false, nil
	}
	return f.textBody, f.textMeta, true, nil
}

func (f *fakeFetcher) FetchJSONCached(_ context.Context, url, _ string, meta model.CacheMeta) ([]byte, model.CacheMeta, error) {
	doc, ok := f.jsonDocs[url]
	if !ok {
		return nil, meta, errors.New("no such document")
	}
	return []byte(doc), meta, nil
}

func (f *fakeFetcher) FetchDocument(context.Context, string) ([]byte, time.Time, error) {
	if f.docErr != nil {
		return nil, time.Time{}, f.docErr
	}
	return []byte(f.document), f.serverNow, nil
}

func (f *fakeFetcher) FetchWithBackoff(context.Context, string) (string, error) {
	if f.docErr != nil {
		return "", f.docErr
	}
	if f.varyDocument {
		f.mu.Lock()
		f.fetchCount++
		n := f.fetchCount
		f.mu.Unlock()
		return fmt.Sprintf(`[{"id":"inv-%d","node":"EarthNode1","ally":"FC_CORPUS","missions":["Capture"]}]`, n), nil
	}
	return f.document, nil
}

type publishAction struct {
	Kind      string // "send", "edit", "delete"
	ChatID    int64
	MessageID int
}

type fakePublisher struct {
	mu      sync.Mutex
	nextID  int
	editErr error
	actions []publishAction
	swept   map[int64][]int
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{nextID: 100, swept: map[int64][]int{}}
}

func (p *fakePublisher) Send(chatID int64, _ string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	p.actions = append(p.actions, publishAction{Kind: "send", ChatID: chatID, MessageID: p.nextID})
	return p.nextID, nil
}

func (p *fakePublisher) Edit(chatID int64, messageID int, _ string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.editErr != nil {
		return 0, p.editErr
	}
	p.actions = append(p.actions, publishAction{Kind: "edit", ChatID: chatID, MessageID: messageID})
	return messageID, nil
}

func (p *fakePublisher) Delete(chatID int64, messageID int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.actions = append(p.actions, publishAction{Kind: "delete", ChatID: chatID, MessageID: messageID})
	return nil
}

func (p *fakePublisher) SweepOwn(_ context.Context, chatID int64, messageIDs []int, limit int) []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(messageIDs) > limit {
		messageIDs = messageIDs[:limit]
	}
	p.swept[chatID] = append(p.swept[chatID], messageIDs...)
	return messageIDs
}

func (p *fakePublisher) publishCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, a := range p.actions {
		if a.Kind == "send" || a.Kind == "edit" {
			n++
		}
	}
	return n
}

type fakeStore struct {
	mu      sync.Mutex
	saves   int
	saveErr error
}

func (s *fakeStore) Save(*state.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	return s.saveErr
}

func (s *fakeStore) saveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

const exportsDoc = `{"EarthNode1": {"name": "Everest", "systemName": "Earth", "missionName": "excavation"}}`

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		ChannelID:        1,
		InvasionsChannel: 3,
		CyclesChannel:    4,
		Lang:             "es",
		Timezone:         "UTC",
		CacheDir:         t.TempDir(),
		ArbitrationsURL:  "http://feeds/arbys.txt",
		IncursionsURL:    "http://feeds/incursions.txt",
		InvasionsURL:     "http://feeds/invasions",
		ExportsURL:       "http://feeds/exports.json",
		DictURL:          "http://feeds/dict.es.json",
		CyclesURL:        "http://feeds/pc/",
	}
}

func newTestEngine(t *testing.T, f *fakeFetcher, p *fakePublisher, st *state.State) (*Engine, *fakeStore) {
	t.Helper()
	if f.jsonDocs == nil {
		f.jsonDocs = map[string]string{
			"http://feeds/exports.json": exportsDoc,
			"http://feeds/dict.es.json": `{}`,
		}
	}
	store := &fakeStore{}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	e, err := New(testConfig(t), f, p, store, st, log)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	e.now = func() time.Time { return testNow }
	return e, store
}

func TestRunArbitrationsIdempotent(t *testing.T) {
	f := &fakeFetcher{textBody: "1700000000,NightSortie\n1700003600,EarthNode1"}
	p := newFakePublisher()
	st := &state.State{}
	e, store := newTestEngine(t, f, p, st)

	e.RunArbitrations(context.Background(), false)

	if got := p.publishCount(); got != 1 {
		t.Fatalf("publish count after first run = %d, want 1", got)
	}
	if st.MessageIDArbitrations == 0 || st.LastHashArbitrations == "" {
		t.Fatalf("state not updated: %+v", st)
	}
	firstHash := st.LastHashArbitrations
	firstID := st.MessageIDArbitrations
	savesAfterFirst := store.saveCount()

	// Identical upstream state: second run must be a no-op.
	e.RunArbitrations(context.Background(), false)

	if got := p.publishCount(); got != 1 {
		t.Errorf("publish count after second run = %d, want 1", got)
	}
	if st.LastHashArbitrations != firstHash || st.MessageIDArbitrations != firstID {
		t.Errorf("state changed on identical payload: %+v", st)
	}
	if store.saveCount() != savesAfterFirst {
		t.Errorf("state persisted on no-op run")
	}
}

func TestRunArbitrationsForcedAlwaysPublishes(t *testing.T) {
	f := &fakeFetcher{textBody: "1700003600,EarthNode1"}
	p := newFakePublisher()
	st := &state.State{}
	e, _ := newTestEngine(t, f, p, st)

	e.RunArbitrations(context.Background(), false)
	e.RunArbitrations(context.Background(), true)

	if got := p.publishCount(); got != 2 {
		t.Errorf("publish count = %d, want 2 (forced run bypasses fingerprint)", got)
	}
	// Second publish edits the tracked message rather than reposting.
	last := p.actions[len(p.actions)-1]
	if last.Kind != "edit" {
		t.Errorf("forced republish action = %q, want edit", last.Kind)
	}
}

func TestRunArbitrationsNotModifiedShortCircuit(t *testing.T) {
	f := &fakeFetcher{textBody: "1700003600,EarthNode1", textMeta: model.CacheMeta{ETag: `"v1"`}}
	p := newFakePublisher()
	st := &state.State{}
	e, _ := newTestEngine(t, f, p, st)

	e.RunArbitrations(context.Background(), false)
	if got := p.publishCount(); got != 1 {
		t.Fatalf("publish count = %d, want 1", got)
	}

	// Remote now replies 304 against the stored validators.
	f.notModified = true
	e.RunArbitrations(context.Background(), false)
	if got := p.publishCount(); got != 1 {
		t.Errorf("publish count after 304 = %d, want 1", got)
	}
	if st.ArbitrationsCache.ETag != `"v1"` {
		t.Errorf("cache meta = %+v, want preserved etag", st.ArbitrationsCache)
	}
}

func TestRunArbitrationsEditNotFoundFallsBackToSend(t *testing.T) {
	f := &fakeFetcher{textBody: "1700003600,EarthNode1"}
	p := newFakePublisher()
	p.editErr = gateway.ErrNotFound
	st := &state.State{MessageIDArbitrations: 42, LastHashArbitrations: "stale"}
	e, store := newTestEngine(t, f, p, st)

	e.RunArbitrations(context.Background(), false)

	if st.MessageIDArbitrations == 42 || st.MessageIDArbitrations == 0 {
		t.Errorf("tracked id = %d, want fresh id replacing 42", st.MessageIDArbitrations)
	}
	last := p.actions[len(p.actions)-1]
	if last.Kind != "send" {
		t.Errorf("action = %q, want send fallback", last.Kind)
	}
	if store.saveCount() == 0 {
		t.Error("state with replacement id never persisted")
	}
}

func TestRunArbitrationsEmptyFeed(t *testing.T) {
	f := &fakeFetcher{textBody: "garbage without rows"}
	p := newFakePublisher()
	st := &state.State{LastHashArbitrations: "keep"}
	e, store := newTestEngine(t, f, p, st)

	e.RunArbitrations(context.Background(), false)

	if got := p.publishCount(); got != 0 {
		t.Errorf("publish count = %d, want 0", got)
	}
	if st.LastHashArbitrations != "keep" {
		t.Errorf("hash = %q, want untouched", st.LastHashArbitrations)
	}
	if store.saveCount() != 0 {
		t.Errorf("state persisted without a publish")
	}
}

func TestRunArbitrationsFetchErrorContained(t *testing.T) {
	f := &fakeFetcher{textErr: errors.New("connection refused")}
	p := newFakePublisher()
	e, _ := newTestEngine(t, f, p, &state.State{})

	// Must not panic and must not publish.
	e.RunArbitrations(context.Background(), false)

	if got := p.publishCount(); got != 0 {
		t.Errorf("publish count = %d, want 0", got)
	}
}

func TestRunIncursionsPublishes(t *testing.T) {
	f := &fakeFetcher{textBody: "1699950000;EarthNode1,Unknown9"}
	p := newFakePublisher()
	st := &state.State{}
	e, _ := newTestEngine(t, f, p, st)

	e.RunIncursions(context.Background(), false)

	if st.MessageIDIncursions == 0 {
		t.Fatalf("incursion message not tracked: %+v", st)
	}
	// Dedicated incursion channel unset: falls back to main channel.
	if got := p.actions[len(p.actions)-1].ChatID; got != 1 {
		t.Errorf("chat id = %d, want 1", got)
	}
}

func TestRunInvasionsSweepsOnChange(t *testing.T) {
	f := &fakeFetcher{document: `[{"id":"inv-1","node":"EarthNode1","ally":"FC_CORPUS","missions":["Capture"]}]`}
	p := newFakePublisher()
	st := &state.State{}
	st.AppendSent(3, 71)
	st.AppendSent(3, 72)
	e, _ := newTestEngine(t, f, p, st)

	e.RunInvasions(context.Background(), false)

	if diff := cmp.Diff([]int{71, 72}, p.swept[3]); diff != "" {
		t.Errorf("swept ids mismatch (-want +got):\n%s", diff)
	}
	if st.MessageIDInvasions == 0 {
		t.Errorf("invasion message not tracked")
	}
	// The new message id stays in the ledger; the swept ones are gone.
	if diff := cmp.Diff([]int{st.MessageIDInvasions}, st.Sent(3)); diff != "" {
		t.Errorf("ledger mismatch (-want +got):\n%s", diff)
	}
}

func TestRunInvasionsUnchangedSkips(t *testing.T) {
	f := &fakeFetcher{document: `[{"id":"inv-1","node":"EarthNode1","ally":"FC_CORPUS","missions":["Capture"]}]`}
	p := newFakePublisher()
	st := &state.State{}
	e, _ := newTestEngine(t, f, p, st)

	e.RunInvasions(context.Background(), false)
	e.RunInvasions(context.Background(), false)

	if got := p.publishCount(); got != 1 {
		t.Errorf("publish count = %d, want 1", got)
	}
}

func TestRunInvasionsChannelUnconfigured(t *testing.T) {
	f := &fakeFetcher{document: `[]`}
	p := newFakePublisher()
	e, _ := newTestEngine(t, f, p, &state.State{})
	e.cfg.InvasionsChannel = 0

	e.RunInvasions(context.Background(), false)

	if got := p.publishCount(); got != 0 {
		t.Errorf("publish count = %d, want 0", got)
	}
}

func TestRunOpenWorldCyclesDelay(t *testing.T) {
	expiry := time.Unix(testNow.Unix()+120, 0).UTC().Format(time.RFC3339)
	f := &fakeFetcher{document: `{"earthCycle":{"isDay":true,"expiry":"` + expiry + `"}}`}
	p := newFakePublisher()
	st := &state.State{}
	e, _ := newTestEngine(t, f, p, st)

	delay := e.RunOpenWorldCycles(context.Background(), false)
	if delay != 125*time.Second {
		t.Errorf("delay = %v, want 125s", delay)
	}
	if st.MessageIDCycles == 0 {
		t.Errorf("cycles message not tracked")
	}

	// Unchanged payload still yields a usable delay, without publishing.
	delay = e.RunOpenWorldCycles(context.Background(), false)
	if delay != 125*time.Second {
		t.Errorf("delay on skip = %v, want 125s", delay)
	}
	if got := p.publishCount(); got != 1 {
		t.Errorf("publish count = %d, want 1", got)
	}
}

func TestRunOpenWorldCyclesErrorDefaultsDelay(t *testing.T) {
	f := &fakeFetcher{docErr: errors.New("timeout")}
	p := newFakePublisher()
	e, _ := newTestEngine(t, f, p, &state.State{})

	if delay := e.RunOpenWorldCycles(context.Background(), false); delay != 300*time.Second {
		t.Errorf("delay = %v, want 300s", delay)
	}
}

func TestRefreshMainCleansBeforePublishing(t *testing.T) {
	// Both topics read through the same fake transport: the arbitration
	// parser only takes the comma line, the incursion parser only the
	// semicolon line.
	f := &fakeFetcher{textBody: "1700003600,EarthNode1\n1699950000;EarthNode1"}
	p := newFakePublisher()
	st := &state.State{MessageIDArbitrations: 42, MessageIDIncursions: 43}
	st.AppendSent(1, 42)
	st.AppendSent(1, 44) // stray from a crashed publish
	e, _ := newTestEngine(t, f, p, st)

	e.RefreshMain(context.Background())

	// Tracked messages deleted, strays swept, then both topics posted.
	var deletes, sends int
	for _, a := range p.actions {
		switch a.Kind {
		case "delete":
			deletes++
		case "send":
			sends++
		}
	}
	if deletes != 2 {
		t.Errorf("deletes = %d, want 2", deletes)
	}
	if sends != 2 {
		t.Errorf("sends = %d, want 2", sends)
	}
	if got := len(p.swept[1]); got == 0 {
		t.Error("main channel never swept")
	}
	if st.MessageIDArbitrations == 42 || st.MessageIDArbitrations == 0 {
		t.Errorf("arbitration message id = %d, want fresh", st.MessageIDArbitrations)
	}
}

// Exercises, under the race detector, the hourly refresh and the
// invasion poll hitting the shared state document from separate
// goroutines, the way the scheduler's loops do. The roster changes on
// every poll so each invasion run writes the ledger.
func TestConcurrentTopicRuns(t *testing.T) {
	f := &fakeFetcher{
		textBody:     "1700003600,EarthNode1\n1699950000;EarthNode1",
		varyDocument: true,
	}
	p := newFakePublisher()
	st := &state.State{}
	st.AppendSent(1, 42)
	e, _ := newTestEngine(t, f, p, st)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(3)
		go func() {
			defer wg.Done()
			e.RefreshMain(context.Background())
		}()
		go func() {
			defer wg.Done()
			e.RunInvasions(context.Background(), false)
		}()
		go func() {
			defer wg.Done()
			e.RunOpenWorldCycles(context.Background(), false)
		}()
	}
	wg.Wait()

	if st.MessageIDArbitrations == 0 || st.MessageIDInvasions == 0 {
		t.Errorf("topics not published: %+v", st)
	}
	// The invasion ledger must end consistent: exactly the tracked
	// message survives the interleaved sweeps and appends.
	if diff := cmp.Diff([]int{st.MessageIDInvasions}, st.Sent(3)); diff != "" {
		t.Errorf("invasion ledger mismatch (-want +got):\n%s", diff)
	}
}

func TestFingerprint(t *testing.T) {
	type payload struct {
		A string
		B []string
	}

	p1 := payload{A: "x", B: []string{"1", "2"}}
	p2 := payload{A: "x", B: []string{"1", "2"}}
	p3 := payload{A: "x", B: []string{"2", "1"}}
	p4 := payload{A: "y", B: []string{"1", "2"}}

	if Fingerprint(p1) != Fingerprint(p2) {
		t.Error("equal payloads produced different fingerprints")
	}
	if Fingerprint(p1) == Fingerprint(p3) {
		t.Error("list order change not reflected in fingerprint")
	}
	if Fingerprint(p1) == Fingerprint(p4) {
		t.Error("field change not reflected in fingerprint")
	}
}
