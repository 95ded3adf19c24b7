package watcher

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/telescope-bot/telescope/ledger"
	"github.com/telescope-bot/telescope/platform"
)

type fakeAdapter struct {
	statuses   map[string]*platform.Snapshot
	statusErr  error
	bulk       []platform.Snapshot
	bulkProbed [][]platform.Creator
}

func (a *fakeAdapter) Platform() platform.Platform { return platform.TwitterSpace }

func (a *fakeAdapter) GetStatus(ctx context.Context, sessionID, lang string) (*platform.Snapshot, error) {
	if a.statusErr != nil {
		return nil, a.statusErr
	}
	return a.statuses[sessionID], nil
}

func (a *fakeAdapter) GetStatusForTracked(ctx context.Context, creators []platform.Creator) []platform.Snapshot {
	a.bulkProbed = append(a.bulkProbed, creators)
	var out []platform.Snapshot
	for _, snap := range a.bulk {
		for _, c := range creators {
			if c.ID == snap.Creator.ID {
				out = append(out, snap)
			}
		}
	}
	return out
}

func (a *fakeAdapter) ResolveCreator(ctx context.Context, path string) (*platform.Creator, error) {
	return nil, errors.New("not implemented")
}

func (a *fakeAdapter) FormatMessage(s *platform.Snapshot) string {
	return fmt.Sprintf("%s: %s", s.Creator.Name, s.State)
}

// memLedger mirrors the two-level hash layout: a tracked index mapping
// creator key to session id, plus per-creator anchor maps.
type memLedger struct {
	mu         sync.Mutex
	tracked    map[string]string
	anchors    map[string]map[string]int64
	commitErrs int
}

func newMemLedger() *memLedger {
	return &memLedger{tracked: make(map[string]string), anchors: make(map[string]map[string]int64)}
}

func (m *memLedger) add(c platform.Creator, sessionID, recipient string, anchor int64) {
	m.tracked[c.Key()] = sessionID
	if m.anchors[c.Key()] == nil {
		m.anchors[c.Key()] = make(map[string]int64)
	}
	m.anchors[c.Key()][recipient] = anchor
}

func (m *memLedger) ScanTracked(ctx context.Context, p platform.Platform, fn func(platform.Creator, string) error) error {
	m.mu.Lock()
	snapshot := make(map[string]string, len(m.tracked))
	for k, v := range m.tracked {
		snapshot[k] = v
	}
	m.mu.Unlock()
	keys := make([]string, 0, len(snapshot))
	for k := range snapshot {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		c, err := platform.ParseCreatorKey(k)
		if err != nil || c.Platform != p {
			continue
		}
		if err := fn(c, snapshot[k]); err != nil {
			return err
		}
	}
	return nil
}

func (m *memLedger) ScanAnchors(ctx context.Context, c platform.Creator, fn func(ledger.Anchor) error) error {
	m.mu.Lock()
	pairs := make([]ledger.Anchor, 0)
	for r, a := range m.anchors[c.Key()] {
		pairs = append(pairs, ledger.Anchor{Recipient: r, MessageID: a})
	}
	m.mu.Unlock()
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].Recipient < pairs[j].Recipient })
	for _, p := range pairs {
		if err := fn(p); err != nil {
			return err
		}
	}
	return nil
}

func (m *memLedger) Subscribers(ctx context.Context, c platform.Creator) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for r := range m.anchors[c.Key()] {
		out = append(out, r)
	}
	sort.Strings(out)
	return out, nil
}

func (m *memLedger) CommitSessionStart(ctx context.Context, c platform.Creator, recipient, sessionID string, anchor int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.commitErrs > 0 {
		m.commitErrs--
		return errors.New("commit refused")
	}
	m.tracked[c.Key()] = sessionID
	m.anchors[c.Key()][recipient] = anchor
	return nil
}

func (m *memLedger) CommitSessionEnd(ctx context.Context, c platform.Creator, recipient string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.commitErrs > 0 {
		m.commitErrs--
		return errors.New("commit refused")
	}
	m.tracked[c.Key()] = ""
	m.anchors[c.Key()][recipient] = 0
	return nil
}

type sentMessage struct {
	Recipient string
	Text      string
	ReplyTo   int64
}

type fakeNotifier struct {
	mu      sync.Mutex
	sends   []sentMessage
	replies []sentMessage
	failFor map[string]bool
	nextID  int64
}

func (n *fakeNotifier) SendNew(ctx context.Context, recipient, text string, att platform.Attachment) (int64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.failFor[recipient] {
		return 0, errors.New("delivery refused")
	}
	n.nextID++
	n.sends = append(n.sends, sentMessage{Recipient: recipient, Text: text})
	return n.nextID, nil
}

func (n *fakeNotifier) SendReply(ctx context.Context, recipient, text string, replyTo int64) (int64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.failFor[recipient] {
		return 0, errors.New("delivery refused")
	}
	n.nextID++
	n.replies = append(n.replies, sentMessage{Recipient: recipient, Text: text, ReplyTo: replyTo})
	return n.nextID, nil
}

func (n *fakeNotifier) sentTo(recipient string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	count := 0
	for _, s := range n.sends {
		if s.Recipient == recipient {
			count++
		}
	}
	return count
}

var spaceCreator = platform.Creator{Platform: platform.TwitterSpace, ID: "12345", Name: "jack"}

func newTestWatcher(t *testing.T, adapter *fakeAdapter, led *memLedger, notifier *fakeNotifier) *Watcher {
	t.Helper()
	reg := platform.NewRegistry(adapter)
	return New(led, notifier, reg, 0)
}

func TestTickAnnouncesNewSession(t *testing.T) {
	led := newMemLedger()
	led.add(spaceCreator, "", "chat-1", 0)
	led.add(spaceCreator, "", "chat-2", 0)
	adapter := &fakeAdapter{
		bulk: []platform.Snapshot{{
			SessionID: "sess-1",
			Creator:   spaceCreator,
			State:     platform.StateRunning,
		}},
	}
	notifier := &fakeNotifier{}
	w := newTestWatcher(t, adapter, led, notifier)

	w.tick(context.Background())

	if got := led.tracked[spaceCreator.Key()]; got != "sess-1" {
		t.Fatalf("tracked session = %q, want sess-1", got)
	}
	if len(notifier.sends) != 2 {
		t.Fatalf("sends = %d, want 2", len(notifier.sends))
	}
	for _, recipient := range []string{"chat-1", "chat-2"} {
		if led.anchors[spaceCreator.Key()][recipient] == 0 {
			t.Errorf("recipient %s has no anchor after announce", recipient)
		}
	}
}

func TestTickRepliesOnSessionEnd(t *testing.T) {
	led := newMemLedger()
	led.add(spaceCreator, "sess-1", "chat-1", 42)
	adapter := &fakeAdapter{
		statuses: map[string]*platform.Snapshot{
			"sess-1": {SessionID: "sess-1", Creator: spaceCreator, State: platform.StateEnded},
		},
	}
	notifier := &fakeNotifier{}
	w := newTestWatcher(t, adapter, led, notifier)

	w.tick(context.Background())

	if len(notifier.replies) != 1 {
		t.Fatalf("replies = %d, want 1", len(notifier.replies))
	}
	if notifier.replies[0].ReplyTo != 42 {
		t.Errorf("reply anchor = %d, want 42", notifier.replies[0].ReplyTo)
	}
	if got := led.tracked[spaceCreator.Key()]; got != "" {
		t.Errorf("tracked session = %q, want cleared", got)
	}
	if got := led.anchors[spaceCreator.Key()]["chat-1"]; got != 0 {
		t.Errorf("anchor = %d, want 0", got)
	}
}

func TestTickTimedOutSessionClearsLikeEnded(t *testing.T) {
	led := newMemLedger()
	led.add(spaceCreator, "sess-1", "chat-1", 7)
	adapter := &fakeAdapter{
		statuses: map[string]*platform.Snapshot{
			"sess-1": {SessionID: "sess-1", Creator: spaceCreator, State: platform.StateTimedOut},
		},
	}
	notifier := &fakeNotifier{}
	w := newTestWatcher(t, adapter, led, notifier)

	w.tick(context.Background())

	if len(notifier.replies) != 1 {
		t.Fatalf("replies = %d, want 1", len(notifier.replies))
	}
	if got := led.tracked[spaceCreator.Key()]; got != "" {
		t.Errorf("tracked session = %q, want cleared", got)
	}
}

func TestInFlightSessionSkipsBulkProbe(t *testing.T) {
	idle := platform.Creator{Platform: platform.TwitterSpace, ID: "67890", Name: "ada"}
	led := newMemLedger()
	led.add(spaceCreator, "sess-1", "chat-1", 42)
	led.add(idle, "", "chat-1", 0)
	adapter := &fakeAdapter{
		statuses: map[string]*platform.Snapshot{
			"sess-1": {SessionID: "sess-1", Creator: spaceCreator, State: platform.StateRunning},
		},
	}
	notifier := &fakeNotifier{}
	w := newTestWatcher(t, adapter, led, notifier)

	w.tick(context.Background())

	if len(adapter.bulkProbed) != 1 {
		t.Fatalf("bulk probes = %d, want 1", len(adapter.bulkProbed))
	}
	probed := adapter.bulkProbed[0]
	if len(probed) != 1 || probed[0].ID != idle.ID {
		t.Fatalf("bulk probe candidates = %v, want only the idle creator", probed)
	}
	if len(notifier.sends)+len(notifier.replies) != 0 {
		t.Errorf("steady running session produced %d notifications", len(notifier.sends)+len(notifier.replies))
	}
}

func TestSendFailureSkipsCommit(t *testing.T) {
	led := newMemLedger()
	led.add(spaceCreator, "", "chat-ok", 0)
	led.add(spaceCreator, "", "chat-bad", 0)
	adapter := &fakeAdapter{
		bulk: []platform.Snapshot{{SessionID: "sess-1", Creator: spaceCreator, State: platform.StateRunning}},
	}
	notifier := &fakeNotifier{failFor: map[string]bool{"chat-bad": true}}
	w := newTestWatcher(t, adapter, led, notifier)

	w.tick(context.Background())

	// The healthy recipient commits independently of the failed one.
	if got := notifier.sentTo("chat-ok"); got != 1 {
		t.Fatalf("chat-ok sends = %d, want 1", got)
	}
	if led.anchors[spaceCreator.Key()]["chat-ok"] == 0 {
		t.Error("chat-ok has no anchor after successful send")
	}
	if got := led.anchors[spaceCreator.Key()]["chat-bad"]; got != 0 {
		t.Errorf("chat-bad anchor = %d, want untouched 0", got)
	}

	// With the session now tracked, the next tick runs Phase A only and a
	// Running session is steady state: no duplicate send to chat-ok.
	notifier.failFor = nil
	adapter.statuses = map[string]*platform.Snapshot{
		"sess-1": {SessionID: "sess-1", Creator: spaceCreator, State: platform.StateRunning},
	}
	w.tick(context.Background())
	if got := notifier.sentTo("chat-ok"); got != 1 {
		t.Errorf("chat-ok sends after second tick = %d, want still 1", got)
	}
}

func TestCommitFailureLeavesStateForRetry(t *testing.T) {
	led := newMemLedger()
	led.add(spaceCreator, "", "chat-1", 0)
	led.commitErrs = 1
	adapter := &fakeAdapter{
		bulk: []platform.Snapshot{{SessionID: "sess-1", Creator: spaceCreator, State: platform.StateRunning}},
	}
	notifier := &fakeNotifier{}
	w := newTestWatcher(t, adapter, led, notifier)

	w.tick(context.Background())

	if len(notifier.sends) != 1 {
		t.Fatalf("sends = %d, want 1 (send precedes commit)", len(notifier.sends))
	}
	if got := led.tracked[spaceCreator.Key()]; got != "" {
		t.Fatalf("tracked session = %q, want still idle after failed commit", got)
	}

	// Creator stays a bulk candidate, so the next tick retries end to end.
	w.tick(context.Background())
	if got := led.tracked[spaceCreator.Key()]; got != "sess-1" {
		t.Errorf("tracked session after retry = %q, want sess-1", got)
	}
	if len(notifier.sends) != 2 {
		t.Errorf("sends after retry = %d, want 2 (duplicate preferred over loss)", len(notifier.sends))
	}
}

func TestFetchFailureKeepsSessionState(t *testing.T) {
	led := newMemLedger()
	led.add(spaceCreator, "sess-1", "chat-1", 42)
	adapter := &fakeAdapter{statusErr: errors.New("upstream 500")}
	notifier := &fakeNotifier{}
	w := newTestWatcher(t, adapter, led, notifier)

	w.tick(context.Background())

	if got := led.tracked[spaceCreator.Key()]; got != "sess-1" {
		t.Errorf("tracked session = %q, want unchanged sess-1", got)
	}
	if len(notifier.sends)+len(notifier.replies) != 0 {
		t.Errorf("fetch failure produced %d notifications", len(notifier.sends)+len(notifier.replies))
	}
}

func TestUnknownStateRepliesWithoutCommit(t *testing.T) {
	led := newMemLedger()
	led.add(spaceCreator, "sess-1", "chat-1", 42)
	adapter := &fakeAdapter{
		statuses: map[string]*platform.Snapshot{
			"sess-1": {SessionID: "sess-1", Creator: spaceCreator, State: platform.StateUnknown, RawState: "Paused"},
		},
	}
	notifier := &fakeNotifier{}
	w := newTestWatcher(t, adapter, led, notifier)

	w.tick(context.Background())

	if len(notifier.replies) != 1 {
		t.Fatalf("replies = %d, want 1 diagnostic", len(notifier.replies))
	}
	if got := led.tracked[spaceCreator.Key()]; got != "sess-1" {
		t.Errorf("tracked session = %q, want unchanged sess-1", got)
	}
	if got := led.anchors[spaceCreator.Key()]["chat-1"]; got != 42 {
		t.Errorf("anchor = %d, want unchanged 42", got)
	}
}

func TestNotFoundSessionIsRetriedNextTick(t *testing.T) {
	led := newMemLedger()
	led.add(spaceCreator, "sess-gone", "chat-1", 42)
	adapter := &fakeAdapter{statuses: map[string]*platform.Snapshot{}}
	notifier := &fakeNotifier{}
	w := newTestWatcher(t, adapter, led, notifier)

	w.tick(context.Background())

	if got := led.tracked[spaceCreator.Key()]; got != "sess-gone" {
		t.Errorf("tracked session = %q, want unchanged sess-gone", got)
	}
	if len(notifier.replies) != 0 {
		t.Errorf("replies = %d, want 0", len(notifier.replies))
	}
}

func TestFullSessionLifecycleRoundTrips(t *testing.T) {
	led := newMemLedger()
	led.add(spaceCreator, "", "chat-1", 0)
	adapter := &fakeAdapter{
		bulk: []platform.Snapshot{{SessionID: "sess-1", Creator: spaceCreator, State: platform.StateRunning}},
	}
	notifier := &fakeNotifier{}
	w := newTestWatcher(t, adapter, led, notifier)

	w.tick(context.Background())
	if got := led.tracked[spaceCreator.Key()]; got != "sess-1" {
		t.Fatalf("tracked session = %q, want sess-1", got)
	}

	adapter.bulk = nil
	adapter.statuses = map[string]*platform.Snapshot{
		"sess-1": {SessionID: "sess-1", Creator: spaceCreator, State: platform.StateEnded},
	}
	w.tick(context.Background())

	// Back to the exact pre-session shape: idle index entry, zero anchor.
	if got := led.tracked[spaceCreator.Key()]; got != "" {
		t.Errorf("tracked session = %q, want cleared", got)
	}
	if got := led.anchors[spaceCreator.Key()]["chat-1"]; got != 0 {
		t.Errorf("anchor = %d, want 0", got)
	}
	if len(notifier.sends) != 1 || len(notifier.replies) != 1 {
		t.Errorf("sends=%d replies=%d, want exactly one of each", len(notifier.sends), len(notifier.replies))
	}
	if notifier.replies[0].ReplyTo != notifier.nextID-1 {
		t.Errorf("ended reply anchored to %d, want the started message id %d", notifier.replies[0].ReplyTo, notifier.nextID-1)
	}
}

func TestStatusReportsTrackedCounts(t *testing.T) {
	led := newMemLedger()
	led.add(spaceCreator, "", "chat-1", 0)
	adapter := &fakeAdapter{}
	w := newTestWatcher(t, adapter, led, &fakeNotifier{})

	w.tick(context.Background())

	st := w.Status()
	if st.LastTick.IsZero() {
		t.Error("last tick not recorded")
	}
	if got := st.Tracked["Twitter Space"]; got != 1 {
		t.Errorf("tracked count = %d, want 1", got)
	}
}
