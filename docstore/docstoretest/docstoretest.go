// Package docstoretest provides a deterministic fake replicated-state
// engine plus a conformance suite any docstore.Engine implementation can
// run. The fake merges by set union of added lines, which is commutative
// and idempotent, so convergence properties hold without pulling the
// real CRDT library into dependent tests.
package docstoretest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/RichardCYang/DWRNote/docstore"
)

// FakeEngine implements docstore.Engine with set-union merge semantics.
// A delta is a JSON object {"add": "<line>"}; a snapshot is {"elems":
// [...]}. Content renders as the sorted lines joined by newlines.
type FakeEngine struct{}

func (FakeEngine) New(seedContent string) (docstore.State, error) {
	st := newFakeState()
	if seedContent != "" {
		st.elems[seedContent] = struct{}{}
	}
	return st, nil
}

func (FakeEngine) Load(snapshot []byte) (docstore.State, error) {
	var enc fakeSnapshot
	if err := json.Unmarshal(snapshot, &enc); err != nil {
		return nil, fmt.Errorf("load fake snapshot: %w", err)
	}
	st := newFakeState()
	for _, e := range enc.Elems {
		st.elems[e] = struct{}{}
	}
	return st, nil
}

type fakeSnapshot struct {
	Elems []string `json:"elems"`
}

type fakeDelta struct {
	Add string `json:"add"`
}

// FakeState is the state produced by FakeEngine. The zero value is not
// usable; states come from the engine.
type FakeState struct {
	mu        sync.Mutex
	elems     map[string]struct{}
	observers map[int]func(docstore.Update)
	nextObs   int
}

func newFakeState() *FakeState {
	return &FakeState{elems: map[string]struct{}{}, observers: map[int]func(docstore.Update){}}
}

func (s *FakeState) ApplyDelta(payload []byte, origin string) error {
	var d fakeDelta
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&d); err != nil || d.Add == "" {
		return fmt.Errorf("%w: not a fake delta", docstore.ErrMalformedDelta)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.elems[d.Add] = struct{}{}
	u := docstore.Update{Payload: payload, Origin: origin}
	for _, fn := range s.observers {
		fn(u)
	}
	return nil
}

func (s *FakeState) Snapshot() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, _ := json.Marshal(fakeSnapshot{Elems: s.sortedLocked()})
	return b
}

func (s *FakeState) Content() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return strings.Join(s.sortedLocked(), "\n"), nil
}

func (s *FakeState) ReplaceContent(content string) ([]byte, error) {
	if content == "" {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.elems[content] = struct{}{}
	b, _ := json.Marshal(fakeDelta{Add: content})
	return b, nil
}

func (s *FakeState) Observe(fn func(docstore.Update)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextObs
	s.nextObs++
	s.observers[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.observers, id)
	}
}

func (s *FakeState) sortedLocked() []string {
	out := make([]string, 0, len(s.elems))
	for e := range s.elems {
		out = append(out, e)
	}
	sort.Strings(out)
	return out
}

// Delta builds a well-formed fake delta payload.
func Delta(line string) []byte {
	b, _ := json.Marshal(fakeDelta{Add: line})
	return b
}

var (
	_ docstore.Engine = FakeEngine{}
	_ docstore.State  = (*FakeState)(nil)
)

// EngineFactory creates a fresh engine for a conformance subtest.
type EngineFactory func(t *testing.T) docstore.Engine

// DeltaFactory produces a valid delta for the engine under test: it
// applies an edit to a scratch state seeded with seed and returns the
// resulting delta payload.
func DeltaFactory(t *testing.T, eng docstore.Engine, seed, newContent string) []byte {
	t.Helper()
	st, err := eng.New(seed)
	if err != nil {
		t.Fatalf("seed scratch state: %v", err)
	}
	delta, err := st.ReplaceContent(newContent)
	if err != nil {
		t.Fatalf("produce delta: %v", err)
	}
	if delta == nil {
		t.Fatalf("expected non-empty delta for %q -> %q", seed, newContent)
	}
	return delta
}

// RunEngineTests exercises the docstore.Engine contract.
func RunEngineTests(t *testing.T, factory EngineFactory) {
	t.Run("SeedAndContent", func(t *testing.T) { testSeedAndContent(t, factory) })
	t.Run("SnapshotRoundTrip", func(t *testing.T) { testSnapshotRoundTrip(t, factory) })
	t.Run("MalformedDeltaIsNoop", func(t *testing.T) { testMalformedDelta(t, factory) })
	t.Run("ObserverFiresOnMergeOnly", func(t *testing.T) { testObserver(t, factory) })
	t.Run("ConcurrentEditsConverge", func(t *testing.T) { testConvergence(t, factory) })
}

func testSeedAndContent(t *testing.T, factory EngineFactory) {
	eng := factory(t)
	st, err := eng.New("hello")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	got, err := st.Content()
	if err != nil {
		t.Fatalf("content: %v", err)
	}
	if got != "hello" {
		t.Fatalf("content = %q, want %q", got, "hello")
	}
}

func testSnapshotRoundTrip(t *testing.T, factory EngineFactory) {
	eng := factory(t)
	st, err := eng.New("hello")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := st.ReplaceContent("hello world"); err != nil {
		t.Fatalf("replace: %v", err)
	}
	st2, err := eng.Load(st.Snapshot())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	want, _ := st.Content()
	got, err := st2.Content()
	if err != nil {
		t.Fatalf("content: %v", err)
	}
	if got != want {
		t.Fatalf("late joiner content = %q, want %q", got, want)
	}
}

func testMalformedDelta(t *testing.T, factory EngineFactory) {
	eng := factory(t)
	st, err := eng.New("hello")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	before := st.Snapshot()
	if err := st.ApplyDelta([]byte("\x00garbage"), "c1"); err == nil {
		t.Fatalf("expected error for malformed delta")
	}
	if got := st.Snapshot(); !bytes.Equal(got, before) {
		t.Fatalf("state changed by malformed delta")
	}
}

func testObserver(t *testing.T, factory EngineFactory) {
	eng := factory(t)
	st, err := eng.New("hello")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	var seen []docstore.Update
	remove := st.Observe(func(u docstore.Update) { seen = append(seen, u) })

	if _, err := st.ReplaceContent("hello local"); err != nil {
		t.Fatalf("replace: %v", err)
	}
	if len(seen) != 0 {
		t.Fatalf("observer fired on local edit")
	}

	delta := DeltaFactory(t, eng, "hello", "hello remote")
	if err := st.ApplyDelta(delta, "c9"); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(seen) != 1 || seen[0].Origin != "c9" {
		t.Fatalf("observer saw %v, want one update from c9", seen)
	}

	remove()
	if err := st.ApplyDelta(DeltaFactory(t, eng, "hello", "hello again"), "c9"); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(seen) != 1 {
		t.Fatalf("observer fired after removal")
	}
}

func testConvergence(t *testing.T, factory EngineFactory) {
	eng := factory(t)
	a, err := eng.New("base")
	if err != nil {
		t.Fatalf("new a: %v", err)
	}
	b, err := eng.Load(a.Snapshot())
	if err != nil {
		t.Fatalf("load b: %v", err)
	}

	da, err := a.ReplaceContent("base plus a")
	if err != nil {
		t.Fatalf("edit a: %v", err)
	}
	db, err := b.ReplaceContent("base plus b")
	if err != nil {
		t.Fatalf("edit b: %v", err)
	}

	// Cross-apply in opposite orders; both replicas must converge.
	if err := a.ApplyDelta(db, "b"); err != nil {
		t.Fatalf("apply db to a: %v", err)
	}
	if err := b.ApplyDelta(da, "a"); err != nil {
		t.Fatalf("apply da to b: %v", err)
	}

	ca, err := a.Content()
	if err != nil {
		t.Fatalf("content a: %v", err)
	}
	cb, err := b.Content()
	if err != nil {
		t.Fatalf("content b: %v", err)
	}
	if ca != cb {
		t.Fatalf("replicas diverged: %q vs %q", ca, cb)
	}
}
