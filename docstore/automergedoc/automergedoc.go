// Package automergedoc implements docstore.Engine on top of the automerge
// CRDT library. Deltas are automerge incremental saves; snapshots are full
// saves. Document text lives in a single automerge Text value under the
// "content" key so concurrent edits merge at character granularity.
package automergedoc

import (
	"fmt"
	"sync"

	"github.com/automerge/automerge-go"

	"github.com/RichardCYang/DWRNote/docstore"
)

const contentKey = "content"

// Engine is the automerge-backed docstore.Engine.
type Engine struct{}

// New returns the automerge engine.
func New() Engine { return Engine{} }

func (Engine) New(seedContent string) (docstore.State, error) {
	doc := automerge.New()
	if err := doc.Path(contentKey).Set(automerge.NewText(seedContent)); err != nil {
		return nil, fmt.Errorf("seed content: %w", err)
	}
	// Flush the incremental cursor so the first local delta does not
	// re-carry the seed.
	doc.SaveIncremental()
	return &state{doc: doc, observers: map[int]func(docstore.Update){}}, nil
}

func (Engine) Load(snapshot []byte) (docstore.State, error) {
	doc, err := automerge.Load(snapshot)
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	doc.SaveIncremental()
	return &state{doc: doc, observers: map[int]func(docstore.Update){}}, nil
}

type state struct {
	mu        sync.Mutex
	doc       *automerge.Doc
	observers map[int]func(docstore.Update)
	nextObs   int
}

func (s *state) ApplyDelta(payload []byte, origin string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.doc.LoadIncremental(payload); err != nil {
		return fmt.Errorf("%w: %v", docstore.ErrMalformedDelta, err)
	}
	u := docstore.Update{Payload: payload, Origin: origin}
	for _, fn := range s.observers {
		fn(u)
	}
	return nil
}

func (s *state) Snapshot() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.Save()
}

func (s *state) Content() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.contentLocked()
}

func (s *state) contentLocked() (string, error) {
	v, err := s.doc.Path(contentKey).Get()
	if err != nil {
		return "", fmt.Errorf("read content: %w", err)
	}
	if v.Kind() != automerge.KindText {
		return "", fmt.Errorf("content is %v, want text", v.Kind())
	}
	return v.Text().Get()
}

func (s *state) ReplaceContent(content string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, err := s.contentLocked()
	if err != nil {
		return nil, err
	}
	if old == content {
		return nil, nil
	}

	v, err := s.doc.Path(contentKey).Get()
	if err != nil {
		return nil, fmt.Errorf("read content: %w", err)
	}
	text := v.Text()

	// Splice only the changed middle so concurrent edits outside it
	// survive the merge.
	or, nr := []rune(old), []rune(content)
	prefix := 0
	for prefix < len(or) && prefix < len(nr) && or[prefix] == nr[prefix] {
		prefix++
	}
	suffix := 0
	for suffix < len(or)-prefix && suffix < len(nr)-prefix && or[len(or)-1-suffix] == nr[len(nr)-1-suffix] {
		suffix++
	}
	if del := len(or) - prefix - suffix; del > 0 {
		if err := text.Delete(prefix, del); err != nil {
			return nil, fmt.Errorf("splice delete: %w", err)
		}
	}
	if ins := string(nr[prefix : len(nr)-suffix]); ins != "" {
		if err := text.Insert(prefix, ins); err != nil {
			return nil, fmt.Errorf("splice insert: %w", err)
		}
	}
	if _, err := s.doc.Commit("edit"); err != nil {
		return nil, fmt.Errorf("commit edit: %w", err)
	}
	return s.doc.SaveIncremental(), nil
}

func (s *state) Observe(fn func(docstore.Update)) func() {
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

var (
	_ docstore.Engine = Engine{}
	_ docstore.State  = (*state)(nil)
)
