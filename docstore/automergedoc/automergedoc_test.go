package automergedoc_test

import (
	"testing"

	"github.com/RichardCYang/DWRNote/docstore"
	"github.com/RichardCYang/DWRNote/docstore/automergedoc"
	"github.com/RichardCYang/DWRNote/docstore/docstoretest"
)

func TestEngineConformance(t *testing.T) {
	docstoretest.RunEngineTests(t, func(t *testing.T) docstore.Engine {
		return automergedoc.New()
	})
}

func TestReplaceContentNoChangeProducesNoDelta(t *testing.T) {
	eng := automergedoc.New()
	st, err := eng.New("unchanged")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	delta, err := st.ReplaceContent("unchanged")
	if err != nil {
		t.Fatalf("replace: %v", err)
	}
	if len(delta) != 0 {
		t.Fatalf("expected empty delta for identical content, got %d bytes", len(delta))
	}
}

func TestDeltaAppliesToLateJoiner(t *testing.T) {
	eng := automergedoc.New()

	server, err := eng.New("hello")
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	client, err := eng.Load(server.Snapshot())
	if err != nil {
		t.Fatalf("load client: %v", err)
	}

	delta, err := client.ReplaceContent("hello world")
	if err != nil {
		t.Fatalf("edit client: %v", err)
	}
	if err := server.ApplyDelta(delta, "c1"); err != nil {
		t.Fatalf("apply on server: %v", err)
	}

	got, err := server.Content()
	if err != nil {
		t.Fatalf("content: %v", err)
	}
	if got != "hello world" {
		t.Fatalf("server content = %q, want %q", got, "hello world")
	}

	// A second late joiner seeds from the merged snapshot.
	late, err := eng.Load(server.Snapshot())
	if err != nil {
		t.Fatalf("load late joiner: %v", err)
	}
	got, err = late.Content()
	if err != nil {
		t.Fatalf("late content: %v", err)
	}
	if got != "hello world" {
		t.Fatalf("late joiner content = %q, want %q", got, "hello world")
	}
}

func TestMultiByteContent(t *testing.T) {
	eng := automergedoc.New()
	st, err := eng.New("héllo wörld")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := st.ReplaceContent("héllo wörld 🌍"); err != nil {
		t.Fatalf("replace: %v", err)
	}
	got, err := st.Content()
	if err != nil {
		t.Fatalf("content: %v", err)
	}
	if got != "héllo wörld 🌍" {
		t.Fatalf("content = %q", got)
	}
}
