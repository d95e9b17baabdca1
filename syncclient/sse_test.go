package syncclient

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
)

func TestSSEStreamParsesFrames(t *testing.T) {
	body := io.NopCloser(strings.NewReader(
		": ping\n\n" +
			"event: init\n" +
			"data: {\"connectionId\":\"c1\"}\n\n" +
			"event: update\n" +
			"data: line one\n" +
			"data: line two\n\n" +
			"data: no name\n\n"))
	s := newSSEStream(body)
	defer s.Close()
	ctx := context.Background()

	ev, err := s.Next(ctx)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if ev.Name != "init" || string(ev.Data) != `{"connectionId":"c1"}` {
		t.Fatalf("event = %+v", ev)
	}

	ev, err = s.Next(ctx)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if ev.Name != "update" || string(ev.Data) != "line one\nline two" {
		t.Fatalf("multi-line event = %+v", ev)
	}

	ev, err = s.Next(ctx)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if ev.Name != "message" || string(ev.Data) != "no name" {
		t.Fatalf("unnamed event = %+v", ev)
	}

	if _, err := s.Next(ctx); !errors.Is(err, io.EOF) {
		t.Fatalf("err = %v, want EOF", err)
	}
}

func TestSSEStreamNextHonorsContext(t *testing.T) {
	r, _ := io.Pipe()
	s := newSSEStream(r)
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.Next(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestSSEStreamCloseUnblocksReader(t *testing.T) {
	r, w := io.Pipe()
	s := newSSEStream(r)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = s.Next(context.Background())
	}()

	_ = s.Close()
	_ = w.Close()
	<-done
}
