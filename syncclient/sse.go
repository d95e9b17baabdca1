package syncclient

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
)

// sseStream parses a text/event-stream body into Events. A dedicated
// reader goroutine feeds a channel so Next can honor its context even
// while the underlying read blocks.
type sseStream struct {
	body   io.ReadCloser
	events chan Event
	errc   chan error
	done   chan struct{}

	closeOnce sync.Once
}

func newSSEStream(body io.ReadCloser) *sseStream {
	s := &sseStream{
		body:   body,
		events: make(chan Event),
		errc:   make(chan error, 1),
		done:   make(chan struct{}),
	}
	go s.readLoop()
	return s
}

func (s *sseStream) readLoop() {
	var (
		name string
		data [][]byte
	)
	scanner := bufio.NewScanner(s.body)
	scanner.Buffer(make([]byte, 0, 4096), 4<<20)

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if name != "" || len(data) > 0 {
				ev := Event{Name: name, Data: bytes.Join(data, []byte("\n"))}
				if ev.Name == "" {
					ev.Name = "message"
				}
				select {
				case s.events <- ev:
				case <-s.done:
					return
				}
			}
			name = ""
			data = nil
		case strings.HasPrefix(line, ":"):
			// Comment; keep-alives arrive this way.
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimPrefix(strings.TrimPrefix(line, "event:"), " ")
		case strings.HasPrefix(line, "data:"):
			data = append(data, []byte(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " ")))
		default:
			// id: and retry: fields are not used by this protocol.
		}
	}
	if err := scanner.Err(); err != nil {
		s.errc <- fmt.Errorf("read stream: %w", err)
	} else {
		s.errc <- io.EOF
	}
	close(s.events)
}

func (s *sseStream) Next(ctx context.Context) (Event, error) {
	select {
	case ev, ok := <-s.events:
		if !ok {
			return Event{}, <-s.errc
		}
		return ev, nil
	case <-s.done:
		return Event{}, io.EOF
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

func (s *sseStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.body.Close()
	})
	return err
}

var _ EventStream = (*sseStream)(nil)
