// Package channeltest provides a conformance suite for metadata.Channel
// implementations.
package channeltest

import (
	"context"
	"testing"
	"time"

	"github.com/RichardCYang/DWRNote/metadata"
)

// ChannelFactory creates a fresh channel instance for a subtest.
type ChannelFactory func(t *testing.T) metadata.Channel

// RunChannelTests runs the complete channel test suite against the
// provided factory.
func RunChannelTests(t *testing.T, factory ChannelFactory) {
	t.Run("PublishReachesSubscriber", func(t *testing.T) { testPublishReachesSubscriber(t, factory) })
	t.Run("CollectionIsolation", func(t *testing.T) { testCollectionIsolation(t, factory) })
	t.Run("MultipleSubscribers", func(t *testing.T) { testMultipleSubscribers(t, factory) })
	t.Run("PublishWithoutSubscribersDoesNotFail", func(t *testing.T) { testPublishWithoutSubscribers(t, factory) })
	t.Run("NextHonorsContext", func(t *testing.T) { testNextHonorsContext(t, factory) })
}

func recvOne(t *testing.T, st metadata.Stream) metadata.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ev, err := st.Next(ctx)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	return ev
}

func testPublishReachesSubscriber(t *testing.T, factory ChannelFactory) {
	ch := factory(t)
	ctx := context.Background()

	st, err := ch.Subscribe(ctx, "c1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer st.Close()

	want := metadata.Event{
		Kind:         metadata.KindChange,
		CollectionID: "c1",
		PageID:       "p1",
		Field:        "title",
		Value:        "New Title",
		Timestamp:    time.Now().UTC().Truncate(time.Millisecond),
	}
	if err := ch.Publish(ctx, want); err != nil {
		t.Fatalf("publish: %v", err)
	}

	got := recvOne(t, st)
	if got.Kind != want.Kind || got.PageID != want.PageID || got.Field != want.Field || got.Value != want.Value {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func testCollectionIsolation(t *testing.T, factory ChannelFactory) {
	ch := factory(t)
	ctx := context.Background()

	st1, err := ch.Subscribe(ctx, "c1")
	if err != nil {
		t.Fatalf("subscribe c1: %v", err)
	}
	defer st1.Close()
	st2, err := ch.Subscribe(ctx, "c2")
	if err != nil {
		t.Fatalf("subscribe c2: %v", err)
	}
	defer st2.Close()

	if err := ch.Publish(ctx, metadata.Event{Kind: metadata.KindPageCreated, CollectionID: "c2", PageID: "p9"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	got := recvOne(t, st2)
	if got.PageID != "p9" {
		t.Fatalf("c2 subscriber got %+v", got)
	}

	// c1 must see nothing.
	shortCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	if ev, err := st1.Next(shortCtx); err == nil {
		t.Fatalf("c1 subscriber unexpectedly got %+v", ev)
	}
}

func testMultipleSubscribers(t *testing.T, factory ChannelFactory) {
	ch := factory(t)
	ctx := context.Background()

	var streams []metadata.Stream
	for i := 0; i < 3; i++ {
		st, err := ch.Subscribe(ctx, "c1")
		if err != nil {
			t.Fatalf("subscribe %d: %v", i, err)
		}
		defer st.Close()
		streams = append(streams, st)
	}

	if err := ch.Publish(ctx, metadata.Event{Kind: metadata.KindPageDeleted, CollectionID: "c1", PageID: "p3"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	for i, st := range streams {
		if got := recvOne(t, st); got.PageID != "p3" {
			t.Fatalf("subscriber %d got %+v", i, got)
		}
	}
}

func testPublishWithoutSubscribers(t *testing.T, factory ChannelFactory) {
	ch := factory(t)
	if err := ch.Publish(context.Background(), metadata.Event{Kind: metadata.KindChange, CollectionID: "empty", PageID: "p1", Field: "icon", Value: "🗒"}); err != nil {
		t.Fatalf("publish without subscribers: %v", err)
	}
}

func testNextHonorsContext(t *testing.T, factory ChannelFactory) {
	ch := factory(t)
	st, err := ch.Subscribe(context.Background(), "c1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := st.Next(ctx); err != context.DeadlineExceeded {
		t.Fatalf("next returned %v, want deadline exceeded", err)
	}
}
