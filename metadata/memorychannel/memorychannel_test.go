package memorychannel_test

import (
	"context"
	"testing"

	"github.com/RichardCYang/DWRNote/metadata"
	"github.com/RichardCYang/DWRNote/metadata/channeltest"
	"github.com/RichardCYang/DWRNote/metadata/memorychannel"
)

func TestChannelConformance(t *testing.T) {
	channeltest.RunChannelTests(t, func(t *testing.T) metadata.Channel {
		return memorychannel.New()
	})
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	ch := memorychannel.New(memorychannel.WithBufferSize(1))
	ctx := context.Background()

	st, err := ch.Subscribe(ctx, "c1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer st.Close()

	// Never drained; publishes past the buffer must not block.
	for i := 0; i < 10; i++ {
		if err := ch.Publish(ctx, metadata.Event{Kind: metadata.KindChange, CollectionID: "c1", PageID: "p1"}); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	ch := memorychannel.New()
	st, err := ch.Subscribe(context.Background(), "c1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	// Publishing after close must not panic on the closed channel.
	if err := ch.Publish(context.Background(), metadata.Event{Kind: metadata.KindChange, CollectionID: "c1"}); err != nil {
		t.Fatalf("publish after close: %v", err)
	}
}
