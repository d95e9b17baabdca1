package redischannel_test

import (
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/RichardCYang/DWRNote/metadata"
	"github.com/RichardCYang/DWRNote/metadata/channeltest"
	"github.com/RichardCYang/DWRNote/metadata/redischannel"
)

func TestChannelConformance(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	channeltest.RunChannelTests(t, func(t *testing.T) metadata.Channel {
		client := redis.NewClient(&redis.Options{Addr: addr})
		t.Cleanup(func() { client.Close() })
		// Unique prefix per subtest so runs do not observe each other.
		return redischannel.New(redischannel.Config{
			Client:    client,
			KeyPrefix: "dwrnote:test:" + uuid.NewString() + ":",
		})
	})
}
