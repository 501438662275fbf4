package events

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNopPublisher(t *testing.T) {
	var p Publisher = NopPublisher{}
	assert.NoError(t, p.Publish(context.Background(), FirewallEvent{Type: TypeJail}))
	assert.NoError(t, p.Close())
}

func TestRedisPublisher_UnreachableServer(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	p := NewRedisPublisherWithClient(client, "edgeward:firewall")
	defer p.Close()

	err := p.Publish(context.Background(), FirewallEvent{Type: TypeRelease, IP: "203.0.113.5"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "publish edgeward:firewall")
}

func TestNewRedisPublisher_PingFails(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := NewRedisPublisher(ctx, "127.0.0.1:1", "", 0, "edgeward:firewall")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connect redis")
}
