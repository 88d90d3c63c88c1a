package broker

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pithecene-io/mrci/types"
)

func newBridge(t *testing.T, mr *miniredis.Miniredis, node string, bus *Bus) *RedisBridge {
	t.Helper()
	br, err := NewRedisBridge(RedisConfig{URL: "redis://" + mr.Addr(), NodeID: node}, bus, nil)
	require.NoError(t, err)
	require.NoError(t, br.Start(context.Background()))
	t.Cleanup(func() { _ = br.Close() })
	return br
}

func TestNewRedisBridge_Validation(t *testing.T) {
	bus := NewBus()
	_, err := NewRedisBridge(RedisConfig{NodeID: "a"}, bus, nil)
	assert.Error(t, err)
	_, err = NewRedisBridge(RedisConfig{URL: "redis://localhost:6379"}, bus, nil)
	assert.Error(t, err)
	_, err = NewRedisBridge(RedisConfig{URL: "://bad", NodeID: "a"}, bus, nil)
	assert.Error(t, err)

	br, err := NewRedisBridge(RedisConfig{URL: "redis://localhost:6379", NodeID: "a"}, bus, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultChannel, br.config.Channel)
	assert.Equal(t, DefaultTimeout, br.config.Timeout)
	_ = br.client.Close()
}

func TestRedisBridge_CrossNodeDelivery(t *testing.T) {
	mr := miniredis.RunT(t)

	busA, busB := NewBus(), NewBus()
	newBridge(t, mr, "node-a", busA)
	newBridge(t, mr, "node-b", busB)

	local := &recorder{}
	remote := &recorder{}
	busA.Subscribe(sessionID(2), local)
	busB.Subscribe(sessionID(3), remote)

	busA.Publish(Event{Kind: types.AsyncCast, Source: sessionID(1), Payload: []byte("hello")})

	assert.Eventually(t, func() bool { return remote.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, local.count())

	remote.mu.Lock()
	got := remote.events[0]
	remote.mu.Unlock()
	assert.Equal(t, types.AsyncCast, got.Kind)
	assert.Equal(t, sessionID(1), got.Source)
	assert.Equal(t, "hello", string(got.Payload))

	// A node never re-delivers its own events.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, local.count())
}

func TestRedisBridge_CloseStopsMirroring(t *testing.T) {
	mr := miniredis.RunT(t)
	bus := NewBus()
	br, err := NewRedisBridge(RedisConfig{URL: "redis://" + mr.Addr(), NodeID: "a"}, bus, nil)
	require.NoError(t, err)
	require.NoError(t, br.Start(context.Background()))
	require.NoError(t, br.Close())

	bus.Publish(Event{Kind: types.AsyncCast})
	bus.mu.RLock()
	defer bus.mu.RUnlock()
	assert.Nil(t, bus.mirror)
}
