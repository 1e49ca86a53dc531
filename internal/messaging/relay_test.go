package messaging

import (
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recurshawn/secret-chat-app/internal/room"
)

type member struct {
	id  string
	mu  sync.Mutex
	got []string
}

func (m *member) ID() string { return m.id }

func (m *member) Send(data []byte) error {
	m.mu.Lock()
	m.got = append(m.got, string(data))
	m.mu.Unlock()
	return nil
}

func (m *member) frames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.got...)
}

// memoryBus delivers published frames synchronously to the current
// subscriber of the room.
type memoryBus struct {
	mu   sync.Mutex
	subs map[string]func([]byte)
	fail error
}

func newMemoryBus() *memoryBus { return &memoryBus{subs: make(map[string]func([]byte))} }

func (b *memoryBus) PublishRoom(key string, data []byte) error {
	b.mu.Lock()
	h := b.subs[key]
	fail := b.fail
	b.mu.Unlock()
	if fail != nil {
		return fail
	}
	if h != nil {
		h(data)
	}
	return nil
}

func (b *memoryBus) SubscribeRoom(key string, handler func([]byte)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[key] = handler
	return nil
}

func (b *memoryBus) UnsubscribeRoom(key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[key]; !ok {
		return errors.New("not subscribed")
	}
	delete(b.subs, key)
	return nil
}

func (b *memoryBus) subscribed(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.subs[key]
	return ok
}

func TestRoomSubject(t *testing.T) {
	for _, key := range []string{"vault-7", "a.b", "room *", ">", "ünïcødé"} {
		subject := RoomSubject(key)
		require.True(t, strings.HasPrefix(subject, SubjectRoom+"."), subject)

		token := strings.TrimPrefix(subject, SubjectRoom+".")
		assert.NotContains(t, token, ".", key)
		assert.NotContains(t, token, "*", key)
		assert.NotContains(t, token, ">", key)
		assert.NotContains(t, token, " ", key)
	}
	assert.NotEqual(t, RoomSubject("a"), RoomSubject("b"))
}

func TestLocalRelay(t *testing.T) {
	reg := room.NewRegistry()
	a := &member{id: "a"}
	b := &member{id: "b"}
	reg.Join(a, "vault-7")
	reg.Join(b, "vault-7")

	relay := NewLocalRelay(reg)
	require.NoError(t, relay.Publish("vault-7", []byte("one")))
	require.NoError(t, relay.Publish("vault-7", []byte("two")))
	require.NoError(t, relay.Publish("empty", []byte("ignored")))

	assert.Equal(t, []string{"one", "two"}, a.frames())
	assert.Equal(t, []string{"one", "two"}, b.frames())
}

func TestNATSRelay_FollowsRoomLifecycle(t *testing.T) {
	bus := newMemoryBus()
	reg := room.NewRegistry()
	relay := NewNATSRelay(bus, reg)
	reg.SetObserver(relay)

	a := &member{id: "a"}
	reg.Join(a, "vault-7")
	assert.True(t, bus.subscribed("vault-7"))

	require.NoError(t, relay.Publish("vault-7", []byte("hello")))
	assert.Equal(t, []string{"hello"}, a.frames())

	reg.Leave("a")
	assert.False(t, bus.subscribed("vault-7"))

	require.NoError(t, relay.Publish("vault-7", []byte("lost")))
	assert.Equal(t, []string{"hello"}, a.frames())
}

func TestNATSRelay_PublishError(t *testing.T) {
	bus := newMemoryBus()
	bus.fail = errors.New("nats: connection closed")
	relay := NewNATSRelay(bus, room.NewRegistry())

	assert.Error(t, relay.Publish("vault-7", []byte("x")))
}

// Two nodes sharing a real NATS server deliver one room's frames to members
// on both nodes in the same order.
func TestNATSRelay_TwoNodes(t *testing.T) {
	url := os.Getenv("NATS_URL")
	if url == "" {
		url = DefaultNATSConfig().URL
	}
	cfg := DefaultNATSConfig()
	cfg.URL = url
	cfg.MaxReconnects = 0

	clientA, err := NewNATSClient(cfg)
	if err != nil {
		t.Skipf("nats not available: %v", err)
	}
	defer clientA.Close()
	clientB, err := NewNATSClient(cfg)
	require.NoError(t, err)
	defer clientB.Close()

	key := "relay-test-" + time.Now().Format("150405.000000")

	regA, regB := room.NewRegistry(), room.NewRegistry()
	relayA, relayB := NewNATSRelay(clientA, regA), NewNATSRelay(clientB, regB)
	regA.SetObserver(relayA)
	regB.SetObserver(relayB)

	onA := &member{id: "a"}
	onB := &member{id: "b"}
	regA.Join(onA, key)
	regB.Join(onB, key)
	require.NoError(t, clientA.Flush())
	require.NoError(t, clientB.Flush())

	want := []string{"1", "2", "3", "4", "5"}
	for i, f := range want {
		relay := Relay(relayA)
		if i%2 == 1 {
			relay = relayB
		}
		require.NoError(t, relay.Publish(key, []byte(f)))
		// Frames from different connections are only ordered once the
		// server has seen them.
		require.NoError(t, clientA.Flush())
		require.NoError(t, clientB.Flush())
	}

	require.Eventually(t, func() bool {
		return len(onA.frames()) == len(want) && len(onB.frames()) == len(want)
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, want, onA.frames())
	assert.Equal(t, want, onB.frames())
}
