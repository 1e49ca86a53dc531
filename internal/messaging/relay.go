package messaging

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/recurshawn/secret-chat-app/internal/metrics"
	"github.com/recurshawn/secret-chat-app/internal/room"
)

// Relay hands an encoded receive-message frame to every member of a room,
// wherever those members are connected.
type Relay interface {
	Publish(key string, frame []byte) error
}

// Broadcaster delivers a frame to the members of a room held by this node.
// *room.Registry satisfies it.
type Broadcaster interface {
	Broadcast(key string, data []byte) room.Result
}

// RoomBus is the per-room pub/sub transport used by NATSRelay. *NATSClient
// satisfies it.
type RoomBus interface {
	PublishRoom(key string, data []byte) error
	SubscribeRoom(key string, handler func(data []byte)) error
	UnsubscribeRoom(key string) error
}

// LocalRelay delivers frames straight to the local registry. It is used when
// the server runs as a single node.
type LocalRelay struct {
	rooms Broadcaster
}

// NewLocalRelay returns a relay that broadcasts through rooms.
func NewLocalRelay(rooms Broadcaster) *LocalRelay {
	return &LocalRelay{rooms: rooms}
}

// Publish broadcasts frame to the room synchronously.
func (r *LocalRelay) Publish(key string, frame []byte) error {
	deliver(r.rooms, key, frame)
	return nil
}

// NATSRelay publishes frames to the room's NATS subject and delivers frames
// arriving on that subject to local members. Every node, including the
// publishing one, receives a room's frames from the same subject, so members
// on different nodes see one order.
//
// NATSRelay is also a room.Observer: a node subscribes to a room's subject
// while it has at least one local member in that room.
type NATSRelay struct {
	bus   RoomBus
	rooms Broadcaster
}

// NewNATSRelay returns a relay that fans frames out over bus and delivers
// them through rooms.
func NewNATSRelay(bus RoomBus, rooms Broadcaster) *NATSRelay {
	return &NATSRelay{bus: bus, rooms: rooms}
}

// Publish sends frame to the room subject. Local delivery happens when the
// frame comes back from NATS.
func (r *NATSRelay) Publish(key string, frame []byte) error {
	return r.bus.PublishRoom(key, frame)
}

// RoomOpened subscribes this node to the room.
func (r *NATSRelay) RoomOpened(key string) {
	if err := r.bus.SubscribeRoom(key, func(data []byte) {
		deliver(r.rooms, key, data)
	}); err != nil {
		log.Error().Str("module", "relay").Str("room", key).Err(err).Msg("subscribe room failed")
	}
}

// RoomClosed drops this node's subscription for the room.
func (r *NATSRelay) RoomClosed(key string) {
	if err := r.bus.UnsubscribeRoom(key); err != nil {
		log.Warn().Str("module", "relay").Str("room", key).Err(err).Msg("unsubscribe room failed")
	}
}

func deliver(rooms Broadcaster, key string, frame []byte) {
	start := time.Now()
	res := rooms.Broadcast(key, frame)
	metrics.BroadcastLatency.Observe(time.Since(start).Seconds())
	metrics.BroadcastFanout.Observe(float64(res.Delivered))
	if n := len(res.Dropped); n > 0 {
		metrics.MessagesTotal.WithLabelValues(metrics.OutcomeDropped).Add(float64(n))
	}
}

var (
	_ Relay         = (*LocalRelay)(nil)
	_ Relay         = (*NATSRelay)(nil)
	_ room.Observer = (*NATSRelay)(nil)
	_ RoomBus       = (*NATSClient)(nil)
	_ Broadcaster   = (*room.Registry)(nil)
)
