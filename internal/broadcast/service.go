// Package broadcast implements the server half of the broadcast channel:
// join-room adds a connection to a room and send-message relays the payload
// to every member of the room, the sender included. Presence tracking and
// the activity ledger are optional and only touched when configured.
package broadcast

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/recurshawn/secret-chat-app/internal/ledger"
	"github.com/recurshawn/secret-chat-app/internal/messaging"
	"github.com/recurshawn/secret-chat-app/internal/metrics"
	"github.com/recurshawn/secret-chat-app/internal/protocol"
	"github.com/recurshawn/secret-chat-app/internal/room"
	"github.com/recurshawn/secret-chat-app/internal/ws"
)

// storeTimeout bounds each presence or ledger call.
const storeTimeout = 3 * time.Second

// Presence records which rooms connections have joined across the cluster.
type Presence interface {
	Track(ctx context.Context, connID string) error
	Joined(ctx context.Context, connID, room string) error
	Touch(ctx context.Context, connID string) error
	RoomSize(ctx context.Context, room string) (int64, error)
	Delete(ctx context.Context, connID string) error
}

// Ledger counts joins and messages per room. It never sees message content.
type Ledger interface {
	RecordJoin(ctx context.Context, room string) error
	RecordMessage(ctx context.Context, room string) error
	Get(ctx context.Context, room string) (*ledger.Activity, error)
}

// Service handles room events for one server node.
type Service struct {
	rooms    *room.Registry
	relay    messaging.Relay
	presence Presence
	ledger   Ledger
}

// NewService returns a Service that tracks membership in rooms and fans out
// through relay.
func NewService(rooms *room.Registry, relay messaging.Relay) *Service {
	return &Service{rooms: rooms, relay: relay}
}

// SetPresence enables cluster presence tracking.
func (s *Service) SetPresence(p Presence) { s.presence = p }

// SetLedger enables room activity accounting.
func (s *Service) SetLedger(l Ledger) { s.ledger = l }

// Register installs the join-room and send-message handlers.
func (s *Service) Register(d *ws.MessageDispatcher) {
	d.Register(protocol.TypeJoinRoom, func(conn *ws.Connection, msg any) {
		join, ok := msg.(protocol.JoinRoomMsg)
		if !ok {
			return
		}
		s.Join(conn, join.Room)
	})
	d.Register(protocol.TypeSendMessage, func(conn *ws.Connection, msg any) {
		payload, ok := msg.(protocol.MessagePayload)
		if !ok {
			return
		}
		s.Send(conn, payload)
	})
}

// HandleConnect records a new connection in presence.
func (s *Service) HandleConnect(conn *ws.Connection) {
	if s.presence == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := s.presence.Track(ctx, conn.ID()); err != nil {
		log.Warn().Str("module", "broadcast").Str("conn", conn.ID()).Err(err).Msg("presence track failed")
	}
}

// Join adds m to the room. Joining a room twice changes nothing.
func (s *Service) Join(m room.Member, key string) {
	if !s.rooms.Join(m, key) {
		return
	}
	metrics.JoinsTotal.Inc()
	metrics.RoomsActive.Set(float64(len(s.rooms.Rooms())))
	log.Info().Str("module", "broadcast").Str("conn", m.ID()).Str("room", key).Msg("joined room")

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if s.presence != nil {
		if err := s.presence.Joined(ctx, m.ID(), key); err != nil {
			log.Warn().Str("module", "broadcast").Str("room", key).Err(err).Msg("presence join failed")
		}
	}
	if s.ledger != nil {
		if err := s.ledger.RecordJoin(ctx, key); err != nil {
			log.Warn().Str("module", "broadcast").Str("room", key).Err(err).Msg("ledger join failed")
		}
	}
}

// Send relays p to every member of p.Room. The sender does not need to be a
// member. Messages that fail validation are answered with an error event and
// go nowhere.
func (s *Service) Send(from ws.Sender, p protocol.MessagePayload) {
	if err := p.Message.Validate(); err != nil {
		metrics.MessagesTotal.WithLabelValues(metrics.OutcomeRejected).Inc()
		log.Debug().Str("module", "broadcast").Str("conn", from.ID()).Err(err).Msg("rejected message")
		ws.SendError(from, protocol.CodeInvalidMessage, err.Error())
		return
	}

	frame, err := protocol.NewMessage(protocol.TypeReceiveMessage, p)
	if err != nil {
		metrics.MessagesTotal.WithLabelValues(metrics.OutcomeDropped).Inc()
		log.Error().Str("module", "broadcast").Str("room", p.Room).Err(err).Msg("encode message")
		return
	}
	if err := s.relay.Publish(p.Room, frame); err != nil {
		metrics.MessagesTotal.WithLabelValues(metrics.OutcomeDropped).Inc()
		log.Error().Str("module", "broadcast").Str("room", p.Room).Err(err).Msg("relay message")
		return
	}
	metrics.MessagesTotal.WithLabelValues(metrics.OutcomeRelayed).Inc()

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	s.touch(ctx, from.ID())
	if s.ledger != nil {
		if err := s.ledger.RecordMessage(ctx, p.Room); err != nil {
			log.Warn().Str("module", "broadcast").Str("room", p.Room).Err(err).Msg("ledger message failed")
		}
	}
}

// HandleHeartbeat keeps a live connection's presence from expiring.
func (s *Service) HandleHeartbeat(conn *ws.Connection) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	s.touch(ctx, conn.ID())
}

func (s *Service) touch(ctx context.Context, id string) {
	if s.presence == nil {
		return
	}
	if err := s.presence.Touch(ctx, id); err != nil {
		log.Warn().Str("module", "broadcast").Str("conn", id).Err(err).Msg("presence touch failed")
	}
}

// HandleDisconnect removes a closed connection from every room it joined.
func (s *Service) HandleDisconnect(id string) {
	left := s.rooms.Leave(id)
	if len(left) > 0 {
		metrics.RoomsActive.Set(float64(len(s.rooms.Rooms())))
		log.Info().Str("module", "broadcast").Str("conn", id).Strs("rooms", left).Msg("left rooms")
	}

	if s.presence == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := s.presence.Delete(ctx, id); err != nil {
		log.Warn().Str("module", "broadcast").Str("conn", id).Err(err).Msg("presence delete failed")
	}
}
