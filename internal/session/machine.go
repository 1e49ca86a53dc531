// Package session drives a chat client through entering a room, exchanging
// messages in it and leaving it. The machine owns no I/O of its own: it is
// handed a Dialer for the broadcast channel, a history Store and a View, and
// it serializes every transition and incoming event behind a single lock.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/recurshawn/secret-chat-app/internal/chat"
	"github.com/recurshawn/secret-chat-app/internal/history"
	"github.com/recurshawn/secret-chat-app/internal/protocol"
)

// SelfDestructPrompt is shown before a room's local history is wiped.
const SelfDestructPrompt = "WARNING: This will permanently delete local chat history for this room. Proceed?"

var (
	ErrNameRequired  = errors.New("session: display name is required")
	ErrRoomRequired  = errors.New("session: room key is required")
	ErrAlreadyActive = errors.New("session: already in a room")
	ErrNotActive     = errors.New("session: not in a room")
)

// State is the machine's position in the room lifecycle.
type State int

const (
	Unjoined State = iota
	AutoJoining
	Active
)

func (s State) String() string {
	switch s {
	case Unjoined:
		return "unjoined"
	case AutoJoining:
		return "auto-joining"
	case Active:
		return "active"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Channel is an open connection to the broadcast channel.
type Channel interface {
	JoinRoom(room string) error
	SendMessage(p protocol.MessagePayload) error
	Close() error
}

// Hooks are invoked by a Channel's transport. Connected fires after the
// first connect and after every reconnect.
type Hooks struct {
	Connected func(ch Channel)
	Received  func(p protocol.MessagePayload)
}

// Dialer opens a Channel.
type Dialer interface {
	Dial(ctx context.Context, hooks Hooks) (Channel, error)
}

// View renders the active room. Calls are made with the machine's lock
// held, so a View must not call back into the Machine.
type View interface {
	Render(msgs []chat.Message)
	Append(msg chat.Message)
	Reset()
	Notify(text string)
}

// Confirmer asks the user a yes/no question and blocks until answered.
type Confirmer func(prompt string) bool

// Session identifies who is in which room.
type Session struct {
	Name string
	Room string
}

// Machine is the client session state machine.
type Machine struct {
	dialer  Dialer
	history *history.Store
	view    View

	mu    sync.Mutex
	state State
	sess  Session
	ch    Channel
	gen   uint64 // bumped on every entry and teardown; stale hooks compare against it
}

// New returns an Unjoined machine.
func New(dialer Dialer, store *history.Store, view View) *Machine {
	return &Machine{
		dialer:  dialer,
		history: store,
		view:    view,
	}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Session returns the active identity. ok is false unless Active.
func (m *Machine) Session() (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sess, m.state == Active
}

// Join enters room as name. The room's stored history is rendered before
// the channel is dialed.
func (m *Machine) Join(ctx context.Context, name, room string) error {
	return m.enter(ctx, name, room, Unjoined)
}

// JoinFromLink reads the room link at addr. Without a name the link is
// returned with the machine still Unjoined so the caller can ask for one.
// With a name the machine joins, and addr is rewritten to drop the name
// whether or not the join succeeds.
func (m *Machine) JoinFromLink(ctx context.Context, addr Address) (Link, error) {
	current := addr.Current()
	link, err := ParseLink(current)
	if err != nil {
		return Link{}, err
	}
	if strings.TrimSpace(link.Name) == "" {
		return link, nil
	}

	defer addr.Replace(Scrub(current))

	m.mu.Lock()
	if m.state != Unjoined {
		m.mu.Unlock()
		return link, ErrAlreadyActive
	}
	m.state = AutoJoining
	m.mu.Unlock()

	if err := m.enter(ctx, link.Name, link.Room, AutoJoining); err != nil {
		m.mu.Lock()
		if m.state == AutoJoining {
			m.state = Unjoined
		}
		m.mu.Unlock()
		return link, err
	}
	return link, nil
}

// enter moves the machine from the from state to Active.
func (m *Machine) enter(ctx context.Context, name, room string, from State) error {
	if strings.TrimSpace(name) == "" {
		return ErrNameRequired
	}
	if strings.TrimSpace(room) == "" {
		return ErrRoomRequired
	}

	m.mu.Lock()
	if m.state != from {
		state := m.state
		m.mu.Unlock()
		if from == AutoJoining && state == Unjoined {
			// Exited before the link join started.
			return ErrNotActive
		}
		return ErrAlreadyActive
	}
	m.gen++
	gen := m.gen
	m.state = Active
	m.sess = Session{Name: name, Room: room}
	m.view.Render(m.history.Load(room))
	m.mu.Unlock()

	ch, err := m.dialer.Dial(ctx, Hooks{
		Connected: func(c Channel) { m.connected(gen, c) },
		Received:  func(p protocol.MessagePayload) { m.received(gen, p) },
	})

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen != gen {
		// Exited while dialing.
		if ch != nil {
			_ = ch.Close()
		}
		return ErrNotActive
	}
	if err != nil {
		m.gen++
		m.state = Unjoined
		m.sess = Session{}
		m.view.Reset()
		return fmt.Errorf("session: connect: %w", err)
	}
	m.ch = ch
	log.Info().Str("module", "session").Str("room", room).Msg("joined room")
	return nil
}

func (m *Machine) connected(gen uint64, ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen || m.state != Active {
		return
	}
	if err := ch.JoinRoom(m.sess.Room); err != nil {
		log.Warn().Str("module", "session").Str("room", m.sess.Room).Err(err).Msg("failed to join room")
	}
}

func (m *Machine) received(gen uint64, p protocol.MessagePayload) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen || m.state != Active {
		return
	}
	if p.Room != m.sess.Room {
		log.Debug().Str("module", "session").Str("room", p.Room).Msg("ignoring message for another room")
		return
	}
	if err := m.history.Append(m.sess.Room, p.Message); err != nil {
		log.Warn().Str("module", "session").Str("room", m.sess.Room).Err(err).Msg("failed to persist message")
	}
	m.view.Append(p.Message)
}

// Send relays a text message to the room. Blank text is rejected and never
// reaches the channel. The message is not shown locally until the server
// echoes it back.
func (m *Machine) Send(text string) error {
	return m.send(func(sender string) (chat.Message, error) {
		return chat.NewTextMessage(sender, text)
	})
}

// SendImage relays blob as an inline image. Empty or oversized blobs are
// rejected and never reach the channel.
func (m *Machine) SendImage(blob []byte) error {
	return m.send(func(sender string) (chat.Message, error) {
		return chat.NewImageMessage(sender, blob)
	})
}

func (m *Machine) send(build func(sender string) (chat.Message, error)) error {
	m.mu.Lock()
	if m.state != Active || m.ch == nil {
		m.mu.Unlock()
		return ErrNotActive
	}
	sess, ch := m.sess, m.ch

	msg, err := build(sess.Name)
	if err != nil {
		m.view.Notify(notice(err))
		m.mu.Unlock()
		return err
	}
	m.mu.Unlock()

	return ch.SendMessage(protocol.MessagePayload{
		Room:    sess.Room,
		Message: msg,
		Sender:  sess.Name,
	})
}

func notice(err error) string {
	switch {
	case errors.Is(err, chat.ErrPayloadTooLarge):
		return fmt.Sprintf("Image too large: the limit is %d MiB.", chat.MaxImageBytes>>20)
	case errors.Is(err, chat.ErrEmptyImage):
		return "Image is empty."
	case errors.Is(err, chat.ErrEmptyText):
		return "Nothing to send."
	default:
		return "Message rejected: " + err.Error()
	}
}

// SelfDestruct asks confirm before wiping the room's local history. A
// declined prompt changes nothing. When confirmed the history is cleared,
// the view reset and the machine leaves the room.
func (m *Machine) SelfDestruct(confirm Confirmer) (bool, error) {
	m.mu.Lock()
	if m.state != Active {
		m.mu.Unlock()
		return false, ErrNotActive
	}
	gen := m.gen
	m.mu.Unlock()

	if !confirm(SelfDestructPrompt) {
		return false, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen || m.state != Active {
		return false, ErrNotActive
	}
	if err := m.history.Clear(m.sess.Room); err != nil {
		return false, err
	}
	m.view.Reset()
	log.Info().Str("module", "session").Str("room", m.sess.Room).Msg("local history destroyed")
	_ = m.teardown()
	return true, nil
}

// Exit leaves the room. Local history is kept. Exiting while Unjoined is a
// no-op.
func (m *Machine) Exit() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == Unjoined {
		return nil
	}
	return m.teardown()
}

// teardown closes the channel and returns to Unjoined. The caller holds m.mu.
func (m *Machine) teardown() error {
	ch := m.ch
	m.gen++
	m.ch = nil
	m.state = Unjoined
	m.sess = Session{}
	if ch == nil {
		return nil
	}
	return ch.Close()
}

// ShareLink returns the link for the active room without a name, or "" when
// not in a room.
func (m *Machine) ShareLink(base *url.URL) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Active {
		return ""
	}
	return RoomLink(base, m.sess.Room, "").String()
}
