package session

import (
	"bytes"
	"context"
	"errors"
	"net/url"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recurshawn/secret-chat-app/internal/chat"
	"github.com/recurshawn/secret-chat-app/internal/history"
	"github.com/recurshawn/secret-chat-app/internal/protocol"
)

type fakeChannel struct {
	mu     sync.Mutex
	joined []string
	sent   []protocol.MessagePayload
	closed bool
}

func (c *fakeChannel) JoinRoom(room string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.joined = append(c.joined, room)
	return nil
}

func (c *fakeChannel) SendMessage(p protocol.MessagePayload) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, p)
	return nil
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeChannel) Joined() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.joined...)
}

func (c *fakeChannel) Sent() []protocol.MessagePayload {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.MessagePayload(nil), c.sent...)
}

// fakeDialer hands out fakeChannels and fires Connected as soon as a dial
// succeeds.
type fakeDialer struct {
	err   error
	hooks Hooks
	ch    *fakeChannel
	dials int
}

func (d *fakeDialer) Dial(_ context.Context, hooks Hooks) (Channel, error) {
	d.dials++
	if d.err != nil {
		return nil, d.err
	}
	d.hooks = hooks
	d.ch = &fakeChannel{}
	hooks.Connected(d.ch)
	return d.ch, nil
}

type fakeView struct {
	rendered [][]chat.Message
	appended []chat.Message
	notices  []string
	resets   int
}

func (v *fakeView) Render(msgs []chat.Message) { v.rendered = append(v.rendered, msgs) }
func (v *fakeView) Append(msg chat.Message)    { v.appended = append(v.appended, msg) }
func (v *fakeView) Reset()                     { v.resets++ }
func (v *fakeView) Notify(text string)         { v.notices = append(v.notices, text) }

func newMachine(t *testing.T) (*Machine, *fakeDialer, *fakeView, *history.Store) {
	t.Helper()
	d := &fakeDialer{}
	v := &fakeView{}
	store := history.NewStore(history.NewMemoryBackend())
	return New(d, store, v), d, v, store
}

func textMessage(t *testing.T, sender, text string) chat.Message {
	t.Helper()
	msg, err := chat.NewTextMessage(sender, text)
	require.NoError(t, err)
	return msg
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "unjoined", Unjoined.String())
	assert.Equal(t, "auto-joining", AutoJoining.String())
	assert.Equal(t, "active", Active.String())
}

func TestJoin_Validation(t *testing.T) {
	cases := []struct {
		name, user, room string
		want             error
	}{
		{"blank name", "  ", "vault-7", ErrNameRequired},
		{"blank room", "Ghost", "\t", ErrRoomRequired},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m, d, _, _ := newMachine(t)
			assert.ErrorIs(t, m.Join(context.Background(), tc.user, tc.room), tc.want)
			assert.Equal(t, Unjoined, m.State())
			assert.Zero(t, d.dials)
		})
	}
}

func TestJoin_RendersHistoryAndJoinsRoom(t *testing.T) {
	m, d, v, store := newMachine(t)
	old := textMessage(t, "Echo", "earlier")
	require.NoError(t, store.Append("vault-7", old))

	require.NoError(t, m.Join(context.Background(), "Ghost", "vault-7"))

	assert.Equal(t, Active, m.State())
	sess, ok := m.Session()
	assert.True(t, ok)
	assert.Equal(t, Session{Name: "Ghost", Room: "vault-7"}, sess)
	require.Len(t, v.rendered, 1)
	assert.Equal(t, []chat.Message{old}, v.rendered[0])
	assert.Equal(t, []string{"vault-7"}, d.ch.Joined())

	assert.ErrorIs(t, m.Join(context.Background(), "Ghost", "vault-8"), ErrAlreadyActive)
}

func TestJoin_KeepsRoomKeyVerbatim(t *testing.T) {
	m, d, _, store := newMachine(t)
	require.NoError(t, store.Append("vault-7", textMessage(t, "Echo", "other room")))

	require.NoError(t, m.Join(context.Background(), " Ghost", " vault-7 "))

	sess, _ := m.Session()
	assert.Equal(t, Session{Name: " Ghost", Room: " vault-7 "}, sess)
	assert.Equal(t, []string{" vault-7 "}, d.ch.Joined())

	d.hooks.Received(protocol.MessagePayload{Room: " vault-7 ", Message: textMessage(t, "Echo", "hi"), Sender: "Echo"})
	assert.Len(t, store.Load(" vault-7 "), 1)
	assert.Len(t, store.Load("vault-7"), 1, "the unpadded room is a different room")
}

func TestJoin_RejoinsOnReconnect(t *testing.T) {
	m, d, _, _ := newMachine(t)
	require.NoError(t, m.Join(context.Background(), "Ghost", "vault-7"))

	d.hooks.Connected(d.ch)
	assert.Equal(t, []string{"vault-7", "vault-7"}, d.ch.Joined())
}

func TestJoin_DialFailure(t *testing.T) {
	m, d, v, _ := newMachine(t)
	d.err = errors.New("connection refused")

	err := m.Join(context.Background(), "Ghost", "vault-7")
	require.Error(t, err)
	assert.Equal(t, Unjoined, m.State())
	assert.Equal(t, 1, v.resets)
	_, ok := m.Session()
	assert.False(t, ok)
}

func TestReceived_AppendsInOrder(t *testing.T) {
	m, d, v, store := newMachine(t)
	require.NoError(t, m.Join(context.Background(), "Ghost", "vault-7"))

	first := textMessage(t, "Echo", "one")
	second := textMessage(t, "Ghost", "two")
	d.hooks.Received(protocol.MessagePayload{Room: "vault-7", Message: first, Sender: "Echo"})
	d.hooks.Received(protocol.MessagePayload{Room: "vault-7", Message: second, Sender: "Ghost"})
	d.hooks.Received(protocol.MessagePayload{Room: "elsewhere", Message: textMessage(t, "x", "y")})

	assert.Equal(t, []chat.Message{first, second}, v.appended)
	assert.Equal(t, []chat.Message{first, second}, store.Load("vault-7"))
	assert.Empty(t, store.Load("elsewhere"))
}

func TestReceived_IgnoredAfterExit(t *testing.T) {
	m, d, v, store := newMachine(t)
	require.NoError(t, m.Join(context.Background(), "Ghost", "vault-7"))
	hooks, ch := d.hooks, d.ch

	require.NoError(t, m.Exit())
	assert.True(t, ch.closed)

	hooks.Received(protocol.MessagePayload{Room: "vault-7", Message: textMessage(t, "Echo", "late")})
	hooks.Connected(ch)

	assert.Empty(t, v.appended)
	assert.Empty(t, store.Load("vault-7"))
	assert.Equal(t, []string{"vault-7"}, ch.Joined())
}

func TestSend(t *testing.T) {
	m, d, v, _ := newMachine(t)
	require.NoError(t, m.Join(context.Background(), "Ghost", "vault-7"))

	require.NoError(t, m.Send("  hello  "))

	sent := d.ch.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "vault-7", sent[0].Room)
	assert.Equal(t, "Ghost", sent[0].Sender)
	assert.Equal(t, "hello", sent[0].Message.Text)
	assert.Equal(t, "Ghost", sent[0].Message.Sender)
	assert.Empty(t, v.appended, "messages appear only once echoed")
}

func TestSend_WhitespaceNeverSent(t *testing.T) {
	m, d, v, _ := newMachine(t)
	require.NoError(t, m.Join(context.Background(), "Ghost", "vault-7"))

	for _, text := range []string{"", " ", "\n\t  "} {
		assert.ErrorIs(t, m.Send(text), chat.ErrEmptyText)
	}
	assert.Empty(t, d.ch.Sent())
	assert.Len(t, v.notices, 3)
}

func TestSendImage_OversizedNeverSent(t *testing.T) {
	m, d, v, _ := newMachine(t)
	require.NoError(t, m.Join(context.Background(), "Ghost", "vault-7"))

	err := m.SendImage(bytes.Repeat([]byte{0xff}, chat.MaxImageBytes+1))
	assert.ErrorIs(t, err, chat.ErrPayloadTooLarge)
	assert.Empty(t, d.ch.Sent())
	require.Len(t, v.notices, 1)
	assert.Contains(t, v.notices[0], "2 MiB")
}

func TestSendImage(t *testing.T) {
	m, d, _, _ := newMachine(t)
	require.NoError(t, m.Join(context.Background(), "Ghost", "vault-7"))

	png := []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")
	require.NoError(t, m.SendImage(png))

	sent := d.ch.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, chat.KindImage, sent[0].Message.Type)
	assert.Equal(t, chat.EncodeImage(png), sent[0].Message.ImageURL)
}

func TestSend_NotActive(t *testing.T) {
	m, _, _, _ := newMachine(t)
	assert.ErrorIs(t, m.Send("hello"), ErrNotActive)
	assert.ErrorIs(t, m.SendImage([]byte("x")), ErrNotActive)
}

func TestJoinFromLink_WithName(t *testing.T) {
	m, d, _, _ := newMachine(t)
	start, err := url.Parse("https://chat.example/room/vault-7?name=Ghost&theme=dark")
	require.NoError(t, err)
	addr := NewMemoryAddress(start)

	link, err := m.JoinFromLink(context.Background(), addr)
	require.NoError(t, err)
	assert.Equal(t, Link{Room: "vault-7", Name: "Ghost"}, link)

	assert.Equal(t, Active, m.State())
	sess, _ := m.Session()
	assert.Equal(t, Session{Name: "Ghost", Room: "vault-7"}, sess)
	assert.Equal(t, []string{"vault-7"}, d.ch.Joined())

	assert.Equal(t, 1, addr.Replacements())
	cur := addr.Current()
	assert.False(t, cur.Query().Has("name"))
	assert.Equal(t, "dark", cur.Query().Get("theme"))
	assert.Equal(t, "/room/vault-7", cur.Path)
}

func TestJoinFromLink_WithoutName(t *testing.T) {
	m, d, _, _ := newMachine(t)
	start, err := url.Parse("https://chat.example/room/my%20room")
	require.NoError(t, err)
	addr := NewMemoryAddress(start)

	link, err := m.JoinFromLink(context.Background(), addr)
	require.NoError(t, err)
	assert.Equal(t, Link{Room: "my room"}, link)
	assert.Equal(t, Unjoined, m.State())
	assert.Zero(t, d.dials)
	assert.Zero(t, addr.Replacements())
}

func TestJoinFromLink_PaddedRoomAndName(t *testing.T) {
	m, d, _, store := newMachine(t)
	start, err := url.Parse("http://x/room/%20vault-7%20?name=%20Ghost")
	require.NoError(t, err)

	link, err := m.JoinFromLink(context.Background(), NewMemoryAddress(start))
	require.NoError(t, err)
	assert.Equal(t, Link{Room: " vault-7 ", Name: " Ghost"}, link)

	sess, _ := m.Session()
	assert.Equal(t, Session{Name: " Ghost", Room: " vault-7 "}, sess)
	assert.Equal(t, []string{" vault-7 "}, d.ch.Joined())

	d.hooks.Received(protocol.MessagePayload{Room: " vault-7 ", Message: textMessage(t, "Echo", "hi"), Sender: "Echo"})
	assert.Len(t, store.Load(" vault-7 "), 1)
	assert.Empty(t, store.Load("vault-7"))
}

func TestJoinFromLink_DialFailureStillScrubsName(t *testing.T) {
	m, d, _, _ := newMachine(t)
	d.err = errors.New("offline")
	start, err := url.Parse("https://chat.example/room/vault-7?name=Ghost")
	require.NoError(t, err)
	addr := NewMemoryAddress(start)

	_, err = m.JoinFromLink(context.Background(), addr)
	require.Error(t, err)
	assert.Equal(t, Unjoined, m.State())
	assert.Equal(t, 1, addr.Replacements())
	assert.False(t, addr.Current().Query().Has("name"))
	assert.Equal(t, "/room/vault-7", addr.Current().Path)
}

func TestJoinFromLink_ExitBeforeJoin(t *testing.T) {
	m, d, _, _ := newMachine(t)

	// The link join moved to AutoJoining, then Exit reset the machine
	// before the join took the lock.
	err := m.enter(context.Background(), "Ghost", "vault-7", AutoJoining)
	assert.ErrorIs(t, err, ErrNotActive)
	assert.Equal(t, Unjoined, m.State())
	assert.Zero(t, d.dials)

	require.NoError(t, m.Join(context.Background(), "Ghost", "vault-7"))
	assert.ErrorIs(t, m.enter(context.Background(), "Ghost", "vault-8", AutoJoining), ErrAlreadyActive)
}

func TestJoinFromLink_NotARoom(t *testing.T) {
	m, _, _, _ := newMachine(t)
	start, err := url.Parse("https://chat.example/")
	require.NoError(t, err)

	_, err = m.JoinFromLink(context.Background(), NewMemoryAddress(start))
	assert.ErrorIs(t, err, ErrNotRoomLink)
}

func TestSelfDestruct_Declined(t *testing.T) {
	m, d, v, store := newMachine(t)
	require.NoError(t, m.Join(context.Background(), "Ghost", "vault-7"))
	d.hooks.Received(protocol.MessagePayload{Room: "vault-7", Message: textMessage(t, "Echo", "keep")})

	var asked string
	ok, err := m.SelfDestruct(func(prompt string) bool {
		asked = prompt
		return false
	})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, SelfDestructPrompt, asked)
	assert.Equal(t, Active, m.State())
	assert.Len(t, store.Load("vault-7"), 1)
	assert.Zero(t, v.resets)
	assert.False(t, d.ch.closed)
}

func TestSelfDestruct_Confirmed(t *testing.T) {
	m, d, v, store := newMachine(t)
	other := textMessage(t, "Echo", "elsewhere")
	require.NoError(t, store.Append("vault-8", other))
	require.NoError(t, m.Join(context.Background(), "Ghost", "vault-7"))
	d.hooks.Received(protocol.MessagePayload{Room: "vault-7", Message: textMessage(t, "Echo", "burn")})

	ok, err := m.SelfDestruct(func(string) bool { return true })
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, Unjoined, m.State())
	assert.Empty(t, store.Load("vault-7"))
	assert.Equal(t, []chat.Message{other}, store.Load("vault-8"))
	assert.Equal(t, 1, v.resets)
	assert.True(t, d.ch.closed)
}

func TestSelfDestruct_NotActive(t *testing.T) {
	m, _, _, _ := newMachine(t)
	ok, err := m.SelfDestruct(func(string) bool {
		t.Fatal("must not prompt")
		return true
	})
	assert.ErrorIs(t, err, ErrNotActive)
	assert.False(t, ok)
}

func TestExit_KeepsHistory(t *testing.T) {
	m, d, _, store := newMachine(t)
	require.NoError(t, m.Join(context.Background(), "Ghost", "vault-7"))
	d.hooks.Received(protocol.MessagePayload{Room: "vault-7", Message: textMessage(t, "Echo", "stay")})

	require.NoError(t, m.Exit())
	require.NoError(t, m.Exit())
	assert.Equal(t, Unjoined, m.State())
	assert.Len(t, store.Load("vault-7"), 1)

	require.NoError(t, m.Join(context.Background(), "Ghost", "vault-7"))
	assert.Equal(t, Active, m.State())
}

func TestShareLink(t *testing.T) {
	m, _, _, _ := newMachine(t)
	base, err := url.Parse("https://chat.example")
	require.NoError(t, err)

	assert.Empty(t, m.ShareLink(base))
	require.NoError(t, m.Join(context.Background(), "Ghost", "vault 7"))
	assert.Equal(t, "https://chat.example/room/vault%207", m.ShareLink(base))
}
