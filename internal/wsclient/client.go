// Package wsclient connects a chat client to the broadcast channel over a
// WebSocket using gobwas/ws, the same library the server is built on. A
// Client keeps itself connected: when the socket drops it redials with
// exponential backoff and announces every new connection through the
// session hooks so the room can be re-joined.
package wsclient

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog/log"

	"github.com/recurshawn/secret-chat-app/internal/protocol"
	"github.com/recurshawn/secret-chat-app/internal/session"
)

// ErrNotConnected is returned by writes while the socket is down. Nothing is
// queued for later delivery.
var ErrNotConnected = errors.New("wsclient: not connected")

// Config tunes dialing and reconnection.
type Config struct {
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	MinBackoff   time.Duration
	MaxBackoff   time.Duration
}

// DefaultConfig returns the settings used by the chat client.
func DefaultConfig() Config {
	return Config{
		DialTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		MinBackoff:   time.Second,
		MaxBackoff:   30 * time.Second,
	}
}

// Dialer opens Clients against a server's /ws endpoint. It satisfies
// session.Dialer.
type Dialer struct {
	URL    string
	Config Config
}

// Dial connects once, synchronously. The returned Client then owns the
// connection and its reconnects until Close.
func (d Dialer) Dial(ctx context.Context, hooks session.Hooks) (session.Channel, error) {
	cfg := d.Config
	if cfg == (Config{}) {
		cfg = DefaultConfig()
	}
	c := &Client{
		url:   d.URL,
		cfg:   cfg,
		hooks: hooks,
		done:  make(chan struct{}),
	}

	conn, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}
	c.conn = conn
	go c.run(conn)
	return c, nil
}

// Client is a self-healing connection to the broadcast channel.
type Client struct {
	url   string
	cfg   Config
	hooks session.Hooks

	mu   sync.Mutex
	conn net.Conn // nil while disconnected

	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

var _ session.Channel = (*Client)(nil)

// JoinRoom asks the server to add this connection to room.
func (c *Client) JoinRoom(room string) error {
	data, err := protocol.NewMessage(protocol.TypeJoinRoom, protocol.JoinRoomMsg{Room: room})
	if err != nil {
		return err
	}
	return c.write(data)
}

// SendMessage relays p to its room.
func (c *Client) SendMessage(p protocol.MessagePayload) error {
	data, err := protocol.NewMessage(protocol.TypeSendMessage, p)
	if err != nil {
		return err
	}
	return c.write(data)
}

// Ping sends an application-level ping. The server answers with pong.
func (c *Client) Ping() error {
	data, err := protocol.NewMessage(protocol.TypePing, protocol.PingMsg{})
	if err != nil {
		return err
	}
	return c.write(data)
}

// Connected reports whether the socket is currently up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Close stops reconnecting and closes the socket. It is safe to call more
// than once and does not wait for hooks that are running.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.mu.Lock()
		conn := c.conn
		c.conn = nil
		c.mu.Unlock()
		if conn != nil {
			c.writeMu.Lock()
			_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
			_ = wsutil.WriteClientMessage(conn, ws.OpClose, ws.NewCloseFrameBody(ws.StatusNormalClosure, ""))
			c.writeMu.Unlock()
			err = conn.Close()
		}
	})
	return err
}

func (c *Client) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Client) write(data []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.cfg.WriteTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
		defer conn.SetWriteDeadline(time.Time{})
	}
	if err := wsutil.WriteClientMessage(conn, ws.OpText, data); err != nil {
		return fmt.Errorf("wsclient: write: %w", err)
	}
	return nil
}

// connect performs the WebSocket handshake.
func (c *Client) connect(ctx context.Context) (net.Conn, error) {
	dialer := ws.Dialer{Timeout: c.cfg.DialTimeout}
	conn, br, _, err := dialer.Dial(ctx, c.url)
	if err != nil {
		return nil, fmt.Errorf("wsclient: dial %s: %w", c.url, err)
	}
	if br != nil {
		// The server wrote frames right behind the handshake response.
		return &bufferedConn{Conn: conn, r: br}, nil
	}
	return conn, nil
}

// run owns the connection lifecycle: announce, read until it drops, redial.
func (c *Client) run(conn net.Conn) {
	for conn != nil {
		if !c.attach(conn) {
			_ = conn.Close()
			return
		}
		log.Info().Str("module", "wsclient").Str("url", c.url).Msg("connected")
		if c.hooks.Connected != nil {
			c.hooks.Connected(c)
		}

		err := c.readLoop(conn)
		c.detach(conn)
		_ = conn.Close()
		if c.closed() {
			return
		}
		log.Warn().Str("module", "wsclient").Err(err).Msg("connection lost, reconnecting")
		conn = c.redial()
	}
}

func (c *Client) attach(conn net.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed() {
		return false
	}
	c.conn = conn
	return true
}

func (c *Client) detach(conn net.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
}

// redial retries the handshake with exponential backoff. It returns nil once
// the client is closed.
func (c *Client) redial() net.Conn {
	delay := c.cfg.MinBackoff
	timer := time.NewTimer(delay)
	defer timer.Stop()

	for {
		select {
		case <-c.done:
			return nil
		case <-timer.C:
		}

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			select {
			case <-c.done:
				cancel()
			case <-ctx.Done():
			}
		}()
		conn, err := c.connect(ctx)
		cancel()
		if err == nil {
			return conn
		}

		delay *= 2
		if delay > c.cfg.MaxBackoff {
			delay = c.cfg.MaxBackoff
		}
		log.Debug().Str("module", "wsclient").Err(err).Dur("retry_in", delay).Msg("reconnect failed")
		timer.Reset(delay)
	}
}

// readLoop reads server frames until the connection fails or the server
// closes it.
func (c *Client) readLoop(conn net.Conn) error {
	for {
		header, reader, err := wsutil.NextReader(conn, ws.StateClientSide)
		if err != nil {
			return err
		}

		if header.OpCode.IsControl() {
			switch header.OpCode {
			case ws.OpClose:
				return io.EOF
			case ws.OpPing:
				if err := c.writePong(conn, header, reader); err != nil {
					return err
				}
			default:
				_, _ = io.Copy(io.Discard, reader)
			}
			continue
		}

		data, err := io.ReadAll(reader)
		if err != nil {
			return err
		}
		if header.OpCode != ws.OpText {
			continue
		}
		c.handle(data)
	}
}

// writePong answers a server ping. Client frames are always masked.
func (c *Client) writePong(conn net.Conn, h ws.Header, r io.Reader) error {
	payload := make([]byte, h.Length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteFrame(conn, ws.MaskFrame(ws.NewPongFrame(payload)))
}

func (c *Client) handle(data []byte) {
	msgType, msg, err := protocol.ParseServerMessage(data)
	if err != nil {
		log.Warn().Str("module", "wsclient").Str("type", msgType).Err(err).Msg("dropping server event")
		return
	}

	switch m := msg.(type) {
	case protocol.MessagePayload:
		if c.hooks.Received != nil {
			c.hooks.Received(m)
		}
	case protocol.ErrorMsg:
		log.Warn().Str("module", "wsclient").Str("code", m.Code).Msg(m.Message)
	case protocol.PongMsg:
		log.Debug().Str("module", "wsclient").Msg("pong")
	}
}

// bufferedConn drains bytes the handshake reader buffered before reading the
// socket directly.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (b *bufferedConn) Read(p []byte) (int, error) {
	if b.r.Buffered() > 0 {
		return b.r.Read(p)
	}
	return b.Conn.Read(p)
}
