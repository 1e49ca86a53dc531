package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recurshawn/secret-chat-app/internal/chat"
)

func TestTerminalView_EmptyRoom(t *testing.T) {
	var buf bytes.Buffer
	v := newTerminalView(&buf, false)

	v.Render(nil)
	assert.Equal(t, emptyRoomPlaceholder+"\n", buf.String())
}

func TestTerminalView_Format(t *testing.T) {
	var buf bytes.Buffer
	v := newTerminalView(&buf, false)
	v.SetSelf("Ghost")

	at := time.Date(2026, 3, 1, 9, 5, 0, 0, time.Local)
	mine := chat.Message{ID: "1", Sender: "Ghost", Timestamp: at.UnixMilli(), Type: chat.KindText, Text: "hi"}
	theirs := chat.Message{ID: "2", Sender: "Echo", Timestamp: at.UnixMilli(), Type: chat.KindText, Text: "yo"}

	v.Render([]chat.Message{mine, theirs})
	assert.Equal(t, "[09:05] Ghost (you): hi\n[09:05] Echo: yo\n", buf.String())
}

func TestTerminalView_Image(t *testing.T) {
	var buf bytes.Buffer
	v := newTerminalView(&buf, false)

	png := append([]byte("\x89PNG\r\n\x1a\n"), bytes.Repeat([]byte{0}, 2040)...)
	msg, err := chat.NewImageMessage("Echo", png)
	require.NoError(t, err)

	v.Append(msg)
	assert.Contains(t, buf.String(), "[image image/png, 2.0 KiB]")
}

func TestTerminalView_UnderlinesLinks(t *testing.T) {
	var buf bytes.Buffer
	v := newTerminalView(&buf, true)

	v.Append(chat.Message{ID: "1", Sender: "Echo", Type: chat.KindText, Text: "see https://example.com twice https://example.com"})
	assert.Equal(t, 2, strings.Count(buf.String(), "\x1b[4mhttps://example.com\x1b[24m"))
}

func TestTerminalView_Notify(t *testing.T) {
	var buf bytes.Buffer
	v := newTerminalView(&buf, false)
	v.Notify("Image too large")
	assert.Equal(t, "! Image too large\n", buf.String())
}

func TestHumanSize(t *testing.T) {
	assert.Equal(t, "512 B", humanSize(512))
	assert.Equal(t, "1.5 KiB", humanSize(1536))
	assert.Equal(t, "2.0 MiB", humanSize(2<<20))
}

func TestLineReader(t *testing.T) {
	lr := newLineReader(strings.NewReader("hello\n/exit\n"))
	ctx := context.Background()

	line, ok, err := lr.ReadLine(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "hello", line)

	line, ok, _ = lr.ReadLine(ctx)
	assert.True(t, ok)
	assert.Equal(t, "/exit", line)

	_, ok, err = lr.ReadLine(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRequired(t *testing.T) {
	check := required("room key")
	assert.EqualError(t, check("  "), "room key is required")
	assert.NoError(t, check("vault-7"))
}
