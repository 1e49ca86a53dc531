package main

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/recurshawn/secret-chat-app/internal/chat"
)

const emptyRoomPlaceholder = "< NO TRANSMISSIONS DETECTED >"

// terminalView prints the room to a terminal, one line per message.
type terminalView struct {
	mu    sync.Mutex
	out   io.Writer
	self  string
	color bool
}

func newTerminalView(out io.Writer, color bool) *terminalView {
	return &terminalView{out: out, color: color}
}

// SetSelf sets the display name whose messages are marked as our own.
func (v *terminalView) SetSelf(name string) {
	v.mu.Lock()
	v.self = name
	v.mu.Unlock()
}

func (v *terminalView) Render(msgs []chat.Message) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(msgs) == 0 {
		fmt.Fprintln(v.out, emptyRoomPlaceholder)
		return
	}
	for _, m := range msgs {
		fmt.Fprintln(v.out, v.format(m))
	}
}

func (v *terminalView) Append(msg chat.Message) {
	v.mu.Lock()
	defer v.mu.Unlock()
	fmt.Fprintln(v.out, v.format(msg))
}

func (v *terminalView) Reset() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.color {
		fmt.Fprint(v.out, "\x1b[2J\x1b[H")
		return
	}
	fmt.Fprintln(v.out, strings.Repeat("-", 40))
}

func (v *terminalView) Notify(text string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	fmt.Fprintln(v.out, "! "+text)
}

// format renders one message as "[HH:MM] sender: body". The caller holds v.mu.
func (v *terminalView) format(m chat.Message) string {
	sender := m.Sender
	if sender == v.self {
		sender += " (you)"
		if v.color {
			sender = "\x1b[1m" + sender + "\x1b[22m"
		}
	}
	return fmt.Sprintf("[%s] %s: %s", m.Time().Format("15:04"), sender, v.body(m))
}

func (v *terminalView) body(m chat.Message) string {
	if m.Type == chat.KindImage {
		mediaType, blob, err := chat.DecodeImage(m.ImageURL)
		if err != nil {
			return "[unreadable image]"
		}
		return fmt.Sprintf("[image %s, %s]", mediaType, humanSize(len(blob)))
	}
	if !v.color {
		return m.Text
	}
	text := m.Text
	seen := make(map[string]bool)
	for _, link := range chat.Links(m.Text) {
		if seen[link] {
			continue
		}
		seen[link] = true
		text = strings.ReplaceAll(text, link, "\x1b[4m"+link+"\x1b[24m")
	}
	return text
}

func humanSize(n int) string {
	switch {
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MiB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KiB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}
