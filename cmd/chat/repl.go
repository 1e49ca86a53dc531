package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/recurshawn/secret-chat-app/internal/chat"
	"github.com/recurshawn/secret-chat-app/internal/session"
)

const helpText = `commands:
  /image <path>  send an image (max 2 MiB)
  /link          print the shareable room link
  /destroy       wipe local history for this room and leave
  /exit          leave the room
  /quit          leave and close the program`

// lineReader hands out stdin lines one at a time. It only reads when asked,
// so interactive prompts can use the terminal in between.
type lineReader struct {
	next  chan struct{}
	lines chan string
	eof   chan struct{}
}

func newLineReader(r io.Reader) *lineReader {
	lr := &lineReader{
		next:  make(chan struct{}),
		lines: make(chan string),
		eof:   make(chan struct{}),
	}
	go func() {
		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 64*1024), 1<<20)
		for range lr.next {
			if !sc.Scan() {
				close(lr.eof)
				return
			}
			lr.lines <- sc.Text()
		}
	}()
	return lr
}

// ReadLine blocks for the next line. ok is false at end of input.
func (lr *lineReader) ReadLine(ctx context.Context) (string, bool, error) {
	select {
	case lr.next <- struct{}{}:
	case <-lr.eof:
		return "", false, nil
	case <-ctx.Done():
		return "", false, ctx.Err()
	}
	select {
	case line := <-lr.lines:
		return line, true, nil
	case <-lr.eof:
		return "", false, nil
	case <-ctx.Done():
		return "", false, ctx.Err()
	}
}

type chatApp struct {
	machine *session.Machine
	view    *terminalView
	base    *url.URL
	in      *lineReader
	out     io.Writer
}

// enterLink joins the room addr points at. A link without a name is
// returned so the entry form can pre-fill the room.
func (a *chatApp) enterLink(ctx context.Context, addr *session.MemoryAddress) (session.Link, error) {
	if link, err := session.ParseLink(addr.Current()); err == nil {
		a.view.SetSelf(link.Name)
	}
	link, err := a.machine.JoinFromLink(ctx, addr)
	if err != nil {
		return link, err
	}
	if sess, ok := a.machine.Session(); ok {
		fmt.Fprintf(a.out, "joined %q as %s (%s)\n", sess.Room, sess.Name, addr.Current())
		fmt.Fprintln(a.out, "type /help for commands")
	}
	return link, nil
}

// loop runs the chat prompt until the user leaves the room. It returns true
// when the program should end rather than go back to the entry form.
func (a *chatApp) loop(ctx context.Context) (bool, error) {
	for a.machine.State() == session.Active {
		line, ok, err := a.in.ReadLine(ctx)
		if err != nil || !ok {
			_ = a.machine.Exit()
			return true, nil
		}
		if quit := a.handle(line); quit {
			_ = a.machine.Exit()
			return true, nil
		}
	}
	return false, nil
}

// handle runs one line of input and reports whether to quit.
func (a *chatApp) handle(line string) bool {
	cmd, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
	switch cmd {
	case "/quit":
		return true
	case "/exit":
		_ = a.machine.Exit()
		fmt.Fprintln(a.out, "left the room; history kept")
	case "/destroy":
		destroyed, err := a.machine.SelfDestruct(confirm)
		switch {
		case err != nil:
			fmt.Fprintln(a.out, "! "+err.Error())
		case destroyed:
			fmt.Fprintln(a.out, "local history destroyed")
		}
	case "/link":
		fmt.Fprintln(a.out, a.machine.ShareLink(a.base))
	case "/image":
		blob, err := os.ReadFile(strings.TrimSpace(arg))
		if err != nil {
			fmt.Fprintln(a.out, "! "+err.Error())
			return false
		}
		a.report(a.machine.SendImage(blob))
	case "/help":
		fmt.Fprintln(a.out, helpText)
	case "":
		// Blank lines are not messages.
	default:
		a.report(a.machine.Send(line))
	}
	return false
}

// report prints send failures the view has not already shown.
func (a *chatApp) report(err error) {
	if err == nil || chat.IsValidationError(err) {
		return
	}
	if errors.Is(err, session.ErrNotActive) {
		fmt.Fprintln(a.out, "! not in a room")
		return
	}
	fmt.Fprintln(a.out, "! "+err.Error())
}

func required(field string) func(string) error {
	return func(s string) error {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("%s is required", field)
		}
		return nil
	}
}
