package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/charmbracelet/huh"
	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"

	"github.com/recurshawn/secret-chat-app/internal/history"
	"github.com/recurshawn/secret-chat-app/internal/session"
	"github.com/recurshawn/secret-chat-app/internal/wsclient"
)

type flags struct {
	Server     string
	BaseURL    string
	HistoryDir string
	Ephemeral  bool
	LogLevel   string
	LogFile    string
}

func defaultHistoryDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ".secret-chat"
	}
	return filepath.Join(dir, "secret-chat", "history")
}

func main() {
	f := &flags{}

	app := &cli.Command{
		Name:      "secret-chat",
		Usage:     "Join an ephemeral chat room from the terminal",
		UsageText: "secret-chat [options] [room link]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "server",
				Usage:       "WebSocket endpoint of the chat server",
				Sources:     cli.EnvVars("SECRET_CHAT_SERVER"),
				Value:       "ws://localhost:8080/ws",
				Destination: &f.Server,
			},
			&cli.StringFlag{
				Name:        "base-url",
				Usage:       "base address used for shareable room links",
				Sources:     cli.EnvVars("SECRET_CHAT_BASE_URL"),
				Value:       "http://localhost:3000",
				Destination: &f.BaseURL,
			},
			&cli.StringFlag{
				Name:        "history-dir",
				Usage:       "directory holding local chat history",
				Sources:     cli.EnvVars("SECRET_CHAT_HISTORY_DIR"),
				Value:       defaultHistoryDir(),
				Destination: &f.HistoryDir,
			},
			&cli.BoolFlag{
				Name:        "ephemeral",
				Usage:       "keep history in memory only",
				Sources:     cli.EnvVars("SECRET_CHAT_EPHEMERAL"),
				Destination: &f.Ephemeral,
			},
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "log level (debug, info, warn, error)",
				Sources:     cli.EnvVars("SECRET_CHAT_LOG_LEVEL"),
				Value:       "warn",
				Destination: &f.LogLevel,
			},
			&cli.StringFlag{
				Name:        "log-file",
				Usage:       "write logs to this file instead of stderr",
				Sources:     cli.EnvVars("SECRET_CHAT_LOG_FILE"),
				Destination: &f.LogFile,
			},
		},
		Before: func(ctx context.Context, c *cli.Command) (context.Context, error) {
			return ctx, setupLogger(f.LogLevel, f.LogFile)
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			return run(ctx, f, c.Args().First())
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

func setupLogger(level, logFile string) error {
	parsed, err := zerolog.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("failed to parse log level: %w", err)
	}

	var output io.Writer = zerolog.ConsoleWriter{Out: os.Stderr}
	if logFile != "" {
		if err := os.MkdirAll(filepath.Dir(logFile), 0o755); err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}
		file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		output = file
	}

	log.Logger = log.Output(output).Level(parsed)
	return nil
}

func run(ctx context.Context, f *flags, rawLink string) error {
	base, err := url.Parse(f.BaseURL)
	if err != nil {
		return fmt.Errorf("invalid base url: %w", err)
	}

	var backend history.Backend = history.NewFileBackend(f.HistoryDir)
	if f.Ephemeral {
		backend = history.NewMemoryBackend()
	}

	view := newTerminalView(os.Stdout, isatty.IsTerminal(os.Stdout.Fd()))
	machine := session.New(wsclient.Dialer{URL: f.Server, Config: wsclient.DefaultConfig()}, history.NewStore(backend), view)
	defer machine.Exit()

	in := newLineReader(os.Stdin)
	app := &chatApp{machine: machine, view: view, base: base, in: in, out: os.Stdout}

	var prefill session.Link
	if rawLink != "" {
		u, err := url.Parse(rawLink)
		if err != nil {
			return fmt.Errorf("invalid room link: %w", err)
		}
		prefill, err = app.enterLink(ctx, session.NewMemoryAddress(u))
		if err != nil {
			return err
		}
	}

	for {
		if machine.State() != session.Active {
			name, room, err := entryForm(prefill)
			if errors.Is(err, huh.ErrUserAborted) {
				return nil
			}
			if err != nil {
				return err
			}
			prefill = session.Link{}

			// The form navigates to the room's own link, as if it had been
			// opened directly.
			addr := session.NewMemoryAddress(session.RoomLink(base, room, name))
			if _, err := app.enterLink(ctx, addr); err != nil {
				fmt.Fprintln(os.Stdout, "! "+err.Error())
				continue
			}
		}

		done, err := app.loop(ctx)
		if err != nil || done {
			return err
		}
	}
}

// entryForm asks for a display name and room key.
func entryForm(prefill session.Link) (string, string, error) {
	name := prefill.Name
	room := prefill.Room

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Display name").
				Value(&name).
				Validate(required("display name")),
			huh.NewInput().
				Title("Room key").
				Placeholder("vault-7").
				Value(&room).
				Validate(required("room key")),
		),
	)
	if err := form.Run(); err != nil {
		return "", "", err
	}
	return name, room, nil
}

func confirm(prompt string) bool {
	var ok bool
	err := huh.NewConfirm().
		Title(prompt).
		Affirmative("Destroy").
		Negative("Cancel").
		Value(&ok).
		Run()
	return err == nil && ok
}
