package main

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"

	"github.com/recurshawn/secret-chat-app/internal/chat"
	"github.com/recurshawn/secret-chat-app/internal/loadstats"
	"github.com/recurshawn/secret-chat-app/internal/protocol"
	"github.com/recurshawn/secret-chat-app/internal/session"
	"github.com/recurshawn/secret-chat-app/internal/wsclient"
)

type roomsConfig struct {
	Rooms    int
	Members  int
	Messages int
	Interval time.Duration
}

func roomsCmd(opts *options) *cli.Command {
	cfg := roomsConfig{}
	return &cli.Command{
		Name:  "rooms",
		Usage: "fill rooms with members that all send messages",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "rooms", Usage: "number of rooms", Value: 10, Destination: &cfg.Rooms},
			&cli.IntFlag{Name: "members", Usage: "members per room", Value: 10, Destination: &cfg.Members},
			&cli.IntFlag{Name: "messages", Usage: "messages sent by each member", Value: 20, Destination: &cfg.Messages},
			&cli.DurationFlag{Name: "interval", Usage: "pause between a member's messages", Value: 500 * time.Millisecond, Destination: &cfg.Interval},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			return runRooms(ctx, opts, cfg)
		},
	}
}

// sentLog remembers when each message id was sent so receivers can compute
// delivery latency.
type sentLog struct {
	mu sync.Mutex
	at map[string]time.Time
}

func (l *sentLog) mark(id string) {
	l.mu.Lock()
	l.at[id] = time.Now()
	l.mu.Unlock()
}

func (l *sentLog) since(id string) (time.Duration, bool) {
	l.mu.Lock()
	t, ok := l.at[id]
	l.mu.Unlock()
	if !ok {
		return 0, false
	}
	return time.Since(t), true
}

type member struct {
	name string
	room string
	ch   session.Channel
}

func runRooms(ctx context.Context, opts *options, cfg roomsConfig) error {
	collector, stopScrape := newCollector(ctx, opts)
	dialer := wsclient.Dialer{URL: opts.URL, Config: wsclient.DefaultConfig()}
	sent := &sentLog{at: make(map[string]time.Time)}

	total := cfg.Rooms * cfg.Members
	delay := rampDelay(opts.Ramp, total)
	fmt.Printf("joining %d members into %d rooms\n", total, cfg.Rooms)

	var members []member
	for r := range cfg.Rooms {
		key := fmt.Sprintf("load-%d", r)
		for m := range cfg.Members {
			if ctx.Err() != nil {
				break
			}
			mem, err := joinMember(ctx, dialer, key, fmt.Sprintf("m%d-%d", r, m), sent, collector)
			if err != nil {
				collector.AddError()
				log.Debug().Err(err).Msg("join failed")
				continue
			}
			members = append(members, mem)
			time.Sleep(delay)
		}
	}

	fmt.Printf("joined %d/%d, sending %d messages each\n", len(members), total, cfg.Messages)
	var wg sync.WaitGroup
	for _, mem := range members {
		wg.Add(1)
		go func() {
			defer wg.Done()
			talk(ctx, mem, cfg, sent, collector)
		}()
	}
	wg.Wait()

	expected := len(members) * cfg.Messages * cfg.Members
	deadline := time.Now().Add(opts.Hold)
	for collector.DeliveryCount() < expected && time.Now().Before(deadline) && ctx.Err() == nil {
		time.Sleep(100 * time.Millisecond)
	}
	fmt.Printf("delivered %d/%d message copies\n", collector.DeliveryCount(), expected)

	for _, mem := range members {
		_ = mem.ch.Close()
	}
	stopScrape()
	collector.Report(os.Stdout)
	return nil
}

func joinMember(ctx context.Context, dialer wsclient.Dialer, room, name string, sent *sentLog, collector *loadstats.Collector) (member, error) {
	start := time.Now()
	ch, err := dialer.Dial(ctx, session.Hooks{
		Connected: func(ch session.Channel) {
			if err := ch.JoinRoom(room); err != nil {
				collector.AddError()
			}
		},
		Received: func(p protocol.MessagePayload) {
			if d, ok := sent.since(p.Message.ID); ok {
				collector.AddDelivery(d)
			}
		},
	})
	if err != nil {
		return member{}, err
	}
	collector.AddConnect(time.Since(start))
	return member{name: name, room: room, ch: ch}, nil
}

func talk(ctx context.Context, mem member, cfg roomsConfig, sent *sentLog, collector *loadstats.Collector) {
	for i := range cfg.Messages {
		msg, err := chat.NewTextMessage(mem.name, fmt.Sprintf("load message %d from %s", i, mem.name))
		if err != nil {
			collector.AddError()
			return
		}
		sent.mark(msg.ID)
		if err := mem.ch.SendMessage(protocol.MessagePayload{Room: mem.room, Message: msg, Sender: mem.name}); err != nil {
			collector.AddError()
		} else {
			collector.AddSent()
		}

		select {
		case <-time.After(cfg.Interval):
		case <-ctx.Done():
			return
		}
	}
}
