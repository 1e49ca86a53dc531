package main

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"

	"github.com/recurshawn/secret-chat-app/internal/session"
	"github.com/recurshawn/secret-chat-app/internal/wsclient"
)

func saturateCmd(opts *options) *cli.Command {
	var conns int
	return &cli.Command{
		Name:  "saturate",
		Usage: "open many idle connections and hold them",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:        "conns",
				Usage:       "number of connections",
				Value:       1000,
				Destination: &conns,
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			return runSaturate(ctx, opts, conns)
		},
	}
}

func runSaturate(ctx context.Context, opts *options, n int) error {
	collector, stopScrape := newCollector(ctx, opts)
	dialer := wsclient.Dialer{URL: opts.URL, Config: wsclient.DefaultConfig()}

	var (
		mu      sync.Mutex
		clients []session.Channel
		wg      sync.WaitGroup
	)
	delay := rampDelay(opts.Ramp, n)

	fmt.Printf("opening %d connections to %s over %s\n", n, opts.URL, opts.Ramp)
	for i := 0; i < n && ctx.Err() == nil; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			start := time.Now()
			ch, err := dialer.Dial(ctx, session.Hooks{})
			if err != nil {
				collector.AddError()
				log.Debug().Err(err).Msg("dial failed")
				return
			}
			collector.AddConnect(time.Since(start))
			mu.Lock()
			clients = append(clients, ch)
			mu.Unlock()
		}()
		time.Sleep(delay)
	}
	wg.Wait()
	fmt.Printf("connected %d/%d, holding for %s\n", collector.ConnectionCount(), n, opts.Hold)

	select {
	case <-time.After(opts.Hold):
	case <-ctx.Done():
	}

	for _, ch := range clients {
		_ = ch.Close()
	}
	stopScrape()
	collector.Report(os.Stdout)
	return nil
}
