// Command loadtest drives a secret chat server with simulated clients.
//
//	loadtest saturate  open N idle connections and hold them
//	loadtest rooms     fill rooms with members that all talk at once
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"

	"github.com/recurshawn/secret-chat-app/internal/loadstats"
)

type options struct {
	URL        string
	MetricsURL string
	Ramp       time.Duration
	Hold       time.Duration
}

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr}).Level(zerolog.WarnLevel)

	opts := &options{}
	app := &cli.Command{
		Name:  "loadtest",
		Usage: "Load test a secret chat server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "url",
				Usage:       "WebSocket endpoint",
				Sources:     cli.EnvVars("LOADTEST_URL"),
				Value:       "ws://localhost:8080/ws",
				Destination: &opts.URL,
			},
			&cli.StringFlag{
				Name:        "metrics-url",
				Usage:       "Prometheus endpoint to scrape during the run (empty to skip)",
				Sources:     cli.EnvVars("LOADTEST_METRICS_URL"),
				Value:       "http://localhost:8080/metrics",
				Destination: &opts.MetricsURL,
			},
			&cli.DurationFlag{
				Name:        "ramp",
				Usage:       "time over which connections are opened",
				Value:       10 * time.Second,
				Destination: &opts.Ramp,
			},
			&cli.DurationFlag{
				Name:        "hold",
				Usage:       "how long to keep connections open after ramp-up",
				Value:       30 * time.Second,
				Destination: &opts.Hold,
			},
		},
		Commands: []*cli.Command{
			saturateCmd(opts),
			roomsCmd(opts),
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

// newCollector returns a collector, scraping server metrics when configured.
func newCollector(ctx context.Context, opts *options) (*loadstats.Collector, func()) {
	c := loadstats.NewCollector()
	if opts.MetricsURL == "" {
		return c, func() {}
	}
	s := loadstats.NewScraper(opts.MetricsURL, 2*time.Second)
	s.Start(ctx)
	c.SetScraper(s)
	return c, s.Stop
}

// rampDelay spreads n connection attempts evenly over ramp.
func rampDelay(ramp time.Duration, n int) time.Duration {
	if n <= 1 {
		return 0
	}
	return ramp / time.Duration(n)
}
