package loadstats

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// snapshot holds the tracked server metrics at one instant.
type snapshot struct {
	at          time.Time
	connections float64
	rooms       float64
	relayed     float64
	rejected    float64
	dropped     float64
	latencySum  float64
	latencyCnt  float64
}

// Scraper periodically fetches the server's Prometheus endpoint during a
// load run.
type Scraper struct {
	metricsURL string
	interval   time.Duration
	client     *http.Client

	mu        sync.Mutex
	snapshots []snapshot

	cancel context.CancelFunc
	done   chan struct{}
}

// NewScraper returns a Scraper for metricsURL.
func NewScraper(metricsURL string, interval time.Duration) *Scraper {
	return &Scraper{
		metricsURL: metricsURL,
		interval:   interval,
		client:     &http.Client{Timeout: 5 * time.Second},
		done:       make(chan struct{}),
	}
}

// Start takes a snapshot immediately and then one per interval until ctx
// ends or Stop is called.
func (s *Scraper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.scrapeOnce()

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				s.scrapeOnce()
				return
			case <-ticker.C:
				s.scrapeOnce()
			}
		}
	}()
}

// Stop ends scraping and waits for the final snapshot.
func (s *Scraper) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

func (s *Scraper) scrapeOnce() {
	snap, err := s.fetch()
	if err != nil {
		// The server may not be up yet.
		return
	}
	s.mu.Lock()
	s.snapshots = append(s.snapshots, snap)
	s.mu.Unlock()
}

func (s *Scraper) fetch() (snapshot, error) {
	resp, err := s.client.Get(s.metricsURL)
	if err != nil {
		return snapshot{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return snapshot{}, fmt.Errorf("metrics endpoint returned %s", resp.Status)
	}
	return parseSnapshot(resp.Body)
}

// parseSnapshot reads the Prometheus text exposition format.
func parseSnapshot(r io.Reader) (snapshot, error) {
	snap := snapshot{at: time.Now()}
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || line[0] == '#' {
			continue
		}
		name, labels, value, ok := parseMetricLine(line)
		if !ok {
			continue
		}

		switch name {
		case "secretchat_connections_active":
			snap.connections = value
		case "secretchat_rooms_active":
			snap.rooms = value
		case "secretchat_messages_total":
			switch {
			case strings.Contains(labels, `outcome="relayed"`):
				snap.relayed = value
			case strings.Contains(labels, `outcome="rejected"`):
				snap.rejected = value
			case strings.Contains(labels, `outcome="dropped"`):
				snap.dropped = value
			}
		case "secretchat_broadcast_latency_seconds_sum":
			snap.latencySum = value
		case "secretchat_broadcast_latency_seconds_count":
			snap.latencyCnt = value
		}
	}
	return snap, scanner.Err()
}

// parseMetricLine splits `name{labels} value` into its parts. labels is
// empty for unlabelled series.
func parseMetricLine(line string) (name, labels string, value float64, ok bool) {
	rest := line
	if open := strings.IndexByte(line, '{'); open != -1 {
		closing := strings.IndexByte(line[open:], '}')
		if closing == -1 {
			return "", "", 0, false
		}
		name = line[:open]
		labels = line[open+1 : open+closing]
		rest = line[open+closing+1:]
	} else {
		var found bool
		name, rest, found = strings.Cut(line, " ")
		if !found {
			return "", "", 0, false
		}
	}

	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return "", "", 0, false
	}
	v, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return "", "", 0, false
	}
	return name, labels, v, true
}

// Report writes the first, last, delta and peak of each tracked metric.
func (s *Scraper) Report(w io.Writer) {
	s.mu.Lock()
	snaps := append([]snapshot(nil), s.snapshots...)
	s.mu.Unlock()

	if len(snaps) == 0 {
		fmt.Fprintln(w, "\n--- Server Metrics (no data collected) ---")
		return
	}
	first, last := snaps[0], snaps[len(snaps)-1]

	fmt.Fprintln(w, "\n--- Server Metrics (Prometheus) ---")
	fmt.Fprintf(w, "  Scrape count:  %d snapshots over %s\n\n",
		len(snaps), last.at.Sub(first.at).Round(time.Second))

	rows := []struct {
		label string
		get   func(snapshot) float64
	}{
		{"Connections", func(s snapshot) float64 { return s.connections }},
		{"Rooms", func(s snapshot) float64 { return s.rooms }},
		{"Relayed", func(s snapshot) float64 { return s.relayed }},
		{"Rejected", func(s snapshot) float64 { return s.rejected }},
		{"Dropped", func(s snapshot) float64 { return s.dropped }},
	}
	fmt.Fprintf(w, "  %-12s %10s %10s %10s %10s\n", "Metric", "Initial", "Final", "Delta", "Peak")
	for _, r := range rows {
		initial, final := r.get(first), r.get(last)
		fmt.Fprintf(w, "  %-12s %10.0f %10.0f %10.0f %10.0f\n",
			r.label, initial, final, final-initial, peak(snaps, r.get))
	}

	if n := last.latencyCnt - first.latencyCnt; n > 0 {
		fmt.Fprintf(w, "\n  Broadcast    avg: %.4fs  (%.0f observations)\n", (last.latencySum-first.latencySum)/n, n)
	}
}

func peak(snaps []snapshot, get func(snapshot) float64) float64 {
	p := math.Inf(-1)
	for _, s := range snaps {
		p = math.Max(p, get(s))
	}
	return p
}
