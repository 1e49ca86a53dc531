// Package loadstats aggregates client-side measurements from a load run and
// prints a summary with percentile distributions.
package loadstats

import (
	"fmt"
	"io"
	"math"
	"slices"
	"sync"
	"time"
)

// Collector aggregates measurements from many load clients. All methods are
// safe for concurrent use.
type Collector struct {
	mu               sync.Mutex
	connectLatencies []time.Duration
	deliveries       []time.Duration
	sent             int
	errors           int
	connections      int
	startTime        time.Time
	scraper          *Scraper
}

// NewCollector returns a Collector whose clock starts now.
func NewCollector() *Collector {
	return &Collector{startTime: time.Now()}
}

// SetScraper attaches a server metrics scraper whose findings are appended
// to the report.
func (c *Collector) SetScraper(s *Scraper) {
	c.mu.Lock()
	c.scraper = s
	c.mu.Unlock()
}

// AddConnect records a successful connection and how long it took.
func (c *Collector) AddConnect(d time.Duration) {
	c.mu.Lock()
	c.connectLatencies = append(c.connectLatencies, d)
	c.connections++
	c.mu.Unlock()
}

// AddSent counts one send-message written by a client.
func (c *Collector) AddSent() {
	c.mu.Lock()
	c.sent++
	c.mu.Unlock()
}

// AddDelivery records the time from send to receipt of one message copy.
func (c *Collector) AddDelivery(d time.Duration) {
	c.mu.Lock()
	c.deliveries = append(c.deliveries, d)
	c.mu.Unlock()
}

// AddError counts one failure.
func (c *Collector) AddError() {
	c.mu.Lock()
	c.errors++
	c.mu.Unlock()
}

func (c *Collector) ConnectionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connections
}

func (c *Collector) ErrorCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errors
}

// DeliveryCount returns how many message copies were received.
func (c *Collector) DeliveryCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.deliveries)
}

// Percentiles summarizes a latency sample.
type Percentiles struct {
	N   int
	Avg time.Duration
	P50 time.Duration
	P95 time.Duration
	P99 time.Duration
	Max time.Duration
}

// Summarize computes percentiles over durations. The input is not modified.
func Summarize(durations []time.Duration) Percentiles {
	n := len(durations)
	if n == 0 {
		return Percentiles{}
	}
	sorted := slices.Clone(durations)
	slices.Sort(sorted)

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}
	return Percentiles{
		N:   n,
		Avg: sum / time.Duration(n),
		P50: sorted[n/2],
		P95: sorted[int(math.Ceil(float64(n)*0.95))-1],
		P99: sorted[int(math.Ceil(float64(n)*0.99))-1],
		Max: sorted[n-1],
	}
}

func (p Percentiles) String() string {
	return fmt.Sprintf("avg: %v  p50: %v  p95: %v  p99: %v  max: %v  (n=%d)",
		p.Avg.Round(time.Microsecond),
		p.P50.Round(time.Microsecond),
		p.P95.Round(time.Microsecond),
		p.P99.Round(time.Microsecond),
		p.Max.Round(time.Microsecond),
		p.N,
	)
}

// Report writes the summary to w.
func (c *Collector) Report(w io.Writer) {
	c.mu.Lock()
	defer c.mu.Unlock()

	fmt.Fprintln(w, "\n=== Load Test Results ===")
	fmt.Fprintf(w, "Duration:     %s\n", time.Since(c.startTime).Round(time.Second))
	fmt.Fprintf(w, "Connections:  %d\n", c.connections)
	fmt.Fprintf(w, "Sent:         %d\n", c.sent)
	fmt.Fprintf(w, "Delivered:    %d\n", len(c.deliveries))
	fmt.Fprintf(w, "Errors:       %d\n", c.errors)

	if len(c.connectLatencies) > 0 {
		fmt.Fprintln(w, "\n--- Connect Latency ---")
		fmt.Fprintln(w, "  "+Summarize(c.connectLatencies).String())
	}
	if len(c.deliveries) > 0 {
		fmt.Fprintln(w, "\n--- Delivery Latency ---")
		fmt.Fprintln(w, "  "+Summarize(c.deliveries).String())
	}
	if c.scraper != nil {
		c.scraper.Report(w)
	}
	fmt.Fprintln(w)
}
