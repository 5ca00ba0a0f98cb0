package stats

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"
)

// sample is one scrape of the pairup_* series the scenarios report on.
// Labelled counters are kept per label value.
type sample struct {
	at time.Time

	connections float64
	rooms       float64
	queue       float64
	docBytes    float64

	frames   map[string]float64 // by kind
	requests map[string]float64 // by result
	reaped   float64
	timeouts float64
	slow     float64

	waitSum, waitCount float64
}

func newSample(at time.Time) sample {
	return sample{at: at, frames: map[string]float64{}, requests: map[string]float64{}}
}

// Scraper polls a service's /metrics endpoint while a scenario runs.
type Scraper struct {
	url      string
	interval time.Duration
	client   *http.Client

	mu      sync.Mutex
	samples []sample

	cancel context.CancelFunc
	done   chan struct{}
}

// NewScraper returns a scraper for metricsURL. Nothing is fetched until Start.
func NewScraper(metricsURL string, interval time.Duration) *Scraper {
	return &Scraper{
		url:      metricsURL,
		interval: interval,
		client:   &http.Client{Timeout: 5 * time.Second},
		done:     make(chan struct{}),
	}
}

// Start takes a sample immediately, then one per interval until ctx is
// cancelled or Stop is called. A last sample is taken on the way out.
func (s *Scraper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.scrape()

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				s.scrape()
				return
			case <-ticker.C:
				s.scrape()
			}
		}
	}()
}

// Stop ends polling and waits for the final sample.
func (s *Scraper) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

func (s *Scraper) scrape() {
	resp, err := s.client.Get(s.url)
	if err != nil {
		return // server not up yet
	}
	defer resp.Body.Close()

	smp, err := parseSample(resp.Body, time.Now())
	if err != nil {
		return
	}
	s.mu.Lock()
	s.samples = append(s.samples, smp)
	s.mu.Unlock()
}

// parseSample reads Prometheus text exposition and keeps the pairup_* series.
func parseSample(r io.Reader, at time.Time) (sample, error) {
	smp := newSample(at)

	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		if line == "" || line[0] == '#' {
			continue
		}
		name, labels, v, ok := parseLine(line)
		if !ok {
			continue
		}
		switch name {
		case "pairup_connections_total":
			smp.connections = v
		case "pairup_rooms_active":
			smp.rooms = v
		case "pairup_match_queue_size":
			smp.queue = v
		case "pairup_document_bytes":
			smp.docBytes = v
		case "pairup_frames_total":
			smp.frames[labels["kind"]] += v
		case "pairup_match_requests_total":
			smp.requests[labels["result"]] += v
		case "pairup_rooms_reaped_total":
			smp.reaped = v
		case "pairup_match_timeouts_total":
			smp.timeouts = v
		case "pairup_slow_consumers_total":
			smp.slow = v
		case "pairup_match_wait_seconds_sum":
			smp.waitSum = v
		case "pairup_match_wait_seconds_count":
			smp.waitCount = v
		}
	}
	return smp, sc.Err()
}

// parseLine splits `name{k="v",...} value` into its parts. Label values
// containing commas or escaped quotes are not supported; pairup labels have
// neither.
func parseLine(line string) (name string, labels map[string]string, value float64, ok bool) {
	rest := line
	if i := strings.IndexByte(line, '{'); i >= 0 {
		j := strings.IndexByte(line[i:], '}')
		if j < 0 {
			return "", nil, 0, false
		}
		name = line[:i]
		labels = make(map[string]string)
		for _, pair := range strings.Split(line[i+1:i+j], ",") {
			k, v, found := strings.Cut(pair, "=")
			if found {
				labels[strings.TrimSpace(k)] = strings.Trim(v, `"`)
			}
		}
		rest = line[i+j+1:]
	} else {
		var found bool
		name, rest, found = strings.Cut(line, " ")
		if !found {
			return "", nil, 0, false
		}
	}

	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return "", nil, 0, false
	}
	value, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return "", nil, 0, false
	}
	return name, labels, value, true
}

// Report prints gauges, counter deltas by label and the drain of rooms and
// the match queue after their peak.
func (s *Scraper) Report() {
	s.mu.Lock()
	samples := slices.Clone(s.samples)
	s.mu.Unlock()

	if len(samples) == 0 {
		fmt.Println("\n--- Server Metrics (no data collected) ---")
		return
	}
	first, last := samples[0], samples[len(samples)-1]

	fmt.Println("\n--- Server Metrics (Prometheus) ---")
	fmt.Printf("  %d samples over %s\n", len(samples), last.at.Sub(first.at).Round(time.Second))

	fmt.Printf("\n  %-16s %10s %10s\n", "Gauge", "Peak", "Final")
	for _, g := range []struct {
		label string
		get   func(sample) float64
	}{
		{"Connections", func(s sample) float64 { return s.connections }},
		{"Rooms", func(s sample) float64 { return s.rooms }},
		{"Match queue", func(s sample) float64 { return s.queue }},
		{"Document bytes", func(s sample) float64 { return s.docBytes }},
	} {
		_, peak := peakOf(samples, g.get)
		fmt.Printf("  %-16s %10.0f %10.0f\n", g.label, peak, g.get(last))
	}

	fmt.Println()
	printDeltas("Frames", first.frames, last.frames)
	printDeltas("Match requests", first.requests, last.requests)
	fmt.Printf("  %-16s %.0f\n", "Rooms reaped", last.reaped-first.reaped)
	fmt.Printf("  %-16s %.0f\n", "Match timeouts", last.timeouts-first.timeouts)
	fmt.Printf("  %-16s %.0f\n", "Slow consumers", last.slow-first.slow)
	if n := last.waitCount - first.waitCount; n > 0 {
		fmt.Printf("  %-16s avg %.3fs over %.0f matches\n", "Match wait", (last.waitSum-first.waitSum)/n, n)
	}

	fmt.Println()
	fmt.Printf("  Rooms drain:     %s\n", drain(samples, func(s sample) float64 { return s.rooms }))
	fmt.Printf("  Queue drain:     %s\n", drain(samples, func(s sample) float64 { return s.queue }))
}

// printDeltas prints the per-label increase of a counter, largest first.
func printDeltas(label string, before, after map[string]float64) {
	type kv struct {
		key string
		n   float64
	}
	var rows []kv
	total := 0.0
	for k, v := range after {
		if d := v - before[k]; d > 0 {
			rows = append(rows, kv{k, d})
			total += d
		}
	}
	slices.SortFunc(rows, func(a, b kv) int {
		if a.n != b.n {
			if a.n > b.n {
				return -1
			}
			return 1
		}
		return strings.Compare(a.key, b.key)
	})

	parts := make([]string, len(rows))
	for i, r := range rows {
		parts[i] = fmt.Sprintf("%s=%.0f", r.key, r.n)
	}
	fmt.Printf("  %-16s %.0f  %s\n", label, total, strings.Join(parts, " "))
}

// drain describes how a gauge fell after its peak: the values seen from the
// peak on and how long it took to reach zero, if it did.
func drain(samples []sample, get func(sample) float64) string {
	at, peak := peakOf(samples, get)
	if peak <= 0 {
		return "idle"
	}

	var curve []string
	for _, s := range samples[at:] {
		v := get(s)
		if len(curve) == 0 || curve[len(curve)-1] != strconv.FormatFloat(v, 'f', 0, 64) {
			curve = append(curve, strconv.FormatFloat(v, 'f', 0, 64))
		}
		if v <= 0 {
			return fmt.Sprintf("%s (empty after %s)", strings.Join(curve, " > "),
				s.at.Sub(samples[at].at).Round(time.Second))
		}
	}
	return strings.Join(curve, " > ") + " (not drained)"
}

// peakOf returns the index and value of the largest sample.
func peakOf(samples []sample, get func(sample) float64) (int, float64) {
	at, peak := 0, get(samples[0])
	for i, s := range samples[1:] {
		if v := get(s); v > peak {
			at, peak = i+1, v
		}
	}
	return at, peak
}
