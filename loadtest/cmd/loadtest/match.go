package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/pairup/collab/loadtest/client"
	"github.com/pairup/collab/loadtest/stats"
)

// runMatch drives the full pairing flow for N pairs: both users request a
// match over HTTP, the waiting side polls until it is matched, then both join
// the collab room and exchange one update. Each pair gets its own topic so
// pairs only match each other unless -shared-topic is set.
func runMatch(args []string) {
	fs := flag.NewFlagSet("match", flag.ExitOnError)
	matcherURL := fs.String("matcher", "http://localhost:3002", "Matching service base URL")
	collabURL := fs.String("url", "ws://localhost:3003", "Collab gateway base URL")
	pairs := fs.Int("pairs", 200, "Number of user pairs to match")
	difficulty := fs.String("difficulty", "easy", "Comma-separated difficulty levels")
	sharedTopic := fs.String("shared-topic", "", "Topic for every user (empty = one topic per pair)")
	rampUp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration")
	matchTimeout := fs.Duration("match-timeout", 30*time.Second, "Timeout waiting for a session id")
	concurrency := fs.Int("concurrency", 50, "Maximum pairs in flight during ramp-up")
	metricsURL := fs.String("metrics-url", "http://localhost:3002/metrics", "Prometheus metrics endpoint URL")
	scrapeInterval := fs.Duration("scrape-interval", 2*time.Second, "Interval between metrics scrapes")
	fs.Parse(args)

	levels := splitList(*difficulty)

	fmt.Printf("Match test: %d pairs via %s then %s (difficulty=%v, match-timeout=%s, concurrency=%d)\n",
		*pairs, *matcherURL, *collabURL, levels, *matchTimeout, *concurrency)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()
	scraper := stats.NewScraper(*metricsURL, *scrapeInterval)
	collector.SetScraper(scraper)
	scraper.Start(ctx)

	mc := &matcherClient{
		baseURL: strings.TrimRight(*matcherURL, "/"),
		http:    &http.Client{Timeout: 5 * time.Second},
	}

	var matched, joined atomic.Int64
	start := time.Now()

	fmt.Println("\n--- Matching pairs ---")
	progressStop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				fmt.Printf("  [match] matched: %d/%d  joined: %d  errors: %d\n",
					matched.Load(), *pairs, joined.Load(), collector.ErrorCount())
			case <-progressStop:
				return
			}
		}
	}()

	ramp(ctx, *pairs, *rampUp, *concurrency, func(i int) {
		topic := *sharedTopic
		if topic == "" {
			topic = fmt.Sprintf("lt-topic-%d", i)
		}
		crit := criteria{Difficulty: levels, Topics: []string{topic}}
		users := [2]string{fmt.Sprintf("lt-a-%d", i), fmt.Sprintf("lt-b-%d", i)}

		pairCtx, cancel := context.WithTimeout(ctx, *matchTimeout)
		defer cancel()

		var sessions [2]string
		var errs [2]error
		var wg sync.WaitGroup
		for j, user := range users {
			wg.Add(1)
			go func(j int, user string) {
				defer wg.Done()
				t0 := time.Now()
				sessions[j], errs[j] = mc.awaitSession(pairCtx, user, crit)
				if errs[j] == nil {
					collector.AddMatchLatency(time.Since(t0))
				}
			}(j, user)
			// Stagger so the first user is queued before the second arrives.
			if j == 0 {
				time.Sleep(10 * time.Millisecond)
			}
		}
		wg.Wait()

		defer func() {
			for _, user := range users {
				mc.cleanup(user)
			}
		}()

		if err := errors.Join(errs[0], errs[1]); err != nil {
			collector.AddError()
			return
		}
		matched.Add(1)

		if sessions[0] != sessions[1] {
			// Only possible with a shared topic; the partners live in other pairs.
			return
		}
		if err := exchange(pairCtx, collector, *collabURL, users, sessions[0]); err != nil {
			collector.AddError()
			return
		}
		joined.Add(1)
	})

	close(progressStop)
	elapsed := time.Since(start)

	fmt.Printf("\n--- Match Results ---\n")
	fmt.Printf("Matched pairs:     %d / %d\n", matched.Load(), *pairs)
	fmt.Printf("Joined rooms:      %d / %d\n", joined.Load(), *pairs)
	fmt.Printf("Duration:          %s\n", elapsed.Round(time.Millisecond))
	if elapsed.Seconds() > 0 {
		fmt.Printf("Throughput:        %.1f pairs/s\n", float64(matched.Load())/elapsed.Seconds())
	}

	scraper.Stop()
	collector.Report()
}

// exchange connects both users to their room and checks that an update from
// each one reaches the other.
func exchange(ctx context.Context, collector *stats.Collector, url string, users [2]string, sessionID string) error {
	var conns [2]*client.Client
	received := make(chan struct{}, 2)

	for j, user := range users {
		c, err := client.New(ctx, url, user, sessionID)
		if err != nil {
			for _, prev := range conns[:j] {
				prev.Close()
			}
			return err
		}
		collector.AddConnect(c.GetMetrics().ConnectLatency)
		c.OnUpdate(func(data []byte) {
			if d, ok := client.UpdateLatency(data); ok {
				collector.AddFanoutLatency(d)
			}
			received <- struct{}{}
		})
		conns[j] = c
	}
	defer func() {
		for _, c := range conns {
			c.Close()
		}
	}()

	// Both sockets are open, but the second join may still be in flight on
	// the server. A short pause keeps the first update from being dropped.
	time.Sleep(50 * time.Millisecond)

	for _, c := range conns {
		if err := c.SendUpdate(client.StampedUpdate(32)); err != nil {
			return err
		}
		collector.ExpectDeliveries(1)
	}

	for n := 0; n < 2; n++ {
		select {
		case <-received:
		case <-ctx.Done():
			return fmt.Errorf("waiting for update: %w", ctx.Err())
		}
	}
	return nil
}

type criteria struct {
	Difficulty []string `json:"difficulty"`
	Topics     []string `json:"topics"`
}

// matcherClient is a minimal client for the matching service HTTP API.
type matcherClient struct {
	baseURL string
	http    *http.Client
}

type matchResponse struct {
	Success    bool   `json:"success"`
	MatchFound bool   `json:"matchFound"`
	SessionID  string `json:"sessionId"`
	Status     string `json:"status"`
	Error      string `json:"error"`
}

// awaitSession posts a match request and, if queued, polls the status
// endpoint until a session id appears or ctx expires.
func (m *matcherClient) awaitSession(ctx context.Context, userID string, c criteria) (string, error) {
	body, err := json.Marshal(struct {
		UserID string `json:"userId"`
		criteria
	}{userID, c})
	if err != nil {
		return "", err
	}

	var resp matchResponse
	if err := m.do(ctx, http.MethodPost, "/matching/match", body, &resp); err != nil {
		return "", err
	}
	if resp.MatchFound {
		return resp.SessionID, nil
	}

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("%s: no match: %w", userID, ctx.Err())
		case <-ticker.C:
		}

		var status matchResponse
		if err := m.do(ctx, http.MethodGet, "/matching/status/"+userID, nil, &status); err != nil {
			return "", err
		}
		switch status.Status {
		case "matched":
			return status.SessionID, nil
		case "idle":
			return "", fmt.Errorf("%s: search ended without a match", userID)
		}
	}
}

// cleanup ends any session and search the user may still hold.
func (m *matcherClient) cleanup(userID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = m.do(ctx, http.MethodDelete, "/matching/session/"+userID, nil, nil)
	_ = m.do(ctx, http.MethodDelete, "/matching/match/"+userID, nil, nil)
}

func (m *matcherClient) do(ctx context.Context, method, path string, body []byte, out *matchResponse) error {
	req, err := http.NewRequestWithContext(ctx, method, m.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := m.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var parsed matchResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return fmt.Errorf("%s %s: decode: %w", method, path, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s %s: %d %s", method, path, resp.StatusCode, parsed.Error)
	}
	if out != nil {
		*out = parsed
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
