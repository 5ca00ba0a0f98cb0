package main

import (
	"context"
	"flag"
	"fmt"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/pairup/collab/loadtest/client"
	"github.com/pairup/collab/loadtest/stats"
)

// runSaturate opens a number of idle collab connections, ramping up over a
// configurable duration, then holds them open while watching for drops. Each
// connection gets its own room unless -per-room groups them. The gateway must
// run with session verification disabled.
func runSaturate(args []string) {
	fs := flag.NewFlagSet("saturate", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:3003", "Collab gateway base URL")
	connections := fs.Int("connections", 1000, "Number of connections to open")
	perRoom := fs.Int("per-room", 1, "Connections sharing each room")
	rampUp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration")
	hold := fs.Duration("hold", 30*time.Second, "Hold duration after all connections are open")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous connection attempts during ramp-up")
	metricsURL := fs.String("metrics-url", "http://localhost:3003/metrics", "Prometheus metrics endpoint URL")
	fs.Parse(args)

	if *perRoom < 1 {
		*perRoom = 1
	}

	fmt.Printf("Saturate test: %d connections to %s (per-room=%d, ramp=%s, hold=%s, concurrency=%d)\n",
		*connections, *url, *perRoom, *rampUp, *hold, *concurrency)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()
	scraper := stats.NewScraper(*metricsURL, 2*time.Second)
	collector.SetScraper(scraper)
	scraper.Start(ctx)

	var mu sync.Mutex
	clients := make([]*client.Client, 0, *connections)

	fmt.Println("\n--- Ramp-up phase ---")
	stopProgress := progress(collector, "ramp", *connections, time.Second)

	interrupted := ramp(ctx, *connections, *rampUp, *concurrency, func(i int) {
		connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		userID := fmt.Sprintf("lt-sat-%d", i)
		sessionID := fmt.Sprintf("lt-sat-room-%d", i / *perRoom)
		c, err := client.New(connCtx, *url, userID, sessionID)
		if err != nil {
			collector.AddError()
			return
		}
		collector.AddConnect(c.GetMetrics().ConnectLatency)

		mu.Lock()
		clients = append(clients, c)
		mu.Unlock()
	})
	stopProgress()

	fmt.Printf("\nRamp-up complete: %d/%d connections (%d errors)\n",
		collector.ConnectionCount(), *connections, collector.ErrorCount())

	if !interrupted {
		fmt.Println("\n--- Hold phase ---")
		mu.Lock()
		initial := len(clients)
		mu.Unlock()
		fmt.Printf("Holding %d connections for %s...\n", initial, *hold)

		holdTimer := time.NewTimer(*hold)
		statusTicker := time.NewTicker(5 * time.Second)

	holdLoop:
		for {
			select {
			case <-ctx.Done():
				fmt.Println("\nInterrupted during hold phase.")
				break holdLoop
			case <-holdTimer.C:
				fmt.Println("\nHold period complete.")
				break holdLoop
			case <-statusTicker.C:
				alive := countAlive(clients, &mu)
				fmt.Printf("  [hold] alive: %d/%d  dropped: %d\n", alive, initial, initial-alive)
			}
		}

		holdTimer.Stop()
		statusTicker.Stop()

		if dropped := initial - countAlive(clients, &mu); dropped > 0 {
			fmt.Printf("\nConnections dropped during hold: %d\n", dropped)
		}
	}

	cleanup(clients, &mu)
	scraper.Stop()
	collector.Report()
}

// ramp launches n workers spread evenly over d with at most concurrency in
// flight. It reports whether ctx was cancelled before all were launched.
func ramp(ctx context.Context, n int, d time.Duration, concurrency int, work func(i int)) bool {
	interval := d / time.Duration(n)
	if interval <= 0 {
		interval = time.Millisecond
	}

	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	interrupted := false
	for i := 0; i < n && !interrupted; {
		select {
		case <-ctx.Done():
			fmt.Println("\nInterrupted during ramp-up.")
			interrupted = true
		case <-ticker.C:
			wg.Add(1)
			sem <- struct{}{}
			go func(i int) {
				defer wg.Done()
				defer func() { <-sem }()
				work(i)
			}(i)
			i++
		}
	}

	wg.Wait()
	return interrupted
}

// progress prints connection and error counts every interval until the
// returned func is called.
func progress(collector *stats.Collector, label string, target int, interval time.Duration) func() {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		lastCount := 0
		lastTime := time.Now()
		for {
			select {
			case <-ticker.C:
				now := time.Now()
				current := collector.ConnectionCount()
				rate := float64(current-lastCount) / now.Sub(lastTime).Seconds()
				fmt.Printf("  [%s] connections: %d/%d  errors: %d  rate: %.1f conn/s\n",
					label, current, target, collector.ErrorCount(), rate)
				lastCount = current
				lastTime = now
			case <-done:
				return
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

func countAlive(clients []*client.Client, mu *sync.Mutex) int {
	mu.Lock()
	defer mu.Unlock()
	alive := 0
	for _, c := range clients {
		select {
		case <-c.Done():
		default:
			alive++
		}
	}
	return alive
}

// cleanup closes all client connections.
func cleanup(clients []*client.Client, mu *sync.Mutex) {
	fmt.Println("\n--- Cleanup ---")
	mu.Lock()
	fmt.Printf("Closing %d connections...\n", len(clients))
	for _, c := range clients {
		c.Close()
	}
	mu.Unlock()
	fmt.Println("All connections closed.")
}
