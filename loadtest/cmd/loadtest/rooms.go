package main

import (
	"context"
	"flag"
	"fmt"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/pairup/collab/loadtest/client"
	"github.com/pairup/collab/loadtest/stats"
)

// runRooms fills a number of rooms with editors that each send timestamped
// document updates at a fixed rate. Every receiver records fan-out latency,
// and the report compares deliveries against sent x (editors - 1). The
// gateway must run with session verification disabled.
func runRooms(args []string) {
	fs := flag.NewFlagSet("rooms", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:3003", "Collab gateway base URL")
	rooms := fs.Int("rooms", 100, "Number of rooms")
	editors := fs.Int("editors", 2, "Editors per room")
	rate := fs.Float64("rate", 5, "Updates per second per editor")
	size := fs.Int("size", 64, "Update payload size in bytes")
	duration := fs.Duration("duration", 30*time.Second, "Send duration")
	rampUp := fs.Duration("ramp", 5*time.Second, "Ramp-up duration")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous connection attempts during ramp-up")
	metricsURL := fs.String("metrics-url", "http://localhost:3003/metrics", "Prometheus metrics endpoint URL")
	fs.Parse(args)

	if *editors < 2 {
		*editors = 2
	}
	total := *rooms * *editors

	fmt.Printf("Rooms test: %d rooms x %d editors to %s (rate=%.1f/s, size=%dB, duration=%s)\n",
		*rooms, *editors, *url, *rate, *size, *duration)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()
	scraper := stats.NewScraper(*metricsURL, 2*time.Second)
	collector.SetScraper(scraper)
	scraper.Start(ctx)

	var mu sync.Mutex
	clients := make([]*client.Client, 0, total)

	// -----------------------------------------------------------------------
	// Phase 1: join rooms
	// -----------------------------------------------------------------------
	fmt.Println("\n--- Phase 1: Join rooms ---")
	stopProgress := progress(collector, "join", total, 2*time.Second)

	interrupted := ramp(ctx, total, *rampUp, *concurrency, func(i int) {
		connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		room := i / *editors
		c, err := client.New(connCtx, *url,
			fmt.Sprintf("lt-editor-%d-%d", room, i%*editors),
			fmt.Sprintf("lt-room-%d", room))
		if err != nil {
			collector.AddError()
			return
		}
		c.OnUpdate(func(data []byte) {
			if d, ok := client.UpdateLatency(data); ok {
				collector.AddFanoutLatency(d)
			}
		})
		collector.AddConnect(c.GetMetrics().ConnectLatency)

		mu.Lock()
		clients = append(clients, c)
		mu.Unlock()
	})
	stopProgress()

	if interrupted {
		cleanup(clients, &mu)
		scraper.Stop()
		collector.Report()
		return
	}

	// -----------------------------------------------------------------------
	// Phase 2: exchange updates
	// -----------------------------------------------------------------------
	fmt.Println("\n--- Phase 2: Exchange updates ---")

	// Receivers per room are the editors that actually joined it, minus one.
	joined := make(map[string]int)
	for _, c := range clients {
		joined[c.SessionID]++
	}

	var sent atomic.Int64
	sendCtx, cancelSend := context.WithTimeout(ctx, *duration)
	defer cancelSend()

	interval := time.Duration(float64(time.Second) / *rate)
	var wg sync.WaitGroup
	for _, c := range clients {
		wg.Add(1)
		go func(c *client.Client, receivers int) {
			defer wg.Done()
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-sendCtx.Done():
					return
				case <-c.Done():
					return
				case <-ticker.C:
					if err := c.SendUpdate(client.StampedUpdate(*size)); err != nil {
						collector.AddError()
						return
					}
					sent.Add(1)
					collector.ExpectDeliveries(receivers)
				}
			}
		}(c, joined[c.SessionID]-1)
	}

	statusTicker := time.NewTicker(5 * time.Second)
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

waitLoop:
	for {
		select {
		case <-done:
			break waitLoop
		case <-statusTicker.C:
			fmt.Printf("  [send] updates sent: %d  alive: %d/%d  errors: %d\n",
				sent.Load(), countAlive(clients, &mu), len(clients), collector.ErrorCount())
		}
	}
	statusTicker.Stop()

	// Let in-flight frames land before counting deliveries.
	time.Sleep(time.Second)

	fmt.Printf("\nUpdates sent: %d\n", sent.Load())
	cleanup(clients, &mu)
	scraper.Stop()
	collector.Report()
}
