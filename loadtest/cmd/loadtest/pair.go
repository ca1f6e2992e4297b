package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/duolink/relay-app/loadtest/client"
	"github.com/duolink/relay-app/loadtest/stats"
)

// runPair implements the session pairing load test. Each simulated pair
// provisions a session, attaches a host, attaches a guest, and waits for
// the host to observe guest_joined. This test measures pairing throughput
// and setup latency under concurrent load.
func runPair(args []string) {
	fs := flag.NewFlagSet("pair", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	apiBase := fs.String("api", "http://localhost:8080", "HTTP API base URL")
	pairs := fs.Int("pairs", 500, "Number of host/guest pairs to form")
	rampUp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration for pair launches")
	pairTimeout := fs.Duration("pair-timeout", 10*time.Second, "Timeout for a single pair setup")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous pair setups during ramp-up")
	metricsURL := fs.String("metrics-url", "http://localhost:8080/metrics", "Prometheus metrics endpoint URL")
	scrapeInterval := fs.Duration("scrape-interval", 2*time.Second, "Interval between metrics scrapes")
	fs.Parse(args)

	fmt.Printf("Pair test: %d pairs to %s (ramp=%s, pair-timeout=%s, concurrency=%d)\n",
		*pairs, *url, *rampUp, *pairTimeout, *concurrency)

	// Set up signal handling for graceful shutdown.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()

	// Set up metrics scraper.
	scraper := stats.NewScraper(*metricsURL, *scrapeInterval)
	collector.SetScraper(scraper)
	scraper.Start(ctx)

	// Slice to track all open connections for cleanup.
	var mu sync.Mutex
	clients := make([]*client.Client, 0, *pairs*2)

	var paired atomic.Int64
	var failedPairs atomic.Int64

	// -----------------------------------------------------------------------
	// Pairing phase
	// -----------------------------------------------------------------------
	fmt.Println("\n--- Pairing phase ---")

	interval := *rampUp / time.Duration(*pairs)
	if interval <= 0 {
		interval = time.Millisecond
	}

	// Semaphore to bound concurrent pair setups.
	sem := make(chan struct{}, *concurrency)
	var wg sync.WaitGroup

	// Progress reporting: every 2 seconds during ramp-up.
	progressStop := make(chan struct{})
	var progressWg sync.WaitGroup
	progressWg.Add(1)
	go func() {
		defer progressWg.Done()
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		lastCount := int64(0)
		lastTime := time.Now()
		for {
			select {
			case <-ticker.C:
				now := time.Now()
				current := paired.Load()
				dt := now.Sub(lastTime).Seconds()
				rate := float64(current-lastCount) / dt
				fmt.Printf("  [pair] paired: %d/%d  failed: %d  rate: %.1f pairs/s\n",
					current, *pairs, failedPairs.Load(), rate)
				lastCount = current
				lastTime = now
			case <-progressStop:
				return
			}
		}
	}()

	rampStart := time.Now()
	rampTicker := time.NewTicker(interval)

	launched := 0
	for launched < *pairs {
		select {
		case <-ctx.Done():
			fmt.Println("\nInterrupted during pairing.")
			launched = *pairs // Break the loop.
		case <-rampTicker.C:
			launched++
			wg.Add(1)
			sem <- struct{}{} // Acquire semaphore slot.

			go func() {
				defer wg.Done()
				defer func() { <-sem }() // Release semaphore slot.

				pairCtx, pairCancel := context.WithTimeout(ctx, *pairTimeout)
				defer pairCancel()

				setupStart := time.Now()

				host, guest, err := setupPair(pairCtx, *apiBase, *url)
				if err != nil {
					failedPairs.Add(1)
					collector.AddError()
					return
				}

				setupLatency := time.Since(setupStart)
				paired.Add(1)
				collector.AddConnect(host.GetMetrics().ConnectLatency)
				collector.AddConnect(guest.GetMetrics().ConnectLatency)
				collector.AddRelayLatency(setupLatency)

				mu.Lock()
				clients = append(clients, host, guest)
				mu.Unlock()
			}()
		}
	}

	rampTicker.Stop()
	wg.Wait()
	close(progressStop)
	progressWg.Wait()

	rampElapsed := time.Since(rampStart)

	// -----------------------------------------------------------------------
	// Final report
	// -----------------------------------------------------------------------
	fmt.Printf("\nPairing complete: %d/%d pairs in %s (%d failed)\n",
		paired.Load(), *pairs, rampElapsed.Round(time.Millisecond), failedPairs.Load())
	if rampElapsed.Seconds() > 0 && paired.Load() > 0 {
		fmt.Printf("Pairing rate:    %.1f pairs/s\n", float64(paired.Load())/rampElapsed.Seconds())
	}
	fmt.Println("\nNote: Relay Latency below holds pair setup latencies for this test.")

	// -----------------------------------------------------------------------
	// Cleanup
	// -----------------------------------------------------------------------
	cleanup(clients, &mu)
	scraper.Stop()
	collector.Report()
}

// setupPair provisions a session and attaches a host and a guest, returning
// once the host has observed guest_joined. Both clients stay connected;
// callers own their cleanup.
func setupPair(ctx context.Context, apiBase, wsURL string) (*client.Client, *client.Client, error) {
	sess, err := client.CreateSession(ctx, apiBase)
	if err != nil {
		return nil, nil, fmt.Errorf("create session: %w", err)
	}

	host, err := client.New(ctx, wsURL, sess.SessionID, "host", sess.HostSecret)
	if err != nil {
		return nil, nil, fmt.Errorf("host connect: %w", err)
	}

	joined := make(chan struct{}, 1)
	host.On(client.TypeGuestJoined, func(_ json.RawMessage) {
		select {
		case joined <- struct{}{}:
		default:
		}
	})

	if err := host.WaitForConnected(ctx); err != nil {
		host.Close()
		return nil, nil, fmt.Errorf("host ack: %w", err)
	}

	guest, err := client.New(ctx, wsURL, sess.SessionID, "guest", "")
	if err != nil {
		host.Close()
		return nil, nil, fmt.Errorf("guest connect: %w", err)
	}

	if err := guest.WaitForConnected(ctx); err != nil {
		host.Close()
		guest.Close()
		return nil, nil, fmt.Errorf("guest ack: %w", err)
	}

	select {
	case <-joined:
	case <-ctx.Done():
		host.Close()
		guest.Close()
		return nil, nil, fmt.Errorf("timeout waiting for guest_joined")
	}

	return host, guest, nil
}

// cleanup closes all tracked clients.
func cleanup(clients []*client.Client, mu *sync.Mutex) {
	mu.Lock()
	defer mu.Unlock()
	fmt.Printf("\nClosing %d connections...\n", len(clients))
	for _, c := range clients {
		c.Close()
	}
}
