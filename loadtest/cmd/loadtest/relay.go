package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/duolink/relay-app/loadtest/client"
	"github.com/duolink/relay-app/loadtest/stats"
)

// lifecycleResult tracks the outcome of a single pair's relay lifecycle.
type lifecycleResult struct {
	paired       bool
	msgSent      int64
	msgRecv      int64
	endedCleanly bool
	setupLatency time.Duration
}

// runRelay implements the full relay lifecycle load test. Each simulated
// pair goes through the complete flow: create session -> attach host ->
// attach guest -> exchange messages -> guest departs -> host observes
// guest_left. This test measures end-to-end latency and throughput for the
// entire relay experience.
func runRelay(args []string) {
	fs := flag.NewFlagSet("relay", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	apiBase := fs.String("api", "http://localhost:8080", "HTTP API base URL")
	pairs := fs.Int("pairs", 100, "Number of pairs for the full relay lifecycle")
	rampUp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration for pair launches")
	relayDuration := fs.Duration("relay-duration", 30*time.Second, "How long each pair exchanges messages")
	msgInterval := fs.Duration("msg-interval", 2*time.Second, "Interval between messages per peer")
	msgSize := fs.Int("msg-size", 128, "Size of each message payload in bytes")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous pair setups during ramp-up")
	pairTimeout := fs.Duration("pair-timeout", 10*time.Second, "Timeout for a single pair setup")
	metricsURL := fs.String("metrics-url", "http://localhost:8080/metrics", "Prometheus metrics endpoint URL")
	scrapeInterval := fs.Duration("scrape-interval", 2*time.Second, "Interval between metrics scrapes")
	fs.Parse(args)

	totalClients := *pairs * 2

	fmt.Printf("Relay test: %d pairs (%d clients) to %s (ramp=%s, relay=%s, interval=%s, msg-size=%d, concurrency=%d)\n",
		*pairs, totalClients, *url, *rampUp, *relayDuration, *msgInterval, *msgSize, *concurrency)

	// Set up signal handling for graceful shutdown.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()

	// Set up metrics scraper.
	scraper := stats.NewScraper(*metricsURL, *scrapeInterval)
	collector.SetScraper(scraper)
	scraper.Start(ctx)

	// Global atomic counters for progress reporting.
	var totalMsgSent atomic.Int64
	var totalMsgRecv atomic.Int64
	var activePairCount atomic.Int64
	var completedPairs atomic.Int64
	var errorCount atomic.Int64

	// Collect results from each pair.
	results := make([]lifecycleResult, *pairs)

	// Generate message payload once (reused by all pairs).
	msgPayload := strings.Repeat("abcdefgh", (*msgSize/8)+1)
	msgPayload = msgPayload[:*msgSize]

	// Semaphore to bound concurrent pair setups.
	sem := make(chan struct{}, *concurrency)
	var pairWg sync.WaitGroup

	// Progress reporting every 5 seconds.
	progressStop := make(chan struct{})
	var progressWg sync.WaitGroup
	progressWg.Add(1)
	go func() {
		defer progressWg.Done()
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				fmt.Printf("  [relay] active: %d  completed: %d/%d  sent: %d  recv: %d  errors: %d\n",
					activePairCount.Load(), completedPairs.Load(), *pairs,
					totalMsgSent.Load(), totalMsgRecv.Load(), errorCount.Load())
			case <-progressStop:
				return
			}
		}
	}()

	// -----------------------------------------------------------------------
	// Launch pairs over the ramp-up window
	// -----------------------------------------------------------------------
	fmt.Printf("\n--- Running %d relay pairs ---\n", *pairs)

	interval := *rampUp / time.Duration(*pairs)
	if interval <= 0 {
		interval = time.Millisecond
	}

	testStart := time.Now()

	for i := 0; i < *pairs; i++ {
		select {
		case <-ctx.Done():
		case <-time.After(interval):
		}
		if ctx.Err() != nil {
			break
		}

		i := i // capture loop variable
		pairWg.Add(1)
		sem <- struct{}{} // Acquire semaphore slot.

		go func() {
			defer pairWg.Done()
			defer func() { <-sem }() // Release semaphore slot.

			runLifecycle(ctx, *apiBase, *url, *relayDuration, *msgInterval, *pairTimeout,
				msgPayload, collector, &results[i],
				&totalMsgSent, &totalMsgRecv, &activePairCount, &completedPairs, &errorCount)
		}()
	}

	// Wait for all pairs to complete.
	allDone := make(chan struct{})
	go func() {
		pairWg.Wait()
		close(allDone)
	}()

	select {
	case <-allDone:
		// All pairs finished.
	case <-ctx.Done():
		fmt.Println("\nInterrupted — waiting for pairs to wind down...")
		<-allDone
	}

	close(progressStop)
	progressWg.Wait()

	testElapsed := time.Since(testStart)

	// -----------------------------------------------------------------------
	// Final report
	// -----------------------------------------------------------------------
	var successful int
	var totalSent, totalRecv int64
	var totalSetupLatency time.Duration
	pairedCount := 0

	for _, r := range results {
		if r.endedCleanly {
			successful++
		}
		totalSent += r.msgSent
		totalRecv += r.msgRecv
		if r.paired {
			pairedCount++
			totalSetupLatency += r.setupLatency
		}
	}

	fmt.Printf("\n--- Relay Results ---\n")
	fmt.Printf("Clean lifecycles:  %d / %d\n", successful, *pairs)
	fmt.Printf("Pairs formed:      %d / %d\n", pairedCount, *pairs)
	fmt.Printf("Total msg sent:    %d\n", totalSent)
	fmt.Printf("Total msg recv:    %d\n", totalRecv)
	fmt.Printf("Test duration:     %s\n", testElapsed.Round(time.Millisecond))
	if pairedCount > 0 {
		avgSetup := totalSetupLatency / time.Duration(pairedCount)
		fmt.Printf("Avg setup latency: %s\n", avgSetup.Round(time.Millisecond))
	}
	if testElapsed.Seconds() > 0 && totalSent > 0 {
		fmt.Printf("Msg throughput:    %.1f msg/s\n", float64(totalSent)/testElapsed.Seconds())
	}

	scraper.Stop()
	collector.Report()
}

// runLifecycle executes the full relay lifecycle for one pair: session
// setup, message exchange for the configured duration, then guest departure
// with the host waiting for guest_left. It returns after the lifecycle ends
// or the context is cancelled.
func runLifecycle(
	ctx context.Context,
	apiBase, wsURL string,
	relayDuration, msgInterval, pairTimeout time.Duration,
	msgPayload string,
	collector *stats.Collector,
	result *lifecycleResult,
	totalMsgSent, totalMsgRecv, activePairCount, completedPairs, errorCount *atomic.Int64,
) {
	defer completedPairs.Add(1)

	// --- Setup ---
	setupCtx, setupCancel := context.WithTimeout(ctx, pairTimeout)
	setupStart := time.Now()

	host, guest, err := setupPair(setupCtx, apiBase, wsURL)
	setupCancel()
	if err != nil {
		errorCount.Add(1)
		collector.AddError()
		return
	}
	defer host.Close()
	defer guest.Close()

	result.paired = true
	result.setupLatency = time.Since(setupStart)
	collector.AddConnect(host.GetMetrics().ConnectLatency)
	collector.AddConnect(guest.GetMetrics().ConnectLatency)

	// --- Message exchange ---
	activePairCount.Add(1)
	defer activePairCount.Add(-1)

	hostRecv := make(chan struct{}, 100)
	guestRecv := make(chan struct{}, 100)
	guestLeftSeen := make(chan struct{}, 1)

	host.On("payload", func(_ json.RawMessage) {
		totalMsgRecv.Add(1)
		select {
		case hostRecv <- struct{}{}:
		default:
		}
	})
	guest.On("payload", func(_ json.RawMessage) {
		totalMsgRecv.Add(1)
		select {
		case guestRecv <- struct{}{}:
		default:
		}
	})
	host.On(client.TypeGuestLeft, func(_ json.RawMessage) {
		select {
		case guestLeftSeen <- struct{}{}:
		default:
		}
	})

	relayCtx, relayCancel := context.WithTimeout(ctx, relayDuration)
	defer relayCancel()

	// Each peer sends on its own ticker. We track approximate relay latency
	// by recording the time of the last send and measuring until the next
	// receive on the same peer's partner.
	var hostLastSend atomic.Int64  // unix nanoseconds of last send
	var guestLastSend atomic.Int64 // unix nanoseconds of last send

	var exchangeWg sync.WaitGroup
	exchangeWg.Add(4)

	// Host sender.
	go func() {
		defer exchangeWg.Done()
		ticker := time.NewTicker(msgInterval)
		defer ticker.Stop()
		for {
			select {
			case <-relayCtx.Done():
				return
			case <-ticker.C:
				hostLastSend.Store(time.Now().UnixNano())
				if err := host.Send(map[string]string{"type": "payload", "data": msgPayload}); err != nil {
					errorCount.Add(1)
					collector.AddError()
					return
				}
				totalMsgSent.Add(1)
				result.msgSent++
			}
		}
	}()

	// Guest sender.
	go func() {
		defer exchangeWg.Done()
		ticker := time.NewTicker(msgInterval)
		defer ticker.Stop()
		for {
			select {
			case <-relayCtx.Done():
				return
			case <-ticker.C:
				guestLastSend.Store(time.Now().UnixNano())
				if err := guest.Send(map[string]string{"type": "payload", "data": msgPayload}); err != nil {
					errorCount.Add(1)
					collector.AddError()
					return
				}
				totalMsgSent.Add(1)
				result.msgSent++
			}
		}
	}()

	// Guest receiver: measures latency since the host's last send.
	go func() {
		defer exchangeWg.Done()
		for {
			select {
			case <-relayCtx.Done():
				return
			case <-guestRecv:
				result.msgRecv++
				if ts := hostLastSend.Load(); ts > 0 {
					collector.AddRelayLatency(time.Since(time.Unix(0, ts)))
				}
			}
		}
	}()

	// Host receiver: measures latency since the guest's last send.
	go func() {
		defer exchangeWg.Done()
		for {
			select {
			case <-relayCtx.Done():
				return
			case <-hostRecv:
				result.msgRecv++
				if ts := guestLastSend.Load(); ts > 0 {
					collector.AddRelayLatency(time.Since(time.Unix(0, ts)))
				}
			}
		}
	}()

	// Wait for the exchange window to expire.
	exchangeWg.Wait()

	// --- Teardown ---

	// Guest departs; the host should observe guest_left.
	guest.Close()

	endCtx, endCancel := context.WithTimeout(ctx, 5*time.Second)
	defer endCancel()

	select {
	case <-guestLeftSeen:
		result.endedCleanly = true
	case <-endCtx.Done():
		errorCount.Add(1)
		collector.AddError()
	}
}
