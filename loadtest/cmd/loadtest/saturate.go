package main

import (
	"context"
	"flag"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/whisper/rendezvous/loadtest/stats"
)

// runSaturate opens and authenticates many idle connections, then holds them
// while counting drops. Every admitted client is an online presence record, so
// this exercises presence fanout at scale as well as connection capacity.
func runSaturate(args []string) {
	fs := flag.NewFlagSet("saturate", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	connections := fs.Int("connections", 1000, "Number of connections to open")
	rampDur := fs.Duration("ramp", 10*time.Second, "Ramp-up duration")
	hold := fs.Duration("hold", 30*time.Second, "Hold duration after all connections are open")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous connection attempts during ramp-up")
	metricsURL := fs.String("metrics-url", "http://localhost:8080/metrics", "Prometheus metrics endpoint URL")
	fs.Parse(args)

	fmt.Printf("Saturate test: %d connections to %s (ramp=%s, hold=%s, concurrency=%d)\n",
		*connections, *url, *rampDur, *hold, *concurrency)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()
	scraper := stats.NewScraper(*metricsURL, 2*time.Second)
	collector.SetScraper(scraper)
	scraper.Start(ctx)

	fmt.Println("\n--- Ramp-up phase ---")
	clients, interrupted := rampUp(ctx, rampConfig{
		url:         *url,
		total:       *connections,
		duration:    *rampDur,
		concurrency: *concurrency,
		label:       "ramp",
	}, collector)

	dropped := 0
	if !interrupted {
		fmt.Println("\n--- Hold phase ---")
		fmt.Printf("Holding %d connections for %s...\n", len(clients), *hold)

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
				alive := 0
				for _, c := range clients {
					if c.Alive() {
						alive++
					}
				}
				dropped = len(clients) - alive
				fmt.Printf("  [hold] alive: %d/%d  dropped: %d\n", alive, len(clients), dropped)
			}
		}

		holdTimer.Stop()
		statusTicker.Stop()
	}

	cleanup(clients)
	scraper.Stop()
	if dropped > 0 {
		fmt.Printf("\nConnections dropped during hold: %d\n", dropped)
	}
	collector.Report()
}
