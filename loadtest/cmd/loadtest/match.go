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

	"github.com/whisper/rendezvous/loadtest/client"
	"github.com/whisper/rendezvous/loadtest/stats"
)

// runMatch connects pairs of users, puts every one of them in the queue at
// once and measures how long match_found takes. With -exit each formed
// session is ended right away so sessions do not pile up on the server.
func runMatch(args []string) {
	fs := flag.NewFlagSet("match", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	pairs := fs.Int("pairs", 500, "Number of user pairs to match")
	rampDur := fs.Duration("ramp", 10*time.Second, "Ramp-up duration for connection creation")
	matchTimeout := fs.Duration("match-timeout", 30*time.Second, "Timeout waiting for match_found")
	gender := fs.String("gender", "", "Gender filter every client queues with (empty = no filter)")
	exit := fs.Bool("exit", true, "Exit each session as soon as it forms")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous connection attempts during ramp-up")
	metricsURL := fs.String("metrics-url", "http://localhost:8080/metrics", "Prometheus metrics endpoint URL")
	scrapeInterval := fs.Duration("scrape-interval", 2*time.Second, "Interval between metrics scrapes")
	fs.Parse(args)

	totalClients := *pairs * 2
	fmt.Printf("Match test: %d pairs (%d clients) to %s (ramp=%s, match-timeout=%s, gender=%q, concurrency=%d)\n",
		*pairs, totalClients, *url, *rampDur, *matchTimeout, *gender, *concurrency)

	var filters map[string]string
	if *gender != "" {
		filters = map[string]string{"gender": *gender}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()
	scraper := stats.NewScraper(*metricsURL, *scrapeInterval)
	collector.SetScraper(scraper)
	scraper.Start(ctx)

	fmt.Println("\n--- Phase 1: Connect all users ---")
	clients, interrupted := rampUp(ctx, rampConfig{
		url:         *url,
		total:       totalClients,
		duration:    *rampDur,
		concurrency: *concurrency,
		label:       "connect",
	}, collector)
	if interrupted {
		fmt.Println("Interrupted, skipping matching phase.")
		cleanup(clients)
		scraper.Stop()
		collector.Report()
		return
	}

	fmt.Println("\n--- Phase 2: Join queue ---")
	var matched, timedOut atomic.Int64
	var wg sync.WaitGroup

	matchStart := time.Now()
	for _, c := range clients {
		wg.Add(1)
		go func(c *client.Client) {
			defer wg.Done()

			start := time.Now()
			if err := c.JoinQueue(filters); err != nil {
				collector.AddError()
				return
			}

			waitCtx, cancel := context.WithTimeout(ctx, *matchTimeout)
			defer cancel()
			f, err := c.Expect(waitCtx, client.TypeMatchFound)
			if err != nil {
				if waitCtx.Err() != nil && ctx.Err() == nil {
					timedOut.Add(1)
				}
				collector.AddError()
				return
			}
			collector.AddMatchLatency(f.At.Sub(start))
			matched.Add(1)

			if *exit {
				_ = c.Send(map[string]string{"type": client.TypeExit})
			}
		}(c)
	}

	fmt.Println("\n--- Phase 3: Waiting for matches ---")
	progressStop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				fmt.Printf("  [match] clients matched: %d/%d  timed out: %d  errors: %d\n",
					matched.Load(), len(clients), timedOut.Load(), collector.ErrorCount())
			case <-progressStop:
				return
			}
		}
	}()

	wg.Wait()
	close(progressStop)
	matchElapsed := time.Since(matchStart)

	successfulPairs := matched.Load() / 2
	fmt.Printf("\n--- Match Results ---\n")
	fmt.Printf("Successful pairs:  %d / %d\n", successfulPairs, *pairs)
	fmt.Printf("Clients matched:   %d / %d\n", matched.Load(), len(clients))
	fmt.Printf("Timed out:         %d\n", timedOut.Load())
	fmt.Printf("Match duration:    %s\n", matchElapsed.Round(time.Millisecond))
	if matchElapsed.Seconds() > 0 {
		fmt.Printf("Match throughput:  %.1f pairs/s\n", float64(successfulPairs)/matchElapsed.Seconds())
	}

	cleanup(clients)
	scraper.Stop()
	collector.Report()
}
