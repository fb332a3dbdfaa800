package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/whisper/rendezvous/loadtest/client"
	"github.com/whisper/rendezvous/loadtest/stats"
)

// rampConfig controls how connect phases open their clients.
type rampConfig struct {
	url         string
	total       int
	duration    time.Duration
	concurrency int
	label       string
}

// rampUp dials and authenticates cfg.total anonymous clients spread over
// cfg.duration. Each client gets its own X-Forwarded-For address and resume
// key so per-IP limits and identities do not collide. It returns the clients
// that made it and whether ctx was cancelled part way.
func rampUp(ctx context.Context, cfg rampConfig, collector *stats.Collector) ([]*client.Client, bool) {
	interval := cfg.duration / time.Duration(cfg.total)
	if interval <= 0 {
		interval = time.Millisecond
	}

	var (
		mu      sync.Mutex
		clients = make([]*client.Client, 0, cfg.total)
		wg      sync.WaitGroup
		sem     = make(chan struct{}, cfg.concurrency)
	)

	progressStop := make(chan struct{})
	var progressWg sync.WaitGroup
	progressWg.Add(1)
	go func() {
		defer progressWg.Done()
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		lastCount := 0
		lastTime := time.Now()
		for {
			select {
			case <-ticker.C:
				now := time.Now()
				n := collector.ConnectionCount()
				rate := float64(n-lastCount) / now.Sub(lastTime).Seconds()
				fmt.Printf("  [%s] connections: %d/%d  errors: %d  rate: %.1f conn/s\n",
					cfg.label, n, cfg.total, collector.ErrorCount(), rate)
				lastCount = n
				lastTime = now
			case <-progressStop:
				return
			}
		}
	}()

	start := time.Now()
	ticker := time.NewTicker(interval)
	interrupted := false

launch:
	for i := 0; i < cfg.total; i++ {
		select {
		case <-ctx.Done():
			fmt.Println("\nInterrupted during connection phase.")
			interrupted = true
			break launch
		case <-ticker.C:
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()

			connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()

			c, err := client.Dial(connCtx, cfg.url, client.Options{ForwardedFor: fakeIP(i)})
			if err != nil {
				collector.AddError()
				return
			}
			if _, err := c.Authenticate(connCtx, "", fmt.Sprintf("load-%d-%d", start.UnixNano(), i)); err != nil {
				collector.AddError()
				c.Close()
				return
			}
			collector.AddConnect(c.Metrics().ConnectLatency)

			mu.Lock()
			clients = append(clients, c)
			mu.Unlock()
		}(i)
	}

	ticker.Stop()
	wg.Wait()
	close(progressStop)
	progressWg.Wait()

	fmt.Printf("\nConnect phase complete: %d/%d clients in %s (%d errors)\n",
		len(clients), cfg.total, time.Since(start).Round(time.Millisecond), collector.ErrorCount())
	return clients, interrupted
}

// fakeIP maps a client index into 10.0.0.0/8.
func fakeIP(i int) string {
	return fmt.Sprintf("10.%d.%d.%d", (i>>16)&0xff, (i>>8)&0xff, i&0xff)
}

// cleanup closes all client connections.
func cleanup(clients []*client.Client) {
	fmt.Println("\n--- Cleanup ---")
	fmt.Printf("Closing %d connections...\n", len(clients))
	for _, c := range clients {
		c.Close()
	}
	fmt.Println("All connections closed.")
}
