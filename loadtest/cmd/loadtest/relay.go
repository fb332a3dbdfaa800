package main

import (
	"context"
	"flag"
	"fmt"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/whisper/rendezvous/loadtest/client"
	"github.com/whisper/rendezvous/loadtest/stats"
)

// member is one side of a formed session during the relay test.
type member struct {
	c         *client.Client
	sessionID string

	mu   sync.Mutex
	sent map[int]time.Time // seq -> send time
}

func (m *member) sentAt(seq int) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.sent[seq]
	return t, ok
}

// runRelay forms sessions, then has both members of every session exchange
// session messages and measures partner delivery latency.
func runRelay(args []string) {
	fs := flag.NewFlagSet("relay", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	pairs := fs.Int("pairs", 100, "Number of sessions")
	messages := fs.Int("messages", 20, "Messages each member sends")
	interval := fs.Duration("interval", 2*time.Second, "Delay between messages (the server allows 5 per 10s)")
	rampDur := fs.Duration("ramp", 5*time.Second, "Ramp-up duration for connection creation")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous connection attempts during ramp-up")
	metricsURL := fs.String("metrics-url", "http://localhost:8080/metrics", "Prometheus metrics endpoint URL")
	fs.Parse(args)

	fmt.Printf("Relay test: %d sessions, %d messages per member every %s to %s\n",
		*pairs, *messages, *interval, *url)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()
	scraper := stats.NewScraper(*metricsURL, 2*time.Second)
	collector.SetScraper(scraper)
	scraper.Start(ctx)

	fmt.Println("\n--- Phase 1: Connect ---")
	clients, interrupted := rampUp(ctx, rampConfig{
		url:         *url,
		total:       *pairs * 2,
		duration:    *rampDur,
		concurrency: *concurrency,
		label:       "connect",
	}, collector)
	if interrupted {
		cleanup(clients)
		scraper.Stop()
		collector.Report()
		return
	}

	fmt.Println("\n--- Phase 2: Match ---")
	var (
		mu        sync.Mutex
		bySession = make(map[string][]*member)
		wg        sync.WaitGroup
	)
	for _, c := range clients {
		wg.Add(1)
		go func(c *client.Client) {
			defer wg.Done()
			if err := c.JoinQueue(nil); err != nil {
				collector.AddError()
				return
			}
			waitCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			defer cancel()
			f, err := c.Expect(waitCtx, client.TypeMatchFound)
			if err != nil {
				collector.AddError()
				return
			}
			var msg struct {
				SessionID string `json:"session_id"`
			}
			if err := f.Decode(&msg); err != nil {
				collector.AddError()
				return
			}
			mu.Lock()
			bySession[msg.SessionID] = append(bySession[msg.SessionID], &member{
				c:         c,
				sessionID: msg.SessionID,
				sent:      make(map[int]time.Time),
			})
			mu.Unlock()
		}(c)
	}
	wg.Wait()

	var sessions [][]*member
	for _, ms := range bySession {
		if len(ms) == 2 {
			sessions = append(sessions, ms)
		}
	}
	fmt.Printf("Formed %d/%d sessions\n", len(sessions), *pairs)

	fmt.Println("\n--- Phase 3: Exchange messages ---")
	start := time.Now()
	for _, ms := range sessions {
		for i, me := range ms {
			partner := ms[1-i]
			wg.Add(2)
			go func(me *member) {
				defer wg.Done()
				sendMessages(ctx, me, *messages, *interval, collector)
			}(me)
			go func(me, partner *member) {
				defer wg.Done()
				receiveMessages(ctx, me, partner, *messages, *interval, collector)
			}(me, partner)
		}
	}
	wg.Wait()
	fmt.Printf("Exchange finished in %s\n", time.Since(start).Round(time.Millisecond))

	cleanup(clients)
	scraper.Stop()
	collector.Report()
}

func sendMessages(ctx context.Context, me *member, n int, interval time.Duration, collector *stats.Collector) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for seq := 1; seq <= n; seq++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		me.mu.Lock()
		me.sent[seq] = time.Now()
		me.mu.Unlock()
		err := me.c.Send(map[string]string{
			"type":       client.TypeSessionMessage,
			"session_id": me.sessionID,
			"text":       "load message " + strconv.Itoa(seq),
		})
		if err != nil {
			collector.AddError()
			return
		}
	}
}

func receiveMessages(ctx context.Context, me, partner *member, n int, interval time.Duration, collector *stats.Collector) {
	deadline := time.Duration(n+5) * interval
	waitCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	for got := 0; got < n; got++ {
		f, err := me.c.Expect(waitCtx, client.TypeSessionMessage)
		if err != nil {
			collector.AddError()
			return
		}
		var msg struct {
			Text string `json:"text"`
		}
		if err := f.Decode(&msg); err != nil {
			collector.AddError()
			continue
		}
		seq, err := strconv.Atoi(strings.TrimPrefix(msg.Text, "load message "))
		if err != nil {
			continue
		}
		if sent, ok := partner.sentAt(seq); ok {
			collector.AddRelayLatency(f.At.Sub(sent))
		}
	}
}
