package ws

import (
	"log"
	"time"
)

// HeartbeatConfig holds heartbeat tuning parameters.
type HeartbeatConfig struct {
	Interval time.Duration // how often to ping (default: 30s)
	Timeout  time.Duration // grace after a missed interval (default: 10s)
}

// DefaultHeartbeatConfig returns the production heartbeat settings: a ping
// every 30s, and removal after 40s without any frame from the client.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
	}
}

// StartHeartbeat pings every connection each Interval and removes the ones
// that have been silent for longer than Interval + Timeout. Removal goes
// through RemoveConnection, so the engine sees an ordinary disconnect. The
// goroutine exits when the server shuts down.
func StartHeartbeat(server *Server, config HeartbeatConfig) {
	go func() {
		ticker := time.NewTicker(config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-server.done:
				return
			case now := <-ticker.C:
				sweep(server, config, now)
			}
		}
	}()
}

// sweep runs one heartbeat pass and returns how many connections it removed.
func sweep(server *Server, config HeartbeatConfig, now time.Time) int {
	deadline := config.Interval + config.Timeout
	removed := 0

	for _, c := range server.Connections().All() {
		idle := now.Sub(c.LastActive())
		if idle > deadline {
			log.Printf("ws: heartbeat timeout conn=%s idle=%s", c.ID, idle.Round(time.Second))
			server.RemoveConnection(c)
			removed++
			continue
		}
		if err := c.WritePing(server.config.WriteTimeout); err != nil {
			log.Printf("ws: heartbeat ping failed conn=%s: %v", c.ID, err)
			server.RemoveConnection(c)
			removed++
		}
	}
	return removed
}
