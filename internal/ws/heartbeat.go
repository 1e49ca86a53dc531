package ws

import (
	"time"

	"github.com/rs/zerolog/log"
)

// HeartbeatConfig holds heartbeat tuning parameters.
type HeartbeatConfig struct {
	Interval time.Duration // how often to ping (default: 30s)
	Timeout  time.Duration // extra grace after a missed interval (default: 10s)
}

// DefaultHeartbeatConfig returns the default heartbeat settings.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
	}
}

// StartHeartbeat begins a background goroutine that periodically pings every
// connection and evicts those that have gone silent for Interval + Timeout.
// Eviction goes through Server.RemoveConnection, so room membership is
// released the same way as for a clean disconnect. The goroutine exits when
// the server shuts down.
func StartHeartbeat(server *Server, config HeartbeatConfig) {
	go func() {
		ticker := time.NewTicker(config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-server.done:
				return
			case <-ticker.C:
				checkConnections(server, config)
			}
		}
	}()
}

// checkConnections removes stale connections and sends a protocol-level ping
// to the rest. Clients answer pings with pongs, and any frame read counts as
// activity.
func checkConnections(server *Server, config HeartbeatConfig) {
	deadline := config.Interval + config.Timeout
	now := time.Now()

	for _, c := range server.Connections().All() {
		if idle := now.Sub(c.LastSeen()); idle > deadline {
			log.Info().Str("module", "ws").Str("conn", c.ID()).Dur("idle", idle.Round(time.Second)).Msg("heartbeat timeout")
			server.RemoveConnection(c)
			continue
		}

		if err := c.WritePing(); err != nil {
			log.Debug().Str("module", "ws").Str("conn", c.ID()).Err(err).Msg("heartbeat ping failed")
			server.RemoveConnection(c)
			continue
		}
		if server.onHeartbeat != nil {
			server.onHeartbeat(c)
		}
	}
}
