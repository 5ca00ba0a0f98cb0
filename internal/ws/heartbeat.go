package ws

import (
	"log"
	"time"
)

// DefaultHeartbeatInterval is the liveness sweep period.
const DefaultHeartbeatInterval = 30 * time.Second

// StartHeartbeat begins a background goroutine that sweeps every connection
// each interval. It returns immediately; the goroutine exits when the server
// shuts down.
func StartHeartbeat(server *Server, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-server.done:
				return
			case <-ticker.C:
				checkConnections(server)
			}
		}
	}()
}

// checkConnections closes every connection that has not answered the previous
// ping, then clears the alive flag on the rest and pings them. A pong sets the
// flag again before the next sweep.
func checkConnections(server *Server) {
	for _, c := range server.Connections().All() {
		if !c.IsAlive() {
			log.Printf("ws: heartbeat timeout user=%s session=%s conn=%s", c.UserID, c.SessionID, c.ID)
			server.RemoveConnection(c)
			continue
		}

		c.alive.Store(false)
		if err := c.WritePing(); err != nil {
			log.Printf("ws: heartbeat ping failed conn=%s: %v", c.ID, err)
			server.RemoveConnection(c)
		}
	}
}
