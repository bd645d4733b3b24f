package tunnelconn

import (
	"context"
	"time"

	"paqet/internal/flog"
)

const healthCheckInterval = 30 * time.Second

// Supervise runs a liveness-probe ticker against c until ctx is canceled,
// triggering Reconnect whenever a probe write fails. It mirrors the
// teacher's health-check ticker, generalized from a pool of connections to
// this package's single shared tunnel connection.
func (c *Conn) Supervise(ctx context.Context) {
	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := Probe(ctx, c.addrs); err != nil {
				flog.Warnf("tunnelconn: liveness probe failed, reconnecting: %v", err)
				if err := c.Reconnect(ctx); err != nil {
					flog.Errorf("tunnelconn: reconnect failed: %v", err)
				}
			}
		}
	}
}
