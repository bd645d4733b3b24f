// Package metrics exposes Prometheus counters and gauges for the client
// diverter and relay, grounded on the exporter in grimm-is-flywall's
// internal/ebpf/stats package: a dedicated registry plus a promhttp handler
// served on its own listener, rather than registering against the global
// default registry.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"paqet/internal/flog"
)

// Registry holds every metric this binary reports. Diverter and relay
// populate different subsets; unused counters simply stay at zero.
type Registry struct {
	reg *prometheus.Registry

	PacketsCaptured  *prometheus.CounterVec // labels: proto
	PacketsInjected  *prometheus.CounterVec // labels: proto
	BytesForwarded   *prometheus.CounterVec // labels: proto, direction
	ActiveTCPFlows   prometheus.Gauge
	ActiveUDPFlows   prometheus.Gauge
	TunnelReconnects prometheus.Counter
	UpstreamDials    *prometheus.CounterVec // labels: outcome
	FrameReadErrors  prometheus.Counter
}

// New builds a Registry with every metric registered but unset.
func New() *Registry {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Registry{
		reg: reg,
		PacketsCaptured: f.NewCounterVec(prometheus.CounterOpts{
			Name: "paqet_packets_captured_total",
			Help: "Packets diverted off the link layer, by transport protocol.",
		}, []string{"proto"}),
		PacketsInjected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "paqet_packets_injected_total",
			Help: "Synthesised packets injected back onto the link layer, by transport protocol.",
		}, []string{"proto"}),
		BytesForwarded: f.NewCounterVec(prometheus.CounterOpts{
			Name: "paqet_bytes_forwarded_total",
			Help: "Payload bytes forwarded across the tunnel, by transport protocol and direction.",
		}, []string{"proto", "direction"}),
		ActiveTCPFlows: f.NewGauge(prometheus.GaugeOpts{
			Name: "paqet_active_tcp_flows",
			Help: "Number of TCP flows currently tracked.",
		}),
		ActiveUDPFlows: f.NewGauge(prometheus.GaugeOpts{
			Name: "paqet_active_udp_flows",
			Help: "Number of UDP flows currently tracked.",
		}),
		TunnelReconnects: f.NewCounter(prometheus.CounterOpts{
			Name: "paqet_tunnel_reconnects_total",
			Help: "Number of times the tunnel connection was re-established.",
		}),
		UpstreamDials: f.NewCounterVec(prometheus.CounterOpts{
			Name: "paqet_upstream_dials_total",
			Help: "Relay dials to the real game server, by outcome.",
		}, []string{"outcome"}),
		FrameReadErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "paqet_frame_read_errors_total",
			Help: "Tunnel frame reads that failed.",
		}),
	}
}

// Serve starts an HTTP server exposing /metrics on addr until ctx is
// canceled. Run it in its own goroutine.
func (r *Registry) Serve(ctx context.Context, addr string) error {
	if addr == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			flog.Warnf("metrics: shutdown error: %v", err)
		}
	}()

	flog.Infof("metrics: serving on %s/metrics", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics: server failed: %w", err)
	}
	return nil
}
