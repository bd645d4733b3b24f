// Command paqet-relay runs the relay dispatcher: it accepts the client
// diverter's tunnel connection, opens upstream connections to the real
// game server on demand, and rewrites the client's real address out of
// (and back into) payload bytes crossing in either direction.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"paqet/internal/config"
	"paqet/internal/flog"
	"paqet/internal/metrics"
	"paqet/internal/netutil"
	"paqet/internal/relay"
)

// buildRelayConfig turns a loaded relay config file into a relay.Config,
// auto-detecting ProxyLocalIP via a UDP route probe when it isn't set.
func buildRelayConfig(rc *config.RelayConfig, met *metrics.Registry) (relay.Config, error) {
	cfg := relay.Config{
		ListenAddr:   rc.ListenAddr,
		UpstreamAddr: rc.UpstreamAddr,
		Metrics:      met,
	}
	if rc.RelayPublicIP != "" {
		cfg.RelayPublicIP = net.ParseIP(rc.RelayPublicIP)
	}
	if cfg.RelayPublicIP == nil {
		return cfg, fmt.Errorf("relay_public_ip is required")
	}
	if rc.ProxyLocalIP != "" {
		cfg.ProxyLocalIP = net.ParseIP(rc.ProxyLocalIP)
	} else if ip, err := netutil.DetectRouteLocalIP(rc.UpstreamAddr); err == nil {
		cfg.ProxyLocalIP = ip
	}
	return cfg, nil
}

var (
	configPath  string
	logLevel    string
	metricsAddr string
)

func main() {
	root := &cobra.Command{
		Use:   "paqet-relay",
		Short: "Relay tunneled client traffic to a real game server",
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Start the relay dispatcher",
		RunE:  run,
	}
	runCmd.Flags().StringVarP(&configPath, "config", "c", "relay.json", "path to relay config file")
	runCmd.Flags().StringVar(&logLevel, "log-level", "info", "debug|info|warn|error|none")
	runCmd.Flags().StringVar(&metricsAddr, "metrics", "", "prometheus metrics listen address, e.g. :9091")

	reloadCmd := &cobra.Command{
		Use:   "reload",
		Short: "Validate a relay config file without starting the dispatcher",
		RunE:  reload,
	}
	reloadCmd.Flags().StringVarP(&configPath, "config", "c", "relay.json", "path to relay config file")

	root.AddCommand(runCmd, reloadCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// reload validates a relay config file and prints its effective settings.
// A running relay picks up the same file live on SIGHUP (see run); this
// subcommand is for checking a file before sending that signal.
func reload(cmd *cobra.Command, args []string) error {
	rc, err := config.LoadRelayFile(configPath)
	if err != nil {
		return err
	}
	cfg, err := buildRelayConfig(rc, nil)
	if err != nil {
		return err
	}
	fmt.Printf("listen=%s upstream=%s relay_public_ip=%s proxy_local_ip=%s\n",
		cfg.ListenAddr, cfg.UpstreamAddr, cfg.RelayPublicIP, cfg.ProxyLocalIP)
	return nil
}

func run(cmd *cobra.Command, args []string) error {
	flog.SetLevel(int(parseLevel(logLevel)))
	defer flog.Close()

	rc, err := config.LoadRelayFile(configPath)
	if err != nil {
		return err
	}
	if rc.MetricsAddr != "" && metricsAddr == "" {
		metricsAddr = rc.MetricsAddr
	}

	var met *metrics.Registry
	if metricsAddr != "" {
		met = metrics.New()
	}

	relayCfg, err := buildRelayConfig(rc, met)
	if err != nil {
		return err
	}

	upstreamUDPAddr := rc.UpstreamUDPAddr
	if upstreamUDPAddr == "" {
		upstreamUDPAddr = rc.UpstreamAddr
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	udpEngine := relay.NewUDPEngine(upstreamUDPAddr, relayCfg.RelayPublicIP, relayCfg.ProxyLocalIP)
	dispatcher := relay.NewDispatcher(relayCfg, udpEngine)

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	go func() {
		for sig := range sigc {
			if sig == syscall.SIGHUP {
				newRC, err := config.LoadRelayFile(configPath)
				if err != nil {
					flog.Warnf("paqet-relay: reload failed, keeping current config: %v", err)
					continue
				}
				newCfg, err := buildRelayConfig(newRC, met)
				if err != nil {
					flog.Warnf("paqet-relay: reload rejected, keeping current config: %v", err)
					continue
				}
				dispatcher.Reload(newCfg)
				continue
			}
			flog.Infof("paqet-relay: shutting down")
			cancel()
			return
		}
	}()

	if met != nil {
		go func() {
			if err := met.Serve(ctx, metricsAddr); err != nil {
				flog.Warnf("paqet-relay: metrics server stopped: %v", err)
			}
		}()
	}

	flog.Infof("paqet-relay: listening on %s, upstream %s", rc.ListenAddr, rc.UpstreamAddr)
	return dispatcher.Run(ctx)
}

func parseLevel(s string) flog.Level {
	switch s {
	case "debug":
		return flog.Debug
	case "warn":
		return flog.Warn
	case "error":
		return flog.Error
	case "none":
		return flog.None
	default:
		return flog.Info
	}
}
