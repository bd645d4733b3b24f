// Command paqet-client runs the client-side packet diverter: it captures
// traffic addressed to the configured game server off the link layer,
// tunnels it to a relay, and injects the relay's replies back as if they
// came from the game server directly.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"paqet/internal/config"
	"paqet/internal/diverter"
	"paqet/internal/flog"
	"paqet/internal/metrics"
)

var (
	configPath  string
	useEmbedded bool
	logLevel    string
	metricsAddr string
)

func main() {
	root := &cobra.Command{
		Use:   "paqet-client",
		Short: "Tunnel game traffic through a paqet relay",
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Start the diverter and tunnel to a relay",
		RunE:  run,
	}
	runCmd.Flags().StringVarP(&configPath, "config", "c", "client.json", "path to client config file")
	runCmd.Flags().BoolVar(&useEmbedded, "embedded", false, "load configuration embedded in this executable instead of --config")
	runCmd.Flags().StringVar(&logLevel, "log-level", "info", "debug|info|warn|error|none")
	runCmd.Flags().StringVar(&metricsAddr, "metrics", "", "prometheus metrics listen address, e.g. :9091")

	root.AddCommand(runCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	flog.SetLevel(int(parseLevel(logLevel)))
	defer flog.Close()

	var cc *config.ClientConfig
	var err error
	if useEmbedded {
		exePath, exErr := os.Executable()
		if exErr != nil {
			return fmt.Errorf("resolving executable path: %w", exErr)
		}
		cc, err = config.LoadClientEmbedded(exePath)
	} else {
		cc, err = config.LoadClientFile(configPath)
	}
	if err != nil {
		return err
	}

	var met *metrics.Registry
	if metricsAddr != "" {
		met = metrics.New()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigc
		flog.Infof("paqet-client: shutting down")
		cancel()
	}()

	if met != nil {
		go func() {
			if err := met.Serve(ctx, metricsAddr); err != nil {
				flog.Warnf("paqet-client: metrics server stopped: %v", err)
			}
		}()
	}

	divCfg, err := diverter.BuildConfig(cc, met)
	if err != nil {
		return fmt.Errorf("building diverter config: %w", err)
	}

	d, err := diverter.New(ctx, divCfg)
	if err != nil {
		return fmt.Errorf("starting diverter: %w", err)
	}
	defer d.Close()

	flog.Infof("paqet-client: running, relay addresses %v", cc.RelayAddrs)
	if err := d.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
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
