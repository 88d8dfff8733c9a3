package cmd

import (
	"context"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/audiolibrelab/atmoscapture/internal/server"
	"github.com/audiolibrelab/atmoscapture/internal/service"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the web server for remote control",
	Long: `Start the AtmosCapture web server to start and stop recordings over HTTP.
This allows you to control recording from your smartphone or any device on the same network.

The server will display the local network URL for easy access from mobile devices.
On SIGINT or SIGTERM a recording in progress is stopped and finalized before exit.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		port, _ := cmd.Flags().GetString("port")
		host, _ := cmd.Flags().GetString("host")

		svc := service.New(cfg, cfgFile)
		srv := server.New(svc, configPath(), net.JoinHostPort(host, port))

		slog.Info("AtmosCapture web server starting", "port", port, "config", configPath(), "profile", cfg.Profile)

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()
		g, gctx := errgroup.WithContext(ctx)

		g.Go(func() error {
			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(sigChan)

			select {
			case sig := <-sigChan:
				slog.Info("Received signal, shutting down", "signal", sig.String())
				cancel()
			case <-gctx.Done():
			}
			return nil
		})

		g.Go(func() error {
			defer cancel()
			return srv.Start(gctx)
		})

		return g.Wait()
	},
}

func init() {
	serveCmd.Flags().String("port", "8080", "port for the web server")
	serveCmd.Flags().String("host", "", "address to listen on (default all interfaces)")
}
