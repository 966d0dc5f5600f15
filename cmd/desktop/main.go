// Package main provides the local server for desktop platforms.
// Desktop clients communicate via REST/WebSocket on localhost:8090.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/agentx/backend/cmd/desktop/handlers"
	"github.com/kimhsiao/agentx/backend/internal/app"
	"github.com/kimhsiao/agentx/backend/internal/config"
	"github.com/kimhsiao/agentx/backend/internal/logging"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := newRootCmd(app.Options{}).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd(opts app.Options) *cobra.Command {
	var configPath, listen string
	cmd := &cobra.Command{
		Use:          "agentx-desktop",
		Short:        "Serve the sync core to the desktop UI on localhost",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Desktop.ListenAddr = listen
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, opts)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "config file")
	cmd.Flags().StringVar(&listen, "listen", "", "listen address (overrides desktop.listen_addr)")
	return cmd
}

// server is the desktop HTTP surface over one App.
type server struct {
	app  *app.App
	hub  *WSHub
	http *http.Server
}

func newServer(a *app.App) *server {
	hub := NewWSHub()
	a.Engine.AddEventHandler(hub)
	return &server{
		app: a,
		hub: hub,
		http: &http.Server{
			Addr:              a.Config.Desktop.ListenAddr,
			Handler:           handlers.NewRouter(a, HandleWebSocket(hub)),
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// start runs the sync core and forwards connectivity transitions to
// WebSocket clients until ctx is done.
func (s *server) start(ctx context.Context) {
	ch, unsubscribe := s.app.Monitor.Subscribe()
	go func() {
		defer unsubscribe()
		s.hub.ForwardConnectivity(ctx, ch)
	}()
	s.app.Start(ctx)
}

func (s *server) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := s.http.Shutdown(ctx)
	s.hub.Close()
	return err
}

func serve(ctx context.Context, cfg *config.Config, opts app.Options) error {
	closer := app.SetupLogging(cfg.Log, os.Stderr)
	defer closer.Close()

	a, err := app.New(cfg, opts)
	if err != nil {
		return err
	}
	defer a.Close()

	s := newServer(a)
	s.start(ctx)

	errCh := make(chan error, 1)
	go func() {
		logging.Info("Desktop server listening", map[string]interface{}{"addr": s.http.Addr})
		errCh <- s.http.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen %s: %w", s.http.Addr, err)
		}
		return nil
	case <-ctx.Done():
	}

	logging.Info("Desktop server shutting down", nil)
	return s.shutdown()
}
