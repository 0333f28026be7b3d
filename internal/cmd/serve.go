package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/harrison/aqueduct/internal/api"
)

// shutdownTimeout bounds graceful HTTP shutdown plus task interruption.
const shutdownTimeout = 30 * time.Second

// NewServeCommand creates the serve command
func NewServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the task worker pool",
		Long: `Start the aqueduct HTTP API.

Tasks left PENDING or STARTED by a previous run are marked FAILURE on start-up.
On SIGINT or SIGTERM the server stops accepting requests and running tasks are
interrupted and recorded before exit. SIGHUP drops the cached extension
listing so new or edited extensions are picked up immediately.

Examples:
  aqueduct serve
  aqueduct serve --port 9090 --max-concurrency 8`,
		Args: cobra.NoArgs,
		RunE: serveCommand,
	}

	cmd.Flags().String("host", "", "Listen address (overrides server.host)")
	cmd.Flags().Int("port", 0, "Listen port (overrides server.port)")
	cmd.Flags().Int("max-concurrency", 0, "Number of worker processes (overrides execution.max_concurrency)")

	return cmd
}

func serveCommand(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	a, err := newApp(cfg, cmd.ErrOrStderr(), true)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.service.Start(ctx); err != nil {
		a.close()
		return fmt.Errorf("failed to start executor: %w", err)
	}

	server := api.NewServer(a.service, a.logger)
	server.EnableMetrics()

	addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if a.fileLogger != nil {
		a.logger.Infof("Run log: %s", a.fileLogger.RunFile())
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-hup:
				a.logger.Infof("Rescanning %s", cfg.ExtensionsDir)
				a.registry.Invalidate()
			case <-ctx.Done():
				return
			}
		}
	}()

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Infof("Listening on http://%s (extensions: %s)", addr, cfg.ExtensionsDir)
		serveErr <- httpServer.ListenAndServe()
	}()

	select {
	case err = <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
	case <-ctx.Done():
		a.logger.Infof("Shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if serr := httpServer.Shutdown(shutdownCtx); serr != nil && err == nil {
		err = serr
	}
	if serr := a.shutdown(shutdownCtx); serr != nil && err == nil {
		err = serr
	}
	return err
}
