package cli

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"quizroom/internal/config"
	"quizroom/internal/infra/memory"
	redisstore "quizroom/internal/infra/redis"
	"quizroom/internal/relay"
	transport "quizroom/internal/transport/http"
)

// NewStartCmd builds the CLI subcommand to start the relay server.
func NewStartCmd(configPath, port *string) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the relay server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), *configPath, *port)
		},
	}
}

func runServer(ctx context.Context, configPath, portFlag string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	log := cfg.Logger()

	if cfg.Postgres.URL != "" {
		if err := runMigrationsWithConfig(ctx, cfg, log); err != nil {
			return err
		}
	}

	finalPort := portFlag
	if finalPort == "" {
		finalPort = cfg.Server.Port
	}
	if finalPort == "" {
		finalPort = "8080"
	}

	deps, err := openBackends(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer deps.close()

	var registry interface {
		relay.RoomRegistry
		transport.RoomLister
	} = memory.NewRoomRegistry()
	if deps.redis != nil {
		registry = redisstore.NewRoomRegistry(deps.redis, config.TTLDuration(cfg.Relay.RegistryTTL, 10*time.Minute))
	}

	hub := relay.NewHub(cfg.RelayOptions(), registry, log)
	router := transport.NewRouter(transport.Deps{
		Hub:      hub,
		Catalog:  deps.quizRepository(cfg),
		Registry: registry,
		Log:      log,
	})

	// No write timeout: websocket connections outlive any single response.
	server := &http.Server{
		Addr:              ":" + finalPort,
		Handler:           router,
		ReadHeaderTimeout: 15 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.WithField("port", finalPort).Info("starting relay")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down relay")
		hub.Shutdown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), config.TTLDuration(cfg.Server.ShutdownTimeout, 5*time.Second))
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
