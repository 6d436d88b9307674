package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ferrohq/ferro/pkg/conductor"
	"github.com/ferrohq/ferro/pkg/config"
	"github.com/ferrohq/ferro/pkg/driver"
	"github.com/ferrohq/ferro/pkg/events"
	"github.com/ferrohq/ferro/pkg/log"
	"github.com/ferrohq/ferro/pkg/metrics"
	"github.com/ferrohq/ferro/pkg/storage"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "ferro",
	Short: "Ferro - bare metal lifecycle conductor",
	Long: `Ferro manages the lifecycle of physical machines: enrollment
verification against the BMC, cleaning, workload deployment and
allocation of nodes to workload requests.

A single binary runs one conductor; several conductors may share a
database and coordinate through node reservations.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Ferro version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	runCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to the configuration file")
	rootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the conductor",
	Long: `Run the conductor service: recover reservations from a previous
run of this host, start the background loops and serve metrics and
health on the configured listen address.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %v", err)
		}

		log.Init(log.Config{
			Level:      log.Level(cfg.LogLevel),
			JSONOutput: cfg.LogJSON,
		})
		logger := log.WithComponent("main")

		store, err := openStore(cfg)
		if err != nil {
			return fmt.Errorf("failed to open store: %v", err)
		}
		defer store.Close()

		registry := driver.NewRegistry()
		driver.RegisterFake(registry)
		driver.RegisterRedfish(registry)

		broker := events.NewBroker()
		broker.Start()
		defer broker.Stop()

		cond := conductor.New(cfg, store, registry, broker, nil)
		if err := cond.Start(cmd.Context()); err != nil {
			return fmt.Errorf("failed to start conductor: %v", err)
		}
		defer cond.Stop()

		server := statusServer(cfg)
		errCh := make(chan error, 1)
		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
		}()
		logger.Info().
			Str("listen_addr", cfg.ListenAddr).
			Str("hostname", cfg.Hostname).
			Msg("ferro conductor is running")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-sigCh:
			logger.Info().Str("signal", sig.String()).Msg("shutting down")
		case err := <-errCh:
			logger.Error().Err(err).Msg("status server failed")
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	},
}

func openStore(cfg *config.Config) (storage.Store, error) {
	switch cfg.Storage.Backend {
	case "postgres":
		return storage.NewPGStore(context.Background(),
			cfg.Storage.PostgresUser,
			cfg.Storage.PostgresPassword,
			cfg.Storage.PostgresHost,
			cfg.Storage.PostgresPort,
		)
	default:
		return storage.NewBoltStore(cfg.Storage.DataDir)
	}
}

func statusServer(cfg *config.Config) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	return &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}
}
