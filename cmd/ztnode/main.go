// Package main provides the ztnode entry point.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/wisdark/ztnode/internal/api"
	"github.com/wisdark/ztnode/internal/config"
	"github.com/wisdark/ztnode/internal/engine"
	"github.com/wisdark/ztnode/internal/events"
	"github.com/wisdark/ztnode/internal/logging"
	"github.com/wisdark/ztnode/internal/metrics"
	"github.com/wisdark/ztnode/internal/service"
	"github.com/wisdark/ztnode/internal/version"
)

var (
	configFile string
	rootCmd    = &cobra.Command{
		Use:   "ztnode",
		Short: "Virtual network overlay node",
		Long:  `ztnode joins encrypted peer-to-peer virtual networks and presents them to the OS as network interfaces.`,
		RunE:  run,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version.Full())
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("configuration invalid: %w", err)
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("configuration invalid: %w", err)
			}
			fmt.Println("Configuration is valid")
			return nil
		},
	})
}

func loadConfig() (config.NodeConfig, error) {
	cfg := config.DefaultNodeConfig()
	if configFile == "" {
		return cfg, nil
	}
	if err := config.LoadAndValidate(configFile, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := logging.Setup(cfg.Logging); err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}
	defer logging.Close()

	log := logging.WithComponent("main")
	log.Info("starting", "version", version.String(), "home", cfg.Home)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Info("received shutdown signal", "signal", sig.String())
		cancel()
	}()

	// An identity collision is survivable: back up the colliding identity
	// and start over with a fresh one.
	for {
		reason, err := runOnce(ctx, &cfg, log)
		if reason == service.ReasonIdentityCollision && ctx.Err() == nil {
			log.Warn("identity collision, regenerating identity")
			if err := backupCollidingIdentity(cfg.Home); err != nil {
				return fmt.Errorf("identity collision recovery: %w", err)
			}
			continue
		}
		return err
	}
}

// runOnce runs the node service once, with the control API alongside it.
func runOnce(ctx context.Context, cfg *config.NodeConfig, log *slog.Logger) (service.TerminationReason, error) {
	met := metrics.New()
	evlog := logging.WithComponent("event")

	svc, err := service.New(cfg, engine.NewEngine, service.Options{
		Metrics: met,
		Handler: func(ev events.Event) {
			evlog.Info("event", "code", ev.Code.String())
		},
	})
	if err != nil {
		return service.ReasonStillRunning, fmt.Errorf("create service: %w", err)
	}
	defer svc.Close()

	var apiServer *http.Server
	if cfg.API.Enabled {
		token, err := api.EnsureAuthToken(cfg.Home)
		if err != nil {
			return service.ReasonStillRunning, err
		}
		apiServer = &http.Server{
			Addr:              cfg.API.Listen,
			Handler:           api.New(api.Config{Node: svc, Token: token, Metrics: met.Handler()}).Router(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("control API failed", "error", err)
			}
		}()
		log.Info("control API listening", "addr", cfg.API.Listen)
	}

	reason, runErr := svc.Run(ctx)

	if apiServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = apiServer.Shutdown(shutdownCtx)
		cancel()
	}
	return reason, runErr
}

// backupCollidingIdentity preserves the colliding secret identity and
// removes both identity files so the next run generates a fresh pair.
func backupCollidingIdentity(home string) error {
	secret := filepath.Join(home, "identity.secret")
	saved := filepath.Join(home, "identity.secret.saved_after_collision")
	if err := os.Rename(secret, saved); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.Remove(filepath.Join(home, "identity.public")); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
