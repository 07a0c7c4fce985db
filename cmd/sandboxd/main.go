package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kaosmaps/sandboxd/pkg/app"
	"github.com/kaosmaps/sandboxd/pkg/log"
	"github.com/kaosmaps/sandboxd/pkg/reconciler"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "sandboxd",
	Short:   "Sandbox deployment controller",
	Long:    "sandboxd deploys, tracks, and reaps short-lived sandbox containers behind an edge proxy.",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("sandboxd version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)
	rootCmd.AddCommand(serveCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sandbox deployment controller",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := app.Config{
			ListenAddr:      envOr("LISTEN_ADDR", ":8080"),
			WebhookSecret:   os.Getenv("WEBHOOK_SECRET"),
			DockerNetwork:   envOr("DOCKER_NETWORK", "sandbox-network"),
			ContainerPrefix: envOr("CONTAINER_PREFIX", "sandbox"),
			SandboxDomain:   envOr("SANDBOX_DOMAIN", "sandbox.example.com"),
			CORSOrigins:     splitCSV(os.Getenv("CORS_ORIGINS")),
			ArtifactsDir:    envOr("ARTIFACTS_DIR", "/var/lib/sandboxd/artifacts"),
			ArtifactsDB:     envOr("ARTIFACTS_DB", "/var/lib/sandboxd/artifacts.db"),
			GitHubToken:     os.Getenv("GITHUB_TOKEN"),
			GitUserName:     envOr("GIT_USER_NAME", "sandboxd"),
			GitUserEmail:    envOr("GIT_USER_EMAIL", "sandboxd@localhost"),
			WorkerPoolSize:  envInt64("WORKER_POOL_SIZE", 8),
			ReaperInterval:  envDuration("REAPER_INTERVAL_SECONDS", reconciler.DefaultInterval),
		}

		container, err := app.New(cfg)
		if err != nil {
			return fmt.Errorf("constructing application: %w", err)
		}

		errCh := make(chan error, 1)
		go func() {
			if err := container.Start(); err != nil {
				errCh <- err
			}
		}()

		log.Logger.Info().Str("addr", cfg.ListenAddr).Msg("sandboxd started, press Ctrl+C to stop")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case <-sigCh:
			log.Logger.Info().Msg("shutting down")
		case err := <-errCh:
			log.Logger.Error().Err(err).Msg("server error")
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := container.Shutdown(ctx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}

		log.Logger.Info().Msg("shutdown complete")
		return nil
	},
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return time.Duration(secs) * time.Second
}

func splitCSV(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
