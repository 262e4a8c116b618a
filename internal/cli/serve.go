package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/huyyxy/memmachine/internal/config"
	"github.com/huyyxy/memmachine/internal/embedder"
	"github.com/huyyxy/memmachine/internal/llm"
	"github.com/huyyxy/memmachine/internal/profile"
	"github.com/huyyxy/memmachine/internal/prompts"
	"github.com/huyyxy/memmachine/internal/server"
	"github.com/huyyxy/memmachine/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	RunE:  runServe,
}

// openStore builds the configured ProfileStore and returns a short
// description of the backend for startup logging.
func openStore(cfg config.Config) (store.ProfileStore, string, error) {
	switch cfg.Storage.Driver {
	case "postgres":
		pg, err := store.OpenPostgres(cfg.Storage.DSN(), cfg.Storage.MaxConns)
		if err != nil {
			return nil, "", fmt.Errorf("open postgres: %w", err)
		}
		desc := fmt.Sprintf("postgres %s:%d/%s", cfg.Storage.Host, cfg.Storage.Port, cfg.Storage.Database)
		return pg, desc, nil
	default:
		path := cfg.Storage.Path
		if path == "" {
			var err error
			path, err = store.DefaultDBPath()
			if err != nil {
				return nil, "", fmt.Errorf("resolve db path: %w", err)
			}
		}
		db, err := store.Open(path)
		if err != nil {
			return nil, "", fmt.Errorf("open sqlite: %w", err)
		}
		return db, "sqlite " + path, nil
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	storage, storageDesc, err := openStore(cfg)
	if err != nil {
		return err
	}

	model, err := llm.New(cfg.LLM)
	if err != nil {
		return fmt.Errorf("create llm client: %w", err)
	}

	embed, err := embedder.New(cfg.Embedder)
	if err != nil {
		return fmt.Errorf("create embedder: %w", err)
	}

	bundle, err := prompts.Get(cfg.Profile.PromptModule)
	if err != nil {
		return fmt.Errorf("load prompts: %w", err)
	}

	memory, err := profile.New(profile.Options{
		Model:                  model,
		Embedder:               embed,
		Store:                  storage,
		Prompts:                bundle,
		MaxCacheSize:           cfg.Profile.MaxCacheSize,
		UpdateInterval:         time.Duration(cfg.Profile.UpdateIntervalSec) * time.Second,
		MessageLimit:           cfg.Profile.MessageLimit,
		TimeLimit:              time.Duration(cfg.Profile.TimeLimitSec) * time.Second,
		ConsolidationThreshold: cfg.Profile.ConsolidationThreshold,
		HistoryBatchSize:       cfg.Profile.HistoryBatchSize,
		MaxAttempts:            cfg.LLM.MaxAttempts,
		EmbedFeatureInValue:    cfg.Profile.EmbedFeatureInValue,
	})
	if err != nil {
		return fmt.Errorf("create profile memory: %w", err)
	}

	if err := memory.Startup(context.Background()); err != nil {
		return fmt.Errorf("start profile memory: %w", err)
	}

	srv := server.New(memory, VersionString())
	addr := cfg.ListenAddr()

	httpServer := &http.Server{
		Addr:    addr,
		Handler: srv,
	}

	// Graceful shutdown
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		fmt.Fprintf(os.Stderr, "memmachine serving on %s\n", addr)
		fmt.Fprintf(os.Stderr, "  storage: %s\n", storageDesc)
		fmt.Fprintf(os.Stderr, "  llm: %s (%s)\n", cfg.LLM.Provider, cfg.LLM.Model)
		fmt.Fprintf(os.Stderr, "  embedder: %s (%s)\n", cfg.Embedder.Provider, cfg.Embedder.Model)
		fmt.Fprintf(os.Stderr, "  prompts: %s\n", cfg.Profile.PromptModule)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Fprintf(os.Stderr, "server error: %v\n", err)
			os.Exit(1)
		}
	}()

	<-done
	fmt.Fprintln(os.Stderr, "\nshutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		return err
	}
	// Let the in-flight ingestion batch finish before closing storage.
	return memory.Shutdown(ctx)
}
