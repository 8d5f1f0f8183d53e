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

	"github.com/sievemem/sieve/internal/config"
	"github.com/sievemem/sieve/internal/pruner"
	"github.com/sievemem/sieve/internal/server"
	"github.com/sievemem/sieve/internal/store"
	"github.com/sievemem/sieve/internal/vault"
)

var serveConfigPath string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveConfigPath, "config", "", "path to TOML config file")
}

func prunerConfig(cfg config.Config) pruner.Config {
	pc := pruner.DefaultConfig()
	if cfg.Pruning.MaxConcurrentJobs > 0 {
		pc.MaxConcurrentJobs = cfg.Pruning.MaxConcurrentJobs
	}
	pc.AutoPruneThreshold = cfg.Pruning.AutoPruneThreshold
	pc.AutoPruneInterval = time.Duration(cfg.Pruning.AutoPruneIntervalMin) * time.Minute
	pc.BackupBeforePrune = cfg.Vault.BackupOnPrune
	if cfg.Pruning.L1Strength > 0 {
		pc.DefaultParameters.L1Strength = cfg.Pruning.L1Strength
	}
	if cfg.Pruning.RetentionTarget > 0 {
		pc.DefaultParameters.RetentionTarget = cfg.Pruning.RetentionTarget
	}
	if cfg.Pruning.MaxQualityDrop > 0 {
		pc.DefaultParameters.MaxQualityDrop = cfg.Pruning.MaxQualityDrop
	}
	if cfg.Pruning.MinEdgeWeight > 0 {
		pc.DefaultParameters.MinEdgeWeight = cfg.Pruning.MinEdgeWeight
	}
	return pc
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(serveConfigPath)
	if err != nil {
		return err
	}

	dbPath := cfg.Database.Path
	if dbPath == "" {
		dbPath, err = store.DefaultDBPath()
		if err != nil {
			return fmt.Errorf("resolve db path: %w", err)
		}
	}

	db, err := store.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	v := vault.New(db)
	p := pruner.New(v, prunerConfig(cfg))

	autoCtx, stopAuto := context.WithCancel(context.Background())
	defer stopAuto()
	p.StartAutoPrune(autoCtx)

	srv := server.New(v, p, VersionString())
	addr := cfg.ListenAddr()

	httpServer := &http.Server{
		Addr:    addr,
		Handler: srv,
	}

	// Graceful shutdown
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		fmt.Fprintf(os.Stderr, "sieve serving on %s\n", addr)
		fmt.Fprintf(os.Stderr, "  db: %s\n", dbPath)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Fprintf(os.Stderr, "server error: %v\n", err)
			os.Exit(1)
		}
	}()

	<-done
	fmt.Fprintln(os.Stderr, "\nshutting down...")
	stopAuto()
	p.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return httpServer.Shutdown(ctx)
}
