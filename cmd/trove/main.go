package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/migadu/trove/config"
	"github.com/migadu/trove/logger"
	"golang.org/x/sync/errgroup"
)

// Version information, injected at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	cfg := config.NewDefaultConfig()

	showVersion := flag.Bool("version", false, "Show version information and exit")
	flag.BoolVar(showVersion, "v", false, "Show version information and exit")
	configPath := flag.String("config", "config.toml", "Path to TOML configuration file")
	flag.Parse()

	if *showVersion {
		fmt.Printf("trove version %s (commit: %s, built at: %s)\n", version, commit, date)
		os.Exit(0)
	}

	if err := loadConfig(*configPath, &cfg); err != nil {
		fmt.Fprintf(os.Stderr, "TROVE: %v\n", err)
		os.Exit(1)
	}

	logFile, err := logger.Initialize(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "TROVE: Warning initializing logger: %v\n", err)
	}
	if logFile != nil {
		defer logFile.Close()
	}

	logger.Info("Trove starting", "version", version, "commit", commit, "built", date)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logger.Error("Trove stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("Trove stopped")
}

// loadConfig reads configPath over the defaults. A missing default file is
// not an error; a missing explicit file is.
func loadConfig(configPath string, cfg *config.Config) error {
	if err := config.LoadConfigFromFile(configPath, cfg); err != nil {
		if os.IsNotExist(err) && configPath == "config.toml" {
			fmt.Fprintf(os.Stderr, "TROVE: default configuration file '%s' not found, using defaults\n", configPath)
			return cfg.Validate()
		}
		return fmt.Errorf("configuration %s: %w", configPath, err)
	}
	return nil
}

func run(ctx context.Context, cfg config.Config) error {
	deps, err := initializeServices(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initialize services: %w", err)
	}
	defer deps.close()

	listeners, err := deps.buildListeners()
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, l := range listeners {
		g.Go(func() error { return l.Serve(gctx) })
	}
	if deps.http != nil {
		g.Go(func() error { return deps.http.Start(gctx) })
	}
	if deps.worker != nil {
		deps.worker.Start(gctx)
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down, waiting for sessions to finish")
		for _, l := range listeners {
			if err := l.Close(); err != nil {
				logger.Warn("Listener close", "error", err)
			}
		}
		if deps.worker != nil {
			deps.worker.Stop()
		}
		return nil
	})

	return g.Wait()
}
