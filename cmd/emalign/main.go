package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"emalign/internal/cli"
	"emalign/internal/config"
	"emalign/internal/fsutil"
	"emalign/internal/imaging/magick"
	"emalign/internal/logging"
	"emalign/internal/storage"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	log, err := logging.Setup(cfg)
	if err != nil {
		return fmt.Errorf("logging: %w", err)
	}

	dbPath, err := config.ExpandUser(cfg.Paths.DatabasePath)
	if err != nil {
		return err
	}
	if err := fsutil.EnsureDirs(filepath.Dir(dbPath)); err != nil {
		return err
	}
	store, err := storage.New(dbPath)
	if err != nil {
		return fmt.Errorf("open run history: %w", err)
	}
	defer store.Close()

	root := cli.NewRoot(cfg, log, store)
	root.RegisterBackend(magick.New())
	defer magick.Terminate()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return cli.NewRootCmd(root).ExecuteContext(ctx)
}
