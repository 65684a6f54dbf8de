package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/castlemate/chessd/internal/config"
	"github.com/castlemate/chessd/internal/db"
	"github.com/castlemate/chessd/internal/engine"
	"github.com/castlemate/chessd/internal/game"
	"github.com/castlemate/chessd/internal/matchmaking"
	"github.com/castlemate/chessd/internal/session"
	"github.com/castlemate/chessd/internal/state"
	"github.com/castlemate/chessd/internal/web"
)

const ConfigPath = "config/chessd.yaml"

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st := state.New()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("shutting down", "signal", sig)
		st.SignalShutdown(fmt.Sprintf("signal %s", sig))
		cancel()
	}()

	if err := run(ctx, st); err != nil {
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}
	if msg, ok := st.ErrorMessage(); ok {
		slog.Error("server stopped on error", "err", msg)
		os.Exit(1)
	}
}

func run(ctx context.Context, st *state.State) error {
	// .env is optional, real config comes from YAML.
	_ = godotenv.Load()

	cfgPath := ConfigPath
	if p := os.Getenv("CHESSD_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(cfg.LogLevel),
	})))
	slog.Info("chessd starting", "bind", cfg.BindAddress, "port", cfg.Port, "engine", cfg.Engine.Command)

	if cfg.StaticDir != "" {
		if _, err := os.Stat(cfg.StaticDir); err != nil {
			return fmt.Errorf("static dir %s: %w", cfg.StaticDir, err)
		}
	}

	database, err := db.Open(ctx, cfg.Database.DSN())
	if err != nil {
		st.SignalError(err.Error())
		return fmt.Errorf("opening database: %w", err)
	}
	defer database.Close()

	if err := db.RunMigrations(ctx, database); err != nil {
		st.SignalError(err.Error())
		return fmt.Errorf("running migrations: %w", err)
	}
	slog.Info("database ready", "path", cfg.Database.Path)

	users := db.NewSQLiteUserRepository(database)

	sessions, err := session.NewStore(database, cfg.Sessions)
	if err != nil {
		return fmt.Errorf("creating session store: %w", err)
	}

	pool := engine.NewPool(cfg.Engine, st)
	if pool.InstanceCount() == 0 {
		return fmt.Errorf("engine %q: no instance could be started", cfg.Engine.Command)
	}
	defer pool.Shutdown()
	slog.Info("engine pool started", "instances", pool.InstanceCount())

	registry := game.NewRegistry(pool, users, cfg.Game.MoveTimeout.Std())
	mm := matchmaking.New(cfg.Matchmaking, st, sessions, users, registry)
	server := web.NewServer(cfg, st, sessions, users, registry, mm)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := server.Run(gctx); err != nil {
			st.SignalError(err.Error())
			return err
		}
		return nil
	})

	g.Go(func() error {
		mm.Run(gctx)
		return nil
	})

	g.Go(func() error {
		pool.ScaleLoop(gctx, registry.Sweep)
		return nil
	})

	g.Go(func() error {
		sessions.CleanupLoop(gctx, st, cfg.Sessions.CleanupInterval.Std())
		return nil
	})

	// Lifecycle monitor: a tripped latch tears everything down even
	// when no goroutine returned an error.
	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-st.Done():
		}
		if msg, ok := st.ErrorMessage(); ok {
			return fmt.Errorf("server error: %s", msg)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	slog.Info("chessd stopped")
	return nil
}

func logLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
