// Package app is the composition root: it builds every coe component once
// from the resolved config and wires them together by explicit reference.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"coe/internal/config"
	"coe/pkg/agent"
	"coe/pkg/diagnostics"
	"coe/pkg/dispatcher"
	"coe/pkg/escalation"
	"coe/pkg/lock"
	"coe/pkg/rpc"
	"coe/pkg/ticketstore"
	"coe/pkg/tools"
	"coe/pkg/txn"
)

// App holds the wired components.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	DB         *sql.DB
	Store      *ticketstore.SQLiteStore
	Retries    *escalation.Manager
	Mode       *dispatcher.ModeSwitch
	Agent      *agent.Runner
	Dispatcher *dispatcher.Dispatcher
	Server     *rpc.Server
}

// Option adjusts construction, mostly for tests.
type Option func(*deps)

type deps struct {
	spawner   agent.BatchSpawner
	collector diagnostics.Collector
}

// WithSpawner replaces the agent subprocess spawner.
func WithSpawner(sp agent.BatchSpawner) Option {
	return func(d *deps) { d.spawner = sp }
}

// WithCollector replaces the diagnostics collector.
func WithCollector(c diagnostics.Collector) Option {
	return func(d *deps) { d.collector = c }
}

// New opens the database and builds the component graph. Nothing runs until
// Serve.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var dp deps
	for _, o := range opts {
		o(&dp)
	}

	db, err := ticketstore.OpenDB(ctx, cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("open ticket store: %w", err)
	}

	policy := txn.DefaultPolicy()
	policy.MaxAttempts = cfg.Retry.StoreAttempts
	store := ticketstore.New(db, ticketstore.Options{
		Locks:  lock.NewManager(),
		Policy: policy,
		Path:   cfg.Store.Path,
		Logger: logger,
	})

	if dp.spawner == nil {
		dp.spawner = &agent.ExecSpawner{Command: cfg.Agent.Command}
	}
	workdir := cfg.Agent.Workdir
	if workdir == "" {
		workdir, _ = os.Getwd()
	}
	runner := agent.NewRunner(dp.spawner, agent.Config{
		Model:   cfg.Agent.Model,
		Workdir: workdir,
		Timeout: cfg.AgentTimeout(),
	}, logger)

	if dp.collector == nil {
		root := cfg.Diagnostics.Root
		if root == "" {
			root = workdir
		}
		dp.collector = diagnostics.NewCommandCollector(nil, root, cfg.Diagnostics.Command, logger)
	}

	retries := escalation.NewManager(cfg.Retry.MaxRetries)
	mode := dispatcher.NewModeSwitch(cfg.Mode)
	d := dispatcher.New(dispatcher.Config{
		StallTimeout: cfg.StallTimeout(),
		StallScan:    cfg.Queue.StallScan,
		RouteTimeout: cfg.AgentTimeout(),
	}, store, retries, mode, agent.NewAnswerRouter(runner, store, logger), db, logger)

	srv := rpc.NewServer(logger)
	tools.New(tools.Config{AskTimeout: cfg.AskTimeout()}, tools.Deps{
		Queue:       d,
		Store:       store,
		Agent:       runner,
		Diagnostics: dp.collector,
		Mode:        mode,
		DB:          db,
	}, logger).Register(srv)

	return &App{
		cfg:        cfg,
		logger:     logger,
		DB:         db,
		Store:      store,
		Retries:    retries,
		Mode:       mode,
		Agent:      runner,
		Dispatcher: d,
		Server:     srv,
	}, nil
}

// Close releases the database. Call it after Serve returns.
func (a *App) Close() error {
	a.Dispatcher.Close()
	if err := a.DB.Close(); err != nil {
		return fmt.Errorf("close db: %w", err)
	}
	return nil
}

// Serve initializes the orchestrator and serves RPC until ctx is cancelled
// or, when in is non-nil, until in is exhausted. The background loops (stall
// scan, external change watch) and the optional socket and WebSocket
// listeners stop with it.
func (a *App) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	if err := a.Dispatcher.Init(ctx); err != nil {
		return fmt.Errorf("init dispatcher: %w", err)
	}

	var sockLn, wsLn net.Listener
	if path := a.cfg.Listen.Socket; path != "" {
		ln, err := rpc.ListenUnix(path)
		if err != nil {
			return err
		}
		sockLn = ln
		a.logger.Info("listening", "socket", path)
	}
	if addr := a.cfg.Listen.WebSocket; addr != "" {
		ln, err := net.Listen("tcp", addr) //nolint:noctx // bind is instant
		if err != nil {
			if sockLn != nil {
				_ = sockLn.Close()
			}
			return fmt.Errorf("listen on %s: %w", addr, err)
		}
		wsLn = ln
		a.logger.Info("listening", "websocket", ln.Addr().String())
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errc := make(chan error, 4)
	goLoop := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil {
				errc <- fmt.Errorf("%s: %w", name, err)
				cancel()
			}
		}()
	}

	goLoop("stall scan", a.Dispatcher.Run)
	goLoop("store watch", a.Store.Watch)
	if sockLn != nil {
		goLoop("socket", func(ctx context.Context) error {
			defer func() { _ = os.Remove(a.cfg.Listen.Socket) }()
			return a.Server.ServeListener(ctx, sockLn)
		})
	}
	if wsLn != nil {
		goLoop("websocket", func(ctx context.Context) error {
			return a.serveHTTP(ctx, wsLn)
		})
	}

	var serveErr error
	if in != nil {
		serveErr = a.Server.Serve(ctx, in, out)
		cancel()
	} else {
		<-ctx.Done()
	}
	wg.Wait()
	close(errc)

	errs := []error{serveErr}
	for err := range errc {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (a *App) serveHTTP(ctx context.Context, ln net.Listener) error {
	mux := http.NewServeMux()
	mux.Handle("/", a.Server.WebSocketHandler(ctx))
	hs := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = hs.Shutdown(shutdownCtx)
	}()

	if err := hs.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve websocket: %w", err)
	}
	return nil
}
