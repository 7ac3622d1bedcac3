// Package orchestrator owns the lifecycle of every configured proxy core
// (spec §4.9): it builds one internal/proxycore.Core per server, starts
// them concurrently tolerating individual failures, and exposes the
// aggregate start/stop/stats surface cmd/overwatch drives.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/dotsetlabs/overwatch/internal/approval"
	"github.com/dotsetlabs/overwatch/internal/audit"
	"github.com/dotsetlabs/overwatch/internal/config"
	"github.com/dotsetlabs/overwatch/internal/metrics"
	"github.com/dotsetlabs/overwatch/internal/policy"
	"github.com/dotsetlabs/overwatch/internal/proxycore"
	"github.com/dotsetlabs/overwatch/internal/session"
	"github.com/dotsetlabs/overwatch/internal/shadow"
)

// ListenerFactory produces the listener a server's proxy core accepts its
// single client connection from. The default dials a Unix domain socket
// per server name under Config.SocketDir; tests inject an in-memory
// alternative (e.g. net.Pipe wrapped in a bufconn-style listener) so no
// filesystem or real socket is required.
type ListenerFactory func(server string) (net.Listener, error)

// Config wires an Orchestrator to a loaded document and the resource
// instances every core shares per spec §5: one session cache, one audit
// sink, one policy engine, one shadow detector, one approval handler.
type Config struct {
	Document *config.Document

	Policy   *policy.Engine
	Session  *session.Cache
	Audit    *audit.Sink
	Approval approval.Handler
	Shadow   *shadow.Detector
	Metrics  *metrics.Metrics
	Logger   *slog.Logger

	// SocketDir holds the per-server Unix domain sockets the default
	// ListenerFactory creates. Defaults to os.TempDir()/overwatch.
	SocketDir string
	// Listen overrides socket creation, e.g. for tests. Optional.
	Listen ListenerFactory
}

// CoreStats is the per-server snapshot Stats returns.
type CoreStats struct {
	Server       string
	State        string
	PendingCount int
	BreakerState string
}

// Orchestrator holds one proxycore.Core per configured server, started and
// stopped independently, sharing the cross-cutting resources in Config.
type Orchestrator struct {
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	cores     map[string]*proxycore.Core
	listeners map[string]net.Listener
	failed    map[string]error
}

// New validates cfg and constructs an Orchestrator in the stopped state.
// Call Start (or StartSingle per server) to spawn upstream processes.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Document == nil {
		return nil, fmt.Errorf("orchestrator: nil document")
	}
	if cfg.Policy == nil {
		return nil, fmt.Errorf("orchestrator: nil policy engine")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SocketDir == "" {
		cfg.SocketDir = filepath.Join(os.TempDir(), "overwatch")
	}
	if cfg.Listen == nil {
		cfg.Listen = unixListenerFactory(cfg.SocketDir)
	}
	return &Orchestrator{
		cfg:       cfg,
		logger:    logger,
		cores:     make(map[string]*proxycore.Core),
		listeners: make(map[string]net.Listener),
		failed:    make(map[string]error),
	}, nil
}

func unixListenerFactory(dir string) ListenerFactory {
	return func(server string) (net.Listener, error) {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("creating socket dir: %w", err)
		}
		path := filepath.Join(dir, server+".sock")
		_ = os.Remove(path) // stale socket from a previous run
		ln, err := net.Listen("unix", path)
		if err != nil {
			return nil, fmt.Errorf("listening on %s: %w", path, err)
		}
		return ln, nil
	}
}

// ListServers returns the names of every server the loaded document
// declares, regardless of whether its core has started successfully.
func (o *Orchestrator) ListServers() []string {
	names := make([]string, 0, len(o.cfg.Document.Servers))
	for name := range o.cfg.Document.Servers {
		names = append(names, name)
	}
	return names
}

// Start launches every configured server's proxy core concurrently. A
// core that fails to start is logged and excluded from the active set;
// the rest continue. Start returns nil unless every server failed.
func (o *Orchestrator) Start(ctx context.Context) error {
	names := o.ListServers()
	var wg sync.WaitGroup
	for _, name := range names {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			if err := o.StartSingle(ctx, name); err != nil {
				o.logger.Error("server failed to start", "server", name, "error", err)
			}
		}(name)
	}
	wg.Wait()

	o.mu.Lock()
	started := len(o.cores)
	o.mu.Unlock()
	if started == 0 && len(names) > 0 {
		return fmt.Errorf("orchestrator: no servers started successfully")
	}
	return nil
}

// StartSingle builds and starts the proxy core for one server: it opens
// that server's listener, accepts its one client connection, and hands
// the connection to proxycore.Core.Start. The accept happens in a
// background goroutine so StartSingle returns as soon as the listener is
// ready, not once a client has actually connected.
func (o *Orchestrator) StartSingle(ctx context.Context, name string) error {
	srv, ok := o.cfg.Document.Servers[name]
	if !ok {
		return fmt.Errorf("orchestrator: unknown server %q", name)
	}

	o.mu.Lock()
	if _, exists := o.cores[name]; exists {
		o.mu.Unlock()
		return fmt.Errorf("orchestrator: server %q already started", name)
	}
	o.mu.Unlock()

	ln, err := o.cfg.Listen(name)
	if err != nil {
		o.recordFailure(name, err)
		return err
	}

	proxCfg := o.coreConfig(name, srv)
	core := proxycore.New(proxCfg)

	o.mu.Lock()
	o.cores[name] = core
	o.listeners[name] = ln
	delete(o.failed, name)
	o.mu.Unlock()

	go o.acceptAndStart(ctx, name, ln, core)
	return nil
}

func (o *Orchestrator) acceptAndStart(ctx context.Context, name string, ln net.Listener, core *proxycore.Core) {
	conn, err := ln.Accept()
	if err != nil {
		o.logger.Error("accept failed", "server", name, "error", err)
		o.recordFailure(name, err)
		o.dropCore(name)
		return
	}
	if err := core.Start(ctx, conn, conn); err != nil {
		o.logger.Error("core start failed", "server", name, "error", err)
		o.recordFailure(name, err)
		_ = conn.Close()
		o.dropCore(name)
	}
}

func (o *Orchestrator) recordFailure(name string, err error) {
	o.mu.Lock()
	o.failed[name] = err
	o.mu.Unlock()
}

func (o *Orchestrator) dropCore(name string) {
	o.mu.Lock()
	delete(o.cores, name)
	if ln, ok := o.listeners[name]; ok {
		_ = ln.Close()
		delete(o.listeners, name)
	}
	o.mu.Unlock()
}

func (o *Orchestrator) coreConfig(name string, srv config.Server) proxycore.Config {
	proxy := o.cfg.Document.Proxy
	return proxycore.Config{
		Name:                name,
		Command:             srv.Command,
		Args:                srv.Args,
		Env:                 srv.Env,
		MaxMessageSize:      proxy.MaxMessageSize,
		RequestTimeout:      proxy.RequestTimeout.Duration,
		SweepInterval:       proxy.SweepInterval.Duration,
		FailMode:            proxy.FailMode,
		ShutdownGrace:       proxy.ShutdownGrace.Duration,
		MaxRecoveryAttempts: proxy.MaxRecoveryAttempts,
		Breaker: proxycore.BreakerConfig{
			FailureThreshold: proxy.CircuitBreaker.FailureThreshold,
			ResetTimeout:     proxy.CircuitBreaker.ResetTimeout.Duration,
			SuccessThreshold: proxy.CircuitBreaker.SuccessThreshold,
		},
		Policy:   o.cfg.Policy,
		Session:  o.cfg.Session,
		Audit:    o.cfg.Audit,
		Approval: o.cfg.Approval,
		Shadow:   o.cfg.Shadow,
		Metrics:  o.cfg.Metrics,
		Logger:   o.logger.With("server", name),
	}
}

// Shutdown stops every running core in parallel, swallowing individual
// errors (each is logged instead) so one wedged upstream can't block the
// rest of the fleet from shutting down.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	names := make([]string, 0, len(o.cores))
	for name := range o.cores {
		names = append(names, name)
	}
	o.mu.Unlock()

	var wg sync.WaitGroup
	for _, name := range names {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			if err := o.ShutdownServer(name); err != nil {
				o.logger.Error("server failed to shut down cleanly", "server", name, "error", err)
			}
		}(name)
	}
	wg.Wait()
	return nil
}

// ShutdownServer stops one server's core and releases its listener.
func (o *Orchestrator) ShutdownServer(name string) error {
	o.mu.Lock()
	core, ok := o.cores[name]
	ln := o.listeners[name]
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("orchestrator: server %q is not running", name)
	}

	err := core.Shutdown(context.Background())
	if ln != nil {
		_ = ln.Close()
	}
	o.dropCore(name)
	return err
}

// Stats returns a point-in-time snapshot of every started core.
func (o *Orchestrator) Stats() []CoreStats {
	o.mu.Lock()
	defer o.mu.Unlock()

	stats := make([]CoreStats, 0, len(o.cores))
	for name, core := range o.cores {
		stats = append(stats, CoreStats{
			Server:       name,
			State:        core.State().String(),
			PendingCount: core.PendingCount(),
			BreakerState: core.BreakerState().String(),
		})
	}
	return stats
}

// Failures returns the most recent start error recorded per server name,
// for servers that failed to start or were dropped after a failed accept.
func (o *Orchestrator) Failures() map[string]error {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[string]error, len(o.failed))
	for k, v := range o.failed {
		out[k] = v
	}
	return out
}
