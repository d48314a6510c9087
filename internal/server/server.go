// Package server implements the apphost daemon. It deploys the configured
// applications on a single host, serves their traffic, drives the reload
// monitor and exposes the admin API.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/docker/docker/client"
	"github.com/go-logr/logr"
	"github.com/go-logr/stdr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"apphost/internal/container"
	"apphost/internal/executor"
	"apphost/internal/lifecycle"
	"apphost/internal/reload"
	"apphost/internal/webapp"
	"apphost/pkg/protocol"
)

// Config holds the configuration of the daemon.
type Config struct {
	Address   string `mapstructure:"address"`
	AdminAddr string `mapstructure:"admin_address"`
	HostName  string `mapstructure:"host_name"`

	// RootDir is the root of the implicit "default" app used when neither
	// Apps nor AppsBase is configured. Defaults to the working directory.
	RootDir  string          `mapstructure:"root_dir"`
	AppsBase string          `mapstructure:"apps_base"`
	Excludes []string        `mapstructure:"excludes"`
	Apps     []webapp.Config `mapstructure:"apps"`
	Defaults webapp.Config   `mapstructure:"defaults"`

	MonitorInterval     time.Duration `mapstructure:"monitor_interval"`
	WatchMarkers        bool          `mapstructure:"watch_markers"`
	RollingStartTimeout time.Duration `mapstructure:"rolling_start_timeout"`
	ShutdownTimeout     time.Duration `mapstructure:"shutdown_timeout"`
	AuditPath           string        `mapstructure:"audit_path"`

	Docker         bool   `mapstructure:"docker"`
	DockerPlatform string `mapstructure:"docker_platform"`

	Logger   logr.Logger         `mapstructure:"-"`
	Clock    clock.WithTicker    `mapstructure:"-"`
	Registry *prometheus.Registry `mapstructure:"-"`
}

func (c *Config) setDefaults() error {
	if c.Logger.GetSink() == nil {
		c.Logger = stdr.New(log.New(os.Stdout, "[apphost] ", log.LstdFlags|log.Lmsgprefix))
	}
	if c.Clock == nil {
		c.Clock = clock.RealClock{}
	}
	if c.Registry == nil {
		c.Registry = prometheus.NewRegistry()
		c.Registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	if c.Address == "" {
		c.Address = ":3000"
	}
	if c.HostName == "" {
		c.HostName = "localhost"
	}
	if c.MonitorInterval <= 0 {
		c.MonitorInterval = 5 * time.Second
	}
	if c.RollingStartTimeout <= 0 {
		c.RollingStartTimeout = reload.DefaultStartTimeout
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
	if c.RootDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("resolve working directory: %w", err)
		}
		c.RootDir = wd
	}
	return nil
}

// Server is the apphost daemon.
type Server struct {
	config    Config
	host      *container.Host
	monitor   *reload.HostMonitor
	rolling   *reload.RollingReload
	executors *executor.Registry
	audit     *AuditLogger
	api       *APIServer
	watcher   *reload.MarkerWatcher
	clock     clock.WithTicker
	log       logr.Logger

	mu        sync.Mutex
	startedAt time.Time
	addr      net.Addr
}

// NewServer deploys the configured applications without starting them.
func NewServer(cfg Config) (*Server, error) {
	if err := cfg.setDefaults(); err != nil {
		return nil, err
	}
	srv := &Server{
		config:    cfg,
		host:      container.NewHost(cfg.HostName, cfg.Logger),
		executors: executor.NewRegistry(),
		clock:     cfg.Clock,
		log:       cfg.Logger,
	}

	srv.executors.Register(webapp.KindStatic, executor.NewStaticExecutor(cfg.Logger))
	srv.executors.Register(webapp.KindProcess, executor.NewLocalExecutor(cfg.Logger))
	if cfg.Docker {
		dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
		if err != nil {
			cfg.Logger.Error(err, "docker unavailable, docker apps will fail to start")
		} else {
			dockerExec, err := executor.NewDockerExecutor(dockerClient, cfg.DockerPlatform, cfg.Logger)
			if err != nil {
				return nil, fmt.Errorf("create docker executor: %w", err)
			}
			srv.executors.Register(webapp.KindDocker, dockerExec)
		}
	}

	audit, err := NewAuditLogger(cfg.AuditPath, cfg.Clock, cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("create audit logger: %w", err)
	}
	srv.audit = audit
	recorder := reload.Recorders{reload.NewMetrics(cfg.Registry), audit}

	holders, err := srv.deploy()
	if err != nil {
		audit.Close()
		return nil, err
	}

	srv.rolling = reload.NewRollingReload(reload.RollingOptions{
		Factory:      srv,
		Clock:        cfg.Clock,
		StartTimeout: cfg.RollingStartTimeout,
		Recorder:     recorder,
		Logger:       cfg.Logger,
	})
	srv.monitor = reload.NewHostMonitor(reload.HostMonitorOptions{
		Monitor:    reload.NewFileMonitor(cfg.Clock),
		Strategies: reload.NewStrategies(reload.RestartReload{}, srv.rolling),
		Recorder:   recorder,
		Clock:      cfg.Clock,
		Logger:     cfg.Logger,
	}, holders...)
	srv.host.AddListener(srv.monitor)

	if cfg.AdminAddr != "" {
		srv.api = NewAPIServer(srv, cfg.AdminAddr, cfg.Registry, cfg.Logger)
	}
	return srv, nil
}

// deploy creates one context and holder per configured application and
// attaches the contexts to the host.
func (s *Server) deploy() ([]*webapp.Holder, error) {
	configs, err := webapp.Resolve(s.config.Apps, s.config.AppsBase, s.config.Excludes, s.config.RootDir)
	if err != nil {
		return nil, fmt.Errorf("resolve apps: %w", err)
	}

	paths := make(map[string]string)
	holders := make([]*webapp.Holder, 0, len(configs))
	for _, cfg := range configs {
		app, err := webapp.New(cfg, s.config.Defaults)
		if err != nil {
			return nil, err
		}
		if other, ok := paths[app.ContextPath()]; ok {
			return nil, fmt.Errorf("apps %s and %s share context path %s", other, app.Name(), app.ContextPath())
		}
		paths[app.ContextPath()] = app.Name()

		ctx, err := s.BuildContext(app)
		if err != nil {
			return nil, err
		}
		if err := s.host.AddChild(context.Background(), ctx); err != nil {
			return nil, fmt.Errorf("deploy %s: %w", app.Name(), err)
		}
		holders = append(holders, webapp.NewHolder(app, ctx))
		s.log.Info("deployed app", "app", app.Name(), "path", app.ContextPath(), "root", app.RootDir())
	}
	return holders, nil
}

// BuildContext creates a detached context for app. Its backend is resolved
// from the app's runtime settings each time the context starts.
func (s *Server) BuildContext(app *webapp.WebApp) (container.Context, error) {
	var c *container.AppContext
	c = container.NewAppContext(container.Options{
		Name:    app.Name(),
		Path:    app.ContextPath(),
		WorkDir: app.WorkDir(),
		Reset:   app.Reset,
		Logger:  s.log,
		Launch: func(ctx context.Context) (container.Backend, error) {
			rt, err := app.Runtime()
			if err != nil {
				return nil, err
			}
			return s.executors.Launch(ctx, executor.Spec{
				Instance:    c.Name(),
				App:         app.Name(),
				ContextPath: app.ContextPath(),
				RootDir:     app.RootDir(),
				LogDir:      app.LogDir(),
				Runtime:     rt,
			})
		},
	})
	return c, nil
}

// Start starts the host, which records the reload marker baselines and
// starts every application, and the marker watcher when enabled.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	s.startedAt = s.clock.Now()
	s.mu.Unlock()

	if err := s.host.Start(ctx); err != nil {
		return fmt.Errorf("start host: %w", err)
	}
	if s.config.WatchMarkers {
		markers := make([]string, 0)
		for _, h := range s.monitor.Holders() {
			markers = append(markers, h.Monitor())
		}
		watcher, err := reload.NewMarkerWatcher(markers, func() { s.monitor.CheckMonitors(ctx) }, s.log)
		if err != nil {
			s.log.Error(err, "marker watcher disabled")
		} else if err := watcher.Start(ctx); err != nil {
			s.log.Error(err, "marker watcher disabled")
		} else {
			s.watcher = watcher
		}
	}
	return nil
}

// Run starts the server and serves application traffic, the admin API and
// the periodic monitor until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}

	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		s.Stop(context.Background())
		return fmt.Errorf("listen on %s: %w", s.config.Address, err)
	}
	s.mu.Lock()
	s.addr = listener.Addr()
	s.mu.Unlock()

	httpServer := &http.Server{Handler: s.host, ReadHeaderTimeout: 10 * time.Second}
	s.log.Info("serving applications", "address", listener.Addr().String(), "apps", len(s.monitor.Holders()))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve applications: %w", err)
		}
		return nil
	})
	if s.api != nil {
		g.Go(func() error {
			if err := s.api.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("serve admin API: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		s.tickLoop(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()
		if s.api != nil {
			s.api.Shutdown(shutdownCtx)
		}
		return httpServer.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	stopCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()
	return errors.Join(err, s.Stop(stopCtx))
}

func (s *Server) tickLoop(ctx context.Context) {
	ticker := s.clock.NewTicker(s.config.MonitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			s.host.Tick(ctx)
		}
	}
}

// Stop waits for rolling reloads in flight and stops every application.
// Contexts are stopped, not destroyed, so work dirs and markers survive.
func (s *Server) Stop(ctx context.Context) error {
	if s.watcher != nil {
		s.watcher.Stop()
	}
	s.rolling.Wait()
	err := s.host.Stop(ctx)
	s.audit.Close()
	s.log.Info("server stopped")
	return err
}

// Tick runs one periodic monitor check.
func (s *Server) Tick(ctx context.Context) { s.host.Tick(ctx) }

// Handler serves application traffic.
func (s *Server) Handler() http.Handler { return s.host }

// Addr is the address application traffic is served on once Run listens.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Status describes the daemon.
func (s *Server) Status() protocol.Status {
	s.mu.Lock()
	startedAt := s.startedAt
	s.mu.Unlock()

	holders := s.monitor.Holders()
	reloading := 0
	for _, h := range holders {
		if h.Locked() {
			reloading++
		}
	}
	status := protocol.Status{
		Status:    "running",
		Host:      s.host.Name(),
		State:     s.host.StateName(),
		StartedAt: startedAt,
		Apps:      len(holders),
		Reloading: reloading,
	}
	if s.host.State() != lifecycle.StateStarted {
		status.Status = "stopped"
	}
	if !startedAt.IsZero() {
		status.Uptime = s.clock.Since(startedAt).Seconds()
	}
	return status
}

// Apps describes every deployed application, sorted by name.
func (s *Server) Apps() []protocol.App {
	holders := s.monitor.Holders()
	apps := make([]protocol.App, 0, len(holders))
	for _, h := range holders {
		apps = append(apps, describe(h))
	}
	sort.Slice(apps, func(i, j int) bool { return apps[i].Name < apps[j].Name })
	return apps
}

// App describes the named application.
func (s *Server) App(name string) (protocol.App, error) {
	h, err := s.monitor.Holder(name)
	if err != nil {
		return protocol.App{}, err
	}
	return describe(h), nil
}

// Reload requests an immediate reload of the named application. It reports
// false when a reload is already in progress.
func (s *Server) Reload(ctx context.Context, name string) (bool, error) {
	return s.monitor.ReloadNow(ctx, name)
}

// History returns the most recent reload records, newest last.
func (s *Server) History(limit int) ([]protocol.ReloadRecord, error) {
	records, err := ReadHistory(s.config.AuditPath)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(records) > limit {
		records = records[len(records)-limit:]
	}
	return records, nil
}

func describe(h *webapp.Holder) protocol.App {
	app := h.App()
	c := h.Context()
	out := protocol.App{
		Name:           app.Name(),
		ContextPath:    app.ContextPath(),
		RootDir:        app.RootDir(),
		ReloadStrategy: string(app.ReloadStrategy()),
		Context:        c.Name(),
		State:          c.StateName(),
		StartedAt:      c.StartedAt(),
		Monitor:        h.Monitor(),
		MonitorMtime:   h.MonitorMtime(),
		Reloading:      h.Locked(),
	}
	if out.ReloadStrategy == "" {
		out.ReloadStrategy = "default"
	}
	if rt, err := app.Runtime(); err == nil {
		out.Kind = string(rt.Kind)
	}
	return out
}
