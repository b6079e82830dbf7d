package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/goswarm/internal/archive"
	"github.com/nextlevelbuilder/goswarm/internal/automation"
	"github.com/nextlevelbuilder/goswarm/internal/bus"
	"github.com/nextlevelbuilder/goswarm/internal/config"
	"github.com/nextlevelbuilder/goswarm/internal/crossrepo"
	"github.com/nextlevelbuilder/goswarm/internal/dashboard"
	"github.com/nextlevelbuilder/goswarm/internal/gateway"
	"github.com/nextlevelbuilder/goswarm/internal/mailbox"
	"github.com/nextlevelbuilder/goswarm/internal/providers"
	"github.com/nextlevelbuilder/goswarm/internal/registry"
	"github.com/nextlevelbuilder/goswarm/internal/router"
	"github.com/nextlevelbuilder/goswarm/internal/sidechannel"
	"github.com/nextlevelbuilder/goswarm/internal/skills"
	"github.com/nextlevelbuilder/goswarm/internal/workspace"
	"github.com/nextlevelbuilder/goswarm/pkg/protocol"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestration manager",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

// app holds every wired component plus its teardown order.
type app struct {
	cfg     *config.Config
	paths   *config.Paths
	bus     *bus.Bus
	side    *sidechannel.Client
	reg     *registry.Registry
	catalog *skills.Store
	sender  *providers.Registry
	archive *archive.Store
	router  *router.Router
	mail    *mailbox.Store
	rules   *automation.RuleStore
	engine  *automation.Engine
	cron    *automation.Scheduler
	repos   *crossrepo.Dispatcher
	spaces  *workspace.Monitor
	tools   *gateway.Gateway
}

// buildApp wires the full component graph from config. Components that
// fail to persist degrade; only an unusable data dir is fatal.
func buildApp(cfgPath string) (*app, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	paths, err := config.NewPaths(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(paths.StateVersion(), []byte(strconv.Itoa(protocol.ProtocolVersion)+"\n"), 0o644); err != nil {
		slog.Warn("serve.state_version_write_failed", "error", err)
	}

	a := &app{cfg: cfg, paths: paths, bus: bus.New()}

	if cfg.SideChan.Addr != "" {
		a.side = sidechannel.New(cfg.SideChan.Addr, cfg.SideChan.Password, cfg.SideChan.DB)
	}

	a.reg, err = registry.New(paths.Agents(), a.bus, a.side)
	if err != nil {
		return nil, fmt.Errorf("agent registry: %w", err)
	}
	a.catalog, err = skills.NewStore(paths.Skills(), a.bus, a.side)
	if err != nil {
		return nil, fmt.Errorf("skill catalog: %w", err)
	}

	a.sender = providers.BuildDefault(cfg)

	var sink router.Sink
	var execSink automation.ExecSink
	if cfg.Archive.Enabled {
		a.archive, err = archive.Open(paths.ArchiveDB())
		if err != nil {
			slog.Warn("serve.archive_unavailable", "error", err)
		} else {
			sink = a.archive
			execSink = a.archive
		}
	}

	a.router = router.New(a.bus, a.reg, a.catalog, a.sender, router.Options{
		DefaultTimeoutMs: cfg.Router.DefaultTimeoutMs,
		HistorySize:      cfg.Router.HistorySize,
		HistoryPath:      paths.TaskHistory(),
		MetricsPath:      paths.RouterMetrics(),
		Sink:             sink,
	})

	a.mail, err = mailbox.NewStore(paths.Messages(), a.bus)
	if err != nil {
		return nil, fmt.Errorf("mailbox: %w", err)
	}
	if cfg.Mailbox.PeerForwarding {
		a.mail.SetForwarder(dashboard.NewPeerNotifier(paths.StateDir()))
	}

	a.rules, err = automation.NewRuleStore(paths.Rules(), a.side)
	if err != nil {
		return nil, fmt.Errorf("automation rules: %w", err)
	}
	a.engine = automation.NewEngine(a.bus, a.reg, a.catalog, a.router, a.rules, execSink)
	a.cron = automation.NewScheduler(a.engine, a.rules, a.bus)

	a.repos = crossrepo.New(a.bus, a.reg, a.sender, paths.CrossRepoLog(),
		cfg.CrossRepo.MaxConcurrent, cfg.CrossRepo.HistorySize)

	a.spaces = workspace.NewMonitor(a.bus, paths.WorkspaceHistory())

	toolDeps := gateway.Deps{
		Registry:   a.reg,
		Skills:     a.catalog,
		Router:     a.router,
		Rules:      a.rules,
		Engine:     a.engine,
		Mailbox:    a.mail,
		CrossRepo:  a.repos,
		Workspaces: a.spaces,
		Sender:     a.sender,
	}
	if a.archive != nil {
		toolDeps.Archive = a.archive
	}
	a.tools = gateway.New(toolDeps)
	return a, nil
}

// shutdown tears components down in reverse dependency order.
func (a *app) shutdown() {
	if a.cron != nil {
		a.cron.Stop()
	}
	if a.engine != nil {
		a.engine.Stop()
	}
	if a.spaces != nil {
		a.spaces.StopAll()
	}
	if a.mail != nil {
		a.mail.Close()
	}
	if a.rules != nil {
		a.rules.Close()
	}
	if a.catalog != nil {
		a.catalog.Close()
	}
	if a.reg != nil {
		a.reg.Close()
	}
	if a.archive != nil {
		a.archive.Close()
	}
	if a.side != nil {
		a.side.Close()
	}
}

func runServe() {
	a, err := buildApp(resolveConfigPath())
	if err != nil {
		slog.Error("serve.boot_failed", "error", err)
		os.Exit(1)
	}
	defer a.shutdown()

	a.engine.Start()
	a.cron.Start()
	a.mail.StartSweeper(time.Duration(a.cfg.Mailbox.SweepIntervalSec) * time.Second)

	dash := dashboard.NewServer(a.cfg.Dashboard, a.paths.StateDir(), dashboard.Deps{
		Bus:        a.bus,
		Registry:   a.reg,
		Skills:     a.catalog,
		Rules:      a.rules,
		Engine:     a.engine,
		Mailbox:    a.mail,
		Router:     a.router,
		CrossRepo:  a.repos,
		Workspaces: a.spaces,
		Tools:      a.tools,
	})
	port, err := dash.Start()
	if err != nil {
		slog.Error("serve.dashboard_failed", "error", err)
		os.Exit(1)
	}

	a.bus.Emit(protocol.EventServerStarted, map[string]interface{}{
		"version":  Version,
		"protocol": protocol.ProtocolVersion,
		"port":     port,
		"pid":      os.Getpid(),
	})
	slog.Info("serve.ready", "port", port, "data_dir", a.paths.Root, "agents", a.reg.Count(), "skills", a.catalog.Count())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	slog.Info("serve.shutting_down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	dash.Shutdown(shutdownCtx)
}
