package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/noco-ai/arcane-bridge/internal/abilities"
	"github.com/noco-ai/arcane-bridge/internal/broker"
	"github.com/noco-ai/arcane-bridge/internal/channels"
	"github.com/noco-ai/arcane-bridge/internal/config"
	"github.com/noco-ai/arcane-bridge/internal/conversation"
	"github.com/noco-ai/arcane-bridge/internal/golem"
	"github.com/noco-ai/arcane-bridge/internal/jobs"
	"github.com/noco-ai/arcane-bridge/internal/modules"
	"github.com/noco-ai/arcane-bridge/internal/moe"
	"github.com/noco-ai/arcane-bridge/internal/plugin"
	"github.com/noco-ai/arcane-bridge/internal/scheduler"
	"github.com/noco-ai/arcane-bridge/internal/security"
	"github.com/noco-ai/arcane-bridge/internal/skills"
	"github.com/noco-ai/arcane-bridge/internal/store"
	"github.com/noco-ai/arcane-bridge/internal/workspace"
)

// Consumer handler names bound by the topology file besides the
// conversation manager's own.
const (
	handlerFleet   = "skills.fleet"
	handlerResolve = "jobs.resolve"
)

// Scheduler action names.
const (
	actionSweepJobs = "jobs.sweep"
	actionPingFleet = "fleet.ping"
)

// embedChunk is how many strings go into one embedding request when the
// routing index is warmed.
const embedChunk = 64

// App holds all the runtime components
type App struct {
	Config      *config.Config
	ConfigPath  string
	Logger      *slog.Logger
	LogLevel    *slog.LevelVar
	Store       *store.Store
	Workspaces  *workspace.Workspaces
	Skills      *skills.Index
	Jobs        *jobs.Registry
	Gateway     *broker.Gateway
	Client      *golem.Client
	Router      *moe.Router
	Permissions *security.Permissions
	Sessions    *channels.Sessions
	Manager     *conversation.Manager
	Fleet       *skills.Fleet
	Scheduler   *scheduler.Scheduler
	Server      *channels.Server
	Watcher     *config.Watcher

	topology  *broker.Topology
	consumers *modules.Registry[broker.HandlerFunc]
	services  map[string]service

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// service is one startable part of the bridge.
type service struct {
	deps  []string
	start func(ctx context.Context) error
}

// setup initializes all application components
func setup(configPath string) (*App, error) {
	app := &App{ConfigPath: configPath, LogLevel: new(slog.LevelVar)}
	app.Logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: app.LogLevel,
	}))

	app.Logger.Info("starting arcane bridge",
		"version", version,
		"config", configPath,
	)

	cfg, err := loadConfig(configPath, app.Logger)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := app.build(cfg); err != nil {
		app.close()
		return nil, err
	}
	return app, nil
}

// build wires every component from cfg.
func (a *App) build(cfg *config.Config) error {
	a.Config = cfg
	a.LogLevel.Set(parseLogLevel(cfg.Server.LogLevel))
	logger := a.Logger
	a.ctx, a.cancel = context.WithCancel(context.Background())

	st, err := store.Open(cfg.StorePath())
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	a.Store = st
	a.Workspaces = workspace.New(cfg.WorkspaceRoot(), cfg.Server.PublicURL, logger)
	a.Permissions = security.NewPermissions(permissionsFrom(cfg.Permissions))

	serverID := cfg.Broker.ServerID
	if serverID == "" {
		serverID = uuid.NewString()
	}
	transport, err := newTransport(cfg.Broker, logger)
	if err != nil {
		return err
	}
	a.Gateway = broker.NewGateway(transport, broker.Options{
		ServerID:    serverID,
		MaxAttempts: cfg.Broker.MaxReconnectAttempts,
	}, logger)
	a.topology, err = broker.LoadTopology(cfg.Broker.TopologyFile)
	if err != nil {
		return err
	}

	specs := make([]plugin.Spec, 0, len(cfg.Plugins))
	for _, p := range cfg.Plugins {
		specs = append(specs, plugin.Spec{Target: p.Target, Name: p.Name, SortOrder: p.SortOrder})
	}
	chain, err := plugin.Build(specs, logger)
	if err != nil {
		return fmt.Errorf("build plugins: %w", err)
	}

	a.Skills = skills.NewIndex(logger)
	a.Jobs = jobs.NewRegistry(jobs.Options{Timeout: cfg.JobTimeout()}, logger)
	a.Client = golem.NewClient(golem.NewInterceptedPublisher(a.Gateway, chain), a.Jobs, a.Skills, logger)

	catalog, err := abilities.NewCatalog(logger)
	if err != nil {
		return fmt.Errorf("load chat abilities: %w", err)
	}
	if err := catalog.LoadDir(cfg.Abilities.Dir); err != nil {
		return err
	}
	handlers := abilities.NewHandlers()
	if err := abilities.RegisterBuiltins(handlers, abilities.Deps{
		Worker:    a.Client,
		Sandbox:   abilities.NewSandbox(cfg.SandboxTimeout()),
		Functions: st,
		Logger:    logger,
	}); err != nil {
		return fmt.Errorf("register chat abilities: %w", err)
	}

	a.Router = moe.NewRouter(a.Client, a.Skills, catalog, st, moe.Thresholds{
		FunctionCall: cfg.Router.FunctionCallThreshold,
		ModelRoute:   cfg.Router.ModelRouteThreshold,
	}, logger)

	a.Sessions = channels.NewSessions(nil, logger)
	a.Manager = conversation.NewManager(conversation.Deps{
		Client:      a.Client,
		Router:      a.Router,
		Store:       st,
		Workspaces:  a.Workspaces,
		Handlers:    handlers,
		Permissions: a.Permissions,
		Emitter:     a.Sessions,
		Logger:      logger,
	}, conversation.Options{
		MaxNewTokens:    cfg.Router.MaxNewTokens,
		PreferredModel:  cfg.Router.PreferredModel,
		SecondaryModel:  cfg.Router.SecondaryModel,
		ReasoningAgent:  cfg.Router.ReasoningAgent,
		EmbeddingModel:  cfg.Router.EmbeddingModel,
		WaitMessageRate: cfg.Router.WaitMessageRate,
		Thresholds: moe.Thresholds{
			FunctionCall: cfg.Router.FunctionCallThreshold,
			ModelRoute:   cfg.Router.ModelRouteThreshold,
		},
	})
	a.Sessions.SetHandler(a.Manager)

	a.Fleet = skills.NewFleet(a.Skills, a.Client, a.Sessions, logger)
	registerFleetCommands(a.Manager, a.Fleet, a.Permissions)
	a.Skills.OnChange(a.rewarm)

	a.consumers = modules.NewRegistry[broker.HandlerFunc]("consumer")
	for name, h := range a.Manager.ConsumerHandlers() {
		if err := a.consumers.RegisterValue(name, h); err != nil {
			return err
		}
	}
	if err := a.consumers.RegisterValue(handlerFleet, a.Fleet.Handler()); err != nil {
		return err
	}
	if err := a.consumers.RegisterValue(handlerResolve, a.Jobs.Handler()); err != nil {
		return err
	}

	actions := modules.NewRegistry[scheduler.Action]("action")
	actions.RegisterValue(actionSweepJobs, func(ctx context.Context) error {
		if n := a.Jobs.Sweep(); n > 0 {
			logger.Info("expired stale jobs", "count", n)
		}
		return nil
	})
	actions.RegisterValue(actionPingFleet, func(ctx context.Context) error {
		return a.Fleet.PingServer(ctx, "", false)
	})
	a.Scheduler = scheduler.NewScheduler(actions, logger)
	for _, task := range maintenanceTasks(cfg) {
		if err := a.Scheduler.AddTask(task); err != nil {
			return fmt.Errorf("schedule %s: %w", task.ID, err)
		}
	}

	a.Server = channels.NewServer(cfg.Server.Port, channels.ServerDeps{
		Sessions:    a.Sessions,
		Skills:      a.Skills,
		Permissions: a.Permissions,
		Files:       a.Workspaces.Routes(),
		Secret:      []byte(cfg.Session.JWTSecret),
		DevUser:     cfg.Session.DevUser,
		Logger:      logger,
	})

	if a.ConfigPath != "" {
		w, err := config.NewWatcher(a.ConfigPath, 500*time.Millisecond, logger, a.reload)
		if err != nil {
			logger.Warn("config watcher unavailable", "error", err)
		} else {
			a.Watcher = w
		}
	}

	return a.planServices(cfg.ModuleDependencies())
}

// planServices registers the startable services. extra adds start
// dependencies from config; naming a service that does not exist fails.
func (a *App) planServices(extra map[string][]string) error {
	a.services = map[string]service{
		"broker":    {start: a.connectBroker},
		"topology":  {deps: []string{"broker"}, start: a.applyTopology},
		"fleet":     {deps: []string{"topology"}, start: a.pingFleet},
		"scheduler": {deps: []string{"broker"}, start: a.Scheduler.Start},
		"http":      {start: a.serveHTTP},
		"watcher":   {start: a.watchConfig},
	}
	for name, deps := range extra {
		s, ok := a.services[name]
		if !ok {
			return fmt.Errorf("%w: module %s", modules.ErrUnknown, name)
		}
		for _, d := range deps {
			if _, ok := a.services[d]; !ok {
				return fmt.Errorf("%w: module %s depends on %s", modules.ErrUnknown, name, d)
			}
		}
		s.deps = append(append([]string(nil), s.deps...), deps...)
		a.services[name] = s
	}
	_, err := a.startOrder()
	return err
}

func (a *App) startOrder() ([]string, error) {
	deps := make(map[string][]string, len(a.services))
	for name, s := range a.services {
		deps[name] = s.deps
	}
	return modules.Sort(deps)
}

// startServices starts all services in dependency order
func startServices(app *App) error {
	order, err := app.startOrder()
	if err != nil {
		return err
	}
	for _, name := range order {
		app.Logger.Debug("starting service", "service", name)
		if err := app.services[name].start(app.ctx); err != nil {
			return fmt.Errorf("start %s: %w", name, err)
		}
	}
	return nil
}

func (a *App) connectBroker(ctx context.Context) error {
	if !a.Gateway.Connect(ctx) {
		return errors.New("broker unavailable")
	}
	return nil
}

func (a *App) applyTopology(ctx context.Context) error {
	return broker.Apply(ctx, a.Gateway, a.topology, a.consumers, a.Logger)
}

func (a *App) pingFleet(ctx context.Context) error {
	if err := a.Fleet.PingServer(ctx, "", false); err != nil {
		a.Logger.Warn("startup fleet ping failed", "error", err)
	}
	return nil
}

func (a *App) serveHTTP(ctx context.Context) error {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.Server.Start(ctx); err != nil {
			a.Logger.Error("http server error", "error", err)
		}
	}()
	return nil
}

func (a *App) watchConfig(ctx context.Context) error {
	if a.Watcher == nil {
		return nil
	}
	return a.Watcher.Start()
}

// rewarm drops the routing index after the online skills changed and
// builds it again in the background.
func (a *App) rewarm() {
	a.Router.Index().Invalidate()
	if a.ctx == nil || a.ctx.Err() != nil {
		return
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		err := a.Router.Warm(a.ctx, func(ctx context.Context, texts []string) ([][]float64, error) {
			return a.Client.EmbedBatch(ctx, a.Config.Router.EmbeddingModel, texts, 0, embedChunk)
		})
		if err != nil {
			a.Logger.Debug("routing index not warmed", "error", err)
		}
	}()
}

// reload re-reads the config file and applies what can change at runtime.
func (a *App) reload() {
	result, err := a.Config.Reload(a.ConfigPath)
	if err != nil {
		a.Logger.Error("config reload failed", "error", err)
		return
	}
	result.LogResult(a.Logger)
	if slices.ContainsFunc(result.Changed, config.IsRestartRequired) {
		a.Logger.Warn("restart arcane-bridge to apply the skipped config changes")
	}

	config.RLock()
	defer config.RUnlock()
	if result.Has("Server.LogLevel") {
		a.LogLevel.Set(parseLogLevel(a.Config.Server.LogLevel))
	}
	if result.Has("Permissions") {
		a.Permissions.Replace(permissionsFrom(a.Config.Permissions))
	}
}

// shutdown stops services in reverse order of their dependencies.
func (a *App) shutdown() {
	if a.Scheduler != nil {
		a.Scheduler.Stop()
	}
	a.close()
	a.Logger.Info("arcane bridge stopped")
}

func (a *App) close() {
	if a.Watcher != nil {
		a.Watcher.Stop()
	}
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
	if a.Sessions != nil {
		a.Sessions.Wait()
	}
	if a.Manager != nil {
		a.Manager.Close()
	}
	if a.Gateway != nil {
		if err := a.Gateway.Close(); err != nil {
			a.Logger.Warn("broker close failed", "error", err)
		}
	}
	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			a.Logger.Warn("store close failed", "error", err)
		}
	}
}

func newTransport(cfg config.BrokerConfig, logger *slog.Logger) (broker.Transport, error) {
	switch cfg.Driver {
	case "amqp":
		url := cfg.URI
		if url == "" {
			url = broker.AMQPURL(cfg.Host, cfg.Port, cfg.Username, cfg.Password)
		}
		return broker.NewAMQPTransport(url, logger), nil
	case "mqtt":
		return broker.NewMQTTTransport(cfg.Host, cfg.Port, cfg.Username, cfg.Password, cfg.TopicPrefix, logger), nil
	default:
		return nil, fmt.Errorf("unknown broker driver %q", cfg.Driver)
	}
}

func permissionsFrom(cfg config.PermissionsConfig) (map[int64]security.UserPermissions, security.UserPermissions) {
	convert := func(u config.UserPermissions) security.UserPermissions {
		return security.UserPermissions{Skills: u.Skills, Applications: u.Applications, IsAdmin: u.IsAdmin}
	}
	users := make(map[int64]security.UserPermissions, len(cfg.Users))
	for id, u := range cfg.Users {
		users[id] = convert(u)
	}
	return users, convert(cfg.Default)
}

func maintenanceTasks(cfg *config.Config) []*scheduler.Task {
	var tasks []*scheduler.Task
	if cfg.Jobs.SweepSpec != "" {
		tasks = append(tasks, &scheduler.Task{
			ID:       "sweep-jobs",
			Name:     "Expire stale jobs",
			Schedule: scheduler.ScheduleConfig{Kind: "cron", Expr: cfg.Jobs.SweepSpec},
			Action:   actionSweepJobs,
			Enabled:  true,
		})
	}
	if cfg.Fleet.PingSpec != "" {
		tasks = append(tasks, &scheduler.Task{
			ID:       "ping-fleet",
			Name:     "Refresh worker fleet status",
			Schedule: scheduler.ScheduleConfig{Kind: "cron", Expr: cfg.Fleet.PingSpec},
			Action:   actionPingFleet,
			Enabled:  true,
		})
	}
	return tasks
}

// errNotAdmin is returned for fleet commands from non-admin users.
var errNotAdmin = errors.New("fleet management requires an admin user")

// registerFleetCommands adds the admin-only fleet socket commands.
func registerFleetCommands(m *conversation.Manager, fleet *skills.Fleet, perms *security.Permissions) {
	admin := func(fn func(ctx context.Context, socketID string, payload map[string]any) error) conversation.CommandFunc {
		return func(ctx context.Context, socketID string, userID int64, raw json.RawMessage) error {
			if p := perms.UserPermissions(userID); p == nil || !p.IsAdmin {
				return errNotAdmin
			}
			payload := map[string]any{}
			if len(raw) > 0 {
				if err := json.Unmarshal(raw, &payload); err != nil {
					return fmt.Errorf("decode payload: %w", err)
				}
			}
			return fn(ctx, socketID, payload)
		}
	}
	m.Handle("run_skill", admin(fleet.RunSkill))
	m.Handle("install_skill", admin(fleet.InstallSkill))
	m.Handle("stop_skill", admin(fleet.StopSkill))
	m.Handle("update_configuration", admin(fleet.UpdateConfiguration))
	m.Handle("worker_report", admin(func(ctx context.Context, socketID string, _ map[string]any) error {
		return fleet.WorkerReport(ctx, socketID)
	}))
}

// loadConfig loads configuration from file or creates default
func loadConfig(path string, logger *slog.Logger) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Info("no config found, creating default")
			cfg = config.DefaultConfig()
			if err := cfg.Save(path); err != nil {
				return nil, fmt.Errorf("save default config: %w", err)
			}
			if err := os.MkdirAll(cfg.Server.DataDir, 0750); err != nil {
				return nil, fmt.Errorf("create data dir: %w", err)
			}
			logger.Info("default config created", "path", path)
			return cfg, nil
		}
		return nil, err
	}
	return cfg, nil
}

// parseLogLevel converts string log level to slog.Level
func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
