package daemon

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/harun/veyra/internal/config"
	"github.com/harun/veyra/internal/cron"
	"github.com/harun/veyra/internal/gateway"
	"github.com/harun/veyra/internal/logger"
	"github.com/harun/veyra/internal/observability"
	"github.com/harun/veyra/internal/storage"
	"github.com/harun/veyra/internal/tracing"
	"github.com/harun/veyra/pkg/approval"
	"github.com/harun/veyra/pkg/contextstore"
	"github.com/harun/veyra/pkg/dispatch"
	"github.com/harun/veyra/pkg/engine"
	"github.com/harun/veyra/pkg/lane"
	"github.com/harun/veyra/pkg/model"
	"github.com/harun/veyra/pkg/runstore"
	"github.com/harun/veyra/pkg/tool"
)

// Daemon wires the execution engine: durable stores, approval workflow,
// lane scheduler, model providers, and the ingress services that feed
// them.
type Daemon struct {
	config *config.Config
	logger *logger.Logger

	// Core modules
	db        *sql.DB
	contexts  *contextstore.Store
	allowlist *approval.Allowlist
	approvals *approval.Engine
	runs      *runstore.Store
	tools     *tool.Registry
	invoker   model.Invoker
	dispatch  *dispatch.Registry
	scheduler *lane.Scheduler
	sessions  *lane.Registry
	resumer   *engine.Resumer

	// Services
	gatewayServer *gateway.Server
	cronService   *cron.Service

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startTime time.Time
	running   bool
	mu        sync.RWMutex

	tracingEnabled bool
}

// Status represents daemon status
type Status struct {
	Running   bool
	Uptime    time.Duration
	StartTime time.Time
}

// New creates a new daemon instance
func New(cfg *config.Config, log *logger.Logger) (*Daemon, error) {
	ctx, cancel := context.WithCancel(context.Background())

	observability.EnsureRegistered()
	if err := tracing.InitOpenTelemetry("veyra-daemon"); err != nil {
		log.Warn().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
	}

	d := &Daemon{
		config:         cfg,
		logger:         log,
		ctx:            ctx,
		cancel:         cancel,
		tracingEnabled: true,
	}

	if err := d.initializeCoreModules(); err != nil {
		cancel()
		_ = tracing.ShutdownOpenTelemetry(context.Background())
		return nil, fmt.Errorf("failed to initialize core modules: %w", err)
	}

	if err := d.initializeServices(); err != nil {
		cancel()
		d.closeCoreModules()
		_ = tracing.ShutdownOpenTelemetry(context.Background())
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	return d, nil
}

// initializeCoreModules initializes all core modules in dependency order
func (d *Daemon) initializeCoreModules() error {
	if err := os.MkdirAll(d.config.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := storage.Open(filepath.Join(d.config.DataDir, "veyra.db"))
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	d.db = db
	d.logger.Info().Msg("Database opened")

	contexts, err := contextstore.New(filepath.Join(d.config.DataDir, "sessions"))
	if err != nil {
		return fmt.Errorf("failed to create context store: %w", err)
	}
	d.contexts = contexts
	d.logger.Info().Msg("Context store initialized")

	allowlist, err := approval.NewAllowlist(d.config.Permissions.ExecAllowlistPath)
	if err != nil {
		return fmt.Errorf("failed to load exec allowlist: %w", err)
	}
	d.allowlist = allowlist

	d.approvals = approval.NewEngine(
		approval.NewStore(db),
		d.config.Permissions,
		approval.WithAllowlist(allowlist),
		approval.WithTimeout(time.Duration(d.config.Approvals.TimeoutSeconds)*time.Second),
		approval.WithPollInterval(time.Duration(d.config.Approvals.PollIntervalMs)*time.Millisecond),
	)
	d.logger.Info().
		Int("timeout_seconds", d.config.Approvals.TimeoutSeconds).
		Msg("Approval engine initialized")

	d.runs = runstore.New(db)

	d.dispatch = dispatch.NewRegistry()

	d.tools = tool.NewRegistry()
	if err := tool.RegisterBuiltins(d.tools, tool.BuiltinOptions{
		WorkspaceRoot: d.config.WorkspacePath,
		Dispatch:      d.dispatch,
	}); err != nil {
		return fmt.Errorf("failed to register builtin tools: %w", err)
	}
	d.logger.Info().Strs("tools", toolNames(d.tools)).Msg("Builtin tools registered")

	invoker, err := model.NewInvokerFromProfiles(d.config.Models.Profiles)
	if err != nil {
		return fmt.Errorf("failed to initialize model provider: %w", err)
	}
	d.invoker = invoker
	d.logger.Info().Str("provider", invoker.Provider()).Msg("Model provider initialized")

	d.scheduler = lane.NewScheduler(d.executorForSession)
	d.sessions = lane.NewRegistry(d.scheduler, time.Duration(d.config.Engine.SessionTTLMinutes)*time.Minute)
	d.resumer = engine.NewResumer(d.approvals, d.runs, d)
	d.logger.Info().Msg("Lane scheduler initialized")

	return nil
}

// initializeServices initializes ingress services
func (d *Daemon) initializeServices() error {
	if d.config.Cron.Enabled {
		cronService, err := cron.NewService(cron.ServiceOptions{
			StorePath: d.config.Cron.StorePath,
			Enabled:   true,
			Scheduler: d,
			Dispatch:  d.dispatch,
		})
		if err != nil {
			return fmt.Errorf("failed to create cron service: %w", err)
		}
		d.cronService = cronService

		// Cron lanes address egress by job id; forward to each job's
		// configured delivery channel.
		_ = d.dispatch.Register("cron", dispatch.DispatcherFunc(
			func(ctx context.Context, chatID, text, threadID string) error {
				return cronService.Forward(ctx, chatID, text)
			}))
		d.logger.Info().Msg("Cron service initialized")
	}

	if d.config.Gateway.Enabled {
		gatewayServer, err := gateway.NewServer(gateway.Config{
			Host:      d.config.Gateway.Host,
			Port:      d.config.Gateway.Port,
			AuthToken: d.config.Gateway.AuthToken,
			Scheduler: d,
			Approvals: d.approvals,
			Resumer:   d.resumer,
			Runs:      d.runs,
			Cron:      d.cronService,
			Logger:    d.logger.GetZerolog(),
		})
		if err != nil {
			return fmt.Errorf("failed to create gateway server: %w", err)
		}
		d.gatewayServer = gatewayServer
		_ = d.dispatch.Register("gateway", gatewayServer)
		d.logger.Info().Int("port", d.config.Gateway.Port).Msg("Gateway server initialized")
	}

	return nil
}

// Enqueue implements the enqueuer used by every ingress: it records
// session activity for TTL tracking before handing the entry to the
// lane scheduler.
func (d *Daemon) Enqueue(ctx context.Context, sessionKey string, entry lane.QueueEntry) (lane.EnqueueResult, error) {
	d.sessions.Touch(sessionKey)
	return d.scheduler.Enqueue(ctx, sessionKey, entry)
}

// executorForSession builds the per-session coordinator. The scheduler
// caches the result, so each session gets exactly one coordinator.
func (d *Daemon) executorForSession(sessionKey string) lane.Executor {
	return engine.NewCoordinator(sessionKey, engine.Deps{
		Contexts:   d.contexts,
		Approvals:  d.approvals,
		Runs:       d.runs,
		Tools:      d.tools,
		Invoker:    d.invoker,
		Dispatch:   d.dispatch,
		Drainer:    d.scheduler,
		Summarizer: d.summarizer(),
	}, engine.Config{
		Model:           d.config.Models.Default,
		SystemPrompt:    d.config.Engine.SystemPrompt,
		MaxSteps:        d.config.Engine.MaxSteps,
		FreshnessReruns: d.config.Engine.FreshnessReruns,
		MaxTokens:       d.config.Models.MaxTokens,
		Temperature:     d.config.Models.Temperature,
		Compaction: contextstore.Params{
			MaxInputTokens:   d.config.Compaction.MaxInputTokens,
			KeepLastMessages: d.config.Compaction.KeepLastMessages,
			ArchiveOnCompact: d.config.Compaction.ArchiveOnCompact,
		},
	})
}

// summarizer builds the model-backed compaction summarizer.
func (d *Daemon) summarizer() contextstore.Summarizer {
	return contextstore.SummarizerFunc(func(ctx context.Context, messages []contextstore.Message) (string, error) {
		var transcript string
		for _, msg := range messages {
			text := msg.Text()
			if text == "" {
				continue
			}
			transcript += fmt.Sprintf("[%s] %s\n", msg.Role, text)
		}

		resp, err := d.invoker.Invoke(ctx, model.Request{
			Model: d.config.Models.Default,
			System: "Summarize the following conversation history concisely. " +
				"Preserve decisions, open tasks, and important facts.",
			Messages:  []model.Message{{Role: "user", Content: transcript}},
			MaxTokens: 1024,
		})
		if err != nil {
			return "", err
		}
		return resp.Content, nil
	})
}

// Start starts the daemon service
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	traceID := tracing.NewTraceID()
	log := d.logger.GetZerolog().With().Str("trace_id", traceID).Logger()
	log.Info().Msg("Starting Veyra daemon")

	if d.gatewayServer != nil {
		if err := d.gatewayServer.Start(); err != nil {
			return fmt.Errorf("failed to start gateway server: %w", err)
		}
		log.Info().Msg("Gateway server started")
	}

	// Re-enqueue suspended runs whose approvals resolved while we were
	// down.
	restoreCtx, cancel := context.WithTimeout(d.ctx, 30*time.Second)
	defer cancel()
	if err := d.resumer.RestoreSuspended(restoreCtx); err != nil {
		log.Warn().Err(err).Msg("Failed to restore suspended runs")
	} else {
		log.Info().Msg("Suspended runs restored")
	}

	// Sweep idle session lanes periodically.
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.sessions.Run(d.ctx.Done(), time.Minute)
	}()

	log.Info().Msg("Daemon started successfully")
	return nil
}

// Stop stops the daemon service gracefully
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	d.mu.Unlock()

	log := d.logger.GetZerolog()
	log.Info().Msg("Stopping Veyra daemon")

	if d.cronService != nil {
		if err := d.cronService.Stop(); err != nil {
			log.Error().Err(err).Msg("Failed to stop cron service")
		}
	}

	if d.gatewayServer != nil {
		if err := d.gatewayServer.Stop(); err != nil {
			log.Error().Err(err).Msg("Failed to stop gateway server")
		}
	}

	// Let in-flight lane executions finish before closing stores.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := d.scheduler.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Lane scheduler shutdown incomplete")
	}

	d.cancel()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		log.Warn().Msg("Timeout waiting for goroutines to stop")
	}

	d.closeCoreModules()

	if d.tracingEnabled {
		traceCtx, traceCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := tracing.ShutdownOpenTelemetry(traceCtx); err != nil {
			log.Error().Err(err).Msg("Failed to shutdown tracing")
		}
		traceCancel()
		d.tracingEnabled = false
	}

	log.Info().Msg("Daemon stopped successfully")
	return nil
}

func (d *Daemon) closeCoreModules() {
	log := d.logger.GetZerolog()

	if d.allowlist != nil {
		if err := d.allowlist.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close exec allowlist")
		}
	}

	if d.db != nil {
		if err := d.db.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close database")
		}
	}
}

// Status returns the daemon status
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{Running: d.running}
	if d.running {
		status.Uptime = time.Since(d.startTime)
		status.StartTime = d.startTime
	}
	return status
}

// Wait blocks until a termination signal arrives, then stops the daemon.
func (d *Daemon) Wait() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	d.logger.Info().Str("signal", sig.String()).Msg("Received signal")

	if err := d.Stop(); err != nil {
		d.logger.Error().Err(err).Msg("Failed to stop daemon")
	}
}

// GetConfig returns the daemon configuration
func (d *Daemon) GetConfig() *config.Config {
	return d.config
}

// GetScheduler returns the lane scheduler
func (d *Daemon) GetScheduler() *lane.Scheduler {
	return d.scheduler
}

// GetDispatch returns the dispatch registry
func (d *Daemon) GetDispatch() *dispatch.Registry {
	return d.dispatch
}

// GetApprovals returns the approval engine
func (d *Daemon) GetApprovals() *approval.Engine {
	return d.approvals
}

// GetRuns returns the run store
func (d *Daemon) GetRuns() *runstore.Store {
	return d.runs
}

// GetCronService returns the cron service
func (d *Daemon) GetCronService() *cron.Service {
	return d.cronService
}

// GetGatewayServer returns the gateway server
func (d *Daemon) GetGatewayServer() *gateway.Server {
	return d.gatewayServer
}

func toolNames(registry *tool.Registry) []string {
	defs := registry.List()
	names := make([]string, 0, len(defs))
	for _, def := range defs {
		names = append(names, def.Name)
	}
	return names
}
