package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/martinemde/tandem/agentloop"
	"github.com/martinemde/tandem/config"
	"github.com/martinemde/tandem/logging"
	"github.com/martinemde/tandem/natsstore"
	"github.com/martinemde/tandem/unifiedllm"
)

// app is everything a command needs, built once from configuration.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	sessionID string

	bus      *agentloop.Bus
	sandbox  *agentloop.Sandbox
	hooks    *agentloop.Hooks
	approve  agentloop.Approver
	client   *unifiedllm.Client
	store    agentloop.SessionStore
	embedded *natsstore.Embedded
	fwd      *natsstore.Forwarder

	closers []io.Closer
}

// newApp loads configuration with cmd's flags on top and opens storage.
// The model client is built lazily by streamer.
func newApp(cmd *cobra.Command) (*app, error) {
	cfg, err := config.LoadWithFlags(cmd.Flags())
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, logCloser, err := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat, File: cfg.LogFile})
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger, bus: agentloop.NewBus(), closers: []io.Closer{logCloser}}

	if cfg.Persist {
		if err := a.openStore(cmd.Context()); err != nil {
			_ = a.Close()
			return nil, err
		}
	} else {
		a.store = agentloop.NewMemoryStore()
	}
	return a, nil
}

func (a *app) openStore(ctx context.Context) error {
	dir := filepath.Join(a.cfg.DataDir, "nats")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	e, err := natsstore.OpenEmbedded(ctx, dir, a.logger)
	if err != nil {
		return fmt.Errorf("opening session store: %w", err)
	}
	a.embedded = e
	a.store = e.Store()
	a.fwd = natsstore.NewForwarder(ctx, e.JetStream, a.bus, natsstore.ForwarderConfig{
		IncludeStream: a.cfg.ForwardStream,
		Logger:        a.logger,
	})
	return nil
}

// natsStore returns the JetStream store or an error when persistence is
// off.
func (a *app) natsStore() (*natsstore.Store, error) {
	if a.embedded == nil {
		return nil, errors.New("session storage is disabled (persist: false)")
	}
	return a.embedded.Store(), nil
}

// prepareTools sets up the sandbox and hook chains for sessionID.
func (a *app) prepareTools(sessionID string) error {
	a.sessionID = sessionID
	root := a.cfg.SandboxRoot
	if root == "" {
		wd, err := os.Getwd()
		if err != nil {
			return err
		}
		root = wd
	}
	sb, err := agentloop.NewSandbox(root)
	if err != nil {
		return err
	}
	a.sandbox = sb

	hooksPath := a.cfg.HooksFile
	if !filepath.IsAbs(hooksPath) {
		hooksPath = filepath.Join(sb.Root(), hooksPath)
	}
	hc, err := agentloop.LoadHookConfig(hooksPath)
	if err != nil {
		return err
	}
	hooks, err := agentloop.BuildHooks(hc, sb.Root(), a.logger)
	if err != nil {
		return err
	}
	a.hooks = hooks
	a.closers = append(a.closers, hooks)

	ap, err := newApprover(a.cfg, terminalInput(), os.Stderr)
	if err != nil {
		return err
	}
	a.approve = ap.Approve
	return nil
}

// streamer builds the provider client.
func (a *app) streamer() (agentloop.TurnStreamer, error) {
	if a.client != nil {
		return a.client, nil
	}
	var client *unifiedllm.Client
	switch a.cfg.Transport {
	case "gollm":
		profile := agentloop.ProfileFor(a.cfg.Provider, a.cfg.Model)
		if profile.Provider == "" {
			return nil, errors.New("the gollm transport needs a provider")
		}
		opts := []unifiedllm.GollmOption{unifiedllm.WithGollmModel(profile.Model)}
		if a.cfg.MaxTokens > 0 {
			opts = append(opts, unifiedllm.WithGollmMaxTokens(a.cfg.MaxTokens))
		}
		t, err := unifiedllm.NewGollmTransport(profile.Provider, "", opts...)
		if err != nil {
			return nil, err
		}
		client = unifiedllm.NewClient(unifiedllm.WithTransport(t))
	default:
		client = unifiedllm.NewClientFromEnv()
	}
	a.client = client
	a.closers = append(a.closers, client)
	return client, nil
}

// base builds the session configuration shared by every loop of a run.
func (a *app) base(system string) *agentloop.BaseConfig {
	base := agentloop.ProfileFor(a.cfg.Provider, a.cfg.Model).BaseConfig(a.sessionID, system, a.cfg.ReasoningEffort)
	if a.cfg.MaxTokens > 0 {
		base.MaxTokens = a.cfg.MaxTokens
	}
	return base
}

// registry returns the core tools plus spawn_agents backed by pool.
func (a *app) registry(streamer agentloop.TurnStreamer, base *agentloop.BaseConfig) (*agentloop.ToolRegistry, *agentloop.Pool) {
	reg := agentloop.NewToolRegistry()
	agentloop.RegisterCoreTools(reg, agentloop.DefaultCoreToolOptions())
	pool := a.pool(streamer, base, reg)
	agentloop.RegisterPoolTool(reg, pool)
	return reg, pool
}

func (a *app) pool(streamer agentloop.TurnStreamer, base *agentloop.BaseConfig, reg *agentloop.ToolRegistry) *agentloop.Pool {
	factory := agentloop.DefaultSubAgentFactory(agentloop.SubAgentDeps{
		Streamer:    streamer,
		Tools:       reg,
		Sandbox:     a.sandbox,
		PreHooks:    a.hooks.Pre,
		PostHooks:   a.hooks.Post,
		Bus:         a.bus,
		Parallel:    a.cfg.ParallelTools,
		MaxTurns:    a.cfg.MaxTurns,
		Logger:      a.logger,
		ToolTimeout: a.cfg.ToolTimeout,
		Approve:     a.approve,
	})
	return agentloop.NewPool(agentloop.PoolConfig{
		MaxConcurrency: a.cfg.MaxConcurrency,
		Stagger:        a.cfg.Stagger,
		AcquireTimeout: a.cfg.AcquireTimeout,
		Session:        agentloop.NewSessionContext(base, nil),
		Bus:            a.bus,
		Logger:         a.logger,
	}, factory)
}

func (a *app) pipeline(reg *agentloop.ToolRegistry, tracker *agentloop.FileTracker) *agentloop.Pipeline {
	post := append([]agentloop.PostHook(nil), a.hooks.Post...)
	if tracker != nil {
		post = append(post, tracker.Hook())
	}
	return agentloop.NewPipeline(agentloop.PipelineConfig{
		Tools:          reg,
		Sandbox:        a.sandbox,
		PreHooks:       a.hooks.Pre,
		PostHooks:      post,
		Bus:            a.bus,
		SessionID:      a.sessionID,
		Role:           agentloop.RoleExecutor,
		Mode:           agentloop.Mode(a.cfg.Mode),
		Parallel:       a.cfg.ParallelTools,
		DefaultTimeout: a.cfg.ToolTimeout,
		Logger:         a.logger,
		Approve:        a.approve,
	})
}

// Close flushes forwarded events and releases everything the app opened.
func (a *app) Close() error {
	var errs []error
	if a.fwd != nil {
		a.fwd.Close()
		if _, failed, dropped := a.fwd.Stats(); failed > 0 || dropped > 0 {
			a.logger.Warn("events not mirrored", "failed", failed, "dropped", dropped)
		}
	}
	if a.embedded != nil {
		errs = append(errs, a.embedded.Close())
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i].Close())
	}
	return errors.Join(errs...)
}

func newSessionID() string {
	return uuid.NewString()
}
