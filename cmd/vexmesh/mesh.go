package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/polisai/vexmesh/pkg/bridge"
	"github.com/polisai/vexmesh/pkg/compiler"
	"github.com/polisai/vexmesh/pkg/config"
	"github.com/polisai/vexmesh/pkg/domain"
	"github.com/polisai/vexmesh/pkg/filtering"
	"github.com/polisai/vexmesh/pkg/logging"
	"github.com/polisai/vexmesh/pkg/metrics"
	"github.com/polisai/vexmesh/pkg/policy"
	"github.com/polisai/vexmesh/pkg/policy/dlp"
	"github.com/polisai/vexmesh/pkg/propagation"
	"github.com/polisai/vexmesh/pkg/routing"
	"github.com/polisai/vexmesh/pkg/storage"
)

// Transformations registered on every mesh.
const (
	transformTokenizePayload = "tokenize_payload"
	transformScrubSensitive  = "scrub_sensitive"
)

// ruleSource feeds both engines.
type ruleSource interface {
	routing.RuleSource
	filtering.FilterSource
}

// mesh owns the running components.
type mesh struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	source   ruleSource
	store    *storage.MemoryRuleStore // nil when rules come from a file
	rulesAbs string
	vault    *storage.MemoryTokenVault

	routing   *routing.Engine
	filtering *filtering.Engine
	bridge    *bridge.Bridge
	manager   *propagation.Manager

	consumers *errgroup.Group
	cancel    context.CancelFunc
}

func newMesh(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*mesh, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ms := &mesh{
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		vault:   storage.NewMemoryTokenVault(0),
	}

	if cfg.RulesPath != "" {
		abs, err := filepath.Abs(cfg.RulesPath)
		if err != nil {
			return nil, fmt.Errorf("resolve rules path: %w", err)
		}
		ms.rulesAbs = abs
		ms.source = config.NewFileRuleSource(abs)
	} else {
		ms.store = storage.NewMemoryRuleStore(0)
		ms.source = ms.store
	}

	posture := cfg.Posture()
	ms.routing = routing.NewEngine(cfg.Routing.EngineConfig(),
		routing.WithLogger(logger.With("component", "routing")),
		routing.WithMetrics(m),
		routing.WithSource(ms.source),
		routing.WithCompiler(newCompiler(posture, policy.DomainRouting, logger)),
	)
	ms.filtering = filtering.NewEngine(cfg.Filtering.EngineConfig(),
		filtering.WithLogger(logger.With("component", "filtering")),
		filtering.WithMetrics(m),
		filtering.WithSource(ms.source),
		filtering.WithCompiler(newCompiler(posture, policy.DomainFiltering, logger)),
	)

	br, err := bridge.New(cfg.Bridge.BridgeConfig(),
		bridge.WithLogger(logger.With("component", "bridge")),
		bridge.WithMetrics(m),
	)
	if err != nil {
		return nil, fmt.Errorf("create bridge: %w", err)
	}
	ms.bridge = br

	ms.manager = propagation.New(cfg.Propagation.ManagerConfig(),
		propagation.WithLogger(logger.With("component", "propagation")),
		propagation.WithMetrics(m),
		propagation.WithRouter(ms.routing),
		propagation.WithFilter(ms.filtering),
		propagation.WithBridge(ms.bridge),
	)
	ms.manager.RegisterTransformer(transformTokenizePayload, storage.TokenizePayload(ms.vault))

	dlpCfg := dlp.DefaultConfig()
	dlpCfg.Vault = ms.vault
	scanner, err := dlp.NewScanner(dlpCfg)
	if err != nil {
		return nil, fmt.Errorf("create dlp scanner: %w", err)
	}
	ms.manager.RegisterTransformer(transformScrubSensitive, dlp.Scrub(scanner))
	return ms, nil
}

// newCompiler returns a compiler that resolves custom condition failures with
// the posture of d and logs them.
func newCompiler(posture policy.PostureSet, d policy.Domain, logger *slog.Logger) *compiler.Compiler {
	l := logger.With("component", string(d))
	return compiler.New(
		compiler.WithPosture(posture, d),
		compiler.WithLogger(l),
		compiler.WithEvalErrorHandler(func(id string, err error) {
			l.Warn("Custom condition failed", "id", id, "posture", posture.Mode(d), "error", err)
		}),
	)
}

// start launches every component and one consumer per boundary queue.
func (ms *mesh) start(ctx context.Context) error {
	if err := ms.bridge.Start(ctx); err != nil {
		return fmt.Errorf("start bridge: %w", err)
	}
	if err := ms.routing.Start(ctx); err != nil {
		return fmt.Errorf("start routing: %w", err)
	}
	if err := ms.filtering.Start(ctx); err != nil {
		return fmt.Errorf("start filtering: %w", err)
	}
	if err := ms.manager.Start(ctx); err != nil {
		return fmt.Errorf("start propagation: %w", err)
	}

	cctx, cancel := context.WithCancel(ctx)
	ms.cancel = cancel
	ms.consumers, cctx = errgroup.WithContext(cctx)
	for _, b := range domain.AllBoundaries {
		ms.consumers.Go(func() error { return ms.consume(cctx, b) })
	}
	ms.logger.Info("Mesh started",
		"rules", ms.routing.RuleCount(),
		"filters", ms.filtering.FilterCount(),
		"translation_mode", ms.cfg.Propagation.TranslationMode)
	return nil
}

// consume drains one boundary queue. Consumers on the far side are outside
// this process, so a delivery is logged and its slot returned.
func (ms *mesh) consume(ctx context.Context, b domain.EventBoundary) error {
	queue := ms.manager.Deliveries(b)
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-queue:
			if !ok {
				return nil
			}
			ms.logger.Debug("Delivery consumed",
				"target", b,
				"propagation_id", d.ID,
				"event_id", d.Event.Event.ID,
				"delayed", d.Delayed)
			d.Release()
		}
	}
}

// stop shuts components down in reverse start order.
func (ms *mesh) stop() error {
	var errs []error
	if err := ms.manager.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("stop propagation: %w", err))
	}
	if ms.cancel != nil {
		ms.cancel()
		if err := ms.consumers.Wait(); err != nil {
			errs = append(errs, err)
		}
		ms.cancel = nil
	}
	if err := ms.filtering.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("stop filtering: %w", err))
	}
	if err := ms.routing.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("stop routing: %w", err))
	}
	if err := ms.bridge.Close(); err != nil {
		errs = append(errs, fmt.Errorf("stop bridge: %w", err))
	}
	return errors.Join(errs...)
}

// reloadRules recompiles rules and filters from the source.
func (ms *mesh) reloadRules(ctx context.Context) error {
	return errors.Join(
		ms.routing.ReloadConfiguration(ctx),
		ms.filtering.ReloadConfiguration(ctx),
	)
}

// appliers returns the settings that can change without a restart.
func (ms *mesh) appliers(level *slog.LevelVar) []config.Applier {
	return []config.Applier{
		{Name: "logging", Apply: func(next, _ *config.Config) error {
			if level != nil {
				level.Set(logging.ParseLevel(next.Logging.Level))
			}
			return nil
		}},
		{Name: "routing", Apply: func(next, _ *config.Config) error {
			ms.routing.SetEnabled(next.Routing.Enabled)
			return nil
		}},
		{Name: "filtering", Apply: func(next, _ *config.Config) error {
			ms.filtering.SetEnabled(next.Filtering.Enabled)
			return nil
		}},
	}
}
