package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"

	"github.com/polisai/vexmesh/pkg/domain"
)

// EngineOptions control OPA engine construction and runtime behaviour.
type EngineOptions struct {
	// Entrypoint is the decision path (e.g. "vexmesh/match").
	Entrypoint string
	// Modules contains the Rego modules that should be loaded into the engine.
	Modules map[string]string
	// CacheMaxEntries bounds the decision cache size (LRU). Zero selects the
	// default size; negative disables caching entirely.
	CacheMaxEntries int
	Logger          *slog.Logger
}

// Engine evaluates a custom condition using an embedded OPA instance.
type Engine struct {
	moduleOrder   []string
	parsedModules map[string]*ast.Module
	entrypoint    string
	cache         *lru.Cache[uint64, bool]
	logger        *slog.Logger

	mu       sync.RWMutex
	prepared *rego.PreparedEvalQuery
}

const (
	defaultEntrypoint    = "vexmesh/match"
	defaultCacheCapacity = 1024
)

// NewEngine parses the modules and prepares the entrypoint query so syntax
// errors surface at compile time.
func NewEngine(ctx context.Context, opts EngineOptions) (*Engine, error) {
	entry := strings.Trim(strings.TrimSpace(opts.Entrypoint), "/")
	if entry == "" {
		entry = defaultEntrypoint
	}
	if len(opts.Modules) == 0 {
		return nil, errors.New("policy engine requires at least one rego module")
	}

	maxEntries := opts.CacheMaxEntries
	if maxEntries == 0 {
		maxEntries = defaultCacheCapacity
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	moduleOrder := make([]string, 0, len(opts.Modules))
	for name := range opts.Modules {
		moduleOrder = append(moduleOrder, name)
	}
	sort.Strings(moduleOrder)

	parsedModules := make(map[string]*ast.Module, len(opts.Modules))
	for _, name := range moduleOrder {
		module, err := ast.ParseModuleWithOpts(name, opts.Modules[name], ast.ParserOptions{RegoVersion: ast.RegoV1})
		if err != nil {
			return nil, fmt.Errorf("parse rego module %q: %w", name, err)
		}
		parsedModules[name] = module
	}

	engine := &Engine{
		moduleOrder:   moduleOrder,
		parsedModules: parsedModules,
		entrypoint:    entry,
		logger:        logger,
	}
	if maxEntries > 0 {
		cache, err := lru.New[uint64, bool](maxEntries)
		if err != nil {
			return nil, fmt.Errorf("decision cache: %w", err)
		}
		engine.cache = cache
	}

	if _, err := engine.getPreparedQuery(ctx); err != nil {
		return nil, fmt.Errorf("compile rego modules: %w", err)
	}
	return engine, nil
}

// Entrypoint returns the decision path.
func (e *Engine) Entrypoint() string { return e.entrypoint }

// Match evaluates the entrypoint against the event. The query result must be
// a boolean, or an object with a boolean "match" field; undefined is false.
func (e *Engine) Match(ctx context.Context, ev *domain.CrossBoundaryEvent) (bool, error) {
	input := EventInput(ev)

	key, cacheable := e.cacheKey(input)
	if cacheable {
		if hit, ok := e.cache.Get(key); ok {
			return hit, nil
		}
	}

	prepared, err := e.getPreparedQuery(ctx)
	if err != nil {
		return false, fmt.Errorf("prepare query: %w", err)
	}

	results, err := prepared.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return false, fmt.Errorf("opa decision: %w", err)
	}

	matched := false
	if len(results) > 0 && len(results[0].Expressions) > 0 {
		matched, err = parseMatch(results[0].Expressions[0].Value)
		if err != nil {
			return false, err
		}
	}
	e.logger.Debug("custom condition evaluated", "entrypoint", e.entrypoint, "matched", matched)

	if cacheable {
		e.cache.Add(key, matched)
	}
	return matched, nil
}

// FlushCache clears all cached decisions. Safe to call concurrently.
func (e *Engine) FlushCache() {
	if e.cache != nil {
		e.cache.Purge()
	}
}

func (e *Engine) getPreparedQuery(ctx context.Context) (*rego.PreparedEvalQuery, error) {
	e.mu.RLock()
	if e.prepared != nil {
		defer e.mu.RUnlock()
		return e.prepared, nil
	}
	e.mu.RUnlock()

	opts := make([]func(*rego.Rego), 0, len(e.parsedModules)+1)
	opts = append(opts, rego.Query("data."+strings.ReplaceAll(e.entrypoint, "/", ".")))
	for _, name := range e.moduleOrder {
		opts = append(opts, rego.ParsedModule(e.parsedModules[name]))
	}

	prepared, err := rego.New(opts...).PrepareForEval(ctx)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	// Another goroutine may have already prepared the query; respect first entry.
	if e.prepared == nil {
		e.prepared = &prepared
	}
	return e.prepared, nil
}

// cacheKey hashes the canonical JSON form of the input; encoding/json sorts
// map keys, so equal inputs hash equally.
func (e *Engine) cacheKey(input map[string]any) (uint64, bool) {
	if e.cache == nil {
		return 0, false
	}
	raw, err := json.Marshal(input)
	if err != nil {
		return 0, false
	}
	h := xxhash.New()
	_, _ = h.WriteString(e.entrypoint)
	_, _ = h.Write([]byte{0})
	_, _ = h.Write(raw)
	return h.Sum64(), true
}

func parseMatch(value any) (bool, error) {
	switch typed := value.(type) {
	case bool:
		return typed, nil
	case map[string]any:
		raw, ok := typed["match"]
		if !ok {
			return false, nil
		}
		b, ok := raw.(bool)
		if !ok {
			return false, fmt.Errorf("opa decision: match must be bool, got %T", raw)
		}
		return b, nil
	case nil:
		return false, nil
	default:
		return false, fmt.Errorf("opa decision: unexpected result type %T", value)
	}
}
