package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/polisai/vexmesh/pkg/bridge"
	"github.com/polisai/vexmesh/pkg/config"
	"github.com/polisai/vexmesh/pkg/domain"
	"github.com/polisai/vexmesh/pkg/filtering"
	"github.com/polisai/vexmesh/pkg/propagation"
	"github.com/polisai/vexmesh/pkg/routing"
)

const maxBodyBytes = 4 << 20

// ingestRequest is the JSON body of POST /events.
type ingestRequest struct {
	ID       uint64            `json:"id"`
	Type     string            `json:"type"`
	Sequence uint64            `json:"sequence"`
	Priority uint8             `json:"priority"`
	Path     string            `json:"path,omitempty"`
	Payload  []byte            `json:"payload,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Source   string            `json:"source"`
	Targets  []string          `json:"targets"`
}

func (r ingestRequest) event(now time.Time) *domain.SemanticEvent {
	ev := &domain.SemanticEvent{
		ID:             r.ID,
		Type:           domain.EventType(r.Type),
		Timestamp:      now,
		GlobalSequence: r.Sequence,
		Priority:       domain.Priority(r.Priority),
		Payload:        r.Payload,
		Metadata:       r.Metadata,
	}
	if r.Path != "" {
		ev.Filesystem = &domain.FilesystemContext{Path: r.Path}
	}
	return ev
}

type ingestResponse struct {
	IDs []domain.PropagationID `json:"ids"`
}

type statsResponse struct {
	Propagation propagation.Stats `json:"propagation"`
	Routing     routing.Stats     `json:"routing"`
	Filtering   filtering.Stats   `json:"filtering"`
	Bridge      bridge.Stats      `json:"bridge"`
	Reloads     int64             `json:"config_reloads"`
	Failures    int64             `json:"config_reload_failures"`
}

type ruleSummary struct {
	ID         string `json:"id"`
	Name       string `json:"name,omitempty"`
	Priority   int    `json:"priority"`
	Enabled    bool   `json:"enabled"`
	MatchCount uint64 `json:"match_count"`
	ApplyCount uint64 `json:"apply_count"`
}

type rulesResponse struct {
	RoutingVersion   uint64        `json:"routing_version"`
	FilteringVersion uint64        `json:"filtering_version"`
	Rules            []ruleSummary `json:"rules"`
	Filters          []ruleSummary `json:"filters"`
}

type admin struct {
	mesh     *mesh
	reloader *config.Reloader
	now      func() time.Time
}

// newAdminHandler serves metrics, health, stats, rule administration and
// event ingestion. Every route is traced and counted.
func newAdminHandler(ms *mesh, reloader *config.Reloader) http.Handler {
	a := &admin{mesh: ms, reloader: reloader, now: time.Now}
	metricsPath := ms.cfg.Metrics.Path
	if metricsPath == "" {
		metricsPath = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle("GET "+metricsPath, ms.metrics.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("GET /stats", a.handleStats)
	mux.HandleFunc("GET /rules", a.handleListRules)
	mux.HandleFunc("PUT /rules", a.handleReplaceRules)
	mux.HandleFunc("POST /rules/reload", a.handleReloadRules)
	mux.HandleFunc("POST /events", a.handleIngest)

	return otelhttp.NewHandler(ms.metrics.Middleware(mux), "vexmesh.admin")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrResourceExhausted):
		status = http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (a *admin) handleStats(w http.ResponseWriter, _ *http.Request) {
	resp := statsResponse{
		Propagation: a.mesh.manager.Stats(),
		Routing:     a.mesh.routing.Stats(),
		Filtering:   a.mesh.filtering.Stats(),
		Bridge:      a.mesh.bridge.Stats(),
	}
	if a.reloader != nil {
		resp.Reloads, resp.Failures, _ = a.reloader.ReloadStats()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *admin) handleListRules(w http.ResponseWriter, _ *http.Request) {
	resp := rulesResponse{
		RoutingVersion:   a.mesh.routing.Version(),
		FilteringVersion: a.mesh.filtering.Version(),
		Rules:            []ruleSummary{},
		Filters:          []ruleSummary{},
	}
	for _, r := range a.mesh.routing.ListRules() {
		resp.Rules = append(resp.Rules, ruleSummary{
			ID: r.ID, Name: r.Name, Priority: r.Priority, Enabled: r.Enabled,
			MatchCount: r.MatchCount, ApplyCount: r.ApplyCount,
		})
	}
	for _, f := range a.mesh.filtering.ListFilters() {
		resp.Filters = append(resp.Filters, ruleSummary{
			ID: f.ID, Name: f.Name, Priority: f.Priority, Enabled: f.Enabled,
			MatchCount: f.MatchCount, ApplyCount: f.ApplyCount,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleReplaceRules installs a rule file body into the in-memory store.
// File-backed rules are edited on disk instead.
func (a *admin) handleReplaceRules(w http.ResponseWriter, r *http.Request) {
	if a.mesh.store == nil {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "rules are managed by " + a.mesh.rulesAbs})
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, domain.WrapError(domain.ErrInvalidArgument, "read body", err))
		return
	}
	rf, err := config.ParseRuleFile(body)
	if err != nil {
		writeError(w, domain.WrapError(domain.ErrInvalidArgument, "parse rules", err))
		return
	}
	rules, filters, err := rf.ToDomain()
	if err != nil {
		writeError(w, domain.WrapError(domain.ErrInvalidArgument, "convert rules", err))
		return
	}

	prev := a.mesh.store.Revision()
	rev, err := a.mesh.store.Replace(r.Context(), rules, filters)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := a.mesh.reloadRules(r.Context()); err != nil {
		// The engines kept their previous sets; put the store back in line.
		if _, rbErr := a.mesh.store.Rollback(r.Context(), prev); rbErr != nil {
			a.mesh.logger.Error("Rule store rollback failed", "revision", prev, "error", rbErr)
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{"revision": rev})
}

func (a *admin) handleReloadRules(w http.ResponseWriter, r *http.Request) {
	if err := a.mesh.reloadRules(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{
		"rules":   a.mesh.routing.RuleCount(),
		"filters": a.mesh.filtering.FilterCount(),
	})
}

func (a *admin) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, domain.WrapError(domain.ErrInvalidArgument, "decode event", err))
		return
	}
	targets := make([]domain.EventBoundary, len(req.Targets))
	for i, t := range req.Targets {
		targets[i] = domain.EventBoundary(t)
	}

	ids, err := a.mesh.manager.PropagateEvent(r.Context(), req.event(a.now()), domain.EventBoundary(req.Source), targets)
	if err != nil {
		writeError(w, err)
		return
	}
	if ids == nil {
		ids = []domain.PropagationID{}
	}
	writeJSON(w, http.StatusOK, ingestResponse{IDs: ids})
}
