// Package api exposes the dispatch engine over HTTP. Tenant identity
// arrives on the X-Tenant-ID header from the authenticating proxy in
// front of this service and is trusted here.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/modelrelay/modelrelay/internal/circuitbreaker"
	"github.com/modelrelay/modelrelay/internal/domain"
	"github.com/modelrelay/modelrelay/internal/orchestrator"
	"github.com/modelrelay/modelrelay/internal/provider"
	"github.com/modelrelay/modelrelay/internal/quota"
	"github.com/modelrelay/modelrelay/internal/stream"
	"github.com/modelrelay/modelrelay/internal/telemetry"
)

type HandlerConfig struct {
	Orchestrator *orchestrator.Orchestrator
	Streams      *stream.Manager
	Registry     *provider.Registry
	Ledger       *quota.Ledger
	Alerter      *quota.Alerter
	Breakers     *circuitbreaker.Manager
}

type Handler struct {
	orchestrator *orchestrator.Orchestrator
	streams      *stream.Manager
	registry     *provider.Registry
	ledger       *quota.Ledger
	alerter      *quota.Alerter
	breakers     *circuitbreaker.Manager
	mux          *http.ServeMux
}

func NewHandler(cfg HandlerConfig) *Handler {
	h := &Handler{
		orchestrator: cfg.Orchestrator,
		streams:      cfg.Streams,
		registry:     cfg.Registry,
		ledger:       cfg.Ledger,
		alerter:      cfg.Alerter,
		breakers:     cfg.Breakers,
		mux:          http.NewServeMux(),
	}

	h.mux.HandleFunc("POST /v1/generate", h.handleGenerate)
	h.mux.HandleFunc("POST /v1/streams/{id}/stop", h.handleStreamStop)
	h.mux.HandleFunc("GET /v1/providers", h.handleListProviders)
	h.mux.HandleFunc("GET /v1/usage", h.handleUsage)
	h.mux.HandleFunc("GET /v1/alerts", h.handleAlerts)
	h.mux.HandleFunc("GET /health", h.handleHealth)
	h.mux.HandleFunc("GET /health/live", h.handleHealthLive)
	h.mux.HandleFunc("GET /health/ready", h.handleHealthReady)
	h.mux.Handle("GET /metrics", promhttp.Handler())

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

type generateRequest struct {
	domain.RequestEnvelope
	Stream bool `json:"stream"`
}

func (h *Handler) handleGenerate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	tenantID := r.Header.Get("X-Tenant-ID")
	if tenantID == "" {
		writeError(w, http.StatusUnauthorized, "missing tenant id")
		return
	}

	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.TenantID = tenantID

	if req.Stream {
		h.handleGenerateStream(w, r, req.RequestEnvelope)
		return
	}

	ctx, span := telemetry.StartSpan(ctx, "dispatch")
	defer span.End()

	resp, err := h.orchestrator.Dispatch(ctx, req.RequestEnvelope)
	if err != nil {
		telemetry.AddErrorAttribute(span, err)
		writeDispatchError(w, err)
		return
	}

	telemetry.AddDispatchAttributes(span, tenantID, resp.Provider, 0)
	telemetry.AddTokenAttributes(span, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (h *Handler) handleGenerateStream(w http.ResponseWriter, r *http.Request, req domain.RequestEnvelope) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	id, events, err := h.streams.Start(r.Context(), req)
	if err != nil {
		writeDispatchError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Session-ID", id)
	flusher.Flush()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				slog.Error("marshal stream event", "session_id", id, "error", err)
				continue
			}
			w.Write([]byte("event: " + string(ev.Type) + "\n"))
			w.Write([]byte("data: " + string(data) + "\n\n"))
			flusher.Flush()

		case <-r.Context().Done():
			// Client went away; reclaim the session immediately rather
			// than waiting for the idle sweep.
			h.streams.Stop(id)
			return
		}
	}
}

func (h *Handler) handleStreamStop(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	// Stopping an unknown or finished session is a no-op by contract.
	h.streams.Stop(id)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"session_id": id, "status": "stopped"})
}

type providerStatus struct {
	domain.ProviderDescriptor
	Availability provider.Availability    `json:"availability"`
	Breaker      string                   `json:"circuit_breaker"`
	Metrics      provider.MetricsSnapshot `json:"metrics"`
}

func (h *Handler) handleListProviders(w http.ResponseWriter, r *http.Request) {
	states := h.breakers.States()

	var out []providerStatus
	for _, id := range h.registry.IDs() {
		a, ok := h.registry.Get(id)
		if !ok {
			continue
		}
		out = append(out, providerStatus{
			ProviderDescriptor: a.Descriptor(),
			Availability:       a.Availability(),
			Breaker:            states[id],
			Metrics:            a.Metrics(),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{"providers": out})
}

func (h *Handler) handleUsage(w http.ResponseWriter, r *http.Request) {
	tenantID := r.Header.Get("X-Tenant-ID")
	if tenantID == "" {
		writeError(w, http.StatusUnauthorized, "missing tenant id")
		return
	}

	daily, monthly, requests, limits := h.ledger.Usage(tenantID)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"tenant_id":      tenantID,
		"daily_tokens":   daily,
		"monthly_tokens": monthly,
		"daily_requests": requests,
		"limits": map[string]int64{
			"daily_tokens":   limits.DailyTokens,
			"monthly_tokens": limits.MonthlyTokens,
			"daily_requests": limits.DailyRequests,
		},
	})
}

func (h *Handler) handleAlerts(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{"alerts": h.alerter.History()})
}

// writeDispatchError maps the error taxonomy onto HTTP statuses.
func writeDispatchError(w http.ResponseWriter, err error) {
	var verr *domain.ValidationError
	if errors.As(err, &verr) {
		writeError(w, http.StatusBadRequest, verr.Error())
		return
	}

	var qerr *domain.QuotaError
	if errors.As(err, &qerr) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"error": map[string]interface{}{
				"message": qerr.Error(),
				"type":    "quota_exceeded",
				"reason":  string(qerr.Reason),
				"code":    http.StatusTooManyRequests,
			},
		})
		return
	}

	var perr *domain.ProviderError
	if errors.As(err, &perr) && perr.Kind == domain.KindValidation {
		writeError(w, http.StatusBadRequest, perr.Error())
		return
	}

	var xerr *domain.ExhaustedError
	if errors.As(err, &xerr) {
		writeError(w, http.StatusBadGateway, xerr.Error())
		return
	}

	slog.Error("dispatch failed", "error", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]interface{}{
			"message": message,
			"type":    "error",
			"code":    status,
		},
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	providers := make(map[string]string)
	allHealthy := true

	for _, id := range h.registry.IDs() {
		a, ok := h.registry.Get(id)
		if !ok {
			continue
		}
		if a.HealthCheck(ctx) {
			providers[id] = "ok"
		} else {
			providers[id] = "unhealthy"
			allHealthy = false
		}
	}

	status := "healthy"
	if !allHealthy {
		status = "degraded"
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":           status,
		"providers":        providers,
		"circuit_breakers": h.breakers.States(),
		"active_streams":   h.streams.Active(),
	})
}

func (h *Handler) handleHealthLive(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (h *Handler) handleHealthReady(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
