package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/marcogenualdo/reqprint/internal/archive"
	"github.com/marcogenualdo/reqprint/internal/config"
)

type HealthHandler struct {
	cfg       config.Config
	archive   *archive.Archive
	logger    *slog.Logger
	startTime time.Time
}

func NewHealthHandler(cfg config.Config, arch *archive.Archive, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{
		cfg:       cfg,
		archive:   arch,
		logger:    logger,
		startTime: time.Now(),
	}
}

type HealthResponse struct {
	Status   string         `json:"status"`
	Uptime   string         `json:"uptime"`
	Listener ListenerHealth `json:"listener"`
	Archive  ArchiveHealth  `json:"archive"`
}

type ListenerHealth struct {
	Addr          string `json:"addr"`
	Concurrent    bool   `json:"concurrent"`
	IsolateErrors bool   `json:"isolate_errors"`
	Verbose       bool   `json:"verbose"`
}

type ArchiveHealth struct {
	Type   string `json:"type"`
	Status string `json:"status"`
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	response := HealthResponse{
		Status: "healthy",
		Uptime: time.Since(h.startTime).String(),
		Listener: ListenerHealth{
			Addr:          h.cfg.Addr(),
			Concurrent:    h.cfg.Server.Concurrent,
			IsolateErrors: h.cfg.Server.IsolateErrors,
			Verbose:       h.cfg.Output.Verbose,
		},
	}

	if h.archive == nil {
		response.Archive = ArchiveHealth{Type: "none", Status: "disabled"}
	} else {
		response.Archive.Type = h.archive.Type()
		if err := h.archive.Ping(ctx); err != nil {
			h.logger.Warn("archive health check failed", "error", err)
			response.Archive.Status = "error: " + err.Error()
			response.Status = "degraded"
		} else {
			response.Archive.Status = "connected"
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if response.Status != "healthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}

	json.NewEncoder(w).Encode(response)
}
