package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/marcogenualdo/reqprint/internal/archive"
)

// RecordHandler serves archived requests by connection id.
type RecordHandler struct {
	archive *archive.Archive
	logger  *slog.Logger
}

// NewRecordHandler answers 404 for every id when arch is nil.
func NewRecordHandler(arch *archive.Archive, logger *slog.Logger) *RecordHandler {
	return &RecordHandler{archive: arch, logger: logger}
}

func (h *RecordHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if h.archive == nil || id == "" {
		http.Error(w, "record not found", http.StatusNotFound)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	rec, err := h.archive.Load(ctx, id)
	if errors.Is(err, archive.ErrNotFound) {
		http.Error(w, "record not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.logger.Error("failed to load record", "id", id, "error", err)
		http.Error(w, "failed to load record", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(rec)
}
