package web

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/abdul-hamid-achik/vecmemo/internal/service"
	"github.com/abdul-hamid-achik/vecmemo/internal/version"
)

// Handler handles JSON API requests over a bound service.
type Handler struct {
	svc *service.Service
}

// NewHandler creates a new Handler.
func NewHandler(svc *service.Service) *Handler {
	return &Handler{svc: svc}
}

type indexRequest struct {
	SourceType string `json:"source_type"`
	SourceID   int64  `json:"source_id"`
	Text       string `json:"text"`
	PairID     *int64 `json:"pair_id,omitempty"`
	ParentID   *int64 `json:"parent_id,omitempty"`
	Async      bool   `json:"async,omitempty"`
}

// Index enqueues and processes a document.
func (h *Handler) Index(w http.ResponseWriter, r *http.Request) {
	var req indexRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.SourceType == "" || req.Text == "" {
		writeError(w, http.StatusBadRequest, "source_type and text are required")
		return
	}

	if req.Async {
		if err := h.svc.Enqueue(r.Context(), req.SourceType, req.SourceID, req.Text, req.PairID, req.ParentID); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if err := h.svc.ProcessQueueAsync(); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
		return
	}

	if err := h.svc.Index(r.Context(), req.SourceType, req.SourceID, req.Text, req.PairID, req.ParentID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "indexed"})
}

// Search runs a semantic query. Parameters mirror the service search
// options; sql_where is deliberately not exposed over HTTP.
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		writeError(w, http.StatusBadRequest, "query parameter q is required")
		return
	}

	opts := service.DefaultSearchOptions()
	q := r.URL.Query()
	if v := q.Get("limit"); v != "" {
		if limit, err := strconv.Atoi(v); err == nil && limit > 0 {
			opts.Limit = limit
		}
	}
	if v := q.Get("min_score"); v != "" {
		if score, err := strconv.ParseFloat(v, 64); err == nil {
			opts.MinScore = score
		}
	}
	opts.SourceType = q.Get("source_type")
	opts.SourceID = parseID(q.Get("source_id"))
	opts.PairID = parseID(q.Get("pair_id"))
	opts.ParentID = parseID(q.Get("parent_id"))
	if v := q.Get("like"); v != "" {
		opts.Like = strings.Split(v, ",")
	}
	opts.Match = q.Get("match")
	opts.IncludeText = q.Get("include_text") == "true"

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	results, err := h.svc.Search(ctx, query, opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"query": query, "results": results})
}

// Stats reports service-scoped counts and queue state.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// Delete removes a document's chunks.
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	sourceID := parseID(r.URL.Query().Get("source_id"))
	if sourceID == nil {
		writeError(w, http.StatusBadRequest, "source_id is required")
		return
	}
	deleted, err := h.svc.Delete(r.Context(), *sourceID, r.URL.Query().Get("source_type"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": deleted})
}

// Queue reports queue statistics.
func (h *Handler) Queue(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.QueueStats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// MarkRead bumps read counters for the given chunk ids.
func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ChunkIDs []int64 `json:"chunk_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if err := h.svc.MarkAsRead(r.Context(), req.ChunkIDs); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Health is a liveness endpoint.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": version.Short(),
	})
}

func parseID(s string) *int64 {
	if s == "" {
		return nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil
	}
	return &v
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
