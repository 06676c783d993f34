package adminhttp

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/conduit-lang/lspgateway/internal/gateway"
	"github.com/conduit-lang/lspgateway/internal/pool"
)

type handlers struct {
	pool    *pool.Pool
	gateway *gateway.Gateway
	logger  *zap.Logger
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// healthz is unauthenticated: a bare liveness probe for the embedding
// program, not a pool health dump.
func (h *handlers) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// listPool returns a point-in-time health snapshot of every pooled entry
// (spec §12.3).
func (h *handlers) listPool(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.pool.GetHealth())
}

// evict stops and removes one pooled entry on operator request.
func (h *handlers) evict(w http.ResponseWriter, r *http.Request) {
	language := chi.URLParam(r, "language")
	workspace := chi.URLParam(r, "workspace")

	if err := h.pool.Evict(r.Context(), language, workspace); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"evicted": language + "|" + workspace})
}

type executeCommandRequest struct {
	Workspace string        `json:"workspace"`
	Command   string        `json:"command"`
	Arguments []interface{} `json:"arguments"`
}

// executeCommand proxies workspace/executeCommand to the backend for the
// {language} path segment (spec §12.3: arbitrary command execution).
func (h *handlers) executeCommand(w http.ResponseWriter, r *http.Request) {
	language := chi.URLParam(r, "language")

	var req executeCommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	result, err := h.gateway.ExecuteCommand(r.Context(), gateway.ExecuteCommandRequest{
		Workspace: req.Workspace,
		Language:  language,
		Command:   req.Command,
		Arguments: req.Arguments,
	})
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result)
}
