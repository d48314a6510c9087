package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"apphost/internal/webapp"
	"apphost/pkg/protocol"
)

// APIServer provides the admin HTTP endpoints.
type APIServer struct {
	srv    *Server
	server *http.Server
	log    logr.Logger
}

// NewAPIServer creates the admin API. Metrics are served from gatherer.
func NewAPIServer(srv *Server, addr string, gatherer prometheus.Gatherer, log logr.Logger) *APIServer {
	api := &APIServer{
		srv: srv,
		log: log,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", api.handleStatus)
	mux.HandleFunc("/api/apps", api.handleApps)
	mux.HandleFunc("/api/apps/", api.handleApp)
	mux.HandleFunc("/api/history", api.handleHistory)
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	api.server = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return api
}

// Handler returns the API handler.
func (api *APIServer) Handler() http.Handler { return api.server.Handler }

// ListenAndServe starts the admin API server.
func (api *APIServer) ListenAndServe() error {
	api.log.Info("admin API listening", "address", api.server.Addr)
	return api.server.ListenAndServe()
}

// Shutdown gracefully shuts down the API server.
func (api *APIServer) Shutdown(ctx context.Context) error {
	return api.server.Shutdown(ctx)
}

func (api *APIServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, api.srv.Status())
}

func (api *APIServer) handleApps(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, api.srv.Apps())
}

// handleApp serves GET /api/apps/{name} and POST /api/apps/{name}/reload.
func (api *APIServer) handleApp(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/apps/"), "/"), "/")
	name := parts[0]
	if name == "" || len(parts) > 2 {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		app, err := api.srv.App(name)
		if err != nil {
			api.writeLookupError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, app)
		return
	}

	if parts[1] != "reload" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	dispatched, err := api.srv.Reload(r.Context(), name)
	if err != nil {
		api.writeLookupError(w, err)
		return
	}
	if !dispatched {
		writeJSON(w, http.StatusConflict, protocol.ReloadResponse{
			App:     name,
			Message: "reload already in progress",
		})
		return
	}
	api.log.Info("reload requested via API", "app", name)
	writeJSON(w, http.StatusAccepted, protocol.ReloadResponse{
		App:        name,
		Dispatched: true,
		Message:    "reload dispatched",
	})
}

func (api *APIServer) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	records, err := api.srv.History(limit)
	if err != nil {
		api.log.Error(err, "read audit log")
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to read audit log: %v", err))
		return
	}
	if records == nil {
		records = []protocol.ReloadRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (api *APIServer) writeLookupError(w http.ResponseWriter, err error) {
	if errors.Is(err, webapp.ErrUnknownApp) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	api.log.Error(err, "admin API request failed")
	writeError(w, http.StatusInternalServerError, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, protocol.Error{Error: msg})
}
