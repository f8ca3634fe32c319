// Package server implements the Process Service HTTP surface: the
// boundary a client submits a Process to and reads its Responses back
// from, grounded on spec.md 6's three endpoints and the teacher's
// net/http ServeMux + graceful-shutdown conventions in the original
// cortex-gateway internal/server/server.go.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nvidia-earth2/dfm/internal/config"
	"github.com/nvidia-earth2/dfm/internal/dfmapi"
	"github.com/nvidia-earth2/dfm/internal/dfmerr"
	"github.com/nvidia-earth2/dfm/internal/request"
	"github.com/nvidia-earth2/dfm/internal/site"
	"github.com/nvidia-earth2/dfm/internal/transport"
)

// Version is the Process Service's reported build version.
const Version = "0.1.0"

// PollInterval is how often GET /responses re-checks the accumulated
// response list for a request while streaming.
const PollInterval = 250 * time.Millisecond

// StreamTimeout bounds how long GET /responses keeps a stream open, counted
// from its start, when no stop node's response arrives.
const StreamTimeout = 10 * time.Minute

// Server is the Process Service's HTTP surface over one site.
type Server struct {
	cfg       *config.Config
	site      *site.Site
	transport *transport.Client
	logger    *slog.Logger
	startTime time.Time

	httpServer *http.Server
	upgrader   websocket.Upgrader
}

// ProcessResult is POST /process's response body.
type ProcessResult struct {
	RequestID string `json:"request_id"`
}

// VersionResult is GET /version's response body.
type VersionResult struct {
	Version string `json:"version"`
	Site    string `json:"site"`
	Uptime  string `json:"uptime"`
}

// New builds a Process Service HTTP server bound to a site and its
// transport.
func New(cfg *config.Config, s *site.Site, t *transport.Client, logger *slog.Logger) *Server {
	srv := &Server{
		cfg:       cfg,
		site:      s,
		transport: t,
		logger:    logger,
		startTime: time.Now(),
		upgrader:  websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", srv.healthHandler)
	mux.HandleFunc("/version", srv.versionHandler)
	mux.Handle("/process", srv.authGate(http.HandlerFunc(srv.processHandler)))
	mux.Handle("/responses", srv.authGate(http.HandlerFunc(srv.responsesHandler)))

	srv.httpServer = &http.Server{
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // /responses holds the connection open for the life of a stream
		IdleTimeout:  60 * time.Second,
	}
	return srv
}

// Start serves on addr and blocks until Shutdown is called.
func (s *Server) Start(addr string) error {
	s.httpServer.Addr = addr
	s.logger.Info("process service listening", "addr", addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// authGate enforces spec.md 6's X-DFM-Auth header check: an
// auth_method of "none" (or an unset one) disables the gate
// entirely; otherwise the header must match the configured API key,
// with a mismatch surfacing as dfmerr.AuthError via HTTP 403.
func (s *Server) authGate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AuthMethod == "" || s.cfg.AuthMethod == "none" {
			next.ServeHTTP(w, r)
			return
		}
		if r.Header.Get("X-DFM-Auth") != s.cfg.AuthAPIKey {
			writeError(w, http.StatusForbidden, dfmerr.NewAuthError("missing or invalid X-DFM-Auth header"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) versionHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, VersionResult{
		Version: Version,
		Site:    s.site.Name(),
		Uptime:  time.Since(s.startTime).String(),
	})
}

// processHandler implements POST /process: decode a Process, assign it
// a fresh request_id, and route its wrapped Execute onto the execute,
// scheduler, or uplink stream via the request context's single routing
// decision point. A ?discovery=true query parameter submits the
// discovery variant instead of running the pipeline.
func (s *Server) processHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var proc dfmapi.Process
	if err := json.NewDecoder(r.Body).Decode(&proc); err != nil {
		writeError(w, http.StatusBadRequest, dfmerr.NewDataError("malformed process body: %v", err))
		return
	}

	requestID := uuid.New()
	rc, err := request.New(r.Context(), s.site.Name(), s.site.Name(), requestID, s.transport)
	if err != nil {
		writeError(w, http.StatusInternalServerError, dfmerr.NewServerError("create request context: %v", err))
		return
	}

	if r.URL.Query().Get("discovery") == "true" {
		err = rc.ScheduleDiscovery(r.Context(), proc.Execute)
	} else {
		err = rc.ScheduleExecute(r.Context(), proc.Execute, nil)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, dfmerr.NewServerError("schedule process: %v", err))
		return
	}

	s.logger.Info("process submitted", "request_id", requestID)
	writeJSON(w, http.StatusAccepted, ProcessResult{RequestID: requestID.String()})
}

// responsesHandler implements GET /responses: a server-sent stream of a
// request's accumulated Responses, polling the transport's response
// list until a stop_node_ids node appears, the client disconnects, or
// StreamTimeout elapses. return_statuses=false filters out
// StatusResponse items. A client sending the Upgrade header gets the
// same stream framed as websocket text messages instead, mirroring the
// teacher's wsProxyHandler offering a second transport over one
// handler.
func (s *Server) responsesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	requestIDStr := q.Get("request_id")
	requestID, err := uuid.Parse(requestIDStr)
	if err != nil {
		writeError(w, http.StatusBadRequest, dfmerr.NewDataError("invalid request_id: %v", err))
		return
	}

	stopNodes := parseUUIDSet(q.Get("stop_node_ids"))
	returnStatuses := q.Get("return_statuses") != "false"

	rc, err := request.New(r.Context(), s.site.Name(), s.site.Name(), requestID, s.transport)
	if err != nil {
		writeError(w, http.StatusInternalServerError, dfmerr.NewServerError("create request context: %v", err))
		return
	}

	if websocket.IsWebSocketUpgrade(r) {
		s.streamWebsocket(w, r, rc, stopNodes, returnStatuses)
		return
	}
	s.streamSSE(w, r, rc, stopNodes, returnStatuses)
}

func (s *Server) streamSSE(w http.ResponseWriter, r *http.Request, rc *request.Context, stopNodes map[uuid.UUID]bool, returnStatuses bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, dfmerr.NewServerError("streaming unsupported"))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	sent := 0
	deadline := time.Now().Add(StreamTimeout)
	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}

		responses, err := rc.Responses(r.Context())
		if err != nil {
			s.logger.Error("responses poll failed", "error", err)
			return
		}

		for ; sent < len(responses); sent++ {
			resp := responses[sent]
			if !returnStatuses {
				if _, ok := resp.Body.(dfmapi.StatusResponse); ok {
					continue
				}
			}
			data, err := resp.MarshalJSON()
			if err != nil {
				s.logger.Error("marshal response for sse failed", "error", err)
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
			if stopNodes[resp.NodeID] {
				return
			}
		}

		if time.Now().After(deadline) {
			return
		}
	}
}

func (s *Server) streamWebsocket(w http.ResponseWriter, r *http.Request, rc *request.Context, stopNodes map[uuid.UUID]bool, returnStatuses bool) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sent := 0
	deadline := time.Now().Add(StreamTimeout)
	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}

		responses, err := rc.Responses(r.Context())
		if err != nil {
			s.logger.Error("responses poll failed", "error", err)
			return
		}

		for ; sent < len(responses); sent++ {
			resp := responses[sent]
			if !returnStatuses {
				if _, ok := resp.Body.(dfmapi.StatusResponse); ok {
					continue
				}
			}
			data, err := resp.MarshalJSON()
			if err != nil {
				s.logger.Error("marshal response for websocket failed", "error", err)
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
			if stopNodes[resp.NodeID] {
				return
			}
		}

		if time.Now().After(deadline) {
			return
		}
	}
}

func parseUUIDSet(csv string) map[uuid.UUID]bool {
	out := map[uuid.UUID]bool{}
	if csv == "" {
		return out
	}
	for _, s := range strings.Split(csv, ",") {
		if id, err := uuid.Parse(strings.TrimSpace(s)); err == nil {
			out[id] = true
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, dfmapi.ErrorResponse{Kind: dfmerr.Kind(err), Message: err.Error()})
}
