package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/quillstore/quill/pkg/engine"
	"github.com/quillstore/quill/pkg/hub"
	"github.com/quillstore/quill/pkg/log"
	"github.com/quillstore/quill/pkg/metrics"
	"github.com/quillstore/quill/pkg/types"
)

// Options configures the HTTP server.
type Options struct {
	Addr string
	// ReadOnly rejects every non-GET API request. Used for listeners
	// that must never accept writes, such as local debug sockets.
	ReadOnly bool
}

// Server exposes the REST API, the WebSocket endpoint, and the
// health and metrics endpoints on one listener.
type Server struct {
	engine *engine.Engine
	hub    *hub.Hub
	mux    *http.ServeMux
	http   *http.Server
	opts   Options

	// restMu serializes REST writes through a single hub session so
	// each request reads back exactly its own ack.
	restMu   sync.Mutex
	restSess *hub.Session
}

// NewServer wires the routes. Start must be called to listen.
func NewServer(eng *engine.Engine, h *hub.Hub, opts Options) *Server {
	mux := http.NewServeMux()
	s := &Server{
		engine: eng,
		hub:    h,
		mux:    mux,
		opts:   opts,
	}

	mux.HandleFunc("GET /health", metrics.HealthHandler())
	mux.HandleFunc("GET /ready", metrics.ReadyHandler())
	mux.HandleFunc("GET /live", metrics.LivenessHandler())
	mux.Handle("GET /api/metrics", metrics.Handler())

	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("GET /api/collections", s.handleCollections)
	mux.HandleFunc("GET /api/c/{collection}", s.handleList)
	mux.HandleFunc("POST /api/c/{collection}", s.handleInsert)
	mux.HandleFunc("GET /api/c/{collection}/{id}", s.handleGet)
	mux.HandleFunc("PUT /api/c/{collection}/{id}", s.handleUpdate)
	mux.HandleFunc("PATCH /api/c/{collection}/{id}", s.handleMerge)
	mux.HandleFunc("DELETE /api/c/{collection}/{id}", s.handleDelete)
	mux.HandleFunc("GET /api/c/{collection}/sync", s.handleSync)

	mux.HandleFunc("GET /ws", s.handleWebSocket)

	return s
}

// Handler returns the full route tree with middleware applied, for
// embedding in tests or other servers.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	if s.opts.ReadOnly {
		h = readOnlyGuard(h)
	}
	return instrument(h)
}

// Start blocks serving HTTP until the listener fails or Stop is called.
func (s *Server) Start() error {
	s.http = &http.Server{
		Addr:         s.opts.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	lg15 := log.WithComponent("api")
	lg15.Info().Str("addr", s.opts.Addr).Msg("http api listening")
	return s.http.ListenAndServe()
}

// Stop drains in-flight requests and shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// readOnlyGuard rejects mutating methods before they reach a handler.
func readOnlyGuard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet, http.MethodHead:
			next.ServeHTTP(w, r)
		default:
			writeError(w, http.StatusForbidden, "read_only",
				"write operations are not allowed on this listener")
		}
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		metrics.APIRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(rec.status)).Inc()
		metrics.APIRequestDuration.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())
	})
}

// exec routes one frame through the hub and returns the ack. All REST
// writes funnel through here so CRDT state, the sync log, and fan-out
// behave identically for HTTP and WebSocket clients.
func (s *Server) exec(msg *types.ClientMessage) *types.ServerMessage {
	s.restMu.Lock()
	defer s.restMu.Unlock()
	if s.restSess == nil {
		s.restSess = s.hub.Connect("rest-api")
		// Discard the connected handshake.
		s.restSess.Next()
	}
	s.hub.Handle(s.restSess, msg)
	ack, ok := s.restSess.Next()
	if !ok {
		return &types.ServerMessage{
			Type: types.MsgError, Code: "server_closed", Message: "server shutting down",
		}
	}
	return ack
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"engine": s.engine.GetStats(),
		"hub":    s.hub.GetStats(),
	})
}

func (s *Server) handleCollections(w http.ResponseWriter, r *http.Request) {
	names, err := s.engine.Collections()
	if err != nil {
		writeHubError(w, types.CodeOf(err), err.Error())
		return
	}
	if names == nil {
		names = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"collections": names})
}

// docResponse is the REST shape of one document.
type docResponse struct {
	ID        string          `json:"id"`
	Data      json.RawMessage `json:"data"`
	Version   uint64          `json:"_version"`
	UpdatedAt time.Time       `json:"updatedAt"`
	CreatedAt time.Time       `json:"createdAt"`
}

func toDocResponse(doc *types.Document) docResponse {
	return docResponse{
		ID:        doc.ID,
		Data:      hub.MaterializedView(doc.Data),
		Version:   doc.Version,
		UpdatedAt: doc.UpdatedAt,
		CreatedAt: doc.CreatedAt,
	}
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	collection := r.PathValue("collection")
	q := r.URL.Query()

	opts := engine.ListOptions{
		Limit: intParam(q.Get("limit"), 100),
		Skip:  intParam(q.Get("skip"), 0),
		Sort:  q.Get("sort"),
		Desc:  q.Get("order") == "desc",
	}
	docs, err := s.engine.List(collection, opts)
	if err != nil {
		writeHubError(w, types.CodeOf(err), err.Error())
		return
	}
	out := make([]docResponse, 0, len(docs))
	for _, doc := range docs {
		out = append(out, toDocResponse(doc))
	}
	writeJSON(w, http.StatusOK, map[string]any{"docs": out, "count": len(out)})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	collection := r.PathValue("collection")
	id := r.PathValue("id")
	syncRead := r.URL.Query().Get("sync") == "true"

	doc, err := s.engine.Get(collection, id, syncRead)
	if err != nil {
		writeHubError(w, types.CodeOf(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, toDocResponse(doc))
}

// insertRequest is the POST body. ID is optional; the server assigns
// one when absent.
type insertRequest struct {
	ID   string          `json:"id,omitempty"`
	Data json.RawMessage `json:"data"`
}

func (s *Server) handleInsert(w http.ResponseWriter, r *http.Request) {
	var req insertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	ack := s.exec(&types.ClientMessage{
		Type:       types.MsgInsert,
		Collection: r.PathValue("collection"),
		ID:         req.ID,
		Data:       req.Data,
	})
	writeAck(w, http.StatusCreated, ack)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	s.mutate(w, r, types.MsgUpdate)
}

func (s *Server) handleMerge(w http.ResponseWriter, r *http.Request) {
	s.mutate(w, r, types.MsgMerge)
}

func (s *Server) mutate(w http.ResponseWriter, r *http.Request, typ string) {
	var data json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	ack := s.exec(&types.ClientMessage{
		Type:       typ,
		Collection: r.PathValue("collection"),
		ID:         r.PathValue("id"),
		Data:       data,
	})
	writeAck(w, http.StatusOK, ack)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	ack := s.exec(&types.ClientMessage{
		Type:       types.MsgDelete,
		Collection: r.PathValue("collection"),
		ID:         r.PathValue("id"),
	})
	writeAck(w, http.StatusOK, ack)
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	since, _ := strconv.ParseInt(r.URL.Query().Get("since"), 10, 64)
	ack := s.exec(&types.ClientMessage{
		Type:       types.MsgSync,
		Collection: r.PathValue("collection"),
		Since:      since,
	})
	if ack.Type == types.MsgError {
		writeHubError(w, ack.Code, ack.Message)
		return
	}
	if ack.Changes == nil {
		ack.Changes = []types.SyncChange{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"changes":    ack.Changes,
		"serverTime": ack.ServerTime,
	})
}

func writeAck(w http.ResponseWriter, okStatus int, ack *types.ServerMessage) {
	if ack.Type == types.MsgError {
		writeHubError(w, ack.Code, ack.Message)
		return
	}
	writeJSON(w, okStatus, map[string]any{
		"id":       ack.ID,
		"_version": ack.Version,
		"data":     ack.Data,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Error: msg, Code: code})
}

// writeHubError maps stable error codes onto HTTP statuses.
func writeHubError(w http.ResponseWriter, code, msg string) {
	status := http.StatusInternalServerError
	switch code {
	case "doc_not_found", "collection_empty", "not_joined":
		status = http.StatusNotFound
	case "doc_exists", "concurrent_write_rejected":
		status = http.StatusConflict
	case "engine_degraded", "wal_append_failed_fatal", "shard_busy", "server_closed":
		status = http.StatusServiceUnavailable
	case "invalid_collection_name", "missing_field", "bad_path",
		"invalid_data", "invalid_json", "unknown_message_type":
		status = http.StatusBadRequest
	}
	writeError(w, status, code, msg)
}

func intParam(raw string, def int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}
