package lockstep

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// statusFeed is the embedded local HTTP server: JSON snapshots, queue and
// conflict inspection, manual retry/discard/resolve, a Prometheus
// endpoint and a WebSocket event stream. It binds loopback only; it is
// an operator window, not a public surface.
type statusFeed struct {
	cfg     StatusFeedConfig
	queue   *Queue
	cache   *Cache
	recon   *Reconciler
	events  *EventHub
	metrics *metrics
	status  func() Snapshot
	force   func(ctx context.Context) (*SyncResult, error)

	srv  *http.Server
	addr string
}

func newStatusFeed(cfg StatusFeedConfig, queue *Queue, cache *Cache, recon *Reconciler,
	events *EventHub, metrics *metrics, status func() Snapshot,
	force func(ctx context.Context) (*SyncResult, error)) *statusFeed {

	return &statusFeed{
		cfg:     cfg,
		queue:   queue,
		cache:   cache,
		recon:   recon,
		events:  events,
		metrics: metrics,
		status:  status,
		force:   force,
	}
}

// Start binds the listener and serves in the background.
func (s *statusFeed) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/queue", s.handleQueue)
	mux.HandleFunc("/api/queue/retry", s.handleRetry)
	mux.HandleFunc("/api/queue/discard", s.handleDiscard)
	mux.HandleFunc("/api/conflicts", s.handleConflicts)
	mux.HandleFunc("/api/conflicts/resolve", s.handleResolve)
	mux.HandleFunc("/api/records", s.handleRecords)
	mux.HandleFunc("/api/sync", s.handleSync)
	mux.HandleFunc("/api/stream", s.handleStream)
	mux.Handle("/metrics", promhttp.HandlerFor(s.metrics.registry, promhttp.HandlerOpts{}))

	addr := fmt.Sprintf("%s:%d", s.cfg.Addr, s.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.addr = listener.Addr().String()

	s.srv = &http.Server{
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	go func() {
		_ = s.srv.Serve(listener)
	}()

	slog.Info("status feed listening", "addr", s.addr)
	return nil
}

// Addr returns the bound address, useful when the configured port is 0.
func (s *statusFeed) Addr() string {
	return s.addr
}

func (s *statusFeed) Close() error {
	if s == nil || s.srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.srv.Shutdown(ctx)
}

func (s *statusFeed) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, s.status())
}

func (s *statusFeed) handleQueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	status := ItemStatus(r.URL.Query().Get("status"))
	if status == "" {
		status = StatusPending
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	stats, err := s.queue.Stats(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	items, err := s.queue.Items(r.Context(), status, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, struct {
		Stats QueueStats   `json:"stats"`
		Items []*QueueItem `json:"items"`
	}{stats, items})
}

// itemRequest is the body of the retry and discard endpoints.
type itemRequest struct {
	ID string `json:"id"`
}

func (s *statusFeed) handleRetry(w http.ResponseWriter, r *http.Request) {
	id, ok := s.decodeItemID(w, r)
	if !ok {
		return
	}
	item, err := s.queue.RetryItem(r.Context(), id)
	if err != nil {
		s.writeActionError(w, err)
		return
	}
	writeJSON(w, item)
}

func (s *statusFeed) handleDiscard(w http.ResponseWriter, r *http.Request) {
	id, ok := s.decodeItemID(w, r)
	if !ok {
		return
	}
	if err := s.queue.DiscardItem(r.Context(), id); err != nil {
		s.writeActionError(w, err)
		return
	}
	writeJSON(w, map[string]string{"status": "discarded", "id": id})
}

func (s *statusFeed) decodeItemID(w http.ResponseWriter, r *http.Request) (string, bool) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return "", false
	}
	var req itemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return "", false
	}
	if req.ID == "" {
		http.Error(w, "id is required", http.StatusBadRequest)
		return "", false
	}
	return req.ID, true
}

func (s *statusFeed) handleConflicts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	includeResolved := r.URL.Query().Get("resolved") == "true"
	conflicts, err := s.recon.Conflicts(r.Context(), includeResolved)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, struct {
		Conflicts []*Conflict `json:"conflicts"`
	}{conflicts})
}

func (s *statusFeed) handleResolve(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		ID       string   `json:"id"`
		Strategy Strategy `json:"strategy"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.ID == "" {
		http.Error(w, "id is required", http.StatusBadRequest)
		return
	}
	c, err := s.recon.Resolve(r.Context(), req.ID, req.Strategy)
	if err != nil {
		s.writeActionError(w, err)
		return
	}
	writeJSON(w, c)
}

func (s *statusFeed) handleRecords(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	table := r.URL.Query().Get("table")
	if table == "" {
		http.Error(w, "table is required", http.StatusBadRequest)
		return
	}
	records, err := s.cache.List(r.Context(), table)
	if err != nil {
		s.writeActionError(w, err)
		return
	}
	writeJSON(w, struct {
		Records []*CachedRecord `json:"records"`
	}{records})
}

func (s *statusFeed) handleSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	result, err := s.force(r.Context())
	if errors.Is(err, ErrSyncInProgress) {
		writeJSONStatus(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, result)
}

// writeActionError maps engine errors onto HTTP status codes.
func (s *statusFeed) writeActionError(w http.ResponseWriter, err error) {
	var verr *ValidationError
	switch {
	case errors.Is(err, ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.As(err, &verr):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleStream upgrades to a WebSocket and forwards engine events as
// JSON. A types query parameter narrows the stream, for example
// ?types=conflict_detected,health_changed. Without it every event flows.
func (s *statusFeed) handleStream(w http.ResponseWriter, r *http.Request) {
	var types []EventType
	if v := r.URL.Query().Get("types"); v != "" {
		for _, t := range strings.Split(v, ",") {
			types = append(types, EventType(strings.TrimSpace(t)))
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer func() { _ = conn.Close() }()

	sub := s.events.Subscribe(types...)
	defer s.events.Unsubscribe(sub.ID)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Drain client frames so pings are answered and dropped connections
	// cancel the forward loop.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.C():
			if !ok {
				return
			}
			msg, err := json.Marshal(e)
			if err != nil {
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}

// writeJSON encodes data as JSON and writes it to the response.
// Logs any encoding errors instead of silently ignoring them.
func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode JSON response", "err", err)
	}
}

// writeJSONStatus writes a JSON response with a specific status code.
func writeJSONStatus(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode JSON response", "err", err)
	}
}
