// Package web serves the node status API: directory listings, the local
// node record, queued messages, and a live event stream over websocket.
package web

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"

	"meshnode/internal/events"
	"meshnode/internal/mesh"
	"meshnode/internal/nodedb"
	"meshnode/internal/router"
	"meshnode/internal/store"
)

// ServerOption configures the web server.
type ServerOption func(*Server)

// WithAPIKey enables API key authentication.
func WithAPIKey(key string) ServerOption {
	return func(s *Server) {
		s.apiKey = key
	}
}

// WithAllowedOrigins sets allowed WebSocket origin patterns.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// WithVersion sets the version string reported by /api/info.
func WithVersion(v string) ServerOption {
	return func(s *Server) {
		s.version = v
	}
}

// Server is the HTTP server for the status API.
type Server struct {
	db     *nodedb.NodeDB
	svc    *router.Service
	queue  store.Store
	bus    *events.Dispatcher
	logger *slog.Logger
	mux    *http.ServeMux

	apiKey         string
	allowedOrigins []string
	version        string

	// done ends every open websocket stream on Stop.
	done     chan struct{}
	stopOnce sync.Once
}

// NodeView is the JSON shape of one directory record.
type NodeView struct {
	Num         string  `json:"num"`
	LongName    string  `json:"long_name,omitempty"`
	ShortName   string  `json:"short_name,omitempty"`
	HasPosition bool    `json:"has_position"`
	LatitudeI   int32   `json:"latitude_i,omitempty"`
	LongitudeI  int32   `json:"longitude_i,omitempty"`
	Battery     uint32  `json:"battery,omitempty"`
	Snr         float32 `json:"snr"`
	LastSeen    uint32  `json:"last_seen_secs"`
	Online      bool    `json:"online"`
}

// NewServer creates the server. Websocket clients subscribe to the bus per
// connection; there is no shared hub to start.
func NewServer(db *nodedb.NodeDB, svc *router.Service, queue store.Store, bus *events.Dispatcher, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		db:     db,
		svc:    svc,
		queue:  queue,
		bus:    bus,
		logger: logger.With("component", "web"),
		mux:    http.NewServeMux(),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.mux.HandleFunc("GET /api/info", s.auth(s.handleInfo))
	s.mux.HandleFunc("GET /api/nodes", s.auth(s.handleNodes))
	s.mux.HandleFunc("GET /api/messages", s.auth(s.handleMessages))
	s.mux.HandleFunc("POST /api/send", s.auth(s.handleSend))
	s.mux.HandleFunc("GET /api/events", s.auth(s.handleWS))
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Stop ends every open websocket stream.
func (s *Server) Stop() {
	s.stopOnce.Do(func() { close(s.done) })
}

func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	if s.apiKey == "" {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-API-Key")
		if key == "" {
			key = r.URL.Query().Get("api_key")
		}
		if subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	me := s.db.MyNodeSnapshot()
	owner := s.db.OwnerSnapshot()
	writeJSON(w, map[string]interface{}{
		"version":          s.version,
		"my_node_num":      mesh.DefaultUserId(me.MyNodeNum),
		"owner":            owner,
		"firmware_version": me.FirmwareVersion,
		"hw_model":         me.HwModel,
		"region":           me.Region,
		"error_code":       me.ErrorCode,
		"error_count":      me.ErrorCount,
		"num_nodes":        s.db.NumNodes(),
		"num_online":       s.db.NumOnlineNodes(),
	})
}

func (s *Server) handleNodes(w http.ResponseWriter, r *http.Request) {
	nodes := s.db.NodesSnapshot()
	views := make([]NodeView, 0, len(nodes))
	for i := range nodes {
		n := &nodes[i]
		last := s.db.SinceLastSeen(n)
		views = append(views, NodeView{
			Num:         mesh.DefaultUserId(n.Num),
			LongName:    n.User.LongName,
			ShortName:   n.User.ShortName,
			HasPosition: n.HasPosition,
			LatitudeI:   n.Position.LatitudeI,
			LongitudeI:  n.Position.LongitudeI,
			Battery:     n.Position.BatteryLevel,
			Snr:         n.Snr,
			LastSeen:    last,
			Online:      last < mesh.NumOnlineSecs,
		})
	}
	writeJSON(w, views)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if q := r.URL.Query().Get("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			limit = n
		}
	}
	msgs, err := s.queue.PeekReceived(limit)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		s.logger.Error("peek receive queue", "err", err)
		http.Error(w, "store error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, msgs)
}

type sendRequest struct {
	To      string `json:"to"` // "!hhhhhhhh", empty for broadcast
	Text    string `json:"text"`
	WantAck bool   `json:"want_ack"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if req.Text == "" {
		http.Error(w, "text is required", http.StatusBadRequest)
		return
	}

	to := mesh.NodeNumBroadcast
	if req.To != "" {
		n, err := mesh.ParseNodeId(req.To)
		if err != nil {
			http.Error(w, "bad node id", http.StatusBadRequest)
			return
		}
		to = n
	}

	id := s.svc.SendText(to, req.Text, req.WantAck)
	writeJSON(w, map[string]interface{}{"id": id})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Response is already partially written; nothing to do but log.
		slog.Default().Warn("encode response", "err", err)
	}
}
