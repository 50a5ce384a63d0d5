package transport

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/roach88/convsync/internal/engine"
	"github.com/roach88/convsync/internal/identity"
	"github.com/roach88/convsync/internal/media"
)

// ProtocolVersion is announced in the hello frame.
const ProtocolVersion = "1"

// Options tune connection handling.
type Options struct {
	// OutboundBuffer is the number of frames queued per connection before
	// deliveries fail.
	OutboundBuffer int

	// PongWait is how long a connection may stay silent.
	PongWait time.Duration

	// PingInterval must be shorter than PongWait.
	PingInterval time.Duration

	// WriteTimeout bounds a single frame write.
	WriteTimeout time.Duration

	// AllowedOrigins lists accepted Origin headers. Empty accepts any.
	AllowedOrigins []string

	// HistoryLimit is the default page size for message history.
	HistoryLimit int
}

// DefaultOptions are used for zero fields.
var DefaultOptions = Options{
	OutboundBuffer: 256,
	PongWait:       60 * time.Second,
	PingInterval:   30 * time.Second,
	WriteTimeout:   10 * time.Second,
	HistoryLimit:   engine.DefaultHistoryLimit,
}

func (o Options) withDefaults() Options {
	if o.OutboundBuffer <= 0 {
		o.OutboundBuffer = DefaultOptions.OutboundBuffer
	}
	if o.PongWait <= 0 {
		o.PongWait = DefaultOptions.PongWait
	}
	if o.PingInterval <= 0 || o.PingInterval >= o.PongWait {
		o.PingInterval = o.PongWait * 9 / 10
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultOptions.WriteTimeout
	}
	if o.HistoryLimit <= 0 {
		o.HistoryLimit = DefaultOptions.HistoryLimit
	}
	return o
}

// HealthFunc reports whether a dependency is usable.
type HealthFunc func(ctx context.Context) error

// Server routes HTTP and WebSocket traffic to an engine.
type Server struct {
	engine   *engine.Engine
	verifier identity.Verifier
	media    media.Store
	health   HealthFunc
	opts     Options
	upgrader websocket.Upgrader
	router   *mux.Router
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithMediaStore enables POST /v1/media.
func WithMediaStore(s media.Store) ServerOption {
	return func(srv *Server) { srv.media = s }
}

// WithHealthCheck makes /healthz report f's result.
func WithHealthCheck(f HealthFunc) ServerOption {
	return func(srv *Server) { srv.health = f }
}

// WithOptions sets connection options.
func WithOptions(o Options) ServerOption {
	return func(srv *Server) { srv.opts = o }
}

// NewServer creates a server for eng authenticating with verifier.
func NewServer(eng *engine.Engine, verifier identity.Verifier, opts ...ServerOption) *Server {
	s := &Server{
		engine:   eng,
		verifier: verifier,
		opts:     DefaultOptions,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.opts = s.opts.withDefaults()
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(s.opts.AllowedOrigins),
	}
	s.router = s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	r.Handle("/ws", s.authenticate(http.HandlerFunc(s.handleWebSocket))).Methods(http.MethodGet)

	api := r.PathPrefix("/v1").Subrouter()
	api.Use(s.authenticate)
	api.HandleFunc("/conversations", s.handleConversations).Methods(http.MethodGet)
	api.HandleFunc("/conversations/{id}", s.handleConversation).Methods(http.MethodGet)
	api.HandleFunc("/conversations/{id}/messages", s.handleMessages).Methods(http.MethodGet)
	api.HandleFunc("/conversations/{id}/messages", s.handleSend).Methods(http.MethodPost)
	api.HandleFunc("/conversations/{id}/ack", s.handleAck).Methods(http.MethodPost)
	api.HandleFunc("/direct/{peer}/messages", s.handleSendDirect).Methods(http.MethodPost)
	api.HandleFunc("/groups", s.handleCreateGroup).Methods(http.MethodPost)
	api.HandleFunc("/media", s.handleUpload).Methods(http.MethodPost)
	api.HandleFunc("/presence/{participant}", s.handlePresence).Methods(http.MethodGet)
	return r
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		set[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || set[origin]
	}
}
