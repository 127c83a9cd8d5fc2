// Package api provides the HTTP surface of the agent: the WhatsApp Business
// Cloud webhook, the operator override endpoint, and the conversation panel
// feeds.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/ilabs/whatsagent/internal/messaging"
	"github.com/ilabs/whatsagent/internal/models"
	"github.com/ilabs/whatsagent/internal/notify"
	"github.com/ilabs/whatsagent/internal/store"
)

// DefaultAddr is the default listen address for the API server.
const DefaultAddr = ":8080"

// dispatcher is the pipeline surface the webhook needs.
type dispatcher interface {
	HandleIncoming(ctx context.Context, msg models.IncomingMessage) error
}

// Opts holds configurable options for the API server.
type Opts struct {
	Addr         string
	VerifyToken  string
	ActiveWindow time.Duration
	ExtraRoutes  map[string]http.HandlerFunc
}

// Option defines a functional option for configuring the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) {
		if addr != "" {
			o.Addr = addr
		}
	}
}

// WithVerifyToken sets the token checked during webhook verification.
func WithVerifyToken(token string) Option {
	return func(o *Opts) {
		o.VerifyToken = token
	}
}

// WithExtraRoute mounts an additional handler, such as a transport-specific
// inbound webhook, on the server mux.
func WithExtraRoute(path string, handler http.HandlerFunc) Option {
	return func(o *Opts) {
		if o.ExtraRoutes == nil {
			o.ExtraRoutes = make(map[string]http.HandlerFunc)
		}
		o.ExtraRoutes[path] = handler
	}
}

// WithActiveWindow sets how far back the conversations listing reaches.
func WithActiveWindow(d time.Duration) Option {
	return func(o *Opts) {
		if d > 0 {
			o.ActiveWindow = d
		}
	}
}

// Server wires the HTTP handlers to the store, messaging service, and
// dispatch pipeline.
type Server struct {
	st         store.Store
	msgService messaging.Service
	pipeline   dispatcher
	notifier   notify.Notifier
	opts       Opts
	httpServer *http.Server
}

// NewServer creates the API server.
func NewServer(st store.Store, msgService messaging.Service, pipeline dispatcher, notifier notify.Notifier, opts ...Option) *Server {
	cfg := Opts{
		Addr:         DefaultAddr,
		ActiveWindow: store.DefaultActiveWindow,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.VerifyToken == "" {
		slog.Warn("NewServer: no webhook verify token configured, GET /webhook will always fail")
	}
	return &Server{
		st:         st,
		msgService: msgService,
		pipeline:   pipeline,
		notifier:   notifier,
		opts:       cfg,
	}
}

// Handler builds the route table. Exposed separately so tests can drive the
// mux without a listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/webhook", s.webhookHandler)
	mux.HandleFunc("/override", s.overrideHandler)
	mux.HandleFunc("/conversations", s.conversationsHandler)
	mux.HandleFunc("/health", s.healthHandler)
	for path, handler := range s.opts.ExtraRoutes {
		mux.HandleFunc(path, handler)
	}
	return mux
}

// Start begins serving. It blocks until the listener fails or Shutdown is
// called.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	slog.Info("Server.Start: listening", "addr", s.opts.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	slog.Info("Server.Shutdown: stopping")
	return s.httpServer.Shutdown(ctx)
}
