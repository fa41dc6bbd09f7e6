package thunderpush

import (
	"errors"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mroth/thunderpush/internal/metrics"
)

// Default values for connection options.
const (
	DefaultConnBufSize    = 256
	DefaultMaxMessageSize = 4096
	DefaultPingInterval   = 15 * time.Second
)

// Server accepts client sessions and drives the command protocol against a
// tenant Registry.
//
// Server implements the http.Handler interface for the client endpoint
// "/connect", and can be chained into existing HTTP routing muxes if desired.
type Server struct {
	Options ServerOptions

	registry *Registry
	upgrader websocket.Upgrader
	logger   *zap.Logger
	metrics  *metrics.Metrics

	mu          sync.Mutex
	connections map[*connection]struct{}
	shutdown    bool
	startupTime time.Time

	conf serverConfig
}

// ServerOptions are user-facing switches that may be flipped after creation.
type ServerOptions struct {
	DisableAdminEndpoints bool
}

// serverConfig defines configurable options that can be customized for a Server.
type serverConfig struct {
	AllowedOrigins []string // empty allows any origin
	ConnBufSize    int      // message buffer count for new connections
	MaxMessageSize int64    // largest inbound frame accepted
	PingInterval   time.Duration
}

// NewServer creates a new Server with optional ServerOptions for configuration.
func NewServer(opts ...ServerOption) (*Server, error) {
	s := &Server{
		connections: make(map[*connection]struct{}),
		startupTime: time.Now(),
		conf: serverConfig{
			ConnBufSize:    DefaultConnBufSize,
			MaxMessageSize: DefaultMaxMessageSize,
			PingInterval:   DefaultPingInterval,
		},
	}

	// set configuration from provided options
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.registry == nil {
		s.registry = NewRegistry(s.logger, s.metrics)
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s, nil
}

// ServerOption defines a set of high-level user options that can be customized
type ServerOption func(s *Server) error

// WithLogger sets the logger used by the server and, unless WithRegistry is
// also given, by its registry.
func WithLogger(logger *zap.Logger) ServerOption {
	return func(s *Server) error {
		s.logger = logger
		return nil
	}
}

// WithRegistry makes the server resolve tenants against r instead of a fresh
// empty registry.
func WithRegistry(r *Registry) ServerOption {
	return func(s *Server) error {
		if r == nil {
			return errors.New("nil registry")
		}
		s.registry = r
		return nil
	}
}

// WithMetrics records server metrics into m.
func WithMetrics(m *metrics.Metrics) ServerOption {
	return func(s *Server) error {
		s.metrics = m
		return nil
	}
}

// WithAllowedOrigins restricts the Origin header values accepted on the
// websocket upgrade. "*" or no origins at all accepts any origin.
func WithAllowedOrigins(origins ...string) ServerOption {
	return func(s *Server) error {
		s.conf.AllowedOrigins = origins
		return nil
	}
}

// WithConnBufSize sets the number of outbound frames buffered per connection
// before it is considered stalled and closed.
func WithConnBufSize(n int) ServerOption {
	return func(s *Server) error {
		if n <= 0 {
			return errors.New("connection buffer size must be positive")
		}
		s.conf.ConnBufSize = n
		return nil
	}
}

// WithMaxMessageSize sets the largest inbound frame, in bytes.
func WithMaxMessageSize(n int64) ServerOption {
	return func(s *Server) error {
		if n <= 0 {
			return errors.New("max message size must be positive")
		}
		s.conf.MaxMessageSize = n
		return nil
	}
}

// WithPingInterval sets how often idle clients are pinged. A client that does
// not answer within two intervals is dropped.
func WithPingInterval(d time.Duration) ServerOption {
	return func(s *Server) error {
		if d <= 0 {
			return errors.New("ping interval must be positive")
		}
		s.conf.PingInterval = d
		return nil
	}
}

// WithDisableAdminEndpoints turns off the admin status endpoints.
func WithDisableAdminEndpoints() ServerOption {
	return func(s *Server) error {
		s.Options.DisableAdminEndpoints = true
		return nil
	}
}

// Registry returns the tenant registry the server resolves against.
func (s *Server) Registry() *Registry { return s.registry }

// Logger returns the server logger.
func (s *Server) Logger() *zap.Logger { return s.logger }

// ServeHTTP implements the http.Handler interface
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	mux := http.NewServeMux()
	mux.HandleFunc("/connect", s.serveConnection)
	mux.ServeHTTP(w, r)
}

func (s *Server) serveConnection(w http.ResponseWriter, r *http.Request) {
	// override RemoteAddr to trust proxy IP msgs if they exist
	// pattern taken from http://git.io/xDD3Mw
	ip := r.Header.Get("X-Real-IP")
	if ip == "" {
		ip = r.Header.Get("X-Forwarded-For")
	}
	if ip != "" {
		r.RemoteAddr = ip
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client
		s.logger.Debug("websocket upgrade failed",
			zap.String("remote_addr", r.RemoteAddr), zap.Error(err))
		return
	}

	c := newConnection(s, ws, r)
	if !s.track(c) {
		ws.Close()
		return
	}
	c.logger.Info("CONNECT", zap.String("remote_addr", r.RemoteAddr))

	defer func() {
		s.untrack(c)
		c.logger.Info("DISCONNECT", zap.String("remote_addr", r.RemoteAddr))
	}()

	go c.writer()
	c.reader()
}

func (s *Server) track(c *connection) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown {
		return false
	}
	s.connections[c] = struct{}{}
	s.metrics.ConnectionOpened()
	return true
}

func (s *Server) untrack(c *connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.connections[c]; ok {
		delete(s.connections, c)
		s.metrics.ConnectionClosed()
	}
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.conf.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, o := range s.conf.AllowedOrigins {
		if o == "*" || o == origin || o == u.Host {
			return true
		}
	}
	return false
}

// Shutdown a server gracefully, closing active connections and refusing new
// ones.
//
// Currently, this returns immediately, and does not wait for connections to be
// closed in the background.
func (s *Server) Shutdown() {
	s.mu.Lock()
	s.shutdown = true
	conns := make([]*connection, 0, len(s.connections))
	for c := range s.connections {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
}

// liveConnections returns a snapshot of open sessions sorted by age.
func (s *Server) liveConnections() []ConnectionStatus {
	s.mu.Lock()
	cl := make([]ConnectionStatus, 0, len(s.connections))
	for c := range s.connections {
		cl = append(cl, c.Status())
	}
	s.mu.Unlock()

	sort.Slice(cl, func(i, j int) bool {
		return cl[i].Created < cl[j].Created
	})
	return cl
}
