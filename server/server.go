// Package server exposes the agent to local control clients: an HTTP API to
// start and stop card sessions and a WebSocket stream that carries session
// events and the prompts a transaction waits on.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/grandcat/zeroconf"

	"github.com/dotside-studios/davi-emv-agent/buildinfo"
	"github.com/dotside-studios/davi-emv-agent/emv"
	"github.com/dotside-studios/davi-emv-agent/protocol"
	"github.com/dotside-studios/davi-emv-agent/reader"
)

// Controller runs card sessions. *emv.Director implements it.
type Controller interface {
	StartReading(ctx context.Context) error
	StartTokenizing(ctx context.Context) error
	Stop()
	Active() (emv.Mode, bool)
	BatteryLevel(ctx context.Context) (int, error)
	Calibrate(ctx context.Context) (reader.Calibration, error)
	ClearFingerprints(ctx context.Context) error
	ReversalFailures() int64
}

// Config holds the server configuration
type Config struct {
	Controller     Controller
	Hub            *Hub      // created when nil
	Prompter       *Prompter // created when nil
	Host           string
	Port           int
	APISecret      string
	SessionTimeout time.Duration
	MDNS           bool

	// CertFile and KeyFile serve HTTPS and WSS when both are set.
	CertFile string
	KeyFile  string

	// Readers lists the configured reader transports for status reports.
	Readers func() []string

	Logger *slog.Logger
}

// Server manages the HTTP and WebSocket server
type Server struct {
	config   Config
	logger   *slog.Logger
	hub      *Hub
	prompter *Prompter
	sessions *SessionManager
	registry *HandlerRegistry
	upgrader websocket.Upgrader
	router   chi.Router

	// baseCtx outlives requests; card sessions started through the API run
	// under it.
	baseCtx context.Context
	cancel  context.CancelFunc

	mu         sync.Mutex
	httpServer *http.Server
	mdnsServer *zeroconf.Server
	wg         sync.WaitGroup

	// Addr is the bound listen address once Start returns.
	Addr string
}

// New creates a new server instance
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = time.Minute
	}
	if cfg.Hub == nil {
		cfg.Hub = NewHub(cfg.Logger)
	}
	if cfg.Prompter == nil {
		cfg.Prompter = NewPrompter(cfg.Hub, cfg.Logger)
	}

	s := &Server{
		config:   cfg,
		logger:   cfg.Logger.With(slog.String("component", "server")),
		hub:      cfg.Hub,
		prompter: cfg.Prompter,
		sessions: NewSessionManager(cfg.APISecret, cfg.SessionTimeout, cfg.Logger),
		registry: NewHandlerRegistry(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // the session token is the access check
			},
		},
	}
	s.baseCtx, s.cancel = context.WithCancel(context.Background())

	s.registerHandlers()
	s.router = s.routes()
	return s
}

// Hub returns the client hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Prompter returns the WebSocket prompter sessions should ask through.
func (s *Server) Prompter() *Prompter {
	return s.prompter
}

// Handler returns the HTTP handler serving the API and the WebSocket.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Publish forwards a session event to every connected client.
func (s *Server) Publish(ev emv.Event) {
	s.hub.BroadcastEvent(ev)
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(newStructuredLogger(s.logger))
	r.Use(cors)

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(buildinfo.DisplayName + " running"))
	})
	r.Get(WebSocketPath, s.handleWebSocket)

	r.Route(APIPrefix, func(r chi.Router) {
		r.Get("/health", s.handleHealthCheck)
		r.Post("/handshake", s.handleHandshake)

		r.Group(func(r chi.Router) {
			r.Use(s.requireSession)
			r.Delete("/handshake", s.handleRelease)
			r.Get("/status", s.handleStatus)
			r.Post("/sessions", s.handleStart)
			r.Delete("/sessions", s.handleStop)
			r.Get("/reader/battery", s.handleBattery)
			r.Post("/reader/calibrate", s.handleCalibrate)
			r.Delete("/fingerprints", s.handleClearFingerprints)
		})
	})
	return r
}

// cors adds CORS headers and answers preflight requests
func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", CORSAllowOrigin)
		w.Header().Set("Access-Control-Allow-Methods", CORSAllowMethods)
		w.Header().Set("Access-Control-Allow-Headers", CORSAllowHeaders)

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// newStructuredLogger logs one line per request.
func newStructuredLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				logger.Debug("http request",
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.Int("status", ww.Status()),
					slog.Duration("elapsed", time.Since(start)),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}

// Start listens and serves in the background. The listen address is stored
// in Addr.
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port))
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}

	s.mu.Lock()
	s.Addr = l.Addr().String()
	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv := s.httpServer
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("http server started", slog.String("addr", s.Addr), slog.Bool("tls", s.tlsEnabled()))
		var err error
		if s.tlsEnabled() {
			err = srv.ServeTLS(l, s.config.CertFile, s.config.KeyFile)
		} else {
			err = srv.Serve(l)
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error("http server failed", "err", err)
		}
		s.logger.Info("http server stopped")
	}()

	if s.config.MDNS {
		if err := s.startMDNS(l.Addr().(*net.TCPAddr).Port); err != nil {
			s.logger.Warn("mDNS registration failed, auto-discovery unavailable", "err", err)
		}
	}
	return nil
}

// Shutdown stops the HTTP server, closes client connections and cancels
// sessions started through the API.
func (s *Server) Shutdown(ctx context.Context) {
	s.mu.Lock()
	srv := s.httpServer
	mdns := s.mdnsServer
	s.httpServer = nil
	s.mdnsServer = nil
	s.mu.Unlock()

	if mdns != nil {
		mdns.Shutdown()
		s.logger.Info("mDNS service stopped")
	}
	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			s.logger.Error("server shutdown", "err", err)
		}
	}
	s.hub.CloseAll()
	s.sessions.Release()
	s.cancel()
	s.wg.Wait()
}

func (s *Server) tlsEnabled() bool {
	return s.config.CertFile != "" && s.config.KeyFile != ""
}

// startMDNS registers the agent for discovery by control clients
func (s *Server) startMDNS(port int) error {
	txt := []string{
		"version=" + buildinfo.Version,
		"protocol=websocket",
		"path=" + WebSocketPath,
		"api=" + APIPrefix,
		"tls=" + strconv.FormatBool(s.tlsEnabled()),
	}

	server, err := zeroconf.Register(MDNSServiceName, MDNSServiceType, MDNSDomain, port, txt, nil)
	if err != nil {
		return fmt.Errorf("failed to register mDNS service: %w", err)
	}

	s.mu.Lock()
	s.mdnsServer = server
	s.mu.Unlock()
	s.logger.Info("mDNS service registered", "service", MDNSServiceType, "port", port)
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, protocol.ErrorResponse{Error: msg, ErrorCode: code})
}
