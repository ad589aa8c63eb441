package tls

import (
	"context"
	"fmt"
	"html/template"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dotside-studios/davi-emv-agent/buildinfo"
)

var instructions = template.Must(template.New("ca").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>{{.Name}} - Install CA Certificate</title>
<style>
body { font-family: -apple-system, "Segoe UI", Roboto, sans-serif; max-width: 600px; margin: 0 auto; padding: 20px; }
.fingerprint { font-family: monospace; font-size: 0.8em; word-break: break-all; background: #f0f0f0; padding: 12px; }
</style>
</head>
<body>
<h1>Install CA Certificate</h1>
<p>Point-of-sale pages served over HTTPS can only reach {{.Name}} once this
certificate authority is trusted by the browser's device.</p>
<p><a href="/ca.pem">Download CA Certificate</a></p>
<p>Check that the fingerprint matches the one in the agent log before trusting it.</p>
<div class="fingerprint">{{.Fingerprint}}</div>
<h2>Download URLs</h2>
<ul>{{range .URLs}}<li>{{.}}</li>{{end}}</ul>
</body>
</html>
`))

// BootstrapServer serves the CA certificate over plain HTTP so other devices
// can trust the control server.
type BootstrapServer struct {
	manager *Manager
	port    int
	logger  *slog.Logger

	httpServer *http.Server
}

// NewBootstrapServer creates a bootstrap server on port.
func NewBootstrapServer(manager *Manager, port int, logger *slog.Logger) *BootstrapServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &BootstrapServer{
		manager: manager,
		port:    port,
		logger:  logger.With(slog.String("component", "bootstrap")),
	}
}

// Handler returns the bootstrap routes.
func (s *BootstrapServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/ca.pem", s.handleCACert)
	r.Get("/ca.crt", s.handleCACert)
	r.Get("/", s.handleInstructions)
	return r
}

// Start listens in the background.
func (s *BootstrapServer) Start() error {
	l, err := net.Listen("tcp", ":"+strconv.Itoa(s.port))
	if err != nil {
		return fmt.Errorf("bootstrap listen: %w", err)
	}
	s.httpServer = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}

	fp, _ := s.manager.CAFingerprint()
	s.logger.Info("CA bootstrap server started", "urls", s.urls(), "ca_sha256", fp)
	go func() {
		if err := s.httpServer.Serve(l); err != nil && err != http.ErrServerClosed {
			s.logger.Error("bootstrap server failed", "err", err)
		}
	}()
	return nil
}

// Close stops the server.
func (s *BootstrapServer) Close() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

func (s *BootstrapServer) urls() []string {
	ips, _ := LANIPs()
	urls := []string{fmt.Sprintf("http://localhost:%d/ca.pem", s.port)}
	for _, ip := range ips {
		urls = append(urls, fmt.Sprintf("http://%s/ca.pem", net.JoinHostPort(ip, strconv.Itoa(s.port))))
	}
	return urls
}

func (s *BootstrapServer) handleCACert(w http.ResponseWriter, r *http.Request) {
	ca, err := s.manager.ReadCACert()
	if err != nil {
		http.Error(w, "CA certificate not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/x-pem-file")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", buildinfo.Name+"-ca.pem"))
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Write(ca)
	s.logger.Info("CA certificate downloaded", "remote", r.RemoteAddr)
}

func (s *BootstrapServer) handleInstructions(w http.ResponseWriter, r *http.Request) {
	fp, err := s.manager.CAFingerprint()
	if err != nil {
		fp = "unavailable"
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	err = instructions.Execute(w, map[string]any{
		"Name":        buildinfo.DisplayName,
		"Fingerprint": fp,
		"URLs":        s.urls(),
	})
	if err != nil {
		s.logger.Warn("rendering instructions failed", "err", err)
	}
}
