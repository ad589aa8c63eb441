package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/dotside-studios/davi-emv-agent/config"
	"github.com/dotside-studios/davi-emv-agent/emv"
	"github.com/dotside-studios/davi-emv-agent/gateway"
	"github.com/dotside-studios/davi-emv-agent/reader"
	"github.com/dotside-studios/davi-emv-agent/reader/remote"
	"github.com/dotside-studios/davi-emv-agent/server"
	"github.com/dotside-studios/davi-emv-agent/store"
	tlscert "github.com/dotside-studios/davi-emv-agent/tls"
)

// AgentOptions selects how an Agent talks to its operator.
type AgentOptions struct {
	// Prompter answers transaction questions. When nil the control server's
	// WebSocket prompter is used, which requires Server.
	Prompter emv.Prompter

	// Server enables the local control server.
	Server bool
}

// Agent wires configuration, reader transports, remote services and the
// control server around one Director.
type Agent struct {
	Config    *config.Config
	Logger    *slog.Logger
	Transport *reader.MultiTransport
	Director  *emv.Director
	Server    *server.Server

	// Bootstrap serves the local CA when TLS is enabled.
	Bootstrap *tlscert.BootstrapServer

	closers []io.Closer

	mu        sync.Mutex
	listeners []func(emv.Event)
	pumpStop  chan struct{}
	pumpDone  chan struct{}
}

// NewAgent builds an agent from cfg. Nothing is started until Start.
func NewAgent(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts AgentOptions) (*Agent, error) {
	a := &Agent{
		Config: cfg,
		Logger: logger.With(slog.String("component", "agent")),
	}

	a.Transport = reader.NewMultiTransport(logger, readerTransports(cfg, logger)...)

	fingerprints, err := a.fingerprintStore(ctx)
	if err != nil {
		return nil, err
	}

	var (
		hub      *server.Hub
		prompter = opts.Prompter
	)
	if opts.Server {
		hub = server.NewHub(logger)
		if prompter == nil {
			prompter = server.NewPrompter(hub, logger)
		}
	}
	if prompter == nil {
		return nil, fmt.Errorf("agent needs a prompter or the control server")
	}

	collab := a.collaborators(prompter)
	emvCfg := cfg.EMVConfig()
	lifecycle := emv.NewLifecycleManager(emvCfg, a.Transport, fingerprints, prompter, reader.NewRealClock(), logger)
	a.Director = emv.NewDirector(emvCfg, lifecycle, collab, logger)

	if opts.Server {
		var certs tlscert.Files
		if cfg.Server.TLS.Enabled {
			if certs, err = a.certificates(); err != nil {
				return nil, err
			}
		}

		wsPrompter, _ := prompter.(*server.Prompter)
		a.Server = server.New(server.Config{
			Controller:     a.Director,
			Hub:            hub,
			Prompter:       wsPrompter,
			Host:           cfg.Server.Host,
			Port:           cfg.Server.Port,
			APISecret:      cfg.Server.APISecret,
			SessionTimeout: cfg.Server.SessionTimeout,
			MDNS:           cfg.Server.MDNS,
			CertFile:       certs.Cert,
			KeyFile:        certs.Key,
			Readers:        a.Transport.Names,
			Logger:         logger,
		})
		a.OnEvent(a.Server.Publish)
	}
	return a, nil
}

// certificates issues the control server certificate and prepares the CA
// bootstrap server.
func (a *Agent) certificates() (tlscert.Files, error) {
	manager := tlscert.NewManager(config.Dir(), a.Logger)
	files, err := manager.Ensure()
	if err != nil {
		return tlscert.Files{}, fmt.Errorf("preparing TLS certificate: %w", err)
	}
	if port := a.Config.Server.TLS.BootstrapPort; port > 0 {
		a.Bootstrap = tlscert.NewBootstrapServer(manager, port, a.Logger)
	}
	return files, nil
}

// readerTransports builds one remote transport per configured bridge. With
// none configured a single bridge is located through mDNS.
func readerTransports(cfg *config.Config, logger *slog.Logger) []reader.Transport {
	bridges := cfg.Reader.Bridges
	if len(bridges) == 0 {
		bridges = []config.BridgeConfig{{Name: "mdns"}}
	}

	transports := make([]reader.Transport, 0, len(bridges))
	for _, b := range bridges {
		transports = append(transports, remote.NewTransport(remote.Config{
			Name:             b.Name,
			URL:              b.URL,
			ServiceType:      cfg.Reader.ServiceType,
			HandshakeTimeout: cfg.Reader.ConnectTimeout,
			KeepAlive:        cfg.Reader.KeepAlive,
			Logger:           logger,
		}))
	}
	return transports
}

func (a *Agent) fingerprintStore(ctx context.Context) (emv.FingerprintStore, error) {
	switch a.Config.Fingerprints.Backend {
	case config.FingerprintsPostgres:
		pg, err := store.OpenPostgres(ctx, a.Config.Fingerprints.DSN, a.Logger)
		if err != nil {
			return nil, fmt.Errorf("opening fingerprint store: %w", err)
		}
		a.closers = append(a.closers, pg)
		return pg, nil
	default:
		return emv.NewMemoryStore(), nil
	}
}

// collaborators selects the remote services. Tokenization always uses the
// HTTP API; authorization and reversal follow the gateway kind.
func (a *Agent) collaborators(prompter emv.Prompter) emv.Collaborators {
	gw := a.Config.Gateway
	api := gateway.NewHTTPClient(gateway.HTTPConfig{
		BaseURL:  gw.BaseURL,
		ClientID: gw.ClientID,
		Token:    gw.Token,
		Timeout:  gw.Timeout,
		Logger:   a.Logger,
	}, nil)

	collab := emv.Collaborators{
		Prompter:   prompter,
		Tokenizer:  api,
		Authorizer: api,
		Reverser:   api,
	}
	if gw.Kind == config.GatewayISO8583 {
		iso := gateway.NewISOClient(gateway.ISOConfig{
			Addr:        gw.ISOAddr,
			TerminalID:  gw.TerminalID,
			MerchantID:  gw.MerchantID,
			SendTimeout: gw.Timeout,
			Logger:      a.Logger,
		})
		a.closers = append(a.closers, iso)
		collab.Authorizer = iso
		collab.Reverser = iso
	}
	return collab
}

// OnEvent registers fn to receive every session event. Listeners run on the
// event pump goroutine and must not block.
func (a *Agent) OnEvent(fn func(emv.Event)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.listeners = append(a.listeners, fn)
}

// Start runs the event pump and, when enabled, the control server.
func (a *Agent) Start() error {
	a.mu.Lock()
	if a.pumpStop != nil {
		a.mu.Unlock()
		return fmt.Errorf("agent is already running")
	}
	a.pumpStop = make(chan struct{})
	a.pumpDone = make(chan struct{})
	go a.pump(a.pumpStop, a.pumpDone)
	a.mu.Unlock()

	if a.Server != nil {
		if err := a.Server.Start(); err != nil {
			a.Stop()
			return err
		}
	}
	if a.Bootstrap != nil {
		if err := a.Bootstrap.Start(); err != nil {
			a.Logger.Warn("CA bootstrap server unavailable", "err", err)
		} else {
			a.closers = append(a.closers, a.Bootstrap)
		}
	}
	a.Logger.Info("agent started", "readers", a.Transport.Names())
	return nil
}

func (a *Agent) pump(stop, done chan struct{}) {
	defer close(done)
	events := a.Director.Events()
	for {
		select {
		case ev := <-events:
			a.mu.Lock()
			listeners := slices.Clone(a.listeners)
			a.mu.Unlock()
			for _, fn := range listeners {
				fn(ev)
			}
		case <-stop:
			return
		}
	}
}

// Stop shuts the control server down, stops any session and waits for
// outstanding reversals. Remote connections are closed last.
func (a *Agent) Stop() {
	if a.Server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		a.Server.Shutdown(ctx)
		cancel()
	}
	a.Director.Close()

	a.mu.Lock()
	stop, done := a.pumpStop, a.pumpDone
	a.pumpStop, a.pumpDone = nil, nil
	a.mu.Unlock()
	if stop != nil {
		close(stop)
		<-done
	}

	for _, c := range a.closers {
		if err := c.Close(); err != nil {
			a.Logger.Warn("close failed", "err", err)
		}
	}
	a.closers = nil
	a.Logger.Info("agent stopped")
}
