package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/grandcat/zeroconf"

	"github.com/dotside-studios/davi-emv-agent/reader"
)

// Default mDNS parameters for reader bridges.
const (
	DefaultServiceType = "_emv-reader._tcp"
	DefaultDomain      = "local."
	DefaultPath        = "/reader"
)

// Config configures a remote transport.
type Config struct {
	// Name distinguishes several remote transports in a MultiTransport.
	Name string

	// URL is the bridge websocket URL. When empty the bridge is located
	// through mDNS.
	URL string

	// ServiceType is the mDNS service browsed for when URL is empty.
	ServiceType string

	// HandshakeTimeout bounds the dial and hello exchange.
	HandshakeTimeout time.Duration

	// KeepAlive is the websocket ping interval. Zero disables pings.
	KeepAlive time.Duration

	Clock  reader.Clock
	Logger *slog.Logger
}

// Transport connects to a reader bridge over websocket.
type Transport struct {
	cfg    Config
	dialer *websocket.Dialer
	logger *slog.Logger
}

// NewTransport creates a remote transport.
func NewTransport(cfg Config) *Transport {
	if cfg.Name == "" {
		cfg.Name = "remote"
	}
	if cfg.ServiceType == "" {
		cfg.ServiceType = DefaultServiceType
	}
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = 5 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = reader.NewRealClock()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{
		cfg:    cfg,
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		logger: logger.With(slog.String("component", "remote"), slog.String("transport", cfg.Name)),
	}
}

func (t *Transport) Name() string {
	return t.cfg.Name
}

// Connect dials the bridge, exchanges hello frames and returns a Channel.
func (t *Transport) Connect(ctx context.Context, calibration reader.Calibration) (reader.Channel, error) {
	url := t.cfg.URL
	if url == "" {
		var err error
		url, err = t.browse(ctx)
		if err != nil {
			return nil, err
		}
	}

	t.logger.Debug("dialing reader bridge", "url", url)
	conn, _, err := t.dialer.DialContext(ctx, url, http.Header{})
	if err != nil {
		return nil, reader.NewNotConnectedError("Connect", fmt.Errorf("dial %s: %w", url, err))
	}

	info, err := t.handshake(ctx, conn, calibration)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if info.Transport == "" {
		info.Transport = t.cfg.Name
	}

	t.logger.Info("reader bridge connected", "url", url, "serial", info.SerialNumber, "model", info.Model)
	return newChannel(conn, info, t.cfg.Clock, t.cfg.KeepAlive, t.logger), nil
}

func (t *Transport) handshake(ctx context.Context, conn *websocket.Conn, calibration reader.Calibration) (reader.DeviceInfo, error) {
	deadline := time.Now().Add(t.cfg.HandshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetWriteDeadline(deadline)
	conn.SetReadDeadline(deadline)
	defer conn.SetWriteDeadline(time.Time{})
	defer conn.SetReadDeadline(time.Time{})

	if err := conn.WriteJSON(Frame{Type: FrameHello, Calibration: calibration}); err != nil {
		return reader.DeviceInfo{}, reader.NewNotConnectedError("Connect", fmt.Errorf("send hello: %w", err))
	}

	var reply Frame
	if err := conn.ReadJSON(&reply); err != nil {
		return reader.DeviceInfo{}, reader.NewNotConnectedError("Connect", fmt.Errorf("read hello: %w", err))
	}
	if reply.Type == FrameError && reply.Error != nil {
		return reader.DeviceInfo{}, reply.Error.toError("Connect")
	}
	if reply.Type != FrameHello || reply.Info == nil {
		return reader.DeviceInfo{}, reader.NewMalformedResponseError("Connect", fmt.Sprintf("unexpected %q frame during handshake", reply.Type))
	}
	return *reply.Info, nil
}

// browse finds the first reader bridge advertised over mDNS.
func (t *Transport) browse(ctx context.Context) (string, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return "", fmt.Errorf("create mDNS resolver: %w", err)
	}

	browseCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	if err := resolver.Browse(browseCtx, t.cfg.ServiceType, DefaultDomain, entries); err != nil {
		return "", fmt.Errorf("browse %s: %w", t.cfg.ServiceType, err)
	}

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case entry, ok := <-entries:
			if !ok {
				return "", reader.NewNotConnectedError("Connect", errors.New("no reader bridge advertised"))
			}
			if url, ok := entryURL(entry); ok {
				t.logger.Debug("reader bridge discovered", "instance", entry.Instance, "url", url)
				return url, nil
			}
		}
	}
}

func entryURL(entry *zeroconf.ServiceEntry) (string, bool) {
	if entry == nil || entry.Port == 0 {
		return "", false
	}
	var host string
	switch {
	case len(entry.AddrIPv4) > 0:
		host = entry.AddrIPv4[0].String()
	case len(entry.AddrIPv6) > 0:
		host = entry.AddrIPv6[0].String()
	default:
		return "", false
	}
	path := DefaultPath
	for _, txt := range entry.Text {
		if v, ok := strings.CutPrefix(txt, "path="); ok && v != "" {
			path = v
		}
	}
	return "ws://" + net.JoinHostPort(host, strconv.Itoa(entry.Port)) + path, true
}
