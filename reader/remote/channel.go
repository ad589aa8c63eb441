package remote

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/dotside-studios/davi-emv-agent/reader"
)

const writeWait = 5 * time.Second

type pending struct {
	id   string
	op   string
	out  chan reader.Message
	done chan struct{}
}

// Channel is a reader.Channel backed by a websocket connection to a bridge.
type Channel struct {
	conn   *websocket.Conn
	info   reader.DeviceInfo
	clock  reader.Clock
	logger *slog.Logger

	writeMu sync.Mutex

	mu       sync.Mutex
	inflight *pending
	closed   bool

	disconnected chan struct{}
	dropOnce     sync.Once
	stop         chan struct{}
}

func newChannel(conn *websocket.Conn, info reader.DeviceInfo, clock reader.Clock, keepAlive time.Duration, logger *slog.Logger) *Channel {
	c := &Channel{
		conn:         conn,
		info:         info,
		clock:        clock,
		logger:       logger.With(slog.String("serial", info.SerialNumber)),
		disconnected: make(chan struct{}),
		stop:         make(chan struct{}),
	}
	go c.readLoop()
	if keepAlive > 0 {
		go c.keepAlive(keepAlive)
	}
	return c
}

func (c *Channel) Info() reader.DeviceInfo {
	return c.info
}

func (c *Channel) Disconnected() <-chan struct{} {
	return c.disconnected
}

// Send writes a command frame. Replies are correlated by frame id.
func (c *Channel) Send(ctx context.Context, req reader.Request) (<-chan reader.Message, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, reader.ErrClosed
	}
	select {
	case <-c.disconnected:
		c.mu.Unlock()
		return nil, reader.NewNotConnectedError(req.Command.String(), nil)
	default:
	}
	if c.inflight != nil {
		c.mu.Unlock()
		return nil, reader.ErrBusy
	}
	p := &pending{
		id:   uuid.NewString(),
		op:   req.Command.String(),
		out:  make(chan reader.Message, 8),
		done: make(chan struct{}),
	}
	c.inflight = p
	c.mu.Unlock()

	err := c.write(Frame{ID: p.id, Type: FrameCommand, Command: p.op, Params: req.Params})
	if err != nil {
		c.finish(p)
		return nil, reader.NewNotConnectedError(p.op, err)
	}
	c.logger.Debug("command sent", "command", p.op, "id", p.id)
	return p.out, nil
}

// CancelInFlight abandons the outstanding command and asks the bridge to
// abort it. Late replies for it are dropped.
func (c *Channel) CancelInFlight() {
	c.mu.Lock()
	p := c.inflight
	c.mu.Unlock()
	if p == nil {
		return
	}
	if c.finish(p) {
		if err := c.write(Frame{ID: p.id, Type: FrameCancel}); err != nil {
			c.logger.Warn("failed to send cancel", "command", p.op, "err", err)
		}
	}
}

// finish clears p as the in-flight command. It reports whether p was still
// in flight.
func (c *Channel) finish(p *pending) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inflight != p {
		return false
	}
	c.inflight = nil
	close(p.done)
	return true
}

func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return reader.ErrClosed
	}
	c.closed = true
	p := c.inflight
	c.mu.Unlock()

	if p != nil {
		c.finish(p)
	}
	close(c.stop)

	c.writeMu.Lock()
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
	c.writeMu.Unlock()
	return c.conn.Close()
}

func (c *Channel) write(f Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(f)
}

func (c *Channel) readLoop() {
	defer c.drop()
	for {
		var f Frame
		if err := c.conn.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn("reader bridge connection lost", "err", err)
			}
			return
		}
		c.dispatch(f)
	}
}

func (c *Channel) dispatch(f Frame) {
	c.mu.Lock()
	p := c.inflight
	c.mu.Unlock()
	if p == nil || f.ID != p.id {
		c.logger.Debug("dropping stale frame", "type", f.Type, "id", f.ID)
		return
	}

	var msg reader.Message
	final := true
	switch f.Type {
	case FrameProgress:
		progress, ok := reader.ParseProgress(f.Progress)
		if !ok {
			c.logger.Debug("ignoring unknown progress", "progress", f.Progress)
			return
		}
		msg, final = reader.Message{Progress: progress}, false
	case FrameResponse:
		if f.Response == nil {
			msg.Err = reader.NewMalformedResponseError(p.op, "empty response")
			break
		}
		resp, err := f.Response.toResponse()
		if err != nil {
			msg.Err = reader.NewMalformedResponseError(p.op, err.Error())
			break
		}
		msg.Response = resp
	case FrameError:
		if f.Error == nil {
			msg.Err = reader.NewMalformedResponseError(p.op, "empty error")
			break
		}
		msg.Err = f.Error.toError(p.op)
	default:
		c.logger.Debug("ignoring frame", "type", f.Type)
		return
	}

	select {
	case p.out <- msg:
	case <-p.done:
		return
	}
	if final && c.finish(p) {
		close(p.out)
	}
}

func (c *Channel) keepAlive(interval time.Duration) {
	ticker := c.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-c.disconnected:
			return
		case <-ticker.C():
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.writeMu.Unlock()
			if err != nil {
				c.logger.Warn("keepalive ping failed", "err", err)
				c.conn.Close()
				return
			}
		}
	}
}

func (c *Channel) drop() {
	c.dropOnce.Do(func() {
		close(c.disconnected)
		c.logger.Info("reader bridge disconnected")
	})
}
