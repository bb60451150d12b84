package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/luciancaetano/kephaslink"
	"github.com/luciancaetano/kephaslink/internal/frame"
)

// EventType tags an Event.
type EventType int

const (
	EventOpen EventType = iota
	EventMessage
	EventError
	EventClose
)

func (t EventType) String() string {
	switch t {
	case EventOpen:
		return "open"
	case EventMessage:
		return "message"
	case EventError:
		return "error"
	case EventClose:
		return "close"
	}
	return fmt.Sprintf("EventType(%d)", int(t))
}

// Event is one item of the ordered stream returned by Conn.Events.
// EventOpen comes first, EventClose comes last and the channel is closed
// right after it.
type Event struct {
	Type   EventType
	Data   []byte
	Code   int
	Reason string
	Err    error
}

// Options tune a connection. Zero values use the defaults.
type Options struct {
	MaxMessageSize int
	// PingInterval is the keepalive period.
	PingInterval time.Duration
	WriteTimeout time.Duration
	// CloseTimeout bounds the wait for the peer's close echo.
	CloseTimeout time.Duration
	TLSConfig    *tls.Config
	Logger       *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = kephaslink.DefaultMaxMessageSize
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 54 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.CloseTimeout <= 0 {
		o.CloseTimeout = time.Second
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// Conn is a client WebSocket connection over a raw TCP or TLS stream.
type Conn struct {
	id      string
	conn    net.Conn
	r       *bufio.Reader
	opts    Options
	logger  *zap.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	sendCh  chan []byte
	events  chan Event
	writeMu sync.Mutex

	mu          sync.RWMutex
	closing     bool
	closed      bool
	localCode   int
	localReason string
	writeErr    error

	echo         chan struct{}
	shutdownOnce sync.Once
}

// Dial opens a connection to a ws:// or wss:// URL and performs the opening
// handshake. ctx bounds the dial and the handshake only.
func Dial(ctx context.Context, rawURL string, header http.Header, opts Options) (*Conn, error) {
	opts = opts.withDefaults()

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", kephaslink.ErrInvalidHandshake, err)
	}

	addr := u.Host
	if u.Port() == "" {
		port := "80"
		if u.Scheme == "wss" || u.Scheme == "https" {
			port = "443"
		}
		addr = net.JoinHostPort(u.Hostname(), port)
	}

	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	if u.Scheme == "wss" || u.Scheme == "https" {
		cfg := opts.TLSConfig.Clone()
		if cfg == nil {
			cfg = &tls.Config{}
		}
		if cfg.ServerName == "" {
			cfg.ServerName = u.Hostname()
		}
		tc := tls.Client(nc, cfg)
		if err := tc.HandshakeContext(ctx); err != nil {
			nc.Close()
			return nil, err
		}
		nc = tc
	}

	r, err := handshake(ctx, nc, u, header)
	if err != nil {
		nc.Close()
		return nil, err
	}

	connCtx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		id:     uuid.New().String(),
		conn:   nc,
		r:      r,
		opts:   opts,
		ctx:    connCtx,
		cancel: cancel,
		sendCh: make(chan []byte, 256),
		events: make(chan Event, 64),
		echo:   make(chan struct{}),
	}
	c.logger = opts.Logger.With(zap.String("conn", c.id), zap.String("remote", nc.RemoteAddr().String()))

	go c.readLoop()
	go c.writePump()

	return c, nil
}

func handshake(ctx context.Context, nc net.Conn, u *url.URL, header http.Header) (*bufio.Reader, error) {
	req, key, err := frame.BuildHandshake(u, header)
	if err != nil {
		return nil, err
	}

	if deadline, ok := ctx.Deadline(); ok {
		nc.SetDeadline(deadline)
		defer nc.SetDeadline(time.Time{})
	}
	stop := context.AfterFunc(ctx, func() {
		nc.SetDeadline(time.Now())
	})
	defer stop()

	if _, err := nc.Write(req); err != nil {
		return nil, err
	}

	r := bufio.NewReader(nc)
	resp, err := http.ReadResponse(r, nil)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%s: %w", kephaslink.ErrInvalidHandshake, err)
	}
	if err := frame.CheckHandshakeResponse(resp, key); err != nil {
		return nil, err
	}
	return r, nil
}

// ID returns a unique identifier for the connection
func (c *Conn) ID() string {
	return c.id
}

// RemoteAddr returns the peer's network address
func (c *Conn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// Events returns the ordered event stream. It must be drained until closed.
func (c *Conn) Events() <-chan Event {
	return c.events
}

// Send queues data as a masked text frame.
func (c *Conn) Send(ctx context.Context, data []byte) error {
	if len(data) > c.opts.MaxMessageSize {
		return fmt.Errorf("%s: %d bytes", kephaslink.ErrMessageTooLarge, len(data))
	}
	encoded, err := frame.BuildFrame(frame.OpText, data, true, true)
	if err != nil {
		return fmt.Errorf("%s: %w", kephaslink.ErrFailedToEncode, err)
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed || c.closing {
		return kephaslink.ErrConnectionClosed
	}

	select {
	case c.sendCh <- encoded:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return fmt.Errorf("%s: %w", kephaslink.ErrContextCancelled, kephaslink.ErrConnectionClosed)
	}
}

// Close starts the closing handshake and waits up to the close timeout for
// the peer's echo before dropping the socket. The EventClose that follows
// carries code and reason.
func (c *Conn) Close(ctx context.Context, code int, reason string) error {
	c.mu.Lock()
	if c.closed || c.closing {
		c.mu.Unlock()
		return nil
	}
	c.closing = true
	c.localCode = code
	c.localReason = reason
	c.mu.Unlock()

	data, err := frame.BuildCloseFrame(code, reason)
	if err != nil {
		c.shutdown()
		return err
	}
	if err := c.write(data); err != nil {
		c.shutdown()
		return nil
	}

	timer := time.NewTimer(c.opts.CloseTimeout)
	defer timer.Stop()
	select {
	case <-c.echo:
	case <-timer.C:
		c.logger.Debug("close echo timed out")
	case <-ctx.Done():
	}
	c.shutdown()
	return nil
}

// IsAlive returns true until the closing handshake starts.
func (c *Conn) IsAlive() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.closed && !c.closing
}

func (c *Conn) emit(ev Event) {
	c.events <- ev
}

// readLoop is the only producer of events.
func (c *Conn) readLoop() {
	c.emit(Event{Type: EventOpen})

	code, reason := kephaslink.CloseAbnormalClosure, ""
	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 32*1024)

read:
	for {
		n, err := c.r.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			msgs, rest, perr := frame.ParseFrames(buf, c.opts.MaxMessageSize)
			if perr != nil {
				c.logger.Warn("dropping connection on protocol error", zap.Error(perr))
				c.emit(Event{Type: EventError, Err: perr})
				code, reason = c.failProtocol()
				break read
			}
			buf = buf[:copy(buf, rest)]

			for _, m := range msgs {
				switch m.Opcode {
				case frame.OpText, frame.OpBinary:
					c.emit(Event{Type: EventMessage, Data: m.Payload})
				case frame.OpPing:
					if pong, err := frame.BuildFrame(frame.OpPong, m.Payload, true, true); err == nil {
						c.write(pong)
					}
				case frame.OpPong:
				case frame.OpClose:
					code, reason = c.peerClose(m.Payload)
					break read
				}
			}
		}
		if err != nil {
			if local, lc, lr := c.localClose(); local {
				code, reason = lc, lr
			} else if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				c.emit(Event{Type: EventError, Err: err})
			} else if werr := c.lastWriteErr(); werr != nil {
				c.emit(Event{Type: EventError, Err: werr})
			}
			break read
		}
	}

	c.shutdown()
	c.logger.Debug("connection closed", zap.Int("code", code), zap.String("reason", reason))
	c.emit(Event{Type: EventClose, Code: code, Reason: reason})
	close(c.events)
}

// peerClose handles a close frame. A close we initiated ends with our own
// code; a close the peer initiated is echoed and reported with its code.
func (c *Conn) peerClose(payload []byte) (int, string) {
	if local, lc, lr := c.localClose(); local {
		close(c.echo)
		return lc, lr
	}

	code, reason, err := frame.ParseClosePayload(payload)
	if err != nil {
		c.emit(Event{Type: EventError, Err: err})
		code, reason = kephaslink.CloseProtocolError, ""
	}

	c.mu.Lock()
	c.closing = true
	c.mu.Unlock()

	echoCode := code
	if err != nil {
		echoCode = kephaslink.CloseProtocolError
	}
	if data, err := frame.BuildCloseFrame(echoCode, ""); err == nil {
		c.write(data)
	}
	return code, reason
}

func (c *Conn) failProtocol() (int, string) {
	c.mu.Lock()
	c.closing = true
	c.localCode = kephaslink.CloseProtocolError
	c.localReason = ""
	c.mu.Unlock()

	if data, err := frame.BuildCloseFrame(kephaslink.CloseProtocolError, ""); err == nil {
		c.write(data)
	}
	return kephaslink.CloseProtocolError, ""
}

func (c *Conn) localClose() (bool, int, string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closing && c.localCode != 0 {
		return true, c.localCode, c.localReason
	}
	return false, 0, ""
}

func (c *Conn) lastWriteErr() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.writeErr
}

// writePump pumps frames from the send channel to the socket and keeps the
// connection alive with pings.
func (c *Conn) writePump() {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case data := <-c.sendCh:
			if err := c.write(data); err != nil {
				c.failWrite(err)
				return
			}

		case <-ticker.C:
			ping, _ := frame.BuildFrame(frame.OpPing, nil, true, true)
			if err := c.write(ping); err != nil {
				c.failWrite(err)
				return
			}

		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Conn) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	_, err := c.conn.Write(data)
	return err
}

func (c *Conn) failWrite(err error) {
	c.logger.Warn("write failed", zap.Error(err))
	c.mu.Lock()
	if c.writeErr == nil {
		c.writeErr = err
	}
	c.mu.Unlock()
	c.conn.Close()
}

// shutdown cancels the connection context before taking the lock so that a
// Send blocked on a full queue can return.
func (c *Conn) shutdown() {
	c.shutdownOnce.Do(func() {
		c.cancel()
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		c.conn.Close()
	})
}
