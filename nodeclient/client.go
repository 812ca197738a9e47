// Package nodeclient is the public Node Client library: it runs the
// register/auth handshake against a Gateway, maintains the connection
// with exponential-backoff reconnect, and dispatches inbound frames to
// caller-supplied handlers (spec §5).
//
// Grounded on client/transport.go's callback-setter API
// (SetOnUserList/SetOnDisconnected/... backed by a single cbMu RWMutex)
// and other_examples' heartbeat-websocket.go's ConnectSignaling/
// calculateBackoff reconnect loop, generalized from that file's
// Socket.IO-over-WebSocket framing to this module's Frame codec.
package nodeclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bken/agentmesh/internal/protocol"
)

// WSConn is the transport this client drives. *websocket.Conn satisfies
// it directly; kept distinct from internal/supervisor's WSConn since
// this is a public package and the two endpoints are implemented
// independently even though the wire shape is symmetric.
type WSConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dial opens a fresh transport connection for one session attempt.
type Dial func(ctx context.Context) (WSConn, error)

const (
	defaultBaseReconnectDelay = time.Second
	defaultMaxReconnectDelay  = 2 * time.Minute
	defaultRegistrationTimeout = 5 * time.Second
)

// closeCode classes from spec §7: 1008/4xxx-class close codes are policy
// decisions and are not retried; anything else is treated as
// retryable.
var errTerminal = errors.New("nodeclient: terminal close, not retrying")

var (
	// ErrStopped is returned by Start when Stop ends the client — during
	// an in-flight connect/register/reconnect attempt or while connected.
	ErrStopped = errors.New("nodeclient: stopped")
	// ErrReconnectExhausted is returned by Start once MaxRetries
	// reconnect attempts have failed.
	ErrReconnectExhausted = errors.New("nodeclient: reconnect attempts exhausted")
)

// Config configures a Client (spec §4.1/§5).
type Config struct {
	NodeID       string
	Capabilities protocol.Capabilities
	Token        string
	Signature    string
	PublicKey    string

	BaseReconnectDelay  time.Duration // default 1s
	MaxReconnectDelay   time.Duration // default 2m
	MaxRetries          int           // 0 = unlimited
	RegistrationTimeout time.Duration // default 5s
}

func (c *Config) setDefaults() {
	if c.BaseReconnectDelay <= 0 {
		c.BaseReconnectDelay = defaultBaseReconnectDelay
	}
	if c.MaxReconnectDelay <= 0 {
		c.MaxReconnectDelay = defaultMaxReconnectDelay
	}
	if c.RegistrationTimeout <= 0 {
		c.RegistrationTimeout = defaultRegistrationTimeout
	}
}

// Handlers are the caller's callbacks (spec §5). Any of them may be
// nil. OnMessage's returned error (or recovered panic) is reported to
// OnError wrapped as a HandlerError rather than killing the session.
type Handlers struct {
	OnConnected     func(sessionID string)
	OnDisconnected  func(reason string)
	OnReconnecting  func(attempt int, delay time.Duration)
	OnReconnected   func(sessionID string)
	OnMessage       func(msg protocol.LaneMessage) error
	OnSessionUpdate func(state protocol.SessionState)
	OnConfigChanged func(fields []string)
	OnError         func(err error)
}

// HandlerError wraps a panic or error raised by a caller-supplied
// handler so OnError can distinguish "my own callback misbehaved" from
// a transport or protocol failure.
type HandlerError struct {
	Handler string
	Err     error
}

func (e *HandlerError) Error() string { return fmt.Sprintf("nodeclient: handler %s: %v", e.Handler, e.Err) }
func (e *HandlerError) Unwrap() error { return e.Err }

// Client drives one node's connection lifecycle to a single Gateway.
type Client struct {
	cfg  Config
	dial Dial

	hMu      sync.RWMutex
	handlers Handlers

	writeMu sync.Mutex

	mu      sync.Mutex
	ws      WSConn // live connection, nil while disconnected
	cancel  context.CancelFunc
	stopped bool

	reconnects int
}

// New builds a Client. dial is called once per connection attempt;
// callers typically wrap a gorilla/websocket.Dialer or the
// internal/transport/webtransport dialer.
func New(cfg Config, dial Dial) *Client {
	cfg.setDefaults()
	return &Client{cfg: cfg, dial: dial}
}

// SetHandlers replaces the callback set. Safe to call concurrently with
// Start.
func (c *Client) SetHandlers(h Handlers) {
	c.hMu.Lock()
	c.handlers = h
	c.hMu.Unlock()
}

func (c *Client) handler() Handlers {
	c.hMu.RLock()
	defer c.hMu.RUnlock()
	return c.handlers
}

// Start connects, registers, and serves the connection until ctx is
// cancelled or Stop is called, reconnecting with jittered exponential
// backoff on any non-terminal close (spec §7). It blocks until ctx is
// done, Stop ends it, or the retry budget is exhausted.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return ErrStopped
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()
	defer cancel()

	attempt := 0
	for {
		select {
		case <-ctx.Done():
			return c.exitErr(ctx)
		default:
		}

		err := c.runSession(ctx)
		if errors.Is(err, errTerminal) {
			c.emitError(fmt.Errorf("nodeclient: terminal close, giving up: %w", err))
			return err
		}
		if c.isStopped() {
			return ErrStopped
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			slog.Warn("nodeclient session ended", "node_id", c.cfg.NodeID, "err", err)
		}
		if fn := c.handler().OnDisconnected; fn != nil {
			reason := "connection lost"
			if err != nil {
				reason = err.Error()
			}
			c.safeCall("OnDisconnected", func() { fn(reason) })
		}

		attempt++
		if c.cfg.MaxRetries > 0 && attempt > c.cfg.MaxRetries {
			c.emitError(fmt.Errorf("%w: %d attempts", ErrReconnectExhausted, c.cfg.MaxRetries))
			return fmt.Errorf("%w: %d attempts", ErrReconnectExhausted, c.cfg.MaxRetries)
		}
		delay := jittered(calculateBackoff(attempt-1, c.cfg.BaseReconnectDelay, c.cfg.MaxReconnectDelay))
		if fn := c.handler().OnReconnecting; fn != nil {
			c.safeCall("OnReconnecting", func() { fn(attempt, delay) })
		}
		slog.Info("nodeclient reconnecting", "node_id", c.cfg.NodeID, "attempt", attempt, "delay", delay)

		select {
		case <-ctx.Done():
			return c.exitErr(ctx)
		case <-time.After(delay):
		}
	}
}

// Stop ends the client deterministically (spec §4.6): a connected
// session emits node.deregister before the transport closes; an
// in-flight connect/register/reconnect attempt is cancelled and Start
// returns ErrStopped. The client never reconnects after Stop.
func (c *Client) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	ws := c.ws
	cancel := c.cancel
	c.mu.Unlock()

	if ws != nil {
		_ = c.writeFrame(ws, protocol.Frame{Kind: protocol.KindNodeDeregister, NodeID: c.cfg.NodeID})
		_ = ws.Close()
	}
	if cancel != nil {
		cancel()
	}
}

func (c *Client) isStopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

// exitErr maps a cancelled context to ErrStopped when the cancellation
// came from Stop rather than the caller's own ctx.
func (c *Client) exitErr(ctx context.Context) error {
	if c.isStopped() {
		return ErrStopped
	}
	return ctx.Err()
}

// calculateBackoff mirrors other_examples' heartbeat-websocket.go
// calculateBackoff: base * 2^attempt, capped at max.
func calculateBackoff(attempt int, base, max time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := time.Duration(math.Pow(2, float64(attempt))) * base
	if d > max {
		return max
	}
	return d
}

// jittered shaves up to a quarter off d so a fleet of nodes dropped by
// the same outage does not retry in lockstep.
func jittered(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	return d - time.Duration(rand.Int63n(int64(d)/4+1))
}

func (c *Client) runSession(ctx context.Context) error {
	ws, err := c.dial(ctx)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer ws.Close()

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return ErrStopped
	}
	c.ws = ws
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.ws = nil
		c.mu.Unlock()
	}()

	if err := c.writeFrame(ws, protocol.Frame{
		Kind:         protocol.KindNodeRegister,
		NodeID:       c.cfg.NodeID,
		Capabilities: c.cfg.Capabilities,
		Token:        c.cfg.Token,
		Signature:    c.cfg.Signature,
		PublicKey:    c.cfg.PublicKey,
	}); err != nil {
		return fmt.Errorf("send register: %w", err)
	}

	ackCh := make(chan protocol.Frame, 1)
	errCh := make(chan error, 1)
	go func() {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			errCh <- err
			return
		}
		f, err := protocol.Decode(raw)
		if err != nil {
			errCh <- err
			return
		}
		ackCh <- f
	}()

	var sessionID string
	select {
	case f := <-ackCh:
		if f.Kind == protocol.KindError {
			return fmt.Errorf("%w: %s", errTerminal, f.Error.Detail)
		}
		if f.Kind != protocol.KindNodeRegisterAck {
			return fmt.Errorf("expected node.register.ack, got %q", f.Kind)
		}
		sessionID = f.SessionID
	case err := <-errCh:
		return fmt.Errorf("read register ack: %w", err)
	case <-time.After(c.cfg.RegistrationTimeout):
		return fmt.Errorf("timed out waiting for node.register.ack")
	case <-ctx.Done():
		return ctx.Err()
	}

	reconnected := c.reconnects > 0
	c.reconnects++
	if reconnected {
		if fn := c.handler().OnReconnected; fn != nil {
			c.safeCall("OnReconnected", func() { fn(sessionID) })
		}
	} else if fn := c.handler().OnConnected; fn != nil {
		c.safeCall("OnConnected", func() { fn(sessionID) })
	}

	return c.readLoop(ctx, ws)
}

func (c *Client) readLoop(ctx context.Context, ws WSConn) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		_, raw, err := ws.ReadMessage()
		if err != nil {
			if code, terminal := terminalCloseCode(err); terminal {
				return fmt.Errorf("%w: close code %d", errTerminal, code)
			}
			return err
		}
		f, err := protocol.Decode(raw)
		if err != nil {
			c.emitError(fmt.Errorf("decode inbound frame: %w", err))
			continue
		}

		switch f.Kind {
		case protocol.KindHeartbeatPing:
			_ = c.writeFrame(ws, protocol.Frame{Kind: protocol.KindHeartbeatPong, Timestamp: f.Timestamp})

		case protocol.KindLaneMessage:
			c.dispatchMessage(ws, f)

		case protocol.KindSessionUpdate, protocol.KindSessionIdentity:
			if fn := c.handler().OnSessionUpdate; fn != nil {
				c.safeCall("OnSessionUpdate", func() { fn(f.State) })
			}

		case protocol.KindConfigChanged:
			if fn := c.handler().OnConfigChanged; fn != nil {
				c.safeCall("OnConfigChanged", func() { fn(f.Fields) })
			}

		case protocol.KindError:
			c.emitError(fmt.Errorf("gateway error: %s: %s", f.Error.Type, f.Error.Detail))
			if f.Error.Type == protocol.ProblemRateLimited {
				return fmt.Errorf("%w: %s", errTerminal, f.Error.Type)
			}

		case protocol.KindNodeDeregister:
			return fmt.Errorf("%w: deregistered by gateway", errTerminal)

		default:
			// node.register / node.register.ack / lane.message.ack are not
			// expected inbound here; ignore rather than tear down the session.
		}
	}
}

// dispatchMessage calls the caller's OnMessage handler, converting a
// panic into a HandlerError, and acks the message either way (spec
// §4.5's at-least-once contract is the Gateway's concern; the client
// always acks once the handler has run so a panicking handler doesn't
// also strand the Gateway's pending-ack bookkeeping).
func (c *Client) dispatchMessage(ws WSConn, f protocol.Frame) {
	fn := c.handler().OnMessage
	if fn == nil {
		_ = c.writeFrame(ws, protocol.Frame{Kind: protocol.KindLaneMessageAck, MessageID: f.Message.ID})
		return
	}

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return fn(f.Message)
	}()
	if err != nil {
		c.emitError(&HandlerError{Handler: "OnMessage", Err: err})
	}
	_ = c.writeFrame(ws, protocol.Frame{Kind: protocol.KindLaneMessageAck, MessageID: f.Message.ID})
}

// terminalCloseCode classifies a read error per spec §7: 1008 (policy
// violation) and the application-defined 4xxx class are terminal and
// never retried; everything else (1000/1001/1006, plain I/O errors) is
// retryable.
func terminalCloseCode(err error) (int, bool) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) && (ce.Code == websocket.ClosePolicyViolation || (ce.Code >= 4000 && ce.Code < 5000)) {
		return ce.Code, true
	}
	return 0, false
}

func (c *Client) safeCall(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.emitError(&HandlerError{Handler: name, Err: fmt.Errorf("panic: %v", r)})
		}
	}()
	fn()
}

func (c *Client) emitError(err error) {
	if fn := c.handler().OnError; fn != nil {
		fn(err)
		return
	}
	slog.Error("nodeclient error", "node_id", c.cfg.NodeID, "err", err)
}

// writeFrame serializes outbound writes against the single connection
// (grounded on client/transport.go's ctrlMu: "Control stream write
// serialisation").
func (c *Client) writeFrame(ws WSConn, f protocol.Frame) error {
	b, err := protocol.Codec{}.Encode(f)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteMessage(1, b) // 1 = websocket.TextMessage
}
