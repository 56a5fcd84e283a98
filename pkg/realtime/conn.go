package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rubiojr/shopsync/pkg/log"
	"github.com/rubiojr/shopsync/pkg/metrics"
)

// State of a Conn.
type State int32

const (
	StateClosed State = iota
	StateConnecting
	StateOpen
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

var (
	// ErrAlreadyConnected is returned by Connect while a connection is open
	// or being opened.
	ErrAlreadyConnected = errors.New("already connected")
	// ErrDisconnected is returned by Connect when Disconnect raced the handshake.
	ErrDisconnected = errors.New("disconnected while connecting")
)

const (
	DefaultBackoffBase          = time.Second
	DefaultMaxBackoff           = 30 * time.Second
	DefaultMaxReconnectAttempts = 5
	DefaultHeartbeatInterval    = 30 * time.Second

	handshakeTimeout = 15 * time.Second
	writeTimeout     = 10 * time.Second
)

// Timer is the part of *time.Timer the reconnect scheduler needs.
type Timer interface {
	Stop() bool
}

// Scheduler runs fn once after d. time.AfterFunc is the default.
type Scheduler func(d time.Duration, fn func()) Timer

// DialFunc opens the websocket. The default uses gorilla's dialer.
type DialFunc func(ctx context.Context, url string) (*websocket.Conn, error)

type Options struct {
	URL   string
	Token string

	BackoffBase          time.Duration
	MaxBackoff           time.Duration
	MaxReconnectAttempts int
	HeartbeatInterval    time.Duration

	// Router receives inbound frames and lifecycle events. A new one is
	// created when nil.
	Router   *Router
	Metrics  *metrics.Registry
	Schedule Scheduler
	Dial     DialFunc
}

func (o *Options) applyDefaults() {
	if o.BackoffBase <= 0 {
		o.BackoffBase = DefaultBackoffBase
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = DefaultMaxBackoff
	}
	if o.MaxReconnectAttempts <= 0 {
		o.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if o.Schedule == nil {
		o.Schedule = func(d time.Duration, fn func()) Timer { return time.AfterFunc(d, fn) }
	}
	if o.Dial == nil {
		dialer := websocket.Dialer{
			Proxy:            websocket.DefaultDialer.Proxy,
			HandshakeTimeout: handshakeTimeout,
		}
		o.Dial = func(ctx context.Context, u string) (*websocket.Conn, error) {
			ws, _, err := dialer.DialContext(ctx, u, nil)
			return ws, err
		}
	}
}

// Backoff returns the delay before reconnect attempt n (1-based):
// base * 2^(n-1), capped at maxDelay.
func Backoff(base, maxDelay time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxDelay {
			return maxDelay
		}
	}
	if d > maxDelay {
		return maxDelay
	}
	return d
}

// Conn owns one websocket to the realtime server. It reconnects with
// exponential backoff after unexpected closes and gives up for good after
// MaxReconnectAttempts consecutive failures. Only Disconnect stops it
// deliberately.
type Conn struct {
	opts    Options
	url     string
	router  *Router
	logger  *log.Logger
	metrics *metrics.Registry

	mu                  sync.Mutex
	state               State
	ws                  *websocket.Conn
	attempts            int
	intentionallyClosed bool
	gaveUp              bool
	reconnectTimer      Timer
	stopHeartbeat       chan struct{}

	writeMu sync.Mutex
}

func NewConn(opts Options) (*Conn, error) {
	opts.applyDefaults()
	u, err := connURL(opts.URL, opts.Token)
	if err != nil {
		return nil, err
	}
	m := metrics.OrNew(opts.Metrics)
	router := opts.Router
	if router == nil {
		router = NewRouter(m)
	}
	return &Conn{
		opts:    opts,
		url:     u,
		router:  router,
		logger:  log.ForService("realtime").Named("conn"),
		metrics: m,
		state:   StateClosed,
	}, nil
}

func connURL(raw, token string) (string, error) {
	if raw == "" {
		return "", errors.New("realtime: empty server url")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("realtime: parsing url %q: %w", raw, err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("realtime: unsupported url scheme %q", u.Scheme)
	}
	if token != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func (c *Conn) Router() *Router { return c.router }

func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ReconnectAttempts returns the number of consecutive failed connections
// since the last successful open.
func (c *Conn) ReconnectAttempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

func (c *Conn) IntentionallyClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.intentionallyClosed
}

// Connect opens the channel and returns once the handshake succeeded. A
// failed initial connect is returned to the caller and not retried.
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateConnecting || c.state == StateOpen {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.state = StateConnecting
	c.intentionallyClosed = false
	c.gaveUp = false
	c.attempts = 0
	c.stopReconnectLocked()
	c.mu.Unlock()

	c.logger.Debugf("connecting to %s", c.opts.URL)
	ws, err := c.opts.Dial(ctx, c.url)
	if err != nil {
		c.mu.Lock()
		c.state = StateClosed
		c.mu.Unlock()
		return fmt.Errorf("realtime: connecting to %s: %w", c.opts.URL, err)
	}
	return c.opened(ws)
}

func (c *Conn) opened(ws *websocket.Conn) error {
	c.mu.Lock()
	if c.intentionallyClosed {
		c.state = StateClosed
		c.mu.Unlock()
		_ = ws.Close()
		return ErrDisconnected
	}
	c.ws = ws
	c.state = StateOpen
	c.attempts = 0
	stop := make(chan struct{})
	c.stopHeartbeat = stop
	c.mu.Unlock()

	c.logger.Infof("connected to %s", c.opts.URL)
	go c.heartbeat(stop)
	go c.readLoop(ws)
	c.router.Emit(EventConnected, nil)
	return nil
}

// Disconnect closes the channel and disables reconnection. It does not
// wait for in-flight sends.
func (c *Conn) Disconnect() {
	c.mu.Lock()
	c.intentionallyClosed = true
	c.stopReconnectLocked()
	c.stopHeartbeatLocked()
	ws := c.ws
	c.ws = nil
	if ws != nil {
		c.state = StateClosing
	} else {
		c.state = StateClosed
	}
	c.mu.Unlock()

	if ws == nil {
		return
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")
	_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	_ = ws.Close()

	c.mu.Lock()
	if c.state == StateClosing {
		c.state = StateClosed
	}
	c.mu.Unlock()
	c.logger.Infof("disconnected from %s", c.opts.URL)
}

// Send transmits one client frame. It returns false, after logging, when
// the channel is not open or the write fails. Nothing is queued.
func (c *Conn) Send(event EventName, data any) bool {
	c.mu.Lock()
	ws, state := c.ws, c.state
	c.mu.Unlock()

	if state != StateOpen || ws == nil {
		c.metrics.FramesDropped.Inc()
		c.logger.Warnf("not connected (%s), dropping %s", state, event)
		return false
	}

	f, err := NewFrame(FrameClient, event, data, time.Now())
	if err != nil {
		c.metrics.FramesDropped.Inc()
		c.logger.Errorf("dropping %s: %v", event, err)
		return false
	}

	c.writeMu.Lock()
	_ = ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	err = ws.WriteJSON(f)
	c.writeMu.Unlock()
	if err != nil {
		c.metrics.FramesDropped.Inc()
		c.logger.Warnf("sending %s: %v", event, err)
		return false
	}
	c.metrics.FramesSent.Inc()
	return true
}

func (c *Conn) heartbeat(stop <-chan struct{}) {
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.Send(EventPing, nil)
		}
	}
}

// readLoop dispatches frames in arrival order until the socket fails.
func (c *Conn) readLoop(ws *websocket.Conn) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			c.closed(ws, err)
			return
		}
		c.metrics.FramesReceived.Inc()
		c.router.Dispatch(data)
	}
}

// closed handles the end of ws. Closes caused by Disconnect are ignored.
func (c *Conn) closed(ws *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.ws != ws {
		c.mu.Unlock()
		return
	}
	c.ws = nil
	c.state = StateClosed
	c.stopHeartbeatLocked()
	if c.intentionallyClosed {
		c.mu.Unlock()
		return
	}
	_ = ws.Close()
	delay, attempt, terminal := c.scheduleReconnectLocked()
	c.mu.Unlock()

	c.logger.Warnf("connection lost: %v", cause)
	c.afterFailure(cause, delay, attempt, terminal)
}

// reconnect runs from the reconnect timer.
func (c *Conn) reconnect() {
	c.mu.Lock()
	if c.intentionallyClosed || c.state != StateClosed {
		c.mu.Unlock()
		return
	}
	c.reconnectTimer = nil
	c.state = StateConnecting
	attempt := c.attempts
	c.mu.Unlock()

	c.logger.Infof("reconnecting to %s (attempt %d/%d)", c.opts.URL, attempt, c.opts.MaxReconnectAttempts)
	ctx, cancel := context.WithTimeout(context.Background(), handshakeTimeout)
	ws, err := c.opts.Dial(ctx, c.url)
	cancel()
	if err == nil {
		if err := c.opened(ws); err != nil {
			c.logger.Debugf("reconnect abandoned: %v", err)
		}
		return
	}

	c.mu.Lock()
	if c.intentionallyClosed {
		c.state = StateClosed
		c.mu.Unlock()
		return
	}
	c.state = StateClosed
	delay, attempt, terminal := c.scheduleReconnectLocked()
	c.mu.Unlock()

	c.logger.Warnf("reconnect failed: %v", err)
	c.afterFailure(err, delay, attempt, terminal)
}

// scheduleReconnectLocked counts a failure and either arms the reconnect
// timer or reports that the retry budget is spent. c.mu must be held.
func (c *Conn) scheduleReconnectLocked() (delay time.Duration, attempt int, terminal bool) {
	c.attempts++
	attempt = c.attempts
	if attempt > c.opts.MaxReconnectAttempts {
		if c.gaveUp {
			return 0, attempt, false
		}
		c.gaveUp = true
		return 0, attempt, true
	}
	delay = Backoff(c.opts.BackoffBase, c.opts.MaxBackoff, attempt)
	c.reconnectTimer = c.opts.Schedule(delay, c.reconnect)
	return delay, attempt, false
}

func (c *Conn) afterFailure(cause error, delay time.Duration, attempt int, terminal bool) {
	if terminal {
		c.metrics.ReconnectGiveUps.Inc()
		c.logger.Errorf("giving up on %s after %d reconnect attempts", c.opts.URL, c.opts.MaxReconnectAttempts)
		c.router.Emit(EventMaxReconnectAttempts, ReconnectExhausted{Attempts: c.opts.MaxReconnectAttempts})
		return
	}
	if delay == 0 {
		return
	}
	c.metrics.ReconnectAttempts.Inc()
	c.logger.Infof("reconnect attempt %d in %s", attempt, delay)
	c.router.Emit(EventDisconnected, Disconnected{
		Error:      cause.Error(),
		Attempt:    attempt,
		RetryInSec: delay.Seconds(),
	})
}

func (c *Conn) stopReconnectLocked() {
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
}

func (c *Conn) stopHeartbeatLocked() {
	if c.stopHeartbeat != nil {
		close(c.stopHeartbeat)
		c.stopHeartbeat = nil
	}
}
