package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/time/rate"

	"github.com/MrWong99/orbvoice/internal/protocol"
)

const (
	defaultQueueSize   = 256
	defaultReadLimit   = 4 << 20
	defaultSendTimeout = 5 * time.Second
	defaultDialTimeout = 10 * time.Second
)

// Option configures a [WSConn].
type Option func(*dialOptions)

type dialOptions struct {
	queueSize   int
	readLimit   int64
	sendTimeout time.Duration
	dialTimeout time.Duration
	httpClient  *http.Client
	logger      *slog.Logger
}

// WithQueueSize sets how many decoded inbound messages may wait for a
// receiver before the reader stops pulling from the socket.
func WithQueueSize(n int) Option {
	return func(o *dialOptions) {
		if n > 0 {
			o.queueSize = n
		}
	}
}

// WithReadLimit sets the maximum inbound message size in bytes.
func WithReadLimit(n int64) Option {
	return func(o *dialOptions) { o.readLimit = n }
}

// WithSendTimeout bounds Send calls whose context carries no deadline.
func WithSendTimeout(d time.Duration) Option {
	return func(o *dialOptions) { o.sendTimeout = d }
}

// WithDialTimeout bounds the handshake when ctx carries no deadline.
func WithDialTimeout(d time.Duration) Option {
	return func(o *dialOptions) { o.dialTimeout = d }
}

// WithHTTPClient sets the client used for the upgrade request.
func WithHTTPClient(c *http.Client) Option {
	return func(o *dialOptions) { o.httpClient = c }
}

// WithLogger sets the logger for transport diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(o *dialOptions) { o.logger = l }
}

// WSConn is a [Conn] over a WebSocket.
//
// A single reader goroutine owns the socket's read side and feeds decoded
// messages into a bounded queue. Receive selects on that queue, so cancelling
// a Receive abandons nothing at the transport level.
type WSConn struct {
	ws          *websocket.Conn
	sendTimeout time.Duration
	log         *slog.Logger

	queue  chan protocol.Inbound
	done   chan struct{}
	cancel context.CancelFunc

	errMu   sync.Mutex
	readErr error

	closeOnce sync.Once
	closeErr  error

	malformed  atomic.Uint64
	warnLimit  *rate.Limiter
	suppressed atomic.Uint64
}

var _ Conn = (*WSConn)(nil)

// Dial connects to endpoint, authenticating with apiKey in the xi-api-key
// header.
func Dial(ctx context.Context, endpoint, apiKey string, opts ...Option) (*WSConn, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("%w: endpoint must not be empty", ErrInvalidConfig)
	}
	if apiKey == "" {
		return nil, fmt.Errorf("%w: api key must not be empty", ErrInvalidConfig)
	}

	o := dialOptions{
		queueSize:   defaultQueueSize,
		readLimit:   defaultReadLimit,
		sendTimeout: defaultSendTimeout,
		dialTimeout: defaultDialTimeout,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	dialCtx := ctx
	if _, ok := ctx.Deadline(); !ok && o.dialTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, o.dialTimeout)
		defer cancel()
	}

	ws, resp, err := websocket.Dial(dialCtx, endpoint, &websocket.DialOptions{
		HTTPClient: o.httpClient,
		HTTPHeader: http.Header{"xi-api-key": []string{apiKey}},
	})
	if err != nil {
		return nil, classifyDialError(resp, err)
	}
	ws.SetReadLimit(o.readLimit)

	readCtx, cancel := context.WithCancel(context.Background())
	c := &WSConn{
		ws:          ws,
		sendTimeout: o.sendTimeout,
		log:         o.logger,
		queue:       make(chan protocol.Inbound, o.queueSize),
		done:        make(chan struct{}),
		cancel:      cancel,
		warnLimit:   rate.NewLimiter(rate.Every(5*time.Second), 3),
	}
	go c.readLoop(readCtx)
	return c, nil
}

func classifyDialError(resp *http.Response, err error) error {
	if resp == nil {
		return fmt.Errorf("channel: dial: %w", err)
	}
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: status %d", ErrAuth, resp.StatusCode)
	case http.StatusBadRequest, http.StatusNotFound, http.StatusUpgradeRequired:
		return fmt.Errorf("%w: status %d", ErrRejected, resp.StatusCode)
	default:
		return fmt.Errorf("channel: dial: status %d: %w", resp.StatusCode, err)
	}
}

func (c *WSConn) readLoop(ctx context.Context) {
	defer close(c.done)
	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			c.errMu.Lock()
			c.readErr = err
			c.errMu.Unlock()
			return
		}
		if typ != websocket.MessageText {
			c.warn("channel: ignoring binary frame", "bytes", len(data))
			continue
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			c.malformed.Add(1)
			c.warn("channel: skipping malformed message", "err", err)
			continue
		}
		select {
		case c.queue <- msg:
		case <-ctx.Done():
			return
		}
	}
}

// warn logs at most a few protocol complaints per interval so a misbehaving
// peer cannot flood the log.
func (c *WSConn) warn(msg string, args ...any) {
	if !c.warnLimit.Allow() {
		c.suppressed.Add(1)
		return
	}
	if n := c.suppressed.Swap(0); n > 0 {
		args = append(args, "suppressed", n)
	}
	c.log.Warn(msg, args...)
}

// Send implements [Conn].
func (c *WSConn) Send(ctx context.Context, m protocol.Outbound) error {
	data, err := protocol.Encode(m)
	if err != nil {
		return err
	}
	if _, ok := ctx.Deadline(); !ok && c.sendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.sendTimeout)
		defer cancel()
	}
	if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
		select {
		case <-c.done:
			return fmt.Errorf("%w: send %s: %w", ErrClosed, m.Kind(), err)
		default:
			return fmt.Errorf("channel: send %s: %w", m.Kind(), err)
		}
	}
	return nil
}

// Receive implements [Conn].
func (c *WSConn) Receive(ctx context.Context, timeout time.Duration) (protocol.Inbound, error) {
	return receive(ctx, timeout, c.queue, c.done, c.closedErr)
}

func (c *WSConn) closedErr() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.readErr == nil || errors.Is(c.readErr, context.Canceled) {
		return ErrClosed
	}
	return fmt.Errorf("%w: %w", ErrClosed, c.readErr)
}

// receive is shared by every queue-backed Conn. Messages already queued are
// returned even after the connection is closed.
func receive(ctx context.Context, timeout time.Duration, queue <-chan protocol.Inbound, done <-chan struct{}, closed func() error) (protocol.Inbound, error) {
	select {
	case m := <-queue:
		return m, nil
	default:
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case m := <-queue:
		return m, nil
	case <-done:
		select {
		case m := <-queue:
			return m, nil
		default:
		}
		return nil, closed()
	case <-t.C:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done is closed when the read side has stopped.
func (c *WSConn) Done() <-chan struct{} { return c.done }

// Malformed returns how many inbound frames failed to decode.
func (c *WSConn) Malformed() uint64 { return c.malformed.Load() }

// Close implements [Conn].
func (c *WSConn) Close() error {
	c.closeOnce.Do(func() {
		err := c.ws.Close(websocket.StatusNormalClosure, "bye")
		c.cancel()
		<-c.done
		if err != nil && !errors.Is(err, net.ErrClosed) && websocket.CloseStatus(err) == -1 {
			c.closeErr = fmt.Errorf("channel: close: %w", err)
		}
	})
	return c.closeErr
}
