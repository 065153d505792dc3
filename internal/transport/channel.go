// Package transport implements the single full-duplex websocket between the
// bridge and the remote conversational endpoint.
//
// Outbound traffic is raw PCM16 in binary frames plus small JSON control
// envelopes in text frames. Inbound binary frames are synthesized speech;
// inbound text frames are decoded into typed [Message] values. Text frames
// that are not JSON are logged and discarded without affecting the channel.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/theintaker/voicebridge/internal/observe"
)

// Defaults used when the corresponding [Config] field is zero.
const (
	DefaultTokenParam        = "token"
	DefaultDialTimeout       = 10 * time.Second
	DefaultKeepaliveInterval = 20 * time.Second
	DefaultKeepaliveTimeout  = 5 * time.Second
	DefaultReadLimit         = 1 << 20
	DefaultInboundBuffer     = 64
)

// Close codes used by the remote endpoint.
const (
	// StatusAuthFailed is sent when the capability token is rejected.
	StatusAuthFailed websocket.StatusCode = 4001
)

// ErrClosed is returned by send methods after [Channel.Close].
var ErrClosed = errors.New("transport: channel closed")

// Error reports a transport failure. Op is "dial", "read", "write" or
// "keepalive". Code is the websocket close status when the remote closed the
// connection, otherwise -1.
type Error struct {
	Op   string
	Code websocket.StatusCode
	Err  error
}

// Error implements error.
func (e *Error) Error() string {
	if e.Code >= 0 {
		return fmt.Sprintf("transport: %s: closed with status %d: %v", e.Op, int(e.Code), e.Err)
	}
	return fmt.Sprintf("transport: %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// Normal reports whether the remote closed the connection cleanly.
func (e *Error) Normal() bool {
	return e.Code == websocket.StatusNormalClosure || e.Code == websocket.StatusGoingAway
}

// Config describes how to reach the remote endpoint.
type Config struct {
	// URL is the ws:// or wss:// endpoint.
	URL string

	// Token is the short-lived capability token. It is sent as a query
	// parameter named TokenParam. An empty token is not sent.
	Token string

	// TokenParam defaults to "token".
	TokenParam string

	// Header is sent with the opening handshake.
	Header http.Header

	// DialTimeout bounds the opening handshake. Default: 10s.
	DialTimeout time.Duration

	// KeepaliveInterval is the ping period. Default: 20s. Negative disables
	// keepalive.
	KeepaliveInterval time.Duration

	// KeepaliveTimeout bounds each ping. Default: 5s.
	KeepaliveTimeout time.Duration

	// ReadLimit is the maximum inbound message size. Default: 1 MiB.
	ReadLimit int64

	// InboundBuffer is the capacity of the [Channel.Inbound] channel.
	// Default: 64.
	InboundBuffer int

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Metrics is optional.
	Metrics *observe.Metrics
}

func (c *Config) applyDefaults() {
	if c.TokenParam == "" {
		c.TokenParam = DefaultTokenParam
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.KeepaliveInterval == 0 {
		c.KeepaliveInterval = DefaultKeepaliveInterval
	}
	if c.KeepaliveTimeout == 0 {
		c.KeepaliveTimeout = DefaultKeepaliveTimeout
	}
	if c.ReadLimit == 0 {
		c.ReadLimit = DefaultReadLimit
	}
	if c.InboundBuffer == 0 {
		c.InboundBuffer = DefaultInboundBuffer
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// endpointURL returns cfg.URL with the token query parameter applied.
func endpointURL(cfg Config) (string, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if cfg.Token != "" {
		q := u.Query()
		q.Set(cfg.TokenParam, cfg.Token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// ── Channel ────────────────────────────────────────────────────────────────────

// Channel is an open connection to the remote endpoint. Send methods are safe
// for concurrent use.
type Channel struct {
	conn    *websocket.Conn
	inbound chan Message
	log     *slog.Logger
	metrics *observe.Metrics

	mu     sync.Mutex
	errVal error
	closed bool
	done   chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
}

// Dial opens the websocket. The handshake is bounded by both ctx and
// cfg.DialTimeout. On failure the error is a [*Error] with Op "dial".
func Dial(ctx context.Context, cfg Config) (*Channel, error) {
	cfg.applyDefaults()

	target, err := endpointURL(cfg)
	if err != nil {
		return nil, &Error{Op: "dial", Code: -1, Err: err}
	}

	dialCtx, dialCancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer dialCancel()

	conn, resp, err := websocket.Dial(dialCtx, target, &websocket.DialOptions{
		HTTPHeader: cfg.Header,
	})
	if err != nil {
		code := websocket.StatusCode(-1)
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			code = StatusAuthFailed
		}
		if cfg.Metrics != nil {
			cfg.Metrics.RecordTransportError(ctx, "dial")
		}
		return nil, &Error{Op: "dial", Code: code, Err: err}
	}
	conn.SetReadLimit(cfg.ReadLimit)

	chCtx, chCancel := context.WithCancel(context.Background())
	c := &Channel{
		conn:    conn,
		inbound: make(chan Message, cfg.InboundBuffer),
		log:     cfg.Logger,
		metrics: cfg.Metrics,
		done:    make(chan struct{}),
		ctx:     chCtx,
		cancel:  chCancel,
	}

	go c.receiveLoop()
	if cfg.KeepaliveInterval > 0 {
		go c.keepaliveLoop(cfg.KeepaliveInterval, cfg.KeepaliveTimeout)
	}
	return c, nil
}

// Inbound returns the channel of decoded inbound messages. It is closed when
// the connection ends for any reason; [Channel.Err] then reports why.
func (c *Channel) Inbound() <-chan Message { return c.inbound }

// Err returns the error that ended the connection, or nil if it was closed
// locally or is still open.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errVal
}

// SendAudio writes one binary PCM16 frame.
func (c *Channel) SendAudio(ctx context.Context, pcm []byte) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	if err := c.conn.Write(ctx, websocket.MessageBinary, pcm); err != nil {
		return c.writeErr(err)
	}
	return nil
}

// SendControl writes a JSON control envelope.
func (c *Channel) SendControl(ctx context.Context, msg ControlMessage) error {
	return c.writeJSON(ctx, msg)
}

// SendText writes a plain text frame. The remote treats it as typed user
// input.
func (c *Channel) SendText(ctx context.Context, text string) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	if err := c.conn.Write(ctx, websocket.MessageText, []byte(text)); err != nil {
		return c.writeErr(err)
	}
	return nil
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (c *Channel) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("transport: marshal: %w", err)
	}
	if err := c.checkOpen(); err != nil {
		return err
	}
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return c.writeErr(err)
	}
	return nil
}

func (c *Channel) checkOpen() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	return nil
}

func (c *Channel) writeErr(err error) error {
	if c.metrics != nil {
		c.metrics.RecordTransportError(context.Background(), "write")
	}
	return &Error{Op: "write", Code: websocket.CloseStatus(err), Err: err}
}

// receiveLoop reads messages from the WebSocket and dispatches them.
// It owns inbound and closes it when it exits.
func (c *Channel) receiveLoop() {
	defer close(c.inbound)

	for {
		typ, data, err := c.conn.Read(c.ctx)
		if err != nil {
			// A local Close is not an error.
			if c.ctx.Err() != nil || c.isClosed() {
				return
			}
			c.setErr(&Error{Op: "read", Code: websocket.CloseStatus(err), Err: err})
			if c.metrics != nil && !c.errNormal() {
				c.metrics.RecordTransportError(context.Background(), "read")
			}
			c.cancel()
			return
		}

		var msg Message
		switch typ {
		case websocket.MessageBinary:
			msg = Message{Kind: KindAudio, Audio: data}
			if c.metrics != nil {
				c.metrics.BytesReceived.Add(c.ctx, int64(len(data)))
			}
		default:
			m, err := DecodeText(data)
			if err != nil {
				c.log.Warn("transport: discarding inbound frame", "err", err)
				if c.metrics != nil {
					c.metrics.DecodeErrors.Add(c.ctx, 1)
				}
				continue
			}
			msg = m
		}

		select {
		case c.inbound <- msg:
		case <-c.ctx.Done():
			return
		case <-c.done:
			return
		}
	}
}

// keepaliveLoop pings the remote so idle intermediaries keep the connection
// open. A failed ping ends the connection.
func (c *Channel) keepaliveLoop(interval, timeout time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(c.ctx, timeout)
			err := c.conn.Ping(pingCtx)
			cancel()
			if err != nil && c.ctx.Err() == nil {
				c.setErr(&Error{Op: "keepalive", Code: -1, Err: err})
				if c.metrics != nil {
					c.metrics.RecordTransportError(context.Background(), "keepalive")
				}
				c.log.Warn("transport: keepalive failed", "err", err)
				c.cancel()
				_ = c.conn.CloseNow()
				return
			}
		}
	}
}

func (c *Channel) setErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.errVal == nil {
		c.errVal = err
	}
}

func (c *Channel) errNormal() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	var te *Error
	return errors.As(c.errVal, &te) && te.Normal()
}

// Close terminates the connection with a normal closure. Idempotent.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	close(c.done) // signals keepaliveLoop via done channel
	err := c.conn.Close(websocket.StatusNormalClosure, "session closed")
	c.cancel() // unblocks receiveLoop if the handshake did not
	if err != nil {
		c.log.Debug("transport: close handshake incomplete", "err", err)
	}
	return nil
}

func (c *Channel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
