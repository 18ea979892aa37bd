// Package signaling is the client side of the signaling channel: one
// websocket connection carrying named JSON events.
package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"
	"github.com/mossy-p/webrtc-meet/internal/models"
	"github.com/olebedev/emitter"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 1 << 20

	connectionTopic = "gateway:connection"
)

type Options struct {
	URL    string
	Header http.Header

	// ReconnectAttempts bounds redials after the connection drops. Zero
	// disables reconnecting.
	ReconnectAttempts int
	ReconnectDelay    time.Duration

	Dialer *websocket.Dialer
}

// Gateway owns at most one websocket connection. Inbound events are
// dispatched to subscribers on the read goroutine in arrival order.
type Gateway struct {
	opts   Options
	events *emitter.Emitter
	logger zerolog.Logger

	connected atomic.Bool
	outbox    chan []byte

	mu      sync.Mutex
	running bool
	conn    *websocket.Conn
	cancel  context.CancelFunc
	stopped chan struct{}
}

func New(opts Options) *Gateway {
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = time.Second
	}
	e := &emitter.Emitter{}
	e.Use("*", emitter.Void)
	return &Gateway{
		opts:   opts,
		events: e,
		logger: log.With().Str("component", "signaling").Logger(),
		outbox: make(chan []byte, 256),
	}
}

// Connect dials the server. The gateway counts as connected when Connect
// returns nil, so Send can follow immediately. It is a no-op while a
// connection, or a redial loop, is already running.
func (g *Gateway) Connect(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.running {
		return nil
	}
	conn, err := g.dial(ctx)
	if err != nil {
		return &SignalingError{Event: "connect", Err: err}
	}
	runCtx, cancel := context.WithCancel(context.Background())
	g.running = true
	g.cancel = cancel
	g.stopped = make(chan struct{})
	g.adoptLocked(conn)
	go g.run(runCtx, conn, g.stopped)
	return nil
}

// adoptLocked makes conn the current connection. Anything still queued for
// a previous connection is dropped.
func (g *Gateway) adoptLocked(conn *websocket.Conn) {
	g.conn = conn
drain:
	for {
		select {
		case <-g.outbox:
		default:
			break drain
		}
	}
	g.setConnected(true)
}

// Disconnect closes the connection and stops reconnecting.
func (g *Gateway) Disconnect() {
	g.mu.Lock()
	if !g.running {
		g.mu.Unlock()
		return
	}
	g.cancel()
	if g.conn != nil {
		_ = g.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
		_ = g.conn.Close()
	}
	stopped := g.stopped
	g.mu.Unlock()
	<-stopped
}

func (g *Gateway) Connected() bool { return g.connected.Load() }

// Send queues event for delivery on the current connection.
func (g *Gateway) Send(event string, payload any) error {
	if !g.Connected() {
		return &SignalingError{Event: event, Err: ErrNotConnected}
	}
	env, err := models.NewEnvelope(event, payload)
	if err != nil {
		return &SignalingError{Event: event, Err: err}
	}
	data, err := json.Marshal(env)
	if err != nil {
		return &SignalingError{Event: event, Err: err}
	}
	select {
	case g.outbox <- data:
		return nil
	default:
		return &SignalingError{Event: event, Err: errors.New("send buffer full")}
	}
}

// On subscribes fn to inbound events named event. Handlers run on the read
// goroutine while the event bus is locked: they must not subscribe,
// cancel a subscription or call Disconnect synchronously.
func (g *Gateway) On(event string, fn func(json.RawMessage)) (cancel func()) {
	ch := g.events.On(event, func(e *emitter.Event) {
		data, _ := e.Args[0].(json.RawMessage)
		fn(data)
	})
	return func() { g.events.Off(event, ch) }
}

// OnConnectionChange subscribes fn to connected/disconnected transitions.
// The same restrictions as for On apply.
func (g *Gateway) OnConnectionChange(fn func(connected bool)) (cancel func()) {
	ch := g.events.On(connectionTopic, func(e *emitter.Event) {
		connected, _ := e.Args[0].(bool)
		fn(connected)
	})
	return func() { g.events.Off(connectionTopic, ch) }
}

func (g *Gateway) setConnected(v bool) {
	if g.connected.Swap(v) == v {
		return
	}
	g.logger.Info().Bool("connected", v).Str("url", g.opts.URL).Msg("signaling connection changed")
	g.events.Emit(connectionTopic, v)
}

func (g *Gateway) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, resp, err := g.opts.Dialer.DialContext(ctx, g.opts.URL, g.opts.Header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(maxMessageSize)
	return conn, nil
}

func (g *Gateway) run(ctx context.Context, conn *websocket.Conn, stopped chan struct{}) {
	defer func() {
		g.mu.Lock()
		g.running = false
		g.conn = nil
		g.mu.Unlock()
		close(stopped)
	}()

	for {
		g.serve(conn)
		g.setConnected(false)
		if ctx.Err() != nil || g.opts.ReconnectAttempts <= 0 {
			return
		}

		next, err := g.redial(ctx)
		if err != nil {
			g.logger.Error().Err(err).Msg("giving up on signaling connection")
			return
		}
		g.mu.Lock()
		if ctx.Err() != nil {
			// Disconnect ran while the redial was in flight
			g.mu.Unlock()
			next.Close()
			return
		}
		g.adoptLocked(next)
		g.mu.Unlock()
		conn = next
	}
}

func (g *Gateway) redial(ctx context.Context) (*websocket.Conn, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = g.opts.ReconnectDelay
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(g.opts.ReconnectAttempts)), ctx)

	var conn *websocket.Conn
	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		c, err := g.dial(ctx)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}, policy, func(err error, wait time.Duration) {
		g.logger.Warn().Err(err).Int("attempt", attempt).Dur("retryIn", wait).Msg("signaling redial failed")
	})
	if err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		conn.Close()
		return nil, ctx.Err()
	}
	return conn, nil
}

// serve pumps one connection until it breaks.
func (g *Gateway) serve(conn *websocket.Conn) {
	done := make(chan struct{})
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		g.writePump(conn, done)
	}()

	g.readPump(conn)
	close(done)
	<-writerDone
}

func (g *Gateway) readPump(conn *websocket.Conn) {
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				g.logger.Warn().Err(err).Msg("signaling read failed")
			}
			return
		}
		var env models.Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			g.logger.Warn().Err(err).Msg("malformed signaling frame")
			continue
		}
		g.logger.Trace().Str("event", env.Event).Msg("signaling event")
		g.events.Emit(env.Event, env.Data)
	}
}

func (g *Gateway) writePump(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case message := <-g.outbox:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				g.logger.Warn().Err(err).Msg("signaling write failed")
				conn.Close()
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				conn.Close()
				return
			}
		}
	}
}
