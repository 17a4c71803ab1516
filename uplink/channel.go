// Package uplink keeps one persistent websocket to the transcription server.
// Audio chunks go out as binary messages; every other event travels as a
// JSON envelope {"event": name, "data": payload}.
package uplink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"whisperdeck/log"
	"whisperdeck/metrics"
)

const (
	EventAudioData             = "audio_data"
	EventTranscriptionResponse = "transcription_response"
	EventError                 = "error"
)

var (
	ErrNotConnected = errors.New("channel not connected")
	ErrClosed       = errors.New("channel closed")
)

// ChannelError is reported once the channel has used up its handshake
// attempts. The channel stays disconnected afterwards.
type ChannelError struct {
	Attempt int
	Err     error
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("channel gave up after %d attempts: %v", e.Attempt, e.Err)
}

func (e *ChannelError) Unwrap() error { return e.Err }

type Config struct {
	URL string
	// ReconnectAttempts is how many consecutive handshakes may fail after the
	// first one before the channel gives up.
	ReconnectAttempts int
	ConnectTimeout    time.Duration
	ReconnectDelay    time.Duration
	WriteTimeout      time.Duration
	PingInterval      time.Duration
	ReadLimit         int64
	// SendQueue bounds the audio chunks waiting for the sender. EmitAudio
	// drops a chunk when the queue is full.
	SendQueue         int
	AutoConnect       bool
	Header            http.Header
}

func DefaultConfig(url string) Config {
	return Config{
		URL:               url,
		ReconnectAttempts: 5,
		ConnectTimeout:    60 * time.Second,
		ReconnectDelay:    time.Second,
		WriteTimeout:      10 * time.Second,
		PingInterval:      30 * time.Second,
		ReadLimit:         1 << 20,
		SendQueue:         32,
		AutoConnect:       true,
	}
}

// Handler receives the raw data payload of one inbound event.
type Handler func(data json.RawMessage)

type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type Stats struct {
	Sent       int
	Dropped    int
	SentBytes  int
	Received   int
	Connects   int
	Reconnects int
}

// Channel owns the ConnectionState. It is the only writer of the connected
// flag; any goroutine may read it.
type Channel struct {
	cfg     Config
	metrics *metrics.Metrics

	connected atomic.Bool
	closing   atomic.Bool

	mu         sync.Mutex
	conn       *websocket.Conn
	connID     string
	handlers   map[string][]Handler
	stateHooks []func(connected bool)

	audioCh  chan []byte
	sendDone chan struct{}

	ctx     context.Context
	cancel  context.CancelFunc
	runOnce sync.Once
	done    chan struct{}
	err     error

	sent       atomic.Int64
	dropped    atomic.Int64
	sentBytes  atomic.Int64
	received   atomic.Int64
	connects   atomic.Int64
	reconnects atomic.Int64
}

// New creates a channel and, when cfg.AutoConnect is set, starts connecting
// in the background. m may be nil.
func New(cfg Config, m *metrics.Metrics) *Channel {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 60 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.SendQueue <= 0 {
		cfg.SendQueue = 32
	}
	if m == nil {
		m = metrics.Discard()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Channel{
		cfg:      cfg,
		metrics:  m,
		handlers: make(map[string][]Handler),
		audioCh:  make(chan []byte, cfg.SendQueue),
		sendDone: make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go c.runSender()
	if cfg.AutoConnect {
		c.Connect()
	}
	return c
}

// Connect starts the connection loop. Calling it again is a no-op.
func (c *Channel) Connect() {
	c.runOnce.Do(func() { go c.run() })
}

func (c *Channel) Connected() bool { return c.connected.Load() }

// On registers h for inbound events named event. Handlers run on the reader
// goroutine in arrival order; a slow handler delays the next event.
func (c *Channel) On(event string, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[event] = append(c.handlers[event], h)
}

// OnStateChange registers fn to be called on every connect and disconnect.
func (c *Channel) OnStateChange(fn func(connected bool)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stateHooks = append(c.stateHooks, fn)
}

// EmitAudio queues one encoded chunk for the sender goroutine and never
// blocks. The chunk is dropped and false returned while disconnected or
// when the send queue is full.
func (c *Channel) EmitAudio(chunk []byte) bool {
	if !c.connected.Load() || c.ctx.Err() != nil {
		c.drop()
		return false
	}
	select {
	case c.audioCh <- chunk:
		return true
	default:
		c.drop()
		return false
	}
}

// runSender writes queued chunks as audio_data messages until Close.
func (c *Channel) runSender() {
	defer close(c.sendDone)
	for {
		select {
		case <-c.ctx.Done():
			return
		case chunk := <-c.audioCh:
			c.send(chunk)
		}
	}
}

func (c *Channel) send(chunk []byte) {
	conn := c.current()
	if conn == nil {
		c.drop()
		return
	}
	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.WriteTimeout)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
		if c.ctx.Err() == nil {
			log.Warnf("audio_data write failed: %v", err)
		}
		c.drop()
		return
	}
	c.sent.Add(1)
	c.sentBytes.Add(int64(len(chunk)))
	c.metrics.ChunksSent.Inc()
	c.metrics.ChunkBytes.Observe(float64(len(chunk)))
}

func (c *Channel) drop() {
	c.dropped.Add(1)
	c.metrics.ChunksDropped.Inc()
}

// Emit sends a named JSON event.
func (c *Channel) Emit(ctx context.Context, event string, data any) error {
	conn := c.current()
	if conn == nil {
		return ErrNotConnected
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", event, err)
	}
	msg, err := json.Marshal(envelope{Event: event, Data: payload})
	if err != nil {
		return fmt.Errorf("encoding %s: %w", event, err)
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.WriteTimeout)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, msg); err != nil {
		return fmt.Errorf("writing %s: %w", event, err)
	}
	return nil
}

// Close shuts the channel down and waits for the connection loop to exit.
func (c *Channel) Close() error {
	if !c.closing.CompareAndSwap(false, true) {
		<-c.done
		<-c.sendDone
		return nil
	}
	c.runOnce.Do(func() {
		c.err = ErrClosed
		close(c.done)
	})
	if conn := c.current(); conn != nil {
		conn.Close(websocket.StatusNormalClosure, "")
	}
	c.cancel()
	<-c.done
	<-c.sendDone
	return nil
}

// Done is closed when the connection loop exits, either after Close or after
// the channel gave up.
func (c *Channel) Done() <-chan struct{} { return c.done }

// Err returns the reason the loop exited: ErrClosed or a *ChannelError.
func (c *Channel) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

func (c *Channel) Stats() Stats {
	return Stats{
		Sent:       int(c.sent.Load()),
		Dropped:    int(c.dropped.Load()),
		SentBytes:  int(c.sentBytes.Load()),
		Received:   int(c.received.Load()),
		Connects:   int(c.connects.Load()),
		Reconnects: int(c.reconnects.Load()),
	}
}

func (c *Channel) current() *websocket.Conn {
	if !c.connected.Load() {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

func (c *Channel) run() {
	defer close(c.done)

	failures := 0
	for {
		if failures > 0 || c.connects.Load() > 0 {
			c.reconnects.Add(1)
			c.metrics.ChannelReconnects.Inc()
		}
		conn, err := c.dial()
		if err != nil {
			if c.closing.Load() || c.ctx.Err() != nil {
				c.err = ErrClosed
				return
			}
			failures++
			log.Warnf("channel handshake %d failed: %v", failures, err)
			if failures > c.cfg.ReconnectAttempts {
				c.err = &ChannelError{Attempt: failures, Err: err}
				c.metrics.ChannelFailures.Inc()
				log.Errorf("channel: %v", c.err)
				return
			}
			if !c.sleep(c.cfg.ReconnectDelay) {
				c.err = ErrClosed
				return
			}
			continue
		}

		failures = 0
		err = c.serve(conn)
		conn.CloseNow()
		if c.closing.Load() || c.ctx.Err() != nil {
			c.err = ErrClosed
			return
		}
		log.Warnf("channel lost: %v", err)
		if !c.sleep(c.cfg.ReconnectDelay) {
			c.err = ErrClosed
			return
		}
	}
}

func (c *Channel) dial() (*websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.ConnectTimeout)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, c.cfg.URL, &websocket.DialOptions{HTTPHeader: c.cfg.Header})
	if err != nil {
		return nil, err
	}
	if c.cfg.ReadLimit != 0 {
		conn.SetReadLimit(c.cfg.ReadLimit)
	}
	return conn, nil
}

// serve publishes conn, reads until it fails and then withdraws it.
func (c *Channel) serve(conn *websocket.Conn) error {
	connID := uuid.NewString()
	c.mu.Lock()
	c.conn = conn
	c.connID = connID
	c.mu.Unlock()
	c.connects.Add(1)
	c.metrics.ChannelConnects.Inc()
	c.setConnected(true, connID)

	pingCtx, stopPing := context.WithCancel(c.ctx)
	defer stopPing()
	if c.cfg.PingInterval > 0 {
		go c.keepAlive(pingCtx, conn)
	}

	err := c.readLoop(conn)

	c.setConnected(false, connID)
	c.mu.Lock()
	c.conn = nil
	c.mu.Unlock()
	return err
}

func (c *Channel) readLoop(conn *websocket.Conn) error {
	for {
		typ, data, err := conn.Read(c.ctx)
		if err != nil {
			return err
		}
		if typ != websocket.MessageText {
			continue
		}
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Warnf("channel: undecodable message: %v", err)
			continue
		}
		c.received.Add(1)
		c.metrics.InboundEvents.WithLabelValues(env.Event).Inc()
		c.dispatch(env)
	}
}

func (c *Channel) dispatch(env envelope) {
	c.mu.Lock()
	hs := append([]Handler(nil), c.handlers[env.Event]...)
	c.mu.Unlock()
	for _, h := range hs {
		h(env.Data)
	}
}

func (c *Channel) keepAlive(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, c.cfg.PingInterval)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				if ctx.Err() == nil {
					log.Warnf("channel ping failed: %v", err)
					conn.CloseNow()
				}
				return
			}
		}
	}
}

func (c *Channel) setConnected(v bool, connID string) {
	c.connected.Store(v)
	if v {
		c.metrics.ChannelConnected.Set(1)
		log.ChannelState(connID, "connected", int(c.connects.Load()))
	} else {
		c.metrics.ChannelConnected.Set(0)
		log.ChannelState(connID, "disconnected", int(c.connects.Load()))
	}

	c.mu.Lock()
	hooks := append([]func(bool){}, c.stateHooks...)
	c.mu.Unlock()
	for _, fn := range hooks {
		fn(v)
	}
}

func (c *Channel) sleep(d time.Duration) bool {
	if d <= 0 {
		return c.ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-c.ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
