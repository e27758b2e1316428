package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var (
	ErrNotConnected = errors.New("transport not connected")
	ErrBackpressure = errors.New("backpressure")
)

const (
	frameSubscribe = "subscribe"
	framePublish   = "publish"
	frameMessage   = "message"
)

// frame is the broker framing: subscribe registers a channel, publish carries
// a payload to a destination, message delivers a payload from a channel.
type frame struct {
	Type        string          `json:"type"`
	Channel     string          `json:"channel,omitempty"`
	Destination string          `json:"destination,omitempty"`
	Body        json.RawMessage `json:"body,omitempty"`
}

// WSConfig tunes the websocket client.
type WSConfig struct {
	URL           string
	WriteDeadline time.Duration
	SendBuffer    int
	RetryInterval time.Duration
	RetryAttempts int
}

// WSClient is a gorilla/websocket implementation of Transport. One write pump
// owns the socket for writes; reads happen on a single read pump.
type WSClient struct {
	cfg WSConfig

	mu        sync.RWMutex
	conn      *websocket.Conn
	send      chan []byte
	connected bool
	cancel    context.CancelFunc

	subs    map[string]Handler
	onState []StateHandler
	stateMu sync.Mutex
	stateCh chan bool
}

func NewWSClient(cfg WSConfig) *WSClient {
	if cfg.WriteDeadline == 0 {
		cfg.WriteDeadline = 5 * time.Second
	}
	if cfg.SendBuffer == 0 {
		cfg.SendBuffer = 32
	}
	if cfg.RetryInterval == 0 {
		cfg.RetryInterval = 100 * time.Millisecond
	}
	if cfg.RetryAttempts == 0 {
		cfg.RetryAttempts = 50
	}
	c := &WSClient{
		cfg:     cfg,
		subs:    make(map[string]Handler),
		stateCh: make(chan bool, 8),
	}
	go c.stateLoop()
	return c
}

func (c *WSClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return nil
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("dial broker: %w", err)
	}

	pumpCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.conn = conn
	c.send = make(chan []byte, c.cfg.SendBuffer)
	c.connected = true
	c.cancel = cancel

	// Re-register every known subscription on each (re)connect.
	for ch := range c.subs {
		b, _ := json.Marshal(frame{Type: frameSubscribe, Channel: ch})
		c.send <- b
	}
	send := c.send
	c.mu.Unlock()

	go c.writePump(pumpCtx, conn, send)
	go c.readPump(pumpCtx, conn)

	log.Info().Str("module", "transport").Str("url", c.cfg.URL).Msg("broker connected")
	c.notifyState(true)
	return nil
}

func (c *WSClient) Disconnect() {
	c.teardown(nil)
}

func (c *WSClient) teardown(cause error) {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return
	}
	c.connected = false
	c.cancel()
	_ = c.conn.Close()
	c.conn = nil
	c.mu.Unlock()

	if cause != nil {
		log.Warn().Err(cause).Str("module", "transport").Msg("broker connection lost")
	} else {
		log.Info().Str("module", "transport").Msg("broker disconnected")
	}
	c.notifyState(false)
}

func (c *WSClient) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

func (c *WSClient) EnsureConnected(ctx context.Context) error {
	if c.Connected() {
		return nil
	}
	for i := 0; i < c.cfg.RetryAttempts; i++ {
		if err := c.Connect(ctx); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.cfg.RetryInterval):
		}
	}
	return ErrNotConnected
}

func (c *WSClient) Subscribe(channel string, h Handler) {
	c.mu.Lock()
	c.subs[channel] = h
	connected := c.connected
	send := c.send
	c.mu.Unlock()

	if connected {
		b, _ := json.Marshal(frame{Type: frameSubscribe, Channel: channel})
		select {
		case send <- b:
		default:
			log.Warn().Str("module", "transport").Str("channel", channel).Msg("subscribe dropped on backpressure")
		}
	}
}

func (c *WSClient) Publish(destination string, payload []byte) error {
	c.mu.RLock()
	connected := c.connected
	send := c.send
	c.mu.RUnlock()
	if !connected {
		return ErrNotConnected
	}

	b, err := json.Marshal(frame{Type: framePublish, Destination: destination, Body: payload})
	if err != nil {
		return err
	}
	select {
	case send <- b:
		return nil
	default:
		return ErrBackpressure
	}
}

func (c *WSClient) OnConnectionStateChange(h StateHandler) {
	c.stateMu.Lock()
	c.onState = append(c.onState, h)
	c.stateMu.Unlock()
}

func (c *WSClient) notifyState(connected bool) {
	c.stateCh <- connected
}

// stateLoop delivers connection-state notifications in order, off the
// goroutine that triggered the transition. Handlers may hold locks that the
// connecting caller also holds, so they must never run inline in Connect or
// teardown.
func (c *WSClient) stateLoop() {
	for connected := range c.stateCh {
		c.stateMu.Lock()
		handlers := make([]StateHandler, len(c.onState))
		copy(handlers, c.onState)
		c.stateMu.Unlock()
		for _, h := range handlers {
			h(connected)
		}
	}
}

func (c *WSClient) writePump(ctx context.Context, conn *websocket.Conn, send chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-send:
			if err := conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteDeadline)); err != nil {
				log.Error().Err(err).Str("module", "transport").Msg("writePump set deadline")
				c.teardown(err)
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "transport").Msg("writePump write error")
				c.teardown(err)
				return
			}
		}
	}
}

func (c *WSClient) readPump(ctx context.Context, conn *websocket.Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
			_, data, err := conn.ReadMessage()
			if err != nil {
				c.teardown(err)
				return
			}
			c.dispatch(data)
		}
	}
}

func (c *WSClient) dispatch(data []byte) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		log.Error().Err(err).Str("module", "transport").Msg("bad frame")
		return
	}
	if f.Type != frameMessage {
		return
	}
	c.mu.RLock()
	h := c.subs[f.Channel]
	c.mu.RUnlock()
	if h == nil {
		log.Warn().Str("module", "transport").Str("channel", f.Channel).Msg("message for unknown channel")
		return
	}
	h(f.Body)
}
