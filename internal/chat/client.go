// Package chat maintains a persistent WebSocket connection to the local chat
// relay, delivering inbound chat events to registered handlers and accepting
// outbound publishes while connected.
package chat

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"gophersnake-go/internal/faults"
)

// State is the connection lifecycle of the client. It is owned exclusively by
// the client; observers only see transitions through the connection handler.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	Closing
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Closing:
		return "closing"
	}
	return "unknown"
}

// MessageTypeChat is the frame type carrying chat text.
const MessageTypeChat = "chat_message"

// Message is the wire frame exchanged with the relay. Outbound frames omit
// Sender; the relay stamps it.
type Message struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Sender  string `json:"sender,omitempty"`
	Target  string `json:"target,omitempty"`
}

// ChatHandler receives inbound chat events. It runs on the read-loop
// goroutine and must not block.
type ChatHandler func(sender, message string)

// ConnectionHandler receives true on every successful open and false on
// every close that followed a successful open.
type ConnectionHandler func(connected bool)

// ClientOption customizes Client creation.
type ClientOption func(*Client)

// Client is an auto-reconnecting WebSocket chat client with linear backoff.
type Client struct {
	serverURL   string
	dialer      *websocket.Dialer
	maxAttempts int
	baseDelay   time.Duration
	grace       time.Duration

	mu            sync.Mutex
	writeMu       sync.Mutex
	conn          *websocket.Conn
	state         State
	running       bool
	autoReconnect bool
	stopCh        chan struct{}
	chatHandler   ChatHandler
	connHandler   ConnectionHandler

	// sleep waits for d or until stop closes; returns false when stopped.
	// Replaced in tests to observe scheduled delays without real waiting.
	sleep func(d time.Duration, stop <-chan struct{}) bool
}

// NewClient creates a client for the given ws:// URL. The client starts
// Disconnected; nothing happens until Connect.
func NewClient(serverURL string, opts ...ClientOption) *Client {
	c := &Client{
		serverURL:   serverURL,
		dialer:      &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		maxAttempts: 5,
		baseDelay:   2 * time.Second,
		grace:       time.Second,
		state:       Disconnected,
		sleep:       sleepOrStop,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// WithReconnectPolicy sets the retry bound and the base backoff delay.
// Attempt n waits baseDelay*n before redialing.
func WithReconnectPolicy(maxAttempts int, baseDelay time.Duration) ClientOption {
	return func(c *Client) {
		if maxAttempts >= 1 {
			c.maxAttempts = maxAttempts
		}
		if baseDelay > 0 {
			c.baseDelay = baseDelay
		}
	}
}

// WithGracePeriod sets how long Connect waits to detect immediate failure
// before returning control to the caller.
func WithGracePeriod(d time.Duration) ClientOption {
	return func(c *Client) {
		if d >= 0 {
			c.grace = d
		}
	}
}

// WithDialer overrides the WebSocket dialer.
func WithDialer(d *websocket.Dialer) ClientOption {
	return func(c *Client) {
		if d != nil {
			c.dialer = d
		}
	}
}

func sleepOrStop(d time.Duration, stop <-chan struct{}) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-stop:
		return false
	}
}

// OnChat registers the chat event handler.
func (c *Client) OnChat(handler ChatHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chatHandler = handler
}

// OnConnectionState registers the connection observer. If the client is
// already connected, the handler is invoked with true once, synchronously.
func (c *Client) OnConnectionState(handler ConnectionHandler) {
	c.mu.Lock()
	connected := c.state == Connected
	c.connHandler = handler
	c.mu.Unlock()

	if connected && handler != nil {
		handler(true)
	}
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect starts the connection loop on its own goroutine. Idempotent: a
// second call while running is a no-op. The caller blocks at most for the
// grace window, used only to catch immediate failure.
func (c *Client) Connect(autoReconnect bool) {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	c.running = true
	c.autoReconnect = autoReconnect
	c.state = Connecting
	c.stopCh = make(chan struct{})
	stop := c.stopCh
	c.mu.Unlock()

	opened := make(chan struct{}, 1)
	go c.run(stop, opened)

	// Grace window: return early on open, otherwise give the first attempt
	// this long to surface an immediate failure in the logs.
	if c.grace > 0 {
		timer := time.NewTimer(c.grace)
		defer timer.Stop()
		select {
		case <-opened:
		case <-timer.C:
		case <-stop:
		}
	}
}

// Disconnect stops the connection loop and closes any active connection. Any
// in-flight reconnect backoff observes the stop and schedules no further
// attempts.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	c.state = Closing
	conn := c.conn
	stop := c.stopCh
	c.stopCh = nil
	c.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	if conn != nil {
		_ = conn.Close()
	}
}

// Send publishes a chat message, optionally targeted. It is a hard error
// while not connected: nothing is queued.
func (c *Client) Send(message, target string) error {
	c.mu.Lock()
	state := c.state
	conn := c.conn
	c.mu.Unlock()

	if state != Connected || conn == nil {
		return faults.New(faults.NotConnected, "not connected to chat relay")
	}

	frame := Message{Type: MessageTypeChat, Message: message, Target: target}

	// Writes are serialized so a send racing a close fails cleanly instead
	// of interleaving on the socket.
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteJSON(frame); err != nil {
		return faults.Wrap(faults.NetworkFailure, err, "write chat frame")
	}
	return nil
}

// run owns the dial/read/backoff loop for one Connect call.
func (c *Client) run(stop <-chan struct{}, opened chan<- struct{}) {
	attempt := 0
	for {
		if !c.shouldRun() {
			c.finish()
			return
		}

		c.setState(Connecting)
		conn, _, err := c.dialer.Dial(c.serverURL, nil)
		if err != nil {
			log.WithError(err).WithField("url", c.serverURL).Warn("chat relay connection failed")
			if !c.backoff(&attempt, stop) {
				return
			}
			continue
		}

		attempt = 0
		c.mu.Lock()
		if !c.running {
			c.mu.Unlock()
			_ = conn.Close()
			c.finish()
			return
		}
		c.conn = conn
		c.state = Connected
		handler := c.connHandler
		c.mu.Unlock()

		log.WithField("url", c.serverURL).Info("connected to chat relay")
		select {
		case opened <- struct{}{}:
		default:
		}
		if handler != nil {
			handler(true)
		}

		c.readLoop(conn)

		c.mu.Lock()
		c.conn = nil
		handler = c.connHandler
		stillRunning := c.running
		c.mu.Unlock()

		// The close follows a successful open, so the false transition is
		// always delivered here; dial failures never reach this point.
		if handler != nil {
			handler(false)
		}
		log.Info("chat relay connection closed")

		if !stillRunning || !c.autoReconnect {
			c.finish()
			return
		}
		if !c.backoff(&attempt, stop) {
			return
		}
	}
}

// backoff schedules the next attempt with linear delay baseDelay*attempt.
// Returns false when the retry budget is exhausted or a stop was observed.
func (c *Client) backoff(attempt *int, stop <-chan struct{}) bool {
	if !c.autoReconnect {
		c.finish()
		return false
	}

	*attempt++
	if *attempt > c.maxAttempts {
		log.WithField("attempts", c.maxAttempts).Warn("giving up on chat relay reconnection")
		c.giveUp()
		return false
	}

	delay := c.baseDelay * time.Duration(*attempt)
	log.WithFields(log.Fields{"attempt": *attempt, "delay": delay}).Info("reconnecting to chat relay")

	if !c.shouldRun() || !c.sleep(delay, stop) || !c.shouldRun() {
		c.finish()
		return false
	}
	return true
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			log.WithError(err).Warn("dropping unparseable chat frame")
			continue
		}

		switch msg.Type {
		case MessageTypeChat:
			c.mu.Lock()
			handler := c.chatHandler
			c.mu.Unlock()
			if handler != nil {
				handler(msg.Sender, msg.Message)
			}
		default:
			log.WithField("type", msg.Type).Debug("dropping unrecognized chat frame")
		}
	}
}

func (c *Client) shouldRun() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// finish marks the loop stopped after an explicit disconnect or non-retry exit.
func (c *Client) finish() {
	c.mu.Lock()
	c.running = false
	c.state = Disconnected
	c.mu.Unlock()
}

// giveUp is the terminal transition after retry exhaustion. Surfaced only by
// the absence of further connection callbacks; a fresh Connect resets it.
func (c *Client) giveUp() {
	c.mu.Lock()
	c.running = false
	c.state = Disconnected
	c.mu.Unlock()
}
