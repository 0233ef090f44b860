// Package psbot implements the websocket line-protocol client for
// Pokemon Showdown: a state-machined connection, a FIFO registry of
// predicate waiters, and the login sequence that binds a connection to
// a server identity.
package psbot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/swordfishtr/35PokesPSBot/applog"
	"go.uber.org/zap"
	"resty.dev/v3"
)

// State is the client lifecycle. Transitions only move forward, except
// that every state may drop to StateDisconnected.
type State int

const (
	StateNew State = iota
	StateConnecting
	StateOnline
	StateLoggingIn
	StateAuthenticated
	StateDisconnected
)

// Verdict is a predicate's judgement of one inbound message.
type Verdict int

const (
	// VerdictIgnore: not the message this waiter is looking for.
	VerdictIgnore Verdict = iota
	// VerdictMatch settles the waiter with the message.
	VerdictMatch
	// VerdictReject settles the waiter with a PredicateRejectionError.
	VerdictReject
)

// Predicate inspects one protocol message. It must be pure and must
// never panic on a merely unexpected message.
type Predicate func(msg string) Verdict

const (
	connectTimeout = 30 * time.Second
	// MinAwaitTimeout is the smallest deadline Await accepts. Anything
	// shorter misfires under ordinary server lag.
	MinAwaitTimeout = 5 * time.Second
)

type waitResult struct {
	msg string
	err error
}

// waiter is owned by the client's registry from registration until it
// is matched, rejected, timed out, or drained at disconnect. Exactly
// one of those happens, exactly once.
type waiter struct {
	description string
	predicate   Predicate
	createdAt   time.Time
	timer       *time.Timer
	result      chan waitResult
}

// Client owns one persistent websocket connection to the server.
// A consumed (disconnected) client cannot be revived; build a new one.
type Client struct {
	// Name labels this client in logs, e.g. "35 Factory Primary Bot".
	Name string

	// URL of the websocket endpoint. Defaults to a randomized official
	// sim server path; override before Connect for testing.
	URL string

	// LoginURL of the authentication endpoint used by Login.
	LoginURL string

	mu       sync.Mutex
	state    State
	conn     *websocket.Conn
	waiters  []*waiter
	username string

	onMessage    func(msg string)
	onDisconnect func()

	writeMu sync.Mutex

	httpClient *resty.Client
}

func NewClient(name string) *Client {
	return &Client{
		Name:       name,
		URL:        ServerURL(),
		LoginURL:   DefaultLoginURL,
		httpClient: resty.New(),
	}
}

// ServerURL builds a randomized SockJS session path on the official
// sim server, mirroring what the browser client does.
func ServerURL() string {
	const chars = "abcdefghijklmnopqrstuvwxyz0123456789_"
	session := make([]byte, 8)
	for i := range session {
		session[i] = chars[rand.Intn(len(chars))]
	}
	return fmt.Sprintf("wss://sim3.psim.us/showdown/%s/%d/websocket", session, rand.Intn(900)+100)
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Username returns the authenticated identity, empty before login.
func (c *Client) Username() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.username
}

// SetOnMessage installs the catch-all observer. It receives every
// inbound message that no waiter claimed.
func (c *Client) SetOnMessage(h func(msg string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMessage = h
}

// SetOnDisconnect installs the hook fired once when the connection
// goes down, after all waiters have been drained.
func (c *Client) SetOnDisconnect(h func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDisconnect = h
}

// WaiterDescriptions snapshots the registry for debug dumps.
func (c *Client) WaiterDescriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.waiters))
	for i, w := range c.waiters {
		out[i] = w.description
	}
	return out
}

// Connect opens the transport and starts the dispatch loop. The loop
// is running before Connect returns, so no early message is lost.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateNew {
		c.mu.Unlock()
		return fmt.Errorf("connect: this client has already been consumed: %w", ErrInvalidState)
	}
	c.state = StateConnecting
	c.mu.Unlock()

	dialer := websocket.Dialer{HandshakeTimeout: connectTimeout}
	conn, _, err := dialer.DialContext(ctx, c.URL, nil)
	if err != nil {
		c.mu.Lock()
		c.state = StateDisconnected
		c.mu.Unlock()
		if ctx.Err() != nil {
			return fmt.Errorf("connect: %w", ctx.Err())
		}
		var netErr net.Error
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
			return fmt.Errorf("connect %s: %w", c.URL, ErrConnectTimeout)
		}
		return fmt.Errorf("connect %s: %w", c.URL, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.state = StateOnline
	c.mu.Unlock()

	go c.readPump(conn)

	applog.Info("Connection to websocket established", zap.String("bot", c.Name))
	return nil
}

// Disconnect drains every outstanding waiter with ErrShutdown in
// registration order, then tears down the transport. Safe to call any
// number of times.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.state == StateDisconnected {
		c.mu.Unlock()
		return
	}
	c.state = StateDisconnected
	conn := c.conn
	drained := c.waiters
	c.waiters = nil
	hook := c.onDisconnect
	c.onDisconnect = nil
	c.mu.Unlock()

	for _, w := range drained {
		w.timer.Stop()
		w.result <- waitResult{err: fmt.Errorf("%s: %w", w.description, ErrShutdown)}
	}

	if conn != nil {
		_ = conn.Close()
	}

	applog.Info("Connection closed", zap.String("bot", c.Name))

	if hook != nil {
		hook()
	}
}

// Send writes one protocol line. Valid while online; multi-line
// payloads must carry the !code marker.
func (c *Client) Send(msg string) error {
	c.mu.Lock()
	if c.state < StateOnline || c.state == StateDisconnected {
		c.mu.Unlock()
		return fmt.Errorf("send: not connected: %w", ErrInvalidState)
	}
	conn := c.conn
	c.mu.Unlock()

	if strings.Contains(msg, "\n") && !strings.Contains(msg, "!code ") {
		return ErrMalformedSend
	}

	payload, err := json.Marshal([]string{msg})
	if err != nil {
		return fmt.Errorf("send: %w", err)
	}

	applog.Debug("Sending message", zap.String("bot", c.Name), zap.String("msg", truncate(msg)))

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, payload)
}

// Await registers a waiter for a message satisfying predicate and
// blocks until it settles: matched (the message is returned), rejected
// (PredicateRejectionError), timed out (ErrTimeout), or drained at
// disconnect (ErrShutdown). A settled waiter is gone from the registry
// before Await returns; a later matching message cannot revive it.
func (c *Client) Await(ctx context.Context, description string, timeout time.Duration, predicate Predicate) (string, error) {
	if timeout < MinAwaitTimeout {
		return "", fmt.Errorf("await %s: timeout below %s: %w", description, MinAwaitTimeout, ErrInvalidState)
	}

	w := &waiter{
		description: "awaiting " + description,
		predicate:   predicate,
		createdAt:   time.Now(),
		result:      make(chan waitResult, 1),
	}

	c.mu.Lock()
	if c.state < StateOnline || c.state == StateDisconnected {
		c.mu.Unlock()
		return "", fmt.Errorf("await %s: not connected: %w", description, ErrInvalidState)
	}
	w.timer = time.AfterFunc(timeout, func() { c.expireWaiter(w) })
	c.waiters = append(c.waiters, w)
	c.mu.Unlock()

	select {
	case res := <-w.result:
		return res.msg, res.err
	case <-ctx.Done():
		c.removeWaiter(w)
		return "", fmt.Errorf("%s: %w", w.description, ctx.Err())
	}
}

func (c *Client) expireWaiter(w *waiter) {
	if c.removeWaiter(w) {
		w.result <- waitResult{err: fmt.Errorf("%s: %w", w.description, ErrTimeout)}
	}
}

// removeWaiter unregisters w if it is still pending. Reports whether
// the caller now owns settling it.
func (c *Client) removeWaiter(w *waiter) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, x := range c.waiters {
		if x == w {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			return true
		}
	}
	return false
}

func (c *Client) readPump(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.Disconnect()
			return
		}

		msgs, err := decodeFrame(data)
		if err != nil {
			applog.Debug("Ignoring invalid frame",
				zap.String("bot", c.Name), zap.Error(err))
			continue
		}

		for _, msg := range msgs {
			applog.Debug("Received message",
				zap.String("bot", c.Name), zap.String("msg", truncate(msg)))
			c.dispatch(msg)
		}
	}
}

// decodeFrame unpacks one SockJS frame: 'a' followed by a JSON array
// of protocol messages. Other frame kinds (open, heartbeat) are not
// message-bearing and come back as an error for the caller to skip.
func decodeFrame(data []byte) ([]string, error) {
	if len(data) == 0 || data[0] != 'a' {
		return nil, fmt.Errorf("frame is not a message array: %q", data)
	}
	var msgs []string
	if err := json.Unmarshal(data[1:], &msgs); err != nil {
		return nil, fmt.Errorf("invalid message data syntax: %w", err)
	}
	return msgs, nil
}

// dispatch offers msg to waiters in registration order. The first
// non-ignore verdict consumes the message; unclaimed messages go to
// the catch-all observer.
func (c *Client) dispatch(msg string) {
	var settled *waiter
	var verdict Verdict

	c.mu.Lock()
	for i, w := range c.waiters {
		v := w.predicate(msg)
		if v == VerdictIgnore {
			continue
		}
		c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
		settled, verdict = w, v
		break
	}
	observer := c.onMessage
	c.mu.Unlock()

	if settled != nil {
		settled.timer.Stop()
		if verdict == VerdictMatch {
			settled.result <- waitResult{msg: msg}
		} else {
			settled.result <- waitResult{err: &PredicateRejectionError{
				Description: settled.description,
				Message:     msg,
			}}
		}
		return
	}

	if observer != nil {
		observer(msg)
	}
}

func truncate(msg string) string {
	if len(msg) > 400 {
		return msg[:397] + "..."
	}
	return msg
}
