package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/roach88/convsync/internal/engine"
	"github.com/roach88/convsync/internal/ir"
	"github.com/roach88/convsync/internal/protocol"
)

// ErrNotConnected is returned by writes while the connection is down.
var ErrNotConnected = errors.New("not connected")

// Handlers receive server frames. Nil handlers are skipped. They run on
// the reader goroutine and must not block.
type Handlers struct {
	Connected func(protocol.Hello)
	Message   func(ir.Message)
	Status    func(ir.Watermarks)
	Summary   func(ir.Summary)
	Sent      func(clientID string, msg ir.Message)
	Failed    func(Pending)
}

// Config configures a Conn.
type Config struct {
	// URL is the server's WebSocket endpoint, e.g. ws://localhost:8080/ws.
	URL   string
	Token string

	// Cursors persists last seen sequences; optional.
	Cursors *CursorFile
	// User keys the cursor file.
	User string

	// AutoAck acknowledges delivery of every fresh message.
	AutoAck bool

	InitialInterval time.Duration
	MaxInterval     time.Duration
	WriteTimeout    time.Duration

	Dialer *websocket.Dialer
}

// Conn is a reconnecting protocol connection.
type Conn struct {
	cfg      Config
	handlers Handlers
	tracker  *Tracker
	overlay  *Overlay
	newID    func() string

	mu        sync.Mutex
	ws        *websocket.Conn
	watched   map[string]bool
	resyncing map[string]int64

	writeMu sync.Mutex
}

// New creates a connection, loading saved cursors if configured.
func New(cfg Config, h Handlers) (*Conn, error) {
	if cfg.URL == "" {
		return nil, errors.New("client: URL is required")
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = 250 * time.Millisecond
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 30 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}

	seen := map[string]int64{}
	if cfg.Cursors != nil {
		var err error
		if seen, err = cfg.Cursors.Load(cfg.User); err != nil {
			return nil, err
		}
	}

	return &Conn{
		cfg:      cfg,
		handlers: h,
		tracker:  NewTracker(seen),
		overlay:  NewOverlay(),
		newID:    uuid.NewString,
		watched:   make(map[string]bool),
		resyncing: make(map[string]int64),
	}, nil
}

// Tracker exposes the sequence tracker.
func (c *Conn) Tracker() *Tracker { return c.tracker }

// Overlay exposes the pending send overlay.
func (c *Conn) Overlay() *Overlay { return c.overlay }

// Connected reports whether a session is currently open.
func (c *Conn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws != nil
}

// Run keeps a session open until ctx is cancelled, reconnecting with
// exponential backoff. The backoff resets after every session that got
// as far as the hello frame.
func (c *Conn) Run(ctx context.Context) error {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = c.cfg.InitialInterval
	exp.MaxInterval = c.cfg.MaxInterval
	exp.MaxElapsedTime = 0
	b := backoff.WithContext(exp, ctx)

	defer c.saveCursors()

	for {
		established, err := c.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if established {
			b.Reset()
		}

		wait := b.NextBackOff()
		if wait == backoff.Stop {
			return ctx.Err()
		}
		slog.Warn("connection lost; reconnecting", "url", c.cfg.URL, "retry_in", wait, "error", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (c *Conn) dialURL() (string, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if c.cfg.Token != "" {
		q := u.Query()
		q.Set("access_token", c.cfg.Token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// session runs one connection. established is true once hello arrived.
func (c *Conn) session(ctx context.Context) (established bool, err error) {
	target, err := c.dialURL()
	if err != nil {
		return false, err
	}
	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	ws, resp, err := c.cfg.Dialer.DialContext(ctx, target, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}
	stop := context.AfterFunc(ctx, func() { ws.Close() })
	defer stop()
	defer ws.Close()

	_, data, err := ws.ReadMessage()
	if err != nil {
		return false, fmt.Errorf("read hello: %w", err)
	}
	env, err := protocol.Decode(data)
	if err != nil {
		return false, err
	}
	if env.Type != protocol.TypeHello {
		return false, fmt.Errorf("%w: expected hello, got %s", protocol.ErrBadFrame, env.Type)
	}
	hello, err := protocol.DecodeData[protocol.Hello](env)
	if err != nil {
		return false, err
	}

	c.mu.Lock()
	c.ws = ws
	clear(c.resyncing)
	watched := make([]string, 0, len(c.watched))
	for id := range c.watched {
		watched = append(watched, id)
	}
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.ws = nil
		c.mu.Unlock()
	}()

	slog.Info("connected", "conn_id", hello.ConnectionID, "user", hello.User)
	if c.handlers.Connected != nil {
		c.handlers.Connected(hello)
	}

	for _, id := range watched {
		if err := c.subscribe(id); err != nil {
			return true, err
		}
	}
	// Client IDs make resubmission idempotent on the server.
	for _, p := range c.overlay.Sending() {
		if err := c.writeSend(p); err != nil {
			return true, err
		}
	}

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return true, fmt.Errorf("read: %w", err)
		}
		env, err := protocol.Decode(data)
		if err != nil {
			slog.Warn("dropping malformed frame", "error", err)
			continue
		}
		c.handle(env)
	}
}

func (c *Conn) handle(env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeMessage:
		m, err := protocol.DecodeData[protocol.Message](env)
		if err != nil {
			slog.Warn("dropping malformed frame", "type", env.Type, "error", err)
			return
		}
		c.onMessage(m.Message)

	case protocol.TypeStatus:
		if w, err := protocol.DecodeData[ir.Watermarks](env); err == nil && c.handlers.Status != nil {
			c.handlers.Status(w)
		}

	case protocol.TypeSummary:
		if s, err := protocol.DecodeData[ir.Summary](env); err == nil && c.handlers.Summary != nil {
			c.handlers.Summary(s)
		}

	case protocol.TypeSent:
		sent, err := protocol.DecodeData[protocol.Sent](env)
		if err != nil {
			return
		}
		c.overlay.Confirm(sent.Message)
		if c.handlers.Sent != nil {
			c.handlers.Sent(sent.ClientID, sent.Message)
		}

	case protocol.TypeError:
		f, err := protocol.DecodeData[protocol.Error](env)
		if err != nil {
			return
		}
		c.onError(f)

	default:
		slog.Debug("ignoring frame", "type", env.Type)
	}
}

func (c *Conn) onMessage(msg ir.Message) {
	fresh, gap := c.tracker.Observe(msg.ConversationID, msg.Seq)
	if gap {
		c.resync(msg.ConversationID, msg.Seq)
		return
	}
	if !fresh {
		slog.Debug("duplicate message dropped", "conversation_id", msg.ConversationID, "seq", msg.Seq)
		return
	}

	c.mu.Lock()
	delete(c.resyncing, msg.ConversationID)
	c.mu.Unlock()

	if c.handlers.Message != nil {
		c.handlers.Message(msg)
	}
	if c.cfg.AutoAck {
		if err := c.Ack(msg.ConversationID, msg.Seq, ir.CursorDelivered); err != nil {
			slog.Debug("delivery ack not sent", "conversation_id", msg.ConversationID, "error", err)
		}
	}
	c.saveCursors()
}

// resync restarts the stream of convID from the last seen sequence. The
// server only honors since on a fresh watch, so the old one is dropped
// first. Frames already in flight may report the same gap; one resync per
// last seen sequence is enough.
func (c *Conn) resync(convID string, seq int64) {
	since := c.tracker.Since(convID)

	c.mu.Lock()
	pending, ok := c.resyncing[convID]
	if (ok && pending == since) || !c.watched[convID] {
		c.mu.Unlock()
		return
	}
	c.resyncing[convID] = since
	c.mu.Unlock()

	slog.Warn("sequence gap, resubscribing", "conversation_id", convID, "seq", seq, "since", since)
	if err := c.write(protocol.TypeUnsubscribe, protocol.Unsubscribe{ConversationID: convID}); err != nil {
		slog.Debug("resync unsubscribe failed", "conversation_id", convID, "error", err)
		return
	}
	if err := c.subscribe(convID); err != nil {
		slog.Debug("resync subscribe failed", "conversation_id", convID, "error", err)
	}
}

func (c *Conn) onError(f protocol.Error) {
	if f.ClientID != "" {
		if p, ok := c.overlay.Fail(f.ClientID, f.Code+": "+f.Message); ok && c.handlers.Failed != nil {
			c.handlers.Failed(p)
		}
		return
	}

	slog.Warn("server error", "code", f.Code, "conversation_id", f.ConversationID, "message", f.Message)
	// The server dropped the stream; pick it up again from the last seen sequence.
	if f.Code == string(engine.ErrCodeGapReplayFailure) && f.ConversationID != "" && c.watching(f.ConversationID) {
		if err := c.subscribe(f.ConversationID); err != nil {
			slog.Debug("resubscribe failed", "conversation_id", f.ConversationID, "error", err)
		}
	}
}

func (c *Conn) watching(convID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.watched[convID]
}

// Subscribe watches convID from the last seen sequence, now and after
// every reconnect.
func (c *Conn) Subscribe(convID string) error {
	c.tracker.Track(convID)
	c.mu.Lock()
	c.watched[convID] = true
	c.mu.Unlock()

	err := c.subscribe(convID)
	if errors.Is(err, ErrNotConnected) {
		return nil
	}
	return err
}

// Unsubscribe stops watching convID.
func (c *Conn) Unsubscribe(convID string) error {
	c.mu.Lock()
	delete(c.watched, convID)
	c.mu.Unlock()

	err := c.write(protocol.TypeUnsubscribe, protocol.Unsubscribe{ConversationID: convID})
	if errors.Is(err, ErrNotConnected) {
		return nil
	}
	return err
}

func (c *Conn) subscribe(convID string) error {
	return c.write(protocol.TypeSubscribe, protocol.Subscribe{
		ConversationID: convID,
		Since:          c.tracker.Since(convID),
	})
}

// Send queues p in the overlay and submits it. A send made while
// disconnected stays pending and is submitted on reconnect.
func (c *Conn) Send(p Pending) (Pending, error) {
	if p.ClientID == "" {
		p.ClientID = c.newID()
	}
	p = c.overlay.Add(p)

	err := c.writeSend(p)
	if errors.Is(err, ErrNotConnected) {
		return p, nil
	}
	return p, err
}

func (c *Conn) writeSend(p Pending) error {
	return c.write(protocol.TypeSend, protocol.Send{
		ClientID:       p.ClientID,
		ConversationID: p.ConversationID,
		PeerID:         p.PeerID,
		Kind:           p.Content.Kind,
		Text:           p.Content.Text,
		Media:          p.Content.Media,
		ReplyTo:        p.ReplyTo,
	})
}

// Ack acknowledges convID through seq.
func (c *Conn) Ack(convID string, seq int64, kind ir.CursorKind) error {
	return c.write(protocol.TypeAck, protocol.Ack{ConversationID: convID, Sequence: seq, Kind: kind})
}

func (c *Conn) write(t protocol.FrameType, data any) error {
	frame, err := protocol.Encode(t, data)
	if err != nil {
		return err
	}

	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("write %s: %w", t, err)
	}
	return nil
}

func (c *Conn) saveCursors() {
	if c.cfg.Cursors == nil {
		return
	}
	if err := c.cfg.Cursors.Save(c.cfg.User, c.tracker.Snapshot()); err != nil {
		slog.Warn("saving cursors failed", "path", c.cfg.Cursors.Path(), "error", err)
	}
}
