package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roach88/convsync/internal/engine"
	"github.com/roach88/convsync/internal/identity"
	"github.com/roach88/convsync/internal/ir"
	"github.com/roach88/convsync/internal/protocol"
)

// maxFrameBytes bounds a single inbound frame.
const maxFrameBytes = 64 << 10

// errBufferFull is returned by Deliver when the client is not keeping up.
// The engine retries and eventually drops the connection.
var errBufferFull = errors.New("outbound buffer full")

// wsConn is the engine.Sink of one WebSocket connection. Frames are
// queued on out and written by a single writer goroutine.
//
// The engine can route frames to the connection as soon as it is open,
// before hello has been queued. Those frames are held and follow hello.
type wsConn struct {
	ws   *websocket.Conn
	user identity.Identity
	id   string

	mu      sync.Mutex
	out     chan []byte
	held    [][]byte
	greeted bool
	closed  bool
}

func newWSConn(ws *websocket.Conn, user identity.Identity, buffer int) *wsConn {
	return &wsConn{ws: ws, user: user, out: make(chan []byte, buffer)}
}

// Deliver implements engine.Sink.
func (c *wsConn) Deliver(out engine.Outbound) error {
	t, data, err := protocol.FromOutbound(out)
	if err != nil {
		return err
	}
	return c.send(t, data)
}

func (c *wsConn) send(t protocol.FrameType, data any) error {
	frame, err := protocol.Encode(t, data)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return engine.ErrSinkClosed
	}
	if !c.greeted {
		// One slot stays free for hello.
		if len(c.held) >= cap(c.out)-1 {
			return errBufferFull
		}
		c.held = append(c.held, frame)
		return nil
	}
	return c.enqueueLocked(frame)
}

// greet queues hello followed by any frames held while it was pending.
func (c *wsConn) greet(h protocol.Hello) error {
	frame, err := protocol.Encode(protocol.TypeHello, h)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return engine.ErrSinkClosed
	}
	if c.greeted {
		return nil
	}
	c.greeted = true

	if err := c.enqueueLocked(frame); err != nil {
		return err
	}
	for _, f := range c.held {
		if err := c.enqueueLocked(f); err != nil {
			return err
		}
	}
	c.held = nil
	return nil
}

func (c *wsConn) enqueueLocked(frame []byte) error {
	select {
	case c.out <- frame:
		return nil
	default:
		return errBufferFull
	}
}

// shutdown stops accepting frames and lets the writer drain and exit.
func (c *wsConn) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.out)
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	user, _ := UserFrom(r.Context())

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		slog.Debug("websocket upgrade failed", "user", user.ID, "error", err)
		return
	}

	c := newWSConn(ws, user, s.opts.OutboundBuffer)
	conn, err := s.engine.OpenConnection(user.ID, c)
	if err != nil {
		slog.Warn("open connection failed", "user", user.ID, "error", err)
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "open connection failed"),
			time.Now().Add(s.opts.WriteTimeout))
		ws.Close()
		return
	}
	c.id = conn.ID

	// Frames routed since OpenConnection were held; hello goes out first.
	if err := c.greet(protocol.Hello{
		ConnectionID:    conn.ID,
		User:            conn.Participant,
		ProtocolVersion: ProtocolVersion,
	}); err != nil {
		slog.Warn("hello not queued", "conn_id", conn.ID, "error", err)
	}

	slog.Info("websocket connected", "conn_id", conn.ID, "user", conn.Participant)

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.writePump(c)
	}()

	s.readPump(conn.Context(), c, conn.Participant)

	s.engine.CloseConnection(conn.ID)
	c.shutdown()
	<-done
	slog.Info("websocket disconnected", "conn_id", conn.ID, "user", conn.Participant)
}

// readPump dispatches inbound frames until the socket fails or the engine
// closes the connection.
func (s *Server) readPump(ctx context.Context, c *wsConn, participant string) {
	c.ws.SetReadLimit(maxFrameBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(s.opts.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(s.opts.PongWait))
	})

	// Unblock ReadMessage when the engine drops the connection.
	stop := context.AfterFunc(ctx, func() {
		_ = c.ws.SetReadDeadline(time.Now())
	})
	defer stop()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && ctx.Err() == nil {
				slog.Debug("websocket read failed", "conn_id", c.id, "error", err)
			}
			return
		}
		s.dispatch(ctx, c, participant, data)
	}
}

func (s *Server) dispatch(ctx context.Context, c *wsConn, participant string, data []byte) {
	env, err := protocol.Decode(data)
	if err != nil {
		s.replyError(c, err, "", "")
		return
	}

	switch env.Type {
	case protocol.TypeSubscribe:
		req, err := protocol.DecodeData[protocol.Subscribe](env)
		if err != nil {
			s.replyError(c, err, "", "")
			return
		}
		if _, err := s.engine.Subscribe(ctx, c.id, req.ConversationID, req.Since); err != nil {
			s.replyError(c, err, req.ConversationID, "")
		}

	case protocol.TypeUnsubscribe:
		req, err := protocol.DecodeData[protocol.Unsubscribe](env)
		if err != nil {
			s.replyError(c, err, "", "")
			return
		}
		s.engine.Unsubscribe(c.id, req.ConversationID)

	case protocol.TypeSend:
		req, err := protocol.DecodeData[protocol.Send](env)
		if err == nil {
			err = req.Validate()
		}
		if err != nil {
			s.replyError(c, err, req.ConversationID, req.ClientID)
			return
		}
		msg, err := s.sendDraft(ctx, req.PeerID, req.Draft(participant))
		if err != nil {
			s.replyError(c, err, req.ConversationID, req.ClientID)
			return
		}
		if err := c.send(protocol.TypeSent, protocol.Sent{ClientID: req.ClientID, Message: msg}); err != nil {
			slog.Debug("sent frame not queued", "conn_id", c.id, "error", err)
		}

	case protocol.TypeAck:
		req, err := protocol.DecodeData[protocol.Ack](env)
		if err == nil {
			err = req.Validate()
		}
		if err != nil {
			s.replyError(c, err, req.ConversationID, "")
			return
		}
		if _, err := s.engine.Ack(ctx, participant, req.ConversationID, req.Kind, req.Sequence); err != nil {
			s.replyError(c, err, req.ConversationID, "")
		}

	default:
		s.replyError(c, fmt.Errorf("%w: unknown frame type %q", protocol.ErrBadFrame, env.Type), "", "")
	}
}

func (s *Server) sendDraft(ctx context.Context, peer string, draft ir.Draft) (ir.Message, error) {
	if peer != "" {
		return s.engine.SendDirect(ctx, peer, draft)
	}
	return s.engine.Send(ctx, draft)
}

func (s *Server) replyError(c *wsConn, err error, convID, clientID string) {
	frame := protocol.ErrorFrom(err, convID, clientID)
	if frame.Code == protocol.CodeInternal {
		slog.Error("request failed", "conn_id", c.id, "conversation_id", convID, "error", err)
	}
	if err := c.send(protocol.TypeError, frame); err != nil {
		slog.Debug("error frame not queued", "conn_id", c.id, "error", err)
	}
}

// writePump is the only writer of c.ws. It exits when out is closed or a
// write fails, and closes the socket on the way out.
func (s *Server) writePump(c *wsConn) {
	ticker := time.NewTicker(s.opts.PingInterval)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case frame, ok := <-c.out:
			_ = c.ws.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				slog.Debug("websocket write failed", "conn_id", c.id, "error", err)
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
