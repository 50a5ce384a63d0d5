package client

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/convsync/internal/engine"
	"github.com/roach88/convsync/internal/identity"
	"github.com/roach88/convsync/internal/ir"
	"github.com/roach88/convsync/internal/protocol"
	"github.com/roach88/convsync/internal/store"
	"github.com/roach88/convsync/internal/testutil"
	"github.com/roach88/convsync/internal/transport"
)

type liveServer struct {
	eng   *engine.Engine
	store *store.Store
	url   string
}

func startServer(t *testing.T) *liveServer {
	t.Helper()

	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	eng := engine.New(s, engine.WithIDGenerator(testutil.NewSequentialIDGenerator("id")))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = eng.Run(ctx)
	}()

	tokens := identity.Static{
		"tok-alice": {ID: "alice"},
		"tok-bob":   {ID: "bob"},
		"tok-carol": {ID: "carol"},
	}
	srv := httptest.NewServer(transport.NewServer(eng, tokens))
	t.Cleanup(func() {
		srv.Close()
		cancel()
		<-done
	})

	return &liveServer{eng: eng, store: s, url: "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"}
}

func (ls *liveServer) config(token, user string) Config {
	return Config{
		URL:             ls.url,
		Token:           token,
		User:            user,
		InitialInterval: 10 * time.Millisecond,
		MaxInterval:     50 * time.Millisecond,
	}
}

func runConn(t *testing.T, c *Conn) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	return func() {
		cancel()
		select {
		case err := <-done:
			assert.ErrorIs(t, err, context.Canceled)
		case <-time.After(5 * time.Second):
			t.Fatal("Run did not return after cancel")
		}
	}
}

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for frame")
		var zero T
		return zero
	}
}

func sendText(t *testing.T, eng *engine.Engine, convID, sender, text string) ir.Message {
	t.Helper()
	msg, err := eng.Send(context.Background(), ir.Draft{
		ConversationID: convID,
		SenderID:       sender,
		Content:        ir.Content{Kind: ir.MessageText, Text: text},
	})
	require.NoError(t, err)
	return msg
}

func TestConn_ReconnectResumesFromLastSeen(t *testing.T) {
	ls := startServer(t)
	ctx := context.Background()
	conv, err := ls.eng.EnsureDirect(ctx, "alice", "bob")
	require.NoError(t, err)
	sendText(t, ls.eng, conv.ID, "bob", "m1")

	msgs := make(chan ir.Message, 16)
	hellos := make(chan protocol.Hello, 4)

	cfg := ls.config("tok-alice", "alice")
	cfg.AutoAck = true
	cfg.Cursors = NewCursorFile(filepath.Join(t.TempDir(), "cursors.yaml"))
	c, err := New(cfg, Handlers{
		Connected: func(h protocol.Hello) { hellos <- h },
		Message:   func(m ir.Message) { msgs <- m },
	})
	require.NoError(t, err)
	require.NoError(t, c.Subscribe(conv.ID))

	stop := runConn(t, c)

	first := receive(t, hellos)
	assert.Equal(t, "alice", first.User)
	assert.Equal(t, int64(1), receive(t, msgs).Seq)

	// Drop the session from the server side, then send while it is down.
	ls.eng.CloseConnection(first.ConnectionID)
	sendText(t, ls.eng, conv.ID, "bob", "m2")

	second := receive(t, hellos)
	assert.NotEqual(t, first.ConnectionID, second.ConnectionID)

	m2 := receive(t, msgs)
	assert.Equal(t, int64(2), m2.Seq)
	assert.Equal(t, "m2", m2.Content.Text)

	sendText(t, ls.eng, conv.ID, "bob", "m3")
	assert.Equal(t, int64(3), receive(t, msgs).Seq)

	assert.Eventually(t, func() bool {
		cur, err := ls.store.Cursor(ctx, conv.ID, "alice")
		return err == nil && cur.Delivered == 3
	}, 5*time.Second, 10*time.Millisecond)

	stop()
	select {
	case m := <-msgs:
		t.Fatalf("unexpected extra delivery of seq %d", m.Seq)
	default:
	}

	seen, err := cfg.Cursors.Load("alice")
	require.NoError(t, err)
	assert.Equal(t, int64(3), seen[conv.ID])
}

func TestConn_PendingSendFlushedOnConnect(t *testing.T) {
	ls := startServer(t)
	ctx := context.Background()
	conv, err := ls.eng.EnsureDirect(ctx, "alice", "bob")
	require.NoError(t, err)

	sent := make(chan ir.Message, 4)
	c, err := New(ls.config("tok-alice", "alice"), Handlers{
		Sent: func(_ string, m ir.Message) { sent <- m },
	})
	require.NoError(t, err)

	p, err := c.Send(Pending{ConversationID: conv.ID, Content: ir.Content{Text: "queued offline"}})
	require.NoError(t, err)
	assert.NotEmpty(t, p.ClientID)
	assert.Equal(t, ir.StatusSending, p.Status)
	assert.Len(t, c.Overlay().Merge(conv.ID, "alice", nil), 1)

	stop := runConn(t, c)
	defer stop()

	msg := receive(t, sent)
	assert.Equal(t, p.ClientID, msg.ClientID)
	assert.Equal(t, int64(1), msg.Seq)
	assert.Empty(t, c.Overlay().Sending())

	history, err := ls.eng.History(ctx, "bob", conv.ID, 0, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "queued offline", history[0].Content.Text)
}

func TestConn_RejectedSendMarksFailed(t *testing.T) {
	ls := startServer(t)
	conv, err := ls.eng.EnsureDirect(context.Background(), "alice", "bob")
	require.NoError(t, err)

	failed := make(chan Pending, 1)
	hellos := make(chan protocol.Hello, 1)
	c, err := New(ls.config("tok-carol", "carol"), Handlers{
		Connected: func(h protocol.Hello) { hellos <- h },
		Failed:    func(p Pending) { failed <- p },
	})
	require.NoError(t, err)

	stop := runConn(t, c)
	defer stop()
	receive(t, hellos)

	p, err := c.Send(Pending{ClientID: "c1", ConversationID: conv.ID, Content: ir.Content{Text: "let me in"}})
	require.NoError(t, err)

	got := receive(t, failed)
	assert.Equal(t, p.ClientID, got.ClientID)
	assert.Equal(t, ir.StatusFailed, got.Status)
	assert.Contains(t, got.Error, string(engine.ErrCodeNotParticipant))
}

func TestNew_RequiresURL(t *testing.T) {
	_, err := New(Config{}, Handlers{})
	assert.Error(t, err)
}

// scriptedServer accepts one WebSocket session, greets it and hands both
// directions to the test.
type scriptedServer struct {
	url     string
	inbound chan protocol.Envelope
	push    chan []byte
}

func startScriptedServer(t *testing.T) *scriptedServer {
	t.Helper()
	ss := &scriptedServer{
		inbound: make(chan protocol.Envelope, 32),
		push:    make(chan []byte, 32),
	}

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()

		hello, _ := protocol.Encode(protocol.TypeHello, protocol.Hello{ConnectionID: "c1", User: "alice"})
		if ws.WriteMessage(websocket.TextMessage, hello) != nil {
			return
		}

		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				_, data, err := ws.ReadMessage()
				if err != nil {
					return
				}
				if env, err := protocol.Decode(data); err == nil {
					ss.inbound <- env
				}
			}
		}()

		for {
			select {
			case frame := <-ss.push:
				if ws.WriteMessage(websocket.TextMessage, frame) != nil {
					return
				}
			case <-done:
				return
			}
		}
	}))
	t.Cleanup(srv.Close)

	ss.url = "ws" + strings.TrimPrefix(srv.URL, "http")
	return ss
}

func (ss *scriptedServer) sendMessage(t *testing.T, convID string, seq int64) {
	t.Helper()
	frame, err := protocol.Encode(protocol.TypeMessage, protocol.Message{
		Sequence: seq,
		Message: ir.Message{
			ID:             fmt.Sprintf("m%d", seq),
			ConversationID: convID,
			Seq:            seq,
			SenderID:       "bob",
			Content:        ir.Content{Kind: ir.MessageText, Text: "hi"},
		},
	})
	require.NoError(t, err)
	ss.push <- frame
}

func TestConn_GapResubscribesFromLastSeen(t *testing.T) {
	ss := startScriptedServer(t)

	msgs := make(chan ir.Message, 16)
	c, err := New(Config{URL: ss.url, Token: "tok", User: "alice"}, Handlers{
		Message: func(m ir.Message) { msgs <- m },
	})
	require.NoError(t, err)
	require.NoError(t, c.Subscribe("conv"))

	stop := runConn(t, c)
	defer stop()

	env := receive(t, ss.inbound)
	require.Equal(t, protocol.TypeSubscribe, env.Type)

	ss.sendMessage(t, "conv", 1)
	assert.Equal(t, int64(1), receive(t, msgs).Seq)

	// 2 never arrives; 3 and 4 expose the gap
	ss.sendMessage(t, "conv", 3)
	ss.sendMessage(t, "conv", 4)

	env = receive(t, ss.inbound)
	require.Equal(t, protocol.TypeUnsubscribe, env.Type)
	env = receive(t, ss.inbound)
	require.Equal(t, protocol.TypeSubscribe, env.Type)
	sub, err := protocol.DecodeData[protocol.Subscribe](env)
	require.NoError(t, err)
	assert.Equal(t, int64(1), sub.Since)

	for _, seq := range []int64{2, 3, 4} {
		ss.sendMessage(t, "conv", seq)
	}
	for _, want := range []int64{2, 3, 4} {
		assert.Equal(t, want, receive(t, msgs).Seq)
	}
	assert.Equal(t, int64(4), c.Tracker().Since("conv"))

	select {
	case env := <-ss.inbound:
		t.Fatalf("unexpected %s frame after resync", env.Type)
	case <-time.After(50 * time.Millisecond):
	}
}
