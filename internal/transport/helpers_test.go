package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/roach88/convsync/internal/engine"
	"github.com/roach88/convsync/internal/identity"
	"github.com/roach88/convsync/internal/protocol"
	"github.com/roach88/convsync/internal/store"
	"github.com/roach88/convsync/internal/testutil"
)

var testTokens = identity.Static{
	"tok-alice": {ID: "alice"},
	"tok-bob":   {ID: "bob"},
	"tok-carol": {ID: "carol"},
}

type testServer struct {
	eng   *engine.Engine
	store *store.Store
	http  *httptest.Server
}

func newTestServer(t *testing.T, opts ...ServerOption) *testServer {
	t.Helper()

	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	eng := engine.New(s,
		engine.WithClock(testutil.NewDeterministicClock()),
		engine.WithIDGenerator(testutil.NewSequentialIDGenerator("id")),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = eng.Run(ctx)
	}()

	srv := httptest.NewServer(NewServer(eng, testTokens, opts...))
	t.Cleanup(func() {
		srv.Close()
		cancel()
		<-done
	})

	return &testServer{eng: eng, store: s, http: srv}
}

// do sends a JSON request and returns the response status and body.
func (ts *testServer) do(t *testing.T, method, path, token string, body any) (int, []byte) {
	t.Helper()

	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, ts.http.URL+path, r)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := ts.http.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

func (ts *testServer) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.http.URL, "http") + "/ws?access_token=" + token
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { ws.Close() })
	return ws
}

func writeFrame(t *testing.T, ws *websocket.Conn, typ protocol.FrameType, data any) {
	t.Helper()
	frame, err := protocol.Encode(typ, data)
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, frame))
}

func readFrame(t *testing.T, ws *websocket.Conn) protocol.Envelope {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	env, err := protocol.Decode(data)
	require.NoError(t, err)
	return env
}

// readUntil reads frames until one of type typ satisfies match.
func readUntil[T any](t *testing.T, ws *websocket.Conn, typ protocol.FrameType, match func(T) bool) T {
	t.Helper()
	for i := 0; i < 50; i++ {
		env := readFrame(t, ws)
		if env.Type != typ {
			continue
		}
		v, err := protocol.DecodeData[T](env)
		require.NoError(t, err)
		if match == nil || match(v) {
			return v
		}
	}
	t.Fatalf("no matching %s frame", typ)
	var zero T
	return zero
}

func decodeJSON[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(data, &v), string(data))
	return v
}

func websocketDial(url string) (*websocket.Conn, *http.Response, error) {
	return websocket.DefaultDialer.Dial(url, nil)
}
