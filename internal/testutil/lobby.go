// Package testutil holds shared helpers for the integration and e2e
// suites: a Tachyon lobby stand-in and the engine side of the autohost
// UDP link.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/beyond-all-reason/recoil-autohost/internal/tachyon"
)

// FakeLobby is a Tachyon lobby server stand-in: OAuth2 metadata and
// token endpoints that accept any client-credentials request, and a
// websocket endpoint speaking the v0.tachyon subprotocol.
type FakeLobby struct {
	server *httptest.Server
	conns  chan *websocket.Conn
}

func NewFakeLobby(t testing.TB) *FakeLobby {
	t.Helper()
	f := &FakeLobby{conns: make(chan *websocket.Conn, 4)}

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/oauth-authorization-server", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"token_endpoint":%q,"response_types_supported":["token"]}`, f.server.URL+"/token")
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"test-token","token_type":"Bearer","expires_in":3600}`))
	})
	mux.HandleFunc("/tachyon", func(w http.ResponseWriter, r *http.Request) {
		header := http.Header{"Sec-WebSocket-Protocol": {tachyon.Subprotocol}}
		upgrader := websocket.Upgrader{}
		conn, err := upgrader.Upgrade(w, r, header)
		if err != nil {
			return
		}
		f.conns <- conn
	})

	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)
	return f
}

// Host returns the host:port the autohost should dial.
func (f *FakeLobby) Host() string {
	return strings.TrimPrefix(f.server.URL, "http://")
}

// NextConn returns the lobby side of the next autohost session.
func (f *FakeLobby) NextConn(t testing.TB) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-f.conns:
		t.Cleanup(func() { conn.Close() })
		return conn
	case <-time.After(5 * time.Second):
		t.Fatal("no websocket connection arrived")
		return nil
	}
}

// Accept waits for the next autohost session and wraps it in a
// LobbySession that sorts incoming traffic.
func (f *FakeLobby) Accept(t testing.TB) *LobbySession {
	t.Helper()
	return newLobbySession(f.NextConn(t))
}

// WriteRequest sends one request envelope to the autohost.
func WriteRequest(t testing.TB, conn *websocket.Conn, messageID, commandID string, data any) {
	t.Helper()
	env := tachyon.Envelope{
		Type:      tachyon.MessageTypeRequest,
		MessageID: messageID,
		CommandID: commandID,
	}
	if data != nil {
		raw, err := json.Marshal(data)
		require.NoError(t, err)
		env.Data = raw
	}
	raw, err := json.Marshal(env)
	require.NoError(t, err)
	require.NoError(t, conn.SetWriteDeadline(time.Now().Add(5*time.Second)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, raw))
}
