package testutil

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/beyond-all-reason/recoil-autohost/internal/tachyon"
)

const sessionTimeout = 5 * time.Second

// LobbySession is the lobby's view of one autohost connection. A
// background reader sorts the autohost's messages into responses,
// update events and status events so a test can wait for one kind
// without consuming the others. The reader owns the receiving side of
// the connection; tests use the helper methods.
type LobbySession struct {
	Conn      *websocket.Conn
	Responses chan tachyon.Envelope
	Updates   chan tachyon.Envelope
	Statuses  chan tachyon.Envelope
}

func newLobbySession(conn *websocket.Conn) *LobbySession {
	s := &LobbySession{
		Conn:      conn,
		Responses: make(chan tachyon.Envelope, 16),
		Updates:   make(chan tachyon.Envelope, 64),
		Statuses:  make(chan tachyon.Envelope, 16),
	}
	go s.readLoop()
	return s
}

// readLoop runs until the connection closes. Read errors are not
// reported here; a waiting test times out and fails on its own.
func (s *LobbySession) readLoop() {
	for {
		_, raw, err := s.Conn.ReadMessage()
		if err != nil {
			return
		}
		env, err := tachyon.ParseEnvelope(raw)
		if err != nil {
			continue
		}
		switch {
		case env.Type == tachyon.MessageTypeResponse:
			s.Responses <- env
		case env.CommandID == tachyon.CmdUpdate:
			s.Updates <- env
		case env.CommandID == tachyon.CmdStatus:
			s.Statuses <- env
		}
	}
}

// SendRequest writes one request envelope and returns its message id.
func (s *LobbySession) SendRequest(t testing.TB, commandID string, data any) string {
	t.Helper()
	id := uuid.NewString()
	WriteRequest(t, s.Conn, id, commandID, data)
	return id
}

// Response returns the next response and checks that it answers the
// given request.
func (s *LobbySession) Response(t testing.TB, messageID string) tachyon.Envelope {
	t.Helper()
	select {
	case env := <-s.Responses:
		require.Equal(t, messageID, env.MessageID)
		return env
	case <-time.After(sessionTimeout):
		t.Fatalf("timed out waiting for a response to %s", messageID)
		return tachyon.Envelope{}
	}
}

// Request sends one request and waits for its response.
func (s *LobbySession) Request(t testing.TB, commandID string, data any) tachyon.Envelope {
	t.Helper()
	return s.Response(t, s.SendRequest(t, commandID, data))
}

// NextUpdate returns the next autohost/update payload.
func (s *LobbySession) NextUpdate(t testing.TB) tachyon.UpdateEventData {
	t.Helper()
	select {
	case env := <-s.Updates:
		var data tachyon.UpdateEventData
		require.NoError(t, json.Unmarshal(env.Data, &data))
		return data
	case <-time.After(sessionTimeout):
		t.Fatal("timed out waiting for an update event")
		return tachyon.UpdateEventData{}
	}
}

// NextStatus returns the next autohost/status payload.
func (s *LobbySession) NextStatus(t testing.TB) tachyon.StatusEventData {
	t.Helper()
	select {
	case env := <-s.Statuses:
		var data tachyon.StatusEventData
		require.NoError(t, json.Unmarshal(env.Data, &data))
		return data
	case <-time.After(sessionTimeout):
		t.Fatal("timed out waiting for a status event")
		return tachyon.StatusEventData{}
	}
}
