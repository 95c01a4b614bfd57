package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"syncpad/crdt"
	"syncpad/protocol"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// newTestServer upgrades, answers the register handshake, then hands the
// socket to script. The script receives every further inbound message
// decoded; returning from it closes the socket.
func newTestServer(t *testing.T, script func(ws *websocket.Conn)) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			return
		}
		reg, ok := msg.(protocol.Register)
		if !ok {
			return
		}
		writeMsg(t, ws, protocol.RegisterAck{UserID: reg.UserID})
		if script != nil {
			script(ws)
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func writeMsg(t *testing.T, ws *websocket.Conn, msg protocol.Message) {
	t.Helper()
	frame, err := protocol.Encode(msg)
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, frame))
}

func readMsg(t *testing.T, ws *websocket.Conn) protocol.Message {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	msg, err := protocol.Decode(data)
	require.NoError(t, err)
	return msg
}

// awaitTrigger blocks the script until the client signals readiness with a
// resync request, keeping listener registration race-free.
func awaitTrigger(t *testing.T, ws *websocket.Conn) {
	t.Helper()
	for {
		msg := readMsg(t, ws)
		if _, ok := msg.(protocol.RequestResync); ok {
			return
		}
	}
}

func dialTest(t *testing.T, url string) *Conn {
	t.Helper()
	conn, err := Dial(context.Background(), url, "user-1", zap.NewNop().Sugar())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestDialHandshake(t *testing.T) {
	url := newTestServer(t, func(ws *websocket.Conn) {
		time.Sleep(100 * time.Millisecond)
	})
	conn := dialTest(t, url)
	assert.Equal(t, Connected, conn.State())
	assert.Equal(t, "user-1", conn.UserID())
}

func TestDialRejectsBadHandshake(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		ws.ReadMessage()
		frame, _ := protocol.Encode(protocol.Error{Message: "nope"})
		ws.WriteMessage(websocket.TextMessage, frame)
	}))
	defer srv.Close()

	_, err := Dial(context.Background(), "ws"+strings.TrimPrefix(srv.URL, "http"), "user-1", zap.NewNop().Sugar())
	assert.Error(t, err)
}

func TestOperationListenerReceivesInsert(t *testing.T) {
	ch := crdt.Character{
		Value:  'k',
		Pos:    crdt.Position{{Pos: 32768, Site: "peer"}},
		Author: "peer",
	}
	url := newTestServer(t, func(ws *websocket.Conn) {
		awaitTrigger(t, ws)
		writeMsg(t, ws, protocol.Insert{UserID: "peer", Character: ch})
		time.Sleep(100 * time.Millisecond)
	})
	conn := dialTest(t, url)

	got := make(chan protocol.Message, 1)
	conn.OnOperation(func(msg protocol.Message) { got <- msg })
	require.NoError(t, conn.RequestResync())

	select {
	case msg := <-got:
		ins, ok := msg.(protocol.Insert)
		require.True(t, ok)
		assert.Equal(t, 'k', ins.Character.Value)
		assert.True(t, ch.Pos.Equal(ins.Character.Pos))
	case <-time.After(2 * time.Second):
		t.Fatal("operation listener never invoked")
	}
}

func TestUndecodableFrameKeepsConnectionAlive(t *testing.T) {
	ch := crdt.Character{
		Value:  'k',
		Pos:    crdt.Position{{Pos: 32768, Site: "peer"}},
		Author: "peer",
	}
	url := newTestServer(t, func(ws *websocket.Conn) {
		awaitTrigger(t, ws)
		// Truncated JSON, then an unknown tag; neither may kill the read
		// loop, and the insert behind them must still be delivered.
		require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"type":`)))
		require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"mystery"}`)))
		writeMsg(t, ws, protocol.Insert{UserID: "peer", Character: ch})
		time.Sleep(100 * time.Millisecond)
	})
	conn := dialTest(t, url)

	got := make(chan protocol.Message, 1)
	conn.OnOperation(func(msg protocol.Message) { got <- msg })
	require.NoError(t, conn.RequestResync())

	select {
	case msg := <-got:
		ins, ok := msg.(protocol.Insert)
		require.True(t, ok)
		assert.Equal(t, 'k', ins.Character.Value)
	case <-time.After(2 * time.Second):
		t.Fatal("insert behind undecodable frames never delivered")
	}
	assert.Equal(t, Connected, conn.State())
}

func TestAllOperationListenersInvoked(t *testing.T) {
	ch := crdt.Character{
		Value:  'k',
		Pos:    crdt.Position{{Pos: 32768, Site: "peer"}},
		Author: "peer",
	}
	url := newTestServer(t, func(ws *websocket.Conn) {
		awaitTrigger(t, ws)
		writeMsg(t, ws, protocol.Insert{UserID: "peer", Character: ch})
		time.Sleep(100 * time.Millisecond)
	})
	conn := dialTest(t, url)

	first := make(chan protocol.Message, 1)
	second := make(chan protocol.Message, 1)
	conn.OnOperation(func(msg protocol.Message) { first <- msg })
	conn.OnOperation(func(msg protocol.Message) { second <- msg })
	require.NoError(t, conn.RequestResync())

	for _, got := range []chan protocol.Message{first, second} {
		select {
		case msg := <-got:
			require.IsType(t, protocol.Insert{}, msg)
		case <-time.After(2 * time.Second):
			t.Fatal("a registered listener was never invoked")
		}
	}
}

func TestPresenceAndCodeListeners(t *testing.T) {
	url := newTestServer(t, func(ws *websocket.Conn) {
		awaitTrigger(t, ws)
		writeMsg(t, ws, protocol.SessionCreated{EditorCode: "EDIT1234", ViewerCode: "VIEW1234"})
		writeMsg(t, ws, protocol.Presence{Users: []string{"a", "b"}})
		time.Sleep(100 * time.Millisecond)
	})
	conn := dialTest(t, url)

	codes := make(chan [2]string, 1)
	users := make(chan []string, 1)
	conn.OnShareCodes(func(e, v string) { codes <- [2]string{e, v} })
	conn.OnPresence(func(u []string) { users <- u })
	require.NoError(t, conn.RequestResync())

	select {
	case got := <-codes:
		assert.Equal(t, [2]string{"EDIT1234", "VIEW1234"}, got)
	case <-time.After(2 * time.Second):
		t.Fatal("code listener never invoked")
	}
	select {
	case got := <-users:
		assert.Equal(t, []string{"a", "b"}, got)
	case <-time.After(2 * time.Second):
		t.Fatal("presence listener never invoked")
	}
}

func TestServerErrorReachesErrorListener(t *testing.T) {
	url := newTestServer(t, func(ws *websocket.Conn) {
		awaitTrigger(t, ws)
		writeMsg(t, ws, protocol.Error{Message: "not authorized as editor"})
		time.Sleep(100 * time.Millisecond)
	})
	conn := dialTest(t, url)

	errs := make(chan error, 1)
	conn.OnError(func(err error) { errs <- err })
	require.NoError(t, conn.RequestResync())

	select {
	case err := <-errs:
		assert.Contains(t, err.Error(), "not authorized")
	case <-time.After(2 * time.Second):
		t.Fatal("error listener never invoked")
	}
}

func TestDisconnectOnServerClose(t *testing.T) {
	url := newTestServer(t, func(ws *websocket.Conn) {
		awaitTrigger(t, ws)
		// Returning closes the socket.
	})
	conn := dialTest(t, url)

	errs := make(chan error, 1)
	conn.OnError(func(err error) { errs <- err })
	require.NoError(t, conn.RequestResync())

	select {
	case <-errs:
	case <-time.After(2 * time.Second):
		t.Fatal("transport failure never reported")
	}
	assert.Equal(t, Disconnected, conn.State())
	assert.ErrorIs(t, conn.RequestResync(), ErrDisconnected)
}
