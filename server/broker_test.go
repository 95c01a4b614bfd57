package server

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"syncpad/crdt"
	"syncpad/protocol"
	"syncpad/server/store"
)

func newTestBroker() *Broker {
	return NewBroker(NewRegistry(), store.NewMemoryStore(), nil, zap.NewNop().Sugar())
}

// connect registers a broker-side client without a real socket; tests read
// its outbound frames straight from the send queue.
func connect(t *testing.T, b *Broker, userID string) *client {
	t.Helper()
	c := newClient(b, nil)
	b.handle(c, protocol.Register{UserID: userID})
	msg := recv(t, c)
	require.IsType(t, protocol.RegisterAck{}, msg)
	return c
}

func recv(t *testing.T, c *client) protocol.Message {
	t.Helper()
	select {
	case frame := <-c.send:
		msg, err := protocol.Decode(frame)
		require.NoError(t, err)
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no frame received")
		return nil
	}
}

func tryRecv(c *client) (protocol.Message, bool) {
	select {
	case frame := <-c.send:
		msg, err := protocol.Decode(frame)
		if err != nil {
			return nil, false
		}
		return msg, true
	default:
		return nil, false
	}
}

func drain(c *client) {
	for {
		select {
		case <-c.send:
		default:
			return
		}
	}
}

func testChar(value rune, site string) crdt.Character {
	return crdt.Character{
		Value:     value,
		Pos:       crdt.Position{{Pos: 32768, Site: site}},
		Author:    site,
		Timestamp: time.Now().UnixMilli(),
	}
}

func TestRegisterAck(t *testing.T) {
	b := newTestBroker()
	c := newClient(b, nil)
	b.handle(c, protocol.Register{UserID: "alice"})
	msg := recv(t, c)
	ack, ok := msg.(protocol.RegisterAck)
	require.True(t, ok)
	assert.Equal(t, "alice", ack.UserID)
}

func TestUnregisteredOperationRejected(t *testing.T) {
	b := newTestBroker()
	c := newClient(b, nil)
	b.handle(c, protocol.CreateSession{UserID: "ghost"})
	msg := recv(t, c)
	require.IsType(t, protocol.Error{}, msg)
}

func TestCreateSession(t *testing.T) {
	b := newTestBroker()
	c := connect(t, b, "alice")
	b.handle(c, protocol.CreateSession{UserID: "alice"})
	msg := recv(t, c)
	created, ok := msg.(protocol.SessionCreated)
	require.True(t, ok)
	assert.NotEmpty(t, created.EditorCode)
	assert.NotEmpty(t, created.ViewerCode)
	require.NotNil(t, c.sessionRef())
	assert.True(t, c.sessionRef().IsEditor("alice"))
}

// setupPair returns two connected editors sharing one session, queues
// drained.
func setupPair(t *testing.T, b *Broker) (*client, *client) {
	t.Helper()
	e1 := connect(t, b, "editor1")
	b.handle(e1, protocol.CreateSession{UserID: "editor1"})
	created := recv(t, e1).(protocol.SessionCreated)

	e2 := connect(t, b, "editor2")
	b.handle(e2, protocol.JoinSession{UserID: "editor2", Code: created.EditorCode, AsEditor: true})
	joined := recv(t, e2)
	require.IsType(t, protocol.SessionJoined{}, joined)

	drain(e1)
	drain(e2)
	return e1, e2
}

func TestInsertForwardedWithoutEcho(t *testing.T) {
	b := newTestBroker()
	e1, e2 := setupPair(t, b)

	b.handle(e1, protocol.Insert{UserID: "editor1", Character: testChar('x', "editor1")})

	msg := recv(t, e2)
	fwd, ok := msg.(protocol.Insert)
	require.True(t, ok)
	assert.Equal(t, "editor1", fwd.UserID)
	assert.Equal(t, 'x', fwd.Character.Value)

	_, extra := tryRecv(e2)
	assert.False(t, extra, "exactly one forwarded insert expected")
	_, echo := tryRecv(e1)
	assert.False(t, echo, "sender must not receive its own insert")
}

func TestCursorMoveForwarded(t *testing.T) {
	b := newTestBroker()
	e1, e2 := setupPair(t, b)

	b.handle(e1, protocol.CursorMove{UserID: "editor1", Position: 3})
	msg := recv(t, e2)
	mv, ok := msg.(protocol.CursorMove)
	require.True(t, ok)
	assert.Equal(t, 3, mv.Position)
	_, echo := tryRecv(e1)
	assert.False(t, echo)
}

func TestViewerCannotMutate(t *testing.T) {
	b := newTestBroker()
	e1 := connect(t, b, "editor1")
	b.handle(e1, protocol.CreateSession{UserID: "editor1"})
	created := recv(t, e1).(protocol.SessionCreated)

	v := connect(t, b, "viewer")
	b.handle(v, protocol.JoinSession{UserID: "viewer", Code: created.ViewerCode, AsEditor: false})
	require.IsType(t, protocol.SessionJoined{}, recv(t, v))
	drain(e1)
	drain(v)

	b.handle(v, protocol.Insert{UserID: "viewer", Character: testChar('x', "viewer")})

	msg := recv(t, v)
	errMsg, ok := msg.(protocol.Error)
	require.True(t, ok)
	assert.Contains(t, errMsg.Message, "not authorized")
	_, forwarded := tryRecv(e1)
	assert.False(t, forwarded, "rejected operation must not be forwarded")
}

func TestDocumentUpdateOverwritesAndPersists(t *testing.T) {
	b := newTestBroker()
	e1, _ := setupPair(t, b)

	b.handle(e1, protocol.DocumentUpdate{UserID: "editor1", Content: "hello world"})
	assert.Equal(t, "hello world", e1.sessionRef().Content())

	text, err := b.store.Load(context.Background(), e1.sessionRef().EditorCode)
	require.NoError(t, err)
	assert.Equal(t, "hello world", text)
}

func TestInstantUpdatePushedHighPriority(t *testing.T) {
	b := newTestBroker()
	e1, e2 := setupPair(t, b)

	b.handle(e1, protocol.InstantUpdate{UserID: "editor1", Content: "after undo", Operation: "undo"})

	msg := recv(t, e2)
	sync, ok := msg.(protocol.DocumentSync)
	require.True(t, ok)
	assert.Equal(t, "after undo", sync.Content)
	assert.True(t, sync.HighPriority)
	assert.Equal(t, "undo", sync.Operation)
	_, echo := tryRecv(e1)
	assert.False(t, echo)
}

func TestSyncConfirmationMismatchTriggersResend(t *testing.T) {
	b := newTestBroker()
	e1, _ := setupPair(t, b)
	e1.sessionRef().SetContent("1234567")

	b.handle(e1, protocol.SyncConfirm{ReceivedLength: 5})

	msg := recv(t, e1)
	sync, ok := msg.(protocol.DocumentSync)
	require.True(t, ok)
	assert.Equal(t, "1234567", sync.Content)
	assert.True(t, sync.SyncRetry)
}

func TestSyncConfirmationMatchIsQuiet(t *testing.T) {
	b := newTestBroker()
	e1, _ := setupPair(t, b)
	e1.sessionRef().SetContent("1234567")

	b.handle(e1, protocol.SyncConfirm{ReceivedLength: 7})
	_, got := tryRecv(e1)
	assert.False(t, got, "matching confirmation needs no resend")
}

func TestRequestResync(t *testing.T) {
	b := newTestBroker()
	e1, _ := setupPair(t, b)
	e1.sessionRef().SetContent("authoritative")

	b.handle(e1, protocol.RequestResync{UserID: "editor1"})
	msg := recv(t, e1)
	sync, ok := msg.(protocol.DocumentSync)
	require.True(t, ok)
	assert.Equal(t, "authoritative", sync.Content)
}

func TestJoinWithContentStartsSync(t *testing.T) {
	b := newTestBroker()
	e1 := connect(t, b, "editor1")
	b.handle(e1, protocol.CreateSession{UserID: "editor1"})
	created := recv(t, e1).(protocol.SessionCreated)
	b.handle(e1, protocol.DocumentUpdate{UserID: "editor1", Content: "existing"})

	e2 := connect(t, b, "editor2")
	b.handle(e2, protocol.JoinSession{UserID: "editor2", Code: created.EditorCode, AsEditor: true})
	require.IsType(t, protocol.SessionJoined{}, recv(t, e2))
	require.IsType(t, protocol.Presence{}, recv(t, e2))

	sync, ok := recv(t, e2).(protocol.DocumentSync)
	require.True(t, ok)
	assert.Equal(t, "existing", sync.Content)
	assert.Equal(t, 1, sync.SyncAttempt)
	req, ok := recv(t, e2).(protocol.SyncConfirmReq)
	require.True(t, ok)
	assert.Equal(t, 8, req.DocumentLength)

	// A matching confirmation ends the retry loop; no further pushes.
	b.handle(e2, protocol.SyncConfirm{ReceivedLength: 8})
	time.Sleep(50 * time.Millisecond)
	_, more := tryRecv(e2)
	assert.False(t, more)
}

func TestResyncRetriesThenGivesUp(t *testing.T) {
	b := newTestBroker()
	b.syncInterval = 20 * time.Millisecond
	e1 := connect(t, b, "editor1")
	b.handle(e1, protocol.CreateSession{UserID: "editor1"})
	created := recv(t, e1).(protocol.SessionCreated)
	b.handle(e1, protocol.DocumentUpdate{UserID: "editor1", Content: "existing"})

	e2 := connect(t, b, "editor2")
	b.handle(e2, protocol.JoinSession{UserID: "editor2", Code: created.EditorCode, AsEditor: true})
	require.IsType(t, protocol.SessionJoined{}, recv(t, e2))
	require.IsType(t, protocol.Presence{}, recv(t, e2))

	// No confirmation ever arrives; every attempt times out and resends.
	for attempt := 1; attempt <= maxSyncAttempts; attempt++ {
		sync, ok := recv(t, e2).(protocol.DocumentSync)
		require.True(t, ok, "push for attempt %d missing", attempt)
		assert.Equal(t, "existing", sync.Content)
		assert.Equal(t, attempt, sync.SyncAttempt)
		require.IsType(t, protocol.SyncConfirmReq{}, recv(t, e2))
	}

	time.Sleep(200 * time.Millisecond)
	_, more := tryRecv(e2)
	assert.False(t, more, "retries must stop after the last attempt")
}

func TestJoiningSecondSessionLeavesFirst(t *testing.T) {
	b := newTestBroker()
	e1, e2 := setupPair(t, b)
	first := e1.sessionRef()

	e3 := connect(t, b, "editor3")
	b.handle(e3, protocol.CreateSession{UserID: "editor3"})
	second := recv(t, e3).(protocol.SessionCreated)

	b.handle(e2, protocol.JoinSession{UserID: "editor2", Code: second.EditorCode, AsEditor: true})

	assert.NotContains(t, first.Members(), "editor2")
	presence, ok := recv(t, e1).(protocol.Presence)
	require.True(t, ok)
	assert.Equal(t, []string{"editor1"}, presence.Users)
	gone, ok := recv(t, e1).(protocol.CursorRemove)
	require.True(t, ok)
	assert.Equal(t, "editor2", gone.UserID)

	drain(e2)
	b.handle(e1, protocol.Insert{UserID: "editor1", Character: testChar('x', "editor1")})
	_, leaked := tryRecv(e2)
	assert.False(t, leaked, "operations in the left session must not reach the departed member")
}

func TestJoinAfterTeardownLeavesNoGhost(t *testing.T) {
	b := newTestBroker()
	e1 := connect(t, b, "editor1")
	b.handle(e1, protocol.CreateSession{UserID: "editor1"})
	created := recv(t, e1).(protocol.SessionCreated)

	e2 := connect(t, b, "editor2")
	b.disconnect(e2)
	b.handle(e2, protocol.JoinSession{UserID: "editor2", Code: created.EditorCode, AsEditor: true})

	s, found := b.registry.Lookup(created.EditorCode)
	require.True(t, found)
	assert.NotContains(t, s.Members(), "editor2")
	assert.Nil(t, e2.sessionRef())
}

func TestDisconnectTeardown(t *testing.T) {
	b := newTestBroker()
	e1, e2 := setupPair(t, b)
	editorCode := e1.sessionRef().EditorCode

	b.disconnect(e2)

	presence, ok := recv(t, e1).(protocol.Presence)
	require.True(t, ok)
	assert.Equal(t, []string{"editor1"}, presence.Users)
	gone, ok := recv(t, e1).(protocol.CursorRemove)
	require.True(t, ok)
	assert.Equal(t, "editor2", gone.UserID)

	// Idempotent: a second teardown of the same connection is a no-op.
	b.disconnect(e2)
	_, again := tryRecv(e1)
	assert.False(t, again)

	// Last member out evicts both codes.
	b.disconnect(e1)
	_, found := b.registry.Lookup(editorCode)
	assert.False(t, found)
}
