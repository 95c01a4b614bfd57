// Package client implements the editor-side network layer: connection
// lifecycle, listener fan-out for inbound messages and throttled cursor
// publishing. Reconnecting after a drop is the caller's decision.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"syncpad/crdt"
	"syncpad/protocol"
)

// State is the connection's two-state lifecycle.
type State int32

const (
	Disconnected State = iota
	Connected
)

// ErrDisconnected is returned by send operations after the connection has
// dropped.
var ErrDisconnected = errors.New("client: not connected")

// Conn is one participant's connection to the collaboration server.
// Listeners run on the read loop's goroutine, in receipt order; they must
// not block for long.
type Conn struct {
	userID string
	ws     *websocket.Conn
	log    *zap.SugaredLogger
	cursor *cursorSender

	writeMu sync.Mutex

	mu                sync.Mutex
	state             State
	opListeners       []func(protocol.Message)
	presenceListeners []func(users []string)
	errorListeners    []func(err error)
	codeListeners     []func(editorCode, viewerCode string)
}

// Dial connects, performs the register handshake and starts the read loop.
func Dial(ctx context.Context, url, userID string, log *zap.SugaredLogger) (*Conn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", url, err)
	}
	c := &Conn{userID: userID, ws: ws, log: log}
	c.cursor = newCursorSender(func(pos int) {
		if err := c.send(protocol.CursorMove{UserID: c.userID, Position: pos}); err != nil {
			c.notifyError(err)
		}
	}, defaultCoalesceWindow, defaultEditSuppressWindow)

	if err := c.send(protocol.Register{UserID: userID}); err != nil {
		ws.Close()
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		ws.SetReadDeadline(deadline)
	}
	msg, err := c.readOne()
	if err != nil {
		ws.Close()
		return nil, fmt.Errorf("client: handshake: %w", err)
	}
	if _, ok := msg.(protocol.RegisterAck); !ok {
		ws.Close()
		return nil, fmt.Errorf("client: handshake: unexpected %s", msg.Tag())
	}
	ws.SetReadDeadline(time.Time{})
	c.setState(Connected)
	go c.readLoop()
	return c, nil
}

// UserID returns the id this connection registered with.
func (c *Conn) UserID() string { return c.userID }

// State returns the current lifecycle state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conn) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// OnOperation registers a listener for inbound document operations:
// insert, delete, cursor moves and removals, document syncs and sync
// confirmation requests.
func (c *Conn) OnOperation(fn func(protocol.Message)) {
	c.mu.Lock()
	c.opListeners = append(c.opListeners, fn)
	c.mu.Unlock()
}

// OnPresence registers a listener for session membership updates.
func (c *Conn) OnPresence(fn func(users []string)) {
	c.mu.Lock()
	c.presenceListeners = append(c.presenceListeners, fn)
	c.mu.Unlock()
}

// OnError registers a listener for transport failures and server-side
// rejections. Failures never crash the host process.
func (c *Conn) OnError(fn func(err error)) {
	c.mu.Lock()
	c.errorListeners = append(c.errorListeners, fn)
	c.mu.Unlock()
}

// OnShareCodes registers a listener for generated or joined session codes.
func (c *Conn) OnShareCodes(fn func(editorCode, viewerCode string)) {
	c.mu.Lock()
	c.codeListeners = append(c.codeListeners, fn)
	c.mu.Unlock()
}

// CreateSession asks the server for a fresh session; codes arrive through
// the share-code listeners.
func (c *Conn) CreateSession() error {
	return c.send(protocol.CreateSession{UserID: c.userID})
}

// JoinSession joins through a share code.
func (c *Conn) JoinSession(code string, asEditor bool) error {
	return c.send(protocol.JoinSession{UserID: c.userID, Code: code, AsEditor: asEditor})
}

// SendInsert publishes a locally inserted character.
func (c *Conn) SendInsert(ch crdt.Character) error {
	c.cursor.NoteEdit()
	return c.send(protocol.Insert{UserID: c.userID, Character: ch})
}

// SendDelete publishes a locally deleted position.
func (c *Conn) SendDelete(pos crdt.Position) error {
	c.cursor.NoteEdit()
	return c.send(protocol.Delete{UserID: c.userID, Position: pos})
}

// SendCursor offers a cursor index to the throttler. Duplicates are
// suppressed, updates right after a local edit are suppressed, and bursts
// are coalesced to the latest position.
func (c *Conn) SendCursor(pos int) {
	c.cursor.Offer(pos)
}

// UpdateDocument overwrites the server's snapshot of the session content.
func (c *Conn) UpdateDocument(content string) error {
	return c.send(protocol.DocumentUpdate{UserID: c.userID, Content: content})
}

// InstantUpdate overwrites the snapshot and pushes it to peers immediately,
// tagged with the operation that produced it (undo or redo).
func (c *Conn) InstantUpdate(content, operation string) error {
	return c.send(protocol.InstantUpdate{UserID: c.userID, Content: content, Operation: operation})
}

// ConfirmSync reports how many characters of content this client holds.
func (c *Conn) ConfirmSync(receivedLength int) error {
	return c.send(protocol.SyncConfirm{ReceivedLength: receivedLength})
}

// RequestResync asks the server to push the authoritative content again.
func (c *Conn) RequestResync() error {
	return c.send(protocol.RequestResync{UserID: c.userID})
}

// Close tears the connection down and stops the cursor sender.
func (c *Conn) Close() error {
	c.setState(Disconnected)
	c.cursor.Stop()
	return c.ws.Close()
}

func (c *Conn) send(msg protocol.Message) error {
	if c.State() == Disconnected && msg.Tag() != protocol.TypeRegister {
		return ErrDisconnected
	}
	frame, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
		c.setState(Disconnected)
		return fmt.Errorf("client: send %s: %w", msg.Tag(), err)
	}
	return nil
}

func (c *Conn) readOne() (protocol.Message, error) {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	return protocol.Decode(data)
}

// readLoop dispatches inbound messages to the listener sets in receipt
// order until the transport fails, then transitions to Disconnected. A frame
// that fails to decode is a protocol error, not a transport failure: it is
// logged and dropped, and the connection stays up.
func (c *Conn) readLoop() {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.setState(Disconnected)
			c.notifyError(err)
			return
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			c.log.Warnw("dropping undecodable frame", "err", err)
			continue
		}
		c.dispatch(msg)
	}
}

func (c *Conn) dispatch(msg protocol.Message) {
	switch m := msg.(type) {
	case protocol.Presence:
		for _, fn := range c.snapshotPresence() {
			fn(m.Users)
		}
	case protocol.Error:
		c.notifyError(errors.New(m.Message))
	case protocol.SessionCreated:
		for _, fn := range c.snapshotCodes() {
			fn(m.EditorCode, m.ViewerCode)
		}
	case protocol.SessionJoined:
		for _, fn := range c.snapshotCodes() {
			fn(m.EditorCode, m.ViewerCode)
		}
	case protocol.RegisterAck:
		// Handshake replays are harmless.
	default:
		for _, fn := range c.snapshotOps() {
			fn(msg)
		}
	}
}

func (c *Conn) notifyError(err error) {
	for _, fn := range c.snapshotErrors() {
		fn(err)
	}
}

func (c *Conn) snapshotOps() []func(protocol.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append(c.opListeners[:0:0], c.opListeners...)
}

func (c *Conn) snapshotPresence() []func([]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append(c.presenceListeners[:0:0], c.presenceListeners...)
}

func (c *Conn) snapshotErrors() []func(error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append(c.errorListeners[:0:0], c.errorListeners...)
}

func (c *Conn) snapshotCodes() []func(string, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append(c.codeListeners[:0:0], c.codeListeners...)
}
