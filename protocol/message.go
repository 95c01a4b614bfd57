// Package protocol defines the tagged JSON messages exchanged between the
// collaboration server and its clients, and the codec for them. Every wire
// message is one of the closed set of variants below, discriminated by the
// "type" field; anything else is a protocol error, not a crash.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"syncpad/crdt"
)

// MsgType discriminates wire messages.
type MsgType string

const (
	TypeRegister        MsgType = "register"
	TypeRegisterAck     MsgType = "register_ack"
	TypeCreateSession   MsgType = "create_session"
	TypeSessionCreated  MsgType = "session_created"
	TypeJoinSession     MsgType = "join_session"
	TypeSessionJoined   MsgType = "session_joined"
	TypeInsert          MsgType = "insert"
	TypeDelete          MsgType = "delete"
	TypeCursorMove      MsgType = "cursor_move"
	TypeDocumentUpdate  MsgType = "document_update"
	TypeInstantUpdate   MsgType = "instant_document_update"
	TypeDocumentSync    MsgType = "document_sync"
	TypeSyncConfirmReq  MsgType = "sync_confirmation_request"
	TypeSyncConfirm     MsgType = "sync_confirmation"
	TypeRequestResync   MsgType = "request_resync"
	TypePresence        MsgType = "presence"
	TypeCursorRemove    MsgType = "cursor_remove"
	TypeError           MsgType = "error"
)

// ErrUnknownMessage reports a wire tag outside the closed variant set.
var ErrUnknownMessage = errors.New("protocol: unknown message type")

// Message is the closed union of wire messages. Only types in this package
// implement it.
type Message interface {
	Tag() MsgType
}

// CursorGone is the sentinel cursor position announcing that a user's cursor
// should be removed rather than moved.
const CursorGone = -1

// Register binds a connection to a user id.
type Register struct {
	Type   MsgType `json:"type"`
	UserID string  `json:"userId"`
}

// RegisterAck confirms a Register.
type RegisterAck struct {
	Type   MsgType `json:"type"`
	UserID string  `json:"userId"`
}

// CreateSession asks the server for a fresh sharing session. The requesting
// user becomes its first editor.
type CreateSession struct {
	Type   MsgType `json:"type"`
	UserID string  `json:"userId"`
}

// SessionCreated carries the two share codes of a new session.
type SessionCreated struct {
	Type       MsgType `json:"type"`
	EditorCode string  `json:"editorCode"`
	ViewerCode string  `json:"viewerCode"`
}

// JoinSession joins an existing session through one of its share codes.
// Joining as editor requires the editor-specific code.
type JoinSession struct {
	Type     MsgType `json:"type"`
	UserID   string  `json:"userId"`
	Code     string  `json:"code"`
	AsEditor bool    `json:"asEditor"`
}

// SessionJoined confirms a JoinSession.
type SessionJoined struct {
	Type       MsgType `json:"type"`
	EditorCode string  `json:"editorCode"`
	ViewerCode string  `json:"viewerCode"`
	AsEditor   bool    `json:"asEditor"`
}

// Insert carries one inserted character with its full position path. Peers
// reconstruct the path to merge; a flattened index would not converge.
type Insert struct {
	Type      MsgType        `json:"type"`
	UserID    string         `json:"userId"`
	Character crdt.Character `json:"character"`
}

// Delete carries the position path of one deleted character.
type Delete struct {
	Type     MsgType       `json:"type"`
	UserID   string        `json:"userId"`
	Position crdt.Position `json:"position"`
}

// CursorMove announces a user's cursor index, or CursorGone for removal.
type CursorMove struct {
	Type     MsgType `json:"type"`
	UserID   string  `json:"userId"`
	Position int     `json:"position"`
}

// DocumentUpdate overwrites the server's flattened snapshot of the session
// document. Last writer wins; the server never merges.
type DocumentUpdate struct {
	Type    MsgType `json:"type"`
	UserID  string  `json:"userId"`
	Content string  `json:"content"`
}

// InstantUpdate is a DocumentUpdate that is also pushed to peers right away
// with a high-priority flag, carrying an optional undo/redo tag.
type InstantUpdate struct {
	Type      MsgType `json:"type"`
	UserID    string  `json:"userId"`
	Content   string  `json:"content"`
	Operation string  `json:"operation,omitempty"`
}

// DocumentSync pushes the authoritative session content to a client.
type DocumentSync struct {
	Type         MsgType `json:"type"`
	Content      string  `json:"content"`
	SyncAttempt  int     `json:"syncAttempt,omitempty"`
	SyncRetry    bool    `json:"syncRetry,omitempty"`
	HighPriority bool    `json:"highPriority,omitempty"`
	Operation    string  `json:"operation,omitempty"`
}

// ContentLength returns the character count of the pushed content, the
// quantity echoed back in SyncConfirm for round-trip length confirmation.
func (m DocumentSync) ContentLength() int {
	return len([]rune(m.Content))
}

// SyncConfirmReq asks the client to confirm how much content it received.
type SyncConfirmReq struct {
	Type           MsgType `json:"type"`
	DocumentLength int     `json:"documentLength"`
}

// SyncConfirm reports the length of the content a client actually holds.
type SyncConfirm struct {
	Type           MsgType `json:"type"`
	ReceivedLength int     `json:"receivedLength"`
}

// RequestResync asks the server for a fresh DocumentSync.
type RequestResync struct {
	Type   MsgType `json:"type"`
	UserID string  `json:"userId,omitempty"`
}

// Presence lists every user currently in the session.
type Presence struct {
	Type  MsgType  `json:"type"`
	Users []string `json:"users"`
}

// CursorRemove tells peers to drop a departed user's cursor marker.
type CursorRemove struct {
	Type   MsgType `json:"type"`
	UserID string  `json:"userId"`
}

// Error carries a server-side rejection back to the offending sender only.
type Error struct {
	Type    MsgType `json:"type"`
	Message string  `json:"message"`
}

func (Register) Tag() MsgType       { return TypeRegister }
func (RegisterAck) Tag() MsgType    { return TypeRegisterAck }
func (CreateSession) Tag() MsgType  { return TypeCreateSession }
func (SessionCreated) Tag() MsgType { return TypeSessionCreated }
func (JoinSession) Tag() MsgType    { return TypeJoinSession }
func (SessionJoined) Tag() MsgType  { return TypeSessionJoined }
func (Insert) Tag() MsgType         { return TypeInsert }
func (Delete) Tag() MsgType         { return TypeDelete }
func (CursorMove) Tag() MsgType     { return TypeCursorMove }
func (DocumentUpdate) Tag() MsgType { return TypeDocumentUpdate }
func (InstantUpdate) Tag() MsgType  { return TypeInstantUpdate }
func (DocumentSync) Tag() MsgType   { return TypeDocumentSync }
func (SyncConfirmReq) Tag() MsgType { return TypeSyncConfirmReq }
func (SyncConfirm) Tag() MsgType    { return TypeSyncConfirm }
func (RequestResync) Tag() MsgType  { return TypeRequestResync }
func (Presence) Tag() MsgType       { return TypePresence }
func (CursorRemove) Tag() MsgType   { return TypeCursorRemove }
func (Error) Tag() MsgType          { return TypeError }

// Encode marshals a message, stamping its type tag.
func Encode(m Message) ([]byte, error) {
	return json.Marshal(withTag(m))
}

// withTag returns a copy of m with its Type field set from Tag(), so callers
// may construct variants without repeating the tag.
func withTag(m Message) Message {
	switch v := m.(type) {
	case Register:
		v.Type = v.Tag()
		return v
	case RegisterAck:
		v.Type = v.Tag()
		return v
	case CreateSession:
		v.Type = v.Tag()
		return v
	case SessionCreated:
		v.Type = v.Tag()
		return v
	case JoinSession:
		v.Type = v.Tag()
		return v
	case SessionJoined:
		v.Type = v.Tag()
		return v
	case Insert:
		v.Type = v.Tag()
		return v
	case Delete:
		v.Type = v.Tag()
		return v
	case CursorMove:
		v.Type = v.Tag()
		return v
	case DocumentUpdate:
		v.Type = v.Tag()
		return v
	case InstantUpdate:
		v.Type = v.Tag()
		return v
	case DocumentSync:
		v.Type = v.Tag()
		return v
	case SyncConfirmReq:
		v.Type = v.Tag()
		return v
	case SyncConfirm:
		v.Type = v.Tag()
		return v
	case RequestResync:
		v.Type = v.Tag()
		return v
	case Presence:
		v.Type = v.Tag()
		return v
	case CursorRemove:
		v.Type = v.Tag()
		return v
	case Error:
		v.Type = v.Tag()
		return v
	default:
		return m
	}
}

// Decode probes the type tag and unmarshals into the matching variant.
// Unrecognized tags return ErrUnknownMessage so the caller can drop the
// message and keep the connection alive.
func Decode(data []byte) (Message, error) {
	var probe struct {
		Type MsgType `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("protocol: malformed message: %w", err)
	}
	var (
		m   Message
		err error
	)
	switch probe.Type {
	case TypeRegister:
		m, err = decodeAs[Register](data)
	case TypeRegisterAck:
		m, err = decodeAs[RegisterAck](data)
	case TypeCreateSession:
		m, err = decodeAs[CreateSession](data)
	case TypeSessionCreated:
		m, err = decodeAs[SessionCreated](data)
	case TypeJoinSession:
		m, err = decodeAs[JoinSession](data)
	case TypeSessionJoined:
		m, err = decodeAs[SessionJoined](data)
	case TypeInsert:
		m, err = decodeAs[Insert](data)
	case TypeDelete:
		m, err = decodeAs[Delete](data)
	case TypeCursorMove:
		m, err = decodeAs[CursorMove](data)
	case TypeDocumentUpdate:
		m, err = decodeAs[DocumentUpdate](data)
	case TypeInstantUpdate:
		m, err = decodeAs[InstantUpdate](data)
	case TypeDocumentSync:
		m, err = decodeAs[DocumentSync](data)
	case TypeSyncConfirmReq:
		m, err = decodeAs[SyncConfirmReq](data)
	case TypeSyncConfirm:
		m, err = decodeAs[SyncConfirm](data)
	case TypeRequestResync:
		m, err = decodeAs[RequestResync](data)
	case TypePresence:
		m, err = decodeAs[Presence](data)
	case TypeCursorRemove:
		m, err = decodeAs[CursorRemove](data)
	case TypeError:
		m, err = decodeAs[Error](data)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, probe.Type)
	}
	return m, err
}

func decodeAs[T Message](data []byte) (Message, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("protocol: malformed %s: %w", v.Tag(), err)
	}
	return v, nil
}
