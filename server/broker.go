// Package server hosts the collaboration broker: session registry, message
// dispatch, broadcast and the resynchronization protocol for joiners.
package server

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"syncpad/protocol"
	"syncpad/server/relay"
	"syncpad/server/store"
)

// maxSyncAttempts bounds the post-join sync loop. Running out of attempts is
// logged, not fatal: the client can still ask for a resync explicitly.
const maxSyncAttempts = 3

// sendBuffer is the per-connection outbound queue depth. A peer that falls
// further behind has frames dropped rather than stalling the broadcaster.
const sendBuffer = 256

// defaultSyncInterval seeds the resync backoff between confirmation attempts.
const defaultSyncInterval = 500 * time.Millisecond

// Broker routes messages between the connections of a session. It never
// interprets CRDT positions; it relays operations and caches the flattened
// snapshot for late joiners.
type Broker struct {
	registry *Registry
	store    store.DocumentStore
	relay    *relay.Redis
	log      *zap.SugaredLogger

	syncInterval time.Duration

	mu      sync.Mutex
	clients map[string]*client

	relayMu   sync.Mutex
	relaySubs map[*Session]func()
}

// NewBroker wires the broker with its registry and storage. relay may be nil
// for single-node deployments.
func NewBroker(registry *Registry, st store.DocumentStore, rel *relay.Redis, log *zap.SugaredLogger) *Broker {
	return &Broker{
		registry:     registry,
		store:        st,
		relay:        rel,
		log:          log,
		syncInterval: defaultSyncInterval,
		clients:      make(map[string]*client),
		relaySubs:    make(map[*Session]func()),
	}
}

// handleFrame decodes one inbound frame and dispatches it. Malformed frames
// and unknown tags are dropped with a log line; the connection stays up.
func (b *Broker) handleFrame(c *client, data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		b.log.Warnw("dropping undecodable frame", "user", c.user(), "err", err)
		return
	}
	b.handle(c, msg)
}

func (b *Broker) handle(c *client, msg protocol.Message) {
	if reg, ok := msg.(protocol.Register); ok {
		b.register(c, reg)
		return
	}
	userID := c.user()
	if userID == "" {
		c.reply(protocol.Error{Message: "not registered"})
		return
	}
	switch m := msg.(type) {
	case protocol.CreateSession:
		b.createSession(c)
	case protocol.JoinSession:
		b.joinSession(c, m)
	case protocol.Insert:
		s, ok := b.requireEditor(c)
		if !ok {
			return
		}
		b.forward(s, userID, m)
	case protocol.Delete:
		s, ok := b.requireEditor(c)
		if !ok {
			return
		}
		b.forward(s, userID, m)
	case protocol.CursorMove:
		s, ok := b.requireSession(c)
		if !ok {
			return
		}
		b.forward(s, userID, m)
	case protocol.DocumentUpdate:
		s, ok := b.requireEditor(c)
		if !ok {
			return
		}
		b.updateContent(s, m.Content)
	case protocol.InstantUpdate:
		s, ok := b.requireEditor(c)
		if !ok {
			return
		}
		b.updateContent(s, m.Content)
		b.forward(s, userID, protocol.DocumentSync{
			Content:      m.Content,
			HighPriority: true,
			Operation:    m.Operation,
		})
	case protocol.SyncConfirm:
		b.confirmSync(c, m)
	case protocol.RequestResync:
		s, ok := b.requireSession(c)
		if !ok {
			return
		}
		c.reply(protocol.DocumentSync{Content: s.Content()})
	default:
		// Server-to-client tags echoed back at the server.
		b.log.Warnw("dropping unexpected message", "user", userID, "tag", msg.Tag())
	}
}

func (b *Broker) register(c *client, m protocol.Register) {
	if m.UserID == "" {
		c.reply(protocol.Error{Message: "empty user id"})
		return
	}
	c.setUser(m.UserID)
	b.mu.Lock()
	b.clients[m.UserID] = c
	b.mu.Unlock()
	if c.closed() {
		// Teardown raced the registration and saw no user id; undo the add.
		b.mu.Lock()
		if b.clients[m.UserID] == c {
			delete(b.clients, m.UserID)
		}
		b.mu.Unlock()
		return
	}
	c.reply(protocol.RegisterAck{UserID: m.UserID})
	b.log.Infow("registered", "user", m.UserID)
}

func (b *Broker) createSession(c *client) {
	userID := c.user()
	if prev := c.sessionRef(); prev != nil {
		b.leaveSession(prev, userID)
	}
	s := b.registry.CreateSession(userID)
	c.setSession(s)
	if c.closed() {
		// Teardown raced the creation and saw no session; undo the add.
		b.leaveSession(s, userID)
		c.setSession(nil)
		return
	}
	b.subscribeRelay(s)
	c.reply(protocol.SessionCreated{EditorCode: s.EditorCode, ViewerCode: s.ViewerCode})
	b.log.Infow("session created", "user", userID, "editorCode", s.EditorCode)
}

func (b *Broker) joinSession(c *client, m protocol.JoinSession) {
	userID := c.user()
	s, err := b.registry.JoinSession(m.Code, userID, m.AsEditor)
	if err != nil {
		c.reply(protocol.Error{Message: err.Error()})
		return
	}
	if prev := c.sessionRef(); prev != nil && prev != s {
		b.leaveSession(prev, userID)
	}
	c.setSession(s)
	if c.closed() {
		// Teardown raced the join and saw no session; undo the add.
		b.leaveSession(s, userID)
		c.setSession(nil)
		return
	}
	b.subscribeRelay(s)
	c.reply(protocol.SessionJoined{
		EditorCode: s.EditorCode,
		ViewerCode: s.ViewerCode,
		AsEditor:   m.AsEditor,
	})
	b.broadcast(s, protocol.Presence{Users: s.Members()})
	if s.ContentLength() > 0 {
		go b.resync(c, s)
	}
	b.log.Infow("joined session", "user", userID, "asEditor", m.AsEditor)
}

// leaveSession removes a user from a session, notifying the remaining
// members and evicting the session once empty.
func (b *Broker) leaveSession(s *Session, userID string) {
	b.registry.RemoveParticipant(s, userID)
	if members := s.Members(); len(members) > 0 {
		b.broadcast(s, protocol.Presence{Users: members})
		b.broadcast(s, protocol.CursorRemove{UserID: userID})
	} else {
		b.unsubscribeRelay(s)
	}
}

// resync pushes the authoritative content to a fresh joiner and waits for a
// confirmation of matching length, retrying with backoff a bounded number of
// times. Frames dropped during connection setup are the case this guards
// against. No lock is held while waiting.
func (b *Broker) resync(c *client, s *Session) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = b.syncInterval
	bo.MaxInterval = 4 * b.syncInterval
	for attempt := 1; attempt <= maxSyncAttempts; attempt++ {
		content := s.Content()
		want := len([]rune(content))
		c.reply(protocol.DocumentSync{Content: content, SyncAttempt: attempt})
		c.reply(protocol.SyncConfirmReq{DocumentLength: want})
		select {
		case got := <-c.confirms:
			if got == want {
				return
			}
		case <-time.After(bo.NextBackOff()):
		case <-c.done:
			return
		}
	}
	b.log.Warnw("sync unconfirmed after retries", "user", c.user(), "attempts", maxSyncAttempts)
}

// confirmSync feeds the resync loop and, on a length mismatch against the
// authoritative content, resends immediately and unconditionally.
func (b *Broker) confirmSync(c *client, m protocol.SyncConfirm) {
	s, ok := b.requireSession(c)
	if !ok {
		return
	}
	select {
	case c.confirms <- m.ReceivedLength:
	default:
	}
	content := s.Content()
	if m.ReceivedLength != len([]rune(content)) {
		c.reply(protocol.DocumentSync{Content: content, SyncRetry: true})
	}
}

func (b *Broker) updateContent(s *Session, content string) {
	s.SetContent(content)
	if b.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.store.Save(ctx, s.EditorCode, content); err != nil {
		b.log.Warnw("snapshot save failed", "session", s.EditorCode, "err", err)
	}
}

// requireSession rejects operations from users who have not joined.
func (b *Broker) requireSession(c *client) (*Session, bool) {
	s := c.sessionRef()
	if s == nil {
		c.reply(protocol.Error{Message: "not in a session"})
		return nil, false
	}
	return s, true
}

// requireEditor additionally rejects mutating operations from viewers. The
// rejection goes to the sender only; nothing is forwarded.
func (b *Broker) requireEditor(c *client) (*Session, bool) {
	s, ok := b.requireSession(c)
	if !ok {
		return nil, false
	}
	if !s.IsEditor(c.user()) {
		c.reply(protocol.Error{Message: "not authorized as editor"})
		return nil, false
	}
	return s, true
}

// forward delivers a message to every session member except the sender, on
// this node and, when a relay is configured, on the others.
func (b *Broker) forward(s *Session, senderID string, msg protocol.Message) {
	frame, err := protocol.Encode(msg)
	if err != nil {
		b.log.Errorw("encode forward", "err", err)
		return
	}
	b.deliver(s, senderID, frame)
	b.publishRelay(s, senderID, frame)
}

// broadcast delivers a message to every member including the sender.
func (b *Broker) broadcast(s *Session, msg protocol.Message) {
	frame, err := protocol.Encode(msg)
	if err != nil {
		b.log.Errorw("encode broadcast", "err", err)
		return
	}
	b.deliver(s, "", frame)
}

// deliver enqueues a frame for every local member except the excluded user.
// Enqueueing is best effort per peer; one slow or dead peer never aborts
// delivery to the rest.
func (b *Broker) deliver(s *Session, except string, frame []byte) {
	for _, id := range s.Members() {
		if id == except {
			continue
		}
		b.mu.Lock()
		peer := b.clients[id]
		b.mu.Unlock()
		if peer != nil {
			peer.enqueue(frame)
		}
	}
}

func (b *Broker) subscribeRelay(s *Session) {
	if b.relay == nil {
		return
	}
	b.relayMu.Lock()
	defer b.relayMu.Unlock()
	if _, ok := b.relaySubs[s]; ok {
		return
	}
	b.relaySubs[s] = b.relay.Subscribe(context.Background(), relayChannel(s), func(sender string, frame []byte) {
		b.deliver(s, sender, frame)
	})
}

func (b *Broker) unsubscribeRelay(s *Session) {
	if b.relay == nil {
		return
	}
	b.relayMu.Lock()
	cancel, ok := b.relaySubs[s]
	delete(b.relaySubs, s)
	b.relayMu.Unlock()
	if ok {
		cancel()
	}
}

func (b *Broker) publishRelay(s *Session, senderID string, frame []byte) {
	if b.relay == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := b.relay.Publish(ctx, relayChannel(s), senderID, frame); err != nil {
		b.log.Warnw("relay publish failed", "session", s.EditorCode, "err", err)
	}
}

func relayChannel(s *Session) string {
	return "session:" + s.EditorCode
}

// disconnect tears a connection down exactly once: the user leaves its
// session, remaining members learn the new presence and drop the cursor, and
// an emptied session's codes are evicted.
func (b *Broker) disconnect(c *client) {
	c.closeOnce.Do(func() {
		close(c.done)
		userID := c.user()
		if userID != "" {
			b.mu.Lock()
			delete(b.clients, userID)
			b.mu.Unlock()
		}
		if s := c.sessionRef(); s != nil {
			b.leaveSession(s, userID)
		}
		if c.conn != nil {
			c.conn.Close()
		}
		b.log.Infow("disconnected", "user", userID)
	})
}
