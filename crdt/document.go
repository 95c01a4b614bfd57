package crdt

import (
	"errors"
	"sort"
	"time"
)

// Numeric budget for one level of the position tree. The root of an empty
// document sits at the midpoint so both directions have room.
const (
	posBase     int32 = 1 << 16 // identifiers range over 0..posBase-1
	posMidpoint int32 = 1 << 15
)

// historyLimit bounds the undo/redo stacks. Earlier builds shipped with a
// bound of 3, which made undo useless across a short burst of typing; 50
// covers a realistic editing session without holding the whole document.
const historyLimit = 50

var (
	// ErrNegativeIndex is returned by LocalInsert for indices below zero.
	// Indices beyond the document length clamp to append and do not error.
	ErrNegativeIndex = errors.New("crdt: negative index")

	// ErrNothingToDelete is returned by LocalDelete when the document is
	// empty or the index is out of range at removal time.
	ErrNothingToDelete = errors.New("crdt: nothing to delete")
)

// Character is one element of the replicated sequence. Identity and ordering
// are defined solely by Pos; value, author and timestamp are payload.
type Character struct {
	Value     rune     `json:"value"`
	Pos       Position `json:"position"`
	Author    string   `json:"authorId"`
	Timestamp int64    `json:"timestamp"`
}

type entryKind int

const (
	entryInsert entryKind = iota
	entryDelete
)

type logEntry struct {
	kind entryKind
	ch   Character
}

// Document is one replica's ordered set of characters. It is not safe for
// concurrent use; callers serialize local and remote operations externally,
// one at a time per document.
type Document struct {
	site  string
	clock int32 // monotonic counter for depth-extension identifiers

	chars   []Character // sorted by Pos
	history []logEntry
	redo    []logEntry
}

// New returns an empty replica owned by the given site id.
func New(site string) *Document {
	return &Document{site: site}
}

// Site returns the replica's site id.
func (d *Document) Site() string { return d.site }

// Len returns the number of characters currently in the document.
func (d *Document) Len() int { return len(d.chars) }

// Text returns the in-order concatenation of character values.
func (d *Document) Text() string {
	rs := make([]rune, len(d.chars))
	for i, ch := range d.chars {
		rs[i] = ch.Value
	}
	return string(rs)
}

// indexOf returns the slice index holding pos, or insertion point and false.
func (d *Document) indexOf(pos Position) (int, bool) {
	i := sort.Search(len(d.chars), func(i int) bool {
		return d.chars[i].Pos.Compare(pos) >= 0
	})
	if i < len(d.chars) && d.chars[i].Pos.Equal(pos) {
		return i, true
	}
	return i, false
}

// LocalInsert allocates a position between the characters at index-1 and
// index, materializes a character owned by this site and records it in
// history. Indices beyond the current length clamp to append.
func (d *Document) LocalInsert(index int, value rune) (Character, error) {
	if index < 0 {
		return Character{}, ErrNegativeIndex
	}
	if index > len(d.chars) {
		index = len(d.chars)
	}
	var prev, next Position
	if index > 0 {
		prev = d.chars[index-1].Pos
	}
	if index < len(d.chars) {
		next = d.chars[index].Pos
	}
	ch := Character{
		Value:     value,
		Pos:       d.allocate(prev, next),
		Author:    d.site,
		Timestamp: time.Now().UnixMilli(),
	}
	d.insert(ch)
	d.push(logEntry{kind: entryInsert, ch: ch})
	return ch, nil
}

// LocalDelete removes the character at index in sort order and records it in
// history. Bounds are checked at removal time: concurrent remote operations
// may have shifted or shrunk the document since the caller computed the
// index, and a stale index must degrade to ErrNothingToDelete, never panic.
func (d *Document) LocalDelete(index int) (Character, error) {
	if index < 0 || index >= len(d.chars) {
		return Character{}, ErrNothingToDelete
	}
	ch := d.chars[index]
	d.chars = append(d.chars[:index], d.chars[index+1:]...)
	d.push(logEntry{kind: entryDelete, ch: ch})
	return ch, nil
}

// RemoteInsert adds a character received from a peer. Inserting a position
// that is already present is a no-op; the document is a set keyed by
// position. Reports whether the document changed.
func (d *Document) RemoteInsert(ch Character) bool {
	return d.insert(ch)
}

// RemoteDelete removes the character at the given position if present.
// Deleting an absent position is a no-op, not an error.
func (d *Document) RemoteDelete(pos Position) bool {
	i, ok := d.indexOf(pos)
	if !ok {
		return false
	}
	d.chars = append(d.chars[:i], d.chars[i+1:]...)
	return true
}

func (d *Document) insert(ch Character) bool {
	i, ok := d.indexOf(ch.Pos)
	if ok {
		return false
	}
	d.chars = append(d.chars, Character{})
	copy(d.chars[i+1:], d.chars[i:])
	d.chars[i] = ch
	return true
}

func (d *Document) push(e logEntry) {
	d.history = append(d.history, e)
	if len(d.history) > historyLimit {
		d.history = d.history[len(d.history)-historyLimit:]
	}
	// A fresh local edit invalidates anything previously undone.
	d.redo = d.redo[:0]
}

// Reset replaces the whole replica with freshly allocated positions for
// content, clearing history. Used when an authoritative document sync
// supersedes local state.
func (d *Document) Reset(content string) {
	d.chars = d.chars[:0]
	d.history = d.history[:0]
	d.redo = d.redo[:0]
	now := time.Now().UnixMilli()
	var prev Position
	for _, r := range content {
		pos := d.allocate(prev, nil)
		d.chars = append(d.chars, Character{
			Value:     r,
			Pos:       pos,
			Author:    d.site,
			Timestamp: now,
		})
		prev = pos
	}
}

// Undo reverses the most recent local operation: an insert is undone by
// removing its character, a delete by re-adding it. Undo is purely local;
// peers learn about it through an ordinary re-broadcast, not through any
// notion of this replica's history. Reports whether an entry was available.
func (d *Document) Undo() bool {
	if len(d.history) == 0 {
		return false
	}
	e := d.history[len(d.history)-1]
	d.history = d.history[:len(d.history)-1]
	switch e.kind {
	case entryInsert:
		d.RemoteDelete(e.ch.Pos)
	case entryDelete:
		d.insert(e.ch)
	}
	d.redo = append(d.redo, e)
	return true
}

// Redo re-applies the most recently undone operation.
func (d *Document) Redo() bool {
	if len(d.redo) == 0 {
		return false
	}
	e := d.redo[len(d.redo)-1]
	d.redo = d.redo[:len(d.redo)-1]
	switch e.kind {
	case entryInsert:
		d.insert(e.ch)
	case entryDelete:
		d.RemoteDelete(e.ch.Pos)
	}
	d.history = append(d.history, e)
	return true
}

// allocate computes a position strictly between prev and next. The scheme is
// path-based rather than flat fractional indexing: when no numeric gap
// remains at the first level, the previous character's path is extended one
// level deeper with a counter identifier, so existing positions are never
// renumbered and precision never runs out.
func (d *Document) allocate(prev, next Position) Position {
	switch {
	case len(prev) == 0 && len(next) == 0:
		// Empty document: start at the midpoint of the budget.
		return Position{{Pos: posMidpoint, Site: d.site}}

	case len(prev) == 0:
		return d.before(next)

	case len(next) == 0:
		// Append: one past the last character's leading identifier.
		// Growth past the budget at the tail is acceptable.
		return Position{{Pos: head(prev) + 1, Site: d.site}}

	case head(next)-head(prev) > 1:
		// Numeric room at the first level: take the midpoint.
		mid := head(prev) + (head(next)-head(prev))/2
		return Position{{Pos: mid, Site: d.site}}

	default:
		// Adjacent at the first level: deepen along prev's branch. The
		// counter is monotonic per replica and the trailing site id keeps
		// concurrent extensions at the same point distinct and ordered.
		p := prev.Clone()
		p = append(p, Identifier{Pos: d.clock, Site: d.site})
		d.clock++
		return p
	}
}

// before allocates a position sorting ahead of next, for inserts at index 0.
// It halves the leading identifier while there is room, and otherwise keeps
// next's exhausted head levels and descends until a level with room is
// found, so the new path orders strictly ahead at the first differing level.
func (d *Document) before(next Position) Position {
	var p Position
	for _, id := range next {
		if id.Pos > 1 {
			return append(p, Identifier{Pos: id.Pos / 2, Site: d.site})
		}
		if id.Pos == 1 {
			return append(p, Identifier{Pos: 0, Site: d.site}, Identifier{Pos: posMidpoint, Site: d.site})
		}
		// Head already at the minimum: keep it and look one level deeper.
		p = append(p, id)
	}
	// next's whole path is at the minimum; extend below it is impossible,
	// so extend depth with a midpoint. Unreachable for positions produced
	// by this allocator, kept as a safe landing for foreign paths.
	return append(p, Identifier{Pos: posMidpoint, Site: d.site})
}

func head(p Position) int32 { return p[0].Pos }
