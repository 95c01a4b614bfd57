package crdt

// Identifier is one level of a Position path: a numeric component and the
// site id of the replica that allocated it. The site id breaks ties between
// identifiers allocated concurrently with the same numeric value.
type Identifier struct {
	Pos  int32  `json:"pos"`
	Site string `json:"site"`
}

// Compare orders identifiers by numeric value, then by site id.
func (a Identifier) Compare(b Identifier) int {
	switch {
	case a.Pos < b.Pos:
		return -1
	case a.Pos > b.Pos:
		return 1
	case a.Site < b.Site:
		return -1
	case a.Site > b.Site:
		return 1
	default:
		return 0
	}
}

// Position is the path of identifiers locating a character in the document
// tree. Positions are immutable once allocated and globally unique per
// character; they are never reused or renumbered.
type Position []Identifier

// Compare orders positions lexicographically over the shared prefix. A
// position that is a strict prefix of another sorts first.
func (p Position) Compare(q Position) int {
	n := len(p)
	if len(q) < n {
		n = len(q)
	}
	for i := 0; i < n; i++ {
		if c := p[i].Compare(q[i]); c != 0 {
			return c
		}
	}
	switch {
	case len(p) < len(q):
		return -1
	case len(p) > len(q):
		return 1
	default:
		return 0
	}
}

// Equal reports whether p and q are structurally identical paths.
func (p Position) Equal(q Position) bool {
	return p.Compare(q) == 0
}

// Clone returns an independent copy of p. Allocation copies a neighbour's
// path before extending it, and the original must never be aliased.
func (p Position) Clone() Position {
	c := make(Position, len(p))
	copy(c, p)
	return c
}
