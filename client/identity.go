package client

import "github.com/google/uuid"

// Identity supplies the local participant's stable user id. The editor
// shell implements it against its login state; RandomIdentity serves
// anonymous participants.
type Identity interface {
	CurrentUserID() string
}

// RandomIdentity identifies a participant for the lifetime of one process.
type RandomIdentity struct {
	id string
}

// NewRandomIdentity mints a fresh random identity.
func NewRandomIdentity() *RandomIdentity {
	return &RandomIdentity{id: uuid.NewString()}
}

// CurrentUserID returns the minted id.
func (r *RandomIdentity) CurrentUserID() string { return r.id }
