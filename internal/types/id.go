// README: Opaque identifiers shared by every module.
package types

import "github.com/google/uuid"

// ID is an opaque identifier assigned by the entity store or the identity provider.
type ID string

func NewID() ID {
	return ID(uuid.NewString())
}

func (id ID) String() string {
	return string(id)
}

// IDPtr returns nil for the empty id.
func IDPtr(id ID) *ID {
	if id == "" {
		return nil
	}
	return &id
}
