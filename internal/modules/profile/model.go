// README: User profiles: display data and the role used for authorization.
package profile

import (
	"errors"
	"time"

	"market/internal/modules/lifecycle"
	"market/internal/types"
)

var (
	ErrNotFound   = errors.New("profile not found")
	ErrBadRequest = errors.New("bad profile")
)

type Profile struct {
	ID        types.ID       `json:"id"`
	Name      string         `json:"name"`
	Phone     string         `json:"phone,omitempty"`
	Role      lifecycle.Role `json:"role"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	// Missing marks a fallback for an id with no stored profile.
	Missing bool `json:"missing,omitempty"`
}

// Fallback is what an unknown id resolves to: its id as display name.
func Fallback(id types.ID) Profile {
	return Profile{ID: id, Name: string(id), Missing: true}
}
