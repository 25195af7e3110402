// README: Catalog listings (housing properties, commerce products) and customer carts.
package catalog

import (
	"errors"
	"time"

	"market/internal/modules/lifecycle"
	"market/internal/types"
)

var (
	ErrNotFound    = errors.New("listing not found")
	ErrForbidden   = errors.New("not the listing owner")
	ErrBadRequest  = errors.New("bad listing")
	ErrUnavailable = errors.New("listing unavailable")
)

// Listing is something a provider offers: a property for housing, a product
// for commerce. Inactive listings stay visible to their owner only.
type Listing struct {
	ID          types.ID       `json:"id"`
	Kind        lifecycle.Kind `json:"kind"`
	OwnerID     types.ID       `json:"owner_id"`
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Price       types.Money    `json:"price"`
	Active      bool           `json:"active"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// CartItem is one product line in a customer's cart.
type CartItem struct {
	UserID    types.ID  `json:"user_id"`
	ProductID types.ID  `json:"product_id"`
	ShopID    types.ID  `json:"shop_id"`
	Quantity  int       `json:"quantity"`
	CreatedAt time.Time `json:"created_at"`
}

type ListingFilter struct {
	OwnerID    types.ID
	ActiveOnly bool
	Limit      int
}

func (f ListingFilter) Match(l Listing) bool {
	if f.OwnerID != "" && l.OwnerID != f.OwnerID {
		return false
	}
	return !f.ActiveOnly || l.Active
}

// Listed reports whether requests of kind are made against listings.
func Listed(kind lifecycle.Kind) bool {
	return kind == lifecycle.KindHousing || kind == lifecycle.KindCommerce
}
