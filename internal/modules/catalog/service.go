// README: Catalog service: provider listings, availability toggles and carts.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"market/internal/logger"
	"market/internal/modules/lifecycle"
	"market/internal/types"
)

type Service struct {
	store Store
}

func NewService(store Store) *Service {
	return &Service{store: store}
}

type ListingInput struct {
	Title       string
	Description string
	Price       types.Money
}

// CreateListing publishes a listing owned by the caller. Only the kind's
// provider role (host for housing, shop for commerce) can list.
func (s *Service) CreateListing(ctx context.Context, owner lifecycle.Actor, kind lifecycle.Kind, in ListingInput) (Listing, error) {
	title := strings.TrimSpace(in.Title)
	switch {
	case !Listed(kind):
		return Listing{}, fmt.Errorf("%w: %s has no listings", ErrBadRequest, kind)
	case owner.Role != lifecycle.TargetRole(kind):
		return Listing{}, fmt.Errorf("%w: %s listings belong to a %s", ErrForbidden, kind, lifecycle.TargetRole(kind))
	case title == "":
		return Listing{}, fmt.Errorf("%w: missing title", ErrBadRequest)
	case in.Price.Amount < 0:
		return Listing{}, fmt.Errorf("%w: negative price", ErrBadRequest)
	}
	l := Listing{
		ID:          types.NewID(),
		Kind:        kind,
		OwnerID:     owner.ID,
		Title:       title,
		Description: strings.TrimSpace(in.Description),
		Price:       in.Price,
		Active:      true,
	}
	if err := s.store.CreateListing(ctx, &l); err != nil {
		return Listing{}, err
	}
	logger.Info("listing created",
		zap.String("kind", string(kind)),
		zap.String("listing_id", string(l.ID)),
		zap.String("owner_id", string(owner.ID)))
	return l, nil
}

func (s *Service) Get(ctx context.Context, kind lifecycle.Kind, id types.ID) (Listing, error) {
	return s.store.GetListing(ctx, kind, id)
}

// SetActive toggles whether customers can book or buy the listing.
func (s *Service) SetActive(ctx context.Context, owner lifecycle.Actor, kind lifecycle.Kind, id types.ID, active bool) (Listing, error) {
	l, err := s.store.GetListing(ctx, kind, id)
	if err != nil {
		return Listing{}, err
	}
	if l.OwnerID != owner.ID {
		return Listing{}, ErrForbidden
	}
	if l.Active == active {
		return l, nil
	}
	return s.store.SetActive(ctx, kind, id, active)
}

// List returns listings of kind. Customers only see active listings; owners
// see their own regardless.
func (s *Service) List(ctx context.Context, viewer lifecycle.Actor, kind lifecycle.Kind, f ListingFilter) ([]Listing, error) {
	if !Listed(kind) {
		return nil, fmt.Errorf("%w: %s has no listings", ErrBadRequest, kind)
	}
	if f.OwnerID != viewer.ID && !viewer.Role.IsStaff() {
		f.ActiveOnly = true
	}
	return s.store.ListListings(ctx, kind, f)
}

// AddToCart adds quantity of an available product to the customer's cart.
func (s *Service) AddToCart(ctx context.Context, customer lifecycle.Actor, productID types.ID, quantity int) (CartItem, error) {
	if customer.Role != lifecycle.RoleCustomer {
		return CartItem{}, fmt.Errorf("%w: only customers shop", ErrForbidden)
	}
	if quantity <= 0 {
		return CartItem{}, fmt.Errorf("%w: quantity must be positive", ErrBadRequest)
	}
	p, err := s.store.GetListing(ctx, lifecycle.KindCommerce, productID)
	if err != nil {
		return CartItem{}, err
	}
	if !p.Active {
		return CartItem{}, fmt.Errorf("%w: %s", ErrUnavailable, p.Title)
	}
	return s.store.AddToCart(ctx, CartItem{
		UserID:    customer.ID,
		ProductID: productID,
		ShopID:    p.OwnerID,
		Quantity:  quantity,
	})
}

func (s *Service) Cart(ctx context.Context, userID types.ID) ([]CartItem, error) {
	return s.store.Cart(ctx, userID)
}

// Checkout hands the cart lines for one shop to place and removes them once
// place succeeds. An empty cart for the shop is a bad request.
func (s *Service) Checkout(ctx context.Context, userID, shopID types.ID, place func([]CartItem) error) error {
	all, err := s.store.Cart(ctx, userID)
	if err != nil {
		return err
	}
	var lines []CartItem
	var ids []types.ID
	for _, it := range all {
		if it.ShopID == shopID {
			lines = append(lines, it)
			ids = append(ids, it.ProductID)
		}
	}
	if len(lines) == 0 {
		return fmt.Errorf("%w: no items from shop %s", ErrBadRequest, shopID)
	}
	if err := place(lines); err != nil {
		return err
	}
	if err := s.store.RemoveFromCart(ctx, userID, ids); err != nil {
		// The order exists; a stale cart is recoverable by the customer.
		logger.Warn("clear cart after checkout", zap.String("user_id", string(userID)), zap.Error(err))
	}
	return nil
}

// IsRejection reports whether err is a catalog decision rather than a store failure.
func IsRejection(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrForbidden) ||
		errors.Is(err, ErrBadRequest) || errors.Is(err, ErrUnavailable)
}
