// README: Catalog persistence in Postgres (listings, cart_items) and in memory.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"market/internal/modules/lifecycle"
	"market/internal/types"
)

type Store interface {
	CreateListing(ctx context.Context, l *Listing) error
	GetListing(ctx context.Context, kind lifecycle.Kind, id types.ID) (Listing, error)
	SetActive(ctx context.Context, kind lifecycle.Kind, id types.ID, active bool) (Listing, error)
	ListListings(ctx context.Context, kind lifecycle.Kind, f ListingFilter) ([]Listing, error)
	// AddToCart adds item.Quantity to the user's line for the product,
	// creating it if needed, and returns the resulting line.
	AddToCart(ctx context.Context, item CartItem) (CartItem, error)
	Cart(ctx context.Context, userID types.ID) ([]CartItem, error)
	RemoveFromCart(ctx context.Context, userID types.ID, productIDs []types.ID) error
}

var _ Store = (*PGStore)(nil)

type PGStore struct {
	db *pgxpool.Pool
}

func NewPGStore(db *pgxpool.Pool) *PGStore {
	return &PGStore{db: db}
}

const listingColumns = `id, kind, owner_id, title, description, price_amount, price_currency,
               active, created_at, updated_at`

func scanListing(row pgx.Row) (Listing, error) {
	var l Listing
	err := row.Scan(&l.ID, &l.Kind, &l.OwnerID, &l.Title, &l.Description, &l.Price.Amount, &l.Price.Currency,
		&l.Active, &l.CreatedAt, &l.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Listing{}, ErrNotFound
	}
	return l, err
}

func (s *PGStore) CreateListing(ctx context.Context, l *Listing) error {
	row := s.db.QueryRow(ctx, `
        INSERT INTO listings (id, kind, owner_id, title, description, price_amount, price_currency, active)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
        RETURNING created_at, updated_at`,
		string(l.ID), string(l.Kind), string(l.OwnerID), l.Title, l.Description,
		l.Price.Amount, l.Price.Currency, l.Active,
	)
	return row.Scan(&l.CreatedAt, &l.UpdatedAt)
}

func (s *PGStore) GetListing(ctx context.Context, kind lifecycle.Kind, id types.ID) (Listing, error) {
	return scanListing(s.db.QueryRow(ctx, `
        SELECT `+listingColumns+`
        FROM listings
        WHERE kind = $1 AND id = $2`, string(kind), string(id),
	))
}

func (s *PGStore) SetActive(ctx context.Context, kind lifecycle.Kind, id types.ID, active bool) (Listing, error) {
	return scanListing(s.db.QueryRow(ctx, `
        UPDATE listings
        SET active = $3, updated_at = NOW()
        WHERE kind = $1 AND id = $2
        RETURNING `+listingColumns, string(kind), string(id), active,
	))
}

func (s *PGStore) ListListings(ctx context.Context, kind lifecycle.Kind, f ListingFilter) ([]Listing, error) {
	where := []string{"kind = $1"}
	args := []any{string(kind)}
	if f.OwnerID != "" {
		args = append(args, string(f.OwnerID))
		where = append(where, fmt.Sprintf("owner_id = $%d", len(args)))
	}
	if f.ActiveOnly {
		where = append(where, "active")
	}
	q := `SELECT ` + listingColumns + ` FROM listings WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	rows, err := s.db.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Listing, 0)
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *PGStore) AddToCart(ctx context.Context, item CartItem) (CartItem, error) {
	row := s.db.QueryRow(ctx, `
        INSERT INTO cart_items (user_id, product_id, shop_id, quantity)
        VALUES ($1, $2, $3, $4)
        ON CONFLICT (user_id, product_id) DO UPDATE
        SET quantity = cart_items.quantity + EXCLUDED.quantity
        RETURNING quantity, created_at`,
		string(item.UserID), string(item.ProductID), string(item.ShopID), item.Quantity,
	)
	if err := row.Scan(&item.Quantity, &item.CreatedAt); err != nil {
		return CartItem{}, err
	}
	return item, nil
}

func (s *PGStore) Cart(ctx context.Context, userID types.ID) ([]CartItem, error) {
	rows, err := s.db.Query(ctx, `
        SELECT user_id, product_id, shop_id, quantity, created_at
        FROM cart_items
        WHERE user_id = $1
        ORDER BY created_at, product_id`, string(userID),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]CartItem, 0)
	for rows.Next() {
		var it CartItem
		if err := rows.Scan(&it.UserID, &it.ProductID, &it.ShopID, &it.Quantity, &it.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (s *PGStore) RemoveFromCart(ctx context.Context, userID types.ID, productIDs []types.ID) error {
	ids := make([]string, len(productIDs))
	for i, id := range productIDs {
		ids[i] = string(id)
	}
	_, err := s.db.Exec(ctx, `DELETE FROM cart_items WHERE user_id = $1 AND product_id = ANY($2)`, string(userID), ids)
	return err
}

var _ Store = (*MemStore)(nil)

type cartKey struct {
	user    types.ID
	product types.ID
}

type MemStore struct {
	mu       sync.Mutex
	listings map[lifecycle.Kind]map[types.ID]Listing
	cart     map[cartKey]CartItem
}

func NewMemStore() *MemStore {
	return &MemStore{
		listings: make(map[lifecycle.Kind]map[types.ID]Listing),
		cart:     make(map[cartKey]CartItem),
	}
}

func (s *MemStore) CreateListing(_ context.Context, l *Listing) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byID, ok := s.listings[l.Kind]
	if !ok {
		byID = make(map[types.ID]Listing)
		s.listings[l.Kind] = byID
	}
	if _, exists := byID[l.ID]; exists {
		return fmt.Errorf("%w: duplicate id %s", ErrBadRequest, l.ID)
	}
	now := time.Now()
	l.CreatedAt, l.UpdatedAt = now, now
	byID[l.ID] = *l
	return nil
}

func (s *MemStore) GetListing(_ context.Context, kind lifecycle.Kind, id types.ID) (Listing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.listings[kind][id]
	if !ok {
		return Listing{}, ErrNotFound
	}
	return l, nil
}

func (s *MemStore) SetActive(_ context.Context, kind lifecycle.Kind, id types.ID, active bool) (Listing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.listings[kind][id]
	if !ok {
		return Listing{}, ErrNotFound
	}
	l.Active = active
	l.UpdatedAt = time.Now()
	s.listings[kind][id] = l
	return l, nil
}

func (s *MemStore) ListListings(_ context.Context, kind lifecycle.Kind, f ListingFilter) ([]Listing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Listing, 0)
	for _, l := range s.listings[kind] {
		if f.Match(l) {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *MemStore) AddToCart(_ context.Context, item CartItem) (CartItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := cartKey{user: item.UserID, product: item.ProductID}
	if cur, ok := s.cart[k]; ok {
		cur.Quantity += item.Quantity
		s.cart[k] = cur
		return cur, nil
	}
	item.CreatedAt = time.Now()
	s.cart[k] = item
	return item, nil
}

func (s *MemStore) Cart(_ context.Context, userID types.ID) ([]CartItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]CartItem, 0)
	for k, it := range s.cart {
		if k.user == userID {
			out = append(out, it)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ProductID < out[j].ProductID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemStore) RemoveFromCart(_ context.Context, userID types.ID, productIDs []types.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range productIDs {
		delete(s.cart, cartKey{user: userID, product: id})
	}
	return nil
}
