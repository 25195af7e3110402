// README: Catalog store backed by Cloud Firestore (properties, products, cartItems).
package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"market/internal/modules/lifecycle"
	"market/internal/types"
)

var _ Store = (*FirestoreStore)(nil)

const cartCollection = "cartItems"

// fsKind names the collection and the per-kind field names the mobile
// clients use for listings.
type fsKind struct {
	collection string
	owner      string
	active     string
}

var fsKinds = map[lifecycle.Kind]fsKind{
	lifecycle.KindHousing:  {collection: "properties", owner: "hostId", active: "isActive"},
	lifecycle.KindCommerce: {collection: "products", owner: "shopId", active: "isAvailable"},
}

type fsCartItem struct {
	UserID    string    `firestore:"userId"`
	ProductID string    `firestore:"productId"`
	ShopID    string    `firestore:"shopId"`
	Quantity  int       `firestore:"quantity"`
	CreatedAt time.Time `firestore:"createdAt"`
}

type FirestoreStore struct {
	client *firestore.Client
}

func NewFirestoreStore(client *firestore.Client) *FirestoreStore {
	return &FirestoreStore{client: client}
}

func (s *FirestoreStore) collection(kind lifecycle.Kind) (fsKind, *firestore.CollectionRef, error) {
	k, ok := fsKinds[kind]
	if !ok {
		return fsKind{}, nil, fmt.Errorf("%w: %s has no listings", ErrBadRequest, kind)
	}
	return k, s.client.Collection(k.collection), nil
}

func listingFromDoc(kind lifecycle.Kind, k fsKind, snap *firestore.DocumentSnapshot) Listing {
	d := snap.Data()
	l := Listing{ID: types.ID(snap.Ref.ID), Kind: kind}
	l.OwnerID = types.ID(asString(d[k.owner]))
	l.Title = asString(d["title"])
	l.Description = asString(d["description"])
	l.Active, _ = d[k.active].(bool)
	if p, ok := d["price"].(map[string]any); ok {
		l.Price.Amount, _ = p["amount"].(int64)
		l.Price.Currency = asString(p["currency"])
	}
	l.CreatedAt, _ = d["createdAt"].(time.Time)
	l.UpdatedAt, _ = d["updatedAt"].(time.Time)
	return l
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func (s *FirestoreStore) CreateListing(ctx context.Context, l *Listing) error {
	k, coll, err := s.collection(l.Kind)
	if err != nil {
		return err
	}
	ref := coll.Doc(string(l.ID))
	_, err = ref.Create(ctx, map[string]any{
		k.owner:       string(l.OwnerID),
		"title":       l.Title,
		"description": l.Description,
		"price":       l.Price,
		k.active:      l.Active,
		"createdAt":   firestore.ServerTimestamp,
		"updatedAt":   firestore.ServerTimestamp,
	})
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return fmt.Errorf("%w: duplicate id %s", ErrBadRequest, l.ID)
		}
		return err
	}
	stored, err := s.GetListing(ctx, l.Kind, l.ID)
	if err != nil {
		return err
	}
	l.CreatedAt, l.UpdatedAt = stored.CreatedAt, stored.UpdatedAt
	return nil
}

func (s *FirestoreStore) GetListing(ctx context.Context, kind lifecycle.Kind, id types.ID) (Listing, error) {
	k, coll, err := s.collection(kind)
	if err != nil {
		return Listing{}, err
	}
	snap, err := coll.Doc(string(id)).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return Listing{}, ErrNotFound
		}
		return Listing{}, err
	}
	return listingFromDoc(kind, k, snap), nil
}

func (s *FirestoreStore) SetActive(ctx context.Context, kind lifecycle.Kind, id types.ID, active bool) (Listing, error) {
	k, coll, err := s.collection(kind)
	if err != nil {
		return Listing{}, err
	}
	_, err = coll.Doc(string(id)).Update(ctx, []firestore.Update{
		{Path: k.active, Value: active},
		{Path: "updatedAt", Value: firestore.ServerTimestamp},
	})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return Listing{}, ErrNotFound
		}
		return Listing{}, err
	}
	return s.GetListing(ctx, kind, id)
}

func (s *FirestoreStore) ListListings(ctx context.Context, kind lifecycle.Kind, f ListingFilter) ([]Listing, error) {
	k, coll, err := s.collection(kind)
	if err != nil {
		return nil, err
	}
	q := coll.Query
	if f.OwnerID != "" {
		q = q.Where(k.owner, "==", string(f.OwnerID))
	}
	if f.ActiveOnly {
		q = q.Where(k.active, "==", true)
	}
	q = q.OrderBy("createdAt", firestore.Desc)
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	it := q.Documents(ctx)
	defer it.Stop()

	out := make([]Listing, 0)
	for {
		snap, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		out = append(out, listingFromDoc(kind, k, snap))
	}
}

func (s *FirestoreStore) cartDoc(userID, productID types.ID) *firestore.DocumentRef {
	return s.client.Collection(cartCollection).Doc(string(userID) + "_" + string(productID))
}

func (s *FirestoreStore) AddToCart(ctx context.Context, item CartItem) (CartItem, error) {
	ref := s.cartDoc(item.UserID, item.ProductID)
	var out CartItem
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		d := fsCartItem{
			UserID:    string(item.UserID),
			ProductID: string(item.ProductID),
			ShopID:    string(item.ShopID),
			Quantity:  item.Quantity,
			CreatedAt: time.Now(),
		}
		snap, err := tx.Get(ref)
		switch {
		case status.Code(err) == codes.NotFound:
		case err != nil:
			return err
		default:
			var cur fsCartItem
			if err := snap.DataTo(&cur); err != nil {
				return err
			}
			d.Quantity += cur.Quantity
			d.CreatedAt = cur.CreatedAt
		}
		out = cartFromDoc(d)
		return tx.Set(ref, d)
	})
	if err != nil {
		return CartItem{}, err
	}
	return out, nil
}

func cartFromDoc(d fsCartItem) CartItem {
	return CartItem{
		UserID:    types.ID(d.UserID),
		ProductID: types.ID(d.ProductID),
		ShopID:    types.ID(d.ShopID),
		Quantity:  d.Quantity,
		CreatedAt: d.CreatedAt,
	}
}

func (s *FirestoreStore) Cart(ctx context.Context, userID types.ID) ([]CartItem, error) {
	it := s.client.Collection(cartCollection).
		Where("userId", "==", string(userID)).
		OrderBy("createdAt", firestore.Asc).
		Documents(ctx)
	defer it.Stop()

	out := make([]CartItem, 0)
	for {
		snap, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		var d fsCartItem
		if err := snap.DataTo(&d); err != nil {
			return nil, err
		}
		out = append(out, cartFromDoc(d))
	}
}

func (s *FirestoreStore) RemoveFromCart(ctx context.Context, userID types.ID, productIDs []types.ID) error {
	return s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		for _, id := range productIDs {
			if err := tx.Delete(s.cartDoc(userID, id)); err != nil {
				return err
			}
		}
		return nil
	})
}
