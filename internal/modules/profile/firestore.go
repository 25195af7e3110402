// README: Profile persistence in the Firestore "users" collection.
package profile

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"market/internal/modules/lifecycle"
	"market/internal/types"
)

const usersCollection = "users"

var _ Store = (*FirestoreStore)(nil)

type FirestoreStore struct {
	client *firestore.Client
}

func NewFirestoreStore(client *firestore.Client) *FirestoreStore {
	return &FirestoreStore{client: client}
}

type fsUser struct {
	Name      string    `firestore:"name"`
	Phone     string    `firestore:"phone"`
	Role      string    `firestore:"role"`
	CreatedAt time.Time `firestore:"createdAt"`
	UpdatedAt time.Time `firestore:"updatedAt"`
}

func (s *FirestoreStore) Get(ctx context.Context, id types.ID) (Profile, error) {
	snap, err := s.client.Collection(usersCollection).Doc(string(id)).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return Profile{}, ErrNotFound
	}
	if err != nil {
		return Profile{}, err
	}
	var u fsUser
	if err := snap.DataTo(&u); err != nil {
		return Profile{}, fmt.Errorf("decode %s: %w", snap.Ref.Path, err)
	}
	return Profile{
		ID:        id,
		Name:      u.Name,
		Phone:     u.Phone,
		Role:      lifecycle.Role(u.Role),
		CreatedAt: u.CreatedAt,
		UpdatedAt: u.UpdatedAt,
	}, nil
}

// Upsert keeps the original createdAt of an existing user.
func (s *FirestoreStore) Upsert(ctx context.Context, p *Profile) error {
	ref := s.client.Collection(usersCollection).Doc(string(p.ID))
	return s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		now := time.Now().UTC()
		created := now
		snap, err := tx.Get(ref)
		switch {
		case status.Code(err) == codes.NotFound:
		case err != nil:
			return err
		default:
			var old fsUser
			if err := snap.DataTo(&old); err == nil && !old.CreatedAt.IsZero() {
				created = old.CreatedAt
			}
		}
		if err := tx.Set(ref, fsUser{
			Name:      p.Name,
			Phone:     p.Phone,
			Role:      string(p.Role),
			CreatedAt: created,
			UpdatedAt: now,
		}); err != nil {
			return err
		}
		p.CreatedAt, p.UpdatedAt = created, now
		return nil
	})
}
