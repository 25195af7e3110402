// README: Request store backed by Cloud Firestore, one collection per kind.
package request

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

const eventsCollection = "events"

type FirestoreStore struct {
	client *firestore.Client
}

func NewFirestoreStore(client *firestore.Client) *FirestoreStore {
	return &FirestoreStore{client: client}
}

// fsRequest is the document shape. Field names follow the mobile clients.
type fsRequest struct {
	Kind        string              `firestore:"kind"`
	RequesterID string              `firestore:"requesterId"`
	FulfillerID *string             `firestore:"fulfillerId"`
	TargetID    *string             `firestore:"targetId"`
	LinkedKind  string              `firestore:"orderKind"`
	LinkedID    string              `firestore:"orderId"`
	Category    string              `firestore:"category"`
	Status      string              `firestore:"status"`
	Version     int                 `firestore:"version"`
	Quote       *lifecycle.Quote    `firestore:"quote"`
	QuoteRounds int                 `firestore:"quoteRounds"`
	StartCode   string              `firestore:"startOtp"`
	EndCode     string              `firestore:"endOtp"`
	Feedback    *lifecycle.Feedback `firestore:"feedback"`
	Notes       string              `firestore:"internalNotes"`
	Payload     map[string]any      `firestore:"payload"`
	CreatedAt   time.Time           `firestore:"createdAt,serverTimestamp"`
	UpdatedAt   time.Time           `firestore:"updatedAt,serverTimestamp"`
}

type fsEvent struct {
	Seq        int64     `firestore:"seq"`
	Action     string    `firestore:"action"`
	FromStatus string    `firestore:"fromStatus"`
	ToStatus   string    `firestore:"toStatus"`
	ActorRole  string    `firestore:"actorRole"`
	ActorID    *string   `firestore:"actorId"`
	CreatedAt  time.Time `firestore:"createdAt"`
}

func toDoc(r *lifecycle.Request) fsRequest {
	return fsRequest{
		Kind:        string(r.Kind),
		RequesterID: string(r.RequesterID),
		FulfillerID: toStringPtr(r.FulfillerID),
		TargetID:    toStringPtr(r.TargetID),
		LinkedKind:  string(r.LinkedKind),
		LinkedID:    string(r.LinkedID),
		Category:    r.Category,
		Status:      string(r.Status),
		Version:     r.Version,
		Quote:       r.Quote,
		QuoteRounds: r.QuoteRounds,
		StartCode:   r.StartCode,
		EndCode:     r.EndCode,
		Feedback:    r.Feedback,
		Notes:       r.Notes,
		Payload:     r.Payload,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
}

func fromDoc(snap *firestore.DocumentSnapshot) (*lifecycle.Request, error) {
	var d fsRequest
	if err := snap.DataTo(&d); err != nil {
		return nil, fmt.Errorf("decode %s: %w", snap.Ref.Path, err)
	}
	r := &lifecycle.Request{
		ID:          types.ID(snap.Ref.ID),
		Kind:        lifecycle.Kind(d.Kind),
		RequesterID: types.ID(d.RequesterID),
		LinkedKind:  lifecycle.Kind(d.LinkedKind),
		LinkedID:    types.ID(d.LinkedID),
		Category:    d.Category,
		Status:      lifecycle.Status(d.Status),
		Version:     d.Version,
		Quote:       d.Quote,
		QuoteRounds: d.QuoteRounds,
		StartCode:   d.StartCode,
		EndCode:     d.EndCode,
		Feedback:    d.Feedback,
		Notes:       d.Notes,
		Payload:     d.Payload,
		CreatedAt:   d.CreatedAt,
		UpdatedAt:   d.UpdatedAt,
	}
	if d.FulfillerID != nil {
		r.FulfillerID = types.IDPtr(types.ID(*d.FulfillerID))
	}
	if d.TargetID != nil {
		r.TargetID = types.IDPtr(types.ID(*d.TargetID))
	}
	return r, nil
}

func (s *FirestoreStore) doc(kind lifecycle.Kind, id types.ID) *firestore.DocumentRef {
	return s.client.Collection(kind.Collection()).Doc(string(id))
}

func (s *FirestoreStore) Create(ctx context.Context, r *lifecycle.Request) error {
	ref := s.doc(r.Kind, r.ID)
	d := toDoc(r)
	d.CreatedAt, d.UpdatedAt = time.Time{}, time.Time{}
	if _, err := ref.Create(ctx, d); err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return ErrConflict
		}
		return err
	}
	snap, err := ref.Get(ctx)
	if err != nil {
		return err
	}
	stored, err := fromDoc(snap)
	if err != nil {
		return err
	}
	r.CreatedAt, r.UpdatedAt = stored.CreatedAt, stored.UpdatedAt
	return nil
}

func (s *FirestoreStore) Get(ctx context.Context, kind lifecycle.Kind, id types.ID) (*lifecycle.Request, error) {
	snap, err := s.doc(kind, id).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return fromDoc(snap)
}

func (s *FirestoreStore) CompareAndUpdate(ctx context.Context, kind lifecycle.Kind, id types.ID, expected lifecycle.Status, version int, patch lifecycle.Patch) (*lifecycle.Request, error) {
	ref := s.doc(kind, id)
	var out *lifecycle.Request
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return ErrNotFound
			}
			return err
		}
		r, err := fromDoc(snap)
		if err != nil {
			return err
		}
		if r.Status != expected || r.Version != version {
			return ErrConflict
		}
		patch.Apply(r)
		r.Version++
		r.UpdatedAt = time.Now()
		out = r
		return tx.Set(ref, toDoc(r))
	})
	if err != nil {
		return nil, txErr(err)
	}
	return out, nil
}

// txErr maps a failed transaction. Contended transactions are retried by the
// client and re-run the status/version check; Aborted only surfaces once the
// retries run out, and means another writer won.
func txErr(err error) error {
	if status.Code(err) == codes.Aborted {
		return ErrConflict
	}
	return err
}

func (s *FirestoreStore) query(kind lifecycle.Kind, f Filter) firestore.Query {
	q := s.client.Collection(kind.Collection()).Query
	if f.RequesterID != "" {
		q = q.Where("requesterId", "==", string(f.RequesterID))
	}
	if f.FulfillerID != "" {
		q = q.Where("fulfillerId", "==", string(f.FulfillerID))
	}
	if f.TargetID != "" {
		q = q.Where("targetId", "==", string(f.TargetID))
	}
	if f.Category != "" {
		q = q.Where("category", "==", f.Category)
	}
	if len(f.Statuses) > 0 {
		ss := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			ss[i] = string(st)
		}
		q = q.Where("status", "in", ss)
	}
	if f.Unclaimed {
		q = q.Where("fulfillerId", "==", nil)
	}
	q = q.OrderBy("createdAt", firestore.Desc)
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	return q
}

func (s *FirestoreStore) List(ctx context.Context, kind lifecycle.Kind, f Filter) ([]*lifecycle.Request, error) {
	it := s.query(kind, f).Documents(ctx)
	defer it.Stop()
	return collect(it)
}

func collect(it *firestore.DocumentIterator) ([]*lifecycle.Request, error) {
	out := make([]*lifecycle.Request, 0)
	for {
		snap, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		r, err := fromDoc(snap)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
}

func (s *FirestoreStore) Subscribe(ctx context.Context, kind lifecycle.Kind, f Filter) (*Subscription, error) {
	q := s.query(kind, f)
	return startSubscription(ctx, func(ctx context.Context, push func(Snapshot)) error {
		it := q.Snapshots(ctx)
		defer it.Stop()
		for {
			qs, err := it.Next()
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, iterator.Done) {
					return nil
				}
				return err
			}
			list, err := collect(qs.Documents)
			if err != nil {
				return err
			}
			push(Snapshot{Requests: list, At: qs.ReadTime})
		}
	}), nil
}

func (s *FirestoreStore) AppendEvent(ctx context.Context, e *lifecycle.Event) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	e.ID = e.CreatedAt.UnixNano()
	_, _, err := s.doc(e.Kind, e.RequestID).Collection(eventsCollection).Add(ctx, fsEvent{
		Seq:        e.ID,
		Action:     string(e.Action),
		FromStatus: string(e.FromStatus),
		ToStatus:   string(e.ToStatus),
		ActorRole:  string(e.ActorRole),
		ActorID:    toStringPtr(e.ActorID),
		CreatedAt:  e.CreatedAt,
	})
	return err
}

func (s *FirestoreStore) Events(ctx context.Context, kind lifecycle.Kind, id types.ID) ([]lifecycle.Event, error) {
	it := s.doc(kind, id).Collection(eventsCollection).OrderBy("seq", firestore.Asc).Documents(ctx)
	defer it.Stop()

	var out []lifecycle.Event
	for {
		snap, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		var d fsEvent
		if err := snap.DataTo(&d); err != nil {
			return nil, err
		}
		e := lifecycle.Event{
			ID:         d.Seq,
			Kind:       kind,
			RequestID:  id,
			Action:     lifecycle.Action(d.Action),
			FromStatus: lifecycle.Status(d.FromStatus),
			ToStatus:   lifecycle.Status(d.ToStatus),
			ActorRole:  lifecycle.Role(d.ActorRole),
			CreatedAt:  d.CreatedAt,
		}
		if d.ActorID != nil {
			e.ActorID = types.IDPtr(types.ID(*d.ActorID))
		}
		out = append(out, e)
	}
}
