// README: In-memory entity store for tests and single-process deployments.
package request

import (
	"context"
	"sort"
	"sync"
	"time"

	"market/internal/modules/lifecycle"
	"market/internal/types"
)

var _ Store = (*MemStore)(nil)

type MemStore struct {
	mu       sync.Mutex
	requests map[lifecycle.Kind]map[types.ID]*lifecycle.Request
	events   []lifecycle.Event
	nextEvt  int64
	watchers map[lifecycle.Kind]map[chan struct{}]struct{}
	failure  error
	now      func() time.Time
}

func NewMemStore() *MemStore {
	return &MemStore{
		requests: make(map[lifecycle.Kind]map[types.ID]*lifecycle.Request),
		watchers: make(map[lifecycle.Kind]map[chan struct{}]struct{}),
		now:      time.Now,
	}
}

// SetFailure makes every subsequent call fail with err until cleared with nil.
func (s *MemStore) SetFailure(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failure = err
}

func (s *MemStore) Create(ctx context.Context, r *lifecycle.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure != nil {
		return s.failure
	}
	byID, ok := s.requests[r.Kind]
	if !ok {
		byID = make(map[types.ID]*lifecycle.Request)
		s.requests[r.Kind] = byID
	}
	if _, exists := byID[r.ID]; exists {
		return ErrConflict
	}
	cp := r.Clone()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.now()
	}
	cp.UpdatedAt = cp.CreatedAt
	byID[r.ID] = cp
	r.CreatedAt, r.UpdatedAt = cp.CreatedAt, cp.UpdatedAt
	s.notifyLocked(r.Kind)
	return nil
}

func (s *MemStore) Get(ctx context.Context, kind lifecycle.Kind, id types.ID) (*lifecycle.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure != nil {
		return nil, s.failure
	}
	r, ok := s.requests[kind][id]
	if !ok {
		return nil, ErrNotFound
	}
	return r.Clone(), nil
}

func (s *MemStore) CompareAndUpdate(ctx context.Context, kind lifecycle.Kind, id types.ID, expected lifecycle.Status, version int, patch lifecycle.Patch) (*lifecycle.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure != nil {
		return nil, s.failure
	}
	r, ok := s.requests[kind][id]
	if !ok {
		return nil, ErrNotFound
	}
	if r.Status != expected || r.Version != version {
		return nil, ErrConflict
	}
	patch.Apply(r)
	r.Version++
	r.UpdatedAt = s.now()
	s.notifyLocked(kind)
	return r.Clone(), nil
}

func (s *MemStore) List(ctx context.Context, kind lifecycle.Kind, f Filter) ([]*lifecycle.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure != nil {
		return nil, s.failure
	}
	return s.listLocked(kind, f), nil
}

func (s *MemStore) listLocked(kind lifecycle.Kind, f Filter) []*lifecycle.Request {
	out := make([]*lifecycle.Request, 0)
	for _, r := range s.requests[kind] {
		if f.Match(r) {
			out = append(out, r.Clone())
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
	return out
}

func (s *MemStore) Subscribe(ctx context.Context, kind lifecycle.Kind, f Filter) (*Subscription, error) {
	s.mu.Lock()
	if s.failure != nil {
		err := s.failure
		s.mu.Unlock()
		return nil, err
	}
	wake := make(chan struct{}, 1)
	if s.watchers[kind] == nil {
		s.watchers[kind] = make(map[chan struct{}]struct{})
	}
	s.watchers[kind][wake] = struct{}{}
	s.mu.Unlock()

	return startSubscription(ctx, func(ctx context.Context, push func(Snapshot)) error {
		defer func() {
			s.mu.Lock()
			delete(s.watchers[kind], wake)
			s.mu.Unlock()
		}()
		for {
			s.mu.Lock()
			snap := Snapshot{Requests: s.listLocked(kind, f), At: s.now()}
			s.mu.Unlock()
			push(snap)

			select {
			case <-ctx.Done():
				return nil
			case <-wake:
			}
		}
	}), nil
}

func (s *MemStore) notifyLocked(kind lifecycle.Kind) {
	for w := range s.watchers[kind] {
		select {
		case w <- struct{}{}:
		default:
		}
	}
}

func (s *MemStore) AppendEvent(ctx context.Context, e *lifecycle.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure != nil {
		return s.failure
	}
	s.nextEvt++
	cp := *e
	cp.ID = s.nextEvt
	s.events = append(s.events, cp)
	e.ID = cp.ID
	return nil
}

func (s *MemStore) Events(ctx context.Context, kind lifecycle.Kind, id types.ID) ([]lifecycle.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure != nil {
		return nil, s.failure
	}
	var out []lifecycle.Event
	for _, e := range s.events {
		if e.Kind == kind && e.RequestID == id {
			out = append(out, e)
		}
	}
	return out, nil
}
