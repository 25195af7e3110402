// README: Entity store contract, query filters and live subscription handles.
package request

import (
	"context"
	"errors"
	"sync"
	"time"

	"market/internal/modules/lifecycle"
	"market/internal/types"
)

var (
	ErrNotFound         = errors.New("request not found")
	ErrConflict         = errors.New("request state conflict")
	ErrStoreUnavailable = errors.New("store-unavailable")
)

// Store persists requests and fans out changes to subscribers.
//
// CompareAndUpdate applies patch only while the stored request still has the
// expected status and version; otherwise it returns ErrConflict (or
// ErrNotFound). It is the single primitive that makes claims race-safe.
type Store interface {
	Create(ctx context.Context, r *lifecycle.Request) error
	Get(ctx context.Context, kind lifecycle.Kind, id types.ID) (*lifecycle.Request, error)
	CompareAndUpdate(ctx context.Context, kind lifecycle.Kind, id types.ID, expected lifecycle.Status, version int, patch lifecycle.Patch) (*lifecycle.Request, error)
	List(ctx context.Context, kind lifecycle.Kind, f Filter) ([]*lifecycle.Request, error)
	Subscribe(ctx context.Context, kind lifecycle.Kind, f Filter) (*Subscription, error)
	AppendEvent(ctx context.Context, e *lifecycle.Event) error
	Events(ctx context.Context, kind lifecycle.Kind, id types.ID) ([]lifecycle.Event, error)
}

// Filter is an equality/membership predicate on top-level request fields.
// Zero-valued fields do not constrain.
type Filter struct {
	RequesterID types.ID
	FulfillerID types.ID
	TargetID    types.ID
	Statuses    []lifecycle.Status
	Category    string
	// Unclaimed keeps only requests whose fulfiller is unset.
	Unclaimed bool
	Limit     int
}

func (f Filter) Match(r *lifecycle.Request) bool {
	if f.RequesterID != "" && r.RequesterID != f.RequesterID {
		return false
	}
	if f.FulfillerID != "" && !r.IsFulfiller(f.FulfillerID) {
		return false
	}
	if f.TargetID != "" && !r.IsTarget(f.TargetID) {
		return false
	}
	if f.Category != "" && r.Category != f.Category {
		return false
	}
	if f.Unclaimed && r.FulfillerID != nil {
		return false
	}
	if len(f.Statuses) > 0 {
		for _, s := range f.Statuses {
			if r.Status == s {
				return true
			}
		}
		return false
	}
	return true
}

// Snapshot is the full result set of a subscribed query at one point in time.
type Snapshot struct {
	Requests []*lifecycle.Request
	At       time.Time
}

// Subscription is a live query owned by its caller. Snapshots are coalesced:
// a slow reader only ever sees the latest result. Close releases the
// underlying listener and waits for it to stop; C is closed afterwards.
type Subscription struct {
	ch     chan Snapshot
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once

	mu  sync.Mutex
	err error
}

// feed is the producer side of a subscription. It returns when ctx is done or
// the source fails.
type feed func(ctx context.Context, push func(Snapshot)) error

func startSubscription(ctx context.Context, run feed) *Subscription {
	ctx, cancel := context.WithCancel(ctx)
	s := &Subscription{
		ch:     make(chan Snapshot, 1),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go func() {
		defer close(s.done)
		defer close(s.ch)
		if err := run(ctx, s.push); err != nil && ctx.Err() == nil {
			s.mu.Lock()
			s.err = err
			s.mu.Unlock()
		}
	}()
	return s
}

func (s *Subscription) push(snap Snapshot) {
	select {
	case s.ch <- snap:
		return
	default:
	}
	select {
	case <-s.ch:
	default:
	}
	s.ch <- snap
}

func (s *Subscription) C() <-chan Snapshot {
	return s.ch
}

func (s *Subscription) Close() {
	s.once.Do(func() {
		s.cancel()
		<-s.done
	})
}

// Err reports why the subscription stopped on its own, if it did.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}
