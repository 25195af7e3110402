// README: Chat thread ids and who may take part in a thread.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"market/internal/modules/lifecycle"
	"market/internal/types"
)

var (
	ErrBadThread = errors.New("bad chat thread")
	ErrForbidden = errors.New("not a chat participant")
)

// Thread is either a request's own thread ("<kind>/<requestID>") or a
// support agent's side thread with a provider ("support/<caseID>/<providerID>").
type Thread struct {
	Kind       lifecycle.Kind
	RequestID  types.ID
	ProviderID types.ID
}

func ParseThread(s string) (Thread, error) {
	parts := strings.Split(strings.Trim(s, "/"), "/")
	if len(parts) < 2 || len(parts) > 3 {
		return Thread{}, fmt.Errorf("%w: %q", ErrBadThread, s)
	}
	t := Thread{Kind: lifecycle.Kind(parts[0]), RequestID: types.ID(parts[1])}
	if !t.Kind.Valid() || t.RequestID == "" {
		return Thread{}, fmt.Errorf("%w: %q", ErrBadThread, s)
	}
	if len(parts) == 3 {
		if t.Kind != lifecycle.KindSupport || parts[2] == "" {
			return Thread{}, fmt.Errorf("%w: provider threads exist only on support cases", ErrBadThread)
		}
		t.ProviderID = types.ID(parts[2])
	}
	return t, nil
}

func (t Thread) String() string {
	s := string(t.Kind) + "/" + string(t.RequestID)
	if t.ProviderID != "" {
		s += "/" + string(t.ProviderID)
	}
	return s
}

// Membership decides whether an actor may read and post in a thread.
type Membership interface {
	IsMember(ctx context.Context, t Thread, actor lifecycle.Actor) (bool, error)
}

// RequestGetter loads the request a thread hangs off.
type RequestGetter interface {
	Get(ctx context.Context, kind lifecycle.Kind, id types.ID) (*lifecycle.Request, error)
}

// RequestMembership admits the parties of the underlying request plus staff.
// Provider threads on a support case admit support staff and the named
// provider, and the provider only while they serve the case's linked request.
type RequestMembership struct {
	requests RequestGetter
}

func NewRequestMembership(requests RequestGetter) *RequestMembership {
	return &RequestMembership{requests: requests}
}

func (m *RequestMembership) IsMember(ctx context.Context, t Thread, actor lifecycle.Actor) (bool, error) {
	if actor.ID == "" {
		return false, nil
	}
	r, err := m.requests.Get(ctx, t.Kind, t.RequestID)
	if err != nil {
		return false, err
	}
	if t.ProviderID != "" {
		if actor.Role == lifecycle.RoleSupport || actor.Role == lifecycle.RoleAdmin {
			return true, nil
		}
		if actor.ID != t.ProviderID || r.LinkedID == "" {
			return false, nil
		}
		linked, err := m.requests.Get(ctx, r.LinkedKind, r.LinkedID)
		if err != nil {
			return false, err
		}
		return linked.IsFulfiller(actor.ID) || linked.IsTarget(actor.ID), nil
	}
	return actor.Role.IsStaff() || r.Involves(actor.ID), nil
}
