// README: Role views: which requests an actor may see and which fields they get.
package request

import (
	"fmt"

	"market/internal/modules/lifecycle"
)

// Scope selects a role view over a kind.
type Scope string

const (
	// ScopeMine lists requests the actor is a party to.
	ScopeMine Scope = "mine"
	// ScopePool lists unassigned requests the actor's role can pick up.
	ScopePool Scope = "pool"
	// ScopeAll lists everything. Staff only.
	ScopeAll Scope = "all"
)

// ViewFilter builds the store filter for actor's view of kind. extra carries
// the caller's own narrowing (statuses, category, limit).
func ViewFilter(kind lifecycle.Kind, actor lifecycle.Actor, scope Scope, extra Filter) (Filter, error) {
	f := Filter{Statuses: extra.Statuses, Category: extra.Category, Limit: extra.Limit}
	switch scope {
	case ScopeAll:
		if !actor.Role.IsStaff() {
			return Filter{}, fmt.Errorf("%w: scope all is staff only", lifecycle.ErrForbidden)
		}
		f.RequesterID, f.FulfillerID, f.TargetID = extra.RequesterID, extra.FulfillerID, extra.TargetID
		f.Unclaimed = extra.Unclaimed
	case ScopePool:
		pool := lifecycle.PoolStatuses(kind, actor.Role)
		if len(pool) == 0 {
			return Filter{}, fmt.Errorf("%w: %s has no %s pool", lifecycle.ErrForbidden, actor.Role, kind)
		}
		f.Statuses = intersect(pool, extra.Statuses)
		if len(f.Statuses) == 0 {
			return Filter{}, fmt.Errorf("%w: requested statuses are outside the pool", lifecycle.ErrBadRequest)
		}
		f.Unclaimed = true
	case ScopeMine, "":
		switch {
		case actor.Role == lifecycle.RoleCustomer:
			f.RequesterID = actor.ID
		case actor.Role == lifecycle.TargetRole(kind):
			f.TargetID = actor.ID
		default:
			f.FulfillerID = actor.ID
		}
	default:
		return Filter{}, fmt.Errorf("%w: unknown scope %q", lifecycle.ErrBadRequest, scope)
	}
	return f, nil
}

// CanView reports whether actor may read r.
func CanView(r *lifecycle.Request, actor lifecycle.Actor) bool {
	if actor.Role.IsStaff() || r.Involves(actor.ID) {
		return true
	}
	if r.FulfillerID != nil {
		return false
	}
	for _, st := range lifecycle.PoolStatuses(r.Kind, actor.Role) {
		if st == r.Status {
			return true
		}
	}
	return false
}

// Redact returns the copy of r that actor is shown. One-time codes are only
// ever shown to the requester, internal notes only to staff.
func Redact(r *lifecycle.Request, actor lifecycle.Actor) *lifecycle.Request {
	cp := r.Clone()
	if actor.ID != r.RequesterID {
		cp.StartCode, cp.EndCode = "", ""
	}
	if !actor.Role.IsStaff() {
		cp.Notes = ""
	}
	return cp
}

func intersect(pool, want []lifecycle.Status) []lifecycle.Status {
	if len(want) == 0 {
		return pool
	}
	var out []lifecycle.Status
	for _, w := range want {
		for _, p := range pool {
			if w == p {
				out = append(out, w)
				break
			}
		}
	}
	return out
}
