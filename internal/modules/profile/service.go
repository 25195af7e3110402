// README: Profile registration, role lookup and batch resolution of counterparties.
package profile

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"market/internal/modules/lifecycle"
	"market/internal/types"
)

const defaultConcurrency = 8

type Service struct {
	store       Store
	concurrency int
}

func NewService(store Store, concurrency int) *Service {
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	return &Service{store: store, concurrency: concurrency}
}

type RegisterCommand struct {
	ID    types.ID
	Name  string
	Phone string
	Role  lifecycle.Role
	// Granted is the role the caller already holds. Staff roles can only be
	// registered by someone who holds them.
	Granted lifecycle.Role
}

// Register creates or updates the caller's profile.
func (s *Service) Register(ctx context.Context, cmd RegisterCommand) (Profile, error) {
	name := strings.TrimSpace(cmd.Name)
	switch {
	case cmd.ID == "":
		return Profile{}, fmt.Errorf("%w: missing id", ErrBadRequest)
	case name == "":
		return Profile{}, fmt.Errorf("%w: missing name", ErrBadRequest)
	case !cmd.Role.Valid():
		return Profile{}, fmt.Errorf("%w: unknown role %q", ErrBadRequest, cmd.Role)
	case cmd.Role.IsStaff() && cmd.Role != cmd.Granted:
		return Profile{}, fmt.Errorf("%w: role %s is granted, not registered", ErrBadRequest, cmd.Role)
	}
	p := Profile{ID: cmd.ID, Name: name, Phone: strings.TrimSpace(cmd.Phone), Role: cmd.Role}
	if err := s.store.Upsert(ctx, &p); err != nil {
		return Profile{}, err
	}
	return p, nil
}

func (s *Service) Get(ctx context.Context, id types.ID) (Profile, error) {
	return s.store.Get(ctx, id)
}

// RoleOf returns the stored role for id.
func (s *Service) RoleOf(ctx context.Context, id types.ID) (lifecycle.Role, error) {
	p, err := s.store.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return p.Role, nil
}

// Resolve looks up every distinct id. Unknown ids resolve to Fallback; any
// other store error fails the batch.
func (s *Service) Resolve(ctx context.Context, ids []types.ID) (map[types.ID]Profile, error) {
	uniq := make([]types.ID, 0, len(ids))
	seen := make(map[types.ID]bool, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		uniq = append(uniq, id)
	}

	results := make([]Profile, len(uniq))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, id := range uniq {
		g.Go(func() error {
			p, err := s.store.Get(gctx, id)
			if errors.Is(err, ErrNotFound) {
				p = Fallback(id)
			} else if err != nil {
				return fmt.Errorf("resolve %s: %w", id, err)
			}
			results[i] = p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make(map[types.ID]Profile, len(uniq))
	for _, p := range results {
		out[p.ID] = p
	}
	return out, nil
}
