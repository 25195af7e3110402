// README: Profile persistence in Postgres (users table) and in memory.
package profile

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"market/internal/types"
)

type Store interface {
	Get(ctx context.Context, id types.ID) (Profile, error)
	Upsert(ctx context.Context, p *Profile) error
}

type PGStore struct {
	db *pgxpool.Pool
}

func NewPGStore(db *pgxpool.Pool) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Get(ctx context.Context, id types.ID) (Profile, error) {
	row := s.db.QueryRow(ctx, `
        SELECT id, name, phone, role, created_at, updated_at
        FROM users
        WHERE id = $1`, string(id),
	)
	var p Profile
	err := row.Scan(&p.ID, &p.Name, &p.Phone, &p.Role, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Profile{}, ErrNotFound
	}
	return p, err
}

func (s *PGStore) Upsert(ctx context.Context, p *Profile) error {
	row := s.db.QueryRow(ctx, `
        INSERT INTO users (id, name, phone, role, created_at, updated_at)
        VALUES ($1, $2, $3, $4, NOW(), NOW())
        ON CONFLICT (id) DO UPDATE
        SET name = EXCLUDED.name,
            phone = EXCLUDED.phone,
            role = EXCLUDED.role,
            updated_at = NOW()
        RETURNING created_at, updated_at`,
		string(p.ID), p.Name, p.Phone, string(p.Role),
	)
	return row.Scan(&p.CreatedAt, &p.UpdatedAt)
}

type MemStore struct {
	mu       sync.RWMutex
	profiles map[types.ID]Profile
}

func NewMemStore() *MemStore {
	return &MemStore{profiles: make(map[types.ID]Profile)}
}

func (s *MemStore) Get(_ context.Context, id types.ID) (Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[id]
	if !ok {
		return Profile{}, ErrNotFound
	}
	return p, nil
}

func (s *MemStore) Upsert(_ context.Context, p *Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if old, ok := s.profiles[p.ID]; ok {
		p.CreatedAt = old.CreatedAt
	} else {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	s.profiles[p.ID] = *p
	return nil
}
