// README: Request store backed by PostgreSQL, with change fan-out over Redis pub/sub.
package request

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"market/internal/logger"
	"market/internal/modules/lifecycle"
	"market/internal/types"
)

var _ Store = (*PGStore)(nil)

const defaultPollInterval = 2 * time.Second

type PGStore struct {
	db    *pgxpool.Pool
	redis *redis.Client
	// poll is used for subscriptions when no Redis client is configured.
	poll time.Duration
}

// NewPGStore creates a store on db. rdb may be nil, in which case
// subscriptions poll instead of listening for change notifications.
func NewPGStore(db *pgxpool.Pool, rdb *redis.Client) *PGStore {
	return &PGStore{db: db, redis: rdb, poll: defaultPollInterval}
}

func (s *PGStore) WithPollInterval(d time.Duration) *PGStore {
	if d > 0 {
		s.poll = d
	}
	return s
}

const requestColumns = `id, kind, requester_id, fulfiller_id, target_id, linked_kind, linked_id,
               category, status, version, quote_amount, quote_currency, quote_by, quote_rounds,
               start_code, end_code, feedback_rating, feedback_comment, internal_notes,
               payload, created_at, updated_at`

func (s *PGStore) Create(ctx context.Context, r *lifecycle.Request) error {
	payload, err := json.Marshal(payloadOrEmpty(r.Payload))
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	row := s.db.QueryRow(ctx, `
        INSERT INTO requests (
            id, kind, requester_id, fulfiller_id, target_id, linked_kind, linked_id,
            category, status, version, quote_rounds, payload, created_at, updated_at
        ) VALUES (
            $1, $2, $3, $4, $5, $6, $7,
            $8, $9, $10, $11, $12, NOW(), NOW()
        )
        RETURNING created_at, updated_at`,
		string(r.ID),
		string(r.Kind),
		string(r.RequesterID),
		toStringPtr(r.FulfillerID),
		toStringPtr(r.TargetID),
		string(r.LinkedKind),
		string(r.LinkedID),
		r.Category,
		string(r.Status),
		r.Version,
		r.QuoteRounds,
		payload,
	)
	if err := row.Scan(&r.CreatedAt, &r.UpdatedAt); err != nil {
		return err
	}
	s.publish(ctx, r.Kind, r.ID)
	return nil
}

func (s *PGStore) Get(ctx context.Context, kind lifecycle.Kind, id types.ID) (*lifecycle.Request, error) {
	row := s.db.QueryRow(ctx, `
        SELECT `+requestColumns+`
        FROM requests
        WHERE kind = $1 AND id = $2`, string(kind), string(id),
	)
	r, err := scanRequest(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

func (s *PGStore) CompareAndUpdate(ctx context.Context, kind lifecycle.Kind, id types.ID, expected lifecycle.Status, version int, patch lifecycle.Patch) (*lifecycle.Request, error) {
	var quoteAmount *int64
	var quoteCurrency, quoteBy *string
	if patch.Quote != nil {
		quoteAmount = &patch.Quote.Price.Amount
		quoteCurrency = &patch.Quote.Price.Currency
		q := string(patch.Quote.ProposedBy)
		quoteBy = &q
	}
	var rating *int
	var comment *string
	if patch.Feedback != nil {
		rating = &patch.Feedback.Rating
		comment = &patch.Feedback.Comment
	}

	row := s.db.QueryRow(ctx, `
        UPDATE requests
        SET status = $1,
            version = version + 1,
            updated_at = NOW(),
            fulfiller_id = CASE WHEN $2::boolean THEN NULL ELSE COALESCE($3, fulfiller_id) END,
            quote_amount = CASE WHEN $4::boolean THEN NULL ELSE COALESCE($5, quote_amount) END,
            quote_currency = CASE WHEN $4::boolean THEN NULL ELSE COALESCE($6, quote_currency) END,
            quote_by = CASE WHEN $4::boolean THEN NULL ELSE COALESCE($7, quote_by) END,
            quote_rounds = COALESCE($8, quote_rounds),
            start_code = COALESCE($9, start_code),
            end_code = COALESCE($10, end_code),
            feedback_rating = COALESCE($11, feedback_rating),
            feedback_comment = COALESCE($12, feedback_comment),
            internal_notes = COALESCE($13, internal_notes)
        WHERE kind = $14 AND id = $15 AND status = $16 AND version = $17
        RETURNING `+requestColumns,
		string(patch.Status),
		patch.ReleaseFulfiller,
		toStringPtr(patch.FulfillerID),
		patch.ClearQuote,
		quoteAmount,
		quoteCurrency,
		quoteBy,
		patch.QuoteRounds,
		patch.StartCode,
		patch.EndCode,
		rating,
		comment,
		patch.Notes,
		string(kind),
		string(id),
		string(expected),
		version,
	)
	r, err := scanRequest(row)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, getErr := s.Get(ctx, kind, id); getErr != nil {
			return nil, getErr
		}
		return nil, ErrConflict
	}
	if err != nil {
		return nil, err
	}
	s.publish(ctx, kind, id)
	return r, nil
}

func (s *PGStore) List(ctx context.Context, kind lifecycle.Kind, f Filter) ([]*lifecycle.Request, error) {
	where := []string{"kind = $1"}
	args := []any{string(kind)}
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.RequesterID != "" {
		add("requester_id = $%d", string(f.RequesterID))
	}
	if f.FulfillerID != "" {
		add("fulfiller_id = $%d", string(f.FulfillerID))
	}
	if f.TargetID != "" {
		add("target_id = $%d", string(f.TargetID))
	}
	if f.Category != "" {
		add("category = $%d", f.Category)
	}
	if len(f.Statuses) > 0 {
		ss := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			ss[i] = string(st)
		}
		add("status = ANY($%d)", ss)
	}
	if f.Unclaimed {
		where = append(where, "fulfiller_id IS NULL")
	}
	q := `SELECT ` + requestColumns + ` FROM requests WHERE ` + strings.Join(where, " AND ") +
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

	out := make([]*lifecycle.Request, 0)
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PGStore) Subscribe(ctx context.Context, kind lifecycle.Kind, f Filter) (*Subscription, error) {
	if s.redis == nil {
		return startSubscription(ctx, s.pollFeed(kind, f)), nil
	}
	ps := s.redis.Subscribe(ctx, changeChannel(kind))
	// Wait for the subscription confirmation so no change published after
	// Subscribe returns can be missed.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}
	return startSubscription(ctx, func(ctx context.Context, push func(Snapshot)) error {
		defer ps.Close()
		msgs := ps.Channel()
		for {
			list, err := s.List(ctx, kind, f)
			if err != nil {
				return err
			}
			push(Snapshot{Requests: list, At: time.Now()})

			select {
			case <-ctx.Done():
				return nil
			case _, ok := <-msgs:
				if !ok {
					return errors.New("change channel closed")
				}
			}
		}
	}), nil
}

func (s *PGStore) pollFeed(kind lifecycle.Kind, f Filter) feed {
	return func(ctx context.Context, push func(Snapshot)) error {
		ticker := time.NewTicker(s.poll)
		defer ticker.Stop()
		for {
			list, err := s.List(ctx, kind, f)
			if err != nil {
				return err
			}
			push(Snapshot{Requests: list, At: time.Now()})
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
		}
	}
}

func (s *PGStore) publish(ctx context.Context, kind lifecycle.Kind, id types.ID) {
	if s.redis == nil {
		return
	}
	if err := s.redis.Publish(ctx, changeChannel(kind), string(id)).Err(); err != nil {
		logger.Warn("publish request change",
			zap.String("kind", string(kind)), zap.String("request_id", string(id)), zap.Error(err))
	}
}

func changeChannel(kind lifecycle.Kind) string {
	return "requests:" + string(kind)
}

func (s *PGStore) AppendEvent(ctx context.Context, e *lifecycle.Event) error {
	row := s.db.QueryRow(ctx, `
        INSERT INTO request_events (
            kind, request_id, action, from_status, to_status, actor_role, actor_id, created_at
        ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
        RETURNING id`,
		string(e.Kind),
		string(e.RequestID),
		string(e.Action),
		string(e.FromStatus),
		string(e.ToStatus),
		string(e.ActorRole),
		toStringPtr(e.ActorID),
		e.CreatedAt,
	)
	return row.Scan(&e.ID)
}

func (s *PGStore) Events(ctx context.Context, kind lifecycle.Kind, id types.ID) ([]lifecycle.Event, error) {
	rows, err := s.db.Query(ctx, `
        SELECT id, kind, request_id, action, from_status, to_status, actor_role, actor_id, created_at
        FROM request_events
        WHERE kind = $1 AND request_id = $2
        ORDER BY id`, string(kind), string(id),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []lifecycle.Event
	for rows.Next() {
		var e lifecycle.Event
		var actorID *string
		if err := rows.Scan(&e.ID, &e.Kind, &e.RequestID, &e.Action, &e.FromStatus, &e.ToStatus, &e.ActorRole, &actorID, &e.CreatedAt); err != nil {
			return nil, err
		}
		if actorID != nil {
			e.ActorID = types.IDPtr(types.ID(*actorID))
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanRequest(row pgx.Row) (*lifecycle.Request, error) {
	var r lifecycle.Request
	var fulfillerID, targetID, quoteCurrency, quoteBy, feedbackComment *string
	var quoteAmount *int64
	var feedbackRating *int
	var payload []byte

	err := row.Scan(
		&r.ID, &r.Kind, &r.RequesterID, &fulfillerID, &targetID, &r.LinkedKind, &r.LinkedID,
		&r.Category, &r.Status, &r.Version, &quoteAmount, &quoteCurrency, &quoteBy, &r.QuoteRounds,
		&r.StartCode, &r.EndCode, &feedbackRating, &feedbackComment, &r.Notes,
		&payload, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if fulfillerID != nil {
		r.FulfillerID = types.IDPtr(types.ID(*fulfillerID))
	}
	if targetID != nil {
		r.TargetID = types.IDPtr(types.ID(*targetID))
	}
	if quoteAmount != nil && quoteBy != nil {
		q := lifecycle.Quote{Price: types.Money{Amount: *quoteAmount}, ProposedBy: types.ID(*quoteBy)}
		if quoteCurrency != nil {
			q.Price.Currency = *quoteCurrency
		}
		r.Quote = &q
	}
	if feedbackRating != nil {
		fb := lifecycle.Feedback{Rating: *feedbackRating}
		if feedbackComment != nil {
			fb.Comment = *feedbackComment
		}
		r.Feedback = &fb
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &r.Payload); err != nil {
			return nil, fmt.Errorf("decode payload: %w", err)
		}
	}
	return &r, nil
}

func payloadOrEmpty(p map[string]any) map[string]any {
	if p == nil {
		return map[string]any{}
	}
	return p
}

func toStringPtr(v *types.ID) *string {
	if v == nil {
		return nil
	}
	s := string(*v)
	return &s
}
