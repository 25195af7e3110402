// README: Request service applies lifecycle decisions through the store's conditional write.
package request

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"market/internal/logger"
	"market/internal/maps"
	"market/internal/metrics"
	"market/internal/modules/catalog"
	"market/internal/modules/lifecycle"
	"market/internal/types"
)

// ActionCreate labels the creation event in a request's history.
const ActionCreate lifecycle.Action = "create"

type Notifier interface {
	RequestCreated(ctx context.Context, r *lifecycle.Request) error
	RequestTransitioned(ctx context.Context, r *lifecycle.Request, e lifecycle.Event) error
}

type Estimator interface {
	TravelEstimate(ctx context.Context, origin, destination string) (maps.Estimate, error)
}

// Listings resolves the catalog entries housing and commerce requests are
// made against.
type Listings interface {
	Get(ctx context.Context, kind lifecycle.Kind, id types.ID) (catalog.Listing, error)
}

type Service struct {
	store     Store
	policy    *lifecycle.Policy
	notifier  Notifier
	estimator Estimator
	listings  Listings
	now       func() time.Time
}

type Option func(*Service)

func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

func WithEstimator(e Estimator) Option {
	return func(s *Service) { s.estimator = e }
}

// WithListings makes housing and commerce requests name the listing they are
// for. The target is then taken from the listing's owner.
func WithListings(l Listings) Option {
	return func(s *Service) { s.listings = l }
}

// maxNotes bounds a support case's internal notes.
const maxNotes = 4000

func NewService(store Store, policy *lifecycle.Policy, opts ...Option) *Service {
	s := &Service{store: store, policy: policy, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

type CreateCommand struct {
	Kind      lifecycle.Kind
	Requester lifecycle.Actor
	TargetID  types.ID
	Category  string
	Payload   map[string]any
	// ListingID is the property a housing request books.
	ListingID types.ID
	// Items are the products a commerce request orders, all from one shop.
	Items []OrderItem
	// LinkedKind and LinkedID name the requester's own request a support
	// case is about.
	LinkedKind lifecycle.Kind
	LinkedID   types.ID
}

type OrderItem struct {
	ProductID types.ID `json:"product_id"`
	Quantity  int      `json:"quantity"`
}

type TransitionCommand struct {
	Kind   lifecycle.Kind
	ID     types.ID
	Actor  lifecycle.Actor
	Action lifecycle.Action
	Input  lifecycle.Input
}

func (s *Service) Create(ctx context.Context, cmd CreateCommand) (*lifecycle.Request, error) {
	if !cmd.Kind.Valid() {
		return nil, fmt.Errorf("%w: unknown kind %q", lifecycle.ErrBadRequest, cmd.Kind)
	}
	if cmd.Requester.ID == "" {
		return nil, fmt.Errorf("%w: missing requester", lifecycle.ErrBadRequest)
	}
	if cmd.Requester.Role != lifecycle.RoleCustomer {
		return nil, fmt.Errorf("%w: only customers open requests", lifecycle.ErrForbidden)
	}
	payload := make(map[string]any, len(cmd.Payload))
	for k, v := range cmd.Payload {
		payload[k] = v
	}
	if err := s.resolveListings(ctx, &cmd, payload); err != nil {
		return nil, err
	}
	if err := s.checkLink(ctx, &cmd); err != nil {
		return nil, err
	}
	targetRole := lifecycle.TargetRole(cmd.Kind)
	switch {
	case targetRole != "" && cmd.TargetID == "":
		return nil, fmt.Errorf("%w: %s requests need a %s", lifecycle.ErrBadRequest, cmd.Kind, targetRole)
	case targetRole == "" && cmd.TargetID != "":
		return nil, fmt.Errorf("%w: %s requests are not addressed", lifecycle.ErrBadRequest, cmd.Kind)
	}

	r := &lifecycle.Request{
		ID:          types.NewID(),
		Kind:        cmd.Kind,
		RequesterID: cmd.Requester.ID,
		TargetID:    types.IDPtr(cmd.TargetID),
		LinkedKind:  cmd.LinkedKind,
		LinkedID:    cmd.LinkedID,
		Category:    cmd.Category,
		Status:      lifecycle.InitialStatus(cmd.Kind),
		Payload:     payload,
	}
	if cmd.Kind == lifecycle.KindCab {
		s.estimate(ctx, r)
	}
	if err := lifecycle.Validate(r); err != nil {
		return nil, err
	}

	if err := s.store.Create(ctx, r); err != nil {
		return nil, storeErr(err)
	}
	metrics.RequestCreated(string(r.Kind))
	s.record(ctx, r, lifecycle.Event{
		Kind:       r.Kind,
		RequestID:  r.ID,
		Action:     ActionCreate,
		FromStatus: lifecycle.StatusNone,
		ToStatus:   r.Status,
		ActorRole:  cmd.Requester.Role,
		ActorID:    types.IDPtr(cmd.Requester.ID),
		CreatedAt:  r.CreatedAt,
	})
	if s.notifier != nil {
		if err := s.notifier.RequestCreated(ctx, r); err != nil {
			logger.Warn("notify new request", zap.String("request_id", string(r.ID)), zap.Error(err))
		}
	}
	return r, nil
}

// resolveListings checks housing and commerce requests against the catalog
// and addresses them to the listing owner.
func (s *Service) resolveListings(ctx context.Context, cmd *CreateCommand, payload map[string]any) error {
	if !catalog.Listed(cmd.Kind) {
		if cmd.ListingID != "" || len(cmd.Items) > 0 {
			return fmt.Errorf("%w: %s requests carry no listings", lifecycle.ErrBadRequest, cmd.Kind)
		}
		return nil
	}
	if s.listings == nil {
		return nil
	}

	var owner types.ID
	switch cmd.Kind {
	case lifecycle.KindHousing:
		if cmd.ListingID == "" || len(cmd.Items) > 0 {
			return fmt.Errorf("%w: housing requests book exactly one property", lifecycle.ErrBadRequest)
		}
		l, err := s.listing(ctx, lifecycle.KindHousing, cmd.ListingID)
		if err != nil {
			return err
		}
		owner = l.OwnerID
		payload["listing_id"] = string(l.ID)
		payload["title"] = l.Title
		payload["price"] = map[string]any{"amount": l.Price.Amount, "currency": l.Price.Currency}
	case lifecycle.KindCommerce:
		if len(cmd.Items) == 0 || cmd.ListingID != "" {
			return fmt.Errorf("%w: commerce requests order at least one product", lifecycle.ErrBadRequest)
		}
		lines := make([]any, 0, len(cmd.Items))
		var total types.Money
		for i, it := range cmd.Items {
			if it.Quantity <= 0 {
				return fmt.Errorf("%w: quantity must be positive", lifecycle.ErrBadRequest)
			}
			p, err := s.listing(ctx, lifecycle.KindCommerce, it.ProductID)
			if err != nil {
				return err
			}
			if i == 0 {
				owner, total.Currency = p.OwnerID, p.Price.Currency
			}
			if p.OwnerID != owner {
				return fmt.Errorf("%w: products come from more than one shop", lifecycle.ErrBadRequest)
			}
			if p.Price.Currency != total.Currency {
				return fmt.Errorf("%w: mixed currencies", lifecycle.ErrBadRequest)
			}
			total.Amount += p.Price.Amount * int64(it.Quantity)
			lines = append(lines, map[string]any{
				"product_id": string(p.ID),
				"title":      p.Title,
				"quantity":   int64(it.Quantity),
				"unit_price": p.Price.Amount,
			})
		}
		payload["items"] = lines
		payload["total"] = map[string]any{"amount": total.Amount, "currency": total.Currency}
	}
	if cmd.TargetID != "" && cmd.TargetID != owner {
		return fmt.Errorf("%w: target does not own the listing", lifecycle.ErrBadRequest)
	}
	cmd.TargetID = owner
	return nil
}

// listing loads an active listing. Missing or inactive listings are the
// caller's mistake; anything else is the catalog being unavailable.
func (s *Service) listing(ctx context.Context, kind lifecycle.Kind, id types.ID) (catalog.Listing, error) {
	l, err := s.listings.Get(ctx, kind, id)
	switch {
	case errors.Is(err, catalog.ErrNotFound):
		return catalog.Listing{}, fmt.Errorf("%w: unknown listing %s", lifecycle.ErrBadRequest, id)
	case err != nil:
		return catalog.Listing{}, storeErr(err)
	case !l.Active:
		return catalog.Listing{}, fmt.Errorf("%w: %s is not available", lifecycle.ErrBadRequest, l.Title)
	}
	return l, nil
}

// checkLink requires a support case to name one of the requester's own
// requests, and every other kind to name none.
func (s *Service) checkLink(ctx context.Context, cmd *CreateCommand) error {
	if cmd.Kind != lifecycle.KindSupport {
		if cmd.LinkedKind != "" || cmd.LinkedID != "" {
			return fmt.Errorf("%w: only support cases link a request", lifecycle.ErrBadRequest)
		}
		return nil
	}
	if !cmd.LinkedKind.Valid() || cmd.LinkedKind == lifecycle.KindSupport || cmd.LinkedID == "" {
		return fmt.Errorf("%w: support cases must link a request", lifecycle.ErrBadRequest)
	}
	linked, err := s.store.Get(ctx, cmd.LinkedKind, cmd.LinkedID)
	if errors.Is(err, ErrNotFound) {
		return fmt.Errorf("%w: unknown %s request %s", lifecycle.ErrBadRequest, cmd.LinkedKind, cmd.LinkedID)
	}
	if err != nil {
		return storeErr(err)
	}
	if linked.RequesterID != cmd.Requester.ID {
		return fmt.Errorf("%w: linked request belongs to someone else", lifecycle.ErrForbidden)
	}
	if cmd.Category == "" {
		cmd.Category = string(cmd.LinkedKind)
	}
	return nil
}

// estimate adds a driving estimate for cab requests carrying pickup and
// dropoff addresses. Failures leave the request unchanged.
func (s *Service) estimate(ctx context.Context, r *lifecycle.Request) {
	if s.estimator == nil {
		return
	}
	pickup, _ := r.Payload["pickup"].(string)
	dropoff, _ := r.Payload["dropoff"].(string)
	if pickup == "" || dropoff == "" {
		return
	}
	est, err := s.estimator.TravelEstimate(ctx, pickup, dropoff)
	if err != nil {
		logger.Info("travel estimate unavailable", zap.String("request_id", string(r.ID)), zap.Error(err))
		return
	}
	r.Payload["estimate"] = map[string]any{
		"duration_seconds": int64(est.Duration.Seconds()),
		"distance":         est.Distance,
		"meters":           est.Meters,
	}
}

func (s *Service) Get(ctx context.Context, kind lifecycle.Kind, id types.ID) (*lifecycle.Request, error) {
	r, err := s.store.Get(ctx, kind, id)
	if err != nil {
		return nil, storeErr(err)
	}
	return r, nil
}

func (s *Service) List(ctx context.Context, kind lifecycle.Kind, f Filter) ([]*lifecycle.Request, error) {
	list, err := s.store.List(ctx, kind, f)
	if err != nil {
		return nil, storeErr(err)
	}
	return list, nil
}

// Subscribe opens a live query. The caller owns the handle and must Close it.
func (s *Service) Subscribe(ctx context.Context, kind lifecycle.Kind, f Filter) (*Subscription, error) {
	sub, err := s.store.Subscribe(ctx, kind, f)
	if err != nil {
		return nil, storeErr(err)
	}
	return sub, nil
}

func (s *Service) History(ctx context.Context, kind lifecycle.Kind, id types.ID) ([]lifecycle.Event, error) {
	if _, err := s.Get(ctx, kind, id); err != nil {
		return nil, err
	}
	events, err := s.store.Events(ctx, kind, id)
	if err != nil {
		return nil, storeErr(err)
	}
	return events, nil
}

// Transition runs one lifecycle action. It never retries: a lost race is
// reported as the rejection the loser would get against the new state, or
// ErrConflict when the action would still be legal.
func (s *Service) Transition(ctx context.Context, cmd TransitionCommand) (out *lifecycle.Request, err error) {
	start := s.now()
	defer func() {
		metrics.ObserveTransition(string(cmd.Kind), string(cmd.Action), outcome(err), s.now().Sub(start).Seconds())
	}()

	r, err := s.Get(ctx, cmd.Kind, cmd.ID)
	if err != nil {
		return nil, err
	}
	patch, err := s.policy.Attempt(r, cmd.Actor, cmd.Action, cmd.Input)
	if err != nil {
		return nil, err
	}

	updated, err := s.store.CompareAndUpdate(ctx, cmd.Kind, cmd.ID, r.Status, r.Version, patch)
	if errors.Is(err, ErrConflict) {
		return nil, s.classifyConflict(ctx, cmd)
	}
	if err != nil {
		return nil, storeErr(err)
	}

	e := lifecycle.Event{
		Kind:       cmd.Kind,
		RequestID:  cmd.ID,
		Action:     cmd.Action,
		FromStatus: r.Status,
		ToStatus:   updated.Status,
		ActorRole:  cmd.Actor.Role,
		ActorID:    types.IDPtr(cmd.Actor.ID),
		CreatedAt:  updated.UpdatedAt,
	}
	s.record(ctx, updated, e)
	logger.Info("request transitioned",
		zap.String("kind", string(cmd.Kind)),
		zap.String("request_id", string(cmd.ID)),
		zap.String("action", string(cmd.Action)),
		zap.String("from", string(r.Status)),
		zap.String("to", string(updated.Status)),
		zap.String("actor_id", string(cmd.Actor.ID)),
		zap.Int("version", updated.Version),
	)
	if s.notifier != nil {
		if err := s.notifier.RequestTransitioned(ctx, updated, e); err != nil {
			logger.Warn("notify transition", zap.String("request_id", string(cmd.ID)), zap.Error(err))
		}
	}
	return updated, nil
}

// SetNotes replaces a support case's internal notes. Notes are kept by support
// staff and never shown to the customer.
func (s *Service) SetNotes(ctx context.Context, kind lifecycle.Kind, id types.ID, actor lifecycle.Actor, notes string) (*lifecycle.Request, error) {
	switch {
	case kind != lifecycle.KindSupport:
		return nil, fmt.Errorf("%w: notes are kept on support cases", lifecycle.ErrBadRequest)
	case !actor.Role.IsStaff():
		return nil, fmt.Errorf("%w: notes are staff only", lifecycle.ErrForbidden)
	case len(notes) > maxNotes:
		return nil, fmt.Errorf("%w: notes exceed %d bytes", lifecycle.ErrBadRequest, maxNotes)
	}
	r, err := s.Get(ctx, kind, id)
	if err != nil {
		return nil, err
	}
	updated, err := s.store.CompareAndUpdate(ctx, kind, id, r.Status, r.Version, lifecycle.Patch{
		Status: r.Status,
		Notes:  &notes,
	})
	if err != nil {
		return nil, storeErr(err)
	}
	logger.Info("support notes saved",
		zap.String("request_id", string(id)),
		zap.String("actor_id", string(actor.ID)),
		zap.Int("version", updated.Version))
	return updated, nil
}

// classifyConflict re-reads the request after a failed conditional write and
// evaluates the action once more against the current state.
func (s *Service) classifyConflict(ctx context.Context, cmd TransitionCommand) error {
	cur, err := s.Get(ctx, cmd.Kind, cmd.ID)
	if err != nil {
		return err
	}
	if _, err := s.policy.Attempt(cur, cmd.Actor, cmd.Action, cmd.Input); err != nil {
		return err
	}
	return ErrConflict
}

func (s *Service) record(ctx context.Context, r *lifecycle.Request, e lifecycle.Event) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now()
	}
	if err := s.store.AppendEvent(ctx, &e); err != nil {
		logger.Error("append request event",
			zap.String("kind", string(r.Kind)),
			zap.String("request_id", string(r.ID)),
			zap.String("action", string(e.Action)),
			zap.Error(err))
	}
}

// storeErr marks infrastructure failures as ErrStoreUnavailable and passes
// domain outcomes through.
func storeErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrConflict), errors.Is(err, ErrStoreUnavailable),
		lifecycle.IsRejection(err),
		errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	}
	return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
}

func outcome(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeApplied
	case errors.Is(err, ErrConflict):
		return metrics.OutcomeConflict
	}
	if reason := lifecycle.ReasonOf(err); reason != "" {
		return reason
	}
	return metrics.OutcomeError
}
