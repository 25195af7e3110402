// README: Lifecycle policy decides whether an action is legal and what it writes.
package lifecycle

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"math/big"
)

const defaultCodeLength = 4

type Options struct {
	// MaxQuoteRounds bounds how many quotes a requester may decline before
	// having to accept or cancel. Zero means unbounded.
	MaxQuoteRounds int
	// CodeLength is the number of digits in start/end codes.
	CodeLength int
}

type Policy struct {
	opts    Options
	newCode func(digits int) (string, error)
}

func NewPolicy(opts Options) *Policy {
	if opts.CodeLength <= 0 {
		opts.CodeLength = defaultCodeLength
	}
	return &Policy{opts: opts, newCode: randomDigits}
}

// WithCodeSource replaces the one-time code generator. Used by tests.
func (p *Policy) WithCodeSource(fn func(digits int) (string, error)) *Policy {
	cp := *p
	cp.newCode = fn
	return &cp
}

// Attempt validates action against the current state of r and returns the
// patch to write. It never mutates r. A nil error means the transition is
// legal; otherwise the error is a *Rejection.
func (p *Policy) Attempt(r *Request, actor Actor, action Action, in Input) (Patch, error) {
	m, ok := machines[r.Kind]
	if !ok {
		return Patch{}, reject(ErrWrongState, r, action, "unknown kind")
	}
	rules, ok := m.rules[action]
	if !ok {
		return Patch{}, reject(ErrWrongState, r, action, "action not defined for kind")
	}

	var candidates []rule
	for _, ru := range rules {
		if ru.allows(r.Status) {
			candidates = append(candidates, ru)
		}
	}
	if len(candidates) == 0 {
		if lostClaim(rules, r, actor, action) {
			return Patch{}, reject(ErrAlreadyClaimed, r, action, "")
		}
		return Patch{}, reject(ErrWrongState, r, action, "")
	}

	var (
		chosen  *rule
		lastErr error
	)
	for i := range candidates {
		if err := p.checkParty(candidates[i], r, actor, action); err != nil {
			lastErr = err
			continue
		}
		chosen = &candidates[i]
		break
	}
	if chosen == nil {
		return Patch{}, lastErr
	}

	if chosen.gate != nil {
		want := chosen.gate(r)
		if want == "" || subtle.ConstantTimeCompare([]byte(want), []byte(in.Code)) != 1 {
			return Patch{}, reject(ErrAuthCodeMismatch, r, action, "")
		}
	}

	out := Patch{Status: chosen.to}
	if chosen.by == byClaimant {
		id := actor.ID
		out.FulfillerID = &id
	}
	if chosen.effect != nil {
		if err := chosen.effect(p, r, actor, in, &out); err != nil {
			return Patch{}, err
		}
	}
	return out, nil
}

func (p *Policy) checkParty(ru rule, r *Request, actor Actor, action Action) error {
	if actor.ID == "" || actor.Role != ru.role {
		return reject(ErrForbidden, r, action, fmt.Sprintf("requires role %s", ru.role))
	}
	switch ru.by {
	case byRequester:
		if r.RequesterID != actor.ID {
			return reject(ErrForbidden, r, action, "not the requester")
		}
	case byTarget:
		if !r.IsTarget(actor.ID) {
			return reject(ErrForbidden, r, action, "not the addressed provider")
		}
	case byFulfiller:
		if !r.IsFulfiller(actor.ID) {
			return reject(ErrForbidden, r, action, "not the assigned provider")
		}
	case byClaimant:
		if r.FulfillerID != nil {
			return reject(ErrAlreadyClaimed, r, action, "")
		}
	case byRole:
	}
	return nil
}

// lostClaim reports whether actor tried to claim a request someone else has
// already claimed, whatever the winner did with it since.
func lostClaim(rules []rule, r *Request, actor Actor, action Action) bool {
	if r.FulfillerID == nil || r.IsFulfiller(actor.ID) || !IsClaim(r.Kind, action) {
		return false
	}
	for _, ru := range rules {
		if ru.by == byClaimant && ru.role == actor.Role {
			return true
		}
	}
	return false
}

// Validate checks the structural invariants of a stored request.
func Validate(r *Request) error {
	m, ok := machines[r.Kind]
	if !ok {
		return fmt.Errorf("%w: unknown kind %q", ErrBadRequest, r.Kind)
	}
	if r.RequesterID == "" {
		return fmt.Errorf("%w: missing requester", ErrBadRequest)
	}
	if !ValidStatus(r.Kind, r.Status) {
		return fmt.Errorf("%w: status %q not valid for %s", ErrBadRequest, r.Status, r.Kind)
	}
	if r.Status == m.initial && r.FulfillerID != nil {
		return fmt.Errorf("%w: fulfiller set while %s", ErrBadRequest, r.Status)
	}
	return nil
}

func (p *Policy) issueCodes(out *Patch) error {
	start, err := p.newCode(p.opts.CodeLength)
	if err != nil {
		return fmt.Errorf("issue start code: %w", err)
	}
	end, err := p.newCode(p.opts.CodeLength)
	if err != nil {
		return fmt.Errorf("issue end code: %w", err)
	}
	out.StartCode = &start
	out.EndCode = &end
	return nil
}

func quoteEffect(p *Policy, r *Request, a Actor, in Input, out *Patch) error {
	if r.Status == StatusQuoted && r.Quote != nil && r.Quote.ProposedBy != a.ID {
		return reject(ErrForbidden, r, ActionQuote, "quote held by another worker")
	}
	if !in.Price.IsPositive() {
		return reject(ErrBadRequest, r, ActionQuote, "price must be positive")
	}
	out.Quote = &Quote{Price: in.Price, ProposedBy: a.ID}
	return nil
}

func declineEffect(p *Policy, r *Request, a Actor, in Input, out *Patch) error {
	if p.opts.MaxQuoteRounds > 0 && r.QuoteRounds >= p.opts.MaxQuoteRounds {
		return reject(ErrQuoteLimit, r, ActionDeclineQuote, fmt.Sprintf("%d quotes already declined", r.QuoteRounds))
	}
	rounds := r.QuoteRounds + 1
	out.QuoteRounds = &rounds
	out.ClearQuote = true
	return nil
}

func acceptQuoteEffect(p *Policy, r *Request, a Actor, in Input, out *Patch) error {
	if r.Quote == nil || r.Quote.ProposedBy == "" {
		return reject(ErrWrongState, r, ActionAcceptQuote, "no quote to accept")
	}
	worker := r.Quote.ProposedBy
	out.FulfillerID = &worker
	return p.issueCodes(out)
}

func assignEffect(p *Policy, r *Request, a Actor, in Input, out *Patch) error {
	if in.AssigneeID == "" {
		return reject(ErrBadRequest, r, ActionAssign, "missing assignee")
	}
	assignee := in.AssigneeID
	out.FulfillerID = &assignee
	out.ClearQuote = true
	return p.issueCodes(out)
}

func takeOverEffect(p *Policy, r *Request, a Actor, in Input, out *Patch) error {
	id := a.ID
	out.FulfillerID = &id
	return nil
}

func releaseEffect(p *Policy, r *Request, a Actor, in Input, out *Patch) error {
	out.ReleaseFulfiller = true
	return nil
}

func rateEffect(p *Policy, r *Request, a Actor, in Input, out *Patch) error {
	if r.Feedback != nil {
		return reject(ErrWrongState, r, ActionRate, "already rated")
	}
	if in.Rating < 1 || in.Rating > 5 {
		return reject(ErrBadRequest, r, ActionRate, "rating must be between 1 and 5")
	}
	out.Feedback = &Feedback{Rating: in.Rating, Comment: in.Comment}
	return nil
}

func randomDigits(n int) (string, error) {
	buf := make([]byte, n)
	ten := big.NewInt(10)
	for i := range buf {
		d, err := rand.Int(rand.Reader, ten)
		if err != nil {
			return "", err
		}
		buf[i] = byte('0' + d.Int64())
	}
	return string(buf), nil
}
