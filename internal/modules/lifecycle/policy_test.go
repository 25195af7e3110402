// README: Lifecycle policy tests (transition tables, gates, claims, terminal states).
package lifecycle

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"market/internal/types"
)

func fixedCodes(codes ...string) func(int) (string, error) {
	i := 0
	return func(int) (string, error) {
		c := codes[i%len(codes)]
		i++
		return c, nil
	}
}

func testPolicy(opts Options) *Policy {
	return NewPolicy(opts).WithCodeSource(fixedCodes("1111", "2222"))
}

func newRequest(kind Kind, requester types.ID) *Request {
	return &Request{
		ID:          "r1",
		Kind:        kind,
		RequesterID: requester,
		Status:      InitialStatus(kind),
	}
}

// apply runs Attempt and writes the patch onto r, failing the test on rejection.
func apply(t *testing.T, p *Policy, r *Request, actor Actor, action Action, in Input) {
	t.Helper()
	patch, err := p.Attempt(r, actor, action, in)
	require.NoError(t, err, "%s by %s", action, actor.ID)
	patch.Apply(r)
	r.Version++
}

func TestCanTransition(t *testing.T) {
	cases := []struct {
		kind     Kind
		from, to Status
		want     bool
	}{
		{KindCab, StatusPending, StatusAccepted, true},
		{KindCab, StatusAccepted, StatusCompleted, true},
		{KindCab, StatusPending, StatusCancelled, true},
		{KindCab, StatusPending, StatusCompleted, false},
		{KindCab, StatusAccepted, StatusCancelled, false},
		{KindService, StatusPending, StatusQuoted, true},
		{KindService, StatusQuoted, StatusQuoted, true},
		{KindService, StatusQuoted, StatusPending, true},
		{KindService, StatusAccepted, StatusInProgress, true},
		{KindService, StatusPending, StatusCompleted, false},
		{KindService, StatusAccepted, StatusCompleted, false},
		{KindService, StatusInProgress, StatusRejected, true},
		{KindHousing, StatusPending, StatusConfirmed, true},
		{KindHousing, StatusConfirmed, StatusCancelled, true},
		{KindHousing, StatusCancelled, StatusPending, false},
		{KindCommerce, StatusReadyDelivery, StatusOutForDelivery, true},
		{KindCommerce, StatusPending, StatusOutForDelivery, false},
		{KindCommerce, StatusAccepted, StatusRejected, false},
		{KindMedical, StatusPending, StatusAccepted, true},
		{KindSupport, StatusClosed, StatusOpen, true},
		{KindSupport, StatusClosed, StatusAssigned, true},
		{KindSupport, StatusOpen, StatusClosed, false},
	}
	for _, tc := range cases {
		got := CanTransition(tc.kind, tc.from, tc.to)
		if got != tc.want {
			t.Errorf("CanTransition(%s, %s, %s) = %v, want %v", tc.kind, tc.from, tc.to, got, tc.want)
		}
	}
}

func TestTablesReferenceOwnStatuses(t *testing.T) {
	for kind, m := range machines {
		require.True(t, ValidStatus(kind, m.initial), "%s initial", kind)
		for s := range m.terminal {
			assert.True(t, ValidStatus(kind, s), "%s terminal %s", kind, s)
		}
		for action, rules := range m.rules {
			for _, ru := range rules {
				assert.True(t, ValidStatus(kind, ru.to), "%s %s to %s", kind, action, ru.to)
				for _, f := range ru.from {
					assert.True(t, ValidStatus(kind, f), "%s %s from %s", kind, action, f)
				}
				assert.True(t, ru.role.Valid(), "%s %s role %s", kind, action, ru.role)
			}
		}
	}
}

func TestCabAcceptScenario(t *testing.T) {
	p := testPolicy(Options{})
	r := newRequest(KindCab, "c1")
	require.Nil(t, r.FulfillerID)

	driverA := Actor{ID: "dA", Role: RoleDriver}
	driverB := Actor{ID: "dB", Role: RoleDriver}

	apply(t, p, r, driverA, ActionAccept, Input{})
	assert.Equal(t, StatusAccepted, r.Status)
	require.NotNil(t, r.FulfillerID)
	assert.Equal(t, types.ID("dA"), *r.FulfillerID)

	_, err := p.Attempt(r, driverB, ActionAccept, Input{})
	assert.ErrorIs(t, err, ErrAlreadyClaimed)

	// Re-applying by the winner is not a claim race.
	_, err = p.Attempt(r, driverA, ActionAccept, Input{})
	assert.ErrorIs(t, err, ErrWrongState)

	_, err = p.Attempt(r, driverB, ActionComplete, Input{})
	assert.ErrorIs(t, err, ErrForbidden)

	apply(t, p, r, driverA, ActionComplete, Input{})
	assert.Equal(t, StatusCompleted, r.Status)
}

func TestCabCancel(t *testing.T) {
	p := testPolicy(Options{})
	r := newRequest(KindCab, "c1")

	_, err := p.Attempt(r, Actor{ID: "c2", Role: RoleCustomer}, ActionCancel, Input{})
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = p.Attempt(r, Actor{ID: "c1", Role: RoleDriver}, ActionCancel, Input{})
	assert.ErrorIs(t, err, ErrForbidden)

	apply(t, p, r, Actor{ID: "c1", Role: RoleCustomer}, ActionCancel, Input{})
	assert.Equal(t, StatusCancelled, r.Status)

	_, err = p.Attempt(r, Actor{ID: "c1", Role: RoleCustomer}, ActionCancel, Input{})
	assert.ErrorIs(t, err, ErrWrongState)
	_, err = p.Attempt(r, Actor{ID: "d1", Role: RoleDriver}, ActionAccept, Input{})
	assert.ErrorIs(t, err, ErrWrongState)
}

func TestServiceQuoteFlow(t *testing.T) {
	p := testPolicy(Options{})
	r := newRequest(KindService, "c1")
	customer := Actor{ID: "c1", Role: RoleCustomer}
	w1 := Actor{ID: "w1", Role: RoleWorker}
	w2 := Actor{ID: "w2", Role: RoleWorker}

	_, err := p.Attempt(r, w1, ActionQuote, Input{})
	assert.ErrorIs(t, err, ErrBadRequest)

	apply(t, p, r, w1, ActionQuote, Input{Price: types.Money{Amount: 5000, Currency: "INR"}})
	assert.Equal(t, StatusQuoted, r.Status)
	require.NotNil(t, r.Quote)
	assert.Nil(t, r.FulfillerID)

	// The proposing worker may revise; others may not while quoted.
	apply(t, p, r, w1, ActionQuote, Input{Price: types.Money{Amount: 4500, Currency: "INR"}})
	assert.Equal(t, int64(4500), r.Quote.Price.Amount)
	_, err = p.Attempt(r, w2, ActionQuote, Input{Price: types.Money{Amount: 4000, Currency: "INR"}})
	assert.ErrorIs(t, err, ErrForbidden)

	apply(t, p, r, customer, ActionDeclineQuote, Input{})
	assert.Equal(t, StatusPending, r.Status)
	assert.Nil(t, r.Quote)
	assert.Equal(t, 1, r.QuoteRounds)

	apply(t, p, r, w2, ActionQuote, Input{Price: types.Money{Amount: 4000, Currency: "INR"}})
	apply(t, p, r, customer, ActionAcceptQuote, Input{})
	assert.Equal(t, StatusAccepted, r.Status)
	require.NotNil(t, r.FulfillerID)
	assert.Equal(t, types.ID("w2"), *r.FulfillerID)
	assert.Equal(t, "1111", r.StartCode)
	assert.Equal(t, "2222", r.EndCode)
}

func TestServiceQuoteLimit(t *testing.T) {
	p := testPolicy(Options{MaxQuoteRounds: 2})
	r := newRequest(KindService, "c1")
	customer := Actor{ID: "c1", Role: RoleCustomer}
	worker := Actor{ID: "w1", Role: RoleWorker}
	price := Input{Price: types.Money{Amount: 100, Currency: "INR"}}

	for i := 0; i < 2; i++ {
		apply(t, p, r, worker, ActionQuote, price)
		apply(t, p, r, customer, ActionDeclineQuote, Input{})
	}
	apply(t, p, r, worker, ActionQuote, price)
	_, err := p.Attempt(r, customer, ActionDeclineQuote, Input{})
	assert.ErrorIs(t, err, ErrQuoteLimit)

	// Accepting and cancelling stay available.
	_, err = p.Attempt(r, customer, ActionAcceptQuote, Input{})
	assert.NoError(t, err)
	_, err = p.Attempt(r, customer, ActionCancel, Input{})
	assert.NoError(t, err)
}

func TestServiceCodeGate(t *testing.T) {
	p := testPolicy(Options{})
	r := newRequest(KindService, "c1")
	admin := Actor{ID: "a1", Role: RoleAdmin}
	worker := Actor{ID: "w1", Role: RoleWorker}

	_, err := p.Attempt(r, worker, ActionComplete, Input{Code: "2222"})
	assert.ErrorIs(t, err, ErrWrongState, "complete must not skip start")

	_, err = p.Attempt(r, admin, ActionAssign, Input{})
	assert.ErrorIs(t, err, ErrBadRequest)
	apply(t, p, r, admin, ActionAssign, Input{AssigneeID: "w1"})
	assert.Equal(t, StatusAccepted, r.Status)

	_, err = p.Attempt(r, worker, ActionStart, Input{Code: "9999"})
	assert.ErrorIs(t, err, ErrAuthCodeMismatch)
	assert.Equal(t, StatusAccepted, r.Status)
	_, err = p.Attempt(r, worker, ActionStart, Input{})
	assert.ErrorIs(t, err, ErrAuthCodeMismatch)

	_, err = p.Attempt(r, Actor{ID: "w2", Role: RoleWorker}, ActionStart, Input{Code: "1111"})
	assert.ErrorIs(t, err, ErrForbidden)

	apply(t, p, r, worker, ActionStart, Input{Code: "1111"})
	assert.Equal(t, StatusInProgress, r.Status)

	_, err = p.Attempt(r, worker, ActionComplete, Input{Code: "1111"})
	assert.ErrorIs(t, err, ErrAuthCodeMismatch)
	apply(t, p, r, worker, ActionComplete, Input{Code: "2222"})
	assert.Equal(t, StatusCompleted, r.Status)
}

func TestHousingFlow(t *testing.T) {
	p := testPolicy(Options{})
	r := newRequest(KindHousing, "c1")
	r.TargetID = types.IDPtr("h1")

	_, err := p.Attempt(r, Actor{ID: "h2", Role: RoleHost}, ActionConfirm, Input{})
	assert.ErrorIs(t, err, ErrForbidden)

	apply(t, p, r, Actor{ID: "h1", Role: RoleHost}, ActionConfirm, Input{})
	assert.Equal(t, StatusConfirmed, r.Status)
	require.NotNil(t, r.FulfillerID)
	assert.Equal(t, types.ID("h1"), *r.FulfillerID)

	_, err = p.Attempt(r, Actor{ID: "h1", Role: RoleHost}, ActionConfirm, Input{})
	assert.ErrorIs(t, err, ErrWrongState)

	apply(t, p, r, Actor{ID: "h1", Role: RoleHost}, ActionCancel, Input{})
	assert.Equal(t, StatusCancelled, r.Status)
}

func TestCommerceFlow(t *testing.T) {
	p := testPolicy(Options{})
	r := newRequest(KindCommerce, "c1")
	r.TargetID = types.IDPtr("s1")
	shop := Actor{ID: "s1", Role: RoleShop}
	rider := Actor{ID: "dl1", Role: RoleDelivery}

	_, err := p.Attempt(r, rider, ActionClaimDelivery, Input{})
	assert.ErrorIs(t, err, ErrWrongState)

	apply(t, p, r, shop, ActionAccept, Input{})
	apply(t, p, r, shop, ActionMarkReady, Input{})
	assert.Equal(t, StatusReadyDelivery, r.Status)
	assert.Nil(t, r.FulfillerID)

	_, err = p.Attempt(r, shop, ActionClaimDelivery, Input{})
	assert.ErrorIs(t, err, ErrForbidden)

	apply(t, p, r, rider, ActionClaimDelivery, Input{})
	assert.Equal(t, StatusOutForDelivery, r.Status)

	_, err = p.Attempt(r, Actor{ID: "dl2", Role: RoleDelivery}, ActionClaimDelivery, Input{})
	assert.ErrorIs(t, err, ErrAlreadyClaimed)
	_, err = p.Attempt(r, Actor{ID: "dl2", Role: RoleDelivery}, ActionDeliver, Input{})
	assert.ErrorIs(t, err, ErrForbidden)

	apply(t, p, r, rider, ActionDeliver, Input{})
	assert.Equal(t, StatusDelivered, r.Status)
}

func TestCommerceReject(t *testing.T) {
	p := testPolicy(Options{})
	r := newRequest(KindCommerce, "c1")
	r.TargetID = types.IDPtr("s1")

	apply(t, p, r, Actor{ID: "s1", Role: RoleShop}, ActionReject, Input{})
	assert.Equal(t, StatusRejected, r.Status)
	_, err := p.Attempt(r, Actor{ID: "s1", Role: RoleShop}, ActionAccept, Input{})
	assert.ErrorIs(t, err, ErrWrongState)
}

func TestSupportCaseFlow(t *testing.T) {
	p := testPolicy(Options{})
	r := newRequest(KindSupport, "c1")
	customer := Actor{ID: "c1", Role: RoleCustomer}
	agent := Actor{ID: "ag1", Role: RoleSupport}
	other := Actor{ID: "ag2", Role: RoleSupport}

	assert.Equal(t, StatusOpen, r.Status)
	apply(t, p, r, agent, ActionClaim, Input{})
	assert.Equal(t, StatusAssigned, r.Status)

	_, err := p.Attempt(r, other, ActionClaim, Input{})
	assert.ErrorIs(t, err, ErrAlreadyClaimed)
	_, err = p.Attempt(r, other, ActionClose, Input{})
	assert.ErrorIs(t, err, ErrForbidden)

	apply(t, p, r, agent, ActionClose, Input{})
	_, err = p.Attempt(r, other, ActionClaim, Input{})
	assert.ErrorIs(t, err, ErrAlreadyClaimed, "claim lost even after the winner closed")

	apply(t, p, r, agent, ActionReopen, Input{})
	assert.Equal(t, StatusAssigned, r.Status)
	assert.True(t, r.IsFulfiller("ag1"))

	apply(t, p, r, agent, ActionClose, Input{})

	_, err = p.Attempt(r, customer, ActionRate, Input{Rating: 9})
	assert.ErrorIs(t, err, ErrBadRequest)
	apply(t, p, r, customer, ActionRate, Input{Rating: 4, Comment: "ok"})
	require.NotNil(t, r.Feedback)
	_, err = p.Attempt(r, customer, ActionRate, Input{Rating: 5})
	assert.ErrorIs(t, err, ErrWrongState)

	apply(t, p, r, customer, ActionReopen, Input{})
	assert.Equal(t, StatusOpen, r.Status)
	assert.Nil(t, r.FulfillerID)

	apply(t, p, r, other, ActionClaim, Input{})
	assert.True(t, r.IsFulfiller("ag2"))
}

// TestTerminalStatesAreFinal tries every action by every role on every
// terminal status; only support's reopen and rate may pass.
func TestTerminalStatesAreFinal(t *testing.T) {
	p := testPolicy(Options{})
	allRoles := []Role{
		RoleCustomer, RoleDriver, RoleWorker, RoleHost, RoleShop,
		RoleDelivery, RoleDoctor, RoleSupport, RoleAdmin,
	}
	for _, kind := range Kinds {
		for _, s := range Statuses(kind) {
			if !IsTerminal(kind, s) {
				continue
			}
			for _, action := range Actions(kind) {
				for _, role := range allRoles {
					r := &Request{
						ID: "r", Kind: kind, RequesterID: "u", Status: s,
						FulfillerID: types.IDPtr("u"), TargetID: types.IDPtr("u"),
						Quote: &Quote{ProposedBy: "u"},
					}
					_, err := p.Attempt(r, Actor{ID: "u", Role: role}, action, Input{
						Code: "1111", Rating: 3, AssigneeID: "u",
						Price: types.Money{Amount: 1, Currency: "INR"},
					})
					if kind == KindSupport && (action == ActionReopen || action == ActionRate) {
						continue
					}
					if !errors.Is(err, ErrWrongState) {
						t.Errorf("%s %s by %s from terminal %s: got %v, want wrong-state", kind, action, role, s, err)
					}
				}
			}
		}
	}
}

func TestUnknownActionIsWrongState(t *testing.T) {
	p := testPolicy(Options{})
	r := newRequest(KindMedical, "c1")
	_, err := p.Attempt(r, Actor{ID: "d1", Role: RoleDoctor}, ActionMarkReady, Input{})
	assert.ErrorIs(t, err, ErrWrongState)
	assert.Equal(t, "wrong-state", ReasonOf(err))

	var rej *Rejection
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, KindMedical, rej.Kind)
}

func TestAttemptDoesNotMutate(t *testing.T) {
	p := testPolicy(Options{})
	r := newRequest(KindMedical, "c1")
	before := *r
	_, err := p.Attempt(r, Actor{ID: "doc", Role: RoleDoctor}, ActionAccept, Input{})
	require.NoError(t, err)
	assert.Equal(t, before, *r)
}

func TestValidate(t *testing.T) {
	r := newRequest(KindCab, "c1")
	assert.NoError(t, Validate(r))

	r.FulfillerID = types.IDPtr("d1")
	assert.ErrorIs(t, Validate(r), ErrBadRequest)

	r = newRequest(KindCab, "c1")
	r.Status = StatusDelivered
	assert.ErrorIs(t, Validate(r), ErrBadRequest)

	r = newRequest(Kind("pharmacy"), "c1")
	assert.ErrorIs(t, Validate(r), ErrBadRequest)
}

func TestRandomDigits(t *testing.T) {
	code, err := randomDigits(6)
	require.NoError(t, err)
	require.Len(t, code, 6)
	for _, c := range code {
		assert.True(t, c >= '0' && c <= '9')
	}
}
