// README: Per-vertical transition tables (the request state flow as code).
package lifecycle

// party selects which identity on the request an actor must hold.
type party int

const (
	byRequester party = iota
	byTarget
	byFulfiller
	// byClaimant is any actor of the rule's role while the fulfiller is unset;
	// a successful claim writes the actor as fulfiller.
	byClaimant
	// byRole is any actor of the rule's role.
	byRole
)

// effect fills the kind-specific part of a patch. It runs after the state,
// identity and code checks have passed.
type effect func(p *Policy, r *Request, a Actor, in Input, out *Patch) error

type rule struct {
	from   []Status
	to     Status
	role   Role
	by     party
	gate   func(r *Request) string
	effect effect
}

func (ru rule) allows(s Status) bool {
	for _, f := range ru.from {
		if f == s {
			return true
		}
	}
	return false
}

type machine struct {
	initial  Status
	statuses []Status
	terminal map[Status]bool
	rules    map[Action][]rule
	// targetRole is set for kinds addressed to one provider at creation.
	targetRole Role
}

func terminal(ss ...Status) map[Status]bool {
	m := make(map[Status]bool, len(ss))
	for _, s := range ss {
		m[s] = true
	}
	return m
}

func from(ss ...Status) []Status { return ss }

var machines = map[Kind]*machine{
	KindCab: {
		initial:  StatusPending,
		statuses: []Status{StatusPending, StatusAccepted, StatusCompleted, StatusCancelled},
		terminal: terminal(StatusCompleted, StatusCancelled),
		rules: map[Action][]rule{
			ActionAccept:   {{from: from(StatusPending), to: StatusAccepted, role: RoleDriver, by: byClaimant}},
			ActionComplete: {{from: from(StatusAccepted), to: StatusCompleted, role: RoleDriver, by: byFulfiller}},
			ActionCancel:   {{from: from(StatusPending), to: StatusCancelled, role: RoleCustomer, by: byRequester}},
		},
	},
	KindService: {
		initial: StatusPending,
		statuses: []Status{
			StatusPending, StatusQuoted, StatusAccepted, StatusInProgress,
			StatusCompleted, StatusCancelled, StatusRejected,
		},
		terminal: terminal(StatusCompleted, StatusCancelled, StatusRejected),
		rules: map[Action][]rule{
			ActionQuote: {{
				from: from(StatusPending, StatusQuoted), to: StatusQuoted,
				role: RoleWorker, by: byRole, effect: quoteEffect,
			}},
			ActionDeclineQuote: {{
				from: from(StatusQuoted), to: StatusPending,
				role: RoleCustomer, by: byRequester, effect: declineEffect,
			}},
			ActionAcceptQuote: {{
				from: from(StatusQuoted), to: StatusAccepted,
				role: RoleCustomer, by: byRequester, effect: acceptQuoteEffect,
			}},
			ActionAssign: {{
				from: from(StatusPending, StatusQuoted), to: StatusAccepted,
				role: RoleAdmin, by: byRole, effect: assignEffect,
			}},
			ActionStart: {{
				from: from(StatusAccepted), to: StatusInProgress,
				role: RoleWorker, by: byFulfiller, gate: func(r *Request) string { return r.StartCode },
			}},
			ActionComplete: {{
				from: from(StatusInProgress), to: StatusCompleted,
				role: RoleWorker, by: byFulfiller, gate: func(r *Request) string { return r.EndCode },
			}},
			ActionCancel: {{
				from: from(StatusPending, StatusQuoted, StatusAccepted), to: StatusCancelled,
				role: RoleCustomer, by: byRequester,
			}},
			ActionReject: {{
				from: from(StatusPending, StatusQuoted, StatusAccepted, StatusInProgress), to: StatusRejected,
				role: RoleAdmin, by: byRole,
			}},
		},
	},
	KindHousing: {
		initial:    StatusPending,
		statuses:   []Status{StatusPending, StatusConfirmed, StatusCancelled},
		terminal:   terminal(StatusCancelled),
		targetRole: RoleHost,
		rules: map[Action][]rule{
			ActionConfirm: {{from: from(StatusPending), to: StatusConfirmed, role: RoleHost, by: byTarget, effect: takeOverEffect}},
			ActionCancel: {
				{from: from(StatusPending, StatusConfirmed), to: StatusCancelled, role: RoleCustomer, by: byRequester},
				{from: from(StatusPending, StatusConfirmed), to: StatusCancelled, role: RoleHost, by: byTarget},
			},
		},
	},
	KindCommerce: {
		initial: StatusPending,
		statuses: []Status{
			StatusPending, StatusAccepted, StatusReadyDelivery, StatusOutForDelivery,
			StatusDelivered, StatusRejected,
		},
		terminal:   terminal(StatusDelivered, StatusRejected),
		targetRole: RoleShop,
		rules: map[Action][]rule{
			ActionAccept:        {{from: from(StatusPending), to: StatusAccepted, role: RoleShop, by: byTarget}},
			ActionReject:        {{from: from(StatusPending), to: StatusRejected, role: RoleShop, by: byTarget}},
			ActionMarkReady:     {{from: from(StatusAccepted), to: StatusReadyDelivery, role: RoleShop, by: byTarget}},
			ActionClaimDelivery: {{from: from(StatusReadyDelivery), to: StatusOutForDelivery, role: RoleDelivery, by: byClaimant}},
			ActionDeliver:       {{from: from(StatusOutForDelivery), to: StatusDelivered, role: RoleDelivery, by: byFulfiller}},
		},
	},
	KindMedical: {
		initial:  StatusPending,
		statuses: []Status{StatusPending, StatusAccepted, StatusCompleted, StatusCancelled},
		terminal: terminal(StatusCompleted, StatusCancelled),
		rules: map[Action][]rule{
			ActionAccept:   {{from: from(StatusPending), to: StatusAccepted, role: RoleDoctor, by: byClaimant}},
			ActionComplete: {{from: from(StatusAccepted), to: StatusCompleted, role: RoleDoctor, by: byFulfiller}},
			ActionCancel:   {{from: from(StatusPending), to: StatusCancelled, role: RoleCustomer, by: byRequester}},
		},
	},
	KindSupport: {
		initial:  StatusOpen,
		statuses: []Status{StatusOpen, StatusAssigned, StatusClosed},
		terminal: terminal(StatusClosed),
		rules: map[Action][]rule{
			ActionClaim: {{from: from(StatusOpen), to: StatusAssigned, role: RoleSupport, by: byClaimant}},
			ActionClose: {{from: from(StatusAssigned), to: StatusClosed, role: RoleSupport, by: byFulfiller}},
			ActionReopen: {
				{from: from(StatusClosed), to: StatusAssigned, role: RoleSupport, by: byFulfiller},
				{from: from(StatusClosed), to: StatusOpen, role: RoleCustomer, by: byRequester, effect: releaseEffect},
			},
			ActionRate: {{from: from(StatusClosed), to: StatusClosed, role: RoleCustomer, by: byRequester, effect: rateEffect}},
		},
	},
}

// InitialStatus is the status a new request of kind k is created in.
func InitialStatus(k Kind) Status {
	if m, ok := machines[k]; ok {
		return m.initial
	}
	return StatusNone
}

// Statuses returns the status set of kind k.
func Statuses(k Kind) []Status {
	m, ok := machines[k]
	if !ok {
		return nil
	}
	out := make([]Status, len(m.statuses))
	copy(out, m.statuses)
	return out
}

func ValidStatus(k Kind, s Status) bool {
	for _, v := range Statuses(k) {
		if v == s {
			return true
		}
	}
	return false
}

// IsTerminal reports whether s is final for kind k. Support's closed state is
// terminal but still accepts reopen and rate.
func IsTerminal(k Kind, s Status) bool {
	m, ok := machines[k]
	return ok && m.terminal[s]
}

// Actions returns the actions defined for kind k.
func Actions(k Kind) []Action {
	m, ok := machines[k]
	if !ok {
		return nil
	}
	out := make([]Action, 0, len(m.rules))
	for a := range m.rules {
		out = append(out, a)
	}
	return out
}

// IsClaim reports whether action a on kind k is a first-claim-wins write of
// the fulfiller.
func IsClaim(k Kind, a Action) bool {
	m, ok := machines[k]
	if !ok {
		return false
	}
	for _, ru := range m.rules[a] {
		if ru.by == byClaimant {
			return true
		}
	}
	return false
}

// CanTransition reports whether any rule of kind k moves from into to.
func CanTransition(k Kind, from, to Status) bool {
	m, ok := machines[k]
	if !ok {
		return false
	}
	for _, rules := range m.rules {
		for _, ru := range rules {
			if ru.to == to && ru.allows(from) {
				return true
			}
		}
	}
	return false
}

// TargetRole is the provider role a request of kind k must be addressed to,
// or "" when requests of k are open to the pool.
func TargetRole(k Kind) Role {
	if m, ok := machines[k]; ok {
		return m.targetRole
	}
	return ""
}

// PoolStatuses returns the statuses in which an actor of role can act on an
// unassigned request of kind k without being a party to it (claim or quote).
func PoolStatuses(k Kind, role Role) []Status {
	m, ok := machines[k]
	if !ok {
		return nil
	}
	var out []Status
	for _, rules := range m.rules {
		for _, ru := range rules {
			if (ru.by == byClaimant || ru.by == byRole) && ru.role == role {
				out = append(out, ru.from...)
			}
		}
	}
	return out
}
