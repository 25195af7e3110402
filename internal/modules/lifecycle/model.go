// README: Request aggregate, vertical kinds, statuses, roles and actions.
package lifecycle

import (
	"time"

	"market/internal/types"
)

// Kind discriminates the vertical a request belongs to.
type Kind string

const (
	KindCab      Kind = "cab"
	KindService  Kind = "service"
	KindHousing  Kind = "housing"
	KindCommerce Kind = "commerce"
	KindMedical  Kind = "medical"
	KindSupport  Kind = "support"
)

// Kinds lists every vertical in a stable order.
var Kinds = []Kind{KindCab, KindService, KindHousing, KindCommerce, KindMedical, KindSupport}

// Collection is the document collection holding requests of this kind.
func (k Kind) Collection() string {
	switch k {
	case KindCab:
		return "cabRequests"
	case KindService:
		return "serviceRequests"
	case KindHousing:
		return "bookings"
	case KindCommerce:
		return "commerceOrders"
	case KindMedical:
		return "medicalConsultations"
	case KindSupport:
		return "supportCases"
	}
	return ""
}

func (k Kind) Valid() bool {
	_, ok := machines[k]
	return ok
}

type Status string

const (
	StatusNone           Status = "none"
	StatusPending        Status = "pending"
	StatusQuoted         Status = "quoted"
	StatusAccepted       Status = "accepted"
	StatusInProgress     Status = "in_progress"
	StatusConfirmed      Status = "confirmed"
	StatusReadyDelivery  Status = "ready_for_delivery"
	StatusOutForDelivery Status = "out_for_delivery"
	StatusCompleted      Status = "completed"
	StatusDelivered      Status = "delivered"
	StatusCancelled      Status = "cancelled"
	StatusRejected       Status = "rejected"
	StatusOpen           Status = "open"
	StatusAssigned       Status = "assigned"
	StatusClosed         Status = "closed"
)

type Role string

const (
	RoleCustomer Role = "customer"
	RoleDriver   Role = "driver"
	RoleWorker   Role = "worker"
	RoleHost     Role = "host"
	RoleShop     Role = "shop"
	RoleDelivery Role = "delivery"
	RoleDoctor   Role = "doctor"
	RoleSupport  Role = "support"
	RoleAdmin    Role = "admin"
)

var roles = map[Role]bool{
	RoleCustomer: true, RoleDriver: true, RoleWorker: true, RoleHost: true, RoleShop: true,
	RoleDelivery: true, RoleDoctor: true, RoleSupport: true, RoleAdmin: true,
}

func (r Role) Valid() bool {
	return roles[r]
}

// IsStaff reports whether the role sees every request regardless of ownership.
func (r Role) IsStaff() bool {
	return r == RoleSupport || r == RoleAdmin
}

type Action string

const (
	ActionAccept        Action = "accept"
	ActionComplete      Action = "complete"
	ActionCancel        Action = "cancel"
	ActionQuote         Action = "quote"
	ActionAcceptQuote   Action = "accept_quote"
	ActionDeclineQuote  Action = "decline_quote"
	ActionAssign        Action = "assign"
	ActionStart         Action = "start"
	ActionReject        Action = "reject"
	ActionConfirm       Action = "confirm"
	ActionMarkReady     Action = "mark_ready"
	ActionClaimDelivery Action = "claim_delivery"
	ActionDeliver       Action = "deliver"
	ActionClaim         Action = "claim"
	ActionClose         Action = "close"
	ActionReopen        Action = "reopen"
	ActionRate          Action = "rate"
)

// Actor is the authenticated principal attempting an action.
type Actor struct {
	ID   types.ID
	Role Role
}

type Quote struct {
	Price      types.Money `json:"price" firestore:"price"`
	ProposedBy types.ID    `json:"proposed_by" firestore:"proposedBy"`
}

type Feedback struct {
	Rating  int    `json:"rating" firestore:"rating"`
	Comment string `json:"comment,omitempty" firestore:"comment"`
}

// Request is one request/order/booking/case tracked through a lifecycle.
// RequesterID and CreatedAt never change after creation.
type Request struct {
	ID          types.ID
	Kind        Kind
	RequesterID types.ID
	FulfillerID *types.ID
	// TargetID is the provider the request is addressed to at creation
	// (host of the property, shop of the order). Nil for open requests.
	TargetID *types.ID
	// LinkedKind and LinkedID name the request a support case is about.
	LinkedKind  Kind
	LinkedID    types.ID
	Category    string
	Status      Status
	Version     int
	Quote       *Quote
	QuoteRounds int
	StartCode   string
	EndCode     string
	Feedback    *Feedback
	// Notes are support staff's internal notes; never shown to other parties.
	Notes     string
	Payload   map[string]any
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (r *Request) IsFulfiller(id types.ID) bool {
	return r.FulfillerID != nil && *r.FulfillerID == id
}

func (r *Request) IsTarget(id types.ID) bool {
	return r.TargetID != nil && *r.TargetID == id
}

// Involves reports whether id is a party to the request.
func (r *Request) Involves(id types.ID) bool {
	return r.RequesterID == id || r.IsFulfiller(id) || r.IsTarget(id)
}

// Clone returns a deep copy safe to hand to another goroutine.
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	cp := *r
	if r.FulfillerID != nil {
		v := *r.FulfillerID
		cp.FulfillerID = &v
	}
	if r.TargetID != nil {
		v := *r.TargetID
		cp.TargetID = &v
	}
	if r.Quote != nil {
		q := *r.Quote
		cp.Quote = &q
	}
	if r.Feedback != nil {
		f := *r.Feedback
		cp.Feedback = &f
	}
	if r.Payload != nil {
		cp.Payload = make(map[string]any, len(r.Payload))
		for k, v := range r.Payload {
			cp.Payload[k] = v
		}
	}
	return &cp
}

// Input carries action parameters supplied by the actor.
type Input struct {
	Code       string
	Price      types.Money
	AssigneeID types.ID
	Rating     int
	Comment    string
}

// Patch is the field set a legal transition writes.
type Patch struct {
	Status           Status
	FulfillerID      *types.ID
	ReleaseFulfiller bool
	Quote            *Quote
	ClearQuote       bool
	QuoteRounds      *int
	StartCode        *string
	EndCode          *string
	Feedback         *Feedback
	Notes            *string
}

// Apply writes the patch onto r. The caller owns version and timestamps.
func (p Patch) Apply(r *Request) {
	r.Status = p.Status
	if p.ReleaseFulfiller {
		r.FulfillerID = nil
	} else if p.FulfillerID != nil {
		v := *p.FulfillerID
		r.FulfillerID = &v
	}
	if p.ClearQuote {
		r.Quote = nil
	} else if p.Quote != nil {
		q := *p.Quote
		r.Quote = &q
	}
	if p.QuoteRounds != nil {
		r.QuoteRounds = *p.QuoteRounds
	}
	if p.StartCode != nil {
		r.StartCode = *p.StartCode
	}
	if p.EndCode != nil {
		r.EndCode = *p.EndCode
	}
	if p.Feedback != nil {
		f := *p.Feedback
		r.Feedback = &f
	}
	if p.Notes != nil {
		r.Notes = *p.Notes
	}
}

// Event records one applied transition.
type Event struct {
	ID         int64
	Kind       Kind
	RequestID  types.ID
	Action     Action
	FromStatus Status
	ToStatus   Status
	ActorRole  Role
	ActorID    *types.ID
	CreatedAt  time.Time
}
