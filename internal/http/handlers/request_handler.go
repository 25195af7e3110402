// README: Request handlers: create, read, list, act, history and live stream.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"market/internal/http/middleware"
	"market/internal/modules/lifecycle"
	"market/internal/modules/profile"
	"market/internal/modules/request"
	"market/internal/types"
)

const maxListLimit = 200

// ProfileResolver expands party ids into display profiles.
type ProfileResolver interface {
	Resolve(ctx context.Context, ids []types.ID) (map[types.ID]profile.Profile, error)
}

type RequestHandler struct {
	requests *request.Service
	profiles ProfileResolver
}

func NewRequestHandler(svc *request.Service, profiles ProfileResolver) *RequestHandler {
	return &RequestHandler{requests: svc, profiles: profiles}
}

type quoteView struct {
	Price      types.Money `json:"price"`
	ProposedBy types.ID    `json:"proposed_by"`
}

type requestView struct {
	ID          types.ID                     `json:"id"`
	Kind        lifecycle.Kind               `json:"kind"`
	RequesterID types.ID                     `json:"requester_id"`
	FulfillerID *types.ID                    `json:"fulfiller_id"`
	TargetID    *types.ID                    `json:"target_id,omitempty"`
	LinkedKind  lifecycle.Kind               `json:"linked_kind,omitempty"`
	LinkedID    types.ID                     `json:"linked_id,omitempty"`
	Category    string                       `json:"category,omitempty"`
	Status      lifecycle.Status             `json:"status"`
	Version     int                          `json:"version"`
	Quote       *quoteView                   `json:"quote,omitempty"`
	QuoteRounds int                          `json:"quote_rounds,omitempty"`
	StartCode   string                       `json:"start_code,omitempty"`
	EndCode     string                       `json:"end_code,omitempty"`
	Feedback    *lifecycle.Feedback          `json:"feedback,omitempty"`
	Notes       string                       `json:"internal_notes,omitempty"`
	Payload     map[string]any               `json:"payload,omitempty"`
	CreatedAt   time.Time                    `json:"created_at"`
	UpdatedAt   time.Time                    `json:"updated_at"`
	Parties     map[types.ID]profile.Profile `json:"parties,omitempty"`
}

func toView(r *lifecycle.Request, viewer lifecycle.Actor) requestView {
	r = request.Redact(r, viewer)
	v := requestView{
		ID:          r.ID,
		Kind:        r.Kind,
		RequesterID: r.RequesterID,
		FulfillerID: r.FulfillerID,
		TargetID:    r.TargetID,
		LinkedKind:  r.LinkedKind,
		LinkedID:    r.LinkedID,
		Category:    r.Category,
		Status:      r.Status,
		Version:     r.Version,
		QuoteRounds: r.QuoteRounds,
		StartCode:   r.StartCode,
		EndCode:     r.EndCode,
		Feedback:    r.Feedback,
		Notes:       r.Notes,
		Payload:     r.Payload,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
	if r.Quote != nil {
		v.Quote = &quoteView{Price: r.Quote.Price, ProposedBy: r.Quote.ProposedBy}
	}
	return v
}

func toViews(list []*lifecycle.Request, viewer lifecycle.Actor) []requestView {
	out := make([]requestView, 0, len(list))
	for _, r := range list {
		out = append(out, toView(r, viewer))
	}
	return out
}

func kindParam(c *gin.Context) (lifecycle.Kind, bool) {
	kind := lifecycle.Kind(c.Param("kind"))
	if !kind.Valid() {
		writeError(c, http.StatusNotFound, "unknown request kind")
		return "", false
	}
	return kind, true
}

func idParam(c *gin.Context) (types.ID, bool) {
	id := c.Param("id")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "invalid request id")
		return "", false
	}
	return types.ID(id), true
}

type createRequestReq struct {
	TargetID   string              `json:"target_id"`
	Category   string              `json:"category"`
	Payload    map[string]any      `json:"payload"`
	ListingID  string              `json:"listing_id"`
	Items      []request.OrderItem `json:"items"`
	LinkedKind string              `json:"linked_kind"`
	LinkedID   string              `json:"linked_id"`
}

func (r createRequestReq) validIDs() bool {
	for _, id := range []string{r.TargetID, r.ListingID, r.LinkedID} {
		if id != "" && !isValidID(id) {
			return false
		}
	}
	for _, it := range r.Items {
		if !isValidID(string(it.ProductID)) {
			return false
		}
	}
	return true
}

func (h *RequestHandler) Create(c *gin.Context) {
	kind, ok := kindParam(c)
	if !ok {
		return
	}
	var req createRequestReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	if !req.validIDs() {
		writeError(c, http.StatusBadRequest, "invalid id")
		return
	}
	actor := middleware.Actor(c)
	r, err := h.requests.Create(c.Request.Context(), request.CreateCommand{
		Kind:       kind,
		Requester:  actor,
		TargetID:   types.ID(req.TargetID),
		Category:   strings.TrimSpace(req.Category),
		Payload:    req.Payload,
		ListingID:  types.ID(req.ListingID),
		Items:      req.Items,
		LinkedKind: lifecycle.Kind(req.LinkedKind),
		LinkedID:   types.ID(req.LinkedID),
	})
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, toView(r, actor))
}

func (h *RequestHandler) Get(c *gin.Context) {
	kind, ok := kindParam(c)
	if !ok {
		return
	}
	id, ok := idParam(c)
	if !ok {
		return
	}
	actor := middleware.Actor(c)
	r, err := h.requests.Get(c.Request.Context(), kind, id)
	if err != nil {
		writeDomainError(c, err)
		return
	}
	if !request.CanView(r, actor) {
		writeError(c, http.StatusNotFound, request.ErrNotFound.Error())
		return
	}
	v := toView(r, actor)
	if c.Query("expand") == "parties" && h.profiles != nil {
		ids := []types.ID{r.RequesterID}
		for _, p := range []*types.ID{r.FulfillerID, r.TargetID} {
			if p != nil {
				ids = append(ids, *p)
			}
		}
		parties, err := h.profiles.Resolve(c.Request.Context(), ids)
		if err != nil {
			writeDomainError(c, err)
			return
		}
		v.Parties = parties
	}
	writeJSON(c, http.StatusOK, v)
}

// listFilter reads ?scope=&status=a,b&category=&limit= and, for staff,
// ?requester_id=&fulfiller_id=&target_id=.
func listFilter(c *gin.Context, kind lifecycle.Kind, actor lifecycle.Actor) (request.Filter, error) {
	extra := request.Filter{Category: c.Query("category")}
	for _, raw := range c.QueryArray("status") {
		for _, s := range strings.Split(raw, ",") {
			st := lifecycle.Status(strings.TrimSpace(s))
			if !lifecycle.ValidStatus(kind, st) {
				return request.Filter{}, fmt.Errorf("%w: unknown status %q", lifecycle.ErrBadRequest, st)
			}
			extra.Statuses = append(extra.Statuses, st)
		}
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return request.Filter{}, fmt.Errorf("%w: invalid limit", lifecycle.ErrBadRequest)
		}
		extra.Limit = n
	}
	if extra.Limit == 0 || extra.Limit > maxListLimit {
		extra.Limit = maxListLimit
	}
	extra.RequesterID = types.ID(c.Query("requester_id"))
	extra.FulfillerID = types.ID(c.Query("fulfiller_id"))
	extra.TargetID = types.ID(c.Query("target_id"))
	extra.Unclaimed = c.Query("unclaimed") == "true"
	return request.ViewFilter(kind, actor, request.Scope(c.Query("scope")), extra)
}

func (h *RequestHandler) List(c *gin.Context) {
	kind, ok := kindParam(c)
	if !ok {
		return
	}
	actor := middleware.Actor(c)
	f, err := listFilter(c, kind, actor)
	if err != nil {
		writeDomainError(c, err)
		return
	}
	list, err := h.requests.List(c.Request.Context(), kind, f)
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"requests": toViews(list, actor)})
}

type actionReq struct {
	Code       string      `json:"code"`
	Price      types.Money `json:"price"`
	AssigneeID string      `json:"assignee_id"`
	Rating     int         `json:"rating"`
	Comment    string      `json:"comment"`
}

func (h *RequestHandler) Act(c *gin.Context) {
	kind, ok := kindParam(c)
	if !ok {
		return
	}
	id, ok := idParam(c)
	if !ok {
		return
	}
	var req actionReq
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	actor := middleware.Actor(c)
	r, err := h.requests.Transition(c.Request.Context(), request.TransitionCommand{
		Kind:   kind,
		ID:     id,
		Actor:  actor,
		Action: lifecycle.Action(c.Param("action")),
		Input: lifecycle.Input{
			Code:       strings.TrimSpace(req.Code),
			Price:      req.Price,
			AssigneeID: types.ID(req.AssigneeID),
			Rating:     req.Rating,
			Comment:    strings.TrimSpace(req.Comment),
		},
	})
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, toView(r, actor))
}

type notesReq struct {
	Notes string `json:"notes"`
}

// SetNotes saves a support agent's internal notes on a case.
func (h *RequestHandler) SetNotes(c *gin.Context) {
	kind, ok := kindParam(c)
	if !ok {
		return
	}
	id, ok := idParam(c)
	if !ok {
		return
	}
	var req notesReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	actor := middleware.Actor(c)
	r, err := h.requests.SetNotes(c.Request.Context(), kind, id, actor, strings.TrimSpace(req.Notes))
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, toView(r, actor))
}

func (h *RequestHandler) Events(c *gin.Context) {
	kind, ok := kindParam(c)
	if !ok {
		return
	}
	id, ok := idParam(c)
	if !ok {
		return
	}
	actor := middleware.Actor(c)
	r, err := h.requests.Get(c.Request.Context(), kind, id)
	if err != nil {
		writeDomainError(c, err)
		return
	}
	if !actor.Role.IsStaff() && !r.Involves(actor.ID) {
		writeError(c, http.StatusNotFound, request.ErrNotFound.Error())
		return
	}
	events, err := h.requests.History(c.Request.Context(), kind, id)
	if err != nil {
		writeDomainError(c, err)
		return
	}
	out := make([]gin.H, 0, len(events))
	for _, e := range events {
		out = append(out, gin.H{
			"action":     e.Action,
			"from":       e.FromStatus,
			"to":         e.ToStatus,
			"actor_role": e.ActorRole,
			"actor_id":   e.ActorID,
			"at":         e.CreatedAt,
		})
	}
	writeJSON(c, http.StatusOK, gin.H{"events": out})
}

// Stream pushes the caller's view as server-sent "snapshot" events until the
// client goes away.
func (h *RequestHandler) Stream(c *gin.Context) {
	kind, ok := kindParam(c)
	if !ok {
		return
	}
	actor := middleware.Actor(c)
	f, err := listFilter(c, kind, actor)
	if err != nil {
		writeDomainError(c, err)
		return
	}
	sub, err := h.requests.Subscribe(c.Request.Context(), kind, f)
	if err != nil {
		writeDomainError(c, err)
		return
	}
	defer sub.Close()

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.Stream(func(io.Writer) bool {
		select {
		case snap, ok := <-sub.C():
			if !ok {
				if err := sub.Err(); err != nil {
					c.SSEvent("error", errorResponse{Error: "subscription ended", Reason: "store-unavailable"})
				}
				return false
			}
			c.SSEvent("snapshot", gin.H{"requests": toViews(snap.Requests, actor), "at": snap.At})
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}
