// README: Profile handlers: register self, read self, resolve counterparties.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"market/internal/http/middleware"
	"market/internal/modules/lifecycle"
	"market/internal/modules/profile"
	"market/internal/types"
)

const maxResolveIDs = 100

type ProfileHandler struct {
	profiles *profile.Service
}

func NewProfileHandler(svc *profile.Service) *ProfileHandler {
	return &ProfileHandler{profiles: svc}
}

type registerReq struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
	Role  string `json:"role"`
}

func (h *ProfileHandler) Register(c *gin.Context) {
	var req registerReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	p, err := h.profiles.Register(c.Request.Context(), profile.RegisterCommand{
		ID:      types.ID(middleware.CallerUID(c)),
		Name:    req.Name,
		Phone:   req.Phone,
		Role:    lifecycle.Role(req.Role),
		Granted: lifecycle.Role(middleware.CallerRole(c)),
	})
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, p)
}

func (h *ProfileHandler) Me(c *gin.Context) {
	p, err := h.profiles.Get(c.Request.Context(), types.ID(middleware.CallerUID(c)))
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, p)
}

type resolveReq struct {
	IDs []string `json:"ids"`
}

// Resolve returns display profiles for ids; phone numbers are dropped.
func (h *ProfileHandler) Resolve(c *gin.Context) {
	var req resolveReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	if len(req.IDs) > maxResolveIDs {
		writeError(c, http.StatusBadRequest, "too many ids")
		return
	}
	ids := make([]types.ID, 0, len(req.IDs))
	for _, id := range req.IDs {
		if !isValidID(id) {
			writeError(c, http.StatusBadRequest, "invalid id")
			return
		}
		ids = append(ids, types.ID(id))
	}
	got, err := h.profiles.Resolve(c.Request.Context(), ids)
	if err != nil {
		writeDomainError(c, err)
		return
	}
	for id, p := range got {
		p.Phone = ""
		got[id] = p
	}
	writeJSON(c, http.StatusOK, gin.H{"profiles": got})
}
