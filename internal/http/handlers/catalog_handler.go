// README: Catalog handlers: listings, availability, cart and checkout.
package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"market/internal/http/middleware"
	"market/internal/modules/catalog"
	"market/internal/modules/lifecycle"
	"market/internal/modules/request"
	"market/internal/types"
)

type CatalogHandler struct {
	catalog  *catalog.Service
	requests *request.Service
}

func NewCatalogHandler(cat *catalog.Service, requests *request.Service) *CatalogHandler {
	return &CatalogHandler{catalog: cat, requests: requests}
}

// catalogErr marks catalog store failures as the store being unavailable.
func catalogErr(err error) error {
	if catalog.IsRejection(err) || lifecycle.IsRejection(err) || errors.Is(err, request.ErrStoreUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", request.ErrStoreUnavailable, err)
}

func listedKind(c *gin.Context) (lifecycle.Kind, bool) {
	kind := lifecycle.Kind(c.Param("kind"))
	if !catalog.Listed(kind) {
		writeError(c, http.StatusNotFound, "unknown listing kind")
		return "", false
	}
	return kind, true
}

type listingReq struct {
	Title       string      `json:"title"`
	Description string      `json:"description"`
	Price       types.Money `json:"price"`
}

func (h *CatalogHandler) Create(c *gin.Context) {
	kind, ok := listedKind(c)
	if !ok {
		return
	}
	var req listingReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	l, err := h.catalog.CreateListing(c.Request.Context(), middleware.Actor(c), kind, catalog.ListingInput{
		Title:       req.Title,
		Description: req.Description,
		Price:       req.Price,
	})
	if err != nil {
		writeDomainError(c, catalogErr(err))
		return
	}
	writeJSON(c, http.StatusCreated, l)
}

func (h *CatalogHandler) List(c *gin.Context) {
	kind, ok := listedKind(c)
	if !ok {
		return
	}
	f := catalog.ListingFilter{OwnerID: types.ID(c.Query("owner_id")), Limit: maxListLimit}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(c, http.StatusBadRequest, "invalid limit")
			return
		}
		if n < maxListLimit {
			f.Limit = n
		}
	}
	list, err := h.catalog.List(c.Request.Context(), middleware.Actor(c), kind, f)
	if err != nil {
		writeDomainError(c, catalogErr(err))
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"listings": list})
}

func (h *CatalogHandler) Get(c *gin.Context) {
	kind, ok := listedKind(c)
	if !ok {
		return
	}
	id, ok := idParam(c)
	if !ok {
		return
	}
	actor := middleware.Actor(c)
	l, err := h.catalog.Get(c.Request.Context(), kind, id)
	if err != nil {
		writeDomainError(c, catalogErr(err))
		return
	}
	if !l.Active && l.OwnerID != actor.ID && !actor.Role.IsStaff() {
		writeError(c, http.StatusNotFound, catalog.ErrNotFound.Error())
		return
	}
	writeJSON(c, http.StatusOK, l)
}

type activeReq struct {
	Active *bool `json:"active"`
}

func (h *CatalogHandler) SetActive(c *gin.Context) {
	kind, ok := listedKind(c)
	if !ok {
		return
	}
	id, ok := idParam(c)
	if !ok {
		return
	}
	var req activeReq
	if err := c.ShouldBindJSON(&req); err != nil || req.Active == nil {
		writeError(c, http.StatusBadRequest, "active is required")
		return
	}
	l, err := h.catalog.SetActive(c.Request.Context(), middleware.Actor(c), kind, id, *req.Active)
	if err != nil {
		writeDomainError(c, catalogErr(err))
		return
	}
	writeJSON(c, http.StatusOK, l)
}

type cartReq struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

func (h *CatalogHandler) AddToCart(c *gin.Context) {
	var req cartReq
	if err := c.ShouldBindJSON(&req); err != nil || !isValidID(req.ProductID) {
		writeError(c, http.StatusBadRequest, "invalid cart item")
		return
	}
	if req.Quantity == 0 {
		req.Quantity = 1
	}
	line, err := h.catalog.AddToCart(c.Request.Context(), middleware.Actor(c), types.ID(req.ProductID), req.Quantity)
	if err != nil {
		writeDomainError(c, catalogErr(err))
		return
	}
	writeJSON(c, http.StatusOK, line)
}

func (h *CatalogHandler) Cart(c *gin.Context) {
	items, err := h.catalog.Cart(c.Request.Context(), middleware.Actor(c).ID)
	if err != nil {
		writeDomainError(c, catalogErr(err))
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"items": items})
}

type checkoutReq struct {
	ShopID  string         `json:"shop_id"`
	Payload map[string]any `json:"payload"`
}

// Checkout turns the cart lines for one shop into a commerce order.
func (h *CatalogHandler) Checkout(c *gin.Context) {
	var req checkoutReq
	if err := c.ShouldBindJSON(&req); err != nil || !isValidID(req.ShopID) {
		writeError(c, http.StatusBadRequest, "invalid checkout")
		return
	}
	actor := middleware.Actor(c)
	var order *lifecycle.Request
	err := h.catalog.Checkout(c.Request.Context(), actor.ID, types.ID(req.ShopID), func(lines []catalog.CartItem) error {
		items := make([]request.OrderItem, len(lines))
		for i, l := range lines {
			items[i] = request.OrderItem{ProductID: l.ProductID, Quantity: l.Quantity}
		}
		r, err := h.requests.Create(c.Request.Context(), request.CreateCommand{
			Kind:      lifecycle.KindCommerce,
			Requester: actor,
			Payload:   req.Payload,
			Items:     items,
		})
		order = r
		return err
	})
	if err != nil {
		writeDomainError(c, catalogErr(err))
		return
	}
	writeJSON(c, http.StatusCreated, toView(order, actor))
}
