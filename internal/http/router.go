// README: HTTP router registration.
package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"market/internal/http/handlers"
	"market/internal/http/middleware"
	"market/internal/infra"
	"market/internal/modules/catalog"
	"market/internal/modules/chat"
	"market/internal/modules/profile"
	"market/internal/modules/request"
)

type Deps struct {
	Requests *request.Service
	Profiles *profile.Service
	// Catalog is optional; without it listings and carts are not served.
	Catalog *catalog.Service
	// Chat is optional; without it chat routes answer 503.
	Chat     *chat.Service
	Verifier infra.TokenVerifier
}

func NewRouter(deps Deps) *gin.Engine {
	r := gin.New()
	r.Use(middleware.Logging(), middleware.Recovery())

	r.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "OK")
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	var roles middleware.RoleSource
	if deps.Profiles != nil {
		roles = deps.Profiles
	}
	api := r.Group("/api", middleware.Auth(deps.Verifier, roles))

	var resolver handlers.ProfileResolver
	if deps.Profiles != nil {
		resolver = deps.Profiles
	}
	requestHandler := handlers.NewRequestHandler(deps.Requests, resolver)
	api.POST("/requests/:kind", requestHandler.Create)
	api.GET("/requests/:kind", requestHandler.List)
	api.GET("/requests/:kind/stream", requestHandler.Stream)
	api.GET("/requests/:kind/:id", requestHandler.Get)
	api.GET("/requests/:kind/:id/events", requestHandler.Events)
	api.POST("/requests/:kind/:id/actions/:action", requestHandler.Act)
	api.PUT("/requests/:kind/:id/notes", requestHandler.SetNotes)

	if deps.Catalog != nil {
		catalogHandler := handlers.NewCatalogHandler(deps.Catalog, deps.Requests)
		api.POST("/listings/:kind", catalogHandler.Create)
		api.GET("/listings/:kind", catalogHandler.List)
		api.GET("/listings/:kind/:id", catalogHandler.Get)
		api.PUT("/listings/:kind/:id/active", catalogHandler.SetActive)
		api.GET("/cart", catalogHandler.Cart)
		api.POST("/cart/items", catalogHandler.AddToCart)
		api.POST("/cart/checkout", catalogHandler.Checkout)
	}

	if deps.Profiles != nil {
		profileHandler := handlers.NewProfileHandler(deps.Profiles)
		api.GET("/profile", profileHandler.Me)
		api.PUT("/profile", profileHandler.Register)
		api.POST("/profiles/resolve", profileHandler.Resolve)
	}

	if deps.Chat != nil {
		chatHandler := handlers.NewChatHandler(deps.Chat)
		api.GET("/chats/*thread", chatHandler.Messages)
		api.POST("/chats/*thread", chatHandler.Post)
	} else {
		unavailable := func(c *gin.Context) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "chat is not configured"})
		}
		api.GET("/chats/*thread", unavailable)
		api.POST("/chats/*thread", unavailable)
	}
	return r
}
