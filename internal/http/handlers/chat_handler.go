// README: Chat handlers: read, follow and post messages on a thread.
package handlers

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"market/internal/http/middleware"
	"market/internal/modules/chat"
)

const maxFollowWait = 30 * time.Second

type ChatHandler struct {
	chat *chat.Service
}

func NewChatHandler(svc *chat.Service) *ChatHandler {
	return &ChatHandler{chat: svc}
}

func threadParam(c *gin.Context) (chat.Thread, bool) {
	t, err := chat.ParseThread(c.Param("thread"))
	if err != nil {
		writeDomainError(c, err)
		return chat.Thread{}, false
	}
	return t, true
}

// Messages returns history after ?after=. With ?wait=<seconds> it long-polls
// for newer messages instead.
func (h *ChatHandler) Messages(c *gin.Context) {
	t, ok := threadParam(c)
	if !ok {
		return
	}
	actor := middleware.Actor(c)
	after := c.Query("after")

	if w := c.Query("wait"); w != "" {
		secs, err := strconv.Atoi(w)
		if err != nil || secs <= 0 {
			writeError(c, http.StatusBadRequest, "invalid wait")
			return
		}
		wait := min(time.Duration(secs)*time.Second, maxFollowWait)
		msgs, err := h.chat.Follow(c.Request.Context(), t, actor, after, wait)
		if err != nil {
			writeDomainError(c, err)
			return
		}
		writeJSON(c, http.StatusOK, gin.H{"messages": nonNil(msgs)})
		return
	}

	limit, _ := strconv.Atoi(c.Query("limit"))
	msgs, err := h.chat.History(c.Request.Context(), t, actor, after, limit)
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"messages": nonNil(msgs)})
}

type postMessageReq struct {
	Text string `json:"text"`
}

func (h *ChatHandler) Post(c *gin.Context) {
	t, ok := threadParam(c)
	if !ok {
		return
	}
	var req postMessageReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	m, err := h.chat.Post(c.Request.Context(), t, middleware.Actor(c), strings.TrimSpace(req.Text))
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, m)
}

func nonNil(msgs []chat.Message) []chat.Message {
	if msgs == nil {
		return []chat.Message{}
	}
	return msgs
}
