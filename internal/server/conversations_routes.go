package server

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/kindred/backend/internal/conversations"
	"github.com/MarcoPoloResearchLab/kindred/backend/internal/realtime"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const unreadCountEvent = "unread-count"

func (h *httpHandler) handleListConversations(c *gin.Context) {
	found := h.conversations.ListForUser(c.Request.Context(), currentUserID(c).String(), parseLimit(c))
	payload := conversationListPayload{Conversations: make([]conversationPayload, 0, len(found))}
	for _, conversation := range found {
		payload.Conversations = append(payload.Conversations, newConversationPayload(conversation))
	}
	c.JSON(http.StatusOK, payload)
}

func (h *httpHandler) handleUnreadCount(c *gin.Context) {
	count := h.conversations.GetTotalUnreadCount(c.Request.Context(), currentUserID(c).String())
	c.JSON(http.StatusOK, unreadPayload{Unread: count})
}

func (h *httpHandler) handleMarkRead(c *gin.Context) {
	conversationID := strings.TrimSpace(c.Param("id"))
	err := h.conversations.MarkRead(c.Request.Context(), currentUserID(c).String(), conversationID)
	switch {
	case err == nil:
		c.Status(http.StatusNoContent)
	case errors.Is(err, conversations.ErrConversationNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "conversation_not_found"})
	default:
		h.logger.Error("mark read failed", zap.String("conversation_id", conversationID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "update_failed"})
	}
}

// handleUnreadStream pushes the unread total as server-sent events: once on
// connect, again after every conversation change, and a heartbeat between.
func (h *httpHandler) handleUnreadStream(c *gin.Context) {
	userID := currentUserID(c).String()
	counts, cancel := h.conversations.SubscribeUnread(c.Request.Context(), userID)
	defer cancel()

	header := c.Writer.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case count, ok := <-counts:
			if !ok {
				return false
			}
			c.SSEvent(unreadCountEvent, unreadPayload{Unread: count})
			return true
		case tick := <-ticker.C:
			c.SSEvent(realtime.EventHeartbeat, gin.H{"timestamp": tick.UTC().Unix()})
			return true
		}
	})
	h.logger.Debug("unread stream closed", zap.String("user_id", userID))
}
