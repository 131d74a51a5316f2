package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/MarcoPoloResearchLab/kindred/backend/internal/giftchat"
	"github.com/MarcoPoloResearchLab/kindred/backend/internal/gifts"
	"github.com/MarcoPoloResearchLab/kindred/backend/internal/idempotency"
	"github.com/MarcoPoloResearchLab/kindred/backend/internal/personas"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cast"
	"go.uber.org/zap"
)

const (
	sendGiftScope          = "gifts.send"
	idempotentReplayHeader = "Idempotent-Replayed"
)

func (h *httpHandler) handleListGifts(c *gin.Context) {
	category := strings.TrimSpace(c.DefaultQuery("category", gifts.CategoryAll))
	c.JSON(http.StatusOK, giftListPayload{Gifts: h.catalog.GetGiftsByCategory(c.Request.Context(), category)})
}

func (h *httpHandler) handleFeaturedGifts(c *gin.Context) {
	c.JSON(http.StatusOK, giftListPayload{Gifts: h.catalog.GetFeaturedGifts(c.Request.Context())})
}

func (h *httpHandler) handleGroupedGifts(c *gin.Context) {
	ctx := c.Request.Context()
	c.JSON(http.StatusOK, groupedGiftsPayload{
		Categories: h.catalog.Categories(ctx),
		Groups:     h.catalog.GetGiftsGroupedByCategory(ctx),
	})
}

func (h *httpHandler) handleSearchGifts(c *gin.Context) {
	c.JSON(http.StatusOK, giftListPayload{Gifts: h.catalog.SearchGifts(c.Request.Context(), c.Query("q"))})
}

func (h *httpHandler) handleGetGift(c *gin.Context) {
	id, err := cast.ToIntE(c.Param("id"))
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_gift_id"})
		return
	}
	item, ok := h.catalog.GetGiftByID(c.Request.Context(), gifts.GiftID(id))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "gift_not_found"})
		return
	}
	c.JSON(http.StatusOK, item)
}

func (h *httpHandler) handleSendGift(c *gin.Context) {
	userID := currentUserID(c)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var request sendGiftRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil ||
		strings.TrimSpace(request.RecipientID) == "" || request.GiftID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	ctx := c.Request.Context()
	reservationID := ""
	if key := c.GetHeader(idempotencyKeyHeader); key != "" && h.idempotency != nil {
		reservation, err := h.idempotency.Begin(ctx, userID.String(), sendGiftScope, key)
		switch {
		case errors.Is(err, idempotency.ErrInvalidKey):
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_idempotency_key"})
			return
		case err != nil:
			h.logger.Error("idempotency reservation failed", zap.String("user_id", userID.String()), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "send_failed"})
			return
		}
		switch reservation.Outcome {
		case idempotency.OutcomeReplay:
			c.Header(idempotentReplayHeader, "true")
			c.Data(reservation.ResponseStatus, "application/json; charset=utf-8", reservation.ResponseBody)
			return
		case idempotency.OutcomeInFlight:
			c.JSON(http.StatusConflict, gin.H{"error": "request_in_progress"})
			return
		}
		reservationID = reservation.RecordID
	}

	result := h.giftChat.SendGiftToChat(ctx, giftchat.Request{
		SenderID:       userID,
		RecipientID:    personas.PersonaID(strings.TrimSpace(request.RecipientID)),
		GiftID:         gifts.GiftID(request.GiftID),
		Message:        request.Message,
		ConversationID: strings.TrimSpace(request.ConversationID),
	})
	status := sendGiftStatus(result)
	body, err := json.Marshal(newSendGiftResponsePayload(result))
	if err != nil {
		h.logger.Error("gift response encoding failed", zap.String("user_id", userID.String()), zap.Error(err))
		h.releaseReservation(c, reservationID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "send_failed"})
		return
	}

	if reservationID != "" {
		if status >= http.StatusInternalServerError {
			h.releaseReservation(c, reservationID)
		} else if err := h.idempotency.Complete(ctx, reservationID, status, body); err != nil {
			h.logger.Warn("idempotency completion failed", zap.String("record_id", reservationID), zap.Error(err))
		}
	}
	c.Data(status, "application/json; charset=utf-8", body)
}

func (h *httpHandler) releaseReservation(c *gin.Context, reservationID string) {
	if reservationID == "" {
		return
	}
	_ = h.idempotency.Abandon(c.Request.Context(), reservationID)
}

// sendGiftStatus maps a send outcome onto an HTTP status. Client mistakes are
// final and replayable; server failures leave the key free for a retry. A
// failed refund is final too, so a retry cannot charge the sender again.
func sendGiftStatus(result giftchat.Result) int {
	if result.Success {
		return http.StatusOK
	}
	if result.Settlement == gifts.SettlementRefundFailed {
		return http.StatusConflict
	}
	switch result.Error {
	case gifts.MessageGiftNotFound:
		return http.StatusNotFound
	case gifts.MessageInsufficientCredits:
		return http.StatusPaymentRequired
	default:
		return http.StatusInternalServerError
	}
}

func (h *httpHandler) handleGiftViewed(c *gin.Context) {
	userID := currentUserID(c)
	recordID := strings.TrimSpace(c.Param("id"))
	err := h.gifts.MarkGiftViewed(c.Request.Context(), recordID, userID.String())
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"status": string(gifts.StatusViewed)})
	case errors.Is(err, gifts.ErrRecordNotFound), errors.Is(err, gifts.ErrNotRecipient):
		c.JSON(http.StatusNotFound, gin.H{"error": "gift_not_found"})
	case errors.Is(err, gifts.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid_transition"})
	default:
		h.logger.Error("gift view update failed", zap.String("gift_transaction_id", recordID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "update_failed"})
	}
}

func (h *httpHandler) handleSentGifts(c *gin.Context) {
	records := h.gifts.ListSentGifts(c.Request.Context(), currentUserID(c), parseLimit(c))
	c.JSON(http.StatusOK, newGiftTransactionsPayload(records))
}

func (h *httpHandler) handleReceivedGifts(c *gin.Context) {
	records := h.gifts.ListReceivedGifts(c.Request.Context(), currentUserID(c).String(), parseLimit(c))
	c.JSON(http.StatusOK, newGiftTransactionsPayload(records))
}

func newGiftTransactionsPayload(records []gifts.GiftTransactionRecord) giftTransactionsPayload {
	payload := giftTransactionsPayload{Transactions: make([]giftTransactionPayload, 0, len(records))}
	for _, record := range records {
		payload.Transactions = append(payload.Transactions, newGiftTransactionPayload(record))
	}
	return payload
}
