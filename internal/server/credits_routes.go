package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (h *httpHandler) handleGetCredits(c *gin.Context) {
	summary := h.ledger.GetUserCredits(c.Request.Context(), currentUserID(c))
	c.JSON(http.StatusOK, newCreditSummaryPayload(summary))
}

func (h *httpHandler) handleListCreditTransactions(c *gin.Context) {
	entries := h.ledger.ListTransactions(c.Request.Context(), currentUserID(c), parseLimit(c))
	payload := creditTransactionsPayload{Transactions: make([]creditTransactionPayload, 0, len(entries))}
	for _, entry := range entries {
		payload.Transactions = append(payload.Transactions, newCreditTransactionPayload(entry))
	}
	c.JSON(http.StatusOK, payload)
}
