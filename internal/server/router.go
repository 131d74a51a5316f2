package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/kindred/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/kindred/backend/internal/conversations"
	"github.com/MarcoPoloResearchLab/kindred/backend/internal/credits"
	"github.com/MarcoPoloResearchLab/kindred/backend/internal/giftchat"
	"github.com/MarcoPoloResearchLab/kindred/backend/internal/gifts"
	"github.com/MarcoPoloResearchLab/kindred/backend/internal/idempotency"
	"github.com/MarcoPoloResearchLab/kindred/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/kindred/backend/internal/personas"
	"github.com/MarcoPoloResearchLab/kindred/backend/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cast"
	"go.uber.org/zap"
)

const (
	userIDContextKey         = "kindred_user_id"
	idempotencyKeyHeader     = "Idempotency-Key"
	defaultHeartbeatInterval = 25 * time.Second
	defaultListLimit         = 50
	maxListLimit             = 200
)

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingUserDirectory    = errors.New("user directory dependency required")
	errMissingLedger           = errors.New("credit ledger dependency required")
	errMissingCatalog          = errors.New("gift catalog dependency required")
	errMissingGiftService      = errors.New("gift service dependency required")
	errMissingGiftChat         = errors.New("gift chat dependency required")
	errMissingPersonas         = errors.New("persona directory dependency required")
	errMissingConversations    = errors.New("conversation service dependency required")
)

// SessionValidator authenticates a request from its session token.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// UserDirectory maps validated session claims onto an application user.
type UserDirectory interface {
	EnsureUser(ctx context.Context, claims auth.SessionClaims) (users.UserID, error)
}

// Dependencies lists the collaborators of the HTTP API. Idempotency and
// Metrics are optional. AllowedOrigins are the browser origins trusted with
// credentialed requests.
type Dependencies struct {
	Sessions          SessionValidator
	Users             UserDirectory
	Ledger            *credits.Ledger
	Catalog           *gifts.Catalog
	Gifts             *gifts.Service
	GiftChat          *giftchat.Service
	Personas          *personas.Directory
	Conversations     *conversations.Service
	Idempotency       *idempotency.Store
	Metrics           *metrics.Metrics
	Logger            *zap.Logger
	HeartbeatInterval time.Duration
	AllowedOrigins    []string
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	switch {
	case deps.Sessions == nil:
		return nil, errMissingSessionValidator
	case deps.Users == nil:
		return nil, errMissingUserDirectory
	case deps.Ledger == nil:
		return nil, errMissingLedger
	case deps.Catalog == nil:
		return nil, errMissingCatalog
	case deps.Gifts == nil:
		return nil, errMissingGiftService
	case deps.GiftChat == nil:
		return nil, errMissingGiftChat
	case deps.Personas == nil:
		return nil, errMissingPersonas
	case deps.Conversations == nil:
		return nil, errMissingConversations
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		sessions:      deps.Sessions,
		users:         deps.Users,
		ledger:        deps.Ledger,
		catalog:       deps.Catalog,
		gifts:         deps.Gifts,
		giftChat:      deps.GiftChat,
		personas:      deps.Personas,
		conversations: deps.Conversations,
		idempotency:   deps.Idempotency,
		logger:        logger,
		heartbeat:     heartbeat,
	}

	router.GET("/healthz", handler.handleHealth)
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)

	protected.GET("/credits", handler.handleGetCredits)
	protected.GET("/credits/transactions", handler.handleListCreditTransactions)

	protected.GET("/gifts", handler.handleListGifts)
	protected.GET("/gifts/featured", handler.handleFeaturedGifts)
	protected.GET("/gifts/grouped", handler.handleGroupedGifts)
	protected.GET("/gifts/search", handler.handleSearchGifts)
	protected.GET("/gifts/sent", handler.handleSentGifts)
	protected.GET("/gifts/received", handler.handleReceivedGifts)
	protected.GET("/gifts/:id", handler.handleGetGift)
	protected.POST("/gifts/send", handler.handleSendGift)
	protected.POST("/gifts/transactions/:id/viewed", handler.handleGiftViewed)

	protected.GET("/personas/discover", handler.handleDiscoverPersonas)
	protected.GET("/personas/random", handler.handleRandomPersonas)
	protected.GET("/personas/search", handler.handleSearchPersonas)
	protected.GET("/personas/:id", handler.handleGetPersona)

	protected.GET("/conversations", handler.handleListConversations)
	protected.GET("/conversations/unread", handler.handleUnreadCount)
	protected.GET("/conversations/unread/stream", handler.handleUnreadStream)
	protected.POST("/conversations/:id/read", handler.handleMarkRead)

	return router, nil
}

// corsMiddleware sends credentials only to the listed origins. Without a list
// any origin may call the API, but browsers will not attach the session cookie.
func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type", idempotencyKeyHeader},
		MaxAge:       12 * time.Hour,
	}
	if len(allowedOrigins) > 0 {
		config.AllowOrigins = allowedOrigins
		config.AllowCredentials = true
	}
	return cors.New(config)
}

type httpHandler struct {
	sessions      SessionValidator
	users         UserDirectory
	ledger        *credits.Ledger
	catalog       *gifts.Catalog
	gifts         *gifts.Service
	giftChat      *giftchat.Service
	personas      *personas.Directory
	conversations *conversations.Service
	idempotency   *idempotency.Store
	logger        *zap.Logger
	heartbeat     time.Duration
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	userID, err := h.users.EnsureUser(c.Request.Context(), claims)
	if err != nil {
		h.logger.Error("user resolution failed", zap.String("subject", claims.Subject), zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, userID.String())
	c.Next()
}

func currentUserID(c *gin.Context) users.UserID {
	return users.UserID(c.GetString(userIDContextKey))
}

// parseLimit reads the limit query parameter, clamped to maxListLimit.
func parseLimit(c *gin.Context) int {
	limit := cast.ToInt(c.Query("limit"))
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}
