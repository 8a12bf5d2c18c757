package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/onespark/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/onespark/backend/internal/checkout"
	"github.com/MarcoPoloResearchLab/onespark/backend/internal/comments"
	"github.com/MarcoPoloResearchLab/onespark/backend/internal/contact"
	"github.com/MarcoPoloResearchLab/onespark/backend/internal/kv"
	"github.com/MarcoPoloResearchLab/onespark/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/onespark/backend/internal/orders"
	"github.com/MarcoPoloResearchLab/onespark/backend/internal/payments"
	"github.com/MarcoPoloResearchLab/onespark/backend/internal/pricing"
	"github.com/MarcoPoloResearchLab/onespark/backend/internal/users"
	"github.com/MarcoPoloResearchLab/onespark/backend/internal/verification"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	userKeyContextKey        = "onespark_user_key"
	defaultHeartbeatInterval = 25 * time.Second
	unmatchedRoute           = "unmatched"
)

var (
	errMissingUsers      = errors.New("users service dependency required")
	errMissingSessions   = errors.New("session manager dependency required")
	errMissingAdmin      = errors.New("admin authenticator dependency required")
	errMissingVerifier   = errors.New("contact verifier dependency required")
	errMissingOrders     = errors.New("order ledger dependency required")
	errMissingComments   = errors.New("comment board dependency required")
	errMissingCheckout   = errors.New("checkout service dependency required")
	errMissingWebhooks   = errors.New("webhook parser dependency required")
	errMissingCatalog    = errors.New("pricing catalog dependency required")
	errMissingRateLimits = errors.New("rate limit store dependency required")
)

type GoogleVerifier interface {
	Verify(ctx context.Context, token string) (auth.GoogleClaims, error)
}

type SessionManager interface {
	Issue(ctx context.Context, userKey string) (auth.Session, error)
	Validate(ctx context.Context, token string) (auth.Session, error)
}

type AdminAuthenticator interface {
	Login(ctx context.Context, username, password string) (auth.Session, error)
	Validate(ctx context.Context, token string) error
}

type WebhookParser interface {
	ParseWebhook(payload []byte, signatureHeader string) (payments.Event, error)
}

// Dependencies wires the HTTP surface. GoogleVerifier, Metrics, and Realtime are
// optional; the routes they back are not registered when absent.
type Dependencies struct {
	Users             *users.Service
	Sessions          SessionManager
	Admin             AdminAuthenticator
	GoogleVerifier    GoogleVerifier
	GoogleClientID    string
	Verifier          verification.Verifier
	Normalizer        contact.Normalizer
	Orders            *orders.Ledger
	Comments          *comments.Board
	Checkout          *checkout.Service
	Webhooks          WebhookParser
	Catalog           *pricing.Catalog
	RateLimitStore    kv.Store
	RateLimit         RateLimitConfig
	Metrics           *metrics.Collectors
	Realtime          *CommentStream
	HeartbeatInterval time.Duration
	PublicOrigin      string
	AllowedOrigins    []string
	Clock             func() time.Time
	Logger            *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	switch {
	case deps.Users == nil:
		return nil, errMissingUsers
	case deps.Sessions == nil:
		return nil, errMissingSessions
	case deps.Admin == nil:
		return nil, errMissingAdmin
	case deps.Verifier == nil:
		return nil, errMissingVerifier
	case deps.Orders == nil:
		return nil, errMissingOrders
	case deps.Comments == nil:
		return nil, errMissingComments
	case deps.Checkout == nil:
		return nil, errMissingCheckout
	case deps.Webhooks == nil:
		return nil, errMissingWebhooks
	case deps.Catalog == nil:
		return nil, errMissingCatalog
	case deps.RateLimitStore == nil:
		return nil, errMissingRateLimits
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	normalizer := deps.Normalizer
	if normalizer == (contact.Normalizer{}) {
		normalizer = contact.NewNormalizer("")
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	handler := &httpHandler{
		users:          deps.Users,
		sessions:       deps.Sessions,
		admin:          deps.Admin,
		google:         deps.GoogleVerifier,
		googleClientID: strings.TrimSpace(deps.GoogleClientID),
		verifier:       deps.Verifier,
		normalizer:     normalizer,
		orders:         deps.Orders,
		comments:       deps.Comments,
		checkout:       deps.Checkout,
		webhooks:       deps.Webhooks,
		catalog:        deps.Catalog,
		limiter:        newOTPRateLimiter(deps.RateLimitStore, deps.RateLimit),
		metrics:        deps.Metrics,
		realtime:       deps.Realtime,
		heartbeat:      heartbeat,
		publicOrigin:   strings.TrimRight(strings.TrimSpace(deps.PublicOrigin), "/"),
		clock:          clock,
		logger:         logger,
	}

	router := gin.New()
	router.Use(gin.Recovery())
	if handler.metrics != nil {
		router.Use(handler.observeRequest)
	}
	router.Use(corsMiddleware(deps.AllowedOrigins))

	router.GET("/healthz", handler.handleHealth)
	if handler.metrics != nil {
		router.GET("/metrics", gin.WrapH(handler.metrics.Handler()))
	}

	api := router.Group("/api")
	api.GET("/config", handler.handleConfig)
	api.GET("/purchase-count", handler.handlePurchaseCount)
	api.POST("/otp/send", handler.handleOTPSend)
	api.POST("/otp/verify", handler.handleOTPVerify)
	if handler.google != nil {
		api.POST("/auth/google", handler.handleGoogleAuth)
	}
	api.POST("/auth/session", handler.handleSessionValidate)
	api.POST("/webhook/stripe", handler.handleStripeWebhook)
	api.GET("/comments", handler.handleListComments)
	if handler.realtime != nil {
		api.GET("/comments/stream", handler.handleCommentStream)
	}

	optional := api.Group("/")
	optional.Use(handler.optionalAuthorization)
	optional.POST("/checkout", handler.handleCheckout)
	optional.POST("/comments", handler.handlePostComment)

	protected := api.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/me", handler.handleMe)
	protected.POST("/profile", handler.handleProfileUpdate)

	api.POST("/admin/auth", handler.handleAdminAuth)
	admin := api.Group("/admin")
	admin.Use(handler.authorizeAdmin)
	admin.GET("/orders", handler.handleAdminOrders)
	admin.DELETE("/orders/:orderId", handler.handleAdminDeleteOrder)
	admin.DELETE("/comments/:commentId", handler.handleAdminDeleteComment)

	return router, nil
}

// corsMiddleware allows any origin unless a list is configured; credentials are
// only enabled for an explicit list.
func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type", "Origin"},
		MaxAge:       12 * time.Hour,
	}
	origins := make([]string, 0, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		if trimmed := strings.TrimRight(strings.TrimSpace(origin), "/"); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	if len(origins) == 0 {
		config.AllowAllOrigins = true
	} else {
		config.AllowOrigins = origins
		config.AllowCredentials = true
	}
	return cors.New(config)
}

type httpHandler struct {
	users          *users.Service
	sessions       SessionManager
	admin          AdminAuthenticator
	google         GoogleVerifier
	googleClientID string
	verifier       verification.Verifier
	normalizer     contact.Normalizer
	orders         *orders.Ledger
	comments       *comments.Board
	checkout       *checkout.Service
	webhooks       WebhookParser
	catalog        *pricing.Catalog
	limiter        *otpRateLimiter
	metrics        *metrics.Collectors
	realtime       *CommentStream
	heartbeat      time.Duration
	publicOrigin   string
	clock          func() time.Time
	logger         *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) observeRequest(c *gin.Context) {
	started := h.clock()
	c.Next()
	route := c.FullPath()
	if route == "" {
		route = unmatchedRoute
	}
	h.metrics.ObserveHTTP(c.Request.Method, route, c.Writer.Status(), h.clock().Sub(started))
}

// authorizeRequest requires a valid session and stores its user key on the context.
func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token := auth.BearerToken(c.GetHeader("Authorization"))
	if token == "" {
		h.logger.Warn("token validation failed", zap.Error(errInvalidAuthorization))
		c.AbortWithStatusJSON(http.StatusUnauthorized, errorBody(errInvalidAuthorization))
		return
	}
	h.validateSession(c, token)
}

// optionalAuthorization validates a session when one is presented. A bad token
// is rejected rather than treated as anonymous.
func (h *httpHandler) optionalAuthorization(c *gin.Context) {
	token := auth.BearerToken(c.GetHeader("Authorization"))
	if token == "" {
		c.Next()
		return
	}
	h.validateSession(c, token)
}

func (h *httpHandler) validateSession(c *gin.Context, token string) {
	session, err := h.sessions.Validate(c.Request.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidSession) {
			h.logger.Info("token validation failed", zap.Error(err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorBody(err))
			return
		}
		h.respondError(c, "validate_session", err)
		return
	}
	c.Set(userKeyContextKey, session.Subject)
	c.Next()
}

func (h *httpHandler) authorizeAdmin(c *gin.Context) {
	token := auth.BearerToken(c.GetHeader("Authorization"))
	if token == "" {
		h.respondError(c, "authorize_admin", auth.ErrInvalidAdminToken)
		return
	}
	if err := h.admin.Validate(c.Request.Context(), token); err != nil {
		h.respondError(c, "authorize_admin", err)
		return
	}
	c.Next()
}

func errorBody(err error) gin.H {
	class := classify(err)
	return gin.H{"error": class.code, "message": class.message}
}
