package server

import (
	"context"
	"crypto/rand"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/kotonoha-labs/kotonoha/backend/internal/auth"
	"github.com/kotonoha-labs/kotonoha/backend/internal/changeset"
	"github.com/kotonoha-labs/kotonoha/backend/internal/fault"
	"github.com/kotonoha-labs/kotonoha/backend/internal/lexicon"
	"github.com/kotonoha-labs/kotonoha/backend/internal/mailer"
	"github.com/kotonoha-labs/kotonoha/backend/internal/quota"
	"github.com/kotonoha-labs/kotonoha/backend/internal/token"
	"github.com/kotonoha-labs/kotonoha/backend/internal/users"
	"go.uber.org/zap"
)

const (
	userIDContextKey = "kotonoha_user_id"
	adminKeyHeader   = "X-Admin-Key"

	tokenPurgeGrace = 24 * time.Hour
	cellPurgeAge    = 48 * time.Hour
)

var (
	errMissingSessionManager   = errors.New("session manager dependency required")
	errMissingUsersService     = errors.New("users service dependency required")
	errMissingQuotaService     = errors.New("quota service dependency required")
	errMissingTokenStore       = errors.New("token store dependency required")
	errMissingChangesetService = errors.New("changeset service dependency required")
	errMissingLexiconEngine    = errors.New("lexicon engine dependency required")
	errInvalidAuthorization    = errors.New("authorization header missing or invalid")
)

// SessionManager issues and validates session credentials.
type SessionManager interface {
	IssueSessionToken(ctx context.Context, userID, email string) (string, int64, error)
	ValidateToken(token string) (string, error)
}

// Limits carries the tunable ceilings the handlers gate against.
type Limits struct {
	BaseURL string

	EmailWindow      time.Duration
	EmailWindowLimit int64
	IPWindow         time.Duration
	IPWindowLimit    int64
	Cooldown         time.Duration

	CloudOcrDailyLimit  int64
	AiMeaningDailyLimit int64
	ProofreadMaxTokens  int64
}

// Dependencies wires the HTTP layer to the services beneath it.
type Dependencies struct {
	Sessions   SessionManager
	Users      *users.Service
	Quota      *quota.Service
	Tokens     *token.Store
	Changesets *changeset.Service
	Lexicon    *lexicon.Engine
	Mailer     mailer.Mailer
	AdminKeys  *auth.AdminKeyVerifier
	Limits     Limits
	Logger     *zap.Logger
}

// NewHTTPHandler assembles the gin router for the API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Sessions == nil {
		return nil, errMissingSessionManager
	}
	if deps.Users == nil {
		return nil, errMissingUsersService
	}
	if deps.Quota == nil {
		return nil, errMissingQuotaService
	}
	if deps.Tokens == nil {
		return nil, errMissingTokenStore
	}
	if deps.Changesets == nil {
		return nil, errMissingChangesetService
	}
	if deps.Lexicon == nil {
		return nil, errMissingLexiconEngine
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	outbox := deps.Mailer
	if outbox == nil {
		outbox = mailer.NewLogMailer(logger)
	}
	adminKeys := deps.AdminKeys
	if adminKeys == nil {
		adminKeys = auth.NewAdminKeyVerifier("")
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type", adminKeyHeader},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		sessions:   deps.Sessions,
		users:      deps.Users,
		quota:      deps.Quota,
		tokens:     deps.Tokens,
		changesets: deps.Changesets,
		lexicon:    deps.Lexicon,
		mailer:     outbox,
		adminKeys:  adminKeys,
		limits:     deps.Limits,
		logger:     logger,
	}

	router.POST("/auth/request-link", handler.handleRequestLink)
	router.GET("/auth/verify", handler.handleVerify)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/auth/link-account", handler.handleLinkAccount)
	protected.POST("/changesets", handler.handleCreateChangeset)
	protected.GET("/changesets/:id", handler.handleGetChangeset)
	protected.POST("/changesets/:id/items", handler.handleAddItems)
	protected.POST("/changesets/:id/submit", handler.handleSubmit)
	protected.POST("/changesets/:id/review", handler.handleReview)
	protected.POST("/changesets/:id/merge", handler.handleMerge)
	protected.POST("/changesets/:id/close", handler.handleClose)
	protected.POST("/usage/:kind", handler.handleUsage)
	protected.GET("/lexicon/:headword", handler.handleGetEntry)
	protected.GET("/lexicon/:headword/history", handler.handleGetHistory)
	protected.POST("/admin/roles", handler.handleGrantRole)

	return router, nil
}

type httpHandler struct {
	sessions   SessionManager
	users      *users.Service
	quota      *quota.Service
	tokens     *token.Store
	changesets *changeset.Service
	lexicon    *lexicon.Engine
	mailer     mailer.Mailer
	adminKeys  *auth.AdminKeyVerifier
	limits     Limits
	logger     *zap.Logger
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	tokenString := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if tokenString == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.sessions.ValidateToken(tokenString)
	if err != nil {
		h.logger.Warn("session validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, subject)
	c.Next()
}

// callerRole resolves the effective role: a valid admin key elevates the
// caller to maintainer, otherwise the most recent role grant wins.
func (h *httpHandler) callerRole(c *gin.Context, userID string) (users.Role, error) {
	if h.adminKeys.Verify(c.GetHeader(adminKeyHeader)) {
		return users.RoleMaintainer, nil
	}
	return h.users.ResolveRole(c.Request.Context(), userID)
}

// respondFault maps the error taxonomy onto transport statuses. Anything
// outside the taxonomy is an upstream failure and reports service-unavailable
// semantics rather than a caller error.
func (h *httpHandler) respondFault(c *gin.Context, err error) {
	f, ok := fault.As(err)
	if !ok {
		h.logger.Error("unclassified handler error", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	switch f.Kind() {
	case fault.KindValidation:
		c.JSON(http.StatusBadRequest, gin.H{"error": f.Code()})
	case fault.KindRateLimited:
		c.JSON(http.StatusTooManyRequests, gin.H{"error": f.Code(), "retry_after": f.RetryAfterSeconds()})
	case fault.KindQuotaExhausted:
		c.JSON(http.StatusTooManyRequests, gin.H{"error": f.Code()})
	case fault.KindTokenRejected:
		c.JSON(http.StatusUnauthorized, gin.H{"error": f.Code()})
	case fault.KindAuthorization:
		c.JSON(http.StatusForbidden, gin.H{"error": f.Code()})
	case fault.KindStateConflict:
		c.JSON(http.StatusBadRequest, gin.H{"error": f.Code()})
	case fault.KindNotFound:
		c.JSON(http.StatusNotFound, gin.H{"error": f.Code()})
	default:
		h.logger.Error("handler error", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}

// maybeSweep opportunistically purges rows past their useful life on roughly
// one in sixty-four requests. Idempotent; failures only log.
func (h *httpHandler) maybeSweep(ctx context.Context) {
	var b [1]byte
	if _, err := rand.Read(b[:]); err != nil {
		return
	}
	if b[0]&0x3f != 0 {
		return
	}
	if err := h.tokens.PurgeExpired(ctx, tokenPurgeGrace); err != nil {
		h.logger.Warn("token purge failed", zap.Error(err))
	}
	if err := h.quota.PurgeStaleCells(ctx, cellPurgeAge); err != nil {
		h.logger.Warn("counter cell purge failed", zap.Error(err))
	}
}
