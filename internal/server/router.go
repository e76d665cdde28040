package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/everseal/backend/internal/admins"
	"github.com/MarcoPoloResearchLab/everseal/backend/internal/attempts"
	"github.com/MarcoPoloResearchLab/everseal/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/everseal/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/everseal/backend/internal/serviceerror"
	"github.com/MarcoPoloResearchLab/everseal/backend/internal/signature"
	"github.com/MarcoPoloResearchLab/everseal/backend/internal/signing"
	"github.com/MarcoPoloResearchLab/everseal/backend/internal/stats"
	"github.com/MarcoPoloResearchLab/everseal/backend/internal/tags"
	"github.com/MarcoPoloResearchLab/everseal/backend/internal/verification"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	adminIDContextKey = "everseal_admin_id"
	accessTokenQuery  = "access_token"

	defaultLogsLimit = 20
	maxLogsLimit     = 200

	statusMalformed = "MALFORMED"

	mintStatusMinted   = "minted"
	mintStatusNotFound = "not_found"
	mintStatusInvalid  = "invalid"
	mintStatusFailed   = "failed"

	messageInvalidCredentials = "Invalid email or password"
)

var (
	errMissingVerifier      = errors.New("verification service dependency required")
	errMissingMinter        = errors.New("mint service dependency required")
	errMissingStats         = errors.New("stats aggregator dependency required")
	errMissingAttemptReader = errors.New("attempt log dependency required")
	errMissingAdmins        = errors.New("admin service dependency required")
	errMissingTokenManager  = errors.New("token manager dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

type VerificationService interface {
	Verify(ctx context.Context, request verification.Request) (verification.Result, error)
}

type MintService interface {
	Mint(ctx context.Context, uid signature.UID, counter uint32) (signing.SignedURL, error)
}

type StatsService interface {
	ComputeStats(ctx context.Context) (stats.AggregateStats, error)
	ComputeChart(ctx context.Context) ([]stats.ChartBucket, error)
}

type AttemptReader interface {
	Recent(ctx context.Context, limit int) ([]attempts.Entry, error)
}

type AdminAuthenticator interface {
	Authenticate(ctx context.Context, email, password string) (admins.Admin, error)
}

type TokenManager interface {
	IssueAccessToken(ctx context.Context, subject string) (auth.AccessToken, error)
	ValidateToken(token string) (string, error)
}

type Dependencies struct {
	Verifier     VerificationService
	Minter       MintService
	Stats        StatsService
	Attempts     AttemptReader
	Admins       AdminAuthenticator
	TokenManager TokenManager
	Events       *EventDispatcher
	// RequireToken guards every admin endpoint with a bearer token. GET /verify stays public.
	RequireToken   bool
	AllowedOrigins []string
	// TrustedProxies may set X-Forwarded-For; nil records the peer address.
	TrustedProxies    []string
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Verifier == nil {
		return nil, errMissingVerifier
	}
	if deps.Minter == nil {
		return nil, errMissingMinter
	}
	if deps.Stats == nil {
		return nil, errMissingStats
	}
	if deps.Attempts == nil {
		return nil, errMissingAttemptReader
	}
	if deps.Admins == nil {
		return nil, errMissingAdmins
	}
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatSeconds * time.Second
	}

	router := gin.New()
	if err := router.SetTrustedProxies(deps.TrustedProxies); err != nil {
		return nil, err
	}
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins...))

	handler := &httpHandler{
		verifier:          deps.Verifier,
		minter:            deps.Minter,
		stats:             deps.Stats,
		attempts:          deps.Attempts,
		admins:            deps.Admins,
		tokens:            deps.TokenManager,
		events:            deps.Events,
		heartbeatInterval: heartbeat,
		logger:            logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/verify", handler.handleVerify)
	router.POST("/auth/login", handler.handleLogin)

	admin := router.Group("/verify")
	if deps.RequireToken {
		admin.Use(handler.authorizeRequest)
	}
	admin.POST("/sign", handler.handleSign)
	admin.GET("/stats", handler.handleStats)
	admin.GET("/logs", handler.handleLogs)
	admin.GET("/chart", handler.handleChart)
	if deps.Events != nil {
		admin.GET("/events", handler.handleEventStream)
	}

	return router, nil
}

func corsMiddleware(allowedOrigins ...string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(allowedOrigins) == 0 {
		config.AllowOriginFunc = func(string) bool { return true }
	} else {
		config.AllowOrigins = allowedOrigins
	}
	return cors.New(config)
}

type httpHandler struct {
	verifier          VerificationService
	minter            MintService
	stats             StatsService
	attempts          AttemptReader
	admins            AdminAuthenticator
	tokens            TokenManager
	events            *EventDispatcher
	heartbeatInterval time.Duration
	logger            *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type verifyResponsePayload struct {
	Verified    bool   `json:"verified"`
	Status      string `json:"status"`
	ProductName string `json:"productName,omitempty"`
	Message     string `json:"message"`
	AttemptID   uint64 `json:"attemptId,omitempty"`
	Error       string `json:"error,omitempty"`
}

func (h *httpHandler) handleVerify(c *gin.Context) {
	request, err := verification.ParseRequest(c.Query("uid"), c.Query("ctr"), c.Query("cmac"), c.ClientIP())
	if err != nil {
		c.JSON(http.StatusBadRequest, verifyResponsePayload{
			Status:  statusMalformed,
			Error:   "invalid_request",
			Message: "Malformed verification link: uid, ctr and cmac are required.",
		})
		return
	}

	result, err := h.verifier.Verify(c.Request.Context(), request)
	if err != nil {
		h.respondServiceError(c, "verification_failed", err)
		return
	}

	response := verifyResponsePayload{
		Status:  string(result.Outcome),
		Message: result.Message,
	}
	switch result.Outcome {
	case attempts.OutcomeValid:
		response.Verified = true
		response.ProductName = result.ProductName
		response.AttemptID = result.AttemptID
		c.JSON(http.StatusOK, response)
	case attempts.OutcomeReplay:
		c.JSON(http.StatusConflict, response)
	default:
		c.JSON(http.StatusUnauthorized, response)
	}
}

type signRequestPayload struct {
	UID     string `json:"uid"`
	Counter *int64 `json:"counter"`
}

type signResponsePayload struct {
	URL     string `json:"url"`
	UID     string `json:"uid"`
	Counter uint32 `json:"counter"`
	CMAC    string `json:"cmac"`
}

func (h *httpHandler) handleSign(c *gin.Context) {
	var request signRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.Counter == nil {
		metrics.MintsTotal.WithLabelValues(mintStatusInvalid).Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	uid, err := signature.ParseUID(request.UID)
	if err != nil || *request.Counter < 0 || *request.Counter > signature.MaxCounter {
		metrics.MintsTotal.WithLabelValues(mintStatusInvalid).Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	signed, err := h.minter.Mint(c.Request.Context(), uid, uint32(*request.Counter))
	switch {
	case errors.Is(err, tags.ErrTagNotFound):
		metrics.MintsTotal.WithLabelValues(mintStatusNotFound).Inc()
		c.JSON(http.StatusNotFound, gin.H{"error": "tag_not_found"})
		return
	case errors.Is(err, signature.ErrCounterOutOfRange):
		metrics.MintsTotal.WithLabelValues(mintStatusInvalid).Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	case err != nil:
		metrics.MintsTotal.WithLabelValues(mintStatusFailed).Inc()
		h.respondServiceError(c, "sign_failed", err)
		return
	}

	metrics.MintsTotal.WithLabelValues(mintStatusMinted).Inc()
	c.JSON(http.StatusOK, signResponsePayload{
		URL:     signed.URL,
		UID:     signed.UID.String(),
		Counter: signed.Counter,
		CMAC:    signed.CMAC.String(),
	})
}

type statsResponsePayload struct {
	TotalScans      int64 `json:"totalScans"`
	SuccessRate     int64 `json:"successRate"`
	ThreatsDetected int64 `json:"threatsDetected"`
}

func (h *httpHandler) handleStats(c *gin.Context) {
	result, err := h.stats.ComputeStats(c.Request.Context())
	if err != nil {
		h.respondServiceError(c, "stats_failed", err)
		return
	}
	c.JSON(http.StatusOK, statsResponsePayload{
		TotalScans:      result.TotalScans,
		SuccessRate:     result.SuccessRate,
		ThreatsDetected: result.ThreatsDetected,
	})
}

type logEntryPayload struct {
	ID           uint64 `json:"id"`
	TagUID       string `json:"tagUid"`
	Status       string `json:"status"`
	Timestamp    string `json:"timestamp"`
	IPAddress    string `json:"ipAddress"`
	BlockchainTx string `json:"blockchainTx,omitempty"`
}

func (h *httpHandler) handleLogs(c *gin.Context) {
	limit := defaultLogsLimit
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
			return
		}
		limit = parsed
	}
	if limit > maxLogsLimit {
		limit = maxLogsLimit
	}

	entries, err := h.attempts.Recent(c.Request.Context(), limit)
	if err != nil {
		h.respondServiceError(c, "logs_failed", err)
		return
	}
	response := make([]logEntryPayload, 0, len(entries))
	for _, entry := range entries {
		response = append(response, logEntryPayload{
			ID:           entry.ID,
			TagUID:       entry.TagUID,
			Status:       string(entry.Outcome),
			Timestamp:    formatTimestamp(time.Unix(entry.RecordedAtSeconds, 0)),
			IPAddress:    entry.SourceAddress,
			BlockchainTx: entry.NotarizationRef,
		})
	}
	c.JSON(http.StatusOK, response)
}

type chartBucketPayload struct {
	Date    string `json:"date"`
	Valid   int64  `json:"valid"`
	Warning int64  `json:"warning"`
}

func (h *httpHandler) handleChart(c *gin.Context) {
	buckets, err := h.stats.ComputeChart(c.Request.Context())
	if err != nil {
		h.respondServiceError(c, "chart_failed", err)
		return
	}
	response := make([]chartBucketPayload, 0, len(buckets))
	for _, bucket := range buckets {
		response = append(response, chartBucketPayload{
			Date:    bucket.Label(),
			Valid:   bucket.ValidCount,
			Warning: bucket.WarningCount,
		})
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleEventStream(c *gin.Context) {
	ctx := c.Request.Context()
	stream, cleanup := h.events.Subscribe(ctx)
	defer cleanup()

	heartbeat := time.NewTicker(h.heartbeatInterval)
	defer heartbeat.Stop()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	c.Stream(func(io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case event, ok := <-stream:
			if !ok {
				return false
			}
			c.SSEvent(EventTypeAttempt, logEntryPayload{
				ID:        event.AttemptID,
				TagUID:    event.TagUID,
				Status:    string(event.Outcome),
				Timestamp: formatTimestamp(event.Timestamp),
				IPAddress: event.SourceAddress,
			})
			return true
		case tick := <-heartbeat.C:
			c.SSEvent(eventTypeHeartbeat, gin.H{
				"source":    eventSourceBackend,
				"timestamp": formatTimestamp(tick),
			})
			return true
		}
	})
}

type loginRequestPayload struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type authResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

func (h *httpHandler) handleLogin(c *gin.Context) {
	var request loginRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Email) == "" || request.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	admin, err := h.admins.Authenticate(c.Request.Context(), request.Email, request.Password)
	if errors.Is(err, admins.ErrInvalidCredentials) {
		h.logger.Info("admin login rejected", zap.String("source_address", c.ClientIP()))
		c.JSON(http.StatusUnauthorized, gin.H{"message": messageInvalidCredentials})
		return
	}
	if err != nil {
		h.logger.Error("admin authentication failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "login_failed"})
		return
	}

	token, err := h.tokens.IssueAccessToken(c.Request.Context(), admin.ID)
	if err != nil {
		h.logger.Error("failed to issue access token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, authResponsePayload{
		AccessToken: token.Value,
		ExpiresIn:   token.ExpiresInSeconds,
		TokenType:   token.TokenType,
	})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token := ""
	header := c.GetHeader("Authorization")
	switch {
	case strings.HasPrefix(header, "Bearer "):
		token = strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	case header == "" && c.Request.Method == http.MethodGet:
		// EventSource cannot set headers.
		token = strings.TrimSpace(c.Query(accessTokenQuery))
	}
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(adminIDContextKey, subject)
	c.Next()
}

func (h *httpHandler) respondServiceError(c *gin.Context, publicError string, err error) {
	code, ok := serviceerror.CodeOf(err)
	if !ok {
		code = publicError
	}
	h.logger.Error("request failed",
		zap.String("path", c.FullPath()),
		zap.String("code", code),
		zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": publicError, "code": code})
}

func formatTimestamp(value time.Time) string {
	return value.UTC().Format(time.RFC3339)
}
