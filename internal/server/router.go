package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/setmatch/internal/auth"
	"github.com/MarcoPoloResearchLab/setmatch/internal/indexing"
	"github.com/MarcoPoloResearchLab/setmatch/internal/matching"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	clientSubjectContextKey = "setmatch_client_subject"
	requestIDContextKey     = "setmatch_request_id"
	requestIDHeader         = "X-Request-ID"
	queryIncludeCollection  = "include_collection"
)

var (
	errMissingLookup        = errors.New("lookup dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// TokenValidator resolves a bearer token to a client subject.
type TokenValidator interface {
	ValidateToken(token string) (string, error)
}

// Dependencies wires the HTTP API. A nil Tokens disables authentication.
type Dependencies struct {
	Lookup indexing.Lookup
	Tokens TokenValidator
	Logger *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Lookup == nil {
		return nil, errMissingLookup
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestIDMiddleware())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		lookup: deps.Lookup,
		tokens: deps.Tokens,
		logger: logger,
	}

	router.GET("/healthz", handler.handleHealth)

	api := router.Group("/v1")
	if deps.Tokens != nil {
		api.Use(handler.authorizeRequest)
	}
	api.POST("/sets/match", handler.handleMatchSets)
	api.GET("/owners/:owner/sets", handler.handleUserSets)
	api.GET("/owners/:owner/objects", handler.handleUserObjects)
	api.GET("/owners/:owner/sets/:collection/objects", handler.handleUserSetObjects)
	api.GET("/owners/:owner/sets/:collection/objects/last", handler.handleLastUserSetObject)
	api.POST("/objects/lookup", handler.handleObjectsLookup)
	api.GET("/objects/:fingerprint", handler.handleObject)
	api.GET("/objects/:fingerprint/last", handler.handleLastObject)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:    []string{"Authorization", "Content-Type", requestIDHeader},
		ExposeHeaders:   []string{requestIDHeader},
		MaxAge:          12 * time.Hour,
	})
}

// requestIDMiddleware keeps a caller-supplied request id or assigns a UUIDv7.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := strings.TrimSpace(c.GetHeader(requestIDHeader))
		if requestID == "" {
			if generated, err := uuid.NewV7(); err == nil {
				requestID = generated.String()
			}
		}
		c.Set(requestIDContextKey, requestID)
		c.Header(requestIDHeader, requestID)
		c.Next()
	}
}

type httpHandler struct {
	lookup indexing.Lookup
	tokens TokenValidator
	logger *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token, err := auth.BearerToken(c.GetHeader("Authorization"))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(clientSubjectContextKey, subject)
	c.Next()
}

// respondError maps lookup failures onto HTTP statuses.
func (h *httpHandler) respondError(c *gin.Context, operation string, err error) {
	switch {
	case matching.IsConfigurationError(err):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_criteria", "message": err.Error()})
	case indexing.IsStaleIndex(err):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "index_stale", "message": err.Error()})
	default:
		code := "internal_error"
		var serviceErr *indexing.ServiceError
		if errors.As(err, &serviceErr) {
			code = serviceErr.Code()
		}
		h.logger.Error("lookup failed",
			zap.String("operation", operation),
			zap.String("request_id", c.GetString(requestIDContextKey)),
			zap.String("client", c.GetString(clientSubjectContextKey)),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": code})
	}
}

func includeCollectionParam(c *gin.Context) (bool, bool) {
	raw := strings.TrimSpace(c.Query(queryIncludeCollection))
	if raw == "" {
		return false, true
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": queryIncludeCollection + " must be a boolean"})
		return false, false
	}
	return value, true
}

func respondSingle(c *gin.Context, receipt *indexing.Receipt) {
	if receipt == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	c.JSON(http.StatusOK, receipt)
}
