package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/contentnode/internal/auth"
	"github.com/MarcoPoloResearchLab/contentnode/internal/blacklist"
	"github.com/MarcoPoloResearchLab/contentnode/internal/ledger"
	"github.com/MarcoPoloResearchLab/contentnode/internal/replicaset"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const (
	userUUIDContextKey   = "contentnode_user_uuid"
	delegateContextKey   = "contentnode_delegate"
	sessionHeader        = "X-Session-ID"
	defaultWriteRetries  = 3
	defaultDeltaMaxRange = 10000
)

var (
	errMissingLedger    = errors.New("ledger dependency required")
	errMissingUsers     = errors.New("users dependency required")
	errMissingSessions  = errors.New("session store dependency required")
	errMissingBlacklist = errors.New("blacklist dependency required")
	errMissingDelegates = errors.New("delegate validator dependency required")
	errMissingReplicas  = errors.New("replica set resolver required when force wipe is enabled")
)

// Ledger is the clock ledger surface served over HTTP.
type Ledger interface {
	FindUser(ctx context.Context, userUUID ledger.CNodeUserUUID) (ledger.CNodeUser, error)
	AppendOperation(ctx context.Context, userUUID ledger.CNodeUserUUID, operation ledger.Operation) (int64, error)
	GetClock(ctx context.Context, userUUID ledger.CNodeUserUUID) (int64, error)
	ExportSince(ctx context.Context, userUUID ledger.CNodeUserUUID, sinceClock int64, limit int) (ledger.Export, error)
	ApplyOperations(ctx context.Context, request ledger.ApplyRequest) (int64, error)
	FindRecordByCID(ctx context.Context, cid string) (ledger.ClockRecord, error)
	RepairClocks(ctx context.Context) (ledger.RepairReport, error)
}

// Users manages cnode user rows.
type Users interface {
	EnsureUser(ctx context.Context, wallet ledger.WalletAddress) (ledger.CNodeUserUUID, bool, error)
	DeleteUser(ctx context.Context, userUUID ledger.CNodeUserUUID) error
}

// Sessions issues and resolves client session tokens.
type Sessions interface {
	CreateSession(ctx context.Context, userUUID ledger.CNodeUserUUID) (string, error)
	Touch(ctx context.Context, token string) (ledger.CNodeUserUUID, error)
	Revoke(ctx context.Context, token string) error
}

// Blacklist gates served and replicated content.
type Blacklist interface {
	Add(ctx context.Context, value blacklist.Value) error
	Remove(ctx context.Context, value blacklist.Value) error
	List(ctx context.Context, entryType blacklist.EntryType) ([]blacklist.Entry, error)
	IsBlocked(ctx context.Context, entryType blacklist.EntryType, rawValue string) (bool, error)
	Filter(ctx context.Context, records []ledger.ClockRecord) (blacklist.FilterResult, error)
}

// SyncTrigger queues an on-demand sync after a write.
type SyncTrigger interface {
	Trigger(wallet ledger.WalletAddress) bool
}

// ReplicaSets resolves which node is a wallet's primary.
type ReplicaSets interface {
	ResolveReplicaSet(ctx context.Context, wallet string) (replicaset.ReplicaSet, error)
}

// DelegateValidator authenticates peer and operator requests.
type DelegateValidator interface {
	ValidateRequest(r *http.Request, allowedRoles ...string) (auth.DelegateClaims, error)
}

// Dependencies wires the HTTP surface of a content node.
type Dependencies struct {
	Ledger    Ledger
	Users     Users
	Sessions  Sessions
	Blacklist Blacklist
	Delegates DelegateValidator
	Sync      SyncTrigger
	Events    *SyncEventDispatcher
	Logger    *zap.Logger
	// ReplicaSets is consulted before a force resync wipes a user.
	ReplicaSets ReplicaSets

	NodeEndpoint string
	CORSOrigins  []string
	// MaxExportRange caps the records returned by one delta request.
	MaxExportRange int
	WriteRetries   int
	// ForceWipeEnabled lets primaries replace this node's copy of a user.
	ForceWipeEnabled bool
	// LoginRequiresGateway makes login demand a gateway delegate token whose subject is the wallet.
	LoginRequiresGateway bool
}

// NewHTTPHandler builds the gin router serving client, peer and operator routes.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	switch {
	case deps.Ledger == nil:
		return nil, errMissingLedger
	case deps.Users == nil:
		return nil, errMissingUsers
	case deps.Sessions == nil:
		return nil, errMissingSessions
	case deps.Blacklist == nil:
		return nil, errMissingBlacklist
	case deps.Delegates == nil:
		return nil, errMissingDelegates
	case deps.ForceWipeEnabled && deps.ReplicaSets == nil:
		return nil, errMissingReplicas
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	maxExportRange := deps.MaxExportRange
	if maxExportRange <= 0 {
		maxExportRange = defaultDeltaMaxRange
	}
	writeRetries := deps.WriteRetries
	if writeRetries <= 0 {
		writeRetries = defaultWriteRetries
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.CORSOrigins...))

	handler := &httpHandler{
		ledger:           deps.Ledger,
		users:            deps.Users,
		sessions:         deps.Sessions,
		blacklist:        deps.Blacklist,
		delegates:        deps.Delegates,
		sync:             deps.Sync,
		events:           deps.Events,
		replicaSets:      deps.ReplicaSets,
		logger:           logger,
		nodeEndpoint:     replicaset.NormalizeEndpoint(deps.NodeEndpoint),
		maxExportRange:   maxExportRange,
		writeRetries:     writeRetries,
		forceWipeEnabled: deps.ForceWipeEnabled,
		loginGateway:     deps.LoginRequiresGateway,
	}

	router.GET("/health_check", handler.handleHealthCheck)
	router.POST("/users", handler.handleEnsureUser)
	router.POST("/users/login", handler.handleLogin)
	router.GET("/ipfs/:cid", handler.handleContentLookup)

	client := router.Group("/users")
	client.Use(handler.authorizeSession)
	client.POST("/logout", handler.handleLogout)
	client.POST("/operations", handler.handleAppendOperation)

	peers := router.Group("/sync")
	peers.Use(handler.authorizeDelegate(auth.RolePeer, auth.RoleOperator))
	peers.GET("/users/:uuid/clock", handler.handlePeerClock)
	peers.GET("/users/:uuid/delta", handler.handlePeerDelta)
	peers.POST("/users/:uuid/apply", handler.handlePeerApply)

	operator := router.Group("/")
	operator.Use(handler.authorizeDelegate(auth.RoleOperator))
	operator.GET("/blacklist", handler.handleListBlacklist)
	operator.POST("/blacklist", handler.handleAddBlacklist)
	operator.DELETE("/blacklist", handler.handleRemoveBlacklist)
	operator.DELETE("/users/:uuid", handler.handleDeleteUser)
	operator.POST("/repair", handler.handleRepair)
	operator.GET("/events", handler.handleSyncEvents)

	return router, nil
}

func corsMiddleware(origins ...string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", sessionHeader},
		ExposeHeaders:    []string{sessionHeader},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(origins) == 0 {
		cfg.AllowOriginFunc = func(string) bool { return true }
	} else {
		cfg.AllowOrigins = origins
	}
	return cors.New(cfg)
}

type httpHandler struct {
	ledger           Ledger
	users            Users
	sessions         Sessions
	blacklist        Blacklist
	delegates        DelegateValidator
	sync             SyncTrigger
	events           *SyncEventDispatcher
	replicaSets      ReplicaSets
	logger           *zap.Logger
	nodeEndpoint     string
	maxExportRange   int
	writeRetries     int
	forceWipeEnabled bool
	loginGateway     bool
}

func (h *httpHandler) handleHealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"healthy": true})
}

func (h *httpHandler) authorizeSession(c *gin.Context) {
	token := c.GetHeader(sessionHeader)
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	userUUID, err := h.sessions.Touch(c.Request.Context(), token)
	if err != nil {
		h.logger.Info("session validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userUUIDContextKey, userUUID.String())
	c.Next()
}

func (h *httpHandler) authorizeDelegate(allowedRoles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, err := h.delegates.ValidateRequest(c.Request, allowedRoles...)
		if err != nil {
			if errors.Is(err, jwt.ErrTokenExpired) || errors.Is(err, auth.ErrExpiredDelegateToken) || errors.Is(err, auth.ErrMissingDelegateToken) {
				h.logger.Info("delegate token validation failed", zap.Error(err))
			} else {
				h.logger.Warn("delegate token validation failed", zap.Error(err))
			}
			status := http.StatusUnauthorized
			code := "unauthorized"
			if errors.Is(err, auth.ErrForbiddenDelegateRole) {
				status = http.StatusForbidden
				code = "forbidden"
			}
			c.AbortWithStatusJSON(status, gin.H{"error": code})
			return
		}
		c.Set(delegateContextKey, claims)
		c.Next()
	}
}
