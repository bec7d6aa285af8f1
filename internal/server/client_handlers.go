package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/MarcoPoloResearchLab/contentnode/internal/auth"
	"github.com/MarcoPoloResearchLab/contentnode/internal/blacklist"
	"github.com/MarcoPoloResearchLab/contentnode/internal/ledger"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type walletRequestPayload struct {
	Wallet string `json:"wallet"`
}

type userResponsePayload struct {
	CNodeUserUUID string `json:"cnode_user_uuid"`
	Clock         int64  `json:"clock"`
	Created       bool   `json:"created"`
}

type loginResponsePayload struct {
	SessionToken  string `json:"session_token"`
	CNodeUserUUID string `json:"cnode_user_uuid"`
}

type operationRequestPayload struct {
	Type    string          `json:"type"`
	UserID  string          `json:"user_id"`
	TrackID string          `json:"track_id"`
	CID     string          `json:"cid"`
	Payload json.RawMessage `json:"payload"`
}

type operationResponsePayload struct {
	Clock int64 `json:"clock"`
}

type contentResponsePayload struct {
	CID           string          `json:"cid"`
	CNodeUserUUID string          `json:"cnode_user_uuid"`
	Clock         int64           `json:"clock"`
	OperationType string          `json:"operation_type"`
	TrackID       string          `json:"track_id,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

func (h *httpHandler) bindWallet(c *gin.Context) (ledger.WalletAddress, bool) {
	var request walletRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return "", false
	}
	wallet, err := ledger.NewWalletAddress(request.Wallet)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_wallet"})
		return "", false
	}
	return wallet, true
}

func (h *httpHandler) handleEnsureUser(c *gin.Context) {
	wallet, ok := h.bindWallet(c)
	if !ok {
		return
	}
	userUUID, created, err := h.users.EnsureUser(c.Request.Context(), wallet)
	if err != nil {
		h.logger.Error("failed to ensure user", zap.String("wallet", wallet.String()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "user_create_failed"})
		return
	}
	clock, err := h.ledger.GetClock(c.Request.Context(), userUUID)
	if err != nil {
		h.logger.Error("failed to read clock", zap.String("cnode_user_uuid", userUUID.String()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "clock_read_failed"})
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, userResponsePayload{CNodeUserUUID: userUUID.String(), Clock: clock, Created: created})
}

// handleLogin issues a session for the wallet. With loginGateway set the caller must present a
// gateway delegate token naming that wallet; otherwise the wallet is taken on trust.
func (h *httpHandler) handleLogin(c *gin.Context) {
	wallet, ok := h.bindWallet(c)
	if !ok {
		return
	}
	if h.loginGateway && !h.verifyWalletOwnership(c, wallet) {
		return
	}
	userUUID, _, err := h.users.EnsureUser(c.Request.Context(), wallet)
	if err != nil {
		h.logger.Error("failed to ensure user", zap.String("wallet", wallet.String()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "user_create_failed"})
		return
	}
	token, err := h.sessions.CreateSession(c.Request.Context(), userUUID)
	if err != nil {
		h.logger.Error("failed to create session", zap.String("cnode_user_uuid", userUUID.String()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "session_create_failed"})
		return
	}
	c.Header(sessionHeader, token)
	c.JSON(http.StatusOK, loginResponsePayload{SessionToken: token, CNodeUserUUID: userUUID.String()})
}

func (h *httpHandler) verifyWalletOwnership(c *gin.Context, wallet ledger.WalletAddress) bool {
	claims, err := h.delegates.ValidateRequest(c.Request, auth.RoleGateway)
	if err != nil {
		h.logger.Info("login without wallet proof rejected", zap.String("wallet", wallet.String()), zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "wallet_proof_required"})
		return false
	}
	vouched, err := ledger.NewWalletAddress(claims.Subject)
	if err != nil || vouched != wallet {
		h.logger.Warn("gateway token names another wallet", zap.String("wallet", wallet.String()), zap.String("subject", claims.Subject))
		c.JSON(http.StatusForbidden, gin.H{"error": "wallet_mismatch"})
		return false
	}
	return true
}

func (h *httpHandler) handleLogout(c *gin.Context) {
	if err := h.sessions.Revoke(c.Request.Context(), c.GetHeader(sessionHeader)); err != nil {
		h.logger.Error("failed to revoke session", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "session_revoke_failed"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleAppendOperation(c *gin.Context) {
	userUUID := ledger.CNodeUserUUID(c.GetString(userUUIDContextKey))
	if userUUID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var request operationRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	operation := ledger.Operation{
		Type:    ledger.OperationType(strings.ToLower(strings.TrimSpace(request.Type))),
		UserID:  strings.TrimSpace(request.UserID),
		TrackID: strings.TrimSpace(request.TrackID),
		CID:     strings.TrimSpace(request.CID),
	}
	if len(request.Payload) > 0 && string(request.Payload) != "null" {
		operation.PayloadJSON = string(request.Payload)
	}
	if err := operation.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_operation"})
		return
	}

	var clock int64
	var err error
	for attempt := 0; attempt < h.writeRetries; attempt++ {
		clock, err = h.ledger.AppendOperation(c.Request.Context(), userUUID, operation)
		if !errors.Is(err, ledger.ErrConcurrentWriteConflict) {
			break
		}
		h.logger.Debug("retrying write after clock conflict", zap.String("cnode_user_uuid", userUUID.String()), zap.Int("attempt", attempt+1))
	}
	switch {
	case errors.Is(err, ledger.ErrConcurrentWriteConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "concurrent_write_conflict"})
		return
	case errors.Is(err, ledger.ErrUserNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "user_not_found"})
		return
	case err != nil:
		h.logger.Error("failed to append operation", zap.String("cnode_user_uuid", userUUID.String()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "write_failed"})
		return
	}

	h.triggerSync(c, userUUID)
	c.JSON(http.StatusOK, operationResponsePayload{Clock: clock})
}

// triggerSync queues replication of the user's wallet. Replication problems never fail the write.
func (h *httpHandler) triggerSync(c *gin.Context, userUUID ledger.CNodeUserUUID) {
	if h.sync == nil {
		return
	}
	user, err := h.ledger.FindUser(c.Request.Context(), userUUID)
	if err != nil {
		h.logger.Warn("skipping sync trigger", zap.String("cnode_user_uuid", userUUID.String()), zap.Error(err))
		return
	}
	h.sync.Trigger(ledger.WalletAddress(user.WalletAddress))
}

func (h *httpHandler) handleContentLookup(c *gin.Context) {
	cid := strings.TrimSpace(c.Param("cid"))
	blocked, err := h.blacklist.IsBlocked(c.Request.Context(), blacklist.EntryTypeCID, cid)
	if err != nil {
		h.logger.Error("blacklist lookup failed", zap.String("cid", cid), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "blacklist_lookup_failed"})
		return
	}
	if blocked {
		c.JSON(http.StatusForbidden, gin.H{"error": "content_blocked"})
		return
	}

	record, err := h.ledger.FindRecordByCID(c.Request.Context(), cid)
	if errors.Is(err, ledger.ErrRecordNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	if err != nil {
		h.logger.Error("content lookup failed", zap.String("cid", cid), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "content_lookup_failed"})
		return
	}
	filtered, err := h.blacklist.Filter(c.Request.Context(), []ledger.ClockRecord{record})
	if err != nil {
		h.logger.Error("blacklist filter failed", zap.String("cid", cid), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "blacklist_lookup_failed"})
		return
	}
	if len(filtered.Excluded) > 0 {
		c.JSON(http.StatusForbidden, gin.H{"error": "content_blocked"})
		return
	}

	response := contentResponsePayload{
		CID:           record.CID,
		CNodeUserUUID: record.CNodeUserUUID,
		Clock:         record.Clock,
		OperationType: string(record.OperationType),
		TrackID:       record.TrackID,
	}
	if record.PayloadJSON != "" && json.Valid([]byte(record.PayloadJSON)) {
		response.Payload = json.RawMessage(record.PayloadJSON)
	}
	c.JSON(http.StatusOK, response)
}
