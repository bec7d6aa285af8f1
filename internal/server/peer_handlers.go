package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/MarcoPoloResearchLab/contentnode/internal/ledger"
	"github.com/MarcoPoloResearchLab/contentnode/internal/peer"
	"github.com/MarcoPoloResearchLab/contentnode/internal/replicaset"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func (h *httpHandler) userUUIDParam(c *gin.Context) (ledger.CNodeUserUUID, bool) {
	userUUID, err := ledger.NewCNodeUserUUID(c.Param("uuid"))
	if err != nil {
		c.JSON(http.StatusBadRequest, peer.ErrorResponse{Error: peer.ErrorCodeInvalidRequest})
		return "", false
	}
	return userUUID, true
}

func (h *httpHandler) handlePeerClock(c *gin.Context) {
	userUUID, ok := h.userUUIDParam(c)
	if !ok {
		return
	}
	clock, err := h.ledger.GetClock(c.Request.Context(), userUUID)
	if err != nil {
		h.logger.Error("peer clock read failed", zap.String("cnode_user_uuid", userUUID.String()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, peer.ErrorResponse{Error: peer.ErrorCodeInternal})
		return
	}
	c.JSON(http.StatusOK, peer.ClockResponse{Clock: clock})
}

func (h *httpHandler) handlePeerDelta(c *gin.Context) {
	userUUID, ok := h.userUUIDParam(c)
	if !ok {
		return
	}
	since := int64(0)
	if raw := c.Query("since"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, peer.ErrorResponse{Error: peer.ErrorCodeInvalidRequest})
			return
		}
		since = parsed
	}

	export, err := h.ledger.ExportSince(c.Request.Context(), userUUID, since, h.maxExportRange)
	if errors.Is(err, ledger.ErrUserNotFound) {
		c.JSON(http.StatusNotFound, peer.ErrorResponse{Error: peer.ErrorCodeUserNotFound})
		return
	}
	if err != nil {
		h.logger.Error("delta export failed", zap.String("cnode_user_uuid", userUUID.String()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, peer.ErrorResponse{Error: peer.ErrorCodeInternal})
		return
	}
	records := export.Records
	if len(records) > 0 {
		filtered, err := h.blacklist.Filter(c.Request.Context(), records)
		if err != nil {
			h.logger.Error("delta filter failed", zap.String("cnode_user_uuid", userUUID.String()), zap.Error(err))
			c.JSON(http.StatusInternalServerError, peer.ErrorResponse{Error: peer.ErrorCodeInternal})
			return
		}
		records = filtered.Records
	}
	c.JSON(http.StatusOK, peer.DeltaResponse{
		Wallet:     export.WalletAddress.String(),
		Clock:      export.Clock,
		Operations: peer.FromRecords(records),
	})
}

func (h *httpHandler) handlePeerApply(c *gin.Context) {
	userUUID, ok := h.userUUIDParam(c)
	if !ok {
		return
	}
	var request peer.ApplyRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, peer.ErrorResponse{Error: peer.ErrorCodeInvalidRequest})
		return
	}
	wallet, err := ledger.NewWalletAddress(request.Wallet)
	if err != nil {
		c.JSON(http.StatusBadRequest, peer.ErrorResponse{Error: peer.ErrorCodeInvalidRequest})
		return
	}
	if request.ForceResync {
		if status, code := h.refuseWipe(c.Request.Context(), wallet); status != 0 {
			h.logger.Warn("force resync refused",
				zap.String("cnode_user_uuid", userUUID.String()),
				zap.String("wallet", wallet.String()),
				zap.String("code", code))
			c.JSON(status, peer.ErrorResponse{Error: code})
			return
		}
	}

	applied, err := h.ledger.ApplyOperations(c.Request.Context(), ledger.ApplyRequest{
		CNodeUserUUID: userUUID,
		WalletAddress: wallet,
		Records:       peer.ToRecords(userUUID, request.Operations),
		ForceResync:   request.ForceResync,
	})
	if err != nil {
		status, code := applyErrorStatus(err)
		if status == http.StatusInternalServerError {
			h.logger.Error("apply failed", zap.String("cnode_user_uuid", userUUID.String()), zap.Error(err))
		} else {
			h.logger.Info("apply rejected", zap.String("cnode_user_uuid", userUUID.String()), zap.String("code", code), zap.Error(err))
		}
		c.JSON(status, peer.ErrorResponse{Error: code})
		return
	}
	c.JSON(http.StatusOK, peer.ApplyResponse{AppliedThroughClock: applied})
}

// refuseWipe returns a non-zero status unless wiping is enabled and this node is not the
// wallet's primary.
func (h *httpHandler) refuseWipe(ctx context.Context, wallet ledger.WalletAddress) (int, string) {
	if !h.forceWipeEnabled {
		return http.StatusConflict, peer.ErrorCodeForceWipeDisabled
	}
	set, err := h.replicaSets.ResolveReplicaSet(ctx, wallet.String())
	if err != nil {
		h.logger.Error("replica set lookup failed", zap.String("wallet", wallet.String()), zap.Error(err))
		return http.StatusInternalServerError, peer.ErrorCodeInternal
	}
	if replicaset.NormalizeEndpoint(set.Primary) == h.nodeEndpoint {
		return http.StatusConflict, peer.ErrorCodePrimaryWipe
	}
	return 0, ""
}

func applyErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, ledger.ErrNonContiguousBatch):
		return http.StatusConflict, peer.ErrorCodeNonContiguousBatch
	case errors.Is(err, ledger.ErrOutOfOrderBatch):
		return http.StatusConflict, peer.ErrorCodeOutOfOrderBatch
	case errors.Is(err, ledger.ErrWalletMismatch):
		return http.StatusConflict, peer.ErrorCodeWalletMismatch
	case errors.Is(err, ledger.ErrInvalidOperation), errors.Is(err, ledger.ErrInvalidWalletAddress):
		return http.StatusBadRequest, peer.ErrorCodeInvalidRequest
	case errors.Is(err, ledger.ErrConcurrentWriteConflict):
		return http.StatusServiceUnavailable, peer.ErrorCodeInternal
	default:
		return http.StatusInternalServerError, peer.ErrorCodeInternal
	}
}
