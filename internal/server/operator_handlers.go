package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/contentnode/internal/blacklist"
	"github.com/MarcoPoloResearchLab/contentnode/internal/ledger"
	"github.com/MarcoPoloResearchLab/contentnode/internal/users"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const eventHeartbeatInterval = 25 * time.Second

type blacklistRequestPayload struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type blacklistEntryPayload struct {
	Type           string `json:"type"`
	Value          string `json:"value"`
	CreatedAtUnixS int64  `json:"created_at_s"`
}

type repairResponsePayload struct {
	Scanned  int `json:"scanned"`
	Repaired int `json:"repaired"`
	Gaps     int `json:"gaps"`
}

func (h *httpHandler) bindBlacklistValue(c *gin.Context) (blacklist.Value, bool) {
	var request blacklistRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return blacklist.Value{}, false
	}
	entryType, err := blacklist.ParseEntryType(request.Type)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_blacklist_type"})
		return blacklist.Value{}, false
	}
	value, err := blacklist.NewValue(entryType, request.Value)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_blacklist_value"})
		return blacklist.Value{}, false
	}
	return value, true
}

func (h *httpHandler) handleAddBlacklist(c *gin.Context) {
	value, ok := h.bindBlacklistValue(c)
	if !ok {
		return
	}
	if err := h.blacklist.Add(c.Request.Context(), value); err != nil {
		h.logger.Error("blacklist add failed", zap.String("type", string(value.Type())), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "blacklist_update_failed"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleRemoveBlacklist(c *gin.Context) {
	value, ok := h.bindBlacklistValue(c)
	if !ok {
		return
	}
	if err := h.blacklist.Remove(c.Request.Context(), value); err != nil {
		h.logger.Error("blacklist remove failed", zap.String("type", string(value.Type())), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "blacklist_update_failed"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleListBlacklist(c *gin.Context) {
	var entryType blacklist.EntryType
	if raw := c.Query("type"); raw != "" {
		parsed, err := blacklist.ParseEntryType(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_blacklist_type"})
			return
		}
		entryType = parsed
	}
	entries, err := h.blacklist.List(c.Request.Context(), entryType)
	if err != nil {
		h.logger.Error("blacklist list failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "blacklist_lookup_failed"})
		return
	}
	response := make([]blacklistEntryPayload, 0, len(entries))
	for _, entry := range entries {
		response = append(response, blacklistEntryPayload{
			Type:           string(entry.Type),
			Value:          entry.Value,
			CreatedAtUnixS: entry.CreatedAt.Unix(),
		})
	}
	c.JSON(http.StatusOK, gin.H{"entries": response})
}

func (h *httpHandler) handleDeleteUser(c *gin.Context) {
	userUUID, err := ledger.NewCNodeUserUUID(c.Param("uuid"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	err = h.users.DeleteUser(c.Request.Context(), userUUID)
	switch {
	case errors.Is(err, users.ErrUserHasActiveSessions):
		c.JSON(http.StatusConflict, gin.H{"error": "user_has_active_sessions"})
	case errors.Is(err, ledger.ErrUserNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "user_not_found"})
	case err != nil:
		h.logger.Error("user delete failed", zap.String("cnode_user_uuid", userUUID.String()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "user_delete_failed"})
	default:
		c.Status(http.StatusNoContent)
	}
}

func (h *httpHandler) handleRepair(c *gin.Context) {
	report, err := h.ledger.RepairClocks(c.Request.Context())
	if err != nil {
		h.logger.Error("clock repair failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "repair_failed"})
		return
	}
	c.JSON(http.StatusOK, repairResponsePayload{Scanned: report.Scanned, Repaired: report.Repaired, Gaps: report.Gaps})
}

func (h *httpHandler) handleSyncEvents(c *gin.Context) {
	if h.events == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "events_disabled"})
		return
	}
	wallet := c.Query("wallet")
	if wallet != "" {
		normalized, err := ledger.NewWalletAddress(wallet)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_wallet"})
			return
		}
		wallet = normalized.String()
	}

	ctx := c.Request.Context()
	stream, cleanup := h.events.Subscribe(ctx, wallet)
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	heartbeat := time.NewTicker(eventHeartbeatInterval)
	defer heartbeat.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			c.SSEvent(syncEventHeartbeat, gin.H{"source": syncEventSource})
			c.Writer.Flush()
		case event, ok := <-stream:
			if !ok {
				return
			}
			c.SSEvent(event.EventType, event)
			c.Writer.Flush()
		}
	}
}
