package server

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MarcoPoloResearchLab/contentnode/internal/auth"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestBlacklistRoutesManageEntries(t *testing.T) {
	server := newTestServer(t)
	headers := server.delegateHeader(t, auth.RoleOperator)

	add := server.do(t, http.MethodPost, "/blacklist", blacklistRequestPayload{Type: "track", Value: "0042"}, headers)
	if add.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d %s", add.Code, add.Body.String())
	}
	again := server.do(t, http.MethodPost, "/blacklist", blacklistRequestPayload{Type: "TRACK", Value: "42"}, headers)
	if again.Code != http.StatusNoContent {
		t.Fatalf("expected idempotent add, got %d", again.Code)
	}

	list := server.do(t, http.MethodGet, "/blacklist?type=track", nil, headers)
	var listed struct {
		Entries []blacklistEntryPayload `json:"entries"`
	}
	decodeBody(t, list, &listed)
	if len(listed.Entries) != 1 || listed.Entries[0].Value != "42" || listed.Entries[0].Type != "TRACK" {
		t.Fatalf("unexpected entries %#v", listed.Entries)
	}

	remove := server.do(t, http.MethodDelete, "/blacklist", blacklistRequestPayload{Type: "track", Value: "42"}, headers)
	if remove.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", remove.Code)
	}
	decodeBody(t, server.do(t, http.MethodGet, "/blacklist", nil, headers), &listed)
	if len(listed.Entries) != 0 {
		t.Fatalf("expected empty blacklist, got %#v", listed.Entries)
	}
}

func TestBlacklistRoutesValidateInput(t *testing.T) {
	server := newTestServer(t)
	headers := server.delegateHeader(t, auth.RoleOperator)

	testCases := []struct {
		name    string
		payload blacklistRequestPayload
		body    string
	}{
		{name: "type", payload: blacklistRequestPayload{Type: "ALBUM", Value: "1"}, body: `{"error":"invalid_blacklist_type"}`},
		{name: "track", payload: blacklistRequestPayload{Type: "TRACK", Value: "-1"}, body: `{"error":"invalid_blacklist_value"}`},
		{name: "cid", payload: blacklistRequestPayload{Type: "CID", Value: "not-a-cid"}, body: `{"error":"invalid_blacklist_value"}`},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			recorder := server.do(t, http.MethodPost, "/blacklist", testCase.payload, headers)
			if recorder.Code != http.StatusBadRequest || recorder.Body.String() != testCase.body {
				t.Fatalf("unexpected response %d %s", recorder.Code, recorder.Body.String())
			}
		})
	}
}

func TestOperatorRoutesRejectPeerRole(t *testing.T) {
	server := newTestServer(t)

	recorder := server.do(t, http.MethodPost, "/repair", nil, server.delegateHeader(t, auth.RolePeer))
	if recorder.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for peer role, got %d", recorder.Code)
	}
}

func TestDeleteUserRestrictedWhileSessionsExist(t *testing.T) {
	server := newTestServer(t)
	headers := server.delegateHeader(t, auth.RoleOperator)
	token, userUUID := server.login(t)

	blocked := server.do(t, http.MethodDelete, "/users/"+userUUID, nil, headers)
	if blocked.Code != http.StatusConflict || blocked.Body.String() != `{"error":"user_has_active_sessions"}` {
		t.Fatalf("expected 409 user_has_active_sessions, got %d %s", blocked.Code, blocked.Body.String())
	}

	if recorder := server.do(t, http.MethodPost, "/users/logout", nil, map[string]string{sessionHeader: token}); recorder.Code != http.StatusNoContent {
		t.Fatalf("logout failed: %d", recorder.Code)
	}
	deleted := server.do(t, http.MethodDelete, "/users/"+userUUID, nil, headers)
	if deleted.Code != http.StatusNoContent {
		t.Fatalf("expected 204 after logout, got %d %s", deleted.Code, deleted.Body.String())
	}
	missing := server.do(t, http.MethodDelete, "/users/"+userUUID, nil, headers)
	if missing.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for removed user, got %d", missing.Code)
	}
}

func TestRepairRouteForwardsDriftedClocks(t *testing.T) {
	server := newTestServer(t)
	token, userUUID := server.login(t)
	for index := 0; index < 3; index++ {
		server.do(t, http.MethodPost, "/users/operations", operationRequestPayload{Type: "track", TrackID: "1"}, map[string]string{sessionHeader: token})
	}
	if err := server.db.Exec("UPDATE cnode_users SET clock = 1 WHERE cnode_user_uuid = ?", userUUID).Error; err != nil {
		t.Fatalf("failed to drift clock: %v", err)
	}

	recorder := server.do(t, http.MethodPost, "/repair", nil, server.delegateHeader(t, auth.RoleOperator))
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d %s", recorder.Code, recorder.Body.String())
	}
	var report repairResponsePayload
	decodeBody(t, recorder, &report)
	if report.Scanned != 1 || report.Repaired != 1 {
		t.Fatalf("unexpected repair report %#v", report)
	}
}

func TestAuthorizeDelegateLogsExpiredTokenAtInfoLevel(t *testing.T) {
	testCases := []struct {
		name  string
		err   error
		level zapcore.Level
	}{
		{name: "expired", err: jwt.ErrTokenExpired, level: zapcore.InfoLevel},
		{name: "delegate expired", err: auth.ErrExpiredDelegateToken, level: zapcore.InfoLevel},
		{name: "unexpected", err: errors.New("signature mismatch"), level: zapcore.WarnLevel},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			gin.SetMode(gin.TestMode)
			recorder := httptest.NewRecorder()
			ctx, _ := gin.CreateTestContext(recorder)
			request := httptest.NewRequest(http.MethodGet, "/sync/users/x/clock", http.NoBody)
			request.Header.Set("Authorization", "Bearer some-token")
			ctx.Request = request

			core, logs := observer.New(zapcore.DebugLevel)
			handler := &httpHandler{
				delegates: stubDelegateValidator{err: testCase.err},
				logger:    zap.New(core),
			}

			handler.authorizeDelegate(auth.RolePeer)(ctx)

			if recorder.Code != http.StatusUnauthorized {
				t.Fatalf("unexpected status code: got %d, want %d", recorder.Code, http.StatusUnauthorized)
			}
			entries := logs.All()
			if len(entries) != 1 {
				t.Fatalf("expected exactly one log entry, got %d", len(entries))
			}
			if entries[0].Level != testCase.level {
				t.Fatalf("expected %s level, got %s", testCase.level, entries[0].Level)
			}
			if entries[0].Message != "delegate token validation failed" {
				t.Fatalf("unexpected log message: %q", entries[0].Message)
			}
		})
	}
}

type stubDelegateValidator struct {
	err error
}

func (s stubDelegateValidator) ValidateRequest(*http.Request, ...string) (auth.DelegateClaims, error) {
	return auth.DelegateClaims{}, s.err
}
