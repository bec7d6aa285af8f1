package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MarcoPoloResearchLab/contentnode/internal/auth"
	"github.com/MarcoPoloResearchLab/contentnode/internal/blacklist"
	"github.com/MarcoPoloResearchLab/contentnode/internal/ledger"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func TestEnsureUserIsIdempotent(t *testing.T) {
	server := newTestServer(t)

	first := server.do(t, http.MethodPost, "/users", walletRequestPayload{Wallet: strings.ToUpper(testWallet[2:])}, nil)
	if first.Code != http.StatusBadRequest {
		t.Fatalf("expected invalid wallet to be rejected, got %d", first.Code)
	}

	created := server.do(t, http.MethodPost, "/users", walletRequestPayload{Wallet: testWallet}, nil)
	if created.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", created.Code, created.Body.String())
	}
	existing := server.do(t, http.MethodPost, "/users", walletRequestPayload{Wallet: testWallet}, nil)
	if existing.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", existing.Code)
	}
	var createdBody, existingBody userResponsePayload
	decodeBody(t, created, &createdBody)
	decodeBody(t, existing, &existingBody)
	if createdBody.CNodeUserUUID == "" || createdBody.CNodeUserUUID != existingBody.CNodeUserUUID {
		t.Fatalf("expected stable cnode user uuid, got %q and %q", createdBody.CNodeUserUUID, existingBody.CNodeUserUUID)
	}
}

func TestAppendOperationAdvancesClockAndTriggersSync(t *testing.T) {
	server := newTestServer(t)
	token, _ := server.login(t)
	headers := map[string]string{sessionHeader: token}

	for expected := int64(1); expected <= 2; expected++ {
		recorder := server.do(t, http.MethodPost, "/users/operations", operationRequestPayload{
			Type:    "track",
			TrackID: "42",
			Payload: json.RawMessage(`{"title":"song"}`),
		}, headers)
		if recorder.Code != http.StatusOK {
			t.Fatalf("write %d failed: %d %s", expected, recorder.Code, recorder.Body.String())
		}
		var response operationResponsePayload
		decodeBody(t, recorder, &response)
		if response.Clock != expected {
			t.Fatalf("expected clock %d, got %d", expected, response.Clock)
		}
	}
	triggered := server.trigger.triggered()
	if len(triggered) != 2 || triggered[0] != testWallet {
		t.Fatalf("expected two sync triggers for %s, got %v", testWallet, triggered)
	}
}

func TestAppendOperationRequiresSession(t *testing.T) {
	server := newTestServer(t)

	missing := server.do(t, http.MethodPost, "/users/operations", operationRequestPayload{Type: "track"}, nil)
	if missing.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without session, got %d", missing.Code)
	}
	unknown := server.do(t, http.MethodPost, "/users/operations", operationRequestPayload{Type: "track"}, map[string]string{sessionHeader: "deadbeef"})
	if unknown.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unknown session, got %d", unknown.Code)
	}
}

func TestAppendOperationRejectsInvalidOperation(t *testing.T) {
	server := newTestServer(t)
	token, _ := server.login(t)

	recorder := server.do(t, http.MethodPost, "/users/operations", operationRequestPayload{Type: "track", TrackID: "abc"}, map[string]string{sessionHeader: token})
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", recorder.Code)
	}
	if recorder.Body.String() != `{"error":"invalid_operation"}` {
		t.Fatalf("unexpected response body: %s", recorder.Body.String())
	}
}

func TestLogoutRevokesSession(t *testing.T) {
	server := newTestServer(t)
	token, _ := server.login(t)
	headers := map[string]string{sessionHeader: token}

	if recorder := server.do(t, http.MethodPost, "/users/logout", nil, headers); recorder.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", recorder.Code)
	}
	if recorder := server.do(t, http.MethodPost, "/users/operations", operationRequestPayload{Type: "track"}, headers); recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected revoked session to be rejected, got %d", recorder.Code)
	}
}

func TestContentLookupHonoursBlacklist(t *testing.T) {
	server := newTestServer(t)
	token, _ := server.login(t)

	write := server.do(t, http.MethodPost, "/users/operations", operationRequestPayload{
		Type:    "image",
		CID:     testCID,
		Payload: json.RawMessage(`{"width":64}`),
	}, map[string]string{sessionHeader: token})
	if write.Code != http.StatusOK {
		t.Fatalf("write failed: %d %s", write.Code, write.Body.String())
	}

	found := server.do(t, http.MethodGet, "/ipfs/"+testCID, nil, nil)
	if found.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", found.Code)
	}
	var content contentResponsePayload
	decodeBody(t, found, &content)
	if content.Clock != 1 || content.OperationType != "image" || string(content.Payload) != `{"width":64}` {
		t.Fatalf("unexpected content %#v", content)
	}

	value, _ := blacklist.NewValue(blacklist.EntryTypeCID, testCID)
	if err := server.blacklist.Add(context.Background(), value); err != nil {
		t.Fatalf("failed to blacklist: %v", err)
	}
	blocked := server.do(t, http.MethodGet, "/ipfs/"+testCID, nil, nil)
	if blocked.Code != http.StatusForbidden || blocked.Body.String() != `{"error":"content_blocked"}` {
		t.Fatalf("expected content_blocked, got %d %s", blocked.Code, blocked.Body.String())
	}

	missing := server.do(t, http.MethodGet, "/ipfs/QmT78zSuBmuS4z925WZfrqQ1qHaJ56DQaTfyMUF7F8ff5o", nil, nil)
	if missing.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", missing.Code)
	}
}

type conflictingLedger struct {
	Ledger
	conflicts int
	calls     int
}

func (l *conflictingLedger) AppendOperation(context.Context, ledger.CNodeUserUUID, ledger.Operation) (int64, error) {
	l.calls++
	if l.calls <= l.conflicts {
		return 0, ledger.ErrConcurrentWriteConflict
	}
	return int64(l.calls), nil
}

func (l *conflictingLedger) FindUser(context.Context, ledger.CNodeUserUUID) (ledger.CNodeUser, error) {
	return ledger.CNodeUser{WalletAddress: testWallet}, nil
}

func TestHandleAppendOperationRetriesClockConflicts(testContext *testing.T) {
	testCases := []struct {
		name      string
		conflicts int
		status    int
		calls     int
	}{
		{name: "recovers", conflicts: 2, status: http.StatusOK, calls: 3},
		{name: "gives up", conflicts: 5, status: http.StatusConflict, calls: 3},
	}
	for _, testCase := range testCases {
		testContext.Run(testCase.name, func(t *testing.T) {
			gin.SetMode(gin.TestMode)
			recorder := httptest.NewRecorder()
			context, _ := gin.CreateTestContext(recorder)
			context.Set(userUUIDContextKey, "0190f3d2-7c4e-7b1a-9d2e-4f5a6b7c8d9e")
			request := httptest.NewRequest(http.MethodPost, "/users/operations", strings.NewReader(`{"type":"track","track_id":"1"}`))
			request.Header.Set("Content-Type", "application/json")
			context.Request = request

			stub := &conflictingLedger{conflicts: testCase.conflicts}
			trigger := &recordingTrigger{}
			handler := &httpHandler{
				ledger:       stub,
				sync:         trigger,
				logger:       zap.NewNop(),
				writeRetries: 3,
			}

			handler.handleAppendOperation(context)

			if recorder.Code != testCase.status {
				t.Fatalf("expected status %d, got %d", testCase.status, recorder.Code)
			}
			if stub.calls != testCase.calls {
				t.Fatalf("expected %d append calls, got %d", testCase.calls, stub.calls)
			}
			if testCase.status == http.StatusOK && len(trigger.triggered()) != 1 {
				t.Fatalf("expected sync trigger after successful write")
			}
		})
	}
}

func TestLoginRequiresGatewayProofOfWallet(t *testing.T) {
	server := newTestServerWith(t, func(deps *Dependencies) {
		deps.LoginRequiresGateway = true
	})
	gatewayHeader := func(subject, role string) map[string]string {
		token, _, err := server.issuer.IssueDelegateToken(context.Background(), subject, role)
		if err != nil {
			t.Fatalf("failed to issue token: %v", err)
		}
		return map[string]string{"Authorization": "Bearer " + token}
	}
	otherWallet := "0x00000000000000000000000000000000000000bb"

	testCases := []struct {
		name    string
		headers map[string]string
		code    int
		body    string
	}{
		{name: "no token", headers: nil, code: http.StatusUnauthorized, body: `{"error":"wallet_proof_required"}`},
		{name: "peer token", headers: gatewayHeader("http://node-2", auth.RolePeer), code: http.StatusUnauthorized, body: `{"error":"wallet_proof_required"}`},
		{name: "other wallet", headers: gatewayHeader(otherWallet, auth.RoleGateway), code: http.StatusForbidden, body: `{"error":"wallet_mismatch"}`},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			recorder := server.do(t, http.MethodPost, "/users/login", walletRequestPayload{Wallet: testWallet}, testCase.headers)
			if recorder.Code != testCase.code || recorder.Body.String() != testCase.body {
				t.Fatalf("unexpected response %d %s", recorder.Code, recorder.Body.String())
			}
		})
	}

	var sessionCount int64
	if err := server.db.Table("session_tokens").Count(&sessionCount).Error; err != nil {
		t.Fatalf("failed to count sessions: %v", err)
	}
	if sessionCount != 0 {
		t.Fatalf("expected no sessions after rejected logins, got %d", sessionCount)
	}

	accepted := server.do(t, http.MethodPost, "/users/login", walletRequestPayload{Wallet: strings.ToUpper(testWallet[:2]) + testWallet[2:]}, gatewayHeader(testWallet, auth.RoleGateway))
	if accepted.Code != http.StatusOK {
		t.Fatalf("expected vouched login to succeed, got %d %s", accepted.Code, accepted.Body.String())
	}
}
