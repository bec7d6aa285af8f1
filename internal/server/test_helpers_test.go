package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/contentnode/internal/auth"
	"github.com/MarcoPoloResearchLab/contentnode/internal/blacklist"
	"github.com/MarcoPoloResearchLab/contentnode/internal/database"
	"github.com/MarcoPoloResearchLab/contentnode/internal/ledger"
	"github.com/MarcoPoloResearchLab/contentnode/internal/sessions"
	"github.com/MarcoPoloResearchLab/contentnode/internal/users"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	testWallet        = "0x00000000000000000000000000000000000000aa"
	testSigningSecret = "test-signing-secret"
	testAudience      = "contentnode-peers"
	testCID           = "QmYwAPJzv5CZsnA625s3Xf2nemtYgPpHdWEz79ojWnPbdG"
)

type recordingTrigger struct {
	mu      sync.Mutex
	wallets []string
}

func (trigger *recordingTrigger) Trigger(wallet ledger.WalletAddress) bool {
	trigger.mu.Lock()
	defer trigger.mu.Unlock()
	trigger.wallets = append(trigger.wallets, wallet.String())
	return true
}

func (trigger *recordingTrigger) triggered() []string {
	trigger.mu.Lock()
	defer trigger.mu.Unlock()
	return append([]string(nil), trigger.wallets...)
}

type testServer struct {
	db        *gorm.DB
	ledger    *ledger.Service
	blacklist *blacklist.Service
	issuer    *auth.TokenIssuer
	trigger   *recordingTrigger
	events    *SyncEventDispatcher
	handler   http.Handler
}

func newTestServer(t *testing.T) testServer {
	t.Helper()
	return newTestServerWith(t, nil)
}

func newTestServerWith(t *testing.T, mutate func(*Dependencies)) testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "server.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	ledgerService, err := ledger.NewService(ledger.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to create ledger: %v", err)
	}
	userService, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to create users: %v", err)
	}
	sessionStore, err := sessions.NewStore(sessions.StoreConfig{Database: db, TTL: time.Hour})
	if err != nil {
		t.Fatalf("failed to create session store: %v", err)
	}
	blacklistService, err := blacklist.NewService(blacklist.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to create blacklist: %v", err)
	}
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        "http://node-1",
		Audience:      testAudience,
		TokenTTL:      time.Minute,
	})
	if err != nil {
		t.Fatalf("failed to create issuer: %v", err)
	}
	validator, err := auth.NewDelegateValidator(auth.DelegateValidatorConfig{
		SigningSecret: []byte(testSigningSecret),
		Audience:      testAudience,
	})
	if err != nil {
		t.Fatalf("failed to create validator: %v", err)
	}

	trigger := &recordingTrigger{}
	events := NewSyncEventDispatcher()
	deps := Dependencies{
		Ledger:         ledgerService,
		Users:          userService,
		Sessions:       sessionStore,
		Blacklist:      blacklistService,
		Delegates:      validator,
		Sync:           trigger,
		Events:         events,
		MaxExportRange: 4,
	}
	if mutate != nil {
		mutate(&deps)
	}
	handler, err := NewHTTPHandler(deps)
	if err != nil {
		t.Fatalf("failed to construct handler: %v", err)
	}
	return testServer{
		db:        db,
		ledger:    ledgerService,
		blacklist: blacklistService,
		issuer:    issuer,
		trigger:   trigger,
		events:    events,
		handler:   handler,
	}
}

func (server testServer) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	request := httptest.NewRequest(method, path, reader)
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	for key, value := range headers {
		request.Header.Set(key, value)
	}
	recorder := httptest.NewRecorder()
	server.handler.ServeHTTP(recorder, request)
	return recorder
}

func (server testServer) delegateHeader(t *testing.T, role string) map[string]string {
	t.Helper()
	token, _, err := server.issuer.IssueDelegateToken(context.Background(), "http://node-2", role)
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + token}
}

func (server testServer) login(t *testing.T) (string, string) {
	t.Helper()
	recorder := server.do(t, http.MethodPost, "/users/login", walletRequestPayload{Wallet: testWallet}, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("login failed: %d %s", recorder.Code, recorder.Body.String())
	}
	var response loginResponsePayload
	decodeBody(t, recorder, &response)
	return response.SessionToken, response.CNodeUserUUID
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), out); err != nil {
		t.Fatalf("failed to decode body %q: %v", recorder.Body.String(), err)
	}
}
