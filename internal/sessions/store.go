package sessions

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/contentnode/internal/ledger"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrSessionNotFound indicates the token is unknown or has expired.
var ErrSessionNotFound = errors.New("sessions: session not found")

var (
	errMissingDatabase = errors.New("database handle is required")
	errInvalidTTL      = errors.New("session ttl must be positive")
	noOpLogger         = zap.NewNop()
)

const (
	tokenBytes      = 32
	queryToken      = "token = ?"
	opNewStore      = "sessions.store.new"
	opCreateSession = "sessions.create"
	opTouch         = "sessions.touch"
	opRevoke        = "sessions.revoke"
	opPurgeExpired  = "sessions.purge_expired"
	opCount         = "sessions.count"
	reasonMissingDB = "missing_database"
	reasonInvalid   = "invalid_config"
	reasonUser      = "user_lookup_failed"
	reasonToken     = "token_generation_failed"
	reasonInsert    = "insert_failed"
	reasonQuery     = "query_failed"
	reasonDelete    = "delete_failed"
	reasonUpdate    = "update_failed"
)

// StoreError carries a stable "<operation>.<reason>" code alongside the cause.
type StoreError struct {
	code string
	err  error
}

func (e *StoreError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *StoreError) Unwrap() error {
	return e.err
}

func (e *StoreError) Code() string {
	return e.code
}

func newStoreError(operation, reason string, cause error) error {
	return &StoreError{code: operation + "." + reason, err: cause}
}

// StoreConfig describes the dependencies of the session store.
type StoreConfig struct {
	Database *gorm.DB
	TTL      time.Duration
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store issues and expires session tokens.
type Store struct {
	db     *gorm.DB
	ttl    time.Duration
	now    func() time.Time
	logger *zap.Logger
}

// NewStore validates the configuration and constructs the store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newStoreError(opNewStore, reasonMissingDB, errMissingDatabase)
	}
	if cfg.TTL <= 0 {
		return nil, newStoreError(opNewStore, reasonInvalid, errInvalidTTL)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{db: cfg.Database, ttl: cfg.TTL, now: clock, logger: logger}, nil
}

// CreateSession issues a fresh token for an existing user.
func (store *Store) CreateSession(ctx context.Context, userUUID ledger.CNodeUserUUID) (string, error) {
	var user ledger.CNodeUser
	err := store.db.WithContext(ctx).Where("cnode_user_uuid = ?", userUUID.String()).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", newStoreError(opCreateSession, reasonUser, ledger.ErrUserNotFound)
	}
	if err != nil {
		store.logError(opCreateSession, reasonUser, err)
		return "", newStoreError(opCreateSession, reasonUser, err)
	}

	token, err := generateToken()
	if err != nil {
		store.logError(opCreateSession, reasonToken, err)
		return "", newStoreError(opCreateSession, reasonToken, err)
	}
	session := SessionToken{
		CNodeUserUUID: user.CNodeUserUUID,
		Token:         token,
		LastUsed:      store.now().UTC(),
	}
	if err := store.db.WithContext(ctx).Create(&session).Error; err != nil {
		store.logError(opCreateSession, reasonInsert, err, zap.String("cnode_user_uuid", user.CNodeUserUUID))
		return "", newStoreError(opCreateSession, reasonInsert, err)
	}
	return token, nil
}

// Touch refreshes last_used and returns the owning user. Absent and expired tokens
// return ErrSessionNotFound; expired tokens are deleted.
func (store *Store) Touch(ctx context.Context, token string) (ledger.CNodeUserUUID, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrSessionNotFound
	}
	var session SessionToken
	err := store.db.WithContext(ctx).Where(queryToken, token).Take(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrSessionNotFound
	}
	if err != nil {
		store.logError(opTouch, reasonQuery, err)
		return "", newStoreError(opTouch, reasonQuery, err)
	}

	now := store.now().UTC()
	if now.Sub(session.LastUsed) > store.ttl {
		if err := store.db.WithContext(ctx).Where(queryToken, token).Delete(&SessionToken{}).Error; err != nil {
			store.logError(opTouch, reasonDelete, err)
			return "", newStoreError(opTouch, reasonDelete, err)
		}
		return "", ErrSessionNotFound
	}
	if err := store.db.WithContext(ctx).
		Model(&SessionToken{}).
		Where(queryToken, token).
		Update("last_used", now).Error; err != nil {
		store.logError(opTouch, reasonUpdate, err)
		return "", newStoreError(opTouch, reasonUpdate, err)
	}
	return ledger.CNodeUserUUID(session.CNodeUserUUID), nil
}

// Revoke deletes the token; revoking an unknown token is a no-op.
func (store *Store) Revoke(ctx context.Context, token string) error {
	if err := store.db.WithContext(ctx).Where(queryToken, strings.TrimSpace(token)).Delete(&SessionToken{}).Error; err != nil {
		store.logError(opRevoke, reasonDelete, err)
		return newStoreError(opRevoke, reasonDelete, err)
	}
	return nil
}

// PurgeExpired removes every token idle for longer than the TTL.
func (store *Store) PurgeExpired(ctx context.Context) (int64, error) {
	cutoff := store.now().UTC().Add(-store.ttl)
	result := store.db.WithContext(ctx).Where("last_used < ?", cutoff).Delete(&SessionToken{})
	if result.Error != nil {
		store.logError(opPurgeExpired, reasonDelete, result.Error)
		return 0, newStoreError(opPurgeExpired, reasonDelete, result.Error)
	}
	if result.RowsAffected > 0 {
		store.logger.Info("purged expired sessions", zap.Int64("removed", result.RowsAffected))
	}
	return result.RowsAffected, nil
}

// CountForUser reports how many sessions reference the user.
func (store *Store) CountForUser(ctx context.Context, userUUID ledger.CNodeUserUUID) (int64, error) {
	var count int64
	if err := store.db.WithContext(ctx).
		Model(&SessionToken{}).
		Where("cnode_user_uuid = ?", userUUID.String()).
		Count(&count).Error; err != nil {
		store.logError(opCount, reasonQuery, err)
		return 0, newStoreError(opCount, reasonQuery, err)
	}
	return count, nil
}

func generateToken() (string, error) {
	buffer := make([]byte, tokenBytes)
	if _, err := rand.Read(buffer); err != nil {
		return "", err
	}
	return hex.EncodeToString(buffer), nil
}

func (store *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	store.logger.Error("session store error", attrs...)
}
