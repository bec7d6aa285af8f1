package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/contentnode/internal/ledger"
	"github.com/MarcoPoloResearchLab/contentnode/internal/sessions"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrUserHasActiveSessions indicates a user cannot be removed while sessions reference it.
	ErrUserHasActiveSessions = errors.New("users: user has active sessions")
	// ErrUserExists indicates a rotation target key is already taken.
	ErrUserExists = errors.New("users: user already exists")
)

var noOpLogger = zap.NewNop()

const (
	queryUserUUID = "cnode_user_uuid = ?"
	queryWallet   = "wallet_address = ?"
)

// ServiceConfig describes the dependencies required for user lifecycle management.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service owns the cnode user row lifecycle: creation on first write, removal and key rotation.
type Service struct {
	db     *gorm.DB
	now    func() time.Time
	logger *zap.Logger
	cache  sync.Map
}

// NewService constructs the user service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:     cfg.Database,
		now:    clock,
		logger: logger,
		cache:  sync.Map{},
	}, nil
}

// EnsureUser returns the cnodeUserUUID for the wallet, creating the user with clock 0 when
// the wallet has not written to this node before.
func (s *Service) EnsureUser(ctx context.Context, wallet ledger.WalletAddress) (ledger.CNodeUserUUID, bool, error) {
	if cached, ok := s.cache.Load(wallet.String()); ok {
		if userUUID, ok := cached.(ledger.CNodeUserUUID); ok {
			return userUUID, false, nil
		}
	}

	var user ledger.CNodeUser
	err := s.db.WithContext(ctx).Where(queryWallet, wallet.String()).Take(&user).Error
	if err == nil {
		s.remember(user)
		return ledger.CNodeUserUUID(user.CNodeUserUUID), false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, fmt.Errorf("users: lookup wallet: %w", err)
	}

	userUUID, err := ledger.GenerateCNodeUserUUID()
	if err != nil {
		return "", false, fmt.Errorf("users: generate uuid: %w", err)
	}
	now := s.now().UTC()
	candidate := ledger.CNodeUser{
		CNodeUserUUID: userUUID.String(),
		WalletAddress: wallet.String(),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "wallet_address"}}, DoNothing: true}).
		Create(&candidate)
	if result.Error != nil {
		return "", false, fmt.Errorf("users: create user: %w", result.Error)
	}
	created := result.RowsAffected == 1

	// A concurrent creator may have won the insert.
	if err := s.db.WithContext(ctx).Where(queryWallet, wallet.String()).Take(&user).Error; err != nil {
		return "", false, fmt.Errorf("users: reload user: %w", err)
	}
	if created {
		s.logger.Info("created cnode user", zap.String("cnode_user_uuid", user.CNodeUserUUID), zap.String("wallet", user.WalletAddress))
	}
	s.remember(user)
	return ledger.CNodeUserUUID(user.CNodeUserUUID), created, nil
}

// DeleteUser removes the user and its clock log. It fails with ErrUserHasActiveSessions
// while session tokens reference the user.
func (s *Service) DeleteUser(ctx context.Context, userUUID ledger.CNodeUserUUID) error {
	var wallet string
	err := s.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		var user ledger.CNodeUser
		err := transaction.Where(queryUserUUID, userUUID.String()).Take(&user).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.ErrUserNotFound
		}
		if err != nil {
			return err
		}
		wallet = user.WalletAddress

		var sessionCount int64
		if err := transaction.Model(&sessions.SessionToken{}).Where(queryUserUUID, userUUID.String()).Count(&sessionCount).Error; err != nil {
			return err
		}
		if sessionCount > 0 {
			return ErrUserHasActiveSessions
		}

		if err := transaction.Where(queryUserUUID, userUUID.String()).Delete(&ledger.ClockRecord{}).Error; err != nil {
			return err
		}
		if err := transaction.Where(queryUserUUID, userUUID.String()).Delete(&ledger.CNodeUser{}).Error; err != nil {
			if isForeignKeyViolation(err) {
				return ErrUserHasActiveSessions
			}
			return err
		}
		return nil
	})
	if err != nil {
		if !errors.Is(err, ErrUserHasActiveSessions) && !errors.Is(err, ledger.ErrUserNotFound) {
			s.logger.Error("user deletion failed", zap.String("cnode_user_uuid", userUUID.String()), zap.Error(err))
		}
		return err
	}
	s.cache.Delete(wallet)
	s.logger.Info("deleted cnode user", zap.String("cnode_user_uuid", userUUID.String()))
	return nil
}

// RotateUserUUID re-keys the user. Sessions and clock records follow through ON UPDATE CASCADE.
func (s *Service) RotateUserUUID(ctx context.Context, oldUUID, newUUID ledger.CNodeUserUUID) error {
	var wallet string
	err := s.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		var user ledger.CNodeUser
		err := transaction.Where(queryUserUUID, oldUUID.String()).Take(&user).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.ErrUserNotFound
		}
		if err != nil {
			return err
		}
		wallet = user.WalletAddress

		var existing int64
		if err := transaction.Model(&ledger.CNodeUser{}).Where(queryUserUUID, newUUID.String()).Count(&existing).Error; err != nil {
			return err
		}
		if existing > 0 {
			return ErrUserExists
		}
		return transaction.Model(&ledger.CNodeUser{}).
			Where(queryUserUUID, oldUUID.String()).
			Updates(map[string]any{"cnode_user_uuid": newUUID.String(), "updated_at": s.now().UTC()}).Error
	})
	if err != nil {
		return err
	}
	s.cache.Delete(wallet)
	s.logger.Info("rotated cnode user uuid", zap.String("old_cnode_user_uuid", oldUUID.String()), zap.String("new_cnode_user_uuid", newUUID.String()))
	return nil
}

func (s *Service) remember(user ledger.CNodeUser) {
	s.cache.Store(user.WalletAddress, ledger.CNodeUserUUID(user.CNodeUserUUID))
}

func isForeignKeyViolation(err error) bool {
	if errors.Is(err, gorm.ErrForeignKeyViolated) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "foreign key constraint")
}
