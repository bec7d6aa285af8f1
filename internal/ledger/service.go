package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

// ServiceError carries a stable "<operation>.<reason>" code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew       = "ledger.service.new"
	opAppendOperation  = "ledger.append_operation"
	opGetClock         = "ledger.get_clock"
	opFindUser         = "ledger.find_user"
	opOperationsSince  = "ledger.operations_since"
	opExportSince      = "ledger.export_since"
	opApplyOperations  = "ledger.apply_operations"
	opRepairClocks     = "ledger.repair_clocks"
	opListUsers        = "ledger.list_users"
	opFindRecord       = "ledger.find_record"
	fieldCNodeUserUUID = "cnode_user_uuid"
	fieldWallet        = "wallet"
	fieldClock         = "clock"
	columnClock        = "clock"
	queryUserUUID      = "cnode_user_uuid = ?"
	queryWallet        = "wallet_address = ?"
	queryUserClock     = "cnode_user_uuid = ? AND clock = ?"
	queryUserAfter     = "cnode_user_uuid = ? AND clock > ?"
	queryLiveCID       = "cid = ? AND redacted = ?"
	orderClockAsc      = "clock ASC"
	reasonMissingDB    = "missing_database"
	reasonInvalidInput = "invalid_input"
	reasonUserLookup   = "user_lookup_failed"
	reasonTailLookup   = "tail_lookup_failed"
	reasonInsertFailed = "record_insert_failed"
	reasonClockUpdate  = "clock_update_failed"
	reasonQueryFailed  = "query_failed"
	reasonConflict     = "concurrent_write_conflict"
	reasonUserCreate   = "user_create_failed"
	reasonBatchInvalid = "batch_invalid"
	reasonWipeFailed   = "wipe_failed"
	defaultPageSize    = 500
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// ServiceConfig describes the dependencies of the clock ledger.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
	// PageSize bounds the number of rows read per query by lazy scans.
	PageSize int
	// TxOptions is passed to every mutating transaction when set.
	TxOptions *sql.TxOptions
}

// Service is the clock ledger: users' clocks and their append-only operation log.
type Service struct {
	db        *gorm.DB
	clock     func() time.Time
	logger    *zap.Logger
	pageSize  int
	txOptions *sql.TxOptions
	locks     *userLocks
}

// NewService validates the configuration and constructs the ledger.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, reasonMissingDB, errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	return &Service{
		db:        cfg.Database,
		clock:     clock,
		logger:    logger,
		pageSize:  pageSize,
		txOptions: cfg.TxOptions,
		locks:     newUserLocks(),
	}, nil
}

// FindUser loads the cnode user row for the identity.
func (service *Service) FindUser(ctx context.Context, userUUID CNodeUserUUID) (CNodeUser, error) {
	if service.db == nil {
		return CNodeUser{}, newServiceError(opFindUser, reasonMissingDB, errMissingDatabase)
	}
	var user CNodeUser
	err := service.db.WithContext(ctx).Where(queryUserUUID, userUUID.String()).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return CNodeUser{}, ErrUserNotFound
	}
	if err != nil {
		service.logError(opFindUser, reasonUserLookup, err, zap.String(fieldCNodeUserUUID, userUUID.String()))
		return CNodeUser{}, newServiceError(opFindUser, reasonUserLookup, err)
	}
	return user, nil
}

// FindRecordByCID returns the newest unredacted record that references the CID.
func (service *Service) FindRecordByCID(ctx context.Context, cid string) (ClockRecord, error) {
	if service.db == nil {
		return ClockRecord{}, newServiceError(opFindRecord, reasonMissingDB, errMissingDatabase)
	}
	cid = strings.TrimSpace(cid)
	if cid == "" {
		return ClockRecord{}, ErrRecordNotFound
	}
	var record ClockRecord
	err := service.db.WithContext(ctx).
		Where(queryLiveCID, cid, false).
		Order("created_at DESC, clock DESC").
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ClockRecord{}, ErrRecordNotFound
	}
	if err != nil {
		service.logError(opFindRecord, reasonQueryFailed, err, zap.String("cid", cid))
		return ClockRecord{}, newServiceError(opFindRecord, reasonQueryFailed, err)
	}
	return record, nil
}

// FindUserByWallet loads the cnode user row for the wallet.
func (service *Service) FindUserByWallet(ctx context.Context, wallet WalletAddress) (CNodeUser, error) {
	if service.db == nil {
		return CNodeUser{}, newServiceError(opFindUser, reasonMissingDB, errMissingDatabase)
	}
	var user CNodeUser
	err := service.db.WithContext(ctx).Where(queryWallet, wallet.String()).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return CNodeUser{}, ErrUserNotFound
	}
	if err != nil {
		service.logError(opFindUser, reasonUserLookup, err, zap.String(fieldWallet, wallet.String()))
		return CNodeUser{}, newServiceError(opFindUser, reasonUserLookup, err)
	}
	return user, nil
}

// AppendOperation writes a ClockRecord at the next clock and advances the user's clock
// to the same value inside one transaction. A lost race returns ErrConcurrentWriteConflict.
func (service *Service) AppendOperation(ctx context.Context, userUUID CNodeUserUUID, operation Operation) (int64, error) {
	if service.db == nil {
		service.logError(opAppendOperation, reasonMissingDB, errMissingDatabase)
		return 0, newServiceError(opAppendOperation, reasonMissingDB, errMissingDatabase)
	}
	if err := operation.Validate(); err != nil {
		return 0, newServiceError(opAppendOperation, reasonInvalidInput, err)
	}

	unlock := service.locks.lock(userUUID)
	defer unlock()

	var newClock int64
	transactionError := service.transaction(ctx, func(transaction *gorm.DB) error {
		var user CNodeUser
		err := transaction.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where(queryUserUUID, userUUID.String()).
			Take(&user).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opAppendOperation, reasonUserLookup, ErrUserNotFound)
		}
		if err != nil {
			service.logError(opAppendOperation, reasonUserLookup, err, zap.String(fieldCNodeUserUUID, userUUID.String()))
			return newServiceError(opAppendOperation, reasonUserLookup, err)
		}

		tail, err := maxRecordClock(transaction, userUUID)
		if err != nil {
			service.logError(opAppendOperation, reasonTailLookup, err, zap.String(fieldCNodeUserUUID, userUUID.String()))
			return newServiceError(opAppendOperation, reasonTailLookup, err)
		}
		base := user.Clock
		if tail > base {
			service.loggerOrDefault().Warn("clock behind log tail during append",
				zap.String(fieldCNodeUserUUID, userUUID.String()),
				zap.Int64(fieldClock, user.Clock),
				zap.Int64("tail", tail))
			base = tail
		}
		newClock = base + 1

		record := ClockRecord{
			CNodeUserUUID: userUUID.String(),
			Clock:         newClock,
			OperationType: operation.Type,
			UserID:        operation.UserID,
			TrackID:       operation.TrackID,
			CID:           operation.CID,
			PayloadJSON:   operation.PayloadJSON,
			CreatedAt:     service.clock().UTC(),
		}
		if err := transaction.Create(&record).Error; err != nil {
			if isUniqueViolation(err) {
				return newServiceError(opAppendOperation, reasonConflict, ErrConcurrentWriteConflict)
			}
			service.logError(opAppendOperation, reasonInsertFailed, err, zap.String(fieldCNodeUserUUID, userUUID.String()))
			return newServiceError(opAppendOperation, reasonInsertFailed, err)
		}

		updateResult := transaction.Model(&CNodeUser{}).
			Where(queryUserClock, userUUID.String(), user.Clock).
			Updates(map[string]any{columnClock: newClock, "updated_at": service.clock().UTC()})
		if updateResult.Error != nil {
			service.logError(opAppendOperation, reasonClockUpdate, updateResult.Error, zap.String(fieldCNodeUserUUID, userUUID.String()))
			return newServiceError(opAppendOperation, reasonClockUpdate, updateResult.Error)
		}
		if updateResult.RowsAffected != 1 {
			return newServiceError(opAppendOperation, reasonConflict, ErrConcurrentWriteConflict)
		}
		return nil
	})
	if transactionError != nil {
		return 0, transactionError
	}
	return newClock, nil
}

// GetClock returns the user's clock, or 0 when the user has no row on this node.
// A stored clock that trails the log tail is healed forward before returning.
func (service *Service) GetClock(ctx context.Context, userUUID CNodeUserUUID) (int64, error) {
	if service.db == nil {
		service.logError(opGetClock, reasonMissingDB, errMissingDatabase)
		return 0, newServiceError(opGetClock, reasonMissingDB, errMissingDatabase)
	}

	unlock := service.locks.rlock(userUUID)
	defer unlock()

	database := service.db.WithContext(ctx)
	var user CNodeUser
	err := database.Where(queryUserUUID, userUUID.String()).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		service.logError(opGetClock, reasonUserLookup, err, zap.String(fieldCNodeUserUUID, userUUID.String()))
		return 0, newServiceError(opGetClock, reasonUserLookup, err)
	}

	tail, err := maxRecordClock(database, userUUID)
	if err != nil {
		service.logError(opGetClock, reasonTailLookup, err, zap.String(fieldCNodeUserUUID, userUUID.String()))
		return 0, newServiceError(opGetClock, reasonTailLookup, err)
	}
	if tail <= user.Clock {
		return user.Clock, nil
	}

	if _, err := healUserClock(database, userUUID, tail); err != nil {
		service.logError(opGetClock, reasonClockUpdate, err, zap.String(fieldCNodeUserUUID, userUUID.String()))
		return 0, newServiceError(opGetClock, reasonClockUpdate, err)
	}
	service.loggerOrDefault().Warn("healed clock behind log tail",
		zap.String(fieldCNodeUserUUID, userUUID.String()),
		zap.Int64(fieldClock, user.Clock),
		zap.Int64("tail", tail))
	return tail, nil
}

func (service *Service) transaction(ctx context.Context, fn func(*gorm.DB) error) error {
	if service.txOptions != nil {
		return service.db.WithContext(ctx).Transaction(fn, service.txOptions)
	}
	return service.db.WithContext(ctx).Transaction(fn)
}

func maxRecordClock(database *gorm.DB, userUUID CNodeUserUUID) (int64, error) {
	var tail sql.NullInt64
	err := database.Model(&ClockRecord{}).
		Select("MAX(clock)").
		Where(queryUserUUID, userUUID.String()).
		Scan(&tail).Error
	if err != nil {
		return 0, err
	}
	if !tail.Valid {
		return 0, nil
	}
	return tail.Int64, nil
}

// healUserClock only ever moves a clock forward.
func healUserClock(database *gorm.DB, userUUID CNodeUserUUID, target int64) (int64, error) {
	result := database.Model(&CNodeUser{}).
		Where("cnode_user_uuid = ? AND clock < ?", userUUID.String(), target).
		Update(columnClock, target)
	return result.RowsAffected, result.Error
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	message := strings.ToLower(err.Error())
	return strings.Contains(message, "unique constraint") || strings.Contains(message, "duplicate key")
}

func (service *Service) loggerOrDefault() *zap.Logger {
	if service == nil || service.logger == nil {
		return noOpLogger
	}
	return service.logger
}

func (service *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	service.loggerOrDefault().Error("ledger service error", attrs...)
}
