package blacklist

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/contentnode/internal/ledger"
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
	opServiceNew      = "blacklist.service.new"
	opAdd             = "blacklist.add"
	opRemove          = "blacklist.remove"
	opIsBlocked       = "blacklist.is_blocked"
	opList            = "blacklist.list"
	opFilter          = "blacklist.filter"
	reasonMissingDB   = "missing_database"
	reasonInsert      = "insert_failed"
	reasonDelete      = "delete_failed"
	reasonQueryFailed = "query_failed"
	queryTypeValue    = "type = ? AND value = ?"
	queryTypeValueIn  = "type = ? AND value IN ?"
)

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// ServiceConfig describes the dependencies of the blacklist gate.
type ServiceConfig struct {
	Database *gorm.DB
	Logger   *zap.Logger
	// CIDWhitelist lists content identifiers that are never blocked.
	CIDWhitelist []string
}

// Service is the deny-list consulted before any record is synced or content is served.
type Service struct {
	db        *gorm.DB
	logger    *zap.Logger
	whitelist map[string]struct{}
}

// NewService constructs the blacklist service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, reasonMissingDB, errMissingDatabase)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	whitelist := make(map[string]struct{}, len(cfg.CIDWhitelist))
	for _, value := range cfg.CIDWhitelist {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			whitelist[trimmed] = struct{}{}
		}
	}
	return &Service{db: cfg.Database, logger: logger, whitelist: whitelist}, nil
}

// Add inserts the entry; adding an existing entry is a no-op.
func (service *Service) Add(ctx context.Context, value Value) error {
	if service.db == nil {
		return newServiceError(opAdd, reasonMissingDB, errMissingDatabase)
	}
	entry := Entry{Type: value.Type(), Value: value.String()}
	result := service.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&entry)
	if result.Error != nil {
		service.logError(opAdd, reasonInsert, result.Error, zap.String("type", string(value.Type())), zap.String("value", value.String()))
		return newServiceError(opAdd, reasonInsert, result.Error)
	}
	if result.RowsAffected > 0 {
		service.logger.Info("blacklist entry added", zap.String("type", string(value.Type())), zap.String("value", value.String()))
	}
	return nil
}

// Remove deletes the entry; removing an absent entry is a no-op.
func (service *Service) Remove(ctx context.Context, value Value) error {
	if service.db == nil {
		return newServiceError(opRemove, reasonMissingDB, errMissingDatabase)
	}
	result := service.db.WithContext(ctx).
		Where(queryTypeValue, value.Type(), value.String()).
		Delete(&Entry{})
	if result.Error != nil {
		service.logError(opRemove, reasonDelete, result.Error, zap.String("type", string(value.Type())), zap.String("value", value.String()))
		return newServiceError(opRemove, reasonDelete, result.Error)
	}
	if result.RowsAffected > 0 {
		service.logger.Info("blacklist entry removed", zap.String("type", string(value.Type())), zap.String("value", value.String()))
	}
	return nil
}

// IsBlocked reports whether the exact (type, value) pair is on the deny-list.
// Whitelisted CIDs are never blocked.
func (service *Service) IsBlocked(ctx context.Context, entryType EntryType, rawValue string) (bool, error) {
	if service.db == nil {
		return false, newServiceError(opIsBlocked, reasonMissingDB, errMissingDatabase)
	}
	value := strings.TrimSpace(rawValue)
	if value == "" {
		return false, nil
	}
	if entryType == EntryTypeCID && service.isWhitelisted(value) {
		return false, nil
	}
	var count int64
	if err := service.db.WithContext(ctx).
		Model(&Entry{}).
		Where(queryTypeValue, entryType, value).
		Count(&count).Error; err != nil {
		service.logError(opIsBlocked, reasonQueryFailed, err, zap.String("type", string(entryType)), zap.String("value", value))
		return false, newServiceError(opIsBlocked, reasonQueryFailed, err)
	}
	return count > 0, nil
}

// List returns entries of the given type, or all entries when entryType is empty.
func (service *Service) List(ctx context.Context, entryType EntryType) ([]Entry, error) {
	if service.db == nil {
		return nil, newServiceError(opList, reasonMissingDB, errMissingDatabase)
	}
	query := service.db.WithContext(ctx).Order("type ASC, value ASC")
	if entryType != "" {
		query = query.Where("type = ?", entryType)
	}
	var entries []Entry
	if err := query.Find(&entries).Error; err != nil {
		service.logError(opList, reasonQueryFailed, err)
		return nil, newServiceError(opList, reasonQueryFailed, err)
	}
	return entries, nil
}

// FilterResult is the outcome of gating a delta through the blacklist.
type FilterResult struct {
	// Records has the same clocks as the input; excluded records are redacted.
	Records []ledger.ClockRecord
	// Excluded lists the clocks whose content was withheld.
	Excluded []int64
}

// Filter redacts every record whose user, track or CID is blocked. Redacted records keep
// their clock so the receiving log stays contiguous.
func (service *Service) Filter(ctx context.Context, records []ledger.ClockRecord) (FilterResult, error) {
	result := FilterResult{Records: make([]ledger.ClockRecord, 0, len(records))}
	if len(records) == 0 {
		return result, nil
	}
	if service.db == nil {
		return FilterResult{}, newServiceError(opFilter, reasonMissingDB, errMissingDatabase)
	}

	candidates := map[EntryType][]string{}
	for _, record := range records {
		if record.UserID != "" {
			candidates[EntryTypeUser] = append(candidates[EntryTypeUser], record.UserID)
		}
		if record.TrackID != "" {
			candidates[EntryTypeTrack] = append(candidates[EntryTypeTrack], record.TrackID)
		}
		if record.CID != "" && !service.isWhitelisted(record.CID) {
			candidates[EntryTypeCID] = append(candidates[EntryTypeCID], record.CID)
		}
	}

	blocked := map[EntryType]map[string]struct{}{}
	for entryType, values := range candidates {
		var matches []string
		if err := service.db.WithContext(ctx).
			Model(&Entry{}).
			Where(queryTypeValueIn, entryType, values).
			Pluck("value", &matches).Error; err != nil {
			service.logError(opFilter, reasonQueryFailed, err, zap.String("type", string(entryType)))
			return FilterResult{}, newServiceError(opFilter, reasonQueryFailed, err)
		}
		set := make(map[string]struct{}, len(matches))
		for _, match := range matches {
			set[match] = struct{}{}
		}
		blocked[entryType] = set
	}

	for _, record := range records {
		if isRecordBlocked(record, blocked) {
			result.Records = append(result.Records, record.Redact())
			result.Excluded = append(result.Excluded, record.Clock)
			service.logger.Info("record excluded from replication by blacklist",
				zap.String("cnode_user_uuid", record.CNodeUserUUID),
				zap.Int64("clock", record.Clock),
				zap.String("user_id", record.UserID),
				zap.String("track_id", record.TrackID),
				zap.String("cid", record.CID))
			continue
		}
		result.Records = append(result.Records, record)
	}
	return result, nil
}

func isRecordBlocked(record ledger.ClockRecord, blocked map[EntryType]map[string]struct{}) bool {
	if _, ok := blocked[EntryTypeUser][record.UserID]; ok && record.UserID != "" {
		return true
	}
	if _, ok := blocked[EntryTypeTrack][record.TrackID]; ok && record.TrackID != "" {
		return true
	}
	if _, ok := blocked[EntryTypeCID][record.CID]; ok && record.CID != "" {
		return true
	}
	return false
}

func (service *Service) isWhitelisted(value string) bool {
	_, ok := service.whitelist[value]
	return ok
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
	service.logger.Error("blacklist service error", attrs...)
}
