package ledger

import (
	"context"
	"errors"
	"iter"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// OperationsSince yields the user's records with clock > sinceClock in ascending order.
// Rows are read lazily page by page; ranging over the sequence again re-reads the log.
func (service *Service) OperationsSince(ctx context.Context, userUUID CNodeUserUUID, sinceClock int64) iter.Seq2[ClockRecord, error] {
	return func(yield func(ClockRecord, error) bool) {
		if service.db == nil {
			yield(ClockRecord{}, newServiceError(opOperationsSince, reasonMissingDB, errMissingDatabase))
			return
		}
		cursor := sinceClock
		for {
			if err := ctx.Err(); err != nil {
				yield(ClockRecord{}, err)
				return
			}
			page, err := service.readPage(ctx, userUUID, cursor, service.pageSize)
			if err != nil {
				service.logError(opOperationsSince, reasonQueryFailed, err, zap.String(fieldCNodeUserUUID, userUUID.String()))
				yield(ClockRecord{}, newServiceError(opOperationsSince, reasonQueryFailed, err))
				return
			}
			for _, record := range page {
				if !yield(record, nil) {
					return
				}
				cursor = record.Clock
			}
			if len(page) < service.pageSize {
				return
			}
		}
	}
}

func (service *Service) readPage(ctx context.Context, userUUID CNodeUserUUID, afterClock int64, limit int) ([]ClockRecord, error) {
	unlock := service.locks.rlock(userUUID)
	defer unlock()

	var records []ClockRecord
	err := service.db.WithContext(ctx).
		Where(queryUserAfter, userUUID.String(), afterClock).
		Order(orderClockAsc).
		Limit(limit).
		Find(&records).Error
	return records, err
}

// ExportSince reads the user's clock and at most limit records after sinceClock
// from one consistent snapshot.
func (service *Service) ExportSince(ctx context.Context, userUUID CNodeUserUUID, sinceClock int64, limit int) (Export, error) {
	if service.db == nil {
		service.logError(opExportSince, reasonMissingDB, errMissingDatabase)
		return Export{}, newServiceError(opExportSince, reasonMissingDB, errMissingDatabase)
	}
	if limit <= 0 {
		limit = service.pageSize
	}

	unlock := service.locks.rlock(userUUID)
	defer unlock()

	export := Export{CNodeUserUUID: userUUID}
	transactionError := service.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		var user CNodeUser
		err := transaction.Where(queryUserUUID, userUUID.String()).Take(&user).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrUserNotFound
		}
		if err != nil {
			service.logError(opExportSince, reasonUserLookup, err, zap.String(fieldCNodeUserUUID, userUUID.String()))
			return newServiceError(opExportSince, reasonUserLookup, err)
		}

		tail, err := maxRecordClock(transaction, userUUID)
		if err != nil {
			service.logError(opExportSince, reasonTailLookup, err, zap.String(fieldCNodeUserUUID, userUUID.String()))
			return newServiceError(opExportSince, reasonTailLookup, err)
		}
		export.WalletAddress = WalletAddress(user.WalletAddress)
		export.Clock = max(user.Clock, tail)

		var records []ClockRecord
		if err := transaction.
			Where(queryUserAfter, userUUID.String(), sinceClock).
			Order(orderClockAsc).
			Limit(limit).
			Find(&records).Error; err != nil {
			service.logError(opExportSince, reasonQueryFailed, err, zap.String(fieldCNodeUserUUID, userUUID.String()))
			return newServiceError(opExportSince, reasonQueryFailed, err)
		}
		export.Records = records
		return nil
	})
	if transactionError != nil {
		return Export{}, transactionError
	}
	return export, nil
}

// Users yields every cnode user ordered by cnodeUserUUID, reading page by page.
func (service *Service) Users(ctx context.Context) iter.Seq2[CNodeUser, error] {
	return func(yield func(CNodeUser, error) bool) {
		if service.db == nil {
			yield(CNodeUser{}, newServiceError(opListUsers, reasonMissingDB, errMissingDatabase))
			return
		}
		lastUUID := ""
		for {
			if err := ctx.Err(); err != nil {
				yield(CNodeUser{}, err)
				return
			}
			users, err := listUsersPage(service.db.WithContext(ctx), lastUUID, service.pageSize)
			if err != nil {
				service.logError(opListUsers, reasonQueryFailed, err)
				yield(CNodeUser{}, newServiceError(opListUsers, reasonQueryFailed, err))
				return
			}
			for _, user := range users {
				if !yield(user, nil) {
					return
				}
			}
			if len(users) < service.pageSize {
				return
			}
			lastUUID = users[len(users)-1].CNodeUserUUID
		}
	}
}

func listUsersPage(database *gorm.DB, afterUUID string, limit int) ([]CNodeUser, error) {
	var users []CNodeUser
	err := database.
		Where("cnode_user_uuid > ?", afterUUID).
		Order("cnode_user_uuid ASC").
		Limit(limit).
		Find(&users).Error
	return users, err
}
