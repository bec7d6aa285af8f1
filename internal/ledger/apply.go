package ledger

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ApplyOperations appends a batch pushed by the primary. The batch must be strictly
// ascending by one and continue the local log; records already present are skipped so
// a retried batch is a no-op. Either the whole remainder is written or nothing is.
//
// A ForceResync request wipes the user's records in the same transaction, so a rejected
// batch leaves the previous copy in place.
func (service *Service) ApplyOperations(ctx context.Context, request ApplyRequest) (int64, error) {
	if service.db == nil {
		service.logError(opApplyOperations, reasonMissingDB, errMissingDatabase)
		return 0, newServiceError(opApplyOperations, reasonMissingDB, errMissingDatabase)
	}
	if err := validateBatch(request.Records); err != nil {
		return 0, newServiceError(opApplyOperations, reasonBatchInvalid, err)
	}

	userUUID := request.CNodeUserUUID
	unlock := service.locks.lock(userUUID)
	defer unlock()

	var appliedThrough int64
	var wipe wipeResult
	transactionError := service.transaction(ctx, func(transaction *gorm.DB) error {
		user, err := service.loadOrCreateUser(transaction, userUUID, request.WalletAddress)
		if err != nil {
			return err
		}
		if request.ForceResync {
			if wipe, err = service.wipeUserLog(transaction, user); err != nil {
				return err
			}
			user.Clock = 0
		}

		tail, err := maxRecordClock(transaction, userUUID)
		if err != nil {
			service.logError(opApplyOperations, reasonTailLookup, err, zap.String(fieldCNodeUserUUID, userUUID.String()))
			return newServiceError(opApplyOperations, reasonTailLookup, err)
		}
		local := max(user.Clock, tail)

		pending := make([]ClockRecord, 0, len(request.Records))
		for _, record := range request.Records {
			if record.Clock <= local {
				continue
			}
			pending = append(pending, record)
		}
		if len(pending) == 0 {
			appliedThrough = local
			return nil
		}
		if pending[0].Clock != local+1 {
			return newServiceError(opApplyOperations, reasonBatchInvalid,
				fmt.Errorf("%w: local clock %d, batch starts at %d", ErrNonContiguousBatch, local, pending[0].Clock))
		}

		now := service.clock().UTC()
		for index := range pending {
			pending[index].CNodeUserUUID = userUUID.String()
			if pending[index].CreatedAt.IsZero() {
				pending[index].CreatedAt = now
			}
		}
		if err := transaction.CreateInBatches(pending, service.pageSize).Error; err != nil {
			if isUniqueViolation(err) {
				return newServiceError(opApplyOperations, reasonConflict, ErrConcurrentWriteConflict)
			}
			service.logError(opApplyOperations, reasonInsertFailed, err, zap.String(fieldCNodeUserUUID, userUUID.String()))
			return newServiceError(opApplyOperations, reasonInsertFailed, err)
		}

		appliedThrough = pending[len(pending)-1].Clock
		updateResult := transaction.Model(&CNodeUser{}).
			Where(queryUserClock, userUUID.String(), user.Clock).
			Updates(map[string]any{columnClock: appliedThrough, "updated_at": now})
		if updateResult.Error != nil {
			service.logError(opApplyOperations, reasonClockUpdate, updateResult.Error, zap.String(fieldCNodeUserUUID, userUUID.String()))
			return newServiceError(opApplyOperations, reasonClockUpdate, updateResult.Error)
		}
		if updateResult.RowsAffected != 1 {
			return newServiceError(opApplyOperations, reasonConflict, ErrConcurrentWriteConflict)
		}
		return nil
	})
	if transactionError != nil {
		return 0, transactionError
	}
	if request.ForceResync {
		service.loggerOrDefault().Warn("wiped replica user for resync",
			zap.String(fieldCNodeUserUUID, userUUID.String()),
			zap.Int64("previous_clock", wipe.previousClock),
			zap.Int64("wiped_records", wipe.records),
			zap.Int64("applied_through", appliedThrough))
	}
	return appliedThrough, nil
}

type wipeResult struct {
	previousClock int64
	records       int64
}

// wipeUserLog deletes every record of the user and rewinds its clock to 0. The user row
// stays so sessions and the uuid survive the resync.
func (service *Service) wipeUserLog(transaction *gorm.DB, user CNodeUser) (wipeResult, error) {
	deleteResult := transaction.Where(queryUserUUID, user.CNodeUserUUID).Delete(&ClockRecord{})
	if deleteResult.Error != nil {
		service.logError(opApplyOperations, reasonWipeFailed, deleteResult.Error, zap.String(fieldCNodeUserUUID, user.CNodeUserUUID))
		return wipeResult{}, newServiceError(opApplyOperations, reasonWipeFailed, deleteResult.Error)
	}
	updateResult := transaction.Model(&CNodeUser{}).
		Where(queryUserClock, user.CNodeUserUUID, user.Clock).
		Updates(map[string]any{columnClock: 0, "updated_at": service.clock().UTC()})
	if updateResult.Error != nil {
		service.logError(opApplyOperations, reasonWipeFailed, updateResult.Error, zap.String(fieldCNodeUserUUID, user.CNodeUserUUID))
		return wipeResult{}, newServiceError(opApplyOperations, reasonWipeFailed, updateResult.Error)
	}
	if updateResult.RowsAffected != 1 {
		return wipeResult{}, newServiceError(opApplyOperations, reasonConflict, ErrConcurrentWriteConflict)
	}
	return wipeResult{previousClock: user.Clock, records: deleteResult.RowsAffected}, nil
}

func (service *Service) loadOrCreateUser(transaction *gorm.DB, userUUID CNodeUserUUID, wallet WalletAddress) (CNodeUser, error) {
	var user CNodeUser
	err := transaction.Where(queryUserUUID, userUUID.String()).Take(&user).Error
	if err == nil {
		if wallet != "" && user.WalletAddress != wallet.String() {
			return CNodeUser{}, newServiceError(opApplyOperations, reasonBatchInvalid, ErrWalletMismatch)
		}
		return user, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		service.logError(opApplyOperations, reasonUserLookup, err, zap.String(fieldCNodeUserUUID, userUUID.String()))
		return CNodeUser{}, newServiceError(opApplyOperations, reasonUserLookup, err)
	}
	if wallet == "" {
		return CNodeUser{}, newServiceError(opApplyOperations, reasonInvalidInput, ErrInvalidWalletAddress)
	}

	user = CNodeUser{
		CNodeUserUUID: userUUID.String(),
		WalletAddress: wallet.String(),
		Clock:         0,
	}
	if err := transaction.Create(&user).Error; err != nil {
		service.logError(opApplyOperations, reasonUserCreate, err,
			zap.String(fieldCNodeUserUUID, userUUID.String()),
			zap.String(fieldWallet, wallet.String()))
		return CNodeUser{}, newServiceError(opApplyOperations, reasonUserCreate, err)
	}
	service.loggerOrDefault().Info("created replica user",
		zap.String(fieldCNodeUserUUID, userUUID.String()),
		zap.String(fieldWallet, wallet.String()))
	return user, nil
}

func validateBatch(records []ClockRecord) error {
	if len(records) == 0 {
		return nil
	}
	first := records[0].Clock
	if first < 1 {
		return fmt.Errorf("%w: clock %d", ErrOutOfOrderBatch, first)
	}
	for index, record := range records {
		if record.Clock != first+int64(index) {
			return fmt.Errorf("%w: position %d has clock %d, want %d", ErrOutOfOrderBatch, index, record.Clock, first+int64(index))
		}
		if err := record.Operation().Validate(); err != nil {
			return err
		}
	}
	return nil
}
