package ledger

import (
	"context"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// RepairReport summarizes one repair pass.
type RepairReport struct {
	Scanned  int
	Repaired int
	// Gaps counts users whose record count differs from their log tail.
	Gaps int
}

type userTail struct {
	CNodeUserUUID string `gorm:"column:cnode_user_uuid"`
	Tail          int64  `gorm:"column:tail"`
	Records       int64  `gorm:"column:records"`
}

// RepairClocks advances every user clock that trails its log tail. It never moves a
// clock backward, so it is idempotent and safe beside live writers. The pass checks ctx
// between pages; an interrupted pass can simply be run again.
func (service *Service) RepairClocks(ctx context.Context) (RepairReport, error) {
	if service.db == nil {
		service.logError(opRepairClocks, reasonMissingDB, errMissingDatabase)
		return RepairReport{}, newServiceError(opRepairClocks, reasonMissingDB, errMissingDatabase)
	}

	report := RepairReport{}
	database := service.db.WithContext(ctx)
	lastUUID := ""
	for {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		users, err := listUsersPage(database, lastUUID, service.pageSize)
		if err != nil {
			service.logError(opRepairClocks, reasonQueryFailed, err)
			return report, newServiceError(opRepairClocks, reasonQueryFailed, err)
		}
		if len(users) == 0 {
			break
		}

		uuids := make([]string, 0, len(users))
		for _, user := range users {
			uuids = append(uuids, user.CNodeUserUUID)
		}
		var tails []userTail
		if err := database.Model(&ClockRecord{}).
			Select("cnode_user_uuid, MAX(clock) AS tail, COUNT(*) AS records").
			Where("cnode_user_uuid IN ?", uuids).
			Group("cnode_user_uuid").
			Scan(&tails).Error; err != nil {
			service.logError(opRepairClocks, reasonTailLookup, err)
			return report, newServiceError(opRepairClocks, reasonTailLookup, err)
		}
		tailByUser := make(map[string]userTail, len(tails))
		for _, tail := range tails {
			tailByUser[tail.CNodeUserUUID] = tail
		}

		for _, user := range users {
			report.Scanned++
			tail, ok := tailByUser[user.CNodeUserUUID]
			if !ok {
				continue
			}
			if tail.Records != tail.Tail {
				report.Gaps++
				service.loggerOrDefault().Warn("clock log has gaps",
					zap.String(fieldCNodeUserUUID, user.CNodeUserUUID),
					zap.Int64("tail", tail.Tail),
					zap.Int64("records", tail.Records))
			}
			if tail.Tail <= user.Clock {
				continue
			}
			affected, err := healUserClock(database, CNodeUserUUID(user.CNodeUserUUID), tail.Tail)
			if err != nil {
				service.logError(opRepairClocks, reasonClockUpdate, err, zap.String(fieldCNodeUserUUID, user.CNodeUserUUID))
				return report, newServiceError(opRepairClocks, reasonClockUpdate, err)
			}
			if affected > 0 {
				report.Repaired++
				service.loggerOrDefault().Info("repaired drifted clock",
					zap.String(fieldCNodeUserUUID, user.CNodeUserUUID),
					zap.Int64("from", user.Clock),
					zap.Int64("to", tail.Tail))
			}
		}
		lastUUID = users[len(users)-1].CNodeUserUUID
		if len(users) < service.pageSize {
			break
		}
	}
	return report, nil
}

// RepairClockDrift forward-corrects every drifted clock in a single statement.
// It is used as a one-off startup migration.
func RepairClockDrift(database *gorm.DB) error {
	return database.Exec(`UPDATE cnode_users
SET clock = (SELECT MAX(clock_records.clock) FROM clock_records WHERE clock_records.cnode_user_uuid = cnode_users.cnode_user_uuid)
WHERE clock < (SELECT COALESCE(MAX(clock_records.clock), 0) FROM clock_records WHERE clock_records.cnode_user_uuid = cnode_users.cnode_user_uuid)`).Error
}
