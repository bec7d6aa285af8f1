package ledger

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

const (
	testWalletA = "0x00000000000000000000000000000000000000aa"
	testWalletB = "0x00000000000000000000000000000000000000bb"
)

func newTestDatabase(t *testing.T, name string) *gorm.DB {
	t.Helper()
	databasePath := filepath.Join(t.TempDir(), name+".db")
	db, err := gorm.Open(sqlite.Open(databasePath+"?_pragma=foreign_keys(1)"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.Exec("PRAGMA foreign_keys = ON").Error; err != nil {
		t.Fatalf("failed to enable foreign keys: %v", err)
	}
	if err := db.AutoMigrate(&CNodeUser{}, &ClockRecord{}); err != nil {
		t.Fatalf("failed to migrate ledger schema: %v", err)
	}
	return db
}

func newTestService(t *testing.T, db *gorm.DB, pageSize int) *Service {
	t.Helper()
	service, err := NewService(ServiceConfig{
		Database: db,
		Clock: func() time.Time {
			return time.Unix(1700000000, 0)
		},
		PageSize: pageSize,
	})
	if err != nil {
		t.Fatalf("failed to create ledger service: %v", err)
	}
	return service
}

func mustSeedUser(t *testing.T, db *gorm.DB, wallet string, clock int64) CNodeUserUUID {
	t.Helper()
	userUUID, err := GenerateCNodeUserUUID()
	if err != nil {
		t.Fatalf("failed to generate uuid: %v", err)
	}
	user := CNodeUser{CNodeUserUUID: userUUID.String(), WalletAddress: wallet, Clock: clock}
	if err := db.Create(&user).Error; err != nil {
		t.Fatalf("failed to seed user: %v", err)
	}
	return userUUID
}

func mustSeedRecords(t *testing.T, db *gorm.DB, userUUID CNodeUserUUID, from, through int64) {
	t.Helper()
	for clock := from; clock <= through; clock++ {
		record := ClockRecord{
			CNodeUserUUID: userUUID.String(),
			Clock:         clock,
			OperationType: OperationTypeTrack,
			TrackID:       fmt.Sprintf("%d", clock),
		}
		if err := db.Create(&record).Error; err != nil {
			t.Fatalf("failed to seed record %d: %v", clock, err)
		}
	}
}

func mustAppend(t *testing.T, service *Service, userUUID CNodeUserUUID, count int) {
	t.Helper()
	for index := 0; index < count; index++ {
		operation := Operation{
			Type:        OperationTypeTrack,
			TrackID:     fmt.Sprintf("%d", index+1),
			PayloadJSON: fmt.Sprintf(`{"title":"track %d"}`, index+1),
		}
		if _, err := service.AppendOperation(context.Background(), userUUID, operation); err != nil {
			t.Fatalf("append %d failed: %v", index, err)
		}
	}
}

func loadRecordClocks(t *testing.T, db *gorm.DB, userUUID CNodeUserUUID) []int64 {
	t.Helper()
	var clocks []int64
	if err := db.Model(&ClockRecord{}).
		Where("cnode_user_uuid = ?", userUUID.String()).
		Order("clock ASC").
		Pluck("clock", &clocks).Error; err != nil {
		t.Fatalf("failed to load clocks: %v", err)
	}
	return clocks
}

func loadUserClock(t *testing.T, db *gorm.DB, userUUID CNodeUserUUID) int64 {
	t.Helper()
	var user CNodeUser
	if err := db.Where("cnode_user_uuid = ?", userUUID.String()).Take(&user).Error; err != nil {
		t.Fatalf("failed to load user: %v", err)
	}
	return user.Clock
}
