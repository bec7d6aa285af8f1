package ledger

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestRepairClocksIsIdempotent(t *testing.T) {
	db := newTestDatabase(t, "repair")
	core, logs := observer.New(zapcore.InfoLevel)
	service, err := NewService(ServiceConfig{Database: db, Logger: zap.New(core), PageSize: 1})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}

	drifted := mustSeedUser(t, db, testWalletA, 2)
	mustSeedRecords(t, db, drifted, 1, 5)
	healthy := mustSeedUser(t, db, testWalletB, 3)
	mustSeedRecords(t, db, healthy, 1, 3)

	first, err := service.RepairClocks(context.Background())
	if err != nil {
		t.Fatalf("first repair failed: %v", err)
	}
	if first.Scanned != 2 || first.Repaired != 1 {
		t.Fatalf("unexpected first report %#v", first)
	}
	if clock := loadUserClock(t, db, drifted); clock != 5 {
		t.Fatalf("expected drifted clock to be 5, got %d", clock)
	}
	if clock := loadUserClock(t, db, healthy); clock != 3 {
		t.Fatalf("expected healthy clock to stay 3, got %d", clock)
	}
	if logs.FilterMessage("repaired drifted clock").Len() != 1 {
		t.Fatalf("expected one repair log entry, got %v", logs.All())
	}

	second, err := service.RepairClocks(context.Background())
	if err != nil {
		t.Fatalf("second repair failed: %v", err)
	}
	if second.Repaired != 0 {
		t.Fatalf("expected second pass to change nothing, got %#v", second)
	}
}

func TestRepairClocksNeverMovesClockBackward(t *testing.T) {
	db := newTestDatabase(t, "repair-forward")
	service := newTestService(t, db, 0)
	ahead := mustSeedUser(t, db, testWalletA, 9)
	mustSeedRecords(t, db, ahead, 1, 4)

	report, err := service.RepairClocks(context.Background())
	if err != nil {
		t.Fatalf("repair failed: %v", err)
	}
	if report.Repaired != 0 {
		t.Fatalf("expected no repairs, got %#v", report)
	}
	if clock := loadUserClock(t, db, ahead); clock != 9 {
		t.Fatalf("expected clock to stay 9, got %d", clock)
	}
}

func TestRepairClocksCountsGaps(t *testing.T) {
	db := newTestDatabase(t, "repair-gaps")
	service := newTestService(t, db, 0)
	userUUID := mustSeedUser(t, db, testWalletA, 0)
	mustSeedRecords(t, db, userUUID, 1, 2)
	mustSeedRecords(t, db, userUUID, 5, 5)

	report, err := service.RepairClocks(context.Background())
	if err != nil {
		t.Fatalf("repair failed: %v", err)
	}
	if report.Gaps != 1 {
		t.Fatalf("expected one gap, got %#v", report)
	}
}

func TestRepairClocksStopsWhenCancelled(t *testing.T) {
	db := newTestDatabase(t, "repair-cancel")
	service := newTestService(t, db, 0)
	mustSeedUser(t, db, testWalletA, 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := service.RepairClocks(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestRepairClockDriftStatement(t *testing.T) {
	db := newTestDatabase(t, "repair-statement")
	drifted := mustSeedUser(t, db, testWalletA, 1)
	mustSeedRecords(t, db, drifted, 1, 4)
	empty := mustSeedUser(t, db, testWalletB, 0)

	for pass := 0; pass < 2; pass++ {
		if err := RepairClockDrift(db); err != nil {
			t.Fatalf("pass %d failed: %v", pass, err)
		}
	}
	if clock := loadUserClock(t, db, drifted); clock != 4 {
		t.Fatalf("expected clock 4, got %d", clock)
	}
	if clock := loadUserClock(t, db, empty); clock != 0 {
		t.Fatalf("expected user without records to keep clock 0, got %d", clock)
	}
}
