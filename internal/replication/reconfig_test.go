package replication

import (
	"errors"
	"testing"
)

func TestParseReconfigMode(t *testing.T) {
	testCases := []struct {
		raw  string
		mode ReconfigMode
		err  error
	}{
		{raw: "", mode: ReconfigDisabled},
		{raw: " one_secondary ", mode: ReconfigOneSecondary},
		{raw: "MULTIPLE_SECONDARIES", mode: ReconfigMultipleSecondaries},
		{raw: "primary_and_or_secondaries", mode: ReconfigPrimaryAndOrSecondaries},
		{raw: "RECONFIG_DISABLED", mode: ReconfigDisabled},
		{raw: "ALL", err: ErrInvalidReconfigMode},
	}
	for _, testCase := range testCases {
		t.Run(testCase.raw, func(t *testing.T) {
			mode, err := ParseReconfigMode(testCase.raw)
			if !errors.Is(err, testCase.err) {
				t.Fatalf("expected error %v, got %v", testCase.err, err)
			}
			if mode != testCase.mode {
				t.Fatalf("expected mode %q, got %q", testCase.mode, mode)
			}
		})
	}
}

func TestReconfigModeAllowsLowerModes(t *testing.T) {
	if ReconfigDisabled.Allows(ReconfigDisabled) {
		t.Fatalf("expected disabled mode to allow nothing")
	}
	if !ReconfigOneSecondary.Allows(ReconfigOneSecondary) || ReconfigOneSecondary.Allows(ReconfigMultipleSecondaries) {
		t.Fatalf("expected one secondary to allow only single replacements")
	}
	if !ReconfigPrimaryAndOrSecondaries.Allows(ReconfigMultipleSecondaries) {
		t.Fatalf("expected the widest mode to allow multiple secondaries")
	}
	if ReconfigMode("UNKNOWN").Allows(ReconfigOneSecondary) {
		t.Fatalf("expected unknown modes to allow nothing")
	}
}
