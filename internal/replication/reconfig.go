package replication

import (
	"errors"
	"fmt"
	"strings"
)

// ReconfigMode bounds how much of a replica set escalation may replace. Modes are ordered
// and each one allows every replacement the previous one does.
type ReconfigMode string

const (
	// ReconfigDisabled never replaces a secondary.
	ReconfigDisabled ReconfigMode = "RECONFIG_DISABLED"
	// ReconfigOneSecondary replaces a failing secondary only while the other one is healthy.
	ReconfigOneSecondary ReconfigMode = "ONE_SECONDARY"
	// ReconfigMultipleSecondaries also replaces a secondary while the other one is failing.
	ReconfigMultipleSecondaries ReconfigMode = "MULTIPLE_SECONDARIES"
	// ReconfigPrimaryAndOrSecondaries additionally permits primary changes. Escalation only
	// runs on the primary, so on a node it acts like ReconfigMultipleSecondaries.
	ReconfigPrimaryAndOrSecondaries ReconfigMode = "PRIMARY_AND_OR_SECONDARIES"
)

// ErrInvalidReconfigMode indicates an unknown reconfig mode name.
var ErrInvalidReconfigMode = errors.New("replication: invalid reconfig mode")

var reconfigModeRanks = map[ReconfigMode]int{
	ReconfigDisabled:                0,
	ReconfigOneSecondary:            1,
	ReconfigMultipleSecondaries:     2,
	ReconfigPrimaryAndOrSecondaries: 3,
}

// ParseReconfigMode accepts mode names in any case; an empty name selects ReconfigDisabled.
func ParseReconfigMode(raw string) (ReconfigMode, error) {
	mode := ReconfigMode(strings.ToUpper(strings.TrimSpace(raw)))
	if mode == "" {
		return ReconfigDisabled, nil
	}
	if _, ok := reconfigModeRanks[mode]; !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidReconfigMode, raw)
	}
	return mode, nil
}

// Allows reports whether a replacement that needs the required mode may be issued.
func (mode ReconfigMode) Allows(required ReconfigMode) bool {
	rank := reconfigModeRanks[mode]
	return rank > 0 && rank >= reconfigModeRanks[required]
}
