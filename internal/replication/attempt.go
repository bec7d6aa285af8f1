package replication

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/contentnode/internal/ledger"
)

// State is a step of one (user, secondary) sync attempt.
type State string

const (
	// StateIdle is the state of an attempt that has not started.
	StateIdle State = "IDLE"
	// StateComparingClocks reads the primary clock and asks the secondary for its own.
	StateComparingClocks State = "COMPARING_CLOCKS"
	// StateFetchingDelta reads and filters the records the secondary is missing.
	StateFetchingDelta State = "FETCHING_DELTA"
	// StateApplying pushes batches to the secondary.
	StateApplying State = "APPLYING"
	// StateSucceeded means the secondary acknowledged the primary clock.
	StateSucceeded State = "SUCCEEDED"
	// StateFailed means the attempt ended with Attempt.Err set.
	StateFailed State = "FAILED"
)

var (
	// ErrSyncRejected indicates the secondary did not acknowledge the primary's clock.
	ErrSyncRejected = errors.New("replication: sync rejected")
	// ErrSyncTimeout indicates the attempt deadline expired.
	ErrSyncTimeout = errors.New("replication: sync timeout")
	// ErrNotPrimary indicates this node is not the wallet's primary.
	ErrNotPrimary = errors.New("replication: node is not primary")
)

// Attempt records one sync attempt against one secondary.
type Attempt struct {
	Wallet         ledger.WalletAddress
	CNodeUserUUID  ledger.CNodeUserUUID
	Secondary      string
	PrimaryClock   int64
	SecondaryClock int64
	// AppliedThrough is the clock the secondary acknowledged last.
	AppliedThrough int64
	// Excluded lists clocks sent redacted because of the blacklist.
	Excluded    []int64
	Transitions []State
	Err         error
	StartedAt   time.Time
	FinishedAt  time.Time
	// ReplacedBy names the secondary that replaced this one after escalation.
	ReplacedBy string
	// ForcedResync is set when the secondary was ahead and got wiped and resynced from clock 0.
	ForcedResync bool
}

// State returns the latest state of the attempt.
func (attempt *Attempt) State() State {
	if len(attempt.Transitions) == 0 {
		return StateIdle
	}
	return attempt.Transitions[len(attempt.Transitions)-1]
}

func (attempt *Attempt) transition(state State) {
	if attempt.State() == state && len(attempt.Transitions) > 0 {
		return
	}
	attempt.Transitions = append(attempt.Transitions, state)
}

func (attempt *Attempt) fail(err error) {
	attempt.Err = err
	attempt.transition(StateFailed)
}
