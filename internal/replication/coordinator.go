// Package replication pushes each primary user's clock log to the user's secondaries and
// replaces secondaries that keep failing.
package replication

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"slices"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/contentnode/internal/blacklist"
	"github.com/MarcoPoloResearchLab/contentnode/internal/ledger"
	"github.com/MarcoPoloResearchLab/contentnode/internal/peer"
	"github.com/MarcoPoloResearchLab/contentnode/internal/replicaset"
	"github.com/MarcoPoloResearchLab/contentnode/internal/syncfailures"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	defaultAttemptTimeout   = 2 * time.Minute
	defaultMaxExportRange   = 10000
	defaultRetryAttempts    = 3
	defaultRetryBaseDelay   = 500 * time.Millisecond
	defaultFailureThreshold = 3
	defaultWorkers          = 10
	defaultInterval         = time.Minute
	defaultModuloBase       = 24
	defaultQueueSize        = 1024
	defaultPeerBurst        = 10
)

// Ledger is the primary-side view of the clock ledger.
type Ledger interface {
	FindUserByWallet(ctx context.Context, wallet ledger.WalletAddress) (ledger.CNodeUser, error)
	GetClock(ctx context.Context, userUUID ledger.CNodeUserUUID) (int64, error)
	OperationsSince(ctx context.Context, userUUID ledger.CNodeUserUUID, sinceClock int64) iter.Seq2[ledger.ClockRecord, error]
	Users(ctx context.Context) iter.Seq2[ledger.CNodeUser, error]
}

// ContentFilter redacts blacklisted records before they leave the node.
type ContentFilter interface {
	Filter(ctx context.Context, records []ledger.ClockRecord) (blacklist.FilterResult, error)
}

// PeerClient reaches the sync endpoints of secondaries.
type PeerClient interface {
	GetClock(ctx context.Context, endpoint string, userUUID ledger.CNodeUserUUID) (int64, error)
	Apply(ctx context.Context, endpoint string, userUUID ledger.CNodeUserUUID, wallet ledger.WalletAddress, records []ledger.ClockRecord) (int64, error)
	ForceResync(ctx context.Context, endpoint string, userUUID ledger.CNodeUserUUID, wallet ledger.WalletAddress, records []ledger.ClockRecord) (int64, error)
}

// Config describes the dependencies and tuning of the coordinator.
type Config struct {
	// NodeEndpoint is this node's public endpoint, compared against replica set primaries.
	NodeEndpoint string
	Ledger       Ledger
	Filter       ContentFilter
	Peers        PeerClient
	Resolver     replicaset.Resolver
	Tracker      *syncfailures.Tracker
	Logger       *zap.Logger
	Clock        func() time.Time
	// Observer receives every finished attempt.
	Observer func(Attempt)

	AttemptTimeout   time.Duration
	MaxExportRange   int
	RetryAttempts    int
	RetryBaseDelay   time.Duration
	FailureThreshold int64
	// ReconfigMode bounds escalation; the zero value disables it.
	ReconfigMode ReconfigMode
	// ReconfigNodeWhitelist restricts replacement secondaries; empty allows any endpoint.
	ReconfigNodeWhitelist []string
	// ForceWipeEnabled resyncs a secondary whose clock is ahead of the primary from clock 0.
	ForceWipeEnabled bool
	// PeerRateLimit caps requests per second to one secondary; zero means unlimited.
	PeerRateLimit float64
	PeerBurst     int
	Workers       int
	Interval      time.Duration
	ModuloBase    int
	QueueSize     int
}

// Coordinator runs sync attempts and escalates persistent failures.
type Coordinator struct {
	nodeEndpoint     string
	ledger           Ledger
	filter           ContentFilter
	peers            PeerClient
	resolver         replicaset.Resolver
	tracker          *syncfailures.Tracker
	logger           *zap.Logger
	now              func() time.Time
	observer         func(Attempt)
	attemptTimeout   time.Duration
	maxExportRange   int
	retryAttempts    int
	retryBaseDelay   time.Duration
	failureThreshold int64
	reconfigMode     ReconfigMode
	reconfigAllowed  []string
	forceWipeEnabled bool
	peerRateLimit    rate.Limit
	peerBurst        int
	workers          int
	interval         time.Duration
	moduloBase       int

	limiters   sync.Map
	inflight   sync.Map
	queued     sync.Map
	escalating sync.Map
	queue      chan ledger.WalletAddress
}

// NewCoordinator validates the configuration and constructs the coordinator.
func NewCoordinator(cfg Config) (*Coordinator, error) {
	switch {
	case cfg.Ledger == nil:
		return nil, errors.New("replication: ledger is required")
	case cfg.Peers == nil:
		return nil, errors.New("replication: peer client is required")
	case cfg.Resolver == nil:
		return nil, errors.New("replication: resolver is required")
	}
	reconfigMode, err := ParseReconfigMode(string(cfg.ReconfigMode))
	if err != nil {
		return nil, err
	}
	coordinator := &Coordinator{
		nodeEndpoint:     replicaset.NormalizeEndpoint(cfg.NodeEndpoint),
		ledger:           cfg.Ledger,
		filter:           cfg.Filter,
		peers:            cfg.Peers,
		resolver:         cfg.Resolver,
		tracker:          cfg.Tracker,
		logger:           cfg.Logger,
		now:              cfg.Clock,
		observer:         cfg.Observer,
		attemptTimeout:   positiveDuration(cfg.AttemptTimeout, defaultAttemptTimeout),
		maxExportRange:   positiveInt(cfg.MaxExportRange, defaultMaxExportRange),
		retryAttempts:    positiveInt(cfg.RetryAttempts, defaultRetryAttempts),
		retryBaseDelay:   positiveDuration(cfg.RetryBaseDelay, defaultRetryBaseDelay),
		failureThreshold: cfg.FailureThreshold,
		reconfigMode:     reconfigMode,
		reconfigAllowed:  replicaset.NormalizeEndpoints(cfg.ReconfigNodeWhitelist),
		forceWipeEnabled: cfg.ForceWipeEnabled,
		peerRateLimit:    rate.Inf,
		peerBurst:        positiveInt(cfg.PeerBurst, defaultPeerBurst),
		workers:          positiveInt(cfg.Workers, defaultWorkers),
		interval:         positiveDuration(cfg.Interval, defaultInterval),
		moduloBase:       positiveInt(cfg.ModuloBase, defaultModuloBase),
		queue:            make(chan ledger.WalletAddress, positiveInt(cfg.QueueSize, defaultQueueSize)),
	}
	if coordinator.tracker == nil {
		coordinator.tracker = syncfailures.NewTracker()
	}
	if coordinator.logger == nil {
		coordinator.logger = zap.NewNop()
	}
	if coordinator.now == nil {
		coordinator.now = time.Now
	}
	if coordinator.failureThreshold <= 0 {
		coordinator.failureThreshold = defaultFailureThreshold
	}
	if cfg.PeerRateLimit > 0 {
		coordinator.peerRateLimit = rate.Limit(cfg.PeerRateLimit)
	}
	return coordinator, nil
}

// Tracker exposes the failure counters.
func (c *Coordinator) Tracker() *syncfailures.Tracker {
	return c.tracker
}

// SyncSecondary runs one attempt against the secondary, records the outcome in the failure
// tracker and, once the failure count reaches the threshold, replaces the secondary and syncs
// the replacement.
func (c *Coordinator) SyncSecondary(ctx context.Context, wallet ledger.WalletAddress, secondary string) Attempt {
	attempt := c.attemptAndRecord(ctx, wallet, secondary)
	attempt.ReplacedBy = c.replaceIfFailing(ctx, attempt)
	c.notify(attempt)
	if attempt.ReplacedBy != "" {
		c.notify(c.attemptAndRecord(ctx, wallet, attempt.ReplacedBy))
	}
	return attempt
}

// replaceIfFailing escalates a failed attempt whose pair reached the threshold and returns
// the replacement secondary, or "" when the secondary stays.
func (c *Coordinator) replaceIfFailing(ctx context.Context, attempt Attempt) string {
	if attempt.State() != StateFailed || c.reconfigMode == ReconfigDisabled {
		return ""
	}
	key := syncfailures.Key(attempt.Wallet.String(), attempt.Secondary)
	if c.tracker.FailureCount(key) < c.failureThreshold {
		return ""
	}
	replacement, err := c.escalate(ctx, attempt.Wallet, attempt.Secondary)
	if err != nil {
		c.logger.Error("secondary reassignment failed",
			zap.String("wallet", attempt.Wallet.String()),
			zap.String("secondary", attempt.Secondary),
			zap.Error(err))
		return ""
	}
	return replacement
}

func (c *Coordinator) notify(attempt Attempt) {
	if c.observer != nil {
		c.observer(attempt)
	}
}

func (c *Coordinator) attemptAndRecord(ctx context.Context, wallet ledger.WalletAddress, secondary string) Attempt {
	attempt := c.attempt(ctx, wallet, secondary)
	key := syncfailures.Key(wallet.String(), attempt.Secondary)
	if attempt.State() == StateSucceeded {
		c.tracker.RecordSuccess(key)
		if attempt.AppliedThrough > attempt.SecondaryClock {
			c.logger.Info("secondary synced",
				zap.String("wallet", wallet.String()),
				zap.String("secondary", attempt.Secondary),
				zap.Int64("from_clock", attempt.SecondaryClock),
				zap.Int64("to_clock", attempt.AppliedThrough),
				zap.Int("excluded", len(attempt.Excluded)))
		}
		return attempt
	}
	count := c.tracker.RecordFailure(key)
	c.logger.Warn("sync attempt failed",
		zap.String("wallet", wallet.String()),
		zap.String("secondary", attempt.Secondary),
		zap.Int64("failure_count", count),
		zap.Error(attempt.Err))
	return attempt
}

func (c *Coordinator) attempt(parent context.Context, wallet ledger.WalletAddress, secondary string) Attempt {
	attempt := Attempt{
		Wallet:      wallet,
		Secondary:   replicaset.NormalizeEndpoint(secondary),
		StartedAt:   c.now(),
		Transitions: []State{StateIdle},
	}
	ctx, cancel := context.WithTimeout(parent, c.attemptTimeout)
	defer cancel()

	if err := c.run(ctx, &attempt); err != nil {
		if errors.Is(err, context.DeadlineExceeded) && parent.Err() == nil {
			err = fmt.Errorf("%w: %v", ErrSyncTimeout, err)
		}
		attempt.fail(err)
	} else {
		attempt.transition(StateSucceeded)
	}
	attempt.FinishedAt = c.now()
	return attempt
}

func (c *Coordinator) run(ctx context.Context, attempt *Attempt) error {
	attempt.transition(StateComparingClocks)
	user, err := c.ledger.FindUserByWallet(ctx, attempt.Wallet)
	if errors.Is(err, ledger.ErrUserNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	userUUID := ledger.CNodeUserUUID(user.CNodeUserUUID)
	attempt.CNodeUserUUID = userUUID

	primaryClock, err := c.ledger.GetClock(ctx, userUUID)
	if err != nil {
		return err
	}
	attempt.PrimaryClock = primaryClock

	secondaryClock, err := retryPeerCall(ctx, c, attempt.Secondary, func(callCtx context.Context) (int64, error) {
		return c.peers.GetClock(callCtx, attempt.Secondary, userUUID)
	})
	if err != nil {
		return err
	}
	attempt.SecondaryClock = secondaryClock
	attempt.AppliedThrough = secondaryClock
	sinceClock := secondaryClock
	switch {
	case secondaryClock > primaryClock && c.forceWipeEnabled:
		c.logger.Warn("secondary clock ahead of primary, forcing resync",
			zap.String("wallet", attempt.Wallet.String()),
			zap.String("secondary", attempt.Secondary),
			zap.Int64("primary_clock", primaryClock),
			zap.Int64("secondary_clock", secondaryClock))
		attempt.ForcedResync = true
		sinceClock = 0
	case secondaryClock >= primaryClock:
		return nil
	}

	attempt.transition(StateFetchingDelta)
	forceResync := attempt.ForcedResync
	batch := make([]ledger.ClockRecord, 0, min(int64(c.maxExportRange), primaryClock-sinceClock))
	for record, err := range c.ledger.OperationsSince(ctx, userUUID, sinceClock) {
		if err != nil {
			return err
		}
		if record.Clock > primaryClock {
			break
		}
		batch = append(batch, record)
		if len(batch) < c.maxExportRange {
			continue
		}
		if err := c.pushBatch(ctx, attempt, batch, forceResync); err != nil {
			return err
		}
		forceResync = false
		batch = batch[:0]
		attempt.transition(StateFetchingDelta)
	}
	if len(batch) > 0 || forceResync {
		if err := c.pushBatch(ctx, attempt, batch, forceResync); err != nil {
			return err
		}
	}

	if attempt.AppliedThrough != primaryClock {
		return fmt.Errorf("%w: secondary acknowledged clock %d, primary clock %d", ErrSyncRejected, attempt.AppliedThrough, primaryClock)
	}
	return nil
}

// pushBatch sends one atomic batch; the secondary either applies all of it or none. With
// forceResync the secondary first drops its copy of the user, which an empty batch only wipes.
func (c *Coordinator) pushBatch(ctx context.Context, attempt *Attempt, batch []ledger.ClockRecord, forceResync bool) error {
	records := slices.Clone(batch)
	if c.filter != nil && len(records) > 0 {
		filtered, err := c.filter.Filter(ctx, records)
		if err != nil {
			return err
		}
		records = filtered.Records
		attempt.Excluded = append(attempt.Excluded, filtered.Excluded...)
	}

	attempt.transition(StateApplying)
	lastClock := int64(0)
	if len(records) > 0 {
		lastClock = records[len(records)-1].Clock
	}
	apply := c.peers.Apply
	if forceResync {
		apply = c.peers.ForceResync
	}
	applied, err := retryPeerCall(ctx, c, attempt.Secondary, func(callCtx context.Context) (int64, error) {
		return apply(callCtx, attempt.Secondary, attempt.CNodeUserUUID, attempt.Wallet, records)
	})
	if err != nil {
		return err
	}
	if applied < lastClock || (forceResync && applied != lastClock) {
		return fmt.Errorf("%w: secondary applied through %d of %d", ErrSyncRejected, applied, lastClock)
	}
	attempt.AppliedThrough = applied
	return nil
}

// escalate asks the resolver for a replacement of the failed secondary and returns it.
// The failed pair's counter is reset either way.
func (c *Coordinator) escalate(ctx context.Context, wallet ledger.WalletAddress, failed string) (string, error) {
	key := syncfailures.Key(wallet.String(), failed)
	if _, busy := c.escalating.LoadOrStore(key, struct{}{}); busy {
		return "", nil
	}
	defer c.escalating.Delete(key)

	current, err := c.resolver.ResolveReplicaSet(ctx, wallet.String())
	if err != nil {
		return "", err
	}
	current = current.Normalize()
	if !slices.Contains(current.Secondaries(), failed) {
		c.tracker.Reset(key)
		return "", nil
	}
	if required := c.requiredMode(wallet, current, failed); !c.reconfigMode.Allows(required) {
		c.logger.Info("secondary replacement not allowed by reconfig mode",
			zap.String("wallet", wallet.String()),
			zap.String("failed_secondary", failed),
			zap.String("reconfig_mode", string(c.reconfigMode)),
			zap.String("required_mode", string(required)))
		return "", nil
	}

	updated, err := c.resolver.ReassignSecondary(ctx, wallet.String(), failed, c.reconfigAllowed)
	if err != nil {
		return "", err
	}
	c.tracker.Reset(key)
	for _, secondary := range updated.Normalize().Secondaries() {
		if current.Contains(secondary) {
			continue
		}
		if len(c.reconfigAllowed) > 0 && !slices.Contains(c.reconfigAllowed, secondary) {
			c.logger.Warn("registry chose a replacement outside the reconfig whitelist",
				zap.String("wallet", wallet.String()),
				zap.String("replacement", secondary))
		}
		c.logger.Info("replaced failing secondary",
			zap.String("wallet", wallet.String()),
			zap.String("failed_secondary", failed),
			zap.String("replacement", secondary))
		return secondary, nil
	}
	return "", nil
}

// requiredMode is ReconfigMultipleSecondaries when the wallet's other secondary has also
// reached the failure threshold, ReconfigOneSecondary otherwise.
func (c *Coordinator) requiredMode(wallet ledger.WalletAddress, set replicaset.ReplicaSet, failed string) ReconfigMode {
	for _, secondary := range set.Secondaries() {
		if secondary == failed {
			continue
		}
		if c.tracker.FailureCount(syncfailures.Key(wallet.String(), secondary)) >= c.failureThreshold {
			return ReconfigMultipleSecondaries
		}
	}
	return ReconfigOneSecondary
}

func retryPeerCall[T any](ctx context.Context, c *Coordinator, endpoint string, call func(context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error
	for index := 0; index < c.retryAttempts; index++ {
		if index > 0 {
			timer := time.NewTimer(c.retryBaseDelay << (index - 1))
			select {
			case <-ctx.Done():
				timer.Stop()
				return zero, ctx.Err()
			case <-timer.C:
			}
		}
		if err := c.limiterFor(endpoint).Wait(ctx); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return zero, ctxErr
			}
			return zero, err
		}
		value, err := call(ctx)
		if err == nil {
			return value, nil
		}
		lastErr = err
		if !peer.IsRetryable(err) {
			return zero, err
		}
		c.logger.Debug("retrying peer call", zap.String("endpoint", endpoint), zap.Int("attempt", index+1), zap.Error(err))
	}
	return zero, lastErr
}

func (c *Coordinator) limiterFor(endpoint string) *rate.Limiter {
	if value, ok := c.limiters.Load(endpoint); ok {
		return value.(*rate.Limiter)
	}
	value, _ := c.limiters.LoadOrStore(endpoint, rate.NewLimiter(c.peerRateLimit, c.peerBurst))
	return value.(*rate.Limiter)
}

func positiveInt(value, fallback int) int {
	if value <= 0 {
		return fallback
	}
	return value
}

func positiveDuration(value, fallback time.Duration) time.Duration {
	if value <= 0 {
		return fallback
	}
	return value
}
