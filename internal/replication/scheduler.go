package replication

import (
	"context"
	"errors"
	"hash/fnv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/contentnode/internal/ledger"
	"github.com/MarcoPoloResearchLab/contentnode/internal/replicaset"
	"github.com/MarcoPoloResearchLab/contentnode/internal/syncfailures"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Trigger queues a sync of every secondary of the wallet. A wallet already waiting in the
// queue is not queued twice; when the queue is full the trigger is dropped and the next
// sweep picks the wallet up. It reports whether the wallet was queued.
func (c *Coordinator) Trigger(wallet ledger.WalletAddress) bool {
	if _, pending := c.queued.LoadOrStore(wallet.String(), struct{}{}); pending {
		return false
	}
	select {
	case c.queue <- wallet:
		return true
	default:
		c.queued.Delete(wallet.String())
		c.logger.Warn("sync queue full, dropping trigger", zap.String("wallet", wallet.String()))
		return false
	}
}

// SyncWallet syncs both secondaries of a wallet whose primary is this node. Secondaries
// with an attempt already in flight are skipped.
func (c *Coordinator) SyncWallet(ctx context.Context, wallet ledger.WalletAddress) ([]Attempt, error) {
	set, err := c.resolver.ResolveReplicaSet(ctx, wallet.String())
	if err != nil {
		c.logger.Warn("replica set lookup failed", zap.String("wallet", wallet.String()), zap.Error(err))
		return nil, err
	}
	if replicaset.NormalizeEndpoint(set.Primary) != c.nodeEndpoint {
		return nil, ErrNotPrimary
	}

	secondaries := set.Normalize().Secondaries()
	attempts := make([]Attempt, len(secondaries))
	ran := make([]bool, len(secondaries))
	var group errgroup.Group
	for index, secondary := range secondaries {
		key := syncfailures.Key(wallet.String(), secondary)
		if _, busy := c.inflight.LoadOrStore(key, struct{}{}); busy {
			c.logger.Debug("sync already in flight", zap.String("wallet", wallet.String()), zap.String("secondary", secondary))
			continue
		}
		group.Go(func() error {
			defer c.inflight.Delete(key)
			attempts[index] = c.SyncSecondary(ctx, wallet, secondary)
			ran[index] = true
			return nil
		})
	}
	_ = group.Wait()

	completed := make([]Attempt, 0, len(attempts))
	for index, attempt := range attempts {
		if ran[index] {
			completed = append(completed, attempt)
		}
	}
	return completed, nil
}

// Sweep queues every local wallet that falls into the given slice of the modulo ring.
func (c *Coordinator) Sweep(ctx context.Context, slice int) (int, error) {
	queued := 0
	for user, err := range c.ledger.Users(ctx) {
		if err != nil {
			return queued, err
		}
		if walletSlice(user.WalletAddress, c.moduloBase) != slice%c.moduloBase {
			continue
		}
		if c.Trigger(ledger.WalletAddress(user.WalletAddress)) {
			queued++
		}
	}
	return queued, nil
}

// Run dispatches queued wallets to a bounded worker pool and sweeps one slice of the
// wallets on every tick until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) error {
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return c.sweepLoop(groupCtx)
	})
	group.Go(func() error {
		return c.dispatch(groupCtx)
	})
	err := group.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (c *Coordinator) dispatch(ctx context.Context) error {
	workers, workerCtx := errgroup.WithContext(ctx)
	workers.SetLimit(c.workers)
	for {
		select {
		case <-ctx.Done():
			_ = workers.Wait()
			return ctx.Err()
		case wallet := <-c.queue:
			c.queued.Delete(wallet.String())
			workers.Go(func() error {
				if _, err := c.SyncWallet(workerCtx, wallet); err != nil && !errors.Is(err, ErrNotPrimary) {
					c.logger.Debug("wallet sync skipped", zap.String("wallet", wallet.String()), zap.Error(err))
				}
				return nil
			})
		}
	}
}

func (c *Coordinator) sweepLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	tick := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			slice := tick % c.moduloBase
			tick++
			queued, err := c.Sweep(ctx, slice)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				c.logger.Error("sync sweep failed", zap.Int("slice", slice), zap.Error(err))
				continue
			}
			c.logger.Debug("sync sweep queued wallets", zap.Int("slice", slice), zap.Int("queued", queued))
		}
	}
}

func walletSlice(wallet string, moduloBase int) int {
	hasher := fnv.New32a()
	_, _ = hasher.Write([]byte(strings.ToLower(wallet)))
	return int(hasher.Sum32() % uint32(moduloBase))
}
