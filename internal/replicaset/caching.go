package replicaset

import (
	"context"
	"time"

	cache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

const (
	defaultCacheTTL      = time.Minute
	cacheCleanupInterval = 2 * time.Minute
)

// CachingResolver memoizes resolved replica sets for a TTL. Reassignment replaces the
// cached entry with the registry's answer.
type CachingResolver struct {
	next   Resolver
	cache  *cache.Cache
	ttl    time.Duration
	logger *zap.Logger
}

// NewCachingResolver wraps next with a TTL cache.
func NewCachingResolver(next Resolver, ttl time.Duration, logger *zap.Logger) *CachingResolver {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CachingResolver{
		next:   next,
		cache:  cache.New(ttl, cacheCleanupInterval),
		ttl:    ttl,
		logger: logger,
	}
}

// ResolveReplicaSet implements Resolver.
func (resolver *CachingResolver) ResolveReplicaSet(ctx context.Context, wallet string) (ReplicaSet, error) {
	key := normalizeWallet(wallet)
	if cached, found := resolver.cache.Get(key); found {
		return cached.(ReplicaSet), nil
	}
	set, err := resolver.next.ResolveReplicaSet(ctx, key)
	if err != nil {
		return ReplicaSet{}, err
	}
	if err := set.Validate(); err != nil {
		resolver.logger.Warn("registry returned invalid replica set", zap.String("wallet", key), zap.Error(err))
		return ReplicaSet{}, err
	}
	set = set.Normalize()
	resolver.cache.Set(key, set, resolver.ttl)
	return set, nil
}

// ReassignSecondary implements Resolver.
func (resolver *CachingResolver) ReassignSecondary(ctx context.Context, wallet string, failedSecondary string, candidates []string) (ReplicaSet, error) {
	key := normalizeWallet(wallet)
	resolver.cache.Delete(key)
	set, err := resolver.next.ReassignSecondary(ctx, key, failedSecondary, candidates)
	if err != nil {
		return ReplicaSet{}, err
	}
	set = set.Normalize()
	resolver.cache.Set(key, set, resolver.ttl)
	resolver.logger.Info("replica set reassigned",
		zap.String("wallet", key),
		zap.String("failed_secondary", NormalizeEndpoint(failedSecondary)),
		zap.String("secondary1", set.Secondary1),
		zap.String("secondary2", set.Secondary2))
	return set, nil
}

// Invalidate drops the cached entry for a wallet.
func (resolver *CachingResolver) Invalidate(wallet string) {
	resolver.cache.Delete(normalizeWallet(wallet))
}
