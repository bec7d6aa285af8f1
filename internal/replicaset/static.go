package replicaset

import (
	"context"
	"fmt"
	"slices"
	"sync"
)

// StaticRegistry serves replica sets from configuration. Every wallet starts on the default
// set; reassignment picks the first allowed spare endpoint that is not already a member.
type StaticRegistry struct {
	mu          sync.Mutex
	defaultSet  ReplicaSet
	spares      []string
	assignments map[string]ReplicaSet
}

// NewStaticRegistry validates the default set and constructs the registry.
func NewStaticRegistry(defaultSet ReplicaSet, spares []string) (*StaticRegistry, error) {
	if err := defaultSet.Validate(); err != nil {
		return nil, err
	}
	return &StaticRegistry{
		defaultSet:  defaultSet.Normalize(),
		spares:      NormalizeEndpoints(spares),
		assignments: map[string]ReplicaSet{},
	}, nil
}

// Assign pins a wallet to an explicit replica set.
func (registry *StaticRegistry) Assign(wallet string, set ReplicaSet) error {
	if err := set.Validate(); err != nil {
		return err
	}
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.assignments[normalizeWallet(wallet)] = set.Normalize()
	return nil
}

// ResolveReplicaSet implements Resolver.
func (registry *StaticRegistry) ResolveReplicaSet(_ context.Context, wallet string) (ReplicaSet, error) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	return registry.lookup(normalizeWallet(wallet)), nil
}

// ReassignSecondary implements Resolver.
func (registry *StaticRegistry) ReassignSecondary(_ context.Context, wallet string, failedSecondary string, candidates []string) (ReplicaSet, error) {
	allowed := NormalizeEndpoints(candidates)
	registry.mu.Lock()
	defer registry.mu.Unlock()

	key := normalizeWallet(wallet)
	current := registry.lookup(key)
	for _, spare := range registry.spares {
		if current.Contains(spare) {
			continue
		}
		if len(allowed) > 0 && !slices.Contains(allowed, spare) {
			continue
		}
		updated, err := current.ReplaceSecondary(failedSecondary, spare)
		if err != nil {
			return ReplicaSet{}, err
		}
		registry.assignments[key] = updated
		return updated, nil
	}
	return ReplicaSet{}, fmt.Errorf("%w: wallet %s", ErrNoSpareEndpoint, key)
}

func (registry *StaticRegistry) lookup(wallet string) ReplicaSet {
	if set, ok := registry.assignments[wallet]; ok {
		return set
	}
	return registry.defaultSet
}
