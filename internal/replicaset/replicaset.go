// Package replicaset resolves which nodes hold a wallet's content: one primary that accepts
// writes and two secondaries that receive replicated state.
package replicaset

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidReplicaSet indicates the set does not name three distinct endpoints.
	ErrInvalidReplicaSet = errors.New("replicaset: invalid replica set")
	// ErrUnknownWallet indicates the registry has no replica set for the wallet.
	ErrUnknownWallet = errors.New("replicaset: unknown wallet")
	// ErrNotASecondary indicates a reassignment named an endpoint that is not a current secondary.
	ErrNotASecondary = errors.New("replicaset: endpoint is not a secondary")
	// ErrNoSpareEndpoint indicates no endpoint is available to replace a failed secondary.
	ErrNoSpareEndpoint = errors.New("replicaset: no spare endpoint")
)

// Resolver maps a wallet to its replica set and replaces unhealthy secondaries. A non-empty
// candidates list restricts which endpoints may become the replacement.
type Resolver interface {
	ResolveReplicaSet(ctx context.Context, wallet string) (ReplicaSet, error)
	ReassignSecondary(ctx context.Context, wallet string, failedSecondary string, candidates []string) (ReplicaSet, error)
}

// ReplicaSet names the primary and the two secondaries of a wallet.
type ReplicaSet struct {
	Primary    string `json:"primary"`
	Secondary1 string `json:"secondary1"`
	Secondary2 string `json:"secondary2"`
}

// NormalizeEndpoint trims whitespace and trailing slashes.
func NormalizeEndpoint(endpoint string) string {
	return strings.TrimRight(strings.TrimSpace(endpoint), "/")
}

// NormalizeEndpoints normalizes every endpoint and drops empty ones.
func NormalizeEndpoints(endpoints []string) []string {
	normalized := make([]string, 0, len(endpoints))
	for _, endpoint := range endpoints {
		if trimmed := NormalizeEndpoint(endpoint); trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	return normalized
}

// Normalize returns the set with every endpoint normalized.
func (set ReplicaSet) Normalize() ReplicaSet {
	return ReplicaSet{
		Primary:    NormalizeEndpoint(set.Primary),
		Secondary1: NormalizeEndpoint(set.Secondary1),
		Secondary2: NormalizeEndpoint(set.Secondary2),
	}
}

// Validate requires three distinct non-empty endpoints.
func (set ReplicaSet) Validate() error {
	normalized := set.Normalize()
	endpoints := []string{normalized.Primary, normalized.Secondary1, normalized.Secondary2}
	seen := make(map[string]struct{}, len(endpoints))
	for _, endpoint := range endpoints {
		if endpoint == "" {
			return fmt.Errorf("%w: empty endpoint", ErrInvalidReplicaSet)
		}
		if _, duplicate := seen[endpoint]; duplicate {
			return fmt.Errorf("%w: duplicate endpoint %s", ErrInvalidReplicaSet, endpoint)
		}
		seen[endpoint] = struct{}{}
	}
	return nil
}

// Secondaries lists the two secondaries in order.
func (set ReplicaSet) Secondaries() []string {
	return []string{set.Secondary1, set.Secondary2}
}

// Contains reports whether the endpoint is any member of the set.
func (set ReplicaSet) Contains(endpoint string) bool {
	endpoint = NormalizeEndpoint(endpoint)
	normalized := set.Normalize()
	return normalized.Primary == endpoint || normalized.Secondary1 == endpoint || normalized.Secondary2 == endpoint
}

// ReplaceSecondary swaps a failed secondary for a replacement.
func (set ReplicaSet) ReplaceSecondary(failed, replacement string) (ReplicaSet, error) {
	failed = NormalizeEndpoint(failed)
	updated := set.Normalize()
	switch failed {
	case updated.Secondary1:
		updated.Secondary1 = NormalizeEndpoint(replacement)
	case updated.Secondary2:
		updated.Secondary2 = NormalizeEndpoint(replacement)
	default:
		return ReplicaSet{}, fmt.Errorf("%w: %s", ErrNotASecondary, failed)
	}
	if err := updated.Validate(); err != nil {
		return ReplicaSet{}, err
	}
	return updated, nil
}

func normalizeWallet(wallet string) string {
	return strings.ToLower(strings.TrimSpace(wallet))
}
