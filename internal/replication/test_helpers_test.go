package replication

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/contentnode/internal/blacklist"
	"github.com/MarcoPoloResearchLab/contentnode/internal/ledger"
	"github.com/MarcoPoloResearchLab/contentnode/internal/peer"
	"github.com/MarcoPoloResearchLab/contentnode/internal/replicaset"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

const (
	testWallet     = "0x00000000000000000000000000000000000000aa"
	testPrimary    = "http://primary"
	testSecondaryA = "http://secondary-a"
	testSecondaryB = "http://secondary-b"
	testSpare      = "http://spare"
)

func openDatabase(t *testing.T, name string) *gorm.DB {
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
	if err := db.AutoMigrate(&ledger.CNodeUser{}, &ledger.ClockRecord{}, &blacklist.Entry{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func newLedger(t *testing.T, db *gorm.DB) *ledger.Service {
	t.Helper()
	service, err := ledger.NewService(ledger.ServiceConfig{Database: db, PageSize: 3})
	if err != nil {
		t.Fatalf("failed to create ledger: %v", err)
	}
	return service
}

// seedPrimary creates the wallet's user on the primary and appends count operations.
func seedPrimary(t *testing.T, primary *ledger.Service, db *gorm.DB, count int) ledger.CNodeUserUUID {
	t.Helper()
	userUUID, err := ledger.GenerateCNodeUserUUID()
	if err != nil {
		t.Fatalf("failed to generate uuid: %v", err)
	}
	if err := db.Create(&ledger.CNodeUser{CNodeUserUUID: userUUID.String(), WalletAddress: testWallet}).Error; err != nil {
		t.Fatalf("failed to seed user: %v", err)
	}
	for index := 1; index <= count; index++ {
		operation := ledger.Operation{Type: ledger.OperationTypeTrack, TrackID: fmt.Sprintf("%d", index), PayloadJSON: fmt.Sprintf(`{"n":%d}`, index)}
		if _, err := primary.AppendOperation(context.Background(), userUUID, operation); err != nil {
			t.Fatalf("append %d failed: %v", index, err)
		}
	}
	return userUUID
}

func mustWallet(t *testing.T) ledger.WalletAddress {
	t.Helper()
	wallet, err := ledger.NewWalletAddress(testWallet)
	if err != nil {
		t.Fatalf("invalid wallet: %v", err)
	}
	return wallet
}

// ledgerPeers routes peer calls straight into secondary ledgers.
type ledgerPeers struct {
	mu         sync.Mutex
	nodes      map[string]*ledger.Service
	failing    map[string]bool
	batches    map[string][][]int64
	forced     map[string]int
	blockClock bool
}

func newLedgerPeers() *ledgerPeers {
	return &ledgerPeers{
		nodes:   map[string]*ledger.Service{},
		failing: map[string]bool{},
		batches: map[string][][]int64{},
		forced:  map[string]int{},
	}
}

func (peers *ledgerPeers) add(endpoint string, node *ledger.Service) {
	peers.mu.Lock()
	defer peers.mu.Unlock()
	peers.nodes[endpoint] = node
}

func (peers *ledgerPeers) failApplies(endpoint string) {
	peers.mu.Lock()
	defer peers.mu.Unlock()
	peers.failing[endpoint] = true
}

func (peers *ledgerPeers) batchesFor(endpoint string) [][]int64 {
	peers.mu.Lock()
	defer peers.mu.Unlock()
	return append([][]int64(nil), peers.batches[endpoint]...)
}

func (peers *ledgerPeers) node(endpoint string) (*ledger.Service, error) {
	peers.mu.Lock()
	defer peers.mu.Unlock()
	node, ok := peers.nodes[endpoint]
	if !ok {
		return nil, fmt.Errorf("%w: %s", peer.ErrPeerUnavailable, endpoint)
	}
	return node, nil
}

func (peers *ledgerPeers) GetClock(ctx context.Context, endpoint string, userUUID ledger.CNodeUserUUID) (int64, error) {
	if peers.blockClock {
		<-ctx.Done()
		return 0, ctx.Err()
	}
	node, err := peers.node(endpoint)
	if err != nil {
		return 0, err
	}
	return node.GetClock(ctx, userUUID)
}

func (peers *ledgerPeers) forcedResyncs(endpoint string) int {
	peers.mu.Lock()
	defer peers.mu.Unlock()
	return peers.forced[endpoint]
}

func (peers *ledgerPeers) Apply(ctx context.Context, endpoint string, userUUID ledger.CNodeUserUUID, wallet ledger.WalletAddress, records []ledger.ClockRecord) (int64, error) {
	return peers.apply(ctx, endpoint, ledger.ApplyRequest{CNodeUserUUID: userUUID, WalletAddress: wallet, Records: records})
}

func (peers *ledgerPeers) ForceResync(ctx context.Context, endpoint string, userUUID ledger.CNodeUserUUID, wallet ledger.WalletAddress, records []ledger.ClockRecord) (int64, error) {
	return peers.apply(ctx, endpoint, ledger.ApplyRequest{CNodeUserUUID: userUUID, WalletAddress: wallet, Records: records, ForceResync: true})
}

func (peers *ledgerPeers) apply(ctx context.Context, endpoint string, request ledger.ApplyRequest) (int64, error) {
	clocks := make([]int64, 0, len(request.Records))
	for _, record := range request.Records {
		clocks = append(clocks, record.Clock)
	}
	peers.mu.Lock()
	peers.batches[endpoint] = append(peers.batches[endpoint], clocks)
	if request.ForceResync {
		peers.forced[endpoint]++
	}
	failing := peers.failing[endpoint]
	peers.mu.Unlock()
	if failing {
		return 0, &peer.StatusError{StatusCode: 503}
	}
	node, err := peers.node(endpoint)
	if err != nil {
		return 0, err
	}
	return node.ApplyOperations(ctx, request)
}

// countingResolver counts reassignments made by the wrapped registry.
type countingResolver struct {
	replicaset.Resolver
	reassignments atomic.Int32

	mu         sync.Mutex
	candidates []string
}

func (resolver *countingResolver) ReassignSecondary(ctx context.Context, wallet string, failed string, candidates []string) (replicaset.ReplicaSet, error) {
	resolver.reassignments.Add(1)
	resolver.mu.Lock()
	resolver.candidates = append([]string(nil), candidates...)
	resolver.mu.Unlock()
	return resolver.Resolver.ReassignSecondary(ctx, wallet, failed, candidates)
}

func (resolver *countingResolver) lastCandidates() []string {
	resolver.mu.Lock()
	defer resolver.mu.Unlock()
	return resolver.candidates
}

func newResolver(t *testing.T, primary string, spares ...string) *countingResolver {
	t.Helper()
	registry, err := replicaset.NewStaticRegistry(replicaset.ReplicaSet{
		Primary:    primary,
		Secondary1: testSecondaryA,
		Secondary2: testSecondaryB,
	}, spares)
	if err != nil {
		t.Fatalf("failed to create registry: %v", err)
	}
	return &countingResolver{Resolver: registry}
}

type testNode struct {
	db          *gorm.DB
	ledger      *ledger.Service
	blacklist   *blacklist.Service
	peers       *ledgerPeers
	resolver    *countingResolver
	coordinator *Coordinator
}

func newTestNode(t *testing.T, mutate func(*Config)) testNode {
	t.Helper()
	db := openDatabase(t, "primary")
	primary := newLedger(t, db)
	filter, err := blacklist.NewService(blacklist.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to create blacklist: %v", err)
	}
	peers := newLedgerPeers()
	resolver := newResolver(t, testPrimary, testSpare)
	cfg := Config{
		NodeEndpoint:     testPrimary,
		Ledger:           primary,
		Filter:           filter,
		Peers:            peers,
		Resolver:         resolver,
		AttemptTimeout:   5 * time.Second,
		RetryAttempts:    1,
		RetryBaseDelay:   time.Millisecond,
		FailureThreshold: 3,
		ReconfigMode:     ReconfigMultipleSecondaries,
		Interval:         10 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	coordinator, err := NewCoordinator(cfg)
	if err != nil {
		t.Fatalf("failed to create coordinator: %v", err)
	}
	return testNode{db: db, ledger: primary, blacklist: filter, peers: peers, resolver: resolver, coordinator: coordinator}
}

func (node testNode) addSecondary(t *testing.T, endpoint string) *ledger.Service {
	t.Helper()
	secondary := newLedger(t, openDatabase(t, "secondary"))
	node.peers.add(endpoint, secondary)
	return secondary
}
