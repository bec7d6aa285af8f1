package server

import (
	"context"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/contentnode/internal/replication"
)

const (
	// SyncEventAttemptFinished is the SSE event name of a finished sync attempt.
	SyncEventAttemptFinished = "sync-attempt"
	syncEventHeartbeat       = "heartbeat"
	syncEventSource          = "contentnode"
	allWallets               = "*"
)

// SyncEvent is the streamed summary of one finished sync attempt.
type SyncEvent struct {
	EventType      string    `json:"-"`
	Wallet         string    `json:"wallet"`
	Secondary      string    `json:"secondary"`
	State          string    `json:"state"`
	PrimaryClock   int64     `json:"primary_clock"`
	AppliedThrough int64     `json:"applied_through_clock"`
	Excluded       int       `json:"excluded"`
	ReplacedBy     string    `json:"replaced_by,omitempty"`
	ForcedResync   bool      `json:"forced_resync,omitempty"`
	Error          string    `json:"error,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// SyncEventDispatcher fans attempt outcomes out to subscribers of one wallet or of all wallets.
// Slow subscribers miss events instead of blocking the coordinator.
type SyncEventDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*eventSubscriber
	nextID      int64
	bufferSize  int
}

type eventSubscriber struct {
	id     int64
	stream chan SyncEvent
}

// NewSyncEventDispatcher constructs an empty dispatcher.
func NewSyncEventDispatcher() *SyncEventDispatcher {
	return &SyncEventDispatcher{
		subscribers: make(map[string]map[int64]*eventSubscriber),
		bufferSize:  64,
	}
}

// Subscribe streams events of the wallet, or of every wallet when wallet is empty, until
// ctx ends or cleanup runs.
func (d *SyncEventDispatcher) Subscribe(ctx context.Context, wallet string) (<-chan SyncEvent, func()) {
	if wallet == "" {
		wallet = allWallets
	}
	subscriber := &eventSubscriber{
		id:     d.nextSequence(),
		stream: make(chan SyncEvent, d.bufferSize),
	}
	d.registerSubscriber(wallet, subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unregisterSubscriber(wallet, subscriber.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// ObserveAttempt converts an attempt into an event and publishes it.
func (d *SyncEventDispatcher) ObserveAttempt(attempt replication.Attempt) {
	event := SyncEvent{
		EventType:      SyncEventAttemptFinished,
		Wallet:         attempt.Wallet.String(),
		Secondary:      attempt.Secondary,
		State:          string(attempt.State()),
		PrimaryClock:   attempt.PrimaryClock,
		AppliedThrough: attempt.AppliedThrough,
		Excluded:       len(attempt.Excluded),
		ReplacedBy:     attempt.ReplacedBy,
		ForcedResync:   attempt.ForcedResync,
		Timestamp:      attempt.FinishedAt.UTC(),
	}
	if attempt.Err != nil {
		event.Error = attempt.Err.Error()
	}
	d.Publish(event)
}

// Publish delivers the event to subscribers of its wallet and of all wallets. Events
// without a wallet or type are dropped.
func (d *SyncEventDispatcher) Publish(event SyncEvent) {
	if event.Wallet == "" || event.EventType == "" {
		return
	}
	d.mu.RLock()
	copies := make([]*eventSubscriber, 0, len(d.subscribers[event.Wallet])+len(d.subscribers[allWallets]))
	for _, subscriber := range d.subscribers[event.Wallet] {
		copies = append(copies, subscriber)
	}
	for _, subscriber := range d.subscribers[allWallets] {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- event:
		default:
		}
	}
}

func (d *SyncEventDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *SyncEventDispatcher) registerSubscriber(wallet string, subscriber *eventSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[wallet]; !ok {
		d.subscribers[wallet] = make(map[int64]*eventSubscriber)
	}
	d.subscribers[wallet][subscriber.id] = subscriber
}

func (d *SyncEventDispatcher) unregisterSubscriber(wallet string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[wallet]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, wallet)
		}
	}
	d.mu.Unlock()
}
