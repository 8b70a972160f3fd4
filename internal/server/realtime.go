package server

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/flashcards/backend/internal/generations"
)

const (
	RealtimeEventGenerationStatus = "generation-status"
	realtimeEventHeartbeat        = "heartbeat"
	realtimeHeartbeatInterval     = 25 * time.Second
	defaultRealtimeBuffer         = 16
)

// RealtimeMessage is one status change pushed to a user's streams.
type RealtimeMessage struct {
	UserID       string
	EventType    string
	GenerationID int64
	Status       generations.Status
	Timestamp    time.Time
}

// RealtimeOption customizes a RealtimeDispatcher.
type RealtimeOption func(*RealtimeDispatcher)

// WithRealtimeBuffer sets the per-subscriber queue length.
func WithRealtimeBuffer(size int) RealtimeOption {
	return func(d *RealtimeDispatcher) {
		if size > 0 {
			d.bufferSize = size
		}
	}
}

// WithRealtimeLogger logs messages dropped for slow subscribers.
func WithRealtimeLogger(logger *zap.Logger) RealtimeOption {
	return func(d *RealtimeDispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithRealtimeClock overrides the event timestamp source.
func WithRealtimeClock(clock func() time.Time) RealtimeOption {
	return func(d *RealtimeDispatcher) {
		if clock != nil {
			d.clock = clock
		}
	}
}

// RealtimeDispatcher fans generation status changes out to per-user subscribers.
// It implements generations.Notifier.
type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]chan RealtimeMessage
	nextID      int64
	bufferSize  int
	clock       func() time.Time
	logger      *zap.Logger
}

func NewRealtimeDispatcher(options ...RealtimeOption) *RealtimeDispatcher {
	dispatcher := &RealtimeDispatcher{
		subscribers: make(map[string]map[int64]chan RealtimeMessage),
		bufferSize:  defaultRealtimeBuffer,
		clock:       time.Now,
		logger:      zap.NewNop(),
	}
	for _, option := range options {
		option(dispatcher)
	}
	return dispatcher
}

// GenerationChanged publishes the generation's current status to its owner.
func (d *RealtimeDispatcher) GenerationChanged(userID string, generation generations.Generation) {
	d.Publish(RealtimeMessage{
		UserID:       userID,
		EventType:    RealtimeEventGenerationStatus,
		GenerationID: generation.ID,
		Status:       generation.Status,
		Timestamp:    d.clock().UTC(),
	})
}

// Subscribe registers a stream for userID. The stream is removed when ctx is
// done or cleanup is called, whichever comes first.
func (d *RealtimeDispatcher) Subscribe(ctx context.Context, userID string) (<-chan RealtimeMessage, func()) {
	if userID == "" {
		closed := make(chan RealtimeMessage)
		close(closed)
		return closed, func() {}
	}

	stream := make(chan RealtimeMessage, d.bufferSize)
	d.mu.Lock()
	d.nextID++
	subscriberID := d.nextID
	if d.subscribers[userID] == nil {
		d.subscribers[userID] = make(map[int64]chan RealtimeMessage)
	}
	d.subscribers[userID][subscriberID] = stream
	d.mu.Unlock()

	var once sync.Once
	cleanup := func() {
		once.Do(func() { d.unsubscribe(userID, subscriberID) })
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return stream, cleanup
}

// Publish delivers message to the user's subscribers. A full subscriber queue
// drops the message for that subscriber only.
func (d *RealtimeDispatcher) Publish(message RealtimeMessage) {
	if message.UserID == "" || message.EventType == "" {
		return
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	for subscriberID, stream := range d.subscribers[message.UserID] {
		select {
		case stream <- message:
		default:
			d.logger.Debug("realtime message dropped",
				zap.String("user_id", message.UserID),
				zap.Int64("subscriber_id", subscriberID),
				zap.Int64("generation_id", message.GenerationID),
				zap.String("status", string(message.Status)))
		}
	}
}

// SubscriberCount reports the open streams for userID.
func (d *RealtimeDispatcher) SubscriberCount(userID string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[userID])
}

func (d *RealtimeDispatcher) unsubscribe(userID string, subscriberID int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	streams := d.subscribers[userID]
	delete(streams, subscriberID)
	if len(streams) == 0 {
		delete(d.subscribers, userID)
	}
}
