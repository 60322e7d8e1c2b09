package progress

import (
	"hash/fnv"
	"log/slog"
	"sync"
)

const (
	shardCount = 32

	// DefaultQueueSize is the per-subscription buffer used when none is given.
	DefaultQueueSize = 64
)

// Conn is the outbound half of a client's notification channel.
type Conn interface {
	WriteEvent(Event) error
}

type shard struct {
	mu   sync.RWMutex
	subs map[string]*Subscription
}

// Registry maps client ids to their notification channel. The map is split
// into shards so register/unregister/send for different clients do not
// serialize on one lock.
type Registry struct {
	shards    [shardCount]*shard
	queueSize int
	logger    *slog.Logger
}

// NewRegistry creates an empty Registry. queueSize bounds how many undelivered
// events each subscription holds before new ones are dropped; <= 0 selects
// DefaultQueueSize. A nil logger falls back to slog.Default().
func NewRegistry(queueSize int, logger *slog.Logger) *Registry {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{queueSize: queueSize, logger: logger}
	for i := range r.shards {
		r.shards[i] = &shard{subs: make(map[string]*Subscription)}
	}
	return r
}

func (r *Registry) shardFor(clientID string) *shard {
	h := fnv.New32a()
	h.Write([]byte(clientID))
	return r.shards[h.Sum32()%shardCount]
}

// Register makes conn the channel for clientID. Any previous subscription for
// the same id is stopped and receives nothing further.
func (r *Registry) Register(clientID string, conn Conn) *Subscription {
	sub := newSubscription(clientID, conn, r.queueSize, r.logger)

	sh := r.shardFor(clientID)
	sh.mu.Lock()
	old := sh.subs[clientID]
	sh.subs[clientID] = sub
	sh.mu.Unlock()

	if old != nil {
		old.stop()
		r.logger.Debug("notification channel replaced", "client_id", clientID)
	}
	go sub.run()
	return sub
}

// Unregister removes whatever channel is registered for clientID.
func (r *Registry) Unregister(clientID string) {
	sh := r.shardFor(clientID)
	sh.mu.Lock()
	sub := sh.subs[clientID]
	delete(sh.subs, clientID)
	sh.mu.Unlock()

	if sub != nil {
		sub.stop()
	}
}

// Release stops sub and removes it from the registry only if it is still the
// current subscription for its client id. A connection that was replaced by a
// newer one therefore cannot evict its successor when it disconnects.
func (r *Registry) Release(sub *Subscription) {
	if sub == nil {
		return
	}
	sh := r.shardFor(sub.clientID)
	sh.mu.Lock()
	if sh.subs[sub.clientID] == sub {
		delete(sh.subs, sub.clientID)
	}
	sh.mu.Unlock()

	sub.stop()
}

// Send queues ev for clientID. It never blocks: the event is dropped when no
// channel is registered or the channel's queue is full.
func (r *Registry) Send(clientID string, ev Event) {
	sh := r.shardFor(clientID)
	sh.mu.RLock()
	sub := sh.subs[clientID]
	sh.mu.RUnlock()

	if sub == nil {
		return
	}
	if !sub.offer(ev) {
		r.logger.Debug("progress event dropped", "client_id", clientID, "status", ev.Status)
	}
}

// Emitter returns an Emitter bound to clientID.
func (r *Registry) Emitter(clientID string) Emitter {
	if clientID == "" {
		return Discard
	}
	return EmitterFunc(func(ev Event) { r.Send(clientID, ev) })
}

// Len reports the number of registered clients.
func (r *Registry) Len() int {
	n := 0
	for _, sh := range r.shards {
		sh.mu.RLock()
		n += len(sh.subs)
		sh.mu.RUnlock()
	}
	return n
}

// Close stops every subscription.
func (r *Registry) Close() {
	for _, sh := range r.shards {
		sh.mu.Lock()
		subs := sh.subs
		sh.subs = make(map[string]*Subscription)
		sh.mu.Unlock()
		for _, sub := range subs {
			sub.stop()
		}
	}
}
