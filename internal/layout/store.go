package layout

import (
	"context"
	"sync"

	"dyno/internal/logging"
	"dyno/internal/store"
)

const queueDepth = 64

// Notify is called after a mutation commits so the live connection can
// re-render. Called from the user's mutation worker goroutine.
type Notify func(userID, action string, l Layout)

// MutationResult reports the outcome of one queued mutation.
type MutationResult struct {
	Changed bool
	Layout  Layout
}

type mutation struct {
	action string
	params map[string]any
	reply  chan MutationResult
}

type userQueue struct {
	ch   chan mutation
	once sync.Once
}

// Store serializes layout mutations per user. Mutations for one user
// apply strictly in enqueue order; different users never wait on each
// other. Persistence is best-effort: store failures are logged and
// swallowed.
type Store struct {
	backing *store.Store
	logger  logging.Logger
	notify  Notify

	mu     sync.Mutex
	queues map[string]*userQueue
	closed bool
	wg     sync.WaitGroup
}

// NewStore wraps the durable store. notify may be nil.
func NewStore(backing *store.Store, notify Notify, logger logging.Logger) *Store {
	return &Store{
		backing: backing,
		logger:  logging.OrNop(logger),
		notify:  notify,
		queues:  make(map[string]*userQueue),
	}
}

// Get reads the user's layout, falling back to the default on any miss
// or decode failure.
func (s *Store) Get(ctx context.Context, userID string) Layout {
	raw, err := s.backing.GetLayout(ctx, userID)
	if err != nil {
		return Default()
	}
	l, err := Unmarshal(raw)
	if err != nil {
		s.logger.Warn("layout for %s is corrupt, using default: %v", userID, err)
	}
	return l
}

// Mutate enqueues one reducer action for the user and returns
// immediately. The returned channel receives exactly one result once
// the mutation has committed (or been skipped as a no-op); callers may
// ignore it.
func (s *Store) Mutate(userID, action string, params map[string]any) <-chan MutationResult {
	reply := make(chan MutationResult, 1)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		reply <- MutationResult{}
		return reply
	}
	q, ok := s.queues[userID]
	if !ok {
		q = &userQueue{ch: make(chan mutation, queueDepth)}
		s.queues[userID] = q
		s.wg.Add(1)
		go s.runWorker(userID, q)
	}
	// send under the lock so Close cannot close the channel mid-send;
	// the send never blocks
	select {
	case q.ch <- mutation{action: action, params: params, reply: reply}:
	default:
		// queue overflow: drop rather than block the tool call
		s.logger.Warn("layout queue full for %s, dropping %s", userID, action)
		reply <- MutationResult{}
	}
	s.mu.Unlock()
	return reply
}

// Close drains every queue and stops the workers.
func (s *Store) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for _, q := range s.queues {
		q.once.Do(func() { close(q.ch) })
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Store) runWorker(userID string, q *userQueue) {
	defer s.wg.Done()
	for m := range q.ch {
		s.apply(userID, m)
	}
}

// apply is the serialized read-modify-write: the next mutation's read
// never starts before this one's write has committed.
func (s *Store) apply(userID string, m mutation) {
	ctx := context.Background()

	current := s.Get(ctx, userID)
	next, changed := Apply(current, m.action, m.params)
	if !changed {
		m.reply <- MutationResult{Changed: false, Layout: current}
		return
	}
	next.Version = current.Version + 1

	if raw, err := next.Marshal(); err != nil {
		s.logger.Warn("layout marshal for %s failed: %v", userID, err)
	} else if err := s.backing.SaveLayout(ctx, userID, raw); err != nil {
		s.logger.Warn("layout save for %s failed: %v", userID, err)
	}
	if s.notify != nil {
		s.notify(userID, m.action, next)
	}
	m.reply <- MutationResult{Changed: true, Layout: next}
}
