package core

import (
	"CurvePool/internal/observability"
	"container/list"
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// CommandLookup answers whether a command id already produced an event in
// durable storage.
type CommandLookup interface {
	IsDuplicate(ctx context.Context, commandID string) (bool, error)
}

// IdempotencyChecker deduplicates command ids: a bounded set of recent ids in
// memory, then the durable lookup for anything older.
type IdempotencyChecker struct {
	mu      sync.Mutex // snapshots read recent off the processor goroutine
	recent  *RecentSet
	durable CommandLookup

	metrics *observability.Metrics
	logger  zerolog.Logger
}

// NewIdempotencyChecker keeps up to capacity recent ids. durable may be nil.
func NewIdempotencyChecker(capacity int, durable CommandLookup, metrics *observability.Metrics, logger zerolog.Logger) *IdempotencyChecker {
	return &IdempotencyChecker{
		recent:  NewRecentSet(capacity),
		durable: durable,
		metrics: metrics,
		logger:  logger,
	}
}

// IsDuplicate reports whether id was already applied. A failed durable
// lookup counts as "not seen"; the unique key on the event log still rejects
// the second write.
func (ic *IdempotencyChecker) IsDuplicate(ctx context.Context, id string) bool {
	ic.mu.Lock()
	hit := ic.recent.Touch(id)
	ic.mu.Unlock()
	if hit {
		ic.duplicate("lru")
		return true
	}
	if ic.durable == nil {
		return false
	}

	seen, err := ic.durable.IsDuplicate(ctx, id)
	if err != nil {
		if ic.metrics != nil {
			ic.metrics.DedupTier2Errors.Inc()
		}
		ic.logger.Warn().Err(err).Str("command_id", id).Msg("durable idempotency lookup failed")
		return false
	}
	if seen {
		ic.duplicate("postgres")
		ic.MarkProcessed(id)
	}
	return seen
}

func (ic *IdempotencyChecker) duplicate(tier string) {
	if ic.metrics != nil {
		ic.metrics.IdempotencyDuplicates.WithLabelValues(tier).Inc()
	}
}

// MarkProcessed records id as applied.
func (ic *IdempotencyChecker) MarkProcessed(id string) {
	ic.mu.Lock()
	ic.recent.Add(id)
	size := ic.recent.Len()
	ic.mu.Unlock()
	if ic.metrics != nil {
		ic.metrics.DedupLRUSize.Set(float64(size))
	}
}

// Warm loads ids captured in a snapshot, oldest first.
func (ic *IdempotencyChecker) Warm(ids []string) {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	for _, id := range ids {
		ic.recent.Add(id)
	}
}

// Keys returns the recent ids, oldest first.
func (ic *IdempotencyChecker) Keys() []string {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	return ic.recent.Oldest()
}

// RecentSet is a bounded set that forgets its least recently used member.
// It is not safe for concurrent use.
type RecentSet struct {
	capacity  int
	index     map[string]*list.Element
	order     *list.List // front is most recent
	evictions int64
}

func NewRecentSet(capacity int) *RecentSet {
	if capacity < 1 {
		capacity = 1
	}
	return &RecentSet{
		capacity: capacity,
		index:    make(map[string]*list.Element),
		order:    list.New(),
	}
}

// Touch reports membership and refreshes the member's recency.
func (s *RecentSet) Touch(id string) bool {
	el, ok := s.index[id]
	if ok {
		s.order.MoveToFront(el)
	}
	return ok
}

// Add inserts id as most recent, evicting the oldest member when full.
func (s *RecentSet) Add(id string) {
	if s.Touch(id) {
		return
	}
	s.index[id] = s.order.PushFront(id)
	if s.order.Len() <= s.capacity {
		return
	}
	oldest := s.order.Back()
	s.order.Remove(oldest)
	delete(s.index, oldest.Value.(string))
	s.evictions++
}

// Oldest lists members from least to most recently used.
func (s *RecentSet) Oldest() []string {
	ids := make([]string, 0, s.order.Len())
	for el := s.order.Back(); el != nil; el = el.Prev() {
		ids = append(ids, el.Value.(string))
	}
	return ids
}

func (s *RecentSet) Len() int { return s.order.Len() }

func (s *RecentSet) Evictions() int64 { return s.evictions }
