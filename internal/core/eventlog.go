package core

import (
	"CurvePool/internal/event"
	"CurvePool/internal/ledger"
	"CurvePool/internal/observability"
	"context"
	"sync"
	"time"
)

// CoreOutput is one committed event handed to persistence and projections.
type CoreOutput struct {
	Envelope *event.EventEnvelope
	Event    event.Event
	Batch    *ledger.Batch

	// Canonical bytes hashed into Envelope.StateHash
	StateDigest []byte
}

// CommandMeta identifies the command whose effects are being logged.
type CommandMeta struct {
	ID        string
	Timestamp time.Time
	Raw       []byte
}

type commandKey struct{}

// WithCommand attaches command metadata to ctx so events the engine emits
// while serving it carry the command id, timestamp and body.
func WithCommand(ctx context.Context, meta CommandMeta) context.Context {
	return context.WithValue(ctx, commandKey{}, meta)
}

func commandFrom(ctx context.Context) CommandMeta {
	meta, _ := ctx.Value(commandKey{}).(CommandMeta)
	return meta
}

// EventLog is the ordered, hash-chained record of committed state
// transitions. It keeps a bounded window of recent envelopes in memory and
// forwards every entry to the persist and projection channels.
type EventLog struct {
	mu       sync.RWMutex
	sequence int64 // next sequence to assign
	hasher   *StateHasher
	recent   []*event.EventEnvelope
	retain   int
	muted    bool

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput
	metrics        *observability.Metrics
}

const defaultRetain = 4096

// NewEventLog starts a log at startSequence. Either channel may be nil.
func NewEventLog(startSequence int64, persistChan, projectionChan chan<- CoreOutput, metrics *observability.Metrics) *EventLog {
	return &EventLog{
		sequence:       startSequence,
		hasher:         NewStateHasher(),
		retain:         defaultRetain,
		persistChan:    persistChan,
		projectionChan: projectionChan,
		metrics:        metrics,
	}
}

// SetRetain bounds the in-memory window. Values below one keep a single entry.
func (l *EventLog) SetRetain(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n < 1 {
		n = 1
	}
	l.retain = n
	l.trim()
}

// append assigns the next sequence, extends the hash chain and emits. The
// caller serializes appends.
func (l *EventLog) append(ctx context.Context, evt event.Event, payload, digest []byte, batch *ledger.Batch) *event.EventEnvelope {
	meta := commandFrom(ctx)

	l.mu.Lock()
	prev := l.hasher.GetPrevHash()
	env := &event.EventEnvelope{
		Sequence:       l.sequence,
		IdempotencyKey: meta.ID,
		EventType:      evt.EventType(),
		Asset:          evt.PoolAsset(),
		Timestamp:      meta.Timestamp,
		Payload:        payload,
		Command:        meta.Raw,
		StateHash:      l.hasher.ComputeHash(l.sequence, digest),
		PrevHash:       prev,
	}
	l.sequence++
	l.recent = append(l.recent, env)
	l.trim()
	muted := l.muted
	l.mu.Unlock()

	if l.metrics != nil {
		l.metrics.CoreSequence.Set(float64(env.Sequence + 1))
	}
	if muted {
		return env
	}

	out := CoreOutput{Envelope: env, Event: evt, Batch: batch, StateDigest: digest}

	// Persistence: blocking send so no committed event is lost.
	if l.persistChan != nil {
		l.persistChan <- out
	}

	// Projections: drop on full; they rebuild from the event log.
	if l.projectionChan != nil {
		select {
		case l.projectionChan <- out:
		default:
			if l.metrics != nil {
				l.metrics.ProjectionDrops.WithLabelValues("core").Inc()
			}
		}
	}
	return env
}

func (l *EventLog) trim() {
	if over := len(l.recent) - l.retain; over > 0 {
		l.recent = append(l.recent[:0:0], l.recent[over:]...)
	}
}

// NextSequence returns the sequence the next event will receive.
func (l *EventLog) NextSequence() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.sequence
}

// Tip returns the state hash of the last appended event.
func (l *EventLog) Tip() [32]byte {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.hasher.GetPrevHash()
}

// Since returns retained envelopes with sequence >= from, oldest first.
func (l *EventLog) Since(from int64) []*event.EventEnvelope {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*event.EventEnvelope, 0, len(l.recent))
	for _, env := range l.recent {
		if env.Sequence >= from {
			out = append(out, env)
		}
	}
	return out
}

// Last returns the most recent envelope, or nil.
func (l *EventLog) Last() *event.EventEnvelope {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.recent) == 0 {
		return nil
	}
	return l.recent[len(l.recent)-1]
}

// Restore positions the log after a snapshot: nextSequence is assigned to
// the next append and tip becomes the chain's previous hash.
func (l *EventLog) Restore(nextSequence int64, tip [32]byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sequence = nextSequence
	l.hasher.SetPrevHash(tip)
	l.recent = nil
}

// SetMuted stops channel emission while replaying already persisted events.
func (l *EventLog) SetMuted(muted bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.muted = muted
}
