// Package audit appends tamper-evident, hash-chained records of every
// security-relevant action. Each record's hash covers its own payload plus the
// previous record's hash, so any retroactive edit is detectable by walking the
// chain. Appends for security-critical actions are synchronous; low-value
// telemetry is batched. Reacting to records (alerting, export) happens through
// subscribers so a slow consumer can never block the write path.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/madfam-io/plinto-sub006/internal/ids"
)

var (
	// ErrChainBroken is a stop-the-world condition: verification found a
	// break and writes are halted until manual reconciliation.
	ErrChainBroken = errors.New("audit: hash chain broken")
	ErrInvalidInput = errors.New("audit: invalid input")
)

// Severity levels. High-severity records always flow to subscribers.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Record is one link of the chain. Seq is assigned by the store, strictly
// monotonic with no gaps. PrevHash and Hash are hex-encoded SHA-256.
type Record struct {
	Seq           uint64            `json:"seq"`
	ID            string            `json:"id"`
	Actor         string            `json:"actor"`
	Action        string            `json:"action"`
	Target        string            `json:"target"`
	Severity      string            `json:"severity"`
	OccurredAt    time.Time         `json:"occurred_at"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	PayloadDigest string            `json:"payload_digest"`
	PrevHash      string            `json:"prev_hash"`
	Hash          string            `json:"hash"`
}

// Store persists chain links. Append must assign Seq, PrevHash, and Hash
// atomically with respect to concurrent appends (the chain admits no forks).
type Store interface {
	Append(ctx context.Context, rec *Record) error
	Last(ctx context.Context) (*Record, error)
	List(ctx context.Context, afterSeq uint64, limit int) ([]Record, error)
}

// Ledger wraps a Store with digest computation, the halt latch, telemetry
// batching, and subscriber fan-out.
type Ledger struct {
	store  Store
	now    func() time.Time
	halted atomic.Bool

	mu     sync.RWMutex
	subs   map[int]chan Record
	nextID int

	telemetry chan Record
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Option configures the Ledger.
type Option func(*Ledger)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(l *Ledger) {
		if fn != nil {
			l.now = fn
		}
	}
}

// NewLedger constructs a Ledger and starts the telemetry flusher.
func NewLedger(store Store, opts ...Option) (*Ledger, error) {
	if store == nil {
		return nil, errors.New("audit: store is required")
	}
	l := &Ledger{
		store:     store,
		now:       time.Now,
		subs:      make(map[int]chan Record),
		telemetry: make(chan Record, 256),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.wg.Add(1)
	go l.flushTelemetry()
	return l, nil
}

// Close stops the telemetry flusher after draining queued records. Safe to
// call more than once.
func (l *Ledger) Close() {
	l.closeOnce.Do(func() { close(l.done) })
	l.wg.Wait()
}

// Append synchronously writes a security-critical record. It fails with
// ErrChainBroken while the ledger is halted.
func (l *Ledger) Append(ctx context.Context, rec Record) (Record, error) {
	if l.halted.Load() {
		return Record{}, ErrChainBroken
	}
	rec.Action = strings.TrimSpace(rec.Action)
	if rec.Action == "" {
		return Record{}, fmt.Errorf("%w: action is required", ErrInvalidInput)
	}
	if rec.ID == "" {
		rec.ID = ids.New()
	}
	if rec.Severity == "" {
		rec.Severity = SeverityInfo
	}
	if rec.OccurredAt.IsZero() {
		rec.OccurredAt = l.now().UTC()
	}
	rec.PayloadDigest = payloadDigest(rec)

	if err := l.store.Append(ctx, &rec); err != nil {
		return Record{}, err
	}
	l.publish(rec)
	return rec, nil
}

// Observe enqueues a low-value telemetry record for batched appends. It never
// blocks; records are dropped when the queue is full or the ledger halted.
func (l *Ledger) Observe(rec Record) {
	if l.halted.Load() {
		return
	}
	select {
	case l.telemetry <- rec:
	default:
	}
}

func (l *Ledger) flushTelemetry() {
	defer l.wg.Done()
	for {
		select {
		case rec := <-l.telemetry:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_, _ = l.Append(ctx, rec)
			cancel()
		case <-l.done:
			for {
				select {
				case rec := <-l.telemetry:
					ctx, cancel := context.WithTimeout(context.Background(), time.Second)
					_, _ = l.Append(ctx, rec)
					cancel()
				default:
					return
				}
			}
		}
	}
}

// Subscribe registers a consumer of appended records. The channel is closed
// when the context ends. Slow subscribers miss records instead of blocking
// appends.
func (l *Ledger) Subscribe(ctx context.Context) <-chan Record {
	ch := make(chan Record, 16)

	l.mu.Lock()
	id := l.nextID
	l.nextID++
	l.subs[id] = ch
	l.mu.Unlock()

	go func() {
		<-ctx.Done()
		l.mu.Lock()
		delete(l.subs, id)
		close(ch)
		l.mu.Unlock()
	}()

	return ch
}

func (l *Ledger) publish(rec Record) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, ch := range l.subs {
		select {
		case ch <- rec:
		default:
			// Drop when subscriber is slow to avoid blocking the write path.
		}
	}
}

// Query returns records after the given sequence number, oldest first.
func (l *Ledger) Query(ctx context.Context, afterSeq uint64, limit int) ([]Record, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	return l.store.List(ctx, afterSeq, limit)
}

// Verify walks the whole chain. On success it returns the last verified
// sequence number; on a broken link it returns the breaking sequence and
// halts all subsequent writes.
func (l *Ledger) Verify(ctx context.Context) (uint64, error) {
	var (
		prevHash string
		prevSeq  uint64
		after    uint64
	)
	for {
		batch, err := l.store.List(ctx, after, 500)
		if err != nil {
			return 0, err
		}
		if len(batch) == 0 {
			return after, nil
		}
		for _, rec := range batch {
			if prevSeq != 0 && rec.Seq != prevSeq+1 {
				l.halted.Store(true)
				return rec.Seq, fmt.Errorf("%w: gap before seq %d", ErrChainBroken, rec.Seq)
			}
			if rec.PrevHash != prevHash {
				l.halted.Store(true)
				return rec.Seq, fmt.Errorf("%w: prev hash mismatch at seq %d", ErrChainBroken, rec.Seq)
			}
			if rec.PayloadDigest != payloadDigest(rec) {
				l.halted.Store(true)
				return rec.Seq, fmt.Errorf("%w: payload tampered at seq %d", ErrChainBroken, rec.Seq)
			}
			if rec.Hash != ChainHash(rec) {
				l.halted.Store(true)
				return rec.Seq, fmt.Errorf("%w: hash mismatch at seq %d", ErrChainBroken, rec.Seq)
			}
			prevHash = rec.Hash
			prevSeq = rec.Seq
			after = rec.Seq
		}
	}
}

// Halted reports whether writes are currently refused.
func (l *Ledger) Halted() bool { return l.halted.Load() }

// Reset clears the halt latch after manual reconciliation.
func (l *Ledger) Reset() { l.halted.Store(false) }

// ChainHash computes the link hash over the record's own fields plus the
// previous record's hash. Stores call this while holding the append lock.
func ChainHash(rec Record) string {
	h := sha256.New()
	fmt.Fprintf(h, "%d\n%s\n%s\n%s\n%s\n%d\n%s\n%s\n",
		rec.Seq, rec.ID, rec.Actor, rec.Action, rec.Target,
		rec.OccurredAt.UnixNano(), rec.PayloadDigest, rec.PrevHash)
	return hex.EncodeToString(h.Sum(nil))
}

// payloadDigest hashes the record payload with metadata keys in stable order.
func payloadDigest(rec Record) string {
	keys := make([]string, 0, len(rec.Metadata))
	for k := range rec.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	fmt.Fprintf(h, "%s\n%s\n%s\n%s\n", rec.Actor, rec.Action, rec.Target, rec.Severity)
	for _, k := range keys {
		b, _ := json.Marshal(map[string]string{k: rec.Metadata[k]})
		h.Write(b)
	}
	return hex.EncodeToString(h.Sum(nil))
}
