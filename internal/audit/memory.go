package audit

import (
	"context"
	"sync"
)

// InMemory implements Store for tests and dev mode. The mutex makes sequence
// assignment and chain linkage atomic, matching what the Postgres store does
// inside a transaction.
type InMemory struct {
	mu      sync.RWMutex
	records []Record
}

var _ Store = (*InMemory)(nil)

// NewInMemory creates an empty chain.
func NewInMemory() *InMemory {
	return &InMemory{}
}

func (s *InMemory) Append(ctx context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.records) > 0 {
		last := s.records[len(s.records)-1]
		rec.Seq = last.Seq + 1
		rec.PrevHash = last.Hash
	} else {
		rec.Seq = 1
		rec.PrevHash = ""
	}
	rec.Hash = ChainHash(*rec)
	s.records = append(s.records, *rec)
	return nil
}

func (s *InMemory) Last(ctx context.Context) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.records) == 0 {
		return nil, nil
	}
	rec := s.records[len(s.records)-1]
	return &rec, nil
}

func (s *InMemory) List(ctx context.Context, afterSeq uint64, limit int) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Record
	for _, rec := range s.records {
		if rec.Seq <= afterSeq {
			continue
		}
		out = append(out, rec)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// Tamper flips a stored record's metadata in place. Test helper for chain
// verification; a real store has no such operation.
func (s *InMemory) Tamper(seq uint64, action string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.records {
		if s.records[i].Seq == seq {
			s.records[i].Action = action
			return
		}
	}
}
