package queue

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/WedSync/sync-engine/pkg/conflict"
)

// MemoryStore keeps the queue in process memory. It backs tests and
// ephemeral embedders that can afford to lose queued writes on exit.
// Thread-safe via RWMutex.
type MemoryStore struct {
	mu      sync.RWMutex
	nextSeq int64
	actions map[string]*Action
	dead    map[string]*DeadLetter
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		actions: make(map[string]*Action),
		dead:    make(map[string]*DeadLetter),
	}
}

func (s *MemoryStore) Enqueue(ctx context.Context, a *Action) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSeq++
	cp := *a
	cp.Seq = s.nextSeq
	cp.Status = StatusPending
	s.actions[cp.ID] = &cp
	a.Seq = cp.Seq
	a.Status = cp.Status
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Action, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.actions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) Pending(ctx context.Context, limit int) ([]*Action, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Action
	for _, a := range s.actions {
		if a.Status == StatusPending {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Conflicted(ctx context.Context) ([]*Action, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Action
	for _, a := range s.actions {
		if a.Status == StatusConflicted {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (s *MemoryStore) Claim(ctx context.Context, id string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.actions[id]
	if !ok || a.Status != StatusPending {
		return false, nil
	}
	a.Status = StatusInFlight
	a.LastAttemptAt = at
	return true, nil
}

func (s *MemoryStore) Complete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.actions[id]; !ok {
		return ErrNotFound
	}
	delete(s.actions, id)
	return nil
}

func (s *MemoryStore) Fail(ctx context.Context, id string, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.actions[id]
	if !ok {
		return 0, ErrNotFound
	}
	a.Status = StatusPending
	a.Attempts++
	a.LastAttemptAt = at
	return a.Attempts, nil
}

func (s *MemoryStore) Release(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.actions[id]
	if !ok {
		return ErrNotFound
	}
	a.Status = StatusPending
	return nil
}

func (s *MemoryStore) MarkConflicted(ctx context.Context, id string, remote json.RawMessage, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.actions[id]
	if !ok {
		return ErrNotFound
	}
	a.Status = StatusConflicted
	a.Remote = append(json.RawMessage(nil), remote...)
	a.LastAttemptAt = at
	return nil
}

func (s *MemoryStore) Resubmit(ctx context.Context, id string, payload json.RawMessage, strategy conflict.Strategy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.actions[id]
	if !ok {
		return ErrNotFound
	}
	if a.Status != StatusConflicted {
		return ErrNotConflicted
	}
	a.Payload = append(json.RawMessage(nil), payload...)
	a.Strategy = strategy
	a.Status = StatusPending
	a.Attempts = 0
	a.Remote = nil
	return nil
}

func (s *MemoryStore) Cancel(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.actions[id]
	if !ok {
		return ErrNotFound
	}
	if a.Status != StatusPending {
		return ErrNotPending
	}
	delete(s.actions, id)
	return nil
}

func (s *MemoryStore) RequeueStaleInFlight(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, a := range s.actions {
		if a.Status == StatusInFlight && a.LastAttemptAt.Before(cutoff) {
			a.Status = StatusPending
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) DeadLetter(ctx context.Context, id, reason string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.actions[id]
	if !ok {
		return ErrNotFound
	}
	cp := *a
	cp.Status = StatusDead
	s.dead[id] = &DeadLetter{Action: cp, Reason: reason, DeadAt: at}
	delete(s.actions, id)
	return nil
}

func (s *MemoryStore) DeadLetters(ctx context.Context, limit int) ([]*DeadLetter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*DeadLetter
	for _, dl := range s.dead {
		cp := *dl
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeadAt.After(out[j].DeadAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) RequeueDead(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	dl, ok := s.dead[id]
	if !ok {
		return ErrNotFound
	}
	a := dl.Action
	// Fresh seq: the requeued action runs after everything queued since it
	// died, same as the SQL stores.
	s.nextSeq++
	a.Seq = s.nextSeq
	a.Status = StatusPending
	a.Attempts = 0
	s.actions[id] = &a
	delete(s.dead, id)
	return nil
}

func (s *MemoryStore) Size(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.actions), nil
}

func (s *MemoryStore) Stats(ctx context.Context) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Stats{Dead: len(s.dead)}
	for _, a := range s.actions {
		switch a.Status {
		case StatusPending:
			st.Pending++
		case StatusInFlight:
			st.InFlight++
		case StatusConflicted:
			st.Conflicted++
		}
	}
	return st, nil
}
