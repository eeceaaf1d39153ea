package ledger

import (
	"context"
	"sync"
)

// MemoryStore keeps the counter in process. Its mutex plays the role of the
// host ledger's transaction ordering.
type MemoryStore struct {
	mu       sync.Mutex
	deployed bool
	value    uint64
	receipts []Receipt
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deployed = true
	return nil
}

func (s *MemoryStore) Load(ctx context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.deployed {
		return 0, ErrNotDeployed
	}
	return s.value, nil
}

func (s *MemoryStore) Update(ctx context.Context, fn func(uint64) (uint64, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.deployed {
		return ErrNotDeployed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	next, err := fn(s.value)
	if err != nil {
		return err
	}
	s.value = next
	return nil
}

func (s *MemoryStore) LogReceipt(ctx context.Context, r Receipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.receipts = append(s.receipts, r)
	return nil
}

// RecentReceipts returns up to limit receipts, newest first.
func (s *MemoryStore) RecentReceipts(ctx context.Context, limit int) ([]Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := max(0, min(limit, len(s.receipts)))
	out := make([]Receipt, 0, n)
	for i := len(s.receipts) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, s.receipts[i])
	}
	return out, nil
}
