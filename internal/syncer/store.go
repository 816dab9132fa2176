package syncer

import (
	"sync/atomic"

	"github.com/smallbiznis/adminis/internal/account/domain"
)

// Store holds the published snapshot. Readers never block writers.
type Store struct {
	current atomic.Pointer[domain.Snapshot]
}

func (s *Store) Load() *domain.Snapshot {
	return s.current.Load()
}

// Swap publishes next and returns the snapshot it replaced.
func (s *Store) Swap(next *domain.Snapshot) *domain.Snapshot {
	return s.current.Swap(next)
}
