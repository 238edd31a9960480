// Package keylock serializes work per key with a fixed set of striped,
// context-aware mutexes.
package keylock

import (
	"context"

	"github.com/spaolacci/murmur3"
)

const defaultStripes = 256

// Striped maps keys onto a fixed number of channel-backed mutexes. Two keys may
// share a stripe; the same key always lands on the same one.
type Striped struct {
	stripes []chan struct{}
}

// New returns a Striped lock with n stripes (256 when n <= 0).
func New(n int) *Striped {
	if n <= 0 {
		n = defaultStripes
	}
	s := &Striped{stripes: make([]chan struct{}, n)}
	for i := range s.stripes {
		s.stripes[i] = make(chan struct{}, 1)
	}
	return s
}

// Lock acquires the stripe for key or returns ctx.Err() if ctx ends first.
// The returned func releases the stripe and must be called exactly once.
func (s *Striped) Lock(ctx context.Context, key string) (func(), error) {
	ch := s.stripes[s.index(key)]
	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Stripes returns the number of stripes.
func (s *Striped) Stripes() int { return len(s.stripes) }

func (s *Striped) index(key string) int {
	return int(murmur3.Sum64([]byte(key)) % uint64(len(s.stripes)))
}
