package scheduling

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// lane guards one resource. sem serializes writers and is acquired with a
// context so waiting is bounded; mu protects index against readers taking
// snapshots while a writer commits.
type lane struct {
	sem   chan struct{}
	mu    sync.RWMutex
	index slotIndex
}

type laneSet struct {
	mu    sync.Mutex
	lanes map[uuid.UUID]*lane
}

func newLaneSet() *laneSet {
	return &laneSet{lanes: make(map[uuid.UUID]*lane)}
}

func (s *laneSet) get(id uuid.UUID) *lane {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.lanes[id]
	if !ok {
		l = &lane{sem: make(chan struct{}, 1)}
		s.lanes[id] = l
	}
	return l
}

// reset empties every occupancy index.
func (s *laneSet) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.lanes {
		l.mu.Lock()
		l.index = slotIndex{}
		l.mu.Unlock()
	}
}

// acquire takes the writer slot of every resource in ascending id order.
// If ctx ends first, slots already taken are released and ErrBusy is
// returned.
func (s *laneSet) acquire(ctx context.Context, ids []uuid.UUID) (func(), error) {
	ordered := make([]uuid.UUID, len(ids))
	copy(ordered, ids)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].String() < ordered[j].String() })

	held := make([]*lane, 0, len(ordered))
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			<-held[i].sem
		}
	}
	for _, id := range ordered {
		l := s.get(id)
		select {
		case l.sem <- struct{}{}:
			held = append(held, l)
		case <-ctx.Done():
			release()
			return nil, fmt.Errorf("%w: waiting for resource %s: %v", ErrBusy, id, ctx.Err())
		}
	}
	return release, nil
}
