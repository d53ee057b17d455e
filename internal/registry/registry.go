// Package registry tracks which connections belong to which room.
//
// A Registry owns the room -> members mapping and nothing else: it performs no
// I/O and never inspects the members it stores. Rooms are spread across a fixed
// number of shards, each behind its own lock, so traffic in one room does not
// wait on membership changes in another.
package registry

import (
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
)

const shardCount = 32

type shard[C comparable] struct {
	mu    sync.RWMutex
	rooms map[string][]C
}

// Registry maps room identifiers to their current members. A room entry exists
// only while it has at least one member. The zero value is not usable; call New.
type Registry[C comparable] struct {
	shards [shardCount]*shard[C]
}

// New returns an empty Registry.
func New[C comparable]() *Registry[C] {
	r := &Registry[C]{}
	for i := range r.shards {
		r.shards[i] = &shard[C]{rooms: make(map[string][]C)}
	}
	return r
}

func (r *Registry[C]) shardFor(roomID string) *shard[C] {
	return r.shards[xxhash.Sum64String(roomID)%shardCount]
}

// Join adds c to roomID, creating the room if needed. Membership is additive:
// joining twice yields two memberships, each removed by its own Leave.
func (r *Registry[C]) Join(roomID string, c C) {
	s := r.shardFor(roomID)
	s.mu.Lock()
	s.rooms[roomID] = append(s.rooms[roomID], c)
	s.mu.Unlock()
}

// Leave removes one membership of c from roomID. Leaving a room c is not in, or
// a room that does not exist, does nothing. The room is deleted once empty.
func (r *Registry[C]) Leave(roomID string, c C) {
	s := r.shardFor(roomID)
	s.mu.Lock()
	defer s.mu.Unlock()

	members, ok := s.rooms[roomID]
	if !ok {
		return
	}
	for i, m := range members {
		if m != c {
			continue
		}
		next := append(members[:i], members[i+1:]...)
		var zero C
		members[len(members)-1] = zero // release the vacated slot
		if len(next) == 0 {
			delete(s.rooms, roomID)
		} else {
			s.rooms[roomID] = next
		}
		return
	}
}

// PeersOf returns the members of roomID other than excluding, in join order.
// The result is a copy owned by the caller; it is nil when there are no peers.
func (r *Registry[C]) PeersOf(roomID string, excluding C) []C {
	s := r.shardFor(roomID)
	s.mu.RLock()
	defer s.mu.RUnlock()

	members := s.rooms[roomID]
	var peers []C
	for _, m := range members {
		if m == excluding {
			continue
		}
		if peers == nil {
			peers = make([]C, 0, len(members))
		}
		peers = append(peers, m)
	}
	return peers
}

// Members returns the number of memberships held in roomID.
func (r *Registry[C]) Members(roomID string) int {
	s := r.shardFor(roomID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rooms[roomID])
}

// Has reports whether roomID currently has an entry.
func (r *Registry[C]) Has(roomID string) bool {
	s := r.shardFor(roomID)
	s.mu.RLock()
	_, ok := s.rooms[roomID]
	s.mu.RUnlock()
	return ok
}

// Len returns the number of non-empty rooms.
func (r *Registry[C]) Len() int {
	n := 0
	for _, s := range r.shards {
		s.mu.RLock()
		n += len(s.rooms)
		s.mu.RUnlock()
	}
	return n
}

// Rooms returns the identifiers of all non-empty rooms, sorted.
func (r *Registry[C]) Rooms() []string {
	var ids []string
	for _, s := range r.shards {
		s.mu.RLock()
		for id := range s.rooms {
			ids = append(ids, id)
		}
		s.mu.RUnlock()
	}
	sort.Strings(ids)
	return ids
}

// Each calls fn for every membership. fn runs without any registry lock held,
// over a per-shard snapshot, so it may call back into the registry.
func (r *Registry[C]) Each(fn func(roomID string, c C)) {
	type entry struct {
		roomID string
		c      C
	}
	for _, s := range r.shards {
		s.mu.RLock()
		var entries []entry
		for id, members := range s.rooms {
			for _, m := range members {
				entries = append(entries, entry{roomID: id, c: m})
			}
		}
		s.mu.RUnlock()

		for _, e := range entries {
			fn(e.roomID, e.c)
		}
	}
}
