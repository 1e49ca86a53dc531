// Package room tracks which live connections belong to which named rooms and
// fans encoded frames out to every member of a room.
//
// Rooms are created implicitly by the first join and dropped when their last
// member leaves. Broadcasts for a single room are serialized on a per-room
// lock, so every member observes the same delivery order.
package room

import (
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
)

// Member is a live connection that can receive frames.
type Member interface {
	ID() string
	Send(data []byte) error
}

// Observer is notified when a room appears on or disappears from this node.
// Callbacks run while the registry holds its membership lock and must not
// call back into the registry.
type Observer interface {
	RoomOpened(key string)
	RoomClosed(key string)
}

// Result reports the outcome of a single broadcast.
type Result struct {
	Delivered int
	Dropped   []string // IDs of members whose Send failed
}

// Info is a point-in-time view of one room.
type Info struct {
	Key     string `json:"key"`
	Members int    `json:"members"`
}

type room struct {
	key     string
	mu      sync.Mutex
	members map[string]Member
	closed  bool // set once the room is dropped from the registry
}

// Registry owns room membership for one server process.
//
// Lock order is Registry.mu then room.mu. Broadcast only takes room.mu.
type Registry struct {
	mu       sync.Mutex
	rooms    map[string]*room
	byMember map[string]map[string]struct{} // member ID -> set of room keys
	observer Observer
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		rooms:    make(map[string]*room),
		byMember: make(map[string]map[string]struct{}),
	}
}

// SetObserver installs o as the room lifecycle observer. It must be called
// before the registry is shared.
func (r *Registry) SetObserver(o Observer) {
	r.observer = o
}

// Join adds m to the room named key, creating the room if needed. It reports
// whether m was newly added; joining a room twice is a no-op.
func (r *Registry) Join(m Member, key string) bool {
	id := m.ID()

	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[key]
	if !ok {
		rm = &room{key: key, members: make(map[string]Member)}
		r.rooms[key] = rm
		if r.observer != nil {
			r.observer.RoomOpened(key)
		}
		log.Debug().Str("module", "room").Str("room", key).Msg("room opened")
	}

	rm.mu.Lock()
	_, already := rm.members[id]
	rm.members[id] = m
	rm.mu.Unlock()
	if already {
		return false
	}

	keys, ok := r.byMember[id]
	if !ok {
		keys = make(map[string]struct{})
		r.byMember[id] = keys
	}
	keys[key] = struct{}{}

	log.Debug().Str("module", "room").Str("room", key).Str("member", id).Msg("member joined")
	return true
}

// Leave removes the member with the given ID from every room it belongs to
// and returns the keys of those rooms. Rooms left empty are dropped. Unknown
// IDs are ignored.
func (r *Registry) Leave(id string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	keys, ok := r.byMember[id]
	if !ok {
		return nil
	}
	delete(r.byMember, id)

	left := make([]string, 0, len(keys))
	for key := range keys {
		left = append(left, key)

		rm, ok := r.rooms[key]
		if !ok {
			continue
		}
		rm.mu.Lock()
		delete(rm.members, id)
		empty := len(rm.members) == 0
		if empty {
			rm.closed = true
		}
		rm.mu.Unlock()

		if empty {
			delete(r.rooms, key)
			if r.observer != nil {
				r.observer.RoomClosed(key)
			}
			log.Debug().Str("module", "room").Str("room", key).Msg("room closed")
		}
	}
	sort.Strings(left)
	return left
}

// Broadcast sends data to every current member of the room, including the
// member that originated it. Members whose Send fails are skipped and
// reported in Result.Dropped; nothing is retried or buffered. Broadcasting to
// a room with no members is a no-op.
func (r *Registry) Broadcast(key string, data []byte) Result {
	r.mu.Lock()
	rm, ok := r.rooms[key]
	r.mu.Unlock()

	var res Result
	if !ok {
		return res
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.closed {
		return res
	}
	for id, m := range rm.members {
		if err := m.Send(data); err != nil {
			log.Debug().Str("module", "room").Str("room", key).Str("member", id).Err(err).Msg("send failed, skipping member")
			res.Dropped = append(res.Dropped, id)
			continue
		}
		res.Delivered++
	}
	return res
}

// Members returns the number of members currently in the room.
func (r *Registry) Members(key string) int {
	r.mu.Lock()
	rm, ok := r.rooms[key]
	r.mu.Unlock()
	if !ok {
		return 0
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()
	return len(rm.members)
}

// Rooms returns every non-empty room ordered by key.
func (r *Registry) Rooms() []Info {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Info, 0, len(r.rooms))
	for key, rm := range r.rooms {
		rm.mu.Lock()
		out = append(out, Info{Key: key, Members: len(rm.members)})
		rm.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// RoomsOf returns the keys of the rooms the member belongs to, ordered by key.
func (r *Registry) RoomsOf(id string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	keys := make([]string, 0, len(r.byMember[id]))
	for key := range r.byMember[id] {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
