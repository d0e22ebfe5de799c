// Package presence tracks which users are online. A user is online while at
// least one of their connections is registered. State is in-memory and lost on
// restart; an optional Redis mirror publishes the online set for operators.
package presence

import (
	"sort"
	"sync"
)

// Registry maps user ids to the set of connection ids currently joined to the
// user's broadcast group. All methods are safe for concurrent use and each
// online/offline transition is reported exactly once.
type Registry struct {
	mu       sync.Mutex
	users    map[string]map[string]struct{} // user_id -> set of conn ids
	onChange func()
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{users: make(map[string]map[string]struct{})}
}

// SetOnChange registers a callback invoked, outside the registry lock, after
// every online or offline transition. It must be set before the registry is
// shared.
func (r *Registry) SetOnChange(fn func()) {
	r.onChange = fn
}

// Register adds connID to userID's group. It returns true when the user went
// from offline to online.
func (r *Registry) Register(userID, connID string) bool {
	r.mu.Lock()
	conns, ok := r.users[userID]
	if !ok {
		conns = make(map[string]struct{})
		r.users[userID] = conns
	}
	conns[connID] = struct{}{}
	becameOnline := !ok
	r.mu.Unlock()

	if becameOnline && r.onChange != nil {
		r.onChange()
	}
	return becameOnline
}

// Unregister removes connID from userID's group. It returns true when that
// was the user's last connection. Unknown pairs are ignored.
func (r *Registry) Unregister(userID, connID string) bool {
	r.mu.Lock()
	conns, ok := r.users[userID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	if _, member := conns[connID]; !member {
		r.mu.Unlock()
		return false
	}
	delete(conns, connID)
	becameOffline := len(conns) == 0
	if becameOffline {
		delete(r.users, userID)
	}
	r.mu.Unlock()

	if becameOffline && r.onChange != nil {
		r.onChange()
	}
	return becameOffline
}

// Snapshot returns the ids of all online users, sorted.
func (r *Registry) Snapshot() []string {
	r.mu.Lock()
	out := make([]string, 0, len(r.users))
	for id := range r.users {
		out = append(out, id)
	}
	r.mu.Unlock()

	sort.Strings(out)
	return out
}

// Members returns the connection ids in userID's group.
func (r *Registry) Members(userID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	conns := r.users[userID]
	out := make([]string, 0, len(conns))
	for id := range conns {
		out = append(out, id)
	}
	return out
}

// IsOnline reports whether userID has at least one registered connection.
func (r *Registry) IsOnline(userID string) bool {
	r.mu.Lock()
	_, ok := r.users[userID]
	r.mu.Unlock()
	return ok
}

// Count returns the number of online users.
func (r *Registry) Count() int {
	r.mu.Lock()
	n := len(r.users)
	r.mu.Unlock()
	return n
}
