package session

import (
	"sort"
	"strconv"
	"strings"
	"sync"
)

// Registry is the double-indexed store of live sessions: by worktree key and
// by session id. Per-key label counters live and die with their bucket.
type Registry struct {
	mu     sync.RWMutex
	byKey  map[string]map[string]*Session
	byID   map[string]*Session
	labels map[string]*labelCounters
}

type labelCounters struct {
	terminal int
	agent    int
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		byKey:  make(map[string]map[string]*Session),
		byID:   make(map[string]*Session),
		labels: make(map[string]*labelCounters),
	}
}

// AllocateLabel mints the next human-readable label for a key/tool pair:
// "Terminal 1", "Agent 2", ... Counters reset when the bucket empties.
func (r *Registry) AllocateLabel(key string, tool Tool) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	counters := r.labels[key]
	if counters == nil {
		counters = &labelCounters{}
		r.labels[key] = counters
	}
	if tool == ToolAgent {
		counters.agent++
		return "Agent " + strconv.Itoa(counters.agent)
	}
	counters.terminal++
	return "Terminal " + strconv.Itoa(counters.terminal)
}

// ReserveLabel raises the counter for a restored label so future allocations
// never collide with it. Labels that do not follow the "<Tool> N" shape are
// ignored.
func (r *Registry) ReserveLabel(key string, tool Tool, label string) {
	prefix := "Terminal "
	if tool == ToolAgent {
		prefix = "Agent "
	}
	rest, ok := strings.CutPrefix(label, prefix)
	if !ok {
		return
	}
	n, err := strconv.Atoi(rest)
	if err != nil || n <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	counters := r.labels[key]
	if counters == nil {
		counters = &labelCounters{}
		r.labels[key] = counters
	}
	if tool == ToolAgent {
		if n > counters.agent {
			counters.agent = n
		}
	} else if n > counters.terminal {
		counters.terminal = n
	}
}

// Add inserts a session into both indices.
func (r *Registry) Add(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	bucket := r.byKey[s.Key]
	if bucket == nil {
		bucket = make(map[string]*Session)
		r.byKey[s.Key] = bucket
	}
	bucket[s.ID] = s
	r.byID[s.ID] = s
}

// Remove deletes a session from both indices. Emptying a bucket drops the
// bucket entry and its label counters.
func (r *Registry) Remove(id string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[id]
	if !ok {
		return nil
	}
	delete(r.byID, id)
	if bucket := r.byKey[s.Key]; bucket != nil {
		delete(bucket, id)
		if len(bucket) == 0 {
			delete(r.byKey, s.Key)
			delete(r.labels, s.Key)
		}
	}
	return s
}

// ByID looks a session up by id.
func (r *Registry) ByID(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byID[id]
	return s, ok
}

// ByKey returns the sessions in a bucket, ordered by creation time.
func (r *Registry) ByKey(key string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedByCreation(r.byKey[key])
}

// All returns every live session, ordered by creation time.
func (r *Registry) All() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedByCreation(r.byID)
}

// Keys returns the sorted keys with at least one live session.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.byKey))
	for key := range r.byKey {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

func sortedByCreation(m map[string]*Session) []*Session {
	out := make([]*Session, 0, len(m))
	for _, s := range m {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		ci, cj := out[i].CreatedAt(), out[j].CreatedAt()
		if ci.Equal(cj) {
			return out[i].ID < out[j].ID
		}
		return ci.Before(cj)
	})
	return out
}
