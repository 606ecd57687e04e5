package engine

import (
	"sort"
	"sync"
)

// LiveExecutions is the set of execution ids a process is walking right now.
// The coordinator adds and removes ids; the sweeper never closes them.
type LiveExecutions struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

// NewLiveExecutions returns an empty set.
func NewLiveExecutions() *LiveExecutions {
	return &LiveExecutions{ids: make(map[string]struct{})}
}

func (l *LiveExecutions) add(id string) {
	l.mu.Lock()
	l.ids[id] = struct{}{}
	l.mu.Unlock()
}

func (l *LiveExecutions) remove(id string) {
	l.mu.Lock()
	delete(l.ids, id)
	l.mu.Unlock()
}

// IDs returns the live ids in sorted order.
func (l *LiveExecutions) IDs() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.ids))
	for id := range l.ids {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
