package registry

import (
	"slices"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/devtizi/city-cab/internal/session/domain"
)

const shardCount = 32

// shard owns a slice of every index. Keys are routed by hash: connections and subscriptions by
// session id, userSessions by user id, cityUsers by city id.
type shard struct {
	mu            sync.RWMutex
	connections   map[string]*domain.Connection
	subscriptions map[string]map[string]struct{}
	userSessions  map[string]map[string]struct{}
	cityUsers     map[string]map[string]int // cityId -> userId -> sessions of that user in the city
}

func newShard() *shard {
	return &shard{
		connections:   make(map[string]*domain.Connection),
		subscriptions: make(map[string]map[string]struct{}),
		userSessions:  make(map[string]map[string]struct{}),
		cityUsers:     make(map[string]map[string]int),
	}
}

func shardIndex(key string) int {
	return int(xxhash.Sum64String(key) % shardCount)
}

// lockShards write-locks the distinct shards in ascending order and returns the unlock func.
// A fixed order keeps concurrent multi-shard writers from deadlocking.
func (r *Registry) lockShards(idx ...int) func() {
	slices.Sort(idx)
	idx = slices.Compact(idx)
	for _, i := range idx {
		r.shards[i].mu.Lock()
	}
	return func() {
		for j := len(idx) - 1; j >= 0; j-- {
			r.shards[idx[j]].mu.Unlock()
		}
	}
}

func addToSet(m map[string]map[string]struct{}, key, member string) {
	set, ok := m[key]
	if !ok {
		set = make(map[string]struct{})
		m[key] = set
	}
	set[member] = struct{}{}
}

func removeFromSet(m map[string]map[string]struct{}, key, member string) {
	set, ok := m[key]
	if !ok {
		return
	}
	delete(set, member)
	if len(set) == 0 {
		delete(m, key)
	}
}

func setKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}
