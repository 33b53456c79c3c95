// Package utils provides utility functions for the metadata core.
//
// This file implements the instance ring: a dynamically resizable
// consistent-hash ring over string-identified server instances, distinct
// from pkg/routing's fixed-N deployment ring. The deployment count is
// configuration and changes as a whole-system event; instances within a
// deployment join and leave one at a time as the platform scales them, and
// this ring keeps request-to-instance stickiness stable across those
// membership changes — a joining or leaving instance only reshuffles the
// requests that hashed near it.
//
// Design Notes:
//   - FNV-1a 64-bit hash (stdlib, fast, good distribution), the same
//     primitive as the deployment ring so both layers of routing share one
//     hashing story
//   - Virtual positions per instance improve load distribution
//   - Thread-safe via sync.RWMutex
//   - Sorted ring positions for O(log M) binary-search lookup, M = total
//     virtual positions
//
// Trade-offs:
//   - Memory: O(N * replicas) where N = number of instances
//   - CPU: AddInstance/RemoveInstance O(M log M), since each re-sorts every
//     ring position; Pick O(log M)
//   - Distribution uniformity improves with more replicas (default: 150)
package utils

import (
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
)

// DefaultReplicas is the default number of virtual positions per instance.
// More replicas = better distribution but more memory and slower add/remove.
const DefaultReplicas = 150

// InstanceRing maps request keys onto the live instances of one deployment.
//
// Example usage:
//
//	ring := NewInstanceRing(0)
//	ring.AddInstance("10.0.0.4:9400", 1)
//	ring.AddInstance("10.0.0.5:9400", 1)
//
//	inst := ring.Pick("req-7f3a")      // sticky instance for this request
//	insts := ring.PickN("req-7f3a", 2) // primary + fallback
type InstanceRing struct {
	mu        sync.RWMutex
	replicas  int
	keys      []uint64          // Sorted ring positions
	ring      map[uint64]string // Hash -> instance ID mapping
	instances map[string]int    // Instance ID -> weight mapping
}

// NewInstanceRing creates an empty ring. replicas determines the number of
// virtual positions per instance; use 0 for the default.
func NewInstanceRing(replicas int) *InstanceRing {
	if replicas <= 0 {
		replicas = DefaultReplicas
	}

	return &InstanceRing{
		replicas:  replicas,
		ring:      make(map[uint64]string),
		instances: make(map[string]int),
	}
}

// AddInstance adds an instance to the ring with the given weight. Weight
// scales the number of virtual positions (replicas * weight), letting a
// larger instance absorb proportionally more of the request space. Weight
// must be > 0 (default: 1).
//
// Complexity: O(M log M); the whole position slice is re-sorted.
func (r *InstanceRing) AddInstance(instanceID string, weight int) error {
	if instanceID == "" {
		return fmt.Errorf("instanceID cannot be empty")
	}
	if weight <= 0 {
		weight = 1
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.instances[instanceID] = weight

	virtualPositions := r.replicas * weight
	for i := 0; i < virtualPositions; i++ {
		hash := r.hashKey(fmt.Sprintf("%s:%d", instanceID, i))
		r.ring[hash] = instanceID
		r.keys = append(r.keys, hash)
	}

	sort.Slice(r.keys, func(i, j int) bool {
		return r.keys[i] < r.keys[j]
	})

	return nil
}

// RemoveInstance removes an instance from the ring. Returns an error if the
// instance is not a member.
//
// Complexity: O(M log M); the position slice is rebuilt and re-sorted.
func (r *InstanceRing) RemoveInstance(instanceID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	weight, exists := r.instances[instanceID]
	if !exists {
		return fmt.Errorf("instance %s not found", instanceID)
	}

	virtualPositions := r.replicas * weight
	for i := 0; i < virtualPositions; i++ {
		hash := r.hashKey(fmt.Sprintf("%s:%d", instanceID, i))
		delete(r.ring, hash)
	}

	// Rebuild keys slice (remove deleted hashes)
	newKeys := make([]uint64, 0, len(r.ring))
	for hash := range r.ring {
		newKeys = append(newKeys, hash)
	}
	sort.Slice(newKeys, func(i, j int) bool {
		return newKeys[i] < newKeys[j]
	})
	r.keys = newKeys

	delete(r.instances, instanceID)
	return nil
}

// Pick returns the instance the given key sticks to. Returns empty string
// if the ring is empty.
//
// Complexity: O(log M)
func (r *InstanceRing) Pick(key string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.keys) == 0 {
		return ""
	}

	hash := r.hashKey(key)

	// Binary search for the first position >= hash
	idx := sort.Search(len(r.keys), func(i int) bool {
		return r.keys[i] >= hash
	})

	// Wrap around if we're past the end
	if idx == len(r.keys) {
		idx = 0
	}

	return r.ring[r.keys[idx]]
}

// PickN returns up to n distinct instances for the key, in ring order: the
// sticky instance first, then the instances a retry would fail over to.
// Returns fewer than n if the ring holds fewer instances.
//
// Complexity: O(n * log M)
func (r *InstanceRing) PickN(key string, n int) []string {
	if n <= 0 {
		return nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.keys) == 0 {
		return nil
	}

	hash := r.hashKey(key)

	idx := sort.Search(len(r.keys), func(i int) bool {
		return r.keys[i] >= hash
	})
	if idx == len(r.keys) {
		idx = 0
	}

	seen := make(map[string]bool)
	result := make([]string, 0, n)

	for i := 0; i < len(r.keys) && len(result) < n; i++ {
		pos := (idx + i) % len(r.keys)
		instanceID := r.ring[r.keys[pos]]

		if !seen[instanceID] {
			seen[instanceID] = true
			result = append(result, instanceID)
		}
	}

	return result
}

// Instances returns all instance IDs currently in the ring.
func (r *InstanceRing) Instances() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.instances))
	for instanceID := range r.instances {
		out = append(out, instanceID)
	}
	return out
}

// Size returns the number of instances in the ring.
func (r *InstanceRing) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.instances)
}

// hashKey computes the FNV-1a 64-bit hash of the key.
func (r *InstanceRing) hashKey(key string) uint64 {
	hasher := fnv.New64a()
	hasher.Write([]byte(key))
	return hasher.Sum64()
}
