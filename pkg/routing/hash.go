// Package routing implements the Routing Hash component: a
// deterministic, stable hash from a namespace key onto one of a fixed
// number of deployments.
//
// Design Notes:
//   - Uses FNV-1a 64-bit hash (stdlib, fast, good distribution), the same
//     primitive of the metadata core's own consistent-hash ring and
//     the pack's shard registry (johnjansen-torua) both reach for.
//   - Virtual nodes (replicas) per deployment keep key movement close to
//     O(1/N) when a deployment is added or removed.
//   - Thread-safe via sync.RWMutex.
//
// The hashed key is the parent-inode identifier when available, otherwise
// the full path string (the fallback used on creation, before a parent
// inode has been assigned). The same algorithm, with the same ring contents, must produce
// identical outputs on the client and the server: Ring is pure and
// deterministic given (replicas, deploymentCount), so both sides construct
// it from just the deployment count.
package routing

import (
	"fmt"
	"hash/fnv"
	"sort"
	"strconv"
	"sync"
)

// DefaultReplicas is the default number of virtual nodes per deployment.
const DefaultReplicas = 150

// Ring is a consistent-hash ring over a fixed set of deployment numbers
// [0, N).
type Ring struct {
	mu       sync.RWMutex
	ring     map[uint64]int
	keys     []uint64
	replicas int
	n        int
}

// NewRing builds a ring for n deployments (numbered 0..n-1). replicas <= 0
// uses DefaultReplicas.
func NewRing(n int, replicas int) *Ring {
	if n <= 0 {
		n = 1
	}
	if replicas <= 0 {
		replicas = DefaultReplicas
	}
	r := &Ring{
		replicas: replicas,
		n:        n,
		ring:     make(map[uint64]int, n*replicas),
	}
	for d := 0; d < n; d++ {
		r.addDeploymentLocked(d)
	}
	sort.Slice(r.keys, func(i, j int) bool { return r.keys[i] < r.keys[j] })
	return r
}

func (r *Ring) addDeploymentLocked(deployment int) {
	for i := 0; i < r.replicas; i++ {
		h := hashKey(strconv.Itoa(deployment) + ":" + strconv.Itoa(i))
		r.ring[h] = deployment
		r.keys = append(r.keys, h)
	}
}

// N returns the number of deployments the ring was built for.
func (r *Ring) N() int {
	return r.n
}

// DeploymentOfKey returns the deployment owning the given string key.
// Complexity: O(log M) where M = total virtual nodes.
func (r *Ring) DeploymentOfKey(key string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.keys) == 0 {
		return 0
	}
	h := hashKey(key)
	idx := sort.Search(len(r.keys), func(i int) bool { return r.keys[i] >= h })
	if idx == len(r.keys) {
		idx = 0
	}
	return r.ring[r.keys[idx]]
}

// DeploymentOfInode returns the deployment owning a parent-inode ID. This is
// the primary routing path: deploymentOf(parentInodeId, N).
func (r *Ring) DeploymentOfInode(parentInodeID int64) int {
	return r.DeploymentOfKey(fmt.Sprintf("inode:%d", parentInodeID))
}

// DeploymentOfPath is the fallback routing path used when no parent-inode ID
// is available yet (e.g. creation of a brand new path).
func (r *Ring) DeploymentOfPath(path string) int {
	return r.DeploymentOfKey("path:" + path)
}

func hashKey(key string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(key))
	return h.Sum64()
}

// ParentPath returns the parent directory of path for routing purposes. The
// root path "/" maps to itself as its own parent for routing purposes.
func ParentPath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	// Trim every trailing slash (but never strip the root's own slash).
	trimmed := path
	for len(trimmed) > 1 && trimmed[len(trimmed)-1] == '/' {
		trimmed = trimmed[:len(trimmed)-1]
	}
	idx := lastSlash(trimmed)
	if idx <= 0 {
		return "/"
	}
	return trimmed[:idx]
}

func lastSlash(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '/' {
			return i
		}
	}
	return -1
}
