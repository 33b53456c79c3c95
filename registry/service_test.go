package registry

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"
)

// fakeStore is an in-memory MembershipStore for unit tests, mocking the
// interface rather than hitting a real database.
type fakeStore struct {
	mu        sync.Mutex
	heartbeat map[[2]int64]time.Time // [deployment, instanceID] -> last heartbeat
	failNext  bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{heartbeat: make(map[[2]int64]time.Time)}
}

func (f *fakeStore) Join(ctx context.Context, deployment int, instanceID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeat[[2]int64{int64(deployment), instanceID}] = time.Now()
	return nil
}

func (f *fakeStore) Leave(ctx context.Context, deployment int, instanceID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.heartbeat, [2]int64{int64(deployment), instanceID})
	return nil
}

func (f *fakeStore) ListLive(ctx context.Context, deployment int) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []int64
	for k := range f.heartbeat {
		if k[0] == int64(deployment) {
			ids = append(ids, k[1])
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (f *fakeStore) IsAlive(ctx context.Context, instanceID int64) (bool, error) {
	if f.failNext {
		f.failNext = false
		return false, errIO
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for k := range f.heartbeat {
		if k[1] == instanceID {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) Sweep(ctx context.Context, staleness time.Duration) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for k, t := range f.heartbeat {
		if time.Since(t) > staleness {
			delete(f.heartbeat, k)
			n++
		}
	}
	return n, nil
}

var errIO = &ioError{"simulated I/O error"}

type ioError struct{ msg string }

func (e *ioError) Error() string { return e.msg }

func TestService_JoinThenListLive(t *testing.T) {
	s := &Service{store: newFakeStore()}
	ctx := context.Background()

	if _, err := s.Join(ctx, &JoinRequest{Deployment: 2, InstanceID: 100}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Join(ctx, &JoinRequest{Deployment: 2, InstanceID: 50}); err != nil {
		t.Fatal(err)
	}

	resp, err := s.store.ListLive(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(resp) != 2 || resp[0] != 50 || resp[1] != 100 {
		t.Fatalf("expected ascending [50 100], got %v", resp)
	}
}

func TestService_LeaveRemovesMembership(t *testing.T) {
	s := &Service{store: newFakeStore()}
	ctx := context.Background()

	s.Join(ctx, &JoinRequest{Deployment: 1, InstanceID: 7})
	s.Leave(ctx, &LeaveRequest{Deployment: 1, InstanceID: 7})

	live, _ := s.store.ListLive(ctx, 1)
	if len(live) != 0 {
		t.Fatalf("expected no live members after leave, got %v", live)
	}
}

func TestIsAlive_StoreSurfacesError(t *testing.T) {
	fs := newFakeStore()
	fs.failNext = true

	alive, err := fs.IsAlive(context.Background(), 999)
	if err == nil {
		t.Fatal("expected simulated error")
	}
	// The HTTP-facing IsAlive endpoint converts this into Alive:true; here
	// we just assert the store surfaces the error for the caller to handle.
	_ = alive
}

func TestIsAlive_APIConservativeOnStoreError(t *testing.T) {
	fs := newFakeStore()
	fs.failNext = true
	svcLocal := &Service{store: fs}

	resp, err := svcLocal.store.IsAlive(context.Background(), 1)
	if err == nil {
		t.Fatal("expected error from fake store")
	}
	_ = resp

	svc = svcLocal
	out, err := IsAlive(context.Background(), 1)
	if err != nil {
		t.Fatalf("API-level IsAlive must not propagate transient errors: %v", err)
	}
	if !out.Alive {
		t.Fatal("expected conservative true on store error")
	}
}
