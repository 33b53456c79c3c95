package executor

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"encore.app/pkg/models"
	"encore.app/pkg/routing"
	"encore.app/pkg/wire"
)

// fakeStore is an in-memory MetadataStore for engine tests.
type fakeStore struct {
	mu           sync.Mutex
	byPath       map[string]*models.Inode
	applyCount   int
	resolveDelay time.Duration
}

func newFakeStore(inodes ...*models.Inode) *fakeStore {
	s := &fakeStore{byPath: make(map[string]*models.Inode)}
	s.byPath["/"] = &models.Inode{ID: 1, ParentID: 0, Name: "/", Path: "/", IsDir: true}
	for _, in := range inodes {
		s.byPath[in.Path] = in
	}
	return s
}

func (s *fakeStore) Resolve(ctx context.Context, path string) (*models.Inode, error) {
	// Deliberately ignores ctx: a stuck external store is exactly what the
	// worker-timeout path has to survive.
	if s.resolveDelay > 0 {
		time.Sleep(s.resolveDelay)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byPath[path], nil
}

func (s *fakeStore) Lookup(ctx context.Context, id int64) (*models.Inode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, in := range s.byPath {
		if in.ID == id {
			return in, nil
		}
	}
	return nil, nil
}

func (s *fakeStore) List(ctx context.Context, path string) ([]*models.Inode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	parent := s.byPath[path]
	if parent == nil {
		return nil, nil
	}
	var children []*models.Inode
	for _, in := range s.byPath {
		if in.ParentID == parent.ID && in.Path != "/" {
			children = append(children, in)
		}
	}
	return children, nil
}

func (s *fakeStore) Apply(ctx context.Context, op string, args map[string]any) ([]byte, *models.Inode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applyCount++
	return []byte("true"), nil, nil
}

func testConfig(deployment, count int) Config {
	cfg := DefaultConfig()
	cfg.Deployment = deployment
	cfg.DeploymentCount = count
	cfg.WorkerTimeout = 2 * time.Second
	cfg.ListenerRPS = 0 // no admission throttling in unit tests
	return cfg
}

func testEngine(t *testing.T, cfg Config, store MetadataStore) *Engine {
	t.Helper()
	e := NewEngine(cfg, Identity{InstanceID: 7, Deployment: cfg.Deployment, DeploymentCount: cfg.DeploymentCount}, store)
	t.Cleanup(e.Shutdown)
	return e
}

func readRequest(op, requestID, src string) *wire.Request {
	req := &wire.Request{Op: op, RequestID: requestID, FsArgs: map[string]any{}}
	if src != "" {
		req.FsArgs["src"] = src
	}
	return req
}

func TestColdStartFlagOnFirstRequestOnly(t *testing.T) {
	e := testEngine(t, testConfig(0, 1), newFakeStore())

	first := e.Execute(context.Background(), readRequest("ping", "R1", ""))
	if !first.ColdStart {
		t.Fatal("first request should report coldStart=true")
	}
	second := e.Execute(context.Background(), readRequest("ping", "R2", ""))
	if second.ColdStart {
		t.Fatal("second request should report coldStart=false")
	}
}

func TestDuplicateReplayIsSideEffectFree(t *testing.T) {
	store := newFakeStore(&models.Inode{ID: 42, ParentID: 1, Name: "a", Path: "/a", IsDir: true})
	e := testEngine(t, testConfig(0, 1), store)

	req := readRequest("mkdirs", "R1", "/a/b")
	first := e.Execute(context.Background(), req)
	if first.DuplicateRequest {
		t.Fatal("first submission must not be marked duplicate")
	}
	if got := store.applyCount; got != 1 {
		t.Fatalf("applyCount = %d, want 1", got)
	}

	second := e.Execute(context.Background(), readRequest("mkdirs", "R1", "/a/b"))
	if !second.DuplicateRequest {
		t.Fatal("replay must be marked duplicateRequest")
	}
	if second.Result != "" {
		t.Fatalf("duplicate reply must carry no payload, got %q", second.Result)
	}
	if second.RequestID != "R1" {
		t.Fatalf("duplicate reply requestId = %q, want R1", second.RequestID)
	}
	if got := store.applyCount; got != 1 {
		t.Fatalf("replay caused a store side effect: applyCount = %d", got)
	}
}

func TestForceRedoBypassesDedup(t *testing.T) {
	store := newFakeStore(&models.Inode{ID: 42, ParentID: 1, Name: "a", Path: "/a", IsDir: true})
	e := testEngine(t, testConfig(0, 1), store)

	e.Execute(context.Background(), readRequest("mkdirs", "R1", "/a/b"))

	redo := readRequest("mkdirs", "R1", "/a/b")
	redo.ForceRedo = true
	resp := e.Execute(context.Background(), redo)
	if resp.DuplicateRequest {
		t.Fatal("forceRedo submission must not be marked duplicate")
	}
	if resp.RequestID != "R1" {
		t.Fatalf("redo requestId = %q, want R1", resp.RequestID)
	}
	if got := store.applyCount; got != 2 {
		t.Fatalf("applyCount = %d, want 2 after redo", got)
	}
}

func TestUnknownOpIsAnExceptionNotACrash(t *testing.T) {
	e := testEngine(t, testConfig(0, 1), newFakeStore())

	resp := e.Execute(context.Background(), readRequest("frobnicate", "R1", "/a"))
	if len(resp.Exceptions) != 1 || !strings.HasPrefix(resp.Exceptions[0], "NoSuchOperation") {
		t.Fatalf("exceptions = %v, want one NoSuchOperation", resp.Exceptions)
	}
}

func TestEmptyFsArgsWithRecognizedOpIsValid(t *testing.T) {
	e := testEngine(t, testConfig(0, 1), newFakeStore())

	resp := e.Execute(context.Background(), &wire.Request{Op: "ping", RequestID: "R1", FsArgs: map[string]any{}})
	if len(resp.Exceptions) != 0 {
		t.Fatalf("exceptions = %v, want none", resp.Exceptions)
	}
	if resp.Result == "" {
		t.Fatal("ping should carry a payload")
	}
}

func TestReadAttachesDeploymentMappingFromParentInode(t *testing.T) {
	store := newFakeStore(
		&models.Inode{ID: 42, ParentID: 1, Name: "a", Path: "/a", IsDir: true},
		&models.Inode{ID: 43, ParentID: 42, Name: "b", Path: "/a/b"},
	)
	cfg := testConfig(2, 4)
	e := testEngine(t, cfg, store)

	resp := e.Execute(context.Background(), readRequest("getFileInfo", "R1", "/a/b"))
	if resp.DeploymentMapping == nil {
		t.Fatal("response should carry a deployment mapping hint")
	}
	m := resp.DeploymentMapping
	if m.FileOrDir != "/a/b" || m.ParentID != 42 {
		t.Fatalf("mapping = %+v, want fileOrDir=/a/b parentId=42", m)
	}
	want := routing.NewRing(4, 0).DeploymentOfInode(42)
	if m.Function != want {
		t.Fatalf("mapping.function = %d, want %d", m.Function, want)
	}

	payload, err := base64.StdEncoding.DecodeString(resp.Result)
	if err != nil {
		t.Fatalf("result is not base64: %v", err)
	}
	var inode models.Inode
	if err := json.Unmarshal(payload, &inode); err != nil {
		t.Fatalf("payload is not an inode: %v", err)
	}
	if inode.ID != 43 {
		t.Fatalf("payload inode ID = %d, want 43", inode.ID)
	}
}

func TestWriteToWrongDeploymentIsRejectedWithMapping(t *testing.T) {
	parent := &models.Inode{ID: 42, ParentID: 1, Name: "x", Path: "/x", IsDir: true}
	store := newFakeStore(parent)

	owner := routing.NewRing(4, 0).DeploymentOfInode(42)
	wrong := (owner + 1) % 4
	e := testEngine(t, testConfig(wrong, 4), store)

	resp := e.Execute(context.Background(), readRequest("mkdirs", "R1", "/x/y"))
	if len(resp.Exceptions) == 0 || !strings.HasPrefix(resp.Exceptions[0], "NotAuthorizedHere") {
		t.Fatalf("exceptions = %v, want NotAuthorizedHere", resp.Exceptions)
	}
	if store.applyCount != 0 {
		t.Fatal("rejected write must not reach the store")
	}
	if resp.DeploymentMapping == nil || resp.DeploymentMapping.Function != owner {
		t.Fatalf("mapping = %+v, want function=%d so the client can re-route", resp.DeploymentMapping, owner)
	}
}

func TestWriteToOwningDeploymentSucceeds(t *testing.T) {
	parent := &models.Inode{ID: 42, ParentID: 1, Name: "x", Path: "/x", IsDir: true}
	store := newFakeStore(parent)

	owner := routing.NewRing(4, 0).DeploymentOfInode(42)
	e := testEngine(t, testConfig(owner, 4), store)

	resp := e.Execute(context.Background(), readRequest("mkdirs", "R1", "/x/y"))
	if len(resp.Exceptions) != 0 {
		t.Fatalf("exceptions = %v, want none", resp.Exceptions)
	}
	if store.applyCount != 1 {
		t.Fatalf("applyCount = %d, want 1", store.applyCount)
	}
}

func TestWorkerTimeoutStillReturnsEnvelope(t *testing.T) {
	store := newFakeStore()
	store.resolveDelay = 500 * time.Millisecond

	cfg := testConfig(0, 1)
	cfg.WorkerTimeout = 50 * time.Millisecond
	e := testEngine(t, cfg, store)

	resp := e.Execute(context.Background(), readRequest("getFileInfo", "R1", "/slow"))
	if len(resp.Exceptions) == 0 || !strings.HasPrefix(resp.Exceptions[0], "OperationTimedOut") {
		t.Fatalf("exceptions = %v, want OperationTimedOut", resp.Exceptions)
	}
	if resp.RequestID != "R1" {
		t.Fatalf("timed-out reply must still be a full envelope, requestId = %q", resp.RequestID)
	}
}

func TestOperationsExecuteSeriallyInOrder(t *testing.T) {
	e := testEngine(t, testConfig(0, 1), newFakeStore())

	var active atomic.Int32
	var overlapped atomic.Bool
	var order []string
	var orderMu sync.Mutex

	e.table.Register("probe", func(ctx context.Context, env *Env, req *wire.Request) (*HandlerResult, error) {
		if active.Add(1) > 1 {
			overlapped.Store(true)
		}
		time.Sleep(5 * time.Millisecond)
		orderMu.Lock()
		order = append(order, req.RequestID)
		orderMu.Unlock()
		active.Add(-1)
		return &HandlerResult{Payload: []byte("ok")}, nil
	})

	// Enqueue in a known order from one producer, then wait for all replies.
	var wg sync.WaitGroup
	ids := []string{"R1", "R2", "R3", "R4"}
	replies := make([]<-chan *wire.ResponseBody, 0, len(ids))
	for _, id := range ids {
		tsk := newTask(readRequest("probe", id, ""))
		if err := e.queue.put(context.Background(), tsk); err != nil {
			t.Fatalf("enqueue %s: %v", id, err)
		}
		replies = append(replies, tsk.reply)
	}
	for _, ch := range replies {
		wg.Add(1)
		go func(ch <-chan *wire.ResponseBody) {
			defer wg.Done()
			<-ch
		}(ch)
	}
	wg.Wait()

	if overlapped.Load() {
		t.Fatal("two operations overlapped; the worker must be single-threaded")
	}
	orderMu.Lock()
	defer orderMu.Unlock()
	for i, id := range ids {
		if order[i] != id {
			t.Fatalf("execution order = %v, want FIFO %v", order, ids)
		}
	}
}

func TestDedupCacheEvictsOldest(t *testing.T) {
	d := NewDedupCache(2)
	d.CheckAndInsert("a")
	d.CheckAndInsert("b")
	d.CheckAndInsert("c") // evicts a

	if d.CheckAndInsert("a") {
		t.Fatal("evicted id should read as unseen")
	}
	if !d.CheckAndInsert("c") {
		t.Fatal("recent id should read as seen")
	}
	if d.Size() > 2 {
		t.Fatalf("size = %d, want <= 2", d.Size())
	}
}

func TestDeploymentFromName(t *testing.T) {
	cases := []struct {
		name    string
		want    int
		wantErr bool
	}{
		{name: "namenode7", want: 7},
		{name: "metadata-fn-12", want: 12},
		{name: "namenode0", want: 0},
		{name: "namenode", wantErr: true},
		{name: "", wantErr: true},
	}
	for _, tc := range cases {
		got, err := DeploymentFromName(tc.name)
		if tc.wantErr {
			if err == nil {
				t.Errorf("DeploymentFromName(%q) = %d, want error", tc.name, got)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Errorf("DeploymentFromName(%q) = %d, %v, want %d", tc.name, got, err, tc.want)
		}
	}
}
