package executor

import (
	"context"
	"encoding/base64"
	"log"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"encore.app/metadatacache"
	"encore.app/pkg/models"
	"encore.app/pkg/routing"
	"encore.app/pkg/wire"
)

// Engine is the Server Execution Engine for one instance: dedup, the
// single-consumer work queue, the one worker that drains it, and result
// packaging. Both transports (the HTTP handler and the TCP listener) feed
// the same engine.
type Engine struct {
	cfg      Config
	identity Identity
	ring     *routing.Ring
	dedup    *DedupCache
	queue    *workQueue
	table    *DispatchTable
	env      *Env
	limiter  *rate.Limiter

	served  atomic.Bool // set once the first request has been admitted
	stopped chan struct{}

	// recordAccess feeds the prewarmer's predictor with the parent inode of
	// every routed operation; nil until cold-start wiring sets it.
	recordAccess func(inodeID int64)

	// mappingSink receives every derived mapping hint so cold-start wiring
	// can persist authoritative routing (mapping store push); nil disables.
	mappingSink func(parentPath string, deployment int)

	// opObserver sees every completed envelope plus its wall time, for the
	// telemetry reporter; nil disables.
	opObserver func(resp *wire.ResponseBody, elapsed time.Duration)
}

// NewEngine builds an engine around store and starts its worker. The caller
// owns cold-start orchestration (registry join, listener startup); the
// engine itself only tracks whether it has served its first request so the
// response envelope can report coldStart.
func NewEngine(cfg Config, identity Identity, store MetadataStore) *Engine {
	cache := metadatacache.New(metadatacache.Config{MaxInodes: cfg.InodeCacheMax})
	coalescer := metadatacache.NewCoalescer(cache, func(ctx context.Context, id int64) (*models.Inode, error) {
		return store.Lookup(ctx, id)
	})
	admission := rate.Inf
	burst := cfg.ListenerBurst
	if cfg.ListenerRPS > 0 {
		admission = rate.Limit(cfg.ListenerRPS)
		if burst <= 0 {
			burst = 1
		}
	}
	e := &Engine{
		cfg:      cfg,
		identity: identity,
		ring:     routing.NewRing(cfg.DeploymentCount, 0),
		dedup:    NewDedupCache(cfg.DedupMax),
		queue:    newWorkQueue(cfg.QueueCap),
		table:    NewDispatchTable(),
		limiter:  rate.NewLimiter(admission, burst),
		stopped:  make(chan struct{}),
	}
	e.env = &Env{
		Identity:  identity,
		Ring:      e.ring,
		Cache:     cache,
		Coalescer: coalescer,
		Store:     store,
	}
	go e.runWorker()
	return e
}

// Cache exposes the engine's metadata cache so cold-start orchestration can
// register it for cross-instance invalidation and hand it to the prewarmer.
func (e *Engine) Cache() *metadatacache.Cache { return e.env.Cache }

// Coalescer exposes the singleflight-wrapped loader for the prewarmer.
func (e *Engine) Coalescer() *metadatacache.Coalescer { return e.env.Coalescer }

// Identity returns the instance identity the engine was built with.
func (e *Engine) Identity() Identity { return e.identity }

// QueueDepth reports how many tasks are waiting for the worker.
func (e *Engine) QueueDepth() int { return e.queue.depth() }

// SetAccessRecorder installs the per-operation access hook (the prewarmer's
// predictor feed). Called once during cold-start wiring, before traffic.
func (e *Engine) SetAccessRecorder(record func(inodeID int64)) {
	e.recordAccess = record
}

// SetMappingSink installs the mapping-hint hook. Called once during
// cold-start wiring, before traffic.
func (e *Engine) SetMappingSink(sink func(parentPath string, deployment int)) {
	e.mappingSink = sink
}

// SetOperationObserver installs the completed-envelope hook. Called once
// during cold-start wiring, before traffic.
func (e *Engine) SetOperationObserver(observe func(resp *wire.ResponseBody, elapsed time.Duration)) {
	e.opObserver = observe
}

func (e *Engine) observe(resp *wire.ResponseBody, fnStart time.Time) *wire.ResponseBody {
	if e.opObserver != nil {
		e.opObserver(resp, time.Since(fnStart))
	}
	return resp
}

// Shutdown stops the worker after the queue drains its current task.
func (e *Engine) Shutdown() {
	close(e.stopped)
}

// Execute runs one request through the full pipeline and always returns a
// response envelope; handler failures surface in the envelope's exception
// vector, never as a Go error to the transport.
func (e *Engine) Execute(ctx context.Context, req *wire.Request) *wire.ResponseBody {
	fnStart := time.Now()
	coldStart := e.served.CompareAndSwap(false, true)

	resp := &wire.ResponseBody{
		RequestID:        req.RequestID,
		Operation:        req.Op,
		NameNodeID:       e.identity.InstanceID,
		DeploymentNumber: e.identity.Deployment,
		ColdStart:        coldStart,
		FnStartTime:      fnStart.UnixMilli(),
		Exceptions:       []string{},
	}

	// Admission control ahead of the single-writer queue.
	if err := e.limiter.Wait(ctx); err != nil {
		resp.Cancelled = true
		resp.Exceptions = append(resp.Exceptions, KindOperationFailed.String()+": admission: "+err.Error())
		resp.FnEndTime = time.Now().UnixMilli()
		return e.observe(resp, fnStart)
	}

	if e.dedup.CheckAndInsert(req.RequestID) && !req.ForceRedo {
		resp.DuplicateRequest = true
		resp.FnEndTime = time.Now().UnixMilli()
		return e.observe(resp, fnStart)
	}

	t := newTask(req)
	if err := e.queue.put(ctx, t); err != nil {
		resp.Cancelled = true
		resp.Exceptions = append(resp.Exceptions, KindOperationFailed.String()+": enqueue: "+err.Error())
		resp.FnEndTime = time.Now().UnixMilli()
		return e.observe(resp, fnStart)
	}

	select {
	case worked := <-t.reply:
		worked.RequestID = resp.RequestID
		worked.Operation = resp.Operation
		worked.NameNodeID = resp.NameNodeID
		worked.DeploymentNumber = resp.DeploymentNumber
		worked.ColdStart = resp.ColdStart
		worked.FnStartTime = resp.FnStartTime
		worked.FnEndTime = time.Now().UnixMilli()
		return e.observe(worked, fnStart)
	case <-ctx.Done():
		resp.Cancelled = true
		resp.Exceptions = append(resp.Exceptions, KindOperationFailed.String()+": "+ctx.Err().Error())
		resp.EnqueuedTime = t.enqueued.UnixMilli()
		resp.FnEndTime = time.Now().UnixMilli()
		return e.observe(resp, fnStart)
	}
}

// runWorker is the single consumer: FIFO, one operation at a time, so every
// operation on this instance observes a trivially serial order.
func (e *Engine) runWorker() {
	for {
		select {
		case <-e.stopped:
			return
		case t := <-e.queue.tasks:
			t.dequeued = time.Now()
			resp := e.process(t)
			t.deliver(resp)
		}
	}
}

// process runs one dequeued task through handler dispatch and
// post-processing, producing the partial envelope the waiter merges.
func (e *Engine) process(t *task) *wire.ResponseBody {
	resp := &wire.ResponseBody{
		EnqueuedTime: t.enqueued.UnixMilli(),
		DequeuedTime: t.dequeued.UnixMilli(),
		Exceptions:   []string{},
	}

	handler := e.table.Lookup(t.req.Op)
	if handler == nil {
		resp.Exceptions = append(resp.Exceptions, KindNoSuchOperation.String()+": "+t.req.Op)
		resp.ProcessingFinishedTime = time.Now().UnixMilli()
		e.attachMapping(context.Background(), nil, resp, t.req)
		return resp
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.WorkerTimeout)
	ctx, stats := metadatacache.WithStats(ctx)

	type outcome struct {
		result *HandlerResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		r, err := handler(ctx, e.env, t.req)
		done <- outcome{result: r, err: err}
	}()

	var out outcome
	select {
	case out = <-done:
	case <-ctx.Done():
		// The handler goroutine finishes on its own; the envelope must not
		// wait for it.
		out = outcome{err: newHandlerError(KindOperationTimedOut,
			"worker exceeded %s on %s", e.cfg.WorkerTimeout, t.req.Op)}
	}
	cancel()

	resp.ProcessingFinishedTime = time.Now().UnixMilli()

	if out.err != nil {
		resp.Exceptions = append(resp.Exceptions, out.err.Error())
		log.Printf("executor op=%s requestId=%s deployment=%d error=%q",
			t.req.Op, t.req.RequestID, e.identity.Deployment, out.err)
	}
	if out.result != nil && out.result.Payload != nil {
		resp.Result = base64.StdEncoding.EncodeToString(out.result.Payload)
	}

	resp.CacheHits = stats.Hits
	resp.CacheMisses = stats.Misses

	e.attachMapping(context.Background(), out.result, resp, t.req)
	e.attachStatistics(resp, t, stats)
	return resp
}

// attachMapping derives the authoritative deployment-mapping hint from the
// operation's primary path and hangs it on the response so the client can
// refresh its invocation cache — including on NotAuthorizedHere failures,
// where the hint is exactly what the client needs to re-route.
func (e *Engine) attachMapping(ctx context.Context, result *HandlerResult, resp *wire.ResponseBody, req *wire.Request) {
	primary := ""
	var parentID int64
	if result != nil {
		primary = result.PrimaryPath
		parentID = result.PrimaryParentID
	}
	if primary == "" {
		if src, ok := req.FsArgs["src"].(string); ok {
			primary = src
		}
	}
	if primary == "" {
		return
	}

	if parentID == 0 {
		parentPath := routing.ParentPath(primary)
		if parent := e.env.Cache.ByPath(nil, parentPath); parent != nil {
			parentID = parent.ID
		} else if parent, err := e.env.Store.Resolve(ctx, parentPath); err == nil && parent != nil {
			e.env.Cache.Put(parent)
			parentID = parent.ID
		}
	}

	var function int
	if parentID != 0 {
		function = e.ring.DeploymentOfInode(parentID)
		if e.recordAccess != nil {
			e.recordAccess(parentID)
		}
	} else {
		function = e.ring.DeploymentOfPath(primary)
	}

	resp.DeploymentMapping = &models.DeploymentMapping{
		FileOrDir: primary,
		ParentID:  parentID,
		Function:  function,
	}
	if e.mappingSink != nil {
		e.mappingSink(routing.ParentPath(primary), function)
	}
}

// attachStatistics serializes the per-operation statistics blob.
func (e *Engine) attachStatistics(resp *wire.ResponseBody, t *task, stats *metadatacache.Stats) {
	queueWait := t.dequeued.Sub(t.enqueued)
	snapshot := e.env.Cache.Snapshot(stats)
	resp.StatisticsPackage = map[string]any{
		"queueDepth":     e.queue.depth(),
		"queueWaitMs":    queueWait.Milliseconds(),
		"dedupTracked":   e.dedup.Size(),
		"inodeCacheSize": snapshot.L1Size,
		"dependentSize":  snapshot.L2Size,
		"cacheHitRate":   snapshot.HitRate,
	}
}
