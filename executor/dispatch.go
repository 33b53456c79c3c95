package executor

import (
	"context"
	"encoding/json"
	"sync"

	"encore.app/metadatacache"
	"encore.app/pkg/models"
	"encore.app/pkg/routing"
	"encore.app/pkg/wire"
)

// HandlerResult is what an operation handler produces: the serialized
// payload and, when the operation has one, the primary path it acted on.
// The engine derives the deployment-mapping hint from the primary path
// during post-processing.
type HandlerResult struct {
	Payload         []byte
	PrimaryPath     string
	PrimaryParentID int64 // 0 when unknown; the engine falls back to path hashing
}

// Handler executes one named filesystem operation against the handler
// environment. Non-fatal failures come back as errors and accumulate in the
// result envelope's exception vector.
type Handler func(ctx context.Context, env *Env, req *wire.Request) (*HandlerResult, error)

// Env is the execution environment threaded into every handler: the
// instance's identity, the routing ring, the metadata cache and its
// coalesced loader, and the authoritative store.
type Env struct {
	Identity  Identity
	Ring      *routing.Ring
	Cache     *metadatacache.Cache
	Coalescer *metadatacache.Coalescer
	Store     MetadataStore
}

// DispatchTable maps operation names to handlers.
type DispatchTable struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewDispatchTable returns a table pre-registered with the built-in
// operations.
func NewDispatchTable() *DispatchTable {
	t := &DispatchTable{handlers: make(map[string]Handler)}
	t.Register("ping", handlePing)
	t.Register("getFileInfo", handleGetFileInfo)
	t.Register("getListing", handleGetListing)
	t.Register("getAclStatus", handleGetACLStatus)
	t.Register("getEZForPath", handleGetEZForPath)
	t.Register("mkdirs", writeOp("mkdirs"))
	t.Register("create", writeOp("create"))
	t.Register("delete", writeOp("delete"))
	t.Register("rename", writeOp("rename"))
	t.Register("complete", writeOp("complete"))
	t.Register("setPermission", writeOp("setPermission"))
	t.Register("setOwner", writeOp("setOwner"))
	t.Register("setReplication", handleSetReplication)
	return t
}

// Register installs (or replaces) the handler for op.
func (t *DispatchTable) Register(op string, h Handler) {
	t.mu.Lock()
	t.handlers[op] = h
	t.mu.Unlock()
}

// Lookup returns the handler for op, or nil.
func (t *DispatchTable) Lookup(op string) Handler {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.handlers[op]
}

func handlePing(ctx context.Context, env *Env, req *wire.Request) (*HandlerResult, error) {
	payload, err := json.Marshal(map[string]any{
		"nameNodeId": env.Identity.InstanceID,
		"deployment": env.Identity.Deployment,
	})
	if err != nil {
		return nil, newHandlerError(KindOperationFailed, "marshal ping: %v", err)
	}
	return &HandlerResult{Payload: payload}, nil
}

func handleGetFileInfo(ctx context.Context, env *Env, req *wire.Request) (*HandlerResult, error) {
	src, ok := req.FsArgs["src"].(string)
	if !ok || src == "" {
		return nil, newHandlerError(KindOperationFailed, "getFileInfo: missing src")
	}

	stats := metadatacache.StatsFromContext(ctx)
	inode := env.Cache.ByPath(stats, src)
	if inode == nil {
		var err error
		inode, err = env.Store.Resolve(ctx, src)
		if err != nil {
			return nil, newHandlerError(KindOperationFailed, "getFileInfo %s: %v", src, err)
		}
		if inode != nil {
			env.Cache.Put(inode)
		}
	}

	payload, err := json.Marshal(inode)
	if err != nil {
		return nil, newHandlerError(KindOperationFailed, "marshal inode: %v", err)
	}
	res := &HandlerResult{Payload: payload, PrimaryPath: src}
	if inode != nil {
		res.PrimaryParentID = inode.ParentID
	}
	return res, nil
}

func handleGetListing(ctx context.Context, env *Env, req *wire.Request) (*HandlerResult, error) {
	src, ok := req.FsArgs["src"].(string)
	if !ok || src == "" {
		return nil, newHandlerError(KindOperationFailed, "getListing: missing src")
	}

	children, err := env.Store.List(ctx, src)
	if err != nil {
		return nil, newHandlerError(KindOperationFailed, "getListing %s: %v", src, err)
	}
	for _, child := range children {
		env.Cache.Put(child)
	}

	payload, err := json.Marshal(children)
	if err != nil {
		return nil, newHandlerError(KindOperationFailed, "marshal listing: %v", err)
	}
	return &HandlerResult{Payload: payload, PrimaryPath: src}, nil
}

func handleGetACLStatus(ctx context.Context, env *Env, req *wire.Request) (*HandlerResult, error) {
	src, _ := req.FsArgs["src"].(string)
	if src == "" {
		return nil, newHandlerError(KindOperationFailed, "getAclStatus: missing src")
	}
	stats := metadatacache.StatsFromContext(ctx)
	inode := env.Cache.ByPath(stats, src)
	if inode == nil {
		return &HandlerResult{Payload: []byte("null"), PrimaryPath: src}, nil
	}
	entries, _ := env.Cache.ACL(stats, inode.ID)
	payload, err := json.Marshal(entries)
	if err != nil {
		return nil, newHandlerError(KindOperationFailed, "marshal acl: %v", err)
	}
	return &HandlerResult{Payload: payload, PrimaryPath: src, PrimaryParentID: inode.ParentID}, nil
}

func handleGetEZForPath(ctx context.Context, env *Env, req *wire.Request) (*HandlerResult, error) {
	src, _ := req.FsArgs["src"].(string)
	if src == "" {
		return nil, newHandlerError(KindOperationFailed, "getEZForPath: missing src")
	}
	stats := metadatacache.StatsFromContext(ctx)
	inode := env.Cache.ByPath(stats, src)
	if inode == nil {
		return &HandlerResult{Payload: []byte("null"), PrimaryPath: src}, nil
	}
	ez, _ := env.Cache.EncryptionZone(stats, inode.ID)
	payload, err := json.Marshal(ez)
	if err != nil {
		return nil, newHandlerError(KindOperationFailed, "marshal ez: %v", err)
	}
	return &HandlerResult{Payload: payload, PrimaryPath: src, PrimaryParentID: inode.ParentID}, nil
}

// handleSetReplication preserves the upstream system's observable behavior:
// the call succeeds and reports false without touching the namespace.
func handleSetReplication(ctx context.Context, env *Env, req *wire.Request) (*HandlerResult, error) {
	src, _ := req.FsArgs["src"].(string)
	return &HandlerResult{Payload: []byte("false"), PrimaryPath: src}, nil
}

// writeOp wraps a store-applied mutation with write authorization and cache
// invalidation.
func writeOp(op string) Handler {
	return func(ctx context.Context, env *Env, req *wire.Request) (*HandlerResult, error) {
		src, ok := req.FsArgs["src"].(string)
		if !ok || src == "" {
			return nil, newHandlerError(KindOperationFailed, "%s: missing src", op)
		}

		parent, err := env.authorizeWrite(ctx, src)
		if err != nil {
			return nil, err
		}

		payload, primary, err := env.Store.Apply(ctx, op, req.FsArgs)
		if err != nil {
			return nil, newHandlerError(KindOperationFailed, "%s %s: %v", op, src, err)
		}

		// The local cache may hold entries the mutation just made stale.
		ids := env.Cache.InvalidateByPrefix(src)
		if primary != nil {
			env.Cache.Put(primary)
		}
		if len(ids) > 0 {
			// Best effort; the external store stays authoritative either way.
			_ = metadatacache.PublishInvalidation(ctx, "executor", ids, src)
		}

		res := &HandlerResult{Payload: payload, PrimaryPath: src}
		if parent != nil {
			res.PrimaryParentID = parent.ID
		}
		return res, nil
	}
}

// authorizeWrite enforces write authority: only the deployment owning the
// target's parent inode may mutate it. Returns the resolved parent inode
// (nil when the parent does not exist yet, in which case routing falls back
// to the path hash, which by construction agrees on client and server).
func (env *Env) authorizeWrite(ctx context.Context, src string) (*models.Inode, error) {
	stats := metadatacache.StatsFromContext(ctx)
	parentPath := routing.ParentPath(src)

	parent := env.Cache.ByPath(stats, parentPath)
	if parent == nil {
		var err error
		parent, err = env.Store.Resolve(ctx, parentPath)
		if err != nil {
			return nil, newHandlerError(KindOperationFailed, "resolve parent of %s: %v", src, err)
		}
		if parent != nil {
			env.Cache.Put(parent)
		}
	}

	var owner int
	if parent != nil {
		owner = env.Ring.DeploymentOfInode(parent.ID)
	} else {
		owner = env.Ring.DeploymentOfPath(src)
	}
	if owner != env.Identity.Deployment {
		return parent, newHandlerError(KindNotAuthorizedHere,
			"write for %s belongs to deployment %d, this is %d", src, owner, env.Identity.Deployment)
	}
	return parent, nil
}
