package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"encore.app/client/invocache"
	"encore.app/pkg/routing"
	"encore.app/pkg/wire"
	"encore.app/registry"
)

// Config carries the dispatcher's static, per-process configuration, the
// enumerated set from the wire envelope's client-identity fields plus the
// transport/retry knobs.
type Config struct {
	ClientName                 string
	ClientInternalIP           string
	TCPEnabled                 bool
	TCPPort                    int
	DeploymentCount            int
	HTTPTimeout                time.Duration
	LogLevel                   string
	IsClientInvoker            bool
	InvokerIdentity            string
	ConsistencyProtocolEnabled bool
	Backoff                    BackoffConfig
	// RegistryEndpoint, when set, enables liveness validation of TCP
	// instances against the Deployment Registry before reusing a channel.
	RegistryEndpoint string
}

// DefaultConfig returns a Config with the documented defaults.
func DefaultConfig() Config {
	return Config{
		TCPEnabled:      true,
		DeploymentCount: 1,
		HTTPTimeout:     5 * time.Second,
		LogLevel:        "info",
		Backoff:         DefaultBackoffConfig(),
	}
}

// EndpointResolver maps a deployment number to its HTTP base URL, per the
// addressing scheme: an endpoint of the form <base>/<prefix><deploymentNumber>
// identifies each deployment.
type EndpointResolver func(deployment int) string

// Dialer opens a transport-level connection to a TCP-enabled instance
// address. Factored out so tests can substitute an in-memory pipe.
type Dialer func(addr string) (Conn, error)

// Dispatcher is the Client Dispatcher: the central state machine that
// submits one filesystem operation, picks TCP or HTTP, and handles retry,
// fall-back, cancellation, and correlation.
type Dispatcher struct {
	cfg       Config
	cache     *invocache.Cache
	ring      *routing.Ring
	endpoint  EndpointResolver
	dial      Dialer
	http      *http.Client
	telemetry *TelemetryLog
	registry  *registry.HTTPClient

	poolsMu sync.Mutex
	pools   map[int]*ChannelPool
}

// NewDispatcher builds a Dispatcher. endpoint resolves a deployment number to
// its HTTP base; dial opens a TCP connection to an instance address supplied
// later via Join.
func NewDispatcher(cfg Config, endpoint EndpointResolver, dial Dialer) *Dispatcher {
	var reg *registry.HTTPClient
	if cfg.RegistryEndpoint != "" {
		reg = registry.NewHTTPClient(cfg.RegistryEndpoint)
	}
	return &Dispatcher{
		registry:  reg,
		cfg:       cfg,
		cache:     invocache.New(),
		ring:      routing.NewRing(cfg.DeploymentCount, 0),
		endpoint:  endpoint,
		dial:      dial,
		http:      &http.Client{Timeout: cfg.HTTPTimeout},
		telemetry: NewTelemetryLog(0),
		pools:     make(map[int]*ChannelPool),
	}
}

// Telemetry exposes the operations-performed log for inspection.
func (d *Dispatcher) Telemetry() *TelemetryLog {
	return d.telemetry
}

// JoinInstance registers inst as TCP-reachable for deployment, so future
// submits for that deployment may pick it for a sticky channel.
func (d *Dispatcher) JoinInstance(deployment int, inst Instance) error {
	return d.poolFor(deployment).Join(inst)
}

// LeaveInstance removes an instance from a deployment's channel pool,
// closing any open channel to it.
func (d *Dispatcher) LeaveInstance(deployment int, instanceID string) {
	d.poolFor(deployment).Leave(instanceID)
}

func (d *Dispatcher) poolFor(deployment int) *ChannelPool {
	d.poolsMu.Lock()
	defer d.poolsMu.Unlock()
	p, ok := d.pools[deployment]
	if !ok {
		p = NewChannelPool()
		d.pools[deployment] = p
	}
	return p
}

// Submit runs the full dispatch algorithm for one filesystem operation:
// transport selection, retry/back-off, TCP-to-HTTP fall-back, and invocation
// cache maintenance from the server's mapping hint.
func (d *Dispatcher) Submit(ctx context.Context, opName string, fsArgs map[string]any) (*wire.ResponseBody, error) {
	requestID := uuid.NewString()

	parentPath := ""
	deployment := invocache.NoDeployment
	var src string
	if s, ok := fsArgs["src"].(string); ok {
		src = s
		parentPath = routing.ParentPath(src)
		deployment = d.cache.Lookup(parentPath)
	}
	if deployment == invocache.NoDeployment {
		// Cold invocation cache: fall back to hashing the path itself (the
		// creation-time routing fallback) rather than guessing deployment 0
		// blind.
		if src != "" {
			deployment = d.ring.DeploymentOfPath(src)
		} else {
			deployment = 0
		}
	}

	forceRedo := false
	bo := newBackOff(d.cfg.Backoff)

	var lastErr error
	for attempt := 1; attempt <= d.cfg.Backoff.MaxAttempts; attempt++ {
		req := d.buildRequest(opName, requestID, fsArgs, forceRedo)

		start := time.Now()
		transport := "http"
		var resp *wire.ResponseBody
		var sendErr error

		if d.cfg.TCPEnabled && d.poolFor(deployment).Size() > 0 {
			transport = "tcp"
			resp, sendErr = d.sendTCP(ctx, deployment, req)
		} else {
			resp, sendErr = d.sendHTTP(ctx, deployment, req)
		}

		entry := OperationPerformed{
			RequestID:  requestID,
			Operation:  opName,
			Transport:  transport,
			Deployment: deployment,
			Attempt:    attempt,
			Start:      start,
			End:        time.Now(),
		}

		if sendErr == nil {
			entry.Success = true
			entry.DuplicateRequest = resp.DuplicateRequest
			entry.Cancelled = resp.Cancelled
			entry.CacheHits = resp.CacheHits
			entry.CacheMisses = resp.CacheMisses
			entry.Enqueued = fromUnixMillis(resp.EnqueuedTime)
			entry.Dequeued = fromUnixMillis(resp.DequeuedTime)
			entry.FnStart = fromUnixMillis(resp.FnStartTime)
			entry.FnEnd = fromUnixMillis(resp.FnEndTime)
			d.telemetry.Record(entry)

			d.cache.Update(parentPath, deployment)
			if resp.DeploymentMapping != nil {
				d.cache.Update(routing.ParentPath(resp.DeploymentMapping.FileOrDir), resp.DeploymentMapping.Function)
			}

			if hasException(resp.Exceptions, "NotAuthorizedHere") && resp.DeploymentMapping != nil {
				deployment = resp.DeploymentMapping.Function
				continue
			}
			return resp, nil
		}

		var derr *DispatchError
		if errors.As(sendErr, &derr) {
			entry.Err = derr.Error()
			d.telemetry.Record(entry)

			switch derr.Kind {
			case KindChannelClosed:
				forceRedo = true
				continue
			case KindDuplicateRequest:
				forceRedo = true
				continue
			}
		} else {
			entry.Err = sendErr.Error()
			d.telemetry.Record(entry)
		}

		lastErr = sendErr
		if attempt == d.cfg.Backoff.MaxAttempts {
			break
		}
		if !sleepBackoff(ctx, bo) {
			break
		}
	}

	return nil, newDispatchError(KindTransientNetwork, "exhausted %d attempts: %v", d.cfg.Backoff.MaxAttempts, lastErr)
}

func (d *Dispatcher) buildRequest(opName, requestID string, fsArgs map[string]any, forceRedo bool) *wire.Request {
	return &wire.Request{
		Op:                         opName,
		RequestID:                  requestID,
		ClientName:                 d.cfg.ClientName,
		ClientInternalIP:           d.cfg.ClientInternalIP,
		TCPEnabled:                 d.cfg.TCPEnabled,
		TCPPort:                    d.cfg.TCPPort,
		FsArgs:                     fsArgs,
		ForceRedo:                  forceRedo,
		ConsistencyProtocolEnabled: d.cfg.ConsistencyProtocolEnabled,
		LogLevel:                   d.cfg.LogLevel,
		IsClientInvoker:            d.cfg.IsClientInvoker,
		InvokerIdentity:            d.cfg.InvokerIdentity,
	}
}

func (d *Dispatcher) sendTCP(ctx context.Context, deployment int, req *wire.Request) (*wire.ResponseBody, error) {
	pool := d.poolFor(deployment)

	// Validate the sticky instance against the registry before reuse.
	// IsAlive is conservative on transport error (returns true), so a
	// registry hiccup never evicts a possibly-live channel.
	if d.registry != nil {
		if inst, ok := pool.InstanceFor(req.RequestID); ok && inst.NameNodeID != 0 {
			if alive, _ := d.registry.IsAlive(ctx, inst.NameNodeID); !alive {
				pool.Leave(inst.ID)
			}
		}
	}

	ch, err := pool.ChannelFor(req.RequestID, d.dial)
	if err != nil {
		return nil, err
	}

	future, err := ch.Send(req)
	if err != nil {
		return nil, err
	}

	timeout := d.cfg.HTTPTimeout
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	done := make(chan struct{})
	var result futureResult
	var ok bool
	go func() {
		result, ok = future.Wait(timer.C)
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return nil, newDispatchError(KindTransientNetwork, "context cancelled waiting for TCP reply")
	}

	if !ok {
		ch.Forget(req.RequestID)
		return nil, newDispatchError(KindTransientNetwork, "TCP attempt timed out after %s", timeout)
	}
	if result.cancelled {
		return nil, newDispatchError(KindChannelClosed, "%s", result.reason)
	}
	if result.response != nil && result.response.DuplicateRequest {
		return nil, newDispatchError(KindDuplicateRequest, "duplicate reply for %s on TCP", req.RequestID)
	}
	return result.response, nil
}

func (d *Dispatcher) sendHTTP(ctx context.Context, deployment int, req *wire.Request) (*wire.ResponseBody, error) {
	envelope := wire.Envelope{Value: *req}
	buf, err := json.Marshal(envelope)
	if err != nil {
		return nil, newDispatchError(KindOperationFailed, "marshal envelope: %v", err)
	}

	url := d.endpoint(deployment)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return nil, newDispatchError(KindOperationFailed, "build request: %v", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := d.http.Do(httpReq)
	if err != nil {
		return nil, newDispatchError(KindTransientNetwork, "http do: %v", err)
	}
	defer httpResp.Body.Close()

	var resp wire.Response
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, newDispatchError(KindTransientNetwork, "decode response: %v", err)
	}
	return &resp.Body, nil
}

// hasException matches on the exception's kind prefix: the server emits
// "Kind: detail" strings, never bare kinds.
func hasException(exceptions []string, kind string) bool {
	for _, e := range exceptions {
		if wire.ExceptionKind(e) == kind {
			return true
		}
	}
	return false
}

func fromUnixMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

