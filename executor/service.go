package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"encore.dev/storage/sqldb"
	"golang.org/x/time/rate"

	"encore.app/mappingstore"
	"encore.app/metadatacache"
	"encore.app/pkg/middleware"
	"encore.app/pkg/wire"
	"encore.app/registry"
	"encore.app/warming"
)

// Service hosts one name-node instance: the execution engine, the TCP
// listener, and the cold-start prewarmer. Cold-start orchestration happens
// here, at the listener level, with explicit state handed into the engine —
// never via implicit global construction.
//
//encore:service
type Service struct {
	cfg       Config
	engine    *Engine
	listener  *Listener
	prewarmer *warming.Prewarmer
	reporter  *telemetryReporter

	heartbeatStop chan struct{}
}

var db = sqldb.Named("metadata_db")

var svc *Service

func init() {
	var err error
	svc, err = initService()
	if err != nil {
		// Fatal by taxonomy: a cold-start initialization failure terminates
		// the instance; the registry's ephemeral record then ages out.
		panic(fmt.Sprintf("executor: init failed: %v", err))
	}
}

func initService() (*Service, error) {
	cfg := ConfigFromEnv()

	store, err := NewSQLStore(db)
	if err != nil {
		return nil, fmt.Errorf("executor: metadata store: %w", err)
	}

	identity := NewIdentity(cfg.Deployment, cfg.DeploymentCount)
	engine := NewEngine(cfg, identity, store)
	metadatacache.SetInstanceCache(engine.Cache())

	s := &Service{
		cfg:           cfg,
		engine:        engine,
		heartbeatStop: make(chan struct{}),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := registry.Join(ctx, &registry.JoinRequest{
		Deployment: identity.Deployment,
		InstanceID: identity.InstanceID,
	}); err != nil {
		return nil, fmt.Errorf("executor: registry join: %w", err)
	}
	go s.heartbeat()

	if cfg.TCPEnabled {
		listener, err := StartListener(engine, cfg)
		if err != nil {
			return nil, fmt.Errorf("executor: tcp listener: %w", err)
		}
		s.listener = listener
		log.Printf("executor instance=%d deployment=%d tcpPort=%d up",
			identity.InstanceID, identity.Deployment, listener.Port())
	}

	// Prewarm the metadata cache for this deployment's slice of the
	// namespace. Purely a hit-rate supplement: misses after a cold start are
	// correct either way.
	warmCfg := warming.DefaultConfig()
	warmCfg.Deployment = identity.Deployment
	s.prewarmer = warming.NewPrewarmer(warmCfg, func(ctx context.Context, inodeID int64) error {
		_, err := engine.Coalescer().GetByID(ctx, nil, inodeID)
		return err
	})
	engine.SetAccessRecorder(s.prewarmer.RecordAccess)
	s.prewarmer.Start()
	s.prewarmer.QueueColdStart()

	// Push derived mappings to the mapping store, throttled so a read burst
	// over one directory does not become a publish burst.
	pushLimiter := rate.NewLimiter(rate.Limit(10), 20)
	engine.SetMappingSink(func(parentPath string, deployment int) {
		if !pushLimiter.Allow() {
			return
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = mappingstore.PublishRefresh(ctx, parentPath, deployment)
		}()
	})

	s.reporter = newTelemetryReporter(identity)
	engine.SetOperationObserver(s.reporter.Observe)
	s.reporter.Start()

	return s, nil
}

// heartbeat refreshes this instance's ephemeral registry row so it stays
// inside the staleness window while the instance is alive.
func (s *Service) heartbeat() {
	interval := registry.StalenessWindow / 3
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.heartbeatStop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			_, err := registry.Join(ctx, &registry.JoinRequest{
				Deployment: s.engine.Identity().Deployment,
				InstanceID: s.engine.Identity().InstanceID,
			})
			cancel()
			if err != nil {
				log.Printf("executor heartbeat failed: %v", err)
			}
		}
	}
}

// Shutdown leaves the registry and tears down the listener and worker.
func (s *Service) Shutdown(force context.Context) {
	close(s.heartbeatStop)
	s.reporter.Stop()
	if s.listener != nil {
		s.listener.Close()
	}
	s.prewarmer.Shutdown()
	_, _ = registry.Leave(force, &registry.LeaveRequest{
		Deployment: s.engine.Identity().Deployment,
		InstanceID: s.engine.Identity().InstanceID,
	})
	s.engine.Shutdown()
}

var invokeHandler = middleware.RequestLogger(http.HandlerFunc(handleInvoke))

// Invoke is the HTTP transport entry: it accepts the {value: {...}} request
// envelope and always answers 200 with a full response envelope when one
// can be produced — success lives in the body, not the status code.
//
//encore:api public raw method=POST path=/namenode
func Invoke(w http.ResponseWriter, req *http.Request) {
	invokeHandler.ServeHTTP(w, req)
}

func handleInvoke(w http.ResponseWriter, req *http.Request) {
	var envelope wire.Envelope
	if err := json.NewDecoder(req.Body).Decode(&envelope); err != nil {
		http.Error(w, fmt.Sprintf("malformed envelope: %v", err), http.StatusBadRequest)
		return
	}

	body := svc.engine.Execute(req.Context(), &envelope.Value)

	resp := wire.Response{
		StatusCode: http.StatusOK,
		Status:     "OK",
		Success:    len(body.Exceptions) == 0 && !body.Cancelled,
		Body:       *body,
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Printf("executor: encode response: %v", err)
	}
}
