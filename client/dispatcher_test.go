package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"encore.app/client/invocache"
	"encore.app/pkg/models"
	"encore.app/pkg/wire"
)

func newTestDispatcher(t *testing.T, handler http.HandlerFunc) (*Dispatcher, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)

	cfg := DefaultConfig()
	cfg.DeploymentCount = 4
	cfg.TCPEnabled = false
	cfg.HTTPTimeout = 2 * time.Second
	cfg.Backoff.MaxAttempts = 2
	cfg.Backoff.InitialMs = 1

	d := NewDispatcher(cfg, func(int) string { return srv.URL }, nil)
	return d, srv
}

func TestDispatcher_Submit_ColdStartSimpleRead(t *testing.T) {
	d, srv := newTestDispatcher(t, func(w http.ResponseWriter, r *http.Request) {
		var env wire.Envelope
		_ = json.NewDecoder(r.Body).Decode(&env)

		resp := wire.Response{
			StatusCode: 200,
			Status:     "OK",
			Success:    true,
			Body: wire.ResponseBody{
				RequestID:  env.Value.RequestID,
				Operation:  env.Value.Op,
				ColdStart:  true,
				Exceptions: []string{},
				DeploymentMapping: &models.DeploymentMapping{
					FileOrDir: "/a/b",
					ParentID:  42,
					Function:  2,
				},
			},
		}
		_ = json.NewEncoder(w).Encode(resp)
	})
	defer srv.Close()

	resp, err := d.Submit(context.Background(), "getFileInfo", map[string]any{"src": "/a/b"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if !resp.ColdStart {
		t.Errorf("expected ColdStart=true")
	}
	if resp.DuplicateRequest {
		t.Errorf("expected DuplicateRequest=false")
	}
	if resp.DeploymentMapping == nil || resp.DeploymentMapping.Function != 2 {
		t.Fatalf("expected deploymentMapping.function=2, got %+v", resp.DeploymentMapping)
	}

	if got := d.cache.Lookup("/a"); got != 2 {
		t.Errorf("invocache not updated from mapping hint: got %d", got)
	}

	entries := d.Telemetry().Entries()
	if len(entries) != 1 || entries[0].Transport != "http" || !entries[0].Success {
		t.Fatalf("unexpected telemetry: %+v", entries)
	}
}

func TestDispatcher_Submit_NotAuthorizedHereRetargetsAndRetries(t *testing.T) {
	calls := 0
	d, srv := newTestDispatcher(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		var env wire.Envelope
		_ = json.NewDecoder(r.Body).Decode(&env)

		body := wire.ResponseBody{
			RequestID:  env.Value.RequestID,
			Operation:  env.Value.Op,
			Exceptions: []string{},
		}
		if calls == 1 {
			// The executor's wire form is always "Kind: detail".
			body.Exceptions = []string{"NotAuthorizedHere: write for /x/y belongs to deployment 3, this is 0"}
			body.DeploymentMapping = &models.DeploymentMapping{FileOrDir: "/x/y", ParentID: 7, Function: 3}
		}
		_ = json.NewEncoder(w).Encode(wire.Response{StatusCode: 200, Success: true, Body: body})
	})
	defer srv.Close()

	resp, err := d.Submit(context.Background(), "mkdirs", map[string]any{"src": "/x/y"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 HTTP calls (reroute + retry), got %d", calls)
	}
	if hasException(resp.Exceptions, "NotAuthorizedHere") {
		t.Errorf("final response should not carry NotAuthorizedHere")
	}
	if got := d.cache.Lookup("/x"); got != 3 {
		t.Errorf("expected invocache updated to deployment 3, got %d", got)
	}
}

func TestDispatcher_Submit_BackoffExhaustionReturnsTransientNetwork(t *testing.T) {
	d, srv := newTestDispatcher(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	srv.Close() // force every request to fail immediately

	_, err := d.Submit(context.Background(), "getFileInfo", map[string]any{"src": "/a"})
	if err == nil {
		t.Fatal("expected error")
	}
	derr, ok := err.(*DispatchError)
	if !ok {
		t.Fatalf("expected *DispatchError, got %T", err)
	}
	if derr.Kind != KindTransientNetwork {
		t.Errorf("expected KindTransientNetwork, got %v", derr.Kind)
	}

	entries := d.Telemetry().Entries()
	if len(entries) != d.cfg.Backoff.MaxAttempts {
		t.Fatalf("expected %d telemetry entries, got %d", d.cfg.Backoff.MaxAttempts, len(entries))
	}
}

func TestDispatcher_Submit_RootPathMapsToItself(t *testing.T) {
	d, srv := newTestDispatcher(t, func(w http.ResponseWriter, r *http.Request) {
		var env wire.Envelope
		_ = json.NewDecoder(r.Body).Decode(&env)
		_ = json.NewEncoder(w).Encode(wire.Response{
			StatusCode: 200,
			Success:    true,
			Body: wire.ResponseBody{
				RequestID:  env.Value.RequestID,
				Exceptions: []string{},
			},
		})
	})
	defer srv.Close()

	_, err := d.Submit(context.Background(), "getFileInfo", map[string]any{"src": "/"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if got := d.cache.Lookup("/"); got == invocache.NoDeployment {
		t.Errorf("expected root parent path to be cached after submit, got a miss")
	}
}
