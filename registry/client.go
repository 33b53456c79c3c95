package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"encore.app/pkg/models"
	"encore.app/pkg/utils"
)

// HTTPClient is a thin client for the Deployment Registry's public API,
// used by out-of-process callers (the client dispatcher in package client,
// which does not run inside this Encore app and therefore cannot call the
// service functions in-process). The request/response shape and the
// PostJSON/GetJSON helper pattern are grounded on the pack's cluster
// communication helpers (johnjansen-torua/internal/cluster/types.go), since
// this module otherwise has no client-to-service HTTP helper — every
// other caller is an in-process Encore service call.
type HTTPClient struct {
	BaseURL string
	HTTP    *http.Client

	// liveCache holds per-deployment ListLive snapshots for one staleness
	// window, so the dispatcher's transport choice does not hit the
	// registry on every submit.
	liveMu    sync.Mutex
	liveCache map[int]*models.HintRecord
}

// NewHTTPClient builds a registry client pointed at baseURL (the registry
// service's configured endpoint ("registry.endpoint" in configuration).
func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		BaseURL:   baseURL,
		HTTP:      &http.Client{Timeout: 5 * time.Second},
		liveCache: make(map[int]*models.HintRecord),
	}
}

func (c *HTTPClient) Join(ctx context.Context, deployment int, instanceID int64) error {
	return c.postJSON(ctx, "/registry/join", &JoinRequest{Deployment: deployment, InstanceID: instanceID}, nil)
}

func (c *HTTPClient) Leave(ctx context.Context, deployment int, instanceID int64) error {
	return c.postJSON(ctx, "/registry/leave", &LeaveRequest{Deployment: deployment, InstanceID: instanceID}, nil)
}

func (c *HTTPClient) ListLive(ctx context.Context, deployment int) ([]int64, error) {
	var resp ListLiveResponse
	if err := c.getJSON(ctx, fmt.Sprintf("/registry/live/%d", deployment), &resp); err != nil {
		return nil, err
	}
	return resp.InstanceIDs, nil
}

// ListLiveCached answers from a TTL-bound local snapshot when one is still
// inside the staleness window, refreshing from the service otherwise. A
// stale answer here is as safe as anywhere else in routing: the worst case
// is one failed dial followed by the HTTP fall-back.
func (c *HTTPClient) ListLiveCached(ctx context.Context, deployment int) ([]int64, error) {
	now := time.Now()

	c.liveMu.Lock()
	entry, ok := c.liveCache[deployment]
	c.liveMu.Unlock()
	if ok && !entry.IsExpired(now) {
		entry.Touch()
		var ids []int64
		if err := utils.UnmarshalJSON(entry.Payload, &ids); err == nil {
			return ids, nil
		}
	}

	ids, err := c.ListLive(ctx, deployment)
	if err != nil {
		return nil, err
	}
	value, err := utils.MarshalJSON(ids)
	if err != nil {
		return ids, nil
	}
	fresh := models.NewHintRecordWithTTL(strconv.Itoa(deployment), value, StalenessWindow)
	c.liveMu.Lock()
	c.liveCache[deployment] = fresh
	c.liveMu.Unlock()
	return ids, nil
}

// IsAlive is conservative on transport error: it returns (true, err) so
// callers keep treating a possibly-live channel as live.
func (c *HTTPClient) IsAlive(ctx context.Context, instanceID int64) (bool, error) {
	var resp IsAliveResponse
	if err := c.getJSON(ctx, fmt.Sprintf("/registry/alive/%d", instanceID), &resp); err != nil {
		return true, err
	}
	return resp.Alive, nil
}

func (c *HTTPClient) Refresh(ctx context.Context) error {
	return c.postJSON(ctx, "/registry/refresh", struct{}{}, nil)
}

func (c *HTTPClient) postJSON(ctx context.Context, path string, body, out any) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("registry: http %s: %d", path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *HTTPClient) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, http.NoBody)
	if err != nil {
		return err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("registry: http %s: %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
