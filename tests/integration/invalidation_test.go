package integration

import (
	"fmt"
	"net/http"
	"testing"
	"time"
)

type invalidatePrefixResponse struct {
	Success    bool   `json:"success"`
	PathPrefix string `json:"pathPrefix"`
	RequestID  string `json:"request_id"`
}

type auditLogsResponse struct {
	Logs []struct {
		PathPrefix string `json:"path_prefix"`
		RequestID  string `json:"request_id"`
	} `json:"logs"`
	TotalCount int `json:"total_count"`
}

func TestInvalidationService(t *testing.T) {
	requireService(t)

	runID := fmt.Sprintf("inv-it-%d", time.Now().UnixNano())

	t.Run("inode invalidation", func(t *testing.T) {
		status, _ := doJSON(t, http.MethodPost, "/invalidate/inodes", map[string]any{
			"inodeIds":     []int64{42, 42, 43},
			"triggered_by": "integration",
			"request_id":   runID + "-inodes",
		})
		assertStatusIn(t, status, 200)
	})

	t.Run("prefix invalidation normalizes wildcards", func(t *testing.T) {
		status, body := doJSON(t, http.MethodPost, "/invalidate/prefix", map[string]any{
			"pathPrefix":   "/it/" + runID + "/*",
			"triggered_by": "integration",
			"request_id":   runID + "-prefix",
		})
		assertStatusIn(t, status, 200)

		var resp invalidatePrefixResponse
		mustUnmarshalJSON(t, body, &resp)
		if resp.PathPrefix != "/it/"+runID {
			t.Errorf("prefix = %q, want trailing wildcard stripped", resp.PathPrefix)
		}
	})

	t.Run("change stream translation", func(t *testing.T) {
		status, _ := doJSON(t, http.MethodPost, "/invalidate/changestream", map[string]any{
			"records": []map[string]any{
				{"kind": "write", "inodeId": 99},
				{"kind": "delete", "path": "/it/" + runID + "/gone"},
			},
			"source":     "integration",
			"request_id": runID + "-cs",
		})
		assertStatusIn(t, status, 200)
	})

	t.Run("audit trail records events", func(t *testing.T) {
		// Audit writes are async; give them a moment.
		deadline := time.Now().Add(5 * time.Second)
		for {
			status, body := doJSON(t, http.MethodGet, "/audit/logs?limit=50&prefix="+runID, nil)
			assertStatusIn(t, status, 200)

			var resp auditLogsResponse
			mustUnmarshalJSON(t, body, &resp)
			if resp.TotalCount > 0 {
				return
			}
			if time.Now().After(deadline) {
				t.Fatal("no audit log entries appeared for this run's prefix")
			}
			time.Sleep(200 * time.Millisecond)
		}
	})
}
