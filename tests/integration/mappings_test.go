package integration

import (
	"fmt"
	"net/http"
	"testing"
	"time"
)

type mappingLookupResponse struct {
	Deployment int    `json:"deployment"`
	Hit        bool   `json:"hit"`
	Source     string `json:"source"`
}

func TestMappingStore(t *testing.T) {
	requireService(t)

	parent := fmt.Sprintf("/it/mappings/%d", time.Now().UnixNano())

	t.Run("miss is deployment -1", func(t *testing.T) {
		status, body := doJSON(t, http.MethodPost, "/api/mappings/lookup", map[string]any{
			"parentPath": parent,
		})
		assertStatusIn(t, status, 200)

		var resp mappingLookupResponse
		mustUnmarshalJSON(t, body, &resp)
		if resp.Hit || resp.Deployment != -1 {
			t.Errorf("resp = %+v, want miss with -1", resp)
		}
	})

	t.Run("upsert then lookup", func(t *testing.T) {
		status, _ := doJSON(t, http.MethodPost, "/api/mappings", map[string]any{
			"parentPath": parent,
			"deployment": 3,
		})
		assertStatusIn(t, status, 200)

		status, body := doJSON(t, http.MethodPost, "/api/mappings/lookup", map[string]any{
			"parentPath": parent,
		})
		assertStatusIn(t, status, 200)

		var resp mappingLookupResponse
		mustUnmarshalJSON(t, body, &resp)
		if !resp.Hit || resp.Deployment != 3 {
			t.Errorf("resp = %+v, want hit for deployment 3", resp)
		}
	})

	t.Run("prefix invalidation drops the mapping", func(t *testing.T) {
		status, _ := doJSON(t, http.MethodPost, "/api/mappings/invalidate", map[string]any{
			"pathPrefix": parent,
		})
		assertStatusIn(t, status, 200)

		status, body := doJSON(t, http.MethodPost, "/api/mappings/lookup", map[string]any{
			"parentPath": parent,
		})
		assertStatusIn(t, status, 200)

		var resp mappingLookupResponse
		mustUnmarshalJSON(t, body, &resp)
		if resp.Hit {
			t.Error("mapping should be gone after prefix invalidation")
		}
	})
}
