package integration

import (
	"fmt"
	"net/http"
	"testing"
	"time"
)

type invokeResponse struct {
	StatusCode int    `json:"statusCode"`
	Status     string `json:"status"`
	Success    bool   `json:"success"`
	Body       struct {
		RequestID        string   `json:"requestId"`
		Operation        string   `json:"operation"`
		NameNodeID       int64    `json:"nameNodeId"`
		DeploymentNumber int      `json:"deploymentNumber"`
		ColdStart        bool     `json:"coldStart"`
		DuplicateRequest bool     `json:"duplicateRequest"`
		Result           string   `json:"result"`
		Exceptions       []string `json:"exceptions"`
		DeploymentMapping *struct {
			FileOrDir string `json:"fileOrDir"`
			ParentID  int64  `json:"parentId"`
			Function  int    `json:"function"`
		} `json:"deploymentMapping"`
	} `json:"body"`
}

func invokeEnvelope(op, requestID string, fsArgs map[string]any, forceRedo bool) map[string]any {
	return map[string]any{
		"value": map[string]any{
			"op":         op,
			"requestId":  requestID,
			"clientName": "integration-suite",
			"tcpEnabled": false,
			"fsArgs":     fsArgs,
			"forceRedo":  forceRedo,
			"logLevel":   "info",
		},
	}
}

func TestNamenodeInvoke(t *testing.T) {
	requireService(t)

	runID := fmt.Sprintf("it-%d", time.Now().UnixNano())
	dir := fmt.Sprintf("/it/%s", runID)

	t.Run("mkdirs then getFileInfo", func(t *testing.T) {
		status, body := doJSON(t, http.MethodPost, "/namenode",
			invokeEnvelope("mkdirs", runID+"-mk", map[string]any{"src": dir + "/sub"}, false))
		assertStatusIn(t, status, 200)

		var resp invokeResponse
		mustUnmarshalJSON(t, body, &resp)
		if resp.StatusCode != 200 {
			t.Fatalf("envelope statusCode = %d, want 200 whenever an envelope exists", resp.StatusCode)
		}
		if resp.Body.RequestID != runID+"-mk" {
			t.Errorf("requestId = %q, want echo of the submitted ID", resp.Body.RequestID)
		}

		status, body = doJSON(t, http.MethodPost, "/namenode",
			invokeEnvelope("getFileInfo", runID+"-stat", map[string]any{"src": dir + "/sub"}, false))
		assertStatusIn(t, status, 200)
		mustUnmarshalJSON(t, body, &resp)
		if !resp.Success && resp.Body.DeploymentMapping == nil {
			// A wrong-deployment bounce is acceptable on a sharded run, but
			// it must then carry the re-routing hint.
			t.Errorf("unsuccessful invoke without a mapping hint: %+v", resp.Body)
		}
		if resp.Body.DeploymentMapping != nil && resp.Body.DeploymentMapping.FileOrDir != dir+"/sub" {
			t.Errorf("mapping.fileOrDir = %q, want %q", resp.Body.DeploymentMapping.FileOrDir, dir+"/sub")
		}
	})

	t.Run("duplicate replay", func(t *testing.T) {
		requestID := runID + "-dup"
		envelope := invokeEnvelope("getFileInfo", requestID, map[string]any{"src": dir}, false)

		status, _ := doJSON(t, http.MethodPost, "/namenode", envelope)
		assertStatusIn(t, status, 200)

		status, body := doJSON(t, http.MethodPost, "/namenode", envelope)
		assertStatusIn(t, status, 200)

		var resp invokeResponse
		mustUnmarshalJSON(t, body, &resp)
		if !resp.Body.DuplicateRequest {
			t.Error("second submission with the same requestId must be marked duplicateRequest")
		}
		if resp.Body.Result != "" {
			t.Error("duplicate reply must carry no result payload")
		}
		if resp.Body.RequestID != requestID {
			t.Errorf("duplicate requestId = %q, want %q", resp.Body.RequestID, requestID)
		}
	})

	t.Run("forceRedo bypasses dedup", func(t *testing.T) {
		requestID := runID + "-redo"
		first := invokeEnvelope("getFileInfo", requestID, map[string]any{"src": dir}, false)
		status, _ := doJSON(t, http.MethodPost, "/namenode", first)
		assertStatusIn(t, status, 200)

		redo := invokeEnvelope("getFileInfo", requestID, map[string]any{"src": dir}, true)
		status, body := doJSON(t, http.MethodPost, "/namenode", redo)
		assertStatusIn(t, status, 200)

		var resp invokeResponse
		mustUnmarshalJSON(t, body, &resp)
		if resp.Body.DuplicateRequest {
			t.Error("forceRedo submission must not be marked duplicate")
		}
	})

	t.Run("unknown op is an exception not an error status", func(t *testing.T) {
		status, body := doJSON(t, http.MethodPost, "/namenode",
			invokeEnvelope("frobnicate", runID+"-bad", map[string]any{}, false))
		assertStatusIn(t, status, 200)

		var resp invokeResponse
		mustUnmarshalJSON(t, body, &resp)
		if resp.Success {
			t.Error("unknown op must not be reported successful")
		}
		if len(resp.Body.Exceptions) == 0 {
			t.Error("unknown op must surface a NoSuchOperation exception")
		}
	})
}
