// Package wire defines the HTTP and TCP envelope shapes shared by the client
// dispatcher and the server execution engine, so both sides encode/decode
// the identical JSON structures without importing one another.
package wire

import "encore.app/pkg/models"

// Request is the inner `value` object of the HTTP request envelope, and the
// single TCP request message shape.
type Request struct {
	Op                         string         `json:"op"`
	RequestID                  string         `json:"requestId"`
	ClientName                 string         `json:"clientName"`
	ClientInternalIP           string         `json:"clientInternalIp"`
	TCPEnabled                 bool           `json:"tcpEnabled"`
	TCPPort                    int            `json:"tcpPort"`
	FsArgs                     map[string]any `json:"fsArgs"`
	CommandLineArgs            []string       `json:"commandLineArgs,omitempty"`
	DebugNdb                   *bool          `json:"debugNdb,omitempty"`
	DebugStringNdb             *string        `json:"debugStringNdb,omitempty"`
	ForceRedo                  bool           `json:"forceRedo,omitempty"`
	ConsistencyProtocolEnabled bool           `json:"consistencyProtocolEnabled"`
	LogLevel                   string         `json:"logLevel"`
	IsClientInvoker            bool           `json:"isClientInvoker"`
	InvokerIdentity            string         `json:"invokerIdentity"`
}

// Envelope is the top-level HTTP request body: {"value": {...}}.
type Envelope struct {
	Value Request `json:"value"`
}

// ResponseBody is the `body` object of the HTTP/TCP response envelope.
type ResponseBody struct {
	RequestID              string                    `json:"requestId"`
	Operation              string                    `json:"operation"`
	NameNodeID             int64                     `json:"nameNodeId"`
	DeploymentNumber       int                        `json:"deploymentNumber"`
	CacheHits              int                        `json:"cacheHits"`
	CacheMisses            int                        `json:"cacheMisses"`
	FnStartTime            int64                      `json:"fnStartTime"`
	FnEndTime              int64                      `json:"fnEndTime"`
	EnqueuedTime           int64                      `json:"enqueuedTime"`
	DequeuedTime           int64                      `json:"dequeuedTime"`
	ProcessingFinishedTime int64                      `json:"processingFinishedTime"`
	ColdStart              bool                       `json:"coldStart"`
	Cancelled              bool                       `json:"cancelled"`
	DuplicateRequest       bool                       `json:"duplicateRequest"`
	Result                 string                     `json:"result,omitempty"` // base64
	Exceptions             []string                   `json:"exceptions"`
	DeploymentMapping      *models.DeploymentMapping  `json:"deploymentMapping,omitempty"`
	StatisticsPackage      map[string]any             `json:"statisticsPackage,omitempty"`
	TransactionEvents      []string                   `json:"transactionEvents,omitempty"`
}

// Response is the top-level HTTP response envelope.
type Response struct {
	StatusCode int               `json:"statusCode"`
	Status     string            `json:"status"`
	Success    bool              `json:"success"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       ResponseBody      `json:"body"`
}

// ExceptionKind extracts the taxonomy kind from a wire exception string of
// the form "Kind: detail". Exceptions cross the wire as plain strings to
// keep the envelope language-agnostic; this is the one place the kind
// prefix convention is interpreted, shared by the dispatcher's re-route
// logic and the executor's telemetry reporter.
func ExceptionKind(exc string) string {
	for i := 0; i < len(exc); i++ {
		if exc[i] == ':' {
			return exc[:i]
		}
	}
	return exc
}

// TCPMessage is the single TCP message shape in either direction: a request
// carries Request fields populated, a reply carries ResponseBody fields
// populated plus the cancellation triplet.
type TCPMessage struct {
	Request     *Request      `json:"request,omitempty"`
	Response    *ResponseBody `json:"response,omitempty"`
	Cancelled   bool          `json:"cancelled,omitempty"`
	Reason      string        `json:"reason,omitempty"`
	ShouldRetry bool          `json:"shouldRetry,omitempty"`
}
