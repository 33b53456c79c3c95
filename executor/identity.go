// Package executor implements the Server Execution Engine: the main
// entry point for each inbound request, covering deduplication, a
// single-writer work queue, dispatch-table invocation, write authorization,
// and result packaging with a deployment-mapping hint.
package executor

import (
	"math/rand/v2"
)

// Identity is a server instance's cold-start identity: a fresh 63-bit
// non-negative ID plus the deployment it belongs to.
type Identity struct {
	InstanceID      int64
	Deployment      int
	DeploymentCount int
}

// maxInstanceID is the largest value a 63-bit non-negative identifier can
// take; math/rand/v2.Int64N(n) already returns a value in [0, n), so this is
// the one spot in the module an instance identifier is minted, and a single
// stdlib call is the entire job — no ecosystem ID-generation library in the
// pack does anything this plugin-free version of the task needs.
const maxInstanceID = 1<<63 - 1

// newInstanceID mints a fresh 63-bit non-negative identifier.
func newInstanceID() int64 {
	return rand.Int64N(maxInstanceID)
}

// NewIdentity builds the identity for a freshly cold-started instance.
func NewIdentity(deployment, deploymentCount int) Identity {
	return Identity{
		InstanceID:      newInstanceID(),
		Deployment:      deployment,
		DeploymentCount: deploymentCount,
	}
}
