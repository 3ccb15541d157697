package registry

import "errors"

// ErrAgentNotFound is returned by operations that require an existing
// record (Heartbeat, RecordTaskOutcome) when id is unknown to the registry.
var ErrAgentNotFound = errors.New("registry: agent not found")
