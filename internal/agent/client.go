// internal/agent/client.go
package agent

import "context"

// Client is the boundary to the external reasoning/tool-execution agent.
// Query starts one turn and returns the agent's event sequence. The channel
// is closed when the turn ends; a stream failure arrives as a final
// EventError rather than an error return, so callers only see an error when
// the turn could not be started at all.
type Client interface {
	Query(ctx context.Context, req Request) (<-chan Event, error)
}
