package hierarchy

import "context"

// Record is one durable agent rollup row. A row created by a capture-time
// update before registration completes has no agent flag yet; such rows
// are incomplete, invisible to reads, and eventually swept.
type Record struct {
	ID              string
	ParentID        string // empty for forest roots
	Agent           bool   // true only for leaf agents
	Complete        bool   // registration finished
	LastCaptureTime int64  // epoch milliseconds, zero if never captured
}

// Store is the durable persistence consumed by the Resolver. Calls may
// suspend on I/O; implementations must honor context cancellation.
type Store interface {
	// UpsertRollup writes or repairs one row's parent link and agent
	// flag, marking the row complete. The last capture time, if any,
	// is preserved.
	UpsertRollup(ctx context.Context, agentRollupID, parentAgentRollupID string, agent bool) error

	// UpsertLastCaptureTime records a capture time, creating an
	// incomplete row if the id was never registered.
	UpsertLastCaptureTime(ctx context.Context, agentRollupID string, captureTime int64) error

	// ReadParentID returns the parent of an id. The boolean is false
	// when the row is missing or has no parent recorded.
	ReadParentID(ctx context.Context, agentRollupID string) (string, bool, error)

	// ReadRows returns every row, complete or not.
	ReadRows(ctx context.Context) ([]Record, error)

	// ReadIsAgent reports whether the id is a registered leaf agent.
	// Unknown ids and rollup groups are false.
	ReadIsAgent(ctx context.Context, agentRollupID string) (bool, error)

	// DeleteIncomplete removes a row only if its registration never
	// completed.
	DeleteIncomplete(ctx context.Context, agentRollupID string) error
}
