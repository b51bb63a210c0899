package hierarchy

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/xtxerr/beacon/internal/cluster"
	errs "github.com/xtxerr/beacon/internal/errors"
	"github.com/xtxerr/beacon/internal/logging"
)

// agentRollupIDCacheName names the cluster cache holding parent lookups.
const agentRollupIDCacheName = "agentRollupIdCache"

// AgentRollup is one node of the resolved agent forest.
type AgentRollup struct {
	ID              string
	Display         string
	Agent           bool // true only for leaf agents
	LastCaptureTime int64
	Children        []*AgentRollup // ordered by display name
}

// Resolver maintains and resolves the forest of agents and rollup groups,
// backed by durable rows and a cluster-coordinated parent-lookup cache.
type Resolver struct {
	store Store
	cache *cluster.Cache
	log   *slog.Logger
}

// NewResolver creates a resolver over the given store, registering its
// parent-lookup cache with the cluster manager.
func NewResolver(store Store, clusterMgr *cluster.Manager) *Resolver {
	r := &Resolver{
		store: store,
		log:   logging.Component("hierarchy"),
	}
	r.cache = clusterMgr.CreateCache(agentRollupIDCacheName, func(ctx context.Context, agentRollupID string) (string, bool, error) {
		return store.ReadParentID(ctx, agentRollupID)
	})
	return r
}

// Store registers an agent under an optional parent rollup (empty for a
// top-level agent). The write is idempotent: the leaf row is written, then
// every ancestor row's parent link is written or repaired walking outward
// from the root. The cached parent lookup is invalidated for every id
// written, before any subsequent cluster read can observe the old link.
func (r *Resolver) Store(ctx context.Context, agentID, parentRollupID string) error {
	if agentID == "" {
		return errs.NewContractViolation("agent id required")
	}
	if err := r.store.UpsertRollup(ctx, agentID, parentRollupID, true); err != nil {
		return err
	}
	r.cache.Invalidate(agentID)

	if parentRollupID == "" {
		return nil
	}
	ids := AgentRollupIDs(parentRollupID) // most specific first
	for j := len(ids) - 1; j >= 0; j-- {
		parent := ""
		if j+1 < len(ids) {
			parent = ids[j+1]
		}
		if err := r.store.UpsertRollup(ctx, ids[j], parent, false); err != nil {
			return err
		}
		r.cache.Invalidate(ids[j])
	}
	return nil
}

// UpdateLastCaptureTime records the latest capture time of an agent. The
// row may not be registered yet; in that case an incomplete row is
// created, invisible to reads until registration completes.
func (r *Resolver) UpdateLastCaptureTime(ctx context.Context, agentID string, captureTime int64) error {
	return r.store.UpsertLastCaptureTime(ctx, agentID, captureTime)
}

// ReadAgentRollupIDs returns the ancestor chain of an agent, most specific
// first, including the agent itself. The immediate parent is resolved
// through the cluster cache; an agent unknown to the hierarchy degenerates
// to a single-element chain. A cache load failure is surfaced, never
// treated as unknown.
func (r *Resolver) ReadAgentRollupIDs(ctx context.Context, agentID string) ([]string, error) {
	parent, ok, err := r.cache.Get(ctx, agentID)
	if err != nil {
		return nil, errs.NewCacheLoadFailure(agentRollupIDCacheName, agentID, err)
	}
	if !ok {
		return []string{agentID}, nil
	}
	return append([]string{agentID}, AgentRollupIDs(parent)...), nil
}

// ReadAgentRollups returns the resolved forest: null-parent rows are
// roots, children attached beneath their parents, siblings ordered by
// display name at every level. Incomplete rows (capture recorded,
// registration unfinished) are excluded.
func (r *Resolver) ReadAgentRollups(ctx context.Context) ([]*AgentRollup, error) {
	records, err := r.store.ReadRows(ctx)
	if err != nil {
		return nil, err
	}

	nodes := make(map[string]*AgentRollup, len(records))
	for _, rec := range records {
		if !rec.Complete {
			continue
		}
		nodes[rec.ID] = &AgentRollup{
			ID:              rec.ID,
			Display:         DisplayName(rec.ID),
			Agent:           rec.Agent,
			LastCaptureTime: rec.LastCaptureTime,
		}
	}

	var roots []*AgentRollup
	for _, rec := range records {
		if !rec.Complete {
			continue
		}
		node := nodes[rec.ID]
		if rec.ParentID == "" {
			roots = append(roots, node)
			continue
		}
		parent, ok := nodes[rec.ParentID]
		if !ok {
			// Orphaned by a missing or incomplete parent row;
			// surface it at the top rather than dropping it.
			roots = append(roots, node)
			continue
		}
		parent.Children = append(parent.Children, node)
	}

	sortByDisplay(roots)
	for _, node := range nodes {
		sortByDisplay(node.Children)
	}
	return roots, nil
}

// IsAgent reports whether the id is a registered leaf agent; rollup
// groups and unknown ids are false.
func (r *Resolver) IsAgent(ctx context.Context, agentRollupID string) (bool, error) {
	return r.store.ReadIsAgent(ctx, agentRollupID)
}

// SweepIncomplete deletes rows whose registration never completed and
// whose last capture is older than grace. Best effort: individual delete
// failures are logged and skipped. Intended to run periodically, off the
// read path.
func (r *Resolver) SweepIncomplete(ctx context.Context, grace time.Duration) error {
	records, err := r.store.ReadRows(ctx)
	if err != nil {
		return err
	}
	cutoff := time.Now().Add(-grace).UnixMilli()
	for _, rec := range records {
		if rec.Complete || rec.LastCaptureTime > cutoff {
			continue
		}
		if err := r.store.DeleteIncomplete(ctx, rec.ID); err != nil {
			r.log.Warn("sweep incomplete row", "agent_rollup_id", rec.ID, "error", err)
			continue
		}
		r.cache.Invalidate(rec.ID)
		r.log.Debug("swept incomplete row", "agent_rollup_id", rec.ID)
	}
	return nil
}

func sortByDisplay(nodes []*AgentRollup) {
	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].Display != nodes[j].Display {
			return nodes[i].Display < nodes[j].Display
		}
		return nodes[i].ID < nodes[j].ID
	})
}
