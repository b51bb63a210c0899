// Package hierarchy maintains and resolves the forest of agents and
// rollup groups. Agent rollup ids are slash-delimited paths; every strict
// prefix ending before a slash is an ancestor.
package hierarchy

import "strings"

// AgentRollupIDs returns the ancestor chain of an agent rollup id, most
// specific first, including the id itself:
//
//	AgentRollupIDs("a/b/c") == ["a/b/c", "a/b", "a"]
//
// Pure function of the id; independent of storage.
func AgentRollupIDs(agentRollupID string) []string {
	ids := []string{agentRollupID}
	for i := len(agentRollupID) - 1; i > 0; i-- {
		if agentRollupID[i] == '/' {
			ids = append(ids, agentRollupID[:i])
		}
	}
	return ids
}

// ParentID returns the immediate ancestor of an agent rollup id derived
// from its path, or empty for a top-level id.
func ParentID(agentRollupID string) string {
	i := strings.LastIndexByte(agentRollupID, '/')
	if i <= 0 {
		return ""
	}
	return agentRollupID[:i]
}

// DisplayName returns the last path segment of an agent rollup id.
func DisplayName(agentRollupID string) string {
	i := strings.LastIndexByte(agentRollupID, '/')
	return agentRollupID[i+1:]
}
