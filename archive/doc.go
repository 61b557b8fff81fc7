// Package archive keeps the long-term memory of finished tasks.
//
// Two targets are written for every archived task:
//
//   - the agent's bounded summary list, one block labelled
//     "claude_mcp_task_archive" holding Entry values newest first
//   - the passage index, which receives the full text from Format plus
//     structured metadata for search
//
// When the list is full, the entry with the lowest priority is evicted,
// oldest completion first among equals. Critical entries are never
// evicted; a non-critical entry offered to a list holding only critical
// entries is left out of the list but its passage is still written.
//
// List updates are read-modify-write on a store without compare-and-swap,
// so Index funnels them through one writer per agent.
package archive
