// Package registry holds the set of live signaling sessions and the logical
// identity lookup over them.
//
// A Session is keyed by its transport-level session ID, assigned at accept
// time. Peers later announce a stable logical ID (their nodeId); the first
// announcement wins and is never changed for that session. Two live sessions
// may carry the same logical ID; FindByLogicalID returns the earliest
// registered one.
//
// Iteration follows registration order. Each pass over AllExcept or All walks
// a snapshot taken when the pass starts, so callers may deliver to sessions
// while other goroutines register or remove entries.
package registry
