// Package replica mirrors server-owned state: the channel tree, the user
// table, account and ban listings and the server properties.
//
// All mutations are diffs pushed by the server. Each reports whether it
// changed anything, so reapplying an identical diff is a no-op. Diffs that
// reference entities the replica does not know are protocol violations and
// are rejected without touching state.
//
// Readers get copies; a snapshot never observes a half-applied diff.
package replica
