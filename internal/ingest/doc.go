// Package ingest turns extracted records into backend writes.
//
// A Packet is a batch of Records, each addressed by a separator-joined path
// such as "Plant/Line 1/Temperature". The Pipeline groups records by path,
// upserts the hierarchy the paths imply (nodes, then leaves, then
// relationships, in pages), and then writes each leaf's samples or intervals.
//
// Identifiers are content-addressed: a path always maps to the same DataID, so
// re-ingesting a file never creates duplicates.
//
// Every leaf carries a cursor in three properties:
//
//	FirstCachedTimestamp  earliest timestamp ever written
//	LastCachedTimestamp   latest timestamp ever written
//	DatastoreStatus       Active, Sealed or Reset
//
// Active leaves only accept data outside the cached span. Sealed leaves
// accept nothing. Reset leaves accept everything once, as if no cursor
// existed; the status itself is left for an operator to change.
//
// Failures are isolated per leaf. A structural failure (the hierarchy upsert)
// or a malformed sample under a fail-fast policy aborts the rest of the
// packet; leaves already written stay written.
package ingest
