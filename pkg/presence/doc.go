// Package presence tracks ephemeral per-document participant state:
// who is in a document, their cursor and selection, and when they were
// last seen. State lives only in memory and is swept after an idle TTL;
// it is never persisted.
package presence
