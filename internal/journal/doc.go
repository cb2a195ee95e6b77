// Package journal archives chat messages and notifications received by
// the collaboration client into PostgreSQL.
//
// Rows are batched and flushed when a batch fills or on an interval.
// Inserts are append-only and deduplicated by id (ON CONFLICT DO NOTHING),
// so replayed history after a rejoin does not create duplicates.
// Itinerary content is never archived.
package journal
