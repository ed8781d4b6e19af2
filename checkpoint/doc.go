// Package checkpoint persists per-transfer progress so interrupted transfers
// resume without re-sending confirmed chunks.
//
// # Storage
//
// Each transfer has one BadgerDB row keyed "checkpoint:<transferId>" holding a
// JSON encoded Checkpoint. The row records the transfer shape (size, chunk
// size, total chunks, checksum), the peer, the source or temp file location
// and the set of confirmed chunk indices.
//
//	store := checkpoint.NewStore(db, checkpoint.DefaultMaxAge, logger)
//	err := store.Create(checkpoint.Checkpoint{TransferID: id, TotalChunks: 5})
//	err = store.Update(id, []int{0, 1, 3})
//	missing, _ := store.RestoreMissingChunks(id) // [2 4]
//
// The transfer manager calls Update in batches rather than per chunk to bound
// write amplification. A failed Update is logged by the caller and does not
// fail the transfer.
//
// # Expiry
//
// A checkpoint is resumable until ExpiresAt, which is pushed forward by every
// update. Get, List and RestoreMissingChunks treat expired rows as absent.
// RunSweeper removes them periodically through CleanupExpired.
//
// # Concurrency
//
// Read-modify-write cycles take a per-transfer mutex, so independent
// transfers never serialize on each other.
package checkpoint
