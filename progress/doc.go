// Package progress tracks live byte and chunk counters per transfer and
// derives throughput and ETA.
//
// Speed is computed over a rolling window of at most DefaultMaxSamples
// samples taken no closer than DefaultSampleInterval apart:
//
//	speed = (lastBytes - firstBytes) * 1000 / (lastMs - firstMs)
//
// Speed is zero with fewer than two samples or while the transfer is not
// active; ETA is UnknownETA (-1) in the same cases.
//
// Counters may be updated for every chunk. Listeners registered with
// OnProgress see at most one snapshot per DefaultSnapshotInterval per
// transfer, plus one on every activity change and one when the last chunk
// lands.
package progress
