// Package transfer implements the transfer state machine: offering files,
// accepting offers, the per-transfer send loop, the receive path and
// cleanup.
//
// # States
//
// Both directions move through
//
//	PENDING -> REQUESTING -> TRANSFERRING <-> PAUSED -> COMPLETED | FAILED | CANCELLED
//
// A live transfer is held as a State, which is either *Outgoing or
// *Incoming. Exactly one State exists per live transfer id and it is
// removed on the terminal transition, which reports exactly one Result to
// every Subscribe handler.
//
// # Sending
//
// Every outgoing transfer in TRANSFERRING owns one send loop goroutine.
// The loop prefetches chunks with a chunk.ReadAhead, sends them in
// increasing index order while the sliding window has room and otherwise
// waits for an ACK or the poll interval. Chunks whose ACK times out, or
// that the receiver rejects, are resent. A single chunk failing more than
// MaxRetries times fails the whole transfer.
//
// # Receiving
//
// Inbound chunks are verified and written at their absolute offset into a
// temp file; every chunk is acknowledged. Every AutoSaveInterval confirmed
// chunks the checkpoint is updated. When all chunks are present the whole
// file checksum is verified, the temp file is moved into the destination
// directory and the sender is told the transfer is complete.
//
// # Resume
//
// Pausing stops the send loop and flushes the checkpoint. On resume the
// receiver announces its lowest missing chunk; the sender treats lower
// indices as confirmed and resends everything else. Restore rebuilds paused
// transfers from checkpoints after a restart.
//
// Example:
//
//	mgr, err := transfer.NewManager(tr, store, tracker, nil, transfer.DefaultOptions(), log)
//	if err != nil {
//	    return err
//	}
//	mgr.Subscribe(func(r transfer.Result) {
//	    log.Infof("%s finished: %s", r.FileName, r.Status)
//	})
//	go mgr.Run(ctx)
//	id, err := mgr.SendFile(ctx, "bob", "/tmp/report.pdf")
package transfer
