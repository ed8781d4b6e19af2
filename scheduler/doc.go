// Package scheduler keeps a durable queue of files to send and promotes them
// to live transfers under a global concurrency cap.
//
// # Queue
//
// Queue rows live in BadgerDB under queue:item:<id>. Queued rows are also
// indexed under queue:pending:<priority>:<created>:<id>, so a prefix scan
// returns them in scheduling order: lower Priority values first, then oldest
// first. Promotion deletes the index entry and updates the row in one
// transaction.
//
// # Scheduling
//
// A pass runs on Enqueue, on every transfer result and every PassInterval:
//
//	s := scheduler.New(scheduler.NewQueue(db, log), manager, scheduler.DefaultOptions(), log)
//	manager.Subscribe(s.HandleResult)
//	go s.Run(ctx)
//	s.Enqueue(ctx, peerID, "/tmp/report.pdf", scheduler.PriorityNormal)
//
// Failed transfers are requeued after RetryDelay until the item's retry
// budget is spent. A launcher at capacity leaves the item queued.
package scheduler
