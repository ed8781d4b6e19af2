package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/opd-ai/ferry/checkpoint"
	"github.com/opd-ai/ferry/chunk"
	"github.com/opd-ai/ferry/transport"
	"github.com/sirupsen/logrus"
)

// SendFile offers the file at path to peerID and returns the new transfer
// id. Chunks flow once the peer accepts. Errors returned here are
// synchronous: no transfer was created and no Result will follow.
func (m *Manager) SendFile(ctx context.Context, peerID, path string) (string, error) {
	if m.opts.MaxActive > 0 && m.activeOutgoing() >= m.opts.MaxActive {
		return "", fmt.Errorf("%w: %d outgoing", ErrCapacity, m.opts.MaxActive)
	}

	cleaned, err := chunk.ValidatePath(path)
	if err != nil {
		return "", err
	}
	source, err := os.Open(cleaned)
	if err != nil {
		return "", fmt.Errorf("open source: %w", err)
	}
	meta, err := m.describe(source, cleaned, peerID)
	if err != nil {
		source.Close()
		return "", err
	}

	o := newOutgoing(meta, cleaned, source)
	m.states.Store(meta.TransferID, o)

	if err := m.store.Create(checkpoint.Checkpoint{
		TransferID:   meta.TransferID,
		FileID:       meta.Checksum,
		FileName:     meta.FileName,
		TotalSize:    meta.FileSize,
		TotalChunks:  meta.TotalChunks,
		ChunkSize:    meta.ChunkSize,
		IsOutgoing:   true,
		PeerID:       peerID,
		FileChecksum: meta.Checksum,
		MimeType:     meta.MimeType,
		Compressed:   meta.CompressionEnabled,
		Location:     cleaned,
	}); err != nil {
		m.log.WithFields(logrus.Fields{
			"function":    "SendFile",
			"transfer_id": meta.TransferID,
			"error":       err.Error(),
		}).Warn("Checkpoint create failed, transfer will not survive a restart")
	}

	o.mu.Lock()
	o.status = StatusRequesting
	o.mu.Unlock()

	if err := m.tr.SendRequest(ctx, peerID, meta); err != nil {
		m.discard(o)
		return "", fmt.Errorf("offer %s: %w", meta.FileName, err)
	}
	m.tracker.Start(meta.TransferID, meta.FileName, true, meta.FileSize, meta.TotalChunks, 0, 0)

	m.log.WithFields(logrus.Fields{
		"function":     "SendFile",
		"transfer_id":  meta.TransferID,
		"peer_id":      peerID,
		"file_name":    meta.FileName,
		"file_size":    meta.FileSize,
		"total_chunks": meta.TotalChunks,
	}).Info("File offered")
	return meta.TransferID, nil
}

// describe builds the immutable metadata of a new outgoing transfer.
func (m *Manager) describe(source *os.File, path, peerID string) (transport.TransferMetadata, error) {
	info, err := source.Stat()
	if err != nil {
		return transport.TransferMetadata{}, fmt.Errorf("stat source: %w", err)
	}
	if info.IsDir() {
		return transport.TransferMetadata{}, fmt.Errorf("%s is a directory", path)
	}
	name, err := chunk.SanitizeFileName(filepath.Base(path))
	if err != nil {
		return transport.TransferMetadata{}, err
	}
	checksum, err := m.chunker.ChecksumFile(io.NewSectionReader(source, 0, info.Size()))
	if err != nil {
		return transport.TransferMetadata{}, err
	}

	meta := transport.TransferMetadata{
		TransferID:         uuid.NewString(),
		FileName:           name,
		FileSize:           info.Size(),
		MimeType:           chunk.DetectMIME(source),
		Checksum:           checksum,
		ChunkSize:          m.opts.ChunkSize,
		TotalChunks:        chunk.TotalChunks(info.Size(), m.opts.ChunkSize),
		SenderDeviceID:     m.tr.LocalID(),
		ReceiverDeviceID:   peerID,
		CompressionEnabled: m.opts.Compression,
	}
	if err := meta.Validate(); err != nil {
		return transport.TransferMetadata{}, err
	}
	return meta, nil
}

func (m *Manager) activeOutgoing() int {
	n := 0
	m.states.Range(func(_, value any) bool {
		if _, ok := value.(*Outgoing); ok {
			n++
		}
		return true
	})
	return n
}

// discard drops an outgoing transfer that never reached the peer.
func (m *Manager) discard(o *Outgoing) {
	m.states.Delete(o.ID())
	o.mu.Lock()
	src := o.source
	o.source = nil
	o.mu.Unlock()
	closeAfter(nil, src)
	if err := m.store.Delete(o.ID()); err != nil {
		m.log.WithFields(logrus.Fields{
			"function":    "discard",
			"transfer_id": o.ID(),
			"error":       err.Error(),
		}).Warn("Failed to delete checkpoint")
	}
}

func (m *Manager) onAccepted(o *Outgoing) {
	o.mu.Lock()
	if o.status != StatusRequesting {
		o.mu.Unlock()
		return
	}
	o.status = StatusTransferring
	o.mu.Unlock()

	m.log.WithFields(logrus.Fields{
		"function":    "onAccepted",
		"transfer_id": o.ID(),
	}).Info("Offer accepted, sending chunks")

	m.tracker.SetActive(o.ID(), true)
	m.startSendLoop(o)
}

// startSendLoop launches the send loop of o. The caller has set o to
// TRANSFERRING and no other loop of o is running.
func (m *Manager) startSendLoop(o *Outgoing) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	o.mu.Lock()
	o.cancel = cancel
	o.loopDone = done
	o.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer close(done)
		defer cancel()
		m.runSendLoop(ctx, o)
	}()
}

func (m *Manager) runSendLoop(ctx context.Context, o *Outgoing) {
	o.mu.Lock()
	indices := o.unconfirmedLocked()
	source := o.source
	o.mu.Unlock()
	if source == nil {
		return
	}
	meta := o.meta

	m.log.WithFields(logrus.Fields{
		"function":    "runSendLoop",
		"transfer_id": meta.TransferID,
		"remaining":   len(indices),
	}).Debug("Send loop started")

	ra := chunk.NewReadAhead(ctx, m.chunker, source, meta.TransferID, meta.ChunkSize, meta.TotalChunks, indices, m.opts.ReadAheadDepth)
	defer ra.Close()

	for {
		if err := m.serviceResends(ctx, o); err != nil {
			m.stopOnError(ctx, o, err)
			return
		}
		fc, err := ra.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() == nil {
				m.finish(meta.TransferID, StatusFailed, fmt.Errorf("read chunk: %w", err), KindResource, "")
			}
			return
		}
		err = m.sendNew(ctx, o, fc)
		ra.Release(fc)
		if err != nil {
			m.stopOnError(ctx, o, err)
			return
		}
	}

	// Every chunk went out once. The loop stays up until the transfer ends
	// so a failed ACK arriving late still gets its chunk resent.
	var deadline time.Time
	for {
		if err := m.serviceResends(ctx, o); err != nil {
			m.stopOnError(ctx, o, err)
			return
		}
		if m.tr.InFlight(meta.TransferID) > 0 || o.pendingResends() > 0 {
			deadline = time.Time{}
		} else if deadline.IsZero() {
			deadline = m.timeProvider.Now().Add(m.opts.CompletionTimeout)
			m.log.WithFields(logrus.Fields{
				"function":    "runSendLoop",
				"transfer_id": meta.TransferID,
			}).Debug("All chunks acknowledged, awaiting completion")
		} else if m.timeProvider.Now().After(deadline) {
			m.stopOnError(ctx, o, fmt.Errorf("%w after %s", ErrCompletionTimeout, m.opts.CompletionTimeout))
			return
		}
		if err := m.wait(ctx, o); err != nil {
			return
		}
	}
}

func (m *Manager) stopOnError(ctx context.Context, o *Outgoing, err error) {
	if ctx.Err() != nil {
		return
	}
	kind := KindTransient
	if !errors.Is(err, ErrRetriesExhausted) && !errors.Is(err, ErrCompletionTimeout) {
		kind = KindResource
	}
	if sendErr := m.tr.SendCancel(context.Background(), o.Peer(), o.ID(), err.Error()); sendErr != nil {
		m.log.WithFields(logrus.Fields{
			"function":    "stopOnError",
			"transfer_id": o.ID(),
			"error":       sendErr.Error(),
		}).Debug("Peer not notified of failure")
	}
	m.finish(o.ID(), StatusFailed, err, kind, "")
}

func (o *Outgoing) pendingResends() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.resend)
}

// wait blocks until an ACK arrives, the poll interval elapses or ctx ends.
func (m *Manager) wait(ctx context.Context, o *Outgoing) error {
	timer := time.NewTimer(m.opts.PollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-o.wake:
		return nil
	case <-timer.C:
		return nil
	}
}

func (m *Manager) sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// bumpRetryLocked counts one more failure of index and reports
// ErrRetriesExhausted once it exceeds MaxRetries.
func (m *Manager) bumpRetryLocked(o *Outgoing, index int) error {
	o.retries[index]++
	if o.retries[index] > m.opts.MaxRetries {
		return fmt.Errorf("%w: chunk %d failed %d times", ErrRetriesExhausted, index, o.retries[index])
	}
	return nil
}

// serviceResends moves timed-out chunks to the resend queue and transmits
// queued chunks while the window has room.
func (m *Manager) serviceResends(ctx context.Context, o *Outgoing) error {
	id := o.ID()
	for _, index := range m.tr.TimedOut(id) {
		m.tr.Window().Ack(id, index)
		o.mu.Lock()
		err := m.bumpRetryLocked(o, index)
		if err == nil {
			o.queueResendLocked(index)
		}
		o.mu.Unlock()
		if err != nil {
			return err
		}
		m.log.WithFields(logrus.Fields{
			"function":    "serviceResends",
			"transfer_id": id,
			"chunk_index": index,
		}).Debug("Chunk ACK timed out")
	}

	for m.tr.CanSendMore(id) {
		o.mu.Lock()
		if len(o.resend) == 0 {
			o.mu.Unlock()
			return nil
		}
		index := o.resend[0]
		o.resend = o.resend[1:]
		skip := o.confirmed[index]
		source := o.source
		o.mu.Unlock()
		if skip {
			continue
		}
		if source == nil {
			return ctx.Err()
		}

		fc, err := m.chunker.ReadChunk(source, id, index, o.meta.ChunkSize, o.meta.TotalChunks)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("reread chunk %d: %w", index, err)
		}
		if err := m.transmit(ctx, o, fc); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			o.mu.Lock()
			retryErr := m.bumpRetryLocked(o, index)
			o.queueResendLocked(index)
			o.mu.Unlock()
			if retryErr != nil {
				return retryErr
			}
			if err := m.sleep(ctx, m.opts.RetryBackoff); err != nil {
				return err
			}
			return nil
		}
	}
	return nil
}

// sendNew sends a chunk for the first time in this loop, waiting for window
// room and retrying failed sends with a fixed backoff.
func (m *Manager) sendNew(ctx context.Context, o *Outgoing, fc *chunk.FileChunk) error {
	id := o.ID()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		o.mu.Lock()
		skip := o.confirmed[fc.ChunkIndex]
		o.mu.Unlock()
		if skip {
			return nil
		}

		if !m.tr.CanSendMore(id) {
			if err := m.serviceResends(ctx, o); err != nil {
				return err
			}
			if err := m.wait(ctx, o); err != nil {
				return err
			}
			continue
		}

		err := m.transmit(ctx, o, fc)
		if err == nil {
			o.mu.Lock()
			o.currentChunk = max(o.currentChunk, fc.ChunkIndex+1)
			o.mu.Unlock()
			return nil
		}
		if errors.Is(err, transport.ErrWindowFull) {
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		o.mu.Lock()
		retryErr := m.bumpRetryLocked(o, fc.ChunkIndex)
		o.mu.Unlock()
		m.log.WithFields(logrus.Fields{
			"function":    "sendNew",
			"transfer_id": id,
			"chunk_index": fc.ChunkIndex,
			"error":       err.Error(),
		}).Warn("Chunk send failed")
		if retryErr != nil {
			return retryErr
		}
		if err := m.sleep(ctx, m.opts.RetryBackoff); err != nil {
			return err
		}
	}
}

func (m *Manager) transmit(ctx context.Context, o *Outgoing, fc *chunk.FileChunk) error {
	payload := fc
	if o.meta.CompressionEnabled {
		comp, err := m.chunker.Compressor()
		if err != nil {
			return err
		}
		payload = comp.CompressChunk(fc)
	}
	return m.tr.SendChunk(ctx, o.Peer(), payload)
}

func (m *Manager) onAck(o *Outgoing, ack transport.FileChunkAck) {
	if ack.ChunkIndex < 0 || ack.ChunkIndex >= o.meta.TotalChunks {
		return
	}

	o.mu.Lock()
	if o.status.IsTerminal() || o.confirmed[ack.ChunkIndex] {
		o.mu.Unlock()
		return
	}

	if !ack.Success {
		err := m.bumpRetryLocked(o, ack.ChunkIndex)
		if err == nil {
			o.queueResendLocked(ack.ChunkIndex)
		}
		o.mu.Unlock()
		o.signal()

		m.log.WithFields(logrus.Fields{
			"function":    "onAck",
			"transfer_id": o.ID(),
			"chunk_index": ack.ChunkIndex,
			"reason":      ack.ErrorMessage,
		}).Warn("Peer rejected chunk")
		if err != nil {
			m.stopOnError(context.Background(), o, err)
		}
		return
	}

	o.confirmed[ack.ChunkIndex] = true
	delete(o.retries, ack.ChunkIndex)
	o.unsaved = append(o.unsaved, ack.ChunkIndex)
	var batch []int
	if len(o.unsaved) >= m.opts.AutoSaveInterval {
		batch, o.unsaved = o.unsaved, nil
	}
	o.mu.Unlock()
	o.signal()

	m.tracker.AddChunk(o.ID(), chunkLength(o.meta, ack.ChunkIndex))
	m.saveCheckpoint(o.ID(), batch)

	m.log.WithFields(logrus.Fields{
		"function":    "onAck",
		"transfer_id": o.ID(),
		"chunk_index": ack.ChunkIndex,
	}).Debug("Chunk confirmed")
}

// resumeOutgoing restarts a paused send loop and announces the resume.
func (m *Manager) resumeOutgoing(ctx context.Context, o *Outgoing) error {
	o.mu.Lock()
	if o.status != StatusPaused {
		status := o.status
		o.mu.Unlock()
		return fmt.Errorf("%w: cannot resume %s in %s", ErrInvalidState, o.ID(), status)
	}
	done := o.loopDone
	missing := o.unconfirmedLocked()
	o.mu.Unlock()

	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	from := o.meta.TotalChunks
	if len(missing) > 0 {
		from = missing[0]
	}
	if err := m.tr.SendResume(ctx, o.Peer(), o.ID(), from); err != nil {
		return fmt.Errorf("resume %s: %w", o.ID(), err)
	}

	o.mu.Lock()
	if o.status != StatusPaused {
		o.mu.Unlock()
		return nil
	}
	o.status = StatusTransferring
	o.mu.Unlock()

	m.tracker.SetActive(o.ID(), true)
	m.startSendLoop(o)

	m.log.WithFields(logrus.Fields{
		"function":    "resumeOutgoing",
		"transfer_id": o.ID(),
		"from_chunk":  from,
	}).Info("Transfer resumed")
	return nil
}

// onResumeOutgoing applies the receiver's lowest missing chunk and restarts
// sending when the transfer was paused.
func (m *Manager) onResumeOutgoing(o *Outgoing, fromChunk int) {
	fromChunk = min(max(fromChunk, 0), o.meta.TotalChunks)

	o.mu.Lock()
	var newly []int
	for i := 0; i < fromChunk; i++ {
		if !o.confirmed[i] {
			o.confirmed[i] = true
			delete(o.retries, i)
			newly = append(newly, i)
		}
	}
	paused := o.status == StatusPaused
	if paused {
		o.status = StatusTransferring
	}
	done := o.loopDone
	o.mu.Unlock()

	for _, index := range newly {
		m.tracker.AddChunk(o.ID(), chunkLength(o.meta, index))
	}
	m.saveCheckpoint(o.ID(), newly)
	o.signal()

	if !paused {
		return
	}
	m.log.WithFields(logrus.Fields{
		"function":    "onResumeOutgoing",
		"transfer_id": o.ID(),
		"from_chunk":  fromChunk,
	}).Info("Peer resumed transfer")

	m.tracker.SetActive(o.ID(), true)
	if done == nil {
		m.startSendLoop(o)
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		<-done
		if o.Status() == StatusTransferring {
			m.startSendLoop(o)
		}
	}()
}
