package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/opd-ai/ferry/checkpoint"
	"github.com/opd-ai/ferry/chunk"
	"github.com/opd-ai/ferry/transport"
	"github.com/sirupsen/logrus"
)

func (m *Manager) handleRequest(ctx context.Context, req transport.RequestEvent) {
	meta := req.Metadata
	logger := m.log.WithFields(logrus.Fields{
		"function":    "handleRequest",
		"transfer_id": meta.TransferID,
		"from":        req.From,
		"file_name":   meta.FileName,
		"file_size":   meta.FileSize,
	})

	reason := ""
	if err := meta.Validate(); err != nil {
		reason = err.Error()
	} else if meta.SenderDeviceID != req.From || meta.ReceiverDeviceID != m.tr.LocalID() {
		reason = "device ids do not match"
	} else if _, err := chunk.SanitizeFileName(meta.FileName); err != nil {
		reason = err.Error()
	}
	if reason != "" {
		logger.WithField("reason", reason).Warn("Rejecting invalid offer")
		if err := m.tr.SendReject(ctx, req.From, meta.TransferID, reason); err != nil {
			logger.WithField("error", err.Error()).Warn("Failed to send reject")
		}
		return
	}

	in := newIncoming(meta)
	if _, loaded := m.states.LoadOrStore(meta.TransferID, in); loaded {
		logger.Warn("Ignoring duplicate offer")
		return
	}
	logger.Info("Offer received")

	if m.opts.AutoAccept {
		if err := m.AcceptTransfer(ctx, meta.TransferID, ""); err != nil {
			logger.WithField("error", err.Error()).Error("Auto-accept failed")
		}
		return
	}

	offer := Offer{
		TransferID: meta.TransferID,
		From:       req.From,
		FileName:   meta.FileName,
		FileSize:   meta.FileSize,
		MimeType:   meta.MimeType,
	}
	m.listenersMu.RLock()
	handlers := m.offerHandlers
	m.listenersMu.RUnlock()
	for _, h := range handlers {
		h(offer)
	}
}

// AcceptTransfer accepts a pending offer. The file is finalized into destDir,
// or the configured download directory when destDir is empty.
func (m *Manager) AcceptTransfer(ctx context.Context, transferID, destDir string) error {
	in, err := m.incoming(transferID)
	if err != nil {
		return err
	}
	if destDir == "" {
		destDir = m.opts.DownloadDir
	}

	in.mu.Lock()
	if in.status != StatusPending {
		status := in.status
		in.mu.Unlock()
		return fmt.Errorf("%w: cannot accept %s in %s", ErrInvalidState, transferID, status)
	}
	in.status = StatusRequesting
	in.mu.Unlock()

	meta := in.meta
	tempPath := filepath.Join(m.opts.TempDir, meta.TransferID+".part")
	temp, err := openTemp(tempPath, meta.FileSize)
	if err != nil {
		m.finish(transferID, StatusFailed, err, KindResource, "")
		return err
	}

	in.mu.Lock()
	in.temp = temp
	in.tempPath = tempPath
	in.destDir = destDir
	in.mu.Unlock()

	if err := m.store.Create(checkpoint.Checkpoint{
		TransferID:     meta.TransferID,
		FileID:         meta.Checksum,
		FileName:       meta.FileName,
		TotalSize:      meta.FileSize,
		TotalChunks:    meta.TotalChunks,
		ChunkSize:      meta.ChunkSize,
		IsOutgoing:     false,
		PeerID:         meta.SenderDeviceID,
		FileChecksum:   meta.Checksum,
		MimeType:       meta.MimeType,
		Compressed:     meta.CompressionEnabled,
		Location:       tempPath,
		DestinationDir: destDir,
	}); err != nil {
		m.log.WithFields(logrus.Fields{
			"function":    "AcceptTransfer",
			"transfer_id": transferID,
			"error":       err.Error(),
		}).Warn("Checkpoint create failed, transfer will not survive a restart")
	}

	if err := m.tr.SendAccept(ctx, meta.SenderDeviceID, transferID); err != nil {
		m.finish(transferID, StatusFailed, fmt.Errorf("accept %s: %w", transferID, err), KindTransient, "")
		return err
	}

	in.mu.Lock()
	in.status = StatusTransferring
	in.mu.Unlock()
	m.tracker.Start(transferID, meta.FileName, false, meta.FileSize, meta.TotalChunks, 0, 0)
	m.tracker.SetActive(transferID, true)

	m.log.WithFields(logrus.Fields{
		"function":    "AcceptTransfer",
		"transfer_id": transferID,
		"dest_dir":    destDir,
	}).Info("Offer accepted")

	if meta.TotalChunks == 0 {
		m.startFinalize(in)
	}
	return nil
}

// RejectTransfer declines a pending offer.
func (m *Manager) RejectTransfer(ctx context.Context, transferID, reason string) error {
	in, err := m.incoming(transferID)
	if err != nil {
		return err
	}
	if status := in.Status(); status != StatusPending {
		return fmt.Errorf("%w: cannot reject %s in %s", ErrInvalidState, transferID, status)
	}
	if reason == "" {
		reason = "declined"
	}
	if err := m.tr.SendReject(ctx, in.Peer(), transferID, reason); err != nil {
		m.log.WithFields(logrus.Fields{
			"function":    "RejectTransfer",
			"transfer_id": transferID,
			"error":       err.Error(),
		}).Warn("Peer not notified of rejection")
	}
	m.finish(transferID, StatusCancelled, fmt.Errorf("%w: %s", ErrRejected, reason), KindCancelled, "")
	return nil
}

func (m *Manager) incoming(transferID string) (*Incoming, error) {
	st, ok := m.state(transferID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTransferNotFound, transferID)
	}
	in, ok := st.(*Incoming)
	if !ok {
		return nil, fmt.Errorf("%w: %s is outgoing", ErrInvalidState, transferID)
	}
	return in, nil
}

func openTemp(path string, size int64) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open temp file: %w", err)
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, fmt.Errorf("size temp file: %w", err)
	}
	return f, nil
}

// onChunk writes one inbound chunk and acknowledges it, successful or not.
func (m *Manager) onChunk(ctx context.Context, in *Incoming, fc *chunk.FileChunk) {
	in.mu.Lock()
	status, temp := in.status, in.temp
	in.mu.Unlock()
	if (status != StatusTransferring && status != StatusPaused) || temp == nil {
		return
	}

	ack := transport.FileChunkAck{TransferID: in.ID(), ChunkIndex: fc.ChunkIndex}
	var writeErr error
	switch {
	case fc.TotalChunks != in.meta.TotalChunks:
		writeErr = fmt.Errorf("%w: total chunks %d, expected %d", chunk.ErrInvalidChunk, fc.TotalChunks, in.meta.TotalChunks)
	case fc.ChunkIndex >= 0 && fc.ChunkIndex < in.meta.TotalChunks && fc.Offset != int64(fc.ChunkIndex)*int64(in.meta.ChunkSize):
		writeErr = fmt.Errorf("%w: offset %d for chunk %d", chunk.ErrInvalidChunk, fc.Offset, fc.ChunkIndex)
	case fc.ChunkIndex >= 0 && fc.ChunkIndex < in.meta.TotalChunks && int64(fc.ChunkSize) != chunkLength(in.meta, fc.ChunkIndex):
		writeErr = fmt.Errorf("%w: size %d for chunk %d", chunk.ErrInvalidChunk, fc.ChunkSize, fc.ChunkIndex)
	default:
		writeErr = m.chunker.WriteChunk(fc, temp)
	}

	in.mu.Lock()
	var (
		batch    []int
		complete bool
		fatal    error
		fresh    bool
	)
	if writeErr == nil {
		if !in.received[fc.ChunkIndex] {
			fresh = true
			in.received[fc.ChunkIndex] = true
			in.bytesReceived += int64(fc.ChunkSize)
			in.unsaved = append(in.unsaved, fc.ChunkIndex)
			if len(in.unsaved) >= m.opts.AutoSaveInterval {
				batch, in.unsaved = in.unsaved, nil
			}
		}
		delete(in.failures, fc.ChunkIndex)
		in.advanceExpectedLocked()
		if len(in.received) == in.meta.TotalChunks && !in.finalizing {
			in.finalizing = true
			complete = true
		}
		ack.Success = true
	} else {
		in.failures[fc.ChunkIndex]++
		if in.failures[fc.ChunkIndex] > m.opts.MaxRetries {
			fatal = fmt.Errorf("%w: chunk %d failed %d times: %v", ErrIntegrity, fc.ChunkIndex, in.failures[fc.ChunkIndex], writeErr)
		}
		ack.ErrorMessage = writeErr.Error()
	}
	ack.NextExpectedChunk = in.expectedChunk
	in.mu.Unlock()

	if err := m.tr.SendAck(ctx, in.Peer(), ack); err != nil {
		m.log.WithFields(logrus.Fields{
			"function":    "onChunk",
			"transfer_id": in.ID(),
			"chunk_index": fc.ChunkIndex,
			"error":       err.Error(),
		}).Warn("Failed to send ACK")
	}

	if writeErr != nil {
		m.log.WithFields(logrus.Fields{
			"function":    "onChunk",
			"transfer_id": in.ID(),
			"chunk_index": fc.ChunkIndex,
			"error":       writeErr.Error(),
		}).Warn("Chunk rejected")
		if fatal != nil {
			m.failIncoming(ctx, in, fatal, KindIntegrity)
		}
		return
	}

	if fresh {
		m.tracker.AddChunk(in.ID(), int64(fc.ChunkSize))
	}
	m.saveCheckpoint(in.ID(), batch)
	if complete {
		m.startFinalize(in)
	}
}

func (m *Manager) failIncoming(ctx context.Context, in *Incoming, err error, kind ErrorKind) {
	m.notifyFailure(ctx, in, err)
	m.finish(in.ID(), StatusFailed, err, kind, "")
}

func (m *Manager) notifyFailure(ctx context.Context, in *Incoming, err error) {
	if sendErr := m.tr.SendCancel(ctx, in.Peer(), in.ID(), err.Error()); sendErr != nil {
		m.log.WithFields(logrus.Fields{
			"function":    "notifyFailure",
			"transfer_id": in.ID(),
			"error":       sendErr.Error(),
		}).Debug("Peer not notified of failure")
	}
}

// startFinalize verifies and places the file off the event loop so large
// files do not stall other transfers.
func (m *Manager) startFinalize(in *Incoming) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.finalize(context.Background(), in)
	}()
}

// finalize checks the whole-file checksum, moves the temp file into place
// and reports completion to the sender.
func (m *Manager) finalize(ctx context.Context, in *Incoming) {
	in.mu.Lock()
	temp, tempPath, destDir := in.temp, in.tempPath, in.destDir
	in.temp = nil
	in.mu.Unlock()
	if temp == nil {
		return
	}
	meta := in.meta

	if err := temp.Sync(); err != nil {
		temp.Close()
		m.failIncoming(ctx, in, fmt.Errorf("sync temp file: %w", err), KindResource)
		return
	}
	ok, err := m.chunker.VerifyFileChecksum(io.NewSectionReader(temp, 0, meta.FileSize), meta.Checksum)
	temp.Close()
	if err != nil {
		m.failIncoming(ctx, in, err, KindResource)
		return
	}
	if !ok {
		m.failIncoming(ctx, in, fmt.Errorf("%w: %w", ErrIntegrity, chunk.ErrChecksumMismatch), KindIntegrity)
		return
	}

	// Claim the transfer before the rename. A cancel that got here first
	// owns the result and the file is never placed.
	v, ok := m.states.LoadAndDelete(in.ID())
	if !ok {
		if rmErr := os.Remove(tempPath); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			m.log.WithFields(logrus.Fields{
				"function":  "finalize",
				"temp_path": tempPath,
				"error":     rmErr.Error(),
			}).Warn("Failed to remove temp file")
		}
		return
	}
	st := v.(State)

	finalPath, err := m.chunker.FinalizeTempFile(tempPath, destDir, meta.FileName)
	if err != nil {
		kind := KindResource
		if errors.Is(err, chunk.ErrDirectoryTraversal) {
			kind = KindIntegrity
		}
		m.notifyFailure(ctx, in, err)
		m.settle(st, StatusFailed, err, kind, "")
		return
	}

	if err := m.tr.SendComplete(ctx, in.Peer(), in.ID()); err != nil {
		m.log.WithFields(logrus.Fields{
			"function":    "finalize",
			"transfer_id": in.ID(),
			"error":       err.Error(),
		}).Warn("Sender not notified of completion")
	}
	m.settle(st, StatusCompleted, nil, KindNone, finalPath)
}

// resumeIncoming reopens a paused download and asks the sender to continue
// from the lowest missing chunk.
func (m *Manager) resumeIncoming(ctx context.Context, in *Incoming) error {
	in.mu.Lock()
	if in.status != StatusPaused {
		status := in.status
		in.mu.Unlock()
		return fmt.Errorf("%w: cannot resume %s in %s", ErrInvalidState, in.ID(), status)
	}
	from := in.expectedChunk
	in.mu.Unlock()

	if err := m.tr.SendResume(ctx, in.Peer(), in.ID(), from); err != nil {
		return fmt.Errorf("resume %s: %w", in.ID(), err)
	}

	in.mu.Lock()
	if in.status == StatusPaused {
		in.status = StatusTransferring
	}
	complete := len(in.received) == in.meta.TotalChunks && !in.finalizing
	if complete {
		in.finalizing = true
	}
	in.mu.Unlock()
	m.tracker.SetActive(in.ID(), true)
	if complete {
		m.startFinalize(in)
	}

	m.log.WithFields(logrus.Fields{
		"function":    "resumeIncoming",
		"transfer_id": in.ID(),
		"from_chunk":  from,
	}).Info("Transfer resumed")
	return nil
}

// onResumeIncoming answers a sender-initiated resume with this side's
// lowest missing chunk.
func (m *Manager) onResumeIncoming(ctx context.Context, in *Incoming) {
	in.mu.Lock()
	if in.status != StatusPaused {
		in.mu.Unlock()
		return
	}
	in.status = StatusTransferring
	from := in.expectedChunk
	in.mu.Unlock()

	m.tracker.SetActive(in.ID(), true)
	if err := m.tr.SendResume(ctx, in.Peer(), in.ID(), from); err != nil {
		m.log.WithFields(logrus.Fields{
			"function":    "onResumeIncoming",
			"transfer_id": in.ID(),
			"error":       err.Error(),
		}).Warn("Failed to answer resume")
	}
}
