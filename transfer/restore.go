package transfer

import (
	"context"
	"fmt"
	"os"

	"github.com/opd-ai/ferry/checkpoint"
	"github.com/opd-ai/ferry/transport"
	"github.com/sirupsen/logrus"
)

// Restore recreates transfers from non-expired checkpoints after a restart.
// Each restored transfer is PAUSED with its confirmed chunks intact; call
// ResumeTransfer to continue it. Checkpoints whose files are gone are
// deleted. Returns the restored transfer ids.
func (m *Manager) Restore(ctx context.Context) ([]string, error) {
	cps, err := m.store.List()
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}

	var restored []string
	for i := range cps {
		if err := ctx.Err(); err != nil {
			return restored, err
		}
		cp := &cps[i]
		if _, live := m.state(cp.TransferID); live {
			continue
		}

		var st State
		if cp.IsOutgoing {
			st, err = m.restoreOutgoing(cp)
		} else {
			st, err = m.restoreIncoming(cp)
		}
		if err != nil {
			m.log.WithFields(logrus.Fields{
				"function":    "Restore",
				"transfer_id": cp.TransferID,
				"location":    cp.Location,
				"error":       err.Error(),
			}).Warn("Dropping unrecoverable checkpoint")
			if delErr := m.store.Delete(cp.TransferID); delErr != nil {
				m.log.WithFields(logrus.Fields{
					"function":    "Restore",
					"transfer_id": cp.TransferID,
					"error":       delErr.Error(),
				}).Warn("Failed to delete checkpoint")
			}
			continue
		}

		m.states.Store(cp.TransferID, st)
		progress := cp.Progress()
		var bytesDone int64
		for _, index := range cp.ConfirmedChunks {
			bytesDone += chunkLength(st.Metadata(), index)
		}
		m.tracker.Start(cp.TransferID, cp.FileName, cp.IsOutgoing, cp.TotalSize, cp.TotalChunks, bytesDone, progress.Confirmed)
		restored = append(restored, cp.TransferID)

		m.log.WithFields(logrus.Fields{
			"function":    "Restore",
			"transfer_id": cp.TransferID,
			"outgoing":    cp.IsOutgoing,
			"confirmed":   progress.Confirmed,
			"total":       progress.Total,
		}).Info("Transfer restored from checkpoint")
	}
	return restored, nil
}

func metadataFrom(cp *checkpoint.Checkpoint, localID string) transport.TransferMetadata {
	meta := transport.TransferMetadata{
		TransferID:         cp.TransferID,
		FileName:           cp.FileName,
		FileSize:           cp.TotalSize,
		MimeType:           cp.MimeType,
		Checksum:           cp.FileChecksum,
		ChunkSize:          cp.ChunkSize,
		TotalChunks:        cp.TotalChunks,
		CompressionEnabled: cp.Compressed,
	}
	if cp.IsOutgoing {
		meta.SenderDeviceID = localID
		meta.ReceiverDeviceID = cp.PeerID
	} else {
		meta.SenderDeviceID = cp.PeerID
		meta.ReceiverDeviceID = localID
	}
	return meta
}

func (m *Manager) restoreOutgoing(cp *checkpoint.Checkpoint) (State, error) {
	meta := metadataFrom(cp, m.tr.LocalID())
	if err := meta.Validate(); err != nil {
		return nil, err
	}
	source, err := os.Open(cp.Location)
	if err != nil {
		return nil, fmt.Errorf("reopen source: %w", err)
	}
	info, err := source.Stat()
	if err != nil || info.Size() != cp.TotalSize {
		source.Close()
		return nil, fmt.Errorf("source %s changed since checkpoint", cp.Location)
	}

	o := newOutgoing(meta, cp.Location, source)
	o.status = StatusPaused
	for _, index := range cp.ConfirmedChunks {
		o.confirmed[index] = true
	}
	missing := cp.MissingChunks()
	o.currentChunk = meta.TotalChunks
	if len(missing) > 0 {
		o.currentChunk = missing[0]
	}
	return o, nil
}

func (m *Manager) restoreIncoming(cp *checkpoint.Checkpoint) (State, error) {
	meta := metadataFrom(cp, m.tr.LocalID())
	if err := meta.Validate(); err != nil {
		return nil, err
	}
	temp, err := os.OpenFile(cp.Location, os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("reopen temp file: %w", err)
	}

	in := newIncoming(meta)
	in.status = StatusPaused
	in.temp = temp
	in.tempPath = cp.Location
	in.destDir = cp.DestinationDir
	if in.destDir == "" {
		in.destDir = m.opts.DownloadDir
	}
	for _, index := range cp.ConfirmedChunks {
		in.received[index] = true
		in.bytesReceived += chunkLength(meta, index)
	}
	in.advanceExpectedLocked()
	return in, nil
}
