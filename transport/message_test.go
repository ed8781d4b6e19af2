package transport

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/opd-ai/ferry/chunk"
	"github.com/opd-ai/ferry/limits"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validMetadata() TransferMetadata {
	return TransferMetadata{
		TransferID:       "t-1",
		FileName:         "report.pdf",
		FileSize:         10 * 1024,
		MimeType:         "application/pdf",
		Checksum:         strings.Repeat("ab", 32),
		ChunkSize:        4096,
		TotalChunks:      3,
		SenderDeviceID:   "alice",
		ReceiverDeviceID: "bob",
	}
}

func TestTransferMetadata_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(m *TransferMetadata)
		wantErr bool
	}{
		{"valid", func(m *TransferMetadata) {}, false},
		{"empty file", func(m *TransferMetadata) { m.FileSize = 0; m.TotalChunks = 0 }, false},
		{"missing id", func(m *TransferMetadata) { m.TransferID = "" }, true},
		{"missing name", func(m *TransferMetadata) { m.FileName = "" }, true},
		{"short checksum", func(m *TransferMetadata) { m.Checksum = "abc" }, true},
		{"non hex checksum", func(m *TransferMetadata) { m.Checksum = strings.Repeat("zz", 32) }, true},
		{"chunk size too small", func(m *TransferMetadata) { m.ChunkSize = 512 }, true},
		{"chunk count mismatch", func(m *TransferMetadata) { m.TotalChunks = 2 }, true},
		{"thumbnail too large", func(m *TransferMetadata) { m.Thumbnail = make([]byte, 65537) }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := validMetadata()
			tt.mutate(&m)
			err := m.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidMetadata) {
				t.Errorf("expected ErrInvalidMetadata, got %v", err)
			}
		})
	}
}

func TestDecodeEvent_AllKinds(t *testing.T) {
	fc := chunk.FileChunk{
		TransferID:    "t-1",
		ChunkIndex:    2,
		TotalChunks:   3,
		Offset:        8192,
		Data:          []byte("tail"),
		ChunkChecksum: chunk.ChecksumChunk([]byte("tail")),
		ChunkSize:     4,
	}

	tests := []struct {
		msgType MessageType
		payload any
		check   func(t *testing.T, ev Event)
	}{
		{MessageTransferRequest, validMetadata(), func(t *testing.T, ev Event) {
			req := ev.(RequestEvent)
			assert.Equal(t, "report.pdf", req.Metadata.FileName)
		}},
		{MessageTransferAccept, AcceptPayload{TransferID: "t-1"}, func(t *testing.T, ev Event) {
			assert.IsType(t, AcceptEvent{}, ev)
		}},
		{MessageTransferReject, RejectPayload{TransferID: "t-1", Reason: "busy"}, func(t *testing.T, ev Event) {
			assert.Equal(t, "busy", ev.(RejectEvent).Payload.Reason)
		}},
		{MessageTransferChunk, fc, func(t *testing.T, ev Event) {
			got := ev.(ChunkEvent).Chunk
			assert.Equal(t, 2, got.ChunkIndex)
			assert.Equal(t, []byte("tail"), got.Data)
			assert.Equal(t, int64(8192), got.Offset)
		}},
		{MessageTransferAck, FileChunkAck{TransferID: "t-1", ChunkIndex: 1, Success: true, NextExpectedChunk: 2}, func(t *testing.T, ev Event) {
			ack := ev.(AckEvent).Ack
			assert.True(t, ack.Success)
			assert.Equal(t, 2, ack.NextExpectedChunk)
		}},
		{MessageTransferPause, PausePayload{TransferID: "t-1"}, func(t *testing.T, ev Event) {
			assert.IsType(t, PauseEvent{}, ev)
		}},
		{MessageTransferResume, ResumePayload{TransferID: "t-1", FromChunk: 2}, func(t *testing.T, ev Event) {
			assert.Equal(t, 2, ev.(ResumeEvent).Payload.FromChunk)
		}},
		{MessageTransferCancel, CancelPayload{TransferID: "t-1", Reason: "user"}, func(t *testing.T, ev Event) {
			assert.Equal(t, "user", ev.(CancelEvent).Payload.Reason)
		}},
		{MessageTransferComplete, CompletePayload{TransferID: "t-1"}, func(t *testing.T, ev Event) {
			assert.IsType(t, CompleteEvent{}, ev)
		}},
	}

	for _, tt := range tests {
		t.Run(string(tt.msgType), func(t *testing.T) {
			data, err := Encode("alice", "bob", tt.msgType, tt.payload)
			require.NoError(t, err)

			msg, err := Decode(data)
			require.NoError(t, err)
			assert.Equal(t, "alice", msg.FromDeviceID)
			assert.Equal(t, "bob", msg.ToDeviceID)

			ev, err := DecodeEvent(msg)
			require.NoError(t, err)
			assert.Equal(t, "t-1", ev.TransferID())
			assert.Equal(t, "alice", ev.Peer())
			tt.check(t, ev)
		})
	}
}

func TestDecode_Rejects(t *testing.T) {
	_, err := Decode(nil)
	assert.ErrorIs(t, err, limits.ErrMessageEmpty)

	_, err = Decode([]byte("{not json"))
	assert.ErrorIs(t, err, ErrMalformedMessage)

	_, err = Decode([]byte(`{"fromDeviceId":"a"}`))
	assert.ErrorIs(t, err, ErrMalformedMessage)

	_, err = DecodeEvent(&Message{Type: "transfer_teleport", Payload: json.RawMessage(`{}`)})
	assert.ErrorIs(t, err, ErrUnknownMessage)

	_, err = DecodeEvent(&Message{Type: MessageTransferAccept, Payload: json.RawMessage(`{}`)})
	assert.ErrorIs(t, err, ErrMalformedMessage)

	_, err = DecodeEvent(&Message{Type: MessageTransferAck, Payload: json.RawMessage(`[1,2]`)})
	assert.ErrorIs(t, err, ErrMalformedMessage)
}

func TestEncode_MaxChunkFitsInMessage(t *testing.T) {
	data := make([]byte, limits.MaxChunkSize)
	fc := chunk.FileChunk{
		TransferID:    "t-big",
		ChunkIndex:    0,
		TotalChunks:   1,
		Data:          data,
		ChunkChecksum: chunk.ChecksumChunk(data),
		ChunkSize:     len(data),
	}
	encoded, err := Encode("alice", "bob", MessageTransferChunk, fc)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(encoded), limits.MaxMessageSize)
}
