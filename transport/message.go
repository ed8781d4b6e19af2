package transport

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/opd-ai/ferry/chunk"
	"github.com/opd-ai/ferry/limits"
)

// ErrUnknownMessage indicates a message type this transport does not handle.
var ErrUnknownMessage = errors.New("unknown message type")

// ErrMalformedMessage indicates a message whose envelope or payload cannot be decoded.
var ErrMalformedMessage = errors.New("malformed message")

// ErrInvalidMetadata indicates transfer metadata that fails validation.
var ErrInvalidMetadata = errors.New("invalid transfer metadata")

// MessageType identifies the kind of a protocol message.
type MessageType string

const (
	// MessageTransferRequest offers a file to the peer.
	MessageTransferRequest MessageType = "transfer_request"
	// MessageTransferAccept accepts an offered transfer.
	MessageTransferAccept MessageType = "transfer_accept"
	// MessageTransferReject declines an offered transfer.
	MessageTransferReject MessageType = "transfer_reject"
	// MessageTransferChunk carries one file chunk.
	MessageTransferChunk MessageType = "transfer_chunk"
	// MessageTransferAck acknowledges one chunk. Acks are never acknowledged.
	MessageTransferAck MessageType = "transfer_ack"
	// MessageTransferPause pauses a running transfer.
	MessageTransferPause MessageType = "transfer_pause"
	// MessageTransferResume resumes a paused transfer from a chunk index.
	MessageTransferResume MessageType = "transfer_resume"
	// MessageTransferCancel aborts a transfer.
	MessageTransferCancel MessageType = "transfer_cancel"
	// MessageTransferComplete reports a verified, finalized file.
	MessageTransferComplete MessageType = "transfer_complete"
)

// Message is the envelope written to the channel.
type Message struct {
	FromDeviceID string          `json:"fromDeviceId"`
	ToDeviceID   string          `json:"toDeviceId"`
	Type         MessageType     `json:"type"`
	Payload      json.RawMessage `json:"payload"`
}

// TransferMetadata describes a file offered for transfer. It is created once
// per transfer attempt and never mutated.
type TransferMetadata struct {
	TransferID         string `json:"transferId" validate:"required,max=128"`
	FileName           string `json:"fileName" validate:"required,max=255"`
	FileSize           int64  `json:"fileSize" validate:"gte=0"`
	MimeType           string `json:"mimeType,omitempty" validate:"max=255"`
	Checksum           string `json:"checksum" validate:"required,len=64,hexadecimal"`
	ChunkSize          int    `json:"chunkSize" validate:"min=1024,max=4194304"`
	TotalChunks        int    `json:"totalChunks" validate:"gte=0"`
	SenderDeviceID     string `json:"senderDeviceId" validate:"required"`
	ReceiverDeviceID   string `json:"receiverDeviceId" validate:"required"`
	Thumbnail          []byte `json:"thumbnail,omitempty" validate:"max=65536"`
	CompressionEnabled bool   `json:"compressionEnabled"`
}

var validate = validator.New()

// Validate checks field constraints and that TotalChunks matches
// ceil(FileSize/ChunkSize).
func (m TransferMetadata) Validate() error {
	if err := validate.Struct(m); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMetadata, err)
	}
	if want := chunk.TotalChunks(m.FileSize, m.ChunkSize); m.TotalChunks != want {
		return fmt.Errorf("%w: totalChunks %d, expected %d", ErrInvalidMetadata, m.TotalChunks, want)
	}
	return nil
}

// AcceptPayload is the body of MessageTransferAccept.
type AcceptPayload struct {
	TransferID string `json:"transferId"`
}

// RejectPayload is the body of MessageTransferReject.
type RejectPayload struct {
	TransferID string `json:"transferId"`
	Reason     string `json:"reason,omitempty"`
}

// FileChunkAck is the receiver's verdict on one chunk, sent for every chunk
// including failed ones.
type FileChunkAck struct {
	TransferID        string `json:"transferId"`
	ChunkIndex        int    `json:"chunkIndex"`
	Success           bool   `json:"success"`
	ErrorMessage      string `json:"errorMessage,omitempty"`
	NextExpectedChunk int    `json:"nextExpectedChunk"`
}

// PausePayload is the body of MessageTransferPause.
type PausePayload struct {
	TransferID string `json:"transferId"`
}

// ResumePayload is the body of MessageTransferResume. FromChunk is the lowest
// chunk index the receiver still needs.
type ResumePayload struct {
	TransferID string `json:"transferId"`
	FromChunk  int    `json:"fromChunk"`
}

// CancelPayload is the body of MessageTransferCancel.
type CancelPayload struct {
	TransferID string `json:"transferId"`
	Reason     string `json:"reason,omitempty"`
}

// CompletePayload is the body of MessageTransferComplete.
type CompletePayload struct {
	TransferID string `json:"transferId"`
}

// Encode builds and serializes an envelope around payload.
func Encode(from, to string, msgType MessageType, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", msgType, err)
	}
	data, err := json.Marshal(Message{
		FromDeviceID: from,
		ToDeviceID:   to,
		Type:         msgType,
		Payload:      body,
	})
	if err != nil {
		return nil, fmt.Errorf("encode %s envelope: %w", msgType, err)
	}
	if err := limits.ValidateMessage(data); err != nil {
		return nil, fmt.Errorf("encode %s: %w", msgType, err)
	}
	return data, nil
}

// Decode parses an envelope. The payload is left raw; see DecodeEvent.
func Decode(data []byte) (*Message, error) {
	if err := limits.ValidateMessage(data); err != nil {
		return nil, err
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedMessage)
	}
	return &msg, nil
}
