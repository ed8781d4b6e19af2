package transport

import (
	"encoding/json"
	"fmt"

	"github.com/opd-ai/ferry/chunk"
)

// Event is an inbound protocol message demultiplexed into its typed form.
// The concrete types are RequestEvent, AcceptEvent, RejectEvent, ChunkEvent,
// AckEvent, PauseEvent, ResumeEvent, CancelEvent and CompleteEvent.
type Event interface {
	// TransferID returns the transfer the event belongs to
	TransferID() string
	// Peer returns the device id that sent the event
	Peer() string
}

// RequestEvent is an inbound transfer offer.
type RequestEvent struct {
	From     string
	Metadata TransferMetadata
}

// AcceptEvent reports that the peer accepted an outgoing transfer.
type AcceptEvent struct {
	From    string
	Payload AcceptPayload
}

// RejectEvent reports that the peer declined an outgoing transfer.
type RejectEvent struct {
	From    string
	Payload RejectPayload
}

// ChunkEvent carries an inbound chunk.
type ChunkEvent struct {
	From  string
	Chunk chunk.FileChunk
}

// AckEvent carries the peer's verdict on one of our chunks.
type AckEvent struct {
	From string
	Ack  FileChunkAck
}

// PauseEvent reports that the peer paused a transfer.
type PauseEvent struct {
	From    string
	Payload PausePayload
}

// ResumeEvent reports that the peer resumed a transfer.
type ResumeEvent struct {
	From    string
	Payload ResumePayload
}

// CancelEvent reports that the peer cancelled a transfer.
type CancelEvent struct {
	From    string
	Payload CancelPayload
}

// CompleteEvent reports that the peer verified and stored the file.
type CompleteEvent struct {
	From    string
	Payload CompletePayload
}

func (e RequestEvent) TransferID() string  { return e.Metadata.TransferID }
func (e RequestEvent) Peer() string        { return e.From }
func (e AcceptEvent) TransferID() string   { return e.Payload.TransferID }
func (e AcceptEvent) Peer() string         { return e.From }
func (e RejectEvent) TransferID() string   { return e.Payload.TransferID }
func (e RejectEvent) Peer() string         { return e.From }
func (e ChunkEvent) TransferID() string    { return e.Chunk.TransferID }
func (e ChunkEvent) Peer() string          { return e.From }
func (e AckEvent) TransferID() string      { return e.Ack.TransferID }
func (e AckEvent) Peer() string            { return e.From }
func (e PauseEvent) TransferID() string    { return e.Payload.TransferID }
func (e PauseEvent) Peer() string          { return e.From }
func (e ResumeEvent) TransferID() string   { return e.Payload.TransferID }
func (e ResumeEvent) Peer() string         { return e.From }
func (e CancelEvent) TransferID() string   { return e.Payload.TransferID }
func (e CancelEvent) Peer() string         { return e.From }
func (e CompleteEvent) TransferID() string { return e.Payload.TransferID }
func (e CompleteEvent) Peer() string       { return e.From }

// DecodeEvent converts a decoded envelope into its typed event.
func DecodeEvent(msg *Message) (Event, error) {
	var (
		ev  Event
		err error
	)
	from := msg.FromDeviceID

	switch msg.Type {
	case MessageTransferRequest:
		e := RequestEvent{From: from}
		err = json.Unmarshal(msg.Payload, &e.Metadata)
		ev = e
	case MessageTransferAccept:
		e := AcceptEvent{From: from}
		err = json.Unmarshal(msg.Payload, &e.Payload)
		ev = e
	case MessageTransferReject:
		e := RejectEvent{From: from}
		err = json.Unmarshal(msg.Payload, &e.Payload)
		ev = e
	case MessageTransferChunk:
		e := ChunkEvent{From: from}
		err = json.Unmarshal(msg.Payload, &e.Chunk)
		ev = e
	case MessageTransferAck:
		e := AckEvent{From: from}
		err = json.Unmarshal(msg.Payload, &e.Ack)
		ev = e
	case MessageTransferPause:
		e := PauseEvent{From: from}
		err = json.Unmarshal(msg.Payload, &e.Payload)
		ev = e
	case MessageTransferResume:
		e := ResumeEvent{From: from}
		err = json.Unmarshal(msg.Payload, &e.Payload)
		ev = e
	case MessageTransferCancel:
		e := CancelEvent{From: from}
		err = json.Unmarshal(msg.Payload, &e.Payload)
		ev = e
	case MessageTransferComplete:
		e := CompleteEvent{From: from}
		err = json.Unmarshal(msg.Payload, &e.Payload)
		ev = e
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, msg.Type)
	}

	if err != nil {
		return nil, fmt.Errorf("%w: %s payload: %v", ErrMalformedMessage, msg.Type, err)
	}
	if ev.TransferID() == "" {
		return nil, fmt.Errorf("%w: %s without transfer id", ErrMalformedMessage, msg.Type)
	}
	return ev, nil
}
