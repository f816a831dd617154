// Package tachyon implements the autohost side of the Tachyon lobby
// protocol: message envelopes, the autohost command set, and the event
// payloads the autohost publishes.
package tachyon

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Subprotocol pins the protocol version at the WebSocket handshake.
const Subprotocol = "v0.tachyon"

// Envelope message types.
const (
	MessageTypeRequest  = "request"
	MessageTypeResponse = "response"
	MessageTypeEvent    = "event"
)

// Response statuses.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// Commands handled by the autohost.
const (
	CmdStart            = "autohost/start"
	CmdKill             = "autohost/kill"
	CmdAddPlayer        = "autohost/addPlayer"
	CmdKickPlayer       = "autohost/kickPlayer"
	CmdMutePlayer       = "autohost/mutePlayer"
	CmdSpecPlayers      = "autohost/specPlayers"
	CmdSendCommand      = "autohost/sendCommand"
	CmdSendMessage      = "autohost/sendMessage"
	CmdSubscribeUpdates = "autohost/subscribeUpdates"
	CmdInstallEngine    = "autohost/installEngine"
)

// Events published by the autohost.
const (
	CmdStatus = "autohost/status"
	CmdUpdate = "autohost/update"
)

// Envelope is the outer frame of every Tachyon message.
type Envelope struct {
	Type      string          `json:"type"`
	MessageID string          `json:"messageId"`
	CommandID string          `json:"commandId"`
	Status    string          `json:"status,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	Details   string          `json:"details,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ParseEnvelope decodes and checks the outer frame of one text message.
func ParseEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("unmarshal envelope: %w", err)
	}
	switch env.Type {
	case MessageTypeRequest, MessageTypeResponse, MessageTypeEvent:
	default:
		return Envelope{}, fmt.Errorf("invalid message type %q", env.Type)
	}
	if env.MessageID == "" {
		return Envelope{}, fmt.Errorf("missing messageId")
	}
	if env.CommandID == "" {
		return Envelope{}, fmt.Errorf("missing commandId")
	}
	return env, nil
}

// SuccessResponse builds the success response for a request envelope.
// A nil data omits the data field.
func SuccessResponse(req Envelope, data any) Envelope {
	resp := Envelope{
		Type:      MessageTypeResponse,
		MessageID: req.MessageID,
		CommandID: req.CommandID,
		Status:    StatusSuccess,
	}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			// Response payloads are our own structs; this cannot fail
			// on valid code.
			panic(fmt.Sprintf("tachyon: marshal response data: %v", err))
		}
		resp.Data = raw
	}
	return resp
}

// FailedResponse builds the failed response for a request envelope.
func FailedResponse(req Envelope, reason, details string) Envelope {
	return Envelope{
		Type:      MessageTypeResponse,
		MessageID: req.MessageID,
		CommandID: req.CommandID,
		Status:    StatusFailed,
		Reason:    reason,
		Details:   details,
	}
}

// NewEvent builds an event envelope with a fresh message id.
func NewEvent(commandID string, data any) Envelope {
	ev := Envelope{
		Type:      MessageTypeEvent,
		MessageID: uuid.NewString(),
		CommandID: commandID,
	}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			panic(fmt.Sprintf("tachyon: marshal event data: %v", err))
		}
		ev.Data = raw
	}
	return ev
}
