// Package gateway implements one chat-platform gateway shard connection.
package gateway

import (
	"encoding/json"

	"shardcast/pkg/shardcast"
)

// Opcode is a gateway frame opcode.
type Opcode int

const (
	// OpDispatch carries an event with a sequence number.
	OpDispatch       Opcode = 0
	// OpHeartbeat keeps the connection alive; either side may send it.
	OpHeartbeat      Opcode = 1
	// OpIdentify starts a new session.
	OpIdentify       Opcode = 2
	// OpResume continues a session after the last received sequence.
	OpResume         Opcode = 6
	// OpReconnect asks the client to reconnect and resume.
	OpReconnect      Opcode = 7
	// OpInvalidSession rejects the session; the payload says whether it may be resumed.
	OpInvalidSession Opcode = 9
	// OpHello is the first frame of a connection and carries the heartbeat interval.
	OpHello          Opcode = 10
	// OpHeartbeatAck acknowledges a client heartbeat.
	OpHeartbeatAck   Opcode = 11
)

const (
	dispatchReady   shardcast.EventName = "READY"
	dispatchResumed shardcast.EventName = "RESUMED"
)

// Frame is one gateway message in either direction.
type Frame struct {
	Op Opcode              `json:"op"`
	D  json.RawMessage     `json:"d,omitempty"`
	S  *uint64             `json:"s,omitempty"`
	T  shardcast.EventName `json:"t,omitempty"`
}

type helloPayload struct {
	HeartbeatInterval int64 `json:"heartbeat_interval"`
}

type identifyProperties struct {
	OS      string `json:"os"`
	Browser string `json:"browser"`
	Device  string `json:"device"`
}

type identifyPayload struct {
	Token      string             `json:"token"`
	Intents    int                `json:"intents"`
	Shard      [2]int             `json:"shard"`
	Properties identifyProperties `json:"properties"`
}

type resumePayload struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
	Seq       uint64 `json:"seq"`
}

type readyPayload struct {
	SessionID        string `json:"session_id"`
	ResumeGatewayURL string `json:"resume_gateway_url"`
}

// outbound builds a client frame with an encoded payload.
func outbound(op Opcode, payload any) (Frame, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, err
	}

	return Frame{Op: op, D: raw}, nil
}
