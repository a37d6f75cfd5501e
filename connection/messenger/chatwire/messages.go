package chatwire

import (
	"github.com/parleychat/relaykit/chat"
)

// ProtocolVersion is the wire protocol version this client speaks. The
// server advertises its own version in the welcome frame and the handshake
// rejects anything outside the compatible range.
const ProtocolVersion = "1.2.0"

// The different operations a frame can carry
type OpCode string

const (
	Hello   OpCode = "hello"
	Welcome OpCode = "welcome"
	Ping    OpCode = "ping"
	Pong    OpCode = "pong"
	Msg     OpCode = "msg"
	Receipt OpCode = "receipt"
	Bye     OpCode = "bye"
)

// Frame is the envelope every chatwire exchange travels in. Exactly one
// payload field is set, matching Op. Each websocket message carries one
// frame, so no record separator is needed.
type Frame struct {
	Op      OpCode          `json:"op"`
	Hello   *HelloPayload   `json:"hello,omitempty"`
	Welcome *WelcomePayload `json:"welcome,omitempty"`
	Ping    *PingPayload    `json:"ping,omitempty"`
	Pong    *PongPayload    `json:"pong,omitempty"`
	Message *chat.Message   `json:"message,omitempty"`
	Receipt *ReceiptPayload `json:"receipt,omitempty"`
	Bye     *ByePayload     `json:"bye,omitempty"`
}

type HelloPayload struct {
	Token    string `json:"token"`
	Client   string `json:"client"`
	Protocol string `json:"protocol"`
}

type WelcomePayload struct {
	SessionId string `json:"sessionId"`
	Protocol  string `json:"protocol"`
	Server    string `json:"server,omitempty"`
}

type PingPayload struct {
	SentAt int64 `json:"sentAt"` // epoch milliseconds
}

// PongPayload echoes the ping's timestamp so the sender can compute the
// round trip without keeping state
type PongPayload struct {
	SentAt   int64 `json:"sentAt"`
	EchoedAt int64 `json:"echoedAt"`
}

type ReceiptKind string

const (
	Delivered ReceiptKind = "delivered"
	Read      ReceiptKind = "read"
)

type ReceiptPayload struct {
	Kind      ReceiptKind `json:"kind"`
	MessageId string      `json:"messageId"`
	At        int64       `json:"at"` // epoch milliseconds
}

type ByePayload struct {
	Reason string `json:"reason,omitempty"`
}
